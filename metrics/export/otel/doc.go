// Package otel bridges authority metrics into OpenTelemetry observable
// instruments. Core buckets are exported as cumulative gauges because the
// snapshot model has no per-sample data.
package otel
