// Package prometheus exposes authority metrics in Prometheus text exposition
// format via a plain http.Handler.
package prometheus
