// Package internaldefs holds the metric name/help tables shared by the
// prometheus and otel exporters, so both render the same series from one
// definition.
package internaldefs
