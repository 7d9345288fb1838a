package internaldefs

import (
	tokenward "github.com/hexavault/tokenward"
)

// CounterDef maps a core counter ID to its exported name and help text.
type CounterDef struct {
	ID   tokenward.MetricID
	Name string
	Help string
}

// HistogramDef maps a core histogram ID to its exported name and help text.
type HistogramDef struct {
	ID   tokenward.MetricID
	Name string
	Help string
}

// CounterDefs is the shared counter table consumed by every exporter.
var CounterDefs = []CounterDef{
	{ID: tokenward.MetricIssueSuccess, Name: "tokenward_issue_success_total", Help: "Successfully issued token pairs."},
	{ID: tokenward.MetricIssueFailure, Name: "tokenward_issue_failure_total", Help: "Failed token pair issuance attempts."},
	{ID: tokenward.MetricAccessValidateSuccess, Name: "tokenward_access_validate_success_total", Help: "Access tokens that passed validation."},
	{ID: tokenward.MetricAccessValidateFailure, Name: "tokenward_access_validate_failure_total", Help: "Access tokens that failed validation."},
	{ID: tokenward.MetricRefreshValidateSuccess, Name: "tokenward_refresh_validate_success_total", Help: "Refresh tokens that passed validation."},
	{ID: tokenward.MetricRefreshValidateFailure, Name: "tokenward_refresh_validate_failure_total", Help: "Refresh tokens that failed validation."},
	{ID: tokenward.MetricRotateSuccess, Name: "tokenward_rotate_success_total", Help: "Completed refresh rotations."},
	{ID: tokenward.MetricRotateConflict, Name: "tokenward_rotate_conflict_total", Help: "Rotations lost to a concurrent winner."},
	{ID: tokenward.MetricReuseDetected, Name: "tokenward_reuse_detected_total", Help: "Presentations of already-consumed refresh tokens."},
	{ID: tokenward.MetricBlacklistHit, Name: "tokenward_blacklist_hit_total", Help: "Validations rejected by a blacklist entry."},
	{ID: tokenward.MetricTokenRevoked, Name: "tokenward_token_revoked_total", Help: "Single-token revocations."},
	{ID: tokenward.MetricUserRevoked, Name: "tokenward_user_revoked_total", Help: "Per-user bulk revocations."},
	{ID: tokenward.MetricDeviceRevoked, Name: "tokenward_device_revoked_total", Help: "Per-device bulk revocations."},
	{ID: tokenward.MetricFamilyRevoked, Name: "tokenward_family_revoked_total", Help: "Rotation family revocations."},
	{ID: tokenward.MetricCleanupRun, Name: "tokenward_cleanup_run_total", Help: "Cleanup passes."},
}

// HistogramDefs is the shared histogram table consumed by every exporter.
var HistogramDefs = []HistogramDef{
	{ID: tokenward.MetricValidateLatency, Name: "tokenward_validate_latency_seconds", Help: "Validation latency histogram."},
}

// HistogramBounds are the upper bounds of the core histogram buckets, in
// seconds, as Prometheus le label values.
var HistogramBounds = []string{
	"0.005",
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"+Inf",
}

// HistogramBoundSuffix are the bound labels flattened into instrument-name
// suffixes for exporters without native histogram support.
var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets pads or truncates a raw snapshot slice to the fixed
// bucket count.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets converts per-bucket counts into the cumulative form
// Prometheus expects.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
