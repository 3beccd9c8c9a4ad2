package internaldefs

import (
	goSession "github.com/MrEthical07/goSession"
)

// CounterDef maps a client counter to its exported name.
type CounterDef struct {
	ID   goSession.MetricID
	Name string
	Help string
}

// HistogramDef maps a client latency histogram to its exported name.
type HistogramDef struct {
	ID   goSession.MetricID
	Name string
	Help string
}

// CounterDefs lists every exported counter in render order.
var CounterDefs = []CounterDef{
	{ID: goSession.MetricRequests, Name: "gosession_requests_total", Help: "Requests passed to Do, Execute and Download."},
	{ID: goSession.MetricRequestSuccess, Name: "gosession_request_success_total", Help: "Requests that completed with a 2xx response."},
	{ID: goSession.MetricRequestRejected, Name: "gosession_request_rejected_total", Help: "Requests that completed with a non-2xx response other than a refreshable 401."},
	{ID: goSession.MetricNetworkFailure, Name: "gosession_network_failure_total", Help: "Exchanges that received no response."},
	{ID: goSession.MetricAuthFailure, Name: "gosession_auth_failure_total", Help: "401 responses that entered the refresh path."},
	{ID: goSession.MetricAuthRetry, Name: "gosession_auth_retry_total", Help: "Requests replayed after a refresh."},
	{ID: goSession.MetricRetryUnauthorized, Name: "gosession_retry_unauthorized_total", Help: "Replays rejected with 401 again."},
	{ID: goSession.MetricRefreshStarted, Name: "gosession_refresh_started_total", Help: "Refresh exchanges started."},
	{ID: goSession.MetricRefreshJoined, Name: "gosession_refresh_joined_total", Help: "Requests that waited on a refresh started by another request."},
	{ID: goSession.MetricRefreshReused, Name: "gosession_refresh_reused_total", Help: "Requests that reused an already settled refresh."},
	{ID: goSession.MetricRefreshSuccess, Name: "gosession_refresh_success_total", Help: "Successful refresh exchanges."},
	{ID: goSession.MetricRefreshFailure, Name: "gosession_refresh_failure_total", Help: "Failed refresh exchanges."},
	{ID: goSession.MetricSessionExpired, Name: "gosession_session_expired_total", Help: "Sessions ended by a failed refresh."},
	{ID: goSession.MetricLoginSuccess, Name: "gosession_login_success_total", Help: "Successful logins."},
	{ID: goSession.MetricLoginFailure, Name: "gosession_login_failure_total", Help: "Failed logins."},
	{ID: goSession.MetricRegisterSuccess, Name: "gosession_register_success_total", Help: "Successful registrations."},
	{ID: goSession.MetricRegisterFailure, Name: "gosession_register_failure_total", Help: "Failed registrations."},
	{ID: goSession.MetricLogout, Name: "gosession_logout_total", Help: "Logout operations."},
	{ID: goSession.MetricRestoreSuccess, Name: "gosession_restore_success_total", Help: "Sessions restored from the credential store."},
	{ID: goSession.MetricRestoreFailure, Name: "gosession_restore_failure_total", Help: "Failed session restores."},
}

// HistogramDefs lists every exported latency histogram.
var HistogramDefs = []HistogramDef{
	{ID: goSession.MetricRequestLatency, Name: "gosession_request_latency_seconds", Help: "End-to-end request latency including refresh and replay."},
	{ID: goSession.MetricRefreshLatency, Name: "gosession_refresh_latency_seconds", Help: "Refresh exchange latency."},
}

// AuditDroppedName is the counter for audit events lost to backpressure.
const (
	AuditDroppedName = "gosession_audit_dropped_total"
	AuditDroppedHelp = "Dropped audit events due to dispatcher backpressure."
)

// SessionAuthenticatedName is a 0/1 gauge reporting whether the client holds a live session.
const (
	SessionAuthenticatedName = "gosession_session_authenticated"
	SessionAuthenticatedHelp = "1 while the client holds an authenticated session, else 0."
)

// SessionReporter is implemented by sources that can report session state, such as
// *goSession.Client. Exporters add the session gauge only for such sources.
type SessionReporter interface {
	IsAuthenticated() bool
}

// HistogramUpperBounds are the finite bucket bounds in seconds; the eighth bucket is +Inf.
var HistogramUpperBounds = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5}

// HistogramBucketLabels are the "le" label values of the eight buckets.
var HistogramBucketLabels = [8]string{"0.005", "0.01", "0.025", "0.05", "0.1", "0.25", "0.5", "+Inf"}

// NormalizeBuckets copies raw into a fixed eight-bucket array, padding with zeros.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets converts per-bucket counts into running totals.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
