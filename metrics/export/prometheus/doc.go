// Package prometheus exposes goSession client metrics to Prometheus.
//
// [NewCollector] wraps a [goSession.Client] in a prometheus.Collector that callers
// register with their own registry, or serve directly through [Collector.Handler].
// Counter names are prefixed gosession_*_total. The two latency histograms are
// gosession_request_latency_seconds and gosession_refresh_latency_seconds. A
// [goSession.Client] source also reports gosession_session_authenticated as a 0/1 gauge.
//
// # What this package must NOT do
//
//   - Register metrics in the global Prometheus registry.
//   - Mutate client state.
package prometheus
