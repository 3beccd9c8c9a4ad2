// Package otel reports goSession client metrics through OpenTelemetry.
//
// [NewOTelExporter] registers one Int64ObservableCounter per client counter. Each
// latency histogram becomes a <name>_bucket gauge carrying an "le" attribute per
// bucket plus a <name>_count gauge. Sources that report session state also get the
// gosession_session_authenticated gauge. A single callback reads the client snapshot
// on each collection cycle; while the client's metrics are disabled only the audit
// drop counter is observed.
//
// # What this package must NOT do
//
//   - Own the MeterProvider. Callers supply the Meter.
//   - Mutate client state.
package otel
