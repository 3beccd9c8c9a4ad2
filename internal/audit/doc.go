// Package audit implements async delivery of session lifecycle events (login, logout,
// refresh outcomes, session expiry).
//
// # Components
//
//   - [Sink]: interface for event consumers (channel, JSON writer, logrus, no-op).
//   - [Dispatcher]: buffered async relay with drop-if-full / block-if-full semantics.
//   - [Event]: structured record with timestamp, type, user, request ID, metadata.
//
// # What this package must NOT do
//
//   - Decide which events to emit; the session client does that.
//   - Import goSession or any sibling internal package.
package audit
