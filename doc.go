// Package goSession is a client-side session manager for HTTP APIs secured with a
// short-lived access token and a longer-lived refresh token.
//
// A [Client] attaches the current access token to every request. When the server answers
// 401 the Client performs one refresh, shared by every request that failed concurrently,
// and replays each failed request once with the new token. When the refresh itself fails
// the stored credentials are cleared and subscribers of [Client.OnSessionExpired] are
// notified exactly once.
//
// # Architecture boundaries
//
// goSession is the public surface. It exposes [Client], [Builder], [Config], the error
// taxonomy, and value types (Request, Response, UserProfile). Credential persistence is
// pluggable through the credstore package. Request dispatch, refresh coordination and
// audit delivery live under internal/ and are never exported.
//
// # What this package must NOT do
//
//   - Parse or validate tokens; both tokens are opaque.
//   - Retry a request more than once, or retry transport failures.
//   - Run more than one refresh exchange at a time.
//   - Perform I/O during construction (Build is allocation-only).
package goSession
