// Package credstore holds the client's credentials (access token, refresh token) and the
// cached user profile across process restarts.
//
// # Backends
//
// [MemoryStore] keeps everything in process memory, [FileStore] persists a JSON document
// with owner-only permissions, and [RedisStore] keeps a single Redis hash per namespace so
// several processes on one host can share a login.
//
// # Architecture boundaries
//
// This package owns persistence only. It never performs HTTP calls, never interprets token
// contents, and has no notion of refresh policy. Writes happen exclusively on behalf of the
// session client (login, refresh success, logout).
//
// # What this package must NOT do
//
//   - Import goSession or any internal package (no upward imports).
//   - Return an error from Load; an unreadable store reads as "no credentials".
//   - Parse or validate token structure.
package credstore
