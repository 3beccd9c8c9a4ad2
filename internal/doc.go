// Package internal contains the building blocks behind goSession.Client that are
// intentionally private to this module.
//
// # Sub-packages
//
//   - audit: async event dispatch (Dispatcher + Sink implementations)
//   - dispatch: one HTTP exchange with the access token attached, classified
//   - refresh: generation-aware single-flight refresh coordinator
//
// # What this package must NOT do
//
//   - Export types that appear in the public goSession API.
//   - Be imported by any package outside the goSession module.
package internal
