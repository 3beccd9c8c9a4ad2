package credstore

import (
	"context"
	"errors"
)

// ErrStoreUnavailable is returned (wrapped in a *StoreError) when a backend write fails.
var ErrStoreUnavailable = errors.New("credential store unavailable")

// Credentials is the access/refresh token pair issued by the remote auth endpoints.
// Both values are opaque.
type Credentials struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Empty reports whether neither token is present.
func (c Credentials) Empty() bool {
	return c.AccessToken == "" && c.RefreshToken == ""
}

// Snapshot is everything a store holds for one session.
type Snapshot struct {
	Credentials Credentials `json:"credentials"`
	Profile     []byte      `json:"profile,omitempty"`
}

// Store is the durable holder of the current session.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Load returns the stored credentials, or false when none exist or the backend
	// cannot be read.
	Load(ctx context.Context) (Credentials, bool)
	// Save overwrites the stored tokens and leaves the cached profile untouched.
	Save(ctx context.Context, creds Credentials) error
	// SaveSession writes tokens and profile in one step.
	SaveSession(ctx context.Context, creds Credentials, profile []byte) error
	// SaveProfile replaces the cached profile and leaves the tokens untouched.
	SaveProfile(ctx context.Context, profile []byte) error
	// Profile returns the cached, JSON-encoded user profile.
	Profile(ctx context.Context) ([]byte, bool)
	// Clear removes tokens and profile. Clearing an empty store is not an error.
	Clear(ctx context.Context) error
}

// StoreError wraps a backend failure with the operation that caused it.
type StoreError struct {
	Op      string // "save", "save_session", "save_profile", "clear"
	Backend string // "memory", "file", "redis"
	Err     error
}

func (e *StoreError) Error() string {
	msg := e.Backend + " store " + e.Op
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func (e *StoreError) Is(target error) bool {
	return target == ErrStoreUnavailable
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
