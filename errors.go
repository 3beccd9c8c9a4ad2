package goSession

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/MrEthical07/goSession/internal/refresh"
)

var (
	// ErrNetwork matches every *NetworkError: the server was never reached or the
	// response could not be read. It never triggers a refresh.
	ErrNetwork = errors.New("network failure")
	// ErrUnauthorized is returned when a request is still rejected with 401 after a
	// successful refresh.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrRefreshFailed is the uniform outcome of an unsuccessful token refresh.
	ErrRefreshFailed = refresh.ErrFailed
	// ErrSessionExpired is returned together with ErrRefreshFailed once the session has
	// been torn down.
	ErrSessionExpired = errors.New("session expired")
	// ErrRequestRejected matches every *RequestError.
	ErrRequestRejected = errors.New("request rejected")
	// ErrInvalidCredentials is returned by Login when the server answers 401.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidIdentity is returned when a login, register or password change payload
	// fails client-side validation. No request is sent.
	ErrInvalidIdentity = errors.New("invalid identity")
	// ErrClientNotReady is returned by methods called on a nil or closed Client.
	ErrClientNotReady = errors.New("client not ready")
	// ErrDecodeResponse is returned when a success body cannot be decoded.
	ErrDecodeResponse = errors.New("decode response")
	// ErrNotAuthenticated is returned by operations that require a session when none exists.
	ErrNotAuthenticated = errors.New("not authenticated")
)

// NetworkError reports a transport failure. Op is the client operation ("request",
// "login", "register", "refresh").
type NetworkError struct {
	Op  string
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("goSession: %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

func (e *NetworkError) Is(target error) bool {
	return target == ErrNetwork
}

// RequestError carries a non-2xx response verbatim.
type RequestError struct {
	Status    int
	Body      []byte
	RequestID string
}

func (e *RequestError) Error() string {
	msg := fmt.Sprintf("goSession: request rejected with status %d", e.Status)
	if text := http.StatusText(e.Status); text != "" {
		msg += " (" + text + ")"
	}
	return msg
}

// Is matches ErrRequestRejected, and ErrUnauthorized for a 401.
func (e *RequestError) Is(target error) bool {
	switch target {
	case ErrRequestRejected:
		return true
	case ErrUnauthorized:
		return e.Status == http.StatusUnauthorized
	}
	return false
}

// DecodeBody unmarshals the server's error payload into v.
func (e *RequestError) DecodeBody(v any) error {
	if len(e.Body) == 0 {
		return fmt.Errorf("%w: empty error body", ErrDecodeResponse)
	}
	if err := json.Unmarshal(e.Body, v); err != nil {
		return fmt.Errorf("%w: %v", ErrDecodeResponse, err)
	}
	return nil
}

// sessionExpiredError matches both ErrSessionExpired and ErrRefreshFailed and keeps the
// refresh cause for logs.
type sessionExpiredError struct {
	cause error
}

func (e *sessionExpiredError) Error() string {
	return "goSession: " + ErrSessionExpired.Error() + ": " + e.cause.Error()
}

func (e *sessionExpiredError) Unwrap() []error {
	return []error{ErrSessionExpired, e.cause}
}

// IdentityError lists the fields of a payload that failed validation, keyed by JSON
// field name with the failed rule as value.
type IdentityError struct {
	Fields map[string]string
}

func (e *IdentityError) Error() string {
	return fmt.Sprintf("goSession: %s: %d field(s) failed validation", ErrInvalidIdentity, len(e.Fields))
}

func (e *IdentityError) Is(target error) bool {
	return target == ErrInvalidIdentity
}
