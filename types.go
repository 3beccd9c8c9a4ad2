package goSession

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Request describes one logical call to the resource API. It is replayed verbatim if
// the first attempt is rejected and the session refreshes.
//
// Body may be nil, []byte, json.RawMessage or string (sent as-is), an io.Reader (read
// to the end once), or any value that encoding/json can marshal. It is encoded once,
// before the first attempt.
type Request struct {
	Method      string
	Path        string
	Query       url.Values
	Body        any
	ContentType string
	Header      http.Header
}

// Get, Post, Put, Patch and Delete build Requests for the common verbs.
func Get(path string) Request { return Request{Method: http.MethodGet, Path: path} }

func Post(path string, body any) Request {
	return Request{Method: http.MethodPost, Path: path, Body: body}
}

func Put(path string, body any) Request {
	return Request{Method: http.MethodPut, Path: path, Body: body}
}

func Patch(path string, body any) Request {
	return Request{Method: http.MethodPatch, Path: path, Body: body}
}

func Delete(path string) Request { return Request{Method: http.MethodDelete, Path: path} }

func (r Request) encodeBody() ([]byte, error) {
	switch b := r.Body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	case string:
		return []byte(b), nil
	case io.Reader:
		// Read once so the same bytes can be replayed after a refresh.
		data, err := io.ReadAll(b)
		if err != nil {
			return nil, fmt.Errorf("goSession: read request body: %w", err)
		}
		return data, nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("goSession: encode request body: %w", err)
		}
		return data, nil
	}
}

// Response is a successful (2xx) result.
type Response struct {
	Status    int
	Header    http.Header
	Body      []byte
	NoContent bool
	RequestID string

	stream io.ReadCloser
}

// Decode unmarshals the body into v. A 204 or empty body leaves v untouched.
func (r *Response) Decode(v any) error {
	if r == nil || r.NoContent || len(bytes.TrimSpace(r.Body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("%w: %v", ErrDecodeResponse, err)
	}
	return nil
}

// UserID is a user identifier that accepts both JSON numbers and strings.
type UserID string

func (id *UserID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = UserID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = UserID(n.String())
	return nil
}

func (id UserID) MarshalJSON() ([]byte, error) {
	if id == "" {
		return []byte("null"), nil
	}
	// Only canonical integers go out as numbers; "007" or "+5" stay strings.
	if n, err := strconv.ParseInt(string(id), 10, 64); err == nil && strconv.FormatInt(n, 10) == string(id) {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

// UserProfile is the authenticated user as reported by the auth endpoints.
type UserProfile struct {
	ID        UserID    `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email,omitempty"`
	FirstName string    `json:"first_name,omitempty"`
	LastName  string    `json:"last_name,omitempty"`
	IsBlocked bool      `json:"is_blocked,omitempty"`
	CreatedAt time.Time `json:"created_at,omitzero"`

	// Raw is the profile exactly as the server sent it.
	Raw json.RawMessage `json:"-"`
}

func parseProfile(raw []byte) (*UserProfile, error) {
	var p UserProfile
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: user profile: %v", ErrDecodeResponse, err)
	}
	p.Raw = append(json.RawMessage(nil), raw...)
	return &p, nil
}

// LoginIdentity is the body of a login request.
type LoginIdentity struct {
	Username string `json:"username" validate:"required,max=150"`
	Password string `json:"password" validate:"required"`
}

// RegisterIdentity is the body of a register request.
type RegisterIdentity struct {
	Username  string `json:"username" validate:"required,min=3,max=150"`
	Email     string `json:"email" validate:"required,email"`
	Password  string `json:"password" validate:"required,min=8"`
	Password2 string `json:"password2" validate:"required,eqfield=Password"`
	FirstName string `json:"first_name,omitempty" validate:"max=150"`
	LastName  string `json:"last_name,omitempty" validate:"max=150"`
}

// PasswordChange is the body of a change-password request.
type PasswordChange struct {
	OldPassword string `json:"old_password" validate:"required"`
	NewPassword string `json:"new_password" validate:"required,min=8,nefield=OldPassword"`
}

// ProfileUpdate carries the profile fields to change; empty fields are not sent.
type ProfileUpdate struct {
	Email     string `json:"email,omitempty" validate:"omitempty,email"`
	FirstName string `json:"first_name,omitempty" validate:"max=150"`
	LastName  string `json:"last_name,omitempty" validate:"max=150"`
}

// SessionState is the Client's position in the session lifecycle.
type SessionState int32

const (
	StateAnonymous SessionState = iota
	StateRestoring
	StateAuthenticated
	StateExpired
)

func (s SessionState) String() string {
	switch s {
	case StateAnonymous:
		return "anonymous"
	case StateRestoring:
		return "restoring"
	case StateAuthenticated:
		return "authenticated"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// ExpiredEvent is delivered to OnSessionExpired subscribers.
type ExpiredEvent struct {
	At    time.Time
	User  *UserProfile
	Cause error
}

// authPayload is the success body of login, register and refresh. Both camelCase and
// simplejwt field names are accepted.
type authPayload struct {
	AccessToken  string          `json:"accessToken"`
	Access       string          `json:"access"`
	RefreshToken string          `json:"refreshToken"`
	Refresh      string          `json:"refresh"`
	User         json.RawMessage `json:"user"`
}

func (p authPayload) access() string {
	if p.AccessToken != "" {
		return p.AccessToken
	}
	return p.Access
}

func (p authPayload) refresh() string {
	if p.RefreshToken != "" {
		return p.RefreshToken
	}
	return p.Refresh
}

// profileFromBody accepts {"user": {...}} or a bare user object.
func profileFromBody(body []byte) (*UserProfile, error) {
	var wrapped struct {
		User json.RawMessage `json:"user"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeResponse, err)
	}
	if len(wrapped.User) > 0 && string(wrapped.User) != "null" {
		return parseProfile(wrapped.User)
	}
	return parseProfile(body)
}
