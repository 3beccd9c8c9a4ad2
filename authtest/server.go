package authtest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
)

// User is an account known to the Server. Password is the plaintext used when seeding
// or adding the account; stored accounts keep only its argon2id hash.
type User struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	IsBlocked bool      `json:"is_blocked"`
	CreatedAt time.Time `json:"created_at"`
	Password  string    `json:"-"`

	passwordHash string
}

// Record is one request received by the Server.
type Record struct {
	Method        string
	Path          string
	Authorization string
	RequestID     string
	Body          []byte
}

// Option configures a Server.
type Option func(*Server)

// WithAccessTTL sets the lifetime of issued access tokens.
func WithAccessTTL(d time.Duration) Option {
	return func(s *Server) { s.accessTTL = d }
}

// WithSecret sets the HS256 signing secret.
func WithSecret(secret []byte) Option {
	return func(s *Server) { s.secret = append([]byte(nil), secret...) }
}

// WithUser seeds an account.
func WithUser(u User) Option {
	return func(s *Server) { s.seed = append(s.seed, u) }
}

// WithSimpleJWTFields makes the Server speak the simplejwt dialect: tokens are named
// "access" and "refresh", the refresh request carries {"refresh": ...}, and the profile
// endpoint returns a bare user object.
func WithSimpleJWTFields() Option {
	return func(s *Server) { s.simple = true }
}

// Server is an in-process implementation of the auth and resource endpoints a goSession
// Client talks to. Access tokens are HS256 JWTs; refresh tokens are opaque UUIDs that
// are not rotated on use.
type Server struct {
	*httptest.Server

	accessTTL time.Duration
	secret    []byte
	simple    bool
	seed      []User
	issuer    *tokenIssuer

	mu                sync.Mutex
	users             map[string]*User
	nextUserID        int64
	refreshTokens     map[string]string
	liveAccess        map[string]bool
	resumes           map[int64]json.RawMessage
	nextResumeID      int64
	records           []Record
	refreshFailStatus int
	refreshDelay      time.Duration
	refreshGate       chan struct{}

	refreshCalls atomic.Int64
	loginCalls   atomic.Int64
}

// NewServer starts a Server that is closed when t finishes.
func NewServer(t testing.TB, opts ...Option) *Server {
	t.Helper()
	s := newServer(opts...)
	s.Server = httptest.NewServer(s.routes())
	t.Cleanup(s.Close)
	return s
}

// Start starts a Server outside of a test. The caller must Close it.
func Start(opts ...Option) *Server {
	s := newServer(opts...)
	s.Server = httptest.NewServer(s.routes())
	return s
}

func newServer(opts ...Option) *Server {
	s := &Server{
		accessTTL:     5 * time.Minute,
		secret:        []byte("authtest-secret"),
		users:         make(map[string]*User),
		refreshTokens: make(map[string]string),
		liveAccess:    make(map[string]bool),
		resumes:       make(map[int64]json.RawMessage),
	}
	for _, opt := range opts {
		opt(s)
	}
	issuer, err := newTokenIssuer(s.secret, "authtest", s.accessTTL)
	if err != nil {
		panic(err)
	}
	s.issuer = issuer
	for _, u := range s.seed {
		s.AddUser(u)
	}
	return s
}

// AddUser registers u and returns the stored copy with its assigned ID.
func (s *Server) AddUser(u User) User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.addUserLocked(u)
}

func (s *Server) addUserLocked(u User) *User {
	s.nextUserID++
	u.ID = s.nextUserID
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC().Truncate(time.Second)
	}
	hash, err := hashPassword(defaultHashParams, u.Password)
	if err != nil {
		panic(fmt.Sprintf("authtest: hash password: %v", err))
	}
	u.Password, u.passwordHash = "", hash
	stored := u
	s.users[u.Username] = &stored
	return &stored
}

// IssueSession mints a token pair for username as a successful login would.
func (s *Server) IssueSession(username string) (access, refresh string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[username]
	if !ok {
		return "", "", fmt.Errorf("authtest: unknown user %q", username)
	}
	return s.issuePairLocked(u)
}

// ExpireAccessTokens invalidates every access token issued so far.
func (s *Server) ExpireAccessTokens() {
	s.mu.Lock()
	s.liveAccess = make(map[string]bool)
	s.mu.Unlock()
}

// RevokeRefreshTokens invalidates every refresh token; refresh calls answer 401.
func (s *Server) RevokeRefreshTokens() {
	s.mu.Lock()
	s.refreshTokens = make(map[string]string)
	s.mu.Unlock()
}

// FailRefresh makes the refresh endpoint answer status. Zero restores normal behavior.
func (s *Server) FailRefresh(status int) {
	s.mu.Lock()
	s.refreshFailStatus = status
	s.mu.Unlock()
}

// SetRefreshDelay delays every refresh response by d.
func (s *Server) SetRefreshDelay(d time.Duration) {
	s.mu.Lock()
	s.refreshDelay = d
	s.mu.Unlock()
}

// HoldRefresh blocks refresh requests until the returned func is called.
func (s *Server) HoldRefresh() (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.refreshGate = gate
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.refreshGate == gate {
				s.refreshGate = nil
			}
			s.mu.Unlock()
			close(gate)
		})
	}
}

// RefreshCalls returns how many refresh requests were received.
func (s *Server) RefreshCalls() int64 {
	return s.refreshCalls.Load()
}

// LoginCalls returns how many login requests were received.
func (s *Server) LoginCalls() int64 {
	return s.loginCalls.Load()
}

// Requests returns every recorded request whose path equals path, or all requests when
// path is empty.
func (s *Server) Requests(path string) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		if path == "" || r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

// ResetRequests forgets recorded requests.
func (s *Server) ResetRequests() {
	s.mu.Lock()
	s.records = nil
	s.mu.Unlock()
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", s.handleLogin)
	mux.HandleFunc("POST /auth/register", s.handleRegister)
	mux.HandleFunc("POST /auth/refresh", s.handleRefresh)
	mux.HandleFunc("GET /auth/profile", s.authenticated(s.handleProfile))
	mux.HandleFunc("PATCH /auth/profile", s.authenticated(s.handleProfileUpdate))
	mux.HandleFunc("POST /auth/change-password", s.authenticated(s.handleChangePassword))

	mux.HandleFunc("GET /resumes/{$}", s.authenticated(s.handleResumeList))
	mux.HandleFunc("POST /resumes/{$}", s.authenticated(s.handleResumeCreate))
	mux.HandleFunc("GET /resumes/{id}/{$}", s.authenticated(s.handleResumeGet))
	mux.HandleFunc("DELETE /resumes/{id}/{$}", s.authenticated(s.handleResumeDelete))
	mux.HandleFunc("GET /resumes/{id}/export/{format}/{$}", s.authenticated(s.handleResumeExport))

	mux.HandleFunc("POST /echo", s.authenticated(s.handleEcho))
	mux.HandleFunc("GET /no-content", s.authenticated(func(w http.ResponseWriter, _ *http.Request, _ *User) {
		w.WriteHeader(http.StatusNoContent)
	}))
	mux.HandleFunc("GET /always-401", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "always unauthorized"})
	})

	return s.record(mux)
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body []byte
		if r.Body != nil {
			body, _ = io.ReadAll(r.Body)
			_ = r.Body.Close()
			r.Body = io.NopCloser(bytes.NewReader(body))
		}
		s.mu.Lock()
		s.records = append(s.records, Record{
			Method:        r.Method,
			Path:          r.URL.Path,
			Authorization: r.Header.Get("Authorization"),
			RequestID:     r.Header.Get("X-Request-ID"),
			Body:          body,
		})
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

/*
====================================
AUTH ENDPOINTS
====================================
*/

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	s.loginCalls.Add(1)
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Username == "" || body.Password == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "username and password are required"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[body.Username]
	if !ok || !verifyPassword(body.Password, u.passwordHash) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
		return
	}
	if u.IsBlocked {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "account blocked"})
		return
	}
	s.writeSessionLocked(w, http.StatusOK, u)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username  string `json:"username"`
		Email     string `json:"email"`
		Password  string `json:"password"`
		Password2 string `json:"password2"`
		FirstName string `json:"first_name"`
		LastName  string `json:"last_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed body"})
		return
	}
	if body.Password != body.Password2 {
		writeJSON(w, http.StatusBadRequest, map[string][]string{"password": {"passwords do not match"}})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[body.Username]; exists {
		writeJSON(w, http.StatusBadRequest, map[string][]string{"username": {"already exists"}})
		return
	}
	u := s.addUserLocked(User{
		Username:  body.Username,
		Email:     body.Email,
		Password:  body.Password,
		FirstName: body.FirstName,
		LastName:  body.LastName,
	})
	s.writeSessionLocked(w, http.StatusCreated, u)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.refreshCalls.Add(1)

	s.mu.Lock()
	gate, delay, failStatus := s.refreshGate, s.refreshDelay, s.refreshFailStatus
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	if failStatus != 0 {
		writeJSON(w, failStatus, map[string]string{"detail": "refresh unavailable"})
		return
	}

	var body map[string]string
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "malformed body"})
		return
	}
	token := body[s.refreshField()]
	if token == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{s.refreshField(): "this field is required"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	username, ok := s.refreshTokens[token]
	u := s.users[username]
	if !ok || u == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "token is invalid or expired"})
		return
	}
	access, err := s.issueAccessLocked(u, token)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{s.accessField(): access})
}

func (s *Server) handleProfile(w http.ResponseWriter, _ *http.Request, u *User) {
	s.writeUser(w, u)
}

func (s *Server) handleProfileUpdate(w http.ResponseWriter, r *http.Request, u *User) {
	var patch struct {
		Email     *string `json:"email"`
		FirstName *string `json:"first_name"`
		LastName  *string `json:"last_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed body"})
		return
	}
	s.mu.Lock()
	if patch.Email != nil {
		u.Email = *patch.Email
	}
	if patch.FirstName != nil {
		u.FirstName = *patch.FirstName
	}
	if patch.LastName != nil {
		u.LastName = *patch.LastName
	}
	s.mu.Unlock()
	s.writeUser(w, u)
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request, u *User) {
	var body struct {
		OldPassword string `json:"old_password"`
		NewPassword string `json:"new_password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed body"})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !verifyPassword(body.OldPassword, u.passwordHash) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "wrong old password"})
		return
	}
	hash, err := hashPassword(defaultHashParams, body.NewPassword)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "hash failed"})
		return
	}
	u.passwordHash = hash
	writeJSON(w, http.StatusOK, map[string]string{"message": "password changed"})
}

/*
====================================
RESOURCE ENDPOINTS
====================================
*/

func (s *Server) handleResumeList(w http.ResponseWriter, _ *http.Request, _ *User) {
	s.mu.Lock()
	ids := make([]int64, 0, len(s.resumes))
	for id := range s.resumes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		out = append(out, map[string]any{"id": id, "data": s.resumes[id]})
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleResumeCreate(w http.ResponseWriter, r *http.Request, _ *User) {
	body, _ := io.ReadAll(r.Body)
	if !json.Valid(body) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "body must be JSON"})
		return
	}
	s.mu.Lock()
	s.nextResumeID++
	id := s.nextResumeID
	s.resumes[id] = json.RawMessage(body)
	s.mu.Unlock()
	writeJSON(w, http.StatusCreated, map[string]any{"id": id, "data": json.RawMessage(body)})
}

func (s *Server) handleResumeGet(w http.ResponseWriter, r *http.Request, _ *User) {
	id, ok := s.resumeID(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	data := s.resumes[id]
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "data": data})
}

func (s *Server) handleResumeDelete(w http.ResponseWriter, r *http.Request, _ *User) {
	id, ok := s.resumeID(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	delete(s.resumes, id)
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResumeExport(w http.ResponseWriter, r *http.Request, _ *User) {
	id, ok := s.resumeID(w, r)
	if !ok {
		return
	}
	switch r.PathValue("format") {
	case "pdf":
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = fmt.Fprintf(w, "%%PDF-1.4\n%% resume %d\n%%%%EOF\n", id)
	case "docx":
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.wordprocessingml.document")
		_, _ = fmt.Fprintf(w, "PK\x03\x04 resume %d", id)
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported format"})
	}
}

func (s *Server) resumeID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
		return 0, false
	}
	s.mu.Lock()
	_, ok := s.resumes[id]
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "not found"})
		return 0, false
	}
	return id, true
}

func (s *Server) handleEcho(w http.ResponseWriter, r *http.Request, _ *User) {
	body, _ := io.ReadAll(r.Body)
	writeJSON(w, http.StatusOK, map[string]any{
		"authorization": r.Header.Get("Authorization"),
		"body":          string(body),
	})
}

/*
====================================
HELPERS
====================================
*/

type authedHandler func(w http.ResponseWriter, r *http.Request, u *User)

func (s *Server) authenticated(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "authentication credentials were not provided"})
			return
		}
		claims, err := s.issuer.parse(token)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "token is invalid or expired"})
			return
		}

		s.mu.Lock()
		live := s.liveAccess[claims.ID]
		var user *User
		for _, u := range s.users {
			if strconv.FormatInt(u.ID, 10) == claims.UID {
				user = u
				break
			}
		}
		s.mu.Unlock()
		if !live || user == nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "token is invalid or expired"})
			return
		}
		next(w, r, user)
	}
}

func (s *Server) issuePairLocked(u *User) (string, string, error) {
	refresh := uuid.NewString()
	s.refreshTokens[refresh] = u.Username
	access, err := s.issueAccessLocked(u, refresh)
	if err != nil {
		delete(s.refreshTokens, refresh)
		return "", "", err
	}
	return access, refresh, nil
}

func (s *Server) issueAccessLocked(u *User, refresh string) (string, error) {
	access, jti, err := s.issuer.issue(strconv.FormatInt(u.ID, 10), refresh, time.Now())
	if err != nil {
		return "", err
	}
	s.liveAccess[jti] = true
	return access, nil
}

func (s *Server) writeSessionLocked(w http.ResponseWriter, status int, u *User) {
	access, refresh, err := s.issuePairLocked(u)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	body := map[string]any{"user": *u}
	body[s.accessField()] = access
	body[s.refreshField()] = refresh
	writeJSON(w, status, body)
}

func (s *Server) writeUser(w http.ResponseWriter, u *User) {
	s.mu.Lock()
	snapshot := *u
	s.mu.Unlock()
	if s.simple {
		writeJSON(w, http.StatusOK, snapshot)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": snapshot})
}

func (s *Server) accessField() string {
	if s.simple {
		return "access"
	}
	return "accessToken"
}

func (s *Server) refreshField() string {
	if s.simple {
		return "refresh"
	}
	return "refreshToken"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
