package goSession

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrEthical07/goSession/authtest"
	"github.com/MrEthical07/goSession/credstore"
	"golang.org/x/sync/errgroup"
)

const (
	testUser     = "alice"
	testPassword = "correct-password-123"
)

func newTestServer(t *testing.T, opts ...authtest.Option) *authtest.Server {
	t.Helper()
	opts = append([]authtest.Option{authtest.WithUser(authtest.User{
		Username:  testUser,
		Email:     "alice@example.test",
		Password:  testPassword,
		FirstName: "Alice",
	})}, opts...)
	return authtest.NewServer(t, opts...)
}

func buildTestClient(t *testing.T, srv *authtest.Server, mutate func(*Config), store credstore.Store) *Client {
	t.Helper()
	cfg := DefaultConfig()
	cfg.HTTP.BaseURL = srv.URL
	cfg.HTTP.Timeout = 5 * time.Second
	if mutate != nil {
		mutate(&cfg)
	}
	b := New().WithConfig(cfg).WithHTTPClient(srv.Client())
	if store != nil {
		b = b.WithStore(store)
	}
	c, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func loginTestClient(t *testing.T, c *Client) {
	t.Helper()
	if _, err := c.Login(context.Background(), LoginIdentity{Username: testUser, Password: testPassword}); err != nil {
		t.Fatalf("Login failed: %v", err)
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}

type echoBody struct {
	Authorization string `json:"authorization"`
	Body          string `json:"body"`
}

func TestLoginAttachesIssuedAccessToken(t *testing.T) {
	srv := newTestServer(t)
	c := buildTestClient(t, srv, nil, nil)

	user, err := c.Login(context.Background(), LoginIdentity{Username: testUser, Password: testPassword})
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if user.Username != testUser || user.FirstName != "Alice" || user.ID == "" {
		t.Fatalf("unexpected profile %+v", user)
	}
	if !c.IsAuthenticated() {
		t.Fatalf("expected authenticated state, got %s", c.State())
	}

	creds, ok := c.Store().Load(context.Background())
	if !ok || creds.AccessToken == "" || creds.RefreshToken == "" {
		t.Fatalf("expected stored token pair, got %+v", creds)
	}

	if _, err := c.Do(context.Background(), Get("/resumes/")); err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	recs := srv.Requests("/resumes/")
	if len(recs) != 1 || recs[0].Authorization != "Bearer "+creds.AccessToken {
		t.Fatalf("expected bearer of the issued token, got %+v", recs)
	}
	if srv.RefreshCalls() != 0 {
		t.Fatalf("expected no refresh, got %d", srv.RefreshCalls())
	}
}

func TestConcurrentUnauthorizedSharesOneRefresh(t *testing.T) {
	srv := newTestServer(t)
	c := buildTestClient(t, srv, nil, nil)
	loginTestClient(t, c)
	before, _ := c.Store().Load(context.Background())

	srv.ExpireAccessTokens()
	release := srv.HoldRefresh()

	payloads := []string{`{"n":1}`, `{"n":2}`, `{"n":3}`}
	results := make([]echoBody, len(payloads))
	var g errgroup.Group
	for i, p := range payloads {
		g.Go(func() error {
			out, err := Execute[echoBody](context.Background(), c, Post("/echo", json.RawMessage(p)))
			results[i] = out
			return err
		})
	}

	waitUntil(t, func() bool { return c.coordinator.Stats().Joined == uint64(len(payloads)-1) })
	release()
	if err := g.Wait(); err != nil {
		t.Fatalf("request failed: %v", err)
	}

	if got := srv.RefreshCalls(); got != 1 {
		t.Fatalf("expected exactly one refresh call, got %d", got)
	}
	after, _ := c.Store().Load(context.Background())
	if after.AccessToken == before.AccessToken {
		t.Fatal("expected a new access token after refresh")
	}
	if after.RefreshToken != before.RefreshToken {
		t.Fatal("refresh token must be kept")
	}
	for i, res := range results {
		if res.Authorization != "Bearer "+after.AccessToken {
			t.Fatalf("request %d replayed with %q, want the refreshed token", i, res.Authorization)
		}
		if res.Body != payloads[i] {
			t.Fatalf("request %d replayed with body %q, want %q", i, res.Body, payloads[i])
		}
	}
	if got := c.Metrics().Value(MetricAuthRetry); got != uint64(len(payloads)) {
		t.Fatalf("expected %d retries, got %d", len(payloads), got)
	}
}

func TestLateUnauthorizedReusesSettledRefresh(t *testing.T) {
	srv := newTestServer(t)
	c := buildTestClient(t, srv, nil, nil)
	loginTestClient(t, c)
	srv.ExpireAccessTokens()

	// A 401 for a request sent before the refresh settled must reuse its result.
	ctx := context.Background()
	creds, seen := c.coordinator.Snapshot(ctx)
	if _, err := c.Do(ctx, Get("/resumes/")); err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	res, err := c.coordinator.RefreshAfter(ctx, seen)
	if err != nil {
		t.Fatalf("RefreshAfter failed: %v", err)
	}
	if !res.Reused || res.Credentials.AccessToken == creds.AccessToken {
		t.Fatalf("expected reuse of the refreshed token, got %+v", res)
	}
	if srv.RefreshCalls() != 1 {
		t.Fatalf("expected one refresh call, got %d", srv.RefreshCalls())
	}
}

func TestRetryHappensAtMostOnce(t *testing.T) {
	srv := newTestServer(t)
	c := buildTestClient(t, srv, nil, nil)
	loginTestClient(t, c)

	_, err := c.Do(context.Background(), Get("/always-401"))
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	var reqErr *RequestError
	if !errors.As(err, &reqErr) || reqErr.Status != http.StatusUnauthorized {
		t.Fatalf("expected *RequestError with 401, got %v", err)
	}
	if got := len(srv.Requests("/always-401")); got != 2 {
		t.Fatalf("expected original attempt plus one replay, got %d", got)
	}
	if got := srv.RefreshCalls(); got != 1 {
		t.Fatalf("expected one refresh, got %d", got)
	}
	if !c.IsAuthenticated() {
		t.Fatal("a rejected replay must not end the session")
	}
}

func TestRefreshFailureEndsSessionOnce(t *testing.T) {
	srv := newTestServer(t)
	c := buildTestClient(t, srv, nil, nil)
	loginTestClient(t, c)

	var events atomic.Int32
	var lastUser atomic.Value
	cancel := c.OnSessionExpired(func(ev ExpiredEvent) {
		events.Add(1)
		if ev.User != nil {
			lastUser.Store(ev.User.Username)
		}
	})
	defer cancel()
	expired := c.SessionExpired()

	srv.ExpireAccessTokens()
	srv.FailRefresh(http.StatusBadRequest)

	var g errgroup.Group
	for i := 0; i < 3; i++ {
		g.Go(func() error {
			_, err := c.Do(context.Background(), Get("/resumes/"))
			if !errors.Is(err, ErrSessionExpired) || !errors.Is(err, ErrRefreshFailed) {
				return errors.New("unexpected error: " + errString(err))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	if got := events.Load(); got != 1 {
		t.Fatalf("expected exactly one expiry notification, got %d", got)
	}
	if lastUser.Load() != testUser {
		t.Fatalf("expected expiry event to carry the user, got %v", lastUser.Load())
	}
	select {
	case <-expired:
	default:
		t.Fatal("SessionExpired channel must be closed")
	}
	if c.State() != StateExpired || c.User() != nil {
		t.Fatalf("expected expired state without user, got %s %+v", c.State(), c.User())
	}
	if _, ok := c.Store().Load(context.Background()); ok {
		t.Fatal("store must be cleared")
	}

	srv.ResetRequests()
	callsBefore := srv.RefreshCalls()
	_, err := c.Do(context.Background(), Get("/resumes/"))
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired after teardown, got %v", err)
	}
	recs := srv.Requests("/resumes/")
	if len(recs) != 1 || recs[0].Authorization != "" {
		t.Fatalf("expected one request without Authorization, got %+v", recs)
	}
	if srv.RefreshCalls() != callsBefore {
		t.Fatal("no refresh call may be made without a refresh token")
	}
	if events.Load() != 1 {
		t.Fatal("expiry must not be signalled again")
	}
}

func TestRefreshFailureOnStoredSessionSignalsExpiry(t *testing.T) {
	srv := newTestServer(t)
	access, refreshToken, err := srv.IssueSession(testUser)
	if err != nil {
		t.Fatalf("IssueSession failed: %v", err)
	}
	store := credstore.NewMemoryStore()
	if err := store.Save(context.Background(), credstore.Credentials{AccessToken: access, RefreshToken: refreshToken}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	// No RestoreSession: the first request runs on the stored pair.
	c := buildTestClient(t, srv, nil, store)

	var events atomic.Int32
	cancel := c.OnSessionExpired(func(ExpiredEvent) { events.Add(1) })
	defer cancel()
	expired := c.SessionExpired()

	srv.ExpireAccessTokens()
	srv.FailRefresh(http.StatusBadRequest)

	_, err = c.Do(context.Background(), Get("/auth/profile"))
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
	if _, ok := store.Load(context.Background()); ok {
		t.Fatal("store must be cleared")
	}
	select {
	case <-expired:
	default:
		t.Fatal("SessionExpired channel must be closed")
	}
	if got := events.Load(); got != 1 {
		t.Fatalf("expected one expiry notification, got %d", got)
	}
	if c.State() != StateExpired {
		t.Fatalf("expected expired state, got %s", c.State())
	}

	if _, err := c.Do(context.Background(), Get("/auth/profile")); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired after teardown, got %v", err)
	}
	if got := events.Load(); got != 1 {
		t.Fatalf("expiry must not be signalled again, got %d", got)
	}
}

func TestAnonymousUnauthorizedDoesNotSignalExpiry(t *testing.T) {
	srv := newTestServer(t)
	c := buildTestClient(t, srv, nil, nil)

	var events atomic.Int32
	cancel := c.OnSessionExpired(func(ExpiredEvent) { events.Add(1) })
	defer cancel()

	if _, err := c.Do(context.Background(), Get("/resumes/")); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired without credentials, got %v", err)
	}
	if events.Load() != 0 {
		t.Fatal("a client that never held credentials has no session to expire")
	}
	select {
	case <-c.SessionExpired():
		t.Fatal("SessionExpired channel must stay open")
	default:
	}
	if srv.RefreshCalls() != 0 {
		t.Fatal("no refresh call may be made without a refresh token")
	}
}

func TestLoginRearmsExpirySignal(t *testing.T) {
	srv := newTestServer(t)
	c := buildTestClient(t, srv, nil, nil)
	loginTestClient(t, c)

	srv.ExpireAccessTokens()
	srv.RevokeRefreshTokens()
	if _, err := c.Do(context.Background(), Get("/resumes/")); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
	old := c.SessionExpired()

	loginTestClient(t, c)
	fresh := c.SessionExpired()
	if fresh == old {
		t.Fatal("expected a new expiry channel after login")
	}
	select {
	case <-fresh:
		t.Fatal("new expiry channel must be open")
	default:
	}
	if _, err := c.Do(context.Background(), Get("/resumes/")); err != nil {
		t.Fatalf("Do after re-login failed: %v", err)
	}
}

func TestNoContentSkipsDecode(t *testing.T) {
	srv := newTestServer(t)
	c := buildTestClient(t, srv, nil, nil)
	loginTestClient(t, c)

	resp, err := c.Do(context.Background(), Get("/no-content"))
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if !resp.NoContent || resp.Status != http.StatusNoContent {
		t.Fatalf("expected 204 response, got %+v", resp)
	}
	out, err := Execute[map[string]any](context.Background(), c, Get("/no-content"))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if out != nil {
		t.Fatalf("expected zero value, got %v", out)
	}
}

func TestRequestErrorCarriesBodyVerbatim(t *testing.T) {
	srv := newTestServer(t)
	c := buildTestClient(t, srv, nil, nil)
	loginTestClient(t, c)

	_, err := c.Do(context.Background(), Get("/resumes/999/"))
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected *RequestError, got %v", err)
	}
	if reqErr.Status != http.StatusNotFound || errors.Is(err, ErrUnauthorized) {
		t.Fatalf("unexpected error %v", err)
	}
	if reqErr.RequestID == "" {
		t.Fatal("expected request id on the error")
	}
	var body map[string]string
	if err := reqErr.DecodeBody(&body); err != nil {
		t.Fatalf("DecodeBody failed: %v", err)
	}
	if body["detail"] != "not found" {
		t.Fatalf("unexpected error body %v", body)
	}
	if srv.RefreshCalls() != 0 {
		t.Fatal("a non-401 rejection must not refresh")
	}
}

func TestNetworkFailureIsNotRefreshed(t *testing.T) {
	srv := newTestServer(t)
	c := buildTestClient(t, srv, nil, nil)
	loginTestClient(t, c)
	srv.Close()

	_, err := c.Do(context.Background(), Get("/resumes/"))
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}
	var netErr *NetworkError
	if !errors.As(err, &netErr) || netErr.Op != "request" {
		t.Fatalf("expected *NetworkError, got %v", err)
	}
	if c.coordinator.Stats().Started != 0 {
		t.Fatal("network failure must not start a refresh")
	}
	if !c.IsAuthenticated() {
		t.Fatal("network failure must not end the session")
	}
}

func TestDownloadStreamsExport(t *testing.T) {
	srv := newTestServer(t)
	c := buildTestClient(t, srv, nil, nil)
	loginTestClient(t, c)

	created, err := Execute[struct {
		ID int64 `json:"id"`
	}](context.Background(), c, Post("/resumes/", map[string]string{"title": "Go developer"}))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	srv.ExpireAccessTokens()
	stream, err := c.Download(context.Background(), Get("/resumes/"+strconv.FormatInt(created.ID, 10)+"/export/pdf/"))
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	defer stream.Close()
	data, err := io.ReadAll(stream)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !strings.HasPrefix(string(data), "%PDF-1.4") {
		t.Fatalf("unexpected export content %q", data)
	}
	if srv.RefreshCalls() != 1 {
		t.Fatalf("expected download to refresh once, got %d", srv.RefreshCalls())
	}
}

func TestRequestIDStableAcrossReplay(t *testing.T) {
	srv := newTestServer(t)
	c := buildTestClient(t, srv, nil, nil)
	loginTestClient(t, c)
	srv.ExpireAccessTokens()

	if _, err := c.Do(context.Background(), Post("/echo", map[string]int{"n": 1})); err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	recs := srv.Requests("/echo")
	if len(recs) != 2 {
		t.Fatalf("expected two attempts, got %d", len(recs))
	}
	if recs[0].RequestID == "" || recs[0].RequestID != recs[1].RequestID {
		t.Fatalf("expected one request id for both attempts, got %q and %q", recs[0].RequestID, recs[1].RequestID)
	}

	srv.ResetRequests()
	ctx := WithRequestID(context.Background(), "rid-caller")
	if _, err := c.Do(ctx, Post("/echo", nil)); err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if recs := srv.Requests("/echo"); len(recs) != 1 || recs[0].RequestID != "rid-caller" {
		t.Fatalf("expected caller request id, got %+v", recs)
	}
}

func TestReaderBodyIsReplayedAfterRefresh(t *testing.T) {
	srv := newTestServer(t)
	c := buildTestClient(t, srv, nil, nil)
	loginTestClient(t, c)
	srv.ExpireAccessTokens()

	out, err := Execute[echoBody](context.Background(), c, Post("/echo", strings.NewReader(`{"title":"CV"}`)))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if out.Body != `{"title":"CV"}` {
		t.Fatalf("expected reader content on the replay, got %q", out.Body)
	}
	recs := srv.Requests("/echo")
	if len(recs) != 2 {
		t.Fatalf("expected original attempt and replay, got %d", len(recs))
	}
}

func TestLoginInvalidCredentials(t *testing.T) {
	srv := newTestServer(t)
	c := buildTestClient(t, srv, nil, nil)

	_, err := c.Login(context.Background(), LoginIdentity{Username: testUser, Password: "wrong"})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if srv.RefreshCalls() != 0 {
		t.Fatal("login must never enter the refresh path")
	}
	if c.State() != StateAnonymous {
		t.Fatalf("expected anonymous state, got %s", c.State())
	}
	if c.Metrics().Value(MetricLoginFailure) != 1 {
		t.Fatal("expected login failure metric")
	}
}

func TestLoginBlockedAccountIsRejected(t *testing.T) {
	srv := newTestServer(t, authtest.WithUser(authtest.User{Username: "bob", Password: "password-456", IsBlocked: true}))
	c := buildTestClient(t, srv, nil, nil)

	_, err := c.Login(context.Background(), LoginIdentity{Username: "bob", Password: "password-456"})
	var reqErr *RequestError
	if !errors.As(err, &reqErr) || reqErr.Status != http.StatusForbidden {
		t.Fatalf("expected 403 *RequestError, got %v", err)
	}
}

func TestIdentityValidation(t *testing.T) {
	srv := newTestServer(t)
	c := buildTestClient(t, srv, nil, nil)
	ctx := context.Background()

	tests := []struct {
		name      string
		call      func() error
		wantField string
		wantTag   string
	}{
		{
			name: "login missing password",
			call: func() error {
				_, err := c.Login(ctx, LoginIdentity{Username: testUser})
				return err
			},
			wantField: "password",
			wantTag:   "required",
		},
		{
			name: "register password mismatch",
			call: func() error {
				_, err := c.Register(ctx, RegisterIdentity{
					Username: "carol", Email: "carol@example.test",
					Password: "password-789", Password2: "password-780",
				})
				return err
			},
			wantField: "password2",
			wantTag:   "eqfield",
		},
		{
			name: "register bad email",
			call: func() error {
				_, err := c.Register(ctx, RegisterIdentity{
					Username: "carol", Email: "not-an-email",
					Password: "password-789", Password2: "password-789",
				})
				return err
			},
			wantField: "email",
			wantTag:   "email",
		},
		{
			name: "password change reuses old password",
			call: func() error {
				return c.ChangePassword(ctx, PasswordChange{OldPassword: "password-789", NewPassword: "password-789"})
			},
			wantField: "new_password",
			wantTag:   "nefield",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			if !errors.Is(err, ErrInvalidIdentity) {
				t.Fatalf("expected ErrInvalidIdentity, got %v", err)
			}
			var idErr *IdentityError
			if !errors.As(err, &idErr) {
				t.Fatalf("expected *IdentityError, got %T", err)
			}
			if idErr.Fields[tt.wantField] != tt.wantTag {
				t.Fatalf("expected %s=%s, got %v", tt.wantField, tt.wantTag, idErr.Fields)
			}
		})
	}

	if len(srv.Requests("")) != 0 {
		t.Fatal("invalid payloads must not reach the server")
	}
}

func TestRegisterSignsIn(t *testing.T) {
	srv := newTestServer(t)
	c := buildTestClient(t, srv, nil, nil)

	user, err := c.Register(context.Background(), RegisterIdentity{
		Username:  "carol",
		Email:     "carol@example.test",
		Password:  "password-789",
		Password2: "password-789",
		FirstName: "Carol",
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if user.Username != "carol" || !c.IsAuthenticated() {
		t.Fatalf("unexpected register result %+v state=%s", user, c.State())
	}
	if _, err := c.Do(context.Background(), Get("/resumes/")); err != nil {
		t.Fatalf("Do after register failed: %v", err)
	}
}

func TestLogoutClearsWithoutExpirySignal(t *testing.T) {
	srv := newTestServer(t)
	c := buildTestClient(t, srv, nil, nil)
	loginTestClient(t, c)

	var events atomic.Int32
	c.OnSessionExpired(func(ExpiredEvent) { events.Add(1) })

	if err := c.Logout(context.Background()); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if err := c.Logout(context.Background()); err != nil {
		t.Fatalf("second Logout failed: %v", err)
	}
	if c.State() != StateAnonymous || c.User() != nil {
		t.Fatalf("expected anonymous state, got %s", c.State())
	}
	if _, ok := c.Store().Load(context.Background()); ok {
		t.Fatal("store must be empty after logout")
	}

	srv.ResetRequests()
	_, _ = c.Do(context.Background(), Get("/resumes/"))
	if recs := srv.Requests("/resumes/"); len(recs) != 1 || recs[0].Authorization != "" {
		t.Fatalf("expected unauthenticated request, got %+v", recs)
	}
	if events.Load() != 0 {
		t.Fatal("logout must not signal expiry")
	}
}

func TestRestoreSession(t *testing.T) {
	t.Run("nothing stored", func(t *testing.T) {
		srv := newTestServer(t)
		c := buildTestClient(t, srv, nil, nil)
		ok, err := c.RestoreSession(context.Background())
		if ok || err != nil {
			t.Fatalf("expected (false, nil), got (%v, %v)", ok, err)
		}
		if len(srv.Requests("")) != 0 {
			t.Fatal("restore without credentials must not hit the server")
		}
	})

	t.Run("valid token", func(t *testing.T) {
		srv := newTestServer(t)
		store := seededTestStore(t, srv)
		c := buildTestClient(t, srv, nil, store)
		ok, err := c.RestoreSession(context.Background())
		if !ok || err != nil {
			t.Fatalf("expected (true, nil), got (%v, %v)", ok, err)
		}
		if c.User() == nil || c.User().Username != testUser || !c.IsAuthenticated() {
			t.Fatalf("unexpected restored session %+v %s", c.User(), c.State())
		}
		if srv.RefreshCalls() != 0 {
			t.Fatal("valid token must not refresh")
		}
		if _, ok := store.Profile(context.Background()); !ok {
			t.Fatal("restored profile must be cached")
		}
	})

	t.Run("expired access token refreshes", func(t *testing.T) {
		srv := newTestServer(t)
		store := seededTestStore(t, srv)
		srv.ExpireAccessTokens()
		c := buildTestClient(t, srv, nil, store)
		ok, err := c.RestoreSession(context.Background())
		if !ok || err != nil {
			t.Fatalf("expected (true, nil), got (%v, %v)", ok, err)
		}
		if srv.RefreshCalls() != 1 {
			t.Fatalf("expected one refresh, got %d", srv.RefreshCalls())
		}
	})

	t.Run("refresh token only", func(t *testing.T) {
		srv := newTestServer(t)
		_, refresh, err := srv.IssueSession(testUser)
		if err != nil {
			t.Fatalf("IssueSession failed: %v", err)
		}
		store := credstore.NewMemoryStore()
		_ = store.Save(context.Background(), credstore.Credentials{RefreshToken: refresh})
		c := buildTestClient(t, srv, nil, store)
		ok, err := c.RestoreSession(context.Background())
		if !ok || err != nil {
			t.Fatalf("expected (true, nil), got (%v, %v)", ok, err)
		}
	})

	t.Run("refresh rejected", func(t *testing.T) {
		srv := newTestServer(t)
		store := seededTestStore(t, srv)
		srv.ExpireAccessTokens()
		srv.RevokeRefreshTokens()
		c := buildTestClient(t, srv, nil, store)

		var events atomic.Int32
		c.OnSessionExpired(func(ExpiredEvent) { events.Add(1) })
		ok, err := c.RestoreSession(context.Background())
		if ok || !errors.Is(err, ErrSessionExpired) {
			t.Fatalf("expected (false, ErrSessionExpired), got (%v, %v)", ok, err)
		}
		if events.Load() != 1 {
			t.Fatalf("expected one expiry notification, got %d", events.Load())
		}
		if _, ok := store.Load(context.Background()); ok {
			t.Fatal("store must be cleared")
		}
	})

	t.Run("network failure keeps credentials", func(t *testing.T) {
		srv := newTestServer(t)
		store := seededTestStore(t, srv)
		c := buildTestClient(t, srv, nil, store)
		srv.Close()

		ok, err := c.RestoreSession(context.Background())
		if ok || !errors.Is(err, ErrNetwork) {
			t.Fatalf("expected (false, ErrNetwork), got (%v, %v)", ok, err)
		}
		if c.State() != StateAnonymous {
			t.Fatalf("expected anonymous state, got %s", c.State())
		}
		if _, ok := store.Load(context.Background()); !ok {
			t.Fatal("credentials must survive a network failure")
		}
	})
}

func seededTestStore(t *testing.T, srv *authtest.Server) *credstore.MemoryStore {
	t.Helper()
	access, refresh, err := srv.IssueSession(testUser)
	if err != nil {
		t.Fatalf("IssueSession failed: %v", err)
	}
	store := credstore.NewMemoryStore()
	if err := store.Save(context.Background(), credstore.Credentials{AccessToken: access, RefreshToken: refresh}); err != nil {
		t.Fatalf("seed store: %v", err)
	}
	return store
}

func TestSimpleJWTDialect(t *testing.T) {
	srv := newTestServer(t, authtest.WithSimpleJWTFields())
	c := buildTestClient(t, srv, func(cfg *Config) {
		cfg.Endpoints.RefreshField = "refresh"
	}, nil)
	loginTestClient(t, c)

	srv.ExpireAccessTokens()
	user, err := c.fetchProfile(context.Background())
	if err != nil {
		t.Fatalf("profile fetch failed: %v", err)
	}
	if user.Username != testUser {
		t.Fatalf("expected bare user profile to decode, got %+v", user)
	}
	if srv.RefreshCalls() != 1 {
		t.Fatalf("expected one refresh, got %d", srv.RefreshCalls())
	}
	var body map[string]string
	recs := srv.Requests("/auth/refresh")
	if len(recs) != 1 || json.Unmarshal(recs[0].Body, &body) != nil || body["refresh"] == "" {
		t.Fatalf("expected {refresh} request body, got %+v", recs)
	}
}

func TestUpdateProfileAndChangePassword(t *testing.T) {
	srv := newTestServer(t)
	c := buildTestClient(t, srv, nil, nil)
	loginTestClient(t, c)

	user, err := c.UpdateProfile(context.Background(), ProfileUpdate{LastName: "Liddell"})
	if err != nil {
		t.Fatalf("UpdateProfile failed: %v", err)
	}
	if user.LastName != "Liddell" || c.User().LastName != "Liddell" {
		t.Fatalf("expected updated profile, got %+v", user)
	}
	raw, _ := c.Store().Profile(context.Background())
	if !strings.Contains(string(raw), "Liddell") {
		t.Fatalf("expected cached profile update, got %s", raw)
	}

	err = c.ChangePassword(context.Background(), PasswordChange{OldPassword: "wrong-password", NewPassword: "new-password-1"})
	if !errors.Is(err, ErrRequestRejected) {
		t.Fatalf("expected rejection for wrong old password, got %v", err)
	}
	if err := c.ChangePassword(context.Background(), PasswordChange{OldPassword: testPassword, NewPassword: "new-password-1"}); err != nil {
		t.Fatalf("ChangePassword failed: %v", err)
	}
	if err := c.Logout(context.Background()); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if _, err := c.Login(context.Background(), LoginIdentity{Username: testUser, Password: "new-password-1"}); err != nil {
		t.Fatalf("Login with new password failed: %v", err)
	}
}

func TestTokenSourceReflectsStore(t *testing.T) {
	srv := newTestServer(t)
	c := buildTestClient(t, srv, nil, nil)

	if _, err := c.TokenSource().Token(); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
	loginTestClient(t, c)
	tok, err := c.TokenSource().Token()
	if err != nil {
		t.Fatalf("Token failed: %v", err)
	}
	creds, _ := c.Store().Load(context.Background())
	if tok.AccessToken != creds.AccessToken || tok.Type() != "Bearer" {
		t.Fatalf("unexpected token %+v", tok)
	}
}

func TestClosedClientIsNotReady(t *testing.T) {
	srv := newTestServer(t)
	c := buildTestClient(t, srv, nil, nil)
	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := c.Do(context.Background(), Get("/resumes/")); !errors.Is(err, ErrClientNotReady) {
		t.Fatalf("expected ErrClientNotReady, got %v", err)
	}
	var nilClient *Client
	if _, err := nilClient.Do(context.Background(), Get("/")); !errors.Is(err, ErrClientNotReady) {
		t.Fatalf("expected ErrClientNotReady for nil client, got %v", err)
	}
}

func TestWaiterCancellationLeavesRefreshRunning(t *testing.T) {
	srv := newTestServer(t)
	c := buildTestClient(t, srv, nil, nil)
	loginTestClient(t, c)
	srv.ExpireAccessTokens()
	release := srv.HoldRefresh()

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	var cancelledErr error
	go func() {
		defer wg.Done()
		_, cancelledErr = c.Do(ctx, Get("/resumes/"))
	}()
	waitUntil(t, func() bool { return srv.RefreshCalls() == 1 })
	cancel()
	wg.Wait()
	if !errors.Is(cancelledErr, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", cancelledErr)
	}

	release()
	waitUntil(t, func() bool { return c.coordinator.Stats().Succeeded == 1 })
	if !c.IsAuthenticated() {
		t.Fatal("session must survive an abandoned waiter")
	}
	if _, err := c.Do(context.Background(), Get("/resumes/")); err != nil {
		t.Fatalf("Do after refresh failed: %v", err)
	}
	if srv.RefreshCalls() != 1 {
		t.Fatalf("expected the refreshed token to be reused, got %d refresh calls", srv.RefreshCalls())
	}
}

func errString(err error) string {
	if err == nil {
		return "<nil>"
	}
	return err.Error()
}
