package goSession

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrEthical07/goSession/credstore"
	"github.com/MrEthical07/goSession/internal/audit"
	"github.com/MrEthical07/goSession/internal/dispatch"
	"github.com/MrEthical07/goSession/internal/refresh"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Client issues authenticated requests and owns the session lifecycle. All methods are
// safe for concurrent use. Build one with New().WithBaseURL(...).Build().
type Client struct {
	config      Config
	store       credstore.Store
	dispatcher  *dispatch.Dispatcher
	coordinator *refresh.Coordinator
	logger      logrus.FieldLogger
	audit       *audit.Dispatcher
	metrics     *Metrics
	validate    *validator.Validate

	mu           sync.RWMutex
	state        SessionState
	user         *UserProfile
	expired      chan struct{}
	listeners    map[uint64]func(ExpiredEvent)
	nextListener uint64

	closed atomic.Bool
}

/*
====================================
REQUESTS
====================================
*/

// Do sends req with the current access token. A 401 triggers one shared refresh and a
// single replay of req with the new token; the replay is never refreshed again.
//
// Errors: *NetworkError (ErrNetwork) when the server was not reached; *RequestError
// (ErrRequestRejected) for any other non-2xx, including a 401 after a successful refresh
// (also ErrUnauthorized); an error matching both ErrSessionExpired and ErrRefreshFailed
// when the refresh failed and the session was torn down.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	return c.do(ctx, req, dispatch.ExpectJSON)
}

// Execute sends req through c and decodes the success body into T. A 204 yields the zero
// value of T.
func Execute[T any](ctx context.Context, c *Client, req Request) (T, error) {
	var out T
	resp, err := c.Do(ctx, req)
	if err != nil {
		return out, err
	}
	if err := resp.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}

// Download is Do for binary endpoints such as document exports. The caller must close
// the returned stream.
func (c *Client) Download(ctx context.Context, req Request) (io.ReadCloser, error) {
	resp, err := c.do(ctx, req, dispatch.ExpectBinary)
	if err != nil {
		return nil, err
	}
	if resp.stream == nil {
		return io.NopCloser(bytes.NewReader(resp.Body)), nil
	}
	return resp.stream, nil
}

func (c *Client) do(ctx context.Context, req Request, expect dispatch.Expect) (*Response, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	body, err := req.encodeBody()
	if err != nil {
		return nil, err
	}
	dreq := dispatch.Request{
		Method:      req.Method,
		Path:        req.Path,
		Query:       req.Query,
		Body:        body,
		ContentType: req.ContentType,
		Header:      req.Header,
		Expect:      expect,
		RequestID:   resolveRequestID(ctx),
	}

	start := time.Now()
	c.metricInc(MetricRequests)
	defer c.metricObserve(MetricRequestLatency, start)

	log := c.logger.WithFields(logrus.Fields{
		"request_id": dreq.RequestID,
		"method":     methodOrGet(req.Method),
		"path":       req.Path,
	})

	creds, seen := c.coordinator.Snapshot(ctx)
	res, err := c.dispatcher.Do(ctx, dreq, creds.AccessToken)
	if err != nil {
		return nil, c.transportError("request", err)
	}
	if res.Kind != dispatch.KindAuthFailure {
		return c.complete(res, dreq.RequestID)
	}

	c.metricInc(MetricAuthFailure)
	log.WithField("attempt", 1).Debug("goSession: access token rejected, refreshing")

	out, err := c.coordinator.RefreshAfter(ctx, seen)
	if out.Joined {
		c.metricInc(MetricRefreshJoined)
	}
	if out.Reused {
		c.metricInc(MetricRefreshReused)
	}
	if err != nil {
		if errors.Is(err, refresh.ErrFailed) {
			log.WithError(err).Info("goSession: refresh failed, session ended")
			return nil, &sessionExpiredError{cause: err}
		}
		return nil, err
	}

	c.metricInc(MetricAuthRetry)
	res, err = c.dispatcher.Do(ctx, dreq, out.Credentials.AccessToken)
	if err != nil {
		return nil, c.transportError("request", err)
	}
	if res.Kind == dispatch.KindAuthFailure {
		c.metricInc(MetricRetryUnauthorized)
		log.WithFields(logrus.Fields{"attempt": 2, "status": res.Status}).
			Warn("goSession: request rejected again after refresh")
		return nil, &RequestError{Status: res.Status, Body: res.Body, RequestID: dreq.RequestID}
	}
	return c.complete(res, dreq.RequestID)
}

func (c *Client) complete(res dispatch.Result, requestID string) (*Response, error) {
	if res.Kind != dispatch.KindSuccess {
		c.metricInc(MetricRequestRejected)
		return nil, &RequestError{Status: res.Status, Body: res.Body, RequestID: requestID}
	}
	c.metricInc(MetricRequestSuccess)
	return &Response{
		Status:    res.Status,
		Header:    res.Header,
		Body:      res.Body,
		NoContent: res.NoContent,
		RequestID: requestID,
		stream:    res.Stream,
	}, nil
}

func (c *Client) transportError(op string, err error) error {
	var netErr *dispatch.NetworkError
	if errors.As(err, &netErr) {
		c.metricInc(MetricNetworkFailure)
		return &NetworkError{Op: op, URL: netErr.URL, Err: netErr.Err}
	}
	return err
}

/*
====================================
REFRESH
====================================
*/

// exchangeRefresh posts the refresh token and returns the new access token. It is the
// coordinator's Exchange func and runs at most once at a time.
func (c *Client) exchangeRefresh(ctx context.Context, refreshToken string) (string, error) {
	body, err := json.Marshal(map[string]string{c.config.Endpoints.RefreshField: refreshToken})
	if err != nil {
		return "", err
	}
	res, err := c.dispatcher.Do(ctx, dispatch.Request{
		Method:    http.MethodPost,
		Path:      c.config.Endpoints.Refresh,
		Body:      body,
		RequestID: uuid.NewString(),
	}, "")
	if err != nil {
		return "", c.transportError("refresh", err)
	}
	if res.Kind != dispatch.KindSuccess {
		return "", &RequestError{Status: res.Status, Body: res.Body}
	}
	if res.NoContent {
		return "", fmt.Errorf("%w: empty refresh response", ErrDecodeResponse)
	}
	var payload authPayload
	if err := json.Unmarshal(res.Body, &payload); err != nil {
		return "", fmt.Errorf("%w: refresh response: %v", ErrDecodeResponse, err)
	}
	return payload.access(), nil
}

func (c *Client) onRefreshStart() {
	c.metricInc(MetricRefreshStarted)
	c.logger.Debug("goSession: refresh started")
}

func (c *Client) onRefreshSuccess(elapsed time.Duration) {
	c.metricInc(MetricRefreshSuccess)
	c.metrics.Observe(MetricRefreshLatency, elapsed)
	c.emitAudit(context.Background(), auditEventRefreshSuccess, true, c.User(), "", nil, nil)
}

// onRefreshFailure runs once per failed refresh, after the store was cleared and before
// any waiting request observes the failure.
func (c *Client) onRefreshFailure(err error, elapsed time.Duration) {
	c.metricInc(MetricRefreshFailure)
	c.metrics.Observe(MetricRefreshLatency, elapsed)
	c.emitAudit(context.Background(), auditEventRefreshFailure, false, c.User(), "", err, nil)
	c.expire(err)
}

/*
====================================
SESSION LIFECYCLE
====================================
*/

// Login exchanges id for a token pair, stores tokens and profile together and moves the
// Client to StateAuthenticated. Login never enters the refresh path: a 401 is reported
// as ErrInvalidCredentials.
//
// If the server omits the user from the login response the profile is fetched
// separately; a failure there is returned while the new session stays in place.
func (c *Client) Login(ctx context.Context, id LoginIdentity) (*UserProfile, error) {
	return c.signIn(ctx, "login", c.config.Endpoints.Login, id, id.Username)
}

// Register creates an account and signs in with the issued token pair.
func (c *Client) Register(ctx context.Context, id RegisterIdentity) (*UserProfile, error) {
	return c.signIn(ctx, "register", c.config.Endpoints.Register, id, id.Username)
}

func (c *Client) signIn(ctx context.Context, op, path string, payload any, username string) (*UserProfile, error) {
	successEvent, failureEvent := auditEventLoginSuccess, auditEventLoginFailure
	successMetric, failureMetric := MetricLoginSuccess, MetricLoginFailure
	if op == "register" {
		successEvent, failureEvent = auditEventRegisterSuccess, auditEventRegisterFailure
		successMetric, failureMetric = MetricRegisterSuccess, MetricRegisterFailure
	}
	meta := func() map[string]string { return map[string]string{"username": username} }

	if err := c.ready(); err != nil {
		return nil, err
	}
	if err := c.validateStruct(payload); err != nil {
		c.metricInc(failureMetric)
		c.emitAudit(ctx, failureEvent, false, nil, "", err, meta)
		return nil, err
	}

	user, requestID, err := c.authenticate(ctx, op, path, payload)
	if err != nil {
		c.metricInc(failureMetric)
		c.emitAudit(ctx, failureEvent, false, nil, requestID, err, meta)
		c.logger.WithError(err).WithFields(logrus.Fields{"op": op, "request_id": requestID}).
			Info("goSession: sign-in failed")
		return nil, err
	}

	c.metricInc(successMetric)
	c.emitAudit(ctx, successEvent, true, user, requestID, nil, nil)

	if user == nil {
		return c.fetchProfile(ctx)
	}
	return user, nil
}

func (c *Client) authenticate(ctx context.Context, op, path string, payload any) (*UserProfile, string, error) {
	requestID := resolveRequestID(ctx)
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, requestID, err
	}
	res, err := c.dispatcher.Do(ctx, dispatch.Request{
		Method:    http.MethodPost,
		Path:      path,
		Body:      body,
		RequestID: requestID,
	}, "")
	if err != nil {
		return nil, requestID, c.transportError(op, err)
	}

	switch res.Kind {
	case dispatch.KindAuthFailure:
		return nil, requestID, ErrInvalidCredentials
	case dispatch.KindOtherFailure:
		return nil, requestID, &RequestError{Status: res.Status, Body: res.Body, RequestID: requestID}
	}

	var tokens authPayload
	if res.NoContent {
		return nil, requestID, fmt.Errorf("%w: empty %s response", ErrDecodeResponse, op)
	}
	if err := json.Unmarshal(res.Body, &tokens); err != nil {
		return nil, requestID, fmt.Errorf("%w: %s response: %v", ErrDecodeResponse, op, err)
	}
	creds := credstore.Credentials{AccessToken: tokens.access(), RefreshToken: tokens.refresh()}
	if creds.AccessToken == "" {
		return nil, requestID, fmt.Errorf("%w: %s response carried no access token", ErrDecodeResponse, op)
	}

	var (
		user       *UserProfile
		rawProfile []byte
	)
	if len(tokens.User) > 0 && string(tokens.User) != "null" {
		user, err = parseProfile(tokens.User)
		if err != nil {
			return nil, requestID, err
		}
		rawProfile = tokens.User
	}

	if err := c.coordinator.Replace(ctx, func(ctx context.Context) error {
		return c.store.SaveSession(ctx, creds, rawProfile)
	}); err != nil {
		return nil, requestID, err
	}
	c.setAuthenticated(user)
	return user, requestID, nil
}

// Logout clears the stored credentials and the in-memory session. It does not contact
// the server and does not signal SessionExpired. Calling it without a session is a no-op.
func (c *Client) Logout(ctx context.Context) error {
	if err := c.ready(); err != nil {
		return err
	}
	user := c.User()
	err := c.coordinator.Replace(ctx, c.store.Clear)

	c.mu.Lock()
	c.state = StateAnonymous
	c.user = nil
	c.mu.Unlock()

	c.metricInc(MetricLogout)
	c.emitAudit(ctx, auditEventLogout, err == nil, user, "", err, nil)
	if err != nil {
		c.logger.WithError(err).Warn("goSession: clearing credentials on logout failed")
		return err
	}
	return nil
}

// RestoreSession picks up persisted credentials, typically at startup. With nothing
// stored it returns (false, nil). Otherwise it probes the profile endpoint through Do,
// so an expired access token goes through the usual refresh-then-replay path.
//
// A failed refresh ends the session and signals SessionExpired. Any other failure
// (network, non-2xx) keeps the stored credentials and returns the Client to
// StateAnonymous so that a later RestoreSession can try again.
func (c *Client) RestoreSession(ctx context.Context) (bool, error) {
	if err := c.ready(); err != nil {
		return false, err
	}
	creds, ok := c.store.Load(ctx)
	if !ok || creds.Empty() {
		return false, nil
	}

	var cached *UserProfile
	if raw, ok := c.store.Profile(ctx); ok {
		cached, _ = parseProfile(raw)
	}
	c.beginRestore(cached)

	user, err := c.fetchProfile(ctx)
	if err != nil {
		c.metricInc(MetricRestoreFailure)
		if errors.Is(err, ErrSessionExpired) {
			c.expire(err)
		} else {
			c.abortRestore()
		}
		c.emitAudit(ctx, auditEventRestoreFailure, false, cached, "", err, nil)
		return false, err
	}

	c.setAuthenticated(user)
	c.metricInc(MetricRestoreSuccess)
	c.emitAudit(ctx, auditEventRestoreSuccess, true, user, "", nil, nil)
	return true, nil
}

// fetchProfile loads the profile through Do and caches it.
func (c *Client) fetchProfile(ctx context.Context) (*UserProfile, error) {
	resp, err := c.Do(ctx, Get(c.config.Endpoints.Profile))
	if err != nil {
		return nil, err
	}
	return c.cacheProfile(ctx, resp.Body)
}

func (c *Client) cacheProfile(ctx context.Context, body []byte) (*UserProfile, error) {
	user, err := profileFromBody(body)
	if err != nil {
		return nil, err
	}
	if err := c.store.SaveProfile(ctx, user.Raw); err != nil {
		c.logger.WithError(err).Warn("goSession: caching profile failed")
	}

	c.mu.Lock()
	if c.state == StateAuthenticated || c.state == StateRestoring {
		c.user = user
	}
	c.mu.Unlock()
	return user, nil
}

// UpdateProfile sends a partial profile update and caches the returned profile.
func (c *Client) UpdateProfile(ctx context.Context, update ProfileUpdate) (*UserProfile, error) {
	if err := c.validateStruct(update); err != nil {
		return nil, err
	}
	resp, err := c.Do(ctx, Patch(c.config.Endpoints.Profile, update))
	if err != nil {
		c.emitAudit(ctx, auditEventProfileUpdate, false, c.User(), "", err, nil)
		return nil, err
	}
	user, err := c.cacheProfile(ctx, resp.Body)
	if err != nil {
		return nil, err
	}
	c.emitAudit(ctx, auditEventProfileUpdate, true, user, resp.RequestID, nil, nil)
	return user, nil
}

// ChangePassword changes the password of the signed-in user. Tokens are unaffected.
func (c *Client) ChangePassword(ctx context.Context, change PasswordChange) error {
	if err := c.validateStruct(change); err != nil {
		return err
	}
	resp, err := c.Do(ctx, Post(c.config.Endpoints.ChangePassword, change))
	if err != nil {
		c.emitAudit(ctx, auditEventPasswordChangeFailure, false, c.User(), "", err, nil)
		return err
	}
	c.emitAudit(ctx, auditEventPasswordChangeSuccess, true, c.User(), resp.RequestID, nil, nil)
	return nil
}

/*
====================================
STATE
====================================
*/

// User returns a copy of the signed-in user's profile, or nil.
func (c *Client) User() *UserProfile {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.user == nil {
		return nil
	}
	u := *c.user
	return &u
}

func (c *Client) State() SessionState {
	if c == nil {
		return StateAnonymous
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Client) IsAuthenticated() bool {
	return c.State() == StateAuthenticated
}

// Metrics returns the Client's counters for exporters.
func (c *Client) Metrics() *Metrics {
	if c == nil {
		return nil
	}
	return c.metrics
}

// Store returns the credential store in use.
func (c *Client) Store() credstore.Store {
	if c == nil {
		return nil
	}
	return c.store
}

// SessionExpired returns a channel that is closed when the current session expires.
// A new channel is armed by the next Login, Register or RestoreSession.
func (c *Client) SessionExpired() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.expired
}

// OnSessionExpired registers fn to run once per expired session. fn runs on the
// goroutine that performed the failed refresh, before any request waiting on that
// refresh returns, and must not block. The returned func unregisters fn.
func (c *Client) OnSessionExpired(fn func(ExpiredEvent)) (cancel func()) {
	if fn == nil {
		return func() {}
	}
	c.mu.Lock()
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.listeners, id)
			c.mu.Unlock()
		})
	}
}

// Close stops audit delivery after draining buffered events. Requests made after Close
// fail with ErrClientNotReady.
func (c *Client) Close() error {
	return c.Shutdown(context.Background())
}

// Shutdown is Close bounded by ctx: if buffered audit events are not delivered before
// ctx ends it returns ctx.Err() and delivery continues in the background.
func (c *Client) Shutdown(ctx context.Context) error {
	if c == nil {
		return nil
	}
	c.closed.Store(true)
	return c.audit.Shutdown(ctx)
}

func (c *Client) setAuthenticated(user *UserProfile) {
	c.mu.Lock()
	c.armLocked()
	c.state = StateAuthenticated
	if user != nil {
		c.user = user
	}
	c.mu.Unlock()
}

func (c *Client) beginRestore(cached *UserProfile) {
	c.mu.Lock()
	c.armLocked()
	c.state = StateRestoring
	c.user = cached
	c.mu.Unlock()
}

func (c *Client) abortRestore() {
	c.mu.Lock()
	if c.state == StateRestoring {
		c.state = StateAnonymous
		c.user = nil
	}
	c.mu.Unlock()
}

// armLocked replaces a closed expiry channel. Caller holds c.mu.
func (c *Client) armLocked() {
	select {
	case <-c.expired:
		c.expired = make(chan struct{})
	default:
	}
}

// expire ends the session and notifies subscribers. A failure that found no refresh
// token tore nothing down and only signals while a session is live in memory.
// Credentials loaded straight from the store, without RestoreSession, count as a
// session of their own. The teardown empties the store, so the next failure finds no
// refresh token and the signal fires once per session.
func (c *Client) expire(cause error) {
	hadCredentials := !errors.Is(cause, refresh.ErrNoRefreshToken)
	c.mu.Lock()
	live := c.state == StateAuthenticated || c.state == StateRestoring
	if !live && !hadCredentials {
		c.mu.Unlock()
		return
	}
	if !live {
		c.armLocked()
	}
	user := c.user
	c.state = StateExpired
	c.user = nil
	close(c.expired)
	subs := make([]func(ExpiredEvent), 0, len(c.listeners))
	for _, fn := range c.listeners {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	c.metricInc(MetricSessionExpired)
	c.emitAudit(context.Background(), auditEventSessionExpired, false, user, "", cause, nil)
	c.logger.WithError(cause).Warn("goSession: session expired")

	event := ExpiredEvent{At: time.Now(), User: user, Cause: cause}
	for _, fn := range subs {
		fn(event)
	}
}

/*
====================================
HELPERS
====================================
*/

func (c *Client) ready() error {
	if c == nil || c.closed.Load() {
		return ErrClientNotReady
	}
	return nil
}

func (c *Client) validateStruct(v any) error {
	err := c.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			fields[fe.Field()] = fe.Tag()
		}
		return &IdentityError{Fields: fields}
	}
	return fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
}

func resolveRequestID(ctx context.Context) string {
	if id := requestIDFromContext(ctx); id != "" {
		return id
	}
	return uuid.NewString()
}

func methodOrGet(m string) string {
	if m == "" {
		return http.MethodGet
	}
	return m
}
