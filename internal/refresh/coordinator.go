// Package refresh implements the single-flight access token refresh protocol.
//
// # Protocol
//
// At most one refresh operation is in flight per [Coordinator]. Callers that ask for a
// refresh while one is running attach to it and receive the same outcome. Every settled
// operation advances a generation counter; a caller that observed generation g before
// sending its request and sees a later generation afterwards reuses the settled result
// instead of starting a new exchange.
//
// # What this package must NOT do
//
//   - Import goSession (no upward imports).
//   - Rotate the refresh token; only the access token is replaced.
//   - Surface granular failure reasons to callers; every failure is [ErrFailed].
package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrEthical07/goSession/credstore"
)

var (
	// ErrFailed is the uniform outcome of an unsuccessful refresh.
	ErrFailed = errors.New("refresh failed")
	// ErrNoRefreshToken is the cause recorded when no refresh token is stored.
	ErrNoRefreshToken = errors.New("no refresh token stored")
	// ErrSuperseded is the cause recorded when the credentials were replaced while an
	// exchange was in flight and the store held no usable access token afterwards.
	ErrSuperseded = errors.New("credentials replaced during refresh")
)

// Failure carries the cause of a failed refresh for logging. It always matches ErrFailed.
type Failure struct {
	Cause error
}

func (f *Failure) Error() string {
	if f.Cause == nil {
		return ErrFailed.Error()
	}
	return ErrFailed.Error() + ": " + f.Cause.Error()
}

func (f *Failure) Unwrap() error {
	return f.Cause
}

func (f *Failure) Is(target error) bool {
	return target == ErrFailed
}

// State is the coordinator's position in the refresh state machine.
type State int32

const (
	StateIdle State = iota
	StateRefreshing
)

func (s State) String() string {
	if s == StateRefreshing {
		return "refreshing"
	}
	return "idle"
}

// TokenStore is the subset of credstore.Store the coordinator writes through.
type TokenStore interface {
	Load(ctx context.Context) (credstore.Credentials, bool)
	Save(ctx context.Context, creds credstore.Credentials) error
	Clear(ctx context.Context) error
}

// Deps captures coordinator dependencies and lifecycle hooks.
type Deps struct {
	Store TokenStore
	// Exchange calls the remote refresh endpoint and returns the new access token.
	Exchange func(ctx context.Context, refreshToken string) (string, error)
	// Timeout bounds the exchange. Zero defers to the transport's own timeout.
	Timeout time.Duration

	OnStart   func()
	OnSuccess func(elapsed time.Duration)
	// OnFailure runs once per failed operation, after the store is cleared and before
	// any waiter observes the failure.
	OnFailure func(err error, elapsed time.Duration)
	Warn      func(msg string, err error)
}

// Result is what a caller receives from a refresh request.
type Result struct {
	Credentials credstore.Credentials
	Generation  uint64
	// Joined is true when the caller attached to an operation started by someone else.
	Joined bool
	// Reused is true when an operation had already settled after the caller's snapshot,
	// so no exchange was needed.
	Reused bool
}

// Stats counts coordinator activity since construction.
type Stats struct {
	Started   uint64
	Joined    uint64
	Reused    uint64
	Succeeded uint64
	Failed    uint64
}

type operation struct {
	done     chan struct{}
	startGen uint64
	creds    credstore.Credentials
	gen      uint64
	err      error
}

// Coordinator owns the refresh state machine. The zero value is not usable; see New.
type Coordinator struct {
	deps Deps

	mu         sync.Mutex
	current    *operation
	generation uint64
	lastErr    error

	started   atomic.Uint64
	joined    atomic.Uint64
	reused    atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
}

// New returns an idle Coordinator.
func New(deps Deps) (*Coordinator, error) {
	if deps.Store == nil {
		return nil, errors.New("refresh coordinator requires a token store")
	}
	if deps.Exchange == nil {
		return nil, errors.New("refresh coordinator requires an exchange func")
	}
	return &Coordinator{deps: deps}, nil
}

// Snapshot returns the stored credentials together with the current generation. Callers
// keep the generation and pass it to RefreshAfter if their request is rejected.
func (c *Coordinator) Snapshot(ctx context.Context) (credstore.Credentials, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	creds, _ := c.deps.Store.Load(ctx)
	return creds, c.generation
}

// State reports whether an operation is in flight.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		return StateRefreshing
	}
	return StateIdle
}

// Generation returns the number of settled operations plus replacements.
func (c *Coordinator) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// Stats returns activity counters.
func (c *Coordinator) Stats() Stats {
	return Stats{
		Started:   c.started.Load(),
		Joined:    c.joined.Load(),
		Reused:    c.reused.Load(),
		Succeeded: c.succeeded.Load(),
		Failed:    c.failed.Load(),
	}
}

// Reset advances the generation without an exchange.
func (c *Coordinator) Reset() {
	_ = c.Replace(context.Background(), nil)
}

// Replace runs write under the coordinator lock and advances the generation, so that
// stale rejections are not mistaken for rejections of the new credentials. An exchange
// in flight while Replace runs settles without touching the store. The session client
// installs login results and performs logout through Replace.
func (c *Coordinator) Replace(ctx context.Context, write func(ctx context.Context) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if write != nil {
		if err := write(ctx); err != nil {
			return err
		}
	}
	c.generation++
	c.lastErr = nil
	return nil
}

// RequestRefresh joins the in-flight operation or starts a new one.
func (c *Coordinator) RequestRefresh(ctx context.Context) (Result, error) {
	return c.refresh(ctx, 0, false)
}

// RefreshAfter is RequestRefresh for a caller whose request, sent at generation seen,
// was rejected. If an operation settled successfully since then, its credentials are
// returned without a new exchange.
func (c *Coordinator) RefreshAfter(ctx context.Context, seen uint64) (Result, error) {
	return c.refresh(ctx, seen, true)
}

func (c *Coordinator) refresh(ctx context.Context, seen uint64, checkSeen bool) (Result, error) {
	c.mu.Lock()
	if op := c.current; op != nil {
		c.mu.Unlock()
		c.joined.Add(1)
		res, err := c.wait(ctx, op)
		res.Joined = true
		return res, err
	}

	if checkSeen && c.generation != seen {
		if c.lastErr != nil {
			gen := c.generation
			err := c.lastErr
			c.mu.Unlock()
			c.reused.Add(1)
			return Result{Generation: gen, Reused: true}, err
		}
		if creds, ok := c.deps.Store.Load(ctx); ok && creds.AccessToken != "" {
			gen := c.generation
			c.mu.Unlock()
			c.reused.Add(1)
			return Result{Credentials: creds, Generation: gen, Reused: true}, nil
		}
	}

	op := &operation{done: make(chan struct{}), startGen: c.generation}
	c.current = op
	c.mu.Unlock()

	c.started.Add(1)
	if c.deps.OnStart != nil {
		c.deps.OnStart()
	}

	// The exchange outlives any single caller: a waiter giving up must not abort the
	// refresh the others are waiting on.
	go c.run(context.WithoutCancel(ctx), op)

	return c.wait(ctx, op)
}

func (c *Coordinator) wait(ctx context.Context, op *operation) (Result, error) {
	select {
	case <-op.done:
		if op.err != nil {
			return Result{Generation: op.gen}, op.err
		}
		return Result{Credentials: op.creds, Generation: op.gen}, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (c *Coordinator) run(ctx context.Context, op *operation) {
	start := time.Now()
	creds, cause := c.exchange(ctx)

	c.mu.Lock()
	superseded := c.generation != op.startGen
	switch {
	case superseded:
		// Login or logout replaced the credentials mid-exchange; the store now belongs
		// to them and the exchange result is discarded.
		if current, ok := c.deps.Store.Load(ctx); ok && current.AccessToken != "" {
			op.creds = current
		} else {
			op.err = &Failure{Cause: ErrSuperseded}
		}
	case cause == nil:
		if err := c.deps.Store.Save(ctx, creds); err != nil {
			cause = fmt.Errorf("persist refreshed credentials: %w", err)
		}
	}
	if !superseded {
		if cause != nil {
			if err := c.deps.Store.Clear(ctx); err != nil && c.deps.Warn != nil {
				c.deps.Warn("goSession: credential teardown after refresh failure failed", err)
			}
			op.err = &Failure{Cause: cause}
			c.lastErr = op.err
		} else {
			op.creds = creds
			c.lastErr = nil
		}
	}
	c.generation++
	op.gen = c.generation
	c.current = nil
	c.mu.Unlock()

	elapsed := time.Since(start)
	if op.err != nil {
		c.failed.Add(1)
		if !superseded && c.deps.OnFailure != nil {
			c.deps.OnFailure(op.err, elapsed)
		}
	} else {
		c.succeeded.Add(1)
		if !superseded && c.deps.OnSuccess != nil {
			c.deps.OnSuccess(elapsed)
		}
	}
	close(op.done)
}

func (c *Coordinator) exchange(ctx context.Context) (credstore.Credentials, error) {
	creds, ok := c.deps.Store.Load(ctx)
	if !ok || creds.RefreshToken == "" {
		return credstore.Credentials{}, ErrNoRefreshToken
	}

	if c.deps.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.deps.Timeout)
		defer cancel()
	}

	access, err := c.deps.Exchange(ctx, creds.RefreshToken)
	if err != nil {
		return credstore.Credentials{}, err
	}
	if access == "" {
		return credstore.Credentials{}, errors.New("refresh response carried no access token")
	}
	creds.AccessToken = access
	return creds, nil
}
