// Package dispatch performs a single HTTP exchange with the current access token attached
// and classifies the outcome. It never retries and never touches stored credentials.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Kind classifies a completed HTTP exchange.
type Kind int

const (
	KindSuccess Kind = iota
	KindAuthFailure
	KindOtherFailure
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindAuthFailure:
		return "auth_failure"
	case KindOtherFailure:
		return "other_failure"
	default:
		return "unknown"
	}
}

// Expect selects how a successful body is handed back.
type Expect int

const (
	ExpectJSON Expect = iota
	ExpectBinary
)

// Request is a re-playable request descriptor. Body is sent as-is on every attempt.
type Request struct {
	Method      string
	Path        string
	Query       url.Values
	Body        []byte
	ContentType string
	Header      http.Header
	Expect      Expect
	RequestID   string
}

// Result is the classified outcome of one exchange.
type Result struct {
	Kind      Kind
	Status    int
	Header    http.Header
	Body      []byte
	NoContent bool
	// Stream is set for successful binary exchanges; the caller must close it.
	Stream io.ReadCloser
}

// NetworkError reports a transport failure: no response was received.
type NetworkError struct {
	Method string
	URL    string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// Config controls request construction.
type Config struct {
	BaseURL          string
	UserAgent        string
	RequestIDHeader  string
	MaxResponseBytes int64
}

// Dispatcher sends requests relative to a base URL.
type Dispatcher struct {
	client *http.Client
	base   *url.URL
	cfg    Config
}

// New validates cfg and returns a Dispatcher using client for transport.
func New(client *http.Client, cfg Config) (*Dispatcher, error) {
	if client == nil {
		client = http.DefaultClient
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, errors.New("base url scheme must be http or https")
	}
	if base.Host == "" {
		return nil, errors.New("base url must include a host")
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = 10 << 20
	}
	return &Dispatcher{client: client, base: base, cfg: cfg}, nil
}

// URL resolves path against the base URL. A leading slash is relative to the base path,
// not the host root, so "/auth/login" under "https://h/api" becomes "https://h/api/auth/login".
func (d *Dispatcher) URL(path string, query url.Values) string {
	u := *d.base
	rel := strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(rel, '?'); i >= 0 {
		u.RawQuery = rel[i+1:]
		rel = rel[:i]
	} else {
		u.RawQuery = ""
	}
	u.Path = d.base.Path + rel
	if len(query) > 0 {
		q := u.Query()
		for k, vs := range query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// Do sends req with accessToken attached when non-empty. Transport failures are returned
// as *NetworkError; every received response is classified into a Result.
func (d *Dispatcher) Do(ctx context.Context, req Request, accessToken string) (Result, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	target := d.URL(req.Path, req.Query)

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}

	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if req.Body != nil && httpReq.Header.Get("Content-Type") == "" {
		ct := req.ContentType
		if ct == "" {
			ct = "application/json"
		}
		httpReq.Header.Set("Content-Type", ct)
	}
	if httpReq.Header.Get("Accept") == "" {
		if req.Expect == ExpectBinary {
			httpReq.Header.Set("Accept", "*/*")
		} else {
			httpReq.Header.Set("Accept", "application/json")
		}
	}
	if d.cfg.UserAgent != "" {
		httpReq.Header.Set("User-Agent", d.cfg.UserAgent)
	}
	if d.cfg.RequestIDHeader != "" && req.RequestID != "" {
		httpReq.Header.Set(d.cfg.RequestIDHeader, req.RequestID)
	}
	if accessToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+accessToken)
	} else {
		httpReq.Header.Del("Authorization")
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return Result{}, &NetworkError{Method: method, URL: target, Err: err}
	}
	return d.classify(resp, req.Expect)
}

func (d *Dispatcher) classify(resp *http.Response, expect Expect) (Result, error) {
	res := Result{Status: resp.StatusCode, Header: resp.Header}

	switch {
	case resp.StatusCode == http.StatusNoContent:
		_ = resp.Body.Close()
		res.Kind = KindSuccess
		res.NoContent = true
		return res, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		res.Kind = KindSuccess
		if expect == ExpectBinary {
			res.Stream = resp.Body
			return res, nil
		}
	case resp.StatusCode == http.StatusUnauthorized:
		res.Kind = KindAuthFailure
	default:
		res.Kind = KindOtherFailure
	}

	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, d.cfg.MaxResponseBytes+1))
	if err != nil {
		return Result{}, &NetworkError{Method: resp.Request.Method, URL: resp.Request.URL.String(), Err: err}
	}
	if int64(len(data)) > d.cfg.MaxResponseBytes {
		return Result{}, fmt.Errorf("response body exceeds %d bytes", d.cfg.MaxResponseBytes)
	}
	res.Body = data
	return res, nil
}
