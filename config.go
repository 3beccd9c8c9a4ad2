package goSession

import (
	"errors"
	"net/url"
	"strings"
	"time"
)

// Config controls a Client. Start from DefaultConfig and override what differs.
type Config struct {
	HTTP      HTTPConfig
	Endpoints EndpointsConfig
	Refresh   RefreshConfig
	Store     StoreConfig
	Audit     AuditConfig
	Metrics   MetricsConfig
}

/*
====================================
HTTP CONFIG
====================================
*/

// HTTPConfig controls the transport used for every request, refresh included.
type HTTPConfig struct {
	BaseURL          string
	Timeout          time.Duration
	UserAgent        string
	RequestIDHeader  string // empty disables the header
	MaxResponseBytes int64
}

/*
====================================
ENDPOINTS CONFIG
====================================
*/

// EndpointsConfig names the remote auth endpoints, relative to HTTP.BaseURL.
type EndpointsConfig struct {
	Login          string
	Register       string
	Refresh        string
	Profile        string
	ChangePassword string
	// RefreshField is the JSON field carrying the refresh token in the refresh request
	// body: "refreshToken" by default, "refresh" for simplejwt-style servers.
	RefreshField string
}

/*
====================================
REFRESH CONFIG
====================================
*/

// RefreshConfig controls the shared refresh exchange.
type RefreshConfig struct {
	// Timeout bounds one refresh exchange. Zero defers to HTTP.Timeout.
	Timeout time.Duration
}

/*
====================================
STORE CONFIG
====================================
*/

// StoreBackend selects the credential store built when none is injected.
type StoreBackend string

const (
	StoreMemory StoreBackend = "memory"
	StoreFile   StoreBackend = "file"
	StoreRedis  StoreBackend = "redis"
)

// StoreConfig selects and parameterizes the credential store.
type StoreConfig struct {
	Backend        StoreBackend
	FilePath       string
	RedisPrefix    string
	RedisNamespace string
	RedisTTL       time.Duration
}

// AuditConfig controls async audit delivery.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig controls in-process counters.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

/*
====================================
DEFAULTS
====================================
*/

// DefaultConfig returns the configuration used when Builder.WithConfig is not called.
// HTTP.BaseURL has no default and must be set.
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		HTTP: HTTPConfig{
			Timeout:          30 * time.Second,
			UserAgent:        "goSession/1",
			RequestIDHeader:  "X-Request-ID",
			MaxResponseBytes: 10 << 20,
		},
		Endpoints: EndpointsConfig{
			Login:          "/auth/login",
			Register:       "/auth/register",
			Refresh:        "/auth/refresh",
			Profile:        "/auth/profile",
			ChangePassword: "/auth/change-password",
			RefreshField:   "refreshToken",
		},
		Store: StoreConfig{
			Backend:        StoreMemory,
			RedisPrefix:    "gs",
			RedisNamespace: "default",
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 256,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 true,
			EnableLatencyHistograms: true,
		},
	}
}

func cloneConfig(cfg Config) Config {
	return cfg
}

/*
====================================
VALIDATION
====================================
*/

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	// HTTP
	base := strings.TrimSpace(c.HTTP.BaseURL)
	if base == "" {
		return errors.New("HTTP BaseURL is required")
	}
	u, err := url.Parse(base)
	if err != nil {
		return errors.New("HTTP BaseURL is not a valid URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("HTTP BaseURL scheme must be http or https")
	}
	if u.Host == "" {
		return errors.New("HTTP BaseURL must include a host")
	}
	if c.HTTP.Timeout < 0 {
		return errors.New("HTTP Timeout must be >= 0")
	}
	if c.HTTP.MaxResponseBytes <= 0 {
		return errors.New("HTTP MaxResponseBytes must be > 0")
	}
	if strings.ContainsAny(c.HTTP.RequestIDHeader, " :\t") {
		return errors.New("HTTP RequestIDHeader is not a valid header name")
	}

	// Endpoints
	for name, path := range map[string]string{
		"Login":          c.Endpoints.Login,
		"Register":       c.Endpoints.Register,
		"Refresh":        c.Endpoints.Refresh,
		"Profile":        c.Endpoints.Profile,
		"ChangePassword": c.Endpoints.ChangePassword,
	} {
		if strings.TrimSpace(path) == "" {
			return errors.New("Endpoints " + name + " must be set")
		}
		if strings.Contains(path, "://") {
			return errors.New("Endpoints " + name + " must be relative to BaseURL")
		}
	}
	if strings.TrimSpace(c.Endpoints.RefreshField) == "" {
		return errors.New("Endpoints RefreshField must be set")
	}

	// Refresh
	if c.Refresh.Timeout < 0 {
		return errors.New("Refresh Timeout must be >= 0")
	}

	// Store
	switch c.Store.Backend {
	case StoreMemory:
	case StoreFile:
		if strings.TrimSpace(c.Store.FilePath) == "" {
			return errors.New("Store FilePath is required for the file backend")
		}
	case StoreRedis:
		if c.Store.RedisPrefix == "" || c.Store.RedisNamespace == "" {
			return errors.New("Store RedisPrefix and RedisNamespace are required for the redis backend")
		}
		if c.Store.RedisTTL < 0 {
			return errors.New("Store RedisTTL must be >= 0")
		}
	default:
		return errors.New("unsupported Store Backend")
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when audit is enabled")
	}

	// Metrics
	if c.Metrics.EnableLatencyHistograms && !c.Metrics.Enabled {
		return errors.New("Metrics EnableLatencyHistograms requires Metrics Enabled")
	}

	return nil
}
