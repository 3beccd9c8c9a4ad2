package goSession

import (
	"errors"
	"net/http"
	"os"
	"reflect"
	"strings"

	"github.com/MrEthical07/goSession/credstore"
	"github.com/MrEthical07/goSession/internal/audit"
	"github.com/MrEthical07/goSession/internal/dispatch"
	"github.com/MrEthical07/goSession/internal/refresh"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Builder assembles a Client. A Builder is single-use: Build may be called once.
type Builder struct {
	config     Config
	store      credstore.Store
	redis      redis.UniversalClient
	httpClient *http.Client
	logger     logrus.FieldLogger
	auditSink  AuditSink

	built bool
}

func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

func (b *Builder) WithBaseURL(baseURL string) *Builder {
	b.config.HTTP.BaseURL = baseURL
	return b
}

// WithStore injects a credential store, overriding Config.Store.
func (b *Builder) WithStore(store credstore.Store) *Builder {
	b.store = store
	return b
}

// WithRedis supplies the client used when Config.Store.Backend is StoreRedis.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithHTTPClient injects the transport. Its Timeout, if any, wins over HTTP.Timeout.
func (b *Builder) WithHTTPClient(client *http.Client) *Builder {
	b.httpClient = client
	return b
}

func (b *Builder) WithLogger(l logrus.FieldLogger) *Builder {
	b.logger = l
	return b
}

// WithAuditSink sets the audit destination and enables auditing.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	if sink != nil {
		b.config.Audit.Enabled = true
	}
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	if !enabled {
		b.config.Metrics.EnableLatencyHistograms = false
	}
	return b
}

func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration and returns a Client in StateAnonymous. It performs
// no I/O; call RestoreSession to pick up persisted credentials.
func (b *Builder) Build() (*Client, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := b.logger
	if logger == nil {
		l := logrus.New()
		l.SetOutput(os.Stderr)
		l.SetLevel(logrus.WarnLevel)
		logger = l
	}

	// -------- CREDENTIAL STORE --------
	store := b.store
	if store == nil {
		switch cfg.Store.Backend {
		case StoreFile:
			store = credstore.NewFileStore(cfg.Store.FilePath).WithLogger(logger)
		case StoreRedis:
			if b.redis == nil {
				return nil, errors.New("redis store backend requires a redis client")
			}
			store = credstore.NewRedisStore(b.redis, cfg.Store.RedisPrefix, cfg.Store.RedisNamespace, cfg.Store.RedisTTL).
				WithLogger(logger)
		default:
			store = credstore.NewMemoryStore()
		}
	}

	// -------- TRANSPORT --------
	httpClient := b.httpClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.HTTP.Timeout}
	}
	dispatcher, err := dispatch.New(httpClient, dispatch.Config{
		BaseURL:          cfg.HTTP.BaseURL,
		UserAgent:        cfg.HTTP.UserAgent,
		RequestIDHeader:  cfg.HTTP.RequestIDHeader,
		MaxResponseBytes: cfg.HTTP.MaxResponseBytes,
	})
	if err != nil {
		return nil, err
	}

	client := &Client{
		config:     cfg,
		store:      store,
		dispatcher: dispatcher,
		logger:     logger,
		metrics:    NewMetrics(cfg.Metrics),
		validate:   newValidator(),
		state:      StateAnonymous,
		expired:    make(chan struct{}),
		listeners:  make(map[uint64]func(ExpiredEvent)),
	}

	// -------- AUDIT --------
	sink := b.auditSink
	if sink == nil {
		sink = NewLogrusSink(logger)
	}
	client.audit = audit.NewDispatcher(audit.Config{
		Enabled:    cfg.Audit.Enabled,
		BufferSize: cfg.Audit.BufferSize,
		DropIfFull: cfg.Audit.DropIfFull,
	}, sink)

	// -------- REFRESH COORDINATOR --------
	timeout := cfg.Refresh.Timeout
	if timeout == 0 {
		timeout = cfg.HTTP.Timeout
	}
	coordinator, err := refresh.New(refresh.Deps{
		Store:     store,
		Exchange:  client.exchangeRefresh,
		Timeout:   timeout,
		OnStart:   client.onRefreshStart,
		OnSuccess: client.onRefreshSuccess,
		OnFailure: client.onRefreshFailure,
		Warn: func(msg string, err error) {
			logger.WithError(err).Warn(msg)
		},
	})
	if err != nil {
		return nil, err
	}
	client.coordinator = coordinator

	b.built = true
	return client, nil
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return v
}
