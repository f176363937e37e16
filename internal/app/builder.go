package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/framesync-dev/framesync/internal/adapter"
	"github.com/framesync-dev/framesync/internal/api"
	"github.com/framesync-dev/framesync/internal/assetcache"
	"github.com/framesync-dev/framesync/internal/config"
	"github.com/framesync-dev/framesync/internal/engine"
	"github.com/framesync-dev/framesync/internal/pool"
	"github.com/framesync-dev/framesync/internal/retry"
	"github.com/framesync-dev/framesync/internal/telemetry"
	"github.com/framesync-dev/framesync/internal/versions"
)

const (
	defaultHTTPAddress    = ":8080"
	defaultRequestTimeout = 10 * time.Second
	defaultReadTimeout    = 10 * time.Second
	defaultWriteTimeout   = 15 * time.Second
	defaultIdleTimeout    = 60 * time.Second
)

// AppOptions is a function that configures the app builder
//
//nolint:revive // This name is fine
type AppOptions func(*appConfig) error

// appConfig holds the builder state. It supports dependency injection for
// testing while providing sensible defaults for production.
type appConfig struct {
	config *config.Config

	// Optional component overrides (primarily for testing)
	cache    *assetcache.Cache
	pool     *pool.Pool
	retries  *retry.Service
	backends map[adapter.Kind]adapter.Factory

	// HTTP server options
	address        string
	middlewares    []func(http.Handler) http.Handler
	requestTimeout time.Duration
	readTimeout    time.Duration
	writeTimeout   time.Duration
	idleTimeout    time.Duration
}

func baseConfig(opts ...AppOptions) (*appConfig, error) {
	cfg := &appConfig{
		backends:       make(map[adapter.Kind]adapter.Factory),
		address:        defaultHTTPAddress,
		requestTimeout: defaultRequestTimeout,
		readTimeout:    defaultReadTimeout,
		writeTimeout:   defaultWriteTimeout,
		idleTimeout:    defaultIdleTimeout,
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// WithConfig sets the configuration
func WithConfig(c *config.Config) AppOptions {
	return func(cfg *appConfig) error {
		cfg.config = c
		return nil
	}
}

// WithAddress sets the HTTP server address
func WithAddress(addr string) AppOptions {
	return func(cfg *appConfig) error {
		if addr == "" {
			return fmt.Errorf("address cannot be empty")
		}

		parts := strings.SplitN(addr, ":", 2)
		if len(parts) != 2 {
			return fmt.Errorf("address is missing a port: %s", addr)
		}
		host := parts[0]
		port := parts[1]

		if port == "" {
			return fmt.Errorf("address is not a valid port: %s", addr)
		}
		if host == "localhost" {
			host = "127.0.0.1"
		}
		if host == "" {
			host = "0.0.0.0"
		}

		if _, err := netip.ParseAddrPort(host + ":" + port); err != nil {
			return fmt.Errorf("address is not a valid port: %w", err)
		}

		cfg.address = addr
		return nil
	}
}

// WithMiddlewares sets custom HTTP middlewares
func WithMiddlewares(mw ...func(http.Handler) http.Handler) AppOptions {
	return func(cfg *appConfig) error {
		cfg.middlewares = mw
		return nil
	}
}

// WithCache allows injecting a custom asset cache (for testing)
func WithCache(c *assetcache.Cache) AppOptions {
	return func(cfg *appConfig) error {
		cfg.cache = c
		return nil
	}
}

// WithPool allows injecting a custom instance pool (for testing)
func WithPool(p *pool.Pool) AppOptions {
	return func(cfg *appConfig) error {
		cfg.pool = p
		return nil
	}
}

// WithRetryService allows injecting a custom retry service (for testing)
func WithRetryService(s *retry.Service) AppOptions {
	return func(cfg *appConfig) error {
		cfg.retries = s
		return nil
	}
}

// WithBackend registers a concrete adapter factory for a backend kind
func WithBackend(kind adapter.Kind, factory adapter.Factory) AppOptions {
	return func(cfg *appConfig) error {
		cfg.backends[kind] = factory
		return nil
	}
}

// NewApp builds the full application: telemetry, cache, pool, retry service,
// engine with its coordinator, and the HTTP server.
func NewApp(ctx context.Context, opts ...AppOptions) (*App, error) {
	cfg, err := baseConfig(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build base configuration: %w", err)
	}
	if cfg.config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	tel, err := telemetry.New(ctx,
		telemetry.WithEnabled(cfg.config.Telemetry.Enabled),
		telemetry.WithServiceName(cfg.config.ServiceName),
		telemetry.WithServiceVersion(versions.GetVersionInfo().Version),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	components, err := buildComponents(cfg, tel)
	if err != nil {
		return nil, err
	}

	httpServer, err := buildHTTPServer(cfg, components, tel)
	if err != nil {
		return nil, err
	}

	appCtx, cancel := context.WithCancel(ctx)

	return &App{
		config:     cfg.config,
		components: components,
		httpServer: httpServer,
		ctx:        appCtx,
		cancelFunc: cancel,
	}, nil
}

// buildComponents builds the cache, pool, retry service, engine and
// coordinator from the configuration
func buildComponents(cfg *appConfig, tel *telemetry.Telemetry) (*AppComponents, error) {
	slog.Info("Initializing engine components")

	playbackMetrics, err := telemetry.NewPlaybackMetrics(tel.MeterProvider())
	if err != nil {
		return nil, fmt.Errorf("failed to create playback metrics: %w", err)
	}
	cacheMetrics, err := telemetry.NewCacheMetrics(tel.MeterProvider())
	if err != nil {
		return nil, fmt.Errorf("failed to create cache metrics: %w", err)
	}
	poolMetrics, err := telemetry.NewPoolMetrics(tel.MeterProvider())
	if err != nil {
		return nil, fmt.Errorf("failed to create pool metrics: %w", err)
	}
	retryMetrics, err := telemetry.NewRetryMetrics(tel.MeterProvider())
	if err != nil {
		return nil, fmt.Errorf("failed to create retry metrics: %w", err)
	}

	cache := cfg.cache
	if cache == nil {
		cache = assetcache.New(
			assetcache.WithMaxSize(cfg.config.Cache.MaxSizeBytes),
			assetcache.WithTTL(cfg.config.Cache.GetTTL()),
			assetcache.WithSweepInterval(cfg.config.Cache.GetSweepInterval()),
			assetcache.WithMetrics(cacheMetrics),
		)
	}

	instancePool := cfg.pool
	if instancePool == nil {
		instancePool = pool.New(
			pool.WithMaxPerKind(cfg.config.Pool.MaxPerKind),
			pool.WithMaxIdle(cfg.config.Pool.GetMaxIdle()),
			pool.WithReapInterval(cfg.config.Pool.GetReapInterval()),
			pool.WithMetrics(poolMetrics),
		)
	}

	retries := cfg.retries
	if retries == nil {
		retryOpts, perr := retryPolicyOptions(cfg.config)
		if perr != nil {
			return nil, perr
		}
		retryOpts = append(retryOpts, retry.WithMetrics(retryMetrics))
		retries = retry.New(retryOpts...)
	}

	engineOpts := []engine.Option{
		engine.WithCache(cache),
		engine.WithPool(instancePool),
		engine.WithRetries(retries),
		engine.WithMetrics(playbackMetrics),
	}
	for kind, factory := range cfg.backends {
		engineOpts = append(engineOpts, engine.WithBackend(kind, factory))
	}
	eng := engine.New(cfg.config, engineOpts...)

	slog.Info("Engine components initialized successfully")
	return &AppComponents{
		Engine:      eng,
		Coordinator: eng.Coordinator(),
		Cache:       cache,
		Pool:        instancePool,
		Retries:     retries,
		Telemetry:   tel,
	}, nil
}

// retryPolicyOptions translates the per-backend config entries into retry
// policy overrides layered over the compiled-in defaults
func retryPolicyOptions(cfg *config.Config) ([]retry.Option, error) {
	var opts []retry.Option
	for i := range cfg.Backends {
		b := &cfg.Backends[i]
		kind, err := adapter.ParseKind(b.Kind)
		if err != nil {
			return nil, fmt.Errorf("backends[%d]: %w", i, err)
		}

		policy, ok := retry.DefaultPolicies()[kind]
		if !ok {
			policy = retry.DefaultPolicy
		}
		if b.MaxAttempts > 0 {
			policy.MaxAttempts = b.MaxAttempts
		}
		policy.BaseDelay = b.GetBaseDelay(policy.BaseDelay)
		policy.MaxDelay = b.GetMaxDelay(policy.MaxDelay)
		if b.BackoffMultiplier > 0 {
			policy.Multiplier = b.BackoffMultiplier
		}
		if len(b.RetryableCategories) > 0 {
			cats := make([]retry.Category, 0, len(b.RetryableCategories))
			for _, c := range b.RetryableCategories {
				cats = append(cats, retry.Category(c))
			}
			policy.Retryable = cats
		}
		opts = append(opts, retry.WithPolicy(kind, policy))
	}
	return opts, nil
}

// buildHTTPServer builds the HTTP server with router and middleware
func buildHTTPServer(cfg *appConfig, components *AppComponents, tel *telemetry.Telemetry) (*http.Server, error) {
	slog.Info("Initializing HTTP server")

	if cfg.middlewares == nil {
		cfg.middlewares = []func(http.Handler) http.Handler{
			middleware.RequestID,
			middleware.RealIP,
			middleware.Recoverer,
			middleware.Timeout(cfg.requestTimeout),
			api.LoggingMiddleware,
		}
	}

	serverOpts := []api.ServerOption{
		api.WithMiddlewares(cfg.middlewares...),
	}
	if h := tel.MetricsHandler(); h != nil {
		serverOpts = append(serverOpts, api.WithMetricsHandler(h))
		slog.Info("Metrics endpoint enabled")
	}

	router := api.NewServer(components.Engine, components.Pool, components.Cache, serverOpts...)

	server := &http.Server{
		Addr:         cfg.address,
		Handler:      router,
		ReadTimeout:  cfg.readTimeout,
		WriteTimeout: cfg.writeTimeout,
		IdleTimeout:  cfg.idleTimeout,
	}

	slog.Info("HTTP server configured", "address", cfg.address)
	return server, nil
}
