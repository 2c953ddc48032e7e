package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/vyrodovalexey/avagate/internal/async"
	"github.com/vyrodovalexey/avagate/internal/auth"
	"github.com/vyrodovalexey/avagate/internal/authz"
	"github.com/vyrodovalexey/avagate/internal/backend"
	"github.com/vyrodovalexey/avagate/internal/cache"
	"github.com/vyrodovalexey/avagate/internal/circuitbreaker"
	"github.com/vyrodovalexey/avagate/internal/config"
	"github.com/vyrodovalexey/avagate/internal/events"
	"github.com/vyrodovalexey/avagate/internal/health"
	"github.com/vyrodovalexey/avagate/internal/idempotency"
	"github.com/vyrodovalexey/avagate/internal/model"
	"github.com/vyrodovalexey/avagate/internal/observability"
	"github.com/vyrodovalexey/avagate/internal/ratelimit"
	"github.com/vyrodovalexey/avagate/internal/registry"
	"github.com/vyrodovalexey/avagate/internal/response"
	"github.com/vyrodovalexey/avagate/internal/router"
	"github.com/vyrodovalexey/avagate/internal/secrets"
	"github.com/vyrodovalexey/avagate/internal/validation"
)

const (
	// DefaultShutdownTimeout bounds Stop when the config sets none.
	DefaultShutdownTimeout = 30 * time.Second

	memorySweepInterval = time.Minute
	natsClientName      = "avagate"
)

// State represents the gateway state.
type State int32

const (
	// StateStopped indicates the gateway is stopped.
	StateStopped State = iota
	// StateStarting indicates the gateway is starting.
	StateStarting
	// StateRunning indicates the gateway is running.
	StateRunning
	// StateStopping indicates the gateway is stopping.
	StateStopping
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Option is a functional option for configuring the gateway.
type Option func(*Gateway)

// WithLogger sets the logger for the gateway.
func WithLogger(logger observability.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// WithVersion sets the version reported by the health endpoint.
func WithVersion(version string) Option {
	return func(g *Gateway) {
		g.version = version
	}
}

// WithConfigPath enables hot reload of consumers and routes from path.
func WithConfigPath(path string) Option {
	return func(g *Gateway) {
		g.configPath = path
	}
}

// WithStore replaces the shared store selected from the config.
func WithStore(store cache.Store) Option {
	return func(g *Gateway) {
		g.store = store
	}
}

// WithBackendClient sets the HTTP client used for backend calls.
func WithBackendClient(client *http.Client) Option {
	return func(g *Gateway) {
		g.backendClient = client
	}
}

// Gateway wires every pipeline component from a GatewayConfig and owns
// their lifecycle.
type Gateway struct {
	config     *config.GatewayConfig
	logger     observability.Logger
	version    string
	configPath string
	state      atomic.Int32

	tracer        *observability.Tracer
	secrets       *secrets.Resolver
	store         cache.Store
	redis         *cache.Redis
	rateStore     *ratelimit.MemoryStore
	registry      registry.Registry
	backendClient *http.Client
	router        *router.Router
	checker       *backend.HealthChecker
	operations    *async.Handler
	publisher     *events.Publisher
	nats          *nats.Conn
	probes        *health.Handler
	pipeline      *Pipeline
	server        *Server
	watcher       *config.Watcher

	reloadMu sync.Mutex
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New builds a gateway from cfg. Nothing listens until Start.
func New(ctx context.Context, cfg *config.GatewayConfig, opts ...Option) (*Gateway, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}

	g := &Gateway{
		config:  cfg,
		logger:  observability.NopLogger(),
		version: "dev",
	}
	for _, opt := range opts {
		opt(g)
	}
	g.state.Store(int32(StateStopped))

	if err := g.build(ctx); err != nil {
		_ = g.closeResources(ctx)
		return nil, err
	}
	g.probes.MarkStarted()
	return g, nil
}

func (g *Gateway) build(ctx context.Context) error {
	cfg := g.config

	tracer, err := observability.NewTracer(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("failed to create tracer: %w", err)
	}
	g.tracer = tracer

	if err := g.buildSecrets(ctx); err != nil {
		return err
	}
	if err := g.buildStore(ctx); err != nil {
		return err
	}
	if err := g.buildRegistry(ctx); err != nil {
		return err
	}
	g.buildPublisher()

	breakers := circuitbreaker.NewRegistry(
		circuitbreaker.SettingsFromConfig(cfg.CircuitBreaker),
		circuitbreaker.WithLogger(g.logger),
		circuitbreaker.WithTransitionHook(g.publisher.PublishBreakerTransition),
	)

	execOpts := []backend.Option{
		backend.WithLogger(g.logger),
		backend.WithAttemptHook(g.publisher.ObserveAttempt),
	}
	if g.backendClient != nil {
		execOpts = append(execOpts, backend.WithClient(g.backendClient))
	}
	executor := backend.NewExecutor(cfg.Backend, breakers, execOpts...)

	g.router = router.New(
		router.WithLogger(g.logger),
		router.WithAvailability(executor.Available),
	)
	if err := g.refreshRoutes(ctx); err != nil {
		return err
	}

	if cfg.Backend.HealthCheck.Enabled {
		g.checker = backend.NewHealthChecker(g.router.Targets, cfg.Backend.HealthCheck,
			backend.WithHealthCheckLogger(g.logger),
			backend.WithHealthStatusCallback(func(t *model.BackendTarget, healthy bool) {
				g.logger.Info("backend health changed",
					observability.String("backend", t.Key()),
					observability.Bool("healthy", healthy),
				)
			}),
		)
	}

	authorizer, err := g.buildAuthorizer()
	if err != nil {
		return err
	}

	g.operations = g.buildOperations()

	limiter := ratelimit.New(g.rateLimitStore(), cfg.RateLimit,
		ratelimit.WithLogger(g.logger),
		ratelimit.WithDegradedHook(g.publisher.RateLimitDegraded),
	)

	g.pipeline, err = NewPipeline(Stages{
		Auth: auth.New(g.registry, auth.WithLogger(g.logger)),
		Idempotency: idempotency.New(g.store, cfg.Idempotency,
			idempotency.WithLogger(g.logger),
			idempotency.WithDegradedHook(g.publisher.IdempotencyDegraded),
		),
		RateLimit:  limiter,
		Router:     g.router,
		Authz:      authorizer,
		Validator:  validation.New(cfg.Validation),
		Executor:   executor,
		Operations: g.operations,
		Formatter:  response.New(cfg.Security),
		Events:     g.publisher,
	}, WithPipelineLogger(g.logger))
	if err != nil {
		return err
	}

	g.probes = health.NewHandler(
		health.WithLogger(g.logger),
		health.WithVersion(g.version),
		health.WithMetrics(health.NewMetrics(g.publisher.Metrics().Registry())),
	)
	g.probes.AddCheck(health.PingCheck("store", g.store))
	g.probes.AddCheck(health.PingCheck("registry", g.registry))

	g.server, err = NewServer(cfg.Server, g.pipeline, g.probes, g.publisher.Metrics().Handler(),
		cfg.Validation.MaxBodySize, g.logger)
	if err != nil {
		return err
	}
	return nil
}

func (g *Gateway) buildSecrets(ctx context.Context) error {
	g.secrets = secrets.NewResolver()

	vc := g.config.Vault
	if !vc.Enabled {
		return nil
	}
	token, err := g.secrets.Resolve(ctx, vc.Token)
	if err != nil {
		return fmt.Errorf("failed to resolve vault token: %w", err)
	}
	provider, err := secrets.NewVaultProvider(secrets.VaultConfig{
		Address: vc.Address,
		Token:   token,
		Mount:   vc.Mount,
	})
	if err != nil {
		return err
	}
	g.secrets.Register("vault", provider)
	g.logger.Info("vault secret provider enabled", observability.String("address", vc.Address))
	return nil
}

func (g *Gateway) buildStore(ctx context.Context) error {
	if g.store != nil {
		return nil
	}

	rc := g.config.Redis
	if rc.Address == "" {
		g.logger.Warn("no redis address configured, using in-process store")
		g.store = cache.NewMemory(memorySweepInterval)
		return nil
	}

	password, err := g.secrets.Resolve(ctx, rc.Password)
	if err != nil {
		return fmt.Errorf("failed to resolve redis password: %w", err)
	}
	g.redis = cache.NewRedis(ctx, cache.RedisConfig{
		Address:         rc.Address,
		Password:        password,
		DB:              rc.DB,
		PoolSize:        rc.PoolSize,
		DialTimeout:     rc.DialTimeout.Duration(),
		ReadTimeout:     rc.ReadTimeout.Duration(),
		WriteTimeout:    rc.WriteTimeout.Duration(),
		KeyPrefix:       rc.KeyPrefix,
		BreakerFailures: rc.BreakerFailures,
		BreakerTimeout:  rc.BreakerTimeout.Duration(),
	},
		cache.WithRedisLogger(g.logger),
		cache.WithStateChange(func(from, to string) {
			g.logger.Warn("store circuit breaker state changed",
				observability.String("from", from),
				observability.String("to", to),
			)
		}),
	)
	g.store = g.redis
	return nil
}

func (g *Gateway) buildRegistry(ctx context.Context) error {
	cfg := g.config
	switch cfg.Registry.Type {
	case config.RegistrySQLite:
		db, err := registry.OpenSQLite(cfg.Registry.SQLitePath, cfg.Backend,
			registry.WithSQLiteLogger(g.logger),
			registry.WithSecretResolver(g.secrets),
		)
		if err != nil {
			return err
		}
		g.registry = db
		if err := db.Seed(ctx, cfg); err != nil {
			return fmt.Errorf("failed to seed registry: %w", err)
		}
	default:
		static, err := registry.NewStatic(ctx, cfg, g.secrets)
		if err != nil {
			return err
		}
		g.registry = static
	}
	return nil
}

func (g *Gateway) buildPublisher() {
	ec := g.config.Events
	opts := []events.Option{
		events.WithLogger(g.logger),
		events.WithSink(events.NewLogSink(g.logger)),
	}
	if ec.PersistAudit {
		opts = append(opts, events.WithSink(events.NewRegistrySink(g.registry)))
	}
	if ec.NATSURL != "" {
		conn, err := events.ConnectNATS(ec.NATSURL, natsClientName, g.logger)
		if err != nil {
			g.logger.Warn("event stream disabled", observability.Error(err))
		} else {
			g.nats = conn
			opts = append(opts, events.WithSink(events.NewNATSSink(conn, ec.NATSSubject)))
		}
	}
	g.publisher = events.NewPublisher(ec.LogSamplingRate, opts...)
}

func (g *Gateway) buildAuthorizer() (*authz.Engine, error) {
	ac := g.config.Authz

	env := make(map[string]any, len(ac.Environment))
	for k, v := range ac.Environment {
		env[k] = v
	}

	httpOpts := []authz.HTTPOption{
		authz.WithHTTPLogger(g.logger),
		authz.WithHTTPHeaders(ac.OPAHeaders),
	}
	if d := ac.OPATimeout.Duration(); d > 0 {
		httpOpts = append(httpOpts, authz.WithHTTPTimeout(d))
	}

	return authz.New(
		authz.WithLogger(g.logger),
		authz.WithEnvironment(env),
		authz.WithEvaluator(authz.EngineHTTP, authz.NewHTTPEvaluator(httpOpts...)),
		authz.WithDenialHook(g.publisher.PublishAuthzDenial),
	)
}

func (g *Gateway) buildOperations() *async.Handler {
	dispatcher := async.NewDispatcher(g.config.Async.Webhook, g.store,
		async.WithDispatcherLogger(g.logger),
		async.WithDeliveryHook(g.publisher.ObserveDelivery),
	)
	return async.NewHandler(async.NewStore(g.store), dispatcher, g.store, g.config.Async,
		async.WithLogger(g.logger),
		async.WithSecretResolver(g.secrets),
		async.WithConsumers(g.registry),
	)
}

func (g *Gateway) rateLimitStore() ratelimit.Store {
	if g.redis != nil {
		return ratelimit.NewRedisStore(g.redis)
	}
	g.rateStore = ratelimit.NewMemoryStore()
	return g.rateStore
}

// Handler returns the root HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.server.Handler()
}

// Publisher returns the event publisher.
func (g *Gateway) Publisher() *events.Publisher {
	return g.publisher
}

// State returns the current state.
func (g *Gateway) State() State {
	return State(g.state.Load())
}

// Addr returns the bound listener address, or nil when not running.
func (g *Gateway) Addr() net.Addr {
	return g.server.Addr()
}

// Start starts the listener and the background loops.
func (g *Gateway) Start(ctx context.Context) error {
	if !g.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return errors.New("gateway is not in stopped state")
	}

	if err := g.server.Start(); err != nil {
		g.state.Store(int32(StateStopped))
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	g.cancel = cancel

	if g.checker != nil {
		g.checker.Start(loopCtx)
	}
	if g.rateStore != nil {
		g.every(loopCtx, memorySweepInterval, func(context.Context) {
			if n := g.rateStore.Sweep(time.Now()); n > 0 {
				g.logger.Debug("swept idle rate limit buckets", observability.Int("count", n))
			}
		})
	}
	if d := g.config.Registry.RefreshInterval.Duration(); d > 0 {
		g.every(loopCtx, d, func(ctx context.Context) {
			if err := g.refreshRoutes(ctx); err != nil {
				g.logger.Warn("route refresh failed", observability.Error(err))
			}
		})
	}
	if g.configPath != "" {
		if err := g.startWatcher(loopCtx); err != nil {
			g.logger.Warn("config hot reload disabled", observability.Error(err))
		}
	}

	g.state.Store(int32(StateRunning))
	g.logger.Info("gateway started",
		observability.String("address", g.server.Addr().String()),
		observability.Int("routes", len(g.router.Routes())),
	)
	return nil
}

func (g *Gateway) every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
}

func (g *Gateway) startWatcher(ctx context.Context) error {
	w, err := config.NewWatcher(g.configPath,
		func(cfg *config.GatewayConfig) {
			if err := g.Reload(ctx, cfg); err != nil {
				g.logger.Error("config reload failed", observability.Error(err))
			}
		},
		config.WithLogger(g.logger),
		config.WithErrorCallback(func(err error) {
			g.logger.Warn("config reload rejected", observability.Error(err))
		}),
	)
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		return err
	}
	g.watcher = w
	return nil
}

// Reload applies the consumers and routes of cfg. Other settings take
// effect on restart.
func (g *Gateway) Reload(ctx context.Context, cfg *config.GatewayConfig) error {
	g.reloadMu.Lock()
	defer g.reloadMu.Unlock()

	switch reg := g.registry.(type) {
	case *registry.Static:
		if err := reg.Reload(ctx, cfg, g.secrets); err != nil {
			return err
		}
	case *registry.SQLite:
		if err := reg.Seed(ctx, cfg); err != nil {
			return err
		}
	}
	if err := g.refreshRoutes(ctx); err != nil {
		return err
	}
	g.logger.Info("configuration reloaded",
		observability.Int("consumers", len(cfg.Consumers)),
		observability.Int("routes", len(cfg.Routes)),
	)
	return nil
}

func (g *Gateway) refreshRoutes(ctx context.Context) error {
	defs, err := g.registry.GetRouteDefinitions(ctx)
	if err != nil {
		return fmt.Errorf("failed to load routes: %w", err)
	}
	return g.router.Load(defs)
}

// ReplayDeadLetters redelivers up to limit dead-lettered webhooks.
func (g *Gateway) ReplayDeadLetters(ctx context.Context, limit int) (async.ReplayResult, error) {
	return g.operations.ReplayDeadLetters(ctx, limit)
}

// Stop drains in-flight requests and async operations, then releases
// every resource. The context bounds the whole shutdown.
func (g *Gateway) Stop(ctx context.Context) error {
	if !g.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		return errors.New("gateway is not running")
	}
	g.logger.Info("stopping gateway")

	timeout := g.config.Server.ShutdownTimeout.Duration()
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var errs []error
	if g.watcher != nil {
		if err := g.watcher.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := g.server.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := g.operations.Wait(ctx); err != nil {
		errs = append(errs, fmt.Errorf("async operations still running: %w", err))
	}
	if g.cancel != nil {
		g.cancel()
	}
	if g.checker != nil {
		g.checker.Stop()
	}
	g.wg.Wait()

	errs = append(errs, g.closeResources(ctx)...)

	g.state.Store(int32(StateStopped))
	g.logger.Info("gateway stopped")
	return errors.Join(errs...)
}

// Close releases resources of a gateway that was never started.
func (g *Gateway) Close(ctx context.Context) error {
	if g.State() != StateStopped {
		return errors.New("gateway is running")
	}
	return errors.Join(g.closeResources(ctx)...)
}

func (g *Gateway) closeResources(ctx context.Context) []error {
	var errs []error
	if g.nats != nil {
		if err := g.nats.Drain(); err != nil {
			errs = append(errs, fmt.Errorf("failed to drain nats: %w", err))
		}
		g.nats = nil
	}
	if g.registry != nil {
		if err := g.registry.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close registry: %w", err))
		}
		g.registry = nil
	}
	if g.store != nil {
		if err := g.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close store: %w", err))
		}
		g.store = nil
	}
	if g.tracer != nil {
		if err := g.tracer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown tracer: %w", err))
		}
		g.tracer = nil
	}
	return errs
}
