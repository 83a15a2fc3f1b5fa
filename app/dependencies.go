package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/upb/llm-execution-core/config"
	"github.com/upb/llm-execution-core/internal/observability"
	"github.com/upb/llm-execution-core/repositories/postgres"
	"github.com/upb/llm-execution-core/services/cache"
	"github.com/upb/llm-execution-core/services/callback"
	"github.com/upb/llm-execution-core/services/circuitbreaker"
	"github.com/upb/llm-execution-core/services/execution"
	"github.com/upb/llm-execution-core/services/ledger"
	"github.com/upb/llm-execution-core/services/maintenance"
	"github.com/upb/llm-execution-core/services/providers"
	"github.com/upb/llm-execution-core/services/queue"
	"github.com/upb/llm-execution-core/services/ratelimit"
	"go.uber.org/zap"
)

const (
	metricsNamespace  = "llm_execution"
	ledgerStopTimeout = 5 * time.Second
	limiterWait       = 2 * time.Second
)

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config *config.Config
	Logger *zap.Logger
	DB     *postgres.DB
	Redis  redis.UniversalClient

	// Repository Factory, nil when no database is configured
	RepoFactory *postgres.RepositoryFactory

	// Execution core
	Registry *providers.Registry
	Breaker  *circuitbreaker.Breaker
	Limiter  *ratelimit.ProviderLimiter
	Cache    *cache.Layer[execution.Result]
	Manager  *execution.Manager

	// Usage ledger
	Ledger *ledger.Service
	Usage  ledger.Reader

	// Jobs and callbacks
	Queue     queue.Queue
	Worker    *queue.Worker
	Callbacks *callback.Dispatcher
	Channels  *callback.ChannelNotifier

	// Observability
	Metrics    observability.Metrics
	Prometheus *observability.PrometheusMetrics // nil when metrics are disabled

	Scheduler *maintenance.Scheduler

	memoryStore *cache.MemoryStore
}

// NewDependencies creates and wires up all application dependencies.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}

	// Initialize PostgreSQL
	if err := deps.initDatabase(ctx, cfg); err != nil {
		deps.closeQuietly()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	// Initialize Redis
	if err := deps.initRedis(ctx, cfg); err != nil {
		deps.closeQuietly()
		return nil, fmt.Errorf("failed to initialize redis: %w", err)
	}

	deps.initMetrics(cfg)

	// Initialize provider registry
	chain, err := deps.initProviders(ctx, cfg)
	if err != nil {
		deps.closeQuietly()
		return nil, fmt.Errorf("failed to initialize providers: %w", err)
	}

	if err := deps.initCache(cfg); err != nil {
		deps.closeQuietly()
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}

	if err := deps.initLedger(); err != nil {
		deps.closeQuietly()
		return nil, fmt.Errorf("failed to initialize usage ledger: %w", err)
	}

	deps.initCallbacks(cfg)

	if err := deps.initQueue(cfg); err != nil {
		deps.closeQuietly()
		return nil, fmt.Errorf("failed to initialize job queue: %w", err)
	}

	deps.Manager = execution.NewManager(execution.Config{
		TTLs: execution.TTLs{
			Interactive: cfg.Cache.TTLInteractive,
			Normal:      cfg.Cache.TTLNormal,
			Background:  cfg.Cache.TTLBackground,
		},
		FallbackChain: chain,
		LimiterWait:   limiterWait,
	}, deps.Registry, deps.Breaker, deps.Cache, logger,
		execution.WithLimiter(deps.Limiter),
		execution.WithMetrics(deps.Metrics),
		execution.WithLedger(deps.Ledger),
		execution.WithQueue(deps.Queue),
		execution.WithCallbackValidator(deps.Callbacks),
	)

	deps.Worker = queue.NewWorker(deps.Queue, deps.Manager.ProcessJob, deps.Callbacks, deps.Metrics, queue.WorkerConfig{
		Concurrency:  cfg.Queue.WorkerConcurrency,
		PollInterval: cfg.Queue.PollInterval,
		JobTimeout:   cfg.Queue.VisibilityTimeout,
	}, logger.Named("worker"))

	if err := deps.initScheduler(cfg); err != nil {
		deps.closeQuietly()
		return nil, fmt.Errorf("failed to initialize maintenance: %w", err)
	}

	logger.Info("all dependencies initialized successfully")
	return deps, nil
}

// initDatabase connects the usage ledger database when one is configured
func (d *Dependencies) initDatabase(ctx context.Context, cfg *config.Config) error {
	if cfg.Database == nil {
		d.Logger.Info("no database configured, usage ledger kept in memory")
		return nil
	}

	factory, err := postgres.NewRepositoryFactory(cfg.Database, d.Logger)
	if err != nil {
		return fmt.Errorf("failed to create repository factory: %w", err)
	}

	d.RepoFactory = factory
	d.DB = factory.GetDB()

	if err := d.DB.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	d.Logger.Info("database connection established",
		zap.String("connection", cfg.Database.LogString()))
	return nil
}

// initRedis connects the shared cache, queue and callback backend
func (d *Dependencies) initRedis(ctx context.Context, cfg *config.Config) error {
	if !cfg.Redis.Enabled() {
		return nil
	}

	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("invalid redis url: %w", err)
	}
	d.Redis = redis.NewClient(opts)

	if err := d.Redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}

	d.Logger.Info("redis connection established", zap.String("addr", opts.Addr))
	return nil
}

func (d *Dependencies) initMetrics(cfg *config.Config) {
	if !cfg.Observability.MetricsEnabled {
		d.Metrics = observability.NopMetrics{}
		return
	}
	d.Prometheus = observability.NewPrometheusMetrics(metricsNamespace)
	d.Metrics = d.Prometheus
}

// initProviders builds the registry, limiter and breaker. It returns the
// fallback chain used by hybrid execution.
func (d *Dependencies) initProviders(ctx context.Context, cfg *config.Config) ([]string, error) {
	catalog, err := config.LoadCatalog(cfg.Catalog.Path)
	if err != nil {
		return nil, err
	}

	registry, chain, err := buildRegistry(ctx, cfg, catalog, d.Logger)
	if err != nil {
		return nil, err
	}
	d.Registry = registry
	d.Limiter = ratelimit.NewProviderLimiter(providerLimits(cfg.Providers), d.Logger)

	metrics := d.Metrics
	d.Breaker = circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Cooldown:         cfg.Breaker.Cooldown,
		Window:           cfg.Breaker.Window,
	},
		circuitbreaker.WithLogger(d.Logger),
		circuitbreaker.WithStateChangeHook(func(provider string, _, to circuitbreaker.State) {
			metrics.BreakerState(provider, string(to))
		}),
	)
	return chain, nil
}

func (d *Dependencies) initCache(cfg *config.Config) error {
	var store cache.Store
	switch cfg.Cache.Backend {
	case config.BackendRedis:
		if d.Redis == nil {
			return errors.New("redis cache backend requires REDIS_URL")
		}
		store = cache.NewRedisStore(d.Redis, cfg.Cache.KeyPrefix)
	default:
		d.memoryStore = cache.NewMemoryStore(cfg.Cache.MaxEntries)
		store = d.memoryStore
	}

	d.Cache = cache.NewLayer[execution.Result](store, d.Logger)
	d.Logger.Info("result cache ready", zap.String("backend", cfg.Cache.Backend))
	return nil
}

// initLedger persists usage to Postgres when available, in memory otherwise
func (d *Dependencies) initLedger() error {
	var sink ledger.Sink
	if d.RepoFactory != nil {
		repo := d.RepoFactory.NewRepositories().Usage
		sink = repo
		d.Usage = repo
	} else {
		mem := ledger.NewMemorySink()
		sink = mem
		d.Usage = mem
	}

	d.Ledger = ledger.NewService(sink, d.Logger, ledger.DefaultConfig())
	return d.Ledger.Start()
}

func (d *Dependencies) initCallbacks(cfg *config.Config) {
	d.Callbacks = callback.NewDispatcher(d.Logger)

	d.Channels = callback.NewChannelNotifier(16)
	d.Callbacks.Register(d.Channels, "chan")

	webhook := callback.DefaultWebhookConfig()
	webhook.SigningSecret = cfg.Callback.SigningSecret
	if cfg.Callback.Timeout > 0 {
		webhook.Timeout = cfg.Callback.Timeout
	}
	if cfg.Callback.MaxRetries >= 0 {
		webhook.MaxRetries = uint64(cfg.Callback.MaxRetries)
	}
	d.Callbacks.Register(callback.NewWebhookNotifier(webhook, d.Logger), "http", "https")

	if d.Redis != nil {
		d.Callbacks.Register(callback.NewRedisNotifier(d.Redis), "redis")
	}
}

// initQueue creates the job queue. Jobs dead-lettered by a claim are
// reported through the worker, which is created after the manager.
func (d *Dependencies) initQueue(cfg *config.Config) error {
	qcfg := queue.DefaultConfig()
	qcfg.Name = cfg.Queue.Name
	qcfg.MaxAttempts = cfg.Queue.MaxAttempts
	qcfg.VisibilityTimeout = cfg.Queue.VisibilityTimeout

	onDead := func(ctx context.Context, job *queue.Job) {
		if d.Worker != nil {
			d.Worker.NotifyDeadLetter(ctx, job)
		}
	}

	switch cfg.Queue.Backend {
	case config.BackendRedis:
		if d.Redis == nil {
			return errors.New("redis queue backend requires REDIS_URL")
		}
		qcfg.Block = cfg.Queue.PollInterval
		d.Queue = queue.NewRedisQueue(d.Redis, qcfg, d.Logger, queue.WithRedisDeadLetterHook(onDead))
	default:
		d.Queue = queue.NewMemoryQueue(qcfg, d.Logger, queue.WithMemoryDeadLetterHook(onDead))
	}

	d.Logger.Info("job queue ready",
		zap.String("backend", cfg.Queue.Backend),
		zap.String("name", qcfg.Name))
	return nil
}

func (d *Dependencies) initScheduler(cfg *config.Config) error {
	d.Scheduler = maintenance.NewScheduler(d.Logger.Named("maintenance"))
	schedule := cfg.Maintenance.SweepSchedule

	if d.memoryStore != nil {
		if err := d.Scheduler.Add(schedule, maintenance.JobCacheSweep, maintenance.CacheSweep(d.memoryStore, d.Logger)); err != nil {
			return err
		}
	}
	if err := d.Scheduler.Add(schedule, maintenance.JobBreakerGauge, maintenance.BreakerGauge(d.Breaker, d.Metrics)); err != nil {
		return err
	}
	if err := d.Scheduler.Add(schedule, maintenance.JobDeadLetters, maintenance.DeadLetterDepth(d.Queue, d.Logger)); err != nil {
		return err
	}
	return d.Scheduler.Add(schedule, maintenance.JobLedgerStats, maintenance.LedgerStats(d.Ledger, d.Logger))
}

// Close gracefully shuts down all dependencies
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error

	if d.Scheduler != nil {
		if err := d.Scheduler.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop scheduler: %w", err))
		}
		d.Scheduler = nil
	}

	// In-flight streams still write usage records
	if d.Manager != nil {
		d.Manager.WaitStreams()
	}

	if d.Ledger != nil {
		if err := d.Ledger.Stop(ledgerStopTimeout); err != nil {
			errs = append(errs, fmt.Errorf("failed to drain usage ledger: %w", err))
		}
		d.Ledger = nil
	}

	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis: %w", err))
		}
		d.Redis = nil
	}

	// Close database connection
	if d.RepoFactory != nil {
		if err := d.RepoFactory.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		} else {
			d.Logger.Info("database connection closed")
		}
		d.RepoFactory = nil
	}

	// Sync logger
	_ = d.Logger.Sync()

	return errors.Join(errs...)
}

// closeQuietly releases whatever was opened before a failed initialization
func (d *Dependencies) closeQuietly() {
	ctx, cancel := context.WithTimeout(context.Background(), ledgerStopTimeout)
	defer cancel()
	_ = d.Close(ctx)
}
