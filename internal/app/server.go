package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"github.com/jordanhubbard/llmproxy/internal/auth"
	"github.com/jordanhubbard/llmproxy/internal/catalog"
	"github.com/jordanhubbard/llmproxy/internal/circuitbreaker"
	"github.com/jordanhubbard/llmproxy/internal/credentials"
	"github.com/jordanhubbard/llmproxy/internal/events"
	"github.com/jordanhubbard/llmproxy/internal/gateway"
	"github.com/jordanhubbard/llmproxy/internal/httpapi"
	"github.com/jordanhubbard/llmproxy/internal/idempotency"
	"github.com/jordanhubbard/llmproxy/internal/logging"
	"github.com/jordanhubbard/llmproxy/internal/metrics"
	"github.com/jordanhubbard/llmproxy/internal/providers"
	"github.com/jordanhubbard/llmproxy/internal/providers/anthropic"
	"github.com/jordanhubbard/llmproxy/internal/providers/openai"
	"github.com/jordanhubbard/llmproxy/internal/ratelimit"
	"github.com/jordanhubbard/llmproxy/internal/ratelimit/pgstore"
	"github.com/jordanhubbard/llmproxy/internal/ratelimit/redisstore"
	"github.com/jordanhubbard/llmproxy/internal/router"
	"github.com/jordanhubbard/llmproxy/internal/store"
	"github.com/jordanhubbard/llmproxy/internal/temporal"
	"github.com/jordanhubbard/llmproxy/internal/throttle"
	"github.com/jordanhubbard/llmproxy/internal/tracing"
)

const (
	pruneInterval = time.Hour
	dialTimeout   = 5 * time.Second
)

type Server struct {
	cfg Config

	r *chi.Mux

	store    *store.SQLiteStore
	catalog  *catalog.Catalog
	tracker  *ratelimit.Tracker
	gateway  *gateway.Gateway
	temporal *temporal.Manager
	redis    *goredis.Client
	pg       *pgxpool.Pool
	pgState  *pgstore.Store
	logger   *slog.Logger

	traceShutdown func(context.Context) error
	// lookup reads operator credentials; replaced in tests.
	lookup credentials.LookupFunc
	cancel context.CancelFunc
}

func NewServer(cfg Config) (_ *Server, err error) {
	logger := logging.Setup(cfg.LogLevel)
	ctx := context.Background()

	routing, err := LoadRouting(cfg.RoutingFile)
	if err != nil {
		return nil, err
	}

	shutdown, err := tracing.Setup(tracing.Config{
		Enabled:     cfg.OTelEnabled,
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: cfg.OTelServiceName,
		SampleRatio: cfg.OTelSampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("tracing setup: %w", err)
	}

	s := &Server{cfg: cfg, logger: logger, traceShutdown: shutdown, lookup: os.LookupEnv}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "Idempotency-Key"},
		ExposedHeaders:   []string{"X-Request-ID", "X-LLMProxy-Provider", "X-LLMProxy-Model", "X-LLMProxy-Attempts", "Idempotency-Replay"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	if cfg.OTelEnabled {
		r.Use(tracing.Middleware())
	}
	s.r = r

	// Open store.
	db, err := store.NewSQLite(cfg.DBDSN)
	if err != nil {
		return nil, err
	}
	s.store = db
	if err := db.Migrate(ctx); err != nil {
		return nil, err
	}
	logger.Info("database initialized", slog.String("dsn", cfg.DBDSN))

	m := metrics.New()
	bus := events.NewBus()

	src, err := s.catalogSource(ctx)
	if err != nil {
		return nil, err
	}
	cat, err := catalog.New(ctx, src,
		catalog.WithEventBus(bus),
		catalog.WithOnRefresh(m.ObserveCatalog),
		catalog.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	s.catalog = cat

	rlStore, err := s.rateLimitStore(ctx)
	if err != nil {
		return nil, err
	}
	tracker := ratelimit.NewTracker(rlStore,
		ratelimit.WithPolicy(routing.Breaker),
		ratelimit.WithDefaultBackoff(routing.RateLimitBackoff),
		ratelimit.WithEventBus(bus),
		ratelimit.WithOnTransition(m.ObserveCircuit),
		ratelimit.WithLogger(logger),
	)
	s.tracker = tracker

	env, envErr := credentials.FromEnv(s.lookup)
	if envErr != nil {
		logger.Warn("skipped malformed credential variables", slog.String("error", envErr.Error()))
	}
	logger.Info("environment credentials loaded", slog.Int("count", len(env)))

	registry := providers.NewRegistry(openai.New())
	registry.Register("anthropic", anthropic.New())
	transport := providers.NewTransport(registry)

	sink := temporal.NewSink(db, s.sinkOptions(m, logger)...)

	budgeter := router.NewBudgeter(routing.Budget)
	executor := router.NewExecutor(routing.Executor, transport, tracker,
		router.WithRecorder(router.Recorders{sink, m, bus, logging.NewAttemptLogger(logger)}),
		router.WithExecutorLogger(logger),
	)

	s.gateway = gateway.New(gateway.Deps{
		Catalog:     cat,
		Environment: env,
		Analyzer:    router.NewAnalyzer(routing.Analyzer),
		Selector:    router.NewSelector(routing.Selector, budgeter, tracker, router.WithSelectorLogger(logger)),
		Executor:    executor,
		Sink:        sink,
		Metrics:     m,
		Bus:         bus,
		Logger:      logger,
	})

	entries, err := auth.ParseEntries(cfg.CallerTokens)
	if err != nil {
		return nil, fmt.Errorf("LLMPROXY_CALLER_TOKENS: %w", err)
	}
	adminToken, err := httpapi.NewAdminTokenHolder(cfg.AdminToken, cfg.ResolvedDataDir(), logger)
	if err != nil {
		return nil, err
	}

	var replay *idempotency.Cache
	if cfg.IdempotencyTTL > 0 {
		replay = idempotency.New(cfg.IdempotencyTTL, idempotency.DefaultEntries)
	}

	httpapi.MountRoutes(r, httpapi.Dependencies{
		Gateway:    s.gateway,
		Catalog:    cat,
		Tracker:    tracker,
		Metrics:    m,
		Store:      db,
		EventBus:   bus,
		Auth:       auth.NewAuthenticator(entries),
		AdminToken: adminToken,
		Throttle:   throttle.New(cfg.ThrottleRPS, cfg.ThrottleBurst, time.Second, throttle.WithCounter(m.ThrottledTotal)),

		Idempotency: replay,
	})

	return s, nil
}

func (s *Server) catalogSource(ctx context.Context) (catalog.Source, error) {
	switch s.cfg.CatalogSource {
	case CatalogFromFile:
		return catalog.FileSource{Path: s.cfg.CatalogFile}, nil
	case CatalogFromDefaults:
		return catalog.StaticSource(catalog.Defaults()), nil
	default:
		n, err := catalog.Seed(ctx, s.store, catalog.Defaults())
		if err != nil {
			return nil, fmt.Errorf("seed catalog: %w", err)
		}
		if n > 0 {
			s.logger.Info("seeded model catalog", slog.Int("models", n))
		}
		return catalog.StoreSource{Store: s.store}, nil
	}
}

func (s *Server) rateLimitStore(ctx context.Context) (ratelimit.Store, error) {
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	switch s.cfg.RateLimitBackend {
	case BackendRedis:
		s.redis = goredis.NewClient(&goredis.Options{
			Addr:     s.cfg.RedisAddr,
			Password: s.cfg.RedisPassword,
			DB:       s.cfg.RedisDB,
		})
		if err := s.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		s.logger.Info("rate limit state in redis", slog.String("addr", s.cfg.RedisAddr))
		return redisstore.New(s.redis, redisstore.WithTTL(s.cfg.RateLimitTTL)), nil
	case BackendPostgres:
		pool, err := pgxpool.New(ctx, s.cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres connect: %w", err)
		}
		s.pg = pool
		s.pgState = pgstore.New(pool, pgstore.WithTTL(s.cfg.RateLimitTTL))
		if err := s.pgState.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		s.logger.Info("rate limit state in postgres")
		return s.pgState, nil
	default:
		return ratelimit.NewMemoryStore(0, s.cfg.RateLimitTTL), nil
	}
}

// sinkOptions routes attempt batches through Temporal when it is enabled
// and reachable. Otherwise batches go straight to the store.
func (s *Server) sinkOptions(m *metrics.Registry, logger *slog.Logger) []temporal.SinkOption {
	opts := []temporal.SinkOption{
		temporal.WithSinkLogger(logger),
		temporal.WithOnDirect(m.AttemptLogDirect.Inc),
	}
	if !s.cfg.TemporalEnabled {
		return opts
	}
	mgr, err := temporal.New(temporal.Config{
		HostPort:  s.cfg.TemporalHostPort,
		Namespace: s.cfg.TemporalNamespace,
		TaskQueue: s.cfg.TemporalTaskQueue,
	}, temporal.NewActivities(s.store))
	if err != nil {
		logger.Warn("temporal unavailable, writing attempts directly", slog.String("error", err.Error()))
		return opts
	}
	if err := mgr.Start(); err != nil {
		mgr.Stop()
		logger.Warn("temporal worker failed to start, writing attempts directly", slog.String("error", err.Error()))
		return opts
	}
	s.temporal = mgr
	logger.Info("temporal workflow engine started",
		slog.String("host", s.cfg.TemporalHostPort),
		slog.String("task_queue", s.cfg.TemporalTaskQueue))
	breaker := circuitbreaker.New(circuitbreaker.WithOnStateChange(func(from, to circuitbreaker.State) {
		logger.Warn("temporal attempt log circuit", slog.String("from", from.String()), slog.String("to", to.String()))
	}))
	return append(opts,
		temporal.WithWorkflows(mgr.Client(), mgr.TaskQueue()),
		temporal.WithBreaker(breaker),
	)
}

func (s *Server) Router() http.Handler { return s.r }

// Start launches background maintenance: catalog refresh and attempt log
// retention. It returns immediately.
func (s *Server) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.catalog.Watch(ctx, s.cfg.CatalogRefresh)

	if s.temporal != nil && s.cfg.AttemptRetention > 0 {
		err := s.temporal.ScheduleRetention(ctx, temporal.RetentionInput{Retention: s.cfg.AttemptRetention})
		if err == nil {
			s.logger.Info("attempt retention scheduled", slog.String("schedule", temporal.RetentionSchedule))
			if s.pgState != nil {
				go s.pruneLoop(ctx, false)
			}
			return
		}
		s.logger.Warn("attempt retention schedule failed, pruning in process", slog.String("error", err.Error()))
	}
	go s.pruneLoop(ctx, s.cfg.AttemptRetention > 0)
}

func (s *Server) pruneLoop(ctx context.Context, attempts bool) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.prune(ctx, attempts)
		}
	}
}

func (s *Server) prune(ctx context.Context, attempts bool) {
	if attempts {
		n, err := s.store.PruneAttempts(ctx, time.Now().Add(-s.cfg.AttemptRetention))
		if err != nil {
			s.logger.Warn("attempt log prune failed", slog.String("error", err.Error()))
		} else if n > 0 {
			s.logger.Info("attempt log pruned", slog.Int64("rows", n))
		}
	}
	if s.pgState != nil {
		if _, err := s.pgState.Prune(ctx); err != nil {
			s.logger.Warn("rate limit state prune failed", slog.String("error", err.Error()))
		}
	}
}

// Reload re-reads operator credentials and the log level from the
// environment and refreshes the catalog. Malformed credential variables are
// skipped and reported; a catalog failure keeps the previous snapshot.
func (s *Server) Reload(ctx context.Context) error {
	env, envErr := credentials.FromEnv(s.lookup)
	s.gateway.SetEnvironment(env)
	if level, ok := s.lookup("LLMPROXY_LOG_LEVEL"); ok && level != "" {
		logging.SetLevel(level)
	}
	_, err := s.catalog.Refresh(ctx)
	s.logger.Info("configuration reloaded",
		slog.Int("credentials", len(env)),
		slog.Uint64("catalog_version", s.catalog.Snapshot().Version()))
	if envErr != nil {
		envErr = fmt.Errorf("environment credentials: %w", envErr)
	}
	return errors.Join(envErr, err)
}

func (s *Server) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.temporal != nil {
		s.temporal.Stop()
	}
	var errs []error
	if s.redis != nil {
		errs = append(errs, s.redis.Close())
	}
	if s.pg != nil {
		s.pg.Close()
	}
	if s.traceShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		errs = append(errs, s.traceShutdown(ctx))
		cancel()
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	return errors.Join(errs...)
}
