// Package junban is the public API for embedding a junban node: a clustered
// agent scheduler plus an event-sourced saga engine sharing one row store.
//
//	app, err := junban.New(
//	    junban.WithVersion(version),
//	    junban.WithLogger(logger),
//	    junban.WithAgent(myAgent, myExecution),
//	    junban.WithSagaHandler("deploy", myHandler),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The root package imports internal/*, never the reverse. Types consumers
// need are re-exported as aliases in types.go.
package junban

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/junban/internal/cluster"
	"github.com/ashita-ai/junban/internal/config"
	"github.com/ashita-ai/junban/internal/eventlog"
	"github.com/ashita-ai/junban/internal/notify"
	"github.com/ashita-ai/junban/internal/retention"
	"github.com/ashita-ai/junban/internal/saga"
	"github.com/ashita-ai/junban/internal/storage"
	"github.com/ashita-ai/junban/internal/storage/memory"
	"github.com/ashita-ai/junban/internal/storage/sqlite"
	"github.com/ashita-ai/junban/internal/telemetry"
	"github.com/ashita-ai/junban/migrations"
)

// rowStore is everything the node needs from its backend. storage.DB,
// sqlite.Store and memory.Store all satisfy it.
type rowStore interface {
	cluster.LockStore
	cluster.NodeStore
	eventlog.Store
	retention.Store
}

// App is a junban node. Construct with New, run with Run.
type App struct {
	cfg     config.Config
	logger  *slog.Logger
	version string

	store      rowStore
	closeStore func(context.Context)
	db         *storage.DB // nil unless the postgres store is selected

	dynamic   *config.Dynamic
	watcher   *config.Watcher // nil when no dynamic config file is set
	identity  cluster.NodeIdentity
	registry  *cluster.Registry
	executor  *cluster.PoolExecutor
	scheduler *cluster.Scheduler

	events *eventlog.Repository
	sagas  *saga.Service
	broker *notify.Broker // nil without a notify connection

	otelShutdown telemetry.Shutdown
	shutdownOnce sync.Once
	shutdownErr  error
}

// New loads configuration, opens the row store (running migrations for
// Postgres) and wires every subsystem. It starts no goroutines; call Run.
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := loadConfig(o)
	if err != nil {
		return nil, err
	}
	version := o.version
	if version == "" {
		version = cfg.ServiceVersion
	}
	identity := cluster.NewNodeIdentity(cfg.NodeID)

	logger.Info("junban starting", "version", version, "node_id", identity.NodeID(), "store", cfg.Store)

	ctx := context.Background()
	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:       cfg.OTELEndpoint,
		Insecure:       cfg.OTELInsecure,
		ServiceName:    cfg.ServiceName,
		ServiceVersion: version,
		NodeID:         identity.NodeID(),
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	store, db, closeStore, err := openStore(ctx, cfg, o, logger)
	if err != nil {
		_ = otelShutdown(ctx)
		return nil, err
	}

	a := &App{
		cfg:          cfg,
		logger:       logger,
		version:      version,
		store:        store,
		closeStore:   closeStore,
		db:           db,
		identity:     identity,
		otelShutdown: otelShutdown,
	}
	if err := a.wire(o); err != nil {
		closeStore(ctx)
		_ = otelShutdown(ctx)
		return nil, err
	}
	return a, nil
}

func loadConfig(o resolvedOptions) (config.Config, error) {
	var cfg config.Config
	if o.config != nil {
		cfg = *o.config
	} else {
		// Load .env file if present (non-fatal; production won't have one).
		_ = godotenv.Load()
		loaded, err := config.Load()
		if err != nil {
			return config.Config{}, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	if o.store != "" {
		cfg.Store = o.store
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	if o.nodeID != "" {
		cfg.NodeID = o.nodeID
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func openStore(ctx context.Context, cfg config.Config, o resolvedOptions, logger *slog.Logger) (rowStore, *storage.DB, func(context.Context), error) {
	switch cfg.Store {
	case config.StorePostgres:
		db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("storage: %w", err)
		}
		applied, err := db.RunMigrations(ctx, migrations.FS)
		if err != nil {
			db.Close(ctx)
			return nil, nil, nil, fmt.Errorf("migrations: %w", err)
		}
		for i, extra := range o.extraMigrations {
			more, err := db.RunMigrations(ctx, extra)
			if err != nil {
				db.Close(ctx)
				return nil, nil, nil, fmt.Errorf("extra migrations[%d]: %w", i, err)
			}
			applied = append(applied, more...)
		}
		if len(applied) > 0 {
			logger.Info("storage: applied migrations", "migrations", applied)
		}
		return db, db, db.Close, nil

	case config.StoreSQLite:
		s, err := sqlite.Open(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("sqlite: %w", err)
		}
		return s, nil, func(context.Context) {
			if err := s.Close(); err != nil {
				logger.Warn("sqlite: close", "error", err)
			}
		}, nil

	default:
		var policy memory.EvictionPolicy = memory.NoEviction{}
		if cfg.EventCleanupEnabled {
			policy = memory.MaxAgePolicy{MaxAge: cfg.EventMaxAge}
		}
		return memory.New(memory.WithEvictionPolicy(policy)), nil, func(context.Context) {}, nil
	}
}

func (a *App) wire(o resolvedOptions) error {
	cfg := a.cfg

	a.dynamic = config.NewDynamic(cfg.Dynamic)
	if cfg.DynamicConfigFile != "" {
		a.watcher = config.NewWatcher(cfg.DynamicConfigFile, cfg.DynamicReloadInterval, a.dynamic, a.logger)
	}

	a.registry = cluster.NewRegistry(a.store, a.identity, cluster.RegistryConfig{
		Interval:   cfg.HeartbeatInterval,
		TTL:        cfg.ReplicaTTL,
		Version:    a.version,
		ShardRegex: a.dynamic,
	}, a.logger)

	a.executor = cluster.NewPoolExecutor(cfg.ExecutorPoolSize)
	a.scheduler = cluster.NewScheduler(
		a.store,
		a.identity,
		cluster.NewDefaultIntervalProvider(cfg.AgentPollInterval, cfg.AgentErrorInterval, cfg.AgentTimeout),
		a.registry,
		a.dynamic,
		cluster.NewAccountShardFilter(a.dynamic, a.logger),
		a.executor,
		a.logger,
		cluster.WithEnabledAgentPattern(cfg.EnabledAgentPattern),
		cluster.WithLockAcquisitionInterval(cfg.LockAcquisitionInterval),
	)

	instr := cluster.NewOTelInstrumentation(a.logger)
	if cfg.EventCleanupEnabled {
		cleanup := retention.NewEventCleanupAgent(a.store, retention.Config{
			MaxAge:   cfg.EventMaxAge,
			Interval: cfg.EventCleanupInterval,
			Timeout:  cfg.EventCleanupTimeout,
		}, a.logger)
		a.scheduler.Schedule(cleanup, cleanup, instr)
	}
	for _, ag := range o.agents {
		a.scheduler.Schedule(ag.agent, ag.exec, instr)
	}

	codec := eventlog.NewCodec()
	for _, ev := range o.events {
		codec.Register(ev.name, ev.factory)
	}
	a.events = eventlog.NewRepository(a.store, codec, a.logger, eventlog.WithServiceVersion(a.version))

	provider := saga.NewProvider()
	for _, h := range o.handlers {
		if err := provider.Register(h.saga, h.handler); err != nil {
			return err
		}
	}
	a.sagas = saga.NewService(a.events, provider, a.logger)
	for name, h := range o.completionHandlers {
		a.sagas.RegisterCompletionHandler(name, h)
	}

	if a.db != nil && cfg.NotifyURL != "" {
		a.broker = notify.NewBroker(a.db, storage.ChannelEvents, a.logger)
	}
	return nil
}

// Sagas returns the saga service for saving sagas and submitting events.
func (a *App) Sagas() *SagaService { return a.sagas }

// NodeID returns this node's identity in the cluster.
func (a *App) NodeID() string { return a.identity.NodeID() }

// Notifications subscribes to committed appends from every node. ok is false
// when no notify connection is configured. Call cancel when done.
func (a *App) Notifications() (ch <-chan Notification, cancel func(), ok bool) {
	if a.broker == nil {
		return nil, func() {}, false
	}
	sub := a.broker.Subscribe()
	return sub, func() { a.broker.Unsubscribe(sub) }, true
}

// Run starts the heartbeat, dynamic config watcher, scheduler and
// notification broker, then blocks until ctx is cancelled. Shutdown runs on
// return; callers should not call it separately.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	a.registry.Start(gctx)
	if a.watcher != nil {
		a.watcher.Start(gctx)
	}
	a.scheduler.Start(gctx)
	if a.broker != nil {
		g.Go(func() error {
			if err := a.broker.Start(gctx); err != nil {
				a.logger.Warn("notify: broker disabled", "error", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	a.logger.Info("junban running",
		"node_id", a.identity.NodeID(),
		"agents", len(a.scheduler.Scheduled()),
	)
	runErr := g.Wait()
	return errors.Join(runErr, a.Shutdown(context.Background()))
}

// Shutdown drains the scheduler (letting running agents finish within the
// drain timeout), stops the watcher and heartbeat, then closes the store and
// telemetry. It is safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownOnce.Do(func() {
		a.logger.Info("junban shutting down")

		drainCtx, cancel := contextWithOptionalTimeout(ctx, a.cfg.DrainTimeout)
		a.scheduler.Drain(drainCtx)
		if err := a.executor.Wait(drainCtx); err != nil {
			a.logger.Error("scheduler drain incomplete, agents still running",
				"error", err,
				"active", a.scheduler.Active(),
				"configured_timeout", a.cfg.DrainTimeout,
			)
			a.shutdownErr = fmt.Errorf("scheduler drain: %w", err)
		}
		cancel()

		if a.watcher != nil {
			a.watcher.Drain(ctx)
		}
		a.registry.Drain(ctx)

		_ = a.otelShutdown(context.Background())
		a.closeStore(context.Background())
		a.logger.Info("junban stopped")
	})
	return a.shutdownErr
}

func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
