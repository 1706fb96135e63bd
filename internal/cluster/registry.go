package cluster

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/junban/internal/model"
	"github.com/ashita-ai/junban/internal/telemetry"
)

// NodeStore persists heartbeat rows.
type NodeStore interface {
	Heartbeat(ctx context.Context, hb model.NodeHeartbeat) error
	ListLiveNodes(ctx context.Context, ttl time.Duration) ([]string, error)
	ReapStaleNodes(ctx context.Context, ttl time.Duration) (int64, error)
}

// RegistryConfig holds heartbeat timing and the values advertised in this
// node's row.
type RegistryConfig struct {
	Interval time.Duration
	TTL      time.Duration
	Version  string
	// ShardRegex, if set, is advertised in the heartbeat row for operators.
	ShardRegex ShardRegexSource
}

// Registry keeps this node's heartbeat fresh, reaps dead members and
// reports node liveness to the scheduler. A node whose last successful
// heartbeat is older than the TTL considers itself disabled: if it cannot
// reach the store, it should not be claiming leases in it either.
type Registry struct {
	store    NodeStore
	identity NodeIdentity
	cfg      RegistryConfig
	logger   *slog.Logger
	now      func() time.Time

	startedAt time.Time
	lastOK    atomic.Int64 // unix nanos of last successful heartbeat
	liveCount atomic.Int64

	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}
	once       sync.Once
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryClock overrides the time source (tests).
func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates a heartbeat registry.
func NewRegistry(store NodeStore, identity NodeIdentity, cfg RegistryConfig, logger *slog.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		store:    store,
		identity: identity,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.startedAt = r.now().UTC()
	return r
}

// Heartbeat refreshes this node's row, then reaps stale rows and refreshes
// the live-node count. Only the heartbeat write decides liveness; reap and
// count failures are logged.
func (r *Registry) Heartbeat(ctx context.Context) error {
	hb := model.NodeHeartbeat{
		NodeID:    r.identity.NodeID(),
		StartedAt: r.startedAt,
		Version:   r.cfg.Version,
	}
	if r.cfg.ShardRegex != nil {
		hb.ShardRegex = r.cfg.ShardRegex.AccountShardRegex()
	}
	if err := r.store.Heartbeat(ctx, hb); err != nil {
		return err
	}
	r.lastOK.Store(r.now().UnixNano())

	if n, err := r.store.ReapStaleNodes(ctx, r.cfg.TTL); err != nil {
		r.logger.Warn("registry: reap stale nodes failed", "error", err)
	} else if n > 0 {
		r.logger.Info("registry: reaped stale nodes", "count", n)
	}
	if live, err := r.store.ListLiveNodes(ctx, r.cfg.TTL); err != nil {
		r.logger.Warn("registry: list live nodes failed", "error", err)
	} else {
		r.liveCount.Store(int64(len(live)))
	}
	return nil
}

// IsNodeEnabled reports whether the last successful heartbeat is within the TTL.
func (r *Registry) IsNodeEnabled() bool {
	last := r.lastOK.Load()
	if last == 0 {
		return false
	}
	return r.now().Sub(time.Unix(0, last)) <= r.cfg.TTL
}

// LiveNodes returns the IDs of nodes seen within the TTL.
func (r *Registry) LiveNodes(ctx context.Context) ([]string, error) {
	return r.store.ListLiveNodes(ctx, r.cfg.TTL)
}

// Start sends a first heartbeat synchronously, so the node is enabled as soon
// as Start returns if the store is reachable, then heartbeats on an interval.
// It is safe to call only once; subsequent calls are no-ops.
func (r *Registry) Start(ctx context.Context) {
	if !r.started.CompareAndSwap(false, true) {
		r.logger.Warn("registry: Start called more than once, ignoring")
		return
	}
	r.registerMetrics()
	r.beat(ctx)
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancelLoop = cancel
	go r.loop(loopCtx)
}

// Drain stops the heartbeat loop and waits for it to exit or ctx to expire.
// The row is left to expire; peers reap it after the TTL.
func (r *Registry) Drain(ctx context.Context) {
	if !r.started.Load() {
		return
	}
	r.cancelLoop()
	select {
	case <-r.done:
	case <-ctx.Done():
		r.logger.Warn("registry: drain timed out")
	}
}

func (r *Registry) loop(ctx context.Context) {
	defer r.once.Do(func() { close(r.done) })
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.beat(ctx)
		}
	}
}

func (r *Registry) beat(ctx context.Context) {
	hbCtx, cancel := context.WithTimeout(ctx, r.cfg.Interval)
	defer cancel()
	if err := r.Heartbeat(hbCtx); err != nil {
		r.logger.Error("registry: heartbeat failed",
			"node_id", r.identity.NodeID(),
			"enabled", r.IsNodeEnabled(),
			"error", err,
		)
	}
}

func (r *Registry) registerMetrics() {
	meter := telemetry.Meter("junban/cluster")
	_, err := meter.Int64ObservableGauge("junban.cluster.live_nodes",
		metric.WithDescription("Cluster members with a heartbeat inside the TTL"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(r.liveCount.Load())
			return nil
		}),
	)
	if err != nil {
		r.logger.Warn("registry: failed to register live node gauge", "error", err)
	}
}
