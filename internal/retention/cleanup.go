// Package retention deletes event-log aggregates that have not changed
// within a configured window. The cleanup runs as a clustered agent so that
// only one node purges at a time.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/junban/internal/cluster"
	"github.com/ashita-ai/junban/internal/ctxutil"
	"github.com/ashita-ai/junban/internal/telemetry"
)

// AgentClass is the class component of the cleanup agent's type.
const AgentClass = "EventCleanupAgent"

// Store deletes aggregates (and, by cascade, their events) whose last change
// is older than cutoff.
type Store interface {
	DeleteAggregatesOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config controls the cleanup cadence and window.
type Config struct {
	// Account prefixes the agent type so the cleanup follows account sharding.
	Account  string
	MaxAge   time.Duration
	Interval time.Duration
	Timeout  time.Duration
}

// EventCleanupAgent is both the cluster.Agent and its cluster.Execution.
type EventCleanupAgent struct {
	store  Store
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	deleted  metric.Int64Counter
	duration metric.Float64Histogram
}

// NewEventCleanupAgent returns the cleanup agent. An empty Account defaults
// to "junban".
func NewEventCleanupAgent(store Store, cfg Config, logger *slog.Logger) *EventCleanupAgent {
	if cfg.Account == "" {
		cfg.Account = "junban"
	}
	meter := telemetry.Meter("junban/retention")
	deleted, _ := meter.Int64Counter("junban.retention.aggregates.deleted",
		metric.WithDescription("Aggregates removed by event cleanup"),
	)
	duration, _ := meter.Float64Histogram("junban.retention.duration",
		metric.WithDescription("Event cleanup run duration"),
		metric.WithUnit("s"),
	)
	return &EventCleanupAgent{
		store:    store,
		cfg:      cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		deleted:  deleted,
		duration: duration,
	}
}

func (a *EventCleanupAgent) AgentType() string {
	return cluster.AgentTypeParts{Account: a.cfg.Account, Class: AgentClass}.String()
}

func (a *EventCleanupAgent) ProviderName() string { return "retention" }

func (a *EventCleanupAgent) PollInterval() time.Duration    { return a.cfg.Interval }
func (a *EventCleanupAgent) TimeoutInterval() time.Duration { return a.cfg.Timeout }
func (a *EventCleanupAgent) ErrorInterval() time.Duration   { return a.cfg.Interval / 2 }

// Execute deletes every aggregate last changed before now - MaxAge.
func (a *EventCleanupAgent) Execute(ctx context.Context, _ cluster.Agent) error {
	start := time.Now()
	cutoff := a.now().Add(-a.cfg.MaxAge)
	n, err := a.store.DeleteAggregatesOlderThan(ctx, cutoff)
	a.duration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("retention: delete before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	a.deleted.Add(ctx, n)
	if n > 0 {
		a.logger.Info("retention: deleted aggregates",
			"deleted", n,
			"cutoff", cutoff,
			"node_id", ctxutil.NodeIDFromContext(ctx),
		)
	} else {
		a.logger.Debug("retention: nothing to delete", "cutoff", cutoff)
	}
	return nil
}

var (
	_ cluster.CustomScheduledAgent = (*EventCleanupAgent)(nil)
	_ cluster.Execution            = (*EventCleanupAgent)(nil)
)
