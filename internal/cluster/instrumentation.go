package cluster

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/junban/internal/telemetry"
)

// Instrumentation observes agent executions.
type Instrumentation interface {
	ExecutionStarted(agent Agent)
	ExecutionCompleted(agent Agent, elapsed time.Duration)
	ExecutionFailed(agent Agent, err error, elapsed time.Duration)
}

// Instrumentations fans out to several Instrumentation values in order.
type Instrumentations []Instrumentation

func (is Instrumentations) ExecutionStarted(agent Agent) {
	for _, i := range is {
		i.ExecutionStarted(agent)
	}
}

func (is Instrumentations) ExecutionCompleted(agent Agent, elapsed time.Duration) {
	for _, i := range is {
		i.ExecutionCompleted(agent, elapsed)
	}
}

func (is Instrumentations) ExecutionFailed(agent Agent, err error, elapsed time.Duration) {
	for _, i := range is {
		i.ExecutionFailed(agent, err, elapsed)
	}
}

// OTelInstrumentation logs executions and records an outcome counter and a
// duration histogram.
type OTelInstrumentation struct {
	logger   *slog.Logger
	runs     metric.Int64Counter
	duration metric.Float64Histogram
}

// NewOTelInstrumentation creates instruments on the cluster meter.
func NewOTelInstrumentation(logger *slog.Logger) *OTelInstrumentation {
	meter := telemetry.Meter("junban/cluster")
	runs, _ := meter.Int64Counter("junban.agent.executions",
		metric.WithDescription("Agent executions by outcome"),
	)
	duration, _ := meter.Float64Histogram("junban.agent.execution.duration",
		metric.WithDescription("Agent execution wall time"),
		metric.WithUnit("s"),
	)
	return &OTelInstrumentation{logger: logger, runs: runs, duration: duration}
}

func (o *OTelInstrumentation) ExecutionStarted(agent Agent) {
	o.logger.Debug("agent: execution started", "agent", agent.AgentType())
}

func (o *OTelInstrumentation) ExecutionCompleted(agent Agent, elapsed time.Duration) {
	o.record(agent, "success", elapsed)
	o.logger.Debug("agent: execution completed", "agent", agent.AgentType(), "elapsed", elapsed)
}

func (o *OTelInstrumentation) ExecutionFailed(agent Agent, err error, elapsed time.Duration) {
	o.record(agent, "failure", elapsed)
	o.logger.Warn("agent: execution failed", "agent", agent.AgentType(), "elapsed", elapsed, "error", err)
}

func (o *OTelInstrumentation) record(agent Agent, outcome string, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("provider", agent.ProviderName()),
		attribute.String("account", AccountOf(agent.AgentType())),
		attribute.String("outcome", outcome),
	)
	ctx := context.Background()
	o.runs.Add(ctx, 1, attrs)
	o.duration.Record(ctx, elapsed.Seconds(), attrs)
}
