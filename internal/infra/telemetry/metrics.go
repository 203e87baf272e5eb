package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Instrument names.
const (
	MetricSignalTransitions      = "pipeline.signal.transitions"
	MetricSignalConfirmLatency   = "pipeline.signal.confirm_latency"
	MetricRiskDecisions          = "pipeline.risk.decisions"
	MetricRiskHalts              = "pipeline.risk.halts"
	MetricOrderTransitions       = "pipeline.order.transitions"
	MetricFills                  = "pipeline.fills"
	MetricExecutorSubmitDuration = "pipeline.executor.submit.duration"
	MetricExecutorQueries        = "pipeline.executor.status_queries"
	MetricStrategyCallDuration   = "pipeline.strategy.call.duration"
	MetricStrategyFailures       = "pipeline.strategy.failures"
	MetricStrategiesRunning      = "pipeline.strategy.running"
	MetricDataSourceReconnects   = "pipeline.datasource.reconnects"
	MetricDataSourceDropped      = "pipeline.datasource.dropped"
)

// Metrics bundles the pipeline's instruments. A nil *Metrics records nothing.
type Metrics struct {
	signalTransitions metric.Int64Counter
	confirmLatency    metric.Float64Histogram
	riskDecisions     metric.Int64Counter
	riskHalts         metric.Int64Counter
	orderTransitions  metric.Int64Counter
	fills             metric.Int64Counter
	submitDuration    metric.Float64Histogram
	statusQueries     metric.Int64Counter
	callDuration      metric.Float64Histogram
	strategyFailures  metric.Int64Counter
	strategiesRunning metric.Int64UpDownCounter
	reconnects        metric.Int64Counter
	dropped           metric.Int64Counter
}

// NewMetrics creates the pipeline instruments on meter, falling back to the global meter when nil.
func NewMetrics(meter metric.Meter) *Metrics {
	if meter == nil {
		meter = otel.Meter("quantflow.pipeline")
	}
	m := &Metrics{}
	m.signalTransitions, _ = meter.Int64Counter(MetricSignalTransitions,
		metric.WithDescription("Signal state transitions"),
		metric.WithUnit("{transition}"))
	m.confirmLatency, _ = meter.Float64Histogram(MetricSignalConfirmLatency,
		metric.WithDescription("Time from signal creation to resolution"),
		metric.WithUnit("ms"))
	m.riskDecisions, _ = meter.Int64Counter(MetricRiskDecisions,
		metric.WithDescription("Risk gate evaluations by decision and reason"),
		metric.WithUnit("{evaluation}"))
	m.riskHalts, _ = meter.Int64Counter(MetricRiskHalts,
		metric.WithDescription("Project risk halts raised"),
		metric.WithUnit("{halt}"))
	m.orderTransitions, _ = meter.Int64Counter(MetricOrderTransitions,
		metric.WithDescription("Order state transitions"),
		metric.WithUnit("{transition}"))
	m.fills, _ = meter.Int64Counter(MetricFills,
		metric.WithDescription("Fills applied to the ledger"),
		metric.WithUnit("{fill}"))
	m.submitDuration, _ = meter.Float64Histogram(MetricExecutorSubmitDuration,
		metric.WithDescription("Executor submit round trip"),
		metric.WithUnit("ms"))
	m.statusQueries, _ = meter.Int64Counter(MetricExecutorQueries,
		metric.WithDescription("Order status queries issued after uncertain submissions"),
		metric.WithUnit("{query}"))
	m.callDuration, _ = meter.Float64Histogram(MetricStrategyCallDuration,
		metric.WithDescription("Strategy event callback duration"),
		metric.WithUnit("ms"))
	m.strategyFailures, _ = meter.Int64Counter(MetricStrategyFailures,
		metric.WithDescription("Strategy instances transitioned to failed"),
		metric.WithUnit("{failure}"))
	m.strategiesRunning, _ = meter.Int64UpDownCounter(MetricStrategiesRunning,
		metric.WithDescription("Strategy instances currently running"),
		metric.WithUnit("{instance}"))
	m.reconnects, _ = meter.Int64Counter(MetricDataSourceReconnects,
		metric.WithDescription("Market data reconnect attempts"),
		metric.WithUnit("{attempt}"))
	m.dropped, _ = meter.Int64Counter(MetricDataSourceDropped,
		metric.WithDescription("Market events dropped as duplicate or out of order"),
		metric.WithUnit("{event}"))
	return m
}

// SignalTransition records a signal entering state.
func (m *Metrics) SignalTransition(ctx context.Context, project, instrument, state, reason string) {
	if m == nil || m.signalTransitions == nil {
		return
	}
	attrs := append(ProjectAttributes(project, instrument), AttrSignalState.String(state))
	if reason != "" {
		attrs = append(attrs, AttrReason.String(reason))
	}
	m.signalTransitions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// SignalResolved records how long a signal waited before leaving Pending.
func (m *Metrics) SignalResolved(ctx context.Context, project, state string, waited time.Duration) {
	if m == nil || m.confirmLatency == nil {
		return
	}
	attrs := append(ProjectAttributes(project, ""), AttrSignalState.String(state))
	m.confirmLatency.Record(ctx, float64(waited.Microseconds())/1000, metric.WithAttributes(attrs...))
}

// RiskDecision records a gate evaluation outcome.
func (m *Metrics) RiskDecision(ctx context.Context, project, instrument string, approved bool, reason string) {
	if m == nil || m.riskDecisions == nil {
		return
	}
	decision := "approved"
	if !approved {
		decision = "rejected"
	}
	attrs := append(ProjectAttributes(project, instrument), AttrDecision.String(decision))
	if reason != "" {
		attrs = append(attrs, AttrReason.String(reason))
	}
	m.riskDecisions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RiskHalt records a project halt.
func (m *Metrics) RiskHalt(ctx context.Context, project, reason string) {
	if m == nil || m.riskHalts == nil {
		return
	}
	attrs := append(ProjectAttributes(project, ""), AttrReason.String(reason))
	m.riskHalts.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// OrderTransition records an order entering state.
func (m *Metrics) OrderTransition(ctx context.Context, executor, state, reason string) {
	if m == nil || m.orderTransitions == nil {
		return
	}
	attrs := append(ExecutorAttributes(executor, ""), AttrOrderState.String(state))
	if reason != "" {
		attrs = append(attrs, AttrReason.String(reason))
	}
	m.orderTransitions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// Fill records a fill applied to the ledger.
func (m *Metrics) Fill(ctx context.Context, project, instrument, side string) {
	if m == nil || m.fills == nil {
		return
	}
	attrs := append(ProjectAttributes(project, instrument), AttrOrderSide.String(side))
	m.fills.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// SubmitDuration records an executor submit round trip.
func (m *Metrics) SubmitDuration(ctx context.Context, executor, result string, took time.Duration) {
	if m == nil || m.submitDuration == nil {
		return
	}
	m.submitDuration.Record(ctx, float64(took.Microseconds())/1000, metric.WithAttributes(ExecutorAttributes(executor, result)...))
}

// StatusQuery records a reconciliation status query.
func (m *Metrics) StatusQuery(ctx context.Context, executor, result string) {
	if m == nil || m.statusQueries == nil {
		return
	}
	m.statusQueries.Add(ctx, 1, metric.WithAttributes(ExecutorAttributes(executor, result)...))
}

// StrategyCall records one strategy callback.
func (m *Metrics) StrategyCall(ctx context.Context, strategy string, took time.Duration) {
	if m == nil || m.callDuration == nil {
		return
	}
	m.callDuration.Record(ctx, float64(took.Microseconds())/1000,
		metric.WithAttributes(AttrEnvironment.String(Environment()), AttrStrategy.String(strategy)))
}

// StrategyFailed records an instance entering Failed.
func (m *Metrics) StrategyFailed(ctx context.Context, strategy, reason string) {
	if m == nil || m.strategyFailures == nil {
		return
	}
	m.strategyFailures.Add(ctx, 1, metric.WithAttributes(
		AttrEnvironment.String(Environment()), AttrStrategy.String(strategy), AttrReason.String(reason)))
}

// StrategyRunning adjusts the running instance gauge by delta.
func (m *Metrics) StrategyRunning(ctx context.Context, strategy string, delta int64) {
	if m == nil || m.strategiesRunning == nil {
		return
	}
	m.strategiesRunning.Add(ctx, delta, metric.WithAttributes(
		AttrEnvironment.String(Environment()), AttrStrategy.String(strategy)))
}

// Reconnect records a datasource reconnect attempt.
func (m *Metrics) Reconnect(ctx context.Context, instrument, state string) {
	if m == nil || m.reconnects == nil {
		return
	}
	m.reconnects.Add(ctx, 1, metric.WithAttributes(ConnectionAttributes(instrument, state)...))
}

// Dropped records a market event discarded by the sequencer.
func (m *Metrics) Dropped(ctx context.Context, instrument string) {
	if m == nil || m.dropped == nil {
		return
	}
	m.dropped.Add(ctx, 1, metric.WithAttributes(
		AttrEnvironment.String(Environment()), AttrInstrument.String(instrument)))
}
