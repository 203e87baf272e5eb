package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys for quantflow telemetry, following namespace.attribute_name.
const (
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrProject identifies the owning project.
	AttrProject = attribute.Key("project")
	// AttrInstrument captures the tradable instrument symbol (e.g. BTC-USDT).
	AttrInstrument = attribute.Key("instrument")
	AttrStrategy   = attribute.Key("strategy")
	AttrExecutor   = attribute.Key("executor")
	// AttrSignalState records the signal lifecycle state reached.
	AttrSignalState = attribute.Key("signal.state")
	// AttrOrderState captures the order lifecycle state reached.
	AttrOrderState = attribute.Key("order.state")
	AttrOrderSide  = attribute.Key("order.side")
	// AttrDecision is approved or rejected for risk evaluations.
	AttrDecision = attribute.Key("risk.decision")
	// AttrReason carries the machine-readable reason code.
	AttrReason = attribute.Key("reason")
	// AttrResult records the outcome of an operation (success, error class, etc.).
	AttrResult = attribute.Key("result")
	// AttrConnectionState labels connection lifecycle signals (connected, reconnecting, ...).
	AttrConnectionState = attribute.Key("connection.state")
	// AttrPoolName labels database pool metrics.
	AttrPoolName = attribute.Key("pool.name")
	// AttrEventType labels event bus traffic.
	AttrEventType = attribute.Key("event.type")
)

// ProjectAttributes returns common attributes for per-project metrics.
func ProjectAttributes(project, instrument string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrProject.String(project),
	}
	if instrument != "" {
		attrs = append(attrs, AttrInstrument.String(instrument))
	}
	return attrs
}

// ExecutorAttributes returns attributes for executor metrics.
func ExecutorAttributes(executor, result string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrExecutor.String(executor),
	}
	if result != "" {
		attrs = append(attrs, AttrResult.String(result))
	}
	return attrs
}

// ConnectionAttributes returns attributes for connection state metrics.
func ConnectionAttributes(instrument, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrInstrument.String(instrument),
		AttrConnectionState.String(state),
	}
}
