// Package errs provides structured error types and helpers for quantflow services.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies a broad error category.
type Code string

const (
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeConflict indicates a concurrent mutation conflict or a forbidden overlap.
	CodeConflict Code = "conflict"
	// CodeRejected indicates that a signal or order was refused by a gate.
	CodeRejected Code = "rejected"
	// CodeTimeout indicates an operation exceeded its time budget.
	CodeTimeout Code = "timeout"
	// CodeNetwork indicates a network transport failure.
	CodeNetwork Code = "network"
	// CodeVenue indicates a failure reported by an execution venue.
	CodeVenue Code = "venue_error"
	// CodeUnavailable indicates the service is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
	// CodeInternal indicates a programming or runtime fault.
	CodeInternal Code = "internal"
)

// Reason is the machine-readable reason code recorded on signals, orders and risk logs.
type Reason string

const (
	ReasonNone                     Reason = ""
	ReasonDataSourceDisconnected   Reason = "datasource_disconnected"
	ReasonStrategyRuntime          Reason = "strategy_runtime_error"
	ReasonStrategyTimeout          Reason = "strategy_timeout"
	ReasonSignalConflict           Reason = "signal_conflict"
	ReasonSignalExpired            Reason = "signal_expired"
	ReasonRiskLimitExceeded        Reason = "risk_limit_exceeded"
	ReasonInstrumentNotAllowed     Reason = "instrument_not_allowed"
	ReasonPositionLimit            Reason = "position_limit"
	ReasonNotionalLimit            Reason = "notional_limit"
	ReasonOpenOrdersLimit          Reason = "open_orders_limit"
	ReasonRiskHalt                 Reason = "risk_halt"
	ReasonProjectDisabled          Reason = "project_disabled"
	ReasonExecutorSubmissionFailed Reason = "executor_submission_failed"
	ReasonOrderRejected            Reason = "order_rejected"
	ReasonManualReject             Reason = "manual_reject"
	ReasonStopLoss                 Reason = "stop_loss"
	ReasonTakeProfit               Reason = "take_profit"
	ReasonEmergencyLoss            Reason = "emergency_loss"
	ReasonFlatten                  Reason = "flatten"
)

// IsRiskLimit reports whether the reason belongs to the risk limit family.
func (r Reason) IsRiskLimit() bool {
	switch r {
	case ReasonRiskLimitExceeded, ReasonInstrumentNotAllowed, ReasonPositionLimit,
		ReasonNotionalLimit, ReasonOpenOrdersLimit:
		return true
	default:
		return false
	}
}

// E captures structured error information produced across the pipeline.
type E struct {
	Entity      string
	EntityID    string
	Code        Code
	Reason      Reason
	Message     string
	Remediation string
	Fields      map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope attributed to the given entity kind
// (strategy, signal, order, executor, datasource, project).
func New(entity string, code Code, opts ...Option) *E {
	e := &E{
		Entity: strings.TrimSpace(entity),
		Code:   code,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithRemediation attaches remediation guidance to the error.
func WithRemediation(remediation string) Option {
	trimmed := strings.TrimSpace(remediation)
	return func(e *E) {
		e.Remediation = trimmed
	}
}

// WithEntityID attributes the error to a concrete entity instance.
func WithEntityID(id string) Option {
	trimmed := strings.TrimSpace(id)
	return func(e *E) {
		e.EntityID = trimmed
	}
}

// WithReason sets the machine-readable reason code.
func WithReason(reason Reason) Option {
	return func(e *E) {
		e.Reason = reason
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithField appends a single key/value pair of context.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Fields == nil {
			e.Fields = make(map[string]string, 1)
		}
		e.Fields[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	entity := e.Entity
	if entity == "" {
		entity = "unknown"
	}
	parts = append(parts, "entity="+entity)
	if e.EntityID != "" {
		parts = append(parts, "id="+strconv.Quote(e.EntityID))
	}

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Reason != ReasonNone {
		parts = append(parts, "reason="+string(e.Reason))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.Remediation != "" {
		parts = append(parts, "remediation="+strconv.Quote(e.Remediation))
	}
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Fields[k]))
		}
		parts = append(parts, "fields="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Is matches envelopes by code and reason so sentinel envelopes work with errors.Is.
func (e *E) Is(target error) bool {
	var other *E
	if !errors.As(target, &other) || other == nil {
		return false
	}
	if other.Code != "" && other.Code != e.Code {
		return false
	}
	if other.Reason != ReasonNone && other.Reason != e.Reason {
		return false
	}
	return other.Code != "" || other.Reason != ReasonNone
}

// ReasonOf extracts the reason code from the first envelope in err's chain.
func ReasonOf(err error) Reason {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Reason
	}
	return ReasonNone
}

// CodeOf extracts the error category from the first envelope in err's chain.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return ""
}
