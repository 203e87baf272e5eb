package schema

import (
	"time"

	"github.com/coachpo/quantflow/errs"
)

// InstanceState is the lifecycle state of a strategy instance.
type InstanceState string

const (
	InstanceStopped  InstanceState = "STOPPED"
	InstanceStarting InstanceState = "STARTING"
	InstanceRunning  InstanceState = "RUNNING"
	InstanceStopping InstanceState = "STOPPING"
	InstanceFailed   InstanceState = "FAILED"
)

// InstanceStatus is the externally visible view of a strategy instance.
type InstanceStatus struct {
	ID          string         `json:"id"`
	Project     string         `json:"project"`
	Strategy    string         `json:"strategy"`
	Instruments []string       `json:"instruments"`
	Params      map[string]any `json:"params,omitempty"`
	State       InstanceState  `json:"state"`
	LastError   string         `json:"lastError,omitempty"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// HaltEvent announces a project entering or leaving risk halt.
type HaltEvent struct {
	Project string      `json:"project"`
	Halted  bool        `json:"halted"`
	Reason  errs.Reason `json:"reason,omitempty"`
	Detail  string      `json:"detail,omitempty"`
	Time    time.Time   `json:"time"`
}

// RiskLogType distinguishes gate rejections from monitor actions.
type RiskLogType string

const (
	// RiskLogSignal records a pre-trade gate decision.
	RiskLogSignal RiskLogType = "signal"
	// RiskLogActive records an action taken by the position monitor.
	RiskLogActive RiskLogType = "active"
)

// RiskLogEntry is an auditable risk decision.
type RiskLogEntry struct {
	ID           string      `json:"id"`
	Project      string      `json:"project"`
	Instrument   string      `json:"instrument"`
	Type         RiskLogType `json:"type"`
	Reason       errs.Reason `json:"reason"`
	SignalID     string      `json:"signalId,omitempty"`
	LimitVersion uint64      `json:"limitVersion"`
	Detail       string      `json:"detail,omitempty"`
	Time         time.Time   `json:"time"`
}
