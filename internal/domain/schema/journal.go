package schema

import (
	"time"
)

// RecordKind classifies journal records.
type RecordKind string

const (
	RecordSignal   RecordKind = "signal"
	RecordOrder    RecordKind = "order"
	RecordFill     RecordKind = "fill"
	RecordPosition RecordKind = "position"
	RecordHalt     RecordKind = "halt"
	RecordRiskLog  RecordKind = "risk_log"
	RecordInstance RecordKind = "instance"
	RecordBalance  RecordKind = "balance"
)

// Record is one outbound journal entry. Exactly one payload field is set, matching Kind.
type Record struct {
	ID       string              `json:"id"`
	Kind     RecordKind          `json:"kind"`
	Project  string              `json:"project,omitempty"`
	Seq      uint64              `json:"seq"`
	Time     time.Time           `json:"time"`
	Signal   *Signal             `json:"signal,omitempty"`
	Order    *Order              `json:"order,omitempty"`
	Fill     *Fill               `json:"fill,omitempty"`
	Position *Position           `json:"position,omitempty"`
	Halt     *HaltEvent          `json:"halt,omitempty"`
	RiskLog  *RiskLogEntry       `json:"riskLog,omitempty"`
	Instance *InstanceStatus     `json:"instance,omitempty"`
	Balance  *BalanceTransaction `json:"balance,omitempty"`
}

// AggregateID identifies the entity the record describes.
func (r Record) AggregateID() string {
	switch {
	case r.Signal != nil:
		return r.Signal.ID
	case r.Order != nil:
		return r.Order.ID
	case r.Fill != nil:
		return r.Fill.ID
	case r.Position != nil:
		return r.Position.Key().String()
	case r.Halt != nil:
		return r.Halt.Project
	case r.RiskLog != nil:
		return r.RiskLog.ID
	case r.Instance != nil:
		return r.Instance.ID
	case r.Balance != nil:
		return r.Balance.ID
	}
	return r.ID
}

// SignalRecord wraps a signal state change.
func SignalRecord(sig Signal) Record {
	return Record{Kind: RecordSignal, Project: sig.Project, Time: sig.UpdatedAt, Signal: &sig}
}

// OrderRecord wraps an order state change.
func OrderRecord(order Order) Record {
	return Record{Kind: RecordOrder, Project: order.Project, Time: order.UpdatedAt, Order: &order}
}

// FillRecord wraps an applied fill.
func FillRecord(project string, fill Fill) Record {
	return Record{Kind: RecordFill, Project: project, Time: fill.Time, Fill: &fill}
}

// PositionSnapshot wraps a position after a change.
func PositionSnapshot(pos Position) Record {
	return Record{Kind: RecordPosition, Project: pos.Project, Time: pos.UpdatedAt, Position: &pos}
}

// HaltRecord wraps a halt or clear.
func HaltRecord(ev HaltEvent) Record {
	return Record{Kind: RecordHalt, Project: ev.Project, Time: ev.Time, Halt: &ev}
}

// RiskLogRecord wraps a risk log entry.
func RiskLogRecord(entry RiskLogEntry) Record {
	return Record{Kind: RecordRiskLog, Project: entry.Project, Time: entry.Time, RiskLog: &entry}
}

// InstanceRecord wraps a strategy instance status change.
func InstanceRecord(st InstanceStatus) Record {
	return Record{Kind: RecordInstance, Project: st.Project, Time: st.UpdatedAt, Instance: &st}
}

// BalanceRecord wraps a balance transaction.
func BalanceRecord(tx BalanceTransaction) Record {
	return Record{Kind: RecordBalance, Project: tx.Project, Time: tx.Time, Balance: &tx}
}
