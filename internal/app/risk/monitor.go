package risk

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/coachpo/quantflow/errs"
	"github.com/coachpo/quantflow/internal/domain/schema"
	"github.com/coachpo/quantflow/lib/schedule"
)

// RunMonitor scans open positions on every interval until ctx ends.
func (m *Manager) RunMonitor(ctx context.Context, sched *schedule.Scheduler, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	sched.Every(ctx, interval, m.Scan)
}

// Scan checks every marked position once. A breach emits one synthetic closing
// signal per episode; the episode ends when the position is flat or back inside
// its thresholds. An emergency breach also halts the project.
func (m *Manager) Scan(ctx context.Context) {
	if m.opts.Positions == nil {
		return
	}
	for _, project := range m.Projects() {
		limits := m.Limits(project.ID)
		for _, pos := range m.opts.Positions.Positions(project.ID) {
			m.inspect(ctx, pos, limits)
		}
	}
}

func (m *Manager) inspect(ctx context.Context, pos schema.Position, limits schema.RiskLimit) {
	key := pos.Key()
	reason, emergency := Breach(pos, limits)

	m.episodeMu.Lock()
	_, open := m.episodes[key]
	switch {
	case reason == errs.ReasonNone:
		delete(m.episodes, key)
		m.episodeMu.Unlock()
		return
	case !open:
		m.episodes[key] = reason
	}
	m.episodeMu.Unlock()

	if !open {
		m.closePosition(ctx, pos, limits, reason)
	}
	if emergency {
		m.Halt(ctx, pos.Project, errs.ReasonEmergencyLoss,
			"loss on "+pos.Instrument+" at "+pos.ReturnPct().StringFixed(4)+" of cost basis")
	}
}

func (m *Manager) closePosition(ctx context.Context, pos schema.Position, limits schema.RiskLimit, reason errs.Reason) {
	sig, ok := ClosingSignal(pos, schema.OriginRiskMonitor, reason, m.opts.Clock())
	if !ok {
		return
	}
	m.logger.Warn("position breach, closing",
		zap.String("project", pos.Project),
		zap.String("instrument", pos.Instrument),
		zap.String("reason", string(reason)),
		zap.String("qty", pos.Quantity.String()),
		zap.String("mark", pos.MarkPrice.String()),
		zap.String("opened_by", pos.OpenedBy))
	m.riskLog(schema.RiskLogEntry{
		Project:      pos.Project,
		Instrument:   pos.Instrument,
		Type:         schema.RiskLogActive,
		Reason:       reason,
		SignalID:     sig.ID,
		LimitVersion: limits.Version,
		Detail:       "synthetic close of " + pos.Quantity.String() + " opened by " + pos.OpenedBy,
	})
	if m.opts.Signals != nil {
		m.opts.Signals.Publish(ctx, sig)
	}
}
