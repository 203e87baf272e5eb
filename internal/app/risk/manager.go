package risk

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coachpo/quantflow/errs"
	"github.com/coachpo/quantflow/internal/domain/schema"
	"github.com/coachpo/quantflow/internal/infra/logging"
	"github.com/coachpo/quantflow/internal/infra/telemetry"
)

// Positions is the ledger view the risk manager reads.
type Positions interface {
	Read(project, instrument string) schema.Position
	Positions(project string) []schema.Position
}

// SignalSink receives synthetic closing signals from the monitor.
type SignalSink interface {
	Publish(ctx context.Context, sig schema.Signal)
}

// Options wires a Manager.
type Options struct {
	Positions Positions
	Signals   SignalSink
	Logger    *zap.Logger
	Metrics   *telemetry.Metrics
	OnRiskLog func(schema.RiskLogEntry)
	OnHalt    func(schema.HaltEvent)
	Clock     func() time.Time
}

// Manager holds project configuration, versioned limits and halts.
type Manager struct {
	opts   Options
	logger *zap.Logger

	mu       sync.RWMutex
	projects map[string]schema.Project
	limits   map[string]*atomic.Pointer[schema.RiskLimit]
	halts    map[string]schema.HaltEvent

	episodeMu sync.Mutex
	episodes  map[schema.PositionKey]errs.Reason
}

// NewManager constructs a Manager. Positions is required.
func NewManager(opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Manager{
		opts:     opts,
		logger:   logging.OrNop(opts.Logger).Named("risk"),
		projects: make(map[string]schema.Project),
		limits:   make(map[string]*atomic.Pointer[schema.RiskLimit]),
		halts:    make(map[string]schema.HaltEvent),
		episodes: make(map[schema.PositionKey]errs.Reason),
	}
}

// UpsertProject installs or replaces project configuration.
func (m *Manager) UpsertProject(p schema.Project) {
	m.mu.Lock()
	m.projects[p.ID] = p
	m.mu.Unlock()
}

// RemoveProject drops a project together with its limits and halt state.
func (m *Manager) RemoveProject(id string) {
	m.mu.Lock()
	delete(m.projects, id)
	delete(m.limits, id)
	delete(m.halts, id)
	m.mu.Unlock()
}

// Project returns the configuration for id.
func (m *Manager) Project(id string) (schema.Project, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[id]
	return p, ok
}

// Projects lists configured projects by id.
func (m *Manager) Projects() []schema.Project {
	m.mu.RLock()
	out := make([]schema.Project, 0, len(m.projects))
	for _, p := range m.projects {
		out = append(out, p)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetLimits publishes a new immutable limits version for the project.
func (m *Manager) SetLimits(limits schema.RiskLimit) schema.RiskLimit {
	m.mu.Lock()
	ptr, ok := m.limits[limits.Project]
	if !ok {
		ptr = &atomic.Pointer[schema.RiskLimit]{}
		m.limits[limits.Project] = ptr
	}
	m.mu.Unlock()

	for {
		prev := ptr.Load()
		next := limits
		next.Version = 1
		if prev != nil {
			next.Version = prev.Version + 1
		}
		next.UpdatedAt = m.opts.Clock()
		if ptr.CompareAndSwap(prev, &next) {
			m.logger.Info("risk limits updated",
				zap.String("project", next.Project),
				zap.Uint64("version", next.Version))
			return next
		}
	}
}

// Limits returns the current limits version. Unknown projects read as unlimited.
func (m *Manager) Limits(project string) schema.RiskLimit {
	m.mu.RLock()
	ptr, ok := m.limits[project]
	m.mu.RUnlock()
	if ok {
		if current := ptr.Load(); current != nil {
			return *current
		}
	}
	return schema.RiskLimit{Project: project}
}

// Halt suspends new evaluations for project. It reports whether the halt is new.
func (m *Manager) Halt(ctx context.Context, project string, reason errs.Reason, detail string) bool {
	ev := schema.HaltEvent{Project: project, Halted: true, Reason: reason, Detail: detail, Time: m.opts.Clock()}
	m.mu.Lock()
	if _, already := m.halts[project]; already {
		m.mu.Unlock()
		return false
	}
	m.halts[project] = ev
	m.mu.Unlock()

	m.opts.Metrics.RiskHalt(ctx, project, string(reason))
	m.logger.Warn("project halted", zap.String("project", project), zap.String("reason", string(reason)), zap.String("detail", detail))
	m.riskLog(schema.RiskLogEntry{Project: project, Type: schema.RiskLogActive, Reason: reason, Detail: detail, LimitVersion: m.Limits(project).Version})
	if m.opts.OnHalt != nil {
		m.opts.OnHalt(ev)
	}
	return true
}

// ClearHalt lifts a halt. It reports whether the project was halted.
func (m *Manager) ClearHalt(ctx context.Context, project string) bool {
	m.mu.Lock()
	_, halted := m.halts[project]
	delete(m.halts, project)
	m.mu.Unlock()
	if !halted {
		return false
	}
	m.logger.Info("project halt cleared", zap.String("project", project))
	if m.opts.OnHalt != nil {
		m.opts.OnHalt(schema.HaltEvent{Project: project, Halted: false, Time: m.opts.Clock()})
	}
	return true
}

// Halted returns the active halt for project, if any.
func (m *Manager) Halted(project string) (schema.HaltEvent, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ev, ok := m.halts[project]
	return ev, ok
}

// Check evaluates sig against the project's state, a single limits version and the
// current ledger snapshot. Callers serialise Check and the following submission per
// (project, instrument).
func (m *Manager) Check(ctx context.Context, sig schema.Signal) Decision {
	limits := m.Limits(sig.Project)
	project, known := m.Project(sig.Project)
	var decision Decision
	switch {
	case !known:
		decision = reject(limits, errs.ReasonProjectDisabled, "project %s not configured", sig.Project)
	case !sig.Synthetic && m.isHalted(sig.Project):
		decision = reject(limits, errs.ReasonRiskHalt, "project %s is halted", sig.Project)
	case !sig.Synthetic && !project.Enabled:
		decision = reject(limits, errs.ReasonProjectDisabled, "project %s is disabled", sig.Project)
	default:
		pos := m.opts.Positions.Read(sig.Project, sig.Instrument)
		decision = Evaluate(sig, project, pos, limits, m.openOrders(sig.Project))
	}

	m.opts.Metrics.RiskDecision(ctx, sig.Project, sig.Instrument, decision.Approved, string(decision.Reason))
	if !decision.Approved {
		m.logger.Info("signal rejected",
			zap.String("signal", sig.ID),
			zap.String("project", sig.Project),
			zap.String("instrument", sig.Instrument),
			zap.String("reason", string(decision.Reason)),
			zap.String("detail", decision.Detail))
		m.riskLog(schema.RiskLogEntry{
			Project:      sig.Project,
			Instrument:   sig.Instrument,
			Type:         schema.RiskLogSignal,
			Reason:       decision.Reason,
			SignalID:     sig.ID,
			LimitVersion: decision.LimitVersion,
			Detail:       decision.Detail,
		})
	}
	return decision
}

func (m *Manager) isHalted(project string) bool {
	_, halted := m.Halted(project)
	return halted
}

func (m *Manager) openOrders(project string) int {
	total := 0
	for _, pos := range m.opts.Positions.Positions(project) {
		total += pos.OpenOrders
	}
	return total
}

func (m *Manager) riskLog(entry schema.RiskLogEntry) {
	if m.opts.OnRiskLog == nil {
		return
	}
	entry.ID = uuid.NewString()
	entry.Time = m.opts.Clock()
	m.opts.OnRiskLog(entry)
}

// ClosingSignal builds a synthetic signal that flattens pos.
func ClosingSignal(pos schema.Position, origin string, reason errs.Reason, now time.Time) (schema.Signal, bool) {
	if pos.Flat() {
		return schema.Signal{}, false
	}
	side, qty := ClosingQuantity(pos)
	return schema.Signal{
		ID:         uuid.NewString(),
		Project:    pos.Project,
		Instrument: pos.Instrument,
		Side:       side,
		Quantity:   qty,
		PriceHint:  pos.MarkPrice,
		Origin:     origin,
		Synthetic:  true,
		OpenedBy:   pos.OpenedBy,
		CreatedAt:  now,
		State:      schema.SignalPending,
		Reason:     reason,
		UpdatedAt:  now,
	}, true
}

// RestoreLimits installs persisted limits as-is, keeping their version. A limits
// version older than the one already held is ignored.
func (m *Manager) RestoreLimits(limits schema.RiskLimit) {
	m.mu.Lock()
	ptr, ok := m.limits[limits.Project]
	if !ok {
		ptr = &atomic.Pointer[schema.RiskLimit]{}
		m.limits[limits.Project] = ptr
	}
	m.mu.Unlock()
	for {
		prev := ptr.Load()
		if prev != nil && prev.Version >= limits.Version {
			return
		}
		next := limits
		if ptr.CompareAndSwap(prev, &next) {
			return
		}
	}
}

// RestoreHalt reinstates a persisted halt without emitting a new halt event.
func (m *Manager) RestoreHalt(ev schema.HaltEvent) {
	if !ev.Halted {
		return
	}
	m.mu.Lock()
	if _, already := m.halts[ev.Project]; !already {
		m.halts[ev.Project] = ev
	}
	m.mu.Unlock()
}
