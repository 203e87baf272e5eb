// Package signalqueue holds pending signals, applies each project's confirmation
// policy and expires signals nobody resolves in time.
package signalqueue

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/coachpo/quantflow/errs"
	"github.com/coachpo/quantflow/internal/domain/schema"
	"github.com/coachpo/quantflow/internal/infra/logging"
	"github.com/coachpo/quantflow/internal/infra/telemetry"
	"github.com/coachpo/quantflow/lib/schedule"
)

// Policy is the per-project confirmation behaviour.
type Policy struct {
	Confirmation schema.ConfirmationPolicy
	AllowOverlap bool
	Expiry       time.Duration
}

// Options configures a Queue.
type Options struct {
	Scheduler     *schedule.Scheduler
	DefaultExpiry time.Duration
	SweepInterval time.Duration
	// Retention keeps consumed and expired signals fully readable. After it
	// elapses only a tombstone with the final state remains.
	Retention time.Duration
	Buffer    int
	Logger    *zap.Logger
	Metrics   *telemetry.Metrics
	// OnTransition observes every state change in order. It runs under the queue
	// lock and must not block or call back into the queue.
	OnTransition func(schema.Signal)
	Clock        func() time.Time
}

type laneKey struct {
	project    string
	instrument string
}

type claimKey struct {
	project    string
	instrument string
	side       schema.Side
}

type record struct {
	sig    schema.Signal
	expiry schedule.Handle
	claim  bool
}

// tombstone is what stays of a retired signal.
type tombstone struct {
	project    string
	instrument string
	side       schema.Side
	origin     string
	state      schema.SignalState
	reason     errs.Reason
	createdAt  time.Time
	updatedAt  time.Time
}

func bury(sig schema.Signal) tombstone {
	return tombstone{
		project:    sig.Project,
		instrument: sig.Instrument,
		side:       sig.Side,
		origin:     sig.Origin,
		state:      sig.State,
		reason:     sig.Reason,
		createdAt:  sig.CreatedAt,
		updatedAt:  sig.UpdatedAt,
	}
}

func (t tombstone) signal(id string) schema.Signal {
	return schema.Signal{
		ID:         id,
		Project:    t.project,
		Instrument: t.instrument,
		Side:       t.side,
		Origin:     t.origin,
		State:      t.state,
		Reason:     t.reason,
		CreatedAt:  t.createdAt,
		UpdatedAt:  t.updatedAt,
	}
}

// Queue is safe for concurrent use.
type Queue struct {
	opts   Options
	logger *zap.Logger
	sched  *schedule.Scheduler
	owned  bool

	mu       sync.Mutex
	records  map[string]*record
	tombs    map[string]tombstone
	lanes    map[laneKey][]string
	claims   map[claimKey]string
	policies map[string]Policy

	out    chan schema.Signal
	outMu  sync.Mutex
	outbox []schema.Signal
	wake   chan struct{}
	done   chan struct{}
	once   sync.Once
}

// New constructs a queue. Call Start to begin delivery and sweeping.
func New(opts Options) *Queue {
	if opts.DefaultExpiry <= 0 {
		opts.DefaultExpiry = time.Minute
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Second
	}
	if opts.Retention <= 0 {
		opts.Retention = 10 * time.Minute
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	q := &Queue{
		opts:     opts,
		logger:   logging.OrNop(opts.Logger).Named("signalqueue"),
		sched:    opts.Scheduler,
		records:  make(map[string]*record),
		tombs:    make(map[string]tombstone),
		lanes:    make(map[laneKey][]string),
		claims:   make(map[claimKey]string),
		policies: make(map[string]Policy),
		out:      make(chan schema.Signal, opts.Buffer),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	if q.sched == nil {
		q.sched = schedule.New()
		q.owned = true
	}
	return q
}

// Start launches delivery and the expiry sweeper. Both stop when ctx ends or Close is called.
func (q *Queue) Start(ctx context.Context) {
	go q.pump(ctx)
	q.sched.Every(ctx, q.opts.SweepInterval, q.Sweep)
}

// Close stops delivery. Timers owned by a private scheduler are cancelled.
func (q *Queue) Close() {
	q.once.Do(func() {
		close(q.done)
		if q.owned {
			q.sched.Close()
		}
	})
}

// Resolved delivers confirmed and rejected signals in resolution order.
// The consumer must call Consume once it has handled each one.
func (q *Queue) Resolved() <-chan schema.Signal {
	return q.out
}

// SetPolicy installs the confirmation policy for project.
func (q *Queue) SetPolicy(project string, policy Policy) {
	if policy.Confirmation == "" {
		policy.Confirmation = schema.ConfirmAuto
	}
	q.mu.Lock()
	q.policies[project] = policy
	q.mu.Unlock()
}

func (q *Queue) policy(project string) Policy {
	p, ok := q.policies[project]
	if !ok {
		return Policy{Confirmation: schema.ConfirmAuto, AllowOverlap: true, Expiry: q.opts.DefaultExpiry}
	}
	if p.Expiry <= 0 {
		p.Expiry = q.opts.DefaultExpiry
	}
	return p
}

// Enqueue accepts a new pending signal. Under the auto policy, and for synthetic
// signals, it is confirmed immediately. A signal overlapping an open one on the same
// project, instrument and side is rejected with signal_conflict when the project
// forbids overlap. Only malformed signals return an error.
func (q *Queue) Enqueue(ctx context.Context, sig schema.Signal) (schema.Signal, error) {
	if err := sig.Validate(); err != nil {
		return sig, err
	}
	now := q.opts.Clock()
	sig.Instrument = schema.NormalizeInstrument(sig.Instrument)
	sig.State = schema.SignalPending
	if !sig.Synthetic {
		sig.Reason = errs.ReasonNone
	}
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = now
	}
	sig.UpdatedAt = now

	q.mu.Lock()
	if _, exists := q.lookupLocked(sig.ID); exists {
		q.mu.Unlock()
		return sig, errs.New("signal", errs.CodeConflict,
			errs.WithEntityID(sig.ID),
			errs.WithMessage("duplicate signal id"))
	}
	policy := q.policy(sig.Project)
	if sig.ExpiresAt.IsZero() {
		sig.ExpiresAt = sig.CreatedAt.Add(policy.Expiry)
	}
	rec := &record{sig: sig}
	q.records[sig.ID] = rec
	q.notifyLocked(ctx, rec.sig)

	ck := claimKey{project: sig.Project, instrument: sig.Instrument, side: sig.Side}
	switch {
	case !policy.AllowOverlap && !sig.Synthetic && q.claims[ck] != "":
		q.resolveLocked(ctx, rec, schema.SignalRejected, errs.ReasonSignalConflict, now)
	default:
		if !policy.AllowOverlap && !sig.Synthetic {
			q.claims[ck] = sig.ID
			rec.claim = true
		}
		if policy.Confirmation == schema.ConfirmAuto || sig.Synthetic {
			q.resolveLocked(ctx, rec, schema.SignalConfirmed, errs.ReasonNone, now)
		} else {
			lk := laneKey{project: sig.Project, instrument: sig.Instrument}
			q.lanes[lk] = append(q.lanes[lk], sig.ID)
			id := sig.ID
			rec.expiry = q.sched.After(sig.ExpiresAt.Sub(now), func() { q.expire(id) })
		}
	}
	result := rec.sig
	q.mu.Unlock()
	return result, nil
}

// Confirm resolves a pending signal as Confirmed. Already resolved signals are
// returned unchanged.
func (q *Queue) Confirm(ctx context.Context, id string) (schema.Signal, error) {
	return q.resolve(ctx, id, schema.SignalConfirmed, errs.ReasonNone)
}

// Reject resolves a pending signal as Rejected. Already resolved signals are
// returned unchanged.
func (q *Queue) Reject(ctx context.Context, id string, reason errs.Reason) (schema.Signal, error) {
	if reason == errs.ReasonNone {
		reason = errs.ReasonManualReject
	}
	return q.resolve(ctx, id, schema.SignalRejected, reason)
}

func (q *Queue) resolve(ctx context.Context, id string, to schema.SignalState, reason errs.Reason) (schema.Signal, error) {
	now := q.opts.Clock()
	q.mu.Lock()
	rec, ok := q.records[id]
	if !ok {
		buried, found := q.tombs[id]
		q.mu.Unlock()
		if !found {
			return schema.Signal{}, notFound(id)
		}
		return buried.signal(id), nil
	}
	if rec.sig.State != schema.SignalPending {
		current := rec.sig
		q.mu.Unlock()
		return current, nil
	}
	if rec.sig.Overdue(now) {
		to, reason = schema.SignalExpired, errs.ReasonSignalExpired
	}
	q.resolveLocked(ctx, rec, to, reason, now)
	current := rec.sig
	q.mu.Unlock()
	return current, nil
}

// Consume marks a confirmed or rejected signal as handled. reason, when set,
// records the outcome. Consuming twice returns the consumed record.
func (q *Queue) Consume(ctx context.Context, id string, reason errs.Reason) (schema.Signal, error) {
	now := q.opts.Clock()
	q.mu.Lock()
	rec, ok := q.records[id]
	if !ok {
		buried, found := q.tombs[id]
		q.mu.Unlock()
		if !found {
			return schema.Signal{}, notFound(id)
		}
		sig := buried.signal(id)
		if sig.State == schema.SignalConsumed {
			return sig, nil
		}
		err := sig.Transition(schema.SignalConsumed, reason, now)
		return sig, err
	}
	if rec.sig.State == schema.SignalConsumed {
		current := rec.sig
		q.mu.Unlock()
		return current, nil
	}
	if err := rec.sig.Transition(schema.SignalConsumed, reason, now); err != nil {
		q.mu.Unlock()
		return rec.sig, err
	}
	q.releaseClaimLocked(rec)
	q.retireLocked(rec.sig.ID)
	q.notifyLocked(ctx, rec.sig)
	current := rec.sig
	q.mu.Unlock()
	return current, nil
}

// Get returns a signal by id.
func (q *Queue) Get(id string) (schema.Signal, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	sig, ok := q.lookupLocked(id)
	if !ok {
		return schema.Signal{}, notFound(id)
	}
	return sig, nil
}

func (q *Queue) lookupLocked(id string) (schema.Signal, bool) {
	if rec, ok := q.records[id]; ok {
		return rec.sig, true
	}
	if buried, ok := q.tombs[id]; ok {
		return buried.signal(id), true
	}
	return schema.Signal{}, false
}

// Pending lists pending signals for project (all projects when empty), FIFO per instrument.
func (q *Queue) Pending(project string) []schema.Signal {
	q.mu.Lock()
	defer q.mu.Unlock()
	keys := make([]laneKey, 0, len(q.lanes))
	for key := range q.lanes {
		if project == "" || key.project == project {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].project != keys[j].project {
			return keys[i].project < keys[j].project
		}
		return keys[i].instrument < keys[j].instrument
	})
	var out []schema.Signal
	for _, key := range keys {
		for _, id := range q.lanes[key] {
			out = append(out, q.records[id].sig)
		}
	}
	return out
}

// Sweep expires every overdue pending signal.
func (q *Queue) Sweep(ctx context.Context) {
	now := q.opts.Clock()
	q.mu.Lock()
	defer q.mu.Unlock()
	var overdue []*record
	for _, ids := range q.lanes {
		for _, id := range ids {
			if rec := q.records[id]; rec != nil && rec.sig.Overdue(now) {
				overdue = append(overdue, rec)
			}
		}
	}
	for _, rec := range overdue {
		q.resolveLocked(ctx, rec, schema.SignalExpired, errs.ReasonSignalExpired, now)
	}
}

func (q *Queue) expire(id string) {
	now := q.opts.Clock()
	q.mu.Lock()
	rec, ok := q.records[id]
	if !ok || rec.sig.State != schema.SignalPending {
		q.mu.Unlock()
		return
	}
	q.resolveLocked(context.Background(), rec, schema.SignalExpired, errs.ReasonSignalExpired, now)
	q.mu.Unlock()
}

// resolveLocked moves a pending record out of Pending and queues delivery.
func (q *Queue) resolveLocked(ctx context.Context, rec *record, to schema.SignalState, reason errs.Reason, now time.Time) {
	if err := rec.sig.Transition(to, reason, now); err != nil {
		q.logger.Error("signal transition refused", zap.Error(err))
		return
	}
	rec.expiry.Cancel()
	q.removeFromLaneLocked(rec.sig)
	q.notifyLocked(ctx, rec.sig)
	switch to {
	case schema.SignalConfirmed:
		q.enqueueOut(rec.sig)
	case schema.SignalRejected:
		q.releaseClaimLocked(rec)
		q.enqueueOut(rec.sig)
	case schema.SignalExpired:
		q.releaseClaimLocked(rec)
		q.retireLocked(rec.sig.ID)
	}
}

func (q *Queue) removeFromLaneLocked(sig schema.Signal) {
	lk := laneKey{project: sig.Project, instrument: sig.Instrument}
	ids := q.lanes[lk]
	for i, id := range ids {
		if id == sig.ID {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(q.lanes, lk)
		return
	}
	q.lanes[lk] = ids
}

func (q *Queue) releaseClaimLocked(rec *record) {
	if !rec.claim {
		return
	}
	rec.claim = false
	ck := claimKey{project: rec.sig.Project, instrument: rec.sig.Instrument, side: rec.sig.Side}
	if q.claims[ck] == rec.sig.ID {
		delete(q.claims, ck)
	}
}

func (q *Queue) retireLocked(id string) {
	q.sched.After(q.opts.Retention, func() {
		q.mu.Lock()
		if rec, ok := q.records[id]; ok {
			q.tombs[id] = bury(rec.sig)
			delete(q.records, id)
		}
		q.mu.Unlock()
	})
}

// notifyLocked reports a transition. It runs under q.mu so observers see
// transitions in the order they happened.
func (q *Queue) notifyLocked(ctx context.Context, sig schema.Signal) {
	q.opts.Metrics.SignalTransition(ctx, sig.Project, sig.Instrument, string(sig.State), string(sig.Reason))
	if sig.State.Resolved() && sig.State != schema.SignalConsumed {
		q.opts.Metrics.SignalResolved(ctx, sig.Project, string(sig.State), sig.UpdatedAt.Sub(sig.CreatedAt))
	}
	if sig.State == schema.SignalExpired || sig.State == schema.SignalRejected {
		q.logger.Info("signal resolved",
			zap.String("signal", sig.ID),
			zap.String("project", sig.Project),
			zap.String("instrument", sig.Instrument),
			zap.String("state", string(sig.State)),
			zap.String("reason", string(sig.Reason)))
	}
	if q.opts.OnTransition != nil {
		q.opts.OnTransition(sig)
	}
}

func (q *Queue) enqueueOut(sig schema.Signal) {
	q.outMu.Lock()
	q.outbox = append(q.outbox, sig)
	q.outMu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) pump(ctx context.Context) {
	for {
		q.outMu.Lock()
		batch := q.outbox
		q.outbox = nil
		q.outMu.Unlock()

		for _, sig := range batch {
			select {
			case q.out <- sig:
			case <-ctx.Done():
				return
			case <-q.done:
				return
			}
		}
		if len(batch) > 0 {
			continue
		}
		select {
		case <-q.wake:
		case <-ctx.Done():
			return
		case <-q.done:
			return
		}
	}
}

func notFound(id string) error {
	return errs.New("signal", errs.CodeNotFound, errs.WithEntityID(id), errs.WithMessage("signal not found"))
}
