package pipeline

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coachpo/quantflow/internal/domain/schema"
	"github.com/coachpo/quantflow/internal/infra/bus/eventbus"
	"github.com/coachpo/quantflow/internal/infra/logging"
)

// Journal appends outbound records to the bus in the order they were produced.
// Append never blocks, so it is safe from inside component callbacks.
type Journal struct {
	bus    eventbus.Bus
	logger *zap.Logger

	mu      sync.Mutex
	seq     uint64
	pending []schema.Record
	closed  bool

	wake    chan struct{}
	drained chan struct{}
	stop    chan struct{}
}

// NewJournal starts a journal publishing to bus.
func NewJournal(bus eventbus.Bus, logger *zap.Logger) *Journal {
	j := &Journal{
		bus:     bus,
		logger:  logging.OrNop(logger).Named("journal"),
		wake:    make(chan struct{}, 1),
		drained: make(chan struct{}),
		stop:    make(chan struct{}),
	}
	go j.pump()
	return j
}

// Append stamps rec with an id and the next sequence number and queues it.
func (j *Journal) Append(rec schema.Record) {
	if j == nil {
		return
	}
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		j.logger.Warn("record after close dropped", zap.String("kind", string(rec.Kind)))
		return
	}
	j.seq++
	rec.Seq = j.seq
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	j.pending = append(j.pending, rec)
	j.mu.Unlock()
	select {
	case j.wake <- struct{}{}:
	default:
	}
}

// Seq reports the last assigned sequence number.
func (j *Journal) Seq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Close publishes what is already queued, then stops. Records still queued when
// ctx ends are dropped.
func (j *Journal) Close(ctx context.Context) error {
	j.mu.Lock()
	already := j.closed
	j.closed = true
	j.mu.Unlock()
	if !already {
		select {
		case j.wake <- struct{}{}:
		default:
		}
	}
	select {
	case <-j.drained:
		return nil
	case <-ctx.Done():
		j.mu.Lock()
		if !already {
			close(j.stop)
		}
		j.mu.Unlock()
		return ctx.Err()
	}
}

func (j *Journal) pump() {
	defer close(j.drained)
	for {
		j.mu.Lock()
		batch := j.pending
		j.pending = nil
		closed := j.closed
		j.mu.Unlock()

		for _, rec := range batch {
			select {
			case <-j.stop:
				return
			default:
			}
			if err := j.bus.Publish(context.Background(), rec); err != nil {
				j.logger.Warn("journal publish failed",
					zap.String("kind", string(rec.Kind)),
					zap.Uint64("seq", rec.Seq),
					zap.Error(err))
			}
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		select {
		case <-j.wake:
		case <-j.stop:
			return
		}
	}
}
