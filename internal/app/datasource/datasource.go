// Package datasource turns upstream market data connections into ordered, restartable
// per-instrument event streams.
package datasource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/coachpo/quantflow/errs"
	"github.com/coachpo/quantflow/internal/domain/schema"
	"github.com/coachpo/quantflow/internal/infra/logging"
	"github.com/coachpo/quantflow/internal/infra/telemetry"
)

// Feed opens upstream connections for one instrument.
type Feed interface {
	Name() string
	Connect(ctx context.Context, instrument string) (Stream, error)
}

// Stream is one live upstream connection. Recv blocks for the next event and returns
// an error once the connection is lost.
type Stream interface {
	Recv(ctx context.Context) (schema.MarketEvent, error)
	Close() error
}

// Config tunes reconnect behaviour and buffering.
type Config struct {
	BufferSize      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (c *Config) normalize() {
	if c.BufferSize <= 0 {
		c.BufferSize = 1024
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = 500 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 30 * time.Second
	}
	if c.MaxInterval < c.InitialInterval {
		c.MaxInterval = c.InitialInterval
	}
}

// Adapter multiplexes subscriptions over a Feed.
type Adapter struct {
	feed    Feed
	cfg     Config
	logger  *zap.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
}

// NewAdapter wraps feed. logger and metrics may be nil.
func NewAdapter(feed Feed, cfg Config, logger *zap.Logger, metrics *telemetry.Metrics) *Adapter {
	cfg.normalize()
	return &Adapter{
		feed:    feed,
		cfg:     cfg,
		logger:  logging.OrNop(logger).Named("datasource").With(zap.String("feed", feed.Name())),
		metrics: metrics,
		now:     time.Now,
	}
}

// Subscribe starts streaming instrument. The channel stays open across upstream
// disconnects, which are surfaced as Disconnected/Reconnected notices, and closes
// only when ctx is done.
func (a *Adapter) Subscribe(ctx context.Context, instrument string) <-chan schema.MarketEvent {
	instrument = schema.NormalizeInstrument(instrument)
	out := make(chan schema.MarketEvent, a.cfg.BufferSize)
	go a.run(ctx, instrument, out)
	return out
}

func (a *Adapter) run(ctx context.Context, instrument string, out chan<- schema.MarketEvent) {
	defer close(out)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = a.cfg.InitialInterval
	bo.MaxInterval = a.cfg.MaxInterval

	logger := a.logger.With(zap.String("instrument", instrument))
	var seq Sequencer
	connected := false
	everConnected := false

	for {
		if ctx.Err() != nil {
			return
		}
		stream, err := a.feed.Connect(ctx, instrument)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.metrics.Reconnect(ctx, instrument, "error")
			logger.Warn("connect failed", zap.Error(err))
			if !a.sleep(ctx, bo) {
				return
			}
			continue
		}
		a.metrics.Reconnect(ctx, instrument, "connected")
		bo.Reset()
		if everConnected && !connected {
			if !a.emit(ctx, out, schema.MarketEvent{Instrument: instrument, Kind: schema.EventKindReconnected, Time: a.now()}) {
				_ = stream.Close()
				return
			}
		}
		connected, everConnected = true, true

		recvErr := a.pump(ctx, instrument, stream, &seq, out)
		_ = stream.Close()
		if ctx.Err() != nil {
			return
		}

		cause := errs.New("datasource", errs.CodeNetwork,
			errs.WithEntityID(instrument),
			errs.WithReason(errs.ReasonDataSourceDisconnected),
			errs.WithCause(recvErr))
		logger.Warn("stream disconnected", zap.Error(cause))
		connected = false
		if !a.emit(ctx, out, schema.MarketEvent{Instrument: instrument, Kind: schema.EventKindDisconnected, Time: a.now(), Seq: seq.Last()}) {
			return
		}
		if !a.sleep(ctx, bo) {
			return
		}
	}
}

func (a *Adapter) pump(ctx context.Context, instrument string, stream Stream, seq *Sequencer, out chan<- schema.MarketEvent) error {
	for {
		ev, err := stream.Recv(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("upstream closed: %w", err)
			}
			return err
		}
		if ev.Instrument == "" {
			ev.Instrument = instrument
		}
		if ev.Time.IsZero() {
			ev.Time = a.now()
		}
		if !seq.Accept(ev) {
			a.metrics.Dropped(ctx, instrument)
			continue
		}
		if !a.emit(ctx, out, ev) {
			return ctx.Err()
		}
	}
}

func (a *Adapter) emit(ctx context.Context, out chan<- schema.MarketEvent, ev schema.MarketEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (a *Adapter) sleep(ctx context.Context, bo *backoff.ExponentialBackOff) bool {
	wait := bo.NextBackOff()
	if wait == backoff.Stop {
		wait = a.cfg.MaxInterval
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
