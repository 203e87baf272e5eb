package datasource

import (
	"github.com/coachpo/quantflow/internal/domain/schema"
)

// Sequencer enforces strictly increasing sequence numbers on one instrument stream.
// A change of session resets the baseline; duplicate and stale events are rejected.
type Sequencer struct {
	session string
	last    uint64
	seen    bool
}

// Accept reports whether ev should be delivered and advances the baseline when it is.
// Notices (disconnect/reconnect) are always accepted and never move the baseline.
func (s *Sequencer) Accept(ev schema.MarketEvent) bool {
	if ev.Kind.IsNotice() {
		return true
	}
	if s.seen && ev.Session != s.session {
		s.seen = false
	}
	if s.seen && ev.Seq <= s.last {
		return false
	}
	s.session = ev.Session
	s.last = ev.Seq
	s.seen = true
	return true
}

// Last returns the most recently accepted sequence number.
func (s *Sequencer) Last() uint64 {
	return s.last
}
