package pool

import (
	"sync/atomic"
	"time"

	"github.com/nyxio/relay/internal/relay/exchange"
	"github.com/nyxio/relay/internal/relay/transport"
)

// slotState is a pooled connection slot's lifecycle stage.
type slotState int32

const (
	slotConnecting slotState = iota
	slotActive
	slotParked
	slotDraining
	slotClosed
)

// slot is the Pooled Connection Slot: one transport.Connection plus the
// bookkeeping the endpoint needs to pick it for new work, park it when
// idle, and evict it once parked past the keep-alive timeout. inFlight is tracked
// independently of the connection's own accounting because HTTP/1.1
// connections report MaxConcurrent()==1 while an HTTP/2 connection's
// concurrency changes live as SETTINGS arrive.
type slot struct {
	conn transport.Connection

	state    atomic.Int32
	inFlight atomic.Int32

	lastActivity atomic.Int64 // unix nanos, updated on send/complete

	authority string
}

func newSlot(authority string, conn transport.Connection, clock transport.Clock) *slot {
	s := &slot{conn: conn, authority: authority}
	s.state.Store(int32(slotConnecting))
	s.touch(clock)
	return s
}

func (s *slot) touch(clock transport.Clock) {
	now := time.Now()
	if clock != nil {
		now = clock.Now()
	}
	s.lastActivity.Store(now.UnixNano())
}

func (s *slot) idleSince(clock transport.Clock) time.Duration {
	now := time.Now()
	if clock != nil {
		now = clock.Now()
	}
	last := time.Unix(0, s.lastActivity.Load())
	return now.Sub(last)
}

// loadFactor is the fraction of the connection's advertised concurrency
// currently in flight: 0 for a brand new connection, 1.0 when saturated.
// HTTP/1.1 connections (MaxConcurrent()==1) report either 0 or 1.
func (s *slot) loadFactor() float64 {
	max := s.conn.MaxConcurrent()
	if max <= 0 {
		return 1 // treat an unknown/zero capacity as fully loaded
	}
	return float64(s.inFlight.Load()) / float64(max)
}

func (s *slot) hasCapacity() bool {
	return int(s.inFlight.Load()) < s.conn.MaxConcurrent()
}

func (s *slot) markActive() { s.state.Store(int32(slotActive)) }
func (s *slot) markParked() { s.state.Store(int32(slotParked)) }
func (s *slot) markDraining() { s.state.Store(int32(slotDraining)) }
func (s *slot) markClosed()   { s.state.Store(int32(slotClosed)) }
func (s *slot) currentState() slotState { return slotState(s.state.Load()) }

func (s *slot) assign(ex *exchange.Exchange, clock transport.Clock) error {
	s.inFlight.Add(1)
	s.touch(clock)
	if err := s.conn.Send(ex); err != nil {
		s.inFlight.Add(-1)
		return err
	}
	return nil
}

func (s *slot) release(clock transport.Clock) {
	if n := s.inFlight.Add(-1); n < 0 {
		s.inFlight.Store(0)
	}
	s.touch(clock)
}
