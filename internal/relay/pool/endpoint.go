// Package pool implements the Pooled Endpoint: an authority-scoped
// collection of transport.Connections, a buffer of exchanges waiting for
// one, and the command executor that serializes every state change
// (acquire, connect completion, settings changes, termination, parking
// and eviction) onto a single logical writer without holding a lock
// across the whole operation.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/nyxio/relay/internal/relay/exchange"
	"github.com/nyxio/relay/internal/relay/relayerr"
	"github.com/nyxio/relay/internal/relay/transport"
)

// loadFactorBuckets groups active slots by how saturated they are so slot
// selection can prefer the least-loaded bucket round-robin, instead of
// always handing new work to whichever slot happens to sit first in the
// active slice.
const loadFactorBuckets = 10

// Dialer establishes a new transport connection to authority. It owns TLS
// and protocol negotiation; the pool only knows the result.
type Dialer func(ctx context.Context, authority string) (transport.Connection, error)

// Logger is the minimal structured-logging surface the pool needs; the
// facade wires in the styled logger used throughout this codebase.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Config collects an endpoint's construction-time knobs, sourced from the
// pool_* configuration keys.
type Config struct {
	Authority string

	MaxSize    int // pool_max_size: maximum concurrent connections
	BufferSize int // pool_buffer_size: maximum buffered waiting exchanges

	CleanPeriod      time.Duration // pool_clean_period: janitor tick
	ConnectTimeout   time.Duration // pool_connect_timeout
	KeepAliveTimeout time.Duration // pool_keep_alive_timeout: parked slot eviction age

	Clock  transport.Clock
	Dialer Dialer
	Logger Logger
}

// Stats is a point-in-time snapshot of an endpoint's pool state, exposed
// for metrics collection.
type Stats struct {
	Active    int
	Parked    int
	Connecting int
	Buffered  int
}

// Endpoint is the Pooled Endpoint for one authority.
type Endpoint struct {
	cfg Config

	exec *executor

	mu           sync.Mutex
	active       []*slot
	parked       []*slot
	buffer       *requestBuffer
	connecting   int
	rrCursor     int
	closed       bool
	ticketTimers map[*exchange.Exchange]transport.TimerHandle

	janitorStop chan struct{}
	janitorDone chan struct{}
}

// New constructs an Endpoint and starts its janitor goroutine.
func New(cfg Config) *Endpoint {
	if cfg.Logger == nil {
		cfg.Logger = noopLogger{}
	}
	p := &Endpoint{
		cfg:          cfg,
		exec:         newExecutor(),
		buffer:       newRequestBuffer(),
		ticketTimers: make(map[*exchange.Exchange]transport.TimerHandle),
		janitorStop:  make(chan struct{}),
		janitorDone:  make(chan struct{}),
	}
	if cfg.CleanPeriod > 0 {
		go p.janitor()
	} else {
		close(p.janitorDone)
	}
	return p
}

// Submit enqueues ex for service by this endpoint. It returns
// synchronously only for the fast-fail case (the endpoint is closed);
// everything else - picking a connection, buffering, dialing - happens
// on the executor's single-writer loop.
func (p *Endpoint) Submit(ex *exchange.Exchange) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return &relayerr.PoolClosedError{}
	}
	p.exec.submit(func() { p.handleAcquire(ex) })
	return nil
}

func (p *Endpoint) handleAcquire(ex *exchange.Exchange) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		ex.Dispose(&relayerr.PoolClosedError{})
		return
	}

	if s := p.pickSlotLocked(); s != nil {
		p.mu.Unlock()
		if err := s.assign(ex, p.cfg.Clock); err != nil {
			ex.Dispose(&relayerr.EndpointConnectError{Err: err})
		}
		return
	}

	if len(p.active)+p.connecting < p.effectiveMaxSizeLocked() {
		p.connecting++
		p.armTicketTimeoutLocked(ex)
		p.mu.Unlock()
		go p.dialFor(ex)
		return
	}

	if p.buffer.len() >= p.cfg.BufferSize {
		p.mu.Unlock()
		ex.Dispose(&relayerr.PoolSaturatedError{})
		return
	}
	p.buffer.addFirst(ex)
	p.armTicketTimeoutLocked(ex)
	p.mu.Unlock()
}

// connectTimeoutOrDefault returns the configured per-ticket acquisition
// deadline, falling back to a sane default when unset.
func (p *Endpoint) connectTimeoutOrDefault() time.Duration {
	if p.cfg.ConnectTimeout > 0 {
		return p.cfg.ConnectTimeout
	}
	return 10 * time.Second
}

// armTicketTimeoutLocked starts ex's per-ticket acquisition deadline: if it
// is still buffered or awaiting a connect when the timer fires, it is
// rejected with ConnectTimeoutError. Caller holds p.mu.
func (p *Endpoint) armTicketTimeoutLocked(ex *exchange.Exchange) {
	if p.cfg.Clock == nil {
		return
	}
	timeout := p.connectTimeoutOrDefault()
	p.ticketTimers[ex] = p.cfg.Clock.Schedule(timeout, func() {
		p.exec.submit(func() { p.ticketTimeout(ex) })
	})
}

// cancelTicketTimeoutLocked disarms ex's acquisition deadline once it has
// been admitted (assigned a slot or handed to a connect attempt that has
// now resolved). Caller holds p.mu. Safe to call for an exchange with no
// armed timer.
func (p *Endpoint) cancelTicketTimeoutLocked(ex *exchange.Exchange) {
	if h, ok := p.ticketTimers[ex]; ok {
		h.Cancel()
		delete(p.ticketTimers, ex)
	}
}

// ticketTimeout runs on the executor when a ticket's acquisition deadline
// fires. If ex is still waiting (buffered, or its connect attempt hasn't
// completed), it is removed from the buffer if present and rejected with
// ConnectTimeoutError; Dispose is idempotent so a timer that loses the
// race against a completing connect attempt is a harmless no-op.
func (p *Endpoint) ticketTimeout(ex *exchange.Exchange) {
	p.mu.Lock()
	if _, armed := p.ticketTimers[ex]; !armed {
		p.mu.Unlock()
		return
	}
	delete(p.ticketTimers, ex)
	p.buffer.remove(ex)
	p.mu.Unlock()
	ex.Dispose(&relayerr.ConnectTimeoutError{Authority: p.cfg.Authority, Waited: p.connectTimeoutOrDefault()})
}

func (p *Endpoint) effectiveMaxSizeLocked() int {
	if p.cfg.MaxSize <= 0 {
		return 1
	}
	return p.cfg.MaxSize
}

// pickSlotLocked selects the least-loaded active slot with spare
// capacity, bucketing by load factor and round-robining within the
// lowest non-empty bucket so load spreads evenly instead of always
// favouring the first slot in the slice. Caller holds p.mu.
func (p *Endpoint) pickSlotLocked() *slot {
	n := len(p.active)
	if n == 0 {
		return nil
	}

	bestBucket := loadFactorBuckets + 1
	bestIdx := -1

	for i := 0; i < n; i++ {
		idx := (p.rrCursor + i) % n
		s := p.active[idx]
		if s.currentState() != slotActive || !s.hasCapacity() {
			continue
		}
		bucket := int(s.loadFactor() * loadFactorBuckets)
		if bucket >= bestBucket {
			continue
		}
		bestBucket = bucket
		bestIdx = idx
		if bucket == 0 {
			break
		}
	}

	if bestIdx < 0 {
		return nil
	}
	p.rrCursor = (bestIdx + 1) % n
	return p.active[bestIdx]
}

func (p *Endpoint) dialFor(ex *exchange.Exchange) {
	timeout := p.cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ex.Request().Context(), timeout)
	defer cancel()

	conn, err := p.cfg.Dialer(ctx, p.cfg.Authority)
	p.exec.submit(func() { p.completeConnect(ex, conn, err) })
}

func (p *Endpoint) completeConnect(ex *exchange.Exchange, conn transport.Connection, err error) {
	p.mu.Lock()
	p.connecting--
	p.cancelTicketTimeoutLocked(ex)
	if err != nil {
		p.mu.Unlock()
		ex.Dispose(&relayerr.EndpointConnectError{Err: err})
		p.cfg.Logger.Warn("failed to establish connection", "authority", p.cfg.Authority, "error", err)
		p.exec.submit(p.drainBuffer)
		return
	}

	s := newSlot(p.cfg.Authority, conn, p.cfg.Clock)
	s.markActive()
	conn.SetHandler(&slotHandler{endpoint: p, slot: s})
	p.active = append(p.active, s)
	p.mu.Unlock()

	if aerr := s.assign(ex, p.cfg.Clock); aerr != nil {
		ex.Dispose(&relayerr.EndpointConnectError{Err: aerr})
	}
	p.exec.submit(p.drainBuffer)
}

// drainBuffer hands waiting exchanges to any newly freed capacity, and
// opens new connections for buffered requests when the endpoint still has
// room to grow. Always runs on the executor.
func (p *Endpoint) drainBuffer() {
	for {
		p.mu.Lock()
		if p.buffer.isEmpty() || p.closed {
			p.mu.Unlock()
			return
		}
		if s := p.pickSlotLocked(); s != nil {
			ex := p.buffer.poll()
			p.cancelTicketTimeoutLocked(ex)
			p.mu.Unlock()
			if err := s.assign(ex, p.cfg.Clock); err != nil {
				ex.Dispose(&relayerr.EndpointConnectError{Err: err})
			}
			continue
		}
		if len(p.active)+p.connecting < p.effectiveMaxSizeLocked() {
			ex := p.buffer.poll()
			p.cancelTicketTimeoutLocked(ex)
			p.connecting++
			p.armTicketTimeoutLocked(ex)
			p.mu.Unlock()
			go p.dialFor(ex)
			continue
		}
		p.mu.Unlock()
		return
	}
}

// afterTerminate releases the slot's in-flight count and attempts to
// serve any buffered exchange with the capacity just freed.
func (p *Endpoint) afterTerminate(s *slot) {
	s.release(p.cfg.Clock)
	p.drainBuffer()
}

// afterSettingsChange re-attempts buffered admission since an HTTP/2
// peer's SETTINGS change may have raised (or lowered) a slot's capacity.
func (p *Endpoint) afterSettingsChange() {
	p.drainBuffer()
}

// afterClose removes a slot whose connection closed out from under the
// pool (protocol error, idle eviction elsewhere, peer GOAWAY) from both
// the active and parked sets, then tries to serve the buffer from
// whatever capacity remains.
func (p *Endpoint) afterClose(s *slot) {
	p.mu.Lock()
	p.active = removeSlot(p.active, s)
	p.parked = removeSlot(p.parked, s)
	s.markClosed()
	p.mu.Unlock()
	p.drainBuffer()
}

// afterUpgrade swaps a slot's HTTP/1.1 connection for the HTTP/2
// connection that replaced it after a successful H2C upgrade, rewiring
// the handler and re-evaluating whether previously buffered exchanges can
// now fit the wider concurrency an HTTP/2 connection affords.
func (p *Endpoint) afterUpgrade(s *slot, newConn transport.Connection) {
	s.conn = newConn
	newConn.SetHandler(&slotHandler{endpoint: p, slot: s})
	p.drainBuffer()
}

func removeSlot(slots []*slot, target *slot) []*slot {
	for i, s := range slots {
		if s == target {
			return append(slots[:i], slots[i+1:]...)
		}
	}
	return slots
}

// janitor periodically parks idle active slots and evicts parked slots
// that have outlived pool_keep_alive_timeout.
func (p *Endpoint) janitor() {
	defer close(p.janitorDone)
	ticker := time.NewTicker(p.cfg.CleanPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-p.janitorStop:
			return
		case <-ticker.C:
			p.exec.submit(p.clean)
		}
	}
}

// clean runs the janitor's two responsibilities for one cleanPeriod tick,
// atomically within this one command: evict parked slots that have
// outlived keepAliveTimeout, then park whichever active slots the
// bucketed load-factor walk below selects.
func (p *Endpoint) clean() {
	p.mu.Lock()

	var stillParked []*slot
	var toEvict []*slot
	for _, s := range p.parked {
		if p.cfg.KeepAliveTimeout > 0 && s.idleSince(p.cfg.Clock) >= p.cfg.KeepAliveTimeout {
			toEvict = append(toEvict, s)
			continue
		}
		stillParked = append(stillParked, s)
	}
	p.parked = stillParked

	toPark := p.parkableSlotsLocked()
	if len(toPark) > 0 {
		parkSet := make(map[*slot]struct{}, len(toPark))
		for _, s := range toPark {
			parkSet[s] = struct{}{}
		}
		var stillActive []*slot
		for _, s := range p.active {
			if _, ok := parkSet[s]; ok {
				s.markParked()
				p.parked = append(p.parked, s)
				continue
			}
			stillActive = append(stillActive, s)
		}
		p.active = stillActive
		p.rrCursor = 0
	}
	p.mu.Unlock()

	for _, s := range toEvict {
		s.markDraining()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = s.conn.Shutdown(ctx, false)
		cancel()
		s.markClosed()
	}

	if len(toPark) > 0 {
		// parking frees nothing by itself, but a racing event may have
		// grown capacity elsewhere while we held the lock; matches the
		// drainBuffer call the park step makes in relay's component design.
		p.drainBuffer()
	}
}

// parkableSlotsLocked selects the active slots the janitor should park
// this run. Active slots are bucketed by load factor into 10 bands
// ([0.0,0.1) ... [0.9,1.0]); walking the bands from least- to
// most-loaded, each candidate's capacity is tentatively subtracted from a
// running total, stopping as soon as the pool's remaining capacity would
// fall below everything currently in flight. Every candidate accumulated
// before that point is parked. Caller holds p.mu.
func (p *Endpoint) parkableSlotsLocked() []*slot {
	if len(p.active) == 0 {
		return nil
	}

	var buckets [loadFactorBuckets][]*slot
	var totalCapacity, inflight int64
	for _, s := range p.active {
		capacity := int64(s.conn.MaxConcurrent())
		totalCapacity += capacity
		inflight += int64(s.inFlight.Load())

		bucket := int(s.loadFactor() * loadFactorBuckets)
		if bucket >= loadFactorBuckets {
			bucket = loadFactorBuckets - 1
		}
		buckets[bucket] = append(buckets[bucket], s)
	}

	remaining := totalCapacity
	var parkable []*slot
	for _, bucket := range buckets {
		for _, s := range bucket {
			capacity := int64(s.conn.MaxConcurrent())
			if remaining-capacity < inflight {
				return parkable
			}
			remaining -= capacity
			parkable = append(parkable, s)
		}
	}
	return parkable
}

// Stats returns a snapshot of the endpoint's pool state.
func (p *Endpoint) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Active:     len(p.active),
		Parked:     len(p.parked),
		Connecting: p.connecting,
		Buffered:   p.buffer.len(),
	}
}

// Shutdown rejects every buffered exchange and shuts down every active and
// parked connection, graceful or immediate per the caller's choice.
func (p *Endpoint) Shutdown(ctx context.Context, graceful bool) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.janitorStop)
	active := append([]*slot(nil), p.active...)
	parked := append([]*slot(nil), p.parked...)
	p.mu.Unlock()

	p.buffer.drain(func(ex *exchange.Exchange) {
		p.mu.Lock()
		p.cancelTicketTimeoutLocked(ex)
		p.mu.Unlock()
		ex.Dispose(&relayerr.PoolClosedError{})
	})

	var firstErr error
	for _, s := range append(active, parked...) {
		s.markDraining()
		if err := s.conn.Shutdown(ctx, graceful); err != nil && firstErr == nil {
			firstErr = err
		}
		s.markClosed()
	}
	return firstErr
}

// slotHandler adapts transport.Handler callbacks for one slot back onto
// the endpoint's executor, so every reaction to connection-level events
// runs on the single-writer loop rather than on whatever goroutine the
// connection's own read loop happens to be.
type slotHandler struct {
	endpoint *Endpoint
	slot     *slot
}

func (h *slotHandler) OnSettingsChange(int) {
	h.endpoint.exec.submit(h.endpoint.afterSettingsChange)
}

func (h *slotHandler) OnClose(cause error) {
	h.endpoint.cfg.Logger.Debug("connection closed", "authority", h.endpoint.cfg.Authority, "cause", cause)
	h.endpoint.exec.submit(func() { h.endpoint.afterClose(h.slot) })
}

func (h *slotHandler) OnError(err error) {
	h.endpoint.cfg.Logger.Warn("connection error", "authority", h.endpoint.cfg.Authority, "error", err)
}

func (h *slotHandler) OnExchangeTerminate() {
	h.endpoint.exec.submit(func() { h.endpoint.afterTerminate(h.slot) })
}

func (h *slotHandler) OnUpgrade(newConn transport.Connection) {
	h.endpoint.exec.submit(func() { h.endpoint.afterUpgrade(h.slot, newConn) })
}
