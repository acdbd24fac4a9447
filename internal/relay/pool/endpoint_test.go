package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nyxio/relay/internal/relay/exchange"
	"github.com/nyxio/relay/internal/relay/relayerr"
	"github.com/nyxio/relay/internal/relay/request"
	"github.com/nyxio/relay/internal/relay/transport"
)

// fakeConnection is a minimal transport.Connection for pool tests: Send
// always succeeds and records the exchange, capacity is fixed at
// construction.
type fakeConnection struct {
	mu       sync.Mutex
	sent     []*exchange.Exchange
	handler  transport.Handler
	maxConc  int
	sendErr  error
	shutdown bool
}

func newFakeConnection(maxConcurrent int) *fakeConnection {
	return &fakeConnection{maxConc: maxConcurrent}
}

func (c *fakeConnection) Send(ex *exchange.Exchange) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, ex)
	return nil
}
func (c *fakeConnection) Protocol() transport.ProtocolVersion { return transport.HTTP11 }
func (c *fakeConnection) TLS() bool                           { return false }
func (c *fakeConnection) MaxConcurrent() int                  { return c.maxConc }
func (c *fakeConnection) SetHandler(h transport.Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
	return nil
}
func (c *fakeConnection) Shutdown(ctx context.Context, graceful bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shutdown = true
	return nil
}

// fakeClock is a manually-driven transport.Clock: Schedule records the
// task instead of arming a real timer, so tests can fire ticket timeouts
// deterministically instead of sleeping past a real ConnectTimeout.
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	tasks []func()
}

func newFakePoolClock() *fakeClock { return &fakeClock{now: time.Unix(0, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakePoolTimerHandle struct {
	c         *fakeClock
	task      func()
	cancelled bool
}

func (h *fakePoolTimerHandle) Cancel() {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	h.cancelled = true
}

func (c *fakeClock) Schedule(delay time.Duration, task func()) transport.TimerHandle {
	h := &fakePoolTimerHandle{c: c, task: task}
	c.mu.Lock()
	c.tasks = append(c.tasks, func() {
		if !h.cancelled {
			task()
		}
	})
	c.mu.Unlock()
	return h
}

func (c *fakeClock) fireAll() {
	c.mu.Lock()
	tasks := c.tasks
	c.tasks = nil
	c.mu.Unlock()
	for _, task := range tasks {
		task()
	}
}

func newTestEndpoint(t *testing.T, dialer Dialer) *Endpoint {
	t.Helper()
	return New(Config{
		Authority:        "api.example.com",
		MaxSize:          2,
		BufferSize:       4,
		ConnectTimeout:   time.Minute,
		KeepAliveTimeout: time.Minute,
		Clock:            transport.RealClock{},
		Dialer:           dialer,
	})
}

func newSubmittableExchange() *exchange.Exchange {
	req := request.New(context.Background(), "GET", "api.example.com", "/", nil, nil)
	return exchange.New(req, exchange.Options{Clock: transport.RealClock{}, RequestTimeout: 5 * time.Second})
}

func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestEndpoint_SubmitDialsAndAssignsFirstExchange(t *testing.T) {
	conn := newFakeConnection(1)
	ep := newTestEndpoint(t, func(ctx context.Context, authority string) (transport.Connection, error) {
		return conn, nil
	})
	defer ep.Shutdown(context.Background(), false)

	ex := newSubmittableExchange()
	require.NoError(t, ep.Submit(ex))

	waitForCondition(t, time.Second, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return len(conn.sent) == 1
	})

	stats := ep.Stats()
	assert.Equal(t, 1, stats.Active)
}

func TestEndpoint_SubmitAfterShutdownFails(t *testing.T) {
	ep := newTestEndpoint(t, func(ctx context.Context, authority string) (transport.Connection, error) {
		return newFakeConnection(1), nil
	})
	require.NoError(t, ep.Shutdown(context.Background(), false))

	err := ep.Submit(newSubmittableExchange())
	var closedErr *relayerr.PoolClosedError
	assert.ErrorAs(t, err, &closedErr)
}

func TestEndpoint_BufferedWhenAtMaxSizeAndConnecting(t *testing.T) {
	block := make(chan struct{})
	dialCount := 0
	var mu sync.Mutex
	ep := newTestEndpoint(t, func(ctx context.Context, authority string) (transport.Connection, error) {
		mu.Lock()
		dialCount++
		mu.Unlock()
		<-block
		return newFakeConnection(1), nil
	})
	defer func() {
		close(block)
		ep.Shutdown(context.Background(), false)
	}()

	// MaxSize is 2: the first two submits should trigger dials, the
	// third should buffer rather than dial a third connection.
	require.NoError(t, ep.Submit(newSubmittableExchange()))
	require.NoError(t, ep.Submit(newSubmittableExchange()))
	require.NoError(t, ep.Submit(newSubmittableExchange()))

	waitForCondition(t, time.Second, func() bool {
		return ep.Stats().Buffered == 1
	})

	mu.Lock()
	assert.Equal(t, 2, dialCount)
	mu.Unlock()
}

func TestEndpoint_SaturatedBufferDisposesWithPoolSaturatedError(t *testing.T) {
	block := make(chan struct{})
	ep := New(Config{
		Authority:      "api.example.com",
		MaxSize:        1,
		BufferSize:     0,
		ConnectTimeout: time.Minute,
		Clock:          transport.RealClock{},
		Dialer: func(ctx context.Context, authority string) (transport.Connection, error) {
			<-block
			return newFakeConnection(1), nil
		},
	})
	defer func() {
		close(block)
		ep.Shutdown(context.Background(), false)
	}()

	require.NoError(t, ep.Submit(newSubmittableExchange()))

	overflow := newSubmittableExchange()
	require.NoError(t, ep.Submit(overflow))

	waitForCondition(t, time.Second, func() bool {
		return overflow.IsDisposed()
	})

	var saturated *relayerr.PoolSaturatedError
	assert.ErrorAs(t, overflow.CancelCause(), &saturated)
}

func TestEndpoint_DialFailureDisposesWaitingExchange(t *testing.T) {
	dialErr := errors.New("dial refused")
	ep := newTestEndpoint(t, func(ctx context.Context, authority string) (transport.Connection, error) {
		return nil, dialErr
	})
	defer ep.Shutdown(context.Background(), false)

	ex := newSubmittableExchange()
	require.NoError(t, ep.Submit(ex))

	waitForCondition(t, time.Second, func() bool {
		return ex.IsDisposed()
	})

	var connectErr *relayerr.EndpointConnectError
	assert.ErrorAs(t, ex.CancelCause(), &connectErr)
}

func TestEndpoint_ShutdownDrainsBufferedExchanges(t *testing.T) {
	block := make(chan struct{})
	ep := New(Config{
		Authority:      "api.example.com",
		MaxSize:        1,
		BufferSize:     4,
		ConnectTimeout: time.Minute,
		Clock:          transport.RealClock{},
		Dialer: func(ctx context.Context, authority string) (transport.Connection, error) {
			<-block
			return newFakeConnection(1), nil
		},
	})

	require.NoError(t, ep.Submit(newSubmittableExchange()))
	buffered := newSubmittableExchange()
	require.NoError(t, ep.Submit(buffered))

	waitForCondition(t, time.Second, func() bool {
		return ep.Stats().Buffered == 1
	})

	close(block)
	require.NoError(t, ep.Shutdown(context.Background(), false))

	waitForCondition(t, time.Second, func() bool {
		return buffered.IsDisposed()
	})
}

func TestEndpoint_StatsReflectsSnapshot(t *testing.T) {
	ep := newTestEndpoint(t, func(ctx context.Context, authority string) (transport.Connection, error) {
		return newFakeConnection(1), nil
	})
	defer ep.Shutdown(context.Background(), false)

	stats := ep.Stats()
	assert.Equal(t, 0, stats.Active)
	assert.Equal(t, 0, stats.Parked)
	assert.Equal(t, 0, stats.Connecting)
	assert.Equal(t, 0, stats.Buffered)
}

func TestEndpoint_BufferedExchangeTimesOutPastConnectTimeout(t *testing.T) {
	block := make(chan struct{})
	clock := newFakePoolClock()
	ep := New(Config{
		Authority:      "api.example.com",
		MaxSize:        1,
		BufferSize:     4,
		ConnectTimeout: 10 * time.Second,
		Clock:          clock,
		Dialer: func(ctx context.Context, authority string) (transport.Connection, error) {
			<-block
			return newFakeConnection(1), nil
		},
	})
	defer func() {
		close(block)
		ep.Shutdown(context.Background(), false)
	}()

	require.NoError(t, ep.Submit(newSubmittableExchange()))
	waited := newSubmittableExchange()
	require.NoError(t, ep.Submit(waited))

	waitForCondition(t, time.Second, func() bool {
		return ep.Stats().Buffered == 1
	})

	clock.Advance(10 * time.Second)
	clock.fireAll()

	waitForCondition(t, time.Second, func() bool {
		return waited.IsDisposed()
	})

	var timeoutErr *relayerr.ConnectTimeoutError
	assert.ErrorAs(t, waited.CancelCause(), &timeoutErr)
	assert.Equal(t, 0, ep.Stats().Buffered, "a timed-out ticket must be removed from the buffer, not left to poll again later")
}

func TestEndpoint_ConnectingExchangeTimesOutWhileDialInFlight(t *testing.T) {
	block := make(chan struct{})
	clock := newFakePoolClock()
	ep := New(Config{
		Authority:      "api.example.com",
		MaxSize:        1,
		BufferSize:     4,
		ConnectTimeout: 10 * time.Second,
		Clock:          clock,
		Dialer: func(ctx context.Context, authority string) (transport.Connection, error) {
			<-block
			return newFakeConnection(1), nil
		},
	})
	defer func() {
		close(block)
		ep.Shutdown(context.Background(), false)
	}()

	ex := newSubmittableExchange()
	require.NoError(t, ep.Submit(ex))

	waitForCondition(t, time.Second, func() bool {
		return ep.Stats().Connecting == 1
	})

	clock.Advance(10 * time.Second)
	clock.fireAll()

	waitForCondition(t, time.Second, func() bool {
		return ex.IsDisposed()
	})

	var timeoutErr *relayerr.ConnectTimeoutError
	assert.ErrorAs(t, ex.CancelCause(), &timeoutErr)
}

func TestEndpoint_FastAdmissionCancelsTicketTimeoutWithoutFalsePositive(t *testing.T) {
	clock := newFakePoolClock()
	conn := newFakeConnection(1)
	ep := New(Config{
		Authority:      "api.example.com",
		MaxSize:        1,
		BufferSize:     4,
		ConnectTimeout: 10 * time.Second,
		Clock:          clock,
		Dialer: func(ctx context.Context, authority string) (transport.Connection, error) {
			return conn, nil
		},
	})
	defer ep.Shutdown(context.Background(), false)

	ex := newSubmittableExchange()
	require.NoError(t, ep.Submit(ex))

	waitForCondition(t, time.Second, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return len(conn.sent) == 1
	})

	// The ticket was admitted well before ConnectTimeout; firing every
	// recorded timer task now must be a no-op since admission cancels it.
	clock.Advance(10 * time.Second)
	clock.fireAll()

	assert.False(t, ex.IsDisposed(), "an already-admitted exchange must not be disposed by its now-stale ticket timeout")
}

func TestEndpoint_CleanParksIdleSlotsButKeepsEnoughCapacityForInFlight(t *testing.T) {
	ep := New(Config{
		Authority: "api.example.com",
		MaxSize:   3,
		Clock:     transport.RealClock{},
		Dialer: func(ctx context.Context, authority string) (transport.Connection, error) {
			return nil, errors.New("unused")
		},
	})
	defer ep.Shutdown(context.Background(), false)

	busy := newSlot("api.example.com", newFakeConnection(10), ep.cfg.Clock)
	busy.markActive()
	busy.inFlight.Store(5)

	idleA := newSlot("api.example.com", newFakeConnection(10), ep.cfg.Clock)
	idleA.markActive()

	idleB := newSlot("api.example.com", newFakeConnection(10), ep.cfg.Clock)
	idleB.markActive()

	ep.mu.Lock()
	ep.active = []*slot{idleA, idleB, busy}
	ep.mu.Unlock()

	ep.clean()

	ep.mu.Lock()
	defer ep.mu.Unlock()
	require.Len(t, ep.active, 1, "only the slot with in-flight work should remain active")
	assert.Same(t, busy, ep.active[0])
	require.Len(t, ep.parked, 2, "both idle slots should be parked since total capacity still covers in-flight work")
	assert.Equal(t, slotParked, idleA.currentState())
	assert.Equal(t, slotParked, idleB.currentState())
	assert.Equal(t, slotActive, busy.currentState())
}
