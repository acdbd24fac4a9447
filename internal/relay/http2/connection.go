package http2

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/nyxio/relay/internal/relay/body"
	"github.com/nyxio/relay/internal/relay/exchange"
	"github.com/nyxio/relay/internal/relay/relayerr"
	"github.com/nyxio/relay/internal/relay/request"
	"github.com/nyxio/relay/internal/relay/response"
	"github.com/nyxio/relay/internal/relay/transport"
)

// defaultStreamBodyCapacity bounds the per-stream response body queue; mirrors the
// teacher's DefaultStreamBufferSize tuned for token-by-token LLM streaming
// without letting one slow consumer hold onto unbounded memory.
const defaultStreamBodyCapacity = 64

// Connection implements transport.Connection for HTTP/2: a multiplexed
// stream registry keyed by stream id, peer settings tracking and the
// inbound frame dispatch table from relay's component design §4.3.
type Connection struct {
	codec Codec
	clock transport.Clock
	tls   bool

	requestTimeout time.Duration
	bodyCapacity   int

	localLimit int64 // configured cap; 0 = no local cap beyond peer's
	maxConcurrent int64 // atomic: min(peerValue, localLimit)

	streams *xsync.Map[uint32, *StreamExchange]

	mu       sync.Mutex
	handler  transport.Handler
	closing  bool
	closed   bool
	lastSent uint32 // highest stream id we've allocated
}

// Config collects the construction-time knobs a transport factory supplies
// after successful negotiation. In the H2C hand-off case the exchange
// already in flight on stream 1 is not part of Config; it is registered
// afterwards through AdoptUpgrade.
type Config struct {
	Codec          Codec
	Clock          transport.Clock
	TLS            bool
	RequestTimeout time.Duration
	LocalMaxConcurrent int64 // http2_max_concurrent_streams; 0 = no local cap
	BodyCapacity   int
}

// New constructs an HTTP/2 Connection. The connection starts with
// maxConcurrent equal to LocalMaxConcurrent (or a generous default if
// unset) until the peer's SETTINGS arrive and clamp it down or up.
func New(cfg Config) *Connection {
	cap := cfg.BodyCapacity
	if cap <= 0 {
		cap = defaultStreamBodyCapacity
	}
	initial := cfg.LocalMaxConcurrent
	if initial <= 0 {
		initial = 100
	}
	return &Connection{
		codec:          cfg.Codec,
		clock:          cfg.Clock,
		tls:            cfg.TLS,
		requestTimeout: cfg.RequestTimeout,
		bodyCapacity:   cap,
		localLimit:     cfg.LocalMaxConcurrent,
		maxConcurrent:  initial,
		streams:        xsync.NewMap[uint32, *StreamExchange](),
	}
}

// Protocol implements transport.Connection.
func (c *Connection) Protocol() transport.ProtocolVersion { return transport.HTTP2 }

// TLS implements transport.Connection.
func (c *Connection) TLS() bool { return c.tls }

// MaxConcurrent implements transport.Connection.
func (c *Connection) MaxConcurrent() int { return int(atomic.LoadInt64(&c.maxConcurrent)) }

// SetHandler implements transport.Connection. A later call replaces the
// earlier handler; nothing in this layer or the pool rejects a second call.
func (c *Connection) SetHandler(h transport.Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
	return nil
}

func (c *Connection) handlerOrNil() transport.Handler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler
}

// Send implements transport.Connection: allocate a stream id, register the
// exchange, start its timeout, then emit HEADERS (and any DATA frames) -
// in that order, matching the new-stream send order in relay's component
// design. If the connection is closing or stream allocation fails, the
// exchange is disposed locally with StreamAllocationFailedError.
func (c *Connection) Send(ex *exchange.Exchange) error {
	c.mu.Lock()
	closing := c.closing
	c.mu.Unlock()
	if closing {
		ex.Dispose(&relayerr.StreamAllocationFailedError{Reason: "connection closing"})
		return nil
	}

	streamID := c.codec.NextStreamID()
	if streamID == 0 {
		ex.Dispose(&relayerr.StreamAllocationFailedError{Reason: "stream id space exhausted"})
		return nil
	}

	se := NewStreamExchange(ex)
	se.SetStreamID(streamID)
	c.streams.Store(streamID, se)

	c.mu.Lock()
	if streamID > c.lastSent {
		c.lastSent = streamID
	}
	c.mu.Unlock()

	if err := ex.Start(streamHandler{}); err != nil {
		c.streams.Delete(streamID)
		return err
	}

	req := ex.Request()
	endStream := req.Body == nil
	if err := c.codec.WriteHeaders(streamID, req.Headers, endStream); err != nil {
		c.streams.Delete(streamID)
		ex.Dispose(&relayerr.ConnectionResetError{Err: err})
		return err
	}
	if req.Body != nil {
		c.writeBody(streamID, req)
	}
	return nil
}

func (c *Connection) writeBody(streamID uint32, req *request.Request) {
	ctx := req.Context()
	for {
		chunk, ok, err := req.Body.Next(ctx)
		if err != nil {
			_ = c.codec.WriteRSTStream(streamID, relayerr.CodeInternalError)
			return
		}
		if !ok {
			_ = c.codec.WriteData(streamID, nil, true)
			return
		}
		if werr := c.codec.WriteData(streamID, chunk, false); werr != nil {
			return
		}
	}
}

// streamHandler is the exchange.Handler every HTTP/2 stream exchange uses;
// HTTP/2 doesn't need per-exchange start/complete hooks beyond what the
// connection's own frame dispatch already drives, so both callbacks are
// no-ops here - recycling is wired through exchange.Options.OnTerminate
// instead, set by the pool, not by this handler.
type streamHandler struct{}

func (streamHandler) OnStart()    {}
func (streamHandler) OnComplete() {}

// AdoptUpgrade registers an already in-flight exchange (the H2C upgrading
// exchange) as stream 1, pre-placed in half-closed(remote) state since its
// request was already sent over HTTP/1.1 and only the response remains.
func (c *Connection) AdoptUpgrade(ex *exchange.Exchange) {
	se := NewStreamExchange(ex)
	se.SetStreamID(1)
	c.streams.Store(uint32(1), se)
	c.codec.ReserveStreamID(1)
	c.mu.Lock()
	if c.lastSent < 1 {
		c.lastSent = 1
	}
	c.mu.Unlock()
}

// HandleFrame dispatches one inbound event per relay's frame-handling
// table. It must run on the connection's single-writer execution context
// (the caller's read loop); relay makes no attempt to serialize concurrent
// HandleFrame calls itself.
func (c *Connection) HandleFrame(ev InboundEvent) {
	switch ev.Kind {
	case EventHeaders:
		c.handleHeaders(ev)
	case EventData:
		c.handleData(ev)
	case EventRSTStream:
		c.handleRSTStream(ev)
	case EventGoAway:
		c.handleGoAway(ev)
	case EventSettings:
		c.handleSettings(ev)
	case EventPassthrough:
		// WINDOW_UPDATE, PING, PRIORITY, unknown: no exchange-level action.
	}
}

func (c *Connection) handleHeaders(ev InboundEvent) {
	se, ok := c.streams.Load(ev.StreamID)
	if !ok {
		_ = c.codec.WriteRSTStream(ev.StreamID, relayerr.CodeRefusedStream)
		return
	}

	se.Touch()

	if se.Response() == nil {
		resp := &response.Response{
			Headers: ev.Headers,
		}
		resp.Body = body.New(c.bodyCapacity)
		_ = se.SetResponse(resp)
		if ev.EndStream {
			resp.Body.Complete()
			c.streams.Delete(ev.StreamID)
			se.NotifyComplete()
		}
		return
	}

	// HEADERS after the response means trailers.
	se.Response().SetTrailers(ev.Headers)
	if resp := se.Response(); resp != nil && resp.Body != nil {
		resp.Body.Complete()
	}
	c.streams.Delete(ev.StreamID)
	se.NotifyComplete()
}

func (c *Connection) handleData(ev InboundEvent) {
	se, ok := c.streams.Load(ev.StreamID)
	if !ok {
		_ = c.codec.WriteRSTStream(ev.StreamID, relayerr.CodeInternalError)
		return
	}
	se.Touch()

	resp := se.Response()
	if resp != nil && resp.Body != nil && len(ev.Data) > 0 {
		resp.Body.Write(ev.Data)
	}
	if ev.EndStream {
		if resp != nil && resp.Body != nil {
			resp.Body.Complete()
		}
		c.streams.Delete(ev.StreamID)
		se.NotifyComplete()
	}
}

func (c *Connection) handleRSTStream(ev InboundEvent) {
	se, ok := c.streams.Load(ev.StreamID)
	if !ok {
		return
	}
	c.streams.Delete(ev.StreamID)
	se.Dispose(&relayerr.StreamResetError{StreamID: ev.StreamID, Code: ev.ResetCode})
	c.notifyTerminate()
}

func (c *Connection) handleGoAway(ev InboundEvent) {
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()

	c.streams.Range(func(id uint32, se *StreamExchange) bool {
		if id > ev.LastStreamID {
			c.streams.Delete(id)
			se.DisposeNoRecycle(&relayerr.ConnectionResetError{})
		}
		return true
	})

	if h := c.handlerOrNil(); h != nil {
		h.OnError(&relayerr.ProtocolError{Err: nil})
	}

	// Streams at or below LastStreamID were accepted by the peer and are
	// left to drain to completion; only once none remain does the socket
	// actually go away.
	if c.openStreamCount() == 0 {
		c.Close(&relayerr.ConnectionResetError{})
		return
	}
	go c.closeAfterDrain()
}

func (c *Connection) closeAfterDrain() {
	for c.openStreamCount() > 0 {
		time.Sleep(10 * time.Millisecond)
	}
	c.Close(&relayerr.ConnectionResetError{})
}

func (c *Connection) handleSettings(ev InboundEvent) {
	for _, s := range ev.Settings {
		if s.ID == SettingMaxConcurrentStreams {
			peer := int64(s.Value)
			newMax := peer
			if c.localLimit > 0 && c.localLimit < newMax {
				newMax = c.localLimit
			}
			atomic.StoreInt64(&c.maxConcurrent, newMax)
			if h := c.handlerOrNil(); h != nil {
				h.OnSettingsChange(int(newMax))
			}
		}
	}
}

func (c *Connection) openStreamCount() int {
	n := 0
	c.streams.Range(func(uint32, *StreamExchange) bool {
		n++
		return true
	})
	return n
}

func (c *Connection) notifyTerminate() {
	if h := c.handlerOrNil(); h != nil {
		h.OnExchangeTerminate()
	}
}

// Shutdown implements transport.Connection.
func (c *Connection) Shutdown(ctx context.Context, graceful bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	lastSent := c.lastSent
	c.mu.Unlock()

	_ = c.codec.WriteGoAway(lastSent, relayerr.CodeNoError)

	if graceful {
		done := make(chan struct{})
		go func() {
			for {
				if c.openStreamCount() == 0 {
					close(done)
					return
				}
				select {
				case <-ctx.Done():
					close(done)
					return
				case <-time.After(10 * time.Millisecond):
				}
			}
		}()
		<-done
	}

	return c.Close(nil)
}

// Close tears down the connection, disposing every registered exchange
// with ConnectionResetError (cause nil = clean local close) and notifying
// the handler's OnClose exactly once.
func (c *Connection) Close(cause error) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.streams.Range(func(id uint32, se *StreamExchange) bool {
		c.streams.Delete(id)
		se.DisposeNoRecycle(&relayerr.ConnectionResetError{Err: cause})
		return true
	})

	err := c.codec.Close()
	if h := c.handlerOrNil(); h != nil {
		h.OnClose(cause)
	}
	return err
}
