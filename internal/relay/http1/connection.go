// Package http1 implements the HTTP/1.1 Connection: at most one active
// exchange at a time, optionally attempting an H2C upgrade on its first
// request. Atomic connection-state tracking is grounded on the
// lock-free Connection pattern used for HTTP/1.1 connection handling in
// the example corpus, adapted here from server-serving to client-dialing.
package http1

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nyxio/relay/internal/relay/body"
	"github.com/nyxio/relay/internal/relay/exchange"
	"github.com/nyxio/relay/internal/relay/http2"
	"github.com/nyxio/relay/internal/relay/relayerr"
	"github.com/nyxio/relay/internal/relay/request"
	"github.com/nyxio/relay/internal/relay/response"
	"github.com/nyxio/relay/internal/relay/transport"
)

// connState is the lock-free connection lifecycle, mirroring the
// atomic-state approach used for connection tracking elsewhere in this
// codebase's ancestry: cheap reads off the hot send/receive path.
type connState int32

const (
	stateIdle connState = iota
	stateActive
	stateUpgrading
	stateClosed
)

const defaultBodyCapacity = 64

// Codec is the transport collaborator for HTTP/1.1: request-line/header
// serialization and status-line/header/body deserialization. relay drives
// it; it never re-implements HTTP/1.1 framing itself.
type Codec interface {
	// WriteRequest serializes and sends the request line, headers and (if
	// present) chunked/content-length body.
	WriteRequest(ctx context.Context, req *request.Request) error
	// ReadStatusAndHeaders blocks until the response status line and
	// headers have arrived.
	ReadStatusAndHeaders(ctx context.Context) (status int, headers []request.Header, err error)
	// ReadBodyChunk returns the next body fragment, or eof=true once the
	// response body has been fully read.
	ReadBodyChunk(ctx context.Context) (data []byte, eof bool, err error)
	// Hijack relinquishes the codec's ownership of the underlying
	// connection, used on a 101 Switching Protocols response to H2C: the
	// raw net.Conn is hand off to an HTTP/2 framer.
	Hijack() (net.Conn, error)
	// Close tears down the underlying socket.
	Close() error
}

// UpgradeBuilder constructs the HTTP/2 connection that takes over a raw
// socket after a successful H2C upgrade, adopting pending as its stream 1
// exchange. Supplied by the transport factory, which alone knows how to
// wire an HTTP/2 Codec onto a bare net.Conn.
type UpgradeBuilder func(raw net.Conn, pending *exchange.Exchange) (transport.Connection, error)

// Config collects the construction-time knobs for an HTTP/1.1 Connection.
type Config struct {
	Codec          Codec
	Clock          transport.Clock
	TLS            bool
	RequestTimeout time.Duration
	BodyCapacity   int

	// AllowH2C enables attempting an H2C upgrade on this connection's
	// first request. TLS connections never attempt H2C: ALPN negotiation
	// already settled the protocol during the handshake.
	AllowH2C       bool
	H2CSettings    []http2.Setting
	UpgradeBuilder UpgradeBuilder
}

// Connection implements transport.Connection for HTTP/1.1: single active
// exchange, optional first-request H2C upgrade attempt.
type Connection struct {
	codec          Codec
	clock          transport.Clock
	tls            bool
	requestTimeout time.Duration
	bodyCapacity   int

	allowH2C       bool
	h2cSettings    []http2.Setting
	upgradeBuilder UpgradeBuilder
	upgradeTried   bool

	state atomic.Int32

	mu      sync.Mutex
	handler transport.Handler
	current *exchange.Exchange
}

// New constructs an HTTP/1.1 Connection in the idle state.
func New(cfg Config) *Connection {
	cap := cfg.BodyCapacity
	if cap <= 0 {
		cap = defaultBodyCapacity
	}
	c := &Connection{
		codec:          cfg.Codec,
		clock:          cfg.Clock,
		tls:            cfg.TLS,
		requestTimeout: cfg.RequestTimeout,
		bodyCapacity:   cap,
		allowH2C:       cfg.AllowH2C && !cfg.TLS,
		h2cSettings:    cfg.H2CSettings,
		upgradeBuilder: cfg.UpgradeBuilder,
	}
	c.state.Store(int32(stateIdle))
	return c
}

// Protocol implements transport.Connection. While an upgrade attempt is in
// flight the connection reports NegoPending, since its eventual protocol
// is not yet settled.
func (c *Connection) Protocol() transport.ProtocolVersion {
	if connState(c.state.Load()) == stateUpgrading {
		return transport.NegoPending
	}
	return transport.HTTP11
}

// TLS implements transport.Connection.
func (c *Connection) TLS() bool { return c.tls }

// MaxConcurrent implements transport.Connection: HTTP/1.1 never multiplexes.
func (c *Connection) MaxConcurrent() int { return 1 }

// SetHandler implements transport.Connection.
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

// Send implements transport.Connection. The pool's slot-acquisition
// invariant keeps at most one exchange assigned to an HTTP/1.1 connection
// at a time; a violation here is defensive, not expected in normal
// operation.
func (c *Connection) Send(ex *exchange.Exchange) error {
	c.mu.Lock()
	if connState(c.state.Load()) == stateClosed {
		c.mu.Unlock()
		ex.Dispose(&relayerr.ConnectionResetError{})
		return nil
	}
	if c.current != nil {
		c.mu.Unlock()
		ex.Dispose(&relayerr.StreamAllocationFailedError{Reason: "connection busy"})
		return nil
	}
	c.current = ex
	attemptUpgrade := c.allowH2C && !c.upgradeTried && c.upgradeBuilder != nil
	if attemptUpgrade {
		c.upgradeTried = true
		c.state.Store(int32(stateUpgrading))
	} else {
		c.state.Store(int32(stateActive))
	}
	c.mu.Unlock()

	if err := ex.Start(connHandler{}); err != nil {
		return err
	}

	req := ex.Request()
	if attemptUpgrade {
		req = req.WithHeader("Connection", "Upgrade, HTTP2-Settings").
			WithHeader("Upgrade", "h2c").
			WithHeader("HTTP2-Settings", http2.EncodeSettingsHeader(c.h2cSettings))
	}

	if err := c.codec.WriteRequest(req.Context(), req); err != nil {
		c.clearCurrent()
		ex.Dispose(&relayerr.ConnectionResetError{Err: err})
		return err
	}

	go c.receive(ex, attemptUpgrade)
	return nil
}

func (c *Connection) clearCurrent() {
	c.mu.Lock()
	c.current = nil
	if connState(c.state.Load()) != stateClosed {
		c.state.Store(int32(stateIdle))
	}
	c.mu.Unlock()
}

func (c *Connection) receive(ex *exchange.Exchange, attemptedUpgrade bool) {
	ctx := ex.Request().Context()

	status, headers, err := c.codec.ReadStatusAndHeaders(ctx)
	if err != nil {
		c.clearCurrent()
		ex.Dispose(&relayerr.ConnectionResetError{Err: err})
		c.notifyTerminate()
		return
	}

	if attemptedUpgrade && status == 101 {
		c.completeUpgrade(ex)
		return
	}

	resp := &response.Response{
		StatusCode: status,
		Headers:    headers,
		Body:       body.New(c.bodyCapacity),
	}
	if err := ex.SetResponse(resp); err != nil {
		c.clearCurrent()
		c.notifyTerminate()
		return
	}

	for {
		chunk, eof, rerr := c.codec.ReadBodyChunk(ctx)
		if rerr != nil {
			resp.Body.Fail(rerr)
			resp.Body.Drain()
			c.closeLocked(rerr)
			ex.Dispose(&relayerr.ConnectionResetError{Err: rerr})
			c.notifyTerminate()
			return
		}
		if len(chunk) > 0 {
			resp.Body.Write(chunk)
		}
		if eof {
			resp.Body.Complete()
			break
		}
	}

	ex.NotifyComplete()
	c.clearCurrent()
	c.notifyTerminate()
}

// completeUpgrade hijacks the raw connection, hands it to the
// transport-supplied builder to stand up an HTTP/2 Connection adopting ex
// as stream 1, and reports the replacement to the handler. This
// HTTP/1.1 Connection is consumed: it never serves another exchange.
func (c *Connection) completeUpgrade(ex *exchange.Exchange) {
	raw, err := c.codec.Hijack()
	if err != nil {
		c.clearCurrent()
		ex.Dispose(&relayerr.ConnectionResetError{Err: err})
		c.notifyTerminate()
		return
	}

	newConn, err := c.upgradeBuilder(raw, ex)
	if err != nil {
		c.clearCurrent()
		ex.Dispose(&relayerr.EndpointConnectError{Err: err})
		c.notifyTerminate()
		return
	}

	c.mu.Lock()
	c.state.Store(int32(stateClosed))
	c.current = nil
	h := c.handler
	c.mu.Unlock()

	if h != nil {
		h.OnUpgrade(newConn)
	}
}

func (c *Connection) notifyTerminate() {
	if h := c.handlerOrNil(); h != nil {
		h.OnExchangeTerminate()
	}
}

func (c *Connection) closeLocked(cause error) {
	c.mu.Lock()
	alreadyClosed := connState(c.state.Load()) == stateClosed
	c.state.Store(int32(stateClosed))
	c.mu.Unlock()
	if alreadyClosed {
		return
	}
	_ = c.codec.Close()
	if h := c.handlerOrNil(); h != nil {
		h.OnClose(cause)
	}
}

// Shutdown implements transport.Connection. HTTP/1.1 has no GOAWAY
// equivalent; graceful shutdown means letting the current exchange (if
// any) finish before closing.
func (c *Connection) Shutdown(ctx context.Context, graceful bool) error {
	if graceful {
		for {
			c.mu.Lock()
			idle := c.current == nil
			c.mu.Unlock()
			if idle {
				break
			}
			select {
			case <-ctx.Done():
				goto forceClose
			case <-time.After(10 * time.Millisecond):
			}
		}
	}
forceClose:
	c.closeLocked(nil)
	return nil
}

// connHandler is the exchange.Handler every HTTP/1.1 exchange uses. Like
// HTTP/2's, start/complete hooks are no-ops: the connection's own receive
// loop already drives completion, and recycling is wired through
// exchange.Options.OnTerminate by the pool.
type connHandler struct{}

func (connHandler) OnStart()    {}
func (connHandler) OnComplete() {}
