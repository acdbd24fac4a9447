// Package transport defines the capability-set Connection contract shared
// by the HTTP/1.1 connection and the HTTP/2 connection, plus the handful
// of external collaborator interfaces
// (TLS provider, timers) the core depends on without owning.
package transport

import (
	"context"
	"time"

	"github.com/nyxio/relay/internal/relay/exchange"
)

// ProtocolVersion identifies the negotiated wire protocol.
type ProtocolVersion int

const (
	HTTP11 ProtocolVersion = iota
	HTTP2
	// NegoPending marks a connection whose protocol hasn't been decided
	// yet (ALPN still in flight, or plaintext pending an H2C upgrade
	// decision); callers must not send on a connection in this state.
	NegoPending
)

func (p ProtocolVersion) String() string {
	switch p {
	case HTTP11:
		return "HTTP/1.1"
	case HTTP2:
		return "HTTP/2"
	default:
		return "pending"
	}
}

// Handler receives connection lifecycle callbacks. The pool's slot wrapper
// implements this and translates every callback into a command posted to
// the pool's executor - connections never mutate pool state directly.
type Handler interface {
	// OnSettingsChange reports a new peer-advertised (already clamped to
	// any local limit) max concurrent streams value. HTTP/1.1 connections
	// never call this.
	OnSettingsChange(newMax int)
	// OnClose reports that the connection has terminated, locally or by
	// the peer; cause is nil for a clean local close.
	OnClose(cause error)
	// OnError reports a non-fatal, connection-scoped error worth
	// surfacing (e.g. a GOAWAY with an error code) without necessarily
	// implying OnClose has fired yet.
	OnError(err error)
	// OnExchangeTerminate reports that one exchange on this connection
	// has finished (completed or errored) and its slot capacity should
	// be recycled.
	OnExchangeTerminate()
	// OnUpgrade reports that an HTTP/1.1 connection has completed an H2C
	// upgrade hand-off; the pool should replace its inner connection
	// with newConn and reconcile capacity from newConn.MaxConcurrent().
	OnUpgrade(newConn Connection)
}

// Connection is the capability set every protocol variant implements:
// send an exchange, query protocol/TLS/capacity, shut down, and accept a
// lifecycle handler. The pool keeps each Connection inside its own slot
// bookkeeping; the slot does not implement this interface, and the pool
// never hands a Connection out to its callers.
type Connection interface {
	// Send starts ex on this connection. The connection owns ex from this
	// point until it terminates (disposed or completed).
	Send(ex *exchange.Exchange) error
	// Protocol returns the negotiated protocol version.
	Protocol() ProtocolVersion
	// TLS reports whether this connection is over a TLS-verified socket.
	TLS() bool
	// MaxConcurrent returns the current max concurrent exchange count;
	// -1 means unbounded (callers should treat this as 1 for HTTP/1.1
	// per the data model, never -1 in practice once negotiated).
	MaxConcurrent() int
	// SetHandler installs the lifecycle handler. A later call replaces the
	// earlier handler; no implementation in this module rejects a second
	// call or returns relayerr.UnsupportedError from it.
	SetHandler(h Handler) error
	// Shutdown closes the connection, disposing every in-flight exchange
	// with ConnectionResetError (or, if graceful, completing in-flight
	// exchanges first and refusing new ones).
	Shutdown(ctx context.Context, graceful bool) error
}

// TimerHandle cancels a scheduled task. Cancel is idempotent and safe to
// call after the task has already fired.
type TimerHandle interface {
	Cancel()
}

// Clock schedules delayed callbacks; the production implementation wraps
// time.AfterFunc, and tests substitute a virtual clock to drive timeout
// edge cases deterministically.
type Clock interface {
	Schedule(delay time.Duration, task func()) TimerHandle
	Now() time.Time
}

// TLSNegotiation is returned by a TLS provider collaborator: a negotiated
// transport plus a protocol hint (ALPN result) used to decide HTTP/1.1 vs
// HTTP/2 vs "nego pending" (cleartext, H2C candidate).
type TLSNegotiation struct {
	Verified       bool
	NegotiatedALPN string // "h2", "http/1.1", or "" if not yet known
}

type timerHandle struct{ t *time.Timer }

func (h *timerHandle) Cancel() { h.t.Stop() }

// RealClock is the production Clock backed by the standard library.
type RealClock struct{}

func (RealClock) Schedule(delay time.Duration, task func()) TimerHandle {
	return &timerHandle{t: time.AfterFunc(delay, task)}
}

func (RealClock) Now() time.Time { return time.Now() }
