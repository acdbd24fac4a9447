// Package relayerr collects the error taxonomy shared by every connection
// state machine and the pool. Each kind is a concrete type implementing
// error with context fields; the kinds that carry an underlying cause
// (EndpointConnectError, ConnectionResetError, ProtocolError) also
// implement Unwrap.
package relayerr

import (
	"fmt"
	"time"
)

// StreamErrorCode mirrors the handful of HTTP/2 RST_STREAM codes the core
// cares about. The full code space is owned by the transport codec.
type StreamErrorCode uint32

const (
	CodeNoError         StreamErrorCode = 0x0
	CodeProtocolError   StreamErrorCode = 0x1
	CodeInternalError   StreamErrorCode = 0x2
	CodeRefusedStream   StreamErrorCode = 0x7
	CodeCancel          StreamErrorCode = 0x8
	CodeCompressionErr  StreamErrorCode = 0x9
)

func (c StreamErrorCode) String() string {
	switch c {
	case CodeNoError:
		return "NO_ERROR"
	case CodeProtocolError:
		return "PROTOCOL_ERROR"
	case CodeInternalError:
		return "INTERNAL_ERROR"
	case CodeRefusedStream:
		return "REFUSED_STREAM"
	case CodeCancel:
		return "CANCEL"
	case CodeCompressionErr:
		return "COMPRESSION_ERROR"
	default:
		return fmt.Sprintf("UNKNOWN(0x%x)", uint32(c))
	}
}

// PoolClosedError is returned when acquire is called after shutdown.
type PoolClosedError struct {
	Authority string
}

func (e *PoolClosedError) Error() string {
	return fmt.Sprintf("relay: pool closed for %s", e.Authority)
}

// PoolSaturatedError is returned when a ticket cannot be admitted or buffered.
type PoolSaturatedError struct {
	Authority string
	MaxSize   int
	Buffered  int
}

func (e *PoolSaturatedError) Error() string {
	return fmt.Sprintf("relay: pool saturated for %s (max=%d buffered=%d)", e.Authority, e.MaxSize, e.Buffered)
}

// CircuitOpenError is returned by the facade when an authority's circuit
// breaker is open, skipping pool acquisition entirely.
type CircuitOpenError struct {
	Authority string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("relay: circuit open for %s", e.Authority)
}

// ConnectTimeoutError is returned when a ticket waits past connectTimeout.
type ConnectTimeoutError struct {
	Authority string
	Waited    time.Duration
}

func (e *ConnectTimeoutError) Error() string {
	return fmt.Sprintf("relay: connect timeout for %s after %v", e.Authority, e.Waited)
}

// EndpointConnectError wraps a transport-level dial/negotiate failure.
type EndpointConnectError struct {
	Authority string
	Err       error
}

func (e *EndpointConnectError) Error() string {
	return fmt.Sprintf("relay: connect to %s failed: %v", e.Authority, e.Err)
}

func (e *EndpointConnectError) Unwrap() error { return e.Err }

// ConnectionResetError is the cause applied to every in-flight exchange when
// a connection is closed, whether by peer, local shutdown, or transport error.
type ConnectionResetError struct {
	Authority string
	Err       error
}

func (e *ConnectionResetError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("relay: connection reset for %s: %v", e.Authority, e.Err)
	}
	return fmt.Sprintf("relay: connection reset for %s", e.Authority)
}

func (e *ConnectionResetError) Unwrap() error { return e.Err }

// StreamResetError carries the RST_STREAM code the peer (or we) sent.
type StreamResetError struct {
	StreamID uint32
	Code     StreamErrorCode
}

func (e *StreamResetError) Error() string {
	return fmt.Sprintf("relay: stream %d reset: %s", e.StreamID, e.Code)
}

// RequestTimeoutError fires when an exchange makes no progress within its
// sliding deadline.
type RequestTimeoutError struct {
	Timeout time.Duration
}

func (e *RequestTimeoutError) Error() string {
	return fmt.Sprintf("relay: request timeout after %v of inactivity", e.Timeout)
}

// ExchangeDisposedError is the default cause applied by dispose(nil).
type ExchangeDisposedError struct{}

func (e *ExchangeDisposedError) Error() string { return "relay: exchange disposed" }

// ProtocolError wraps a fatal framer/parser failure; it is treated the same
// as ConnectionResetError by the connection that raised it.
type ProtocolError struct {
	Authority string
	Err       error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("relay: protocol error on %s: %v", e.Authority, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// UnsupportedError reports an operation that a component refuses. No code
// path in this module constructs it; in particular SetHandler never
// returns it.
type UnsupportedError struct {
	Operation string
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("relay: unsupported operation %q", e.Operation)
}

// AlreadyStartedError is returned by a second call to Exchange.Start.
type AlreadyStartedError struct{}

func (e *AlreadyStartedError) Error() string { return "relay: exchange already started" }

// ResponseAlreadySetError is returned by a second call to Exchange.SetResponse.
type ResponseAlreadySetError struct{}

func (e *ResponseAlreadySetError) Error() string { return "relay: response already set" }

// StreamAllocationFailedError is raised when a new HTTP/2 stream cannot be
// opened (settings exceeded, connection closing).
type StreamAllocationFailedError struct {
	Reason string
}

func (e *StreamAllocationFailedError) Error() string {
	return fmt.Sprintf("relay: stream allocation failed: %s", e.Reason)
}
