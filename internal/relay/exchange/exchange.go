// Package exchange implements the per-request Exchange: the object owning
// a request, its (initially absent) response, a timeout handle, a
// cancel-cause and a disposal policy. This is the "hard part" state
// machine described in relay's component design - Created -> Started ->
// (ResponseReceived -> Complete) | Errored | Disposed, with Errored and
// Disposed terminal and equivalent for observers.
package exchange

import (
	"sync"
	"time"

	"github.com/nyxio/relay/internal/relay/relayerr"
	"github.com/nyxio/relay/internal/relay/request"
	"github.com/nyxio/relay/internal/relay/response"
	"github.com/nyxio/relay/internal/relay/sink"
	"github.com/nyxio/relay/internal/relay/transport"
)

// State is the exchange's lifecycle stage.
type State int

const (
	Created State = iota
	Started
	ResponseReceived
	Complete
	Errored
	Disposed
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Started:
		return "started"
	case ResponseReceived:
		return "response_received"
	case Complete:
		return "complete"
	case Errored:
		return "errored"
	case Disposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// Handler receives the lifecycle callbacks a connection reacts to: start
// acknowledgement and completion (which drives pool recycling).
type Handler interface {
	OnStart()
	OnComplete()
}

// RecyclePolicy tells the owning connection/pool whether this exchange's
// slot may be reused after it terminates. Recycle is the default; NoRecycle
// is used for shutdown-driven disposal.
type RecyclePolicy int

const (
	Recycle RecyclePolicy = iota
	NoRecycle
)

// Exchange owns one request/response pair: the request, the (nullable
// until received) response, an at-most-once sink, a timeout handle and a
// nullable cancel-cause. dispose runs its teardown exactly once.
type Exchange struct {
	mu sync.Mutex

	req     *request.Request
	resp    *response.Response
	state   State
	handler Handler

	sink *sink.Sink[*response.Response]

	clock       transport.Clock
	timeout     time.Duration
	timeoutH    transport.TimerHandle
	lastModify  time.Time

	cancelCause error
	disposed    bool
	recycle     RecyclePolicy

	// bodyTransformer, if registered before the response arrives, is
	// applied to the response body stream in SetResponse. Registered by
	// an external collaborator (e.g. decompression); relay never
	// constructs one itself.
	bodyTransformer func(*response.Response) *response.Response

	// onTimeout is invoked (once, on the connection's executing context)
	// when the sliding deadline fires and the exchange is still live.
	// Protocol-specific connections use it to additionally reset the
	// underlying stream.
	onTimeout func(ex *Exchange)

	// onTerminate is invoked exactly once, when the exchange reaches a
	// terminal state (Disposed or Errored via dispose, or Complete via
	// notifyComplete), so the owning connection can release its slot and
	// the pool can recycle capacity.
	onTerminate func(ex *Exchange, policy RecyclePolicy)
}

// Options configures a new Exchange. Clock and RequestTimeout are required
// for the sliding timeout policy; everything else is optional.
type Options struct {
	Clock           transport.Clock
	RequestTimeout  time.Duration
	OnTimeout       func(ex *Exchange)
	OnTerminate     func(ex *Exchange, policy RecyclePolicy)
}

// New creates an Exchange in the Created state. The timeout does not start
// until Start is called.
func New(req *request.Request, opts Options) *Exchange {
	return &Exchange{
		req:         req,
		state:       Created,
		sink:        sink.New[*response.Response](),
		clock:       opts.Clock,
		timeout:     opts.RequestTimeout,
		onTimeout:   opts.OnTimeout,
		onTerminate: opts.OnTerminate,
		recycle:     Recycle,
	}
}

// Request returns the exchange's immutable request.
func (e *Exchange) Request() *request.Request { return e.req }

// State returns the current lifecycle state.
func (e *Exchange) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Sink returns the future a caller awaits for the eventual response or
// rejection.
func (e *Exchange) Sink() *sink.Sink[*response.Response] { return e.sink }

// SetBodyTransformer registers a response-body transformer applied at
// SetResponse time, if registered before the response arrives. Intended
// for an external decompression collaborator.
func (e *Exchange) SetBodyTransformer(fn func(*response.Response) *response.Response) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bodyTransformer = fn
}

// Start transitions Created -> Started exactly once and arms the sliding
// timeout. Must be called on the owning connection's execution context.
// Returns AlreadyStartedError on a second call.
func (e *Exchange) Start(handler Handler) error {
	e.mu.Lock()
	if e.state != Created {
		e.mu.Unlock()
		return &relayerr.AlreadyStartedError{}
	}
	e.state = Started
	e.handler = handler
	e.lastModify = e.now()
	e.armTimeout()
	e.mu.Unlock()

	if handler != nil {
		handler.OnStart()
	}
	return nil
}

func (e *Exchange) now() time.Time {
	if e.clock != nil {
		return e.clock.Now()
	}
	return time.Now()
}

// armTimeout must be called with mu held.
func (e *Exchange) armTimeout() {
	if e.clock == nil || e.timeout <= 0 {
		return
	}
	e.timeoutH = e.clock.Schedule(e.timeout, e.fireTimeout)
}

// Touch resets the sliding deadline to now, rearming the timer. Called on
// headers (HTTP/1.x) or on each received DATA event (HTTP/2).
func (e *Exchange) Touch() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed || e.state == Complete || e.state == Errored {
		return
	}
	e.lastModify = e.now()
	if e.timeoutH != nil {
		e.timeoutH.Cancel()
	}
	e.armTimeout()
}

func (e *Exchange) fireTimeout() {
	e.mu.Lock()
	if e.disposed || e.state == Complete || e.state == Errored {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	if e.onTimeout != nil {
		e.onTimeout(e)
	}
	e.Dispose(&relayerr.RequestTimeoutError{Timeout: e.timeout})
}

// SetResponse installs the received response, applies any registered body
// transformer, transitions to ResponseReceived and resolves the sink.
// Returns ResponseAlreadySetError on a second call.
func (e *Exchange) SetResponse(resp *response.Response) error {
	e.mu.Lock()
	if e.resp != nil {
		e.mu.Unlock()
		return &relayerr.ResponseAlreadySetError{}
	}
	if e.disposed {
		e.mu.Unlock()
		return nil
	}
	if e.bodyTransformer != nil {
		resp = e.bodyTransformer(resp)
	}
	e.resp = resp
	e.state = ResponseReceived
	e.mu.Unlock()

	e.sink.Resolve(resp)
	return nil
}

// Response returns the response once set, or nil before it arrives.
func (e *Exchange) Response() *response.Response {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resp
}

// NotifyComplete is invoked when the response body has terminated cleanly.
// The response data sequence must already be subscribed by the time this
// runs - relay guarantees this by emitting the response-received and
// body-complete events on the same execution context, response first. This
// drives the handler's OnComplete, disposal and pool recycling.
func (e *Exchange) NotifyComplete() {
	e.mu.Lock()
	if e.disposed || e.state == Complete || e.state == Errored {
		e.mu.Unlock()
		return
	}
	e.state = Complete
	e.disposed = true
	if e.timeoutH != nil {
		e.timeoutH.Cancel()
	}
	handler := e.handler
	policy := e.recycle
	onTerminate := e.onTerminate
	e.mu.Unlock()

	if handler != nil {
		handler.OnComplete()
	}
	if onTerminate != nil {
		onTerminate(e, policy)
	}
}

// Dispose idempotently tears down the exchange: cancels the timeout, sets
// the cancel-cause (defaulting to ExchangeDisposedError), drains the
// response body with the cause if a response was already set, otherwise
// rejects the sink. A second call behaves as the first - the cancel-cause
// is unchanged and no teardown work repeats.
func (e *Exchange) Dispose(cause error) {
	e.disposeWithPolicy(cause, Recycle)
}

// DisposeNoRecycle disposes the exchange and marks its slot as
// non-recyclable, used when a shutdown in progress means the connection
// (and thus the slot) is going away regardless of this exchange's outcome.
func (e *Exchange) DisposeNoRecycle(cause error) {
	e.disposeWithPolicy(cause, NoRecycle)
}

func (e *Exchange) disposeWithPolicy(cause error, policy RecyclePolicy) {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return
	}
	if cause == nil {
		cause = &relayerr.ExchangeDisposedError{}
	}
	e.cancelCause = cause
	e.disposed = true
	if e.state != Complete {
		e.state = Errored
	}
	e.recycle = policy
	if e.timeoutH != nil {
		e.timeoutH.Cancel()
	}
	resp := e.resp
	alreadySettled := e.sink.IsSettled()
	onTerminate := e.onTerminate
	e.mu.Unlock()

	if resp != nil && resp.Body != nil {
		resp.Body.Fail(cause)
		resp.Body.Drain()
	} else if !alreadySettled {
		e.sink.Reject(cause)
	}

	if onTerminate != nil {
		onTerminate(e, policy)
	}
}

// CancelCause returns the cause recorded by Dispose, or nil if the
// exchange hasn't been disposed (or completed cleanly).
func (e *Exchange) CancelCause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelCause
}

// IsDisposed reports whether dispose/notifyComplete has already run.
func (e *Exchange) IsDisposed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.disposed
}

// LastModified returns the timestamp the sliding timeout is measured from.
func (e *Exchange) LastModified() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastModify
}
