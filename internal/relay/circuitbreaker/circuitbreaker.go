// Package circuitbreaker is an optional layer the Endpoint Facade consults
// before acquiring a connection: a per-authority trip/half-open/reset state
// machine that lets a caller skip a known-bad authority without waiting out
// a full connect timeout. It never mutates pool state itself - the pool's
// acquisition algorithm runs unchanged whether or not a breaker is wired in.
package circuitbreaker

import (
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

const (
	stateClosed   int64 = 0
	stateOpen     int64 = 1
	stateHalfOpen int64 = 2
)

// Registry holds one breaker per authority, created on first use.
type Registry struct {
	breakers  xsync.Map[string, *breaker]
	threshold int64
	timeout   time.Duration
}

// New creates a Registry. threshold is the number of consecutive failures
// before an authority's breaker opens; timeout is how long it stays open
// before allowing a single half-open probe through.
func New(threshold int64, timeout time.Duration) *Registry {
	if threshold <= 0 {
		threshold = 5
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Registry{
		breakers:  *xsync.NewMap[string, *breaker](),
		threshold: threshold,
		timeout:   timeout,
	}
}

type breaker struct {
	state       int64
	failures    int64
	lastFailure int64
	threshold   int64
	timeout     time.Duration
}

func (r *Registry) breakerFor(authority string) *breaker {
	if b, ok := r.breakers.Load(authority); ok {
		return b
	}
	newB := &breaker{threshold: r.threshold, timeout: r.timeout}
	actual, _ := r.breakers.LoadOrStore(authority, newB)
	return actual
}

// Allow reports whether a request to authority may proceed: true when the
// breaker is closed, or open long enough to admit one half-open probe.
func (r *Registry) Allow(authority string) bool {
	b := r.breakerFor(authority)

	state := atomic.LoadInt64(&b.state)
	if state == stateClosed {
		return true
	}

	lastFailure := atomic.LoadInt64(&b.lastFailure)
	if time.Since(time.Unix(0, lastFailure)) > b.timeout {
		// Try half-open: one request through, no concurrent retries
		// until it settles. Restamping lastFailure picks a single winner
		// and starts a new window, so a probe that never reports back
		// is followed by another one a timeout later.
		if atomic.CompareAndSwapInt64(&b.lastFailure, lastFailure, time.Now().UnixNano()) {
			atomic.CompareAndSwapInt64(&b.state, state, stateHalfOpen)
			return true
		}
	}

	return false
}

// RecordSuccess closes authority's breaker and resets its failure count.
func (r *Registry) RecordSuccess(authority string) {
	b := r.breakerFor(authority)
	atomic.StoreInt64(&b.failures, 0)
	atomic.StoreInt64(&b.state, stateClosed)
}

// RecordFailure increments authority's failure count, opening the breaker
// once threshold consecutive failures accrue.
func (r *Registry) RecordFailure(authority string) {
	b := r.breakerFor(authority)
	failures := atomic.AddInt64(&b.failures, 1)
	atomic.StoreInt64(&b.lastFailure, time.Now().UnixNano())

	if failures >= b.threshold {
		atomic.StoreInt64(&b.state, stateOpen)
	}
}

// IsOpen reports whether authority's breaker currently rejects requests,
// without the half-open side effect Allow has - useful for status/metrics
// surfaces that should not themselves trigger a probe.
func (r *Registry) IsOpen(authority string) bool {
	b := r.breakerFor(authority)
	state := atomic.LoadInt64(&b.state)
	if state == stateClosed {
		return false
	}
	lastFailure := atomic.LoadInt64(&b.lastFailure)
	return time.Since(time.Unix(0, lastFailure)) <= b.timeout
}
