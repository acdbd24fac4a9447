// Package relay is the public entry point: a Client multiplexes requests
// across per-authority connection pools, deciding HTTP/1.1, HTTP/2 or an
// H2C upgrade per the client's TLS and H2C configuration, and handing
// each caller a single-shot Sink resolved once the response headers
// arrive (the body streams independently afterwards).
package relay

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/nyxio/relay/internal/config"
	"github.com/nyxio/relay/internal/logger"
	"github.com/nyxio/relay/internal/relay/circuitbreaker"
	"github.com/nyxio/relay/internal/relay/exchange"
	"github.com/nyxio/relay/internal/relay/factory"
	"github.com/nyxio/relay/internal/relay/pool"
	"github.com/nyxio/relay/internal/relay/relayerr"
	"github.com/nyxio/relay/internal/relay/request"
	"github.com/nyxio/relay/internal/relay/response"
	"github.com/nyxio/relay/internal/relay/transport"
	"github.com/nyxio/relay/pkg/eventbus"
	"github.com/nyxio/relay/pkg/metrics"
)

// Client owns one Pooled Endpoint per authority and the dialer shared by
// all of them. Safe for concurrent use. The endpoint registry is an
// xsync.Map, the same lock-free concurrent map the teacher pack uses for
// its own per-endpoint pool/circuit-breaker registries.
type Client struct {
	cfg    *config.Config
	dialer pool.Dialer
	log    *logger.StyledLogger

	endpoints xsync.Map[string, *pool.Endpoint]
	closed    atomic.Bool

	breaker *circuitbreaker.Registry

	events    *eventbus.EventBus[metrics.PoolEvent]
	collector *metrics.PoolCollector

	pollStop chan struct{}
	pollOnce sync.Once
}

// New constructs a Client from a loaded Config. log may be nil, in which
// case pool events are not logged.
func New(cfg *config.Config, log *logger.StyledLogger) *Client {
	var tlsConfig *tls.Config
	if cfg.TLS.Enabled {
		tlsConfig = &tls.Config{
			ServerName:         cfg.TLS.ServerName,
			InsecureSkipVerify: cfg.TLS.Insecure,
		}
	}

	dialer := factory.NewDialer(factory.Options{
		TLSEnabled:                     cfg.TLS.Enabled,
		TLSConfig:                      tlsConfig,
		RawDialer:                      transport.NewNetRawDialer(cfg.Pool.ConnectTimeout),
		Clock:                          transport.RealClock{},
		RequestTimeout:                 cfg.Client.RequestTimeout,
		BodyCapacity:                   cfg.HTTP2.StreamBufferSize,
		HTTP2LocalMaxConcurrentStreams: cfg.HTTP2.MaxConcurrentStreams,
		H2CEnabled:                     cfg.Client.H2CEnabled,
	})

	var breaker *circuitbreaker.Registry
	if cfg.Client.CircuitBreakerEnabled {
		breaker = circuitbreaker.New(cfg.Client.CircuitBreakerThreshold, cfg.Client.CircuitBreakerTimeout)
	}

	c := &Client{
		cfg:       cfg,
		dialer:    dialer,
		log:       log,
		endpoints: *xsync.NewMap[string, *pool.Endpoint](),
		breaker:   breaker,
		events:    eventbus.New[metrics.PoolEvent](),
		pollStop:  make(chan struct{}),
	}
	go c.pollStats(5 * time.Second)
	return c
}

// EnableMetrics registers a Prometheus pool collector and subscribes it to
// this client's stats poll. Optional; the pool functions identically
// without it.
func (c *Client) EnableMetrics(collector *metrics.PoolCollector) {
	c.collector = collector
}

// poolLogger adapts *logger.StyledLogger to pool.Logger.
type poolLogger struct{ sl *logger.StyledLogger }

func (l poolLogger) Debug(msg string, args ...any) { l.sl.Debug(msg, args...) }
func (l poolLogger) Warn(msg string, args ...any)  { l.sl.Warn(msg, args...) }
func (l poolLogger) Error(msg string, args ...any) { l.sl.Error(msg, args...) }

func (c *Client) endpointFor(authority string) (*pool.Endpoint, error) {
	if c.closed.Load() {
		return nil, &relayerr.PoolClosedError{Authority: authority}
	}
	if ep, ok := c.endpoints.Load(authority); ok {
		return ep, nil
	}

	var log pool.Logger
	if c.log != nil {
		log = poolLogger{c.log.WithAttrs()}
	}

	ep := pool.New(pool.Config{
		Authority:        authority,
		MaxSize:          c.cfg.Pool.MaxSize,
		BufferSize:       c.cfg.Pool.BufferSize,
		CleanPeriod:      c.cfg.Pool.CleanPeriod,
		ConnectTimeout:   c.cfg.Pool.ConnectTimeout,
		KeepAliveTimeout: c.cfg.Pool.KeepAliveTimeout,
		Clock:            transport.RealClock{},
		Dialer:           c.dialer,
		Logger:           log,
	})

	actual, loaded := c.endpoints.LoadOrStore(authority, ep)
	if loaded {
		// Lost the race to another caller constructing the same
		// authority's pool; shut down the one we built and use theirs.
		_ = ep.Shutdown(context.Background(), false)
		return actual, nil
	}
	if c.collector != nil {
		c.collector.SetCapacity(authority, c.cfg.Pool.MaxSize)
	}
	if c.log != nil {
		c.log.InfoWithAuthority("pool created", authority)
	}
	return ep, nil
}

// Do submits req to the pool for req.Authority and blocks until the
// response headers arrive (or the request fails/times out). The returned
// Response's Body must be drained (Next until io.EOF) or Drained
// explicitly, or the underlying connection's flow control stalls.
//
// If a circuit breaker is enabled and req.Authority's breaker is open, Do
// fails fast with a CircuitOpenError instead of waiting out a connect
// timeout.
func (c *Client) Do(ctx context.Context, req *request.Request) (*response.Response, error) {
	if c.breaker != nil && !c.breaker.Allow(req.Authority) {
		return nil, &relayerr.CircuitOpenError{Authority: req.Authority}
	}

	ep, err := c.endpointFor(req.Authority)
	if err != nil {
		return nil, err
	}

	ex := exchange.New(req, exchange.Options{
		Clock:          transport.RealClock{},
		RequestTimeout: c.cfg.Client.RequestTimeout,
	})

	if err := ep.Submit(ex); err != nil {
		c.recordBreaker(req.Authority, err)
		return nil, err
	}

	select {
	case <-ex.Sink().Done():
		resp, err := ex.Sink().Wait()
		c.recordBreaker(req.Authority, err)
		return resp, err
	case <-ctx.Done():
		ex.Dispose(ctx.Err())
		return nil, ctx.Err()
	}
}

func (c *Client) recordBreaker(authority string, err error) {
	if c.breaker == nil {
		return
	}
	if err != nil {
		c.breaker.RecordFailure(authority)
		return
	}
	c.breaker.RecordSuccess(authority)
}

// Stats returns a point-in-time snapshot of every authority's pool, keyed
// by authority.
func (c *Client) Stats() map[string]pool.Stats {
	out := make(map[string]pool.Stats)
	c.endpoints.Range(func(authority string, ep *pool.Endpoint) bool {
		out[authority] = ep.Stats()
		return true
	})
	return out
}

// pollStats periodically publishes a PoolEvent per authority to any
// eventbus subscribers (the optional Prometheus collector among them).
// This is purely observational and never consulted by the pool itself.
func (c *Client) pollStats(period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-c.pollStop:
			return
		case <-ticker.C:
			c.endpoints.Range(func(authority string, ep *pool.Endpoint) bool {
				s := ep.Stats()
				ev := metrics.PoolEvent{
					Authority:  authority,
					Active:     s.Active,
					Parked:     s.Parked,
					Connecting: s.Connecting,
					Buffered:   s.Buffered,
				}
				c.events.Publish(ev)
				if c.collector != nil {
					c.collector.Observe(ev)
				}
				return true
			})
		}
	}
}

// Events returns the event bus publishing periodic PoolEvents, for
// consumers that want to build their own observability pipeline instead
// of (or alongside) the built-in Prometheus collector.
func (c *Client) Events() *eventbus.EventBus[metrics.PoolEvent] {
	return c.events
}

// Shutdown closes every authority's pool. If graceful, each pool waits for
// in-flight exchanges to finish before closing its connections.
func (c *Client) Shutdown(ctx context.Context, graceful bool) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.pollOnce.Do(func() { close(c.pollStop) })
	c.events.Shutdown()

	var firstErr error
	c.endpoints.Range(func(authority string, ep *pool.Endpoint) bool {
		if err := ep.Shutdown(ctx, graceful); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("shutdown %s: %w", authority, err)
		}
		return true
	})
	return firstErr
}
