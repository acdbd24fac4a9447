// Package factory wires relay's abstract transport collaborators (Codec,
// RawDialer) onto real sockets: golang.org/x/net/http2's Framer/hpack for
// HTTP/2, net/http's response parser for HTTP/1.1, and ALPN/h2c
// negotiation deciding which one a freshly dialed connection gets.
package factory

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	xnethttp2 "golang.org/x/net/http2"

	"github.com/nyxio/relay/internal/relay/exchange"
	"github.com/nyxio/relay/internal/relay/http1"
	relayhttp2 "github.com/nyxio/relay/internal/relay/http2"
	"github.com/nyxio/relay/internal/relay/pool"
	"github.com/nyxio/relay/internal/relay/transport"
)

// Options configures the dialer a Pooled Endpoint uses to establish new
// connections to one authority.
type Options struct {
	TLSEnabled bool
	TLSConfig  *tls.Config
	RawDialer  transport.RawDialer
	Clock      transport.Clock

	RequestTimeout                 time.Duration
	BodyCapacity                   int
	HTTP2LocalMaxConcurrentStreams int64

	// H2CEnabled allows a first request on a plaintext connection to
	// attempt an H2C upgrade instead of staying on HTTP/1.1.
	H2CEnabled bool
}

// NewDialer returns a pool.Dialer performing negotiation per Options:
// ALPN over TLS, optional H2C upgrade over plaintext.
func NewDialer(opts Options) pool.Dialer {
	return func(ctx context.Context, authority string) (transport.Connection, error) {
		clock := opts.Clock
		if clock == nil {
			clock = transport.RealClock{}
		}
		rawDialer := opts.RawDialer
		if rawDialer == nil {
			rawDialer = transport.NewNetRawDialer(10 * time.Second)
		}

		localSettings := []relayhttp2.Setting{
			{ID: relayhttp2.SettingMaxConcurrentStreams, Value: uint32(maxConcurrentOrDefault(opts.HTTP2LocalMaxConcurrentStreams))},
		}

		if opts.TLSEnabled {
			cfg := opts.TLSConfig
			if cfg == nil {
				cfg = &tls.Config{NextProtos: []string{"h2", "http/1.1"}}
			} else if len(cfg.NextProtos) == 0 {
				clone := cfg.Clone()
				clone.NextProtos = []string{"h2", "http/1.1"}
				cfg = clone
			}
			conn, neg, err := rawDialer.DialTLS(ctx, "tcp", authority, cfg)
			if err != nil {
				return nil, err
			}
			if neg.NegotiatedALPN == "h2" {
				return dialHTTP2(conn, true, clock, opts, localSettings), nil
			}
			return dialHTTP1(conn, true, clock, opts, localSettings, false), nil
		}

		conn, err := rawDialer.DialPlain(ctx, "tcp", authority)
		if err != nil {
			return nil, err
		}
		return dialHTTP1(conn, false, clock, opts, localSettings, opts.H2CEnabled), nil
	}
}

func maxConcurrentOrDefault(v int64) int64 {
	if v <= 0 {
		return 100
	}
	return v
}

func dialHTTP2(conn net.Conn, tlsEnabled bool, clock transport.Clock, opts Options, localSettings []relayhttp2.Setting) transport.Connection {
	_, _ = conn.Write([]byte(xnethttp2.ClientPreface))

	codec := newHTTP2Codec(conn, localSettings)
	c := relayhttp2.New(relayhttp2.Config{
		Codec:              codec,
		Clock:              clock,
		TLS:                tlsEnabled,
		RequestTimeout:     opts.RequestTimeout,
		LocalMaxConcurrent: opts.HTTP2LocalMaxConcurrentStreams,
		BodyCapacity:       opts.BodyCapacity,
	})
	_ = codec.WriteSettings(localSettings)
	go readLoop(codec.framer, c)
	return c
}

func dialHTTP1(conn net.Conn, tlsEnabled bool, clock transport.Clock, opts Options, localSettings []relayhttp2.Setting, allowH2C bool) transport.Connection {
	codec := newHTTP1Codec(conn)

	var builder http1.UpgradeBuilder
	if allowH2C {
		builder = func(raw net.Conn, pending *exchange.Exchange) (transport.Connection, error) {
			h2codec := newHTTP2Codec(raw, localSettings)
			h2conn := relayhttp2.New(relayhttp2.Config{
				Codec:              h2codec,
				Clock:              clock,
				TLS:                false,
				RequestTimeout:     opts.RequestTimeout,
				LocalMaxConcurrent: opts.HTTP2LocalMaxConcurrentStreams,
				BodyCapacity:       opts.BodyCapacity,
			})
			h2conn.AdoptUpgrade(pending)
			go readLoop(h2codec.framer, h2conn)
			return h2conn, nil
		}
	}

	return http1.New(http1.Config{
		Codec:          codec,
		Clock:          clock,
		TLS:            tlsEnabled,
		RequestTimeout: opts.RequestTimeout,
		BodyCapacity:   opts.BodyCapacity,
		AllowH2C:       allowH2C,
		H2CSettings:    localSettings,
		UpgradeBuilder: builder,
	})
}
