package transport

import (
	"context"
	"crypto/tls"
	"net"
	"time"
)

// RawDialer is the collaborator that opens the underlying socket -
// plaintext TCP for h2c/HTTP/1.1-cleartext, or a TLS handshake performing
// ALPN negotiation between "h2" and "http/1.1". This package also supplies
// the default implementation (NewNetRawDialer); the interface lets
// http1/http2 construction depend on a negotiation result instead of a
// concrete net package, and lets tests substitute a double.
type RawDialer interface {
	// DialTLS performs a TCP connect followed by a TLS handshake,
	// returning the negotiated ALPN protocol alongside the connection.
	DialTLS(ctx context.Context, network, addr string, cfg *tls.Config) (net.Conn, TLSNegotiation, error)
	// DialPlain performs a plain TCP connect, used for h2c (prior
	// knowledge or upgrade) and plaintext HTTP/1.1.
	DialPlain(ctx context.Context, network, addr string) (net.Conn, error)
}

// netRawDialer is the default RawDialer, a thin wrapper over net.Dialer
// and tls.Dial with a timeout, used when the caller doesn't supply a
// test double.
type netRawDialer struct {
	Timeout time.Duration
}

// NewNetRawDialer returns the standard-library-backed RawDialer.
func NewNetRawDialer(timeout time.Duration) RawDialer {
	return &netRawDialer{Timeout: timeout}
}

func (d *netRawDialer) DialPlain(ctx context.Context, network, addr string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: d.Timeout}
	return dialer.DialContext(ctx, network, addr)
}

func (d *netRawDialer) DialTLS(ctx context.Context, network, addr string, cfg *tls.Config) (net.Conn, TLSNegotiation, error) {
	dialer := &net.Dialer{Timeout: d.Timeout}
	tlsDialer := &tls.Dialer{NetDialer: dialer, Config: cfg}
	conn, err := tlsDialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, TLSNegotiation{}, err
	}
	tc, ok := conn.(*tls.Conn)
	if !ok {
		return conn, TLSNegotiation{}, nil
	}
	state := tc.ConnectionState()
	return conn, TLSNegotiation{Verified: state.HandshakeComplete, NegotiatedALPN: state.NegotiatedProtocol}, nil
}
