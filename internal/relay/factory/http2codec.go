package factory

import (
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	relayhttp2 "github.com/nyxio/relay/internal/relay/http2"
	"github.com/nyxio/relay/internal/relay/relayerr"
	"github.com/nyxio/relay/internal/relay/request"
)

// http2Codec implements relayhttp2.Codec over a raw net.Conn using
// golang.org/x/net/http2's Framer for wire-level framing and its hpack
// package for header (de)compression - relay never reimplements HPACK or
// frame serialization, matching the codec boundary in this package's
// component design.
type http2Codec struct {
	conn net.Conn

	writeMu sync.Mutex
	framer  *http2.Framer

	hpackEnc   *hpack.Encoder
	hpackEncBuf *bufferWriter

	nextStreamID uint32 // atomic; client streams are odd, starting at 1

	localSettings []relayhttp2.Setting
}

// bufferWriter is a tiny growable byte sink, avoiding a bytes.Buffer
// import purely for hpack.Encoder's io.Writer requirement.
type bufferWriter struct{ buf []byte }

func (b *bufferWriter) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	return len(p), nil
}
func (b *bufferWriter) Reset() { b.buf = b.buf[:0] }

// newHTTP2Codec wraps conn, which must already have had any HTTP/2
// client preface written (for a fresh TLS/h2 connection) or must be
// positioned right after the preface (for an h2c-upgraded connection
// adopting stream 1).
func newHTTP2Codec(conn net.Conn, localSettings []relayhttp2.Setting) *http2Codec {
	buf := &bufferWriter{}
	c := &http2Codec{
		conn:          conn,
		framer:        http2.NewFramer(conn, conn),
		hpackEncBuf:   buf,
		hpackEnc:      hpack.NewEncoder(buf),
		localSettings: localSettings,
	}
	c.framer.ReadMetaHeaders = hpack.NewDecoder(4096, nil)
	return c
}

// NextStreamID allocates the next odd-numbered id, atomically.
func (c *http2Codec) NextStreamID() uint32 {
	for {
		cur := atomic.LoadUint32(&c.nextStreamID)
		next := cur + 2
		if cur == 0 {
			next = 1
		}
		if next < cur || next > 1<<31-1 { // past the 31-bit stream id space
			return 0
		}
		if atomic.CompareAndSwapUint32(&c.nextStreamID, cur, next) {
			if cur == 0 {
				return 1
			}
			return next
		}
	}
}

// ReserveStreamID marks id as consumed so the next NextStreamID call skips
// past it, used once at H2C upgrade time since the upgrading request's
// stream (always 1) was never allocated through this counter.
func (c *http2Codec) ReserveStreamID(id uint32) {
	for {
		cur := atomic.LoadUint32(&c.nextStreamID)
		if cur >= id {
			return
		}
		if atomic.CompareAndSwapUint32(&c.nextStreamID, cur, id) {
			return
		}
	}
}

func (c *http2Codec) WriteHeaders(streamID uint32, headers []request.Header, endStream bool) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.hpackEncBuf.Reset()
	for _, h := range headers {
		_ = c.hpackEnc.WriteField(hpack.HeaderField{Name: h.Name, Value: h.Value})
	}
	block := append([]byte(nil), c.hpackEncBuf.buf...)

	return c.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      streamID,
		BlockFragment: block,
		EndStream:     endStream,
		EndHeaders:    true,
	})
}

func (c *http2Codec) WriteData(streamID uint32, data []byte, endStream bool) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.framer.WriteData(streamID, endStream, data)
}

func (c *http2Codec) WriteRSTStream(streamID uint32, code relayerr.StreamErrorCode) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.framer.WriteRSTStream(streamID, http2.ErrCode(code))
}

func (c *http2Codec) WriteGoAway(lastStreamID uint32, code relayerr.StreamErrorCode) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.framer.WriteGoAway(lastStreamID, http2.ErrCode(code), nil)
}

func (c *http2Codec) WriteSettings(settings []relayhttp2.Setting) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	frames := make([]http2.Setting, 0, len(settings))
	for _, s := range settings {
		frames = append(frames, http2.Setting{ID: http2.SettingID(s.ID), Val: s.Value})
	}
	return c.framer.WriteSettings(frames...)
}

func (c *http2Codec) LocalSettings() []relayhttp2.Setting { return c.localSettings }

func (c *http2Codec) Close() error { return c.conn.Close() }

// readLoop translates frames read off the wire into relayhttp2.InboundEvent
// values delivered to conn.HandleFrame, run by the caller that owns this
// connection's goroutine (the factory's dial completion).
func readLoop(framer *http2.Framer, conn *relayhttp2.Connection) {
	for {
		f, err := framer.ReadFrame()
		if err != nil {
			return
		}
		switch fr := f.(type) {
		case *http2.MetaHeadersFrame:
			headers := make([]request.Header, 0, len(fr.Fields))
			for _, hf := range fr.Fields {
				headers = append(headers, request.Header{Name: hf.Name, Value: hf.Value})
			}
			conn.HandleFrame(relayhttp2.InboundEvent{
				Kind:      relayhttp2.EventHeaders,
				StreamID:  fr.StreamID,
				Headers:   headers,
				EndStream: fr.StreamEnded(),
			})
		case *http2.DataFrame:
			conn.HandleFrame(relayhttp2.InboundEvent{
				Kind:      relayhttp2.EventData,
				StreamID:  fr.StreamID,
				Data:      append([]byte(nil), fr.Data()...),
				EndStream: fr.StreamEnded(),
			})
		case *http2.RSTStreamFrame:
			conn.HandleFrame(relayhttp2.InboundEvent{
				Kind:      relayhttp2.EventRSTStream,
				StreamID:  fr.StreamID,
				ResetCode: relayerr.StreamErrorCode(fr.ErrCode),
			})
		case *http2.GoAwayFrame:
			conn.HandleFrame(relayhttp2.InboundEvent{
				Kind:         relayhttp2.EventGoAway,
				LastStreamID: fr.LastStreamID,
				GoAwayCode:   relayerr.StreamErrorCode(fr.ErrCode),
			})
		case *http2.SettingsFrame:
			if fr.IsAck() {
				continue
			}
			settings := make([]relayhttp2.Setting, 0, fr.NumSettings())
			fr.ForeachSetting(func(s http2.Setting) error {
				settings = append(settings, relayhttp2.Setting{ID: relayhttp2.SettingID(s.ID), Value: s.Val})
				return nil
			})
			conn.HandleFrame(relayhttp2.InboundEvent{Kind: relayhttp2.EventSettings, Settings: settings})
		default:
			conn.HandleFrame(relayhttp2.InboundEvent{Kind: relayhttp2.EventPassthrough})
		}
	}
}
