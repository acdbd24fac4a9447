// Package http2 implements the HTTP/2 Connection and its per-stream
// Exchange specialization: a multiplexed stream registry, settings
// tracking and inbound frame dispatch, matching relay's frame-handling
// table. The byte-level HPACK/framer work is delegated to a Codec
// collaborator (grounded on golang.org/x/net/http2's Framer/HEADERS-frame
// types) - this package reproduces only the WHAT of frame handling, never
// re-implements HPACK or frame serialization itself.
package http2

import (
	"github.com/nyxio/relay/internal/relay/relayerr"
	"github.com/nyxio/relay/internal/relay/request"
)

// SettingID names the subset of HTTP/2 SETTINGS identifiers relay reasons
// about explicitly; everything else passes through the codec untouched.
type SettingID uint16

const (
	SettingHeaderTableSize      SettingID = 0x1
	SettingMaxConcurrentStreams SettingID = 0x3
	SettingInitialWindowSize    SettingID = 0x4
	SettingMaxFrameSize         SettingID = 0x5
	SettingMaxHeaderListSize    SettingID = 0x6
)

// Setting is one (id, value) SETTINGS entry, used both for outbound local
// settings (H2C upgrade header encoding) and inbound peer settings.
type Setting struct {
	ID    SettingID
	Value uint32
}

// Codec is the transport collaborator: framed reads/writes for HTTP/2,
// with local/peer SETTINGS observation and a single error callback. relay
// drives it; it never parses or serializes frames itself.
type Codec interface {
	// WriteHeaders sends a HEADERS frame (and any necessary CONTINUATION
	// frames, transparently) for streamID.
	WriteHeaders(streamID uint32, headers []request.Header, endStream bool) error
	// WriteData sends a DATA frame.
	WriteData(streamID uint32, data []byte, endStream bool) error
	// WriteRSTStream resets a stream with the given error code.
	WriteRSTStream(streamID uint32, code relayerr.StreamErrorCode) error
	// WriteGoAway signals connection shutdown to the peer.
	WriteGoAway(lastStreamID uint32, code relayerr.StreamErrorCode) error
	// WriteSettings pushes a local SETTINGS frame update.
	WriteSettings(settings []Setting) error
	// LocalSettings returns the settings this side advertises, used to
	// build the H2C upgrade header's base64url payload.
	LocalSettings() []Setting
	// NextStreamID allocates and returns the next odd client-initiated
	// stream id, or 0 if none can be allocated (connection closing or
	// stream id space exhausted).
	NextStreamID() uint32
	// ReserveStreamID marks id as already allocated without handing it
	// out, so a subsequent NextStreamID call skips past it. Used once,
	// at H2C upgrade time, to account for the stream the upgrading
	// request already consumed over HTTP/1.1.
	ReserveStreamID(id uint32)
	// Close tears down the underlying socket.
	Close() error
}

// InboundEvent is the dispatch payload handed to Connection.HandleFrame,
// covering every frame type relay's frame table reacts to. Exactly one of
// the typed fields is populated, selected by Kind.
type InboundEvent struct {
	Kind EventKind

	StreamID  uint32
	Headers   []request.Header
	EndStream bool

	Data []byte

	ResetCode relayerr.StreamErrorCode

	LastStreamID uint32
	GoAwayCode   relayerr.StreamErrorCode

	Settings []Setting
}

// EventKind discriminates InboundEvent payloads.
type EventKind int

const (
	EventHeaders EventKind = iota
	EventData
	EventRSTStream
	EventGoAway
	EventSettings
	// EventPassthrough covers WINDOW_UPDATE, PING, PRIORITY and unknown
	// frames: relay takes no exchange-level action, the codec has
	// already handled them internally.
	EventPassthrough
)
