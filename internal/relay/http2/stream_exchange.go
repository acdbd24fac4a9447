package http2

import (
	"time"

	"github.com/nyxio/relay/internal/relay/exchange"
)

// StreamExchange specializes exchange.Exchange with an HTTP/2 stream id.
// The id is 0 until SetStreamID records it. Connection.Send allocates the
// id through NextStreamID first, then wraps the exchange, sets the id and
// registers it in the connection's map before HEADERS are written.
type StreamExchange struct {
	*exchange.Exchange
	streamID uint32
}

// NewStreamExchange wraps ex with a not-yet-allocated stream id.
func NewStreamExchange(ex *exchange.Exchange) *StreamExchange {
	return &StreamExchange{Exchange: ex}
}

// StreamID returns the allocated id, or 0 if not yet allocated.
func (s *StreamExchange) StreamID() uint32 { return s.streamID }

// SetStreamID records the id assigned by the connection's NextStreamID
// call; it is set exactly once, immediately before HEADERS is emitted.
func (s *StreamExchange) SetStreamID(id uint32) { s.streamID = id }

// LastActivity is an alias for Exchange.LastModified, named to match the
// HTTP/2-specific sliding-timeout vocabulary used in relay's timeout
// policy (updated on each received DATA event, here via Touch).
func (s *StreamExchange) LastActivity() time.Time { return s.LastModified() }
