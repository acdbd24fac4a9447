// Package response defines the minimal Response value the core produces:
// status, headers, a body stream and (for HTTP/2) trailers attached once
// the body completes. Full user-facing response ergonomics (JSON decoding,
// cookie jars, etc.) are an external collaborator's concern.
package response

import (
	"github.com/nyxio/relay/internal/relay/body"
	"github.com/nyxio/relay/internal/relay/request"
)

// Response is constructed once the first HEADERS (HTTP/2) or status line +
// headers (HTTP/1.x) arrive, then handed to the Exchange via setResponse.
type Response struct {
	StatusCode int
	Headers    []request.Header
	Body       *body.Stream

	// Trailers is populated only after the body completes, if the peer
	// sent a trailing HEADERS frame; nil otherwise.
	Trailers []request.Header
}

// HeaderValue returns the first matching response header value, or "".
func (r *Response) HeaderValue(name string) string {
	for _, h := range r.Headers {
		if h.Name == name {
			return h.Value
		}
	}
	return ""
}

// SetTrailers attaches trailers observed after the body; called by the
// connection on a post-body HEADERS frame, before notifying completion.
func (r *Response) SetTrailers(trailers []request.Header) {
	r.Trailers = trailers
}
