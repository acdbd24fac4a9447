// Package request defines the Request value: an immutable
// method/authority/path/headers triple plus a lazy body producer. Request
// construction and header/body encoding (multipart, URL-form, file) are
// external collaborators per relay's scope - this package only defines the
// contract the exchange and connection state machines drive.
package request

import "context"

// BodyProducer is the external collaborator contract for lazy request body
// production: raw bytes, text chunks, a file/resource reader, or an
// encoded multipart/URL-form body. Implementations live outside this
// module's scope; relay only calls Next/Len.
type BodyProducer interface {
	// Next returns the next chunk of body bytes, or io.EOF (via a false
	// ok) when exhausted.
	Next(ctx context.Context) (chunk []byte, ok bool, err error)
	// Len returns the known content length, or (-1, false) if unknown
	// (chunked transfer / unknown-length HTTP/2 DATA stream).
	Len() (n int64, known bool)
}

// Header is a single wire header field. Codec-level ordering, casing and
// HPACK table assignment are the transport codec's job; relay only needs
// to carry the field from Request construction through to the connection
// that writes it.
type Header struct {
	Name  string
	Value string
}

// Request is immutable once built: method, authority, path, headers and an
// optional lazy body. The same Request value may be replayed across a
// retry (a higher layer's concern) because nothing here is mutated by the
// exchange that sends it.
type Request struct {
	Method    string
	Authority string
	Path      string
	Headers   []Header
	Body      BodyProducer

	// ctx is carried for cancellation/deadline propagation into the
	// connection's write loop; it is never mutated after construction.
	ctx context.Context
}

// New constructs a Request. headers is copied so later mutation by the
// caller cannot race the exchange reading it.
func New(ctx context.Context, method, authority, path string, headers []Header, bodyProducer BodyProducer) *Request {
	if ctx == nil {
		ctx = context.Background()
	}
	h := make([]Header, len(headers))
	copy(h, headers)
	return &Request{
		Method:    method,
		Authority: authority,
		Path:      path,
		Headers:   h,
		Body:      bodyProducer,
		ctx:       ctx,
	}
}

// Context returns the request's context for cancellation/deadline checks.
func (r *Request) Context() context.Context {
	if r.ctx == nil {
		return context.Background()
	}
	return r.ctx
}

// WithHeader returns a copy of the Request with an additional header
// appended. Used by connection state machines to add protocol-specific
// headers (e.g. the H2C upgrade triad) without mutating the caller's value.
func (r *Request) WithHeader(name, value string) *Request {
	clone := *r
	clone.Headers = append(append([]Header{}, r.Headers...), Header{Name: name, Value: value})
	return &clone
}

// HeaderValue returns the first value for name, case-sensitively, or "" if
// absent. Case-insensitive matching is a codec concern once headers reach
// the wire; relay's own upgrade-handshake logic only ever looks up headers
// it wrote itself.
func (r *Request) HeaderValue(name string) string {
	for _, h := range r.Headers {
		if h.Name == name {
			return h.Value
		}
	}
	return ""
}
