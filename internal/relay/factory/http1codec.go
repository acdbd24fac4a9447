package factory

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/nyxio/relay/internal/relay/request"
)

// http1Codec implements http1.Codec over a raw net.Conn. Response
// status-line/header parsing and chunked-transfer decoding are delegated
// to net/http's ReadResponse rather than reimplemented, matching the
// codec boundary in this package's component design: relay drives
// framing decisions, the standard library's wire parser does the
// parsing.
type http1Codec struct {
	conn net.Conn
	br   *bufio.Reader
	bw   *bufio.Writer

	mu          sync.Mutex
	lastMethod  string
	pendingResp *http.Response
}

func newHTTP1Codec(conn net.Conn) *http1Codec {
	return &http1Codec{
		conn: conn,
		br:   bufio.NewReader(conn),
		bw:   bufio.NewWriter(conn),
	}
}

func (c *http1Codec) WriteRequest(ctx context.Context, req *request.Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastMethod = req.Method

	path := req.Path
	if path == "" {
		path = "/"
	}

	var chunked bool
	knownLen := int64(-1)
	if req.Body != nil {
		if n, ok := req.Body.Len(); ok {
			knownLen = n
		} else {
			chunked = true
		}
	}

	var sb strings.Builder
	sb.WriteString(req.Method)
	sb.WriteString(" ")
	sb.WriteString(path)
	sb.WriteString(" HTTP/1.1\r\n")

	hasHost := false
	for _, h := range req.Headers {
		if strings.EqualFold(h.Name, "Host") {
			hasHost = true
		}
		sb.WriteString(h.Name)
		sb.WriteString(": ")
		sb.WriteString(h.Value)
		sb.WriteString("\r\n")
	}
	if !hasHost {
		sb.WriteString("Host: ")
		sb.WriteString(req.Authority)
		sb.WriteString("\r\n")
	}
	if req.Body != nil {
		if chunked {
			sb.WriteString("Transfer-Encoding: chunked\r\n")
		} else {
			fmt.Fprintf(&sb, "Content-Length: %d\r\n", knownLen)
		}
	}
	sb.WriteString("\r\n")

	if _, err := c.bw.WriteString(sb.String()); err != nil {
		return err
	}

	if req.Body != nil {
		for {
			chunk, ok, err := req.Body.Next(ctx)
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			if chunked {
				fmt.Fprintf(c.bw, "%x\r\n", len(chunk))
				c.bw.Write(chunk)
				c.bw.WriteString("\r\n")
			} else {
				c.bw.Write(chunk)
			}
		}
		if chunked {
			c.bw.WriteString("0\r\n\r\n")
		}
	}

	return c.bw.Flush()
}

func (c *http1Codec) ReadStatusAndHeaders(ctx context.Context) (int, []request.Header, error) {
	resp, err := http.ReadResponse(c.br, &http.Request{Method: c.lastMethod})
	if err != nil {
		return 0, nil, err
	}
	c.pendingResp = resp

	headers := make([]request.Header, 0, len(resp.Header))
	for name, values := range resp.Header {
		for _, v := range values {
			headers = append(headers, request.Header{Name: name, Value: v})
		}
	}
	return resp.StatusCode, headers, nil
}

func (c *http1Codec) ReadBodyChunk(ctx context.Context) ([]byte, bool, error) {
	if c.pendingResp == nil || c.pendingResp.Body == nil {
		return nil, true, nil
	}
	buf := make([]byte, 32*1024)
	n, err := c.pendingResp.Body.Read(buf)
	if n > 0 {
		data := buf[:n]
		if err == io.EOF {
			return data, true, nil
		}
		if err != nil {
			return data, false, err
		}
		return data, false, nil
	}
	if err == io.EOF {
		return nil, true, nil
	}
	return nil, false, err
}

// Hijack returns a net.Conn that replays any bytes already buffered by
// this codec's bufio.Reader before falling through to raw socket reads,
// so a caller taking over framing (the HTTP/2 codec, post-upgrade) never
// loses bytes the codec had already read ahead.
func (c *http1Codec) Hijack() (net.Conn, error) {
	return &hijackedConn{Conn: c.conn, r: c.br}, nil
}

func (c *http1Codec) Close() error { return c.conn.Close() }

type hijackedConn struct {
	net.Conn
	r *bufio.Reader
}

func (h *hijackedConn) Read(p []byte) (int, error) { return h.r.Read(p) }
