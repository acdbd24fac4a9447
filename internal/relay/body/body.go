// Package body implements the Response Body Stream: a backpressured
// sequence of byte chunks terminated by end-of-stream or error. Producers
// (an HTTP/1.x or HTTP/2 connection) push chunks in as frames arrive;
// consumers pull them off in order. The queue is bounded so a slow upstream
// peer can't make the connection buffer an unbounded amount of response
// data in memory - byte-level flow control itself belongs to the transport
// codec (see relay's §6 external interfaces), this stream only ever
// exercises backpressure by declining to buffer more than its capacity.
package body

import (
	"io"
	"sync"

	"github.com/nyxio/relay/pkg/pool"
)

// Chunk is one unit of received body data. Pool recycles its Data slice once
// the consumer is done with it via Release.
type Chunk struct {
	Data []byte
	pool *Stream
}

// Release returns the chunk's backing buffer to the stream's buffer pool.
// Safe to call multiple times; safe to skip (the GC will reclaim it).
func (c *Chunk) Release() {
	if c.pool != nil && c.Data != nil {
		c.pool.bufPool.Put(&c.Data)
		c.Data = nil
		c.pool = nil
	}
}

// Stream is a single-producer, single-consumer channel of Chunks with a
// terminal error (nil on clean end-of-stream).
type Stream struct {
	chunks  chan *Chunk
	bufPool *pool.Pool[*[]byte]

	mu       sync.Mutex
	closed   bool
	closeErr error
	doneCh   chan struct{}
}

// New creates a Stream with the given bounded capacity (number of
// in-flight, unconsumed chunks before Write starts releasing instead of
// blocking).
func New(capacity int) *Stream {
	if capacity <= 0 {
		capacity = 1
	}
	return &Stream{
		chunks: make(chan *Chunk, capacity),
		doneCh: make(chan struct{}),
		bufPool: pool.NewLitePool(func() *[]byte {
			b := make([]byte, 0, 32*1024)
			return &b
		}),
	}
}

// Write publishes a chunk of received bytes. It never blocks: if the bounded
// queue is full (the consumer is slow), the chunk is dropped and its buffer
// released immediately rather than stalling the connection's read loop -
// chunks either reach the consumer or are explicitly released, never both
// silently lost without accounting. Write reports whether the chunk was
// actually queued so callers that need reliable delivery (e.g. when the
// transport codec has no independent flow control) can choose to apply
// backpressure at a higher level instead of calling Write at all.
func (st *Stream) Write(data []byte) (queued bool) {
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return false
	}
	st.mu.Unlock()

	buf := st.bufPool.Get()
	*buf = append((*buf)[:0], data...)
	c := &Chunk{Data: *buf, pool: st}

	select {
	case st.chunks <- c:
		return true
	default:
		c.Release()
		return false
	}
}

// Next blocks until a chunk is available or the stream ends; it takes no
// context and cannot be cancelled. err is io.EOF on a clean end, or the
// error passed to Fail.
func (st *Stream) Next() (*Chunk, error) {
	c, ok := <-st.chunks
	if ok {
		return c, nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closeErr != nil {
		return nil, st.closeErr
	}
	return nil, io.EOF
}

// Complete terminates the stream cleanly; any Next call after the queue
// drains returns io.EOF. Idempotent.
func (st *Stream) Complete() {
	st.finish(nil)
}

// Fail terminates the stream with an error. Idempotent; the first call
// wins, matching the exchange's dispose-once semantics.
func (st *Stream) Fail(err error) {
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	st.finish(err)
}

func (st *Stream) finish(err error) {
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return
	}
	st.closed = true
	st.closeErr = err
	st.mu.Unlock()
	close(st.chunks)
	close(st.doneCh)
}

// Done reports stream termination for select-based consumers.
func (st *Stream) Done() <-chan struct{} {
	return st.doneCh
}

// Drain consumes and releases every remaining chunk without delivering
// them; used when an exchange is disposed mid-stream.
func (st *Stream) Drain() {
	for c := range st.chunks {
		c.Release()
	}
}
