package http2

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nyxio/relay/internal/relay/exchange"
	"github.com/nyxio/relay/internal/relay/relayerr"
	"github.com/nyxio/relay/internal/relay/request"
	"github.com/nyxio/relay/internal/relay/transport"
)

// fakeH2Codec records every frame relay writes, and hands back a
// caller-assigned stream id sequence so tests can control allocation
// without a real framer.
type fakeH2Codec struct {
	mu sync.Mutex

	nextIDs   []uint32
	idCursor  int
	reserved  []uint32
	headers   []headersWrite
	data      []dataWrite
	rsts      []rstWrite
	goAways   []goAwayWrite
	settings  [][]Setting
	closed    bool
}

type headersWrite struct {
	streamID  uint32
	headers   []request.Header
	endStream bool
}
type dataWrite struct {
	streamID  uint32
	data      []byte
	endStream bool
}
type rstWrite struct {
	streamID uint32
	code     relayerr.StreamErrorCode
}
type goAwayWrite struct {
	lastStreamID uint32
	code         relayerr.StreamErrorCode
}

func (c *fakeH2Codec) WriteHeaders(streamID uint32, headers []request.Header, endStream bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.headers = append(c.headers, headersWrite{streamID, headers, endStream})
	return nil
}

func (c *fakeH2Codec) WriteData(streamID uint32, data []byte, endStream bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = append(c.data, dataWrite{streamID, append([]byte(nil), data...), endStream})
	return nil
}

func (c *fakeH2Codec) WriteRSTStream(streamID uint32, code relayerr.StreamErrorCode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rsts = append(c.rsts, rstWrite{streamID, code})
	return nil
}

func (c *fakeH2Codec) WriteGoAway(lastStreamID uint32, code relayerr.StreamErrorCode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.goAways = append(c.goAways, goAwayWrite{lastStreamID, code})
	return nil
}

func (c *fakeH2Codec) WriteSettings(settings []Setting) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings = append(c.settings, settings)
	return nil
}

func (c *fakeH2Codec) LocalSettings() []Setting { return nil }

func (c *fakeH2Codec) NextStreamID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.idCursor >= len(c.nextIDs) {
		return 0
	}
	id := c.nextIDs[c.idCursor]
	c.idCursor++
	return id
}

func (c *fakeH2Codec) ReserveStreamID(id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reserved = append(c.reserved, id)
}

func (c *fakeH2Codec) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeH2Codec) rstCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.rsts)
}

type fakeH2Handler struct {
	mu          sync.Mutex
	settingsCh  []int
	closeCauses []error
	errs        []error
}

func (h *fakeH2Handler) OnSettingsChange(newMax int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.settingsCh = append(h.settingsCh, newMax)
}
func (h *fakeH2Handler) OnClose(cause error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closeCauses = append(h.closeCauses, cause)
}
func (h *fakeH2Handler) OnError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errs = append(h.errs, err)
}
func (h *fakeH2Handler) OnExchangeTerminate() {}
func (h *fakeH2Handler) OnUpgrade(transport.Connection) {}

func (h *fakeH2Handler) closeCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.closeCauses)
}

func newTestH2Exchange(authority string) *exchange.Exchange {
	req := request.New(context.Background(), "GET", authority, "/", nil, nil)
	return exchange.New(req, exchange.Options{Clock: transport.RealClock{}, RequestTimeout: 5 * time.Second})
}

func newTestH2ExchangeWithBody(authority string, body []byte) *exchange.Exchange {
	req := request.New(context.Background(), "POST", authority, "/", nil, &staticBodyProducer{data: body})
	return exchange.New(req, exchange.Options{Clock: transport.RealClock{}, RequestTimeout: 5 * time.Second})
}

// staticBodyProducer hands back its entire payload as a single chunk, then
// io.EOF, satisfying request.BodyProducer without a real encoder.
type staticBodyProducer struct {
	data []byte
	sent bool
}

func (p *staticBodyProducer) Next(ctx context.Context) ([]byte, bool, error) {
	if p.sent {
		return nil, false, nil
	}
	p.sent = true
	return p.data, true, nil
}

func (p *staticBodyProducer) Len() (int64, bool) { return int64(len(p.data)), true }

func TestConnection_ProtocolAndDefaults(t *testing.T) {
	c := New(Config{Codec: &fakeH2Codec{}, Clock: transport.RealClock{}})
	assert.Equal(t, transport.HTTP2, c.Protocol())
	assert.Equal(t, 100, c.MaxConcurrent())
	assert.False(t, c.TLS())
}

func TestConnection_SendAllocatesStreamAndWritesHeaders(t *testing.T) {
	codec := &fakeH2Codec{nextIDs: []uint32{1}}
	c := New(Config{Codec: codec, Clock: transport.RealClock{}})
	require.NoError(t, c.SetHandler(&fakeH2Handler{}))

	ex := newTestH2Exchange("api.example.com")
	require.NoError(t, c.Send(ex))

	se, ok := c.streams.Load(uint32(1))
	require.True(t, ok)
	assert.Equal(t, uint32(1), se.StreamID())

	require.Len(t, codec.headers, 1)
	assert.Equal(t, uint32(1), codec.headers[0].streamID)
	assert.True(t, codec.headers[0].endStream, "request with no body must end the stream on HEADERS")
}

func TestConnection_SendWithBodyWritesDataAfterHeaders(t *testing.T) {
	codec := &fakeH2Codec{nextIDs: []uint32{1}}
	c := New(Config{Codec: codec, Clock: transport.RealClock{}})
	require.NoError(t, c.SetHandler(&fakeH2Handler{}))

	ex := newTestH2ExchangeWithBody("api.example.com", []byte("payload"))
	require.NoError(t, c.Send(ex))

	require.Len(t, codec.headers, 1)
	assert.False(t, codec.headers[0].endStream, "request with a body must not end the stream on HEADERS")

	waitForH2(t, func() bool { return len(codec.data) > 0 })
	assert.Equal(t, "payload", string(codec.data[0].data))
}

func TestConnection_SendWhenClosingFailsFast(t *testing.T) {
	codec := &fakeH2Codec{nextIDs: []uint32{1}}
	c := New(Config{Codec: codec, Clock: transport.RealClock{}})
	require.NoError(t, c.Shutdown(context.Background(), false))

	ex := newTestH2Exchange("api.example.com")
	require.NoError(t, c.Send(ex))

	var allocErr *relayerr.StreamAllocationFailedError
	require.ErrorAs(t, ex.CancelCause(), &allocErr)
}

func TestConnection_SendWhenStreamSpaceExhaustedFails(t *testing.T) {
	codec := &fakeH2Codec{} // NextStreamID always returns 0
	c := New(Config{Codec: codec, Clock: transport.RealClock{}})

	ex := newTestH2Exchange("api.example.com")
	require.NoError(t, c.Send(ex))

	var allocErr *relayerr.StreamAllocationFailedError
	require.ErrorAs(t, ex.CancelCause(), &allocErr)
}

func TestConnection_HandleFrame_HeadersDeliversResponse(t *testing.T) {
	codec := &fakeH2Codec{nextIDs: []uint32{1}}
	c := New(Config{Codec: codec, Clock: transport.RealClock{}, BodyCapacity: 4})
	require.NoError(t, c.SetHandler(&fakeH2Handler{}))

	ex := newTestH2Exchange("api.example.com")
	require.NoError(t, c.Send(ex))

	c.HandleFrame(InboundEvent{
		Kind:      EventHeaders,
		StreamID:  1,
		Headers:   []request.Header{{Name: "Content-Type", Value: "text/plain"}},
		EndStream: true,
	})

	resp, err := ex.Sink().Wait()
	require.NoError(t, err)
	assert.Equal(t, "text/plain", resp.HeaderValue("Content-Type"))

	_, rerr := resp.Body.Next()
	assert.Equal(t, io.EOF, rerr, "EndStream on the opening HEADERS must complete the body immediately")
}

func TestConnection_HandleFrame_HeadersThenDataThenEndStream(t *testing.T) {
	codec := &fakeH2Codec{nextIDs: []uint32{1}}
	c := New(Config{Codec: codec, Clock: transport.RealClock{}, BodyCapacity: 4})
	require.NoError(t, c.SetHandler(&fakeH2Handler{}))

	ex := newTestH2Exchange("api.example.com")
	require.NoError(t, c.Send(ex))

	c.HandleFrame(InboundEvent{Kind: EventHeaders, StreamID: 1, Headers: nil, EndStream: false})
	resp, err := ex.Sink().Wait()
	require.NoError(t, err)

	c.HandleFrame(InboundEvent{Kind: EventData, StreamID: 1, Data: []byte("hello "), EndStream: false})
	c.HandleFrame(InboundEvent{Kind: EventData, StreamID: 1, Data: []byte("world"), EndStream: true})

	var collected []byte
	for {
		chunk, rerr := resp.Body.Next()
		if rerr == io.EOF {
			break
		}
		require.NoError(t, rerr)
		collected = append(collected, chunk.Data...)
		chunk.Release()
	}
	assert.Equal(t, "hello world", string(collected))
}

func TestConnection_HandleFrame_SecondHeadersAreTrailers(t *testing.T) {
	codec := &fakeH2Codec{nextIDs: []uint32{1}}
	c := New(Config{Codec: codec, Clock: transport.RealClock{}, BodyCapacity: 4})
	require.NoError(t, c.SetHandler(&fakeH2Handler{}))

	ex := newTestH2Exchange("api.example.com")
	require.NoError(t, c.Send(ex))

	c.HandleFrame(InboundEvent{Kind: EventHeaders, StreamID: 1, EndStream: false})
	resp, err := ex.Sink().Wait()
	require.NoError(t, err)

	trailers := []request.Header{{Name: "X-Trailer", Value: "done"}}
	c.HandleFrame(InboundEvent{Kind: EventHeaders, StreamID: 1, Headers: trailers, EndStream: true})

	waitForH2(t, func() bool { return resp.Trailers != nil })
	assert.Equal(t, "done", resp.Trailers[0].Value)

	_, rerr := resp.Body.Next()
	assert.Equal(t, io.EOF, rerr)
}

func TestConnection_HandleFrame_HeadersForUnknownStreamResets(t *testing.T) {
	codec := &fakeH2Codec{}
	c := New(Config{Codec: codec, Clock: transport.RealClock{}})
	require.NoError(t, c.SetHandler(&fakeH2Handler{}))

	c.HandleFrame(InboundEvent{Kind: EventHeaders, StreamID: 99, EndStream: true})

	require.Len(t, codec.rsts, 1)
	assert.Equal(t, uint32(99), codec.rsts[0].streamID)
	assert.Equal(t, relayerr.CodeRefusedStream, codec.rsts[0].code)
}

func TestConnection_HandleFrame_RSTStreamDisposesAndNotifies(t *testing.T) {
	codec := &fakeH2Codec{nextIDs: []uint32{1}}
	c := New(Config{Codec: codec, Clock: transport.RealClock{}})
	require.NoError(t, c.SetHandler(&fakeH2Handler{}))

	ex := newTestH2Exchange("api.example.com")
	require.NoError(t, c.Send(ex))

	c.HandleFrame(InboundEvent{Kind: EventRSTStream, StreamID: 1, ResetCode: relayerr.CodeCancel})

	waitForH2(t, func() bool { return ex.IsDisposed() })
	var resetErr *relayerr.StreamResetError
	require.ErrorAs(t, ex.CancelCause(), &resetErr)
	assert.Equal(t, relayerr.CodeCancel, resetErr.Code)

	_, ok := c.streams.Load(uint32(1))
	assert.False(t, ok, "RST_STREAM must remove the stream from the registry")
}

func TestConnection_HandleFrame_GoAwayDrainsOnlyStreamsAboveLast(t *testing.T) {
	codec := &fakeH2Codec{nextIDs: []uint32{1, 3}}
	c := New(Config{Codec: codec, Clock: transport.RealClock{}})
	handler := &fakeH2Handler{}
	require.NoError(t, c.SetHandler(handler))

	kept := newTestH2Exchange("api.example.com")
	require.NoError(t, c.Send(kept))
	drained := newTestH2Exchange("api.example.com")
	require.NoError(t, c.Send(drained))

	c.HandleFrame(InboundEvent{Kind: EventGoAway, LastStreamID: 1, GoAwayCode: relayerr.CodeNoError})

	waitForH2(t, func() bool { return drained.IsDisposed() })

	time.Sleep(20 * time.Millisecond)
	assert.False(t, kept.IsDisposed(), "a stream at or below LastStreamID must be left to drain to completion, not torn down")
	assert.Equal(t, 0, handler.closeCount(), "the socket must stay open while a drained stream is still in flight")

	c.HandleFrame(InboundEvent{Kind: EventHeaders, StreamID: 1, EndStream: true})

	waitForH2(t, func() bool { return kept.IsDisposed() })
	waitForH2(t, func() bool { return handler.closeCount() == 1 })
}

func TestConnection_HandleFrame_SettingsClampsMaxConcurrent(t *testing.T) {
	codec := &fakeH2Codec{}
	c := New(Config{Codec: codec, Clock: transport.RealClock{}, LocalMaxConcurrent: 50})
	handler := &fakeH2Handler{}
	require.NoError(t, c.SetHandler(handler))

	c.HandleFrame(InboundEvent{Kind: EventSettings, Settings: []Setting{
		{ID: SettingMaxConcurrentStreams, Value: 1000},
	}})

	assert.Equal(t, 50, c.MaxConcurrent(), "peer's advertised max must be clamped to the configured local limit")
	require.Len(t, handler.settingsCh, 1)
	assert.Equal(t, 50, handler.settingsCh[0])
}

func TestConnection_HandleFrame_SettingsBelowLocalLimitPassesThrough(t *testing.T) {
	codec := &fakeH2Codec{}
	c := New(Config{Codec: codec, Clock: transport.RealClock{}, LocalMaxConcurrent: 50})
	handler := &fakeH2Handler{}
	require.NoError(t, c.SetHandler(handler))

	c.HandleFrame(InboundEvent{Kind: EventSettings, Settings: []Setting{
		{ID: SettingMaxConcurrentStreams, Value: 10},
	}})

	assert.Equal(t, 10, c.MaxConcurrent())
}

func TestConnection_HandleFrame_PassthroughIsNoop(t *testing.T) {
	codec := &fakeH2Codec{}
	c := New(Config{Codec: codec, Clock: transport.RealClock{}})
	require.NoError(t, c.SetHandler(&fakeH2Handler{}))

	assert.NotPanics(t, func() {
		c.HandleFrame(InboundEvent{Kind: EventPassthrough})
	})
}

func TestConnection_AdoptUpgradeRegistersStreamOne(t *testing.T) {
	codec := &fakeH2Codec{}
	c := New(Config{Codec: codec, Clock: transport.RealClock{}})
	require.NoError(t, c.SetHandler(&fakeH2Handler{}))

	ex := newTestH2Exchange("api.example.com")
	c.AdoptUpgrade(ex)

	se, ok := c.streams.Load(uint32(1))
	require.True(t, ok)
	assert.Same(t, ex, se.Exchange)
	require.Len(t, codec.reserved, 1)
	assert.Equal(t, uint32(1), codec.reserved[0], "the adopted stream id must be reserved in the codec's counter")

	c.HandleFrame(InboundEvent{Kind: EventData, StreamID: 1, Data: []byte("ok"), EndStream: true})
	resp := ex.Response()
	require.NotNil(t, resp)
	chunk, _ := resp.Body.Next()
	assert.Equal(t, "ok", string(chunk.Data))
}

func TestConnection_AdoptUpgradeThenFollowUpSendUsesNextFreeStream(t *testing.T) {
	// mirrors the real http2Codec: NextStreamID must not reissue the id
	// reserved by AdoptUpgrade.
	codec := &fakeH2Codec{nextIDs: []uint32{3}}
	c := New(Config{Codec: codec, Clock: transport.RealClock{}})
	require.NoError(t, c.SetHandler(&fakeH2Handler{}))

	upgraded := newTestH2Exchange("api.example.com")
	c.AdoptUpgrade(upgraded)

	follow := newTestH2Exchange("api.example.com")
	require.NoError(t, c.Send(follow))

	_, collision := c.streams.Load(uint32(1))
	se, ok := c.streams.Load(uint32(3))
	require.True(t, ok)
	assert.Same(t, follow, se.Exchange)
	assert.True(t, collision, "stream 1 must remain the adopted exchange, untouched by the follow-up Send")

	upgradedStill, _ := c.streams.Load(uint32(1))
	assert.Same(t, upgraded, upgradedStill.Exchange)
}

func TestConnection_ShutdownGracefulWaitsForOpenStreamsThenCloses(t *testing.T) {
	codec := &fakeH2Codec{nextIDs: []uint32{1}}
	c := New(Config{Codec: codec, Clock: transport.RealClock{}})
	handler := &fakeH2Handler{}
	require.NoError(t, c.SetHandler(handler))

	ex := newTestH2Exchange("api.example.com")
	require.NoError(t, c.Send(ex))

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		done <- c.Shutdown(ctx, true)
	}()

	// give Shutdown a moment to observe the open stream before draining it
	time.Sleep(20 * time.Millisecond)
	c.HandleFrame(InboundEvent{Kind: EventRSTStream, StreamID: 1, ResetCode: relayerr.CodeNoError})

	require.NoError(t, <-done)
	require.Len(t, codec.goAways, 1)
	assert.Equal(t, uint32(1), codec.goAways[0].lastStreamID)
	waitForH2(t, func() bool { return handler.closeCount() == 1 })
}

func TestConnection_ShutdownImmediateClosesWithoutWaiting(t *testing.T) {
	codec := &fakeH2Codec{nextIDs: []uint32{1}}
	c := New(Config{Codec: codec, Clock: transport.RealClock{}})
	handler := &fakeH2Handler{}
	require.NoError(t, c.SetHandler(handler))

	ex := newTestH2Exchange("api.example.com")
	require.NoError(t, c.Send(ex))

	require.NoError(t, c.Shutdown(context.Background(), false))

	waitForH2(t, func() bool { return ex.IsDisposed() })
	var resetErr *relayerr.ConnectionResetError
	assert.ErrorAs(t, ex.CancelCause(), &resetErr)
}

func TestConnection_CloseIsIdempotentAndNotifiesOnce(t *testing.T) {
	codec := &fakeH2Codec{nextIDs: []uint32{1}}
	c := New(Config{Codec: codec, Clock: transport.RealClock{}})
	handler := &fakeH2Handler{}
	require.NoError(t, c.SetHandler(handler))

	ex := newTestH2Exchange("api.example.com")
	require.NoError(t, c.Send(ex))

	require.NoError(t, c.Close(nil))
	require.NoError(t, c.Close(nil))

	assert.Equal(t, 1, handler.closeCount())
	assert.True(t, codec.closed)
}

func waitForH2(t *testing.T, cond func() bool, msg ...string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	if len(msg) > 0 {
		t.Fatal(msg[0])
	}
	t.Fatal("condition not met within timeout")
}
