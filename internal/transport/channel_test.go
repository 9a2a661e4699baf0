package transport

import (
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/1ureka/p2pchan/internal/config"
	"github.com/1ureka/p2pchan/internal/queue"
	"github.com/1ureka/p2pchan/internal/util"
	"github.com/pion/datachannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Compile-time interface checks.
var (
	_ datachannel.ReadWriteCloser = (*fakeStream)(nil)
	_ gauge                       = (*fakeStream)(nil)
)

// fakeStream stands in for a detached data channel. Messages put on in are
// returned by ReadDataChannel; closing in simulates a remote close. When
// block is non-nil, writes wait until it is closed.
type fakeStream struct {
	in    chan []byte
	block chan struct{}

	mu      sync.Mutex
	written [][]byte
	lowFn   func()

	buffered atomic.Uint64
	closes   atomic.Int32

	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		in:     make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (f *fakeStream) ReadDataChannel(p []byte) (int, bool, error) {
	select {
	case m, ok := <-f.in:
		if !ok {
			return 0, false, io.EOF
		}
		if len(m) > len(p) {
			return 0, false, io.ErrShortBuffer
		}
		return copy(p, m), false, nil
	case <-f.closed:
		return 0, false, io.EOF
	}
}

func (f *fakeStream) Read(p []byte) (int, error) {
	n, _, err := f.ReadDataChannel(p)
	return n, err
}

func (f *fakeStream) WriteDataChannel(p []byte, _ bool) (int, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-f.closed:
			return 0, io.ErrClosedPipe
		}
	}
	f.mu.Lock()
	f.written = append(f.written, append([]byte(nil), p...))
	f.mu.Unlock()
	return len(p), nil
}

func (f *fakeStream) Write(p []byte) (int, error) {
	return f.WriteDataChannel(p, false)
}

func (f *fakeStream) Close() error {
	f.closes.Add(1)
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeStream) BufferedAmount() uint64 { return f.buffered.Load() }
func (f *fakeStream) SetBufferedAmountLowThreshold(uint64) {}
func (f *fakeStream) OnBufferedAmountLow(fn func()) {
	f.mu.Lock()
	f.lowFn = fn
	f.mu.Unlock()
}

func (f *fakeStream) fireLow() {
	f.mu.Lock()
	fn := f.lowFn
	f.mu.Unlock()
	fn()
}

func (f *fakeStream) writes() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.written...)
}

type channelHarness struct {
	stream *fakeStream
	queue  *queue.Queue
	stats  *util.Stats
	ch     *Channel
}

func newHarness(t *testing.T, inboundLimit int, policy queue.Policy) *channelHarness {
	t.Helper()

	return &channelHarness{
		stream: newFakeStream(),
		queue:  queue.New(inboundLimit, policy),
		stats:  &util.Stats{},
	}
}

func (h *channelHarness) start(t *testing.T, maxSize, maxOutbound int) {
	t.Helper()
	h.ch = newChannel(3, config.Channel{Label: "data", Ordered: true}, h.stream, h.stream, nil, channelOptions{
		maxMessageSize:   maxSize,
		maxOutboundBytes: maxOutbound,
		queue:            h.queue,
		stats:            h.stats,
	})
	t.Cleanup(func() { _ = h.ch.Close() })
}

func harness(t *testing.T, maxSize, maxOutbound int) *channelHarness {
	t.Helper()
	h := newHarness(t, 0, queue.DropOldest)
	h.start(t, maxSize, maxOutbound)
	return h
}

func TestChannelDeliversInOrder(t *testing.T) {
	h := harness(t, 1024, 4096)

	for _, m := range []string{"m1", "m2", "m3"} {
		h.stream.in <- []byte(m)
	}

	require.Eventually(t, func() bool { return h.queue.Len(3) == 3 }, time.Second, 5*time.Millisecond)

	for _, want := range []string{"m1", "m2", "m3"} {
		got, ok := h.ch.Receive()
		require.True(t, ok)
		assert.Equal(t, want, string(got))
	}
	_, ok := h.ch.Receive()
	assert.False(t, ok)
	assert.EqualValues(t, 3, h.stats.MsgsRecv.Load())
}

func TestChannelReadableSignal(t *testing.T) {
	h := harness(t, 1024, 4096)

	h.stream.in <- []byte("x")
	select {
	case <-h.ch.Readable():
	case <-time.After(time.Second):
		t.Fatal("no readable signal")
	}
	got, ok := h.ch.Receive()
	require.True(t, ok)
	assert.Equal(t, "x", string(got))
}

func TestChannelPreservesBoundaries(t *testing.T) {
	h := harness(t, 1024, 4096)

	msgs := [][]byte{{}, []byte("a"), make([]byte, 1024)}
	for _, m := range msgs {
		h.stream.in <- m
	}
	require.Eventually(t, func() bool { return h.queue.Len(3) == len(msgs) }, time.Second, 5*time.Millisecond)

	for _, want := range msgs {
		got, ok := h.ch.Receive()
		require.True(t, ok)
		assert.Len(t, got, len(want))
	}
}

func TestChannelRemoteClose(t *testing.T) {
	h := harness(t, 1024, 4096)

	h.stream.in <- []byte("last")
	close(h.stream.in)

	select {
	case <-h.ch.Done():
	case <-time.After(time.Second):
		t.Fatal("channel not closed after remote EOF")
	}

	assert.ErrorIs(t, h.ch.Send([]byte("x")), ErrChannelClosed)

	// Messages that arrived before the close stay readable.
	got, ok := h.ch.Receive()
	require.True(t, ok)
	assert.Equal(t, "last", string(got))
}

func TestChannelSendInOrder(t *testing.T) {
	h := harness(t, 1024, 4096)

	for _, m := range []string{"a", "b", "c"} {
		require.NoError(t, h.ch.Send([]byte(m)))
	}

	require.Eventually(t, func() bool { return len(h.stream.writes()) == 3 }, time.Second, 5*time.Millisecond)
	w := h.stream.writes()
	assert.Equal(t, "a", string(w[0]))
	assert.Equal(t, "b", string(w[1]))
	assert.Equal(t, "c", string(w[2]))
	assert.EqualValues(t, 3, h.stats.MsgsSent.Load())
}

func TestChannelSendCopiesInput(t *testing.T) {
	h := harness(t, 1024, 4096)

	buf := []byte("abc")
	require.NoError(t, h.ch.Send(buf))
	buf[0] = 'X'

	require.Eventually(t, func() bool { return len(h.stream.writes()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "abc", string(h.stream.writes()[0]))
}

func TestChannelBackpressure(t *testing.T) {
	h := newHarness(t, 0, queue.DropOldest)
	h.stream.block = make(chan struct{})
	h.start(t, 40, 100)

	msg := make([]byte, 40)
	require.NoError(t, h.ch.Send(msg))
	require.NoError(t, h.ch.Send(msg))

	// 80 bytes held, another 40 would exceed the 100 byte limit.
	assert.ErrorIs(t, h.ch.Send(msg), ErrBufferFull)
	assert.EqualValues(t, 80, h.ch.Buffered())
	assert.EqualValues(t, 1, h.stats.SendRejected.Load())

	// A smaller message still fits.
	require.NoError(t, h.ch.Send(make([]byte, 20)))
	assert.ErrorIs(t, h.ch.Send([]byte{1}), ErrBufferFull)

	close(h.stream.block)
	require.Eventually(t, func() bool { return h.ch.Buffered() == 0 }, time.Second, 5*time.Millisecond)
	assert.Len(t, h.stream.writes(), 3)

	require.NoError(t, h.ch.Send(msg))
}

func TestChannelBackpressureCountsTransportBuffer(t *testing.T) {
	h := harness(t, 40, 100)
	h.stream.buffered.Store(90)

	assert.ErrorIs(t, h.ch.Send(make([]byte, 20)), ErrBufferFull)
	require.NoError(t, h.ch.Send(make([]byte, 10)))
}

func TestChannelWaitsForDrain(t *testing.T) {
	h := harness(t, 1024, 1<<20)
	h.stream.buffered.Store(highWaterMark + 1)

	require.NoError(t, h.ch.Send([]byte("held")))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, h.stream.writes(), "write must wait while above the high water mark")

	h.stream.buffered.Store(0)
	h.stream.fireLow()

	require.Eventually(t, func() bool { return len(h.stream.writes()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestChannelMessageTooLarge(t *testing.T) {
	h := harness(t, 8, 100)

	assert.ErrorIs(t, h.ch.Send(make([]byte, 9)), ErrMessageTooLarge)
	assert.NoError(t, h.ch.Send(make([]byte, 8)))
}

func TestChannelDropsOversizeInbound(t *testing.T) {
	h := harness(t, 4, 100)

	h.stream.in <- []byte("too long")
	h.stream.in <- []byte("ok")

	require.Eventually(t, func() bool { return h.queue.Len(3) == 1 }, time.Second, 5*time.Millisecond)
	got, _ := h.ch.Receive()
	assert.Equal(t, "ok", string(got))
}

func TestChannelInboundOverflow(t *testing.T) {
	tests := []struct {
		name   string
		policy queue.Policy
		head   string
	}{
		{"drop oldest", queue.DropOldest, "m2"},
		{"reject new", queue.RejectNew, "m1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 2, tt.policy)
			h.start(t, 64, 100)

			for _, m := range []string{"m1", "m2", "m3"} {
				h.stream.in <- []byte(m)
			}
			require.Eventually(t, func() bool { return h.stats.MsgsRecv.Load() == 3 }, time.Second, 5*time.Millisecond)

			assert.Equal(t, 2, h.queue.Len(3))
			assert.EqualValues(t, 1, h.stats.MsgsDropped.Load())

			got, ok := h.ch.Receive()
			require.True(t, ok)
			assert.Equal(t, tt.head, string(got))
		})
	}
}

func TestChannelCloseDiscardsPending(t *testing.T) {
	h := newHarness(t, 0, queue.DropOldest)

	var released []uint16
	h.ch = newChannel(3, config.Channel{Label: "data", Ordered: true}, h.stream, h.stream, nil, channelOptions{
		maxMessageSize:   64,
		maxOutboundBytes: 100,
		queue:            h.queue,
		stats:            h.stats,
		release:          func(id uint16) { released = append(released, id) },
	})

	h.stream.in <- []byte("a")
	h.stream.in <- []byte("b")
	require.Eventually(t, func() bool { return h.queue.Len(3) == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.ch.Close())
	require.NoError(t, h.ch.Close())

	assert.Equal(t, []uint16{3}, released)
	assert.Equal(t, 0, h.queue.Len(3))
	_, ok := h.ch.Receive()
	assert.False(t, ok)
}

func TestChannelCloseIdempotent(t *testing.T) {
	h := harness(t, 64, 100)

	require.NoError(t, h.ch.Close())
	require.NoError(t, h.ch.Close())
	assert.EqualValues(t, 1, h.stream.closes.Load())
	assert.True(t, h.ch.Closed())
	assert.ErrorIs(t, h.ch.Send([]byte("x")), ErrChannelClosed)
}
