package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/1ureka/p2pchan/internal/util"
)

const (
	highWaterMark  = 256 * 1024 // pause writing when bufferedAmount exceeds this
	lowWaterMark   = 64 * 1024  // resume writing when bufferedAmount drops below this
	sendBufferSize = 1024       // outgoing message channel capacity
)

// writer is the write half of a detached channel.
type writer interface {
	WriteDataChannel(p []byte, isString bool) (int, error)
}

// gauge reports how many bytes the transport still holds for sending.
// *webrtc.DataChannel satisfies it.
type gauge interface {
	BufferedAmount() uint64
	SetBufferedAmountLowThreshold(th uint64)
	OnBufferedAmountLow(f func())
}

// sender is a goroutine-based message writer that serializes all writes to
// a single channel. Enqueueing never blocks: once the bytes waiting in the
// inbox plus the bytes buffered by the transport would exceed limit, the
// message is refused with ErrBufferFull.
type sender struct {
	w     writer
	g     gauge
	limit int64
	stats *util.Stats

	mu     sync.Mutex // serializes the limit check with the enqueue
	queued atomic.Int64

	inbox       chan []byte
	drainSignal chan struct{}

	failed  chan struct{}
	failErr atomic.Pointer[error]
	once    sync.Once
}

// newSender creates a sender, wires the backpressure callbacks on g, and
// starts the background loop. The loop exits when ctx is cancelled or a
// write fails.
func newSender(ctx context.Context, w writer, g gauge, limit int, stats *util.Stats) *sender {
	s := &sender{
		w:           w,
		g:           g,
		limit:       int64(limit),
		stats:       stats,
		inbox:       make(chan []byte, sendBufferSize),
		drainSignal: make(chan struct{}, 1),
		failed:      make(chan struct{}),
	}

	g.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	g.OnBufferedAmountLow(func() {
		select {
		case s.drainSignal <- struct{}{}:
		default:
		}
	})

	go s.loop(ctx)

	return s
}

// loop is the single-writer goroutine. It drains the inbox with backpressure
// awareness.
func (s *sender) loop(ctx context.Context) {
	for {
		select {
		case msg := <-s.inbox:
			for s.g.BufferedAmount() > uint64(highWaterMark) {
				select {
				case <-s.drainSignal:
				case <-ctx.Done():
					return
				}
			}

			_, err := s.w.WriteDataChannel(msg, false)
			s.queued.Add(-int64(len(msg)))
			if err != nil {
				s.fail(fmt.Errorf("write: %w", err))
				return
			}

			if s.stats != nil {
				s.stats.AddSent(len(msg))
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *sender) fail(err error) {
	s.once.Do(func() {
		s.failErr.Store(&err)
		close(s.failed)
	})
}

// err returns the write error that stopped the loop, if any.
func (s *sender) err() error {
	if p := s.failErr.Load(); p != nil {
		return *p
	}
	return nil
}

// enqueue hands msg to the writer goroutine without blocking.
func (s *sender) enqueue(msg []byte) error {
	select {
	case <-s.failed:
		return s.err()
	default:
	}

	n := int64(len(msg))

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.queued.Load()+int64(s.g.BufferedAmount())+n > s.limit {
		return ErrBufferFull
	}

	s.queued.Add(n)
	select {
	case s.inbox <- msg:
		return nil
	default:
		s.queued.Add(-n)
		return ErrBufferFull
	}
}

// buffered returns the bytes accepted by enqueue that have not yet left
// the transport.
func (s *sender) buffered() uint64 {
	return uint64(s.queued.Load()) + s.g.BufferedAmount()
}
