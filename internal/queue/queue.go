// Package queue buffers inbound channel messages between the transport's
// read loops and the caller's non-blocking receive.
package queue

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrFull is returned by Push when a bounded stream is full and the policy
// is RejectNew.
var ErrFull = errors.New("queue: stream is full")

// Policy decides what happens when a bounded stream is full.
type Policy string

const (
	DropOldest Policy = "drop-oldest" // evict the head to make room
	RejectNew  Policy = "reject-new"  // refuse the incoming message
)

// Validate rejects unknown policies.
func (p Policy) Validate() error {
	switch p {
	case DropOldest, RejectNew:
		return nil
	default:
		return fmt.Errorf("unknown overflow policy %q", p)
	}
}

// Queue maps a channel id to its FIFO of pending messages. Each stream has
// one producer (the channel's read loop) and one consumer (the caller).
type Queue struct {
	limit  int // 0 means unbounded
	policy Policy

	mu      sync.Mutex
	streams map[uint16]*stream

	dropped atomic.Int64
}

type stream struct {
	msgs   [][]byte
	head   int
	notify chan struct{} // cap 1, poked on every push
}

func (s *stream) len() int { return len(s.msgs) - s.head }

func (s *stream) pop() []byte {
	msg := s.msgs[s.head]
	s.msgs[s.head] = nil
	s.head++

	// Compact once the consumed prefix dominates the backing array.
	if s.head > 32 && s.head*2 >= len(s.msgs) {
		n := copy(s.msgs, s.msgs[s.head:])
		clear(s.msgs[n:])
		s.msgs = s.msgs[:n]
		s.head = 0
	}
	return msg
}

// New creates a Queue. limit <= 0 leaves every stream unbounded.
func New(limit int, policy Policy) *Queue {
	if limit < 0 {
		limit = 0
	}
	return &Queue{
		limit:   limit,
		policy:  policy,
		streams: make(map[uint16]*stream),
	}
}

func (q *Queue) streamLocked(id uint16) *stream {
	s, ok := q.streams[id]
	if !ok {
		s = &stream{notify: make(chan struct{}, 1)}
		q.streams[id] = s
	}
	return s
}

// Push appends msg to the stream of channel id. The slice is owned by the
// queue afterwards. On a full bounded stream, DropOldest evicts the head
// and reports evicted=true; RejectNew returns ErrFull and keeps the stream
// untouched.
func (q *Queue) Push(id uint16, msg []byte) (evicted bool, err error) {
	q.mu.Lock()
	s := q.streamLocked(id)

	if q.limit > 0 && s.len() >= q.limit {
		if q.policy == RejectNew {
			q.mu.Unlock()
			q.dropped.Add(1)
			return false, ErrFull
		}
		s.pop()
		evicted = true
		q.dropped.Add(1)
	}

	s.msgs = append(s.msgs, msg)
	notify := s.notify
	q.mu.Unlock()

	select {
	case notify <- struct{}{}:
	default:
	}
	return evicted, nil
}

// Pop removes and returns the oldest message of channel id. ok is false
// when nothing is pending.
func (q *Queue) Pop(id uint16) (msg []byte, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	s, found := q.streams[id]
	if !found || s.len() == 0 {
		return nil, false
	}
	return s.pop(), true
}

// Len returns the number of pending messages of channel id.
func (q *Queue) Len(id uint16) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if s, ok := q.streams[id]; ok {
		return s.len()
	}
	return 0
}

// Notify returns a channel that receives a value after a push to stream id.
// It is level-triggered only in the sense that a pending poke survives
// until read; callers must drain with Pop after waking.
func (q *Queue) Notify(id uint16) <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.streamLocked(id).notify
}

// Remove discards the stream of channel id and everything pending on it.
func (q *Queue) Remove(id uint16) {
	q.mu.Lock()
	delete(q.streams, id)
	q.mu.Unlock()
}

// Dropped returns how many messages the overflow policy discarded or
// refused across all streams.
func (q *Queue) Dropped() int64 { return q.dropped.Load() }
