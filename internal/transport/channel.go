package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/1ureka/p2pchan/internal/config"
	"github.com/1ureka/p2pchan/internal/queue"
	"github.com/1ureka/p2pchan/internal/util"
	"github.com/pion/datachannel"
)

// Channel is one detached, message-oriented stream multiplexed over the
// association. Inbound messages are pushed into the shared queue under the
// channel id; outbound messages go through a single writer goroutine.
type Channel struct {
	id      uint16
	cfg     config.Channel
	maxRecv int
	maxSend int

	rw     datachannel.ReadWriteCloser
	closer func() error
	sender *sender
	queue  *queue.Queue
	stats  *util.Stats

	ctx    context.Context
	cancel context.CancelFunc

	done      chan struct{} // closed when either side closed the channel
	closeOnce sync.Once
	closeErr  error

	release     func(id uint16)
	discard     atomic.Bool // set by Close; readLoop drops the stream on exit
	releaseOnce sync.Once
}

type channelOptions struct {
	maxMessageSize   int // inbound
	maxSendSize      int // outbound, 0 means maxMessageSize
	maxOutboundBytes int
	queue            *queue.Queue
	stats            *util.Stats
	release          func(id uint16) // called once after a local Close
}

// newChannel wraps a detached stream and starts its read loop and writer.
// closer tears down the underlying stream; it defaults to rw.Close.
func newChannel(id uint16, cfg config.Channel, rw datachannel.ReadWriteCloser, g gauge, closer func() error, opts channelOptions) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	if closer == nil {
		closer = rw.Close
	}

	maxSend := opts.maxSendSize
	if maxSend <= 0 {
		maxSend = opts.maxMessageSize
	}

	c := &Channel{
		id:      id,
		cfg:     cfg,
		maxRecv: opts.maxMessageSize,
		maxSend: maxSend,
		rw:      rw,
		closer:  closer,
		queue:   opts.queue,
		stats:   opts.stats,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		release: opts.release,
	}
	c.sender = newSender(ctx, rw, g, opts.maxOutboundBytes, opts.stats)

	go c.readLoop()
	go c.watchSender()

	return c
}

// ID returns the SCTP stream identifier.
func (c *Channel) ID() uint16 { return c.id }

// Label returns the channel label.
func (c *Channel) Label() string { return c.cfg.Label }

// Config returns the ordering and reliability of the channel.
func (c *Channel) Config() config.Channel { return c.cfg }

// Done is closed once the channel was closed locally or by the remote.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Closed reports whether Done is closed.
func (c *Channel) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Send queues a copy of msg for transmission without blocking.
func (c *Channel) Send(msg []byte) error {
	if c.Closed() {
		return ErrChannelClosed
	}
	if len(msg) > c.maxSend {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrMessageTooLarge, len(msg), c.maxSend)
	}

	if err := c.sender.enqueue(append([]byte(nil), msg...)); err != nil {
		if errors.Is(err, ErrBufferFull) {
			if c.stats != nil {
				c.stats.AddRejected()
			}
			return err
		}
		return fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}
	return nil
}

// Receive dequeues the oldest pending message; ok is false when none is
// pending.
func (c *Channel) Receive() (msg []byte, ok bool) {
	return c.queue.Pop(c.id)
}

// Readable receives a value after a message was queued for this channel.
func (c *Channel) Readable() <-chan struct{} {
	return c.queue.Notify(c.id)
}

// Buffered returns the outbound bytes not yet handed to the network.
func (c *Channel) Buffered() uint64 {
	return c.sender.buffered()
}

// Close closes the channel and discards its unread inbound messages. A
// channel closed by the remote keeps them readable until Close is called.
func (c *Channel) Close() error {
	c.discard.Store(true)
	c.markClosed(nil)
	c.releaseOnce.Do(func() {
		c.queue.Remove(c.id)
		if c.release != nil {
			c.release(c.id)
		}
	})
	return c.closeErr
}

func (c *Channel) markClosed(cause error) {
	c.closeOnce.Do(func() {
		c.cancel()
		if err := c.closer(); err != nil && !errors.Is(err, io.EOF) {
			c.closeErr = err
		}
		if cause != nil {
			util.LogDebug("transport: channel %q (id=%d) closed: %v", c.cfg.Label, c.id, cause)
		} else {
			util.LogDebug("transport: channel %q (id=%d) closed", c.cfg.Label, c.id)
		}
		close(c.done)
	})
}

// readLoop delivers every inbound message, boundaries intact, to the queue
// in arrival order. It ends when the stream is closed by either side.
func (c *Channel) readLoop() {
	// A push racing with Close may recreate the stream.
	defer func() {
		if c.discard.Load() {
			c.queue.Remove(c.id)
		}
	}()

	// Room for one byte more than the limit so oversize messages are
	// detected instead of silently truncated.
	buf := make([]byte, c.maxRecv+1)

	for {
		n, _, err := c.rw.ReadDataChannel(buf)
		if err != nil {
			if errors.Is(err, io.ErrShortBuffer) {
				util.LogWarning("transport: channel %q dropped a message over %d bytes", c.cfg.Label, c.maxRecv)
				continue
			}
			if errors.Is(err, io.EOF) {
				c.markClosed(nil)
			} else {
				c.markClosed(err)
			}
			return
		}
		if n > c.maxRecv {
			util.LogWarning("transport: channel %q dropped a message over %d bytes", c.cfg.Label, c.maxRecv)
			continue
		}

		msg := make([]byte, n)
		copy(msg, buf[:n])

		if c.stats != nil {
			c.stats.AddRecv(n)
		}

		evicted, err := c.queue.Push(c.id, msg)
		switch {
		case err != nil:
			util.LogWarning("transport: channel %q inbound queue full, rejected a %d byte message", c.cfg.Label, n)
			if c.stats != nil {
				c.stats.AddDropped()
			}
		case evicted:
			util.LogWarning("transport: channel %q inbound queue full, dropped the oldest message", c.cfg.Label)
			if c.stats != nil {
				c.stats.AddDropped()
			}
		}
	}
}

// watchSender closes the channel when its writer stops on an error.
func (c *Channel) watchSender() {
	select {
	case <-c.sender.failed:
		c.markClosed(c.sender.err())
	case <-c.ctx.Done():
	}
}
