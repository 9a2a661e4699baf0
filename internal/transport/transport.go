// Package transport carries application messages over the secured path:
// one SCTP association multiplexing independently configured channels.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/1ureka/p2pchan/internal/config"
	"github.com/1ureka/p2pchan/internal/queue"
	"github.com/1ureka/p2pchan/internal/util"
	"github.com/pion/webrtc/v4"
)

// Options bound the channels of a Transport.
type Options struct {
	MaxMessageSize   int // largest inbound message
	MaxSendSize      int // largest outbound message, 0 means MaxMessageSize
	MaxOutboundBytes int // per channel, queued plus transport-buffered
	Queue            *queue.Queue
	Stats            *util.Stats
}

// Transport wraps a single SCTPTransport. Channels opened locally come from
// Open; channels opened by the remote are collected and handed out by
// Accept and WaitChannel.
//
// Its lifecycle is governed by the association: once the remote aborts it
// or Close is called, Done is closed and every channel is closed.
type Transport struct {
	api  *webrtc.API
	sctp *webrtc.SCTPTransport
	opts Options

	mu       sync.Mutex
	channels map[uint16]*Channel
	pending  []*Channel    // remote-opened, not yet claimed
	arrived  chan struct{} // closed and replaced when pending grows

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a Transport on top of an established DTLS transport.
func New(api *webrtc.API, dtls *webrtc.DTLSTransport, opts Options) *Transport {
	t := &Transport{
		api:      api,
		sctp:     api.NewSCTPTransport(dtls),
		opts:     opts,
		channels: make(map[uint16]*Channel),
		arrived:  make(chan struct{}),
		done:     make(chan struct{}),
	}

	// Fires after the remote's open message was processed, when the
	// channel can be detached.
	t.sctp.OnDataChannelOpened(func(raw *webrtc.DataChannel) {
		ch, err := t.wrap(raw)
		if err != nil {
			util.LogWarning("transport: cannot take remote channel %q: %v", raw.Label(), err)
			_ = raw.Close()
			return
		}
		util.LogDebug("transport: remote opened channel %q (id=%d, %s)", ch.Label(), ch.ID(), ch.Config().Mode())

		t.mu.Lock()
		t.pending = append(t.pending, ch)
		close(t.arrived)
		t.arrived = make(chan struct{})
		t.mu.Unlock()
	})

	// Association closed → close transport.
	t.sctp.OnClose(func(err error) {
		if err != nil {
			util.LogDebug("transport: association closed: %v", err)
		}
		t.shutdown()
	})

	return t
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Start establishes the association. It blocks until the association is up,
// fails, or ctx is done; on ctx the DTLS transport is stopped to unblock it.
func (t *Transport) Start(ctx context.Context) error {
	// The capabilities are the remote's: they cap what we may send.
	maxSend := t.opts.MaxSendSize
	if maxSend <= 0 {
		maxSend = t.opts.MaxMessageSize
	}
	caps := webrtc.SCTPCapabilities{MaxMessageSize: uint32(maxSend)}

	result := make(chan error, 1)
	go func() {
		result <- t.sctp.Start(caps)
	}()

	select {
	case err := <-result:
		if err != nil {
			return fmt.Errorf("start sctp: %w", err)
		}
		return nil
	case <-ctx.Done():
		_ = t.sctp.Stop()
		_ = t.sctp.Transport().Stop()
		<-result
		return fmt.Errorf("start sctp: %w", ctx.Err())
	}
}

// Done is closed when the association has ended.
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

// Close aborts the association and closes every channel.
func (t *Transport) Close() error {
	err := t.sctp.Stop()
	t.shutdown()
	return err
}

func (t *Transport) shutdown() {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		channels := make([]*Channel, 0, len(t.channels))
		for _, ch := range t.channels {
			channels = append(channels, ch)
		}
		t.mu.Unlock()

		for _, ch := range channels {
			ch.markClosed(ErrClosed)
		}
		close(t.done)
	})
}

// ---------------------------------------------------------------------------
// Channels
// ---------------------------------------------------------------------------

// Open creates a channel announced to the remote in-band. It does not wait
// for the remote to acknowledge it.
func (t *Transport) Open(cfg config.Channel) (*Channel, error) {
	select {
	case <-t.done:
		return nil, ErrClosed
	default:
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	raw, err := t.api.NewDataChannel(t.sctp, &webrtc.DataChannelParameters{
		Label:             cfg.Label,
		Ordered:           cfg.Ordered,
		MaxRetransmits:    cfg.MaxRetransmits,
		MaxPacketLifeTime: cfg.MaxPacketLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("open channel %q: %w", cfg.Label, err)
	}

	ch, err := t.wrap(raw)
	if err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("open channel %q: %w", cfg.Label, err)
	}
	util.LogDebug("transport: opened channel %q (id=%d, %s)", ch.Label(), ch.ID(), ch.Config().Mode())
	return ch, nil
}

// Accept returns the next unclaimed remote-opened channel.
func (t *Transport) Accept(ctx context.Context) (*Channel, error) {
	return t.claim(ctx, func(*Channel) bool { return true })
}

// WaitChannel returns the first unclaimed remote-opened channel labelled
// label. Channels with other labels stay available to Accept.
func (t *Transport) WaitChannel(ctx context.Context, label string) (*Channel, error) {
	return t.claim(ctx, func(ch *Channel) bool { return ch.Label() == label })
}

func (t *Transport) claim(ctx context.Context, match func(*Channel) bool) (*Channel, error) {
	for {
		t.mu.Lock()
		for i, ch := range t.pending {
			if match(ch) {
				t.pending = append(t.pending[:i], t.pending[i+1:]...)
				t.mu.Unlock()
				return ch, nil
			}
		}
		arrived := t.arrived
		t.mu.Unlock()

		select {
		case <-arrived:
		case <-t.done:
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// forget drops a locally closed channel from the registry.
func (t *Transport) forget(id uint16) {
	t.mu.Lock()
	delete(t.channels, id)
	t.mu.Unlock()
}

// wrap detaches raw and registers the resulting Channel.
func (t *Transport) wrap(raw *webrtc.DataChannel) (*Channel, error) {
	rw, err := raw.Detach()
	if err != nil {
		return nil, fmt.Errorf("detach: %w", err)
	}

	id := raw.ID()
	if id == nil {
		_ = rw.Close()
		return nil, errors.New("channel has no stream id")
	}

	cfg := config.Channel{
		Label:             raw.Label(),
		Ordered:           raw.Ordered(),
		MaxRetransmits:    raw.MaxRetransmits(),
		MaxPacketLifetime: raw.MaxPacketLifeTime(),
	}

	ch := newChannel(*id, cfg, rw, raw, raw.Close, channelOptions{
		maxMessageSize:   t.opts.MaxMessageSize,
		maxSendSize:      t.opts.MaxSendSize,
		maxOutboundBytes: t.opts.MaxOutboundBytes,
		queue:            t.opts.Queue,
		stats:            t.opts.Stats,
		release:          t.forget,
	})

	t.mu.Lock()
	t.channels[*id] = ch
	t.mu.Unlock()

	// Raced with shutdown: the channel would never be closed otherwise.
	select {
	case <-t.done:
		ch.markClosed(ErrClosed)
	default:
	}
	return ch, nil
}
