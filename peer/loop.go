package peer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/1ureka/p2pchan/internal/config"
	"github.com/1ureka/p2pchan/internal/ice"
	"github.com/1ureka/p2pchan/internal/protocol"
	"github.com/1ureka/p2pchan/internal/transport"
	"github.com/1ureka/p2pchan/internal/util"
	"github.com/pion/webrtc/v4"
)

type eventKind int

const (
	evLocalCandidate eventKind = iota
	evGatherDone
	evRemote
	evRemoteCandidate
	evConnectivity
	evEstablished
	evChannelClosed
	evAssociationEnded
	evPathLost
	evFailed
)

// event is posted by background tasks and consumed by the loop only.
type event struct {
	kind      eventKind
	cand      protocol.Candidate
	sessionID string
	pair      ice.Pair
	channel   *transport.Channel
	err       error
}

func (p *Peer) post(ev event) {
	select {
	case p.events <- ev:
	case <-p.ctx.Done():
	}
}

// loop drives the state machine. Everything that decides a transition
// runs here, one event at a time.
func (p *Peer) loop() {
	defer p.wg.Done()

	gatherDeadline := time.NewTimer(p.cfg.GatherTimeout)
	defer gatherDeadline.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-gatherDeadline.C:
			p.onGatherDeadline()
		case ev := <-p.events:
			if p.State().Terminal() {
				return
			}
			p.handle(ev)
		}
	}
}

func (p *Peer) handle(ev event) {
	switch ev.kind {
	case evLocalCandidate:
		p.onLocalCandidate(ev.cand)
	case evGatherDone:
		p.onGatherDone()
	case evRemote:
		p.maybeNegotiate()
	case evRemoteCandidate:
		p.onRemoteCandidate(ev.sessionID, ev.cand)
	case evConnectivity:
		p.mu.Lock()
		p.pair, p.hasPair = ev.pair, true
		p.mu.Unlock()
		util.LogInfo("peer %s: path selected %s", p.tag, ev.pair)
		p.transition(Securing, nil)
	case evEstablished:
		p.onEstablished(ev.channel)
	case evChannelClosed:
		util.LogInfo("peer %s: channel %q closed", p.tag, ev.channel.Label())
		p.chanOnce.Do(func() { close(p.channelClosed) })
	case evAssociationEnded:
		util.LogInfo("peer %s: association ended", p.tag)
		p.chanOnce.Do(func() { close(p.channelClosed) })
	case evPathLost:
		p.fail(fmt.Errorf("%w: path lost", ErrConnectivityFailed))
	case evFailed:
		p.fail(ev.err)
	}
}

// watchGathering turns the gatherer's completion into an event. The nil
// candidate that closes Done is reported after every candidate callback,
// so the event lands behind the last candidate.
func (p *Peer) watchGathering() {
	defer p.wg.Done()
	select {
	case <-p.gatherer.Done():
		p.post(event{kind: evGatherDone})
	case <-p.ctx.Done():
	}
}

// ---------------------------------------------------------------------------
// Gathering
// ---------------------------------------------------------------------------

func (p *Peer) onLocalCandidate(c protocol.Candidate) {
	p.local = append(p.local, c)
	if p.described {
		p.trickleCandidate(&c)
		return
	}
	// A reflexive or relayed candidate is enough to be reachable.
	if c.Type != "host" {
		p.describe(false)
	}
}

func (p *Peer) onGatherDone() {
	if !p.described {
		if len(p.local) == 0 {
			p.fail(fmt.Errorf("%w: no local candidates", ErrConnectivityFailed))
			return
		}
		p.describe(true)
	} else {
		p.trickleCandidate(nil)
	}

	p.mu.Lock()
	p.closeTrickleLocked()
	p.mu.Unlock()
}

func (p *Peer) onGatherDeadline() {
	if p.described || p.State().Terminal() {
		return
	}
	if len(p.local) == 0 {
		p.fail(&TimeoutError{Phase: PhaseGather, Limit: p.cfg.GatherTimeout})
		return
	}
	util.LogDebug("peer %s: gather deadline with %d candidates", p.tag, len(p.local))
	p.describe(false)
}

// describe builds and caches the local description from the candidates
// seen so far. Later candidates are trickled.
func (p *Peer) describe(complete bool) {
	p.described = true

	iceParams, err := p.gatherer.LocalParameters()
	if err != nil {
		p.fail(err)
		return
	}
	dtlsParams, err := p.secure.LocalParameters()
	if err != nil {
		p.fail(err)
		return
	}

	d := &protocol.Description{
		SessionID:  p.sessionID,
		Role:       p.role,
		ICE:        iceParams,
		Candidates: append([]protocol.Candidate(nil), p.local...),
		DTLS:       dtlsParams,
		SCTP:       protocol.SCTPParams{MaxMessageSize: uint32(p.cfg.MaxMessageSize)},
		Complete:   complete,
	}
	if p.role == config.RoleOffer {
		d.Channel = protocol.ChannelParamsFrom(p.cfg.Channel)
	}

	data, err := protocol.EncodeDescription(d)
	if err != nil {
		p.fail(err)
		return
	}

	p.mu.Lock()
	p.localDesc = data
	p.mu.Unlock()

	util.LogDebug("peer %s: local description ready (%d candidates, %d bytes, digest %08x, complete=%t)",
		p.tag, len(d.Candidates), len(data), util.Digest(data), complete)

	p.transition(AwaitingRemote, nil)
	p.descOnce.Do(func() { close(p.descReady) })
	p.maybeNegotiate()
}

func (p *Peer) trickleCandidate(c *protocol.Candidate) {
	data, err := protocol.EncodeCandidate(p.sessionID, c)
	if err != nil {
		util.LogWarning("peer %s: cannot encode local candidate: %v", p.tag, err)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.trickleClosed {
		return
	}
	select {
	case p.trickle <- data:
	default:
		if c == nil {
			util.LogWarning("peer %s: candidate stream full, dropped end of candidates", p.tag)
			return
		}
		util.LogWarning("peer %s: candidate stream full, dropped %s", p.tag, ice.Describe(*c))
	}
}

// onPathState reports interruptions of the selected path. ICE may recover
// from Disconnected on its own; only Failed or Closed end the peer.
func (p *Peer) onPathState(s webrtc.ICETransportState) {
	switch s {
	case webrtc.ICETransportStateDisconnected:
		if !p.pathDown.Swap(true) {
			util.LogWarning("peer %s: path interrupted, waiting for it to recover", p.tag)
		}
	case webrtc.ICETransportStateConnected:
		if p.pathDown.Swap(false) {
			util.LogInfo("peer %s: path recovered", p.tag)
		}
	}
}

// ---------------------------------------------------------------------------
// Negotiation
// ---------------------------------------------------------------------------

func (p *Peer) onRemoteCandidate(sid string, c protocol.Candidate) {
	if !p.started {
		p.remoteCands = append(p.remoteCands, trickled{sessionID: sid, cand: c})
		return
	}
	if err := p.negotiator.AddRemoteCandidate(c); err != nil {
		util.LogWarning("peer %s: remote candidate %s: %v", p.tag, ice.Describe(c), err)
	}
}

// maybeNegotiate starts the connection once both descriptions exist.
func (p *Peer) maybeNegotiate() {
	if p.started || !p.described {
		return
	}
	p.mu.RLock()
	remote := p.remote
	p.mu.RUnlock()
	if remote == nil {
		return
	}
	p.started = true

	cands := append([]protocol.Candidate(nil), remote.Candidates...)
	for _, t := range p.remoteCands {
		if t.sessionID == remote.SessionID {
			cands = append(cands, t.cand)
		}
	}
	p.remoteCands = nil

	if !p.transition(Negotiating, nil) {
		return
	}
	p.wg.Add(1)
	go p.negotiate(remote, cands)
}

// negotiate runs connectivity checks, the handshake and the channel setup
// in order, each bounded by its own deadline.
func (p *Peer) negotiate(remote *protocol.Description, cands []protocol.Candidate) {
	defer p.wg.Done()

	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.ConnectTimeout)
	pair, err := p.negotiator.Connect(ctx, remote.ICE, cands, p.role == config.RoleOffer)
	cancel()
	if err != nil {
		p.post(event{kind: evFailed, err: phaseError(PhaseConnect, p.cfg.ConnectTimeout, err)})
		return
	}
	p.post(event{kind: evConnectivity, pair: pair})

	ctx, cancel = context.WithTimeout(p.ctx, p.cfg.HandshakeTimeout)
	defer cancel()

	ch, err := p.establish(ctx, remote)
	if err != nil {
		p.post(event{kind: evFailed, err: phaseError(PhaseHandshake, p.cfg.HandshakeTimeout, err)})
		return
	}
	p.post(event{kind: evEstablished, channel: ch})
}

// establish secures the path and opens the default channel. The offerer
// opens it; the answerer waits for it under the offered label.
func (p *Peer) establish(ctx context.Context, remote *protocol.Description) (*transport.Channel, error) {
	if err := p.secure.Handshake(ctx, remote.DTLS); err != nil {
		return nil, err
	}

	maxSend := p.cfg.MaxMessageSize
	if limit := int(remote.SCTP.MaxMessageSize); limit > 0 && limit < maxSend {
		maxSend = limit
	}
	tr := transport.New(p.api, p.secure.Transport(), transport.Options{
		MaxMessageSize:   p.cfg.MaxMessageSize,
		MaxSendSize:      maxSend,
		MaxOutboundBytes: p.cfg.MaxOutboundBytes,
		Queue:            p.queue,
		Stats:            p.stats,
	})

	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		_ = tr.Close()
		return nil, ErrClosed
	}
	p.transport = tr
	p.mu.Unlock()

	if err := tr.Start(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}

	var (
		ch  *transport.Channel
		err error
	)
	if p.role == config.RoleOffer {
		ch, err = tr.Open(p.cfg.Channel)
	} else {
		label := remote.Channel.Label
		if label == "" {
			label = config.DefaultLabel
		}
		ch, err = tr.WaitChannel(ctx, label)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: default channel: %w", ErrHandshakeFailed, err)
	}
	return ch, nil
}

func phaseError(phase Phase, limit time.Duration, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Phase: phase, Limit: limit, Err: err}
	}
	return err
}

// ---------------------------------------------------------------------------
// Connected
// ---------------------------------------------------------------------------

func (p *Peer) onEstablished(ch *transport.Channel) {
	p.mu.Lock()
	p.channel = ch
	tr := p.transport
	p.mu.Unlock()

	if !p.transition(Connected, nil) {
		_ = ch.Close()
		return
	}
	util.LogSuccess("peer %s: connected, channel %q (%s)", p.tag, ch.Label(), ch.Config().Mode())

	p.wg.Add(1)
	go p.watch(ch, tr.Done())
}

// watch relays the default channel's readiness and reports channel
// closure, the end of the association and path loss to the loop.
func (p *Peer) watch(ch *transport.Channel, assocDone <-chan struct{}) {
	defer p.wg.Done()

	chDone := ch.Done()
	for {
		select {
		case <-ch.Readable():
			select {
			case p.readable <- struct{}{}:
			default:
			}
		case <-chDone:
			chDone = nil
			p.post(event{kind: evChannelClosed, channel: ch})
		case <-assocDone:
			assocDone = nil
			p.post(event{kind: evAssociationEnded})
		case <-p.negotiator.Down():
			p.post(event{kind: evPathLost})
			return
		case <-p.ctx.Done():
			return
		}
	}
}
