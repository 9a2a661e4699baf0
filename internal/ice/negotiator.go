package ice

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/1ureka/p2pchan/internal/protocol"
	"github.com/1ureka/p2pchan/internal/util"
	"github.com/pion/webrtc/v4"
)

// ErrConnectivityFailed is returned when no candidate pair could be
// validated before the deadline or the checks were exhausted.
var ErrConnectivityFailed = errors.New("ice: connectivity failed")

// Negotiator runs connectivity checks against a remote peer over the
// sockets of a Gatherer.
type Negotiator struct {
	gatherer  *Gatherer
	transport *webrtc.ICETransport

	down     chan struct{} // closed when the transport fails or is closed
	downOnce sync.Once

	mu       sync.Mutex
	onChange func(webrtc.ICETransportState)
}

// NewNegotiator creates a negotiator bound to g.
func NewNegotiator(api *webrtc.API, g *Gatherer) *Negotiator {
	n := &Negotiator{
		gatherer:  g,
		transport: api.NewICETransport(g.raw),
		down:      make(chan struct{}),
	}

	n.transport.OnConnectionStateChange(func(s webrtc.ICETransportState) {
		util.LogDebug("ice: transport state %s", s)
		switch s {
		case webrtc.ICETransportStateFailed, webrtc.ICETransportStateClosed:
			n.downOnce.Do(func() { close(n.down) })
		}

		n.mu.Lock()
		fn := n.onChange
		n.mu.Unlock()
		if fn != nil {
			fn(s)
		}
	})

	return n
}

// OnStateChange registers fn for transport state changes.
func (n *Negotiator) OnStateChange(fn func(webrtc.ICETransportState)) {
	n.mu.Lock()
	n.onChange = fn
	n.mu.Unlock()
}

// Transport exposes the underlying ICE transport for the DTLS layer.
func (n *Negotiator) Transport() *webrtc.ICETransport {
	return n.transport
}

// Down is closed once the transport has failed or was stopped. After a
// successful Connect it signals that the path was lost.
func (n *Negotiator) Down() <-chan struct{} {
	return n.down
}

// Connect hands the remote candidates to the agent, best pair first, and
// runs the checks until a pair is selected, every pair failed, or ctx is
// done. The offerer is the controlling agent.
func (n *Negotiator) Connect(ctx context.Context, remote protocol.ICEParams, candidates []protocol.Candidate, controlling bool) (Pair, error) {
	ordered := orderRemote(n.gatherer.Candidates(), candidates, controlling)
	if ranked := RankPairs(n.gatherer.Candidates(), candidates, controlling); len(ranked) > 0 {
		util.LogDebug("ice: %d candidate pairs, best %s", len(ranked), ranked[0])
	}

	pending := make([]webrtc.ICECandidate, 0, len(ordered))
	for _, c := range ordered {
		wc, err := toWebRTC(c)
		if err != nil {
			return Pair{}, fmt.Errorf("%w: %v", ErrConnectivityFailed, err)
		}
		pending = append(pending, wc)
	}
	if err := n.transport.SetRemoteCandidates(pending); err != nil {
		return Pair{}, fmt.Errorf("%w: set remote candidates: %v", ErrConnectivityFailed, err)
	}

	role := webrtc.ICERoleControlled
	if controlling {
		role = webrtc.ICERoleControlling
	}
	params := webrtc.ICEParameters{
		UsernameFragment: remote.Ufrag,
		Password:         remote.Pwd,
		ICELite:          remote.Lite,
	}

	result := make(chan error, 1)
	go func() {
		result <- n.transport.Start(nil, params, &role)
	}()

	// A failed agent does not unblock Start by itself, so the transport is
	// stopped to release it.
	select {
	case err := <-result:
		if err != nil {
			return Pair{}, fmt.Errorf("%w: %v", ErrConnectivityFailed, err)
		}
	case <-n.down:
		_ = n.transport.Stop()
		<-result
		return Pair{}, fmt.Errorf("%w: no candidate pair succeeded", ErrConnectivityFailed)
	case <-ctx.Done():
		_ = n.transport.Stop()
		<-result
		return Pair{}, fmt.Errorf("%w: %w", ErrConnectivityFailed, ctx.Err())
	}

	return n.SelectedPair()
}

// AddRemoteCandidate adds a trickled remote candidate. It may be called
// before or during Connect.
func (n *Negotiator) AddRemoteCandidate(c protocol.Candidate) error {
	wc, err := toWebRTC(c)
	if err != nil {
		return err
	}
	return n.transport.AddRemoteCandidate(&wc)
}

// SelectedPair returns the nominated pair.
func (n *Negotiator) SelectedPair() (Pair, error) {
	p, err := n.transport.GetSelectedCandidatePair()
	if err != nil {
		return Pair{}, fmt.Errorf("selected pair: %w", err)
	}
	if p == nil || p.Local == nil || p.Remote == nil {
		return Pair{}, fmt.Errorf("%w: no selected pair", ErrConnectivityFailed)
	}
	return Pair{Local: fromWebRTC(p.Local), Remote: fromWebRTC(p.Remote)}, nil
}

// Stop closes the transport and, through it, the gatherer's sockets.
func (n *Negotiator) Stop() error {
	return n.transport.Stop()
}
