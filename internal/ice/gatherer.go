package ice

import (
	"fmt"
	"sync"

	"github.com/1ureka/p2pchan/internal/config"
	"github.com/1ureka/p2pchan/internal/protocol"
	"github.com/1ureka/p2pchan/internal/util"
	"github.com/pion/webrtc/v4"
)

// Gatherer discovers local candidates. Candidates are reported one at a
// time through the callback registered with OnCandidate; Done is closed
// once gathering has finished.
type Gatherer struct {
	raw *webrtc.ICEGatherer

	mu          sync.Mutex
	candidates  []protocol.Candidate
	onCandidate func(protocol.Candidate)

	done     chan struct{}
	doneOnce sync.Once
}

// NewGatherer creates a gatherer for the given servers and policy. Nothing
// is sent on the network until Start.
func NewGatherer(api *webrtc.API, servers []config.ICEServer, policy config.GatherPolicy) (*Gatherer, error) {
	p := webrtc.ICETransportPolicyAll
	if policy == config.GatherRelay {
		p = webrtc.ICETransportPolicyRelay
	}

	raw, err := api.NewICEGatherer(webrtc.ICEGatherOptions{
		ICEServers:      iceServers(servers),
		ICEGatherPolicy: p,
	})
	if err != nil {
		return nil, fmt.Errorf("create ice gatherer: %w", err)
	}

	g := &Gatherer{
		raw:  raw,
		done: make(chan struct{}),
	}

	// A nil candidate marks the end of gathering.
	raw.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			util.LogDebug("ice: gathering complete (%d candidates)", g.Count())
			g.finish()
			return
		}

		cand := fromWebRTC(c)
		g.mu.Lock()
		g.candidates = append(g.candidates, cand)
		fn := g.onCandidate
		g.mu.Unlock()

		util.LogDebug("ice: local candidate %s", Describe(cand))
		if fn != nil {
			fn(cand)
		}
	})

	return g, nil
}

// OnCandidate registers fn for every candidate found after the call.
func (g *Gatherer) OnCandidate(fn func(protocol.Candidate)) {
	g.mu.Lock()
	g.onCandidate = fn
	g.mu.Unlock()
}

// Start begins gathering in the background.
func (g *Gatherer) Start() error {
	if err := g.raw.Gather(); err != nil {
		g.finish()
		return fmt.Errorf("start gathering: %w", err)
	}
	return nil
}

// Done is closed when gathering has finished or the gatherer was closed.
func (g *Gatherer) Done() <-chan struct{} {
	return g.done
}

func (g *Gatherer) finish() {
	g.doneOnce.Do(func() { close(g.done) })
}

// Candidates returns a copy of every candidate found so far.
func (g *Gatherer) Candidates() []protocol.Candidate {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]protocol.Candidate(nil), g.candidates...)
}

// Count returns the number of candidates found so far.
func (g *Gatherer) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.candidates)
}

// LocalParameters returns the ICE credentials of this gatherer.
func (g *Gatherer) LocalParameters() (protocol.ICEParams, error) {
	params, err := g.raw.GetLocalParameters()
	if err != nil {
		return protocol.ICEParams{}, fmt.Errorf("ice local parameters: %w", err)
	}
	return protocol.ICEParams{
		Ufrag: params.UsernameFragment,
		Pwd:   params.Password,
		Lite:  params.ICELite,
	}, nil
}

// Close releases the sockets held by the gatherer.
func (g *Gatherer) Close() error {
	g.finish()
	return g.raw.Close()
}
