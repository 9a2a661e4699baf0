// Package peer establishes a direct, encrypted message channel between two
// endpoints. The endpoints exchange opaque descriptions over any path the
// caller provides; everything after that runs peer to peer.
package peer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1ureka/p2pchan/internal/config"
	"github.com/1ureka/p2pchan/internal/ice"
	"github.com/1ureka/p2pchan/internal/protocol"
	"github.com/1ureka/p2pchan/internal/queue"
	"github.com/1ureka/p2pchan/internal/secure"
	"github.com/1ureka/p2pchan/internal/transport"
	"github.com/1ureka/p2pchan/internal/util"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

const (
	eventBufferSize   = 64
	trickleBufferSize = 256
)

// Peer is one endpoint of a connection. It is created either as offerer
// with New or as answerer with Accept. All methods are safe for concurrent
// use.
type Peer struct {
	cfg       config.Config
	role      config.Role
	sessionID string
	tag       string // short session id for log lines

	api        *webrtc.API
	gatherer   *ice.Gatherer
	negotiator *ice.Negotiator
	secure     *secure.Negotiator
	queue      *queue.Queue
	stats      *util.Stats

	ctx    context.Context
	cancel context.CancelFunc
	events chan event
	wg     sync.WaitGroup

	// Owned by the event loop.
	local       []protocol.Candidate
	described   bool
	started     bool
	remoteCands []trickled

	notifyMu sync.Mutex // serializes transitions with their callbacks
	pathDown atomic.Bool

	mu            sync.RWMutex
	state         State
	cause         error
	onChange      []func(State)
	remote        *protocol.Description
	localDesc     []byte
	transport     *transport.Transport
	channel       *transport.Channel
	pair          ice.Pair
	hasPair       bool
	trickle       chan []byte
	trickleClosed bool
	released      bool

	descReady     chan struct{}
	descOnce      sync.Once
	settled       chan struct{}
	settleOnce    sync.Once
	channelClosed chan struct{}
	chanOnce      sync.Once
	readable      chan struct{}

	closeOnce   sync.Once
	releaseOnce sync.Once
}

type trickled struct {
	sessionID string
	cand      protocol.Candidate
}

// New validates cfg and starts gathering local candidates in the
// background. The role comes from cfg.Role.
func New(cfg config.Config) (*Peer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cert, err := secure.NewCertificate()
	if err != nil {
		return nil, err
	}

	api := newAPI(cfg)
	g, err := ice.NewGatherer(api, cfg.ICEServers, cfg.GatherPolicy)
	if err != nil {
		return nil, err
	}
	n := ice.NewNegotiator(api, g)
	s, err := secure.NewNegotiator(api, n.Transport(), *cert)
	if err != nil {
		_ = g.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	sid := uuid.NewString()
	p := &Peer{
		cfg:           cfg,
		role:          cfg.Role,
		sessionID:     sid,
		tag:           sid[:8],
		api:           api,
		gatherer:      g,
		negotiator:    n,
		secure:        s,
		queue:         queue.New(cfg.MaxInboundMessages, cfg.OverflowPolicy),
		stats:         &util.Stats{},
		ctx:           ctx,
		cancel:        cancel,
		events:        make(chan event, eventBufferSize),
		trickle:       make(chan []byte, trickleBufferSize),
		descReady:     make(chan struct{}),
		settled:       make(chan struct{}),
		channelClosed: make(chan struct{}),
		readable:      make(chan struct{}, 1),
	}

	g.OnCandidate(func(c protocol.Candidate) {
		p.post(event{kind: evLocalCandidate, cand: c})
	})
	n.OnStateChange(p.onPathState)

	util.LogDebug("peer %s: created as %s", p.tag, p.role)

	p.wg.Add(2)
	go p.loop()
	go p.watchGathering()

	p.transition(GatheringLocal, nil)
	if err := g.Start(); err != nil {
		_ = p.Close()
		return nil, err
	}
	return p, nil
}

// Accept creates an answerer for offer. cfg.Role is ignored.
func Accept(cfg config.Config, offer []byte) (*Peer, error) {
	cfg.Role = config.RoleAnswer
	p, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if err := p.ApplyRemoteDescription(offer); err != nil {
		_ = p.Close()
		return nil, err
	}
	return p, nil
}

// ---------------------------------------------------------------------------
// Description exchange
// ---------------------------------------------------------------------------

// LocalDescription returns the encoded local description once initial
// gathering is complete: gathering finished, the first non-host candidate
// arrived, or the gather deadline passed with at least one candidate.
// Every call returns the same bytes.
func (p *Peer) LocalDescription(ctx context.Context) ([]byte, error) {
	select {
	case <-p.descReady:
	case <-p.settled:
	case <-ctx.Done():
		return nil, waitError(ctx, PhaseGather)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.localDesc != nil {
		return append([]byte(nil), p.localDesc...), nil
	}
	return nil, p.terminalErrLocked()
}

// LocalCandidates streams candidates found after LocalDescription was
// produced, encoded for AddRemoteCandidate. The last value of an
// incomplete description is an end-of-candidates marker. The channel is
// closed when gathering finishes or the peer terminates.
func (p *Peer) LocalCandidates() <-chan []byte {
	return p.trickle
}

// ApplyRemoteDescription hands the remote description to the peer and
// starts connectivity checks once the local description is ready.
func (p *Peer) ApplyRemoteDescription(b []byte) error {
	p.mu.RLock()
	if p.state.Terminal() {
		err := p.terminalErrLocked()
		p.mu.RUnlock()
		return err
	}
	applied := p.remote != nil
	p.mu.RUnlock()
	if applied {
		return ErrAlreadyNegotiating
	}

	d, err := protocol.DecodeDescription(b)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidDescription, err)
	}
	if d.Role == p.role {
		return fmt.Errorf("%w: remote role is %s, same as ours", ErrInvalidDescription, d.Role)
	}
	if d.SessionID == p.sessionID {
		return fmt.Errorf("%w: description is our own", ErrInvalidDescription)
	}

	p.mu.Lock()
	if p.remote != nil {
		p.mu.Unlock()
		return ErrAlreadyNegotiating
	}
	p.remote = d
	p.mu.Unlock()

	// Digest the binary form so both sides log the same value.
	raw := b
	if bin, err := protocol.DecodeText(string(b)); err == nil {
		raw = bin
	}
	util.LogDebug("peer %s: remote description %s (%d candidates, digest %08x, complete=%t)",
		p.tag, shortID(d.SessionID), len(d.Candidates), util.Digest(raw), d.Complete)
	p.post(event{kind: evRemote})
	return nil
}

// AddRemoteCandidate adds a trickled remote candidate. It may be called
// before the remote description arrives; candidates of another session
// are then discarded once the description is known.
func (p *Peer) AddRemoteCandidate(b []byte) error {
	t, err := protocol.DecodeCandidate(b)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidDescription, err)
	}

	p.mu.RLock()
	if p.state.Terminal() {
		err := p.terminalErrLocked()
		p.mu.RUnlock()
		return err
	}
	remote := p.remote
	p.mu.RUnlock()

	if t.SessionID == p.sessionID {
		return fmt.Errorf("%w: candidate is our own", ErrInvalidDescription)
	}
	if remote != nil && t.SessionID != remote.SessionID {
		return fmt.Errorf("%w: candidate belongs to session %s", ErrInvalidDescription, shortID(t.SessionID))
	}
	if t.Candidate == nil {
		util.LogDebug("peer %s: remote end of candidates", p.tag)
		return nil
	}

	p.post(event{kind: evRemoteCandidate, sessionID: t.SessionID, cand: *t.Candidate})
	return nil
}

// ---------------------------------------------------------------------------
// Waiting
// ---------------------------------------------------------------------------

// Wait blocks until the peer is connected, has failed, or was closed, or
// until ctx is done. It returns nil when connected, the failure cause,
// ErrClosed, or a *TimeoutError when ctx expired first.
func (p *Peer) Wait(ctx context.Context) error {
	select {
	case <-p.settled:
	case <-ctx.Done():
		return waitError(ctx, PhaseWait)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.state == Connected {
		return nil
	}
	return p.terminalErrLocked()
}

// WaitTimeout is Wait with a relative deadline. A failure cause is returned
// as recorded; only the error of the wait itself carries d as its limit.
func (p *Peer) WaitTimeout(d time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()

	err := p.Wait(ctx)
	var te *TimeoutError
	if errors.As(err, &te) && te.Phase == PhaseWait {
		return &TimeoutError{Phase: PhaseWait, Limit: d, Err: te.Err}
	}
	return err
}

func waitError(ctx context.Context, phase Phase) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Phase: phase, Err: ctx.Err()}
	}
	return ctx.Err()
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

// Send queues b on the default channel without blocking. b is copied.
func (p *Peer) Send(b []byte) error {
	p.mu.RLock()
	st, ch := p.state, p.channel
	p.mu.RUnlock()

	if st != Connected || ch == nil {
		return ErrNotConnected
	}
	return ch.Send(b)
}

// Receive returns the oldest unread message of the default channel, or
// false when none is available.
func (p *Peer) Receive() ([]byte, bool) {
	p.mu.RLock()
	ch := p.channel
	p.mu.RUnlock()

	if ch == nil {
		return nil, false
	}
	return ch.Receive()
}

// Readable is signalled when Receive may return a message. A signal can
// cover several messages; drain with Receive until it reports false.
func (p *Peer) Readable() <-chan struct{} {
	return p.readable
}

// Buffered returns the outbound bytes of the default channel not yet
// acknowledged by the transport.
func (p *Peer) Buffered() uint64 {
	p.mu.RLock()
	ch := p.channel
	p.mu.RUnlock()

	if ch == nil {
		return 0
	}
	return ch.Buffered()
}

// ChannelClosed is closed when the default channel was closed by either
// side or the peer terminated.
func (p *Peer) ChannelClosed() <-chan struct{} {
	return p.channelClosed
}

// OpenChannel opens an additional channel with its own ordering and
// reliability. Its messages are read with the channel's own Receive.
func (p *Peer) OpenChannel(cfg config.Channel) (*transport.Channel, error) {
	tr, err := p.connectedTransport()
	if err != nil {
		return nil, err
	}
	return tr.Open(cfg)
}

// AcceptChannel waits for the next channel opened by the remote.
func (p *Peer) AcceptChannel(ctx context.Context) (*transport.Channel, error) {
	tr, err := p.connectedTransport()
	if err != nil {
		return nil, err
	}
	ch, err := tr.Accept(ctx)
	if errors.Is(err, transport.ErrClosed) {
		return nil, ErrClosed
	}
	return ch, err
}

func (p *Peer) connectedTransport() (*transport.Transport, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.state != Connected || p.transport == nil {
		return nil, ErrNotConnected
	}
	return p.transport, nil
}

// ---------------------------------------------------------------------------
// Introspection
// ---------------------------------------------------------------------------

func (p *Peer) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

func (p *Peer) Role() config.Role { return p.role }

func (p *Peer) SessionID() string { return p.sessionID }

// Err returns the failure cause, or nil unless the peer has failed.
func (p *Peer) Err() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cause
}

// SelectedPair returns the candidate pair carrying the connection.
func (p *Peer) SelectedPair() (ice.Pair, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pair, p.hasPair
}

// Stats returns the traffic counters of this peer.
func (p *Peer) Stats() util.Snapshot {
	return p.stats.Snapshot()
}

// OnStateChange registers fn to be called after every transition. fn runs
// synchronously on an internal goroutine; it must not block or call Close.
func (p *Peer) OnStateChange(fn func(State)) {
	p.mu.Lock()
	p.onChange = append(p.onChange, fn)
	p.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Close stops every background task and releases sockets, transports and
// channels. It is idempotent and always returns nil; teardown problems
// are logged.
func (p *Peer) Close() error {
	p.closeOnce.Do(func() {
		p.transition(Closed, ErrClosed)
		p.cancel()
		p.release()
		p.wg.Wait()
		util.LogDebug("peer %s: closed", p.tag)
	})
	return nil
}

// transition moves to next if that is a forward step. Reaching Connected
// or a terminal state releases Wait.
func (p *Peer) transition(next State, cause error) bool {
	p.notifyMu.Lock()
	defer p.notifyMu.Unlock()

	p.mu.Lock()
	cur := p.state
	if cur.Terminal() || (next <= cur && !next.Terminal()) {
		p.mu.Unlock()
		return false
	}
	p.state = next
	if next == Failed {
		p.cause = cause
	}
	fns := slices.Clone(p.onChange)
	p.mu.Unlock()

	if next.settles() {
		p.settleOnce.Do(func() { close(p.settled) })
	}
	util.LogDebug("peer %s: %s → %s", p.tag, cur, next)

	for _, fn := range fns {
		fn(next)
	}
	return true
}

// fail moves to Failed and tears everything down.
func (p *Peer) fail(err error) {
	if !p.transition(Failed, err) {
		return
	}
	util.LogError("peer %s: %v", p.tag, err)
	p.cancel()
	p.release()
}

func (p *Peer) release() {
	p.releaseOnce.Do(func() {
		p.mu.Lock()
		p.released = true
		ch, tr := p.channel, p.transport
		p.closeTrickleLocked()
		p.mu.Unlock()

		var errs []error
		if ch != nil {
			errs = append(errs, ch.Close())
		}
		if tr != nil {
			errs = append(errs, tr.Close())
		}
		errs = append(errs, p.secure.Stop(), p.negotiator.Stop(), p.gatherer.Close())
		if err := errors.Join(errs...); err != nil {
			util.LogDebug("peer %s: release: %v", p.tag, err)
		}

		p.chanOnce.Do(func() { close(p.channelClosed) })
	})
}

// terminalErrLocked returns why the peer can no longer make progress.
func (p *Peer) terminalErrLocked() error {
	switch {
	case p.state == Failed && p.cause != nil:
		return p.cause
	case p.state == Failed:
		return ErrConnectivityFailed
	default:
		return ErrClosed
	}
}

func (p *Peer) closeTrickleLocked() {
	if !p.trickleClosed {
		p.trickleClosed = true
		close(p.trickle)
	}
}

func shortID(sid string) string {
	if len(sid) > 8 {
		return sid[:8]
	}
	return sid
}
