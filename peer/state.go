package peer

// State is the lifecycle stage of a Peer. States only move forward;
// Closed and Failed are terminal.
type State int32

const (
	Initializing State = iota
	GatheringLocal
	AwaitingRemote
	Negotiating
	Securing
	Connected
	Closed
	Failed
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case GatheringLocal:
		return "gathering-local"
	case AwaitingRemote:
		return "awaiting-remote"
	case Negotiating:
		return "negotiating"
	case Securing:
		return "securing"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == Closed || s == Failed
}

// settles reports whether reaching s releases Wait.
func (s State) settles() bool {
	return s == Connected || s.Terminal()
}
