package ice

import (
	"fmt"
	"net"
	"slices"
	"strings"

	"github.com/1ureka/p2pchan/internal/protocol"
	pionice "github.com/pion/ice/v4"
)

// Pair is a local/remote candidate combination.
type Pair struct {
	Local  protocol.Candidate
	Remote protocol.Candidate
}

func (p Pair) String() string {
	return Describe(p.Local) + " <-> " + Describe(p.Remote)
}

// Priority computes the RFC 8445 §6.1.2.3 pair priority. G is the priority
// of the controlling agent's candidate, D the controlled agent's.
func (p Pair) Priority(controlling bool) uint64 {
	g, d := uint64(p.Local.Priority), uint64(p.Remote.Priority)
	if !controlling {
		g, d = d, g
	}

	var tie uint64
	if g > d {
		tie = 1
	}
	return (1<<32)*min(g, d) + 2*max(g, d) + tie
}

// pathPreference ranks the path by its least direct member: a pair with a
// relayed side is a relayed path even when the other side is a host.
func (p Pair) pathPreference() uint16 {
	return min(typePreference(p.Local.Type), typePreference(p.Remote.Type))
}

// typePreference maps a candidate type to its RFC 8445 type preference
// (host > peer-reflexive > server-reflexive > relayed).
func typePreference(typ string) uint16 {
	var t pionice.CandidateType
	switch typ {
	case "host":
		t = pionice.CandidateTypeHost
	case "prflx":
		t = pionice.CandidateTypePeerReflexive
	case "srflx":
		t = pionice.CandidateTypeServerReflexive
	case "relay":
		t = pionice.CandidateTypeRelay
	default:
		return 0
	}
	return t.Preference()
}

// compatible reports whether two candidates can form a pair: same transport
// protocol and, when both are IP literals, the same address family.
func compatible(a, b protocol.Candidate) bool {
	if !strings.EqualFold(a.Protocol, b.Protocol) || a.Component != b.Component {
		return false
	}
	ipA, ipB := net.ParseIP(a.Address), net.ParseIP(b.Address)
	if ipA == nil || ipB == nil {
		return true
	}
	return (ipA.To4() == nil) == (ipB.To4() == nil)
}

// RankPairs forms every compatible pair and orders them best first: by pair
// priority descending, then by path type (host > srflx > relay) when the
// priorities tie. Remaining ties keep input order.
func RankPairs(local, remote []protocol.Candidate, controlling bool) []Pair {
	pairs := make([]Pair, 0, len(local)*len(remote))
	for _, l := range local {
		for _, r := range remote {
			if compatible(l, r) {
				pairs = append(pairs, Pair{Local: l, Remote: r})
			}
		}
	}

	slices.SortStableFunc(pairs, func(a, b Pair) int {
		pa, pb := a.Priority(controlling), b.Priority(controlling)
		switch {
		case pa > pb:
			return -1
		case pa < pb:
			return 1
		}
		return int(b.pathPreference()) - int(a.pathPreference())
	})
	return pairs
}

// orderRemote returns remote candidates ordered by the best pair each takes
// part in, followed by candidates that pair with nothing local yet (a
// trickled local candidate may still match them).
func orderRemote(local, remote []protocol.Candidate, controlling bool) []protocol.Candidate {
	seen := make(map[string]bool, len(remote))
	out := make([]protocol.Candidate, 0, len(remote))

	for _, p := range RankPairs(local, remote, controlling) {
		key := candidateKey(p.Remote)
		if !seen[key] {
			seen[key] = true
			out = append(out, p.Remote)
		}
	}
	for _, r := range remote {
		key := candidateKey(r)
		if !seen[key] {
			seen[key] = true
			out = append(out, r)
		}
	}
	return out
}

func candidateKey(c protocol.Candidate) string {
	return fmt.Sprintf("%s/%s/%s/%d", c.Type, c.Protocol, c.Address, c.Port)
}
