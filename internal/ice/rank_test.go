package ice

import (
	"testing"

	"github.com/1ureka/p2pchan/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cand(typ, addr string, port uint16, prio uint32) protocol.Candidate {
	c := protocol.Candidate{
		Foundation: typ + addr,
		Priority:   prio,
		Address:    addr,
		Protocol:   "udp",
		Port:       port,
		Type:       typ,
		Component:  1,
	}
	if typ != "host" {
		c.RelatedAddress = "10.0.0.1"
		c.RelatedPort = 1
	}
	return c
}

func TestPairPriority(t *testing.T) {
	p := Pair{Local: cand("host", "10.0.0.1", 1, 100), Remote: cand("host", "10.0.0.2", 2, 50)}

	// RFC 8445: 2^32*MIN(G,D) + 2*MAX(G,D) + (G>D?1:0)
	assert.Equal(t, uint64(50)<<32+200+1, p.Priority(true))
	assert.Equal(t, uint64(50)<<32+200, p.Priority(false))
}

func TestRankPairsByPriority(t *testing.T) {
	local := []protocol.Candidate{
		cand("relay", "198.51.100.1", 3000, 16777215),
		cand("host", "192.168.1.2", 4000, 2130706431),
	}
	remote := []protocol.Candidate{
		cand("srflx", "203.0.113.9", 5000, 1694498815),
		cand("host", "192.168.1.3", 6000, 2130706431),
	}

	pairs := RankPairs(local, remote, true)
	require.Len(t, pairs, 4)

	assert.Equal(t, "host", pairs[0].Local.Type)
	assert.Equal(t, "host", pairs[0].Remote.Type)
	for i := 1; i < len(pairs); i++ {
		assert.GreaterOrEqual(t, pairs[i-1].Priority(true), pairs[i].Priority(true))
	}
}

func TestRankPairsTieBreakByPathType(t *testing.T) {
	const prio = 1000
	local := []protocol.Candidate{
		cand("relay", "198.51.100.1", 1, prio),
		cand("srflx", "203.0.113.1", 2, prio),
		cand("host", "192.168.1.1", 3, prio),
	}
	remote := []protocol.Candidate{cand("host", "192.168.1.9", 9, prio)}

	pairs := RankPairs(local, remote, false)
	require.Len(t, pairs, 3)

	var got []string
	for _, p := range pairs {
		got = append(got, p.Local.Type)
	}
	assert.Equal(t, []string{"host", "srflx", "relay"}, got)
}

func TestRankPairsSkipsIncompatible(t *testing.T) {
	local := []protocol.Candidate{
		cand("host", "192.168.1.1", 1, 10),
		cand("host", "fe80::1", 2, 10),
	}
	tcp := cand("host", "192.168.1.5", 5, 10)
	tcp.Protocol = "tcp"
	tcp.TCPType = "passive"
	remote := []protocol.Candidate{
		cand("host", "192.168.1.9", 9, 10),
		tcp,
	}

	pairs := RankPairs(local, remote, true)
	require.Len(t, pairs, 1)
	assert.Equal(t, "192.168.1.1", pairs[0].Local.Address)
	assert.Equal(t, "192.168.1.9", pairs[0].Remote.Address)
}

func TestOrderRemote(t *testing.T) {
	local := []protocol.Candidate{cand("host", "192.168.1.1", 1, 2130706431)}
	remote := []protocol.Candidate{
		cand("relay", "198.51.100.7", 7, 16777215),
		cand("host", "fe80::9", 9, 2130706431), // no IPv6 local yet
		cand("host", "192.168.1.8", 8, 2130706431),
	}

	got := orderRemote(local, remote, true)
	require.Len(t, got, 3)
	assert.Equal(t, "192.168.1.8", got[0].Address)
	assert.Equal(t, "198.51.100.7", got[1].Address)
	assert.Equal(t, "fe80::9", got[2].Address)
}

func TestTypePreference(t *testing.T) {
	assert.Greater(t, typePreference("host"), typePreference("prflx"))
	assert.Greater(t, typePreference("prflx"), typePreference("srflx"))
	assert.Greater(t, typePreference("srflx"), typePreference("relay"))
	assert.Zero(t, typePreference("bogus"))
}

func TestCandidateConversion(t *testing.T) {
	c := cand("srflx", "203.0.113.1", 4444, 1694498815)

	wc, err := toWebRTC(c)
	require.NoError(t, err)
	assert.Equal(t, c, fromWebRTC(&wc))

	c.Type = "bogus"
	_, err = toWebRTC(c)
	assert.Error(t, err)
}
