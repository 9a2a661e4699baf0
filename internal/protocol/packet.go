// Package protocol defines the description and trickled-candidate formats
// exchanged out-of-band between two peers.
package protocol

import (
	"github.com/1ureka/p2pchan/internal/config"
)

// Wire header: Magic(2) + Version(1) + Kind(1) + Flags(1), then the body.
const (
	HeaderSize = 5
	Version    = 1
)

var magic = [2]byte{'p', '2'}

// Kind identifies the body carried after the header.
type Kind uint8

const (
	KindDescription Kind = 0x01 // full session description
	KindCandidate   Kind = 0x02 // one trickled candidate or end-of-candidates
)

// Header flags.
const (
	flagZstd uint8 = 0x01 // body is zstd-compressed CBOR
)

// Description bundles everything a remote peer needs to reach and
// authenticate us. It is immutable once encoded.
type Description struct {
	SessionID  string        `cbor:"sid"`
	Role       config.Role   `cbor:"role"`
	ICE        ICEParams     `cbor:"ice"`
	Candidates []Candidate   `cbor:"cands,omitempty"`
	DTLS       DTLSParams    `cbor:"dtls"`
	SCTP       SCTPParams    `cbor:"sctp"`
	Channel    ChannelParams `cbor:"chan"`
	Complete   bool          `cbor:"done,omitempty"` // gathering had finished
}

// ICEParams are the credentials used for connectivity checks.
type ICEParams struct {
	Ufrag string `cbor:"ufrag"`
	Pwd   string `cbor:"pwd"`
	Lite  bool   `cbor:"lite,omitempty"`
}

// Candidate is one reachable transport address.
type Candidate struct {
	Foundation     string `cbor:"f"`
	Priority       uint32 `cbor:"prio"`
	Address        string `cbor:"addr"`
	Protocol       string `cbor:"proto"` // udp | tcp
	Port           uint16 `cbor:"port"`
	Type           string `cbor:"typ"` // host | srflx | prflx | relay
	Component      uint16 `cbor:"comp"`
	RelatedAddress string `cbor:"raddr,omitempty"`
	RelatedPort    uint16 `cbor:"rport,omitempty"`
	TCPType        string `cbor:"tcptype,omitempty"`
}

// DTLSParams carry the certificate fingerprints the handshake is bound to.
type DTLSParams struct {
	Role         string        `cbor:"role"` // auto | client | server
	Fingerprints []Fingerprint `cbor:"fps"`
}

// Fingerprint is a certificate digest, e.g. {"sha-256", "AB:CD:..."}.
type Fingerprint struct {
	Algorithm string `cbor:"alg"`
	Value     string `cbor:"val"`
}

// SCTPParams describe the message transport of the sender.
type SCTPParams struct {
	MaxMessageSize uint32 `cbor:"mms"`
}

// ChannelParams describe the default channel the offerer opens.
type ChannelParams struct {
	Label             string  `cbor:"label"`
	Ordered           bool    `cbor:"ordered"`
	MaxRetransmits    *uint16 `cbor:"rtx,omitempty"`
	MaxPacketLifetime *uint16 `cbor:"life,omitempty"`
}

// Trickle carries one candidate discovered after the description was
// produced. A nil Candidate signals that gathering finished.
type Trickle struct {
	SessionID string     `cbor:"sid"`
	Candidate *Candidate `cbor:"cand,omitempty"`
}

// ChannelParamsFrom converts a configured channel to its wire form.
func ChannelParamsFrom(c config.Channel) ChannelParams {
	return ChannelParams{
		Label:             c.Label,
		Ordered:           c.Ordered,
		MaxRetransmits:    c.MaxRetransmits,
		MaxPacketLifetime: c.MaxPacketLifetime,
	}
}

// Config converts wire channel parameters back to a configured channel.
func (p ChannelParams) Config() config.Channel {
	return config.Channel{
		Label:             p.Label,
		Ordered:           p.Ordered,
		MaxRetransmits:    p.MaxRetransmits,
		MaxPacketLifetime: p.MaxPacketLifetime,
	}
}
