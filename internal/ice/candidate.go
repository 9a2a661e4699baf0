// Package ice discovers local candidates and runs connectivity checks
// against a remote peer using pion's ORTC ICE objects.
package ice

import (
	"fmt"

	"github.com/1ureka/p2pchan/internal/config"
	"github.com/1ureka/p2pchan/internal/protocol"
	"github.com/pion/webrtc/v4"
)

// fromWebRTC converts a pion candidate to its wire form.
func fromWebRTC(c *webrtc.ICECandidate) protocol.Candidate {
	return protocol.Candidate{
		Foundation:     c.Foundation,
		Priority:       c.Priority,
		Address:        c.Address,
		Protocol:       c.Protocol.String(),
		Port:           c.Port,
		Type:           c.Typ.String(),
		Component:      c.Component,
		RelatedAddress: c.RelatedAddress,
		RelatedPort:    c.RelatedPort,
		TCPType:        c.TCPType,
	}
}

// toWebRTC converts a wire candidate to pion's form.
func toWebRTC(c protocol.Candidate) (webrtc.ICECandidate, error) {
	typ, err := webrtc.NewICECandidateType(c.Type)
	if err != nil {
		return webrtc.ICECandidate{}, fmt.Errorf("candidate %s:%d: %w", c.Address, c.Port, err)
	}
	proto, err := webrtc.NewICEProtocol(c.Protocol)
	if err != nil {
		return webrtc.ICECandidate{}, fmt.Errorf("candidate %s:%d: %w", c.Address, c.Port, err)
	}

	return webrtc.ICECandidate{
		Foundation:     c.Foundation,
		Priority:       c.Priority,
		Address:        c.Address,
		Protocol:       proto,
		Port:           c.Port,
		Typ:            typ,
		Component:      c.Component,
		RelatedAddress: c.RelatedAddress,
		RelatedPort:    c.RelatedPort,
		TCPType:        c.TCPType,
	}, nil
}

// iceServers converts configured servers to pion's form.
func iceServers(servers []config.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		out = append(out, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out
}

// Describe renders a candidate for logs, e.g. "srflx udp 203.0.113.7:61000".
func Describe(c protocol.Candidate) string {
	return fmt.Sprintf("%s %s %s:%d", c.Type, c.Protocol, c.Address, c.Port)
}
