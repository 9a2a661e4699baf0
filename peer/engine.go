package peer

import (
	"context"
	"time"

	"github.com/1ureka/p2pchan/internal/config"
	"github.com/1ureka/p2pchan/internal/util"
	pionice "github.com/pion/ice/v4"
	"github.com/pion/webrtc/v4"
)

const (
	disconnectedTimeout = 5 * time.Second
	keepaliveInterval   = 2 * time.Second
)

// newAPI builds the engine shared by every transport of one peer.
//
// Detached channels give us plain message reads and writes. pion's own
// fingerprint check is turned off; the secure layer verifies the remote
// certificate itself so a mismatch surfaces as its own error.
func newAPI(cfg config.Config) *webrtc.API {
	se := webrtc.SettingEngine{
		LoggerFactory: util.PionLoggerFactory{},
	}
	se.DetachDataChannels()
	se.DisableCertificateFingerprintVerification(true)
	se.SetIncludeLoopbackCandidate(cfg.IncludeLoopback)
	se.SetICEMulticastDNSMode(pionice.MulticastDNSModeDisabled)
	se.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4, webrtc.NetworkTypeUDP6})
	se.SetSCTPMaxMessageSize(uint32(cfg.MaxMessageSize))

	// The agent gives up on checks after disconnected+failed; keeping that
	// above ConnectTimeout leaves the deadline to us.
	se.SetICETimeouts(disconnectedTimeout, cfg.ConnectTimeout, keepaliveInterval)

	handshake := cfg.HandshakeTimeout
	se.SetDTLSConnectContextMaker(func() (context.Context, func()) {
		return context.WithTimeout(context.Background(), handshake)
	})

	return webrtc.NewAPI(webrtc.WithSettingEngine(se))
}
