package protocol

import (
	"encoding/hex"
	"fmt"
	"net"
	"strings"

	"github.com/1ureka/p2pchan/internal/config"
	"github.com/pion/dtls/v3/pkg/crypto/fingerprint"
)

// RFC 8445 §5.3 lower bounds on the ICE credentials.
const (
	minUfragLen = 4
	minPwdLen   = 22
	maxCredLen  = 256
)

// Validate checks that d is structurally usable by a remote peer.
func (d *Description) Validate() error {
	if d.SessionID == "" {
		return fmt.Errorf("%w: empty session id", ErrInvalid)
	}
	switch d.Role {
	case config.RoleOffer, config.RoleAnswer:
	default:
		return fmt.Errorf("%w: role %q", ErrInvalid, d.Role)
	}

	if n := len(d.ICE.Ufrag); n < minUfragLen || n > maxCredLen {
		return fmt.Errorf("%w: ice ufrag length %d", ErrInvalid, n)
	}
	if n := len(d.ICE.Pwd); n < minPwdLen || n > maxCredLen {
		return fmt.Errorf("%w: ice pwd length %d", ErrInvalid, n)
	}

	if d.Complete && len(d.Candidates) == 0 {
		return fmt.Errorf("%w: gathering complete without candidates", ErrInvalid)
	}
	for i := range d.Candidates {
		if err := d.Candidates[i].Validate(); err != nil {
			return fmt.Errorf("candidate %d: %w", i, err)
		}
	}

	switch d.DTLS.Role {
	case "auto", "client", "server":
	default:
		return fmt.Errorf("%w: dtls role %q", ErrInvalid, d.DTLS.Role)
	}
	if len(d.DTLS.Fingerprints) == 0 {
		return fmt.Errorf("%w: no certificate fingerprint", ErrInvalid)
	}
	for _, fp := range d.DTLS.Fingerprints {
		if err := fp.Validate(); err != nil {
			return err
		}
	}

	if d.SCTP.MaxMessageSize == 0 {
		return fmt.Errorf("%w: zero sctp max message size", ErrInvalid)
	}

	if d.Role == config.RoleOffer {
		if err := d.Channel.Config().Validate(); err != nil {
			return fmt.Errorf("%w: default channel: %v", ErrInvalid, err)
		}
	}
	return nil
}

// Validate checks the algorithm is one the handshake can verify and the
// value is a colon-separated hex digest of the matching length.
func (f Fingerprint) Validate() error {
	algo, err := fingerprint.HashFromString(f.Algorithm)
	if err != nil {
		return fmt.Errorf("%w: fingerprint algorithm %q: %v", ErrInvalid, f.Algorithm, err)
	}

	parts := strings.Split(f.Value, ":")
	if len(parts) != algo.Size() {
		return fmt.Errorf("%w: %s fingerprint has %d octets, want %d", ErrInvalid, f.Algorithm, len(parts), algo.Size())
	}
	for _, p := range parts {
		if len(p) != 2 {
			return fmt.Errorf("%w: fingerprint octet %q", ErrInvalid, p)
		}
		if _, err := hex.DecodeString(p); err != nil {
			return fmt.Errorf("%w: fingerprint octet %q", ErrInvalid, p)
		}
	}
	return nil
}

// Validate checks the fields the connectivity checks depend on.
func (c *Candidate) Validate() error {
	if c.Foundation == "" {
		return fmt.Errorf("%w: empty foundation", ErrInvalid)
	}
	if c.Address == "" {
		return fmt.Errorf("%w: empty address", ErrInvalid)
	}
	// mDNS names are allowed; anything else must be an IP literal.
	if !strings.HasSuffix(c.Address, ".local") && net.ParseIP(c.Address) == nil {
		return fmt.Errorf("%w: address %q", ErrInvalid, c.Address)
	}

	switch c.Protocol {
	case "udp":
		if c.Port == 0 {
			return fmt.Errorf("%w: udp candidate without port", ErrInvalid)
		}
	case "tcp":
		switch c.TCPType {
		case "active", "passive", "so":
		default:
			return fmt.Errorf("%w: tcp type %q", ErrInvalid, c.TCPType)
		}
	default:
		return fmt.Errorf("%w: protocol %q", ErrInvalid, c.Protocol)
	}

	switch c.Type {
	case "host":
	case "srflx", "prflx", "relay":
		if c.RelatedAddress == "" {
			return fmt.Errorf("%w: %s candidate without related address", ErrInvalid, c.Type)
		}
	default:
		return fmt.Errorf("%w: candidate type %q", ErrInvalid, c.Type)
	}

	if c.Component != 1 {
		return fmt.Errorf("%w: component %d", ErrInvalid, c.Component)
	}
	return nil
}

// Validate checks a trickled candidate.
func (t *Trickle) Validate() error {
	if t.SessionID == "" {
		return fmt.Errorf("%w: empty session id", ErrInvalid)
	}
	if t.Candidate != nil {
		return t.Candidate.Validate()
	}
	return nil
}
