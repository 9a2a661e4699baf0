// Package config holds the peer configuration, its defaults and validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/1ureka/p2pchan/internal/queue"
	"github.com/pion/stun/v3"
	"gopkg.in/yaml.v3"
)

// ErrConfiguration is returned for any invalid configuration value.
var ErrConfiguration = errors.New("config: invalid configuration")

// Role selects which side of the description exchange a peer plays.
type Role string

const (
	RoleOffer  Role = "offer"
	RoleAnswer Role = "answer"
)

// GatherPolicy restricts which candidate types are gathered.
type GatherPolicy string

const (
	GatherAll   GatherPolicy = "all"
	GatherRelay GatherPolicy = "relay"
)

// DefaultLabel is the label of the channel every peer opens on connect.
const DefaultLabel = "data"

// ICEServer is a STUN or TURN server used during gathering.
type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

// Channel describes the ordering and reliability of one logical channel.
// A channel is fully reliable unless exactly one of MaxRetransmits or
// MaxPacketLifetime is set.
type Channel struct {
	Label             string  `yaml:"label"`
	Ordered           bool    `yaml:"ordered"`
	MaxRetransmits    *uint16 `yaml:"max_retransmits,omitempty"`
	MaxPacketLifetime *uint16 `yaml:"max_packet_lifetime_ms,omitempty"`
}

// Reliable reports whether the channel retransmits without limit.
func (c Channel) Reliable() bool {
	return c.MaxRetransmits == nil && c.MaxPacketLifetime == nil
}

// Mode returns a short human-readable description of the channel mode.
func (c Channel) Mode() string {
	order := "unordered"
	if c.Ordered {
		order = "ordered"
	}
	switch {
	case c.MaxRetransmits != nil:
		return fmt.Sprintf("partial(%d rtx), %s", *c.MaxRetransmits, order)
	case c.MaxPacketLifetime != nil:
		return fmt.Sprintf("partial(%dms), %s", *c.MaxPacketLifetime, order)
	default:
		return "reliable, " + order
	}
}

// Validate checks the channel in isolation.
func (c Channel) Validate() error {
	if c.Label == "" {
		return fmt.Errorf("%w: channel label is empty", ErrConfiguration)
	}
	if len(c.Label) > 0xffff {
		return fmt.Errorf("%w: channel label is %d bytes (max 65535)", ErrConfiguration, len(c.Label))
	}
	if c.MaxRetransmits != nil && c.MaxPacketLifetime != nil {
		return fmt.Errorf("%w: channel %q sets both max retransmits and max packet lifetime", ErrConfiguration, c.Label)
	}
	return nil
}

// Config stores every parameter of a peer.
type Config struct {
	ICEServers   []ICEServer  `yaml:"ice_servers"`
	GatherPolicy GatherPolicy `yaml:"gather_policy"`
	Role         Role         `yaml:"role"`
	Channel      Channel      `yaml:"channel"`

	GatherTimeout    time.Duration `yaml:"gather_timeout"`    // initial gathering deadline
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`   // connectivity checks deadline
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"` // DTLS + SCTP + channel open deadline

	MaxInboundMessages int          `yaml:"max_inbound_messages"` // 0 means unbounded
	OverflowPolicy     queue.Policy `yaml:"overflow_policy"`
	MaxOutboundBytes   int          `yaml:"max_outbound_bytes"`
	MaxMessageSize     int          `yaml:"max_message_size"`

	// IncludeLoopback gathers 127.0.0.1 / ::1 host candidates, needed for
	// two peers in one process without a LAN interface.
	IncludeLoopback bool `yaml:"include_loopback"`
}

// Default returns a configuration with a public STUN server, a reliable
// ordered "data" channel and conservative limits.
func Default() Config {
	return Config{
		ICEServers: []ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
		GatherPolicy: GatherAll,
		Role:         RoleOffer,
		Channel: Channel{
			Label:   DefaultLabel,
			Ordered: true,
		},
		GatherTimeout:      5 * time.Second,
		ConnectTimeout:     15 * time.Second,
		HandshakeTimeout:   10 * time.Second,
		MaxInboundMessages: 1024,
		OverflowPolicy:     queue.DropOldest,
		MaxOutboundBytes:   1 << 20,
		MaxMessageSize:     64 * 1024,
	}
}

// Load reads a YAML file on top of Default and validates the result.
// Durations are written as Go duration strings ("5s", "1m30s").
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: parse %s: %v", ErrConfiguration, path, err)
	}

	return cfg, cfg.Validate()
}

// Validate reports the first invalid field, wrapped in ErrConfiguration.
func (c Config) Validate() error {
	switch c.Role {
	case RoleOffer, RoleAnswer:
	default:
		return fmt.Errorf("%w: unknown role %q", ErrConfiguration, c.Role)
	}

	var relays int
	for i, s := range c.ICEServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("%w: ice server %d has no urls", ErrConfiguration, i)
		}
		for _, raw := range s.URLs {
			uri, err := stun.ParseURI(raw)
			if err != nil {
				return fmt.Errorf("%w: ice server url %q: %v", ErrConfiguration, raw, err)
			}
			if uri.Scheme == stun.SchemeTypeTURN || uri.Scheme == stun.SchemeTypeTURNS {
				if s.Username == "" || s.Credential == "" {
					return fmt.Errorf("%w: turn server %q needs a username and credential", ErrConfiguration, raw)
				}
				relays++
			}
		}
	}

	switch c.GatherPolicy {
	case GatherAll:
	case GatherRelay:
		if relays == 0 {
			return fmt.Errorf("%w: gather policy %q needs at least one turn server", ErrConfiguration, c.GatherPolicy)
		}
	default:
		return fmt.Errorf("%w: unknown gather policy %q", ErrConfiguration, c.GatherPolicy)
	}

	if err := c.Channel.Validate(); err != nil {
		return err
	}

	for name, d := range map[string]time.Duration{
		"gather_timeout":    c.GatherTimeout,
		"connect_timeout":   c.ConnectTimeout,
		"handshake_timeout": c.HandshakeTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %s", ErrConfiguration, name, d)
		}
	}

	if c.MaxInboundMessages < 0 {
		return fmt.Errorf("%w: max_inbound_messages must not be negative", ErrConfiguration)
	}
	if err := c.OverflowPolicy.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("%w: max_message_size must be positive, got %d", ErrConfiguration, c.MaxMessageSize)
	}
	if c.MaxOutboundBytes < c.MaxMessageSize {
		return fmt.Errorf("%w: max_outbound_bytes (%d) is smaller than max_message_size (%d)",
			ErrConfiguration, c.MaxOutboundBytes, c.MaxMessageSize)
	}

	return nil
}

// String renders the parts of the config worth logging.
func (c Config) String() string {
	var urls []string
	for _, s := range c.ICEServers {
		urls = append(urls, s.URLs...)
	}
	return fmt.Sprintf("role=%s servers=[%s] policy=%s channel=%q (%s)",
		c.Role, strings.Join(urls, " "), c.GatherPolicy, c.Channel.Label, c.Channel.Mode())
}
