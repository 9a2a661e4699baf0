package protocol

import (
	"bytes"
	"strings"
	"testing"

	"github.com/1ureka/p2pchan/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testFingerprint = "AB:CD:EF:01:23:45:67:89:AB:CD:EF:01:23:45:67:89:AB:CD:EF:01:23:45:67:89:AB:CD:EF:01:23:45:67:89"

// validDescription returns a description that passes Validate.
func validDescription(t *testing.T) *Description {
	t.Helper()
	return &Description{
		SessionID: "9f1c3a7e-0b7d-4a47-9a43-4c3f2b1de001",
		Role:      config.RoleOffer,
		ICE: ICEParams{
			Ufrag: "aBcDeFgHiJkLmNoP",
			Pwd:   "0123456789abcdef0123456789abcdef",
		},
		Candidates: []Candidate{
			{Foundation: "1", Priority: 2130706431, Address: "192.168.1.10", Protocol: "udp", Port: 50000, Type: "host", Component: 1},
			{Foundation: "2", Priority: 1694498815, Address: "203.0.113.7", Protocol: "udp", Port: 61000, Type: "srflx", Component: 1,
				RelatedAddress: "192.168.1.10", RelatedPort: 50000},
		},
		DTLS: DTLSParams{
			Role:         "auto",
			Fingerprints: []Fingerprint{{Algorithm: "sha-256", Value: testFingerprint}},
		},
		SCTP:     SCTPParams{MaxMessageSize: 65536},
		Channel:  ChannelParams{Label: "data", Ordered: true},
		Complete: true,
	}
}

func TestDescriptionRoundTrip(t *testing.T) {
	d := validDescription(t)

	data, err := EncodeDescription(d)
	require.NoError(t, err)
	assert.Equal(t, byte('p'), data[0])
	assert.Equal(t, byte('2'), data[1])
	assert.Equal(t, byte(Version), data[2])
	assert.Equal(t, byte(KindDescription), data[3])

	got, err := DecodeDescription(data)
	require.NoError(t, err)
	assert.Equal(t, d, got)

	// Deterministic encoding.
	again, err := EncodeDescription(d)
	require.NoError(t, err)
	assert.Equal(t, data, again)
}

func TestDescriptionTextForm(t *testing.T) {
	d := validDescription(t)
	data, err := EncodeDescription(d)
	require.NoError(t, err)

	text := EncodeText(data)
	assert.NotContains(t, text, "\x00")

	tests := []struct {
		name  string
		input string
	}{
		{"plain", text},
		{"trailing newline", text + "\n"},
		{"wrapped", wrap(text, 60)},
		{"unpadded", strings.TrimRight(text, "=")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeDescription([]byte(tt.input))
			require.NoError(t, err)
			assert.Equal(t, d, got)
		})
	}
}

func wrap(s string, n int) string {
	var b strings.Builder
	for len(s) > n {
		b.WriteString(s[:n])
		b.WriteByte('\n')
		s = s[n:]
	}
	b.WriteString(s)
	return b.String()
}

func TestDescriptionCompression(t *testing.T) {
	d := validDescription(t)
	// Many near-identical candidates compress well.
	for i := range 40 {
		c := d.Candidates[0]
		c.Port = uint16(40000 + i)
		d.Candidates = append(d.Candidates, c)
	}

	data, err := EncodeDescription(d)
	require.NoError(t, err)
	assert.Equal(t, flagZstd, data[4]&flagZstd)

	got, err := DecodeDescription(data)
	require.NoError(t, err)
	assert.Len(t, got.Candidates, len(d.Candidates))
}

func TestDecodeErrors(t *testing.T) {
	good, err := EncodeDescription(validDescription(t))
	require.NoError(t, err)

	cand, err := EncodeCandidate("sid", nil)
	require.NoError(t, err)

	badVersion := bytes.Clone(good)
	badVersion[2] = 9

	truncated := good[:HeaderSize+3]

	tests := []struct {
		name    string
		input   []byte
		wantErr error
	}{
		{"empty", nil, ErrTooShort},
		{"garbage text", []byte("not a description!"), ErrBadMagic},
		{"short base64", []byte(EncodeText([]byte{'p', '2'})), ErrTooShort},
		{"wrong magic", []byte(EncodeText([]byte{'x', 'y', 1, 1, 0, 0})), ErrBadMagic},
		{"wrong version", badVersion, ErrBadMagic},
		{"candidate instead of description", cand, ErrUnexpectedKind},
		{"truncated body", truncated, ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeDescription(tt.input)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestDecodeUnsupportedVersionText(t *testing.T) {
	good, err := EncodeDescription(validDescription(t))
	require.NoError(t, err)
	good[2] = 9

	// A future version only survives as text, since binary sniffing keys on
	// the version byte.
	_, err = DecodeDescription([]byte(EncodeText(good)))
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestDescriptionValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Description)
	}{
		{"empty session", func(d *Description) { d.SessionID = "" }},
		{"bad role", func(d *Description) { d.Role = "host" }},
		{"short ufrag", func(d *Description) { d.ICE.Ufrag = "ab" }},
		{"short pwd", func(d *Description) { d.ICE.Pwd = "short" }},
		{"complete without candidates", func(d *Description) { d.Candidates = nil }},
		{"no fingerprint", func(d *Description) { d.DTLS.Fingerprints = nil }},
		{"unknown hash", func(d *Description) { d.DTLS.Fingerprints[0].Algorithm = "sha-3" }},
		{"short digest", func(d *Description) { d.DTLS.Fingerprints[0].Value = "AB:CD" }},
		{"non-hex digest", func(d *Description) {
			d.DTLS.Fingerprints[0].Value = strings.Replace(testFingerprint, "AB", "ZZ", 1)
		}},
		{"bad dtls role", func(d *Description) { d.DTLS.Role = "both" }},
		{"zero message size", func(d *Description) { d.SCTP.MaxMessageSize = 0 }},
		{"offer without channel label", func(d *Description) { d.Channel.Label = "" }},
		{"candidate bad address", func(d *Description) { d.Candidates[0].Address = "not-an-ip" }},
		{"candidate bad protocol", func(d *Description) { d.Candidates[0].Protocol = "sctp" }},
		{"candidate zero port", func(d *Description) { d.Candidates[0].Port = 0 }},
		{"candidate bad type", func(d *Description) { d.Candidates[0].Type = "peer" }},
		{"srflx without related", func(d *Description) { d.Candidates[1].RelatedAddress = "" }},
		{"candidate rtcp component", func(d *Description) { d.Candidates[0].Component = 2 }},
		{"tcp without tcptype", func(d *Description) { d.Candidates[0].Protocol = "tcp" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := validDescription(t)
			tt.mutate(d)
			assert.ErrorIs(t, d.Validate(), ErrInvalid)

			_, err := EncodeDescription(d)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestDescriptionValidateAccepts(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Description)
	}{
		{"answer without channel", func(d *Description) {
			d.Role = config.RoleAnswer
			d.Channel = ChannelParams{}
		}},
		{"incomplete without candidates", func(d *Description) {
			d.Complete = false
			d.Candidates = nil
		}},
		{"lowercase digest", func(d *Description) {
			d.DTLS.Fingerprints[0].Value = strings.ToLower(testFingerprint)
		}},
		{"mdns host", func(d *Description) { d.Candidates[0].Address = "1f2e3d4c.local" }},
		{"ipv6 host", func(d *Description) { d.Candidates[0].Address = "fe80::1" }},
		{"tcp passive", func(d *Description) {
			d.Candidates[0].Protocol = "tcp"
			d.Candidates[0].TCPType = "passive"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := validDescription(t)
			tt.mutate(d)
			assert.NoError(t, d.Validate())
		})
	}
}

func TestCandidateRoundTrip(t *testing.T) {
	c := validDescription(t).Candidates[1]

	data, err := EncodeCandidate("sid-1", &c)
	require.NoError(t, err)

	got, err := DecodeCandidate([]byte(EncodeText(data)))
	require.NoError(t, err)
	assert.Equal(t, "sid-1", got.SessionID)
	require.NotNil(t, got.Candidate)
	assert.Equal(t, c, *got.Candidate)

	end, err := EncodeCandidate("sid-1", nil)
	require.NoError(t, err)
	got, err = DecodeCandidate(end)
	require.NoError(t, err)
	assert.Nil(t, got.Candidate)

	_, err = EncodeCandidate("", nil)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestChannelParamsConversion(t *testing.T) {
	rtx := uint16(4)
	ch := config.Channel{Label: "chat", Ordered: false, MaxRetransmits: &rtx}

	assert.Equal(t, ch, ChannelParamsFrom(ch).Config())
}
