package protocol

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

// maxBodySize bounds the decoded body so a hostile description cannot
// inflate into an arbitrarily large allocation.
const maxBodySize = 256 * 1024

// Core Deterministic Encoding: the same description always yields the
// same bytes, which keeps log digests comparable on both sides.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		MaxArrayElements: 4096,
		MaxMapPairs:      256,
		MaxNestedLevels:  8,
	}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}

	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedBestCompression),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		panic("protocol: zstd encoder initialization failed: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderMaxMemory(maxBodySize),
	)
	if err != nil {
		panic("protocol: zstd decoder initialization failed: " + err.Error())
	}
}

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// encode marshals v as CBOR and frames it with the wire header. The body is
// compressed only when that makes it smaller.
func encode(kind Kind, v any) ([]byte, error) {
	body, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %T: %w", v, err)
	}

	var flags uint8
	if compressed := zstdEncoder.EncodeAll(body, nil); len(compressed) < len(body) {
		body = compressed
		flags |= flagZstd
	}

	buf := make([]byte, HeaderSize+len(body))
	buf[0] = magic[0]
	buf[1] = magic[1]
	buf[2] = Version
	buf[3] = uint8(kind)
	buf[4] = flags
	copy(buf[HeaderSize:], body)
	return buf, nil
}

// decode validates the header, accepting the binary form or its base64
// text form, and unmarshals the body of the expected kind into v.
func decode(data []byte, want Kind, v any) error {
	if !isBinary(data) {
		raw, err := DecodeText(string(data))
		if err != nil {
			return err
		}
		data = raw
	}

	if len(data) < HeaderSize {
		return fmt.Errorf("%w: %d bytes (need at least %d)", ErrTooShort, len(data), HeaderSize)
	}
	if data[0] != magic[0] || data[1] != magic[1] {
		return fmt.Errorf("%w: %#02x%02x", ErrBadMagic, data[0], data[1])
	}
	if data[2] != Version {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, data[2])
	}
	if kind := Kind(data[3]); kind != want {
		return fmt.Errorf("%w: got %d, want %d", ErrUnexpectedKind, kind, want)
	}

	body := data[HeaderSize:]
	if data[4]&flagZstd != 0 {
		var err error
		body, err = zstdDecoder.DecodeAll(body, nil)
		if err != nil {
			return fmt.Errorf("%w: decompress: %v", ErrMalformed, err)
		}
	}
	if len(body) > maxBodySize {
		return fmt.Errorf("%w: body is %d bytes (max %d)", ErrMalformed, len(body), maxBodySize)
	}

	if err := decMode.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

func isBinary(data []byte) bool {
	return len(data) >= 3 && data[0] == magic[0] && data[1] == magic[1] && data[2] == Version
}

// ---------------------------------------------------------------------------
// Text form
// ---------------------------------------------------------------------------

// EncodeText returns the standard base64 form of an encoded message, safe
// for text-only signaling channels.
func EncodeText(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeText reverses EncodeText. Surrounding and embedded whitespace
// (line wrapping from copy and paste) is ignored, as is missing padding.
func DecodeText(s string) ([]byte, error) {
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty input", ErrTooShort)
	}

	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return nil, fmt.Errorf("%w: not a binary message and not base64: %v", ErrBadMagic, err)
	}
	return raw, nil
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

// EncodeDescription validates d and returns its wire form.
func EncodeDescription(d *Description) ([]byte, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return encode(KindDescription, d)
}

// DecodeDescription parses and validates a description in binary or
// base64 form.
func DecodeDescription(data []byte) (*Description, error) {
	var d Description
	if err := decode(data, KindDescription, &d); err != nil {
		return nil, err
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// EncodeCandidate returns the wire form of a trickled candidate of
// session sid. A nil c encodes end-of-candidates.
func EncodeCandidate(sid string, c *Candidate) ([]byte, error) {
	t := &Trickle{SessionID: sid, Candidate: c}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return encode(KindCandidate, t)
}

// DecodeCandidate parses and validates a trickled candidate.
func DecodeCandidate(data []byte) (*Trickle, error) {
	var t Trickle
	if err := decode(data, KindCandidate, &t); err != nil {
		return nil, err
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}
