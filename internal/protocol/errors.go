package protocol

import "errors"

var (
	ErrTooShort           = errors.New("protocol: message too short")
	ErrBadMagic           = errors.New("protocol: bad magic")
	ErrUnsupportedVersion = errors.New("protocol: unsupported version")
	ErrUnexpectedKind     = errors.New("protocol: unexpected message kind")
	ErrMalformed          = errors.New("protocol: malformed body")
	ErrInvalid            = errors.New("protocol: invalid field")
)
