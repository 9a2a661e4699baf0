package transport

import "errors"

var (
	ErrBufferFull      = errors.New("transport: outbound buffer full")
	ErrChannelClosed   = errors.New("transport: channel closed")
	ErrMessageTooLarge = errors.New("transport: message too large")
	ErrClosed          = errors.New("transport: closed")
)
