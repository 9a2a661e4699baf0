package peer

import (
	"errors"
	"fmt"
	"time"

	"github.com/1ureka/p2pchan/internal/config"
	"github.com/1ureka/p2pchan/internal/ice"
	"github.com/1ureka/p2pchan/internal/secure"
	"github.com/1ureka/p2pchan/internal/transport"
)

var (
	ErrConfiguration       = config.ErrConfiguration
	ErrInvalidDescription  = errors.New("peer: invalid description")
	ErrAlreadyNegotiating  = errors.New("peer: remote description already applied")
	ErrConnectivityFailed  = ice.ErrConnectivityFailed
	ErrFingerprintMismatch = secure.ErrFingerprintMismatch
	ErrHandshakeFailed     = secure.ErrHandshakeFailed
	ErrNotConnected        = errors.New("peer: not connected")
	ErrChannelClosed       = transport.ErrChannelClosed
	ErrBufferFull          = transport.ErrBufferFull
	ErrMessageTooLarge     = transport.ErrMessageTooLarge
	ErrTimeout             = errors.New("peer: timeout")
	ErrClosed              = errors.New("peer: closed")
)

// Phase names the step whose deadline elapsed.
type Phase string

const (
	PhaseGather    Phase = "gather"
	PhaseConnect   Phase = "connect"
	PhaseHandshake Phase = "handshake"
	PhaseWait      Phase = "wait"
)

// TimeoutError reports which phase ran out of time and the limit it had.
// It matches ErrTimeout and, when set, the phase failure in Err.
type TimeoutError struct {
	Phase Phase
	Limit time.Duration
	Err   error
}

func (e *TimeoutError) Error() string {
	if e.Limit > 0 {
		return fmt.Sprintf("peer: %s timed out after %s", e.Phase, e.Limit)
	}
	return fmt.Sprintf("peer: %s timed out", e.Phase)
}

func (e *TimeoutError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrTimeout}
	}
	return []error{ErrTimeout, e.Err}
}
