package callctrl

import (
	"errors"
	"fmt"
)

// Fatal call errors. Any of these moves the controller to StateFailed.
var (
	// ErrMediaAccessDenied means local capture could not be acquired. Nothing
	// else is attempted; the controller never joins the room.
	ErrMediaAccessDenied = errors.New("media access denied")

	// ErrSignalingConnectFailed covers both the initial connect and a
	// signaling transport that drops mid-call.
	ErrSignalingConnectFailed = errors.New("signaling connection failed")

	// ErrPeerConnectionFailed is raised when an established or establishing
	// peer connection transitions to failed.
	ErrPeerConnectionFailed = errors.New("peer connection failed")
)

// NegotiationError wraps a recoverable SDP or candidate handling failure.
// These are logged and the call keeps waiting; the peer may retry.
type NegotiationError struct {
	Op  string
	Err error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation %s: %v", e.Op, e.Err)
}

func (e *NegotiationError) Unwrap() error {
	return e.Err
}
