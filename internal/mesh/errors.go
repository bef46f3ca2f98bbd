package mesh

import (
	"errors"
	"fmt"
)

var (
	ErrDevice            = errors.New("media device unavailable")
	ErrProtocolViolation = errors.New("protocol violation")
	ErrNegotiation       = errors.New("negotiation failed")
	ErrStaleMessage      = errors.New("stale message")
	ErrTransport         = errors.New("signaling transport failure")
	ErrConnectionFailed  = errors.New("peer connection failed")
	ErrSessionClosed     = errors.New("session closed")
	ErrAlreadyJoined     = errors.New("session already joined")
	ErrBadPayload        = errors.New("malformed signaling payload")
)

// Error describes a failed operation, optionally scoped to one peer.
type Error struct {
	Op      string
	Peer    string
	Err     error
	Details string
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Peer != "" {
		msg += " " + e.Peer
	}
	if e.Details != "" {
		return fmt.Sprintf("%s: %v (%s)", msg, e.Err, e.Details)
	}
	return fmt.Sprintf("%s: %v", msg, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(op string, err error) *Error {
	return &Error{Op: op, Err: err}
}

func NewPeerError(op, peer string, err error) *Error {
	return &Error{Op: op, Peer: peer, Err: err}
}

func WrapError(op string, err error, details string) *Error {
	return &Error{Op: op, Err: err, Details: details}
}

// violation builds a ProtocolViolation for an operation attempted from the wrong state.
func violation(op, peer string, state State) *Error {
	return &Error{Op: op, Peer: peer, Err: ErrProtocolViolation, Details: "state " + state.String()}
}

// negotiationFailure wraps a description error so that both ErrNegotiation
// and the underlying cause match errors.Is.
func negotiationFailure(op, peer string, cause error) *Error {
	return &Error{Op: op, Peer: peer, Err: fmt.Errorf("%w: %w", ErrNegotiation, cause)}
}
