package model

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidEvent         = errors.New("invalid signaling event")
	ErrIllegalTransition    = errors.New("illegal call state transition")
	ErrNoActiveSession      = errors.New("no active call session")
	ErrSessionAlreadyActive = errors.New("call session already active")
)

// InvalidEventError rejects malformed input at construction time.
type InvalidEventError struct {
	Reason string
}

func (e *InvalidEventError) Error() string {
	return fmt.Sprintf("%v: %s", ErrInvalidEvent, e.Reason)
}

func (e *InvalidEventError) Unwrap() error { return ErrInvalidEvent }

// IllegalTransitionError is returned when the input has no row in the transition table.
// The session is left as it was.
type IllegalTransitionError struct {
	State CallState
	Input string
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("%v: %s on %s", ErrIllegalTransition, e.Input, e.State)
}

func (e *IllegalTransitionError) Unwrap() error { return ErrIllegalTransition }

// NoActiveSessionError is returned when an event targets a call that is not current.
type NoActiveSessionError struct {
	CallID  string
	Current string // empty when idle
}

func (e *NoActiveSessionError) Error() string {
	if e.Current == "" {
		return fmt.Sprintf("%v: call %s, registry is idle", ErrNoActiveSession, e.CallID)
	}
	return fmt.Sprintf("%v: call %s, current is %s", ErrNoActiveSession, e.CallID, e.Current)
}

func (e *NoActiveSessionError) Unwrap() error { return ErrNoActiveSession }

// SessionAlreadyActiveError is returned for an Invite that arrives during another call.
type SessionAlreadyActiveError struct {
	CallID  string
	Current string
	State   CallState
}

func (e *SessionAlreadyActiveError) Error() string {
	return fmt.Sprintf("%v: call %s rejected, %s is %s", ErrSessionAlreadyActive, e.CallID, e.Current, e.State)
}

func (e *SessionAlreadyActiveError) Unwrap() error { return ErrSessionAlreadyActive }
