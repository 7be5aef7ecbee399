package model

import (
	"fmt"
	"maps"
	"slices"
	"time"
)

type CallState int

const (
	StateIdle CallState = iota
	StateInviting
	StateRinging
	StateAnswered
	StateConnecting
	StateConnected
	StateEnding
	StateEnded
)

func (s CallState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInviting:
		return "inviting"
	case StateRinging:
		return "ringing"
	case StateAnswered:
		return "answered"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateEnding:
		return "ending"
	case StateEnded:
		return "ended"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// IsLive reports whether the call has been answered and is not yet ending.
func (s CallState) IsLive() bool {
	return s == StateAnswered || s == StateConnecting || s == StateConnected
}

// EndReason tells observers why a session left the live states.
type EndReason int

const (
	EndReasonNone EndReason = iota
	EndReasonHangup
	EndReasonRejected
	EndReasonCancelled
	EndReasonTimeout
	EndReasonBusy
	EndReasonNoDevice
)

func (r EndReason) String() string {
	switch r {
	case EndReasonNone:
		return "none"
	case EndReasonHangup:
		return "hangup"
	case EndReasonRejected:
		return "rejected"
	case EndReasonCancelled:
		return "cancelled"
	case EndReasonTimeout:
		return "timeout"
	case EndReasonBusy:
		return "busy"
	case EndReasonNoDevice:
		return "no_device"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}

type PresentationMode int

const (
	PresentationHidden PresentationMode = iota
	PresentationFullScreen
	PresentationFloating
)

func (m PresentationMode) String() string {
	switch m {
	case PresentationHidden:
		return "hidden"
	case PresentationFullScreen:
		return "full_screen"
	case PresentationFloating:
		return "floating"
	default:
		return fmt.Sprintf("unknown(%d)", int(m))
	}
}

// PresentationCommand is sent to the UI shell.
type PresentationCommand int

const (
	CommandShowFullScreen PresentationCommand = iota + 1
	CommandShowFloating
	CommandHide
)

func (c PresentationCommand) String() string {
	switch c {
	case CommandShowFullScreen:
		return "show_full_screen"
	case CommandShowFloating:
		return "show_floating"
	case CommandHide:
		return "hide"
	default:
		return fmt.Sprintf("unknown(%d)", int(c))
	}
}

// Mode is the presentation mode the command leads to.
func (c PresentationCommand) Mode() PresentationMode {
	switch c {
	case CommandShowFullScreen:
		return PresentationFullScreen
	case CommandShowFloating:
		return PresentationFloating
	default:
		return PresentationHidden
	}
}

// HostState is the latest lifecycle information reported by the host application.
type HostState struct {
	Foreground   bool
	ActiveScreen string
}

type CallSession struct {
	CallID       string
	State        CallState
	Participants map[string]struct{}
	IsGroup      bool
	StartedAt    time.Time
	AnsweredAt   *time.Time

	FloatingWindowVisible bool
	Presentation          PresentationMode
	EndReason             EndReason
}

// NewSession builds the session an accepted Invite creates.
func NewSession(ev SignalingEvent) *CallSession {
	participants := make(map[string]struct{})
	if ev.SenderID() != "" {
		participants[ev.SenderID()] = struct{}{}
	}
	for _, id := range ev.Invitees() {
		participants[id] = struct{}{}
	}
	return &CallSession{
		CallID:       ev.CallID(),
		State:        StateIdle,
		Participants: participants,
		IsGroup:      ev.Group(),
		StartedAt:    ev.ReceivedAt(),
	}
}

// Clone returns a deep copy safe to hand out of the registry.
func (cs *CallSession) Clone() CallSession {
	out := *cs
	out.Participants = maps.Clone(cs.Participants)
	if cs.AnsweredAt != nil {
		t := *cs.AnsweredAt
		out.AnsweredAt = &t
	}
	return out
}

// ParticipantIDs returns participants in sorted order.
func (cs *CallSession) ParticipantIDs() []string {
	return slices.Sorted(maps.Keys(cs.Participants))
}
