package model

import (
	"fmt"
	"maps"
	"strings"
	"time"
)

// CallAction is the signaling verb carried by a SignalingEvent.
type CallAction int

const (
	ActionInvite CallAction = iota + 1
	ActionAnswer
	ActionConfirmRing
	ActionBusy
	ActionReject
	ActionCancel
	ActionHangup
	ActionTimeout
	ActionNetworkUnstable
)

var actionNames = map[CallAction]string{
	ActionInvite:          "invite",
	ActionAnswer:          "answer",
	ActionConfirmRing:     "confirm_ring",
	ActionBusy:            "busy",
	ActionReject:          "reject",
	ActionCancel:          "cancel",
	ActionHangup:          "hangup",
	ActionTimeout:         "timeout",
	ActionNetworkUnstable: "network_unstable",
}

func (a CallAction) String() string {
	if s, ok := actionNames[a]; ok {
		return s
	}
	return fmt.Sprintf("unknown(%d)", int(a))
}

// Valid reports whether a is one of the enumerated actions.
func (a CallAction) Valid() bool {
	_, ok := actionNames[a]
	return ok
}

// IsLocal reports whether the local user may take a on an existing call.
// Outgoing calls are placed with an invite built from the invitee list, not
// as a bare action.
func (a CallAction) IsLocal() bool {
	switch a {
	case ActionAnswer, ActionReject, ActionCancel, ActionHangup:
		return true
	default:
		return false
	}
}

// ParseLocalAction is ParseAction restricted to actions for which IsLocal holds.
func ParseLocalAction(s string) (CallAction, error) {
	a, err := ParseAction(s)
	if err != nil {
		return 0, err
	}
	if !a.IsLocal() {
		return 0, &InvalidEventError{Reason: fmt.Sprintf("%s is not a local action", a)}
	}
	return a, nil
}

// ParseAction maps the wire name of an action back to CallAction.
func ParseAction(s string) (CallAction, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for a, name := range actionNames {
		if name == s {
			return a, nil
		}
	}
	return 0, &InvalidEventError{Reason: fmt.Sprintf("unknown action %q", s)}
}

// Payload keys understood by the state machine.
const (
	PayloadValid    = "valid"
	PayloadInvitees = "invitees"
	PayloadGroup    = "group"
)

// SignalingEvent is an immutable call-lifecycle message. Use NewEvent to build one.
type SignalingEvent struct {
	action     CallAction
	callID     string
	senderID   string
	payload    map[string]string
	receivedAt time.Time
}

// NewEvent validates and builds a SignalingEvent stamped with the current time.
func NewEvent(action CallAction, callID, senderID string, payload map[string]string) (SignalingEvent, error) {
	return NewEventAt(action, callID, senderID, payload, time.Now())
}

// NewEventAt is NewEvent with an explicit receive time.
func NewEventAt(
	action CallAction,
	callID string,
	senderID string,
	payload map[string]string,
	receivedAt time.Time,
) (SignalingEvent, error) {
	if callID == "" {
		return SignalingEvent{}, &InvalidEventError{Reason: "empty call id"}
	}
	if !action.Valid() {
		return SignalingEvent{}, &InvalidEventError{Reason: fmt.Sprintf("unrecognized action %d", int(action))}
	}
	return SignalingEvent{
		action:     action,
		callID:     callID,
		senderID:   senderID,
		payload:    maps.Clone(payload),
		receivedAt: receivedAt,
	}, nil
}

func (ev SignalingEvent) Action() CallAction    { return ev.action }
func (ev SignalingEvent) CallID() string        { return ev.callID }
func (ev SignalingEvent) SenderID() string      { return ev.senderID }
func (ev SignalingEvent) ReceivedAt() time.Time { return ev.receivedAt }

// Payload returns a copy of the event payload.
func (ev SignalingEvent) Payload() map[string]string {
	return maps.Clone(ev.payload)
}

// RingValid reports the validity flag of a ConfirmRing event.
// Anything but an explicit "false" counts as valid.
func (ev SignalingEvent) RingValid() bool {
	v, ok := ev.payload[PayloadValid]
	if !ok {
		return true
	}
	return !strings.EqualFold(strings.TrimSpace(v), "false")
}

// Invitees returns the users invited besides the sender.
func (ev SignalingEvent) Invitees() []string {
	raw := ev.payload[PayloadInvitees]
	if raw == "" {
		return nil
	}
	var out []string
	for _, id := range strings.Split(raw, ",") {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}

// Group reports whether an Invite asks for a group call.
func (ev SignalingEvent) Group() bool {
	return strings.EqualFold(ev.payload[PayloadGroup], "true") || len(ev.Invitees()) > 1
}

// Internal enumerates inputs produced inside the core. They never cross the transport.
type Internal int

const (
	InternalNone Internal = iota
	InternalNegotiationComplete
	InternalTeardownAck
	InternalDurationTick
)

func (i Internal) String() string {
	switch i {
	case InternalNone:
		return "none"
	case InternalNegotiationComplete:
		return "negotiation_complete"
	case InternalTeardownAck:
		return "teardown_ack"
	case InternalDurationTick:
		return "duration_tick"
	default:
		return fmt.Sprintf("unknown(%d)", int(i))
	}
}

// Input is what the state machine consumes: either a signaling event or an internal trigger.
type Input struct {
	Event    SignalingEvent
	Internal Internal
}

// SignalInput wraps a signaling event.
func SignalInput(ev SignalingEvent) Input {
	return Input{Event: ev}
}

// InternalInput wraps an internal trigger.
func InternalInput(i Internal) Input {
	return Input{Internal: i}
}

func (in Input) String() string {
	if in.Internal != InternalNone {
		return in.Internal.String()
	}
	return in.Event.Action().String()
}
