package model

import (
	"fmt"
	"time"
)

// Effect is a side effect requested by a transition.
type Effect int

const (
	EffectStartRingTimer Effect = iota + 1
	EffectStopRingTimer
	EffectStartDurationTimer
	EffectStopDurationTimer
	EffectStartNegotiation
	EffectStopNegotiation
	EffectNotifyNoDevice
	EffectNotifyDegraded
	EffectNotifyDuration
	EffectReleaseResources
)

func (e Effect) String() string {
	switch e {
	case EffectStartRingTimer:
		return "start_ring_timer"
	case EffectStopRingTimer:
		return "stop_ring_timer"
	case EffectStartDurationTimer:
		return "start_duration_timer"
	case EffectStopDurationTimer:
		return "stop_duration_timer"
	case EffectStartNegotiation:
		return "start_negotiation"
	case EffectStopNegotiation:
		return "stop_negotiation"
	case EffectNotifyNoDevice:
		return "notify_no_device"
	case EffectNotifyDegraded:
		return "notify_degraded"
	case EffectNotifyDuration:
		return "notify_duration"
	case EffectReleaseResources:
		return "release_resources"
	default:
		return fmt.Sprintf("unknown(%d)", int(e))
	}
}

// StateChange is delivered to observers after every committed transition.
type StateChange struct {
	CallID    string
	From      CallState
	To        CallState
	Input     string
	Effects   []Effect
	EndReason EndReason
	Session   CallSession
}

// Notice kinds forwarded to the UI shell.
const (
	NoticeNoDevice = "no_device"
	NoticeDegraded = "degraded"
	NoticeDuration = "duration"
	NoticeReleased = "released"
)

// Notice is a user-facing call notice.
type Notice struct {
	CallID  string
	Kind    string
	Reason  EndReason
	Elapsed time.Duration
}

// Diagnostic kinds.
const (
	DiagnosticIllegalTransition = "illegal_transition"
	DiagnosticDropped           = "dropped"
	DiagnosticRejected          = "rejected"
	DiagnosticEffectFailed      = "effect_failed"
)

// Diagnostic is reported on the side channel for dropped or rejected input.
type Diagnostic struct {
	Kind   string
	CallID string
	State  CallState
	Input  string
	Err    error
}
