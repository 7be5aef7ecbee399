// Package statemachine holds the call-session transition table and the timers it drives.
package statemachine

import (
	"github.com/adwski/callsession/backend/model"
)

// Transition is the outcome of applying one input to a state.
type Transition struct {
	From      model.CallState
	To        model.CallState
	Via       []model.CallState // passed through without being committed
	Effects   []model.Effect
	EndReason model.EndReason
}

// Apply is the transition function. It never mutates anything; inputs
// without a row in the table yield an IllegalTransitionError.
func Apply(state model.CallState, in model.Input) (Transition, error) {
	if in.Internal != model.InternalNone {
		return applyInternal(state, in.Internal)
	}
	ev := in.Event
	switch state {
	case model.StateIdle:
		return fromIdle(ev)
	case model.StateInviting:
		return fromInviting(ev)
	case model.StateRinging:
		return fromRinging(ev)
	case model.StateAnswered, model.StateConnecting:
		return fromAnswered(state, ev)
	case model.StateConnected:
		return fromConnected(ev)
	case model.StateEnding, model.StateEnded:
	}
	return illegal(state, in)
}

func fromIdle(ev model.SignalingEvent) (Transition, error) {
	switch ev.Action() {
	case model.ActionInvite:
		return Transition{
			From:    model.StateIdle,
			To:      model.StateInviting,
			Effects: []model.Effect{model.EffectStartRingTimer},
		}, nil
	case model.ActionAnswer,
		model.ActionConfirmRing,
		model.ActionBusy,
		model.ActionReject,
		model.ActionCancel,
		model.ActionHangup,
		model.ActionTimeout,
		model.ActionNetworkUnstable:
	}
	return illegal(model.StateIdle, model.SignalInput(ev))
}

func fromInviting(ev model.SignalingEvent) (Transition, error) {
	switch ev.Action() {
	case model.ActionConfirmRing:
		if ev.RingValid() {
			return Transition{From: model.StateInviting, To: model.StateRinging}, nil
		}
		// No device of the callee accepted the ring. Terminate at once with a
		// dedicated reason. Retrying other devices of the callee would go here.
		return Transition{
			From: model.StateInviting,
			To:   model.StateEnded,
			Effects: []model.Effect{
				model.EffectStopRingTimer,
				model.EffectNotifyNoDevice,
				model.EffectReleaseResources,
			},
			EndReason: model.EndReasonNoDevice,
		}, nil
	case model.ActionReject,
		model.ActionCancel,
		model.ActionTimeout,
		model.ActionBusy:
		return ending(model.StateInviting, ev.Action(),
			model.EffectStopRingTimer,
			model.EffectReleaseResources,
		), nil
	case model.ActionInvite,
		model.ActionAnswer,
		model.ActionHangup,
		model.ActionNetworkUnstable:
	}
	return illegal(model.StateInviting, model.SignalInput(ev))
}

func fromRinging(ev model.SignalingEvent) (Transition, error) {
	switch ev.Action() {
	case model.ActionAnswer:
		return Transition{
			From: model.StateRinging,
			To:   model.StateAnswered,
			Effects: []model.Effect{
				model.EffectStopRingTimer,
				model.EffectStartNegotiation,
			},
		}, nil
	case model.ActionReject,
		model.ActionTimeout,
		model.ActionCancel,
		model.ActionBusy:
		return ending(model.StateRinging, ev.Action(),
			model.EffectStopRingTimer,
			model.EffectReleaseResources,
		), nil
	case model.ActionInvite,
		model.ActionConfirmRing,
		model.ActionHangup,
		model.ActionNetworkUnstable:
	}
	return illegal(model.StateRinging, model.SignalInput(ev))
}

func fromAnswered(state model.CallState, ev model.SignalingEvent) (Transition, error) {
	switch ev.Action() {
	case model.ActionHangup,
		model.ActionCancel:
		return ending(state, ev.Action(),
			model.EffectStopNegotiation,
			model.EffectReleaseResources,
		), nil
	case model.ActionNetworkUnstable:
		return Transition{
			From:    state,
			To:      state,
			Effects: []model.Effect{model.EffectNotifyDegraded},
		}, nil
	case model.ActionInvite,
		model.ActionAnswer,
		model.ActionConfirmRing,
		model.ActionBusy,
		model.ActionReject,
		model.ActionTimeout:
	}
	return illegal(state, model.SignalInput(ev))
}

func fromConnected(ev model.SignalingEvent) (Transition, error) {
	switch ev.Action() {
	case model.ActionNetworkUnstable:
		return Transition{
			From:    model.StateConnected,
			To:      model.StateConnected,
			Effects: []model.Effect{model.EffectNotifyDegraded},
		}, nil
	case model.ActionHangup,
		model.ActionCancel:
		return ending(model.StateConnected, ev.Action(),
			model.EffectStopDurationTimer,
			model.EffectStopNegotiation,
			model.EffectReleaseResources,
		), nil
	case model.ActionInvite,
		model.ActionAnswer,
		model.ActionConfirmRing,
		model.ActionBusy,
		model.ActionReject,
		model.ActionTimeout:
	}
	return illegal(model.StateConnected, model.SignalInput(ev))
}

func applyInternal(state model.CallState, in model.Internal) (Transition, error) {
	switch in {
	case model.InternalNegotiationComplete:
		if state == model.StateAnswered || state == model.StateConnecting {
			return Transition{
				From:    state,
				To:      model.StateConnected,
				Via:     []model.CallState{model.StateConnecting},
				Effects: []model.Effect{model.EffectStartDurationTimer},
			}, nil
		}
	case model.InternalTeardownAck:
		if state == model.StateEnding {
			return Transition{From: model.StateEnding, To: model.StateEnded}, nil
		}
	case model.InternalDurationTick:
		if state == model.StateConnected {
			return Transition{
				From:    model.StateConnected,
				To:      model.StateConnected,
				Effects: []model.Effect{model.EffectNotifyDuration},
			}, nil
		}
	case model.InternalNone:
	}
	return illegal(state, model.InternalInput(in))
}

func ending(from model.CallState, action model.CallAction, effects ...model.Effect) Transition {
	return Transition{
		From:      from,
		To:        model.StateEnding,
		Effects:   effects,
		EndReason: endReason(action),
	}
}

func endReason(action model.CallAction) model.EndReason {
	switch action {
	case model.ActionHangup:
		return model.EndReasonHangup
	case model.ActionReject:
		return model.EndReasonRejected
	case model.ActionCancel:
		return model.EndReasonCancelled
	case model.ActionTimeout:
		return model.EndReasonTimeout
	case model.ActionBusy:
		return model.EndReasonBusy
	case model.ActionInvite,
		model.ActionAnswer,
		model.ActionConfirmRing,
		model.ActionNetworkUnstable:
	}
	return model.EndReasonNone
}

func illegal(state model.CallState, in model.Input) (Transition, error) {
	return Transition{From: state, To: state}, &model.IllegalTransitionError{
		State: state,
		Input: in.String(),
	}
}
