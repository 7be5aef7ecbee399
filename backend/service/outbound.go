package service

import (
	"context"
	"strconv"

	"github.com/adwski/callsession/backend/model"
)

type Broadcaster interface {
	Broadcast(ctx context.Context, msg model.Message) error
}

// Outbound turns dispatcher side effects into wire messages for every
// connected endpoint.
type Outbound struct {
	b Broadcaster
}

func NewOutbound(b Broadcaster) *Outbound {
	return &Outbound{b: b}
}

func (o *Outbound) StartNegotiation(ctx context.Context, callID string) error {
	return o.b.Broadcast(ctx, model.Message{
		Type:   model.MessageTypeNegotiate,
		CallID: callID,
		Action: model.NegotiateStart,
	})
}

func (o *Outbound) StopNegotiation(ctx context.Context, callID string) error {
	return o.b.Broadcast(ctx, model.Message{
		Type:   model.MessageTypeNegotiate,
		CallID: callID,
		Action: model.NegotiateStop,
	})
}

func (o *Outbound) Present(ctx context.Context, callID string, cmd model.PresentationCommand) error {
	return o.b.Broadcast(ctx, model.Message{
		Type:    model.MessageTypePresent,
		CallID:  callID,
		Command: cmd.String(),
	})
}

func (o *Outbound) Notify(ctx context.Context, n model.Notice) error {
	msg := model.Message{
		Type:   model.MessageTypeNotice,
		CallID: n.CallID,
		Reason: n.Kind,
	}
	switch n.Kind {
	case model.NoticeDuration:
		msg.Payload = map[string]string{"elapsed_ms": strconv.FormatInt(n.Elapsed.Milliseconds(), 10)}
	case model.NoticeNoDevice, model.NoticeReleased:
		msg.Payload = map[string]string{"end_reason": n.Reason.String()}
	}
	return o.b.Broadcast(ctx, msg)
}

func (o *Outbound) Report(ctx context.Context, d model.Diagnostic) error {
	msg := model.Message{
		Type:   model.MessageTypeDiagnostic,
		CallID: d.CallID,
		Reason: d.Kind,
		State:  d.State.String(),
		Action: d.Input,
	}
	if d.Err != nil {
		msg.Payload = map[string]string{"error": d.Err.Error()}
	}
	return o.b.Broadcast(ctx, msg)
}

func (o *Outbound) Announce(ctx context.Context, change model.StateChange) error {
	msg := model.Message{
		Type:   model.MessageTypeState,
		CallID: change.CallID,
		State:  change.To.String(),
		Action: change.Input,
	}
	if change.EndReason != model.EndReasonNone {
		msg.Reason = change.EndReason.String()
	}
	return o.b.Broadcast(ctx, msg)
}
