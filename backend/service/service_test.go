package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/adwski/callsession/backend/dispatcher"
	"github.com/adwski/callsession/backend/model"
	"github.com/rs/zerolog"
)

type fakeDispatcher struct {
	mx         sync.Mutex
	submitted  []model.SignalingEvent
	negotiated []string
	screens    []string
	foreground []bool
	observer   dispatcher.Observer
	err        error
}

func (fd *fakeDispatcher) Submit(ev model.SignalingEvent) (dispatcher.Result, error) {
	fd.mx.Lock()
	defer fd.mx.Unlock()
	fd.submitted = append(fd.submitted, ev)
	return dispatcher.Result{CallID: ev.CallID()}, fd.err
}

func (fd *fakeDispatcher) Call([]string, bool) (string, error) {
	return "generated", fd.err
}

func (fd *fakeDispatcher) Act(action model.CallAction, callID string) (dispatcher.Result, error) {
	ev, err := model.NewEvent(action, callID, "me", nil)
	if err != nil {
		return dispatcher.Result{}, err
	}
	return fd.Submit(ev)
}

func (fd *fakeDispatcher) NegotiationComplete(callID string) (dispatcher.Result, error) {
	fd.mx.Lock()
	defer fd.mx.Unlock()
	fd.negotiated = append(fd.negotiated, callID)
	return dispatcher.Result{CallID: callID}, fd.err
}

func (fd *fakeDispatcher) ScreenChanged(screen string) {
	fd.mx.Lock()
	defer fd.mx.Unlock()
	fd.screens = append(fd.screens, screen)
}

func (fd *fakeDispatcher) SetForeground(foreground bool) {
	fd.mx.Lock()
	defer fd.mx.Unlock()
	fd.foreground = append(fd.foreground, foreground)
}

func (fd *fakeDispatcher) Minimize() error { return fd.err }

func (fd *fakeDispatcher) Current() (model.CallSession, bool) { return model.CallSession{}, false }

func (fd *fakeDispatcher) Subscribe(obs dispatcher.Observer) func() {
	fd.observer = obs
	return func() { fd.observer = nil }
}

type fakeSwitch struct {
	mx        sync.Mutex
	connected map[string]func(context.Context, model.Message)
	sent      []model.Message
}

func (fs *fakeSwitch) Connect(_ context.Context, endpoint string, _ model.Wire, h func(context.Context, model.Message)) error {
	fs.mx.Lock()
	defer fs.mx.Unlock()
	if fs.connected == nil {
		fs.connected = make(map[string]func(context.Context, model.Message))
	}
	fs.connected[endpoint] = h
	return nil
}

func (fs *fakeSwitch) Disconnect(endpoint string) error {
	fs.mx.Lock()
	defer fs.mx.Unlock()
	if _, ok := fs.connected[endpoint]; !ok {
		return fmt.Errorf("endpoint %s is not connected", endpoint)
	}
	delete(fs.connected, endpoint)
	return nil
}

func (fs *fakeSwitch) Broadcast(_ context.Context, msg model.Message) error {
	fs.mx.Lock()
	defer fs.mx.Unlock()
	fs.sent = append(fs.sent, msg)
	return nil
}

func newTestService(t *testing.T) (*Service, *fakeDispatcher, *fakeSwitch) {
	t.Helper()
	var (
		logger = zerolog.Nop()
		fd     = &fakeDispatcher{}
		fs     = &fakeSwitch{}
	)
	svc := NewService(Config{
		Dispatcher:  fd,
		Switch:      fs,
		Logger:      &logger,
		HistorySize: 2,
	})
	t.Cleanup(svc.Close)
	return svc, fd, fs
}

func TestHandleMessage(t *testing.T) {
	svc, fd, _ := newTestService(t)

	msgs := []model.Message{
		{Type: model.MessageTypeSignal, SRC: "alice", CallID: "c1", Action: "invite",
			Payload: map[string]string{model.PayloadInvitees: "bob"}},
		{Type: model.MessageTypeNegotiated, SRC: "media", CallID: "c1"},
		{Type: model.MessageTypeScreen, SRC: "shell", Screen: "home"},
		{Type: model.MessageTypeBackground, SRC: "shell"},
		{Type: model.MessageTypeForeground, SRC: "shell"},
	}
	for _, msg := range msgs {
		if err := svc.HandleMessage(msg); err != nil {
			t.Fatalf("%s: %v", msg.Type, err)
		}
	}

	if len(fd.submitted) != 1 {
		t.Fatalf("submitted %d events", len(fd.submitted))
	}
	ev := fd.submitted[0]
	if ev.Action() != model.ActionInvite || ev.CallID() != "c1" || ev.SenderID() != "alice" {
		t.Fatalf("unexpected event %s/%s/%s", ev.Action(), ev.CallID(), ev.SenderID())
	}
	if !slices.Equal(ev.Invitees(), []string{"bob"}) {
		t.Fatalf("payload lost: %v", ev.Payload())
	}
	if !slices.Equal(fd.negotiated, []string{"c1"}) {
		t.Fatalf("unexpected negotiations %v", fd.negotiated)
	}
	if !slices.Equal(fd.screens, []string{"home"}) {
		t.Fatalf("unexpected screens %v", fd.screens)
	}
	if !slices.Equal(fd.foreground, []bool{false, true}) {
		t.Fatalf("unexpected foreground %v", fd.foreground)
	}
}

func TestHandleMessageErrors(t *testing.T) {
	svc, fd, _ := newTestService(t)

	tests := []struct {
		name   string
		msg    model.Message
		target error
	}{
		{
			name:   "unknown type",
			msg:    model.Message{Type: "bogus", SRC: "alice"},
			target: ErrUnknownType,
		},
		{
			name:   "unknown action",
			msg:    model.Message{Type: model.MessageTypeSignal, SRC: "alice", CallID: "c1", Action: "dance"},
			target: model.ErrInvalidEvent,
		},
		{
			name:   "missing call id",
			msg:    model.Message{Type: model.MessageTypeSignal, SRC: "alice", Action: "answer"},
			target: model.ErrInvalidEvent,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := svc.HandleMessage(tt.msg); !errors.Is(err, tt.target) {
				t.Fatalf("expected %v, got %v", tt.target, err)
			}
		})
	}
	if len(fd.submitted) != 0 {
		t.Fatal("invalid message reached the dispatcher")
	}

	fd.err = &model.NoActiveSessionError{CallID: "c1"}
	err := svc.HandleMessage(model.Message{Type: model.MessageTypeSignal, SRC: "alice", CallID: "c1", Action: "hangup"})
	if !errors.Is(err, ErrSubmit) || !errors.Is(err, model.ErrNoActiveSession) {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestSignalingSessions(t *testing.T) {
	svc, fd, fs := newTestService(t)
	ctx := context.Background()

	if err := svc.CreateSignalingSession(ctx, "alice", model.NewWire()); err != nil {
		t.Fatal(err)
	}
	h := fs.connected["alice"]
	if h == nil {
		t.Fatal("endpoint not connected")
	}
	h(ctx, model.Message{Type: model.MessageTypeSignal, SRC: "alice", CallID: "c1", Action: "busy"})
	if len(fd.submitted) != 1 || fd.submitted[0].Action() != model.ActionBusy {
		t.Fatal("inbound message not routed")
	}

	if err := svc.DeleteSignalingSession(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	if err := svc.DeleteSignalingSession(ctx, "alice"); !errors.Is(err, ErrDisconnect) {
		t.Fatalf("expected ErrDisconnect, got %v", err)
	}
}

func TestActParsesAction(t *testing.T) {
	svc, fd, _ := newTestService(t)

	if _, err := svc.Act("c1", "reject"); err != nil {
		t.Fatal(err)
	}
	if fd.submitted[0].Action() != model.ActionReject || fd.submitted[0].SenderID() != "me" {
		t.Fatal("local action not submitted")
	}
	for _, action := range []string{"explode", "invite", "confirm_ring", "timeout", "busy", "network_unstable"} {
		if _, err := svc.Act("c1", action); !errors.Is(err, model.ErrInvalidEvent) {
			t.Fatalf("%s: expected invalid event, got %v", action, err)
		}
	}
	if len(fd.submitted) != 1 {
		t.Fatalf("non-local action reached the dispatcher: %d events", len(fd.submitted))
	}
}

func TestHistoryIsBounded(t *testing.T) {
	svc, fd, _ := newTestService(t)

	for _, to := range []model.CallState{model.StateInviting, model.StateRinging, model.StateAnswered} {
		fd.observer(model.StateChange{CallID: "c1", To: to})
	}
	var got []model.CallState
	for _, c := range svc.History() {
		got = append(got, c.To)
	}
	if !slices.Equal(got, []model.CallState{model.StateRinging, model.StateAnswered}) {
		t.Fatalf("unexpected history %v", got)
	}

	svc.Close()
	if fd.observer != nil {
		t.Fatal("service still subscribed after close")
	}
}

func TestOutbound(t *testing.T) {
	var (
		fs  = &fakeSwitch{}
		out = NewOutbound(fs)
		ctx = context.Background()
	)
	steps := []func() error{
		func() error { return out.StartNegotiation(ctx, "c1") },
		func() error { return out.Present(ctx, "c1", model.CommandShowFullScreen) },
		func() error {
			return out.Notify(ctx, model.Notice{CallID: "c1", Kind: model.NoticeDuration, Elapsed: 3 * time.Second})
		},
		func() error {
			return out.Announce(ctx, model.StateChange{
				CallID: "c1", To: model.StateEnded, Input: "hangup", EndReason: model.EndReasonHangup,
			})
		},
		func() error {
			return out.Report(ctx, model.Diagnostic{
				Kind: model.DiagnosticDropped, CallID: "c1", State: model.StateEnded, Input: "hangup",
				Err: errors.New("late"),
			})
		},
		func() error { return out.StopNegotiation(ctx, "c1") },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			t.Fatal(err)
		}
	}

	if len(fs.sent) != len(steps) {
		t.Fatalf("sent %d messages", len(fs.sent))
	}
	var (
		start    = fs.sent[0]
		present  = fs.sent[1]
		duration = fs.sent[2]
		state    = fs.sent[3]
		diag     = fs.sent[4]
		stop     = fs.sent[5]
	)
	if start.Type != model.MessageTypeNegotiate || start.Action != model.NegotiateStart ||
		stop.Action != model.NegotiateStop {
		t.Fatalf("unexpected negotiate messages %+v %+v", start, stop)
	}
	if present.Type != model.MessageTypePresent || present.Command != model.CommandShowFullScreen.String() {
		t.Fatalf("unexpected present message %+v", present)
	}
	if duration.Reason != model.NoticeDuration || duration.Payload["elapsed_ms"] != "3000" {
		t.Fatalf("unexpected notice %+v", duration)
	}
	if state.State != model.StateEnded.String() || state.Reason != model.EndReasonHangup.String() {
		t.Fatalf("unexpected state message %+v", state)
	}
	if diag.Reason != model.DiagnosticDropped || diag.Payload["error"] != "late" {
		t.Fatalf("unexpected diagnostic %+v", diag)
	}
}
