package statemachine

import (
	"testing"
	"time"

	"github.com/adwski/callsession/backend/model"
	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

const (
	testRingTimeout  = 10 * time.Second
	testDurationTick = time.Second
)

type firing struct {
	t   Timer
	gen uint64
}

func newTestMachine(t *testing.T) (*Machine, *clock.Mock, <-chan firing) {
	t.Helper()
	var (
		logger = zerolog.Nop()
		mock   = clock.NewMock()
		fired  = make(chan firing, 16)
	)
	m := NewMachine(Config{
		Logger:       &logger,
		Clock:        mock,
		RingTimeout:  testRingTimeout,
		DurationTick: testDurationTick,
		OnFire: func(t Timer, gen uint64) {
			fired <- firing{t, gen}
		},
	})
	return m, mock, fired
}

func waitFiring(t *testing.T, fired <-chan firing) firing {
	t.Helper()
	select {
	case f := <-fired:
		return f
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
	return firing{}
}

func step(t *testing.T, m *Machine, sess *model.CallSession, in model.Input) Transition {
	t.Helper()
	tr, err := m.Step(sess, in)
	if err != nil {
		t.Fatalf("step %s on %s: %v", in, sess.State, err)
	}
	return tr
}

func TestMachineRingTimerFires(t *testing.T) {
	m, mock, fired := newTestMachine(t)
	sess := &model.CallSession{CallID: "c1"}

	step(t, m, sess, signal(t, model.ActionInvite, nil))
	if !m.Active(TimerRing) {
		t.Fatal("ring timer is not armed after invite")
	}

	mock.Add(testRingTimeout)
	f := waitFiring(t, fired)
	if f.t != TimerRing {
		t.Fatalf("unexpected timer %s", f.t)
	}
	if !m.Fired(f.t, f.gen) {
		t.Fatal("current firing rejected")
	}
	if m.Fired(f.t, f.gen) {
		t.Fatal("firing consumed twice")
	}
}

func TestMachineStaleFiringIgnored(t *testing.T) {
	m, mock, fired := newTestMachine(t)
	sess := &model.CallSession{CallID: "c1"}

	step(t, m, sess, signal(t, model.ActionInvite, nil))
	mock.Add(testRingTimeout)
	f := waitFiring(t, fired)

	// The state left before the firing was consumed.
	step(t, m, sess, signal(t, model.ActionCancel, nil))
	if m.Fired(f.t, f.gen) {
		t.Fatal("firing after cancellation must be ignored")
	}
}

func TestMachineAnswerStopsRingTimer(t *testing.T) {
	m, mock, fired := newTestMachine(t)
	sess := &model.CallSession{CallID: "c1"}

	step(t, m, sess, signal(t, model.ActionInvite, nil))
	step(t, m, sess, signal(t, model.ActionConfirmRing, nil))
	if sess.AnsweredAt != nil {
		t.Fatal("answeredAt set before answer")
	}
	mock.Add(time.Second)
	step(t, m, sess, signal(t, model.ActionAnswer, nil))

	if m.Active(TimerRing) {
		t.Fatal("ring timer still armed after answer")
	}
	if sess.AnsweredAt == nil || !sess.AnsweredAt.Equal(mock.Now()) {
		t.Fatalf("unexpected answeredAt %v", sess.AnsweredAt)
	}

	mock.Add(testRingTimeout)
	select {
	case f := <-fired:
		t.Fatalf("unexpected firing %+v", f)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestMachineDurationTimerRearms(t *testing.T) {
	m, mock, fired := newTestMachine(t)
	sess := &model.CallSession{CallID: "c1"}

	step(t, m, sess, signal(t, model.ActionInvite, nil))
	step(t, m, sess, signal(t, model.ActionConfirmRing, nil))
	step(t, m, sess, signal(t, model.ActionAnswer, nil))
	step(t, m, sess, model.InternalInput(model.InternalNegotiationComplete))
	if sess.State != model.StateConnected {
		t.Fatalf("unexpected state %s", sess.State)
	}

	for range 3 {
		mock.Add(testDurationTick)
		f := waitFiring(t, fired)
		if f.t != TimerDuration || !m.Fired(f.t, f.gen) {
			t.Fatalf("unexpected firing %+v", f)
		}
		step(t, m, sess, model.InternalInput(model.InternalDurationTick))
		if !m.Active(TimerDuration) {
			t.Fatal("duration timer not re-armed")
		}
	}

	step(t, m, sess, signal(t, model.ActionHangup, nil))
	if m.Active(TimerDuration) {
		t.Fatal("duration timer still armed after hangup")
	}
	if sess.EndReason != model.EndReasonHangup {
		t.Fatalf("unexpected end reason %s", sess.EndReason)
	}
}

func TestMachineIllegalStepLeavesSession(t *testing.T) {
	m, _, _ := newTestMachine(t)
	sess := &model.CallSession{CallID: "c1"}

	if _, err := m.Step(sess, signal(t, model.ActionAnswer, nil)); err == nil {
		t.Fatal("answer on idle must fail")
	}
	if sess.State != model.StateIdle || sess.AnsweredAt != nil || m.Active(TimerRing) {
		t.Fatal("illegal step changed the session")
	}
}
