// Package dispatcher is the process-wide registry of the current call
// session. Every input is applied through it one at a time.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adwski/callsession/backend/model"
	"github.com/adwski/callsession/backend/statemachine"
	"github.com/benbjohnson/clock"
	"github.com/davecgh/go-spew/spew"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrCreate = errors.New("unable to register session")
	ErrClear  = errors.New("unable to clear session")
)

type (
	SessionStore interface {
		Create(sess *model.CallSession) error
		Current() (*model.CallSession, bool)
		Clear(callID string, at time.Time) error
		Ended(callID string) bool
	}

	Arbiter interface {
		Evaluate(sess *model.CallSession, prev, host model.HostState) (model.PresentationCommand, bool)
		Minimize(sess *model.CallSession) (model.PresentationCommand, bool)
	}

	Negotiator interface {
		StartNegotiation(ctx context.Context, callID string) error
		StopNegotiation(ctx context.Context, callID string) error
	}

	Presenter interface {
		Present(ctx context.Context, callID string, cmd model.PresentationCommand) error
	}

	Notifier interface {
		Notify(ctx context.Context, n model.Notice) error
	}

	Reporter interface {
		Report(ctx context.Context, d model.Diagnostic) error
	}

	// Announcer receives committed state changes from the effect worker,
	// outside the dispatch lock.
	Announcer interface {
		Announce(ctx context.Context, change model.StateChange) error
	}

	// Observer is called synchronously, in commit order, for every state
	// change. It must not call back into the dispatcher except for Current
	// and unsubscribing.
	Observer func(change model.StateChange)

	Config struct {
		Logger  *zerolog.Logger
		Store   SessionStore
		Arbiter Arbiter

		// Outbound collaborators; any of them may be nil.
		Negotiator Negotiator
		Presenter  Presenter
		Notifier   Notifier
		Reporter   Reporter
		Announcer  Announcer

		Clock        clock.Clock
		RingTimeout  time.Duration
		DurationTick time.Duration

		// LocalUserID signs events produced by local user actions.
		LocalUserID   string
		InitialScreen string
	}

	// Result describes what a submit did to the current session.
	Result struct {
		CallID  string
		From    model.CallState
		To      model.CallState
		Dropped bool
	}

	Dispatcher struct {
		logger  zerolog.Logger
		mx      *sync.Mutex
		store   SessionStore
		arbiter Arbiter
		machine *statemachine.Machine
		host    model.HostState
		local   string

		snapshot atomic.Pointer[model.CallSession]

		obsMx     *sync.Mutex
		observers []*subscription

		jobs       *jobQueue
		negotiator Negotiator
		presenter  Presenter
		notifier   Notifier
		reporter   Reporter
		announcer  Announcer
	}

	subscription struct {
		fn      Observer
		removed atomic.Bool
	}
)

func New(cfg Config) *Dispatcher {
	d := &Dispatcher{
		logger:     cfg.Logger.With().Str("component", "dispatcher").Logger(),
		mx:         &sync.Mutex{},
		store:      cfg.Store,
		arbiter:    cfg.Arbiter,
		local:      cfg.LocalUserID,
		host:       model.HostState{Foreground: true, ActiveScreen: cfg.InitialScreen},
		obsMx:      &sync.Mutex{},
		jobs:       newJobQueue(),
		negotiator: cfg.Negotiator,
		presenter:  cfg.Presenter,
		notifier:   cfg.Notifier,
		reporter:   cfg.Reporter,
		announcer:  cfg.Announcer,
	}
	d.machine = statemachine.NewMachine(statemachine.Config{
		Logger:       cfg.Logger,
		Clock:        cfg.Clock,
		RingTimeout:  cfg.RingTimeout,
		DurationTick: cfg.DurationTick,
		OnFire:       d.timerFired,
	})
	return d
}

// Submit applies a signaling event to the current session.
func (d *Dispatcher) Submit(ev model.SignalingEvent) (Result, error) {
	d.mx.Lock()
	defer d.mx.Unlock()

	return d.submit(ev)
}

// Call starts an outgoing call from the local user and returns its id.
func (d *Dispatcher) Call(invitees []string, group bool) (string, error) {
	payload := map[string]string{
		model.PayloadInvitees: strings.Join(invitees, ","),
	}
	if group {
		payload[model.PayloadGroup] = strconv.FormatBool(group)
	}
	callID := uuid.NewString()
	ev, err := model.NewEvent(model.ActionInvite, callID, d.local, payload)
	if err != nil {
		return "", err
	}
	if _, err = d.Submit(ev); err != nil {
		return "", err
	}
	return callID, nil
}

// Act submits an action taken by the local user on callID. Only answer,
// reject, cancel and hangup are accepted.
func (d *Dispatcher) Act(action model.CallAction, callID string) (Result, error) {
	if !action.IsLocal() {
		return Result{CallID: callID}, &model.InvalidEventError{
			Reason: fmt.Sprintf("%s is not a local action", action),
		}
	}
	ev, err := model.NewEvent(action, callID, d.local, nil)
	if err != nil {
		return Result{CallID: callID}, err
	}
	return d.Submit(ev)
}

// NegotiationComplete tells the dispatcher media negotiation for callID finished.
func (d *Dispatcher) NegotiationComplete(callID string) (Result, error) {
	d.mx.Lock()
	defer d.mx.Unlock()

	in := model.InternalInput(model.InternalNegotiationComplete)
	if d.store.Ended(callID) {
		return d.drop(callID, in), nil
	}
	sess, err := d.current(callID)
	if err != nil {
		d.diagnose(model.DiagnosticRejected, callID, model.StateIdle, in.String(), err)
		return Result{CallID: callID}, err
	}
	return d.step(sess, in)
}

// ScreenChanged records the host's active screen and re-arbitrates.
func (d *Dispatcher) ScreenChanged(screen string) {
	d.mx.Lock()
	defer d.mx.Unlock()

	prev := d.host
	d.host.ActiveScreen = screen
	d.arbitrate(prev)
}

// SetForeground records whether the host application is in the foreground.
func (d *Dispatcher) SetForeground(foreground bool) {
	d.mx.Lock()
	defer d.mx.Unlock()

	prev := d.host
	d.host.Foreground = foreground
	d.arbitrate(prev)
}

// Minimize moves the live call UI into the floating overlay.
func (d *Dispatcher) Minimize() error {
	d.mx.Lock()
	defer d.mx.Unlock()

	sess, ok := d.store.Current()
	if !ok {
		return &model.NoActiveSessionError{}
	}
	cmd, changed := d.arbiter.Minimize(sess)
	if !changed {
		if !sess.State.IsLive() {
			return &model.IllegalTransitionError{State: sess.State, Input: "minimize"}
		}
		return nil
	}
	d.publish(sess)
	d.enqueuePresent(sess.CallID, cmd)
	return nil
}

// Host returns the latest host lifecycle state.
func (d *Dispatcher) Host() model.HostState {
	d.mx.Lock()
	defer d.mx.Unlock()

	return d.host
}

// Current returns a copy of the current session. It does not block on the
// dispatch lock and may be called from observers.
func (d *Dispatcher) Current() (model.CallSession, bool) {
	sess := d.snapshot.Load()
	if sess == nil {
		return model.CallSession{}, false
	}
	return sess.Clone(), true
}

// Subscribe registers obs for state changes. The returned func unsubscribes;
// calling it more than once is harmless.
func (d *Dispatcher) Subscribe(obs Observer) func() {
	sub := &subscription{fn: obs}

	d.obsMx.Lock()
	observers := make([]*subscription, 0, len(d.observers)+1)
	observers = append(observers, d.observers...)
	d.observers = append(observers, sub)
	d.obsMx.Unlock()

	return func() {
		if sub.removed.Swap(true) {
			return
		}
		d.obsMx.Lock()
		defer d.obsMx.Unlock()
		observers := make([]*subscription, 0, len(d.observers))
		for _, s := range d.observers {
			if s != sub {
				observers = append(observers, s)
			}
		}
		d.observers = observers
	}
}

func (d *Dispatcher) submit(ev model.SignalingEvent) (Result, error) {
	var (
		callID = ev.CallID()
		in     = model.SignalInput(ev)
	)
	if d.store.Ended(callID) {
		return d.drop(callID, in), nil
	}

	if ev.Action() == model.ActionInvite {
		if cur, ok := d.store.Current(); ok {
			err := &model.SessionAlreadyActiveError{CallID: callID, Current: cur.CallID, State: cur.State}
			d.diagnose(model.DiagnosticRejected, callID, cur.State, in.String(), err)
			return Result{CallID: callID, From: model.StateIdle, To: model.StateIdle}, err
		}
		sess := model.NewSession(ev)
		if err := d.store.Create(sess); err != nil {
			return Result{CallID: callID}, errors.Join(ErrCreate, err)
		}
		return d.step(sess, in)
	}

	sess, err := d.current(callID)
	if err != nil {
		d.diagnose(model.DiagnosticRejected, callID, model.StateIdle, in.String(), err)
		return Result{CallID: callID}, err
	}
	return d.step(sess, in)
}

func (d *Dispatcher) current(callID string) (*model.CallSession, error) {
	sess, ok := d.store.Current()
	if !ok {
		return nil, &model.NoActiveSessionError{CallID: callID}
	}
	if sess.CallID != callID {
		return nil, &model.NoActiveSessionError{CallID: callID, Current: sess.CallID}
	}
	return sess, nil
}

func (d *Dispatcher) drop(callID string, in model.Input) Result {
	d.diagnose(model.DiagnosticDropped, callID, model.StateEnded, in.String(), nil)
	return Result{CallID: callID, From: model.StateEnded, To: model.StateEnded, Dropped: true}
}

func (d *Dispatcher) step(sess *model.CallSession, in model.Input) (Result, error) {
	tr, err := d.machine.Step(sess, in)
	if err != nil {
		d.diagnose(model.DiagnosticIllegalTransition, sess.CallID, sess.State, in.String(), err)
		return Result{CallID: sess.CallID, From: sess.State, To: sess.State}, err
	}
	d.commit(sess, in, tr)

	res := Result{CallID: sess.CallID, From: tr.From, To: tr.To}
	if tr.To == model.StateEnding {
		// Observers have returned from the Ending notification, which is
		// their acknowledgement of the teardown.
		ack := model.InternalInput(model.InternalTeardownAck)
		if tr, err = d.machine.Step(sess, ack); err != nil {
			d.logger.Error().Err(err).Str("callID", sess.CallID).Msg("teardown rejected")
			return res, nil
		}
		d.commit(sess, ack, tr)
		res.To = tr.To
	}
	if sess.State == model.StateEnded {
		d.teardown(sess)
	}
	return res, nil
}

func (d *Dispatcher) commit(sess *model.CallSession, in model.Input, tr statemachine.Transition) {
	d.enqueueEffects(sess, tr)
	if tr.From == tr.To {
		d.publish(sess)
		return
	}

	d.logger.Debug().
		Str("callID", sess.CallID).
		Str("input", in.String()).
		Stringer("from", tr.From).
		Stringer("to", tr.To).
		Msg("state committed")

	cmd, changed := d.arbiter.Evaluate(sess, d.host, d.host)
	d.publish(sess)
	change := model.StateChange{
		CallID:    sess.CallID,
		From:      tr.From,
		To:        tr.To,
		Input:     in.String(),
		Effects:   tr.Effects,
		EndReason: sess.EndReason,
		Session:   sess.Clone(),
	}
	d.notify(change)
	d.enqueueAnnounce(change)
	if changed {
		d.enqueuePresent(sess.CallID, cmd)
	}
}

func (d *Dispatcher) teardown(sess *model.CallSession) {
	d.machine.Reset()
	if err := d.store.Clear(sess.CallID, d.machine.Now()); err != nil {
		d.logger.Error().Err(errors.Join(ErrClear, err)).Str("callID", sess.CallID).Msg("teardown failed")
	}
	d.snapshot.Store(nil)
	d.logger.Debug().
		Str("callID", sess.CallID).
		Stringer("reason", sess.EndReason).
		Msg("session cleared")
}

func (d *Dispatcher) arbitrate(prev model.HostState) {
	sess, ok := d.store.Current()
	if !ok {
		return
	}
	cmd, changed := d.arbiter.Evaluate(sess, prev, d.host)
	if !changed {
		return
	}
	d.publish(sess)
	d.enqueuePresent(sess.CallID, cmd)
}

func (d *Dispatcher) publish(sess *model.CallSession) {
	snap := sess.Clone()
	d.snapshot.Store(&snap)
	if e := d.logger.Trace(); e.Enabled() {
		e.Str("session", spew.Sdump(snap)).Msg("snapshot published")
	}
}

func (d *Dispatcher) notify(change model.StateChange) {
	d.obsMx.Lock()
	observers := d.observers
	d.obsMx.Unlock()

	for _, sub := range observers {
		if sub.removed.Load() {
			continue
		}
		d.observe(sub.fn, change)
	}
}

func (d *Dispatcher) observe(fn Observer, change model.StateChange) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().
				Str("callID", change.CallID).
				Interface("panic", r).
				Msg("observer panicked")
		}
	}()
	fn(change)
}

func (d *Dispatcher) timerFired(t statemachine.Timer, gen uint64) {
	d.mx.Lock()
	defer d.mx.Unlock()

	if !d.machine.Fired(t, gen) {
		return
	}
	sess, ok := d.store.Current()
	if !ok {
		return
	}
	d.logger.Trace().Str("callID", sess.CallID).Stringer("timer", t).Msg("timer fired")

	switch t {
	case statemachine.TimerRing:
		ev, err := model.NewEventAt(model.ActionTimeout, sess.CallID, "", nil, d.machine.Now())
		if err != nil {
			d.logger.Error().Err(err).Msg("cannot build ring timeout")
			return
		}
		_, _ = d.step(sess, model.SignalInput(ev))
	case statemachine.TimerDuration:
		_, _ = d.step(sess, model.InternalInput(model.InternalDurationTick))
	}
}

func (d *Dispatcher) diagnose(kind, callID string, state model.CallState, input string, err error) {
	d.logger.Warn().
		Err(err).
		Str("kind", kind).
		Str("callID", callID).
		Stringer("state", state).
		Str("input", input).
		Msg("input not applied")

	if d.reporter == nil {
		return
	}
	diag := model.Diagnostic{Kind: kind, CallID: callID, State: state, Input: input, Err: err}
	d.jobs.push(job{
		name:   jobReport,
		callID: callID,
		run: func(ctx context.Context) error {
			return d.reporter.Report(ctx, diag)
		},
	})
}
