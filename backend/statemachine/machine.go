package statemachine

import (
	"time"

	"github.com/adwski/callsession/backend/model"
	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

const (
	defaultRingTimeout  = 30 * time.Second
	defaultDurationTick = time.Second
)

type Timer int

const (
	TimerRing Timer = iota + 1
	TimerDuration
)

func (t Timer) String() string {
	switch t {
	case TimerRing:
		return "ring"
	case TimerDuration:
		return "duration"
	default:
		return "unknown"
	}
}

type (
	// FireFunc is invoked from the timer goroutine. The receiver must
	// serialize with Step and pass gen back to Fired.
	FireFunc func(t Timer, gen uint64)

	Config struct {
		Logger       *zerolog.Logger
		Clock        clock.Clock
		RingTimeout  time.Duration
		DurationTick time.Duration
		OnFire       FireFunc
	}

	// Machine applies transitions to a session and owns the ring and
	// duration timers. It is not safe for concurrent use; the dispatcher
	// serializes every call.
	Machine struct {
		logger       zerolog.Logger
		clock        clock.Clock
		ringTimeout  time.Duration
		durationTick time.Duration
		onFire       FireFunc

		gen    uint64
		timers map[Timer]*armed
	}

	armed struct {
		t   *clock.Timer
		gen uint64
	}
)

func NewMachine(cfg Config) *Machine {
	m := &Machine{
		logger:       cfg.Logger.With().Str("component", "statemachine").Logger(),
		clock:        cfg.Clock,
		ringTimeout:  cfg.RingTimeout,
		durationTick: cfg.DurationTick,
		onFire:       cfg.OnFire,
		timers:       make(map[Timer]*armed),
	}
	if m.clock == nil {
		m.clock = clock.New()
	}
	if m.ringTimeout <= 0 {
		m.ringTimeout = defaultRingTimeout
	}
	if m.durationTick <= 0 {
		m.durationTick = defaultDurationTick
	}
	if m.onFire == nil {
		m.onFire = func(Timer, uint64) {}
	}
	return m
}

func (m *Machine) Now() time.Time {
	return m.clock.Now()
}

// Step applies in to sess and commits the result. Timer effects are carried
// out here; the rest are left to the caller.
func (m *Machine) Step(sess *model.CallSession, in model.Input) (Transition, error) {
	tr, err := Apply(sess.State, in)
	if err != nil {
		return tr, err
	}

	sess.State = tr.To
	if tr.To == model.StateAnswered && sess.AnsweredAt == nil {
		now := m.clock.Now()
		sess.AnsweredAt = &now
	}
	if tr.EndReason != model.EndReasonNone {
		sess.EndReason = tr.EndReason
	}

	for _, eff := range tr.Effects {
		switch eff {
		case model.EffectStartRingTimer:
			m.arm(TimerRing, m.ringTimeout)
		case model.EffectStopRingTimer:
			m.disarm(TimerRing)
		case model.EffectStartDurationTimer, model.EffectNotifyDuration:
			m.arm(TimerDuration, m.durationTick)
		case model.EffectStopDurationTimer:
			m.disarm(TimerDuration)
		case model.EffectStartNegotiation,
			model.EffectStopNegotiation,
			model.EffectNotifyNoDevice,
			model.EffectNotifyDegraded,
			model.EffectReleaseResources:
		}
	}
	return tr, nil
}

// Fired consumes a timer firing. It reports false when the timer was
// stopped or re-armed after gen was issued, in which case the firing must
// be ignored.
func (m *Machine) Fired(t Timer, gen uint64) bool {
	a, ok := m.timers[t]
	if !ok || a.gen != gen {
		m.logger.Trace().Stringer("timer", t).Uint64("gen", gen).Msg("stale timer firing ignored")
		return false
	}
	delete(m.timers, t)
	return true
}

// Active reports whether t is armed.
func (m *Machine) Active(t Timer) bool {
	_, ok := m.timers[t]
	return ok
}

// Reset stops every armed timer.
func (m *Machine) Reset() {
	for t := range m.timers {
		m.disarm(t)
	}
}

func (m *Machine) arm(t Timer, d time.Duration) {
	m.disarm(t)
	m.gen++
	gen := m.gen
	m.timers[t] = &armed{
		gen: gen,
		t: m.clock.AfterFunc(d, func() {
			m.onFire(t, gen)
		}),
	}
	m.logger.Trace().Stringer("timer", t).Uint64("gen", gen).Dur("after", d).Msg("timer armed")
}

func (m *Machine) disarm(t Timer) {
	a, ok := m.timers[t]
	if !ok {
		return
	}
	a.t.Stop()
	delete(m.timers, t)
	m.logger.Trace().Stringer("timer", t).Uint64("gen", a.gen).Msg("timer stopped")
}
