package dispatcher

import (
	"context"
	"sync"

	"github.com/adwski/callsession/backend/model"
	"github.com/adwski/callsession/backend/statemachine"
)

const (
	jobReport   = "report"
	jobAnnounce = "announce"
)

type job struct {
	name   string
	callID string
	run    func(ctx context.Context) error
}

// jobQueue is an unbounded FIFO so that enqueueing under the dispatch lock never blocks.
type jobQueue struct {
	mx     sync.Mutex
	items  []job
	signal chan struct{}
}

func newJobQueue() *jobQueue {
	return &jobQueue{signal: make(chan struct{}, 1)}
}

func (q *jobQueue) push(j job) {
	q.mx.Lock()
	q.items = append(q.items, j)
	q.mx.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *jobQueue) drain() []job {
	q.mx.Lock()
	defer q.mx.Unlock()

	items := q.items
	q.items = nil
	return items
}

// Run executes side effects in commit order until ctx is done.
func (d *Dispatcher) Run(ctx context.Context, wg *sync.WaitGroup) {
	defer func() {
		d.logger.Debug().Msg("effect worker stopped")
		wg.Done()
	}()

	d.logger.Debug().Msg("effect worker started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.jobs.signal:
		}
		for _, j := range d.jobs.drain() {
			if ctx.Err() != nil {
				return
			}
			if err := j.run(ctx); err != nil {
				d.effectFailed(ctx, j, err)
			}
		}
	}
}

func (d *Dispatcher) effectFailed(ctx context.Context, j job, err error) {
	d.logger.Error().
		Err(err).
		Str("callID", j.callID).
		Str("effect", j.name).
		Msg("side effect failed")

	if d.reporter == nil || j.name == jobReport {
		return
	}
	diag := model.Diagnostic{Kind: model.DiagnosticEffectFailed, CallID: j.callID, Input: j.name, Err: err}
	if err = d.reporter.Report(ctx, diag); err != nil {
		d.logger.Error().Err(err).Str("callID", j.callID).Msg("cannot report failed effect")
	}
}

func (d *Dispatcher) enqueueEffects(sess *model.CallSession, tr statemachine.Transition) {
	callID := sess.CallID
	for _, eff := range tr.Effects {
		switch eff {
		case model.EffectStartNegotiation:
			if d.negotiator != nil {
				d.jobs.push(job{name: eff.String(), callID: callID, run: func(ctx context.Context) error {
					return d.negotiator.StartNegotiation(ctx, callID)
				}})
			}
		case model.EffectStopNegotiation:
			if d.negotiator != nil {
				d.jobs.push(job{name: eff.String(), callID: callID, run: func(ctx context.Context) error {
					return d.negotiator.StopNegotiation(ctx, callID)
				}})
			}
		case model.EffectNotifyNoDevice:
			d.enqueueNotice(eff, model.Notice{CallID: callID, Kind: model.NoticeNoDevice, Reason: model.EndReasonNoDevice})
		case model.EffectNotifyDegraded:
			d.enqueueNotice(eff, model.Notice{CallID: callID, Kind: model.NoticeDegraded})
		case model.EffectNotifyDuration:
			elapsed := d.machine.Now().Sub(sess.StartedAt)
			if sess.AnsweredAt != nil {
				elapsed = d.machine.Now().Sub(*sess.AnsweredAt)
			}
			d.enqueueNotice(eff, model.Notice{CallID: callID, Kind: model.NoticeDuration, Elapsed: elapsed})
		case model.EffectReleaseResources:
			d.enqueueNotice(eff, model.Notice{CallID: callID, Kind: model.NoticeReleased, Reason: tr.EndReason})
		case model.EffectStartRingTimer,
			model.EffectStopRingTimer,
			model.EffectStartDurationTimer,
			model.EffectStopDurationTimer:
			// owned by the state machine
		}
	}
}

func (d *Dispatcher) enqueueNotice(eff model.Effect, n model.Notice) {
	if d.notifier == nil {
		return
	}
	d.jobs.push(job{name: eff.String(), callID: n.CallID, run: func(ctx context.Context) error {
		return d.notifier.Notify(ctx, n)
	}})
}

func (d *Dispatcher) enqueuePresent(callID string, cmd model.PresentationCommand) {
	if d.presenter == nil {
		return
	}
	d.jobs.push(job{name: cmd.String(), callID: callID, run: func(ctx context.Context) error {
		return d.presenter.Present(ctx, callID, cmd)
	}})
}

func (d *Dispatcher) enqueueAnnounce(change model.StateChange) {
	if d.announcer == nil {
		return
	}
	d.jobs.push(job{name: jobAnnounce, callID: change.CallID, run: func(ctx context.Context) error {
		return d.announcer.Announce(ctx, change)
	}})
}
