// Package arbitrator decides how the call UI is presented while the host
// application navigates between its own screens.
package arbitrator

import (
	"github.com/adwski/callsession/backend/model"
	"github.com/rs/zerolog"
)

// Default call-owning screens: the full-screen call UI and the participant picker.
const (
	ScreenCall              = "call"
	ScreenParticipantPicker = "participant_picker"
)

type (
	Config struct {
		Logger *zerolog.Logger

		// CallOwningScreens are host screens on which the call UI is already
		// visible enough that an overlay would be redundant.
		CallOwningScreens []string
	}

	// Arbitrator keeps no state of its own; the decision is written to the
	// session it is given.
	Arbitrator struct {
		logger zerolog.Logger
		owning map[string]struct{}
	}
)

func New(cfg Config) *Arbitrator {
	screens := cfg.CallOwningScreens
	if len(screens) == 0 {
		screens = []string{ScreenCall, ScreenParticipantPicker}
	}
	owning := make(map[string]struct{}, len(screens))
	for _, s := range screens {
		owning[s] = struct{}{}
	}
	return &Arbitrator{
		logger: cfg.Logger.With().Str("component", "arbitrator").Logger(),
		owning: owning,
	}
}

// IsCallOwning reports whether screen is one of the call-owning screens.
func (a *Arbitrator) IsCallOwning(screen string) bool {
	_, ok := a.owning[screen]
	return ok
}

// Evaluate reconciles the session with the host state. prev is the host
// state the session was last evaluated against. A command is returned only
// when the presentation mode changes; sess may be nil when idle.
func (a *Arbitrator) Evaluate(sess *model.CallSession, prev, host model.HostState) (model.PresentationCommand, bool) {
	if sess == nil {
		return 0, false
	}
	switch {
	case sess.State == model.StateIdle || sess.State == model.StateEnded:
		sess.FloatingWindowVisible = false
		return a.apply(sess, model.CommandHide)

	case !sess.State.IsLive() || !host.Foreground:
		return 0, false

	case a.IsCallOwning(host.ActiveScreen):
		// Call UI is on screen already, no overlay on top of it.
		sess.FloatingWindowVisible = false
		return a.apply(sess, model.CommandShowFullScreen)

	case !sess.FloatingWindowVisible:
		if a.IsCallOwning(prev.ActiveScreen) && sess.Presentation == model.PresentationFullScreen {
			// The host navigated away from the call UI.
			sess.Presentation = model.PresentationHidden
		}
		return a.apply(sess, model.CommandShowFullScreen)
	}
	return 0, false
}

// Minimize moves a live call into the floating overlay.
func (a *Arbitrator) Minimize(sess *model.CallSession) (model.PresentationCommand, bool) {
	if sess == nil || !sess.State.IsLive() || sess.FloatingWindowVisible {
		return 0, false
	}
	sess.FloatingWindowVisible = true
	return a.apply(sess, model.CommandShowFloating)
}

func (a *Arbitrator) apply(sess *model.CallSession, cmd model.PresentationCommand) (model.PresentationCommand, bool) {
	if sess.Presentation == cmd.Mode() {
		return 0, false
	}
	a.logger.Debug().
		Str("callID", sess.CallID).
		Stringer("state", sess.State).
		Stringer("from", sess.Presentation).
		Stringer("to", cmd.Mode()).
		Msg("presentation changed")
	sess.Presentation = cmd.Mode()
	return cmd, true
}
