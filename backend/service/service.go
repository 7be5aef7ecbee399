package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/adwski/callsession/backend/dispatcher"
	"github.com/adwski/callsession/backend/model"
	"github.com/rs/zerolog"
)

const (
	defaultHistorySize = 64
)

var (
	ErrConnect     = errors.New("unable to connect")
	ErrDisconnect  = errors.New("unable to disconnect")
	ErrUnknownType = errors.New("unknown message type")
	ErrSubmit      = errors.New("submit rejected")
)

type (
	Switch interface {
		Connect(ctx context.Context, endpoint string, wire model.Wire, h func(context.Context, model.Message)) error
		Disconnect(endpoint string) error
		Broadcast(ctx context.Context, msg model.Message) error
	}

	Dispatcher interface {
		Submit(ev model.SignalingEvent) (dispatcher.Result, error)
		Call(invitees []string, group bool) (string, error)
		Act(action model.CallAction, callID string) (dispatcher.Result, error)
		NegotiationComplete(callID string) (dispatcher.Result, error)
		ScreenChanged(screen string)
		SetForeground(foreground bool)
		Minimize() error
		Current() (model.CallSession, bool)
		Subscribe(obs dispatcher.Observer) func()
	}

	// Service connects transport endpoints and the local API to the dispatcher.
	Service struct {
		d           Dispatcher
		sw          Switch
		logger      zerolog.Logger
		unsubscribe func()

		mx          *sync.Mutex
		history     []model.StateChange
		historySize int
	}

	Config struct {
		Dispatcher  Dispatcher
		Switch      Switch
		Logger      *zerolog.Logger
		HistorySize int
	}
)

func NewService(cfg Config) *Service {
	svc := &Service{
		d:           cfg.Dispatcher,
		sw:          cfg.Switch,
		logger:      cfg.Logger.With().Str("component", "service").Logger(),
		mx:          &sync.Mutex{},
		historySize: cfg.HistorySize,
	}
	if svc.historySize <= 0 {
		svc.historySize = defaultHistorySize
	}
	svc.unsubscribe = svc.d.Subscribe(svc.record)
	return svc
}

// Close stops recording state changes.
func (svc *Service) Close() {
	svc.unsubscribe()
}

func (svc *Service) CreateSignalingSession(ctx context.Context, endpoint string, wire model.Wire) error {
	err := svc.sw.Connect(ctx, endpoint, wire, svc.handle)
	if err != nil {
		return errors.Join(ErrConnect, err)
	}
	svc.logger.Debug().
		Str("endpoint", endpoint).
		Msg("signaling session connected")
	return nil
}

func (svc *Service) DeleteSignalingSession(_ context.Context, endpoint string) error {
	err := svc.sw.Disconnect(endpoint)
	if err != nil {
		return errors.Join(ErrDisconnect, err)
	}
	svc.logger.Debug().
		Str("endpoint", endpoint).
		Msg("signaling session deleted")
	return nil
}

func (svc *Service) handle(_ context.Context, msg model.Message) {
	if err := svc.HandleMessage(msg); err != nil {
		svc.logger.Debug().
			Err(err).
			Str("type", msg.Type).
			Str("callID", msg.CallID).
			Str("src", msg.SRC).
			Msg("inbound message not applied")
	}
}

// HandleMessage routes one inbound wire message to the dispatcher.
func (svc *Service) HandleMessage(msg model.Message) error {
	switch msg.Type {
	case model.MessageTypeSignal:
		action, err := model.ParseAction(msg.Action)
		if err != nil {
			return err
		}
		ev, err := model.NewEvent(action, msg.CallID, msg.SRC, msg.Payload)
		if err != nil {
			return err
		}
		if _, err = svc.d.Submit(ev); err != nil {
			return errors.Join(ErrSubmit, err)
		}
	case model.MessageTypeNegotiated:
		if _, err := svc.d.NegotiationComplete(msg.CallID); err != nil {
			return errors.Join(ErrSubmit, err)
		}
	case model.MessageTypeScreen:
		svc.d.ScreenChanged(msg.Screen)
	case model.MessageTypeForeground:
		svc.d.SetForeground(true)
	case model.MessageTypeBackground:
		svc.d.SetForeground(false)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}
	return nil
}

func (svc *Service) StartCall(invitees []string, group bool) (string, error) {
	callID, err := svc.d.Call(invitees, group)
	if err != nil {
		return "", err
	}
	svc.logger.Debug().
		Str("callID", callID).
		Strs("invitees", invitees).
		Msg("outgoing call started")
	return callID, nil
}

func (svc *Service) Act(callID, action string) (dispatcher.Result, error) {
	a, err := model.ParseLocalAction(action)
	if err != nil {
		return dispatcher.Result{CallID: callID}, err
	}
	return svc.d.Act(a, callID)
}

func (svc *Service) Minimize() error {
	return svc.d.Minimize()
}

func (svc *Service) Current() (model.CallSession, bool) {
	return svc.d.Current()
}

func (svc *Service) ScreenChanged(screen string) {
	svc.d.ScreenChanged(screen)
}

func (svc *Service) SetForeground(foreground bool) {
	svc.d.SetForeground(foreground)
}

// History returns the most recent state changes, oldest first.
func (svc *Service) History() []model.StateChange {
	svc.mx.Lock()
	defer svc.mx.Unlock()

	out := make([]model.StateChange, len(svc.history))
	copy(out, svc.history)
	return out
}

func (svc *Service) record(change model.StateChange) {
	svc.mx.Lock()
	defer svc.mx.Unlock()

	svc.history = append(svc.history, change)
	if over := len(svc.history) - svc.historySize; over > 0 {
		svc.history = append(svc.history[:0:0], svc.history[over:]...)
	}
}
