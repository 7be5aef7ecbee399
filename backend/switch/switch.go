package _switch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/adwski/callsession/backend/model"
	"github.com/rs/zerolog"
)

const (
	defaultFwdTimout = time.Second
)

var (
	ErrEndpointExists = errors.New("endpoint is already connected")
)

// Handler receives inbound messages from one endpoint.
type Handler = func(ctx context.Context, msg model.Message)

// Switch connects the core with every transport/shell endpoint.
type Switch struct {
	logger zerolog.Logger
	mx     *sync.RWMutex
	fwd    map[string]model.Wire
}

func NewSwitch(logger *zerolog.Logger) *Switch {
	return &Switch{
		logger: logger.With().Str("component", "switch").Logger(),
		mx:     &sync.RWMutex{},
		fwd:    make(map[string]model.Wire),
	}
}

func (sw *Switch) Disconnect(endpoint string) error {
	sw.mx.Lock()
	defer func() {
		sw.mx.Unlock()
		sw.logger.Debug().
			Str("endpoint", endpoint).
			Msg("endpoint disconnected")
	}()

	delete(sw.fwd, endpoint)
	return nil
}

// Connect registers the endpoint's wire and starts delivering its inbound
// messages to h until ctx is done. Endpoint keys identify one connection;
// a key that is still connected is refused rather than replaced.
func (sw *Switch) Connect(ctx context.Context, endpoint string, wire model.Wire, h Handler) error {
	sw.mx.Lock()
	if _, ok := sw.fwd[endpoint]; ok {
		sw.mx.Unlock()
		return ErrEndpointExists
	}
	sw.fwd[endpoint] = wire
	sw.mx.Unlock()

	sw.logger.Debug().
		Str("endpoint", endpoint).
		Msg("endpoint connected")
	go sw.receive(ctx, endpoint, wire.RX, h)
	return nil
}

// Endpoints returns the number of connected endpoints.
func (sw *Switch) Endpoints() int {
	sw.mx.RLock()
	defer sw.mx.RUnlock()

	return len(sw.fwd)
}

func (sw *Switch) receive(ctx context.Context, endpoint string, rx <-chan model.Message, h Handler) {
recvLoop:
	for {
		select {
		case <-ctx.Done():
			break recvLoop
		case msg := <-rx:
			if msg.SRC == "" {
				sw.logger.Error().
					Str("endpoint", endpoint).
					Str("type", msg.Type).
					Msg("message with empty src")
				continue
			}
			h(ctx, msg)
		}
	}
}

// Broadcast delivers msg to every connected endpoint.
func (sw *Switch) Broadcast(ctx context.Context, msg model.Message) error {
	sw.mx.RLock()
	wires := make(map[string]model.Wire, len(sw.fwd))
	for endpoint, wire := range sw.fwd {
		wires[endpoint] = wire
	}
	sw.mx.RUnlock()

	if len(wires) == 0 {
		sw.logger.Debug().
			Str("type", msg.Type).
			Str("callID", msg.CallID).
			Msg("broadcast did not reach anyone")
		return nil
	}

	logger := sw.logger.With().
		Str("type", msg.Type).
		Str("callID", msg.CallID).
		Logger()
	for endpoint, wire := range wires {
		if _, canceled := send(ctx, msg, endpoint, wire.TX, &logger); canceled {
			return ctx.Err()
		}
	}
	return nil
}

func send(ctx context.Context, msg model.Message, dst string, tx chan<- model.Message, logger *zerolog.Logger) (bool, bool) {
	var sent, canceled bool
	tCh := time.NewTimer(defaultFwdTimout)
	select {
	case <-ctx.Done():
		canceled = true
	case <-tCh.C:
		logger.Error().Str("dst", dst).Msg("dead endpoint")
	case tx <- msg:
		logger.Debug().Str("dst", dst).Msg("message is forwarded")
		sent = true
	}
	tCh.Stop()
	return sent, canceled
}
