package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/adwski/callsession/backend/model"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultSignalingSessionCloseTimeout = 2 * time.Second

	defaultWebsocketReadBufferSize     = 4096
	defaultWebsocketWriteBufferSize    = 4096
	defaultWebSocketMaxMessageSize     = 4096
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second

	// defaultPongWait - defaultPingInterval == is how long we give client to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	SignalingService interface {
		CreateSignalingSession(ctx context.Context, endpoint string, wire model.Wire) error
		DeleteSignalingSession(ctx context.Context, endpoint string) error
	}

	Config struct {
		Logger           *zerolog.Logger
		SignalingService SignalingService
		ListenAddr       string
	}

	Server struct {
		svc SignalingService
		ws  *websocket.Upgrader
		*http.Server

		logger zerolog.Logger
	}

	// peer is one connected transport or UI shell endpoint. A user may hold
	// several connections at once, e.g. while a stale socket is timing out,
	// so each one is registered under its own endpoint key.
	peer struct {
		conn     *websocket.Conn
		userID   string
		endpoint string
		wire     model.Wire
		logger   zerolog.Logger
	}
)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "websocket-server").Logger(),
		svc:    cfg.SignalingService,
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/signal/user/{userID}", srv.signal)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}

func (srv *Server) signal(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")
	if userID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	endpoint := userID + "/" + uuid.NewString()
	p := &peer{
		conn:     conn,
		userID:   userID,
		endpoint: endpoint,
		wire:     model.NewWire(),
		logger: srv.logger.With().
			Str("userID", userID).
			Str("endpoint", endpoint).
			Logger(),
	}

	ctx, cancel := context.WithCancel(context.Background()) // lives as long as the connection

	if err = srv.svc.CreateSignalingSession(ctx, endpoint, p.wire); err != nil {
		p.logger.Error().Err(err).Msg("failed to create signaling session")
		cancel()
		p.close()
		return
	}
	p.logger.Debug().Msg("signaling session created")

	go srv.serve(ctx, cancel, p)
}

func (srv *Server) serve(ctx context.Context, cancel context.CancelFunc, p *peer) {
	go func() {
		<-ctx.Done()
		// Wake up a receive blocked on a silent peer.
		if err := p.conn.SetReadDeadline(time.Now()); err != nil {
			p.logger.Debug().Err(err).Msg("failed to interrupt receive")
		}
	}()

	wg := &sync.WaitGroup{}
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.receive(ctx)
		cancel()
	}()
	go func() {
		defer wg.Done()
		p.send(ctx)
		cancel()
	}()
	wg.Wait()

	p.close()

	dCtx, dCancel := context.WithTimeout(context.Background(), defaultSignalingSessionCloseTimeout)
	defer dCancel()
	if err := srv.svc.DeleteSignalingSession(dCtx, p.endpoint); err != nil {
		p.logger.Error().Err(err).Msg("failed to delete signaling session")
		return
	}
	p.logger.Debug().Msg("signaling session ended")
}

func (p *peer) send(ctx context.Context) {
	pingTicker := time.NewTicker(defaultPingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pingTicker.C:
			if err := p.write(websocket.PingMessage, []byte{}); err != nil {
				p.logger.Error().Err(err).Msg("failed to send ping")
				return
			}
			p.logger.Trace().Msg("ping sent")
		case msg, ok := <-p.wire.TX:
			if !ok {
				return
			}
			b, err := json.Marshal(&msg)
			if err != nil {
				p.logger.Error().Err(err).Msg("failed to marshal outgoing message")
				return
			}
			if err = p.write(websocket.TextMessage, b); err != nil {
				p.logger.Error().Err(err).Str("type", msg.Type).Msg("failed to write outgoing message")
				return
			}
		}
	}
}

func (p *peer) write(messageType int, b []byte) error {
	if err := p.conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline)); err != nil {
		return err
	}
	return p.conn.WriteMessage(messageType, b)
}

func (p *peer) receive(ctx context.Context) {
	p.conn.SetReadLimit(defaultWebSocketMaxMessageSize)
	extend := func() error {
		if err := ctx.Err(); err != nil {
			// Keep the interrupt deadline in place.
			return err
		}
		return p.conn.SetReadDeadline(time.Now().Add(defaultPongWait))
	}
	p.conn.SetPongHandler(func(string) error {
		p.logger.Trace().Msg("got pong")
		return extend()
	})
	if err := extend(); err != nil {
		p.logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

	for ctx.Err() == nil {
		_, b, err := p.conn.ReadMessage()
		if err != nil {
			switch {
			case ctx.Err() != nil:
				p.logger.Debug().Err(err).Msg("receive interrupted")
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				p.logger.Warn().Err(err).Msg("connection closed")
			default:
				p.logger.Error().Err(err).Msg("unexpected error during receive")
			}
			return
		}

		var msg model.Message
		if err = json.Unmarshal(b, &msg); err != nil {
			p.logger.Error().Err(err).Msg("failed to unmarshal incoming message")
			continue
		}
		msg.SRC = p.userID
		select {
		case p.wire.RX <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (p *peer) close() {
	err := p.conn.SetWriteDeadline(time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to set websocket write deadline during closing")
	} else if err = p.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
		p.logger.Error().Err(err).Msg("failed to send close message")
	}
	if err = p.conn.Close(); err != nil {
		p.logger.Error().Err(err).Msg("failed to close websocket connection")
	}
}
