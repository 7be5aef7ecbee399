package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/adwski/callsession/backend/dispatcher"
	"github.com/adwski/callsession/backend/model"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second
	defaultMaxBodySize      = 1 << 16
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type CallService interface {
	StartCall(invitees []string, group bool) (string, error)
	Act(callID, action string) (dispatcher.Result, error)
	Minimize() error
	Current() (model.CallSession, bool)
	History() []model.StateChange
	ScreenChanged(screen string)
	SetForeground(foreground bool)
}

type (
	CallRequest struct {
		Invitees []string `json:"invitees"`
		Group    bool     `json:"group"`
	}

	ScreenRequest struct {
		Screen string `json:"screen"`
	}

	ForegroundRequest struct {
		Foreground bool `json:"foreground"`
	}

	GenericResponse struct {
		Message string      `json:"message,omitempty"`
		Error   string      `json:"error,omitempty"`
		Data    interface{} `json:"data,omitempty"`
	}

	SessionView struct {
		CallID       string     `json:"call_id"`
		State        string     `json:"state"`
		Participants []string   `json:"participants"`
		IsGroup      bool       `json:"is_group"`
		StartedAt    time.Time  `json:"started_at"`
		AnsweredAt   *time.Time `json:"answered_at,omitempty"`
		Floating     bool       `json:"floating_window_visible"`
		Presentation string     `json:"presentation"`
		EndReason    string     `json:"end_reason,omitempty"`
	}

	ChangeView struct {
		CallID    string   `json:"call_id"`
		From      string   `json:"from"`
		To        string   `json:"to"`
		Input     string   `json:"input"`
		Effects   []string `json:"effects,omitempty"`
		EndReason string   `json:"end_reason,omitempty"`
	}

	ResultView struct {
		CallID  string `json:"call_id"`
		From    string `json:"from"`
		To      string `json:"to"`
		Dropped bool   `json:"dropped,omitempty"`
	}
)

type Server struct {
	logger zerolog.Logger
	svc    CallService
	*http.Server
}

type Config struct {
	Logger      *zerolog.Logger
	CallService CallService
	ListenAddr  string
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "api-server").Logger(),
		svc:    cfg.CallService,
	}

	r := http.NewServeMux()
	r.HandleFunc("POST /api/call", srv.startCall)
	r.HandleFunc("GET /api/call", srv.current)
	r.HandleFunc("GET /api/call/history", srv.history)
	r.HandleFunc("POST /api/call/minimize", srv.minimize)
	r.HandleFunc("POST /api/call/{callID}/{action}", srv.act)
	r.HandleFunc("POST /api/host/screen", srv.screen)
	r.HandleFunc("POST /api/host/foreground", srv.foreground)
	r.HandleFunc("OPTIONS /", corsHandler)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}
	return srv
}

func corsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept")
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.Header().Set("Access-Control-Allow-Credentials", "true")
	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) startCall(w http.ResponseWriter, r *http.Request) {
	var req CallRequest
	if !srv.decode(w, r, &req) {
		return
	}
	if len(req.Invitees) == 0 {
		srv.writeJSON(w, http.StatusBadRequest, &GenericResponse{Error: "invitees are required"})
		return
	}

	srv.logger.Trace().Any("request", req).Msg("got call request")

	callID, err := srv.svc.StartCall(req.Invitees, req.Group)
	if err != nil {
		srv.writeError(w, err)
		return
	}
	srv.writeJSON(w, http.StatusOK, &GenericResponse{
		Message: "OK",
		Data:    map[string]string{"call_id": callID},
	})
}

func (srv *Server) act(w http.ResponseWriter, r *http.Request) {
	res, err := srv.svc.Act(r.PathValue("callID"), r.PathValue("action"))
	if err != nil {
		srv.writeError(w, err)
		return
	}
	srv.writeJSON(w, http.StatusOK, &GenericResponse{
		Message: "OK",
		Data: ResultView{
			CallID:  res.CallID,
			From:    res.From.String(),
			To:      res.To.String(),
			Dropped: res.Dropped,
		},
	})
}

func (srv *Server) current(w http.ResponseWriter, _ *http.Request) {
	sess, ok := srv.svc.Current()
	if !ok {
		srv.writeJSON(w, http.StatusNotFound, &GenericResponse{Message: model.StateIdle.String()})
		return
	}
	view := SessionView{
		CallID:       sess.CallID,
		State:        sess.State.String(),
		Participants: sess.ParticipantIDs(),
		IsGroup:      sess.IsGroup,
		StartedAt:    sess.StartedAt,
		AnsweredAt:   sess.AnsweredAt,
		Floating:     sess.FloatingWindowVisible,
		Presentation: sess.Presentation.String(),
	}
	if sess.EndReason != model.EndReasonNone {
		view.EndReason = sess.EndReason.String()
	}
	srv.writeJSON(w, http.StatusOK, &GenericResponse{Data: view})
}

func (srv *Server) history(w http.ResponseWriter, _ *http.Request) {
	changes := srv.svc.History()
	views := make([]ChangeView, 0, len(changes))
	for _, c := range changes {
		view := ChangeView{
			CallID: c.CallID,
			From:   c.From.String(),
			To:     c.To.String(),
			Input:  c.Input,
		}
		for _, eff := range c.Effects {
			view.Effects = append(view.Effects, eff.String())
		}
		if c.EndReason != model.EndReasonNone {
			view.EndReason = c.EndReason.String()
		}
		views = append(views, view)
	}
	srv.writeJSON(w, http.StatusOK, &GenericResponse{Data: views})
}

func (srv *Server) minimize(w http.ResponseWriter, _ *http.Request) {
	if err := srv.svc.Minimize(); err != nil {
		srv.writeError(w, err)
		return
	}
	srv.writeJSON(w, http.StatusOK, &GenericResponse{Message: "OK"})
}

func (srv *Server) screen(w http.ResponseWriter, r *http.Request) {
	var req ScreenRequest
	if !srv.decode(w, r, &req) {
		return
	}
	srv.svc.ScreenChanged(req.Screen)
	srv.writeJSON(w, http.StatusOK, &GenericResponse{Message: "OK"})
}

func (srv *Server) foreground(w http.ResponseWriter, r *http.Request) {
	var req ForegroundRequest
	if !srv.decode(w, r, &req) {
		return
	}
	srv.svc.SetForeground(req.Foreground)
	srv.writeJSON(w, http.StatusOK, &GenericResponse{Message: "OK"})
}

func (srv *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, defaultMaxBodySize))
	defer func() {
		_ = r.Body.Close()
	}()
	if err == nil {
		err = json.Unmarshal(body, v)
	}
	if err != nil {
		srv.writeJSON(w, http.StatusBadRequest, &GenericResponse{Error: err.Error()})
		return false
	}
	return true
}

func (srv *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrInvalidEvent):
		code = http.StatusBadRequest
	case errors.Is(err, model.ErrNoActiveSession):
		code = http.StatusNotFound
	case errors.Is(err, model.ErrSessionAlreadyActive),
		errors.Is(err, model.ErrIllegalTransition):
		code = http.StatusConflict
	}
	srv.writeJSON(w, code, &GenericResponse{Error: err.Error()})
}

func (srv *Server) writeJSON(w http.ResponseWriter, code int, resp *GenericResponse) {
	b, err := json.Marshal(resp)
	if err != nil {
		srv.logger.Error().Err(err).Msg("failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	if _, err = w.Write(b); err != nil {
		srv.logger.Error().Err(err).Msg("failed to write response")
	}
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	hErr := make(chan error)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
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
