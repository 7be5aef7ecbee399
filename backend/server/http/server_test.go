package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/adwski/callsession/backend/dispatcher"
	"github.com/adwski/callsession/backend/model"
	"github.com/rs/zerolog"
)

type fakeCallService struct {
	sess       *model.CallSession
	history    []model.StateChange
	err        error
	invitees   []string
	acted      []string
	screen     string
	foreground *bool
}

func (fs *fakeCallService) StartCall(invitees []string, _ bool) (string, error) {
	fs.invitees = invitees
	if fs.err != nil {
		return "", fs.err
	}
	return "c1", nil
}

func (fs *fakeCallService) Act(callID, action string) (dispatcher.Result, error) {
	if _, err := model.ParseLocalAction(action); err != nil {
		return dispatcher.Result{CallID: callID}, err
	}
	fs.acted = append(fs.acted, callID+"/"+action)
	if fs.err != nil {
		return dispatcher.Result{CallID: callID}, fs.err
	}
	return dispatcher.Result{CallID: callID, From: model.StateRinging, To: model.StateAnswered}, nil
}

func (fs *fakeCallService) Minimize() error { return fs.err }

func (fs *fakeCallService) Current() (model.CallSession, bool) {
	if fs.sess == nil {
		return model.CallSession{}, false
	}
	return fs.sess.Clone(), true
}

func (fs *fakeCallService) History() []model.StateChange { return fs.history }

func (fs *fakeCallService) ScreenChanged(screen string) { fs.screen = screen }

func (fs *fakeCallService) SetForeground(foreground bool) { fs.foreground = &foreground }

func newTestServer(fs *fakeCallService) *Server {
	logger := zerolog.Nop()
	return NewServer(Config{Logger: &logger, CallService: fs})
}

func do(t *testing.T, srv *Server, method, target, body string) (*httptest.ResponseRecorder, GenericResponse) {
	t.Helper()
	var (
		w = httptest.NewRecorder()
		r = httptest.NewRequest(method, target, strings.NewReader(body))
	)
	srv.Handler.ServeHTTP(w, r)

	var resp GenericResponse
	if w.Code != http.StatusNoContent {
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("cannot decode response %q: %v", w.Body.String(), err)
		}
	}
	return w, resp
}

func TestStartCall(t *testing.T) {
	fs := &fakeCallService{}
	srv := newTestServer(fs)

	w, resp := do(t, srv, http.MethodPost, "/api/call", `{"invitees":["bob","carol"],"group":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", w.Code, resp.Error)
	}
	data, ok := resp.Data.(map[string]any)
	if !ok || data["call_id"] != "c1" {
		t.Fatalf("unexpected data %v", resp.Data)
	}
	if len(fs.invitees) != 2 {
		t.Fatalf("invitees not passed: %v", fs.invitees)
	}

	if w, _ = do(t, srv, http.MethodPost, "/api/call", `{"invitees":[]}`); w.Code != http.StatusBadRequest {
		t.Fatalf("empty invitees accepted: %d", w.Code)
	}
	if w, _ = do(t, srv, http.MethodPost, "/api/call", `{`); w.Code != http.StatusBadRequest {
		t.Fatalf("broken body accepted: %d", w.Code)
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"invalid event", &model.InvalidEventError{Reason: "unknown action"}, http.StatusBadRequest},
		{"no session", &model.NoActiveSessionError{CallID: "c1"}, http.StatusNotFound},
		{"already active", &model.SessionAlreadyActiveError{CallID: "c2", Current: "c1"}, http.StatusConflict},
		{"illegal", &model.IllegalTransitionError{State: model.StateIdle, Input: "answer"}, http.StatusConflict},
		{"other", dispatcher.ErrCreate, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(&fakeCallService{err: tt.err})
			w, resp := do(t, srv, http.MethodPost, "/api/call/c1/answer", "")
			if w.Code != tt.code {
				t.Fatalf("got %d, want %d", w.Code, tt.code)
			}
			if resp.Error == "" {
				t.Fatal("error message is missing")
			}
		})
	}
}

func TestAct(t *testing.T) {
	fs := &fakeCallService{}
	srv := newTestServer(fs)

	w, resp := do(t, srv, http.MethodPost, "/api/call/c1/answer", "")
	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", w.Code)
	}
	if len(fs.acted) != 1 || fs.acted[0] != "c1/answer" {
		t.Fatalf("unexpected act %v", fs.acted)
	}
	data, _ := resp.Data.(map[string]any)
	if data["from"] != "ringing" || data["to"] != "answered" {
		t.Fatalf("unexpected result %v", resp.Data)
	}

	// Calls are placed through POST /api/call only.
	for _, action := range []string{"invite", "confirm_ring", "timeout", "network_unstable"} {
		if w, _ = do(t, srv, http.MethodPost, "/api/call/c1/"+action, ""); w.Code != http.StatusBadRequest {
			t.Fatalf("%s: got %d, want %d", action, w.Code, http.StatusBadRequest)
		}
	}
	if len(fs.acted) != 1 {
		t.Fatalf("non-local action accepted: %v", fs.acted)
	}
}

func TestCurrent(t *testing.T) {
	fs := &fakeCallService{}
	srv := newTestServer(fs)

	if w, _ := do(t, srv, http.MethodGet, "/api/call", ""); w.Code != http.StatusNotFound {
		t.Fatalf("idle returned %d", w.Code)
	}

	answered := time.Unix(100, 0).UTC()
	fs.sess = &model.CallSession{
		CallID:       "c1",
		State:        model.StateConnected,
		Participants: map[string]struct{}{"bob": {}, "alice": {}},
		AnsweredAt:   &answered,
		Presentation: model.PresentationFloating,
	}
	w, resp := do(t, srv, http.MethodGet, "/api/call", "")
	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", w.Code)
	}
	data, _ := resp.Data.(map[string]any)
	if data["state"] != "connected" || data["presentation"] != "floating" {
		t.Fatalf("unexpected session %v", data)
	}
	if p, _ := data["participants"].([]any); len(p) != 2 || p[0] != "alice" {
		t.Fatalf("unexpected participants %v", data["participants"])
	}
}

func TestHistory(t *testing.T) {
	fs := &fakeCallService{history: []model.StateChange{
		{CallID: "c1", From: model.StateIdle, To: model.StateInviting, Input: "invite",
			Effects: []model.Effect{model.EffectStartRingTimer}},
	}}
	srv := newTestServer(fs)

	w, resp := do(t, srv, http.MethodGet, "/api/call/history", "")
	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", w.Code)
	}
	views, _ := resp.Data.([]any)
	if len(views) != 1 {
		t.Fatalf("unexpected history %v", resp.Data)
	}
	view, _ := views[0].(map[string]any)
	if view["to"] != "inviting" || view["input"] != "invite" {
		t.Fatalf("unexpected change %v", view)
	}
}

func TestHostEndpoints(t *testing.T) {
	fs := &fakeCallService{}
	srv := newTestServer(fs)

	if w, _ := do(t, srv, http.MethodPost, "/api/host/screen", `{"screen":"chat"}`); w.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", w.Code)
	}
	if fs.screen != "chat" {
		t.Fatalf("screen not passed: %q", fs.screen)
	}
	if w, _ := do(t, srv, http.MethodPost, "/api/host/foreground", `{"foreground":false}`); w.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", w.Code)
	}
	if fs.foreground == nil || *fs.foreground {
		t.Fatal("foreground not passed")
	}
	if w, _ := do(t, srv, http.MethodPost, "/api/call/minimize", ""); w.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", w.Code)
	}
	if w, _ := do(t, srv, http.MethodOptions, "/", ""); w.Code != http.StatusNoContent {
		t.Fatalf("unexpected preflight status %d", w.Code)
	}
}
