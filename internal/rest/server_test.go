package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jitsi/jibri/internal/config"
	"github.com/jitsi/jibri/internal/controller"
	"github.com/jitsi/jibri/internal/errorkind"
	"github.com/jitsi/jibri/internal/health"
	"github.com/jitsi/jibri/internal/session"
)

type fakeController struct {
	held      bool
	sessionID string
	startErr  error
	stopped   []string
}

func (f *fakeController) Start(ctx context.Context, req session.Request, client *config.ClientConfig) (controller.StartResult, error) {
	if f.startErr != nil {
		return controller.StartResult{}, f.startErr
	}
	return controller.StartResult{SessionID: "sess-1"}, nil
}

func (f *fakeController) Stop(sessionID string, kind errorkind.Kind) {
	f.stopped = append(f.stopped, sessionID)
}

func (f *fakeController) IsHeld() bool { return f.held }

func (f *fakeController) CurrentSessionID() string { return f.sessionID }

type fakeClient struct {
	host      string
	env       string
	connected bool
	lastDrain time.Time
}

func (f *fakeClient) Host() string             { return f.host }
func (f *fakeClient) Environment() string      { return f.env }
func (f *fakeClient) IsConnected() bool        { return f.connected }
func (f *fakeClient) LastDrain() time.Time     { return f.lastDrain }

func newTestServer(ctrl *fakeController, token string, clients []ClientStatus) *Server {
	return New(ctrl, token, clients, health.NewMonitor())
}

func doJSON(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)
	return rr
}

func TestHandleStartRejectsBadToken(t *testing.T) {
	s := newTestServer(&fakeController{}, "secret", nil)
	rr := doJSON(t, s, http.MethodPost, "/jibri/api/v1.0/start", startRequest{URL: "https://x", StreamID: "KEY", Token: "wrong"})

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
	var resp apiResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Success || resp.Error != "Token does not match" {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestHandleStartRejectsBadParameters(t *testing.T) {
	s := newTestServer(&fakeController{}, "secret", nil)
	rr := doJSON(t, s, http.MethodPost, "/jibri/api/v1.0/start", startRequest{URL: "https://x", Token: "secret"})

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
	var resp apiResponse
	_ = json.NewDecoder(rr.Body).Decode(&resp)
	if resp.Success || resp.Error != "Bad Parameters" {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestHandleStartSlotHeld(t *testing.T) {
	ctrl := &fakeController{startErr: controller.ErrSlotHeld}
	s := newTestServer(ctrl, "secret", nil)
	rr := doJSON(t, s, http.MethodPost, "/jibri/api/v1.0/start", startRequest{URL: "https://x", StreamID: "KEY", Token: "secret"})

	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rr.Code)
	}
	var resp apiResponse
	_ = json.NewDecoder(rr.Body).Decode(&resp)
	if resp.Success || resp.Error != "Already recording" {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestHandleStartSuccess(t *testing.T) {
	ctrl := &fakeController{}
	s := newTestServer(ctrl, "secret", nil)
	rr := doJSON(t, s, http.MethodPost, "/jibri/api/v1.0/start", startRequest{URL: "https://x", StreamID: "KEY", Token: "secret"})

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var resp apiResponse
	_ = json.NewDecoder(rr.Body).Decode(&resp)
	if !resp.Success || resp.State != "pending" {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestHandleSIPStartRequiresSIPAddress(t *testing.T) {
	s := newTestServer(&fakeController{}, "secret", nil)
	rr := doJSON(t, s, http.MethodPost, "/jibri/api/v1.0/sipstart", startRequest{Token: "secret", Room: "r@h"})

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestHandleStopIsIdempotent(t *testing.T) {
	ctrl := &fakeController{}
	s := newTestServer(ctrl, "secret", nil)

	rr := doJSON(t, s, http.MethodPost, "/jibri/api/v1.0/stop", stopRequest{Token: "secret"})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}

	rr2 := doJSON(t, s, http.MethodPost, "/jibri/api/v1.0/stop", stopRequest{Token: "secret"})
	if rr2.Code != http.StatusOK {
		t.Fatalf("second stop status = %d, want 200", rr2.Code)
	}
	if len(ctrl.stopped) != 2 {
		t.Fatalf("stopped calls = %d, want 2", len(ctrl.stopped))
	}
}

func TestHandleHealthNoClientsConfigured(t *testing.T) {
	ctrl := &fakeController{held: true}
	s := newTestServer(ctrl, "secret", nil)

	req := httptest.NewRequest(http.MethodGet, "/jibri/health", nil)
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)

	var resp healthResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Recording {
		t.Fatalf("resp.Recording = false, want true")
	}
	if !resp.XMPPConnected || !resp.JibriXMPP {
		t.Fatalf("resp = %+v, want both xmpp flags true with no clients configured", resp)
	}
}

func TestHandleHealthReportsDisconnectedClient(t *testing.T) {
	ctrl := &fakeController{}
	clients := []ClientStatus{&fakeClient{host: "h1", connected: false, lastDrain: time.Now().Add(time.Hour)}}
	s := newTestServer(ctrl, "secret", clients)

	req := httptest.NewRequest(http.MethodGet, "/jibri/health", nil)
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)

	var resp healthResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.XMPPConnected {
		t.Fatalf("resp.XMPPConnected = true, want false")
	}
}

func TestCheckTokenRejectsEmptyConfiguredToken(t *testing.T) {
	s := newTestServer(&fakeController{}, "", nil)
	if s.checkToken("") {
		t.Fatalf("checkToken(\"\") = true with empty configured token, want false")
	}
}

func TestStartGetUsesQueryParameters(t *testing.T) {
	s := newTestServer(&fakeController{}, "secret", nil)
	req := httptest.NewRequest(http.MethodGet, "/jibri/api/v1.0/start?url=https://x&stream=KEY&token=secret", nil)
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
}
