// Package rest implements the REST Endpoint (spec.md §4.6): a local HTTP
// surface that mirrors the Signaling Client Set's start/stop actions for
// callers that don't speak XMPP. The start/sipstart/stop routes require the
// shared REST token, compared in constant time (spec.md §6: "token match uses
// constant-time comparison where feasible"); the local /jibri/kill route
// checks no token.
package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/jitsi/jibri/internal/config"
	"github.com/jitsi/jibri/internal/controller"
	"github.com/jitsi/jibri/internal/errorkind"
	"github.com/jitsi/jibri/internal/health"
	"github.com/jitsi/jibri/internal/logging"
	"github.com/jitsi/jibri/internal/secmem"
	"github.com/jitsi/jibri/internal/session"
)

var log = logging.L("rest")

// healthPollAttempts/healthPollInterval implement the bounded staleness
// check Open Question #3 resolved: rather than locking and sleeping, the
// health route polls each signaling client's LastDrain timestamp up to 5
// times at 3s, giving a live client's background drain loop (1s cadence)
// ample room to advance before it's declared stale (spec.md §5: "Health
// check has a 5-iteration bound at 3s per iteration, <=15s").
const (
	healthPollAttempts = 5
	healthPollInterval = 3 * time.Second
)

// Controller is the subset of *controller.Controller the REST endpoint
// depends on, narrowed so tests can fake session lifecycle behavior without
// a real Supervisor/Watchdog/browser stack.
type Controller interface {
	Start(ctx context.Context, req session.Request, client *config.ClientConfig) (controller.StartResult, error)
	Stop(sessionID string, kind errorkind.Kind)
	IsHeld() bool
	CurrentSessionID() string
}

// ClientStatus is the subset of *signaling.Client the health route reads to
// report per-host XMPP liveness, without importing internal/signaling (which
// already imports internal/controller, and would otherwise cycle back here
// once the worker wiring imports both).
type ClientStatus interface {
	Host() string
	Environment() string
	IsConnected() bool
	LastDrain() time.Time
}

// Server is the process-wide REST Endpoint. Exactly one instance exists per
// worker, bound to one HTTP listener.
type Server struct {
	ctrl    Controller
	token   *secmem.SecureString
	clients []ClientStatus
	health  *health.Monitor

	httpServer *http.Server
}

// New constructs a Server. token is the shared REST secret (spec.md §6
// resttoken); an empty token means every start/stop request is rejected, since
// an unset secret can never constant-time-compare equal to anything a
// caller sends.
func New(ctrl Controller, token string, clients []ClientStatus, monitor *health.Monitor) *Server {
	return &Server{ctrl: ctrl, token: secmem.NewSecureString(token), clients: clients, health: monitor}
}

// Router builds the gorilla/mux route table (spec.md §6's REST table).
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/jibri/api/v1.0/start", s.handleStart).Methods(http.MethodPost, http.MethodGet)
	r.HandleFunc("/jibri/api/v1.0/sipstart", s.handleSIPStart).Methods(http.MethodPost, http.MethodGet)
	r.HandleFunc("/jibri/api/v1.0/stop", s.handleStop).Methods(http.MethodPost, http.MethodGet)
	r.HandleFunc("/jibri/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/jibri/kill", s.handleKill).Methods(http.MethodPost)
	return r
}

// Serve starts the HTTP listener on bindAddr and blocks until ctx is
// canceled or the listener fails. The worker runs it under its supervision
// tree through a suture.Service adapter that supplies bindAddr (spec.md §9).
func (s *Server) Serve(ctx context.Context, bindAddr string) error {
	s.httpServer = &http.Server{
		Addr:              bindAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// Kill posts a local shutdown request to this same server, per spec.md §4.7
// ("the teardown sequence posts a local kill HTTP to shut down the REST
// endpoint"). Called by internal/lifecycle, not by this package itself.
func (s *Server) Kill(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// startRequest is the JSON body spec.md §6 defines for /start and /sipstart.
// The stream key travels as "stream", matching the historical REST surface.
type startRequest struct {
	URL           string `json:"url"`
	StreamID      string `json:"stream"`
	SIPAddress    string `json:"sipaddress"`
	DisplayName   string `json:"displayname"`
	Room          string `json:"room"`
	Token         string `json:"token"`
	RecordingMode string `json:"recording_mode"`
	RecordingName string `json:"recording_name"`
	BackupStream  bool   `json:"backup_stream"`
	SessionID     string `json:"session_id"`
}

type stopRequest struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
}

type apiResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	State   string `json:"state,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("failed to encode response", "error", err)
	}
}

// checkToken compares tok against the configured secret in constant time
// (spec.md §6). A configured-but-empty token always rejects.
func (s *Server) checkToken(tok string) bool {
	return s.token.EqualString(tok)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeRequest(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, apiResponse{Success: false, Error: "Bad Parameters"})
		return
	}
	// Parameter validation precedes the token comparison, matching the
	// historical REST surface's reply order.
	if req.URL == "" || req.StreamID == "" {
		writeJSON(w, http.StatusBadRequest, apiResponse{Success: false, Error: "Bad Parameters"})
		return
	}
	if !s.checkToken(req.Token) {
		writeJSON(w, http.StatusUnauthorized, apiResponse{Success: false, Error: "Token does not match"})
		return
	}

	sessReq := session.Request{
		Mode:          session.ModeStream,
		URL:           req.URL,
		Room:          req.Room,
		StreamID:      req.StreamID,
		Token:         req.Token,
		BackupFlag:    req.BackupStream,
		RecordingName: req.RecordingName,
		Origin:        session.Origin{FromREST: true},
	}
	s.start(w, sessReq)
}

func (s *Server) handleSIPStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeRequest(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, apiResponse{Success: false, Error: "Bad Parameters"})
		return
	}
	if req.SIPAddress == "" {
		writeJSON(w, http.StatusBadRequest, apiResponse{Success: false, Error: "Bad Parameters"})
		return
	}
	if !s.checkToken(req.Token) {
		writeJSON(w, http.StatusUnauthorized, apiResponse{Success: false, Error: "Token does not match"})
		return
	}

	sessReq := session.Request{
		Mode:          session.ModeSIP,
		SIPAddress:    req.SIPAddress,
		DisplayName:   req.DisplayName,
		Room:          req.Room,
		Token:         req.Token,
		RecordingName: req.RecordingName,
		Origin:        session.Origin{FromREST: true},
	}

	s.start(w, sessReq)
}

// start runs the non-blocking acquire common to /start and /sipstart
// (spec.md §4.6: REST requests carry no origin client, so client is
// always nil here).
func (s *Server) start(w http.ResponseWriter, req session.Request) {
	res, err := s.ctrl.Start(context.Background(), req, nil)
	if err != nil {
		if err == controller.ErrSlotHeld {
			writeJSON(w, http.StatusConflict, apiResponse{Success: false, Error: "Already recording"})
			return
		}
		writeJSON(w, http.StatusBadRequest, apiResponse{Success: false, Error: "Bad Parameters"})
		return
	}

	// Open Question #1 resolution: the start reply reports state "pending"
	// rather than echoing a not-yet-known final outcome.
	writeJSON(w, http.StatusOK, apiResponse{Success: true, State: "pending"})
	log.Info("rest start accepted", "session", res.SessionID)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	if err := decodeRequest(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, apiResponse{Success: false, Error: "Bad Parameters"})
		return
	}
	if !s.checkToken(req.Token) {
		writeJSON(w, http.StatusUnauthorized, apiResponse{Success: false, Error: "Token does not match"})
		return
	}

	sessID := req.SessionID
	if sessID == "" {
		sessID = s.ctrl.CurrentSessionID()
	}
	// Stop is idempotent (spec.md §8): stopping an already-idle instance,
	// or one whose session ID doesn't match the held session, still
	// replies success rather than erroring.
	s.ctrl.Stop(sessID, errorkind.XMPPStop)
	writeJSON(w, http.StatusOK, apiResponse{Success: true, State: "stopping"})
}

// healthResponse is the shape spec.md §6's health table names: {recording,
// health, XMPPConnected, selenium_health, jibri_xmpp, environment}.
type healthResponse struct {
	Recording      bool   `json:"recording"`
	Health         string `json:"health"`
	XMPPConnected  bool   `json:"XMPPConnected"`
	SeleniumHealth string `json:"selenium_health"`
	JibriXMPP      bool   `json:"jibri_xmpp"`
	Environment    string `json:"environment"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Recording:      s.ctrl.IsHeld(),
		SeleniumHealth: s.health.Status(health.ProbeBrowser),
		Environment:    s.environment(),
	}

	if len(s.clients) == 0 {
		resp.XMPPConnected = true
		resp.JibriXMPP = true
	} else {
		resp.XMPPConnected = s.allConnected()
		resp.JibriXMPP = s.pollDrainFreshness()
	}

	s.health.Mark(health.ProbeSignaling, resp.JibriXMPP, "")
	if s.health.Healthy() {
		resp.Health = "healthy"
	} else {
		resp.Health = "unhealthy"
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) allConnected() bool {
	for _, c := range s.clients {
		if !c.IsConnected() {
			return false
		}
	}
	return true
}

// pollDrainFreshness is the bounded staleness check: a client's LastDrain
// must advance past the moment this check started within 5 attempts at 3s
// each, or its drain loop is considered stuck.
func (s *Server) pollDrainFreshness() bool {
	start := time.Now()
	for attempt := 0; attempt < healthPollAttempts; attempt++ {
		if s.allFreshSince(start) {
			return true
		}
		time.Sleep(healthPollInterval)
	}
	return s.allFreshSince(start)
}

func (s *Server) allFreshSince(since time.Time) bool {
	for _, c := range s.clients {
		if c.LastDrain().Before(since) {
			return false
		}
	}
	return true
}

func (s *Server) environment() string {
	if sessID := s.ctrl.CurrentSessionID(); sessID != "" && len(s.clients) > 0 {
		return s.clients[0].Environment()
	}
	return ""
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, apiResponse{Success: true})
	go func() {
		_ = s.Kill(context.Background())
	}()
}

func decodeRequest(r *http.Request, v interface{}) error {
	if r.Method == http.MethodGet {
		return decodeQuery(r, v)
	}
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// decodeQuery maps the handful of query parameters spec.md §6's GET variant
// of the start/stop routes accepts onto the same request structs the POST
// JSON body decodes into.
func decodeQuery(r *http.Request, v interface{}) error {
	q := r.URL.Query()
	switch req := v.(type) {
	case *startRequest:
		req.URL = q.Get("url")
		req.StreamID = q.Get("stream")
		req.SIPAddress = q.Get("sipaddress")
		req.DisplayName = q.Get("displayname")
		req.Room = q.Get("room")
		req.Token = q.Get("token")
		req.RecordingMode = q.Get("recording_mode")
		req.RecordingName = q.Get("recording_name")
		req.BackupStream = q.Get("backup_stream") == "true"
		req.SessionID = q.Get("session_id")
	case *stopRequest:
		req.Token = q.Get("token")
		req.SessionID = q.Get("session_id")
	}
	return nil
}
