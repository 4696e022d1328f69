// Package lifecycle implements the Signal/Lifecycle Handler (spec.md §4.7):
// PID file bookkeeping, OS signal dispatch, and the "worldwide teardown"
// sequence a worker runs on its way out. spec.md names three distinct
// lifecycle signals without pinning OS signal numbers; this worker resolves
// that to SIGTERM (graceful drain), SIGINT (immediate termination), and
// SIGUSR1 (debug), matching the historical daemon convention the teacher's
// own signal handling follows.
package lifecycle

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jitsi/jibri/internal/audit"
	"github.com/jitsi/jibri/internal/errorkind"
	"github.com/jitsi/jibri/internal/logging"
	"github.com/jitsi/jibri/internal/session"
)

var log = logging.L("lifecycle")

// drainPollInterval is how often gracefulDrain rechecks the RecordingSlot.
const drainPollInterval = 500 * time.Millisecond

// Controller is the subset of *controller.Controller the handler depends on.
type Controller interface {
	IsHeld() bool
	Stop(sessionID string, kind errorkind.Kind)
	CurrentSessionID() string
	// ForceCleanup kills the browser and runs the script-based hard stop
	// regardless of whether a session holds the slot.
	ForceCleanup(ctx context.Context)
}

// Watchdog is the subset of *watchdog.Watchdog the handler depends on.
type Watchdog interface {
	Send(cmd session.WatchdogCommand)
}

// ClientSink is the subset of *signaling.Client the handler poisons and
// debug-reports through.
type ClientSink interface {
	Host() string
	Enqueue(msg session.StatusMessage)
}

// Handler is the process-wide Signal/Lifecycle Handler. Exactly one
// instance exists per worker.
type Handler struct {
	ctrl    Controller
	wd      Watchdog
	clients []ClientSink
	killURL string
	client  *http.Client
	cancel  context.CancelFunc
	pidPath string
	audit   *audit.Trail

	mu       sync.Mutex
	exitCode int
}

// New constructs a Handler. cancel tears down the worker's suture
// supervision tree (stopping the REST endpoint, Watchdog, and every
// signaling host's service) once the teardown sequence has run; restBindAddr
// is used only to build the local kill URL the teardown sequence POSTs to.
func New(ctrl Controller, wd Watchdog, clients []ClientSink, restBindAddr, pidPath string, cancel context.CancelFunc, auditTrail *audit.Trail) *Handler {
	return &Handler{
		ctrl:    ctrl,
		wd:      wd,
		clients: clients,
		killURL: killURL(restBindAddr),
		client:  &http.Client{Timeout: 5 * time.Second},
		cancel:  cancel,
		pidPath: pidPath,
		audit:   auditTrail,
	}
}

func killURL(bindAddr string) string {
	if bindAddr == "" {
		return ""
	}
	host := bindAddr
	if strings.HasPrefix(bindAddr, ":") {
		host = "127.0.0.1" + bindAddr
	}
	return "http://" + host + "/jibri/kill"
}

// WritePID records this process's PID, overwriting whatever was there
// before (spec.md §4.7: "write PID file on start").
func (h *Handler) WritePID() error {
	if h.pidPath == "" {
		return nil
	}
	return os.WriteFile(h.pidPath, []byte(strconv.Itoa(os.Getpid())), 0644)
}

// RemovePID deletes the PID file only if its contents still name this
// process (spec.md §4.7: "delete PID file on exit, only if contents still
// match our PID"), so a worker that starts after a crash doesn't have its
// own fresh PID file clobbered by a delayed previous instance's cleanup.
func (h *Handler) RemovePID() {
	if h.pidPath == "" {
		return
	}
	data, err := os.ReadFile(h.pidPath)
	if err != nil {
		return
	}
	if strings.TrimSpace(string(data)) != strconv.Itoa(os.Getpid()) {
		return
	}
	if err := os.Remove(h.pidPath); err != nil {
		log.Warn("failed to remove pid file", "path", h.pidPath, "error", err)
	}
}

// ExitCode reports the process exit status the last handled signal implies.
// Zero until a termination signal has actually run.
func (h *Handler) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

func (h *Handler) setExitCode(code int) {
	h.mu.Lock()
	h.exitCode = code
	h.mu.Unlock()
}

// Run writes the PID file and serves the signal dispatch loop until ctx is
// canceled or a termination signal runs the teardown sequence to
// completion. The worker runs it under its supervision tree through a
// suture.Service adapter; the teardown sequence cancels that tree.
func (h *Handler) Run(ctx context.Context) error {
	if err := h.WritePID(); err != nil {
		log.Error("failed to write pid file", "error", err)
	}
	defer h.RemovePID()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGUSR1)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGUSR1:
				h.debug()
			case syscall.SIGINT:
				h.setExitCode(1)
				h.immediateTerminate(ctx)
				return nil
			case syscall.SIGTERM:
				h.setExitCode(0)
				h.gracefulDrain(ctx)
				return nil
			}
		}
	}
}

// debug fans a Busy status to every signaling client without touching a
// held session, for out-of-band inspection (spec.md §4.7 "debug signal").
func (h *Handler) debug() {
	log.Info("debug signal received, reporting busy to all signaling clients")
	for _, c := range h.clients {
		c.Enqueue(session.Busy())
	}
}

// gracefulDrain blocks (subject to ctx) until the RecordingSlot is Free —
// letting a held session finish on its own — then tears the worker down.
// It polls IsHeld every drainPollInterval and does not take the slot
// itself, so a start request that arrives after the slot frees and before
// teardown runs is not refused.
func (h *Handler) gracefulDrain(ctx context.Context) {
	log.Info("graceful drain requested, waiting for held session to finish")
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()
drain:
	for h.ctrl.IsHeld() {
		select {
		case <-ctx.Done():
			break drain
		case <-ticker.C:
		}
	}
	h.teardown(ctx, errorkind.XMPPStop)
}

// immediateTerminate stops any held session right away and tears the
// worker down without waiting (spec.md §4.7 "immediate-termination
// signal").
func (h *Handler) immediateTerminate(ctx context.Context) {
	log.Warn("immediate termination requested")
	h.teardown(ctx, errorkind.XMPPStop)
}

// teardown runs the worldwide teardown sequence (spec.md §4.7): formally
// stop any held session, then kill the browser and hard-stop leftover media
// processes unconditionally — an idle worker can still have orphans from a
// crashed session — poison the Watchdog and every signaling client's
// outbound queue, post a local kill to shut down the REST endpoint, and
// cancel the supervision tree so no signaling host reconnects.
func (h *Handler) teardown(ctx context.Context, kind errorkind.Kind) {
	log.Info("running teardown sequence")

	if h.ctrl.IsHeld() {
		h.ctrl.Stop(h.ctrl.CurrentSessionID(), kind)
	}
	h.ctrl.ForceCleanup(ctx)

	h.wd.Send(session.Poison())
	for _, c := range h.clients {
		c.Enqueue(session.PoisonMsg())
	}

	h.audit.Record(audit.EventWorkerStop, "", nil)

	h.postLocalKill(ctx)

	if h.cancel != nil {
		h.cancel()
	}
}

// postLocalKill POSTs to this worker's own REST endpoint to shut down its
// listener. One immediate retry covers the listener still coming up; there
// is no point backing off longer against our own process.
func (h *Handler) postLocalKill(ctx context.Context) {
	if h.killURL == "" {
		return
	}
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(200 * time.Millisecond):
			case <-ctx.Done():
				return
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.killURL, nil)
		if err != nil {
			lastErr = err
			break
		}
		resp, err := h.client.Do(req)
		if err == nil {
			resp.Body.Close()
			return
		}
		lastErr = err
	}
	log.Warn("local kill POST failed", "url", h.killURL, "error", lastErr)
}
