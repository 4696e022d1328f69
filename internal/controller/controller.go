// Package controller implements the Session Controller (spec.md §4.3): the
// mutual-exclusion gate over the single RecordingSlot, the multi-stage start
// state machine (browser launch -> conference join -> media-flow
// verification -> media-process launch -> streaming verification) with
// bounded retries and per-stage timeouts, the stop/reset orchestrator, and
// the status fan-out to every registered signaling client. Per Design Notes
// §9, the process-wide singletons spec.md §3 describes (the slot, the
// current session context) are encapsulated behind this single Controller
// value rather than module-level variables.
package controller

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jitsi/jibri/internal/archive"
	"github.com/jitsi/jibri/internal/audit"
	"github.com/jitsi/jibri/internal/browser"
	"github.com/jitsi/jibri/internal/config"
	"github.com/jitsi/jibri/internal/errorkind"
	"github.com/jitsi/jibri/internal/logging"
	"github.com/jitsi/jibri/internal/session"
	"github.com/jitsi/jibri/internal/supervisor"
)

var log = logging.L("controller")

// Bounded-retry and per-stage timeout constants (spec.md §4.3, §5).
const (
	browserStartDeadline = 30 * time.Second
	browserStopDeadline  = 5 * time.Second
	maxBrowserAttempts   = 3
	maxMediaAttempts     = 3
	encoderProbeAttempts = 15
	gatewayProbeAttempts = 3
	probeInterval        = 1 * time.Second
	signalingWaitTimeout = 15 * time.Second
	bitrateWaitTimeout   = 15 * time.Second
)

// Supervisor is the subset of *supervisor.Supervisor the Controller depends
// on, narrowed to an interface so tests can fake subprocess behavior without
// invoking real external scripts.
type Supervisor interface {
	StartEncoder(ctx context.Context, url, recordingPath, token, streamID string, backup bool) (int, error)
	StartGateway(ctx context.Context, sipAddress, displayName string) (int, error)
	WaitRunning(ctx context.Context, which supervisor.Which, attempts int, interval time.Duration, includeProgressCheck bool) bool
	Kill(which supervisor.Which) (bool, error)
	HardStop(ctx context.Context) (int, error)
	FinalizeRecording(ctx context.Context, directory string) (int, error)
	GatewayTerminalOutcome() supervisor.GatewayOutcome
}

// Watchdog is the subset of *watchdog.Watchdog the Controller arms and
// resets.
type Watchdog interface {
	Send(cmd session.WatchdogCommand)
}

// StatusSink is the fan-out target each signaling client (and, implicitly,
// nothing for REST — spec.md §4.6) registers with the Controller.
type StatusSink interface {
	Host() string
	Enqueue(msg session.StatusMessage)
}

// StartResult is returned to the caller (signaling client or REST
// endpoint) immediately after a non-blocking acquire attempt; the start
// sequence itself continues asynchronously.
type StartResult struct {
	SessionID string
}

// ErrSlotHeld is returned by Start when the RecordingSlot is already Held
// (spec.md §5: "Slot acquire is non-blocking").
var ErrSlotHeld = fmt.Errorf("instance already in use")

// Controller is the process-wide Session Controller. Exactly one instance
// exists per worker.
type Controller struct {
	slot chan struct{} // capacity 1: empty == Held, full (one token) == Free

	mu      sync.Mutex
	current *session.Context
	clients map[string]StatusSink

	sup       Supervisor
	newDriver func() browser.Driver
	wd        Watchdog
	audit     *audit.Trail
	archiver  *archive.Manager
}

// New constructs a Controller with the slot initially Free.
func New(sup Supervisor, newDriver func() browser.Driver, wd Watchdog, auditTrail *audit.Trail, archiver *archive.Manager) *Controller {
	c := &Controller{
		slot:      make(chan struct{}, 1),
		clients:   make(map[string]StatusSink),
		sup:       sup,
		newDriver: newDriver,
		wd:        wd,
		audit:     auditTrail,
		archiver:  archiver,
	}
	c.slot <- struct{}{} // Free
	return c
}

// RegisterClient adds a signaling client to the fan-out set.
func (c *Controller) RegisterClient(sink StatusSink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clients[sink.Host()] = sink
}

// UnregisterClient removes a signaling client from the fan-out set.
func (c *Controller) UnregisterClient(host string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.clients, host)
}

// IsHeld reports whether the slot is currently Held, for the REST health
// surface.
func (c *Controller) IsHeld() bool {
	select {
	case tok := <-c.slot:
		c.slot <- tok
		return false
	default:
		return true
	}
}

// tryAcquire is the non-blocking slot acquire (spec.md §3 RecordingSlot:
// "a request that cannot acquire immediately MUST fail rather than wait").
func (c *Controller) tryAcquire() bool {
	select {
	case <-c.slot:
		return true
	default:
		return false
	}
}

// release makes the slot Free again. Only the Controller calls this, from
// the end of the stop/reset sequence (spec.md §3: "only the holder may
// transition Held->Free").
func (c *Controller) release() {
	select {
	case c.slot <- struct{}{}:
	default:
		// Already free; release is idempotent by construction.
	}
}

// Start validates req, attempts the non-blocking acquire, and — on success
// — launches the asynchronous multi-stage start sequence on its own
// goroutine, returning immediately so the calling signaling client or REST
// handler is never blocked on session setup (spec.md §5).
func (c *Controller) Start(ctx context.Context, req session.Request, client *config.ClientConfig) (StartResult, error) {
	if err := req.Validate(); err != nil {
		return StartResult{}, err
	}

	if !c.tryAcquire() {
		return StartResult{}, ErrSlotHeld
	}

	sessID := uuid.NewString()
	sessCtx := &session.Context{
		ID:        sessID,
		Request:   req,
		Client:    client,
		Mode:      req.Mode,
		StartedAt: time.Now(),
	}
	if client != nil {
		sessCtx.Environment = client.EnvironmentLabel
	}

	c.mu.Lock()
	c.current = sessCtx
	c.mu.Unlock()

	c.audit.Record(audit.EventSessionRequested, sessID, map[string]any{
		"mode":   string(req.Mode),
		"origin": req.Origin.String(),
	})

	go c.runStart(context.Background(), sessCtx)

	return StartResult{SessionID: sessID}, nil
}

// runStart drives the full start sequence (spec.md §4.3 "Start sequence").
func (c *Controller) runStart(ctx context.Context, sc *session.Context) {
	originHost := sc.Request.Origin.Signaling
	c.fanOut(session.Busy(), originHost)

	url, err := c.resolveURL(sc)
	if err != nil {
		log.Error("url resolution failed", "session", sc.ID, "error", err)
		c.stopAndReset(ctx, sc, errorkind.StartupException)
		return
	}
	sc.ResolvedURL = url

	if sc.Mode == session.ModeFile {
		dir := sc.Request.RecordingName
		if dir == "" {
			dir = sc.ID
		}
		path := recordingPath(sc, dir)
		if err := os.MkdirAll(path, 0755); err != nil {
			log.Error("failed to create recording directory", "session", sc.ID, "error", err)
			c.stopAndReset(ctx, sc, errorkind.StartupException)
			return
		}
	}

	if kind, ok := c.startBrowser(ctx, sc); !ok {
		c.stopAndReset(ctx, sc, kind)
		return
	}

	if kind, ok := c.startMedia(ctx, sc); !ok {
		c.stopAndReset(ctx, sc, kind)
		return
	}

	c.fanOut(session.Started(sipSuffix(sc)), "")
	c.audit.Record(audit.EventSessionStarted, sc.ID, map[string]any{"mode": string(sc.Mode)})

	sc.RetryPayload = session.WatchdogPayload{
		SessionID:     sc.ID,
		Mode:          sc.Mode,
		URL:           sc.ResolvedURL,
		RecordingPath: recordingPath(sc, sc.Request.RecordingName),
		Token:         sc.Request.Token,
		StreamID:      sc.Request.StreamID,
		Backup:        sc.Request.BackupFlag,
		SIPAddress:    sc.Request.SIPAddress,
		DisplayName:   sc.Request.DisplayName,
	}
	if sc.Client != nil {
		sc.RetryPayload.UsageTimeout = sc.Client.UsageTimeout
	}
	c.wd.Send(session.Armed(sc.RetryPayload))
}

func (c *Controller) resolveURL(sc *session.Context) (string, error) {
	template := sc.Request.URL
	if template == "" && sc.Client != nil {
		template = sc.Client.URLTemplate
	}
	roomLocal, roomHost := session.RoomParts(sc.Request.Room)

	var subdomain string
	if sc.Client != nil {
		subdomain = session.Subdomain(roomHost, sc.Client.MUCPrefix, sc.Client.XMPPDomain)
	}
	if template == "" {
		return "", fmt.Errorf("no url template resolvable for session %s", sc.ID)
	}
	return session.ResolveURL(template, roomLocal, subdomain)
}

func recordingPath(sc *session.Context, name string) string {
	base := "/var/lib/jibri/recordings"
	if sc.Client != nil && sc.Client.RecordingDirectory != "" {
		base = sc.Client.RecordingDirectory
	}
	if name == "" {
		return base
	}
	return base + "/" + name
}

// startBrowser drives spec.md §4.3 step 5: up to 3 attempts, each guarded by
// a 30-s deadline that force-kills the browser on expiry.
func (c *Controller) startBrowser(ctx context.Context, sc *session.Context) (errorkind.Kind, bool) {
	driver := c.newDriver()
	sc.Driver = driver

	var lastErr error
	for attempt := 1; attempt <= maxBrowserAttempts; attempt++ {
		log.Info("browser start attempt", "session", sc.ID, "attempt", attempt)

		if err := driver.CheckAudio(ctx); err != nil {
			log.Error("audio check failed", "session", sc.ID, "error", err)
			return errorkind.AudioCheckFailed, false
		}

		lastErr = supervisor.WithDeadline(ctx, browserStartDeadline, func(dctx context.Context) error {
			opts := browser.LaunchOptions{
				URL:         sc.ResolvedURL,
				DisplayName: sc.Request.DisplayName,
				IsRecorder:  sc.Mode != session.ModeSIP,
			}
			if sc.Client != nil {
				opts.Email = sc.Client.Email
				opts.BoshDomain = sc.Client.BoshDomain
				if sc.Client.BrowserLoginUser != "" {
					opts.GoogleCredentials = &browser.Credentials{
						Email:    sc.Client.BrowserLoginUser,
						Password: sc.Client.BrowserLoginPass,
					}
				}
			}
			if err := driver.Launch(dctx, opts); err != nil {
				return err
			}
			if !driver.WaitSignalingConnected(dctx, signalingWaitTimeout, probeInterval) {
				return fmt.Errorf("signaling never connected")
			}
			if !driver.WaitDownloadBitrate(dctx, bitrateWaitTimeout, probeInterval) {
				return fmt.Errorf("download bitrate never positive")
			}
			return nil
		}, func() {
			log.Warn("browser start deadline expired, forcing hard stop", "session", sc.ID)
			c.sup.HardStop(ctx)
		})

		if lastErr == nil {
			return "", true
		}
		log.Warn("browser attempt failed", "session", sc.ID, "attempt", attempt, "error", lastErr)
	}

	// A final attempt that died on the 30-s deadline means the browser was
	// stuck mid-start rather than failing outright.
	if errors.Is(lastErr, context.DeadlineExceeded) {
		return errorkind.SeleniumStartStuck, false
	}
	return errorkind.StartupSeleniumError, false
}

// startMedia drives spec.md §4.3 step 7: Gateway for SIP, Encoder for
// encode/file, each with its own bounded-retry probing policy.
func (c *Controller) startMedia(ctx context.Context, sc *session.Context) (errorkind.Kind, bool) {
	if sc.Mode == session.ModeSIP {
		return c.startGateway(ctx, sc)
	}
	return c.startEncoder(ctx, sc)
}

func (c *Controller) startGateway(ctx context.Context, sc *session.Context) (errorkind.Kind, bool) {
	code, err := c.sup.StartGateway(ctx, sc.Request.SIPAddress, sc.Request.DisplayName)
	if err != nil {
		return errorkind.PjsuaStartupException, false
	}
	if code != 0 {
		// The start script failed; the result file carries the terminal
		// code that says whether the peer rejected, hung up, or worse.
		switch c.sup.GatewayTerminalOutcome() {
		case supervisor.GatewayBusy:
			return errorkind.PjsuaBusy, false
		case supervisor.GatewayHangup:
			return errorkind.PjsuaHangup, false
		default:
			return errorkind.PjsuaStartupError, false
		}
	}
	if !c.sup.WaitRunning(ctx, supervisor.Gateway, gatewayProbeAttempts, probeInterval, false) {
		c.sup.Kill(supervisor.Gateway)
		return errorkind.PjsuaStartupError, false
	}
	return "", true
}

func (c *Controller) startEncoder(ctx context.Context, sc *session.Context) (errorkind.Kind, bool) {
	path := recordingPath(sc, sc.Request.RecordingName)

	scriptFailed := false
	for attempt := 1; attempt <= maxMediaAttempts; attempt++ {
		code, err := c.sup.StartEncoder(ctx, sc.ResolvedURL, path, sc.Request.Token, sc.Request.StreamID, sc.Request.BackupFlag)
		if err != nil {
			return errorkind.FFmpegStartupException, false
		}
		if code != 0 {
			log.Warn("encoder start script exited non-zero", "session", sc.ID, "code", code, "attempt", attempt)
			scriptFailed = true
			continue
		}
		scriptFailed = false
		if c.sup.WaitRunning(ctx, supervisor.Encoder, encoderProbeAttempts, probeInterval, true) {
			return "", true
		}
		log.Warn("encoder progress probe timed out, killing and retrying", "session", sc.ID, "attempt", attempt)
		c.sup.Kill(supervisor.Encoder)
	}

	// Distinguish "the script itself kept failing" from "the process came up
	// but never started streaming".
	if scriptFailed {
		return errorkind.StartupFFmpegError, false
	}
	return errorkind.StartupFFmpegStreamingError, false
}

// Stop is the StopFunc the Watchdog invokes, and the entry point explicit
// stop requests (REST/signaling) also call. sessionID is advisory — the
// stop/reset sequence always applies to whatever session is currently held,
// since there is at most one (spec.md §3 RecordingSlot invariant).
func (c *Controller) Stop(sessionID string, kind errorkind.Kind) {
	c.mu.Lock()
	sc := c.current
	c.mu.Unlock()

	if sc == nil {
		return // already idle; stop is idempotent (spec.md §8)
	}
	c.stopAndReset(context.Background(), sc, kind)
}

// stopAndReset executes the idempotent stop/reset sequence (spec.md §4.3
// "Stop/reset sequence"). Acquire/release bracket the entire sequence so no
// new start request observes Free until it completes (spec.md §5).
func (c *Controller) stopAndReset(ctx context.Context, sc *session.Context, kind errorkind.Kind) {
	c.mu.Lock()
	if c.current == nil || c.current.ID != sc.ID {
		c.mu.Unlock()
		return // already reset; idempotent
	}
	c.mu.Unlock()

	log.Info("stopping session", "session", sc.ID, "reason", kind)

	c.sup.Kill(supervisor.Encoder)
	c.sup.Kill(supervisor.Gateway)

	c.wd.Send(session.Reset())

	if sc.Driver != nil {
		_ = supervisor.WithDeadline(ctx, browserStopDeadline, func(dctx context.Context) error {
			sc.Driver.Quit(dctx)
			return nil
		}, func() {
			log.Warn("browser graceful quit deadline expired, forcing hard stop", "session", sc.ID)
			c.sup.HardStop(ctx)
		})
	}

	c.sup.HardStop(ctx)

	if sc.Mode == session.ModeFile {
		path := recordingPath(sc, sc.Request.RecordingName)
		if _, err := c.sup.FinalizeRecording(ctx, path); err != nil {
			log.Error("finalize recording failed", "session", sc.ID, "error", err)
		} else if c.archiver != nil && sc.Client != nil && sc.Client.ArchiveProvider != "" {
			if err := c.archiver.Upload(ctx, sc.Client.ArchiveProvider, sc.Client.ArchiveBucket, path); err != nil {
				c.audit.Record(audit.EventArchiveFailed, sc.ID, map[string]any{"error": err.Error()})
			} else {
				c.audit.Record(audit.EventArchiveUploaded, sc.ID, map[string]any{"bucket": sc.Client.ArchiveBucket})
			}
		}
	}

	c.fanOut(session.Stopped(sipSuffix(sc)), "")
	if !kind.IsClean() {
		status := session.Error(kind, sipSuffix(sc))
		if origin, ok := c.originSink(sc.Request.Origin.Signaling); ok && !sc.Request.Origin.FromREST {
			origin.Enqueue(status)
		} else {
			// No origin client (REST start, or the origin's host is gone):
			// every signaling client gets the error (spec.md §4.6).
			c.fanOut(status, "")
		}
	}
	c.fanOut(session.Idle(), "")

	c.audit.Record(audit.EventSessionStopped, sc.ID, map[string]any{"reason": string(kind)})

	c.mu.Lock()
	c.current = nil
	c.mu.Unlock()

	c.release()
}

// ForceCleanup kills the browser and runs the script-based hard stop without
// touching the slot. The Signal/Lifecycle Handler calls this during worldwide
// teardown so a crashed session's orphaned browser or media process is swept
// up even when the worker is nominally idle.
func (c *Controller) ForceCleanup(ctx context.Context) {
	c.sup.Kill(supervisor.Encoder)
	c.sup.Kill(supervisor.Gateway)
	c.newDriver().Quit(ctx)
	if _, err := c.sup.HardStop(ctx); err != nil {
		log.Warn("hard stop during forced cleanup failed", "error", err)
	}
}

func sipSuffix(sc *session.Context) string {
	if sc.Mode == session.ModeSIP {
		return sc.Request.SIPAddress
	}
	return ""
}

// fanOut appends msg to every registered client's outbound queue, skipping
// excludeHost when non-empty (spec.md §4.3 "update_status").
func (c *Controller) fanOut(msg session.StatusMessage, excludeHost string) {
	c.mu.Lock()
	targets := make([]StatusSink, 0, len(c.clients))
	for host, sink := range c.clients {
		if host == excludeHost {
			continue
		}
		targets = append(targets, sink)
	}
	c.mu.Unlock()

	for _, sink := range targets {
		sink.Enqueue(msg)
	}
}

// originSink looks up a registered client by host under the lock, for the
// single targeted error message stopAndReset sends back to whichever
// signaling client originated the now-failed session.
func (c *Controller) originSink(host string) (StatusSink, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sink, ok := c.clients[host]
	return sink, ok
}

// CurrentSessionID returns the held session's ID, or "" if the slot is
// Free — used by the REST health surface.
func (c *Controller) CurrentSessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return ""
	}
	return c.current.ID
}
