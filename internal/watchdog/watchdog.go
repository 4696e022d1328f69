// Package watchdog implements the single long-lived supervisor task that,
// during an active session, polls Encoder/Gateway and Browser liveness on a
// fixed cadence, enforces an optional wall-clock recording time limit, and
// emits a structured "session ended" event with a reason (spec.md §4.4).
// It lives for the worker's entire life, consuming a single command channel
// whose tagged protocol (Poison/Reset/Armed) is defined in internal/session.
package watchdog

import (
	"context"
	"time"

	"github.com/jitsi/jibri/internal/browser"
	"github.com/jitsi/jibri/internal/errorkind"
	"github.com/jitsi/jibri/internal/health"
	"github.com/jitsi/jibri/internal/logging"
	"github.com/jitsi/jibri/internal/session"
	"github.com/jitsi/jibri/internal/supervisor"
)

var log = logging.L("watchdog")

const (
	pollInterval           = 5 * time.Second
	browserRecheckDelay    = 1 * time.Second
	browserRecheckAttempts = 2
)

// seleniumStuckDeadline bounds a single browser liveness probe (spec.md §5).
// A variable so tests can shrink it.
var seleniumStuckDeadline = 10 * time.Second

// Supervisor is the subset of *supervisor.Supervisor the Watchdog depends
// on, narrowed to an interface so tests can fake subprocess liveness.
type Supervisor interface {
	IsRunning(ctx context.Context, which supervisor.Which, includeProgressCheck bool) bool
	GatewayTerminalOutcome() supervisor.GatewayOutcome
	StartEncoder(ctx context.Context, url, recordingPath, token, streamID string, backup bool) (int, error)
}

// StopFunc is the Session Controller's stop entry point (spec.md §4.4
// "the reason string is sent to the Session Controller's stop entry point
// via a thread-safe cross-boundary call").
type StopFunc func(sessionID string, kind errorkind.Kind)

// Watchdog consumes a single command channel for the worker's entire life.
type Watchdog struct {
	cmds       chan session.WatchdogCommand
	supervisor Supervisor
	browser    browser.Driver
	monitor    *health.Monitor
	stop       StopFunc
}

// New constructs the Watchdog. monitor may be nil; when set, every browser
// liveness probe's outcome is recorded for the REST health surface.
func New(sup Supervisor, drv browser.Driver, monitor *health.Monitor, stop StopFunc) *Watchdog {
	return &Watchdog{
		cmds:       make(chan session.WatchdogCommand, 4),
		supervisor: sup,
		browser:    drv,
		monitor:    monitor,
		stop:       stop,
	}
}

// Send enqueues a command. Non-blocking is not required here — the channel
// is buffered and has exactly one consumer (this task) for the worker's
// life — but Send never blocks the caller indefinitely thanks to the
// buffer.
func (w *Watchdog) Send(cmd session.WatchdogCommand) {
	w.cmds <- cmd
}

// Run is the watchdog's entire lifetime: wait for Armed, poll, repeat until
// Poison. Intended to run on its own goroutine (§5: "own blocking worker").
func (w *Watchdog) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-w.cmds:
			switch cmd.Tag {
			case session.CmdPoison:
				log.Info("watchdog poisoned, exiting")
				return
			case session.CmdReset:
				continue // already idle; nothing armed
			case session.CmdArmed:
				if !w.pollSession(ctx, cmd.Payload) {
					return // poisoned mid-session
				}
			}
		}
	}
}

// pollSession runs the 5-s-cadence polling loop for one armed session.
// Returns false only if poisoned, so Run knows to exit entirely.
func (w *Watchdog) pollSession(ctx context.Context, payload session.WatchdogPayload) bool {
	started := time.Now()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	encoderEverAlive := payload.Mode != session.ModeSIP

	for {
		select {
		case <-ctx.Done():
			return false
		case cmd := <-w.cmds:
			switch cmd.Tag {
			case session.CmdPoison:
				return false
			case session.CmdReset:
				return true // abandon this session, go back to waiting
			case session.CmdArmed:
				// A new session armed before this one reset; restart with it.
				return w.pollSession(ctx, cmd.Payload)
			}
		case <-ticker.C:
			if w.tick(ctx, payload, started, &encoderEverAlive) {
				return true // session ended, reported; go back to waiting
			}
		}
	}
}

// tick runs one poll iteration. Returns true if the session ended this
// tick (a stop reason was emitted).
func (w *Watchdog) tick(ctx context.Context, payload session.WatchdogPayload, started time.Time, encoderEverAlive *bool) bool {
	if payload.UsageTimeout > 0 && time.Since(started) >= payload.UsageTimeout {
		log.Info("usage timeout reached", "session", payload.SessionID)
		w.stop(payload.SessionID, errorkind.TimeLimit)
		return true
	}

	if payload.Mode == session.ModeSIP {
		return w.tickGateway(ctx, payload)
	}
	return w.tickEncoder(ctx, payload, encoderEverAlive)
}

func (w *Watchdog) tickEncoder(ctx context.Context, payload session.WatchdogPayload, everAlive *bool) bool {
	alive := w.supervisor.IsRunning(ctx, supervisor.Encoder, false)
	if alive {
		*everAlive = true
	} else if *everAlive {
		log.Warn("encoder died, attempting relaunch", "session", payload.SessionID)
		if _, err := w.supervisor.StartEncoder(ctx, payload.URL, payload.RecordingPath, payload.Token, payload.StreamID, payload.Backup); err == nil {
			if w.supervisor.IsRunning(ctx, supervisor.Encoder, false) {
				log.Info("encoder relaunch succeeded", "session", payload.SessionID)
				return false
			}
		}
		w.stop(payload.SessionID, errorkind.FFmpegDied)
		return true
	}

	return w.checkBrowser(ctx, payload)
}

func (w *Watchdog) tickGateway(ctx context.Context, payload session.WatchdogPayload) bool {
	if w.supervisor.IsRunning(ctx, supervisor.Gateway, false) {
		return w.checkBrowser(ctx, payload)
	}

	switch w.supervisor.GatewayTerminalOutcome() {
	case supervisor.GatewayHangup:
		w.stop(payload.SessionID, errorkind.PjsuaHangup)
	case supervisor.GatewayBusy:
		w.stop(payload.SessionID, errorkind.PjsuaBusy)
	default:
		w.stop(payload.SessionID, errorkind.PjsuaDied)
	}
	return true
}

// checkBrowser probes Browser liveness; a false result is confirmed by up
// to two re-probes at 1-s intervals before being believed (spec.md §4.4).
// A probe that never returns within its 10-s deadline force-fires the stop
// path with selenium_stuck (spec.md §5).
func (w *Watchdog) checkBrowser(ctx context.Context, payload session.WatchdogPayload) bool {
	state, stuck := w.probeBrowser(ctx)
	if stuck {
		w.stop(payload.SessionID, errorkind.SeleniumStuck)
		return true
	}
	if state == browser.Running {
		return false
	}

	for attempt := 0; attempt < browserRecheckAttempts && state != browser.Running; attempt++ {
		select {
		case <-time.After(browserRecheckDelay):
		case <-ctx.Done():
			return false
		}
		state, stuck = w.probeBrowser(ctx)
		if stuck {
			w.stop(payload.SessionID, errorkind.SeleniumStuck)
			return true
		}
	}
	if state == browser.Running {
		return false
	}

	if state == browser.UnknownHangup {
		w.stop(payload.SessionID, errorkind.SeleniumHangup)
	} else {
		w.stop(payload.SessionID, errorkind.SeleniumDied)
	}
	return true
}

// probeBrowser runs one CheckRunning call under the 10-s deadline. The
// second return is true when the probe itself never came back in time —
// distinct from a prompt "not running" answer.
func (w *Watchdog) probeBrowser(ctx context.Context) (browser.RunState, bool) {
	dctx, cancel := context.WithTimeout(ctx, seleniumStuckDeadline)
	defer cancel()

	resultCh := make(chan browser.RunState, 1)
	go func() { resultCh <- w.browser.CheckRunning(dctx) }()

	select {
	case r := <-resultCh:
		w.monitor.Mark(health.ProbeBrowser, r == browser.Running, r.String())
		return r, false
	case <-dctx.Done():
		// Parent cancellation is shutdown, not a stuck probe.
		stuck := ctx.Err() == nil
		if stuck {
			w.monitor.Mark(health.ProbeBrowser, false, "probe timed out")
		}
		return browser.Dead, stuck
	}
}
