// Package supervisor owns the lifecycle of the two subordinate processes a
// recording session depends on: the Encoder (media capture/stream/record)
// and the Gateway (SIP bridge). It probes their liveness through advisory
// PID files, drives named external scripts to start/stop them, and enforces
// deadline-based forceful termination when graceful cooperation stalls.
package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/jitsi/jibri/internal/logging"
	"github.com/jitsi/jibri/internal/scripts"
)

var log = logging.L("supervisor")

// Which identifies one of the two subordinate processes the Supervisor
// manages.
type Which int

const (
	Encoder Which = iota
	Gateway
)

func (w Which) String() string {
	switch w {
	case Encoder:
		return "encoder"
	case Gateway:
		return "gateway"
	default:
		return "unknown"
	}
}

// GatewayOutcome classifies a Gateway's terminal result-file code.
type GatewayOutcome string

const (
	GatewayHangup  GatewayOutcome = "hangup"
	GatewayBusy    GatewayOutcome = "busy"
	GatewayUnknown GatewayOutcome = "unknown"
)

// Paths collects the fixed OS paths the Supervisor reads and writes.
// PID files are advisory: a missing or unreadable one is equivalent to
// "process not running".
type Paths struct {
	EncoderPIDFile    string
	GatewayPIDFile    string
	GatewayResultFile string
	EncoderOutputFile string
}

// DefaultPaths returns the conventional Jibri PID/result file locations.
func DefaultPaths() Paths {
	return Paths{
		EncoderPIDFile:    "/tmp/jibri-encoder.pid",
		GatewayPIDFile:    "/tmp/jibri-gateway.pid",
		GatewayResultFile: "/tmp/jibri-gateway.result",
		EncoderOutputFile: "/tmp/jibri-encoder.out",
	}
}

// Supervisor drives the named-effect script catalog and inspects PID files
// to answer liveness questions for the Encoder and Gateway.
type Supervisor struct {
	scripts *scripts.Catalog
	paths   Paths
}

func New(catalog *scripts.Catalog, paths Paths) *Supervisor {
	return &Supervisor{scripts: catalog, paths: paths}
}

// StartEncoder invokes the Encoder start script. A non-zero, non-error exit
// code is a legitimate startup failure the caller must retry or abort on.
func (s *Supervisor) StartEncoder(ctx context.Context, url, recordingPath, token, streamID string, backup bool) (int, error) {
	return s.scripts.StartEncoder(ctx, url, recordingPath, token, streamID, backup)
}

// StartGateway invokes the Gateway start script.
func (s *Supervisor) StartGateway(ctx context.Context, sipAddress, displayName string) (int, error) {
	return s.scripts.StartGateway(ctx, sipAddress, displayName)
}

// WaitRunning polls liveness of which on a fixed schedule, up to attempts
// times spaced interval apart. includeProgressCheck gates the Encoder
// streaming-progress scrape to the startup probe only; the ongoing watchdog
// passes false so it never re-triggers the external script mid-session.
func (s *Supervisor) WaitRunning(ctx context.Context, which Which, attempts int, interval time.Duration, includeProgressCheck bool) bool {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for attempt := 0; attempt < attempts; attempt++ {
		if s.isRunning(ctx, which, includeProgressCheck) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
	return s.isRunning(ctx, which, includeProgressCheck)
}

// IsRunning performs a single liveness check with no retry schedule, for
// callers (the Watchdog's per-tick poll) that already own their own cadence
// and would otherwise have to hand WaitRunning a degenerate one-shot
// schedule.
func (s *Supervisor) IsRunning(ctx context.Context, which Which, includeProgressCheck bool) bool {
	return s.isRunning(ctx, which, includeProgressCheck)
}

func (s *Supervisor) isRunning(ctx context.Context, which Which, includeProgressCheck bool) bool {
	pidFile := s.pidFilePath(which)
	pid, ok := readPID(pidFile)
	if !ok {
		return false
	}
	if !pidAlive(pid) {
		return false
	}
	if which == Encoder && includeProgressCheck {
		code, err := s.scripts.CheckStreamingProgress(ctx, s.paths.EncoderOutputFile)
		if err != nil || code != 0 {
			log.Warn("encoder progress check failed", "exitCode", code, "error", err)
			return false
		}
	}
	return true
}

func (s *Supervisor) pidFilePath(which Which) string {
	if which == Gateway {
		return s.paths.GatewayPIDFile
	}
	return s.paths.EncoderPIDFile
}

// GatewayTerminalOutcome inspects the Gateway result file for a terminal
// code, used once the Gateway is observed no longer running.
func (s *Supervisor) GatewayTerminalOutcome() GatewayOutcome {
	code, ok := readPID(s.paths.GatewayResultFile)
	if !ok {
		return GatewayUnknown
	}
	switch code {
	case 0:
		return GatewayHangup
	case 2: // call rejected / busy here
		return GatewayBusy
	default:
		return GatewayUnknown
	}
}

// Kill attempts a best-effort graceful kill of which via its PID file,
// sending SIGTERM directly to the recorded PID. It returns whether a PID
// file was present at all, since an absent file means there was nothing to
// kill.
func (s *Supervisor) Kill(which Which) (hadPIDFile bool, err error) {
	pidFile := s.pidFilePath(which)
	pid, ok := readPID(pidFile)
	if !ok {
		return false, nil
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return true, err
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return true, fmt.Errorf("signal %s pid %d: %w", which, pid, err)
	}
	return true, nil
}

// HardStop invokes the forceful, process-name-based cleanup script. This is
// the last-resort teardown step used when graceful kill did not converge
// within its deadline, or on worker-wide shutdown.
func (s *Supervisor) HardStop(ctx context.Context) (int, error) {
	return s.scripts.StopRecording(ctx)
}

// FinalizeRecording runs the file-mode post-session hook.
func (s *Supervisor) FinalizeRecording(ctx context.Context, directory string) (int, error) {
	return s.scripts.FinalizeRecording(ctx, directory)
}

// WithDeadline runs fn under a context that expires after deadline. If fn
// has not returned by the time that context is done (deadline passed, or
// ctx canceled), it invokes onExpire (a forceful kill) and returns the
// context's error without waiting for fn. The timer is released on every
// return path, so a slow-but-successful fn never races a forceful kill
// that fires after it already returned.
func WithDeadline(ctx context.Context, deadline time.Duration, fn func(context.Context) error, onExpire func()) error {
	dctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(dctx) }()

	select {
	case err := <-done:
		return err
	case <-dctx.Done():
		onExpire()
		return dctx.Err()
	}
}

func readPID(path string) (int, bool) {
	f, err := os.Open(path)
	if err != nil {
		return 0, false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
	if err != nil {
		return 0, false
	}
	return pid, true
}

func pidAlive(pid int) bool {
	running, err := process.PidExists(int32(pid))
	if err != nil {
		return false
	}
	return running
}
