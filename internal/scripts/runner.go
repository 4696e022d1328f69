// Package scripts is a fixed catalog of named external-script effects.
// Per the rewrite's design notes, each shell script is treated as a named
// effect with an exit code and documented side effects; this package never
// re-implements a script's body, it only knows how to invoke it.
package scripts

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/jitsi/jibri/internal/logging"
)

var log = logging.L("scripts")

// Catalog locates and invokes the worker's external scripts. Dir defaults
// to the conventional Jibri scripts install location but is configurable
// so tests can point it at a fixture directory.
type Catalog struct {
	Dir string
}

func NewCatalog(dir string) *Catalog {
	if dir == "" {
		dir = "/opt/jitsi/jibri/scripts"
	}
	return &Catalog{Dir: dir}
}

func (c *Catalog) path(name string) string {
	return filepath.Join(c.Dir, name)
}

// run invokes a named script with the given arguments and returns its exit
// code. A script that cannot be started at all (missing, not executable) is
// reported as exit code -1 with a non-nil error; a script that runs and
// exits non-zero is reported with that exit code and a nil error, since a
// non-zero exit is itself a meaningful, documented outcome for every script
// in this catalog.
func (c *Catalog) run(ctx context.Context, name string, args ...string) (int, error) {
	path := c.path(name)
	cmd := exec.CommandContext(ctx, path, args...)
	setProcessGroup(cmd)
	cmd.Cancel = func() error {
		return killProcessGroup(cmd)
	}

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), nil
	}
	log.Error("failed to invoke script", "script", name, "error", err)
	return -1, fmt.Errorf("invoke %s: %w", name, err)
}

// StartEncoder launches the Encoder subprocess (stream/file modes). Side
// effect: writes the Encoder PID file and begins writing to the progress
// output file the supervisor later scrapes.
func (c *Catalog) StartEncoder(ctx context.Context, url, recordingPath, token, streamID string, backup bool) (int, error) {
	return c.run(ctx, "start_ffmpeg.sh", url, recordingPath, token, streamID, strconv.FormatBool(backup))
}

// StartGateway launches the Gateway (SIP bridge) subprocess. Side effect:
// writes the Gateway PID file.
func (c *Catalog) StartGateway(ctx context.Context, sipAddress, displayName string) (int, error) {
	return c.run(ctx, "launch_sip_gateway.sh", sipAddress, displayName)
}

// CheckAudio runs the pre-session audio loopback probe the Browser Driver
// Adapter invokes before opening the conference URL (§4.2). Non-zero means
// the host-local loopback/capture pairing is not functional.
func (c *Catalog) CheckAudio(ctx context.Context) (int, error) {
	return c.run(ctx, "check_audio.sh")
}

// CheckStreamingProgress scrapes the Encoder's progress output file to
// confirm media is actually flowing, not just that the process is alive.
// Only invoked on the Encoder startup probe, gated by include_progress_check.
func (c *Catalog) CheckStreamingProgress(ctx context.Context, progressFile string) (int, error) {
	return c.run(ctx, "check_streaming_progress.sh", progressFile)
}

// FinalizeRecording runs the file-mode post-session hook: moves/renames
// the finished recording into its final directory layout.
func (c *Catalog) FinalizeRecording(ctx context.Context, directory string) (int, error) {
	return c.run(ctx, "finalize_recording.sh", directory)
}

// StopRecording performs process-name-based cleanup of any leftover media
// or browser processes, independent of PID files. Used as the forceful,
// last-resort teardown step (hard_stop).
func (c *Catalog) StopRecording(ctx context.Context) (int, error) {
	return c.run(ctx, "stop_recording.sh")
}
