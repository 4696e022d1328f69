// Package browser is the Browser Driver Adapter (spec.md §4.2): a thin
// contract over a headless-browser automation that the Session Controller
// depends on to launch a conference URL, confirm the in-page conference
// client reports connected, confirm media is actually flowing, and later
// check liveness or request a clean disconnect. Real Jibri drives this over
// Selenium/chromedriver; this module drives a single Chrome DevTools
// Protocol WebSocket connection instead, since CDP is JSON-over-WebSocket —
// exactly the shape gorilla/websocket already gives this codebase.
package browser

import (
	"context"
	"time"
)

// RunState is the tri-state check_running() reports (spec.md §4.2).
type RunState int

const (
	Running RunState = iota
	Dead
	UnknownHangup
)

func (s RunState) String() string {
	switch s {
	case Running:
		return "running"
	case Dead:
		return "dead"
	case UnknownHangup:
		return "unknown_hangup"
	default:
		return "invalid"
	}
}

// Credentials carries the optional federated-identity login the adapter
// injects before opening the conference URL (spec.md §4.2 "launch").
type Credentials struct {
	Email    string
	Password string
}

// LaunchOptions parameterizes one launch() call.
type LaunchOptions struct {
	URL               string
	DisplayName       string
	Email             string
	GoogleCredentials *Credentials
	// IsRecorder decorates the URL with config.iAmRecorder=true (encode/file
	// modes); when false the SIP decoration (iAmSipGateway=true) is used
	// instead (spec.md §4.2 "URL decoration").
	IsRecorder bool
	BoshDomain string
}

// Driver is the contract the Session Controller, and the Watchdog, depend
// on. Implementations own exactly one browser session at a time.
type Driver interface {
	// CheckAudio runs the pre-session audio-loopback probe (spec.md §4.2):
	// opens a fixed audio-loopback URL, waits the audio delay, then invokes
	// the named check_audio script. A non-nil error means the session start
	// must fail with errorkind.AudioCheckFailed.
	CheckAudio(ctx context.Context) error

	// Launch opens a blank page, sets local identifiers, and opens the
	// decorated target URL.
	Launch(ctx context.Context, opts LaunchOptions) error

	// WaitSignalingConnected polls the in-page conference client's connected
	// state until it reports true or timeout elapses.
	WaitSignalingConnected(ctx context.Context, timeout, pollInterval time.Duration) bool

	// WaitDownloadBitrate polls incoming media bitrate until it is strictly
	// positive or timeout elapses.
	WaitDownloadBitrate(ctx context.Context, timeout, pollInterval time.Duration) bool

	// CheckRunning reports the tri-state liveness the Watchdog polls.
	CheckRunning(ctx context.Context) RunState

	// Quit requests a graceful conference disconnect, sleeps briefly to let
	// the disconnect propagate, then shuts the browser process down.
	Quit(ctx context.Context)
}
