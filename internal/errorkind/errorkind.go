// Package errorkind is the closed set of structured error kinds spec.md §7
// defines, plus the policy tables (human text, retry hint, forced-status
// override) that used to be scattered across the signaling client's IQ
// encoder. Having one source of truth means §4.5's retry-element policy and
// §7's propagation policy can't drift against each other.
package errorkind

// Kind identifies a session-termination reason. The set is closed: every
// path that ends a session maps onto exactly one of these.
type Kind string

const (
	// Startup browser.
	SeleniumStartStuck    Kind = "selenium_start_stuck"
	StartupException      Kind = "startup_exception"
	StartupSeleniumError  Kind = "startup_selenium_error"
	AudioCheckFailed      Kind = "audio_check_failed"

	// Startup media.
	FFmpegStartupException      Kind = "ffmpeg_startup_exception"
	StartupFFmpegError          Kind = "startup_ffmpeg_error"
	StartupFFmpegStreamingError Kind = "startup_ffmpeg_streaming_error"

	// Runtime browser.
	SeleniumStuck  Kind = "selenium_stuck"
	SeleniumDied   Kind = "selenium_died"
	SeleniumHangup Kind = "selenium_hangup"

	// Runtime media.
	FFmpegDied Kind = "ffmpeg_died"

	// Gateway.
	PjsuaBusy             Kind = "pjsua_busy"
	PjsuaHangup           Kind = "pjsua_hangup"
	PjsuaDied             Kind = "pjsua_died"
	PjsuaStartupError     Kind = "pjsua_startup_error"
	PjsuaStartupException Kind = "pjsua_startup_exception"

	// Policy.
	TimeLimit Kind = "timelimit"
	XMPPStop  Kind = "xmpp_stop"
)

// humanText is the fixed mapping spec.md §4.5 calls for: kind -> the text
// carried in the failure IQ's <error> element.
var humanText = map[Kind]string{
	SeleniumStartStuck:          "Selenium start timed out",
	StartupException:            "An exception occurred during startup",
	StartupSeleniumError:        "Selenium failed to start the conference session",
	AudioCheckFailed:            "Audio loopback check failed",
	FFmpegStartupException:      "An exception occurred starting the media process",
	StartupFFmpegError:          "The media process failed to start",
	StartupFFmpegStreamingError: "The media process did not begin streaming",
	SeleniumStuck:               "Selenium liveness probe timed out",
	SeleniumDied:                "The browser process died",
	SeleniumHangup:              "The conference session ended",
	FFmpegDied:                  "The media process died",
	PjsuaBusy:                   "The SIP peer was busy",
	PjsuaHangup:                 "The SIP call ended normally",
	PjsuaDied:                   "The SIP gateway process died",
	PjsuaStartupError:           "The SIP gateway failed to start",
	PjsuaStartupException:       "An exception occurred starting the SIP gateway",
	TimeLimit:                   "The recording time limit was reached",
	XMPPStop:                    "Stopped by request",
}

// String satisfies fmt.Stringer with the fixed human text for the kind, per
// spec.md §4.5. Unknown kinds fall back to the raw string so a typo is
// visible rather than silently blank.
func (k Kind) String() string {
	if s, ok := humanText[k]; ok {
		return s
	}
	return string(k)
}

// retryable is the spec.md §4.5 inclusion set: kinds whose failure IQ MUST
// carry a <retry/> hint telling the controller a retry elsewhere is
// meaningful. Everything else — explicitly including every startup-stage
// FFmpeg failure, selenium_hangup, timelimit, and any pjsua_* kind — omits
// it.
var retryable = map[Kind]bool{
	SeleniumStartStuck:   true,
	StartupException:     true,
	StartupSeleniumError: true,
	SeleniumStuck:        true,
	SeleniumDied:         true,
	FFmpegDied:           true,
}

// RetryHint reports whether a failure IQ for this kind should include the
// <retry/> element (spec.md §4.5).
func (k Kind) RetryHint() bool {
	return retryable[k]
}

// forcedOff is the spec.md §4.5/§7 set of kinds whose reported status is
// forced to "off" rather than "failed" — a benign end, not a failure.
var forcedOff = map[Kind]bool{
	SeleniumHangup: true,
	TimeLimit:      true,
}

// ForcesOffStatus reports whether this kind must be reported as status
// "off" instead of "failed", and with no retry hint regardless of
// RetryHint's table (spec.md §7: "selenium_hangup and timelimit force the
// reported status to off... and omit the retry hint").
func (k Kind) ForcesOffStatus() bool {
	return forcedOff[k]
}

// IsClean reports whether this kind represents a controller-initiated clean
// stop, for which no error IQ is emitted at all (spec.md §4.3 step 6,
// §7: "xmpp_stop is treated as a clean stop").
func (k Kind) IsClean() bool {
	return k == XMPPStop
}
