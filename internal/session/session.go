// Package session defines the data model shared by the Session Controller,
// Watchdog, and Signaling Client Set: the immutable SessionRequest a start
// command resolves to, the SessionContext a successful slot acquire creates,
// the tagged WatchdogCommand protocol, and the tagged StatusMessage fanned
// out to every signaling client. Keeping these in their own package (rather
// than inside internal/controller) lets internal/signaling and
// internal/watchdog depend on the data model without importing the
// controller itself.
package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/jitsi/jibri/internal/browser"
	"github.com/jitsi/jibri/internal/config"
	"github.com/jitsi/jibri/internal/errorkind"
)

// Mode selects what a session does with captured media.
type Mode string

const (
	ModeStream Mode = "stream"
	ModeFile   Mode = "file"
	ModeSIP    Mode = "sip"
)

// Origin identifies where a start/stop request came from, so the Session
// Controller knows which client (if any) to exclude from status fan-out and
// which client gets a targeted failure reply.
type Origin struct {
	// Signaling is the client host this request arrived over, empty if the
	// request came from the REST Endpoint (spec.md §4.6: "the REST endpoint
	// does not carry an origin client").
	Signaling string
	// FromREST is true when the request has no origin client at all.
	FromREST bool
}

func (o Origin) String() string {
	if o.FromREST {
		return "rest"
	}
	return "signaling:" + o.Signaling
}

// Request is the immutable, validated record a start command resolves to
// (spec.md §3 SessionRequest).
type Request struct {
	Mode           Mode
	URL            string // template, with %ROOM%/%SUBDOMAIN% placeholders
	File           string
	StreamID       string
	SIPAddress     string
	DisplayName    string
	Room           string // JID-form local@host
	Token          string
	BackupFlag     bool
	RecordingName  string
	Origin         Origin
}

// Validate applies spec.md §3's per-mode validation rules, normalizing Mode
// and DisplayName as a side effect. It does not resolve the URL template —
// that happens once the Session Controller has a ClientConfig to derive
// room/subdomain against (see ResolveURL).
func (r *Request) Validate() error {
	if r.StreamID != "" {
		r.Mode = ModeStream
	}

	switch r.Mode {
	case ModeStream:
		if r.StreamID == "" {
			return fmt.Errorf("stream mode requires stream_id")
		}
	case ModeFile:
		if r.URL == "" && r.Room == "" {
			return fmt.Errorf("file mode requires url or (room, url-template)")
		}
		r.StreamID = ""
	case ModeSIP:
		if r.SIPAddress == "" {
			return fmt.Errorf("sip mode requires sip_address")
		}
		if r.DisplayName == "" {
			r.DisplayName = r.SIPAddress
		}
	default:
		return fmt.Errorf("unknown or unspecified mode %q", r.Mode)
	}
	return nil
}

// ResolveURL substitutes %ROOM% and %SUBDOMAIN% in the request or
// client-level URL template, per spec.md §4.3 step 3. roomLocal is the local
// part of the room JID; subdomain already carries its trailing "/" when
// non-empty (or is "").
func ResolveURL(template, roomLocal, subdomain string) (string, error) {
	if template == "" {
		return "", fmt.Errorf("no url template to resolve")
	}
	resolved := strings.NewReplacer("%ROOM%", roomLocal, "%SUBDOMAIN%", subdomain).Replace(template)
	return resolved, nil
}

// Subdomain derives the conference subdomain from a room JID host part per
// spec.md §4.3 step 3: if H begins with mucPrefix and ends with xmppDomain
// and H != mucPrefix||xmppDomain, the subdomain is the label between them
// (with a trailing "/"); otherwise empty.
func Subdomain(roomHost, mucPrefix, xmppDomain string) string {
	if mucPrefix == "" || xmppDomain == "" {
		return ""
	}
	if !strings.HasPrefix(roomHost, mucPrefix) || !strings.HasSuffix(roomHost, xmppDomain) {
		return ""
	}
	if roomHost == mucPrefix+xmppDomain {
		return ""
	}
	middle := strings.Trim(strings.TrimSuffix(strings.TrimPrefix(roomHost, mucPrefix), xmppDomain), ".")
	if middle == "" {
		return ""
	}
	return middle + "/"
}

// RoomParts splits a room JID ("local@host") into its local and host parts.
func RoomParts(room string) (local, host string) {
	idx := strings.IndexByte(room, '@')
	if idx < 0 {
		return room, ""
	}
	return room[:idx], room[idx+1:]
}

// Context is created by a successful slot acquire and destroyed exactly
// when the slot is released (spec.md §3 SessionContext).
type Context struct {
	ID           string
	Request      Request
	Client       *config.ClientConfig
	ResolvedURL  string
	Mode         Mode
	Environment  string
	StartedAt    time.Time
	RetryPayload WatchdogPayload
	// Driver is the per-session Browser Driver Adapter instance created at
	// the start of the browser stage; the stop/reset sequence quits it.
	Driver browser.Driver
}

// WatchdogPayload carries the fields the Watchdog needs to relaunch the
// Encoder on a transient death (spec.md §4.3, Watchdog protocol).
type WatchdogPayload struct {
	SessionID     string
	Mode          Mode
	URL           string
	RecordingPath string
	Token         string
	StreamID      string
	Backup        bool
	SIPAddress    string
	DisplayName   string
	UsageTimeout  time.Duration
}

// CommandTag identifies a WatchdogCommand variant.
type CommandTag int

const (
	CmdPoison CommandTag = iota
	CmdReset
	CmdArmed
)

// WatchdogCommand is the tagged union the Watchdog's single control channel
// carries (spec.md §3 WatchdogCommand).
type WatchdogCommand struct {
	Tag     CommandTag
	Payload WatchdogPayload
}

func Poison() WatchdogCommand { return WatchdogCommand{Tag: CmdPoison} }
func Reset() WatchdogCommand  { return WatchdogCommand{Tag: CmdReset} }
func Armed(p WatchdogPayload) WatchdogCommand {
	return WatchdogCommand{Tag: CmdArmed, Payload: p}
}

// StatusTag identifies a StatusMessage variant.
type StatusTag int

const (
	StatusIdle StatusTag = iota
	StatusBusy
	StatusOff
	StatusOn
	StatusStopped
	StatusStarted
	StatusHealth
	StatusError
)

func (t StatusTag) String() string {
	switch t {
	case StatusIdle:
		return "idle"
	case StatusBusy:
		return "busy"
	case StatusOff:
		return "off"
	case StatusOn:
		return "on"
	case StatusStopped:
		return "stopped"
	case StatusStarted:
		return "started"
	case StatusHealth:
		return "health"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// StatusMessage is the tagged union fanned out to a signaling client's
// bounded outbound queue (spec.md §3 StatusMessage). A zero-value message
// (Tag left at its zero value with Poison set) poisons the client.
type StatusMessage struct {
	Tag        StatusTag
	Kind       errorkind.Kind // set only when Tag == StatusError
	SIPAddress string         // optional suffix for Stopped/Started/Off/On in SIP mode
	Poison     bool
}

func Idle() StatusMessage    { return StatusMessage{Tag: StatusIdle} }
func Busy() StatusMessage    { return StatusMessage{Tag: StatusBusy} }
func Health() StatusMessage  { return StatusMessage{Tag: StatusHealth} }
func PoisonMsg() StatusMessage { return StatusMessage{Poison: true} }

func Started(sip string) StatusMessage { return StatusMessage{Tag: StatusStarted, SIPAddress: sip} }
func Stopped(sip string) StatusMessage { return StatusMessage{Tag: StatusStopped, SIPAddress: sip} }
func On(sip string) StatusMessage      { return StatusMessage{Tag: StatusOn, SIPAddress: sip} }
func Off(sip string) StatusMessage     { return StatusMessage{Tag: StatusOff, SIPAddress: sip} }

func Error(kind errorkind.Kind, sip string) StatusMessage {
	return StatusMessage{Tag: StatusError, Kind: kind, SIPAddress: sip}
}
