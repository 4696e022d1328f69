package config

import (
	"strings"
	"time"

	"github.com/jitsi/jibri/internal/logging"
	"github.com/jitsi/jibri/internal/secmem"
)

var log = logging.L("config")

// ModeHint selects which media subprocess a client drives: Encoder
// (stream/file) or Gateway (SIP).
type ModeHint string

const (
	ModeEncode ModeHint = "encode"
	ModeSIP    ModeHint = "sip"
)

// ClientConfig is the per-signaling-host configuration spec.md §3 defines.
// Derivable fields (the full JID, in particular) are computed once here at
// startup; a host with insufficient information to derive jid/password/room
// is dropped rather than propagated half-built.
type ClientConfig struct {
	Host               string
	JID                string
	Password           *secmem.SecureString
	Room               string
	Nickname           string
	RoomPassword       string
	BoshDomain         string
	XMPPDomain         string
	MUCPrefix          string
	BreweryPrefix      string
	URLTemplate        string
	BrowserBinaryPath  string
	BrowserLoginUser   string
	BrowserLoginPass   string
	DisplayName        string
	Email              string
	ModeHint           ModeHint
	EnvironmentLabel   string
	RecordingDirectory string
	UsageTimeout       time.Duration
	ArchiveProvider    string
	ArchiveBucket      string
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// ResolveClientConfigs merges global config with each environment's
// overrides (and the bare top-level servers[] list, which carries no
// environment label) into one ClientConfig per host. Hosts missing a
// derivable jid, password, room, or url are dropped with a warning, per
// spec.md §8's "for all configurations where a client's JID, password,
// room, or URL cannot be derived, the client is dropped from the active
// set."
func ResolveClientConfigs(cfg *Config) []*ClientConfig {
	var out []*ClientConfig

	for _, host := range cfg.Servers {
		if cc := resolveHost(cfg, host, "", EnvironmentConfig{}); cc != nil {
			out = append(out, cc)
		}
	}

	for label, env := range cfg.Environments {
		for _, host := range env.Servers {
			if cc := resolveHost(cfg, host, label, env); cc != nil {
				out = append(out, cc)
			}
		}
	}

	return out
}

func resolveHost(cfg *Config, host, label string, env EnvironmentConfig) *ClientConfig {
	xmppDomain := firstNonEmpty(env.XMPPDomain, cfg.XMPPDomain, host)
	mucPrefix := firstNonEmpty(env.MUCServerPrefix, cfg.MUCServerPrefix)
	brewery := firstNonEmpty(env.BreweryPrefix, cfg.BreweryPrefix)
	boshDomain := firstNonEmpty(env.BoshDomain, cfg.BoshDomain)
	urlTemplate := firstNonEmpty(env.URL, cfg.URL)
	usageTimeout := cfg.UsageTimeoutSeconds
	if env.UsageTimeoutSeconds != 0 {
		usageTimeout = env.UsageTimeoutSeconds
	}

	jid := deriveJID(cfg, xmppDomain)
	room := cfg.Room

	var missing []string
	if jid == "" {
		missing = append(missing, "jid")
	}
	if cfg.Password == "" {
		missing = append(missing, "password")
	}
	if room == "" {
		missing = append(missing, "room")
	}
	if urlTemplate == "" {
		missing = append(missing, "url")
	}
	if len(missing) > 0 {
		log.Warn("dropping signaling host: cannot derive required fields",
			"host", host, "environment", label, "missing", strings.Join(missing, ","))
		return nil
	}

	modeHint := ModeEncode
	if hint := firstNonEmpty(env.ModeHint, cfg.ModeHint); hint == string(ModeSIP) {
		modeHint = ModeSIP
	}

	return &ClientConfig{
		Host:               host,
		JID:                jid,
		Password:           secmem.NewSecureString(cfg.Password),
		Room:               room,
		Nickname:           cfg.Nick,
		RoomPassword:       cfg.RoomPassword,
		BoshDomain:         boshDomain,
		XMPPDomain:         xmppDomain,
		MUCPrefix:          mucPrefix,
		BreweryPrefix:      brewery,
		URLTemplate:        urlTemplate,
		BrowserBinaryPath:  firstNonEmpty(env.ChromeBinaryPath, cfg.ChromeBinaryPath),
		BrowserLoginUser:   cfg.GoogleAccount,
		BrowserLoginPass:   cfg.GoogleAccountPassword,
		DisplayName:        firstNonEmpty(env.DisplayName, cfg.DisplayName),
		Email:              firstNonEmpty(env.Email, cfg.Email),
		ModeHint:           modeHint,
		EnvironmentLabel:   label,
		RecordingDirectory: firstNonEmpty(env.RecordingDirectory, cfg.RecordingDirectory),
		UsageTimeout:       time.Duration(usageTimeout) * time.Second,
		ArchiveProvider:    firstNonEmpty(env.ArchiveProvider, cfg.ArchiveProvider),
		ArchiveBucket:      firstNonEmpty(env.ArchiveBucket, cfg.ArchiveBucket),
	}
}

// deriveJID builds the full JID from jid_username + jidserver_prefix +
// xmpp_domain when cfg.JID isn't already a complete address.
func deriveJID(cfg *Config, xmppDomain string) string {
	if strings.Contains(cfg.JID, "@") {
		return cfg.JID
	}
	if cfg.JIDUsername == "" {
		return ""
	}
	return cfg.JIDUsername + "@" + cfg.JIDServerPrefix + xmppDomain
}
