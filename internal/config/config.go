// Package config resolves the worker's configuration from file, environment,
// and CLI sources (CLI overrides env overrides file) and derives one
// ClientConfig per configured signaling host.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// Config is the global, unresolved configuration: the closed set of keys
// spec.md §6 recognizes, plus the ambient fields (logging, audit, REST bind
// address, mTLS, archival) that have no Python-Jibri analog but every real
// worker needs.
type Config struct {
	JID                   string `mapstructure:"jid"`
	Password              string `mapstructure:"password"`
	Nick                  string `mapstructure:"nick"`
	Room                  string `mapstructure:"room"`
	RoomPassword          string `mapstructure:"roompass"`
	RoomName              string `mapstructure:"roomname"`
	XMPPDomain            string `mapstructure:"xmpp_domain"`
	URL                   string `mapstructure:"url"`
	UsageTimeoutSeconds   int    `mapstructure:"usage_timeout"`
	RESTToken             string `mapstructure:"resttoken"`
	ChromeBinaryPath      string `mapstructure:"chrome_binary_path"`
	PjsuaFlag             bool   `mapstructure:"pjsua_flag"`
	GoogleAccount         string `mapstructure:"google_account"`
	GoogleAccountPassword string `mapstructure:"google_account_password"`
	SeleniumXMPPLogin     string `mapstructure:"selenium_xmpp_login"`
	SeleniumXMPPPassword  string `mapstructure:"selenium_xmpp_password"`
	SeleniumXMPPPrefix    string `mapstructure:"selenium_xmpp_prefix"`
	SeleniumXMPPUsername  string `mapstructure:"selenium_xmpp_username"`
	JIDUsername           string `mapstructure:"jid_username"`
	JIDServerPrefix       string `mapstructure:"jidserver_prefix"`
	MUCServerPrefix       string `mapstructure:"mucserver_prefix"`
	BreweryPrefix         string `mapstructure:"brewery_prefix"`
	BoshDomainPrefix      string `mapstructure:"boshdomain_prefix"`
	BoshDomain            string `mapstructure:"boshdomain"`
	DisplayName           string `mapstructure:"displayname"`
	Email                 string `mapstructure:"email"`
	RecordingDirectory    string `mapstructure:"recording_directory"`
	ModeHint              string `mapstructure:"mode_hint"`

	Servers      []string                     `mapstructure:"servers"`
	Environments map[string]EnvironmentConfig `mapstructure:"environments"`

	// Logging configuration (ambient, LanternOps-breeze-shaped).
	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`

	// Audit configuration (ambient).
	AuditEnabled    bool `mapstructure:"audit_enabled"`
	AuditMaxSizeMB  int  `mapstructure:"audit_max_size_mb"`
	AuditMaxBackups int  `mapstructure:"audit_max_backups"`

	// REST endpoint bind address. Jibri historically hardcoded :2222; kept
	// configurable since nothing in spec.md pins a port.
	RESTBindAddr string `mapstructure:"rest_bind_addr"`

	// mTLS for the signaling dial (BOSH-over-HTTPS or direct TLS XMPP).
	// Empty means password auth only over plain/STARTTLS.
	MTLSCertPEM string `mapstructure:"mtls_cert_pem"`
	MTLSKeyPEM  string `mapstructure:"mtls_key_pem"`

	// ChromeDebuggerURL is the CDP WebSocket debug URL the Browser Driver
	// Adapter dials (ambient — spec.md has no Python-Jibri analog, since the
	// original drove Selenium rather than CDP directly).
	ChromeDebuggerURL string `mapstructure:"chrome_debugger_url"`

	// PIDFile is where the Signal/Lifecycle Handler records this process's
	// PID (ambient).
	PIDFile string `mapstructure:"pid_file"`

	// Recording archival (supplement beyond spec.md — see SPEC_FULL.md).
	ArchiveProvider string `mapstructure:"archive_provider"` // "", "s3", "azure", "gcs", "b2"
	ArchiveBucket   string `mapstructure:"archive_bucket"`
	ArchiveRegion   string `mapstructure:"archive_region"`

	// Per-provider credentials for the non-ambient-SDK-default providers.
	// S3 and GCS pick up credentials the SDK's own default chain resolves
	// (env/instance profile/ADC); Azure and B2 need them passed explicitly.
	ArchiveAzureAccountURL  string `mapstructure:"archive_azure_account_url"`
	ArchiveAzureAccountName string `mapstructure:"archive_azure_account_name"`
	ArchiveAzureAccountKey  string `mapstructure:"archive_azure_account_key"`
	ArchiveB2Account        string `mapstructure:"archive_b2_account"`
	ArchiveB2Key            string `mapstructure:"archive_b2_key"`
}

// EnvironmentConfig is one named group of signaling hosts sharing
// configuration overrides (spec.md §6 "environments{name:{servers[], …}}").
// Empty fields fall back to the matching global Config field.
type EnvironmentConfig struct {
	Servers             []string `mapstructure:"servers"`
	XMPPDomain          string   `mapstructure:"xmpp_domain"`
	MUCServerPrefix     string   `mapstructure:"mucserver_prefix"`
	BreweryPrefix       string   `mapstructure:"brewery_prefix"`
	BoshDomain          string   `mapstructure:"boshdomain"`
	BoshDomainPrefix    string   `mapstructure:"boshdomain_prefix"`
	URL                 string   `mapstructure:"url"`
	ChromeBinaryPath    string   `mapstructure:"chrome_binary_path"`
	DisplayName         string   `mapstructure:"displayname"`
	Email               string   `mapstructure:"email"`
	ModeHint            string   `mapstructure:"mode_hint"`
	RecordingDirectory  string   `mapstructure:"recording_directory"`
	UsageTimeoutSeconds int      `mapstructure:"usage_timeout"`
	ArchiveProvider     string   `mapstructure:"archive_provider"`
	ArchiveBucket       string   `mapstructure:"archive_bucket"`
}

func Default() *Config {
	return &Config{
		LogLevel:          "info",
		LogFormat:         "text",
		LogMaxSizeMB:      50,
		LogMaxBackups:     3,
		AuditEnabled:      true,
		AuditMaxSizeMB:    50,
		AuditMaxBackups:   3,
		RESTBindAddr:      ":2222",
		ModeHint:          "encode",
		ChromeDebuggerURL: "ws://127.0.0.1:9222/devtools/page/jibri",
		PIDFile:           "/var/run/jibri.pid",
	}
}

// envAliases maps spec.md §6's historical environment variable names onto
// the mapstructure keys they populate, so e.g. REST_TOKEN still works
// alongside the JIBRI_RESTTOKEN viper would otherwise expect.
var envAliases = map[string]string{
	"JID":                    "jid",
	"URL":                    "url",
	"PASS":                   "password",
	"ROOM":                   "room",
	"ROOMPASS":               "roompass",
	"ROOMNAME":               "roomname",
	"XMPP_DOMAIN":            "xmpp_domain",
	"TIMEOUT":                "usage_timeout",
	"REST_TOKEN":             "resttoken",
	"CHROME_BINARY":          "chrome_binary_path",
	"GOOGLE_ACCOUNT":         "google_account",
	"GOOGLE_ACCOUNT_PASSWORD": "google_account_password",
	"NICK":                   "nick",
}

func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("jibri")
		viper.SetConfigType("json")
		viper.AddConfigPath(configDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("JIBRI")
	for envName, key := range envAliases {
		if err := viper.BindEnv(key, envName); err != nil {
			return nil, fmt.Errorf("bind env alias %s: %w", envName, err)
		}
	}
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}

	// SERVERS is a comma-joined list historically; viper can't split it
	// automatically, so it's applied here when the config file supplied no
	// servers. Command-line positionals still override both.
	if len(cfg.Servers) == 0 {
		if raw := os.Getenv("SERVERS"); raw != "" {
			cfg.Servers = SplitServers(raw)
		}
	}

	result := cfg.ValidateTiered()
	for _, err := range result.Warnings {
		log.Warn("config validation", "error", err)
	}
	if result.HasFatals() {
		for _, err := range result.Fatals {
			log.Error("config validation fatal", "error", err)
		}
		return nil, fmt.Errorf("config has fatal validation errors: %v", result.Fatals[0])
	}

	return cfg, nil
}

func Save(cfg *Config) error {
	return SaveTo(cfg, "")
}

func SaveTo(cfg *Config, cfgFile string) error {
	viper.Set("jid", cfg.JID)
	viper.Set("password", cfg.Password)
	viper.Set("room", cfg.Room)
	viper.Set("xmpp_domain", cfg.XMPPDomain)
	viper.Set("url", cfg.URL)
	viper.Set("usage_timeout", cfg.UsageTimeoutSeconds)
	viper.Set("servers", cfg.Servers)
	viper.Set("environments", cfg.Environments)

	var cfgPath string
	if cfgFile != "" {
		cfgPath = cfgFile
		dir := filepath.Dir(cfgPath)
		if dir != "." {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return err
			}
		}
	} else {
		cfgPath = filepath.Join(configDir(), "jibri.json")
		if err := os.MkdirAll(configDir(), 0700); err != nil {
			return err
		}
	}

	if err := viper.WriteConfigAs(cfgPath); err != nil {
		return err
	}

	// Restrict config file to owner-only access (contains XMPP/REST secrets).
	return os.Chmod(cfgPath, 0600)
}

// SplitServers parses a comma- or space-separated hostname list, the form
// the SERVERS environment alias carries.
func SplitServers(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' '
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// GetDataDir returns the platform-specific data directory for the worker
// (PID files, recordings staging, audit log).
func GetDataDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "Jibri", "data")
	case "darwin":
		return "/Library/Application Support/Jibri/data"
	default:
		return "/var/lib/jibri"
	}
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "Jibri")
	case "darwin":
		return "/Library/Application Support/Jibri"
	default:
		return "/etc/jitsi/jibri"
	}
}
