package config

import (
	"fmt"
	"net/url"
	"strings"
)

var validLogLevels = map[string]bool{
	"quiet":   true,
	"debug":   true,
	"verbose": true,
	"warn":    true,
	"warning": true,
	"info":    true,
	"error":   true,
}

var validModeHints = map[string]bool{
	"encode": true,
	"sip":    true,
}

// ValidationResult separates fatal errors (abort startup) from warnings
// (logged, startup continues), matching the teacher's tiered validation.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

// AllErrors returns fatals followed by warnings, for callers that just want
// to log everything found regardless of severity.
func (r ValidationResult) AllErrors() []error {
	all := make([]error, 0, len(r.Fatals)+len(r.Warnings))
	all = append(all, r.Fatals...)
	all = append(all, r.Warnings...)
	return all
}

// ValidateTiered checks the config and classifies each problem as fatal or
// a warning. Dangerous zero-values that would cause panics downstream are
// clamped to safe defaults as a side effect, with the clamp itself recorded
// as a warning.
func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult

	if c.JID == "" && c.JIDUsername == "" {
		r.Fatals = append(r.Fatals, fmt.Errorf("one of jid or jid_username must be set"))
	}

	if c.Password == "" {
		r.Fatals = append(r.Fatals, fmt.Errorf("password must be set"))
	} else {
		for _, ch := range c.Password {
			if ch < 0x20 && ch != '\t' {
				r.Fatals = append(r.Fatals, fmt.Errorf("password contains control characters"))
				break
			}
		}
	}

	if c.URL != "" {
		if err := validateURLTemplate(c.URL); err != nil {
			r.Fatals = append(r.Fatals, fmt.Errorf("url %q: %w", c.URL, err))
		}
	}

	if c.UsageTimeoutSeconds < 0 {
		r.Warnings = append(r.Warnings, fmt.Errorf("usage_timeout %d is negative, clamping to 0 (disabled)", c.UsageTimeoutSeconds))
		c.UsageTimeoutSeconds = 0
	}

	if c.ModeHint != "" && !validModeHints[strings.ToLower(c.ModeHint)] {
		r.Warnings = append(r.Warnings, fmt.Errorf("mode_hint %q is not valid (use encode or sip), defaulting to encode", c.ModeHint))
		c.ModeHint = string(ModeEncode)
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_level %q is not valid", c.LogLevel))
	}

	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	if len(c.Servers) == 0 && len(c.Environments) == 0 {
		r.Warnings = append(r.Warnings, fmt.Errorf("no signaling servers configured; worker will only be reachable over REST"))
	}

	switch c.ArchiveProvider {
	case "", "s3", "azure", "gcs", "b2":
	default:
		r.Warnings = append(r.Warnings, fmt.Errorf("archive_provider %q is not a recognized provider (use s3, azure, gcs, b2)", c.ArchiveProvider))
	}
	if c.ArchiveProvider != "" && c.ArchiveBucket == "" {
		r.Warnings = append(r.Warnings, fmt.Errorf("archive_provider %q set without archive_bucket; finalize_recording will not archive", c.ArchiveProvider))
	}

	return r
}

// validateURLTemplate rejects url templates that cannot possibly resolve:
// after substituting the %ROOM%/%SUBDOMAIN% placeholders with placeholder
// text, the result must parse as an absolute URL.
func validateURLTemplate(tmpl string) error {
	resolved := strings.NewReplacer("%ROOM%", "placeholder-room", "%SUBDOMAIN%", "").Replace(tmpl)
	u, err := url.Parse(resolved)
	if err != nil {
		return fmt.Errorf("not a valid URL template: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	return nil
}
