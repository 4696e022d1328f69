package config

import (
	"fmt"
	"strings"
	"testing"
)

func validBaseConfig() *Config {
	cfg := Default()
	cfg.JID = "jibri@auth.example.test"
	cfg.Password = "clean-password"
	cfg.URL = "https://example.test/%ROOM%"
	cfg.Servers = []string{"example.test"}
	return cfg
}

func TestValidateTieredMissingJIDIsFatal(t *testing.T) {
	cfg := validBaseConfig()
	cfg.JID = ""
	cfg.JIDUsername = ""
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("missing jid and jid_username should be fatal")
	}
}

func TestValidateTieredMissingPasswordIsFatal(t *testing.T) {
	cfg := validBaseConfig()
	cfg.Password = ""
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("missing password should be fatal")
	}
}

func TestValidateTieredInvalidURLSchemeIsFatal(t *testing.T) {
	cfg := validBaseConfig()
	cfg.URL = "ftp://example.test/%ROOM%"
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("invalid URL scheme should be fatal")
	}
}

func TestValidateTieredMalformedURLTemplateIsFatal(t *testing.T) {
	cfg := validBaseConfig()
	cfg.URL = "://not a url"
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("malformed url template should be fatal")
	}
}

func TestValidateTieredControlCharsInPasswordIsFatal(t *testing.T) {
	cfg := validBaseConfig()
	cfg.Password = "token\x00with\x01control"
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("control chars in password should be fatal")
	}
}

func TestValidateTieredNegativeUsageTimeoutIsWarning(t *testing.T) {
	cfg := validBaseConfig()
	cfg.UsageTimeoutSeconds = -5
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("negative usage_timeout should be a warning, not fatal: %v", result.Fatals)
	}
	if len(result.Warnings) == 0 {
		t.Fatal("expected warning for negative usage_timeout")
	}
	if cfg.UsageTimeoutSeconds != 0 {
		t.Fatalf("UsageTimeoutSeconds = %d, want 0 (clamped/disabled)", cfg.UsageTimeoutSeconds)
	}
}

func TestValidateTieredUnknownModeHintIsWarning(t *testing.T) {
	cfg := validBaseConfig()
	cfg.ModeHint = "bogus"
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatal("unknown mode_hint should not be fatal")
	}
	if cfg.ModeHint != string(ModeEncode) {
		t.Fatalf("ModeHint = %q, want %q (defaulted)", cfg.ModeHint, ModeEncode)
	}
}

func TestValidateTieredUnknownLogLevelIsWarning(t *testing.T) {
	cfg := validBaseConfig()
	cfg.LogLevel = "chatty"
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatal("unknown log level should not be fatal")
	}
	if len(result.Warnings) == 0 {
		t.Fatal("expected warning for unknown log level")
	}
}

func TestValidateTieredInvalidLogFormatIsWarning(t *testing.T) {
	cfg := validBaseConfig()
	cfg.LogFormat = "xml"
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatal("invalid log format should not be fatal")
	}
	if len(result.Warnings) == 0 {
		t.Fatal("expected warning for invalid log format")
	}
}

func TestValidateTieredNoServersIsWarning(t *testing.T) {
	cfg := validBaseConfig()
	cfg.Servers = nil
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatal("no servers configured should not be fatal")
	}
	found := false
	for _, err := range result.Warnings {
		if strings.Contains(err.Error(), "no signaling servers") {
			found = true
		}
	}
	if !found {
		t.Fatal("expected warning about no signaling servers configured")
	}
}

func TestValidateTieredUnknownArchiveProviderIsWarning(t *testing.T) {
	cfg := validBaseConfig()
	cfg.ArchiveProvider = "dropbox"
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatal("unknown archive provider should not be fatal")
	}
	if len(result.Warnings) == 0 {
		t.Fatal("expected warning for unrecognized archive_provider")
	}
}

func TestValidateTieredArchiveProviderWithoutBucketIsWarning(t *testing.T) {
	cfg := validBaseConfig()
	cfg.ArchiveProvider = "s3"
	cfg.ArchiveBucket = ""
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatal("archive provider without bucket should not be fatal")
	}
	if len(result.Warnings) == 0 {
		t.Fatal("expected warning for archive_provider without archive_bucket")
	}
}

func TestHasFatals(t *testing.T) {
	r := ValidationResult{}
	if r.HasFatals() {
		t.Fatal("HasFatals() on empty result should be false")
	}
	r.Fatals = append(r.Fatals, fmt.Errorf("test error"))
	if !r.HasFatals() {
		t.Fatal("HasFatals() should be true with a fatal error")
	}
}

func TestAllErrorsReturnsBoth(t *testing.T) {
	cfg := validBaseConfig()
	cfg.URL = "ftp://bad"       // fatal
	cfg.LogFormat = "xml"       // warning
	result := cfg.ValidateTiered()

	all := result.AllErrors()
	if len(all) < 2 {
		t.Fatalf("AllErrors() returned %d errors, expected at least 2 (fatals + warnings)", len(all))
	}
}

func TestValidConfigHasNoErrors(t *testing.T) {
	cfg := validBaseConfig()
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("valid config has fatals: %v", result.Fatals)
	}
	if len(result.Warnings) > 0 {
		t.Fatalf("valid config has warnings: %v", result.Warnings)
	}
}
