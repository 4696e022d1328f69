package archive

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jitsi/jibri/internal/archive/providers"
)

func TestManagerUploadsViaLocalProvider(t *testing.T) {
	srcDir := t.TempDir()
	destDir := t.TempDir()

	srcFile := filepath.Join(srcDir, "recording.mp4")
	if err := os.WriteFile(srcFile, []byte("fake media"), 0o644); err != nil {
		t.Fatal(err)
	}

	m := NewManager()
	m.Register("local", providers.NewLocalProvider(destDir))

	if err := m.Upload(context.Background(), "local", "unused-bucket", srcFile); err != nil {
		t.Fatalf("upload failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(destDir, "recording.mp4"))
	if err != nil {
		t.Fatalf("expected archived file to exist: %v", err)
	}
	if string(data) != "fake media" {
		t.Errorf("archived content mismatch: %q", data)
	}
}

func TestManagerUploadsDirectoryContents(t *testing.T) {
	srcDir := t.TempDir()
	destDir := t.TempDir()

	recDir := filepath.Join(srcDir, "session-1")
	if err := os.MkdirAll(recDir, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"recording.mp4", "metadata.json"} {
		if err := os.WriteFile(filepath.Join(recDir, name), []byte(name), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	m := NewManager()
	m.Register("local", providers.NewLocalProvider(destDir))

	if err := m.Upload(context.Background(), "local", "", recDir); err != nil {
		t.Fatalf("upload failed: %v", err)
	}

	for _, name := range []string{"recording.mp4", "metadata.json"} {
		if _, err := os.Stat(filepath.Join(destDir, "session-1", name)); err != nil {
			t.Errorf("expected archived %s under session dir: %v", name, err)
		}
	}
}

func TestManagerUnconfiguredProvider(t *testing.T) {
	m := NewManager()
	if err := m.Upload(context.Background(), "s3", "bucket", "/tmp/x"); err == nil {
		t.Fatal("expected error for unconfigured provider")
	}
}
