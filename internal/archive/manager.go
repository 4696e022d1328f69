// Package archive wires the recording-archival domain feature (SPEC_FULL.md
// "Recording archival") into FinalizeRecording: when a ClientConfig names an
// archive provider and bucket, the just-finalized file-mode recording is
// uploaded there and the outcome is recorded as an audit event.
package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jitsi/jibri/internal/archive/providers"
	"github.com/jitsi/jibri/internal/logging"
)

var log = logging.L("archive")

// Manager dispatches an upload to one of the configured cloud providers by
// name, keyed the same way config.ClientConfig.ArchiveProvider is: "",
// "s3", "azure", "gcs", "b2".
type Manager struct {
	providers map[string]providers.Provider
}

func NewManager() *Manager {
	return &Manager{providers: make(map[string]providers.Provider)}
}

// Register binds a provider name to an implementation. Call during worker
// startup for every provider whose credentials are configured; an
// unconfigured provider simply has no entry, and Upload reports a clear
// error if a ClientConfig names one anyway.
func (m *Manager) Register(name string, p providers.Provider) {
	m.providers[name] = p
}

// Upload archives the file or directory at localPath under bucket, keyed by
// its base name, using the named provider. A directory (the usual case —
// finalize leaves the finished recording inside the session's recording
// directory) has each regular file uploaded under <dir-base>/<name>.
func (m *Manager) Upload(ctx context.Context, providerName, bucket, localPath string) error {
	p, ok := m.providers[providerName]
	if !ok {
		return fmt.Errorf("archive provider %q is not configured", providerName)
	}

	info, err := os.Stat(localPath)
	if err != nil {
		return fmt.Errorf("stat recording path: %w", err)
	}

	base := filepath.Base(localPath)
	if !info.IsDir() {
		log.Info("uploading recording to archive", "provider", providerName, "bucket", bucket, "key", base)
		return p.Upload(ctx, localPath, bucket, base)
	}

	entries, err := os.ReadDir(localPath)
	if err != nil {
		return fmt.Errorf("read recording directory: %w", err)
	}
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		key := base + "/" + e.Name()
		log.Info("uploading recording to archive", "provider", providerName, "bucket", bucket, "key", key)
		if err := p.Upload(ctx, filepath.Join(localPath, e.Name()), bucket, key); err != nil {
			return err
		}
	}
	return nil
}
