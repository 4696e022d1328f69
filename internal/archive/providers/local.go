package providers

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LocalProvider copies a recording into a local or mounted-filesystem
// archive root, adapted from the teacher's local.go with the same
// path-traversal containment and no compression (recordings are already
// encoded media, not worth gzipping).
type LocalProvider struct {
	BasePath string
}

func NewLocalProvider(basePath string) *LocalProvider {
	return &LocalProvider{BasePath: filepath.Clean(basePath)}
}

func (p *LocalProvider) Upload(ctx context.Context, localPath, _, key string) error {
	if p.BasePath == "" {
		return fmt.Errorf("local archive base path is required")
	}
	dest, err := containedPath(p.BasePath, key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}

	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open recording: %w", err)
	}
	defer src.Close()

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create archive destination: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, src); err != nil {
		return fmt.Errorf("copy recording to archive: %w", err)
	}
	return ctx.Err()
}

// containedPath ensures the resolved path stays within basePath, guarding
// against a remote key containing "../" path-traversal segments.
func containedPath(basePath, untrustedKey string) (string, error) {
	absBase, err := filepath.Abs(basePath)
	if err != nil {
		return "", fmt.Errorf("resolve archive base path: %w", err)
	}
	joined := filepath.Join(absBase, filepath.FromSlash(untrustedKey))
	absJoined, err := filepath.Abs(joined)
	if err != nil {
		return "", fmt.Errorf("resolve archive key: %w", err)
	}
	if !strings.HasPrefix(absJoined, absBase+string(filepath.Separator)) && absJoined != absBase {
		return "", fmt.Errorf("path traversal detected in archive key %q", untrustedKey)
	}
	return absJoined, nil
}
