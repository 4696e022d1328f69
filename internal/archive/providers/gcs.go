package providers

import (
	"context"
	"fmt"
	"io"
	"os"

	"cloud.google.com/go/storage"
)

// GCSProvider archives a recording to Google Cloud Storage.
type GCSProvider struct {
	client *storage.Client
}

func NewGCSProvider(ctx context.Context) (*GCSProvider, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCSProvider{client: client}, nil
}

func (p *GCSProvider) Upload(ctx context.Context, localPath, bucket, key string) error {
	if bucket == "" {
		return fmt.Errorf("gcs bucket is required")
	}

	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open recording: %w", err)
	}
	defer f.Close()

	w := p.client.Bucket(bucket).Object(key).NewWriter(ctx)
	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return fmt.Errorf("gcs upload: %w", err)
	}
	return w.Close()
}
