package providers

import (
	"context"
	"fmt"
	"os"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
)

// AzureProvider archives a recording to Azure Blob Storage, exercising the
// azblob SDK the teacher's go.mod depends on for its own cloud-backup
// target alongside S3.
type AzureProvider struct {
	client *azblob.Client
}

func NewAzureProvider(accountURL string, cred azblob.SharedKeyCredential) (*AzureProvider, error) {
	client, err := azblob.NewClientWithSharedKeyCredential(accountURL, &cred, nil)
	if err != nil {
		return nil, fmt.Errorf("create azure blob client: %w", err)
	}
	return &AzureProvider{client: client}, nil
}

func (p *AzureProvider) Upload(ctx context.Context, localPath, container, key string) error {
	if container == "" {
		return fmt.Errorf("azure container is required")
	}

	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open recording: %w", err)
	}
	defer f.Close()

	if _, err := p.client.UploadFile(ctx, container, key, f, nil); err != nil {
		return fmt.Errorf("azure blob upload: %w", err)
	}
	return nil
}
