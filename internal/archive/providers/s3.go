package providers

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Provider completes the teacher's backup-provider stub with a real
// multipart upload via aws-sdk-go-v2's s3 manager, the same dependency the
// teacher's go.mod already carries.
type S3Provider struct {
	Bucket string
	Region string
	client *s3.Client
}

func NewS3Provider(ctx context.Context, bucket, region string) (*S3Provider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3Provider{Bucket: bucket, Region: region, client: s3.NewFromConfig(cfg)}, nil
}

func (p *S3Provider) Upload(ctx context.Context, localPath, bucket, key string) error {
	if bucket == "" {
		bucket = p.Bucket
	}
	if bucket == "" {
		return fmt.Errorf("s3 bucket is required")
	}

	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open recording: %w", err)
	}
	defer f.Close()

	uploader := manager.NewUploader(p.client)
	_, err = uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("s3 upload: %w", err)
	}
	return nil
}
