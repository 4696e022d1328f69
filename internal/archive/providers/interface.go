// Package providers holds the cloud storage backends a finished file-mode
// recording can be archived to. Each backend adapts one of the teacher's
// previously-stubbed backup providers (local.go, s3.go) into a real,
// exercised uploader for this worker's recording-archival feature
// (SPEC_FULL.md domain stack: "Recording archival").
package providers

import "context"

// Provider uploads one local file to a remote location identified by
// bucket + key. Implementations are intentionally narrow — this worker
// only ever archives a just-finalized recording, never lists or deletes.
type Provider interface {
	Upload(ctx context.Context, localPath, bucket, key string) error
}
