// Package blobstore abstracts object storage behind a narrow gateway used by
// every stage. Blobs are immutable once written and addressed by
// {jobID}/{purpose}/{filename} keys so sweeps can list per job. Two
// implementations exist: an S3 backend for production and a directory-backed
// local store for development and tests.
package blobstore

import (
	"context"
	"fmt"
	"io"
	"time"

	"clipd/internal/config"
)

// ObjectInfo describes one stored blob for listing and sweeps.
type ObjectInfo struct {
	Key       string
	Size      int64
	CreatedAt time.Time
}

// Location identifies a stored blob and how to reach it.
type Location struct {
	Key string
	URL string
}

// UploadGrant is a time-limited credential letting a client upload one key
// directly to storage, bypassing the daemon's own request path.
type UploadGrant struct {
	URL    string
	Fields map[string]string
	Expiry time.Time
}

// Gateway is the storage contract the pipeline depends on.
//
// Delete is idempotent: removing a missing key succeeds. Get of a missing key
// returns an error tagged services.ErrDataMissing. Transient backend failures
// are tagged services.ErrTransient and quota exhaustion services.ErrQuota.
type Gateway interface {
	Put(ctx context.Context, key string, r io.Reader, contentType string) (Location, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	PresignUpload(ctx context.Context, key, contentType string, maxBytes int64) (UploadGrant, error)
	PublicURL(key string) string
}

// New constructs the gateway selected by the storage configuration.
func New(ctx context.Context, cfg *config.Config) (Gateway, error) {
	switch cfg.Storage.Backend {
	case "local":
		return NewLocal(cfg.Storage.LocalDir, cfg.PresignExpiry())
	case "s3":
		return NewS3(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// SourceKey builds the canonical storage key for a job's submitted media.
func SourceKey(jobID, filename string) string {
	return jobID + "/source/" + filename
}

// AudioKey builds the canonical storage key for a job's extracted audio.
func AudioKey(jobID, name string) string {
	return jobID + "/audio/" + name
}

// ClipKey builds the canonical storage key for a rendered segment.
func ClipKey(jobID string, displayIndex int) string {
	return fmt.Sprintf("%s/clips/segment-%d.mp4", jobID, displayIndex)
}
