package testsupport

import (
	"context"
	"testing"

	"clipd/internal/config"
	"clipd/internal/queue"
)

// MustOpenStore opens a queue.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *queue.Store {
	t.Helper()

	store, err := queue.Open(cfg)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// NewJob creates a pending job for tests using the provided store.
func NewJob(t testing.TB, store *queue.Store, params queue.NewJobParams) *queue.Job {
	t.Helper()

	if params.MediaKind == "" {
		params.MediaKind = queue.MediaVideo
	}
	if params.SegmentCount == 0 {
		params.SegmentCount = 3
	}
	if params.MinDuration == 0 {
		params.MinDuration = 10
	}
	if params.MaxDuration == 0 {
		params.MaxDuration = 60
	}
	if params.SourceKey == "" {
		params.SourceKey = "test/source/input.mp4"
	}

	job, err := store.NewJob(context.Background(), params)
	if err != nil {
		t.Fatalf("store.NewJob: %v", err)
	}
	return job
}
