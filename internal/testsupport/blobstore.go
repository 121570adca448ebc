package testsupport

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"clipd/internal/blobstore"
)

// NewBlobstore returns a local gateway rooted in a per-test temp directory.
func NewBlobstore(t testing.TB) blobstore.Gateway {
	t.Helper()

	gw, err := blobstore.NewLocal(t.TempDir(), 15*time.Minute)
	if err != nil {
		t.Fatalf("blobstore.NewLocal: %v", err)
	}
	return gw
}

// PutBlob writes content under key and fails the test on error.
func PutBlob(t testing.TB, gw blobstore.Gateway, key, content string) {
	t.Helper()

	if _, err := gw.Put(context.Background(), key, strings.NewReader(content), ""); err != nil {
		t.Fatalf("put blob %s: %v", key, err)
	}
}

// ReadBlob fetches a blob's full content and fails the test on error.
func ReadBlob(t testing.TB, gw blobstore.Gateway, key string) string {
	t.Helper()

	rc, err := gw.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("get blob %s: %v", key, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read blob %s: %v", key, err)
	}
	return string(data)
}
