package services_test

import (
	"errors"
	"strings"
	"testing"

	"clipd/internal/services"
)

func TestWrapTagsMarker(t *testing.T) {
	base := errors.New("connection reset")
	err := services.Wrap(services.ErrTransient, "transcribing", "submit audio", "provider unreachable", base)
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected transient marker, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped cause, got %v", err)
	}
	msg := err.Error()
	for _, want := range []string{"transcribing", "submit audio", "provider unreachable", "connection reset"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("message %q missing %q", msg, want)
		}
	}
}

func TestWrapDefaultsToTransient(t *testing.T) {
	err := services.Wrap(nil, "clipping", "poll render", "", nil)
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected default transient marker, got %v", err)
	}
}

func TestKind(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{services.Wrap(services.ErrValidation, "analyzing", "", "", nil), "validation"},
		{services.Wrap(services.ErrProviderRejected, "clipping", "", "", nil), "provider_rejected"},
		{services.Wrap(services.ErrDataMissing, "preprocessing", "", "", nil), "data_missing"},
		{services.Wrap(services.ErrTimeout, "preprocessing", "", "", nil), "timeout"},
		{services.Wrap(services.ErrQuota, "clipping", "", "", nil), "quota"},
		{errors.New("plain"), "unknown"},
	}
	for _, tc := range cases {
		if got := services.Kind(tc.err); got != tc.want {
			t.Fatalf("Kind(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestRetryable(t *testing.T) {
	if !services.Retryable(services.Wrap(services.ErrTimeout, "preprocessing", "extract", "", nil)) {
		t.Fatal("timeout should be retryable")
	}
	if services.Retryable(services.Wrap(services.ErrProviderRejected, "clipping", "render", "", nil)) {
		t.Fatal("rejection should not be retryable")
	}
	if services.Retryable(nil) {
		t.Fatal("nil should not be retryable")
	}
}
