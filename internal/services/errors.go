package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTransient marks network-level or provider-side failures worth retrying.
	ErrTransient = errors.New("transient failure")
	// ErrValidation marks malformed input or provider payloads; never retried.
	ErrValidation = errors.New("validation error")
	// ErrConfiguration marks missing or inconsistent configuration.
	ErrConfiguration = errors.New("configuration error")
	// ErrProviderRejected marks a request the external capability refused outright.
	ErrProviderRejected = errors.New("provider rejected request")
	// ErrDataMissing marks an expected blob or record that is absent upstream.
	ErrDataMissing = errors.New("data missing")
	// ErrTimeout marks an execution that exceeded its bound; retryable up to the
	// owning stage's budget.
	ErrTimeout = errors.New("timeout")
	// ErrQuota marks storage quota exhaustion; fatal to the calling stage.
	ErrQuota = errors.New("quota exceeded")
)

// Wrap builds an error message that includes stage context while tagging it with
// the provided marker for later classification. The marker should be one of the
// exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Kind returns the taxonomy label for an error, used in structured logs and
// persisted error detail.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrProviderRejected):
		return "provider_rejected"
	case errors.Is(err, ErrDataMissing):
		return "data_missing"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrQuota):
		return "quota"
	case errors.Is(err, ErrTransient):
		return "transient"
	default:
		return "unknown"
	}
}

// Retryable reports whether an error belongs to a class the call site may retry.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrTimeout)
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
