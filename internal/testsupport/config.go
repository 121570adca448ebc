// Package testsupport provides shared helpers for package tests: temp-backed
// configs, queue stores, and a local blob gateway.
package testsupport

import (
	"path/filepath"
	"testing"

	"clipd/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.StagingDir = filepath.Join(base, "staging")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Paths.DBPath = filepath.Join(base, "clipd.db")
	cfg.Paths.APIBind = "127.0.0.1:0"
	cfg.Storage.Backend = "local"
	cfg.Storage.LocalDir = filepath.Join(base, "blobs")
	cfg.Workflow.QueuePollInterval = 1
	cfg.Workflow.HeartbeatInterval = 1
	cfg.Workflow.HeartbeatTimeout = 5

	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure config directories: %v", err)
	}
	return &cfg
}

// WithWorkers overrides the worker pool size on the test config.
func WithWorkers(n int) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Workflow.Workers = n
	}
}

// WithRenderConcurrency overrides the global render cap on the test config.
func WithRenderConcurrency(n int) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Renderer.Concurrency = n
	}
}
