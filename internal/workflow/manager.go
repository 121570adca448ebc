package workflow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"clipd/internal/cleanup"
	"clipd/internal/config"
	"clipd/internal/logging"
	"clipd/internal/queue"
	"clipd/internal/stage"
)

// Manager coordinates queue processing using registered stage handlers.
type Manager struct {
	cfg     *config.Config
	store   *queue.Store
	cleaner *cleanup.Service
	logger  *slog.Logger

	handlers map[queue.Stage]stage.Handler

	workers           int
	pollInterval      time.Duration
	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
	retryLimit        int

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	lastErr error
}

// NewManager constructs a workflow manager. Handlers maps each work stage to
// the handler executing it; pending jobs use the preprocessing handler.
func NewManager(cfg *config.Config, store *queue.Store, handlers map[queue.Stage]stage.Handler, cleaner *cleanup.Service, logger *slog.Logger) *Manager {
	workers := cfg.Workflow.Workers
	if workers <= 0 {
		workers = 1
	}
	retryLimit := cfg.Workflow.StageRetryLimit
	if retryLimit <= 0 {
		retryLimit = 1
	}
	return &Manager{
		cfg:               cfg,
		store:             store,
		cleaner:           cleaner,
		logger:            logging.WithComponent(logger, "workflow"),
		handlers:          handlers,
		workers:           workers,
		pollInterval:      time.Duration(cfg.Workflow.QueuePollInterval) * time.Second,
		heartbeatInterval: time.Duration(cfg.Workflow.HeartbeatInterval) * time.Second,
		heartbeatTimeout:  time.Duration(cfg.Workflow.HeartbeatTimeout) * time.Second,
		retryLimit:        retryLimit,
	}
}

// Start begins background processing.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return errors.New("workflow already running")
	}
	if len(m.handlers) == 0 {
		return errors.New("workflow stages not configured")
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true

	m.wg.Add(m.workers)
	for i := 0; i < m.workers; i++ {
		go m.runWorker(runCtx, i)
	}
	m.logger.Info("workflow started", logging.Int("workers", m.workers))
	return nil
}

// Stop terminates background processing and waits for workers to drain.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	m.running = false
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
	m.logger.Info("workflow stopped")
}

// Running reports whether the worker pool is active.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// LastError returns the most recent worker-level failure, for diagnostics.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

func (m *Manager) setLastError(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}

// StageHealth runs every registered handler's health check.
func (m *Manager) StageHealth(ctx context.Context) []stage.Health {
	seen := make(map[string]struct{}, len(m.handlers))
	var healths []stage.Health
	for _, workStage := range []queue.Stage{
		queue.StagePreprocessing,
		queue.StageTranscribing,
		queue.StageAnalyzing,
		queue.StageClipping,
	} {
		handler, ok := m.handlers[workStage]
		if !ok {
			continue
		}
		health := handler.HealthCheck(ctx)
		if _, dup := seen[health.Name]; dup {
			continue
		}
		seen[health.Name] = struct{}{}
		healths = append(healths, health)
	}
	return healths
}

func (m *Manager) staleCutoff() time.Time {
	return time.Now().UTC().Add(-m.heartbeatTimeout)
}
