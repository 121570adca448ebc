package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"clipd/internal/logging"
	"clipd/internal/queue"
	"clipd/internal/services"
	"clipd/internal/stage"
)

func (m *Manager) processJob(ctx context.Context, workerLogger *slog.Logger, job *queue.Job) error {
	handler, ok := m.handlers[job.Stage]
	if !ok {
		detail := fmt.Sprintf("configuration: no handler registered for stage %s", job.Stage)
		if _, err := m.store.MarkFailed(ctx, job.ID, job.ClaimEpoch, detail); err != nil {
			workerLogger.Error("failed to persist missing handler failure", logging.Error(err))
		}
		err := errors.New(detail)
		m.setLastError(err)
		return err
	}

	stageCtx := services.WithJobID(ctx, job.ID)
	stageCtx = services.WithStage(stageCtx, string(job.Stage))
	stageCtx = services.WithRequestID(stageCtx, uuid.NewString())
	logger := logging.WithContext(stageCtx, workerLogger)

	stageStart := time.Now()
	logger.Info("stage started",
		logging.String(logging.FieldEventType, "stage_start"),
		logging.String("source_key", job.SourceKey),
	)

	if err := handler.Prepare(stageCtx, job); err != nil {
		m.failJob(stageCtx, logger, job, err)
		return err
	}

	execErr := m.executeWithHeartbeat(stageCtx, logger, handler, job)
	if execErr != nil {
		if errors.Is(execErr, context.Canceled) {
			logger.Debug("stage interrupted by shutdown")
			return execErr
		}
		m.failJob(stageCtx, logger, job, execErr)
		return execErr
	}

	fromStage := job.Stage
	advanced, err := m.store.Advance(stageCtx, job, job.ClaimEpoch)
	if err != nil {
		m.setLastError(err)
		logger.Error("failed to persist stage result", logging.Error(err))
		return err
	}
	if !advanced {
		// The claim was reclaimed while this worker was executing. The new
		// owner's run is authoritative; this worker's results are dropped.
		logger.Warn("stage result discarded, claim lost to reclaim",
			logging.String(logging.FieldEventType, "stage_result_discarded"),
			logging.Int64("claim_epoch", job.ClaimEpoch),
		)
		return nil
	}

	logger.Info("stage completed",
		logging.String(logging.FieldEventType, "stage_complete"),
		logging.String("from_stage", string(fromStage)),
		logging.String("next_stage", string(job.Stage)),
		logging.Duration("stage_duration", time.Since(stageStart)),
	)

	if job.Stage == queue.StageCompleted && m.cleaner != nil {
		if err := m.cleaner.CleanupJob(stageCtx, job); err != nil {
			// Cleanup trouble never fails a completed job; the retention
			// sweep reclaims whatever this pass missed.
			logger.Warn("per-job cleanup failed", logging.Error(err))
		}
	}
	return nil
}

// executeWithHeartbeat runs the stage handler with a heartbeat loop keeping
// the claim alive. Retryable errors get the configured in-place retry budget.
func (m *Manager) executeWithHeartbeat(ctx context.Context, logger *slog.Logger, handler stage.Handler, job *queue.Job) error {
	hbCtx, hbCancel := context.WithCancel(ctx)
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go func() {
		defer hbWG.Done()
		m.runHeartbeat(hbCtx, logger, job.ID, job.ClaimEpoch)
	}()
	defer func() {
		hbCancel()
		hbWG.Wait()
	}()

	var execErr error
	for attempt := 1; attempt <= m.retryLimit; attempt++ {
		execErr = handler.Execute(ctx, job)
		if execErr == nil {
			return nil
		}
		if ctx.Err() != nil || attempt == m.retryLimit || !services.Retryable(execErr) {
			return execErr
		}
		logger.Warn("stage attempt failed, retrying",
			logging.Int("attempt", attempt),
			logging.Int("retry_limit", m.retryLimit),
			logging.Error(execErr),
		)
	}
	return execErr
}

// failJob records a one-way transition to failed with a kind-prefixed detail.
func (m *Manager) failJob(ctx context.Context, logger *slog.Logger, job *queue.Job, cause error) {
	m.setLastError(cause)
	detail := failureDetail(cause)

	logger.Error("stage failed",
		logging.String(logging.FieldEventType, "stage_failure"),
		logging.Alert("stage_failure"),
		logging.String("error_detail", detail),
		logging.Error(cause),
	)

	marked, err := m.store.MarkFailed(ctx, job.ID, job.ClaimEpoch, detail)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Debug("daemon shutting down, could not persist stage failure")
			return
		}
		logger.Error("failed to persist stage failure", logging.Error(err))
		return
	}
	if !marked {
		logger.Warn("stage failure discarded, claim lost to reclaim",
			logging.Int64("claim_epoch", job.ClaimEpoch),
		)
	}
}

func failureDetail(err error) string {
	if err == nil {
		return "unknown: stage failed without error detail"
	}
	message := strings.TrimSpace(err.Error())
	kind := services.Kind(err)
	if kind == "" {
		return message
	}
	if strings.HasPrefix(message, kind+":") {
		return message
	}
	return kind + ": " + message
}
