package workflow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"clipd/internal/logging"
)

func (m *Manager) runWorker(ctx context.Context, index int) {
	defer m.wg.Done()
	logger := m.logger.With(logging.Int("worker", index))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := m.store.NextReady(ctx, m.staleCutoff())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.setLastError(err)
			logger.Error("failed to fetch next job",
				logging.Error(err),
				logging.String(logging.FieldEventType, "queue_fetch_failed"),
				logging.String(logging.FieldErrorHint, "check queue database access"),
			)
			m.waitForWork(ctx)
			continue
		}
		if job == nil {
			m.waitForWork(ctx)
			continue
		}

		claimed, won, err := m.store.Claim(ctx, job.ID, job.Stage, m.staleCutoff())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.setLastError(err)
			logger.Error("failed to claim job", logging.Error(err))
			m.waitForWork(ctx)
			continue
		}
		if !won {
			// Another worker got there first.
			continue
		}
		if claimed.LastHeartbeat != nil && job.LastHeartbeat != nil {
			logger.Info("reclaimed stale job",
				logging.String(logging.FieldJobID, claimed.ID),
				logging.String(logging.FieldStage, string(claimed.Stage)),
				logging.Int64("claim_epoch", claimed.ClaimEpoch),
			)
		}

		if err := m.processJob(ctx, logger, claimed); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
		}
	}
}

func (m *Manager) waitForWork(ctx context.Context) {
	interval := m.pollInterval
	if interval <= 0 {
		interval = time.Second
	}
	select {
	case <-ctx.Done():
	case <-time.After(interval):
	}
}

// runHeartbeat refreshes the job's claim until cancelled.
func (m *Manager) runHeartbeat(ctx context.Context, logger *slog.Logger, jobID string, epoch int64) {
	interval := m.heartbeatInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.store.Heartbeat(ctx, jobID, epoch); err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				logger.Warn("heartbeat update failed", logging.Error(err))
			}
		}
	}
}
