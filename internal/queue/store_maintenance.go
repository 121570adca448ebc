package queue

import (
	"context"
	"fmt"
	"time"
)

// Stats returns a count of jobs grouped by stage.
func (s *Store) Stats(ctx context.Context) (map[Stage]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT stage, COUNT(1) FROM jobs GROUP BY stage`)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[Stage]int)
	for rows.Next() {
		var stage Stage
		var count int
		if err := rows.Scan(&stage, &count); err != nil {
			return nil, err
		}
		stats[stage] = count
	}
	return stats, rows.Err()
}

// Health aggregates queue state for diagnostic output.
func (s *Store) Health(ctx context.Context) (HealthSummary, error) {
	stats, err := s.Stats(ctx)
	if err != nil {
		return HealthSummary{}, err
	}
	health := HealthSummary{}
	for stage, count := range stats {
		health.Total += count
		switch stage {
		case StagePending:
			health.Pending += count
		case StageFailed:
			health.Failed += count
		case StageCompleted:
			health.Completed += count
		default:
			health.Processing += count
		}
	}
	return health, nil
}

// ProtectedJobIDs returns jobs whose blobs the retention sweep must leave
// alone: anything still moving through the pipeline, plus completed jobs whose
// per-job cleanup has not yet run.
func (s *Store) ProtectedJobIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id FROM jobs
         WHERE stage NOT IN (?, ?) OR (stage = ? AND cleaned_up = 0)`,
		StageCompleted,
		StageFailed,
		StageCompleted,
	)
	if err != nil {
		return nil, fmt.Errorf("protected job ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// OutputKeysSince returns clip output keys of segments created at or after
// the cutoff. The sweep preserves these.
func (s *Store) OutputKeysSince(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT output_key FROM segments
         WHERE output_key IS NOT NULL AND created_at >= ?`,
		timestamp(cutoff),
	)
	if err != nil {
		return nil, fmt.Errorf("recent output keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
