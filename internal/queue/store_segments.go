package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// InsertSegments bulk-creates a job's segments in provider rank order. The
// write is transactional so a partial analysis result is never visible.
func (s *Store) InsertSegments(ctx context.Context, jobID string, segments []*Segment) error {
	if len(segments) == 0 {
		return nil
	}
	ctx = ensureContext(ctx)
	now := timestamp(time.Now())

	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin segment tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		for i, segment := range segments {
			if segment.ID == "" {
				segment.ID = uuid.NewString()
			}
			segment.JobID = jobID
			segment.DisplayIndex = i
			if segment.RenderStatus == "" {
				segment.RenderStatus = RenderQueued
			}
			if _, err := tx.ExecContext(
				ctx,
				`INSERT INTO segments (
                    id, job_id, display_index, title, description, rationale,
                    start_time, end_time, render_status, created_at, updated_at
                ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				segment.ID,
				jobID,
				i,
				segment.Title,
				nullableString(segment.Description),
				nullableString(segment.Rationale),
				segment.StartTime,
				segment.EndTime,
				segment.RenderStatus,
				now,
				now,
			); err != nil {
				return fmt.Errorf("insert segment %d: %w", i, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit segments: %w", err)
		}
		return nil
	})
}

// SegmentsByJob returns a job's segments in display order.
func (s *Store) SegmentsByJob(ctx context.Context, jobID string) ([]*Segment, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+segmentColumns+` FROM segments WHERE job_id = ? ORDER BY display_index`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("query segments: %w", err)
	}
	defer rows.Close()

	var segments []*Segment
	for rows.Next() {
		segment, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}
		segments = append(segments, segment)
	}
	return segments, rows.Err()
}

// GetSegment fetches a segment by identifier. Returns nil when unknown.
func (s *Store) GetSegment(ctx context.Context, id string) (*Segment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+segmentColumns+` FROM segments WHERE id = ?`, id)
	segment, err := scanSegment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get segment: %w", err)
	}
	return segment, nil
}

// UpdateSegmentRender records a render transition. Terminal segments are
// immutable, so the write is guarded against regressing completed or failed
// rows.
func (s *Store) UpdateSegmentRender(ctx context.Context, id string, status RenderStatus, outputKey, renderError string) error {
	if err := s.execWithoutResultRetry(
		ctx,
		`UPDATE segments
         SET render_status = ?, output_key = ?, render_error = ?, updated_at = ?
         WHERE id = ? AND render_status NOT IN (?, ?)`,
		status,
		nullableString(outputKey),
		nullableString(renderError),
		timestamp(time.Now()),
		id,
		RenderCompleted,
		RenderFailed,
	); err != nil {
		return fmt.Errorf("update segment render: %w", err)
	}
	return nil
}
