package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewJobParams carries the caller-supplied configuration for a submission.
// ID is optional; when set it must be the identifier the source key was built
// under, so the job's blobs share its storage prefix.
type NewJobParams struct {
	ID           string
	MediaKind    MediaKind
	SegmentCount int
	MinDuration  float64
	MaxDuration  float64
	SourceKey    string
}

func (p NewJobParams) validate() error {
	switch p.MediaKind {
	case MediaVideo, MediaAudio:
	default:
		return fmt.Errorf("media kind must be video or audio, got %q", p.MediaKind)
	}
	if p.SegmentCount <= 0 {
		return errors.New("segment count must be positive")
	}
	if p.MinDuration <= 0 || p.MaxDuration <= 0 {
		return errors.New("segment durations must be positive")
	}
	if p.MinDuration > p.MaxDuration {
		return errors.New("min duration must not exceed max duration")
	}
	if p.SourceKey == "" {
		return errors.New("source key is required")
	}
	return nil
}

// NewJob inserts a pending job for a submitted media file.
func (s *Store) NewJob(ctx context.Context, params NewJobParams) (*Job, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	now := timestamp(time.Now())
	id := params.ID
	if id == "" {
		id = uuid.NewString()
	}

	if _, err := s.execWithRetry(
		ctx,
		`INSERT INTO jobs (
            id, stage, media_kind, segment_count, min_duration, max_duration,
            source_key, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id,
		StagePending,
		params.MediaKind,
		params.SegmentCount,
		params.MinDuration,
		params.MaxDuration,
		params.SourceKey,
		now,
		now,
	); err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return s.GetJob(ctx, id)
}

// GetJob fetches a job by identifier. Returns nil when the job is unknown.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// List returns jobs filtered by stage set (or all jobs when no stage is provided).
func (s *Store) List(ctx context.Context, stages ...Stage) ([]*Job, error) {
	var (
		rows *sql.Rows
		err  error
	)

	baseQuery := `SELECT ` + jobColumns + ` FROM jobs`
	orderClause := ` ORDER BY created_at`

	if len(stages) == 0 {
		rows, err = s.db.QueryContext(ctx, baseQuery+orderClause)
	} else {
		placeholders := makePlaceholders(len(stages))
		args := make([]any, len(stages))
		for i, stage := range stages {
			args[i] = stage
		}
		rows, err = s.db.QueryContext(ctx, baseQuery+` WHERE stage IN (`+placeholders+`)`+orderClause, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// NextReady returns the oldest claimable job: one sitting in a work stage with
// no live heartbeat. staleBefore is the heartbeat expiry cutoff.
func (s *Store) NextReady(ctx context.Context, staleBefore time.Time) (*Job, error) {
	placeholders := makePlaceholders(len(workStages))
	args := make([]any, 0, len(workStages)+1)
	for _, stage := range workStages {
		args = append(args, stage)
	}
	args = append(args, timestamp(staleBefore))

	query := `SELECT ` + jobColumns + ` FROM jobs
        WHERE stage IN (` + placeholders + `)
          AND (last_heartbeat IS NULL OR last_heartbeat < ?)
        ORDER BY created_at LIMIT 1`
	row := s.db.QueryRowContext(ctx, query, args...)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next ready job: %w", err)
	}
	return job, nil
}

// Claim takes ownership of a job observed in stage from. Pending jobs are
// claimed directly into preprocessing. The claim bumps the epoch so a worker
// that later lost the job to reclaim cannot write back results. Returns the
// refreshed job and whether the claim won.
func (s *Store) Claim(ctx context.Context, id string, from Stage, staleBefore time.Time) (*Job, bool, error) {
	target := from
	if from == StagePending {
		target = StagePreprocessing
	}
	now := timestamp(time.Now())

	res, err := s.execWithRetry(
		ctx,
		`UPDATE jobs
         SET stage = ?, last_heartbeat = ?, claim_epoch = claim_epoch + 1, updated_at = ?
         WHERE id = ? AND stage = ? AND (last_heartbeat IS NULL OR last_heartbeat < ?)`,
		target,
		now,
		now,
		id,
		from,
		timestamp(staleBefore),
	)
	if err != nil {
		return nil, false, fmt.Errorf("claim job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return nil, false, nil
	}
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return job, job != nil, nil
}

// Heartbeat refreshes the liveness timestamp for a claimed job. The epoch
// guard keeps a reclaimed worker from reviving a claim it no longer owns.
func (s *Store) Heartbeat(ctx context.Context, id string, epoch int64) error {
	now := time.Now().UTC()
	if err := s.execWithoutResultRetry(
		ctx,
		`UPDATE jobs SET last_heartbeat = ?, updated_at = ?
         WHERE id = ? AND claim_epoch = ? AND stage NOT IN (?, ?)`,
		timestamp(now),
		timestamp(now),
		id,
		epoch,
		StageCompleted,
		StageFailed,
	); err != nil {
		return fmt.Errorf("update heartbeat: %w", err)
	}
	return nil
}

// Advance commits a finished stage: it persists the job's stage outputs and
// moves it to the next stage in one compare-and-swap write. A false return
// means the job was failed or reclaimed mid-flight and the results must be
// discarded.
func (s *Store) Advance(ctx context.Context, job *Job, epoch int64) (bool, error) {
	if job == nil {
		return false, errors.New("job is nil")
	}
	next, ok := NextStage(job.Stage)
	if !ok {
		return false, fmt.Errorf("stage %q has no successor", job.Stage)
	}
	now := time.Now().UTC()
	var completedAt any
	if next == StageCompleted {
		completedAt = timestamp(now)
	}

	res, err := s.execWithRetry(
		ctx,
		`UPDATE jobs
         SET stage = ?, extracted_audio_key = ?, source_duration = ?, transcript_json = ?,
             error_detail = NULL, last_heartbeat = NULL, updated_at = ?, completed_at = ?
         WHERE id = ? AND stage = ? AND claim_epoch = ?`,
		next,
		nullableString(job.ExtractedAudioKey),
		nullableFloat(job.SourceDuration),
		nullableString(job.TranscriptJSON),
		timestamp(now),
		completedAt,
		job.ID,
		job.Stage,
		epoch,
	)
	if err != nil {
		return false, fmt.Errorf("advance job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if affected > 0 {
		job.Stage = next
	}
	return affected > 0, nil
}

// MarkFailed transitions a job to failed and records its error detail. The
// stage it failed from is kept so a retry can resume there. Terminal jobs are
// left untouched.
func (s *Store) MarkFailed(ctx context.Context, id string, epoch int64, detail string) (bool, error) {
	res, err := s.execWithRetry(
		ctx,
		`UPDATE jobs
         SET failed_stage = stage, stage = ?, error_detail = ?, last_heartbeat = NULL, updated_at = ?
         WHERE id = ? AND claim_epoch = ? AND stage NOT IN (?, ?)`,
		StageFailed,
		detail,
		timestamp(time.Now()),
		id,
		epoch,
		StageCompleted,
		StageFailed,
	)
	if err != nil {
		return false, fmt.Errorf("mark job failed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// MarkCleaned flips the once-only cleanup guard for a completed job. A false
// return means another invocation already claimed the cleanup.
func (s *Store) MarkCleaned(ctx context.Context, id string) (bool, error) {
	res, err := s.execWithRetry(
		ctx,
		`UPDATE jobs SET cleaned_up = 1, updated_at = ?
         WHERE id = ? AND stage = ? AND cleaned_up = 0`,
		timestamp(time.Now()),
		id,
		StageCompleted,
	)
	if err != nil {
		return false, fmt.Errorf("mark job cleaned: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// RetryFailed moves failed jobs back to the stage they failed in. With no ids
// it retries every failed job.
func (s *Store) RetryFailed(ctx context.Context, ids ...string) (int64, error) {
	setClause := `SET stage = CASE WHEN failed_stage IS NULL OR failed_stage = '' THEN 'pending' ELSE failed_stage END,
            failed_stage = NULL, error_detail = NULL, last_heartbeat = NULL, updated_at = ?`
	now := timestamp(time.Now())

	if len(ids) == 0 {
		res, err := s.execWithRetry(
			ctx,
			`UPDATE jobs `+setClause+` WHERE stage = ?`,
			now,
			StageFailed,
		)
		if err != nil {
			return 0, fmt.Errorf("retry failed jobs: %w", err)
		}
		return res.RowsAffected()
	}

	placeholders := makePlaceholders(len(ids))
	args := make([]any, 0, len(ids)+2)
	args = append(args, now, StageFailed)
	for _, id := range ids {
		args = append(args, id)
	}
	res, err := s.execWithRetry(
		ctx,
		`UPDATE jobs `+setClause+` WHERE stage = ? AND id IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return 0, fmt.Errorf("retry selected jobs: %w", err)
	}
	return res.RowsAffected()
}

// ClearFailed removes failed jobs and their segments from the queue.
func (s *Store) ClearFailed(ctx context.Context) (int64, error) {
	if err := s.execWithoutResultRetry(
		ctx,
		`DELETE FROM segments WHERE job_id IN (SELECT id FROM jobs WHERE stage = ?)`,
		StageFailed,
	); err != nil {
		return 0, fmt.Errorf("clear failed segments: %w", err)
	}
	res, err := s.execWithRetry(ctx, `DELETE FROM jobs WHERE stage = ?`, StageFailed)
	if err != nil {
		return 0, fmt.Errorf("clear failed jobs: %w", err)
	}
	return res.RowsAffected()
}
