package queue

import (
	"database/sql"
	"errors"
	"time"
)

const jobColumns = "id, stage, media_kind, segment_count, min_duration, max_duration, source_key, extracted_audio_key, source_duration, transcript_json, error_detail, failed_stage, last_heartbeat, claim_epoch, cleaned_up, created_at, updated_at, completed_at"

const segmentColumns = "id, job_id, display_index, title, description, rationale, start_time, end_time, render_status, output_key, render_error, created_at, updated_at"

func scanJob(scanner interface{ Scan(dest ...any) error }) (*Job, error) {
	var (
		id             string
		stageStr       string
		mediaKind      string
		segmentCount   int
		minDuration    float64
		maxDuration    float64
		sourceKey      string
		extractedAudio sql.NullString
		sourceDuration sql.NullFloat64
		transcript     sql.NullString
		errorDetail    sql.NullString
		failedStage    sql.NullString
		heartbeatRaw   sql.NullString
		claimEpoch     int64
		cleanedUp      sql.NullInt64
		createdRaw     sql.NullString
		updatedRaw     sql.NullString
		completedRaw   sql.NullString
	)

	if err := scanner.Scan(
		&id,
		&stageStr,
		&mediaKind,
		&segmentCount,
		&minDuration,
		&maxDuration,
		&sourceKey,
		&extractedAudio,
		&sourceDuration,
		&transcript,
		&errorDetail,
		&failedStage,
		&heartbeatRaw,
		&claimEpoch,
		&cleanedUp,
		&createdRaw,
		&updatedRaw,
		&completedRaw,
	); err != nil {
		return nil, err
	}

	job := &Job{
		ID:                id,
		Stage:             Stage(stageStr),
		MediaKind:         MediaKind(mediaKind),
		SegmentCount:      segmentCount,
		MinDuration:       minDuration,
		MaxDuration:       maxDuration,
		SourceKey:         sourceKey,
		ExtractedAudioKey: extractedAudio.String,
		SourceDuration:    sourceDuration.Float64,
		TranscriptJSON:    transcript.String,
		ErrorDetail:       errorDetail.String,
		FailedStage:       Stage(failedStage.String),
		ClaimEpoch:        claimEpoch,
	}
	if cleanedUp.Valid {
		job.CleanedUp = cleanedUp.Int64 != 0
	}
	if created, err := parseTimeString(createdRaw.String); err == nil {
		job.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		job.UpdatedAt = updated
	}
	if heartbeatRaw.Valid {
		if heartbeat, err := parseTimeString(heartbeatRaw.String); err == nil {
			job.LastHeartbeat = &heartbeat
		}
	}
	if completedRaw.Valid {
		if completed, err := parseTimeString(completedRaw.String); err == nil {
			job.CompletedAt = &completed
		}
	}
	return job, nil
}

func scanSegment(scanner interface{ Scan(dest ...any) error }) (*Segment, error) {
	var (
		id           string
		jobID        string
		displayIndex int
		title        string
		description  sql.NullString
		rationale    sql.NullString
		startTime    float64
		endTime      float64
		renderStatus string
		outputKey    sql.NullString
		renderError  sql.NullString
		createdRaw   sql.NullString
		updatedRaw   sql.NullString
	)

	if err := scanner.Scan(
		&id,
		&jobID,
		&displayIndex,
		&title,
		&description,
		&rationale,
		&startTime,
		&endTime,
		&renderStatus,
		&outputKey,
		&renderError,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}

	segment := &Segment{
		ID:           id,
		JobID:        jobID,
		DisplayIndex: displayIndex,
		Title:        title,
		Description:  description.String,
		Rationale:    rationale.String,
		StartTime:    startTime,
		EndTime:      endTime,
		RenderStatus: RenderStatus(renderStatus),
		OutputKey:    outputKey.String,
		RenderError:  renderError.String,
	}
	if created, err := parseTimeString(createdRaw.String); err == nil {
		segment.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		segment.UpdatedAt = updated
	}
	return segment, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableFloat(value float64) any {
	if value == 0 {
		return nil
	}
	return value
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
