package queue

import (
	"strings"
	"time"
)

// Stage represents the lifecycle position of a job. Stages advance strictly
// forward; failed is reachable from any non-terminal stage and is one-way.
type Stage string

const (
	StagePending       Stage = "pending"
	StagePreprocessing Stage = "preprocessing"
	StageTranscribing  Stage = "transcribing"
	StageAnalyzing     Stage = "analyzing"
	StageClipping      Stage = "clipping"
	StageCompleted     Stage = "completed"
	StageFailed        Stage = "failed"
)

var allStages = []Stage{
	StagePending,
	StagePreprocessing,
	StageTranscribing,
	StageAnalyzing,
	StageClipping,
	StageCompleted,
	StageFailed,
}

var stageSet = func() map[Stage]struct{} {
	set := make(map[Stage]struct{}, len(allStages))
	for _, stage := range allStages {
		set[stage] = struct{}{}
	}
	return set
}()

// workStages are the stages a worker may claim and execute. A pending job is
// claimed directly into preprocessing.
var workStages = []Stage{
	StagePending,
	StagePreprocessing,
	StageTranscribing,
	StageAnalyzing,
	StageClipping,
}

// NextStage returns the stage a job advances to when the given stage's work
// succeeds.
func NextStage(stage Stage) (Stage, bool) {
	switch stage {
	case StagePreprocessing:
		return StageTranscribing, true
	case StageTranscribing:
		return StageAnalyzing, true
	case StageAnalyzing:
		return StageClipping, true
	case StageClipping:
		return StageCompleted, true
	default:
		return "", false
	}
}

// IsTerminal reports whether a stage is final.
func (s Stage) IsTerminal() bool {
	return s == StageCompleted || s == StageFailed
}

// AllStages returns the ordered list of known stages.
func AllStages() []Stage {
	cp := make([]Stage, len(allStages))
	copy(cp, allStages)
	return cp
}

// ParseStage converts a string into a known Stage.
func ParseStage(value string) (Stage, bool) {
	normalized := Stage(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := stageSet[normalized]
	return normalized, ok
}

// MediaKind distinguishes video sources, which need audio extraction, from
// audio sources, which skip it.
type MediaKind string

const (
	MediaVideo MediaKind = "video"
	MediaAudio MediaKind = "audio"
)

// ParseMediaKind converts a string into a known MediaKind.
func ParseMediaKind(value string) (MediaKind, bool) {
	switch MediaKind(strings.ToLower(strings.TrimSpace(value))) {
	case MediaVideo:
		return MediaVideo, true
	case MediaAudio:
		return MediaAudio, true
	default:
		return "", false
	}
}

// RenderStatus tracks one segment through the render provider.
type RenderStatus string

const (
	RenderQueued    RenderStatus = "queued"
	RenderRendering RenderStatus = "rendering"
	RenderCompleted RenderStatus = "completed"
	RenderFailed    RenderStatus = "failed"
)

// IsTerminal reports whether a render status is final.
func (r RenderStatus) IsTerminal() bool {
	return r == RenderCompleted || r == RenderFailed
}

// Job represents one submitted media file and its processing run. Jobs are
// never deleted; completed jobs remain as audit records with cleaned_up set
// once their temporary blobs have been reclaimed.
type Job struct {
	ID                string
	Stage             Stage
	MediaKind         MediaKind
	SegmentCount      int
	MinDuration       float64
	MaxDuration       float64
	SourceKey         string
	ExtractedAudioKey string
	SourceDuration    float64
	TranscriptJSON    string
	ErrorDetail       string
	FailedStage       Stage
	LastHeartbeat     *time.Time
	ClaimEpoch        int64
	CleanedUp         bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
	CompletedAt       *time.Time
}

// AudioKey returns the blob key holding the job's audio track: the extracted
// track for video sources, the source itself for audio sources.
func (j *Job) AudioKey() string {
	if j.MediaKind == MediaAudio {
		return j.SourceKey
	}
	return j.ExtractedAudioKey
}

// Segment is one candidate highlight identified within a job's transcript,
// rendered independently of its siblings.
type Segment struct {
	ID           string
	JobID        string
	DisplayIndex int
	Title        string
	Description  string
	Rationale    string
	StartTime    float64
	EndTime      float64
	RenderStatus RenderStatus
	OutputKey    string
	RenderError  string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Duration returns the segment length in seconds.
func (s *Segment) Duration() float64 {
	return s.EndTime - s.StartTime
}

// HealthSummary describes aggregated job counts per lifecycle state.
type HealthSummary struct {
	Total      int
	Pending    int
	Processing int
	Failed     int
	Completed  int
}
