// Package analyze implements the segment selection stage. The job's transcript
// is handed to the LLM with the clip constraints, the returned candidates are
// validated against the source duration and duration bounds, and accepted
// segments are persisted in provider order.
package analyze

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"clipd/internal/config"
	"clipd/internal/logging"
	"clipd/internal/queue"
	"clipd/internal/services"
	"clipd/internal/services/llm"
	"clipd/internal/services/scribe"
	"clipd/internal/stage"
)

// Analyzer is the completion contract this stage depends on.
type Analyzer interface {
	CompleteJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Handler selects highlight segments from a transcript.
type Handler struct {
	cfg    *config.Config
	store  *queue.Store
	client Analyzer
	logger *slog.Logger
}

// New constructs the analysis handler.
func New(cfg *config.Config, store *queue.Store, client Analyzer, logger *slog.Logger) *Handler {
	if client == nil {
		client = llm.NewClient(cfg.Analyzer)
	}
	return &Handler{
		cfg:    cfg,
		store:  store,
		client: client,
		logger: logging.WithComponent(logger, "analyze"),
	}
}

// Prepare validates that transcription left the job with a usable transcript.
func (h *Handler) Prepare(ctx context.Context, job *queue.Job) error {
	if job.TranscriptJSON == "" {
		return services.Wrap(services.ErrDataMissing, "analyzing", "prepare", "job has no transcript", nil)
	}
	if job.SourceDuration <= 0 {
		return services.Wrap(services.ErrDataMissing, "analyzing", "prepare", "job has no source duration", nil)
	}
	return nil
}

// Execute asks the model for segments and persists the validated result. An
// invalid response earns exactly one corrective re-request; a second invalid
// response fails the stage without persisting anything.
func (h *Handler) Execute(ctx context.Context, job *queue.Job) error {
	logger := logging.WithContext(ctx, h.logger)

	existing, err := h.store.SegmentsByJob(ctx, job.ID)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		logger.Info("segments already present, skipping provider call",
			logging.Int("segment_count", len(existing)))
		return nil
	}

	transcript, err := scribe.Decode(job.TranscriptJSON)
	if err != nil {
		return services.Wrap(services.ErrValidation, "analyzing", "decode transcript", "", err)
	}

	systemPrompt := buildSystemPrompt()
	userPrompt := buildUserPrompt(job, transcript)

	candidates, err := h.requestSegments(ctx, systemPrompt, userPrompt, job)
	if err != nil {
		var invalid *invalidResponseError
		if !errors.As(err, &invalid) {
			return err
		}
		logger.Warn("analysis response invalid, issuing corrective re-request",
			logging.Error(invalid.reason))
		corrective := userPrompt + "\n\nYour previous response was rejected: " + invalid.reason.Error() +
			"\nReturn a corrected JSON response that satisfies every constraint."
		candidates, err = h.requestSegments(ctx, systemPrompt, corrective, job)
		if err != nil {
			if errors.As(err, &invalid) {
				return services.Wrap(services.ErrValidation, "analyzing", "validate segments",
					"analysis produced invalid segments twice", invalid.reason)
			}
			return err
		}
	}

	segments := make([]*queue.Segment, 0, len(candidates))
	for _, c := range candidates {
		segments = append(segments, &queue.Segment{
			JobID:       job.ID,
			Title:       c.Title,
			Description: c.Description,
			Rationale:   c.Rationale,
			StartTime:   c.Start,
			EndTime:     c.End,
		})
	}
	if err := h.store.InsertSegments(ctx, job.ID, segments); err != nil {
		return err
	}

	if len(segments) < job.SegmentCount {
		logger.Warn("analysis returned fewer segments than requested",
			logging.Int("requested", job.SegmentCount),
			logging.Int("returned", len(segments)))
	}
	logger.Info("analysis complete", logging.Int("segment_count", len(segments)))
	return nil
}

// HealthCheck verifies the analyzer is configured.
func (h *Handler) HealthCheck(ctx context.Context) stage.Health {
	const name = "analyze"
	if strings.TrimSpace(h.cfg.Analyzer.APIKey) == "" {
		return stage.Unhealthy(name, "analyzer api key not configured")
	}
	if strings.TrimSpace(h.cfg.Analyzer.Model) == "" {
		return stage.Unhealthy(name, "analyzer model not configured")
	}
	return stage.Healthy(name)
}

// invalidResponseError marks a completion that succeeded at the transport
// level but produced segments the constraints reject. Only these earn a
// corrective re-request; provider errors pass through untouched.
type invalidResponseError struct {
	reason error
}

func (e *invalidResponseError) Error() string {
	return e.reason.Error()
}

func (h *Handler) requestSegments(ctx context.Context, systemPrompt, userPrompt string, job *queue.Job) ([]candidate, error) {
	content, err := h.client.CompleteJSON(ctx, systemPrompt, userPrompt)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Segments []candidate `json:"segments"`
	}
	if err := llm.DecodeJSON(content, &parsed); err != nil {
		return nil, &invalidResponseError{reason: fmt.Errorf("unparseable response: %w", err)}
	}
	if err := validateCandidates(parsed.Segments, job); err != nil {
		return nil, &invalidResponseError{reason: err}
	}
	return parsed.Segments, nil
}

var _ stage.Handler = (*Handler)(nil)
