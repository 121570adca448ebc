// Package transcribe implements the transcription stage: streaming the job's
// audio track to the speech-to-text provider and persisting the word-level
// transcript on the job.
package transcribe

import (
	"context"
	"io"
	"log/slog"
	"path"
	"strings"

	"clipd/internal/blobstore"
	"clipd/internal/config"
	"clipd/internal/logging"
	"clipd/internal/queue"
	"clipd/internal/services"
	"clipd/internal/services/scribe"
	"clipd/internal/stage"
)

// Transcriber is the provider contract this stage depends on.
type Transcriber interface {
	Transcribe(ctx context.Context, audio io.Reader, filename, language string) (scribe.Transcript, error)
}

// Handler produces the transcript a job's analysis stage consumes.
type Handler struct {
	cfg     *config.Config
	gateway blobstore.Gateway
	client  Transcriber
	logger  *slog.Logger
}

// New constructs the transcription handler.
func New(cfg *config.Config, gateway blobstore.Gateway, client Transcriber, logger *slog.Logger) *Handler {
	if client == nil {
		client = scribe.NewClient(cfg.Transcriber)
	}
	return &Handler{
		cfg:     cfg,
		gateway: gateway,
		client:  client,
		logger:  logging.WithComponent(logger, "transcribe"),
	}
}

// Prepare validates that preprocessing left the job with an audio track.
func (h *Handler) Prepare(ctx context.Context, job *queue.Job) error {
	if job.AudioKey() == "" {
		return services.Wrap(services.ErrDataMissing, "transcribing", "prepare", "job has no audio track", nil)
	}
	return nil
}

// Execute transcribes the job's audio. A job that already carries a
// transcript is left untouched so reclaimed work does not repeat the call.
func (h *Handler) Execute(ctx context.Context, job *queue.Job) error {
	logger := logging.WithContext(ctx, h.logger)
	if job.TranscriptJSON != "" {
		logger.Info("transcript already present, skipping provider call")
		return nil
	}

	audioKey := job.AudioKey()
	rc, err := h.gateway.Get(ctx, audioKey)
	if err != nil {
		return err
	}
	defer rc.Close()

	transcript, err := h.client.Transcribe(ctx, rc, path.Base(audioKey), h.cfg.Transcriber.Language)
	if err != nil {
		return err
	}
	if len(transcript.Words) == 0 && strings.TrimSpace(transcript.Text) == "" {
		return services.Wrap(services.ErrValidation, "transcribing", "validate transcript", "provider returned empty transcript", nil)
	}

	encoded, err := transcript.Encode()
	if err != nil {
		return services.Wrap(services.ErrValidation, "transcribing", "encode transcript", "", err)
	}
	job.TranscriptJSON = encoded
	if job.SourceDuration == 0 && transcript.Duration > 0 {
		job.SourceDuration = transcript.Duration
	}

	logger.Info("transcription complete",
		logging.Int("word_count", len(transcript.Words)),
		logging.String("language", transcript.Language),
		logging.Float64("transcript_duration", transcript.Duration),
	)
	return nil
}

// HealthCheck verifies the provider is configured.
func (h *Handler) HealthCheck(ctx context.Context) stage.Health {
	const name = "transcribe"
	if strings.TrimSpace(h.cfg.Transcriber.APIKey) == "" {
		return stage.Unhealthy(name, "transcriber api key not configured")
	}
	if strings.TrimSpace(h.cfg.Transcriber.BaseURL) == "" {
		return stage.Unhealthy(name, "transcriber base url not configured")
	}
	return stage.Healthy(name)
}

var _ stage.Handler = (*Handler)(nil)
