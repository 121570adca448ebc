// Package preprocess implements the first pipeline stage: fetching the
// submitted media, extracting its audio track for video sources, and probing
// the source duration.
package preprocess

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"clipd/internal/blobstore"
	"clipd/internal/config"
	"clipd/internal/logging"
	"clipd/internal/queue"
	"clipd/internal/services"
	"clipd/internal/services/ffkit"
	"clipd/internal/stage"
)

const (
	extractBaseTimeout  = 5 * time.Minute
	extractPerChunk     = 1 * time.Minute
	extractChunkBytes   = 100 << 20
	extractedAudioName  = "audio.mp3"
	audioUploadMimeType = "audio/mpeg"
)

// Handler prepares a job's audio track for transcription.
type Handler struct {
	cfg     *config.Config
	gateway blobstore.Gateway
	media   ffkit.Client
	logger  *slog.Logger
}

// New constructs the preprocessing handler.
func New(cfg *config.Config, gateway blobstore.Gateway, media ffkit.Client, logger *slog.Logger) *Handler {
	if media == nil {
		media = ffkit.NewCLI(ffkit.WithBinaries(cfg.FFmpegBinary(), cfg.FFprobeBinary()))
	}
	return &Handler{
		cfg:     cfg,
		gateway: gateway,
		media:   media,
		logger:  logging.WithComponent(logger, "preprocess"),
	}
}

// Prepare validates the job before any work is committed.
func (h *Handler) Prepare(ctx context.Context, job *queue.Job) error {
	if job.SourceKey == "" {
		return services.Wrap(services.ErrValidation, "preprocessing", "prepare", "job has no source key", nil)
	}
	if _, ok := queue.ParseMediaKind(string(job.MediaKind)); !ok {
		return services.Wrap(services.ErrValidation, "preprocessing", "prepare",
			fmt.Sprintf("unknown media kind %q", job.MediaKind), nil)
	}
	return nil
}

// Execute downloads the source, extracts audio for video jobs, and records
// the probed duration on the job.
func (h *Handler) Execute(ctx context.Context, job *queue.Job) error {
	logger := logging.WithContext(ctx, h.logger)

	sourcePath, size, err := h.download(ctx, job)
	if err != nil {
		return err
	}
	defer os.Remove(sourcePath)

	audioPath := sourcePath
	if job.MediaKind == queue.MediaVideo {
		audioPath = filepath.Join(h.cfg.Paths.StagingDir, job.ID+"-"+extractedAudioName)
		defer os.Remove(audioPath)

		timeout := extractTimeout(size, h.cfg.Workflow.ExtractTimeoutCapMinutes)
		logger.Info("extracting audio track",
			logging.String("source_key", job.SourceKey),
			logging.Int64("source_bytes", size),
			logging.Duration("timeout", timeout),
		)
		extractCtx, cancel := context.WithTimeout(ctx, timeout)
		err := h.media.ExtractAudio(extractCtx, sourcePath, audioPath)
		cancel()
		if err != nil {
			return err
		}

		audioKey := blobstore.AudioKey(job.ID, extractedAudioName)
		if err := h.upload(ctx, audioKey, audioPath); err != nil {
			return err
		}
		job.ExtractedAudioKey = audioKey
	}

	duration, err := h.media.ProbeDuration(ctx, audioPath)
	if err != nil {
		return err
	}
	job.SourceDuration = duration

	logger.Info("preprocessing complete",
		logging.Float64("source_duration", duration),
		logging.String("audio_key", job.AudioKey()),
	)
	return nil
}

// HealthCheck reports whether the media tools and staging directory are usable.
func (h *Handler) HealthCheck(ctx context.Context) stage.Health {
	const name = "preprocess"
	if err := h.media.Available(ctx); err != nil {
		return stage.Unhealthy(name, err.Error())
	}
	if err := os.MkdirAll(h.cfg.Paths.StagingDir, 0o755); err != nil {
		return stage.Unhealthy(name, fmt.Sprintf("staging dir: %v", err))
	}
	return stage.Healthy(name)
}

func (h *Handler) download(ctx context.Context, job *queue.Job) (string, int64, error) {
	rc, err := h.gateway.Get(ctx, job.SourceKey)
	if err != nil {
		return "", 0, err
	}
	defer rc.Close()

	path := filepath.Join(h.cfg.Paths.StagingDir, job.ID+"-source"+filepath.Ext(job.SourceKey))
	file, err := os.Create(path)
	if err != nil {
		return "", 0, services.Wrap(services.ErrTransient, "preprocessing", "stage source", "", err)
	}
	size, err := io.Copy(file, rc)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
		return "", 0, services.Wrap(services.ErrTransient, "preprocessing", "stage source", "", err)
	}
	return path, size, nil
}

func (h *Handler) upload(ctx context.Context, key, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return services.Wrap(services.ErrTransient, "preprocessing", "upload audio", "", err)
	}
	defer file.Close()
	if _, err := h.gateway.Put(ctx, key, file, audioUploadMimeType); err != nil {
		return err
	}
	return nil
}

// extractTimeout scales with source size so large files get proportionally
// more time, bounded by the configured cap.
func extractTimeout(sizeBytes int64, capMinutes int) time.Duration {
	timeout := extractBaseTimeout
	if sizeBytes > 0 {
		chunks := sizeBytes / extractChunkBytes
		timeout += time.Duration(chunks) * extractPerChunk
	}
	if capMinutes > 0 {
		if limit := time.Duration(capMinutes) * time.Minute; timeout > limit {
			timeout = limit
		}
	}
	return timeout
}

var _ stage.Handler = (*Handler)(nil)
