// Package clip implements the render stage. Each queued segment is submitted
// to the render provider, polled to completion, and its output archived in
// blob storage. Segments render concurrently under a global cap shared across
// jobs; one segment's failure never aborts its siblings.
package clip

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"clipd/internal/blobstore"
	"clipd/internal/config"
	"clipd/internal/logging"
	"clipd/internal/queue"
	"clipd/internal/services"
	"clipd/internal/services/renderkit"
	"clipd/internal/stage"
)

const (
	defaultPollInterval = 3 * time.Second
	defaultPollTimeout  = 10 * time.Minute
	clipMimeType        = "video/mp4"
)

// Renderer is the provider contract this stage depends on.
type Renderer interface {
	Submit(ctx context.Context, req renderkit.Request) (string, error)
	Poll(ctx context.Context, renderID string) (renderkit.State, error)
	Download(ctx context.Context, url string) (io.ReadCloser, error)
}

// Handler renders a job's segments into standalone clips.
type Handler struct {
	cfg     *config.Config
	store   *queue.Store
	gateway blobstore.Gateway
	client  Renderer
	sem     *semaphore.Weighted
	logger  *slog.Logger
}

// New constructs the clipping handler. The returned handler owns the render
// concurrency cap, so a single instance must be shared by all workers.
func New(cfg *config.Config, store *queue.Store, gateway blobstore.Gateway, client Renderer, logger *slog.Logger) *Handler {
	if client == nil {
		client = renderkit.NewClient(cfg.Renderer)
	}
	concurrency := int64(cfg.Renderer.Concurrency)
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Handler{
		cfg:     cfg,
		store:   store,
		gateway: gateway,
		client:  client,
		sem:     semaphore.NewWeighted(concurrency),
		logger:  logging.WithComponent(logger, "clip"),
	}
}

// Prepare validates that analysis produced segments to render.
func (h *Handler) Prepare(ctx context.Context, job *queue.Job) error {
	segments, err := h.store.SegmentsByJob(ctx, job.ID)
	if err != nil {
		return err
	}
	if len(segments) == 0 {
		return services.Wrap(services.ErrDataMissing, "clipping", "prepare", "job has no segments", nil)
	}
	return nil
}

// Execute renders every non-terminal segment. The stage fails only on
// infrastructure errors; per-segment provider failures are recorded on the
// segment and the job still completes.
func (h *Handler) Execute(ctx context.Context, job *queue.Job) error {
	logger := logging.WithContext(ctx, h.logger)

	segments, err := h.store.SegmentsByJob(ctx, job.ID)
	if err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for _, segment := range segments {
		if segment.RenderStatus.IsTerminal() {
			continue
		}
		segment := segment
		group.Go(func() error {
			if err := h.sem.Acquire(groupCtx, 1); err != nil {
				return services.Wrap(services.ErrTransient, "clipping", "acquire render slot", "", err)
			}
			defer h.sem.Release(1)
			return h.renderSegment(groupCtx, logger, job, segment)
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	rendered, err := h.store.SegmentsByJob(ctx, job.ID)
	if err != nil {
		return err
	}
	var completed, failed int
	for _, segment := range rendered {
		switch segment.RenderStatus {
		case queue.RenderCompleted:
			completed++
		case queue.RenderFailed:
			failed++
		}
	}
	logger.Info("clipping complete",
		logging.Int("completed", completed),
		logging.Int("failed", failed),
	)
	return nil
}

// HealthCheck verifies the render provider is configured.
func (h *Handler) HealthCheck(ctx context.Context) stage.Health {
	const name = "clip"
	if strings.TrimSpace(h.cfg.Renderer.APIKey) == "" {
		return stage.Unhealthy(name, "renderer api key not configured")
	}
	if strings.TrimSpace(h.cfg.Renderer.BaseURL) == "" {
		return stage.Unhealthy(name, "renderer base url not configured")
	}
	return stage.Healthy(name)
}

// renderSegment drives one segment to a terminal render status. Provider
// failures are persisted on the segment and return nil; only store and
// gateway errors propagate as stage failures.
func (h *Handler) renderSegment(ctx context.Context, logger *slog.Logger, job *queue.Job, segment *queue.Segment) error {
	segLogger := logger.With(
		logging.String(logging.FieldSegmentID, segment.ID),
		logging.Int("display_index", segment.DisplayIndex),
	)

	renderID, err := h.client.Submit(ctx, renderkit.Request{
		SourceURL: h.gateway.PublicURL(job.SourceKey),
		Start:     segment.StartTime,
		Duration:  segment.Duration(),
		Title:     segment.Title,
		Waveform:  job.MediaKind == queue.MediaAudio,
	})
	if err != nil {
		return h.failSegment(ctx, segLogger, segment, "submit", err)
	}
	if err := h.store.UpdateSegmentRender(ctx, segment.ID, queue.RenderRendering, "", ""); err != nil {
		return err
	}
	segLogger.Info("render submitted", logging.String("render_id", renderID))

	state, err := h.awaitRender(ctx, renderID)
	if err != nil {
		return h.failSegment(ctx, segLogger, segment, "poll", err)
	}
	if state.Status == renderkit.StatusFailed {
		return h.failSegment(ctx, segLogger, segment, "render",
			services.Wrap(services.ErrProviderRejected, "clipping", "render", state.Detail, nil))
	}

	rc, err := h.client.Download(ctx, state.URL)
	if err != nil {
		return h.failSegment(ctx, segLogger, segment, "download", err)
	}
	defer rc.Close()

	outputKey := blobstore.ClipKey(job.ID, segment.DisplayIndex)
	if _, err := h.gateway.Put(ctx, outputKey, rc, clipMimeType); err != nil {
		// Storage trouble affects every segment; surface it as a stage error.
		return err
	}
	if err := h.store.UpdateSegmentRender(ctx, segment.ID, queue.RenderCompleted, outputKey, ""); err != nil {
		return err
	}
	segLogger.Info("segment rendered", logging.String("output_key", outputKey))
	return nil
}

// awaitRender polls the provider until the render reaches a terminal state or
// the configured poll timeout elapses.
func (h *Handler) awaitRender(ctx context.Context, renderID string) (renderkit.State, error) {
	interval := defaultPollInterval
	if h.cfg.Renderer.PollIntervalSeconds > 0 {
		interval = time.Duration(h.cfg.Renderer.PollIntervalSeconds) * time.Second
	}
	timeout := defaultPollTimeout
	if h.cfg.Renderer.PollTimeoutSeconds > 0 {
		timeout = time.Duration(h.cfg.Renderer.PollTimeoutSeconds) * time.Second
	}

	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		state, err := h.client.Poll(pollCtx, renderID)
		if err != nil {
			if errors.Is(pollCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				return renderkit.State{}, services.Wrap(services.ErrTimeout, "clipping", "poll render",
					fmt.Sprintf("render %s did not finish within %s", renderID, timeout), nil)
			}
			return renderkit.State{}, err
		}
		if state.Status.IsTerminal() {
			return state, nil
		}

		timer := time.NewTimer(interval)
		select {
		case <-pollCtx.Done():
			timer.Stop()
			if ctx.Err() == nil {
				return renderkit.State{}, services.Wrap(services.ErrTimeout, "clipping", "poll render",
					fmt.Sprintf("render %s did not finish within %s", renderID, timeout), nil)
			}
			return renderkit.State{}, ctx.Err()
		case <-timer.C:
		}
	}
}

// failSegment records a provider failure on the segment. The stage itself
// succeeds so sibling segments and the job can still finish.
func (h *Handler) failSegment(ctx context.Context, logger *slog.Logger, segment *queue.Segment, operation string, cause error) error {
	if ctx.Err() != nil && errors.Is(cause, ctx.Err()) {
		return cause
	}
	detail := fmt.Sprintf("%s: %v", operation, cause)
	logger.Warn("segment render failed",
		logging.String("operation", operation),
		logging.Error(cause),
	)
	if err := h.store.UpdateSegmentRender(ctx, segment.ID, queue.RenderFailed, "", detail); err != nil {
		return err
	}
	return nil
}

var _ stage.Handler = (*Handler)(nil)
