// Package cleanup reclaims blob storage. Per-job cleanup runs once when a job
// completes and removes its intermediate blobs; the retention sweep runs on a
// schedule and removes everything outside the preserve set.
package cleanup

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"clipd/internal/blobstore"
	"clipd/internal/config"
	"clipd/internal/logging"
	"clipd/internal/queue"
)

// sweepGracePeriod pads the retention cutoff so clips written moments before
// a sweep are never collected by it.
const sweepGracePeriod = 10 * time.Minute

// deletedKeySampleSize caps how many deleted keys the sweep log names.
const deletedKeySampleSize = 10

// Service removes blobs the pipeline no longer needs.
type Service struct {
	cfg     *config.Config
	store   *queue.Store
	gateway blobstore.Gateway
	logger  *slog.Logger
	now     func() time.Time
}

// Option customizes the service.
type Option func(*Service)

// WithNow overrides the clock used to compute the retention cutoff (useful
// for tests).
func WithNow(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// New constructs the cleanup service.
func New(cfg *config.Config, store *queue.Store, gateway blobstore.Gateway, logger *slog.Logger, opts ...Option) *Service {
	svc := &Service{
		cfg:     cfg,
		store:   store,
		gateway: gateway,
		logger:  logging.WithComponent(logger, "cleanup"),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// CleanupJob removes a completed job's source and extracted audio blobs. Clip
// outputs are never touched here. The operation is guarded so it runs once per
// job and is safe to call again after a partial failure.
func (s *Service) CleanupJob(ctx context.Context, job *queue.Job) error {
	logger := logging.WithContext(ctx, s.logger).With(logging.String(logging.FieldJobID, job.ID))

	keys := []string{job.SourceKey}
	if job.ExtractedAudioKey != "" {
		keys = append(keys, job.ExtractedAudioKey)
	}
	for _, key := range keys {
		if key == "" {
			continue
		}
		if err := s.gateway.Delete(ctx, key); err != nil {
			return err
		}
	}

	marked, err := s.store.MarkCleaned(ctx, job.ID)
	if err != nil {
		return err
	}
	if marked {
		logger.Info("job blobs reclaimed", logging.Int("deleted_keys", len(keys)))
	}
	return nil
}

// SweepRequest controls one retention sweep. RetentionDays overrides the
// configured window when positive or zero; a negative value means "use the
// config". DryRun reports what would be deleted without deleting.
type SweepRequest struct {
	RetentionDays int
	DryRun        bool
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	DeletedCount  int
	DeletedBytes  int64
	RetainedCount int
	DryRun        bool
}

// Sweep deletes every stored blob outside the preserve set: blobs belonging
// to jobs still in flight (or completed but not yet cleaned), and clip
// outputs younger than the retention window. Running a second sweep
// immediately after a first deletes nothing.
func (s *Service) Sweep(ctx context.Context, req SweepRequest) (SweepResult, error) {
	logger := logging.WithContext(ctx, s.logger)

	retentionDays := req.RetentionDays
	if retentionDays < 0 {
		retentionDays = s.cfg.Retention.RetentionDays
	}
	cutoff := s.now().AddDate(0, 0, -retentionDays).Add(-sweepGracePeriod)

	preserve, err := s.preserveSet(ctx, cutoff)
	if err != nil {
		return SweepResult{}, err
	}

	objects, err := s.gateway.List(ctx, "")
	if err != nil {
		return SweepResult{}, err
	}

	result := SweepResult{DryRun: req.DryRun}
	var sample []string
	for _, obj := range objects {
		if preserve.covers(obj.Key) {
			result.RetainedCount++
			continue
		}
		if !req.DryRun {
			if err := s.gateway.Delete(ctx, obj.Key); err != nil {
				return result, err
			}
		}
		if len(sample) < deletedKeySampleSize {
			sample = append(sample, obj.Key)
		}
		result.DeletedCount++
		result.DeletedBytes += obj.Size
	}

	logger.Info("retention sweep finished",
		logging.Bool("dry_run", req.DryRun),
		logging.Int("retention_days", retentionDays),
		logging.Int("deleted", result.DeletedCount),
		logging.Int("retained", result.RetainedCount),
		logging.String("reclaimed", humanize.Bytes(uint64(result.DeletedBytes))),
		logging.Any("deleted_sample", sample),
	)
	return result, nil
}

// preserveSet is the sweep's keep list: whole-job prefixes for protected jobs
// and exact keys for recent clip outputs.
type preserveSet struct {
	prefixes []string
	keys     map[string]struct{}
}

func (p preserveSet) covers(key string) bool {
	if _, ok := p.keys[key]; ok {
		return true
	}
	for _, prefix := range p.prefixes {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

func (s *Service) preserveSet(ctx context.Context, cutoff time.Time) (preserveSet, error) {
	protected, err := s.store.ProtectedJobIDs(ctx)
	if err != nil {
		return preserveSet{}, err
	}
	recentOutputs, err := s.store.OutputKeysSince(ctx, cutoff)
	if err != nil {
		return preserveSet{}, err
	}

	set := preserveSet{keys: make(map[string]struct{}, len(recentOutputs))}
	for _, id := range protected {
		set.prefixes = append(set.prefixes, id+"/")
	}
	for _, key := range recentOutputs {
		if key != "" {
			set.keys[key] = struct{}{}
		}
	}
	return set, nil
}
