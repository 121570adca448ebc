package cleanup_test

import (
	"context"
	"testing"
	"time"

	"clipd/internal/blobstore"
	"clipd/internal/cleanup"
	"clipd/internal/logging"
	"clipd/internal/queue"
	"clipd/internal/testsupport"
)

func completeJob(t *testing.T, store *queue.Store, job *queue.Job) *queue.Job {
	t.Helper()
	ctx := context.Background()
	current := job
	for !current.Stage.IsTerminal() {
		claimed, ok, err := store.Claim(ctx, current.ID, current.Stage, time.Now().UTC())
		if err != nil || !ok {
			t.Fatalf("claim %s at %s: ok=%v err=%v", current.ID, current.Stage, ok, err)
		}
		if _, err := store.Advance(ctx, claimed, claimed.ClaimEpoch); err != nil {
			t.Fatalf("advance: %v", err)
		}
		current, err = store.GetJob(ctx, current.ID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
	}
	return current
}

func addOutput(t *testing.T, store *queue.Store, jobID string, index int) string {
	t.Helper()
	segments := []*queue.Segment{{JobID: jobID, Title: "Clip", StartTime: 0, EndTime: 30}}
	if err := store.InsertSegments(context.Background(), jobID, segments); err != nil {
		t.Fatalf("InsertSegments: %v", err)
	}
	persisted, err := store.SegmentsByJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("SegmentsByJob: %v", err)
	}
	key := blobstore.ClipKey(jobID, index)
	if err := store.UpdateSegmentRender(context.Background(), persisted[len(persisted)-1].ID, queue.RenderCompleted, key, ""); err != nil {
		t.Fatalf("UpdateSegmentRender: %v", err)
	}
	return key
}

func keys(t *testing.T, gw blobstore.Gateway) map[string]bool {
	t.Helper()
	objects, err := gw.List(context.Background(), "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	set := make(map[string]bool, len(objects))
	for _, obj := range objects {
		set[obj.Key] = true
	}
	return set
}

func TestCleanupJobRemovesIntermediatesOnly(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	gw := testsupport.NewBlobstore(t)
	svc := cleanup.New(cfg, store, gw, logging.NewNop())

	job := testsupport.NewJob(t, store, queue.NewJobParams{SourceKey: "j1/source/in.mp4"})
	job = completeJob(t, store, job)
	job.ExtractedAudioKey = "j1/audio/audio.mp3"
	clipKey := addOutput(t, store, job.ID, 0)

	testsupport.PutBlob(t, gw, job.SourceKey, "source")
	testsupport.PutBlob(t, gw, job.ExtractedAudioKey, "audio")
	testsupport.PutBlob(t, gw, clipKey, "clip")

	if err := svc.CleanupJob(context.Background(), job); err != nil {
		t.Fatalf("CleanupJob: %v", err)
	}

	remaining := keys(t, gw)
	if remaining[job.SourceKey] || remaining[job.ExtractedAudioKey] {
		t.Errorf("intermediate blobs survived cleanup: %v", remaining)
	}
	if !remaining[clipKey] {
		t.Error("clip output must survive per-job cleanup")
	}

	updated, err := store.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if !updated.CleanedUp {
		t.Error("expected cleaned_up flag set")
	}

	// Running again is a no-op rather than an error.
	if err := svc.CleanupJob(context.Background(), job); err != nil {
		t.Fatalf("repeat CleanupJob: %v", err)
	}
}

func TestSweepPreservesInFlightJobsAndRecentOutputs(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Retention.RetentionDays = 14
	store := testsupport.MustOpenStore(t, cfg)
	gw := testsupport.NewBlobstore(t)
	svc := cleanup.New(cfg, store, gw, logging.NewNop())
	ctx := context.Background()

	inflight := testsupport.NewJob(t, store, queue.NewJobParams{SourceKey: "inflight/source/in.mp4"})
	if _, ok, err := store.Claim(ctx, inflight.ID, queue.StagePending, time.Now().UTC()); err != nil || !ok {
		t.Fatalf("claim in-flight job: ok=%v err=%v", ok, err)
	}
	testsupport.PutBlob(t, gw, inflight.SourceKey, "inflight-source")

	done := testsupport.NewJob(t, store, queue.NewJobParams{SourceKey: "done/source/in.mp4"})
	done = completeJob(t, store, done)
	clipKey := addOutput(t, store, done.ID, 0)
	if _, err := store.MarkCleaned(ctx, done.ID); err != nil {
		t.Fatalf("MarkCleaned: %v", err)
	}
	testsupport.PutBlob(t, gw, clipKey, "fresh-clip")
	testsupport.PutBlob(t, gw, done.ID+"/audio/leftover.mp3", "stale-temp")

	testsupport.PutBlob(t, gw, "orphan/source/abandoned.mp4", "orphan")

	result, err := svc.Sweep(ctx, cleanup.SweepRequest{RetentionDays: -1})
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if result.DeletedCount != 2 {
		t.Errorf("expected 2 deletions (stale temp + orphan), got %d", result.DeletedCount)
	}
	if result.RetainedCount != 2 {
		t.Errorf("expected 2 retained (in-flight source + fresh clip), got %d", result.RetainedCount)
	}

	remaining := keys(t, gw)
	if !remaining[inflight.SourceKey] {
		t.Error("in-flight job's source must be preserved")
	}
	if !remaining[clipKey] {
		t.Error("recent clip output must be preserved")
	}
	if remaining["orphan/source/abandoned.mp4"] || remaining[done.ID+"/audio/leftover.mp3"] {
		t.Errorf("stale blobs survived sweep: %v", remaining)
	}

	// An immediately repeated sweep has nothing left to delete.
	again, err := svc.Sweep(ctx, cleanup.SweepRequest{RetentionDays: -1})
	if err != nil {
		t.Fatalf("repeat Sweep: %v", err)
	}
	if again.DeletedCount != 0 {
		t.Errorf("second sweep deleted %d blobs", again.DeletedCount)
	}
}

func TestSweepFailedJobBlobsAreReclaimable(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	gw := testsupport.NewBlobstore(t)
	svc := cleanup.New(cfg, store, gw, logging.NewNop())
	ctx := context.Background()

	job := testsupport.NewJob(t, store, queue.NewJobParams{SourceKey: "failed/source/in.mp4"})
	claimed, ok, err := store.Claim(ctx, job.ID, queue.StagePending, time.Now().UTC())
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	if _, err := store.MarkFailed(ctx, job.ID, claimed.ClaimEpoch, "transient: boom"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	testsupport.PutBlob(t, gw, job.SourceKey, "failed-source")

	result, err := svc.Sweep(ctx, cleanup.SweepRequest{RetentionDays: -1})
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if result.DeletedCount != 1 {
		t.Errorf("expected failed job's blob reclaimed, got %d deletions", result.DeletedCount)
	}
}

func TestSweepDryRunZeroRetention(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	gw := testsupport.NewBlobstore(t)
	// The clock runs an hour ahead so the output written below looks an hour old.
	svc := cleanup.New(cfg, store, gw, logging.NewNop(),
		cleanup.WithNow(func() time.Time { return time.Now().UTC().Add(time.Hour) }))
	ctx := context.Background()

	done := testsupport.NewJob(t, store, queue.NewJobParams{SourceKey: "old/source/in.mp4"})
	done = completeJob(t, store, done)
	clipKey := addOutput(t, store, done.ID, 0)
	if _, err := store.MarkCleaned(ctx, done.ID); err != nil {
		t.Fatalf("MarkCleaned: %v", err)
	}
	testsupport.PutBlob(t, gw, clipKey, "hour-old-clip")
	testsupport.PutBlob(t, gw, "stale/audio/temp.mp3", "two-day-old-temp")

	result, err := svc.Sweep(ctx, cleanup.SweepRequest{RetentionDays: 0, DryRun: true})
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if !result.DryRun {
		t.Error("expected dry-run result")
	}
	if result.DeletedCount != 2 {
		t.Errorf("zero retention must report every blob deletable, got %d", result.DeletedCount)
	}
	if result.DeletedBytes == 0 {
		t.Error("expected reclaimable bytes reported")
	}

	remaining := keys(t, gw)
	if !remaining[clipKey] || !remaining["stale/audio/temp.mp3"] {
		t.Errorf("dry run must not delete, remaining: %v", remaining)
	}
}
