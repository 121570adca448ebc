package queue_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"clipd/internal/queue"
	"clipd/internal/testsupport"
)

func staleCutoff() time.Time {
	return time.Now().Add(-2 * time.Minute)
}

func TestNewJobRoundTrip(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	job, err := store.NewJob(ctx, queue.NewJobParams{
		MediaKind:    queue.MediaVideo,
		SegmentCount: 3,
		MinDuration:  10,
		MaxDuration:  60,
		SourceKey:    "abc/source/input.mp4",
	})
	if err != nil {
		t.Fatalf("NewJob failed: %v", err)
	}
	if job.ID == "" {
		t.Fatal("expected job ID to be assigned")
	}
	if job.Stage != queue.StagePending {
		t.Fatalf("expected pending stage, got %q", job.Stage)
	}

	fetched, err := store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if fetched == nil || fetched.SourceKey != "abc/source/input.mp4" {
		t.Fatalf("unexpected fetched job: %#v", fetched)
	}
	if fetched.CleanedUp {
		t.Fatal("new job must not be marked cleaned")
	}
}

func TestNewJobValidation(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	cases := []queue.NewJobParams{
		{MediaKind: "disc", SegmentCount: 3, MinDuration: 10, MaxDuration: 60, SourceKey: "k"},
		{MediaKind: queue.MediaAudio, SegmentCount: 0, MinDuration: 10, MaxDuration: 60, SourceKey: "k"},
		{MediaKind: queue.MediaAudio, SegmentCount: 3, MinDuration: 60, MaxDuration: 10, SourceKey: "k"},
		{MediaKind: queue.MediaAudio, SegmentCount: 3, MinDuration: 10, MaxDuration: 60, SourceKey: ""},
	}
	for i, params := range cases {
		if _, err := store.NewJob(ctx, params); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}

func TestClaimMovesPendingIntoPreprocessing(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	job := testsupport.NewJob(t, store, queue.NewJobParams{})

	claimed, ok, err := store.Claim(ctx, job.ID, queue.StagePending, staleCutoff())
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if !ok {
		t.Fatal("expected claim to win")
	}
	if claimed.Stage != queue.StagePreprocessing {
		t.Fatalf("expected preprocessing after claim, got %q", claimed.Stage)
	}
	if claimed.LastHeartbeat == nil {
		t.Fatal("expected heartbeat after claim")
	}
	if claimed.ClaimEpoch != job.ClaimEpoch+1 {
		t.Fatalf("expected epoch bump, got %d", claimed.ClaimEpoch)
	}
}

func TestClaimRefusesLiveHeartbeat(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	job := testsupport.NewJob(t, store, queue.NewJobParams{})

	if _, ok, err := store.Claim(ctx, job.ID, queue.StagePending, staleCutoff()); err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}
	// Second claim sees a fresh heartbeat and must lose.
	if _, ok, err := store.Claim(ctx, job.ID, queue.StagePreprocessing, staleCutoff()); err != nil {
		t.Fatalf("second claim: %v", err)
	} else if ok {
		t.Fatal("expected second claim to lose while heartbeat is live")
	}
}

func TestStaleReclaimInvalidatesOldEpoch(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	job := testsupport.NewJob(t, store, queue.NewJobParams{})

	first, ok, err := store.Claim(ctx, job.ID, queue.StagePending, staleCutoff())
	if err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}

	// A cutoff in the future treats the live heartbeat as expired, which is
	// what a reclaiming worker observes after the timeout elapses.
	futureCutoff := time.Now().Add(time.Minute)
	second, ok, err := store.Claim(ctx, job.ID, queue.StagePreprocessing, futureCutoff)
	if err != nil || !ok {
		t.Fatalf("reclaim: ok=%v err=%v", ok, err)
	}
	if second.ClaimEpoch <= first.ClaimEpoch {
		t.Fatalf("expected epoch to advance on reclaim: %d vs %d", second.ClaimEpoch, first.ClaimEpoch)
	}

	// The first worker's write-back must be discarded.
	first.ExtractedAudioKey = job.ID + "/audio/track.mp3"
	advanced, err := store.Advance(ctx, first, first.ClaimEpoch)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if advanced {
		t.Fatal("stale epoch must not advance the job")
	}

	// The reclaiming worker's write-back succeeds.
	second.ExtractedAudioKey = job.ID + "/audio/track.mp3"
	advanced, err = store.Advance(ctx, second, second.ClaimEpoch)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if !advanced {
		t.Fatal("expected current epoch to advance the job")
	}

	refreshed, err := store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if refreshed.Stage != queue.StageTranscribing {
		t.Fatalf("expected transcribing, got %q", refreshed.Stage)
	}
	if refreshed.ExtractedAudioKey == "" {
		t.Fatal("expected extracted audio key to persist")
	}
	if refreshed.LastHeartbeat != nil {
		t.Fatal("expected heartbeat cleared after advance")
	}
}

func TestAdvanceThroughAllStages(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	job := testsupport.NewJob(t, store, queue.NewJobParams{})

	stages := []queue.Stage{
		queue.StagePreprocessing,
		queue.StageTranscribing,
		queue.StageAnalyzing,
		queue.StageClipping,
	}
	current := queue.StagePending
	for _, want := range stages {
		claimed, ok, err := store.Claim(ctx, job.ID, current, time.Now().Add(time.Minute))
		if err != nil || !ok {
			t.Fatalf("claim at %q: ok=%v err=%v", current, ok, err)
		}
		if claimed.Stage != want {
			t.Fatalf("expected stage %q, got %q", want, claimed.Stage)
		}
		advanced, err := store.Advance(ctx, claimed, claimed.ClaimEpoch)
		if err != nil || !advanced {
			t.Fatalf("advance from %q: advanced=%v err=%v", want, advanced, err)
		}
		current = claimed.Stage
	}

	final, err := store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if final.Stage != queue.StageCompleted {
		t.Fatalf("expected completed, got %q", final.Stage)
	}
	if final.CompletedAt == nil {
		t.Fatal("expected completed_at to be set")
	}
}

func TestMarkFailedIsOneWayAndRetryResumesStage(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	job := testsupport.NewJob(t, store, queue.NewJobParams{})

	claimed, ok, err := store.Claim(ctx, job.ID, queue.StagePending, staleCutoff())
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	failed, err := store.MarkFailed(ctx, job.ID, claimed.ClaimEpoch, "transcribing: submit audio: provider unreachable")
	if err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if !failed {
		t.Fatal("expected job to fail")
	}

	got, err := store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Stage != queue.StageFailed {
		t.Fatalf("expected failed, got %q", got.Stage)
	}
	if got.FailedStage != queue.StagePreprocessing {
		t.Fatalf("expected failed_stage preprocessing, got %q", got.FailedStage)
	}
	if !strings.Contains(got.ErrorDetail, "provider unreachable") {
		t.Fatalf("unexpected error detail: %q", got.ErrorDetail)
	}

	// Failing again is a no-op.
	failedAgain, err := store.MarkFailed(ctx, job.ID, claimed.ClaimEpoch, "other")
	if err != nil {
		t.Fatalf("MarkFailed again: %v", err)
	}
	if failedAgain {
		t.Fatal("failed is terminal, second MarkFailed must not apply")
	}

	count, err := store.RetryFailed(ctx, job.ID)
	if err != nil {
		t.Fatalf("RetryFailed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one retried job, got %d", count)
	}
	retried, err := store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if retried.Stage != queue.StagePreprocessing {
		t.Fatalf("expected retry to resume preprocessing, got %q", retried.Stage)
	}
	if retried.ErrorDetail != "" {
		t.Fatalf("expected error detail cleared, got %q", retried.ErrorDetail)
	}
}

func TestSegmentsPreserveProviderOrder(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	job := testsupport.NewJob(t, store, queue.NewJobParams{})

	segments := []*queue.Segment{
		{Title: "Best moment", StartTime: 30, EndTime: 55},
		{Title: "Runner-up", StartTime: 100, EndTime: 140},
		{Title: "Honourable mention", StartTime: 200, EndTime: 215},
	}
	if err := store.InsertSegments(ctx, job.ID, segments); err != nil {
		t.Fatalf("InsertSegments: %v", err)
	}

	fetched, err := store.SegmentsByJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("SegmentsByJob: %v", err)
	}
	if len(fetched) != 3 {
		t.Fatalf("expected 3 segments, got %d", len(fetched))
	}
	for i, segment := range fetched {
		if segment.DisplayIndex != i {
			t.Fatalf("segment %d has display index %d", i, segment.DisplayIndex)
		}
		if segment.RenderStatus != queue.RenderQueued {
			t.Fatalf("expected queued status, got %q", segment.RenderStatus)
		}
	}
	if fetched[0].Title != "Best moment" || fetched[2].Title != "Honourable mention" {
		t.Fatalf("segment order not preserved: %q, %q", fetched[0].Title, fetched[2].Title)
	}
}

func TestSegmentTerminalStatusIsImmutable(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	job := testsupport.NewJob(t, store, queue.NewJobParams{})

	if err := store.InsertSegments(ctx, job.ID, []*queue.Segment{
		{Title: "Clip", StartTime: 0, EndTime: 20},
	}); err != nil {
		t.Fatalf("InsertSegments: %v", err)
	}
	segments, err := store.SegmentsByJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("SegmentsByJob: %v", err)
	}
	id := segments[0].ID

	if err := store.UpdateSegmentRender(ctx, id, queue.RenderCompleted, job.ID+"/clips/segment-0.mp4", ""); err != nil {
		t.Fatalf("UpdateSegmentRender: %v", err)
	}
	if err := store.UpdateSegmentRender(ctx, id, queue.RenderFailed, "", "late failure"); err != nil {
		t.Fatalf("UpdateSegmentRender: %v", err)
	}

	segments, err = store.SegmentsByJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("SegmentsByJob: %v", err)
	}
	if segments[0].RenderStatus != queue.RenderCompleted {
		t.Fatalf("terminal status mutated to %q", segments[0].RenderStatus)
	}
	if segments[0].OutputKey == "" {
		t.Fatal("expected output key retained")
	}
}

func TestMarkCleanedRunsOnce(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	job := testsupport.NewJob(t, store, queue.NewJobParams{})

	// Cleanup only applies to completed jobs.
	if ok, err := store.MarkCleaned(ctx, job.ID); err != nil {
		t.Fatalf("MarkCleaned: %v", err)
	} else if ok {
		t.Fatal("pending job must not be cleanable")
	}

	current := queue.StagePending
	for {
		claimed, ok, err := store.Claim(ctx, job.ID, current, time.Now().Add(time.Minute))
		if err != nil || !ok {
			t.Fatalf("claim: ok=%v err=%v", ok, err)
		}
		if _, err := store.Advance(ctx, claimed, claimed.ClaimEpoch); err != nil {
			t.Fatalf("advance: %v", err)
		}
		current = claimed.Stage
		if next, _ := queue.NextStage(current); next == "" {
			break
		}
	}

	first, err := store.MarkCleaned(ctx, job.ID)
	if err != nil {
		t.Fatalf("MarkCleaned: %v", err)
	}
	if !first {
		t.Fatal("expected first cleanup to win")
	}
	second, err := store.MarkCleaned(ctx, job.ID)
	if err != nil {
		t.Fatalf("MarkCleaned: %v", err)
	}
	if second {
		t.Fatal("expected second cleanup to be a no-op")
	}
}

func TestSweepBookkeepingQueries(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	active := testsupport.NewJob(t, store, queue.NewJobParams{SourceKey: "a/source/in.mp4"})
	done := testsupport.NewJob(t, store, queue.NewJobParams{SourceKey: "b/source/in.mp4"})

	current := queue.StagePending
	for {
		claimed, ok, err := store.Claim(ctx, done.ID, current, time.Now().Add(time.Minute))
		if err != nil || !ok {
			t.Fatalf("claim: ok=%v err=%v", ok, err)
		}
		if _, err := store.Advance(ctx, claimed, claimed.ClaimEpoch); err != nil {
			t.Fatalf("advance: %v", err)
		}
		current = claimed.Stage
		if next, _ := queue.NextStage(current); next == "" {
			break
		}
	}

	// Completed but not yet cleaned: still protected.
	ids, err := store.ProtectedJobIDs(ctx)
	if err != nil {
		t.Fatalf("ProtectedJobIDs: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected both jobs protected, got %v", ids)
	}

	if ok, err := store.MarkCleaned(ctx, done.ID); err != nil || !ok {
		t.Fatalf("MarkCleaned: ok=%v err=%v", ok, err)
	}
	ids, err = store.ProtectedJobIDs(ctx)
	if err != nil {
		t.Fatalf("ProtectedJobIDs: %v", err)
	}
	if len(ids) != 1 || ids[0] != active.ID {
		t.Fatalf("expected only active job protected, got %v", ids)
	}

	if err := store.InsertSegments(ctx, done.ID, []*queue.Segment{
		{Title: "Clip", StartTime: 0, EndTime: 20},
	}); err != nil {
		t.Fatalf("InsertSegments: %v", err)
	}
	segments, err := store.SegmentsByJob(ctx, done.ID)
	if err != nil {
		t.Fatalf("SegmentsByJob: %v", err)
	}
	if err := store.UpdateSegmentRender(ctx, segments[0].ID, queue.RenderCompleted, done.ID+"/clips/segment-0.mp4", ""); err != nil {
		t.Fatalf("UpdateSegmentRender: %v", err)
	}

	keys, err := store.OutputKeysSince(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("OutputKeysSince: %v", err)
	}
	if len(keys) != 1 || keys[0] != done.ID+"/clips/segment-0.mp4" {
		t.Fatalf("unexpected recent output keys: %v", keys)
	}
	keys, err = store.OutputKeysSince(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("OutputKeysSince: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("future cutoff must protect nothing, got %v", keys)
	}
}

func TestStatsAndHealth(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	testsupport.NewJob(t, store, queue.NewJobParams{SourceKey: "a/source/in.mp4"})
	job := testsupport.NewJob(t, store, queue.NewJobParams{SourceKey: "b/source/in.mp4"})
	claimed, ok, err := store.Claim(ctx, job.ID, queue.StagePending, staleCutoff())
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	if _, err := store.MarkFailed(ctx, job.ID, claimed.ClaimEpoch, "boom"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	health, err := store.Health(ctx)
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if health.Total != 2 || health.Pending != 1 || health.Failed != 1 {
		t.Fatalf("unexpected health summary: %+v", health)
	}
}
