package analyze_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"clipd/internal/analyze"
	"clipd/internal/logging"
	"clipd/internal/queue"
	"clipd/internal/services"
	"clipd/internal/services/scribe"
	"clipd/internal/testsupport"
)

type fakeAnalyzer struct {
	responses []string
	errs      []error
	calls     int
	prompts   []string
}

func (f *fakeAnalyzer) CompleteJSON(_ context.Context, _, userPrompt string) (string, error) {
	idx := f.calls
	f.calls++
	f.prompts = append(f.prompts, userPrompt)
	if idx < len(f.errs) && f.errs[idx] != nil {
		return "", f.errs[idx]
	}
	if idx < len(f.responses) {
		return f.responses[idx], nil
	}
	return "", errors.New("unexpected call")
}

func segmentsJSON(t *testing.T, segments []map[string]any) string {
	t.Helper()
	data, err := json.Marshal(map[string]any{"segments": segments})
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	return string(data)
}

func analyzedJob(t *testing.T, store *queue.Store) *queue.Job {
	t.Helper()
	job := testsupport.NewJob(t, store, queue.NewJobParams{SegmentCount: 3, MinDuration: 10, MaxDuration: 60})
	transcript := scribe.Transcript{
		Text: "some transcript",
		Words: []scribe.Word{
			{Word: "some", Start: 0, End: 0.3},
			{Word: "transcript", Start: 0.4, End: 1.0},
		},
		Duration: 600,
	}
	encoded, err := transcript.Encode()
	if err != nil {
		t.Fatalf("encode transcript: %v", err)
	}
	job.TranscriptJSON = encoded
	job.SourceDuration = 600
	return job
}

func TestExecutePersistsSegmentsInProviderOrder(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	job := analyzedJob(t, store)

	// Provider order is deliberately not chronological.
	client := &fakeAnalyzer{responses: []string{segmentsJSON(t, []map[string]any{
		{"title": "Best moment", "description": "d1", "rationale": "r1", "start": 300.0, "end": 330.0},
		{"title": "Opening hook", "description": "d2", "rationale": "r2", "start": 10.0, "end": 40.0},
	})}}
	handler := analyze.New(cfg, store, client, logging.NewNop())

	if err := handler.Prepare(context.Background(), job); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := handler.Execute(context.Background(), job); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	segments, err := store.SegmentsByJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("SegmentsByJob: %v", err)
	}
	if len(segments) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(segments))
	}
	if segments[0].Title != "Best moment" || segments[1].Title != "Opening hook" {
		t.Errorf("provider order not preserved: %q, %q", segments[0].Title, segments[1].Title)
	}
	if segments[0].DisplayIndex != 0 || segments[1].DisplayIndex != 1 {
		t.Errorf("unexpected display indexes %d, %d", segments[0].DisplayIndex, segments[1].DisplayIndex)
	}
	if segments[0].RenderStatus != queue.RenderQueued {
		t.Errorf("expected queued render status, got %q", segments[0].RenderStatus)
	}
}

func TestExecuteReRequestsOnceOnInvalidResponse(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	job := analyzedJob(t, store)

	invalid := segmentsJSON(t, []map[string]any{
		{"title": "Too long", "description": "d", "rationale": "r", "start": 0.0, "end": 120.0},
	})
	valid := segmentsJSON(t, []map[string]any{
		{"title": "Fixed", "description": "d", "rationale": "r", "start": 0.0, "end": 30.0},
	})
	client := &fakeAnalyzer{responses: []string{invalid, valid}}
	handler := analyze.New(cfg, store, client, logging.NewNop())

	if err := handler.Execute(context.Background(), job); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if client.calls != 2 {
		t.Fatalf("expected corrective re-request, got %d calls", client.calls)
	}
	if !strings.Contains(client.prompts[1], "rejected") {
		t.Errorf("corrective prompt missing rejection context: %q", client.prompts[1])
	}

	segments, err := store.SegmentsByJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("SegmentsByJob: %v", err)
	}
	if len(segments) != 1 || segments[0].Title != "Fixed" {
		t.Fatalf("expected corrected segment persisted, got %+v", segments)
	}
}

func TestExecuteFailsAfterSecondInvalidResponse(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	job := analyzedJob(t, store)

	overlap := segmentsJSON(t, []map[string]any{
		{"title": "A", "description": "d", "rationale": "r", "start": 0.0, "end": 30.0},
		{"title": "B", "description": "d", "rationale": "r", "start": 20.0, "end": 50.0},
	})
	client := &fakeAnalyzer{responses: []string{overlap, overlap}}
	handler := analyze.New(cfg, store, client, logging.NewNop())

	err := handler.Execute(context.Background(), job)
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation marker, got %v", err)
	}
	if client.calls != 2 {
		t.Errorf("expected exactly 2 attempts, got %d", client.calls)
	}

	segments, listErr := store.SegmentsByJob(context.Background(), job.ID)
	if listErr != nil {
		t.Fatalf("SegmentsByJob: %v", listErr)
	}
	if len(segments) != 0 {
		t.Fatalf("invalid segments must not be persisted, got %d", len(segments))
	}
}

func TestExecuteProviderErrorsAreNotReRequested(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	job := analyzedJob(t, store)

	providerErr := services.Wrap(services.ErrTransient, "analyzing", "complete", "failed after 5 attempts", nil)
	client := &fakeAnalyzer{errs: []error{providerErr}}
	handler := analyze.New(cfg, store, client, logging.NewNop())

	err := handler.Execute(context.Background(), job)
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected transient marker, got %v", err)
	}
	if client.calls != 1 {
		t.Errorf("transport failures must not trigger corrective re-requests, got %d calls", client.calls)
	}
}

func TestExecuteRejectsTooManySegments(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	job := analyzedJob(t, store)
	job.SegmentCount = 1

	tooMany := segmentsJSON(t, []map[string]any{
		{"title": "A", "description": "d", "rationale": "r", "start": 0.0, "end": 30.0},
		{"title": "B", "description": "d", "rationale": "r", "start": 40.0, "end": 70.0},
	})
	client := &fakeAnalyzer{responses: []string{tooMany, tooMany}}
	handler := analyze.New(cfg, store, client, logging.NewNop())

	err := handler.Execute(context.Background(), job)
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation marker, got %v", err)
	}
}

func TestExecuteSkipsWhenSegmentsAlreadyPersisted(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	job := analyzedJob(t, store)

	existing := []*queue.Segment{{JobID: job.ID, Title: "Existing", StartTime: 0, EndTime: 30}}
	if err := store.InsertSegments(context.Background(), job.ID, existing); err != nil {
		t.Fatalf("InsertSegments: %v", err)
	}

	client := &fakeAnalyzer{}
	handler := analyze.New(cfg, store, client, logging.NewNop())
	if err := handler.Execute(context.Background(), job); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if client.calls != 0 {
		t.Errorf("expected no provider call, got %d", client.calls)
	}
}

func TestPrepareRequiresTranscriptAndDuration(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	handler := analyze.New(cfg, store, &fakeAnalyzer{}, logging.NewNop())

	job := testsupport.NewJob(t, store, queue.NewJobParams{})
	if err := handler.Prepare(context.Background(), job); !errors.Is(err, services.ErrDataMissing) {
		t.Fatalf("expected data-missing marker for absent transcript, got %v", err)
	}

	job.TranscriptJSON = `{"text":"x","words":[]}`
	if err := handler.Prepare(context.Background(), job); !errors.Is(err, services.ErrDataMissing) {
		t.Fatalf("expected data-missing marker for absent duration, got %v", err)
	}
}
