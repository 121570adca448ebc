package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"clipd/internal/blobstore"
	"clipd/internal/cleanup"
	"clipd/internal/logging"
	"clipd/internal/queue"
	"clipd/internal/server"
	"clipd/internal/stage"
	"clipd/internal/testsupport"
)

type stubWorkflow struct {
	running bool
	stages  []stage.Health
}

func (s *stubWorkflow) Running() bool { return s.running }

func (s *stubWorkflow) StageHealth(context.Context) []stage.Health { return s.stages }

type fixture struct {
	store   *queue.Store
	gateway blobstore.Gateway
	api     http.Handler
}

func newFixture(t *testing.T, workflow server.Workflow) *fixture {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	gw := testsupport.NewBlobstore(t)
	cleaner := cleanup.New(cfg, store, gw, logging.NewNop())
	srv := server.New(cfg, store, gw, cleaner, workflow, logging.NewNop())
	return &fixture{store: store, gateway: gw, api: srv.Handler()}
}

func (f *fixture) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.api.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestSubmitByKeyDerivesJobIDFromUUIDPrefix(t *testing.T) {
	f := newFixture(t, nil)
	jobID := uuid.NewString()
	sourceKey := blobstore.SourceKey(jobID, "talk.mp4")

	rec := f.do(t, http.MethodPost, "/api/jobs", map[string]any{
		"source_key":    sourceKey,
		"media_kind":    "video",
		"segment_count": 3,
		"min_duration":  10,
		"max_duration":  60,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		JobID string `json:"job_id"`
		Stage string `json:"stage"`
	}
	decodeBody(t, rec, &resp)
	if resp.JobID != jobID {
		t.Errorf("job id must match the source key prefix, got %q want %q", resp.JobID, jobID)
	}
	if resp.Stage != "pending" {
		t.Errorf("expected pending stage, got %q", resp.Stage)
	}

	job, err := f.store.GetJob(context.Background(), jobID)
	if err != nil || job == nil {
		t.Fatalf("GetJob: job=%v err=%v", job, err)
	}
	if job.SourceKey != sourceKey {
		t.Errorf("stored source key %q, want %q", job.SourceKey, sourceKey)
	}
}

func TestSubmitByKeyWithForeignKeyAllocatesFreshID(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/api/jobs", map[string]any{
		"source_key":    "imports/2026/raw-recording.mp3",
		"media_kind":    "audio",
		"segment_count": 2,
		"min_duration":  15,
		"max_duration":  45,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		JobID string `json:"job_id"`
	}
	decodeBody(t, rec, &resp)
	if _, err := uuid.Parse(resp.JobID); err != nil {
		t.Errorf("expected generated uuid job id, got %q", resp.JobID)
	}
}

func TestSubmitRejectsBadMediaKind(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/api/jobs", map[string]any{
		"source_key":    "x/source/in.mp4",
		"media_kind":    "hologram",
		"segment_count": 3,
		"min_duration":  10,
		"max_duration":  60,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestSubmitRejectsMissingSourceKey(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/api/jobs", map[string]any{
		"media_kind":    "video",
		"segment_count": 3,
		"min_duration":  10,
		"max_duration":  60,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestSubmitMultipartStoresSourceUnderJobPrefix(t *testing.T) {
	f := newFixture(t, nil)

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	part, err := form.CreateFormFile("file", "episode.mp4")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	if _, err := part.Write([]byte("fake-mp4-bytes")); err != nil {
		t.Fatalf("write part: %v", err)
	}
	_ = form.WriteField("media_kind", "video")
	_ = form.WriteField("segment_count", "3")
	_ = form.WriteField("min_duration", "10")
	_ = form.WriteField("max_duration", "60")
	if err := form.Close(); err != nil {
		t.Fatalf("close form: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/jobs", &buf)
	req.Header.Set("Content-Type", form.FormDataContentType())
	rec := httptest.NewRecorder()
	f.api.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		JobID string `json:"job_id"`
	}
	decodeBody(t, rec, &resp)

	job, err := f.store.GetJob(context.Background(), resp.JobID)
	if err != nil || job == nil {
		t.Fatalf("GetJob: job=%v err=%v", job, err)
	}
	wantKey := blobstore.SourceKey(resp.JobID, "episode.mp4")
	if job.SourceKey != wantKey {
		t.Fatalf("source key %q, want %q", job.SourceKey, wantKey)
	}
	if got := testsupport.ReadBlob(t, f.gateway, wantKey); got != "fake-mp4-bytes" {
		t.Errorf("stored blob content %q", got)
	}
}

func TestGetJobReportsSegmentsWithOutputURLs(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	job := testsupport.NewJob(t, f.store, queue.NewJobParams{})
	segments := []*queue.Segment{
		{Title: "Opening hook", StartTime: 10, EndTime: 40},
		{Title: "Key argument", StartTime: 120, EndTime: 170},
	}
	if err := f.store.InsertSegments(ctx, job.ID, segments); err != nil {
		t.Fatalf("InsertSegments: %v", err)
	}
	outputKey := blobstore.ClipKey(job.ID, 0)
	if err := f.store.UpdateSegmentRender(ctx, segments[0].ID, queue.RenderCompleted, outputKey, ""); err != nil {
		t.Fatalf("UpdateSegmentRender: %v", err)
	}

	rec := f.do(t, http.MethodGet, "/api/jobs/"+job.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Stage    string `json:"stage"`
		Segments []struct {
			Title        string  `json:"title"`
			StartTime    float64 `json:"start_time"`
			EndTime      float64 `json:"end_time"`
			RenderStatus string  `json:"render_status"`
			OutputURL    string  `json:"output_url"`
		} `json:"segments"`
	}
	decodeBody(t, rec, &resp)
	if resp.Stage != "pending" {
		t.Errorf("unexpected stage %q", resp.Stage)
	}
	if len(resp.Segments) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(resp.Segments))
	}
	if resp.Segments[0].RenderStatus != "completed" || resp.Segments[0].OutputURL == "" {
		t.Errorf("completed segment must carry an output url: %+v", resp.Segments[0])
	}
	if !strings.Contains(resp.Segments[0].OutputURL, outputKey) {
		t.Errorf("output url %q does not reference key %q", resp.Segments[0].OutputURL, outputKey)
	}
	if resp.Segments[1].RenderStatus != "queued" || resp.Segments[1].OutputURL != "" {
		t.Errorf("queued segment must not carry an output url: %+v", resp.Segments[1])
	}
}

func TestGetJobUnknownReturns404(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/api/jobs/"+uuid.NewString(), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestUploadGrantIssuesKeyUnderFreshJobID(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/api/uploads/grant", map[string]any{
		"filename":     "interview.wav",
		"content_type": "audio/wav",
		"max_bytes":    1 << 30,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		JobID      string `json:"job_id"`
		StorageKey string `json:"storage_key"`
		UploadURL  string `json:"upload_url"`
	}
	decodeBody(t, rec, &resp)
	if _, err := uuid.Parse(resp.JobID); err != nil {
		t.Fatalf("expected uuid job id, got %q", resp.JobID)
	}
	if want := blobstore.SourceKey(resp.JobID, "interview.wav"); resp.StorageKey != want {
		t.Errorf("storage key %q, want %q", resp.StorageKey, want)
	}
	if resp.UploadURL == "" {
		t.Error("expected a non-empty upload url")
	}

	// Submitting the granted key later creates the job under the same id.
	submit := f.do(t, http.MethodPost, "/api/jobs", map[string]any{
		"source_key":    resp.StorageKey,
		"media_kind":    "audio",
		"segment_count": 3,
		"min_duration":  10,
		"max_duration":  60,
	})
	if submit.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", submit.Code, submit.Body.String())
	}
	var created struct {
		JobID string `json:"job_id"`
	}
	decodeBody(t, submit, &created)
	if created.JobID != resp.JobID {
		t.Errorf("granted id %q, created id %q", resp.JobID, created.JobID)
	}
}

func TestUploadGrantRequiresFilename(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/api/uploads/grant", map[string]any{"content_type": "video/mp4"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestSweepEndpointDryRun(t *testing.T) {
	f := newFixture(t, nil)
	testsupport.PutBlob(t, f.gateway, "orphan/source/stale.mp4", "stale")

	days := 0
	rec := f.do(t, http.MethodPost, "/api/cleanup/sweep", map[string]any{
		"retention_days": days,
		"dry_run":        true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		DeletedCount int  `json:"deleted_count"`
		DryRun       bool `json:"dry_run"`
	}
	decodeBody(t, rec, &resp)
	if !resp.DryRun {
		t.Error("expected dry_run echoed")
	}

	// Dry run leaves the blob in place.
	if got := testsupport.ReadBlob(t, f.gateway, "orphan/source/stale.mp4"); got != "stale" {
		t.Errorf("dry run must not delete, blob now %q", got)
	}
}

func TestSweepRejectsNegativeRetention(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/api/cleanup/sweep", map[string]any{"retention_days": -2})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHealthAggregatesQueueAndStages(t *testing.T) {
	workflow := &stubWorkflow{
		running: true,
		stages: []stage.Health{
			stage.Healthy("audio-extract"),
			stage.Unhealthy("renderer", "provider unreachable"),
		},
	}
	f := newFixture(t, workflow)
	testsupport.NewJob(t, f.store, queue.NewJobParams{})

	rec := f.do(t, http.MethodGet, "/api/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		Status  string `json:"status"`
		Running bool   `json:"running"`
		Queue   struct {
			Total   int `json:"Total"`
			Pending int `json:"Pending"`
		} `json:"queue"`
		Stages []struct {
			Name   string `json:"name"`
			Ready  bool   `json:"ready"`
			Detail string `json:"detail"`
		} `json:"stages"`
	}
	decodeBody(t, rec, &resp)
	if resp.Status != "degraded" {
		t.Errorf("an unhealthy stage must degrade overall status, got %q", resp.Status)
	}
	if !resp.Running {
		t.Error("expected running workflow reported")
	}
	if resp.Queue.Total != 1 || resp.Queue.Pending != 1 {
		t.Errorf("unexpected queue counts %+v", resp.Queue)
	}
	if len(resp.Stages) != 2 || resp.Stages[1].Detail != "provider unreachable" {
		t.Errorf("unexpected stages %+v", resp.Stages)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t, nil)
	for _, target := range []string{"/api/jobs", "/api/uploads/grant", "/api/cleanup/sweep"} {
		rec := f.do(t, http.MethodGet, target, nil)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("GET %s: expected 405, got %d", target, rec.Code)
		}
	}
	if rec := f.do(t, http.MethodDelete, "/api/health", nil); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("DELETE /api/health: expected 405, got %d", rec.Code)
	}
}
