package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"clipd/internal/blobstore"
	"clipd/internal/cleanup"
	"clipd/internal/logging"
	"clipd/internal/queue"
	"clipd/internal/textutil"
)

const maxInlineUploadBytes = 8 << 30

type submitRequest struct {
	SourceKey    string  `json:"source_key"`
	MediaKind    string  `json:"media_kind"`
	SegmentCount int     `json:"segment_count"`
	MinDuration  float64 `json:"min_duration"`
	MaxDuration  float64 `json:"max_duration"`
}

type submitResponse struct {
	JobID string `json:"job_id"`
	Stage string `json:"stage"`
}

type segmentResponse struct {
	Title        string  `json:"title"`
	StartTime    float64 `json:"start_time"`
	EndTime      float64 `json:"end_time"`
	RenderStatus string  `json:"render_status"`
	OutputURL    string  `json:"output_url,omitempty"`
}

type jobResponse struct {
	JobID       string            `json:"job_id"`
	Stage       string            `json:"stage"`
	MediaKind   string            `json:"media_kind"`
	ErrorDetail string            `json:"error_detail,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Segments    []segmentResponse `json:"segments"`
}

type grantRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	MaxBytes    int64  `json:"max_bytes"`
}

type grantResponse struct {
	JobID        string            `json:"job_id"`
	StorageKey   string            `json:"storage_key"`
	UploadURL    string            `json:"upload_url"`
	UploadFields map[string]string `json:"upload_fields,omitempty"`
	ExpiresAt    time.Time         `json:"expires_at"`
}

type sweepRequest struct {
	RetentionDays *int `json:"retention_days"`
	DryRun        bool `json:"dry_run"`
}

type sweepResponse struct {
	DeletedCount  int   `json:"deleted_count"`
	DeletedBytes  int64 `json:"deleted_bytes"`
	RetainedCount int   `json:"retained_count"`
	DryRun        bool  `json:"dry_run"`
}

type stageHealthResponse struct {
	Name   string `json:"name"`
	Ready  bool   `json:"ready"`
	Detail string `json:"detail,omitempty"`
}

type healthResponse struct {
	Status  string                `json:"status"`
	Running bool                  `json:"running"`
	Queue   queue.HealthSummary   `json:"queue"`
	Stages  []stageHealthResponse `json:"stages"`
}

// handleJobs accepts a submission as JSON referencing an already stored
// source key, or as a multipart form carrying the media file itself.
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "multipart/form-data") {
		s.submitMultipart(w, r)
		return
	}
	s.submitByKey(w, r)
}

func (s *Server) submitByKey(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.SourceKey) == "" {
		writeError(w, http.StatusBadRequest, "source_key is required")
		return
	}

	params, ok := s.buildJobParams(w, req)
	if !ok {
		return
	}
	params.SourceKey = req.SourceKey
	// An upload grant builds keys as {jobID}/source/{filename}; creating the
	// job under that same identifier keeps its blobs inside the sweep's
	// protected prefix.
	params.ID = jobIDFromKey(req.SourceKey)

	job, err := s.store.NewJob(r.Context(), params)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Info("job submitted",
		logging.String(logging.FieldJobID, job.ID),
		logging.String("source_key", job.SourceKey),
	)
	writeJSON(w, http.StatusCreated, submitResponse{JobID: job.ID, Stage: string(job.Stage)})
}

func (s *Server) submitMultipart(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file part is required")
		return
	}
	defer file.Close()

	req := submitRequest{
		MediaKind:    r.FormValue("media_kind"),
		SegmentCount: intFormValue(r, "segment_count"),
		MinDuration:  floatFormValue(r, "min_duration"),
		MaxDuration:  floatFormValue(r, "max_duration"),
	}
	params, ok := s.buildJobParams(w, req)
	if !ok {
		return
	}

	filename := textutil.SanitizeFileName(header.Filename)
	if filename == "" {
		writeError(w, http.StatusBadRequest, "uploaded file needs a usable filename")
		return
	}

	jobID := uuid.NewString()
	key := blobstore.SourceKey(jobID, filename)
	contentType := header.Header.Get("Content-Type")
	if _, err := s.gateway.Put(r.Context(), key, io.LimitReader(file, maxInlineUploadBytes), contentType); err != nil {
		s.logger.Error("source upload failed", logging.Error(err))
		writeError(w, http.StatusBadGateway, "storing upload failed: "+err.Error())
		return
	}

	params.ID = jobID
	params.SourceKey = key
	job, err := s.store.NewJob(r.Context(), params)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Info("job submitted with inline upload",
		logging.String(logging.FieldJobID, job.ID),
		logging.String("source_key", key),
	)
	writeJSON(w, http.StatusCreated, submitResponse{JobID: job.ID, Stage: string(job.Stage)})
}

func (s *Server) buildJobParams(w http.ResponseWriter, req submitRequest) (queue.NewJobParams, bool) {
	kind, ok := queue.ParseMediaKind(req.MediaKind)
	if !ok {
		writeError(w, http.StatusBadRequest, "media_kind must be video or audio")
		return queue.NewJobParams{}, false
	}
	return queue.NewJobParams{
		MediaKind:    kind,
		SegmentCount: req.SegmentCount,
		MinDuration:  req.MinDuration,
		MaxDuration:  req.MaxDuration,
	}, true
}

// handleJob serves GET /api/jobs/{id}.
func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	segments, err := s.store.SegmentsByJob(r.Context(), job.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := jobResponse{
		JobID:       job.ID,
		Stage:       string(job.Stage),
		MediaKind:   string(job.MediaKind),
		ErrorDetail: job.ErrorDetail,
		CreatedAt:   job.CreatedAt,
		CompletedAt: job.CompletedAt,
		Segments:    make([]segmentResponse, 0, len(segments)),
	}
	for _, segment := range segments {
		entry := segmentResponse{
			Title:        segment.Title,
			StartTime:    segment.StartTime,
			EndTime:      segment.EndTime,
			RenderStatus: string(segment.RenderStatus),
		}
		if segment.OutputKey != "" {
			entry.OutputURL = s.gateway.PublicURL(segment.OutputKey)
		}
		resp.Segments = append(resp.Segments, entry)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleUploadGrant pre-allocates a job identifier and issues a presigned
// upload for its source key. The client uploads, then submits the returned
// storage key through POST /api/jobs.
func (s *Server) handleUploadGrant(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req grantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	filename := textutil.SanitizeFileName(req.Filename)
	if filename == "" {
		writeError(w, http.StatusBadRequest, "filename is required")
		return
	}

	jobID := uuid.NewString()
	key := blobstore.SourceKey(jobID, filename)
	grant, err := s.gateway.PresignUpload(r.Context(), key, req.ContentType, req.MaxBytes)
	if err != nil {
		s.logger.Error("upload grant failed", logging.Error(err))
		writeError(w, http.StatusBadGateway, "issuing upload grant failed: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, grantResponse{
		JobID:        jobID,
		StorageKey:   key,
		UploadURL:    grant.URL,
		UploadFields: grant.Fields,
		ExpiresAt:    grant.Expiry,
	})
}

// handleSweep runs a retention sweep on demand. An absent retention_days
// falls back to the configured window.
func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req sweepRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
			return
		}
	}

	retentionDays := -1
	if req.RetentionDays != nil {
		if *req.RetentionDays < 0 {
			writeError(w, http.StatusBadRequest, "retention_days must not be negative")
			return
		}
		retentionDays = *req.RetentionDays
	}

	result, err := s.cleaner.Sweep(r.Context(), cleanup.SweepRequest{
		RetentionDays: retentionDays,
		DryRun:        req.DryRun,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sweepResponse{
		DeletedCount:  result.DeletedCount,
		DeletedBytes:  result.DeletedBytes,
		RetainedCount: result.RetainedCount,
		DryRun:        result.DryRun,
	})
}

// handleHealth aggregates queue counters and per-stage readiness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	queueHealth, err := s.store.Health(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := healthResponse{
		Status: "ok",
		Queue:  queueHealth,
	}
	if s.workflow != nil {
		resp.Running = s.workflow.Running()
		for _, health := range s.workflow.StageHealth(r.Context()) {
			resp.Stages = append(resp.Stages, stageHealthResponse{
				Name:   health.Name,
				Ready:  health.Ready,
				Detail: health.Detail,
			})
			if !health.Ready {
				resp.Status = "degraded"
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// jobIDFromKey extracts the uuid prefix of a canonical source key, or returns
// empty so the store allocates a fresh identifier.
func jobIDFromKey(key string) string {
	prefix, rest, ok := strings.Cut(key, "/")
	if !ok || !strings.HasPrefix(rest, "source/") {
		return ""
	}
	if _, err := uuid.Parse(prefix); err != nil {
		return ""
	}
	return prefix
}

func intFormValue(r *http.Request, name string) int {
	value, _ := strconv.Atoi(strings.TrimSpace(r.FormValue(name)))
	return value
}

func floatFormValue(r *http.Request, name string) float64 {
	value, _ := strconv.ParseFloat(strings.TrimSpace(r.FormValue(name)), 64)
	return value
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
