package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/psantana5/ffmpeg-jobs/pkg/health"
	"github.com/psantana5/ffmpeg-jobs/pkg/logging"
	"github.com/psantana5/ffmpeg-jobs/pkg/models"
	"github.com/psantana5/ffmpeg-jobs/pkg/ratelimit"
	"github.com/psantana5/ffmpeg-jobs/pkg/runner"
	"github.com/psantana5/ffmpeg-jobs/pkg/status"
)

// maxUploadBytes caps multipart uploads to the staging directory
const maxUploadBytes = 4 << 30

// JobCreator starts jobs
type JobCreator interface {
	CreateConversionJob(inputPath, format, quality, codec string) (string, error)
	CreateDownloadJob(url, format, quality string) (string, error)
	CreateBatchDownload(urls []string, format, quality string) (string, []string, error)
}

// StatusReader answers job queries
type StatusReader interface {
	GetStatus(id string) (*models.StatusPayload, error)
	GetOutputPath(id string) (string, error)
	List(filter status.Filter) []*models.StatusPayload
}

// HealthChecker produces the /health report
type HealthChecker interface {
	Check(ctx context.Context) health.Report
}

// ConversionRequest converts a file already on the server
type ConversionRequest struct {
	InputPath string `json:"input_path"`
	Format    string `json:"format"`
	Quality   string `json:"quality,omitempty"`
	Codec     string `json:"codec,omitempty"`
}

// DownloadRequest fetches one remote URL
type DownloadRequest struct {
	URL     string `json:"url"`
	Format  string `json:"format,omitempty"`
	Quality string `json:"quality,omitempty"`
}

// BatchRequest fetches several URLs as independent jobs
type BatchRequest struct {
	URLs    []string `json:"urls"`
	Format  string   `json:"format,omitempty"`
	Quality string   `json:"quality,omitempty"`
}

// JobAccepted is returned for every admitted job
type JobAccepted struct {
	JobID     string           `json:"job_id"`
	Kind      models.JobKind   `json:"kind"`
	Status    models.JobStatus `json:"status"`
	StatusURL string           `json:"status_url"`
	// ProgressEstimated is true when progress is derived from elapsed time
	ProgressEstimated bool `json:"progress_estimated"`
}

// BatchAccepted is returned for an admitted batch
type BatchAccepted struct {
	BatchID string        `json:"batch_id"`
	Jobs    []JobAccepted `json:"jobs"`
}

// JobsHandler is the HTTP surface over the runner and status service
type JobsHandler struct {
	jobs      JobCreator
	status    StatusReader
	health    HealthChecker
	limiter   *ratelimit.Limiter
	logger    *logging.Logger
	inputRoot string
}

// NewJobsHandler creates a handler. Conversion inputs must live under
// inputRoot, which is also where uploads are staged.
func NewJobsHandler(jobs JobCreator, statusReader StatusReader, inputRoot string, logger *logging.Logger) *JobsHandler {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &JobsHandler{
		jobs:      jobs,
		status:    statusReader,
		logger:    logger,
		inputRoot: inputRoot,
	}
}

// SetHealthChecker enables the detailed /health report
func (h *JobsHandler) SetHealthChecker(c HealthChecker) {
	h.health = c
}

// SetRateLimiter limits job creation per client IP
func (h *JobsHandler) SetRateLimiter(l *ratelimit.Limiter) {
	h.limiter = l
}

// RegisterRoutes registers all API routes
func (h *JobsHandler) RegisterRoutes(r *mux.Router) {
	r.Handle("/jobs/conversions", h.limited(h.CreateConversion)).Methods("POST")
	r.Handle("/jobs/downloads", h.limited(h.CreateDownload)).Methods("POST")
	r.Handle("/jobs/batches", h.limited(h.CreateBatch)).Methods("POST")

	r.HandleFunc("/jobs", h.ListJobs).Methods("GET")
	r.HandleFunc("/jobs/{id}", h.GetJob).Methods("GET")
	r.HandleFunc("/jobs/{id}/file", h.GetJobFile).Methods("GET")

	r.HandleFunc("/health", h.Health).Methods("GET")
}

// RouteName returns the matched route template, for metrics and span names
func RouteName(r *http.Request) string {
	route := mux.CurrentRoute(r)
	if route == nil {
		return ""
	}
	tpl, err := route.GetPathTemplate()
	if err != nil {
		return ""
	}
	return tpl
}

func (h *JobsHandler) limited(fn http.HandlerFunc) http.Handler {
	if h.limiter == nil {
		return fn
	}
	return h.limiter.Middleware(ratelimit.IPKeyFunc)(fn)
}

// CreateConversion accepts a JSON ConversionRequest or a multipart upload
// with a "file" part and format/quality/codec fields
func (h *JobsHandler) CreateConversion(w http.ResponseWriter, r *http.Request) {
	var req ConversionRequest
	var staged string

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		path, err := h.stageUpload(w, r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		staged = path
		req = ConversionRequest{
			InputPath: path,
			Format:    r.FormValue("format"),
			Quality:   r.FormValue("quality"),
			Codec:     r.FormValue("codec"),
		}
	} else {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		resolved, err := h.resolveInput(req.InputPath)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		req.InputPath = resolved
	}

	id, err := h.jobs.CreateConversionJob(req.InputPath, req.Format, req.Quality, req.Codec)
	if err != nil {
		if staged != "" {
			os.Remove(staged)
		}
		h.writeCreateError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, accepted(id, models.JobKindConversion))
}

// CreateDownload accepts a DownloadRequest
func (h *JobsHandler) CreateDownload(w http.ResponseWriter, r *http.Request) {
	var req DownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	id, err := h.jobs.CreateDownloadJob(req.URL, req.Format, req.Quality)
	if err != nil {
		h.writeCreateError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, accepted(id, models.JobKindDownload))
}

// CreateBatch accepts a BatchRequest
func (h *JobsHandler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	batchID, ids, err := h.jobs.CreateBatchDownload(req.URLs, req.Format, req.Quality)
	if err != nil {
		h.writeCreateError(w, err)
		return
	}

	resp := BatchAccepted{BatchID: batchID, Jobs: make([]JobAccepted, len(ids))}
	for i, id := range ids {
		resp.Jobs[i] = accepted(id, models.JobKindDownload)
	}
	h.writeJSON(w, http.StatusAccepted, resp)
}

// ListJobs returns status payloads filtered by batch_id, status, kind and limit
func (h *JobsHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := status.Filter{BatchID: q.Get("batch_id")}

	if s := q.Get("status"); s != "" {
		st, err := models.ParseJobStatus(s)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		filter.Status = st
	}
	switch k := models.JobKind(q.Get("kind")); k {
	case "", models.JobKindConversion, models.JobKindDownload:
		filter.Kind = k
	default:
		http.Error(w, fmt.Sprintf("Invalid kind '%s'. Valid values: conversion, download", k), http.StatusBadRequest)
		return
	}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		filter.Limit = n
	}

	jobs := h.status.List(filter)
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// GetJob returns the status payload of one job
func (h *JobsHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	payload, err := h.status.GetStatus(id)
	if err != nil {
		if status.IsNotFound(err) {
			http.Error(w, "Job not found", http.StatusNotFound)
			return
		}
		h.logger.Error("failed to get job status", map[string]interface{}{"job_id": id, "error": err})
		http.Error(w, "Failed to get job", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, payload)
}

// GetJobFile streams the artifact of a completed job
func (h *JobsHandler) GetJobFile(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	path, err := h.status.GetOutputPath(id)
	if err != nil {
		if status.IsNotFound(err) {
			http.Error(w, "Output not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to get output", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{
		"filename": filepath.Base(path),
	}))
	http.ServeFile(w, r, path)
}

// Health reports 200 when healthy and 503 when degraded
func (h *JobsHandler) Health(w http.ResponseWriter, r *http.Request) {
	if h.health == nil {
		h.writeJSON(w, http.StatusOK, map[string]string{"status": health.StatusOK})
		return
	}
	report := h.health.Check(r.Context())
	code := http.StatusOK
	if report.Status != health.StatusOK {
		code = http.StatusServiceUnavailable
	}
	h.writeJSON(w, code, report)
}

func (h *JobsHandler) writeCreateError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, runner.ErrInvalidRequest):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, runner.ErrQueueFull):
		w.Header().Set("Retry-After", "5")
		http.Error(w, "Job queue is full, retry later", http.StatusTooManyRequests)
	case errors.Is(err, runner.ErrRunnerClosed):
		http.Error(w, "Service is shutting down", http.StatusServiceUnavailable)
	default:
		h.logger.Error("failed to create job", map[string]interface{}{"error": err})
		http.Error(w, "Failed to create job", http.StatusInternalServerError)
	}
}

// resolveInput makes path absolute and requires it to sit under inputRoot,
// both as written and with symlinks resolved
func (h *JobsHandler) resolveInput(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("input_path is required")
	}
	if h.inputRoot == "" {
		return path, nil
	}
	root, err := filepath.Abs(h.inputRoot)
	if err != nil {
		return "", fmt.Errorf("resolve input root: %w", err)
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	abs := filepath.Clean(path)
	if !within(root, abs) {
		return "", fmt.Errorf("input_path must be inside %s", h.inputRoot)
	}

	realRoot, err := evalExisting(root)
	if err != nil {
		return "", fmt.Errorf("resolve input root: %w", err)
	}
	target, err := evalExisting(abs)
	if err != nil {
		return "", fmt.Errorf("resolve input_path: %w", err)
	}
	if !within(realRoot, target) {
		return "", fmt.Errorf("input_path must be inside %s", h.inputRoot)
	}
	return abs, nil
}

// evalExisting resolves symlinks in path. A missing final element is
// resolved through its parent so unknown files still get a clear 400 later.
func evalExisting(path string) (string, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err == nil {
		return resolved, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}
	dir, err := filepath.EvalSymlinks(filepath.Dir(path))
	if errors.Is(err, fs.ErrNotExist) {
		return path, nil
	}
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, filepath.Base(path)), nil
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	return true
}

// stageUpload stores the "file" part under inputRoot with a fresh name
func (h *JobsHandler) stageUpload(w http.ResponseWriter, r *http.Request) (string, error) {
	if h.inputRoot == "" {
		return "", errors.New("uploads are not enabled")
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	src, header, err := r.FormFile("file")
	if err != nil {
		return "", fmt.Errorf("missing file part: %w", err)
	}
	defer src.Close()

	if err := os.MkdirAll(h.inputRoot, 0o755); err != nil {
		return "", fmt.Errorf("create staging directory: %w", err)
	}
	ext := strings.ToLower(filepath.Ext(header.Filename))
	dst, err := os.CreateTemp(h.inputRoot, "upload-"+uuid.NewString()+"-*"+ext)
	if err != nil {
		return "", fmt.Errorf("stage upload: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(dst.Name())
		return "", fmt.Errorf("stage upload: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(dst.Name())
		return "", fmt.Errorf("stage upload: %w", err)
	}
	return filepath.Abs(dst.Name())
}

func accepted(id string, kind models.JobKind) JobAccepted {
	return JobAccepted{
		JobID:             id,
		Kind:              kind,
		Status:            models.JobStatusPending,
		StatusURL:         "/jobs/" + id,
		ProgressEstimated: kind == models.JobKindDownload,
	}
}

func (h *JobsHandler) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", map[string]interface{}{
			"status": code,
			"error":  err,
		})
	}
}
