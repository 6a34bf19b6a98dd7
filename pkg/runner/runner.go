// Package runner drives jobs through their lifecycle.
//
// A job is admitted to a bounded queue and picked up by a worker, which moves
// it Pending -> Running, invokes the tool, records progress and finishes it
// Completed or Failed. Every failure, including panics and timeouts, ends
// as a Failed job; nothing escapes a worker.
package runner

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/psantana5/ffmpeg-jobs/pkg/logging"
	"github.com/psantana5/ffmpeg-jobs/pkg/models"
	"github.com/psantana5/ffmpeg-jobs/pkg/store"
	"github.com/psantana5/ffmpeg-jobs/pkg/tool"
	"github.com/psantana5/ffmpeg-jobs/pkg/tracing"
)

var (
	ErrQueueFull      = errors.New("job queue is full")
	ErrRunnerClosed   = errors.New("runner is shut down")
	ErrInvalidRequest = errors.New("invalid job request")

	errShuttingDown = errors.New("service shutting down")
)

var formatPattern = regexp.MustCompile(`^[a-z0-9]{2,5}$`)

// Config controls the worker pool and job output
type Config struct {
	Workers   int
	QueueSize int
	// Timeout bounds one tool invocation; zero disables it
	Timeout time.Duration

	ConversionDir string
	DownloadDir   string

	EstimatorInterval time.Duration
	MaxBatchSize      int
}

// Recorder receives lifecycle events, typically for metrics
type Recorder interface {
	JobCreated(kind models.JobKind)
	JobRejected(kind models.JobKind, reason string)
	JobStarted(kind models.JobKind)
	JobFinished(kind models.JobKind, status models.JobStatus, duration time.Duration, started bool)
	QueueDepth(n int)
}

type nopRecorder struct{}

func (nopRecorder) JobCreated(models.JobKind)                                        {}
func (nopRecorder) JobRejected(models.JobKind, string)                               {}
func (nopRecorder) JobStarted(models.JobKind)                                        {}
func (nopRecorder) JobFinished(models.JobKind, models.JobStatus, time.Duration, bool) {}
func (nopRecorder) QueueDepth(int)                                                   {}

// Stats is a point-in-time view of the pool
type Stats struct {
	Workers       int `json:"workers"`
	QueueCapacity int `json:"queue_capacity"`
	Queued        int `json:"queued"`
	Running       int `json:"running"`
}

// Runner creates jobs and executes them on a bounded worker pool
type Runner struct {
	cfg        Config
	registry   store.JobRegistry
	progress   store.ProgressTracker
	transcoder tool.Transcoder
	fetcher    tool.Fetcher

	pool     *workerPool
	logger   *logging.Logger
	recorder Recorder
	tracer   *tracing.Provider
	now      func() time.Time
}

// Option customizes a Runner
type Option func(*Runner)

func WithLogger(l *logging.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

func WithRecorder(rec Recorder) Option {
	return func(r *Runner) { r.recorder = rec }
}

func WithTracer(p *tracing.Provider) Option {
	return func(r *Runner) { r.tracer = p }
}

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// New creates a runner and starts its workers
func New(cfg Config, registry store.JobRegistry, progress store.ProgressTracker, transcoder tool.Transcoder, fetcher tool.Fetcher, opts ...Option) (*Runner, error) {
	if cfg.Workers <= 0 || cfg.QueueSize <= 0 {
		return nil, fmt.Errorf("workers and queue size must be positive (got %d, %d)", cfg.Workers, cfg.QueueSize)
	}
	if cfg.ConversionDir == "" || cfg.DownloadDir == "" {
		return nil, fmt.Errorf("conversion and download directories are required")
	}
	if registry == nil || progress == nil || transcoder == nil || fetcher == nil {
		return nil, fmt.Errorf("registry, progress tracker, transcoder and fetcher are required")
	}
	if cfg.EstimatorInterval <= 0 {
		cfg.EstimatorInterval = time.Second
	}
	if cfg.MaxBatchSize <= 0 || cfg.MaxBatchSize > cfg.QueueSize {
		cfg.MaxBatchSize = cfg.QueueSize
	}

	r := &Runner{
		cfg:        cfg,
		registry:   registry,
		progress:   progress,
		transcoder: transcoder,
		fetcher:    fetcher,
		logger:     logging.NewNop(),
		recorder:   nopRecorder{},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.tracer == nil {
		r.tracer = tracing.NewNoop("ffjobs")
	}

	r.pool = newWorkerPool(cfg.Workers, cfg.QueueSize, r.recorder.QueueDepth)
	r.logger.Info("job runner started", map[string]interface{}{
		"workers":    cfg.Workers,
		"queue_size": cfg.QueueSize,
		"timeout":    cfg.Timeout.String(),
	})
	return r, nil
}

// CreateConversionJob queues a local file conversion and returns the job id
func (r *Runner) CreateConversionJob(inputPath, format, quality, codec string) (string, error) {
	input, err := conversionInput(inputPath, format, quality, codec)
	if err != nil {
		r.recorder.JobRejected(models.JobKindConversion, "invalid")
		return "", err
	}
	job := r.newJob(models.JobKindConversion, input, "")
	if err := r.admit(job); err != nil {
		return "", err
	}
	return job.ID, nil
}

// CreateDownloadJob queues a remote acquisition and returns the job id
func (r *Runner) CreateDownloadJob(sourceURL, format, quality string) (string, error) {
	input, err := downloadInput(sourceURL, format, quality)
	if err != nil {
		r.recorder.JobRejected(models.JobKindDownload, "invalid")
		return "", err
	}
	job := r.newJob(models.JobKindDownload, input, "")
	if err := r.admit(job); err != nil {
		return "", err
	}
	return job.ID, nil
}

// CreateBatchDownload queues one download job per URL under a shared batch id.
// The batch is admitted whole or not at all.
func (r *Runner) CreateBatchDownload(urls []string, format, quality string) (string, []string, error) {
	if len(urls) == 0 {
		r.recorder.JobRejected(models.JobKindDownload, "invalid")
		return "", nil, fmt.Errorf("%w: batch has no URLs", ErrInvalidRequest)
	}
	if len(urls) > r.cfg.MaxBatchSize {
		r.recorder.JobRejected(models.JobKindDownload, "invalid")
		return "", nil, fmt.Errorf("%w: batch of %d exceeds the limit of %d", ErrInvalidRequest, len(urls), r.cfg.MaxBatchSize)
	}

	batchID := uuid.NewString()
	jobs := make([]*models.Job, 0, len(urls))
	for i, u := range urls {
		input, err := downloadInput(u, format, quality)
		if err != nil {
			r.recorder.JobRejected(models.JobKindDownload, "invalid")
			return "", nil, fmt.Errorf("url %d: %w", i, err)
		}
		jobs = append(jobs, r.newJob(models.JobKindDownload, input, batchID))
	}

	if err := r.admit(jobs...); err != nil {
		return "", nil, err
	}

	ids := make([]string, len(jobs))
	for i, job := range jobs {
		ids[i] = job.ID
	}
	r.logger.Info("batch queued", map[string]interface{}{"batch_id": batchID, "jobs": len(ids)})
	return batchID, ids, nil
}

// Stats reports pool occupancy
func (r *Runner) Stats() Stats {
	return Stats{
		Workers:       r.pool.workers,
		QueueCapacity: cap(r.pool.queue),
		Queued:        r.pool.queued(),
		Running:       int(r.pool.running.Load()),
	}
}

// Close stops admission and cancels every queued and running job. Those
// jobs end Failed. It returns when the workers exit or ctx expires.
func (r *Runner) Close(ctx context.Context) error {
	r.logger.Info("stopping job runner", map[string]interface{}{
		"queued":  r.pool.queued(),
		"running": r.pool.running.Load(),
	})
	return r.pool.shutdown(ctx)
}

func (r *Runner) newJob(kind models.JobKind, input models.JobInput, batchID string) *models.Job {
	return &models.Job{
		ID:        uuid.NewString(),
		Kind:      kind,
		Status:    models.JobStatusPending,
		Input:     input,
		BatchID:   batchID,
		CreatedAt: r.now(),
	}
}

// admit registers jobs and queues them. Rejected jobs are removed again so
// no Pending job is left without a worker.
func (r *Runner) admit(jobs ...*models.Job) error {
	tasks := make([]task, 0, len(jobs))
	for i, job := range jobs {
		if err := r.register(job); err != nil {
			r.unregister(jobs[:i]...)
			return err
		}
		tasks = append(tasks, task{
			jobID: job.ID,
			run:   func(ctx context.Context) { r.execute(ctx, job) },
			abort: func() { r.fail(job, time.Time{}, errShuttingDown) },
		})
	}

	if err := r.pool.submit(tasks...); err != nil {
		r.unregister(jobs...)
		reason := "queue_full"
		if errors.Is(err, ErrRunnerClosed) {
			reason = "closed"
		}
		for _, job := range jobs {
			r.recorder.JobRejected(job.Kind, reason)
		}
		r.logger.Warn("jobs rejected", map[string]interface{}{"jobs": len(jobs), "reason": reason})
		return err
	}

	for _, job := range jobs {
		r.recorder.JobCreated(job.Kind)
		r.jobLogger(job).Debug("job queued")
	}
	return nil
}

// register writes the progress snapshot before the job so a reader that
// finds the job always finds its snapshot.
func (r *Runner) register(job *models.Job) error {
	r.progress.SetProgress(job.ID, models.ProgressSnapshot{
		Estimated: job.Kind == models.JobKindDownload,
		UpdatedAt: job.CreatedAt,
	})
	if err := r.registry.CreateJob(job); err != nil {
		r.progress.DeleteProgress(job.ID)
		return err
	}
	return nil
}

func (r *Runner) unregister(jobs ...*models.Job) {
	for _, job := range jobs {
		_ = r.registry.DeleteJob(job.ID)
		r.progress.DeleteProgress(job.ID)
	}
}

func (r *Runner) jobLogger(job *models.Job) *logging.Logger {
	fields := map[string]interface{}{
		"job_id": job.ID,
		"kind":   string(job.Kind),
	}
	if job.BatchID != "" {
		fields["batch_id"] = job.BatchID
	}
	return r.logger.WithFields(fields)
}

func conversionInput(inputPath, format, quality, codec string) (models.JobInput, error) {
	if strings.TrimSpace(inputPath) == "" {
		return models.JobInput{}, fmt.Errorf("%w: input path is required", ErrInvalidRequest)
	}
	format = strings.ToLower(strings.TrimSpace(format))
	if !formatPattern.MatchString(format) {
		return models.JobInput{}, fmt.Errorf("%w: unsupported format %q", ErrInvalidRequest, format)
	}
	if _, _, err := tool.LookupQuality(quality); err != nil {
		return models.JobInput{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return models.JobInput{
		Path:    inputPath,
		Format:  format,
		Quality: strings.ToLower(strings.TrimSpace(quality)),
		Codec:   strings.TrimSpace(codec),
	}, nil
}

func downloadInput(sourceURL, format, quality string) (models.JobInput, error) {
	sourceURL = strings.TrimSpace(sourceURL)
	u, err := url.Parse(sourceURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return models.JobInput{}, fmt.Errorf("%w: source URL must be an absolute http(s) URL", ErrInvalidRequest)
	}
	format = strings.ToLower(strings.TrimSpace(format))
	if format != "" && format != tool.FetchFormatAudio && !formatPattern.MatchString(format) {
		return models.JobInput{}, fmt.Errorf("%w: unsupported format %q", ErrInvalidRequest, format)
	}
	if _, err := tool.FetchSelector(quality); err != nil {
		return models.JobInput{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return models.JobInput{
		URL:     sourceURL,
		Format:  format,
		Quality: strings.ToLower(strings.TrimSpace(quality)),
	}, nil
}
