package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/psantana5/ffmpeg-jobs/pkg/models"
	"github.com/psantana5/ffmpeg-jobs/pkg/tool"
	"github.com/psantana5/ffmpeg-jobs/pkg/tracing"
)

// invocation is the kind-specific part of a job run. invoke returns the
// path of the produced artifact.
type invocation interface {
	toolName() string
	invoke(ctx context.Context, report func(tool.ProgressEvent)) (string, error)
}

type conversionInvocation struct {
	job        *models.Job
	transcoder tool.Transcoder
	outputDir  string
}

func (c *conversionInvocation) toolName() string { return "ffmpeg" }

func (c *conversionInvocation) invoke(ctx context.Context, report func(tool.ProgressEvent)) (string, error) {
	if err := os.MkdirAll(c.outputDir, 0o755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}
	outputPath := filepath.Join(c.outputDir, c.job.ID+"."+c.job.Input.Format)

	res, err := c.transcoder.Transcode(ctx, tool.TranscodeRequest{
		JobID:      c.job.ID,
		InputPath:  c.job.Input.Path,
		OutputPath: outputPath,
		Format:     c.job.Input.Format,
		Quality:    c.job.Input.Quality,
		Codec:      c.job.Input.Codec,
	}, report)
	if err != nil {
		return "", err
	}
	if res.OutputPath != "" {
		outputPath = res.OutputPath
	}
	return outputPath, nil
}

type downloadInvocation struct {
	job       *models.Job
	fetcher   tool.Fetcher
	outputDir string
	tick      time.Duration
	started   time.Time
}

func (d *downloadInvocation) toolName() string { return "yt-dlp" }

func (d *downloadInvocation) invoke(ctx context.Context, report func(tool.ProgressEvent)) (string, error) {
	if err := os.MkdirAll(d.outputDir, 0o755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}

	res, err := tool.FetchWithEstimate(ctx, d.fetcher, tool.FetchRequest{
		JobID:     d.job.ID,
		URL:       d.job.Input.URL,
		Format:    d.job.Input.Format,
		Quality:   d.job.Input.Quality,
		OutputDir: d.outputDir,
		FileStem:  d.job.ID + "-" + strconv.FormatInt(d.started.UnixMilli(), 10),
	}, d.tick, report)
	if err != nil {
		return "", err
	}
	if res.OutputPath != "" {
		return res.OutputPath, nil
	}
	dir := res.OutputDir
	if dir == "" {
		dir = d.outputDir
	}
	// The fetcher picks the extension, so the artifact has to be found
	return findArtifact(dir, d.job.ID)
}

func (r *Runner) invocationFor(job *models.Job, started time.Time) invocation {
	switch job.Kind {
	case models.JobKindDownload:
		return &downloadInvocation{
			job:       job,
			fetcher:   r.fetcher,
			outputDir: r.cfg.DownloadDir,
			tick:      r.cfg.EstimatorInterval,
			started:   started,
		}
	default:
		return &conversionInvocation{
			job:        job,
			transcoder: r.transcoder,
			outputDir:  r.cfg.ConversionDir,
		}
	}
}

// execute runs one job on a worker. poolCtx is cancelled on shutdown.
func (r *Runner) execute(poolCtx context.Context, job *models.Job) {
	log := r.jobLogger(job)
	var startedAt time.Time

	defer func() {
		if p := recover(); p != nil {
			log.Error("job panicked", map[string]interface{}{"panic": fmt.Sprint(p)})
			r.fail(job, startedAt, fmt.Errorf("internal error: %v", p))
		}
	}()

	if poolCtx.Err() != nil {
		r.fail(job, time.Time{}, errShuttingDown)
		return
	}

	now := r.now()
	if _, err := r.registry.UpdateJob(job.ID, func(j *models.Job) error {
		if err := models.ValidateTransition(j.Status, models.JobStatusRunning); err != nil {
			return err
		}
		j.Status = models.JobStatusRunning
		j.StartedAt = &now
		return nil
	}); err != nil {
		log.Error("failed to start job", map[string]interface{}{"error": err})
		return
	}
	startedAt = now
	r.recorder.JobStarted(job.Kind)
	log.Info("job started")

	ctx := poolCtx
	cancel := func() {}
	if r.cfg.Timeout > 0 {
		ctx, cancel = context.WithTimeout(poolCtx, r.cfg.Timeout)
	}
	defer cancel()

	ctx, span := r.tracer.StartJobSpan(ctx, job.ID, string(job.Kind), job.BatchID)
	defer span.End()

	inv := r.invocationFor(job, startedAt)
	tracing.AddEvent(ctx, "tool.start", attribute.String("tool", inv.toolName()))
	reporter := newProgressReporter(r.progress, job.ID, job.Kind == models.JobKindDownload, r.now)

	path, err := inv.invoke(ctx, reporter.report)
	var size int64
	if err == nil {
		size, err = artifactSize(path)
	}
	if err != nil {
		err = r.describeFailure(poolCtx, ctx, inv.toolName(), err)
		tracing.SetError(ctx, err)
		r.fail(job, startedAt, err)
		return
	}

	span.SetAttributes(attribute.String("job.output", path), attribute.Int64("job.output_bytes", size))
	tracing.SetOK(ctx)
	r.complete(job, startedAt, reporter, path, size)
}

// describeFailure names shutdown and timeout explicitly; any other error,
// including the tool's own failure text, is kept verbatim.
func (r *Runner) describeFailure(poolCtx, jobCtx context.Context, toolName string, err error) error {
	switch {
	case poolCtx.Err() != nil:
		return errShuttingDown
	case errors.Is(jobCtx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%s timed out after %s", toolName, r.cfg.Timeout)
	default:
		return err
	}
}

func (r *Runner) complete(job *models.Job, startedAt time.Time, reporter *progressReporter, path string, size int64) {
	log := r.jobLogger(job)

	// 100% goes in before the status flips; readers only trust 100 once
	// the job reads Completed.
	reporter.finish()

	endedAt := r.now()
	if _, err := r.registry.UpdateJob(job.ID, func(j *models.Job) error {
		if err := models.ValidateTransition(j.Status, models.JobStatusCompleted); err != nil {
			return err
		}
		j.Status = models.JobStatusCompleted
		j.Output = &models.JobOutput{Path: path, SizeBytes: size}
		j.Error = ""
		j.EndedAt = &endedAt
		return nil
	}); err != nil {
		log.Error("failed to complete job", map[string]interface{}{"error": err})
		return
	}

	r.recorder.JobFinished(job.Kind, models.JobStatusCompleted, endedAt.Sub(startedAt), true)
	log.Info("job completed", map[string]interface{}{
		"output":     path,
		"size_bytes": size,
		"duration":   endedAt.Sub(startedAt).String(),
	})
}

// fail ends a job Failed. A zero startedAt means the job never ran.
func (r *Runner) fail(job *models.Job, startedAt time.Time, cause error) {
	log := r.jobLogger(job)

	msg := cause.Error()
	if msg == "" {
		msg = "unknown error"
	}
	endedAt := r.now()
	if _, err := r.registry.UpdateJob(job.ID, func(j *models.Job) error {
		if err := models.ValidateTransition(j.Status, models.JobStatusFailed); err != nil {
			return err
		}
		j.Status = models.JobStatusFailed
		j.Error = msg
		j.Output = nil
		j.EndedAt = &endedAt
		return nil
	}); err != nil {
		log.Error("failed to record job failure", map[string]interface{}{"error": err, "cause": msg})
		return
	}

	started := !startedAt.IsZero()
	var duration time.Duration
	if started {
		duration = endedAt.Sub(startedAt)
	}
	r.recorder.JobFinished(job.Kind, models.JobStatusFailed, duration, started)
	log.Warn("job failed", map[string]interface{}{"error": msg})
}
