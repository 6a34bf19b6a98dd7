package cleanup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/psantana5/ffmpeg-jobs/pkg/logging"
	"github.com/psantana5/ffmpeg-jobs/pkg/models"
	"github.com/psantana5/ffmpeg-jobs/pkg/store"
)

// Config defines the retention window and sweep interval
type Config struct {
	Enabled  bool
	MaxAge   time.Duration
	Interval time.Duration

	// Output directories are scanned for leftovers of failed jobs
	ConversionDir string
	DownloadDir   string
	// Inputs under StagingDir are transient and deleted with their job
	StagingDir string
}

// DefaultConfig returns the default retention policy
func DefaultConfig() Config {
	return Config{
		Enabled:  true,
		MaxAge:   24 * time.Hour,
		Interval: time.Hour,
	}
}

// Recorder receives per-sweep totals
type Recorder interface {
	SweepCompleted(deleted int, bytes int64, errs int)
}

// Stats tracks sweeper activity since start
type Stats struct {
	LastSweepTime       time.Time     `json:"last_sweep_time"`
	LastSweepDuration   time.Duration `json:"last_sweep_duration"`
	Runs                int64         `json:"runs"`
	TotalJobsDeleted    int64         `json:"total_jobs_deleted"`
	TotalBytesReclaimed int64         `json:"total_bytes_reclaimed"`
	TotalErrors         int64         `json:"total_errors"`
}

// Result is the outcome of one sweep
type Result struct {
	Deleted int
	Bytes   int64
	Errors  int
}

// Sweeper deletes terminal jobs older than the retention window together
// with their files. Files go first; a job entry is removed only once its
// files are confirmed gone, so a failed delete is retried next sweep.
type Sweeper struct {
	cfg      Config
	registry store.JobRegistry
	progress store.ProgressTracker
	logger   *logging.Logger
	recorder Recorder
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	sweepMu sync.Mutex

	mu    sync.RWMutex
	stats Stats
}

// Option customizes a Sweeper
type Option func(*Sweeper)

func WithLogger(l *logging.Logger) Option {
	return func(s *Sweeper) { s.logger = l }
}

func WithRecorder(r Recorder) Option {
	return func(s *Sweeper) { s.recorder = r }
}

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// NewSweeper creates a sweeper. Call Start to run it periodically.
func NewSweeper(cfg Config, registry store.JobRegistry, progress store.ProgressTracker, opts ...Option) *Sweeper {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultConfig().MaxAge
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Sweeper{
		cfg:      cfg,
		registry: registry,
		progress: progress,
		logger:   logging.NewNop(),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins periodic sweeping
func (s *Sweeper) Start() {
	if !s.cfg.Enabled {
		s.logger.Info("retention sweeper disabled")
		return
	}

	s.logger.Info("starting retention sweeper", map[string]interface{}{
		"max_age":  s.cfg.MaxAge.String(),
		"interval": s.cfg.Interval.String(),
	})

	s.wg.Add(1)
	go s.loop()
}

// Stop waits for a running sweep to finish and stops the loop
func (s *Sweeper) Stop() {
	s.cancel()
	s.wg.Wait()
	s.logger.Info("retention sweeper stopped")
}

func (s *Sweeper) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.SweepNow()
		}
	}
}

// SweepNow runs one sweep immediately. Concurrent calls run one at a time.
func (s *Sweeper) SweepNow() Result {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	start := s.now()
	cutoff := start.Add(-s.cfg.MaxAge)

	var res Result
	for _, id := range s.registry.ListEndedBefore(cutoff) {
		job, err := s.registry.GetJob(id)
		if err != nil {
			continue
		}

		bytes, err := s.removeFiles(job)
		res.Bytes += bytes
		if err != nil {
			res.Errors++
			s.logger.Warn("failed to delete job files, will retry next sweep", map[string]interface{}{
				"job_id": id,
				"error":  err,
			})
			continue
		}

		// Job before its snapshot; readers that miss the snapshot re-check the registry
		if err := s.registry.DeleteJob(id); err != nil && !errors.Is(err, store.ErrJobNotFound) {
			res.Errors++
			continue
		}
		s.progress.DeleteProgress(id)
		res.Deleted++
	}

	duration := s.now().Sub(start)
	s.mu.Lock()
	s.stats.LastSweepTime = start
	s.stats.LastSweepDuration = duration
	s.stats.Runs++
	s.stats.TotalJobsDeleted += int64(res.Deleted)
	s.stats.TotalBytesReclaimed += res.Bytes
	s.stats.TotalErrors += int64(res.Errors)
	s.mu.Unlock()

	if s.recorder != nil {
		s.recorder.SweepCompleted(res.Deleted, res.Bytes, res.Errors)
	}
	if res.Deleted > 0 || res.Errors > 0 {
		s.logger.Info("retention sweep complete", map[string]interface{}{
			"deleted":  res.Deleted,
			"bytes":    res.Bytes,
			"errors":   res.Errors,
			"duration": duration.String(),
		})
	}
	return res
}

// GetStats returns sweeper statistics
func (s *Sweeper) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// removeFiles deletes the output, any leftovers named after the job, and a
// staged input. Files already gone count as deleted.
func (s *Sweeper) removeFiles(job *models.Job) (int64, error) {
	var total int64
	var errs []error

	remove := func(path string) {
		n, err := removeFile(path)
		total += n
		if err != nil {
			errs = append(errs, err)
		}
	}

	if job.Output != nil && job.Output.Path != "" {
		remove(job.Output.Path)
	}

	dir := s.cfg.ConversionDir
	if job.Kind == models.JobKindDownload {
		dir = s.cfg.DownloadDir
	}
	leftovers, err := filesNamedAfter(dir, job.ID)
	if err != nil {
		errs = append(errs, err)
	}
	for _, path := range leftovers {
		remove(path)
	}

	if job.Input.Path != "" && s.inStaging(job.Input.Path) {
		remove(job.Input.Path)
	}
	return total, errors.Join(errs...)
}

func (s *Sweeper) inStaging(path string) bool {
	if s.cfg.StagingDir == "" {
		return false
	}
	staging, err := filepath.Abs(s.cfg.StagingDir)
	if err != nil {
		return false
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(staging, abs)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func removeFile(path string) (int64, error) {
	info, err := os.Lstat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return 0, fmt.Errorf("refusing to delete directory %s", path)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return 0, fmt.Errorf("delete %s: %w", path, err)
	}
	return info.Size(), nil
}

// filesNamedAfter lists regular files in dir whose name contains jobID
func filesNamedAfter(dir, jobID string) ([]string, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	var paths []string
	for _, entry := range entries {
		if entry.Type().IsRegular() && strings.Contains(entry.Name(), jobID) {
			paths = append(paths, filepath.Join(dir, entry.Name()))
		}
	}
	return paths, nil
}
