package cleanup

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/ffmpeg-jobs/pkg/models"
	"github.com/psantana5/ffmpeg-jobs/pkg/store"
)

type sweepFixture struct {
	registry *store.MemoryStore
	progress *store.MemoryProgress
	cfg      Config
	now      time.Time
}

func newSweepFixture(t *testing.T) *sweepFixture {
	t.Helper()
	root := t.TempDir()
	cfg := Config{
		Enabled:       true,
		MaxAge:        24 * time.Hour,
		Interval:      time.Hour,
		ConversionDir: filepath.Join(root, "conversions"),
		DownloadDir:   filepath.Join(root, "downloads"),
		StagingDir:    filepath.Join(root, "uploads"),
	}
	for _, dir := range []string{cfg.ConversionDir, cfg.DownloadDir, cfg.StagingDir} {
		require.NoError(t, os.MkdirAll(dir, 0o755))
	}
	return &sweepFixture{
		registry: store.NewMemoryStore(),
		progress: store.NewMemoryProgress(),
		cfg:      cfg,
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (f *sweepFixture) sweeper(opts ...Option) *Sweeper {
	opts = append([]Option{WithClock(func() time.Time { return f.now })}, opts...)
	return NewSweeper(f.cfg, f.registry, f.progress, opts...)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// addJob stores a terminal job that ended age before the fixture clock
func (f *sweepFixture) addJob(t *testing.T, job *models.Job, age time.Duration) {
	t.Helper()
	ended := f.now.Add(-age)
	started := ended.Add(-time.Minute)
	job.CreatedAt = started
	job.StartedAt = &started
	job.EndedAt = &ended
	require.NoError(t, f.registry.CreateJob(job))
	f.progress.SetProgress(job.ID, models.ProgressSnapshot{Percent: 100})
}

func TestSweepRemovesExpiredJobsOnly(t *testing.T) {
	f := newSweepFixture(t)

	oldInput := filepath.Join(f.cfg.StagingDir, "upload-old.mov")
	oldOutput := filepath.Join(f.cfg.ConversionDir, "old.mp4")
	writeFile(t, oldInput, "input")
	writeFile(t, oldOutput, "0123456789")
	f.addJob(t, &models.Job{
		ID:     "old",
		Kind:   models.JobKindConversion,
		Status: models.JobStatusCompleted,
		Input:  models.JobInput{Path: oldInput, Format: "mp4"},
		Output: &models.JobOutput{Path: oldOutput, SizeBytes: 10},
	}, 25*time.Hour)

	youngInput := filepath.Join(f.cfg.StagingDir, "upload-young.mov")
	youngOutput := filepath.Join(f.cfg.ConversionDir, "young.mp4")
	writeFile(t, youngInput, "input")
	writeFile(t, youngOutput, "0123456789")
	f.addJob(t, &models.Job{
		ID:     "young",
		Kind:   models.JobKindConversion,
		Status: models.JobStatusCompleted,
		Input:  models.JobInput{Path: youngInput, Format: "mp4"},
		Output: &models.JobOutput{Path: youngOutput, SizeBytes: 10},
	}, time.Hour)

	res := f.sweeper().SweepNow()
	assert.Equal(t, Result{Deleted: 1, Bytes: 15}, res)

	_, err := f.registry.GetJob("old")
	assert.ErrorIs(t, err, store.ErrJobNotFound)
	_, ok := f.progress.GetProgress("old")
	assert.False(t, ok)
	assert.NoFileExists(t, oldOutput)
	assert.NoFileExists(t, oldInput)

	_, err = f.registry.GetJob("young")
	assert.NoError(t, err)
	_, ok = f.progress.GetProgress("young")
	assert.True(t, ok)
	assert.FileExists(t, youngOutput)
	assert.FileExists(t, youngInput)
}

func TestSweepKeepsInputsOutsideStaging(t *testing.T) {
	f := newSweepFixture(t)
	input := filepath.Join(t.TempDir(), "library.mov")
	writeFile(t, input, "precious")

	f.addJob(t, &models.Job{
		ID:     "conv",
		Kind:   models.JobKindConversion,
		Status: models.JobStatusFailed,
		Input:  models.JobInput{Path: input, Format: "mp4"},
		Error:  "ffmpeg: exit status 1",
	}, 48*time.Hour)

	res := f.sweeper().SweepNow()
	assert.Equal(t, 1, res.Deleted)
	assert.FileExists(t, input)
}

func TestSweepReclaimsPartialDownloads(t *testing.T) {
	f := newSweepFixture(t)
	partial := filepath.Join(f.cfg.DownloadDir, "dl-1-1700000000000.mp4.part")
	other := filepath.Join(f.cfg.DownloadDir, "dl-2-1700000000000.mp4")
	writeFile(t, partial, "half")
	writeFile(t, other, "whole")

	f.addJob(t, &models.Job{
		ID:     "dl-1",
		Kind:   models.JobKindDownload,
		Status: models.JobStatusFailed,
		Input:  models.JobInput{URL: "https://example.com/v"},
		Error:  "yt-dlp: exit status 1",
	}, 30*time.Hour)

	res := f.sweeper().SweepNow()
	assert.Equal(t, Result{Deleted: 1, Bytes: 4}, res)
	assert.NoFileExists(t, partial)
	assert.FileExists(t, other)
}

func TestSweepRetainsJobWhenFileDeleteFails(t *testing.T) {
	f := newSweepFixture(t)
	// A directory where the artifact should be cannot be removed as a file
	stuck := filepath.Join(t.TempDir(), "stuck.mp4")
	require.NoError(t, os.Mkdir(stuck, 0o755))

	f.addJob(t, &models.Job{
		ID:     "stuck",
		Kind:   models.JobKindConversion,
		Status: models.JobStatusCompleted,
		Output: &models.JobOutput{Path: stuck},
	}, 25*time.Hour)

	s := f.sweeper()
	res := s.SweepNow()
	assert.Equal(t, Result{Errors: 1}, res)

	_, err := f.registry.GetJob("stuck")
	assert.NoError(t, err, "job must stay tracked until its files are gone")
	_, ok := f.progress.GetProgress("stuck")
	assert.True(t, ok)

	require.NoError(t, os.Remove(stuck))
	res = s.SweepNow()
	assert.Equal(t, Result{Deleted: 1}, res)

	stats := s.GetStats()
	assert.Equal(t, int64(2), stats.Runs)
	assert.Equal(t, int64(1), stats.TotalJobsDeleted)
	assert.Equal(t, int64(1), stats.TotalErrors)
	assert.Equal(t, f.now, stats.LastSweepTime)
}

func TestSweepIgnoresActiveJobs(t *testing.T) {
	f := newSweepFixture(t)
	started := f.now.Add(-72 * time.Hour)
	require.NoError(t, f.registry.CreateJob(&models.Job{
		ID:        "busy",
		Kind:      models.JobKindConversion,
		Status:    models.JobStatusRunning,
		CreatedAt: started,
		StartedAt: &started,
	}))

	res := f.sweeper().SweepNow()
	assert.Equal(t, Result{}, res)
	_, err := f.registry.GetJob("busy")
	assert.NoError(t, err)
}

type sweepRecorder struct {
	calls   int
	deleted int
}

func (r *sweepRecorder) SweepCompleted(deleted int, _ int64, _ int) {
	r.calls++
	r.deleted += deleted
}

func TestSweeperLoop(t *testing.T) {
	f := newSweepFixture(t)
	f.cfg.Interval = 10 * time.Millisecond
	f.addJob(t, &models.Job{ID: "old", Kind: models.JobKindDownload, Status: models.JobStatusFailed, Error: "x"}, 25*time.Hour)

	s := f.sweeper()
	s.Start()
	require.Eventually(t, func() bool {
		_, err := f.registry.GetJob("old")
		return err != nil
	}, 2*time.Second, 5*time.Millisecond)
	s.Stop()

	assert.GreaterOrEqual(t, s.GetStats().Runs, int64(1))
}

func TestSweeperDisabled(t *testing.T) {
	f := newSweepFixture(t)
	f.cfg.Enabled = false
	f.cfg.Interval = 10 * time.Millisecond
	f.addJob(t, &models.Job{ID: "old", Kind: models.JobKindDownload, Status: models.JobStatusFailed, Error: "x"}, 25*time.Hour)

	rec := &sweepRecorder{}
	s := f.sweeper(WithRecorder(rec))
	s.Start()
	time.Sleep(50 * time.Millisecond)
	s.Stop()

	_, err := f.registry.GetJob("old")
	assert.NoError(t, err)
	assert.Zero(t, rec.calls)

	// Manual sweeps still work
	s.SweepNow()
	assert.Equal(t, 1, rec.calls)
	assert.Equal(t, 1, rec.deleted)
}

func TestInStaging(t *testing.T) {
	s := NewSweeper(Config{StagingDir: "/srv/uploads"}, store.NewMemoryStore(), store.NewMemoryProgress())

	tests := map[string]bool{
		"/srv/uploads/a.mov":        true,
		"/srv/uploads/nested/b.mov": true,
		"/srv/uploads":              false,
		"/srv/uploads-old/c.mov":    false,
		"/srv/uploads/../etc/d":     false,
		"/home/me/e.mov":            false,
	}
	for path, want := range tests {
		assert.Equal(t, want, s.inStaging(path), path)
	}

	none := NewSweeper(Config{}, store.NewMemoryStore(), store.NewMemoryProgress())
	assert.False(t, none.inStaging("/srv/uploads/a.mov"))
}
