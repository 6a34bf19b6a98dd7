package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/ffmpeg-jobs/pkg/models"
	"github.com/psantana5/ffmpeg-jobs/pkg/tool"
)

func TestConversionCompletes(t *testing.T) {
	transcoder := &fakeTranscoder{events: []tool.ProgressEvent{
		{Percent: 10, FPS: 30, BitrateKbps: 2500, Timemark: "00:00:01.00"},
		{Percent: 40, FPS: 31},
		{Percent: 30, FPS: 29}, // out of order report must not move progress back
		{Percent: 100, FPS: 30},
	}}
	env := newTestEnv(t, transcoder, nil, nil)

	id, err := env.runner.CreateConversionJob("/data/in.mov", "MP4", "720p", "libx264")
	require.NoError(t, err)

	job := env.waitTerminal(t, id)
	require.Equal(t, models.JobStatusCompleted, job.Status)
	require.NotNil(t, job.Output)
	assert.Equal(t, filepath.Join(env.cfg.ConversionDir, id+".mp4"), job.Output.Path)
	assert.True(t, strings.HasSuffix(job.Output.Path, ".mp4"))
	assert.Equal(t, int64(len("converted media")), job.Output.SizeBytes)
	assert.Empty(t, job.Error)
	require.NotNil(t, job.StartedAt)
	require.NotNil(t, job.EndedAt)
	assert.False(t, job.EndedAt.Before(*job.StartedAt))

	_, err = os.Stat(job.Output.Path)
	assert.NoError(t, err, "artifact must exist when the job is completed")

	snap, ok := env.progress.GetProgress(id)
	require.True(t, ok)
	assert.Equal(t, 100, snap.Percent)
	assert.False(t, snap.Estimated)

	history := env.progress.percents(id)
	assert.Equal(t, []int{0, 10, 40, 40, 99, 100}, history)
}

func TestStatusRightAfterCreationIsNotTerminal(t *testing.T) {
	block := make(chan struct{})
	env := newTestEnv(t, &fakeTranscoder{block: block}, nil, nil)

	id, err := env.runner.CreateConversionJob("/data/in.mov", "mkv", "", "")
	require.NoError(t, err)

	job, err := env.registry.GetJob(id)
	require.NoError(t, err)
	assert.True(t, models.IsActiveState(job.Status), "got %s", job.Status)

	close(block)
	assert.Equal(t, models.JobStatusCompleted, env.waitTerminal(t, id).Status)
}

func TestConversionToolFailure(t *testing.T) {
	toolErr := &tool.InvocationError{Tool: "ffmpeg", Err: errors.New("exit status 1"), Stderr: "in.mov: No such file or directory"}
	env := newTestEnv(t, &fakeTranscoder{err: toolErr}, nil, nil)

	id, err := env.runner.CreateConversionJob("/data/in.mov", "mp4", "1080p", "h264")
	require.NoError(t, err)

	job := env.waitTerminal(t, id)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, "in.mov: No such file or directory", job.Error)
	assert.Nil(t, job.Output)
	assert.NotNil(t, job.EndedAt)

	snap, ok := env.progress.GetProgress(id)
	require.True(t, ok)
	assert.Less(t, snap.Percent, 100)
}

func TestConversionMissingArtifactFails(t *testing.T) {
	env := newTestEnv(t, &fakeTranscoder{skipOutput: true}, nil, nil)

	id, err := env.runner.CreateConversionJob("/data/in.mov", "mp4", "", "")
	require.NoError(t, err)

	job := env.waitTerminal(t, id)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, "output not found", job.Error)
	assert.Nil(t, job.Output)
}

func TestConversionTimeout(t *testing.T) {
	env := newTestEnv(t, &fakeTranscoder{block: make(chan struct{})}, nil, func(c *Config) {
		c.Timeout = 50 * time.Millisecond
	})

	id, err := env.runner.CreateConversionJob("/data/in.mov", "mp4", "", "")
	require.NoError(t, err)

	job := env.waitTerminal(t, id)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, "ffmpeg timed out after 50ms", job.Error)
}

func TestPanicBecomesFailure(t *testing.T) {
	rec := newCountingRecorder()
	env := newTestEnv(t, &fakeTranscoder{panicMsg: "encoder exploded"}, nil, nil, WithRecorder(rec))

	id, err := env.runner.CreateConversionJob("/data/in.mov", "mp4", "", "")
	require.NoError(t, err)

	job := env.waitTerminal(t, id)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Contains(t, job.Error, "encoder exploded")

	// The worker survives the panic and keeps serving jobs
	next, err := env.runner.CreateDownloadJob("https://example.com/v", "", "")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, env.waitTerminal(t, next).Status)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 2, rec.created)
	assert.Equal(t, 1, rec.finished[models.JobStatusFailed])
	assert.Equal(t, 1, rec.finished[models.JobStatusCompleted])
}

func TestDownloadDiscoversArtifact(t *testing.T) {
	fetcher := &fakeFetcher{ext: "webm", delay: 40 * time.Millisecond, leftovers: []string{".mp4.part", ".ytdl"}}
	env := newTestEnv(t, nil, fetcher, nil)

	// A finished artifact of another job must never be claimed
	require.NoError(t, os.MkdirAll(env.cfg.DownloadDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(env.cfg.DownloadDir, "someone-else.mp4"), []byte("x"), 0o644))

	id, err := env.runner.CreateDownloadJob("https://example.com/watch?v=1", "webm", "720p")
	require.NoError(t, err)

	job := env.waitTerminal(t, id)
	require.Equal(t, models.JobStatusCompleted, job.Status, job.Error)
	require.NotNil(t, job.Output)

	name := filepath.Base(job.Output.Path)
	assert.True(t, strings.HasPrefix(name, id+"-"), name)
	assert.True(t, strings.HasSuffix(name, ".webm"), name)

	snap, ok := env.progress.GetProgress(id)
	require.True(t, ok)
	assert.Equal(t, 100, snap.Percent)
	assert.True(t, snap.Estimated)

	history := env.progress.percents(id)
	for i := 1; i < len(history); i++ {
		assert.GreaterOrEqual(t, history[i], history[i-1])
	}
	assert.Equal(t, 100, history[len(history)-1])
	for _, pct := range history[:len(history)-1] {
		assert.LessOrEqual(t, pct, tool.EstimateCap)
	}
}

func TestDownloadFailure(t *testing.T) {
	fetcher := &fakeFetcher{err: &tool.InvocationError{
		Tool:   "yt-dlp",
		Err:    errors.New("exit status 1"),
		Stderr: "ERROR: Unsupported URL: https://unreachable.invalid/",
	}}
	env := newTestEnv(t, nil, fetcher, nil)

	id, err := env.runner.CreateDownloadJob("https://unreachable.invalid/", "", "")
	require.NoError(t, err)

	job := env.waitTerminal(t, id)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Contains(t, job.Error, "Unsupported URL")
	assert.Nil(t, job.Output)
}

func TestDownloadWithoutArtifactFails(t *testing.T) {
	env := newTestEnv(t, nil, &fakeFetcher{skipOutput: true, leftovers: []string{".m4a.part"}}, nil)

	id, err := env.runner.CreateDownloadJob("https://example.com/v", "audio", "")
	require.NoError(t, err)

	job := env.waitTerminal(t, id)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, "output not found", job.Error)
}

func TestBatchDownload(t *testing.T) {
	env := newTestEnv(t, nil, &fakeFetcher{delay: 20 * time.Millisecond}, nil)

	urls := []string{"https://example.com/a", "https://example.com/b", "https://example.com/c"}
	batchID, ids, err := env.runner.CreateBatchDownload(urls, "mp4", "480p")
	require.NoError(t, err)
	require.NotEmpty(t, batchID)
	require.Len(t, ids, 3)

	seen := make(map[string]bool)
	for i, id := range ids {
		assert.False(t, seen[id], "duplicate job id")
		seen[id] = true

		job := env.waitTerminal(t, id)
		assert.Equal(t, batchID, job.BatchID)
		assert.Equal(t, urls[i], job.Input.URL)
		assert.Equal(t, models.JobKindDownload, job.Kind)
		assert.Equal(t, models.JobStatusCompleted, job.Status)
	}
}

func TestBackpressure(t *testing.T) {
	block := make(chan struct{})
	rec := newCountingRecorder()
	env := newTestEnv(t, &fakeTranscoder{block: block}, nil, func(c *Config) {
		c.Workers = 1
		c.QueueSize = 2
		c.MaxBatchSize = 2
	}, WithRecorder(rec))

	first, err := env.runner.CreateConversionJob("/data/1.mov", "mp4", "", "")
	require.NoError(t, err)
	env.waitStatus(t, first, models.JobStatusRunning)

	_, err = env.runner.CreateConversionJob("/data/2.mov", "mp4", "", "")
	require.NoError(t, err)
	_, err = env.runner.CreateConversionJob("/data/3.mov", "mp4", "", "")
	require.NoError(t, err)

	_, err = env.runner.CreateConversionJob("/data/4.mov", "mp4", "", "")
	assert.ErrorIs(t, err, ErrQueueFull)

	_, _, err = env.runner.CreateBatchDownload([]string{"https://example.com/a", "https://example.com/b"}, "", "")
	assert.ErrorIs(t, err, ErrQueueFull)

	// Rejected jobs leave nothing behind
	assert.Len(t, env.registry.GetAllJobs(), 3)

	stats := env.runner.Stats()
	assert.Equal(t, Stats{Workers: 1, QueueCapacity: 2, Queued: 2, Running: 1}, stats)

	close(block)
	for _, job := range env.registry.GetAllJobs() {
		assert.Equal(t, models.JobStatusCompleted, env.waitTerminal(t, job.ID).Status)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 3, rec.created)
	assert.Equal(t, 3, rec.rejected["queue_full"])
}

func TestCloseFailsOutstandingJobs(t *testing.T) {
	env := newTestEnv(t, &fakeTranscoder{block: make(chan struct{})}, nil, func(c *Config) {
		c.Workers = 1
	})

	running, err := env.runner.CreateConversionJob("/data/1.mov", "mp4", "", "")
	require.NoError(t, err)
	env.waitStatus(t, running, models.JobStatusRunning)
	queued, err := env.runner.CreateConversionJob("/data/2.mov", "mp4", "", "")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, env.runner.Close(ctx))

	for _, id := range []string{running, queued} {
		job := env.waitTerminal(t, id)
		assert.Equal(t, models.JobStatusFailed, job.Status)
		assert.Equal(t, "service shutting down", job.Error)
	}

	_, err = env.runner.CreateConversionJob("/data/3.mov", "mp4", "", "")
	assert.ErrorIs(t, err, ErrRunnerClosed)
	assert.Len(t, env.registry.GetAllJobs(), 2)
}

func TestInvalidRequests(t *testing.T) {
	env := newTestEnv(t, nil, nil, nil)

	tests := []struct {
		name string
		call func() error
	}{
		{"empty input path", func() error {
			_, err := env.runner.CreateConversionJob("", "mp4", "", "")
			return err
		}},
		{"path-like format", func() error {
			_, err := env.runner.CreateConversionJob("/data/in.mov", "../mp4", "", "")
			return err
		}},
		{"unknown conversion quality", func() error {
			_, err := env.runner.CreateConversionJob("/data/in.mov", "mp4", "4k", "")
			return err
		}},
		{"relative url", func() error {
			_, err := env.runner.CreateDownloadJob("example.com/v", "", "")
			return err
		}},
		{"unsupported scheme", func() error {
			_, err := env.runner.CreateDownloadJob("file:///etc/passwd", "", "")
			return err
		}},
		{"unknown download quality", func() error {
			_, err := env.runner.CreateDownloadJob("https://example.com/v", "", "potato")
			return err
		}},
		{"empty batch", func() error {
			_, _, err := env.runner.CreateBatchDownload(nil, "", "")
			return err
		}},
		{"oversized batch", func() error {
			urls := make([]string, env.cfg.MaxBatchSize+1)
			for i := range urls {
				urls[i] = "https://example.com/v"
			}
			_, _, err := env.runner.CreateBatchDownload(urls, "", "")
			return err
		}},
		{"one bad url in batch", func() error {
			_, _, err := env.runner.CreateBatchDownload([]string{"https://example.com/a", "nope"}, "", "")
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.call(), ErrInvalidRequest)
		})
	}
	assert.Empty(t, env.registry.GetAllJobs())
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{Workers: 0, QueueSize: 1, ConversionDir: "a", DownloadDir: "b"}, nil, nil, nil, nil)
	assert.Error(t, err)
}
