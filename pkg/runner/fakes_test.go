package runner

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/psantana5/ffmpeg-jobs/pkg/models"
	"github.com/psantana5/ffmpeg-jobs/pkg/store"
	"github.com/psantana5/ffmpeg-jobs/pkg/tool"
)

type fakeTranscoder struct {
	events     []tool.ProgressEvent
	err        error
	skipOutput bool
	panicMsg   string
	block      chan struct{}
}

func (f *fakeTranscoder) Transcode(ctx context.Context, req tool.TranscodeRequest, onProgress func(tool.ProgressEvent)) (tool.Result, error) {
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	for _, ev := range f.events {
		onProgress(ev)
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return tool.Result{}, &tool.InvocationError{Tool: "ffmpeg", Err: ctx.Err()}
		}
	}
	if f.err != nil {
		return tool.Result{}, f.err
	}
	if !f.skipOutput {
		if err := os.WriteFile(req.OutputPath, []byte("converted media"), 0o644); err != nil {
			return tool.Result{}, err
		}
	}
	return tool.Result{OutputPath: req.OutputPath}, nil
}

type fakeFetcher struct {
	ext        string
	err        error
	delay      time.Duration
	skipOutput bool
	// leftovers are extra files written next to the artifact, newest last
	leftovers []string
}

func (f *fakeFetcher) Fetch(ctx context.Context, req tool.FetchRequest) (tool.Result, error) {
	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		return tool.Result{}, &tool.InvocationError{Tool: "yt-dlp", Err: ctx.Err()}
	}
	if f.err != nil {
		return tool.Result{}, f.err
	}
	if !f.skipOutput {
		ext := f.ext
		if ext == "" {
			ext = "mp4"
		}
		if err := os.WriteFile(filepath.Join(req.OutputDir, req.FileStem+"."+ext), []byte("fetched media"), 0o644); err != nil {
			return tool.Result{}, err
		}
	}
	for i, name := range f.leftovers {
		path := filepath.Join(req.OutputDir, req.FileStem+name)
		if err := os.WriteFile(path, []byte("partial"), 0o644); err != nil {
			return tool.Result{}, err
		}
		future := time.Now().Add(time.Duration(i+1) * time.Minute)
		_ = os.Chtimes(path, future, future)
	}
	return tool.Result{OutputDir: req.OutputDir}, nil
}

// recordingProgress keeps every percent written per job
type recordingProgress struct {
	*store.MemoryProgress
	mu      sync.Mutex
	history map[string][]int
}

func newRecordingProgress() *recordingProgress {
	return &recordingProgress{MemoryProgress: store.NewMemoryProgress(), history: make(map[string][]int)}
}

func (p *recordingProgress) SetProgress(id string, snap models.ProgressSnapshot) {
	p.mu.Lock()
	p.history[id] = append(p.history[id], snap.Percent)
	p.mu.Unlock()
	p.MemoryProgress.SetProgress(id, snap)
}

func (p *recordingProgress) percents(id string) []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.history[id]...)
}

type countingRecorder struct {
	mu       sync.Mutex
	created  int
	rejected map[string]int
	finished map[models.JobStatus]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{rejected: make(map[string]int), finished: make(map[models.JobStatus]int)}
}

func (c *countingRecorder) JobCreated(models.JobKind) {
	c.mu.Lock()
	c.created++
	c.mu.Unlock()
}

func (c *countingRecorder) JobRejected(_ models.JobKind, reason string) {
	c.mu.Lock()
	c.rejected[reason]++
	c.mu.Unlock()
}

func (c *countingRecorder) JobStarted(models.JobKind) {}

func (c *countingRecorder) JobFinished(_ models.JobKind, status models.JobStatus, _ time.Duration, _ bool) {
	c.mu.Lock()
	c.finished[status]++
	c.mu.Unlock()
}

func (c *countingRecorder) QueueDepth(int) {}

type testEnv struct {
	runner   *Runner
	registry *store.MemoryStore
	progress *recordingProgress
	cfg      Config
}

func newTestEnv(t *testing.T, transcoder tool.Transcoder, fetcher tool.Fetcher, modify func(*Config), opts ...Option) *testEnv {
	t.Helper()
	dir := t.TempDir()
	cfg := Config{
		Workers:           2,
		QueueSize:         8,
		Timeout:           10 * time.Second,
		ConversionDir:     filepath.Join(dir, "conversions"),
		DownloadDir:       filepath.Join(dir, "downloads"),
		EstimatorInterval: 10 * time.Millisecond,
		MaxBatchSize:      5,
	}
	if modify != nil {
		modify(&cfg)
	}
	if transcoder == nil {
		transcoder = &fakeTranscoder{}
	}
	if fetcher == nil {
		fetcher = &fakeFetcher{}
	}

	registry := store.NewMemoryStore()
	progress := newRecordingProgress()
	r, err := New(cfg, registry, progress, transcoder, fetcher, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.Close(ctx)
	})
	return &testEnv{runner: r, registry: registry, progress: progress, cfg: cfg}
}

func (e *testEnv) waitTerminal(t *testing.T, id string) *models.Job {
	t.Helper()
	var job *models.Job
	require.Eventually(t, func() bool {
		j, err := e.registry.GetJob(id)
		if err != nil {
			return false
		}
		job = j
		return models.IsTerminalState(j.Status)
	}, 5*time.Second, 5*time.Millisecond, "job %s never reached a terminal state", id)
	return job
}

func (e *testEnv) waitStatus(t *testing.T, id string, status models.JobStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		j, err := e.registry.GetJob(id)
		return err == nil && j.Status == status
	}, 5*time.Second, 5*time.Millisecond)
}
