package runner

import (
	"sync"
	"time"

	"github.com/psantana5/ffmpeg-jobs/pkg/models"
	"github.com/psantana5/ffmpeg-jobs/pkg/store"
	"github.com/psantana5/ffmpeg-jobs/pkg/tool"
)

// maxRunningPercent keeps 100 for the completion write
const maxRunningPercent = 99

// progressReporter turns tool events into snapshots for one job.
// Percent never decreases and stays below 100 until finish.
type progressReporter struct {
	mu        sync.Mutex
	tracker   store.ProgressTracker
	jobID     string
	estimated bool
	last      models.ProgressSnapshot
	now       func() time.Time
}

func newProgressReporter(tracker store.ProgressTracker, jobID string, estimated bool, now func() time.Time) *progressReporter {
	return &progressReporter{
		tracker:   tracker,
		jobID:     jobID,
		estimated: estimated,
		last:      models.ProgressSnapshot{Estimated: estimated},
		now:       now,
	}
}

func (p *progressReporter) report(ev tool.ProgressEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pct := ev.Percent
	if pct > maxRunningPercent {
		pct = maxRunningPercent
	}
	if pct < p.last.Percent {
		pct = p.last.Percent
	}

	snap := models.ProgressSnapshot{
		Percent:     pct,
		FPS:         ev.FPS,
		BitrateKbps: ev.BitrateKbps,
		Timemark:    ev.Timemark,
		Estimated:   p.estimated || ev.Estimated,
		UpdatedAt:   p.now(),
	}
	if snap.Estimated {
		snap.ElapsedSeconds = ev.Elapsed.Seconds()
	}
	p.last = snap
	p.tracker.SetProgress(p.jobID, snap)
}

// finish writes the genuine 100%
func (p *progressReporter) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap := p.last
	snap.Percent = 100
	snap.UpdatedAt = p.now()
	p.last = snap
	p.tracker.SetProgress(p.jobID, snap)
}
