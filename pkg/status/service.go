// Package status is the read-only view of jobs for pollers. It joins the job
// registry and the progress tracker into one payload.
package status

import (
	"errors"
	"fmt"
	"os"

	"github.com/psantana5/ffmpeg-jobs/pkg/logging"
	"github.com/psantana5/ffmpeg-jobs/pkg/models"
	"github.com/psantana5/ffmpeg-jobs/pkg/store"
)

// ErrNotFound is returned for unknown job ids and for outputs that are not
// available (yet, or anymore)
var ErrNotFound = store.ErrJobNotFound

// Filter narrows List. Zero fields match everything.
type Filter struct {
	BatchID string
	Status  models.JobStatus
	Kind    models.JobKind
	Limit   int
}

func (f Filter) matches(job *models.Job) bool {
	if f.BatchID != "" && job.BatchID != f.BatchID {
		return false
	}
	if f.Status != "" && job.Status != f.Status {
		return false
	}
	if f.Kind != "" && job.Kind != f.Kind {
		return false
	}
	return true
}

// Service answers status queries. It never writes to either store.
type Service struct {
	registry store.JobRegistry
	progress store.ProgressTracker
	logger   *logging.Logger
}

func NewService(registry store.JobRegistry, progress store.ProgressTracker, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Service{registry: registry, progress: progress, logger: logger}
}

// GetStatus returns the current payload for a job, or ErrNotFound
func (s *Service) GetStatus(id string) (*models.StatusPayload, error) {
	job, err := s.registry.GetJob(id)
	if err != nil {
		return nil, ErrNotFound
	}
	p, ok := s.payload(job)
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

// GetOutputPath returns the artifact path of a completed job. Jobs that are
// unknown, not completed, or whose artifact is gone report ErrNotFound.
func (s *Service) GetOutputPath(id string) (string, error) {
	job, err := s.registry.GetJob(id)
	if err != nil {
		return "", ErrNotFound
	}
	if job.Status != models.JobStatusCompleted || job.Output == nil || job.Output.Path == "" {
		return "", fmt.Errorf("%w: job %s is %s", ErrNotFound, id, job.Status)
	}
	if _, err := os.Stat(job.Output.Path); err != nil {
		return "", fmt.Errorf("%w: output of job %s is gone", ErrNotFound, id)
	}
	return job.Output.Path, nil
}

// List returns payloads of matching jobs, oldest first
func (s *Service) List(filter Filter) []*models.StatusPayload {
	jobs := s.registry.GetAllJobs()
	out := make([]*models.StatusPayload, 0, len(jobs))
	for _, job := range jobs {
		if !filter.matches(job) {
			continue
		}
		p, ok := s.payload(job)
		if !ok {
			continue
		}
		out = append(out, p)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out
}

// payload joins job with its snapshot. It reports false when the job was
// removed from the registry between the two reads.
func (s *Service) payload(job *models.Job) (*models.StatusPayload, bool) {
	p := &models.StatusPayload{
		ID:        job.ID,
		Kind:      job.Kind,
		Status:    job.Status,
		Error:     job.Error,
		Output:    job.Output,
		BatchID:   job.BatchID,
		CreatedAt: job.CreatedAt,
		StartedAt: job.StartedAt,
		EndedAt:   job.EndedAt,
	}

	snap, ok := s.progress.GetProgress(job.ID)
	if !ok {
		// Removal deletes the job before its snapshot, so a missing snapshot
		// may just mean the job is being swept.
		if _, err := s.registry.GetJob(job.ID); err != nil {
			return nil, false
		}
		s.logger.Error("job has no progress snapshot", map[string]interface{}{
			"job_id": job.ID,
			"status": string(job.Status),
			"error":  store.ErrRegistryConsistency,
		})
		p.Status = models.JobStatusFailed
		p.Error = store.ErrRegistryConsistency.Error()
		p.Output = nil
		p.Progress = models.ProgressSnapshot{Estimated: job.Kind == models.JobKindDownload}
		return p, true
	}

	// 100 is only reported together with Completed
	switch {
	case job.Status == models.JobStatusCompleted:
		snap.Percent = 100
	case snap.Percent >= 100:
		snap.Percent = 99
	}
	p.Progress = snap
	return p, true
}

// IsNotFound reports whether err is a not-found result
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
