package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/psantana5/ffmpeg-jobs/pkg/models"
)

// MemoryStore is an in-memory job registry. Jobs live for the lifetime of the process.
type MemoryStore struct {
	jobs   map[string]*models.Job
	jobsMu sync.RWMutex
}

// NewMemoryStore creates a new in-memory job registry
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*models.Job),
	}
}

// CreateJob adds a new job to the store
func (s *MemoryStore) CreateJob(job *models.Job) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("create job: missing job id")
	}

	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("%w: %s", ErrJobExists, job.ID)
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

// GetJob retrieves a copy of a job by ID
func (s *MemoryStore) GetJob(id string) (*models.Job, error) {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

// GetAllJobs returns copies of all jobs ordered by creation time
func (s *MemoryStore) GetAllJobs() []*models.Job {
	s.jobsMu.RLock()
	jobs := make([]*models.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job.Clone())
	}
	s.jobsMu.RUnlock()

	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs
}

// UpdateJob applies mutate to a copy of the job and stores the result
func (s *MemoryStore) UpdateJob(id string, mutate func(job *models.Job) error) (*models.Job, error) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	current, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}

	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.ID = id

	s.jobs[id] = next
	return next.Clone(), nil
}

// DeleteJob removes a job from the store
func (s *MemoryStore) DeleteJob(id string) error {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return ErrJobNotFound
	}
	delete(s.jobs, id)
	return nil
}

// ListEndedBefore returns terminal jobs that ended before cutoff
func (s *MemoryStore) ListEndedBefore(cutoff time.Time) []string {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()

	var ids []string
	for id, job := range s.jobs {
		if !models.IsTerminalState(job.Status) || job.EndedAt == nil {
			continue
		}
		if job.EndedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// MemoryProgress is an in-memory progress tracker
type MemoryProgress struct {
	snapshots map[string]models.ProgressSnapshot
	mu        sync.RWMutex
}

// NewMemoryProgress creates a new in-memory progress tracker
func NewMemoryProgress() *MemoryProgress {
	return &MemoryProgress{
		snapshots: make(map[string]models.ProgressSnapshot),
	}
}

// SetProgress overwrites the snapshot of a job
func (p *MemoryProgress) SetProgress(id string, snapshot models.ProgressSnapshot) {
	p.mu.Lock()
	p.snapshots[id] = snapshot
	p.mu.Unlock()
}

// GetProgress returns the latest snapshot of a job
func (p *MemoryProgress) GetProgress(id string) (models.ProgressSnapshot, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	snapshot, ok := p.snapshots[id]
	return snapshot, ok
}

// DeleteProgress drops the snapshot of a job. Deleting a missing job is a no-op.
func (p *MemoryProgress) DeleteProgress(id string) {
	p.mu.Lock()
	delete(p.snapshots, id)
	p.mu.Unlock()
}
