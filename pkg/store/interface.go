package store

import (
	"errors"
	"time"

	"github.com/psantana5/ffmpeg-jobs/pkg/models"
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrJobExists   = errors.New("job already exists")

	// ErrRegistryConsistency reports a job present in one store but not the other
	ErrRegistryConsistency = errors.New("job registry and progress tracker disagree")
)

// JobRegistry holds job metadata keyed by job ID.
// Implementations are safe for concurrent use; callers need no locking.
// Values handed in and out are copies, so a reader never sees a half-updated job.
type JobRegistry interface {
	CreateJob(job *models.Job) error
	GetJob(id string) (*models.Job, error)
	GetAllJobs() []*models.Job

	// UpdateJob runs mutate on a copy of the stored job and replaces the
	// stored value with it. If mutate returns an error the stored job is
	// left untouched and the error is returned.
	UpdateJob(id string, mutate func(job *models.Job) error) (*models.Job, error)
	DeleteJob(id string) error

	// ListEndedBefore returns IDs of terminal jobs whose EndedAt is before cutoff
	ListEndedBefore(cutoff time.Time) []string
}

// ProgressTracker holds the latest progress snapshot per job.
// It is kept apart from the registry so polling does not contend with lifecycle writes.
type ProgressTracker interface {
	SetProgress(id string, snapshot models.ProgressSnapshot)
	GetProgress(id string) (models.ProgressSnapshot, bool)
	DeleteProgress(id string)
}
