package models

import (
	"time"
)

// JobKind selects the tool path and output naming convention of a job
type JobKind string

const (
	JobKindConversion JobKind = "conversion"
	JobKindDownload   JobKind = "download"
)

// JobStatus represents the status of a job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// JobInput describes the source of a job.
// Conversion jobs use Path; download jobs use URL.
type JobInput struct {
	Path    string `json:"path,omitempty"`
	URL     string `json:"url,omitempty"`
	Format  string `json:"format,omitempty"`
	Quality string `json:"quality,omitempty"`
	Codec   string `json:"codec,omitempty"`
}

// JobOutput describes the produced artifact. Only set on completed jobs.
type JobOutput struct {
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes"`
}

// Job is one tracked unit of media processing work
type Job struct {
	ID        string     `json:"id"`
	Kind      JobKind    `json:"kind"`
	Status    JobStatus  `json:"status"`
	Input     JobInput   `json:"input"`
	Output    *JobOutput `json:"output,omitempty"`
	Error     string     `json:"error,omitempty"`
	BatchID   string     `json:"batch_id,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Clone returns a deep copy so callers never share mutable state with the store
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.Output != nil {
		out := *j.Output
		c.Output = &out
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.EndedAt != nil {
		t := *j.EndedAt
		c.EndedAt = &t
	}
	return &c
}

// ProgressSnapshot is the latest progress of a job. It is overwritten in place.
type ProgressSnapshot struct {
	Percent int `json:"percent"`

	// Conversion fields, reported by the transcoder
	FPS         float64 `json:"fps,omitempty"`
	BitrateKbps float64 `json:"bitrate_kbps,omitempty"`
	Timemark    string  `json:"timemark,omitempty"`

	// Download fields. Download progress is derived from elapsed time,
	// not measured, and Estimated is always true for it.
	ElapsedSeconds float64 `json:"elapsed_seconds,omitempty"`
	Estimated      bool    `json:"estimated"`

	UpdatedAt time.Time `json:"updated_at"`
}

// StatusPayload is the response shape of the status query service
type StatusPayload struct {
	ID        string           `json:"id"`
	Kind      JobKind          `json:"kind"`
	Status    JobStatus        `json:"status"`
	Progress  ProgressSnapshot `json:"progress"`
	Error     string           `json:"error,omitempty"`
	Output    *JobOutput       `json:"output,omitempty"`
	BatchID   string           `json:"batch_id,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	StartedAt *time.Time       `json:"started_at,omitempty"`
	EndedAt   *time.Time       `json:"ended_at,omitempty"`
}
