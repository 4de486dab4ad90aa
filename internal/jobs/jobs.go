// Package jobs tracks analysis job lifecycle with a single-active-job
// invariant.
package jobs

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/socialintel/engine/internal/metrics"
)

// Status is a job lifecycle state.
type Status string

const (
	StatusQueued   Status = "queued"
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

// Terminal reports whether the status is a terminal state.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// ErrBusy rejects a create attempt while a non-terminal job exists.
var ErrBusy = errors.New("an analysis job is already in progress")

// ErrNotFound marks an unknown job id.
var ErrNotFound = errors.New("job not found")

// Job is an immutable snapshot of one job's state.
type Job struct {
	ID         string    `json:"job_id"`
	Domain     string    `json:"domain"`
	Status     Status    `json:"status"`
	Progress   string    `json:"progress,omitempty"`
	Error      string    `json:"error,omitempty"`
	Result     any       `json:"result,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

// Manager owns job state. At most one non-terminal job exists process-wide;
// finished jobs are kept for status lookup.
type Manager struct {
	mu     sync.Mutex
	jobs   map[string]*Job
	active string
}

// NewManager builds an empty Manager.
func NewManager() *Manager {
	return &Manager{jobs: make(map[string]*Job)}
}

// Create registers a new queued job. While a non-terminal job exists it
// fails with ErrBusy and mutates nothing.
func (m *Manager) Create(domain string) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != "" {
		return Job{}, ErrBusy
	}
	job := &Job{
		ID:        uuid.NewString(),
		Domain:    domain,
		Status:    StatusQueued,
		CreatedAt: time.Now().UTC(),
	}
	m.jobs[job.ID] = job
	m.active = job.ID
	return *job, nil
}

// Start transitions a queued job to running.
func (m *Manager) Start(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	job.Status = StatusRunning
	job.StartedAt = time.Now().UTC()
	return nil
}

// SetProgress updates the human-readable progress marker.
func (m *Manager) SetProgress(id, progress string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	job.Progress = progress
	return nil
}

// Complete marks a job complete with its result and clears the active slot.
func (m *Manager) Complete(id string, result any) error {
	return m.finish(id, StatusComplete, "", result)
}

// Fail marks a job failed with a message and clears the active slot.
func (m *Manager) Fail(id, errMsg string) error {
	return m.finish(id, StatusFailed, errMsg, nil)
}

func (m *Manager) finish(id string, status Status, errMsg string, result any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	job.Status = status
	job.Error = errMsg
	job.Result = result
	job.FinishedAt = time.Now().UTC()
	if m.active == id {
		m.active = ""
	}
	metrics.ObserveJob(string(status))
	return nil
}

// Get returns a snapshot of the job, or ErrNotFound.
func (m *Manager) Get(id string) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return *job, nil
}
