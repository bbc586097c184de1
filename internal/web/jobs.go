package web

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// jobTTL is how long finished jobs stay visible.
	jobTTL = time.Hour
)

// JobState is where a background analysis job is.
type JobState string

const (
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// Job is a snapshot of a background analysis run.
type Job struct {
	ID         string     `json:"id"`
	State      JobState   `json:"state"`
	Current    int        `json:"current"`
	Total      int        `json:"total"`
	Label      string     `json:"label,omitempty"`
	Analyzed   int        `json:"analyzed"`
	Failed     int        `json:"failed"`
	Skipped    int        `json:"skipped"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// JobStore keeps analysis jobs in memory.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
	now  func() time.Time
}

// NewJobStore creates an empty job store.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs: make(map[string]*Job),
		now:  time.Now,
	}
}

// Start registers a running job and returns its id.
func (s *JobStore) Start() string {
	id := uuid.NewString()
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked(now)
	s.jobs[id] = &Job{ID: id, State: JobRunning, StartedAt: now}
	return id
}

// Progress records batch progress for a running job.
func (s *JobStore) Progress(id string, current, total int, label string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[id]; ok {
		job.Current = current
		job.Total = total
		job.Label = label
	}
}

// Finish marks a job done. A non-nil err marks it failed.
func (s *JobStore) Finish(id string, analyzed, failed, skipped int, err error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return
	}
	job.Analyzed = analyzed
	job.Failed = failed
	job.Skipped = skipped
	job.FinishedAt = &now
	job.State = JobCompleted
	if err != nil {
		job.State = JobFailed
		job.Error = err.Error()
	}
}

// Get returns a copy of the job, or false if it is unknown or expired.
func (s *JobStore) Get(id string) (Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

func (s *JobStore) evictLocked(now time.Time) {
	for id, job := range s.jobs {
		if job.FinishedAt != nil && now.Sub(*job.FinishedAt) > jobTTL {
			delete(s.jobs, id)
		}
	}
}
