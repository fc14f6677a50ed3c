// Package jobstore keeps scoring job state and results in memory.
package jobstore

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/cnk113/cacoa/internal/clusterfree"
	"github.com/cnk113/cacoa/internal/sparse"
)

var (
	// ErrNotFound is returned for unknown job ids.
	ErrNotFound = errors.New("job not found")

	// ErrNotQueued is returned when starting a job that already left the queue.
	ErrNotQueued = errors.New("job is not queued")

	// ErrFinished is returned when changing the status of a finished job.
	ErrFinished = errors.New("job already finished")
)

// JobStatus represents the current state of a job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transitions happen from s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// JobKind selects the computation.
type JobKind string

const (
	KindZScore JobKind = "zscore"
	KindShift  JobKind = "shift"
)

// JobParams are the request parameters of a job. Nil fields fall back to the
// server's scoring defaults.
type JobParams struct {
	DatasetID string  `json:"dataset_id"`
	Kind      JobKind `json:"kind"`

	MinSamplesPerCondition *int     `json:"min_samples_per_condition,omitempty"`
	MinObsPerSample        *int     `json:"min_obs_per_sample,omitempty"`
	Robust                 *bool    `json:"robust,omitempty"`
	MinZ                   *float64 `json:"min_z,omitempty"`

	MinBetween *int   `json:"min_between,omitempty"`
	MinWithin  *int   `json:"min_within,omitempty"`
	NormAll    *bool  `json:"norm_all,omitempty"`
	Metric     string `json:"metric,omitempty"`
	LogVecs    *bool  `json:"log_vecs,omitempty"`
}

// JobProgress represents the progress of a job.
type JobProgress struct {
	Phase string `json:"phase"`
	Done  int    `json:"done"`
	Total int    `json:"total"`
}

// Job is a scoring job.
type Job struct {
	ID         string      `json:"job_id"`
	DatasetID  string      `json:"dataset_id"`
	Kind       JobKind     `json:"kind"`
	Status     JobStatus   `json:"status"`
	Params     JobParams   `json:"params"`
	Progress   JobProgress `json:"progress"`
	CreatedAt  time.Time   `json:"created_at"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	NNZ        int         `json:"nnz"`
	NaNCount   int         `json:"nan_count"`
	Error      string      `json:"error,omitempty"`
}

// Result holds the output of a completed job; exactly one field is set.
type Result struct {
	ZScores *sparse.CSC
	Shifts  *clusterfree.ShiftResult
}

type entry struct {
	job    Job
	result *Result
}

// Store is a concurrency-safe in-memory job store.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]*entry
	now  func() time.Time
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{jobs: make(map[string]*entry), now: time.Now}
}

// CreateJob inserts a new job.
func (s *Store) CreateJob(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = &entry{job: *job}
	return nil
}

// GetJob returns a snapshot of a job, or nil if it does not exist.
func (s *Store) GetJob(jobID string) *Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.jobs[jobID]
	if !ok {
		return nil
	}
	job := e.job
	return &job
}

func (s *Store) update(jobID string, fn func(j *Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	fn(&e.job)
	return nil
}

// UpdateJobStatus updates job status, setting the finish time for terminal
// states. Finished jobs keep their status.
func (s *Store) UpdateJobStatus(jobID string, status JobStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	if e.job.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrFinished, jobID, e.job.Status)
	}
	e.job.Status = status
	e.job.Error = errMsg
	if status.Terminal() {
		t := s.now()
		e.job.FinishedAt = &t
	}
	return nil
}

// UpdateJobStarted moves a queued job to running and records the start time.
// It fails with ErrNotQueued for any other status.
func (s *Store) UpdateJobStarted(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	if e.job.Status != JobStatusQueued {
		return fmt.Errorf("%w: %s is %s", ErrNotQueued, jobID, e.job.Status)
	}
	t := s.now()
	e.job.Status = JobStatusRunning
	e.job.StartedAt = &t
	return nil
}

// UpdateJobProgress updates the progress of a job.
func (s *Store) UpdateJobProgress(jobID string, phase string, done, total int) error {
	return s.update(jobID, func(j *Job) {
		j.Progress = JobProgress{Phase: phase, Done: done, Total: total}
	})
}

// SetResult stores the output of a job and its summary counts.
func (s *Store) SetResult(jobID string, res *Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	e.result = res
	e.job.NNZ, e.job.NaNCount = summarize(res)
	return nil
}

// GetResult returns the result of a job, or nil if there is none yet.
func (s *Store) GetResult(jobID string) *Result {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.jobs[jobID]
	if !ok {
		return nil
	}
	return e.result
}

// ListJobsByDataset returns the jobs of a dataset, newest first.
func (s *Store) ListJobsByDataset(datasetID string) []*Job {
	return s.list(func(j *Job) bool { return j.DatasetID == datasetID })
}

// ListQueuedJobs returns queued jobs, newest first.
func (s *Store) ListQueuedJobs() []*Job {
	return s.list(func(j *Job) bool { return j.Status == JobStatusQueued })
}

func (s *Store) list(keep func(j *Job) bool) []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Job
	for _, e := range s.jobs {
		if keep(&e.job) {
			job := e.job
			out = append(out, &job)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// DeleteExpiredJobs removes jobs that finished more than retention ago and
// returns their ids, sorted.
func (s *Store) DeleteExpiredJobs(retention time.Duration) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-retention)
	var ids []string
	for id, e := range s.jobs {
		if e.job.FinishedAt != nil && e.job.FinishedAt.Before(cutoff) {
			delete(s.jobs, id)
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// DeleteJob removes a job and its result.
func (s *Store) DeleteJob(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[jobID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	delete(s.jobs, jobID)
	return nil
}

func summarize(res *Result) (nnz, nan int) {
	if res == nil {
		return 0, 0
	}
	if res.ZScores != nil {
		for _, v := range res.ZScores.Val {
			if math.IsNaN(v) {
				nan++
			}
		}
		return res.ZScores.NNZ(), nan
	}
	if res.Shifts != nil {
		for _, v := range res.Shifts.Scores {
			if math.IsNaN(v) {
				nan++
			}
		}
		return len(res.Shifts.Scores), nan
	}
	return 0, 0
}
