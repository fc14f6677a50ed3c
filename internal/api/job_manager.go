// Package api provides the HTTP surface of the cacoa server.
package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cnk113/cacoa/internal/jobstore"
	"github.com/cnk113/cacoa/internal/metrics"
)

// ErrQueueFull is returned by Submit when no more jobs can be queued.
var ErrQueueFull = errors.New("job queue is full; try again later")

// JobManagerConfig contains configuration for the job manager.
type JobManagerConfig struct {
	MaxConcurrent int           // Max concurrent scoring jobs (default 1)
	QueueSize     int           // Pending job capacity (default 100)
	Retention     time.Duration // How long finished jobs are kept (default 24h)
	CleanupPeriod time.Duration
	Logger        *zap.Logger
}

// JobManager runs scoring jobs on a bounded set of workers.
type JobManager struct {
	cfg      JobManagerConfig
	store    *jobstore.Store
	log      *zap.Logger
	queue    chan string // job IDs
	running  map[string]context.CancelFunc
	mu       sync.Mutex
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
	stopped  bool

	// Executor is called to run the actual computation.
	Executor func(ctx context.Context, store *jobstore.Store, jobID string) error

	// OnDelete is called after a job is removed, manually or by retention.
	OnDelete func(jobID string)
}

// NewJobManager creates a new job manager backed by an in-memory store.
func NewJobManager(cfg JobManagerConfig) *JobManager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	if cfg.CleanupPeriod <= 0 {
		cfg.CleanupPeriod = 10 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &JobManager{
		cfg:     cfg,
		store:   jobstore.NewStore(),
		log:     cfg.Logger.Named("jobs"),
		queue:   make(chan string, cfg.QueueSize),
		running: make(map[string]context.CancelFunc),
		stopCh:  make(chan struct{}),
	}
}

// Store returns the underlying store for direct access.
func (jm *JobManager) Store() *jobstore.Store {
	return jm.store
}

// Start starts the worker goroutines and cleanup ticker.
func (jm *JobManager) Start() {
	for i := 0; i < jm.cfg.MaxConcurrent; i++ {
		jm.wg.Add(1)
		go jm.worker()
	}
	go jm.cleaner()
}

// Stop cancels running jobs and waits for the workers to exit. Jobs still
// queued are marked cancelled.
func (jm *JobManager) Stop() {
	jm.stopOnce.Do(func() {
		jm.mu.Lock()
		jm.stopped = true
		for _, cancel := range jm.running {
			cancel()
		}
		close(jm.stopCh)
		close(jm.queue)
		jm.mu.Unlock()
		jm.wg.Wait()
	})
}

func (jm *JobManager) worker() {
	defer jm.wg.Done()
	for jobID := range jm.queue {
		metrics.JobsQueued.Dec()
		jm.runJob(jobID)
	}
}

func (jm *JobManager) runJob(jobID string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start and registration share jm.mu with Cancel, so a cancel lands
	// either on the queued job or on the running context.
	jm.mu.Lock()
	if jm.stopped {
		jm.mu.Unlock()
		jm.finish(jobID, jobstore.JobStatusCancelled, "server shutting down")
		return
	}
	if err := jm.store.UpdateJobStarted(jobID); err != nil {
		jm.mu.Unlock()
		// deleted or cancelled while waiting
		jm.log.Debug("skipping job", zap.String("job", jobID), zap.Error(err))
		return
	}
	jm.running[jobID] = cancel
	jm.mu.Unlock()

	defer func() {
		jm.mu.Lock()
		delete(jm.running, jobID)
		jm.mu.Unlock()
	}()

	var execErr error
	if jm.Executor != nil {
		execErr = jm.Executor(ctx, jm.store, jobID)
	}

	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		jm.finish(jobID, jobstore.JobStatusCancelled, "cancelled by user")
	case execErr != nil:
		jm.log.Warn("job failed", zap.String("job", jobID), zap.Error(execErr))
		jm.finish(jobID, jobstore.JobStatusFailed, execErr.Error())
	default:
		jm.finish(jobID, jobstore.JobStatusCompleted, "")
	}
}

// finish records a terminal status and reports whether the job changed.
func (jm *JobManager) finish(jobID string, status jobstore.JobStatus, msg string) bool {
	job := jm.store.GetJob(jobID)
	if job == nil {
		return false
	}
	if err := jm.store.UpdateJobStatus(jobID, status, msg); err != nil {
		return false
	}
	metrics.JobsTotal.WithLabelValues(string(job.Kind), string(status)).Inc()
	return true
}

func (jm *JobManager) cleaner() {
	ticker := time.NewTicker(jm.cfg.CleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-jm.stopCh:
			return
		case <-ticker.C:
			jm.cleanup()
		}
	}
}

func (jm *JobManager) cleanup() {
	deleted := jm.store.DeleteExpiredJobs(jm.cfg.Retention)
	if jm.OnDelete != nil {
		for _, id := range deleted {
			jm.OnDelete(id)
		}
	}
	if len(deleted) > 0 {
		jm.log.Info("cleaned up expired jobs", zap.Int("deleted", len(deleted)))
	}
}

// Submit creates a new job and enqueues it for execution.
func (jm *JobManager) Submit(params jobstore.JobParams) (*jobstore.Job, error) {
	id := generateJobID()
	job := &jobstore.Job{
		ID:        id,
		DatasetID: params.DatasetID,
		Kind:      params.Kind,
		Status:    jobstore.JobStatusQueued,
		Params:    params,
		CreatedAt: time.Now(),
	}

	jm.mu.Lock()
	defer jm.mu.Unlock()
	if jm.stopped {
		return nil, errors.New("job manager stopped")
	}
	if err := jm.store.CreateJob(job); err != nil {
		return nil, err
	}

	select {
	case jm.queue <- id:
		metrics.JobsQueued.Inc()
	default:
		jm.store.DeleteJob(id)
		return nil, ErrQueueFull
	}

	jm.log.Info("job queued", zap.String("job", id), zap.String("dataset", params.DatasetID), zap.String("kind", string(params.Kind)))
	return job, nil
}

// Get returns a job by ID, or nil.
func (jm *JobManager) Get(id string) *jobstore.Job {
	return jm.store.GetJob(id)
}

// Result returns the result of a completed job, or nil.
func (jm *JobManager) Result(id string) *jobstore.Result {
	return jm.store.GetResult(id)
}

// Cancel attempts to cancel a queued or running job.
func (jm *JobManager) Cancel(id string) bool {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if cancel, ok := jm.running[id]; ok {
		cancel()
		return true
	}

	job := jm.store.GetJob(id)
	if job == nil || job.Status != jobstore.JobStatusQueued {
		return false
	}
	return jm.finish(id, jobstore.JobStatusCancelled, "cancelled before start")
}

// Delete cancels a job if needed and removes it with its results.
func (jm *JobManager) Delete(id string) error {
	jm.Cancel(id)
	if err := jm.store.DeleteJob(id); err != nil {
		return err
	}
	if jm.OnDelete != nil {
		jm.OnDelete(id)
	}
	return nil
}

func generateJobID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}
