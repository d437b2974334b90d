// Package jobs runs import, annotation and deletion work asynchronously
// and tracks each run's lifecycle.
//
// A Runner bounds parallelism with a semaphore so a burst of API
// submissions cannot exhaust the remote session pool. Jobs that cannot
// get a slot immediately are rejected rather than queued, keeping
// back-pressure visible to the caller.
package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrTooManyJobs is returned when all worker slots are occupied.
// Clients should retry after a short delay.
var ErrTooManyJobs = errors.New("too many concurrent jobs, please try again later")

// ErrShuttingDown is returned for submissions after Shutdown started.
var ErrShuttingDown = errors.New("job runner is shutting down")

// DefaultMaxConcurrentJobs bounds parallel runs when no limit is given.
const DefaultMaxConcurrentJobs = 4

// State is the lifecycle phase of a job.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Kind names the operation a job performs.
type Kind string

const (
	KindPopulate Kind = "populate"
	KindAnnotate Kind = "annotate"
	KindDelete   Kind = "delete"
)

// Job is a point-in-time snapshot of one submitted run.
type Job struct {
	ID        uuid.UUID      `json:"id"`
	Kind      Kind           `json:"kind"`
	Target    string         `json:"target"`
	State     State          `json:"state"`
	Submitted time.Time      `json:"submitted"`
	Started   time.Time      `json:"started,omitzero"`
	Finished  time.Time      `json:"finished,omitzero"`
	Counts    map[string]int `json:"counts,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Func is the work one job performs. It returns named result counts,
// e.g. rows written or links saved, for the job record.
type Func func(ctx context.Context) (map[string]int, error)

// Runner executes jobs on a bounded pool and retains their records.
type Runner struct {
	semaphore chan struct{}
	wg        sync.WaitGroup

	mu       sync.RWMutex
	jobs     map[uuid.UUID]*Job
	order    []uuid.UUID
	draining bool
}

// NewRunner creates a runner allowing at most maxConcurrent
// simultaneous jobs.
func NewRunner(maxConcurrent int) *Runner {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentJobs
	}
	return &Runner{
		semaphore: make(chan struct{}, maxConcurrent),
		jobs:      make(map[uuid.UUID]*Job),
	}
}

// Submit starts fn on a worker slot and returns the job id. It fails
// with ErrTooManyJobs when every slot is busy. The context governs the
// job's execution, not the submission.
func (r *Runner) Submit(ctx context.Context, kind Kind, target string, fn Func) (uuid.UUID, error) {
	r.mu.Lock()
	if r.draining {
		r.mu.Unlock()
		return uuid.Nil, ErrShuttingDown
	}
	select {
	case r.semaphore <- struct{}{}:
	default:
		r.mu.Unlock()
		return uuid.Nil, ErrTooManyJobs
	}

	job := &Job{
		ID:        uuid.New(),
		Kind:      kind,
		Target:    target,
		State:     StatePending,
		Submitted: time.Now().UTC(),
	}
	r.jobs[job.ID] = job
	r.order = append(r.order, job.ID)
	r.wg.Add(1)
	r.mu.Unlock()

	go r.run(ctx, job.ID, fn)
	return job.ID, nil
}

func (r *Runner) run(ctx context.Context, id uuid.UUID, fn Func) {
	defer r.wg.Done()
	defer func() { <-r.semaphore }()

	r.update(id, func(j *Job) {
		j.State = StateRunning
		j.Started = time.Now().UTC()
	})

	counts, err := fn(ctx)

	r.update(id, func(j *Job) {
		j.Finished = time.Now().UTC()
		j.Counts = counts
		if err != nil {
			j.State = StateFailed
			j.Error = err.Error()
		} else {
			j.State = StateSucceeded
		}
	})
}

func (r *Runner) update(id uuid.UUID, fn func(*Job)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.jobs[id]; ok {
		fn(j)
	}
}

// Status returns a snapshot of one job.
func (r *Runner) Status(id uuid.UUID) (Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[id]
	if !ok {
		return Job{}, false
	}
	return snapshot(j), true
}

// List returns snapshots of all jobs in submission order.
func (r *Runner) List() []Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Job, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, snapshot(r.jobs[id]))
	}
	return out
}

// Active returns the number of jobs currently holding a slot.
func (r *Runner) Active() int {
	return len(r.semaphore)
}

// Shutdown rejects new submissions and waits for running jobs to
// finish or the context to expire.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.draining = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func snapshot(j *Job) Job {
	cp := *j
	if j.Counts != nil {
		cp.Counts = make(map[string]int, len(j.Counts))
		for k, v := range j.Counts {
			cp.Counts[k] = v
		}
	}
	return cp
}
