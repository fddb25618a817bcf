// Package scheduler dispatches compilation jobs onto a bounded worker pool.
package scheduler

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.trai.ch/kiln/internal/core/domain"
)

// Scheduler runs jobs on a priority pool and tracks the status of every job
// it knows about. A job is forgotten as soon as Run returns.
type Scheduler struct {
	pool *Pool

	mu   sync.RWMutex
	jobs map[uuid.UUID]*domain.CompilationJob
}

// NewScheduler creates a scheduler with the given number of workers.
func NewScheduler(workers int) *Scheduler {
	return &Scheduler{
		pool: NewPool(workers),
		jobs: make(map[uuid.UUID]*domain.CompilationJob),
	}
}

// Run waits for a worker slot at the job's priority, then calls fn. The job
// moves from pending to running to done or failed.
func (s *Scheduler) Run(ctx context.Context, job *domain.CompilationJob, fn func(context.Context) error) error {
	s.track(job)
	defer s.forget(job.ID)

	release, err := s.pool.Acquire(ctx, job.Priority)
	if err != nil {
		s.updateStatus(job.ID, domain.JobFailed)
		return err
	}
	defer release()

	s.updateStatus(job.ID, domain.JobRunning)
	if err := fn(ctx); err != nil {
		s.updateStatus(job.ID, domain.JobFailed)
		return err
	}
	s.updateStatus(job.ID, domain.JobDone)
	return nil
}

// Workers returns the size of the worker pool.
func (s *Scheduler) Workers() int {
	return s.pool.Size()
}

// InFlight returns the number of jobs currently running.
func (s *Scheduler) InFlight() int {
	return s.count(domain.JobRunning)
}

// Pending returns the number of jobs waiting for a worker.
func (s *Scheduler) Pending() int {
	return s.count(domain.JobPending)
}

// Tracked returns the number of jobs not yet forgotten.
func (s *Scheduler) Tracked() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

func (s *Scheduler) count(status domain.JobStatus) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, job := range s.jobs {
		if job.Status == status {
			n++
		}
	}
	return n
}

func (s *Scheduler) track(job *domain.CompilationJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job.Status = domain.JobPending
	s.jobs[job.ID] = job
}

func (s *Scheduler) forget(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
}

// updateStatus updates the status of a job.
func (s *Scheduler) updateStatus(id uuid.UUID, status domain.JobStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[id]; ok {
		job.Status = status
	}
}

// statusMap returns a copy of the job statuses.
func (s *Scheduler) statusMap() map[uuid.UUID]domain.JobStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[uuid.UUID]domain.JobStatus, len(s.jobs))
	for id, job := range s.jobs {
		out[id] = job.Status
	}
	return out
}
