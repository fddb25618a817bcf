package domain

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the lifecycle state of a compilation job.
type JobStatus string

const (
	// JobPending indicates the job is waiting for a worker slot.
	JobPending JobStatus = "pending"
	// JobRunning indicates the external compiler is running.
	JobRunning JobStatus = "running"
	// JobDone indicates the compiler returned successfully.
	JobDone JobStatus = "done"
	// JobFailed indicates the compiler reported a failure.
	JobFailed JobStatus = "failed"
)

// Priority orders jobs competing for worker slots. Higher runs first.
type Priority int

const (
	// PriorityNormal is used for explicitly requested files.
	PriorityNormal Priority = 0
	// PriorityChanged is used for files that changed recently.
	PriorityChanged Priority = 10
)

// CompilationJob is one in-flight compilation of one cache key.
type CompilationJob struct {
	ID         uuid.UUID
	Path       string
	Key        CacheKey
	Digest     Digest
	Priority   Priority
	Status     JobStatus
	Generation uint64
	CreatedAt  time.Time
}

// NewCompilationJob creates a pending job.
func NewCompilationJob(path string, key CacheKey, digest Digest, priority Priority, generation uint64) *CompilationJob {
	return &CompilationJob{
		ID:         uuid.New(),
		Path:       path,
		Key:        key,
		Digest:     digest,
		Priority:   priority,
		Status:     JobPending,
		Generation: generation,
		CreatedAt:  time.Now(),
	}
}
