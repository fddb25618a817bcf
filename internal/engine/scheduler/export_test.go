package scheduler

import (
	"github.com/google/uuid"
	"go.trai.ch/kiln/internal/core/domain"
)

// GetJobStatusMap returns a copy of the internal job status map.
// This is exported for testing purposes only.
func (s *Scheduler) GetJobStatusMap() map[uuid.UUID]domain.JobStatus {
	return s.statusMap()
}
