package port

import (
	"time"

	"github.com/bnema/reencode/internal/domain"
)

type ListFilter struct {
	Status domain.JobStatus
	Limit  int
	Offset int
}

type JobStore interface {
	Create(j *domain.Job) error
	Get(id int64) (*domain.Job, error)
	Update(j *domain.Job) error
	UpdateProgress(id int64, snap domain.Snapshot) error
	Delete(id int64) error

	// List returns one page ordered newest first, plus the unpaged total.
	List(filter ListFilter) ([]*domain.Job, int, error)
	// ListByStatus returns every job in one of statuses, oldest first.
	ListByStatus(statuses ...domain.JobStatus) ([]*domain.Job, error)
	DeleteByStatus(statuses ...domain.JobStatus) (int64, error)
	DeleteAll() (int64, error)
	DeleteFinishedBefore(cutoff time.Time) (int64, error)
}
