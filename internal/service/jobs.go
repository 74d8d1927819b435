package service

import (
	"fmt"
	"slices"
	"time"

	"github.com/bnema/reencode/internal/domain"
	"github.com/bnema/reencode/internal/infrastructure/logger"
	"github.com/bnema/reencode/internal/port"
)

const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// InterruptedMessage is recorded on jobs found processing at startup.
const InterruptedMessage = "Interrupted by restart"

// SubmitRequest describes one or more files to convert with shared settings.
// A nil Settings means the preset of Mode.
type SubmitRequest struct {
	Files    []string
	Mode     domain.Mode
	Settings *domain.ConversionSettings
}

// DeleteOutcome tells the caller what DeleteOrCancel did.
type DeleteOutcome string

const (
	OutcomeCancelled DeleteOutcome = "cancelled"
	OutcomeDeleted   DeleteOutcome = "deleted"
)

type Health struct {
	Status    string `json:"status"`
	QueueSize int    `json:"queue_size"`
	ActiveJob *int64 `json:"active_job"`
}

// JobService is the entry point for producers and the HTTP layer.
type JobService struct {
	store port.JobStore
	queue *JobQueue
	log   *logger.Logger
	now   func() time.Time
}

func NewJobService(store port.JobStore, queue *JobQueue, log *logger.Logger) *JobService {
	return &JobService{
		store: store,
		queue: queue,
		log:   log.Named("jobs"),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Submit persists one pending job per file and queues them in the order
// given. Nothing is queued unless every job was stored.
func (s *JobService) Submit(req SubmitRequest) ([]int64, error) {
	if len(req.Files) == 0 {
		return nil, domain.NewValidationError("files", "at least one file is required")
	}
	if req.Mode == "" {
		req.Mode = domain.ModeDefault
	}
	if !req.Mode.Valid() {
		return nil, domain.NewValidationError("mode", "unknown mode %q", req.Mode)
	}

	settings := domain.PresetFor(req.Mode)
	if req.Settings != nil {
		settings = *req.Settings
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	jobs := make([]*domain.Job, 0, len(req.Files))
	for _, file := range req.Files {
		job, err := domain.NewJob(file, req.Mode, settings)
		if err != nil {
			return nil, err
		}
		job.CreatedAt = s.now()
		jobs = append(jobs, job)
	}

	ids := make([]int64, 0, len(jobs))
	for _, job := range jobs {
		if err := s.store.Create(job); err != nil {
			s.log.Errorf("failed to create job for %s: %v", logger.SanitizeForLog(job.SourceFile), err)
			s.rollback(ids)
			return nil, fmt.Errorf("create job: %w", err)
		}
		ids = append(ids, job.ID)
	}

	for i, id := range ids {
		s.queue.Add(id)
		s.log.Infof("created job %d for %s", id, logger.SanitizeForLog(jobs[i].SourceFile))
	}
	return ids, nil
}

// SubmitBatch is Submit with the files processed in lexical order.
func (s *JobService) SubmitBatch(req SubmitRequest) ([]int64, error) {
	req.Files = slices.Clone(req.Files)
	slices.Sort(req.Files)
	return s.Submit(req)
}

func (s *JobService) rollback(ids []int64) {
	for _, id := range ids {
		if err := s.store.Delete(id); err != nil {
			s.log.Warnf("rollback job %d: %v", id, err)
		}
	}
}

func (s *JobService) Get(id int64) (*domain.Job, error) {
	return s.store.Get(id)
}

// List clamps the page size to [1, MaxListLimit], defaulting to
// DefaultListLimit.
func (s *JobService) List(filter port.ListFilter) ([]*domain.Job, int, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, 0, domain.NewValidationError("status", "unknown status %q", filter.Status)
	}
	if filter.Limit <= 0 {
		filter.Limit = DefaultListLimit
	}
	filter.Limit = min(filter.Limit, MaxListLimit)
	filter.Offset = max(filter.Offset, 0)
	return s.store.List(filter)
}

// DeleteOrCancel removes a pending job before it runs, cancels the running
// job, or deletes a finished job from history.
func (s *JobService) DeleteOrCancel(id int64) (DeleteOutcome, error) {
	job, err := s.store.Get(id)
	if err != nil {
		return "", err
	}

	switch {
	case job.Status == domain.JobStatusPending:
		s.queue.RemovePending(id)
		if err := s.store.Delete(id); err != nil {
			return "", fmt.Errorf("delete job %d: %w", id, err)
		}
		s.log.Infof("cancelled queued job %d", id)
		return OutcomeCancelled, nil

	case job.Status == domain.JobStatusProcessing:
		if _, active := s.queue.Status(); active == nil || *active != id {
			return s.cancelOrphan(id)
		}
		if !s.queue.CancelActive() {
			return "", domain.ErrJobActive
		}
		// the worker records the final status
		s.log.Infof("cancelled running job %d", id)
		return OutcomeCancelled, nil

	case job.Status.IsTerminal():
		if err := s.store.Delete(id); err != nil {
			return "", fmt.Errorf("delete job %d: %w", id, err)
		}
		s.log.Infof("deleted job %d from history", id)
		return OutcomeDeleted, nil
	}

	return "", domain.NewValidationError("status", "cannot delete job with status %q", job.Status)
}

// cancelOrphan handles a processing record the worker is not running. The
// record is re-read: if the worker finished it in the meantime the request
// is rejected, otherwise it is a leftover and is marked cancelled here.
func (s *JobService) cancelOrphan(id int64) (DeleteOutcome, error) {
	job, err := s.store.Get(id)
	if err != nil {
		return "", err
	}
	if job.Status != domain.JobStatusProcessing {
		return "", domain.NewValidationError("status", "job %d already finished as %s", id, job.Status)
	}

	if err := job.Finish(domain.JobStatusCancelled, domain.CancelledMessage, job.Log, s.now()); err != nil {
		return "", err
	}
	if err := s.store.Update(job); err != nil {
		return "", fmt.Errorf("cancel job %d: %w", id, err)
	}
	s.log.Warnf("job %d was marked processing without a running process, cancelled", id)
	return OutcomeCancelled, nil
}

// ClearQueued removes every pending job.
func (s *JobService) ClearQueued() (int64, error) {
	pending, err := s.store.ListByStatus(domain.JobStatusPending)
	if err != nil {
		return 0, err
	}
	for _, job := range pending {
		s.queue.RemovePending(job.ID)
	}

	n, err := s.store.DeleteByStatus(domain.JobStatusPending)
	if err != nil {
		return 0, err
	}
	s.log.Infof("cleared %d queued jobs", n)
	return n, nil
}

// ClearFinished deletes completed, failed and cancelled jobs.
func (s *JobService) ClearFinished() (int64, error) {
	n, err := s.store.DeleteByStatus(domain.FinishedStatuses...)
	if err != nil {
		return 0, err
	}
	s.log.Infof("cleared %d finished jobs", n)
	return n, nil
}

// ClearAll cancels the running job, drains the queue and deletes every
// record.
func (s *JobService) ClearAll() (int64, error) {
	if _, active := s.queue.Status(); active != nil {
		s.queue.CancelActive()
	}
	s.queue.DrainPending()

	n, err := s.store.DeleteAll()
	if err != nil {
		return 0, err
	}
	s.log.Infof("cleared all %d jobs", n)
	return n, nil
}

func (s *JobService) Health() Health {
	size, active := s.queue.Status()
	return Health{Status: "healthy", QueueSize: size, ActiveJob: active}
}

func (s *JobService) Presets() map[domain.Mode]domain.ConversionSettings {
	return domain.Presets()
}

// Recover restores queue state after a restart: jobs left processing are
// failed and pending jobs are queued again in creation order.
func (s *JobService) Recover() error {
	stalled, err := s.store.ListByStatus(domain.JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("list stalled jobs: %w", err)
	}
	for _, job := range stalled {
		if err := job.Finish(domain.JobStatusFailed, InterruptedMessage, job.Log, s.now()); err != nil {
			return err
		}
		if err := s.store.Update(job); err != nil {
			return fmt.Errorf("reset stalled job %d: %w", job.ID, err)
		}
		s.log.Warnf("job %d was interrupted by a restart", job.ID)
	}

	pending, err := s.store.ListByStatus(domain.JobStatusPending)
	if err != nil {
		return fmt.Errorf("list pending jobs: %w", err)
	}
	for _, job := range pending {
		s.queue.Add(job.ID)
	}
	if len(stalled)+len(pending) > 0 {
		s.log.Infof("recovered %d pending jobs, failed %d interrupted jobs", len(pending), len(stalled))
	}
	return nil
}

