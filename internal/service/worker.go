package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/bnema/reencode/internal/domain"
	"github.com/bnema/reencode/internal/infrastructure/logger"
	"github.com/bnema/reencode/internal/port"
)

// stopMargin is added to the cancel grace period when Stop waits for the
// loop after cancelling the active job.
const stopMargin = 2 * time.Second

const maxLoggedMessage = 200

// Worker executes queued jobs one at a time.
type Worker struct {
	queue    *JobQueue
	store    port.JobStore
	executor port.Executor
	events   port.EventPublisher
	poll     time.Duration
	log      *logger.Logger
	now      func() time.Time

	stopping  atomic.Bool
	startOnce sync.Once
	done      chan struct{}
	cancel    context.CancelFunc
}

func NewWorker(
	queue *JobQueue,
	store port.JobStore,
	executor port.Executor,
	events port.EventPublisher,
	poll time.Duration,
	log *logger.Logger,
) *Worker {
	return &Worker{
		queue:    queue,
		store:    store,
		executor: executor,
		events:   events,
		poll:     poll,
		log:      log.Named("worker"),
		now:      func() time.Time { return time.Now().UTC() },
		done:     make(chan struct{}),
	}
}

// Start launches the worker loop. Calling it more than once has no effect.
func (w *Worker) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		w.cancel = cancel
		go w.run(runCtx)
		w.log.Infof("worker started (poll interval %s)", w.poll)
	})
}

// Stop asks the loop to exit after the current job and waits for it until
// ctx ends. On deadline the active job is cancelled and ctx.Err() returned.
func (w *Worker) Stop(ctx context.Context) error {
	w.stopping.Store(true)
	if w.cancel == nil {
		return nil
	}

	select {
	case <-w.done:
		w.cancel()
		w.log.Infof("worker stopped")
		return nil
	case <-ctx.Done():
	}

	w.log.Warnf("worker did not stop in time, cancelling active job")
	w.queue.CancelActive()
	w.cancel()

	// give the loop time to record the cancelled outcome
	select {
	case <-w.done:
	case <-time.After(w.queue.grace + stopMargin):
		w.log.Errorf("worker still running after cancelling the active job")
	}
	return ctx.Err()
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)

	for !w.stopping.Load() {
		id, ok := w.queue.Claim(ctx, w.poll)
		if !ok {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		w.processJob(ctx, id)
	}
}

func (w *Worker) processJob(ctx context.Context, id int64) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Errorf("job %d: panic: %v", id, r)
			w.failJob(id, fmt.Sprintf("internal error: %v", r))
		}
		w.queue.Finish(id)
	}()

	if err := w.execute(ctx, id); err != nil {
		w.log.Errorf("job %d failed: %v", id, err)
		w.failJob(id, err.Error())
	}
}

func (w *Worker) execute(ctx context.Context, id int64) error {
	job, err := w.store.Get(id)
	if errors.Is(err, domain.ErrNotFound) {
		w.log.Warnf("job %d no longer exists, skipping", id)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job.Status != domain.JobStatusPending {
		w.log.Warnf("job %d is %s, skipping", id, job.Status)
		return nil
	}

	if err := job.MarkProcessing(w.now()); err != nil {
		return err
	}
	if err := w.store.Update(job); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	w.publish(domain.JobStatusEvent(id, domain.JobStatusProcessing, nil))

	if w.queue.IsCancelled(id) {
		w.log.Infof("job %d cancelled before start", id)
		return w.complete(job, false, job.Log)
	}

	settings, err := job.ParseSettings()
	if err != nil {
		return err
	}

	w.log.Infof("processing job %d: %s (mode=%s crf=%d preset=%d)",
		id, logger.SanitizeForLog(job.SourceFile), job.Mode, settings.CRF, settings.Preset)

	var (
		mu   sync.Mutex
		last *domain.Snapshot
	)
	// snapshots after a cancel request are dropped; a cancelled job keeps
	// the progress it last reported
	onProgress := func(s domain.Snapshot) {
		if w.queue.IsCancelled(id) {
			return
		}
		mu.Lock()
		last = &s
		mu.Unlock()

		if err := w.store.UpdateProgress(id, s); err != nil {
			w.log.Warnf("job %d: persist progress: %v", id, err)
		}
		w.publish(domain.JobProgressEvent(id, s))
	}
	onReady := func(h port.ProcessHandle) {
		w.queue.AttachProcess(id, h)
	}

	success, log := w.executor.Execute(ctx, port.ExecuteRequest{
		JobID:      id,
		SourceFile: job.SourceFile,
		OutputFile: job.OutputFile,
		Settings:   settings,
	}, onProgress, onReady)

	mu.Lock()
	if last != nil {
		job.ApplySnapshot(*last)
	}
	mu.Unlock()

	return w.complete(job, success, log)
}

// complete records the outcome. Cancellation wins over whatever the
// executor reported.
func (w *Worker) complete(job *domain.Job, success bool, log string) error {
	status, msg := domain.JobStatusFailed, domain.LastErrorLine(log)
	switch {
	case w.queue.IsCancelled(job.ID):
		status, msg = domain.JobStatusCancelled, domain.CancelledMessage
	case success:
		status, msg = domain.JobStatusCompleted, ""
	}

	if err := job.Finish(status, msg, log, w.now()); err != nil {
		return err
	}
	if err := w.store.Update(job); err != nil {
		return fmt.Errorf("persist result: %w", err)
	}
	w.publish(domain.JobStatusEvent(job.ID, status, job.ErrorMessage))

	switch status {
	case domain.JobStatusCompleted:
		size := "unknown size"
		if info, err := os.Stat(job.OutputFile); err == nil {
			size = humanize.Bytes(uint64(info.Size()))
		}
		w.log.Infof("job %d completed: %s (%s)", job.ID, logger.SanitizeForLog(job.OutputFile), size)
	case domain.JobStatusCancelled:
		w.log.Infof("job %d cancelled", job.ID)
	default:
		w.log.Warnf("job %d failed: %s", job.ID, logger.Clip(msg, maxLoggedMessage))
	}
	return nil
}

// failJob forces a job into failed unless it already reached a terminal
// state.
func (w *Worker) failJob(id int64, msg string) {
	job, err := w.store.Get(id)
	if err != nil {
		w.log.Errorf("job %d: load for failure: %v", id, err)
		return
	}
	if job.Status.IsTerminal() {
		return
	}
	if err := job.Finish(domain.JobStatusFailed, msg, job.Log, w.now()); err != nil {
		w.log.Errorf("job %d: %v", id, err)
		return
	}
	if err := w.store.Update(job); err != nil {
		w.log.Errorf("job %d: persist failure: %v", id, err)
		return
	}
	w.publish(domain.JobStatusEvent(id, domain.JobStatusFailed, job.ErrorMessage))
}

// publish delivers e. A panicking publisher is logged and never changes a
// job's outcome.
func (w *Worker) publish(e domain.Event) {
	if w.events == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			w.log.Errorf("publish %s: %v", e.Type, r)
		}
	}()
	w.events.Publish(e)
}
