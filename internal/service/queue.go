package service

import (
	"context"
	"sync"
	"time"

	"github.com/bnema/reencode/internal/domain"
	"github.com/bnema/reencode/internal/infrastructure/logger"
	"github.com/bnema/reencode/internal/port"
)

// JobQueue holds the in-memory scheduling state: the FIFO of pending ids,
// the id currently being executed and the handle of its process. Every
// field is guarded by mu; an id is never both pending and active.
type JobQueue struct {
	mu        sync.Mutex
	pending   []int64
	skip      map[int64]struct{}
	cancelled map[int64]struct{}
	active    int64
	hasActive bool
	handle    port.ProcessHandle

	// wake carries at most one pending notification for Claim.
	wake chan struct{}

	events port.EventPublisher
	grace  time.Duration
	log    *logger.Logger
}

func NewJobQueue(events port.EventPublisher, grace time.Duration, log *logger.Logger) *JobQueue {
	return &JobQueue{
		skip:      make(map[int64]struct{}),
		cancelled: make(map[int64]struct{}),
		wake:      make(chan struct{}, 1),
		events:    events,
		grace:     grace,
		log:       log.Named("queue"),
	}
}

// Add appends id to the pending FIFO. Re-adding an id that was removed but
// not yet discarded revives it at its original position.
func (q *JobQueue) Add(id int64) {
	q.mu.Lock()
	if _, skipped := q.skip[id]; skipped {
		delete(q.skip, id)
	} else {
		q.pending = append(q.pending, id)
	}
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}

	q.log.Debugf("job %d queued", id)
	q.publishState()
}

// RemovePending marks a pending id so the worker discards it without
// running it. It reports whether id was pending; calling it again, or for
// an id that is active or unknown, changes nothing.
func (q *JobQueue) RemovePending(id int64) bool {
	q.mu.Lock()
	if !q.isPendingLocked(id) {
		q.mu.Unlock()
		return false
	}
	q.skip[id] = struct{}{}
	q.mu.Unlock()

	q.log.Infof("job %d removed from queue", id)
	q.publishState()
	return true
}

func (q *JobQueue) isPendingLocked(id int64) bool {
	if _, skipped := q.skip[id]; skipped {
		return false
	}
	for _, p := range q.pending {
		if p == id {
			return true
		}
	}
	return false
}

// CancelActive cancels the job being executed. It returns false when no
// job is active or its process could not be signalled. When the process
// has not been attached yet the cancellation is applied on attach.
func (q *JobQueue) CancelActive() bool {
	q.mu.Lock()
	if !q.hasActive {
		q.mu.Unlock()
		return false
	}
	id, h := q.active, q.handle
	q.cancelled[id] = struct{}{}
	q.mu.Unlock()

	if h == nil {
		q.log.Infof("job %d cancelled before its process started", id)
		return true
	}

	q.log.Infof("cancelling job %d", id)
	stopped, err := port.StopProcess(h, q.grace)
	if err != nil {
		q.log.Errorf("cancel job %d: %v", id, err)
	}
	return stopped
}

// Claim pops the next pending id that was not removed and marks it active.
// It blocks for at most wait; ok is false when nothing became available or
// ctx ended first.
func (q *JobQueue) Claim(ctx context.Context, wait time.Duration) (id int64, ok bool) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		if id, ok := q.pop(); ok {
			q.publishState()
			return id, true
		}

		select {
		case <-q.wake:
		case <-timer.C:
			return 0, false
		case <-ctx.Done():
			return 0, false
		}
	}
}

func (q *JobQueue) pop() (int64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.pending) > 0 {
		id := q.pending[0]
		q.pending = q.pending[1:]
		if _, skipped := q.skip[id]; skipped {
			delete(q.skip, id)
			q.log.Debugf("skipping removed job %d", id)
			continue
		}
		q.active, q.hasActive = id, true
		q.handle = nil
		return id, true
	}
	return 0, false
}

// AttachProcess records the process of the active job. If the job was
// cancelled while its process was starting, the process is stopped at once.
func (q *JobQueue) AttachProcess(id int64, h port.ProcessHandle) {
	q.mu.Lock()
	if !q.hasActive || q.active != id {
		q.mu.Unlock()
		q.log.Warnf("ignoring process for job %d: not active", id)
		return
	}
	q.handle = h
	_, cancelled := q.cancelled[id]
	q.mu.Unlock()

	if cancelled {
		q.log.Infof("job %d was cancelled during startup, stopping process", id)
		// The executor has not started reading output yet, so do not block it.
		go func() {
			if _, err := port.StopProcess(h, q.grace); err != nil {
				q.log.Errorf("stop job %d: %v", id, err)
			}
		}()
	}
}

func (q *JobQueue) IsCancelled(id int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.cancelled[id]
	return ok
}

// Finish clears the active marker for id and reports whether the job had
// been cancelled.
func (q *JobQueue) Finish(id int64) (cancelled bool) {
	q.mu.Lock()
	if q.hasActive && q.active == id {
		q.hasActive = false
		q.active = 0
		q.handle = nil
	}
	_, cancelled = q.cancelled[id]
	delete(q.cancelled, id)
	q.mu.Unlock()

	q.publishState()
	return cancelled
}

// Status returns the number of runnable pending ids and the active id.
func (q *JobQueue) Status() (size int, active *int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.statusLocked()
}

func (q *JobQueue) statusLocked() (int, *int64) {
	size := len(q.pending) - len(q.skip)
	if !q.hasActive {
		return size, nil
	}
	id := q.active
	return size, &id
}

// DrainPending empties the FIFO and returns the ids that were runnable, in
// queue order.
func (q *JobQueue) DrainPending() []int64 {
	q.mu.Lock()
	ids := make([]int64, 0, len(q.pending))
	for _, id := range q.pending {
		if _, skipped := q.skip[id]; !skipped {
			ids = append(ids, id)
		}
	}
	q.pending = nil
	clear(q.skip)
	q.mu.Unlock()

	if len(ids) > 0 {
		q.log.Infof("drained %d queued jobs", len(ids))
	}
	q.publishState()
	return ids
}

// publishState reports the queue state. Publisher failures are logged and
// never reach the caller, matching Worker.publish.
func (q *JobQueue) publishState() {
	if q.events == nil {
		return
	}
	q.mu.Lock()
	size, active := q.statusLocked()
	q.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			q.log.Errorf("publish %s: %v", domain.EventQueueUpdate, r)
		}
	}()
	q.events.Publish(domain.QueueUpdateEvent(size, active))
}
