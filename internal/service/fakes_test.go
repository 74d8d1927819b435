package service

import (
	"context"
	"errors"
	"sync"

	"github.com/bnema/reencode/internal/domain"
	"github.com/bnema/reencode/internal/port"
)

// fakeHandle is a process that exits when terminated, unless stubborn.
type fakeHandle struct {
	mu         sync.Mutex
	terminated int
	killed     int
	stubborn   bool
	gone       bool
	done       chan struct{}
	once       sync.Once
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{done: make(chan struct{})}
}

func (h *fakeHandle) Terminate() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.gone {
		return port.ErrProcessGone
	}
	h.terminated++
	if !h.stubborn {
		h.exit()
	}
	return nil
}

func (h *fakeHandle) Kill() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.killed++
	h.exit()
	return nil
}

func (h *fakeHandle) exit() {
	h.once.Do(func() { close(h.done) })
}

func (h *fakeHandle) Done() <-chan struct{} { return h.done }

func (h *fakeHandle) counts() (terminated, killed int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.terminated, h.killed
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (p *recordingPublisher) Publish(e domain.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) ofType(t domain.EventType) []domain.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.Event
	for _, e := range p.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (p *recordingPublisher) last() domain.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events[len(p.events)-1]
}

// scriptedRun describes how fakeExecutor behaves for one job.
type scriptedRun struct {
	snapshots []domain.Snapshot
	success   bool
	log       string
	// block keeps the run alive until its handle is stopped.
	block bool
	// hook runs after the snapshots are delivered.
	hook func()
	// after is delivered once hook has run.
	after []domain.Snapshot
}

type fakeExecutor struct {
	mu      sync.Mutex
	runs    map[int64]scriptedRun
	calls   []port.ExecuteRequest
	started chan int64
	handles map[int64]*fakeHandle
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		runs:    make(map[int64]scriptedRun),
		started: make(chan int64, 16),
		handles: make(map[int64]*fakeHandle),
	}
}

func (e *fakeExecutor) script(id int64, run scriptedRun) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.runs[id] = run
}

func (e *fakeExecutor) Execute(ctx context.Context, req port.ExecuteRequest, onProgress port.ProgressFunc, onReady port.ProcessReadyFunc) (bool, string) {
	e.mu.Lock()
	run := e.runs[req.JobID]
	h := newFakeHandle()
	e.handles[req.JobID] = h
	e.calls = append(e.calls, req)
	e.mu.Unlock()

	if onReady != nil {
		onReady(h)
	}
	e.started <- req.JobID

	for _, s := range run.snapshots {
		if onProgress != nil {
			onProgress(s)
		}
	}

	if run.hook != nil {
		run.hook()
	}

	for _, s := range run.after {
		if onProgress != nil {
			onProgress(s)
		}
	}

	if run.block {
		select {
		case <-h.Done():
			return false, run.log
		case <-ctx.Done():
			return false, run.log
		}
	}
	return run.success, run.log
}

func (e *fakeExecutor) executed() []int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]int64, 0, len(e.calls))
	for _, c := range e.calls {
		ids = append(ids, c.JobID)
	}
	return ids
}

// panickingPublisher fails on every event.
type panickingPublisher struct{}

func (panickingPublisher) Publish(domain.Event) { panic("subscriber table corrupted") }

// failingResultStore rejects the final write of one job.
type failingResultStore struct {
	port.JobStore
	failID int64
}

func (s *failingResultStore) Update(j *domain.Job) error {
	if j.ID == s.failID && j.Status.IsTerminal() {
		return errors.New("disk full")
	}
	return s.JobStore.Update(j)
}
