package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/reencode/internal/adapter/storage/jsonfile"
	"github.com/bnema/reencode/internal/domain"
	"github.com/bnema/reencode/internal/infrastructure/logger"
)

type workerFixture struct {
	store    *jsonfile.Store
	queue    *JobQueue
	executor *fakeExecutor
	events   *recordingPublisher
	worker   *Worker
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	store, err := jsonfile.NewStore(t.TempDir())
	require.NoError(t, err)

	events := &recordingPublisher{}
	queue := NewJobQueue(events, 50*time.Millisecond, logger.Nop())
	executor := newFakeExecutor()
	worker := NewWorker(queue, store, executor, events, 20*time.Millisecond, logger.Nop())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = worker.Stop(ctx)
	})

	return &workerFixture{store: store, queue: queue, executor: executor, events: events, worker: worker}
}

func (f *workerFixture) submit(t *testing.T, src string) int64 {
	t.Helper()
	j, err := domain.NewJob(src, domain.ModeDefault, domain.PresetFor(domain.ModeDefault))
	require.NoError(t, err)
	require.NoError(t, f.store.Create(j))
	f.queue.Add(j.ID)
	return j.ID
}

func (f *workerFixture) waitForStatus(t *testing.T, id int64, want domain.JobStatus) *domain.Job {
	t.Helper()
	var job *domain.Job
	require.Eventually(t, func() bool {
		j, err := f.store.Get(id)
		if err != nil {
			return false
		}
		job = j
		return j.Status == want
	}, 3*time.Second, 10*time.Millisecond, "job %d never reached %s", id, want)
	return job
}

func (f *workerFixture) waitIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		size, active := f.queue.Status()
		return size == 0 && active == nil
	}, 3*time.Second, 10*time.Millisecond)
}

func TestWorker_CompletesJob(t *testing.T) {
	f := newWorkerFixture(t)
	id := f.submit(t, "/videos/movie.mkv")
	f.executor.script(id, scriptedRun{
		snapshots: []domain.Snapshot{
			{Percent: 25, ETASeconds: 6, FPS: 25, Stage: "encode", CurrentLog: "STAGE:encode"},
			{Percent: 80, ETASeconds: 2, FPS: 30, Stage: "encode", CurrentLog: "STAGE:encode"},
		},
		success: true,
		log:     "STAGE:encode\nSTAGE:complete",
	})

	f.worker.Start(context.Background())
	job := f.waitForStatus(t, id, domain.JobStatusCompleted)
	f.waitIdle(t)

	assert.Equal(t, 100.0, job.ProgressPercent)
	assert.Nil(t, job.ErrorMessage)
	assert.NotNil(t, job.StartedAt)
	assert.NotNil(t, job.CompletedAt)
	assert.Equal(t, "STAGE:encode\nSTAGE:complete", job.Log)
	require.NotNil(t, job.CurrentFPS)
	assert.Equal(t, 30.0, *job.CurrentFPS)

	calls := f.executor.calls
	require.Len(t, calls, 1)
	assert.Equal(t, "/videos/movie_conv.mkv", calls[0].OutputFile)
	assert.Equal(t, 26, calls[0].Settings.CRF)

	statuses := f.events.ofType(domain.EventJobStatus)
	require.Len(t, statuses, 2)
	assert.Equal(t, domain.JobStatusProcessing, statuses[0].Status)
	assert.Equal(t, domain.JobStatusCompleted, statuses[1].Status)
	assert.Len(t, f.events.ofType(domain.EventJobProgress), 2)

	last := f.events.last()
	assert.Equal(t, domain.EventQueueUpdate, last.Type)
	assert.Nil(t, last.ActiveJobID)
}

func TestWorker_FailedJobTakesLastErrorLine(t *testing.T) {
	f := newWorkerFixture(t)
	id := f.submit(t, "/videos/a.mkv")
	f.executor.script(id, scriptedRun{
		snapshots: []domain.Snapshot{{Percent: 40}},
		log:       "STAGE:encode\nERROR:first\nsome noise\nERROR:Encoder exited with status 1",
	})

	f.worker.Start(context.Background())
	job := f.waitForStatus(t, id, domain.JobStatusFailed)

	require.NotNil(t, job.ErrorMessage)
	assert.Equal(t, "ERROR:Encoder exited with status 1", *job.ErrorMessage)
	assert.Equal(t, 40.0, job.ProgressPercent, "failed jobs keep their last percent")
}

func TestWorker_FailedJobWithoutErrorLine(t *testing.T) {
	f := newWorkerFixture(t)
	id := f.submit(t, "/videos/a.mkv")
	f.executor.script(id, scriptedRun{log: "STAGE:encode"})

	f.worker.Start(context.Background())
	job := f.waitForStatus(t, id, domain.JobStatusFailed)

	require.NotNil(t, job.ErrorMessage)
	assert.Equal(t, domain.DefaultFailureMessage, *job.ErrorMessage)
}

func TestWorker_CancelOverridesSuccess(t *testing.T) {
	f := newWorkerFixture(t)
	id := f.submit(t, "/videos/a.mkv")
	f.executor.script(id, scriptedRun{
		success: true,
		hook:    func() { f.queue.CancelActive() },
	})

	f.worker.Start(context.Background())
	job := f.waitForStatus(t, id, domain.JobStatusCancelled)

	require.NotNil(t, job.ErrorMessage)
	assert.Equal(t, domain.CancelledMessage, *job.ErrorMessage)
}

func TestWorker_CancelActiveThenNextCompletes(t *testing.T) {
	f := newWorkerFixture(t)
	a := f.submit(t, "/videos/a.mkv")
	b := f.submit(t, "/videos/b.mkv")
	f.executor.script(a, scriptedRun{block: true, log: "STAGE:encode"})
	f.executor.script(b, scriptedRun{success: true})

	f.worker.Start(context.Background())

	select {
	case started := <-f.executor.started:
		require.Equal(t, a, started)
	case <-time.After(3 * time.Second):
		t.Fatal("job A never started")
	}

	running, err := f.store.Get(a)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusProcessing, running.Status)
	_, active := f.queue.Status()
	require.NotNil(t, active)
	assert.Equal(t, a, *active)

	assert.True(t, f.queue.CancelActive())

	jobA := f.waitForStatus(t, a, domain.JobStatusCancelled)
	jobB := f.waitForStatus(t, b, domain.JobStatusCompleted)

	assert.Equal(t, domain.CancelledMessage, *jobA.ErrorMessage)
	assert.Equal(t, 100.0, jobB.ProgressPercent)
	assert.Equal(t, []int64{a, b}, f.executor.executed())
}

func TestWorker_RemovedJobIsNeverExecuted(t *testing.T) {
	f := newWorkerFixture(t)
	a := f.submit(t, "/videos/a.mkv")
	b := f.submit(t, "/videos/b.mkv")
	f.executor.script(b, scriptedRun{success: true})

	require.True(t, f.queue.RemovePending(a))
	f.worker.Start(context.Background())

	f.waitForStatus(t, b, domain.JobStatusCompleted)
	assert.Equal(t, []int64{b}, f.executor.executed())

	jobA, err := f.store.Get(a)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, jobA.Status, "skipped jobs are not mutated")
}

func TestWorker_DeletedRecordIsSkipped(t *testing.T) {
	f := newWorkerFixture(t)
	a := f.submit(t, "/videos/a.mkv")
	b := f.submit(t, "/videos/b.mkv")
	f.executor.script(b, scriptedRun{success: true})
	require.NoError(t, f.store.Delete(a))

	f.worker.Start(context.Background())
	f.waitForStatus(t, b, domain.JobStatusCompleted)
	assert.Equal(t, []int64{b}, f.executor.executed())
}

func TestWorker_BadSettingsFailJob(t *testing.T) {
	f := newWorkerFixture(t)
	j, err := domain.NewJob("/videos/a.mkv", domain.ModeDefault, domain.PresetFor(domain.ModeDefault))
	require.NoError(t, err)
	j.Settings = "{not json"
	require.NoError(t, f.store.Create(j))
	f.queue.Add(j.ID)

	f.worker.Start(context.Background())
	job := f.waitForStatus(t, j.ID, domain.JobStatusFailed)

	require.NotNil(t, job.ErrorMessage)
	assert.Contains(t, *job.ErrorMessage, "decode settings")
	assert.Empty(t, f.executor.executed())
}

func TestWorker_StopJoins(t *testing.T) {
	f := newWorkerFixture(t)
	f.worker.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, f.worker.Stop(ctx))
}

func TestWorker_StopDeadlineCancelsActiveJob(t *testing.T) {
	f := newWorkerFixture(t)
	id := f.submit(t, "/videos/a.mkv")
	f.executor.script(id, scriptedRun{block: true})

	f.worker.Start(context.Background())
	<-f.executor.started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.worker.Stop(ctx), context.DeadlineExceeded)

	// the outcome is on disk by the time Stop returns
	job, err := f.store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCancelled, job.Status)
	_, active := f.queue.Status()
	assert.Nil(t, active)
}

func TestWorker_CancelledJobKeepsLastProgress(t *testing.T) {
	f := newWorkerFixture(t)
	id := f.submit(t, "/videos/a.mkv")
	f.executor.script(id, scriptedRun{
		snapshots: []domain.Snapshot{{Percent: 40, Stage: "encode"}},
		hook:      func() { f.queue.CancelActive() },
		after:     []domain.Snapshot{{Percent: 100, Stage: "complete", Status: "Conversion complete"}},
		success:   true,
	})

	f.worker.Start(context.Background())
	job := f.waitForStatus(t, id, domain.JobStatusCancelled)
	f.waitIdle(t)

	assert.Equal(t, 40.0, job.ProgressPercent)
	progress := f.events.ofType(domain.EventJobProgress)
	require.Len(t, progress, 1, "progress after the cancel request is dropped")
	assert.Equal(t, 40.0, progress[0].Data.Percent)
	assert.Equal(t, "encode", progress[0].Data.Stage)
}

func TestWorker_ResultWriteFailureDoesNotStallQueue(t *testing.T) {
	f := newWorkerFixture(t)
	a := f.submit(t, "/videos/a.mkv")
	b := f.submit(t, "/videos/b.mkv")
	f.executor.script(a, scriptedRun{success: true})
	f.executor.script(b, scriptedRun{success: true})

	store := &failingResultStore{JobStore: f.store, failID: a}
	w := NewWorker(f.queue, store, f.executor, f.events, 20*time.Millisecond, logger.Nop())
	w.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = w.Stop(ctx)
	})

	f.waitForStatus(t, b, domain.JobStatusCompleted)
	f.waitIdle(t)

	assert.Equal(t, []int64{a, b}, f.executor.executed())
	job, err := f.store.Get(a)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusProcessing, job.Status, "the failed write leaves the last persisted state")
}

func TestWorker_PublisherPanicDoesNotChangeOutcome(t *testing.T) {
	store, err := jsonfile.NewStore(t.TempDir())
	require.NoError(t, err)
	queue := NewJobQueue(panickingPublisher{}, 50*time.Millisecond, logger.Nop())
	executor := newFakeExecutor()
	w := NewWorker(queue, store, executor, panickingPublisher{}, 20*time.Millisecond, logger.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = w.Stop(ctx)
	})

	j, err := domain.NewJob("/videos/a.mkv", domain.ModeDefault, domain.PresetFor(domain.ModeDefault))
	require.NoError(t, err)
	require.NoError(t, store.Create(j))
	executor.script(j.ID, scriptedRun{snapshots: []domain.Snapshot{{Percent: 50}}, success: true})
	assert.NotPanics(t, func() { queue.Add(j.ID) })

	w.Start(context.Background())
	require.Eventually(t, func() bool {
		got, err := store.Get(j.ID)
		return err == nil && got.Status == domain.JobStatusCompleted
	}, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		size, active := queue.Status()
		return size == 0 && active == nil
	}, 3*time.Second, 10*time.Millisecond)
}
