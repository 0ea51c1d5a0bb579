package orchestrator_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/renderforge/renderforge/internal/gen"
	"github.com/renderforge/renderforge/internal/orchestrator"
	"github.com/renderforge/renderforge/internal/sandbox"
	"github.com/renderforge/renderforge/internal/store"
	"github.com/renderforge/renderforge/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validScene = `from manim import *


class SquareToCircle(Scene):
    def construct(self):
        self.play(Create(Square()))
`

// memStore is an in-memory store.Store with injectable failures.
type memStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*models.Job

	createErr   error
	updateFails int
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[uuid.UUID]*models.Job)}
}

func (s *memStore) Ping(ctx context.Context) error { return nil }

func (s *memStore) CreateJob(ctx context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *memStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (s *memStore) ListJobs(ctx context.Context) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		cp := *job
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memStore) DeleteJob(ctx context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[id]
	delete(s.jobs, id)
	return ok, nil
}

func (s *memStore) ClaimJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if job.Status != models.JobStatusPending {
		return nil, store.ErrNotClaimable
	}
	job.Status = models.JobStatusRunning
	if job.Progress < 10 {
		job.Progress = 10
	}
	now := time.Now().UTC()
	job.StartedAt = &now
	cp := *job
	return &cp, nil
}

func (s *memStore) IncrementAttempts(ctx context.Context, id uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return 0, store.ErrNotFound
	}
	job.AttemptsMade++
	return job.AttemptsMade, nil
}

func (s *memStore) SetProgress(ctx context.Context, id uuid.UUID, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if job.Status == models.JobStatusRunning && progress > job.Progress {
		job.Progress = progress
	}
	return nil
}

func (s *memStore) UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...store.JobUpdateOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateFails > 0 {
		s.updateFails--
		return errors.New("store write failed")
	}
	job, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	params := store.ApplyJobUpdateOptions(opts)
	if params.ExpectedStatus != nil && job.Status != *params.ExpectedStatus {
		return store.ErrSuperseded
	}
	job.Status = status
	job.ErrorMessage = params.ErrorMessage
	if params.ArtifactPath != nil {
		job.ArtifactPath = params.ArtifactPath
	}
	if status == models.JobStatusDone {
		job.Progress = 100
	}
	if status == models.JobStatusDone || status == models.JobStatusError {
		now := time.Now().UTC()
		job.CompletedAt = &now
	}
	return nil
}

// memArchive is an in-memory archive.Archive backed by a buffered channel
// queue.
type memArchive struct {
	mu     sync.Mutex
	events map[uuid.UUID][]models.OutputEvent
	queue  chan uuid.UUID

	enqueueErrs int
}

func newMemArchive() *memArchive {
	return &memArchive{
		events: make(map[uuid.UUID][]models.OutputEvent),
		queue:  make(chan uuid.UUID, 64),
	}
}

func (a *memArchive) Ping(ctx context.Context) error { return nil }

func (a *memArchive) Append(ctx context.Context, jobID uuid.UUID, event models.OutputEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events[jobID] = append(a.events[jobID], event)
	return nil
}

func (a *memArchive) List(ctx context.Context, jobID uuid.UUID) ([]models.OutputEvent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]models.OutputEvent, len(a.events[jobID]))
	copy(out, a.events[jobID])
	return out, nil
}

func (a *memArchive) Delete(ctx context.Context, jobID uuid.UUID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.events, jobID)
	return nil
}

func (a *memArchive) Enqueue(ctx context.Context, jobID uuid.UUID) error {
	a.mu.Lock()
	if a.enqueueErrs > 0 {
		a.enqueueErrs--
		a.mu.Unlock()
		return errors.New("redis unavailable")
	}
	a.mu.Unlock()
	a.queue <- jobID
	return nil
}

func (a *memArchive) Dequeue(ctx context.Context, timeout time.Duration) (uuid.UUID, bool, error) {
	select {
	case id := <-a.queue:
		return id, true, nil
	case <-time.After(timeout):
		return uuid.Nil, false, nil
	case <-ctx.Done():
		return uuid.Nil, false, ctx.Err()
	}
}

func (a *memArchive) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	return 1, nil
}

// fakeEngine scripts one outcome per attempt number. A nil entry means
// success.
type fakeEngine struct {
	mu       sync.Mutex
	outcomes []error
	calls    []sandbox.RunInput
	lines    [][2]string
	artifact string
	block    bool
}

func (e *fakeEngine) Run(ctx context.Context, in sandbox.RunInput) (string, error) {
	e.mu.Lock()
	e.calls = append(e.calls, in)
	n := len(e.calls)
	lines := e.lines
	block := e.block
	e.mu.Unlock()

	for _, l := range lines {
		if in.OnLine != nil {
			in.OnLine(l[0], l[1])
		}
	}
	if block {
		<-ctx.Done()
		return "", sandbox.ErrKilled
	}

	var outcome error
	if n <= len(e.outcomes) {
		outcome = e.outcomes[n-1]
	}
	if outcome != nil {
		return "", outcome
	}
	artifact := e.artifact
	if artifact == "" {
		artifact = "videos/scene/720p30/output.mp4"
	}
	return artifact, nil
}

func (e *fakeEngine) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

type fakeSweeper struct {
	mu       sync.Mutex
	sweeps   []uuid.UUID
	cleanups []uuid.UUID
}

func (s *fakeSweeper) SweepJob(ctx context.Context, jobID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweeps = append(s.sweeps, jobID)
	return nil
}

func (s *fakeSweeper) CleanupJob(ctx context.Context, jobID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanups = append(s.cleanups, jobID)
	return nil
}

func (s *fakeSweeper) sweepCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sweeps)
}

func (s *fakeSweeper) cleanupCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cleanups)
}

type fakeBus struct {
	mu   sync.Mutex
	jobs []*models.Job
}

func (b *fakeBus) PublishStatus(job *models.Job) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.jobs = append(b.jobs, job)
}

type fixture struct {
	store   *memStore
	archive *memArchive
	engine  *fakeEngine
	sweeper *fakeSweeper
	bus     *fakeBus
	orch    *orchestrator.Orchestrator
}

func newFixture(t *testing.T, eng *fakeEngine) *fixture {
	t.Helper()
	f := &fixture{
		store:   newMemStore(),
		archive: newMemArchive(),
		engine:  eng,
		sweeper: &fakeSweeper{},
		bus:     &fakeBus{},
	}
	f.orch = orchestrator.New(f.store, f.archive, f.engine, f.sweeper, f.bus, orchestrator.Config{
		Workers:    1,
		MaxRetries: 2,
		Backoff:    10 * time.Millisecond,
	})
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	f.orch.Start(ctx)
	t.Cleanup(func() {
		cancel()
		f.orch.Wait()
	})
}

func waitForStatus(t *testing.T, f *fixture, id uuid.UUID, status string) *models.Job {
	t.Helper()
	var job *models.Job
	require.Eventually(t, func() bool {
		j, err := f.store.GetJob(context.Background(), id)
		if err != nil {
			return false
		}
		job = j
		return j.Status == status
	}, 5*time.Second, 10*time.Millisecond, "job never reached status %q", status)
	return job
}

func TestSubmit_RejectsInvalidCode(t *testing.T) {
	f := newFixture(t, &fakeEngine{})

	_, err := f.orch.Submit(context.Background(), orchestrator.SubmitInput{
		Prompt: "a square",
		Code:   "print('not a scene')",
	})

	var vErr *gen.ValidationError
	require.ErrorAs(t, err, &vErr)

	jobs, err := f.store.ListJobs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, jobs, "rejected submission must not create a record")
}

func TestSubmit_QueuesPendingJob(t *testing.T) {
	f := newFixture(t, &fakeEngine{})

	job, err := f.orch.Submit(context.Background(), orchestrator.SubmitInput{
		Prompt: "a square",
		Code:   validScene,
	})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Equal(t, 0, job.Progress)

	select {
	case id := <-f.archive.queue:
		assert.Equal(t, job.ID, id)
	default:
		t.Fatal("job was not enqueued")
	}
}

func TestSubmit_RetriesEnqueue(t *testing.T) {
	f := newFixture(t, &fakeEngine{})
	f.archive.enqueueErrs = 2

	job, err := f.orch.Submit(context.Background(), orchestrator.SubmitInput{
		Prompt: "a square",
		Code:   validScene,
	})
	require.NoError(t, err)

	select {
	case id := <-f.archive.queue:
		assert.Equal(t, job.ID, id)
	default:
		t.Fatal("job was not enqueued after retries")
	}
}

func TestSubmit_QueueExhausted(t *testing.T) {
	f := newFixture(t, &fakeEngine{})
	f.archive.enqueueErrs = 10

	_, err := f.orch.Submit(context.Background(), orchestrator.SubmitInput{
		Prompt: "a square",
		Code:   validScene,
	})
	assert.ErrorIs(t, err, orchestrator.ErrQueue)

	// The record must not linger as a pending job no worker will ever see.
	jobs, err := f.store.ListJobs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestSubmit_StoreFailure(t *testing.T) {
	f := newFixture(t, &fakeEngine{})
	f.store.createErr = errors.New("database down")

	_, err := f.orch.Submit(context.Background(), orchestrator.SubmitInput{
		Prompt: "a square",
		Code:   validScene,
	})
	assert.ErrorIs(t, err, orchestrator.ErrQueue)
}

func TestWorker_SuccessfulRender(t *testing.T) {
	eng := &fakeEngine{
		lines: [][2]string{
			{models.EventTypeStdout, "Manim Community v0.18.1"},
			{models.EventTypeStderr, "Animation 2: Create(Square): 30/60"},
			{models.EventTypeStderr, "File ready at /output/videos/scene/output.mp4"},
		},
	}
	f := newFixture(t, eng)
	f.start(t)

	job, err := f.orch.Submit(context.Background(), orchestrator.SubmitInput{
		Prompt: "a square",
		Code:   validScene,
	})
	require.NoError(t, err)

	done := waitForStatus(t, f, job.ID, models.JobStatusDone)
	assert.Equal(t, 100, done.Progress)
	require.NotNil(t, done.ArtifactPath)
	assert.Equal(t, "videos/scene/720p30/output.mp4", *done.ArtifactPath)
	assert.Nil(t, done.ErrorMessage)
	assert.Equal(t, 1, done.AttemptsMade)
	assert.NotNil(t, done.CompletedAt)

	events, err := f.orch.ListOutput(context.Background(), job.ID)
	require.NoError(t, err)
	var types []string
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, models.EventTypeStdout)
	assert.Contains(t, types, models.EventTypeProgress)
	assert.Contains(t, types, models.EventTypeInfo)

	f.bus.mu.Lock()
	defer f.bus.mu.Unlock()
	require.NotEmpty(t, f.bus.jobs)
	assert.Equal(t, models.JobStatusDone, f.bus.jobs[len(f.bus.jobs)-1].Status)
}

func TestWorker_RetriesThenSucceeds(t *testing.T) {
	eng := &fakeEngine{
		outcomes: []error{
			&sandbox.ExitError{Kind: sandbox.ExitPermission, Code: 1, Message: "render failed: permission denied in sandbox"},
			nil,
		},
	}
	f := newFixture(t, eng)
	f.start(t)

	job, err := f.orch.Submit(context.Background(), orchestrator.SubmitInput{
		Prompt: "a square",
		Code:   validScene,
	})
	require.NoError(t, err)

	done := waitForStatus(t, f, job.ID, models.JobStatusDone)
	assert.Equal(t, 2, done.AttemptsMade)

	eng.mu.Lock()
	defer eng.mu.Unlock()
	require.Len(t, eng.calls, 2)
	assert.Equal(t, 1, eng.calls[0].Attempt)
	assert.Equal(t, 2, eng.calls[1].Attempt)
}

func TestWorker_ExhaustsRetries(t *testing.T) {
	exitErr := &sandbox.ExitError{
		Kind:    sandbox.ExitProgram,
		Code:    1,
		Message: "render failed: scene code raised an error",
		Stderr:  "NameError: name 'Sqaure' is not defined",
	}
	eng := &fakeEngine{outcomes: []error{exitErr, exitErr}}
	f := newFixture(t, eng)
	f.start(t)

	job, err := f.orch.Submit(context.Background(), orchestrator.SubmitInput{
		Prompt: "a square",
		Code:   validScene,
	})
	require.NoError(t, err)

	failed := waitForStatus(t, f, job.ID, models.JobStatusError)
	assert.Equal(t, 2, failed.AttemptsMade)
	require.NotNil(t, failed.ErrorMessage)
	assert.Contains(t, *failed.ErrorMessage, "scene code raised an error")
	assert.Contains(t, *failed.ErrorMessage, "NameError")

	assert.Equal(t, 2, eng.callCount())
	require.Eventually(t, func() bool { return f.sweeper.sweepCount() > 0 },
		time.Second, 10*time.Millisecond)
}

func TestWorker_KilledIsNotRetried(t *testing.T) {
	eng := &fakeEngine{outcomes: []error{sandbox.ErrKilled, nil}}
	f := newFixture(t, eng)
	f.start(t)

	job, err := f.orch.Submit(context.Background(), orchestrator.SubmitInput{
		Prompt: "a square",
		Code:   validScene,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return f.sweeper.sweepCount() > 0 },
		5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, eng.callCount(), "killed attempt must not be retried")

	got, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.NotEqual(t, models.JobStatusDone, got.Status)
}

func TestForceKill_RunningJob(t *testing.T) {
	eng := &fakeEngine{block: true}
	f := newFixture(t, eng)
	f.start(t)

	job, err := f.orch.Submit(context.Background(), orchestrator.SubmitInput{
		Prompt: "a square",
		Code:   validScene,
	})
	require.NoError(t, err)

	waitForStatus(t, f, job.ID, models.JobStatusRunning)

	require.NoError(t, f.orch.ForceKill(context.Background(), job.ID))

	killed := waitForStatus(t, f, job.ID, models.JobStatusError)
	require.NotNil(t, killed.ErrorMessage)
	assert.Contains(t, *killed.ErrorMessage, "killed")
	assert.GreaterOrEqual(t, f.sweeper.sweepCount(), 1)
}

// stubbornEngine ignores cancellation and reports success once released,
// reproducing a render that finishes in the instant between a kill and the
// worker's completion write.
type stubbornEngine struct {
	release chan struct{}
}

func (e *stubbornEngine) Run(ctx context.Context, in sandbox.RunInput) (string, error) {
	<-e.release
	return "videos/scene/720p30/output.mp4", nil
}

func TestForceKill_WinsOverLateCompletion(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, &fakeEngine{})
	f.orch = orchestrator.New(f.store, f.archive, &stubbornEngine{release: release}, f.sweeper, f.bus, orchestrator.Config{
		Workers:    1,
		MaxRetries: 1,
		Backoff:    10 * time.Millisecond,
	})
	f.start(t)

	job, err := f.orch.Submit(context.Background(), orchestrator.SubmitInput{
		Prompt: "a square",
		Code:   validScene,
	})
	require.NoError(t, err)

	waitForStatus(t, f, job.ID, models.JobStatusRunning)
	require.NoError(t, f.orch.ForceKill(context.Background(), job.ID))

	killed := waitForStatus(t, f, job.ID, models.JobStatusError)
	require.NotNil(t, killed.ErrorMessage)

	// Let the render finish after the kill; its completion write must lose.
	close(release)
	assert.Never(t, func() bool {
		got, err := f.store.GetJob(context.Background(), job.ID)
		return err == nil && got.Status == models.JobStatusDone
	}, 500*time.Millisecond, 20*time.Millisecond,
		"a killed job must not be resurrected by a late completion")

	got, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusError, got.Status)
	assert.Contains(t, *got.ErrorMessage, "killed")
}

func TestWorker_TimeoutClassified(t *testing.T) {
	eng := &fakeEngine{outcomes: []error{sandbox.ErrTimeout, sandbox.ErrTimeout}}
	f := newFixture(t, eng)
	f.start(t)

	job, err := f.orch.Submit(context.Background(), orchestrator.SubmitInput{
		Prompt: "a square",
		Code:   validScene,
	})
	require.NoError(t, err)

	failed := waitForStatus(t, f, job.ID, models.JobStatusError)
	assert.Equal(t, 2, failed.AttemptsMade)
	require.NotNil(t, failed.ErrorMessage)
	assert.Contains(t, *failed.ErrorMessage, "timed out")

	require.Eventually(t, func() bool { return f.sweeper.sweepCount() > 0 },
		time.Second, 10*time.Millisecond)
}

func TestForceKill_NotFound(t *testing.T) {
	f := newFixture(t, &fakeEngine{})
	err := f.orch.ForceKill(context.Background(), uuid.New())
	assert.ErrorIs(t, err, orchestrator.ErrNotFound)
}

func TestDelete_Idempotent(t *testing.T) {
	f := newFixture(t, &fakeEngine{})

	job, err := f.orch.Submit(context.Background(), orchestrator.SubmitInput{
		Prompt: "a square",
		Code:   validScene,
	})
	require.NoError(t, err)
	require.NoError(t, f.archive.Append(context.Background(), job.ID, models.OutputEvent{
		Type: models.EventTypeInfo, Data: "queued", Timestamp: time.Now().UTC(),
	}))

	require.NoError(t, f.orch.Delete(context.Background(), job.ID))
	require.NoError(t, f.orch.Delete(context.Background(), job.ID))

	_, err = f.orch.GetStatus(context.Background(), job.ID)
	assert.ErrorIs(t, err, orchestrator.ErrNotFound)

	events, err := f.orch.ListOutput(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Equal(t, 2, f.sweeper.cleanupCount())
}

func TestDelete_BeforeClaimSkipsRender(t *testing.T) {
	eng := &fakeEngine{}
	f := newFixture(t, eng)

	job, err := f.orch.Submit(context.Background(), orchestrator.SubmitInput{
		Prompt: "a square",
		Code:   validScene,
	})
	require.NoError(t, err)
	require.NoError(t, f.orch.Delete(context.Background(), job.ID))

	// Start workers only after the delete so the stale queue entry is
	// dequeued with no matching record.
	f.start(t)

	assert.Never(t, func() bool { return eng.callCount() > 0 },
		300*time.Millisecond, 20*time.Millisecond)
}

func TestWorker_SequentialWithinWorker(t *testing.T) {
	var mu sync.Mutex
	active, maxActive := 0, 0
	eng := &fakeEngine{}
	f := newFixture(t, eng)
	f.engine.lines = nil

	gated := &gatedEngine{inner: eng, before: func() {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()
		time.Sleep(50 * time.Millisecond)
	}, after: func() {
		mu.Lock()
		active--
		mu.Unlock()
	}}
	f.orch = orchestrator.New(f.store, f.archive, gated, f.sweeper, nil, orchestrator.Config{
		Workers:    1,
		MaxRetries: 1,
		Backoff:    10 * time.Millisecond,
	})
	f.start(t)

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		job, err := f.orch.Submit(context.Background(), orchestrator.SubmitInput{
			Prompt: "a square",
			Code:   validScene,
		})
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}
	for _, id := range ids {
		waitForStatus(t, f, id, models.JobStatusDone)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxActive, "a single worker must process jobs one at a time")
}

type gatedEngine struct {
	inner  *fakeEngine
	before func()
	after  func()
}

func (g *gatedEngine) Run(ctx context.Context, in sandbox.RunInput) (string, error) {
	g.before()
	defer g.after()
	return g.inner.Run(ctx, in)
}

func TestGetAll_NeverNil(t *testing.T) {
	f := newFixture(t, &fakeEngine{})
	jobs, err := f.orch.GetAll(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, jobs)
	assert.Empty(t, jobs)
}

func TestCompleteJob_RetriesFinalWrite(t *testing.T) {
	eng := &fakeEngine{}
	f := newFixture(t, eng)
	f.store.updateFails = 1
	f.start(t)

	job, err := f.orch.Submit(context.Background(), orchestrator.SubmitInput{
		Prompt: "a square",
		Code:   validScene,
	})
	require.NoError(t, err)

	done := waitForStatus(t, f, job.ID, models.JobStatusDone)
	assert.Equal(t, 100, done.Progress)
}
