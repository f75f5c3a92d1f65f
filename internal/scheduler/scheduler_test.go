package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beammedia/control-plane/internal/store"
)

type fakeStore struct {
	mu sync.Mutex

	pending  []store.Task
	due      []store.Task
	running  []store.WorkflowRun
	claimErr error
}

func (f *fakeStore) ClaimPendingTasks(ctx context.Context, limit int) ([]store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	out := f.pending
	f.pending = nil
	return out, nil
}

func (f *fakeStore) ClaimDuePollTasks(ctx context.Context, limit int) ([]store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	out := f.due
	f.due = nil
	return out, nil
}

func (f *fakeStore) ClaimRunningWorkflowRuns(ctx context.Context, limit int) ([]store.WorkflowRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	out := f.running
	f.running = nil
	return out, nil
}

type fakeTasks struct {
	mu        sync.Mutex
	submitted []string
	polled    []string
	failWith  error
	panicOn   string
}

func (f *fakeTasks) Submit(ctx context.Context, taskID string) error {
	if f.panicOn != "" && taskID == f.panicOn {
		panic("boom")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, taskID)
	return f.failWith
}

func (f *fakeTasks) Poll(ctx context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polled = append(f.polled, taskID)
	return nil
}

type fakeWorkflows struct {
	mu          sync.Mutex
	reconciled  []string
}

func (f *fakeWorkflows) Reconcile(ctx context.Context, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconciled = append(f.reconciled, runID)
	return nil
}

func testConfig() Config {
	return Config{
		TaskInterval:     20 * time.Millisecond,
		WorkflowInterval: 20 * time.Millisecond,
		BatchSize:        20,
		Concurrency:      5,
		MaxStartupJitter: 0,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met within timeout")
}

func TestScheduler_DispatchesPendingAndDueTasks(t *testing.T) {
	st := &fakeStore{
		pending: []store.Task{{ID: "t-pending"}},
		due:     []store.Task{{ID: "t-due"}},
	}
	tasks := &fakeTasks{}
	workflows := &fakeWorkflows{}

	s := New(st, tasks, workflows, testConfig(), zerolog.Nop())
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	waitFor(t, time.Second, func() bool {
		tasks.mu.Lock()
		defer tasks.mu.Unlock()
		return len(tasks.submitted) == 1 && len(tasks.polled) == 1
	})

	tasks.mu.Lock()
	assert.Equal(t, []string{"t-pending"}, tasks.submitted)
	assert.Equal(t, []string{"t-due"}, tasks.polled)
	tasks.mu.Unlock()
}

func TestScheduler_DispatchesRunningWorkflowRuns(t *testing.T) {
	st := &fakeStore{running: []store.WorkflowRun{{ID: "run-1"}}}
	tasks := &fakeTasks{}
	workflows := &fakeWorkflows{}

	s := New(st, tasks, workflows, testConfig(), zerolog.Nop())
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	waitFor(t, time.Second, func() bool {
		workflows.mu.Lock()
		defer workflows.mu.Unlock()
		return len(workflows.reconciled) == 1
	})

	workflows.mu.Lock()
	assert.Equal(t, []string{"run-1"}, workflows.reconciled)
	workflows.mu.Unlock()
}

func TestScheduler_ClaimErrorDoesNotStopSubsequentTicks(t *testing.T) {
	st := &fakeStore{claimErr: assert.AnError}
	tasks := &fakeTasks{}
	workflows := &fakeWorkflows{}

	s := New(st, tasks, workflows, testConfig(), zerolog.Nop())
	require.NoError(t, s.Start(context.Background()))

	// let a couple of ticks pass while every claim fails
	time.Sleep(60 * time.Millisecond)

	// clear the error and supply work; the loop must still be alive
	st.mu.Lock()
	st.claimErr = nil
	st.pending = []store.Task{{ID: "t-recovered"}}
	st.mu.Unlock()

	waitFor(t, time.Second, func() bool {
		tasks.mu.Lock()
		defer tasks.mu.Unlock()
		return len(tasks.submitted) == 1
	})
	s.Stop()
}

func TestScheduler_PanicInOneRowDoesNotAffectOthers(t *testing.T) {
	st := &fakeStore{pending: []store.Task{{ID: "bad"}, {ID: "good"}}}
	tasks := &fakeTasks{panicOn: "bad"}
	workflows := &fakeWorkflows{}

	s := New(st, tasks, workflows, testConfig(), zerolog.Nop())
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	waitFor(t, time.Second, func() bool {
		tasks.mu.Lock()
		defer tasks.mu.Unlock()
		for _, id := range tasks.submitted {
			if id == "good" {
				return true
			}
		}
		return false
	})
}

func TestScheduler_StopDrainsInFlightWork(t *testing.T) {
	st := &fakeStore{pending: []store.Task{{ID: "t-1"}}}
	tasks := &fakeTasks{}
	workflows := &fakeWorkflows{}

	s := New(st, tasks, workflows, testConfig(), zerolog.Nop())
	require.NoError(t, s.Start(context.Background()))

	waitFor(t, time.Second, func() bool {
		tasks.mu.Lock()
		defer tasks.mu.Unlock()
		return len(tasks.submitted) == 1
	})

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
}
