package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beammedia/control-plane/internal/errs"
	"github.com/beammedia/control-plane/internal/provider"
	"github.com/beammedia/control-plane/internal/store"
)

// fakeStore implements Store in memory for exercising the engine's
// transition logic without a live Postgres instance.
type fakeStore struct {
	tasks     map[string]*store.Task
	resources map[string][]store.TaskResource // by task id
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: map[string]*store.Task{}, resources: map[string][]store.TaskResource{}}
}

func (f *fakeStore) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return fn(nil)
}

func (f *fakeStore) InsertTask(ctx context.Context, tx *sql.Tx, t *store.Task) error {
	cp := *t
	f.tasks[t.ID] = &cp
	return nil
}

func (f *fakeStore) InsertTaskResourceTx(ctx context.Context, tx *sql.Tx, r *store.TaskResource) error {
	return f.InsertTaskResource(ctx, r)
}

func (f *fakeStore) InsertTaskResource(ctx context.Context, r *store.TaskResource) error {
	f.resources[r.TaskID] = append(f.resources[r.TaskID], *r)
	return nil
}

func (f *fakeStore) GetTask(ctx context.Context, id string) (*store.Task, error) {
	t, ok := f.tasks[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *t
	cp.Resources = append([]store.TaskResource(nil), f.resources[id]...)
	return &cp, nil
}

func (f *fakeStore) UpdateTask(ctx context.Context, t *store.Task) error {
	cp := *t
	f.tasks[t.ID] = &cp
	return nil
}

func (f *fakeStore) ListTasks(ctx context.Context, accountID string, status store.TaskStatus, limit int) ([]store.Task, error) {
	var out []store.Task
	for _, t := range f.tasks {
		if t.AccountID == accountID && (status == "" || t.Status == status) {
			out = append(out, *t)
		}
	}
	return out, nil
}

// fakeLedger implements Ledger in memory, tracking balance and transactions
// without needing internal/ledger's own store abstraction.
type fakeLedger struct {
	balance      int64
	transactions []store.Transaction
}

func (l *fakeLedger) DebitTx(ctx context.Context, tx *sql.Tx, accountID, taskID string, amount int64, category store.TransactionCategory) (*store.Transaction, error) {
	after := l.balance - amount
	if after < 0 {
		return nil, errs.ErrInsufficientBalance
	}
	l.balance = after
	txn := store.Transaction{ID: uuid.NewString(), AccountID: accountID, Category: category, Amount: -amount, TaskID: taskID}
	l.transactions = append(l.transactions, txn)
	return &txn, nil
}

func (l *fakeLedger) Credit(ctx context.Context, accountID, taskID string, amount int64, category store.TransactionCategory) (*store.Transaction, error) {
	l.balance += amount
	txn := store.Transaction{ID: uuid.NewString(), AccountID: accountID, Category: category, Amount: amount, TaskID: taskID}
	l.transactions = append(l.transactions, txn)
	return &txn, nil
}

func (l *fakeLedger) Settle(ctx context.Context, accountID, taskID string, estimatedCost, actualCost int64) (*store.Transaction, error) {
	delta := estimatedCost - actualCost
	l.balance += delta
	category := store.CategoryTaskRefund
	if delta < 0 {
		category = store.CategoryTaskCharge
	}
	txn := store.Transaction{ID: uuid.NewString(), AccountID: accountID, Category: category, Amount: delta, TaskID: taskID}
	l.transactions = append(l.transactions, txn)
	return &txn, nil
}

type fakePricing struct{ price int64 }

func (p *fakePricing) Cost(taskType store.TaskType, usage int64) (int64, error) {
	if usage < 1 {
		usage = 1
	}
	return usage * p.price, nil
}

type fakeObjects struct {
	copied  map[string]bool
	deleted map[string]bool
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{copied: map[string]bool{}, deleted: map[string]bool{}}
}

func (o *fakeObjects) Put(ctx context.Context, key string, content io.Reader) (string, error) {
	o.copied[key] = true
	return "https://store/" + key, nil
}

func (o *fakeObjects) Copy(ctx context.Context, srcKey, dstKey string) (string, error) {
	o.copied[dstKey] = true
	return "https://store/" + dstKey, nil
}

func (o *fakeObjects) Delete(ctx context.Context, key string) error {
	o.deleted[key] = true
	delete(o.copied, key)
	return nil
}

func (o *fakeObjects) Presign(ctx context.Context, key string) (string, error) {
	return "https://store/" + key + "?presigned=1", nil
}

type fakeAdapter struct {
	submitResult provider.SubmitResult
	submitErr    error
	pollResult   provider.PollResult
	pollErr      error
}

func (a *fakeAdapter) Submit(ctx context.Context, inputs, config json.RawMessage) (provider.SubmitResult, error) {
	return a.submitResult, a.submitErr
}

func (a *fakeAdapter) Poll(ctx context.Context, externalID string, config json.RawMessage) (provider.PollResult, error) {
	return a.pollResult, a.pollErr
}

type fakeAdapters struct {
	adapters map[store.TaskType]provider.Adapter
}

func (a *fakeAdapters) For(t store.TaskType) (provider.Adapter, bool) {
	ad, ok := a.adapters[t]
	return ad, ok
}

func newTestEngine(t *testing.T, adapter *fakeAdapter, price int64) (*Engine, *fakeStore, *fakeLedger, *fakeObjects) {
	t.Helper()
	schemas, err := NewSchemaRegistry()
	require.NoError(t, err)

	s := newFakeStore()
	l := &fakeLedger{balance: 100000}
	p := &fakePricing{price: price}
	objs := newFakeObjects()
	adapters := &fakeAdapters{adapters: map[store.TaskType]provider.Adapter{store.TaskTypeMotion: adapter}}

	e := New(s, l, p, adapters, objs, schemas, DefaultConfig(), zerolog.Nop())
	return e, s, l, objs
}

func motionConfig() json.RawMessage {
	return json.RawMessage(`{"imageUrl":"https://x/i.png","motionVideoUrl":"https://x/m.mp4"}`)
}

func TestCreateTask_DebitsAndInsertsAtomically(t *testing.T) {
	e, s, l, _ := newTestEngine(t, &fakeAdapter{}, 200)
	ctx := context.Background()

	task, err := e.CreateTask(ctx, "acct-1", store.TaskTypeMotion, motionConfig(), nil, 5)
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusPending, task.Status)
	assert.Equal(t, int64(1000), task.EstimatedCost)
	assert.Equal(t, int64(100000-1000), l.balance)
	assert.Contains(t, s.tasks, task.ID)
}

func TestCreateTask_RejectsInvalidConfig(t *testing.T) {
	e, _, _, _ := newTestEngine(t, &fakeAdapter{}, 200)
	ctx := context.Background()

	_, err := e.CreateTask(ctx, "acct-1", store.TaskTypeMotion, json.RawMessage(`{}`), nil, 5)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindInvalidInput))
}

func TestCreateTask_InsufficientBalanceLeavesNoTask(t *testing.T) {
	e, s, l, _ := newTestEngine(t, &fakeAdapter{}, 200)
	l.balance = 100
	ctx := context.Background()

	_, err := e.CreateTask(ctx, "acct-1", store.TaskTypeMotion, motionConfig(), nil, 5)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindInsufficientBalance))
	assert.Empty(t, s.tasks)
	assert.Equal(t, int64(100), l.balance) // unchanged
}

func TestSubmit_SuccessTransitionsToProcessing(t *testing.T) {
	adapter := &fakeAdapter{submitResult: provider.SubmitResult{ExternalID: "ext-1"}}
	e, s, _, _ := newTestEngine(t, adapter, 200)
	ctx := context.Background()

	task, err := e.CreateTask(ctx, "acct-1", store.TaskTypeMotion, motionConfig(), nil, 5)
	require.NoError(t, err)

	require.NoError(t, e.Submit(ctx, task.ID))

	got := s.tasks[task.ID]
	assert.Equal(t, store.TaskStatusProcessing, got.Status)
	assert.Equal(t, "ext-1", got.ExternalTaskID)
	require.NotNil(t, got.NextPollAt)
}

func TestSubmit_TerminalErrorFailsAndRefunds(t *testing.T) {
	adapter := &fakeAdapter{submitErr: &provider.SubmitError{Kind: provider.ErrTerminal, Message: "policy violation"}}
	e, s, l, _ := newTestEngine(t, adapter, 200)
	ctx := context.Background()

	task, err := e.CreateTask(ctx, "acct-1", store.TaskTypeMotion, motionConfig(), nil, 5)
	require.NoError(t, err)
	balanceAfterCreate := l.balance

	require.NoError(t, e.Submit(ctx, task.ID))

	got := s.tasks[task.ID]
	assert.Equal(t, store.TaskStatusFailed, got.Status)
	assert.Equal(t, int64(0), *got.ActualCost)
	assert.Equal(t, balanceAfterCreate+task.EstimatedCost, l.balance) // fully refunded
}

func TestSubmit_RetryableErrorIncrementsRetryThenFailsAfterMax(t *testing.T) {
	adapter := &fakeAdapter{submitErr: &provider.SubmitError{Kind: provider.ErrRetryable, Message: "provider 503"}}
	e, s, l, _ := newTestEngine(t, adapter, 200)
	ctx := context.Background()

	task, err := e.CreateTask(ctx, "acct-1", store.TaskTypeMotion, motionConfig(), nil, 5)
	require.NoError(t, err)

	for i := 0; i < DefaultConfig().MaxRetries; i++ {
		require.NoError(t, e.Submit(ctx, task.ID))
		got := s.tasks[task.ID]
		assert.Equal(t, store.TaskStatusPending, got.Status)
		assert.Equal(t, i+1, got.RetryCount)
		require.NotNil(t, got.NextRetryAt)
	}

	// one more attempt exceeds maxRetries and fails the task
	require.NoError(t, e.Submit(ctx, task.ID))
	got := s.tasks[task.ID]
	assert.Equal(t, store.TaskStatusFailed, got.Status)
	assert.Equal(t, int64(100000), l.balance) // fully refunded back to the starting balance
}

func TestPoll_DoneCompletesAndSettles(t *testing.T) {
	adapter := &fakeAdapter{
		submitResult: provider.SubmitResult{ExternalID: "ext-1"},
		pollResult: provider.PollResult{
			Outcome: provider.PollDone,
			Outputs: []provider.Output{{Type: store.ResourceVideo, URL: "https://provider/out.mp4"}},
			Usage:   5,
		},
	}
	e, s, l, _ := newTestEngine(t, adapter, 200)
	ctx := context.Background()

	task, err := e.CreateTask(ctx, "acct-1", store.TaskTypeMotion, motionConfig(), nil, 5)
	require.NoError(t, err)
	require.NoError(t, e.Submit(ctx, task.ID))

	balanceBeforePoll := l.balance
	require.NoError(t, e.Poll(ctx, task.ID))

	got := s.tasks[task.ID]
	assert.Equal(t, store.TaskStatusCompleted, got.Status)
	assert.Equal(t, int64(1000), *got.ActualCost)
	assert.Equal(t, balanceBeforePoll, l.balance) // usage matched estimate, no further movement
	assert.Len(t, s.resources[task.ID], 1)
}

func TestPoll_PendingReschedulesWithoutStateChange(t *testing.T) {
	adapter := &fakeAdapter{
		submitResult: provider.SubmitResult{ExternalID: "ext-1"},
		pollResult:   provider.PollResult{Outcome: provider.PollPending},
	}
	e, s, _, _ := newTestEngine(t, adapter, 200)
	ctx := context.Background()

	task, err := e.CreateTask(ctx, "acct-1", store.TaskTypeMotion, motionConfig(), nil, 5)
	require.NoError(t, err)
	require.NoError(t, e.Submit(ctx, task.ID))
	firstNextPoll := *s.tasks[task.ID].NextPollAt

	require.NoError(t, e.Poll(ctx, task.ID))

	got := s.tasks[task.ID]
	assert.Equal(t, store.TaskStatusProcessing, got.Status)
	assert.True(t, got.NextPollAt.After(firstNextPoll) || got.NextPollAt.Equal(firstNextPoll))
}

func TestPoll_FailedRefundsInFull(t *testing.T) {
	adapter := &fakeAdapter{
		submitResult: provider.SubmitResult{ExternalID: "ext-1"},
		pollResult:   provider.PollResult{Outcome: provider.PollFailed, Kind: "terminal", Message: "provider rejected"},
	}
	e, s, l, _ := newTestEngine(t, adapter, 200)
	ctx := context.Background()

	task, err := e.CreateTask(ctx, "acct-1", store.TaskTypeMotion, motionConfig(), nil, 5)
	require.NoError(t, err)
	require.NoError(t, e.Submit(ctx, task.ID))

	require.NoError(t, e.Poll(ctx, task.ID))

	got := s.tasks[task.ID]
	assert.Equal(t, store.TaskStatusFailed, got.Status)
	assert.Equal(t, int64(100000), l.balance)
}

func TestPoll_AbortsIfTaskNoLongerProcessing(t *testing.T) {
	adapter := &fakeAdapter{pollResult: provider.PollResult{Outcome: provider.PollDone}}
	e, s, _, _ := newTestEngine(t, adapter, 200)
	ctx := context.Background()

	task, err := e.CreateTask(ctx, "acct-1", store.TaskTypeMotion, motionConfig(), nil, 5)
	require.NoError(t, err)
	// task is still pending (never submitted); poll must no-op rather than
	// act on a status it doesn't recognize as processing.
	require.NoError(t, e.Poll(ctx, task.ID))
	assert.Equal(t, store.TaskStatusPending, s.tasks[task.ID].Status)
}

func TestCancel_FromPendingRefundsFull(t *testing.T) {
	e, s, l, _ := newTestEngine(t, &fakeAdapter{}, 200)
	ctx := context.Background()

	task, err := e.CreateTask(ctx, "acct-1", store.TaskTypeMotion, motionConfig(), nil, 5)
	require.NoError(t, err)
	balanceAfterCreate := l.balance

	got, err := e.Cancel(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusCancelled, got.Status)
	assert.Equal(t, balanceAfterCreate+task.EstimatedCost, l.balance)
	assert.Equal(t, store.TaskStatusCancelled, s.tasks[task.ID].Status)
}

func TestCancel_AlreadyTerminalIsNoOp(t *testing.T) {
	adapter := &fakeAdapter{submitErr: &provider.SubmitError{Kind: provider.ErrTerminal, Message: "rejected"}}
	e, _, l, _ := newTestEngine(t, adapter, 200)
	ctx := context.Background()

	task, err := e.CreateTask(ctx, "acct-1", store.TaskTypeMotion, motionConfig(), nil, 5)
	require.NoError(t, err)
	require.NoError(t, e.Submit(ctx, task.ID)) // fails + refunds
	balanceAfterFail := l.balance

	got, err := e.Cancel(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusFailed, got.Status) // unchanged, not re-cancelled
	assert.Equal(t, balanceAfterFail, l.balance)         // no double refund
}

func TestPoll_TimeoutFailsStuckTask(t *testing.T) {
	adapter := &fakeAdapter{
		submitResult: provider.SubmitResult{ExternalID: "ext-1"},
		pollResult:   provider.PollResult{Outcome: provider.PollPending},
	}
	e, s, l, _ := newTestEngine(t, adapter, 200)
	e.cfg.AsyncTimeout = time.Millisecond
	ctx := context.Background()

	task, err := e.CreateTask(ctx, "acct-1", store.TaskTypeMotion, motionConfig(), nil, 5)
	require.NoError(t, err)
	require.NoError(t, e.Submit(ctx, task.ID))

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, e.Poll(ctx, task.ID))

	got := s.tasks[task.ID]
	assert.Equal(t, store.TaskStatusFailed, got.Status)
	assert.Equal(t, int64(100000), l.balance)
}
