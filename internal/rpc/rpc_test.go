package rpc

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/beammedia/control-plane/internal/cache"
	"github.com/beammedia/control-plane/internal/errs"
	"github.com/beammedia/control-plane/internal/store"
	"github.com/beammedia/control-plane/internal/task"
)

type fakeBalanceStore struct {
	account *store.Account
	err     error
}

func (f *fakeBalanceStore) GetAccount(ctx context.Context, accountID string) (*store.Account, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.account, nil
}

type fakeBalanceCache struct {
	balance int64
	miss    bool
	set     map[string]int64
}

func (f *fakeBalanceCache) GetBalance(ctx context.Context, accountID string) (int64, error) {
	if f.miss {
		return 0, cache.ErrMiss
	}
	return f.balance, nil
}

func (f *fakeBalanceCache) SetBalance(ctx context.Context, accountID string, balance int64) error {
	if f.set == nil {
		f.set = map[string]int64{}
	}
	f.set[accountID] = balance
	return nil
}

func TestAccountServer_GetBalance_ServesFromCacheOnHit(t *testing.T) {
	c := &fakeBalanceCache{balance: 500}
	srv := NewAccountServer(&fakeBalanceStore{}, c)

	resp, err := srv.GetBalance(context.Background(), &GetBalanceRequest{AccountID: "acct-1"})

	require.NoError(t, err)
	assert.Equal(t, int64(500), resp.Balance)
}

func TestAccountServer_GetBalance_FallsThroughToStoreOnMissAndRepopulates(t *testing.T) {
	c := &fakeBalanceCache{miss: true}
	st := &fakeBalanceStore{account: &store.Account{ID: "acct-1", Balance: 750}}
	srv := NewAccountServer(st, c)

	resp, err := srv.GetBalance(context.Background(), &GetBalanceRequest{AccountID: "acct-1"})

	require.NoError(t, err)
	assert.Equal(t, int64(750), resp.Balance)
	assert.Equal(t, int64(750), c.set["acct-1"])
}

// fakeTaskEngine implements TaskEngine. Unlike the teacher's BalanceService
// (hard-wired to a concrete *ledger.Ledger), TaskServer depends on an
// interface, so it's directly mockable here without a database.
type fakeTaskEngine struct {
	createErr error
	task      *store.Task
	listErr   error
	tasks     []store.Task
	gotInputs []task.InputRef
}

func (f *fakeTaskEngine) CreateTask(ctx context.Context, accountID string, taskType store.TaskType, config json.RawMessage, inputs []task.InputRef, estimatedUsage int64) (*store.Task, error) {
	f.gotInputs = inputs
	if f.createErr != nil {
		return nil, f.createErr
	}
	return f.task, nil
}

func (f *fakeTaskEngine) Get(ctx context.Context, taskID string) (*store.Task, error) {
	if f.task == nil {
		return nil, errs.ErrNotFound
	}
	return f.task, nil
}

func (f *fakeTaskEngine) List(ctx context.Context, accountID string, status store.TaskStatus, limit int) ([]store.Task, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.tasks, nil
}

func (f *fakeTaskEngine) Cancel(ctx context.Context, taskID string) (*store.Task, error) {
	return f.task, nil
}

func TestTaskServer_CreateTask_MapsInputsAndReturnsTask(t *testing.T) {
	want := &store.Task{ID: "task-1", Status: store.TaskStatusPending}
	eng := &fakeTaskEngine{task: want}
	srv := NewTaskServer(eng)

	resp, err := srv.CreateTask(context.Background(), &CreateTaskRequest{
		AccountID: "acct-1",
		Type:      store.TaskTypeMotion,
		Inputs:    []InputRef{{TempKey: "tmp/1", Filename: "a.png", Type: store.ResourceImage}},
	})

	require.NoError(t, err)
	assert.Same(t, want, resp.Task)
	require.Len(t, eng.gotInputs, 1)
	assert.Equal(t, task.InputRef{TempKey: "tmp/1", Filename: "a.png", Type: store.ResourceImage}, eng.gotInputs[0])
}

func TestTaskServer_CreateTask_TranslatesInsufficientBalance(t *testing.T) {
	eng := &fakeTaskEngine{createErr: errs.ErrInsufficientBalance}
	srv := NewTaskServer(eng)

	_, err := srv.CreateTask(context.Background(), &CreateTaskRequest{AccountID: "acct-1"})

	require.Error(t, err)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestTaskServer_GetTask_TranslatesNotFound(t *testing.T) {
	srv := NewTaskServer(&fakeTaskEngine{})

	_, err := srv.GetTask(context.Background(), &GetTaskRequest{TaskID: "missing"})

	require.Error(t, err)
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestTaskServer_ListTasks_TranslatesUnclassifiedErrorToInternal(t *testing.T) {
	srv := NewTaskServer(&fakeTaskEngine{listErr: assert.AnError})

	_, err := srv.ListTasks(context.Background(), &ListTasksRequest{AccountID: "acct-1"})

	require.Error(t, err)
	assert.Equal(t, codes.Internal, status.Code(err))
}

// fakeWorkflowEngine implements WorkflowEngine.
type fakeWorkflowEngine struct {
	workflow *store.Workflow
	run      *store.WorkflowRun
	runErr   error
}

func (f *fakeWorkflowEngine) CreateWorkflow(ctx context.Context, accountID, name string, nodes []store.WorkflowNode, edges []store.WorkflowEdge, variables []store.VariableDecl) (*store.Workflow, error) {
	return f.workflow, nil
}

func (f *fakeWorkflowEngine) GetWorkflow(ctx context.Context, id string) (*store.Workflow, error) {
	return f.workflow, nil
}

func (f *fakeWorkflowEngine) CreateRun(ctx context.Context, accountID, workflowID string, mode store.ExecMode, startNodeIDs []string, runtimeVariables map[string]json.RawMessage) (*store.WorkflowRun, error) {
	if f.runErr != nil {
		return nil, f.runErr
	}
	return f.run, nil
}

func (f *fakeWorkflowEngine) GetRun(ctx context.Context, id string) (*store.WorkflowRun, error) {
	return f.run, nil
}

func TestWorkflowServer_CreateRun_ReturnsRun(t *testing.T) {
	want := &store.WorkflowRun{ID: "run-1", Status: store.RunStatusRunning}
	srv := NewWorkflowServer(&fakeWorkflowEngine{run: want})

	resp, err := srv.CreateRun(context.Background(), &CreateRunRequest{AccountID: "acct-1", WorkflowID: "wf-1", Mode: store.ExecAll})

	require.NoError(t, err)
	assert.Same(t, want, resp.Run)
}

func TestWorkflowServer_CreateRun_TranslatesInvalidInput(t *testing.T) {
	srv := NewWorkflowServer(&fakeWorkflowEngine{runErr: errs.New(errs.KindInvalidInput, "unknown start node")})

	_, err := srv.CreateRun(context.Background(), &CreateRunRequest{AccountID: "acct-1", WorkflowID: "wf-1"})

	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}
