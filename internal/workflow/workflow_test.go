package workflow

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beammedia/control-plane/internal/store"
)

type fakeStore struct {
	workflows map[string]*store.Workflow
	runs      map[string]*store.WorkflowRun
}

func newFakeStore() *fakeStore {
	return &fakeStore{workflows: map[string]*store.Workflow{}, runs: map[string]*store.WorkflowRun{}}
}

func (f *fakeStore) InsertWorkflow(ctx context.Context, w *store.Workflow) error {
	cp := *w
	f.workflows[w.ID] = &cp
	return nil
}

func (f *fakeStore) GetWorkflow(ctx context.Context, id string) (*store.Workflow, error) {
	w, ok := f.workflows[id]
	if !ok {
		return nil, assert.AnError
	}
	cp := *w
	return &cp, nil
}

func (f *fakeStore) InsertWorkflowRun(ctx context.Context, r *store.WorkflowRun) error {
	cp := *r
	cp.NodeStates = copyNodeStates(r.NodeStates)
	cp.RuntimeVariables = copyVariables(r.RuntimeVariables)
	f.runs[r.ID] = &cp
	return nil
}

func (f *fakeStore) GetWorkflowRun(ctx context.Context, id string) (*store.WorkflowRun, error) {
	r, ok := f.runs[id]
	if !ok {
		return nil, assert.AnError
	}
	cp := *r
	cp.NodeStates = copyNodeStates(r.NodeStates)
	cp.RuntimeVariables = copyVariables(r.RuntimeVariables)
	return &cp, nil
}

func (f *fakeStore) MergeNodeState(ctx context.Context, runID, nodeID string, state store.NodeState) error {
	r := f.runs[runID]
	if r.NodeStates == nil {
		r.NodeStates = map[string]store.NodeState{}
	}
	r.NodeStates[nodeID] = state
	return nil
}

func (f *fakeStore) MergeRuntimeVariables(ctx context.Context, runID string, vars map[string]json.RawMessage) error {
	r := f.runs[runID]
	if r.RuntimeVariables == nil {
		r.RuntimeVariables = map[string]json.RawMessage{}
	}
	for k, v := range vars {
		r.RuntimeVariables[k] = v
	}
	return nil
}

func (f *fakeStore) UpdateRunStatus(ctx context.Context, runID string, status store.RunStatus, errorNodeID, errorMessage string) error {
	r := f.runs[runID]
	r.Status = status
	r.ErrorNodeID = errorNodeID
	r.ErrorMessage = errorMessage
	return nil
}

type fakeTasks struct {
	created map[string]*store.Task // keyed by task id
	next    int
}

func newFakeTasks() *fakeTasks {
	return &fakeTasks{created: map[string]*store.Task{}}
}

func (f *fakeTasks) CreateTaskForNode(ctx context.Context, accountID string, taskType store.TaskType, config json.RawMessage, resources []store.TaskResource, estimatedUsage int64) (*store.Task, error) {
	t := &store.Task{ID: uuid.NewString(), AccountID: accountID, Type: taskType, Status: store.TaskStatusPending, Resources: resources}
	f.created[t.ID] = t
	return t, nil
}

func (f *fakeTasks) Get(ctx context.Context, taskID string) (*store.Task, error) {
	return f.created[taskID], nil
}

func rawJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

// linearWorkflow builds start -> variable_set -> end, declaring one required
// input variable ("x", no default) and one output ("y", sourced from $var.x).
func linearWorkflow() *store.Workflow {
	return &store.Workflow{
		ID:        "wf-1",
		AccountID: "acct-1",
		Nodes: []store.WorkflowNode{
			{ID: "start", Type: store.NodeStart},
			{ID: "set", Type: store.NodeVariableSet, Config: json.RawMessage(`{"assignments":[{"name":"y","value":"$var.x"}]}`)},
			{ID: "end", Type: store.NodeEnd, Config: json.RawMessage(`{"outputs":[{"name":"final","source":"$var.y"}]}`)},
		},
		Edges: []store.WorkflowEdge{
			{ID: "e1", Type: store.EdgeNormal, Source: "start", Target: "set"},
			{ID: "e2", Type: store.EdgeNormal, Source: "set", Target: "end"},
		},
		Variables: []store.VariableDecl{{Name: "x", Type: "string"}},
	}
}

func newTestEngine() (*Engine, *fakeStore, *fakeTasks) {
	s := newFakeStore()
	tasks := newFakeTasks()
	return New(s, tasks, zerolog.Nop()), s, tasks
}

func TestReconcile_LinearRunCompletes(t *testing.T) {
	e, s, _ := newTestEngine()
	ctx := context.Background()

	w := linearWorkflow()
	require.NoError(t, s.InsertWorkflow(ctx, w))

	run, err := e.CreateRun(ctx, "acct-1", w.ID, store.ExecAll, nil, map[string]json.RawMessage{"x": rawJSON(t, "hello")})
	require.NoError(t, err)

	// Three sequential reconciles: start, then set, then end each become
	// executable one tick after their predecessor completes.
	for i := 0; i < 3; i++ {
		require.NoError(t, e.Reconcile(ctx, run.ID))
	}

	got := s.runs[run.ID]
	assert.Equal(t, store.RunStatusCompleted, got.Status)
	assert.Equal(t, store.NodeStatusCompleted, got.NodeStates["start"].Status)
	assert.Equal(t, store.NodeStatusCompleted, got.NodeStates["set"].Status)
	assert.Equal(t, store.NodeStatusCompleted, got.NodeStates["end"].Status)

	var final string
	require.NoError(t, json.Unmarshal(got.RuntimeVariables["final"], &final))
	assert.Equal(t, "hello", final)
}

func TestReconcile_StartFailsOnMissingRequiredVariable(t *testing.T) {
	e, s, _ := newTestEngine()
	ctx := context.Background()

	w := linearWorkflow()
	require.NoError(t, s.InsertWorkflow(ctx, w))

	run, err := e.CreateRun(ctx, "acct-1", w.ID, store.ExecAll, nil, nil)
	require.NoError(t, err)

	require.NoError(t, e.Reconcile(ctx, run.ID))

	got := s.runs[run.ID]
	assert.Equal(t, store.RunStatusFailed, got.Status)
	assert.Equal(t, "start", got.ErrorNodeID)
}

// conditionWorkflow builds start -> condition -> {a, b} -> end, where a's
// incoming edge requires $var.branch == "a" and b's requires "b".
func conditionWorkflow() *store.Workflow {
	return &store.Workflow{
		ID:        "wf-cond",
		AccountID: "acct-1",
		Nodes: []store.WorkflowNode{
			{ID: "start", Type: store.NodeStart},
			{ID: "cond", Type: store.NodeCondition},
			{ID: "a", Type: store.NodeVariableSet, Config: json.RawMessage(`{"assignments":[{"name":"hit","value":"a"}]}`)},
			{ID: "b", Type: store.NodeVariableSet, Config: json.RawMessage(`{"assignments":[{"name":"hit","value":"b"}]}`)},
			{ID: "end", Type: store.NodeEnd},
		},
		Edges: []store.WorkflowEdge{
			{ID: "e1", Type: store.EdgeNormal, Source: "start", Target: "cond"},
			{ID: "e2", Type: store.EdgeCondition, Source: "cond", Target: "a", Condition: `$var.branch == "a"`},
			{ID: "e3", Type: store.EdgeCondition, Source: "cond", Target: "b", Condition: `$var.branch == "b"`},
			{ID: "e4", Type: store.EdgeNormal, Source: "a", Target: "end"},
			{ID: "e5", Type: store.EdgeNormal, Source: "b", Target: "end"},
		},
		Variables: []store.VariableDecl{{Name: "branch", Type: "string"}},
	}
}

func TestReconcile_ConditionSkipsUnsatisfiedBranch(t *testing.T) {
	e, s, _ := newTestEngine()
	ctx := context.Background()

	w := conditionWorkflow()
	require.NoError(t, s.InsertWorkflow(ctx, w))

	run, err := e.CreateRun(ctx, "acct-1", w.ID, store.ExecAll, nil, map[string]json.RawMessage{"branch": rawJSON(t, "a")})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, e.Reconcile(ctx, run.ID))
	}

	got := s.runs[run.ID]
	assert.Equal(t, store.RunStatusCompleted, got.Status)
	assert.Equal(t, store.NodeStatusCompleted, got.NodeStates["a"].Status)
	assert.Equal(t, store.NodeStatusSkipped, got.NodeStates["b"].Status)
	assert.Equal(t, store.NodeStatusCompleted, got.NodeStates["end"].Status)
}

// taskWorkflow builds start -> motion (task node) -> end.
func taskWorkflow() *store.Workflow {
	return &store.Workflow{
		ID:        "wf-task",
		AccountID: "acct-1",
		Nodes: []store.WorkflowNode{
			{ID: "start", Type: store.NodeStart},
			{ID: "motion", Type: store.NodeVideoMotion, Config: json.RawMessage(`{
				"config": {"imageUrl": "$var.imageUrl", "motionVideoUrl": "https://x/m.mp4"},
				"inputs": [{"type": "image", "source": "$var.imageUrl"}],
				"estimatedUsage": 5
			}`)},
			{ID: "end", Type: store.NodeEnd},
		},
		Edges: []store.WorkflowEdge{
			{ID: "e1", Type: store.EdgeNormal, Source: "start", Target: "motion"},
			{ID: "e2", Type: store.EdgeNormal, Source: "motion", Target: "end"},
		},
		Variables: []store.VariableDecl{{Name: "imageUrl", Type: "string"}},
	}
}

func TestReconcile_TaskNodeSuspendsThenCompletes(t *testing.T) {
	e, s, tasks := newTestEngine()
	ctx := context.Background()

	w := taskWorkflow()
	require.NoError(t, s.InsertWorkflow(ctx, w))

	run, err := e.CreateRun(ctx, "acct-1", w.ID, store.ExecAll, nil, map[string]json.RawMessage{"imageUrl": rawJSON(t, "https://x/i.png")})
	require.NoError(t, err)

	require.NoError(t, e.Reconcile(ctx, run.ID)) // start completes, motion becomes executable
	require.NoError(t, e.Reconcile(ctx, run.ID)) // motion creates the task and suspends

	motionState := s.runs[run.ID].NodeStates["motion"]
	require.Equal(t, store.NodeStatusRunning, motionState.Status)
	require.NotEmpty(t, motionState.TaskID)

	// still processing: another reconcile must not advance past suspend.
	require.NoError(t, e.Reconcile(ctx, run.ID))
	assert.Equal(t, store.NodeStatusRunning, s.runs[run.ID].NodeStates["motion"].Status)

	tasks.created[motionState.TaskID].Status = store.TaskStatusCompleted

	require.NoError(t, e.Reconcile(ctx, run.ID)) // motion completes, end becomes executable
	require.NoError(t, e.Reconcile(ctx, run.ID)) // end completes, run completes

	got := s.runs[run.ID]
	assert.Equal(t, store.NodeStatusCompleted, got.NodeStates["motion"].Status)
	assert.Equal(t, store.RunStatusCompleted, got.Status)
}

func TestReconcile_FailedTaskFailsRun(t *testing.T) {
	e, s, tasks := newTestEngine()
	ctx := context.Background()

	w := taskWorkflow()
	require.NoError(t, s.InsertWorkflow(ctx, w))

	run, err := e.CreateRun(ctx, "acct-1", w.ID, store.ExecAll, nil, map[string]json.RawMessage{"imageUrl": rawJSON(t, "https://x/i.png")})
	require.NoError(t, err)

	require.NoError(t, e.Reconcile(ctx, run.ID))
	require.NoError(t, e.Reconcile(ctx, run.ID))

	motionState := s.runs[run.ID].NodeStates["motion"]
	tasks.created[motionState.TaskID].Status = store.TaskStatusFailed
	tasks.created[motionState.TaskID].ErrorMessage = "provider rejected"

	require.NoError(t, e.Reconcile(ctx, run.ID))

	got := s.runs[run.ID]
	assert.Equal(t, store.RunStatusFailed, got.Status)
	assert.Equal(t, "motion", got.ErrorNodeID)
	assert.Equal(t, "provider rejected", got.ErrorMessage)
}

func TestReconcile_IsNoOpOnAlreadyTerminalRun(t *testing.T) {
	e, s, _ := newTestEngine()
	ctx := context.Background()

	w := linearWorkflow()
	require.NoError(t, s.InsertWorkflow(ctx, w))
	run, err := e.CreateRun(ctx, "acct-1", w.ID, store.ExecAll, nil, map[string]json.RawMessage{"x": rawJSON(t, "v")})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, e.Reconcile(ctx, run.ID))
	}
	require.Equal(t, store.RunStatusCompleted, s.runs[run.ID].Status)

	// calling again after completion must not error or mutate anything.
	require.NoError(t, e.Reconcile(ctx, run.ID))
	assert.Equal(t, store.RunStatusCompleted, s.runs[run.ID].Status)
}
