// Package workflow implements the Workflow Engine (spec §4.H): validates and
// persists DAG definitions, starts runs, and advances a single run one
// reconcile step at a time. Grounded on zerostate's DAGExecutor for node
// dispatch/status transitions and on rezkam/mono's reconciliation loop for
// the idempotent "claim, do bounded work, never blow up the caller"
// discipline that internal/scheduler wraps around Reconcile.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/beammedia/control-plane/internal/errs"
	"github.com/beammedia/control-plane/internal/store"
	"github.com/beammedia/control-plane/internal/workflow/expr"
	"github.com/beammedia/control-plane/internal/workflow/graph"
)

// Store is the subset of *store.Postgres the Workflow Engine depends on.
type Store interface {
	InsertWorkflow(ctx context.Context, w *store.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*store.Workflow, error)
	InsertWorkflowRun(ctx context.Context, r *store.WorkflowRun) error
	GetWorkflowRun(ctx context.Context, id string) (*store.WorkflowRun, error)
	MergeNodeState(ctx context.Context, runID, nodeID string, state store.NodeState) error
	MergeRuntimeVariables(ctx context.Context, runID string, vars map[string]json.RawMessage) error
	UpdateRunStatus(ctx context.Context, runID string, status store.RunStatus, errorNodeID, errorMessage string) error
}

// TaskEngine is the subset of *task.Engine task-node handlers dispatch into.
type TaskEngine interface {
	CreateTaskForNode(ctx context.Context, accountID string, taskType store.TaskType, config json.RawMessage, resources []store.TaskResource, estimatedUsage int64) (*store.Task, error)
	Get(ctx context.Context, taskID string) (*store.Task, error)
}

// Engine is the Workflow Engine.
type Engine struct {
	store Store
	tasks TaskEngine
	log   zerolog.Logger
}

// New builds a Workflow Engine.
func New(s Store, t TaskEngine, logger zerolog.Logger) *Engine {
	return &Engine{store: s, tasks: t, log: logger.With().Str("component", "workflow_engine").Logger()}
}

// CreateWorkflow validates a DAG definition (acyclic, every edge endpoint
// exists — spec §3's Workflow invariant) and persists it.
func (e *Engine) CreateWorkflow(ctx context.Context, accountID, name string, nodes []store.WorkflowNode, edges []store.WorkflowEdge, variables []store.VariableDecl) (*store.Workflow, error) {
	w := &store.Workflow{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Name:      name,
		Version:   1,
		Nodes:     nodes,
		Edges:     edges,
		Variables: variables,
	}

	g, err := graph.New(w)
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidInput, "invalid workflow graph", err)
	}
	if g.HasCycle() {
		return nil, errs.New(errs.KindInvalidInput, "workflow graph contains a cycle")
	}

	if err := e.store.InsertWorkflow(ctx, w); err != nil {
		return nil, fmt.Errorf("insert workflow: %w", err)
	}
	return w, nil
}

// GetWorkflow reads a workflow definition.
func (e *Engine) GetWorkflow(ctx context.Context, id string) (*store.Workflow, error) {
	return e.store.GetWorkflow(ctx, id)
}

// CreateRun starts a new run of a workflow: validates the execution-start
// resolution eagerly (spec §6's "Workflow run create"), then persists a
// running WorkflowRun seeded with the caller's runtime variables. The first
// Reconcile call (driven by the scheduler) does the actual node dispatch.
func (e *Engine) CreateRun(ctx context.Context, accountID, workflowID string, mode store.ExecMode, startNodeIDs []string, runtimeVariables map[string]json.RawMessage) (*store.WorkflowRun, error) {
	w, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, errs.Wrap(errs.KindNotFound, "get workflow", err)
	}
	if w.AccountID != accountID {
		return nil, errs.New(errs.KindInvalidInput, "workflow does not belong to account")
	}

	g, err := graph.New(w)
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidInput, "invalid workflow graph", err)
	}
	if _, err := g.ExecutionStarts(mode, startNodeIDs); err != nil {
		return nil, errs.Wrap(errs.KindInvalidInput, "resolve execution starts", err)
	}

	if runtimeVariables == nil {
		runtimeVariables = map[string]json.RawMessage{}
	}

	r := &store.WorkflowRun{
		ID:               uuid.NewString(),
		AccountID:        accountID,
		WorkflowID:       workflowID,
		ExecMode:         mode,
		StartNodeIDs:     startNodeIDs,
		Status:           store.RunStatusRunning,
		RuntimeVariables: runtimeVariables,
		NodeStates:       map[string]store.NodeState{},
	}
	if err := e.store.InsertWorkflowRun(ctx, r); err != nil {
		return nil, fmt.Errorf("insert workflow run: %w", err)
	}

	e.log.Info().Str("run_id", r.ID).Str("workflow_id", workflowID).Msg("workflow run created")
	return r, nil
}

// GetRun reads a run.
func (e *Engine) GetRun(ctx context.Context, id string) (*store.WorkflowRun, error) {
	return e.store.GetWorkflowRun(ctx, id)
}

// reconcileState is the mutable working copy Reconcile threads through one
// pass — node states and variables as modified so far this tick, so edge
// evaluation and later nodes in the same pass see writes made by earlier
// ones, while MergeNodeState/MergeRuntimeVariables persist each write as it
// happens (so a crash mid-pass loses nothing already applied).
type reconcileState struct {
	nodeStates map[string]store.NodeState
	variables  map[string]json.RawMessage
}

func (rs *reconcileState) exprContext() expr.Context {
	return expr.Context{Variables: rs.variables, NodeStates: rs.nodeStates}
}

// Reconcile implements spec §4.H's per-run step: idempotent, safe to call
// repeatedly. One call visits each reachable node once, in node-id order, so
// a node whose predecessor completes later in the same pass waits for the
// next call. Re-reads the run fresh by id first — the scheduler's claim
// query may hand it a run another reconcile already finished.
func (e *Engine) Reconcile(ctx context.Context, runID string) error {
	run, err := e.store.GetWorkflowRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("get workflow run: %w", err)
	}
	if run.Status != store.RunStatusRunning {
		return nil
	}

	w, err := e.store.GetWorkflow(ctx, run.WorkflowID)
	if err != nil {
		return fmt.Errorf("get workflow: %w", err)
	}
	g, err := graph.New(w)
	if err != nil {
		return fmt.Errorf("build graph: %w", err)
	}

	starts, err := g.ExecutionStarts(run.ExecMode, run.StartNodeIDs)
	if err != nil {
		return fmt.Errorf("resolve execution starts: %w", err)
	}
	reachable := g.Reachable(starts)

	rs := &reconcileState{
		nodeStates: copyNodeStates(run.NodeStates),
		variables:  copyVariables(run.RuntimeVariables),
	}

	for _, nodeID := range sortedReachable(reachable) {
		state := rs.nodeStates[nodeID]
		if state.Status != "" && state.Status != store.NodeStatusPending && state.Status != store.NodeStatusRunning {
			continue
		}
		if !predecessorsSatisfied(g, reachable, rs.nodeStates, nodeID) {
			continue
		}

		node, ok := g.Node(nodeID)
		if !ok {
			continue
		}

		handler, ok := handlers[node.Type]
		if !ok {
			return e.failRun(ctx, run, nodeID, fmt.Sprintf("no handler registered for node type %s", node.Type))
		}

		result, err := handler(ctx, e, run, node, state, rs)
		if err != nil {
			return fmt.Errorf("node %s handler: %w", nodeID, err)
		}

		if err := e.applySignal(ctx, run, nodeID, state, result, rs); err != nil {
			return fmt.Errorf("apply signal for node %s: %w", nodeID, err)
		}

		if result.Signal == SignalFail {
			return e.failRun(ctx, run, nodeID, result.ErrorMessage)
		}

		if result.Signal == SignalContinue {
			if err := e.propagateSkips(ctx, run.ID, g, rs, nodeID); err != nil {
				return fmt.Errorf("propagate skips from node %s: %w", nodeID, err)
			}
		}
	}

	if runComplete(reachable, rs.nodeStates) {
		if err := e.store.UpdateRunStatus(ctx, run.ID, store.RunStatusCompleted, "", ""); err != nil {
			return fmt.Errorf("complete run: %w", err)
		}
		e.log.Info().Str("run_id", run.ID).Msg("workflow run completed")
	}
	return nil
}

func (e *Engine) failRun(ctx context.Context, run *store.WorkflowRun, nodeID, message string) error {
	if err := e.store.UpdateRunStatus(ctx, run.ID, store.RunStatusFailed, nodeID, message); err != nil {
		return fmt.Errorf("fail run: %w", err)
	}
	e.log.Warn().Str("run_id", run.ID).Str("node_id", nodeID).Str("error", message).Msg("workflow run failed")
	return nil
}

// applySignal implements spec §4.H step 4: persist the node-state and
// variable-write side effects of one handler invocation, and mirror them
// into the in-memory working copy so later nodes in the same pass observe
// them.
func (e *Engine) applySignal(ctx context.Context, run *store.WorkflowRun, nodeID string, prev store.NodeState, result HandlerResult, rs *reconcileState) error {
	now := time.Now().UTC()
	next := prev

	switch result.Signal {
	case SignalContinue:
		next.Status = store.NodeStatusCompleted
		if next.StartedAt == nil {
			next.StartedAt = &now
		}
		next.CompletedAt = &now
		next.Output = result.Output
		next.TaskID = result.TaskID
		next.Error = ""
	case SignalSuspend:
		if prev.Status == "" || prev.Status == store.NodeStatusPending {
			next.Status = store.NodeStatusRunning
			next.StartedAt = &now
		}
		next.TaskID = result.TaskID
	case SignalFail:
		next.Status = store.NodeStatusFailed
		next.CompletedAt = &now
		next.Error = result.ErrorMessage
		next.TaskID = result.TaskID
	}

	if err := e.store.MergeNodeState(ctx, run.ID, nodeID, next); err != nil {
		return err
	}
	rs.nodeStates[nodeID] = next

	if len(result.VariableWrites) > 0 {
		if err := e.store.MergeRuntimeVariables(ctx, run.ID, result.VariableWrites); err != nil {
			return err
		}
		for k, v := range result.VariableWrites {
			rs.variables[k] = v
		}
	}
	return nil
}

// propagateSkips implements spec §4.H step 5: for each edge leaving a
// newly-completed node, evaluate its condition (if any); a false condition
// marks the target skipped, unless it is already at a higher status —
// skipped writes are idempotent and never downgrade a completed node.
func (e *Engine) propagateSkips(ctx context.Context, runID string, g *graph.Graph, rs *reconcileState, nodeID string) error {
	for _, edge := range g.OutEdges(nodeID) {
		if edge.Type != store.EdgeCondition || edge.Condition == "" {
			continue
		}
		ok, err := expr.Evaluate(rs.exprContext(), edge.Condition)
		if err != nil {
			return fmt.Errorf("evaluate edge %s condition: %w", edge.ID, err)
		}
		if ok {
			continue
		}

		target := rs.nodeStates[edge.Target]
		if target.Status == store.NodeStatusCompleted || target.Status == store.NodeStatusSkipped || target.Status == store.NodeStatusFailed {
			continue
		}

		now := time.Now().UTC()
		target.Status = store.NodeStatusSkipped
		target.CompletedAt = &now
		if err := e.store.MergeNodeState(ctx, runID, edge.Target, target); err != nil {
			return err
		}
		rs.nodeStates[edge.Target] = target
	}
	return nil
}

func predecessorsSatisfied(g *graph.Graph, reachable map[string]bool, states map[string]store.NodeState, nodeID string) bool {
	for _, pred := range g.Predecessors(nodeID) {
		if !reachable[pred] {
			continue // outside this run's scope (specified_starts mode)
		}
		st := states[pred]
		if st.Status != store.NodeStatusCompleted && st.Status != store.NodeStatusSkipped {
			return false
		}
	}
	return true
}

func runComplete(reachable map[string]bool, states map[string]store.NodeState) bool {
	for id := range reachable {
		st := states[id]
		if st.Status != store.NodeStatusCompleted && st.Status != store.NodeStatusSkipped {
			return false
		}
	}
	return true
}

func sortedReachable(reachable map[string]bool) []string {
	ids := make([]string, 0, len(reachable))
	for id := range reachable {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func copyNodeStates(m map[string]store.NodeState) map[string]store.NodeState {
	out := make(map[string]store.NodeState, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyVariables(m map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
