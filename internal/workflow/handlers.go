package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/beammedia/control-plane/internal/store"
	"github.com/beammedia/control-plane/internal/workflow/expr"
)

// Signal is a handler's verdict for the node it just ran, per spec §4.H.
type Signal int

const (
	SignalContinue Signal = iota
	SignalSuspend
	SignalFail
)

// HandlerResult is what a node-type handler returns to Reconcile.
type HandlerResult struct {
	Signal         Signal
	Output         *store.NodeOutput
	TaskID         string // set/preserved for task nodes
	VariableWrites map[string]json.RawMessage
	ErrorMessage   string
}

// handlerFunc is the shape every node-type handler implements.
type handlerFunc func(ctx context.Context, e *Engine, run *store.WorkflowRun, node store.WorkflowNode, state store.NodeState, rs *reconcileState) (HandlerResult, error)

// handlers dispatches by node.Type, per spec §4.H.1's tagged-variant table —
// one entry per node kind, task nodes sharing a single handler keyed by
// IsTaskNode rather than one entry per task type.
var handlers = buildHandlers()

func buildHandlers() map[store.NodeType]handlerFunc {
	m := map[store.NodeType]handlerFunc{
		store.NodeStart:       startHandler,
		store.NodeEnd:         endHandler,
		store.NodeVariableSet: variableSetHandler,
		store.NodeCondition:   conditionHandler,
		store.NodeDelay:       delayHandler,
	}
	for _, t := range []store.NodeType{store.NodeVideoMotion, store.NodeVideoLipsync, store.NodeAudioTTS, store.NodeImg2Img} {
		m[t] = taskNodeHandler
	}
	return m
}

// startHandler validates presence of every declared variable, applying
// defaults for the ones missing a value, per spec §4.H: "validates presence
// of declared input variables (using defaults for optional missing)."
func startHandler(ctx context.Context, e *Engine, run *store.WorkflowRun, node store.WorkflowNode, state store.NodeState, rs *reconcileState) (HandlerResult, error) {
	w, err := e.store.GetWorkflow(ctx, run.WorkflowID)
	if err != nil {
		return HandlerResult{}, fmt.Errorf("get workflow: %w", err)
	}

	writes := map[string]json.RawMessage{}
	for _, decl := range w.Variables {
		if _, ok := rs.variables[decl.Name]; ok {
			continue
		}
		if decl.DefaultValue != nil {
			writes[decl.Name] = decl.DefaultValue
			continue
		}
		return HandlerResult{Signal: SignalFail, ErrorMessage: fmt.Sprintf("missing required variable %q", decl.Name)}, nil
	}
	return HandlerResult{Signal: SignalContinue, VariableWrites: writes}, nil
}

type endNodeConfig struct {
	Outputs []struct {
		Name   string `json:"name"`
		Source string `json:"source"`
	} `json:"outputs"`
}

// endHandler resolves each declared output variable's source path and
// writes it into the run's variables, per spec §4.H.
func endHandler(ctx context.Context, e *Engine, run *store.WorkflowRun, node store.WorkflowNode, state store.NodeState, rs *reconcileState) (HandlerResult, error) {
	var cfg endNodeConfig
	if len(node.Config) > 0 {
		if err := json.Unmarshal(node.Config, &cfg); err != nil {
			return HandlerResult{}, fmt.Errorf("unmarshal end node config: %w", err)
		}
	}

	writes := map[string]json.RawMessage{}
	for _, out := range cfg.Outputs {
		v, err := expr.Resolve(rs.exprContext(), out.Source)
		if err != nil {
			return HandlerResult{}, fmt.Errorf("resolve output %q: %w", out.Name, err)
		}
		if v == expr.Undefined {
			continue
		}
		b, err := json.Marshal(v)
		if err != nil {
			return HandlerResult{}, fmt.Errorf("marshal output %q: %w", out.Name, err)
		}
		writes[out.Name] = b
	}
	return HandlerResult{Signal: SignalContinue, VariableWrites: writes}, nil
}

type variableSetNodeConfig struct {
	Assignments []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	} `json:"assignments"`
}

// variableSetHandler resolves each {name, value} pair and writes it into the
// run's variables, per spec §4.H.
func variableSetHandler(ctx context.Context, e *Engine, run *store.WorkflowRun, node store.WorkflowNode, state store.NodeState, rs *reconcileState) (HandlerResult, error) {
	var cfg variableSetNodeConfig
	if len(node.Config) > 0 {
		if err := json.Unmarshal(node.Config, &cfg); err != nil {
			return HandlerResult{}, fmt.Errorf("unmarshal variable_set config: %w", err)
		}
	}

	writes := map[string]json.RawMessage{}
	for _, a := range cfg.Assignments {
		v, err := expr.Resolve(rs.exprContext(), a.Value)
		if err != nil {
			return HandlerResult{}, fmt.Errorf("resolve assignment %q: %w", a.Name, err)
		}
		b, err := json.Marshal(v)
		if err != nil {
			return HandlerResult{}, fmt.Errorf("marshal assignment %q: %w", a.Name, err)
		}
		writes[a.Name] = b
	}
	return HandlerResult{Signal: SignalContinue, VariableWrites: writes}, nil
}

// conditionHandler is a no-op: condition semantics live entirely on the
// outgoing edges, evaluated by Reconcile's propagateSkips after this node
// completes.
func conditionHandler(ctx context.Context, e *Engine, run *store.WorkflowRun, node store.WorkflowNode, state store.NodeState, rs *reconcileState) (HandlerResult, error) {
	return HandlerResult{Signal: SignalContinue}, nil
}

type delayNodeConfig struct {
	DelaySeconds int64 `json:"delaySeconds"`
}

// delayHandler suspends until delaySeconds have elapsed since the node's
// first visit. Reconcile's applySignal records StartedAt the first time a
// node transitions pending->running, so a second visit already has it set.
func delayHandler(ctx context.Context, e *Engine, run *store.WorkflowRun, node store.WorkflowNode, state store.NodeState, rs *reconcileState) (HandlerResult, error) {
	if state.StartedAt == nil {
		return HandlerResult{Signal: SignalSuspend}, nil
	}

	var cfg delayNodeConfig
	if len(node.Config) > 0 {
		if err := json.Unmarshal(node.Config, &cfg); err != nil {
			return HandlerResult{}, fmt.Errorf("unmarshal delay config: %w", err)
		}
	}

	if time.Since(*state.StartedAt) >= time.Duration(cfg.DelaySeconds)*time.Second {
		return HandlerResult{Signal: SignalContinue}, nil
	}
	return HandlerResult{Signal: SignalSuspend}, nil
}

type taskNodeConfig struct {
	Config         json.RawMessage `json:"config"`
	Inputs         []taskNodeInput `json:"inputs"`
	EstimatedUsage int64           `json:"estimatedUsage"`
}

type taskNodeInput struct {
	Type   store.ResourceType `json:"type"`
	Source string              `json:"source"`
}

// taskNodeHandler delegates a task-type node to the Task Engine, per spec
// §4.H: on first visit it resolves inputs/config through the evaluator and
// creates the task, suspending until it settles; on later visits it reads
// the task's current status and translates it into the node's signal.
func taskNodeHandler(ctx context.Context, e *Engine, run *store.WorkflowRun, node store.WorkflowNode, state store.NodeState, rs *reconcileState) (HandlerResult, error) {
	if state.TaskID == "" {
		var cfg taskNodeConfig
		if len(node.Config) > 0 {
			if err := json.Unmarshal(node.Config, &cfg); err != nil {
				return HandlerResult{}, fmt.Errorf("unmarshal task node config: %w", err)
			}
		}

		resolvedConfig, err := resolveJSONTemplate(rs.exprContext(), cfg.Config)
		if err != nil {
			return HandlerResult{}, fmt.Errorf("resolve task node config: %w", err)
		}

		resources := make([]store.TaskResource, 0, len(cfg.Inputs))
		for _, in := range cfg.Inputs {
			v, err := expr.Resolve(rs.exprContext(), in.Source)
			if err != nil {
				return HandlerResult{}, fmt.Errorf("resolve task node input %q: %w", in.Source, err)
			}
			url, ok := v.(string)
			if !ok {
				return HandlerResult{Signal: SignalFail, ErrorMessage: fmt.Sprintf("input %q did not resolve to a string URL", in.Source)}, nil
			}
			resources = append(resources, store.TaskResource{ID: uuid.NewString(), Type: in.Type, URL: url, IsInput: true})
		}

		taskType := store.TaskType(node.Type)
		t, err := e.tasks.CreateTaskForNode(ctx, run.AccountID, taskType, resolvedConfig, resources, cfg.EstimatedUsage)
		if err != nil {
			return HandlerResult{Signal: SignalFail, ErrorMessage: err.Error()}, nil
		}
		return HandlerResult{Signal: SignalSuspend, TaskID: t.ID}, nil
	}

	t, err := e.tasks.Get(ctx, state.TaskID)
	if err != nil {
		return HandlerResult{}, fmt.Errorf("get task %s: %w", state.TaskID, err)
	}

	switch t.Status {
	case store.TaskStatusPending, store.TaskStatusProcessing:
		return HandlerResult{Signal: SignalSuspend, TaskID: t.ID}, nil
	case store.TaskStatusCompleted, store.TaskStatusPartial:
		output := &store.NodeOutput{Resources: t.Resources}
		return HandlerResult{Signal: SignalContinue, TaskID: t.ID, Output: output}, nil
	case store.TaskStatusFailed, store.TaskStatusCancelled:
		return HandlerResult{Signal: SignalFail, TaskID: t.ID, ErrorMessage: t.ErrorMessage}, nil
	default:
		return HandlerResult{}, fmt.Errorf("unhandled task status %s", t.Status)
	}
}

// resolveJSONTemplate walks an arbitrary JSON value, replacing any string
// that looks like an expr path ($var./$node./$literal.) with its resolved
// value, and leaving everything else untouched. This is how a task node's
// config can reference a prior node's output or a run variable.
func resolveJSONTemplate(ctx expr.Context, raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return raw, nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	resolved, err := resolveValue(ctx, v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(resolved)
}

func resolveValue(ctx expr.Context, v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case string:
		if !isExprPath(t) {
			return t, nil
		}
		resolved, err := expr.Resolve(ctx, t)
		if err != nil {
			return nil, err
		}
		if resolved == expr.Undefined {
			return nil, nil
		}
		return resolved, nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, sub := range t {
			rv, err := resolveValue(ctx, sub)
			if err != nil {
				return nil, err
			}
			out[k] = rv
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, sub := range t {
			rv, err := resolveValue(ctx, sub)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	default:
		return t, nil
	}
}

func isExprPath(s string) bool {
	for _, prefix := range []string{"$var.", "$node.", "$literal."} {
		if len(s) > len(prefix) && s[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}
