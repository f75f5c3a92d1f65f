// Package store defines the persisted data model (spec §3) and a
// Postgres-backed implementation of it. Engine packages (ledger, task,
// workflow, scheduler) depend on these types directly rather than
// redeclaring parallel ones, per spec.md §9's "arena/index over cyclic
// references" note: everything is looked up by string/UUID id through this
// package, never via in-memory pointers.
package store

import (
	"encoding/json"
	"time"
)

// TransactionCategory enumerates the closed set of ledger transaction kinds.
type TransactionCategory string

const (
	CategoryTaskCharge      TransactionCategory = "task_charge"
	CategoryTaskRefund      TransactionCategory = "task_refund"
	CategoryRecharge        TransactionCategory = "recharge"
	CategoryAnalysisCharge  TransactionCategory = "analysis_charge"
)

// RechargeStatus enumerates RechargeOrder lifecycle states.
type RechargeStatus string

const (
	RechargeStatusPending    RechargeStatus = "pending"
	RechargeStatusProcessing RechargeStatus = "processing"
	RechargeStatusSuccess    RechargeStatus = "success"
	RechargeStatusFailed     RechargeStatus = "failed"
	RechargeStatusClosed     RechargeStatus = "closed"
)

// BillingType enumerates how a Pricing row's usage maps to cost.
type BillingType string

const (
	BillingPerUnit  BillingType = "per_unit"
	BillingPerToken BillingType = "per_token"
)

// TaskType enumerates the closed set of media-generation task types. Adding
// a provider means adding a variant here, a pricing row, and a handler entry
// — never a runtime plugin registration (spec.md §9 "no plugin hot-load").
type TaskType string

const (
	TaskTypeMotion  TaskType = "video_motion"
	TaskTypeLipsync TaskType = "video_lipsync"
	TaskTypeTTS     TaskType = "audio_tts"
	TaskTypeImg2Img TaskType = "img2img"
)

// TaskMode is derived from TaskType: whether the provider returns outputs
// synchronously from submit or requires polling.
type TaskMode string

const (
	ModeSync  TaskMode = "sync"
	ModeAsync TaskMode = "async"
)

// TaskModeForType returns the mode associated with a task type. img2img is
// modeled as a synchronous provider in this deployment; the rest are async.
func TaskModeForType(t TaskType) TaskMode {
	if t == TaskTypeImg2Img {
		return ModeSync
	}
	return ModeAsync
}

// TaskStatus enumerates the Task state machine's states (spec §4.E).
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusPartial    TaskStatus = "partial"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// IsTerminal reports whether a task status no longer advances.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusPartial, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// ResourceType enumerates TaskResource payload kinds.
type ResourceType string

const (
	ResourceImage ResourceType = "image"
	ResourceVideo ResourceType = "video"
	ResourceAudio ResourceType = "audio"
	ResourceText  ResourceType = "text"
)

// NodeType enumerates workflow node kinds: control nodes (start, end,
// variable_set, condition, delay) and task nodes (one entry per TaskType).
type NodeType string

const (
	NodeStart        NodeType = "start"
	NodeEnd          NodeType = "end"
	NodeVariableSet  NodeType = "variable_set"
	NodeCondition    NodeType = "condition"
	NodeDelay        NodeType = "delay"
	NodeVideoMotion  NodeType = NodeType(TaskTypeMotion)
	NodeVideoLipsync NodeType = NodeType(TaskTypeLipsync)
	NodeAudioTTS     NodeType = NodeType(TaskTypeTTS)
	NodeImg2Img      NodeType = NodeType(TaskTypeImg2Img)
)

// IsTaskNode reports whether a node type delegates to the Task Engine.
func (n NodeType) IsTaskNode() bool {
	switch n {
	case NodeVideoMotion, NodeVideoLipsync, NodeAudioTTS, NodeImg2Img:
		return true
	default:
		return false
	}
}

// EdgeType enumerates workflow edge kinds.
type EdgeType string

const (
	EdgeNormal    EdgeType = "normal"
	EdgeCondition EdgeType = "condition"
)

// ExecMode enumerates how a node or run resolves its execution starts.
type ExecMode string

const (
	ExecAll             ExecMode = "all"
	ExecSpecifiedStarts ExecMode = "specified_starts"
	ExecIsolatedNodes   ExecMode = "isolated_nodes"
)

// RunStatus enumerates WorkflowRun lifecycle states.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// NodeStatus enumerates NodeState lifecycle states.
type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "pending"
	NodeStatusRunning   NodeStatus = "running"
	NodeStatusCompleted NodeStatus = "completed"
	NodeStatusFailed    NodeStatus = "failed"
	NodeStatusSkipped   NodeStatus = "skipped"
)

// Account is one per user. balance is enforced >= 0 at write time by the
// Ledger; no other package may write it directly.
type Account struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	Balance        int64     `json:"balance"`
	PlatformUserID string    `json:"platform_user_id,omitempty"`
	APIKeyHash     string    `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Transaction is an immutable ledger entry. Never updated or deleted.
type Transaction struct {
	ID              string              `json:"id"`
	AccountID       string              `json:"account_id"`
	Category        TransactionCategory `json:"category"`
	Amount          int64               `json:"amount"`
	BalanceBefore   int64               `json:"balance_before"`
	BalanceAfter    int64               `json:"balance_after"`
	TaskID          string              `json:"task_id,omitempty"`
	RechargeOrderID string              `json:"recharge_order_id,omitempty"`
	PaymentMethod   string              `json:"payment_method,omitempty"`
	Metadata        json.RawMessage     `json:"metadata,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
}

// RechargeOrder tracks an external-payment lifecycle.
type RechargeOrder struct {
	ID                     string         `json:"id"`
	AccountID              string         `json:"account_id"`
	Amount                 int64          `json:"amount"`
	Provider               string         `json:"provider"`
	OutTradeNo             string         `json:"out_trade_no"`
	ExternalTransactionID  string         `json:"external_transaction_id,omitempty"`
	Status                 RechargeStatus `json:"status"`
	ExpireTime             time.Time      `json:"expire_time"`
	PaidAt                 *time.Time     `json:"paid_at,omitempty"`
	TransactionID          string         `json:"transaction_id,omitempty"`
	CreatedAt              time.Time      `json:"created_at"`
	UpdatedAt              time.Time      `json:"updated_at"`
}

// Pricing is a per-task-type pricing row. Cost = ceil(max(usage, MinUnit) *
// UnitPrice).
type Pricing struct {
	TaskType    TaskType    `json:"task_type"`
	BillingType BillingType `json:"billing_type"`
	UnitPrice   int64       `json:"unit_price"`
	Unit        string      `json:"unit"`
	MinUnit     int64       `json:"min_unit"`
}

// TaskResource is one input or output object attached to a Task.
type TaskResource struct {
	ID       string          `json:"id"`
	TaskID   string          `json:"task_id"`
	Type     ResourceType    `json:"type"`
	URL      string          `json:"url"`
	IsInput  bool            `json:"is_input"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// Task is the unit of external work (spec §3).
type Task struct {
	ID             string          `json:"id"`
	AccountID      string          `json:"account_id"`
	Type           TaskType        `json:"type"`
	Mode           TaskMode        `json:"mode"`
	Status         TaskStatus      `json:"status"`
	Config         json.RawMessage `json:"config"`
	ProviderName   string          `json:"provider_name,omitempty"`
	ExternalTaskID string          `json:"external_task_id,omitempty"`
	EstimatedCost  int64           `json:"estimated_cost"`
	ActualCost     *int64          `json:"actual_cost,omitempty"`
	ActualUsage    *int64          `json:"actual_usage,omitempty"`
	RetryCount     int             `json:"retry_count"`
	NextRetryAt    *time.Time      `json:"next_retry_at,omitempty"`
	NextPollAt     *time.Time      `json:"next_poll_at,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`

	Resources []TaskResource `json:"resources,omitempty"`
}

// WorkflowNode is a node definition within a Workflow's static DAG.
type WorkflowNode struct {
	ID       string          `json:"id"`
	Type     NodeType        `json:"type"`
	ExecMode TaskMode        `json:"exec_mode"`
	Config   json.RawMessage `json:"config"`
}

// WorkflowEdge is an edge definition within a Workflow's static DAG.
type WorkflowEdge struct {
	ID        string   `json:"id"`
	Type      EdgeType `json:"type"`
	Source    string   `json:"source"`
	Target    string   `json:"target"`
	Condition string   `json:"condition,omitempty"`
}

// VariableDecl declares a runtime variable's schema on a Workflow.
type VariableDecl struct {
	Name         string          `json:"name"`
	Type         string          `json:"type"`
	DefaultValue json.RawMessage `json:"default_value,omitempty"`
}

// Workflow is a static DAG definition.
type Workflow struct {
	ID        string          `json:"id"`
	AccountID string          `json:"account_id"`
	Name      string          `json:"name"`
	Version   int             `json:"version"`
	Nodes     []WorkflowNode  `json:"nodes"`
	Edges     []WorkflowEdge  `json:"edges"`
	Variables []VariableDecl  `json:"variables"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// NodeState is the per-(run,node) execution record.
type NodeState struct {
	Status      NodeStatus      `json:"status"`
	TaskID      string          `json:"task_id,omitempty"`
	Output      *NodeOutput     `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// NodeOutput holds a completed node's output resources and variables.
type NodeOutput struct {
	Resources []TaskResource         `json:"resources,omitempty"`
	Variables map[string]json.RawMessage `json:"variables,omitempty"`
}

// WorkflowRun is a live execution of a Workflow.
type WorkflowRun struct {
	ID                string                     `json:"id"`
	AccountID         string                     `json:"account_id"`
	WorkflowID        string                     `json:"workflow_id"`
	ExecMode          ExecMode                   `json:"exec_mode"`
	StartNodeIDs      []string                   `json:"start_node_ids,omitempty"`
	Status            RunStatus                  `json:"status"`
	RuntimeVariables  map[string]json.RawMessage `json:"runtime_variables"`
	NodeStates        map[string]NodeState       `json:"node_states"`
	TotalEstimatedCost int64                      `json:"total_estimated_cost"`
	TotalActualCost    int64                      `json:"total_actual_cost"`
	ErrorNodeID       string                     `json:"error_node_id,omitempty"`
	ErrorMessage      string                     `json:"error_message,omitempty"`
	CreatedAt         time.Time                  `json:"created_at"`
	UpdatedAt         time.Time                  `json:"updated_at"`
}
