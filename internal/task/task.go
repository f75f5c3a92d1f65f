// Package task implements the Task Engine (spec §4.E): the persisted task
// state machine that validates, prices, pre-charges, submits, polls, and
// settles individual media-generation tasks against external async
// providers. Grounded on the teacher's BalanceService transactional style
// (internal/service/balance_service.go) generalized from a single
// recharge/debit operation to a full lifecycle state machine, and on
// zerostate's DAGExecutor for the retryable/terminal error split pattern.
package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/beammedia/control-plane/internal/errs"
	"github.com/beammedia/control-plane/internal/objectstore"
	"github.com/beammedia/control-plane/internal/provider"
	"github.com/beammedia/control-plane/internal/store"
)

// Store is the subset of *store.Postgres the Task Engine depends on.
type Store interface {
	WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error
	InsertTask(ctx context.Context, tx *sql.Tx, t *store.Task) error
	InsertTaskResourceTx(ctx context.Context, tx *sql.Tx, r *store.TaskResource) error
	InsertTaskResource(ctx context.Context, r *store.TaskResource) error
	GetTask(ctx context.Context, id string) (*store.Task, error)
	UpdateTask(ctx context.Context, t *store.Task) error
	ListTasks(ctx context.Context, accountID string, status store.TaskStatus, limit int) ([]store.Task, error)
}

// Ledger is the subset of *ledger.Ledger the Task Engine depends on.
type Ledger interface {
	DebitTx(ctx context.Context, tx *sql.Tx, accountID, taskID string, amount int64, category store.TransactionCategory) (*store.Transaction, error)
	Credit(ctx context.Context, accountID, taskID string, amount int64, category store.TransactionCategory) (*store.Transaction, error)
	Settle(ctx context.Context, accountID, taskID string, estimatedCost, actualCost int64) (*store.Transaction, error)
}

// Pricing is the subset of *pricing.Table the Task Engine depends on.
type Pricing interface {
	Cost(taskType store.TaskType, usage int64) (int64, error)
}

// Adapters looks up the provider.Adapter for a task type.
type Adapters interface {
	For(t store.TaskType) (provider.Adapter, bool)
}

// Config is the Task Engine's retry/timeout/poll-cadence policy (spec §4.E,
// §6).
type Config struct {
	MaxRetries   int
	RetryBase    time.Duration
	RetryFactor  float64
	RetryCap     time.Duration
	AsyncTimeout time.Duration
	SyncTimeout  time.Duration
	PollInterval time.Duration
}

// DefaultConfig matches spec §6's documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:   3,
		RetryBase:    30 * time.Second,
		RetryFactor:  2,
		RetryCap:     10 * time.Minute,
		AsyncTimeout: 120 * time.Minute,
		SyncTimeout:  30 * time.Minute,
		PollInterval: 60 * time.Second,
	}
}

// backoff returns the delay before retry attempt n (1-indexed), exponential
// with the configured base/factor, capped.
func (c Config) backoff(attempt int) time.Duration {
	d := time.Duration(float64(c.RetryBase) * math.Pow(c.RetryFactor, float64(attempt-1)))
	if d > c.RetryCap {
		return c.RetryCap
	}
	return d
}

// timeoutFor returns the stuck-task budget for a task's mode.
func (c Config) timeoutFor(mode store.TaskMode) time.Duration {
	if mode == store.ModeSync {
		return c.SyncTimeout
	}
	return c.AsyncTimeout
}

// InputRef is one temp-uploaded object a createTask call attaches as an
// input resource, keyed by its temp/{accountId}/{uploadId}/{filename} key.
type InputRef struct {
	TempKey  string
	Filename string
	Type     store.ResourceType
}

// Engine is the Task Engine.
type Engine struct {
	store    Store
	ledger   Ledger
	pricing  Pricing
	adapters Adapters
	objects  objectstore.Store
	schemas  *SchemaRegistry
	cfg      Config
	log      zerolog.Logger
}

// New builds a Task Engine.
func New(s Store, l Ledger, p Pricing, a Adapters, objects objectstore.Store, schemas *SchemaRegistry, cfg Config, logger zerolog.Logger) *Engine {
	return &Engine{store: s, ledger: l, pricing: p, adapters: a, objects: objects, schemas: schemas, cfg: cfg, log: logger.With().Str("component", "task_engine").Logger()}
}

// CreateTask implements spec §4.E's createTask: validate config, copy
// temp inputs into the task's input prefix, price the task, then debit and
// insert the Task row inside one transaction so "either the Task exists
// with its charge recorded, or neither does."
func (e *Engine) CreateTask(ctx context.Context, accountID string, taskType store.TaskType, config json.RawMessage, inputs []InputRef, estimatedUsage int64) (*store.Task, error) {
	if _, ok := e.adapters.For(taskType); !ok {
		return nil, errs.New(errs.KindInvalidInput, fmt.Sprintf("no provider adapter registered for task type %s", taskType))
	}
	if err := e.schemas.Validate(taskType, config); err != nil {
		return nil, err
	}

	estimatedCost, err := e.pricing.Cost(taskType, estimatedUsage)
	if err != nil {
		return nil, err
	}

	taskID := uuid.NewString()

	copied, copiedKeys, err := e.copyInputs(ctx, accountID, taskType, taskID, inputs)
	if err != nil {
		return nil, err
	}

	t := &store.Task{
		ID:            taskID,
		AccountID:     accountID,
		Type:          taskType,
		Mode:          store.TaskModeForType(taskType),
		Status:        store.TaskStatusPending,
		Config:        config,
		EstimatedCost: estimatedCost,
	}

	err = e.store.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.ledger.DebitTx(ctx, tx, accountID, taskID, estimatedCost, store.CategoryTaskCharge); err != nil {
			return err
		}
		if err := e.store.InsertTask(ctx, tx, t); err != nil {
			return err
		}
		for i := range copied {
			copied[i].TaskID = taskID
			if err := e.store.InsertTaskResourceTx(ctx, tx, &copied[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		e.cleanupInputs(ctx, copiedKeys)
		return nil, err
	}

	t.Resources = copied
	e.log.Info().Str("task_id", taskID).Str("account_id", accountID).Str("type", string(taskType)).Int64("estimated_cost", estimatedCost).Msg("task created")
	return t, nil
}

// CreateTaskForNode is CreateTask's counterpart for a workflow task-node
// handler (spec §4.H): inputs are resources the graph already resolved
// (either durable URLs from a prior node's output, or account-owned
// references), so there is no temp-object copy step — the resources are
// attached to the new task as-is. Debit and task-row insert still commit in
// one transaction for the same reason CreateTask's do.
func (e *Engine) CreateTaskForNode(ctx context.Context, accountID string, taskType store.TaskType, config json.RawMessage, resources []store.TaskResource, estimatedUsage int64) (*store.Task, error) {
	if _, ok := e.adapters.For(taskType); !ok {
		return nil, errs.New(errs.KindInvalidInput, fmt.Sprintf("no provider adapter registered for task type %s", taskType))
	}
	if err := e.schemas.Validate(taskType, config); err != nil {
		return nil, err
	}

	estimatedCost, err := e.pricing.Cost(taskType, estimatedUsage)
	if err != nil {
		return nil, err
	}

	taskID := uuid.NewString()
	t := &store.Task{
		ID:            taskID,
		AccountID:     accountID,
		Type:          taskType,
		Mode:          store.TaskModeForType(taskType),
		Status:        store.TaskStatusPending,
		Config:        config,
		EstimatedCost: estimatedCost,
	}

	err = e.store.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.ledger.DebitTx(ctx, tx, accountID, taskID, estimatedCost, store.CategoryTaskCharge); err != nil {
			return err
		}
		if err := e.store.InsertTask(ctx, tx, t); err != nil {
			return err
		}
		for i := range resources {
			resources[i].TaskID = taskID
			resources[i].IsInput = true
			if err := e.store.InsertTaskResourceTx(ctx, tx, &resources[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	t.Resources = resources
	e.log.Info().Str("task_id", taskID).Str("account_id", accountID).Str("type", string(taskType)).Int64("estimated_cost", estimatedCost).Msg("task created for workflow node")
	return t, nil
}

// copyInputs copies every temp object into input/…, rolling back (deleting)
// whatever it already copied if a later copy fails — spec's "copy each
// inputs[] temp object to input/… (atomically — failure deletes copies)".
// Returns both the resulting TaskResource rows and the destination keys
// (distinct from their URLs) so a rollback can address them by key.
func (e *Engine) copyInputs(ctx context.Context, accountID string, taskType store.TaskType, taskID string, inputs []InputRef) ([]store.TaskResource, []string, error) {
	copied := make([]store.TaskResource, 0, len(inputs))
	keys := make([]string, 0, len(inputs))
	for _, in := range inputs {
		dstKey := objectstore.InputKey(accountID, taskType, taskID, in.Filename)
		url, err := e.objects.Copy(ctx, in.TempKey, dstKey)
		if err != nil {
			e.cleanupInputs(ctx, keys)
			return nil, nil, errs.Wrap(errs.KindTransient, "copy input object", err)
		}
		copied = append(copied, store.TaskResource{
			ID:      uuid.NewString(),
			Type:    in.Type,
			URL:     url,
			IsInput: true,
		})
		keys = append(keys, dstKey)
	}
	return copied, keys, nil
}

func (e *Engine) cleanupInputs(ctx context.Context, keys []string) {
	for _, key := range keys {
		if err := e.objects.Delete(ctx, key); err != nil {
			e.log.Warn().Err(err).Str("key", key).Msg("failed to clean up copied input after create failure")
		}
	}
}

// Submit implements spec §4.E's submit, driven by the scheduler over tasks
// claimed in status=pending. It re-reads the task by id first — the
// scheduler's claim query doesn't load input resources, and a concurrent
// cancel may have already moved the row out of pending.
func (e *Engine) Submit(ctx context.Context, taskID string) error {
	t, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("get task: %w", err)
	}
	if t.Status != store.TaskStatusPending {
		return nil // re-read raced with a cancel or a concurrent claim; no-op
	}

	adapter, ok := e.adapters.For(t.Type)
	if !ok {
		return e.failAndRefund(ctx, t, "no provider adapter registered")
	}

	inputsJSON, err := e.inputResourcesJSON(t)
	if err != nil {
		return e.failAndRefund(ctx, t, err.Error())
	}

	result, err := adapter.Submit(ctx, inputsJSON, t.Config)
	if err != nil {
		return e.handleSubmitError(ctx, t, err)
	}

	now := time.Now().UTC()
	nextPoll := now.Add(e.cfg.PollInterval)
	t.ExternalTaskID = result.ExternalID
	t.Status = store.TaskStatusProcessing
	t.StartedAt = &now
	t.NextPollAt = &nextPoll
	if err := e.store.UpdateTask(ctx, t); err != nil {
		return fmt.Errorf("update task after submit: %w", err)
	}
	e.log.Info().Str("task_id", t.ID).Str("external_id", result.ExternalID).Msg("task submitted")

	if result.SyncOutputs != nil {
		return e.complete(ctx, t, result.SyncOutputs, 0, false)
	}
	return nil
}

func (e *Engine) handleSubmitError(ctx context.Context, t *store.Task, err error) error {
	msg := err.Error()
	kind := provider.ErrRetryable // network-shaped errors default to retryable
	if se, ok := err.(*provider.SubmitError); ok {
		kind = se.Kind
	}

	if kind == provider.ErrTerminal {
		return e.failAndRefund(ctx, t, msg)
	}

	t.RetryCount++
	if t.RetryCount > e.cfg.MaxRetries {
		return e.failAndRefund(ctx, t, fmt.Sprintf("exceeded max retries: %s", msg))
	}

	next := time.Now().UTC().Add(e.cfg.backoff(t.RetryCount))
	t.NextRetryAt = &next
	t.ErrorMessage = msg
	if err := e.store.UpdateTask(ctx, t); err != nil {
		return fmt.Errorf("update task after retryable submit error: %w", err)
	}
	e.log.Warn().Str("task_id", t.ID).Int("retry_count", t.RetryCount).Time("next_retry_at", next).Msg("submit failed, retrying")
	return nil
}

// Poll implements spec §4.E's poll, driven by the scheduler over tasks
// claimed in status=processing with nextPollAt <= now. Re-reads the task by
// id first, per spec §4.I: "every poll begins by re-reading the task and
// aborting if status != processing."
func (e *Engine) Poll(ctx context.Context, taskID string) error {
	t, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("get task: %w", err)
	}
	if t.Status != store.TaskStatusProcessing {
		return nil // cancelled or already advanced out from under us
	}

	if t.StartedAt != nil && time.Since(*t.StartedAt) > e.cfg.timeoutFor(t.Mode) {
		return e.timeoutAndRefund(ctx, t)
	}

	adapter, ok := e.adapters.For(t.Type)
	if !ok {
		return e.failAndRefund(ctx, t, "no provider adapter registered")
	}

	result, err := adapter.Poll(ctx, t.ExternalTaskID, t.Config)
	if err != nil {
		// Transient network failure polling itself: leave state untouched,
		// next tick retries (spec §4.C: "errors in poll ... do not change
		// task state").
		e.log.Warn().Err(err).Str("task_id", t.ID).Msg("poll transport error, will retry next tick")
		return nil
	}

	switch result.Outcome {
	case provider.PollPending:
		next := time.Now().UTC().Add(e.cfg.PollInterval)
		t.NextPollAt = &next
		if err := e.store.UpdateTask(ctx, t); err != nil {
			return fmt.Errorf("update task after pending poll: %w", err)
		}
		return nil
	case provider.PollFailed:
		// Both a provider-declared terminal failure and a retryable one
		// reported through poll (rather than submit) end the task the same
		// way: poll has no retry budget of its own, only submit does.
		return e.failAndRefund(ctx, t, result.Message)
	case provider.PollDone:
		return e.complete(ctx, t, result.Outputs, result.Usage, result.Partial)
	default:
		return fmt.Errorf("unknown poll outcome %d", result.Outcome)
	}
}

// complete copies provider outputs into the account's output prefix,
// persists TaskResource rows, settles the ledger, and marks the task
// completed — or partial when the provider reported it couldn't produce
// every requested output, billing only for what was actually delivered
// (spec's "similarly for partial, with actualCost reflecting work actually
// delivered").
func (e *Engine) complete(ctx context.Context, t *store.Task, outputs []provider.Output, usage int64, partial bool) error {
	resources, err := e.copyOutputs(ctx, t, outputs)
	if err != nil {
		return fmt.Errorf("copy task outputs: %w", err)
	}

	actualCost, err := e.pricing.Cost(t.Type, usage)
	if err != nil {
		// Pricing disappeared between createTask and poll — shouldn't happen
		// in steady state; fall back to the pre-charged estimate so the
		// ledger still balances.
		actualCost = t.EstimatedCost
	}

	if _, err := e.ledger.Settle(ctx, t.AccountID, t.ID, t.EstimatedCost, actualCost); err != nil {
		return fmt.Errorf("settle task: %w", err)
	}

	for i := range resources {
		if err := e.store.InsertTaskResource(ctx, &resources[i]); err != nil {
			return fmt.Errorf("insert output resource: %w", err)
		}
	}

	now := time.Now().UTC()
	t.Status = store.TaskStatusCompleted
	if partial {
		t.Status = store.TaskStatusPartial
	}
	t.ActualCost = &actualCost
	t.ActualUsage = &usage
	t.CompletedAt = &now
	t.Resources = append(t.Resources, resources...)
	if err := e.store.UpdateTask(ctx, t); err != nil {
		return fmt.Errorf("update task after completion: %w", err)
	}

	e.log.Info().Str("task_id", t.ID).Int64("actual_cost", actualCost).Msg("task completed")
	return nil
}

// copyOutputs ingests every provider output URL into the account's output
// prefix (spec §4.D). There is no real provider to fetch bytes from in this
// deployment (see provider/mock.go), so the object written at the
// destination key records the source URL; Presign on that key is what
// becomes the resource's durable URL.
func (e *Engine) copyOutputs(ctx context.Context, t *store.Task, outputs []provider.Output) ([]store.TaskResource, error) {
	resources := make([]store.TaskResource, 0, len(outputs))
	for i, o := range outputs {
		filename := fmt.Sprintf("%d-%s", i, o.Type)
		dstKey := objectstore.OutputKey(t.AccountID, t.Type, t.ID, filename)
		if _, err := e.objects.Put(ctx, dstKey, strings.NewReader(o.URL)); err != nil {
			return nil, errs.Wrap(errs.KindTransient, "put output object", err)
		}
		url, err := e.objects.Presign(ctx, dstKey)
		if err != nil {
			return nil, errs.Wrap(errs.KindTransient, "presign output object", err)
		}
		resources = append(resources, store.TaskResource{
			ID:      uuid.NewString(),
			TaskID:  t.ID,
			Type:    o.Type,
			URL:     url,
			IsInput: false,
		})
	}
	return resources, nil
}

// Cancel implements spec §4.E's cancel: allowed only from pending/processing.
// From pending, the full pre-charge is refunded immediately. From
// processing, funds are also refunded immediately rather than left to settle
// at a poll that will never come (the provider is not told to stop, per
// spec's "does not retroactively cancel external work") — this keeps
// `charges + refunds = actualCost` (here 0) true without waiting on a poll
// the cancelled task will no longer receive. An already-terminal task is a
// no-op that returns its current state, mirroring the recharge callback's
// idempotent status check.
func (e *Engine) Cancel(ctx context.Context, taskID string) (*store.Task, error) {
	t, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, errs.Wrap(errs.KindNotFound, "get task", err)
	}

	if t.Status.IsTerminal() {
		return t, nil
	}
	if t.Status != store.TaskStatusPending && t.Status != store.TaskStatusProcessing {
		return nil, errs.New(errs.KindInvalidInput, fmt.Sprintf("cannot cancel task in status %s", t.Status))
	}

	if _, err := e.ledger.Credit(ctx, t.AccountID, t.ID, t.EstimatedCost, store.CategoryTaskRefund); err != nil {
		return nil, fmt.Errorf("refund on cancel: %w", err)
	}

	now := time.Now().UTC()
	zero := int64(0)
	t.Status = store.TaskStatusCancelled
	t.ActualCost = &zero
	t.CompletedAt = &now
	if err := e.store.UpdateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("update task after cancel: %w", err)
	}

	e.log.Info().Str("task_id", t.ID).Msg("task cancelled")
	return t, nil
}

// Get reads a task by id.
func (e *Engine) Get(ctx context.Context, taskID string) (*store.Task, error) {
	return e.store.GetTask(ctx, taskID)
}

// List reads tasks for an account, optionally filtered by status.
func (e *Engine) List(ctx context.Context, accountID string, status store.TaskStatus, limit int) ([]store.Task, error) {
	return e.store.ListTasks(ctx, accountID, status, limit)
}

func (e *Engine) failAndRefund(ctx context.Context, t *store.Task, message string) error {
	if _, err := e.ledger.Credit(ctx, t.AccountID, t.ID, t.EstimatedCost, store.CategoryTaskRefund); err != nil {
		return fmt.Errorf("refund on failure: %w", err)
	}

	now := time.Now().UTC()
	zero := int64(0)
	t.Status = store.TaskStatusFailed
	t.ActualCost = &zero
	t.ErrorMessage = message
	t.CompletedAt = &now
	if err := e.store.UpdateTask(ctx, t); err != nil {
		return fmt.Errorf("update task after failure: %w", err)
	}
	e.log.Warn().Str("task_id", t.ID).Str("error", message).Msg("task failed, refunded")
	return nil
}

func (e *Engine) timeoutAndRefund(ctx context.Context, t *store.Task) error {
	return e.failAndRefund(ctx, t, "task exceeded its processing timeout budget")
}

// inputResourcesJSON marshals a task's input TaskResources (URL + type) for
// the adapter's Submit call — the adapter is expected to fetch them itself.
func (e *Engine) inputResourcesJSON(t *store.Task) (json.RawMessage, error) {
	type inputResource struct {
		Type store.ResourceType `json:"type"`
		URL  string             `json:"url"`
	}
	inputs := make([]inputResource, 0, len(t.Resources))
	for _, r := range t.Resources {
		if r.IsInput {
			inputs = append(inputs, inputResource{Type: r.Type, URL: r.URL})
		}
	}
	b, err := json.Marshal(inputs)
	if err != nil {
		return nil, fmt.Errorf("marshal input resources: %w", err)
	}
	return b, nil
}
