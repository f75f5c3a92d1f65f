package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

// Postgres is the durable source of truth for every table in spec §3. Every
// mutating method either opens its own transaction or accepts one from a
// caller that needs several writes to commit atomically (the Ledger's
// debit/credit/settle, the Task Engine's createTask). Raw SQL throughout,
// following the teacher's style in internal/ledger/ledger.go and
// internal/sync/sync.go rather than reaching for an ORM.
type Postgres struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open connects to Postgres and verifies connectivity. Pool sizing mirrors
// the teacher's NewLedger tuning, scaled down for a control-plane workload
// rather than a per-token hot path.
func Open(ctx context.Context, dsn string, logger zerolog.Logger) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres connection failed: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}

	return &Postgres{db: db, log: logger.With().Str("component", "store").Logger()}, nil
}

// Close closes the underlying connection pool.
func (p *Postgres) Close() error { return p.db.Close() }

// DB exposes the raw pool for callers (e.g. internal/sync) that need direct
// read-only access outside this package's method set.
func (p *Postgres) DB() *sql.DB { return p.db }

// WithTx runs fn inside a new transaction, committing on nil error and
// rolling back otherwise. Used by callers (Ledger, Task Engine) that must
// make several writes atomic.
func (p *Postgres) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Account ---------------------------------------------------------------

// LockAccountForUpdate reads an account row with FOR UPDATE, establishing the
// per-account serialization point spec §4.A/§5 require. Must be called
// within a transaction started by WithTx.
func (p *Postgres) LockAccountForUpdate(ctx context.Context, tx *sql.Tx, accountID string) (*Account, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, user_id, balance, platform_user_id, created_at, updated_at
		FROM accounts WHERE id = $1 FOR UPDATE
	`, accountID)

	var a Account
	if err := row.Scan(&a.ID, &a.UserID, &a.Balance, &a.PlatformUserID, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, fmt.Errorf("lock account %s: %w", accountID, err)
	}
	return &a, nil
}

// SetAccountBalance updates the balance of an already-locked account row.
func (p *Postgres) SetAccountBalance(ctx context.Context, tx *sql.Tx, accountID string, newBalance int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE accounts SET balance = $1, updated_at = now() WHERE id = $2
	`, newBalance, accountID)
	if err != nil {
		return fmt.Errorf("update account balance: %w", err)
	}
	return nil
}

// GetAccount reads an account without locking.
func (p *Postgres) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, user_id, balance, platform_user_id, created_at, updated_at
		FROM accounts WHERE id = $1
	`, accountID)

	var a Account
	if err := row.Scan(&a.ID, &a.UserID, &a.Balance, &a.PlatformUserID, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("account %s: %w", accountID, sql.ErrNoRows)
		}
		return nil, fmt.Errorf("get account: %w", err)
	}
	return &a, nil
}

// CreateAccount inserts a new account with balance 0.
func (p *Postgres) CreateAccount(ctx context.Context, id, userID string) (*Account, error) {
	now := time.Now().UTC()
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO accounts (id, user_id, balance, created_at, updated_at)
		VALUES ($1, $2, 0, $3, $3)
	`, id, userID, now)
	if err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}
	return &Account{ID: id, UserID: userID, Balance: 0, CreatedAt: now, UpdatedAt: now}, nil
}

// --- Transaction -------------------------------------------------------------

// InsertTransaction appends an immutable ledger row within tx.
func (p *Postgres) InsertTransaction(ctx context.Context, tx *sql.Tx, t *Transaction) error {
	if t.Metadata == nil {
		t.Metadata = json.RawMessage("{}")
	}
	t.CreatedAt = time.Now().UTC()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO transactions (
			id, account_id, category, amount, balance_before, balance_after,
			task_id, recharge_order_id, payment_method, metadata, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, t.ID, t.AccountID, t.Category, t.Amount, t.BalanceBefore, t.BalanceAfter,
		nullableString(t.TaskID), nullableString(t.RechargeOrderID), nullableString(t.PaymentMethod),
		t.Metadata, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// SumTransactions returns sum(amount) for an account, the left-hand side of
// invariant 1 ("sum(transactions.amount) == balance").
func (p *Postgres) SumTransactions(ctx context.Context, accountID string) (int64, error) {
	var sum sql.NullInt64
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM transactions WHERE account_id = $1
	`, accountID).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum transactions: %w", err)
	}
	return sum.Int64, nil
}

// --- RechargeOrder -----------------------------------------------------------

// LockRechargeOrderByOutTradeNo locks a recharge order row by its unique
// merchant-side idempotency key. Must run within a transaction.
func (p *Postgres) LockRechargeOrderByOutTradeNo(ctx context.Context, tx *sql.Tx, outTradeNo string) (*RechargeOrder, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, account_id, amount, provider, out_trade_no, external_transaction_id,
		       status, expire_time, paid_at, transaction_id, created_at, updated_at
		FROM recharge_orders WHERE out_trade_no = $1 FOR UPDATE
	`, outTradeNo)
	return scanRechargeOrder(row)
}

// GetRechargeOrderByOutTradeNo reads a recharge order by its unique
// merchant-side idempotency key without locking it, for operator inspection.
func (p *Postgres) GetRechargeOrderByOutTradeNo(ctx context.Context, outTradeNo string) (*RechargeOrder, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, account_id, amount, provider, out_trade_no, external_transaction_id,
		       status, expire_time, paid_at, transaction_id, created_at, updated_at
		FROM recharge_orders WHERE out_trade_no = $1
	`, outTradeNo)
	return scanRechargeOrder(row)
}

func scanRechargeOrder(row *sql.Row) (*RechargeOrder, error) {
	var r RechargeOrder
	var extID, txID sql.NullString
	var paidAt sql.NullTime
	if err := row.Scan(&r.ID, &r.AccountID, &r.Amount, &r.Provider, &r.OutTradeNo, &extID,
		&r.Status, &r.ExpireTime, &paidAt, &txID, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, fmt.Errorf("scan recharge order: %w", err)
	}
	r.ExternalTransactionID = extID.String
	r.TransactionID = txID.String
	if paidAt.Valid {
		r.PaidAt = &paidAt.Time
	}
	return &r, nil
}

// CreateRechargeOrder inserts a new pending recharge order.
func (p *Postgres) CreateRechargeOrder(ctx context.Context, r *RechargeOrder) error {
	now := time.Now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now
	r.Status = RechargeStatusPending
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO recharge_orders (
			id, account_id, amount, provider, out_trade_no, status, expire_time, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, r.ID, r.AccountID, r.Amount, r.Provider, r.OutTradeNo, r.Status, r.ExpireTime, now, now)
	if err != nil {
		return fmt.Errorf("create recharge order: %w", err)
	}
	return nil
}

// MarkRechargeOrderSuccess transitions a locked recharge order to success and
// links the credit transaction, within tx.
func (p *Postgres) MarkRechargeOrderSuccess(ctx context.Context, tx *sql.Tx, orderID, externalTransactionID, transactionID string) error {
	now := time.Now().UTC()
	_, err := tx.ExecContext(ctx, `
		UPDATE recharge_orders
		SET status = $1, external_transaction_id = $2, transaction_id = $3, paid_at = $4, updated_at = $4
		WHERE id = $5
	`, RechargeStatusSuccess, externalTransactionID, transactionID, now, orderID)
	if err != nil {
		return fmt.Errorf("mark recharge order success: %w", err)
	}
	return nil
}

// --- Pricing -----------------------------------------------------------------

// LoadAllPricing loads every configured pricing row, used by pricing.Table
// at startup (mirrors the teacher's loadPricingCache).
func (p *Postgres) LoadAllPricing(ctx context.Context) ([]Pricing, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT task_type, billing_type, unit_price, unit, min_unit FROM pricing
	`)
	if err != nil {
		return nil, fmt.Errorf("load pricing: %w", err)
	}
	defer rows.Close()

	var out []Pricing
	for rows.Next() {
		var pr Pricing
		if err := rows.Scan(&pr.TaskType, &pr.BillingType, &pr.UnitPrice, &pr.Unit, &pr.MinUnit); err != nil {
			return nil, fmt.Errorf("scan pricing row: %w", err)
		}
		out = append(out, pr)
	}
	return out, rows.Err()
}

// --- Task ----------------------------------------------------------------

// InsertTask inserts a new task row within tx (called alongside the ledger
// debit in the same transaction by the Task Engine's createTask).
func (p *Postgres) InsertTask(ctx context.Context, tx *sql.Tx, t *Task) error {
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	_, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (
			id, account_id, type, mode, status, config, estimated_cost,
			retry_count, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,0,$8,$8)
	`, t.ID, t.AccountID, t.Type, t.Mode, t.Status, t.Config, t.EstimatedCost, now)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask reads a task and its resources.
func (p *Postgres) GetTask(ctx context.Context, id string) (*Task, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, account_id, type, mode, status, config, provider_name, external_task_id,
		       estimated_cost, actual_cost, actual_usage, retry_count, next_retry_at, next_poll_at,
		       error_message, started_at, completed_at, created_at, updated_at
		FROM tasks WHERE id = $1
	`, id)

	t, err := scanTask(row)
	if err != nil {
		return nil, err
	}

	resources, err := p.listTaskResources(ctx, id)
	if err != nil {
		return nil, err
	}
	t.Resources = resources
	return t, nil
}

func scanTask(row *sql.Row) (*Task, error) {
	var t Task
	var providerName, externalID, errMsg sql.NullString
	var actualCost, actualUsage sql.NullInt64
	var nextRetry, nextPoll, started, completed sql.NullTime

	if err := row.Scan(&t.ID, &t.AccountID, &t.Type, &t.Mode, &t.Status, &t.Config,
		&providerName, &externalID, &t.EstimatedCost, &actualCost, &actualUsage, &t.RetryCount,
		&nextRetry, &nextPoll, &errMsg, &started, &completed, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}

	t.ProviderName = providerName.String
	t.ExternalTaskID = externalID.String
	t.ErrorMessage = errMsg.String
	if actualCost.Valid {
		t.ActualCost = &actualCost.Int64
	}
	if actualUsage.Valid {
		t.ActualUsage = &actualUsage.Int64
	}
	if nextRetry.Valid {
		t.NextRetryAt = &nextRetry.Time
	}
	if nextPoll.Valid {
		t.NextPollAt = &nextPoll.Time
	}
	if started.Valid {
		t.StartedAt = &started.Time
	}
	if completed.Valid {
		t.CompletedAt = &completed.Time
	}
	return &t, nil
}

func (p *Postgres) listTaskResources(ctx context.Context, taskID string) ([]TaskResource, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, task_id, type, url, is_input, metadata FROM task_resources
		WHERE task_id = $1 ORDER BY id
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task resources: %w", err)
	}
	defer rows.Close()

	var out []TaskResource
	for rows.Next() {
		var r TaskResource
		if err := rows.Scan(&r.ID, &r.TaskID, &r.Type, &r.URL, &r.IsInput, &r.Metadata); err != nil {
			return nil, fmt.Errorf("scan task resource: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// InsertTaskResource adds one input/output resource row.
func (p *Postgres) InsertTaskResource(ctx context.Context, r *TaskResource) error {
	return p.insertTaskResource(ctx, p.db, r)
}

// InsertTaskResourceTx is InsertTaskResource run inside a transaction the
// caller already holds — used by createTask to persist input resource rows
// alongside the pre-charge debit and task insert.
func (p *Postgres) InsertTaskResourceTx(ctx context.Context, tx *sql.Tx, r *TaskResource) error {
	return p.insertTaskResource(ctx, tx, r)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (p *Postgres) insertTaskResource(ctx context.Context, e execer, r *TaskResource) error {
	if r.Metadata == nil {
		r.Metadata = json.RawMessage("{}")
	}
	_, err := e.ExecContext(ctx, `
		INSERT INTO task_resources (id, task_id, type, url, is_input, metadata)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, r.ID, r.TaskID, r.Type, r.URL, r.IsInput, r.Metadata)
	if err != nil {
		return fmt.Errorf("insert task resource: %w", err)
	}
	return nil
}

// UpdateTask persists a task's mutable fields. Called by the Task Engine
// after every state transition.
func (p *Postgres) UpdateTask(ctx context.Context, t *Task) error {
	t.UpdatedAt = time.Now().UTC()
	_, err := p.db.ExecContext(ctx, `
		UPDATE tasks SET
			status = $1, provider_name = $2, external_task_id = $3, actual_cost = $4,
			actual_usage = $5, retry_count = $6, next_retry_at = $7, next_poll_at = $8,
			error_message = $9, started_at = $10, completed_at = $11, updated_at = $12
		WHERE id = $13
	`, t.Status, nullableString(t.ProviderName), nullableString(t.ExternalTaskID), t.ActualCost,
		t.ActualUsage, t.RetryCount, t.NextRetryAt, t.NextPollAt, nullableString(t.ErrorMessage),
		t.StartedAt, t.CompletedAt, t.UpdatedAt, t.ID)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return nil
}

// ListTasks returns tasks for an account, most recent first.
func (p *Postgres) ListTasks(ctx context.Context, accountID string, status TaskStatus, limit int) ([]Task, error) {
	var rows *sql.Rows
	var err error
	if status != "" {
		rows, err = p.db.QueryContext(ctx, `
			SELECT id, account_id, type, mode, status, config, provider_name, external_task_id,
			       estimated_cost, actual_cost, actual_usage, retry_count, next_retry_at, next_poll_at,
			       error_message, started_at, completed_at, created_at, updated_at
			FROM tasks WHERE account_id = $1 AND status = $2 ORDER BY created_at DESC LIMIT $3
		`, accountID, status, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT id, account_id, type, mode, status, config, provider_name, external_task_id,
			       estimated_cost, actual_cost, actual_usage, retry_count, next_retry_at, next_poll_at,
			       error_message, started_at, completed_at, created_at, updated_at
			FROM tasks WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2
		`, accountID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTaskRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func scanTaskRows(rows *sql.Rows) (*Task, error) {
	var t Task
	var providerName, externalID, errMsg sql.NullString
	var actualCost, actualUsage sql.NullInt64
	var nextRetry, nextPoll, started, completed sql.NullTime

	if err := rows.Scan(&t.ID, &t.AccountID, &t.Type, &t.Mode, &t.Status, &t.Config,
		&providerName, &externalID, &t.EstimatedCost, &actualCost, &actualUsage, &t.RetryCount,
		&nextRetry, &nextPoll, &errMsg, &started, &completed, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	t.ProviderName = providerName.String
	t.ExternalTaskID = externalID.String
	t.ErrorMessage = errMsg.String
	if actualCost.Valid {
		t.ActualCost = &actualCost.Int64
	}
	if actualUsage.Valid {
		t.ActualUsage = &actualUsage.Int64
	}
	if nextRetry.Valid {
		t.NextRetryAt = &nextRetry.Time
	}
	if nextPoll.Valid {
		t.NextPollAt = &nextPoll.Time
	}
	if started.Valid {
		t.StartedAt = &started.Time
	}
	if completed.Valid {
		t.CompletedAt = &completed.Time
	}
	return &t, nil
}

// claimLeaseSeconds is how long a claimed row is hidden from a concurrent
// claimer. It bounds the window in which two scheduler processes (or two
// overlapping ticks of the same one) could otherwise both dispatch the same
// row: the claim itself advances the row's own due-time column past
// now()+claimLeaseSeconds in the same statement that selects it, so the next
// claim query simply doesn't match it until the lease expires. Submit/Poll/
// Reconcile re-read the row by id before acting and push the due-time
// column further out themselves on every real state transition, so the
// lease only matters for a row whose claimant dies mid-flight.
const claimLeaseSeconds = 30

// ClaimPendingTasks claims up to limit tasks in pending status. The SELECT
// ... FOR UPDATE SKIP LOCKED subquery lets N parallel schedulers partition
// the set without contention (spec §4.I); wrapping it in an UPDATE ...
// RETURNING makes the claim and the lease-bump one atomic statement, so the
// row lock is never released before the claiming row is actually marked
// unavailable to others — a bare SELECT ... FOR UPDATE with no writer
// auto-commits (and releases its lock) the instant the statement finishes,
// before the caller ever gets to dispatch it.
func (p *Postgres) ClaimPendingTasks(ctx context.Context, limit int) ([]Task, error) {
	rows, err := p.db.QueryContext(ctx, `
		UPDATE tasks
		SET next_retry_at = now() + make_interval(secs => $2)
		WHERE id IN (
			SELECT id FROM tasks
			WHERE status = 'pending' AND (next_retry_at IS NULL OR next_retry_at <= now())
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, account_id, type, mode, status, config, provider_name, external_task_id,
		          estimated_cost, actual_cost, actual_usage, retry_count, next_retry_at, next_poll_at,
		          error_message, started_at, completed_at, created_at, updated_at
	`, limit, claimLeaseSeconds)
	if err != nil {
		return nil, fmt.Errorf("claim pending tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTaskRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// ClaimDuePollTasks claims up to limit tasks in processing status whose
// next_poll_at has elapsed, under the same atomic claim-and-lease pattern as
// ClaimPendingTasks.
func (p *Postgres) ClaimDuePollTasks(ctx context.Context, limit int) ([]Task, error) {
	rows, err := p.db.QueryContext(ctx, `
		UPDATE tasks
		SET next_poll_at = now() + make_interval(secs => $2)
		WHERE id IN (
			SELECT id FROM tasks
			WHERE status = 'processing' AND next_poll_at <= now()
			ORDER BY next_poll_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, account_id, type, mode, status, config, provider_name, external_task_id,
		          estimated_cost, actual_cost, actual_usage, retry_count, next_retry_at, next_poll_at,
		          error_message, started_at, completed_at, created_at, updated_at
	`, limit, claimLeaseSeconds)
	if err != nil {
		return nil, fmt.Errorf("claim due poll tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTaskRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// --- Workflow / WorkflowRun --------------------------------------------------

// InsertWorkflow persists a validated workflow definition.
func (p *Postgres) InsertWorkflow(ctx context.Context, w *Workflow) error {
	now := time.Now().UTC()
	w.CreatedAt, w.UpdatedAt = now, now

	nodes, err := json.Marshal(w.Nodes)
	if err != nil {
		return fmt.Errorf("marshal nodes: %w", err)
	}
	edges, err := json.Marshal(w.Edges)
	if err != nil {
		return fmt.Errorf("marshal edges: %w", err)
	}
	vars, err := json.Marshal(w.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO workflows (id, account_id, name, version, nodes, edges, variables, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8)
	`, w.ID, w.AccountID, w.Name, w.Version, nodes, edges, vars, now)
	if err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}
	return nil
}

// GetWorkflow reads a workflow definition.
func (p *Postgres) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, account_id, name, version, nodes, edges, variables, created_at, updated_at
		FROM workflows WHERE id = $1
	`, id)

	var w Workflow
	var nodes, edges, vars []byte
	if err := row.Scan(&w.ID, &w.AccountID, &w.Name, &w.Version, &nodes, &edges, &vars, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	if err := json.Unmarshal(nodes, &w.Nodes); err != nil {
		return nil, fmt.Errorf("unmarshal nodes: %w", err)
	}
	if err := json.Unmarshal(edges, &w.Edges); err != nil {
		return nil, fmt.Errorf("unmarshal edges: %w", err)
	}
	if err := json.Unmarshal(vars, &w.Variables); err != nil {
		return nil, fmt.Errorf("unmarshal variables: %w", err)
	}
	return &w, nil
}

// InsertWorkflowRun persists a newly-created run.
func (p *Postgres) InsertWorkflowRun(ctx context.Context, r *WorkflowRun) error {
	now := time.Now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now
	if r.RuntimeVariables == nil {
		r.RuntimeVariables = map[string]json.RawMessage{}
	}
	if r.NodeStates == nil {
		r.NodeStates = map[string]NodeState{}
	}

	startNodes, _ := json.Marshal(r.StartNodeIDs)
	vars, err := json.Marshal(r.RuntimeVariables)
	if err != nil {
		return fmt.Errorf("marshal runtime variables: %w", err)
	}
	states, err := json.Marshal(r.NodeStates)
	if err != nil {
		return fmt.Errorf("marshal node states: %w", err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO workflow_runs (
			id, account_id, workflow_id, exec_mode, start_node_ids, status,
			runtime_variables, node_states, total_estimated_cost, total_actual_cost,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,0,$10,$10)
	`, r.ID, r.AccountID, r.WorkflowID, r.ExecMode, startNodes, r.Status, vars, states,
		r.TotalEstimatedCost, now)
	if err != nil {
		return fmt.Errorf("insert workflow run: %w", err)
	}
	return nil
}

// GetWorkflowRun reads a run.
func (p *Postgres) GetWorkflowRun(ctx context.Context, id string) (*WorkflowRun, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, account_id, workflow_id, exec_mode, start_node_ids, status,
		       runtime_variables, node_states, total_estimated_cost, total_actual_cost,
		       error_node_id, error_message, created_at, updated_at
		FROM workflow_runs WHERE id = $1
	`, id)
	return scanWorkflowRun(row)
}

func scanWorkflowRun(row *sql.Row) (*WorkflowRun, error) {
	var r WorkflowRun
	var startNodes, vars, states []byte
	var errNode, errMsg sql.NullString

	if err := row.Scan(&r.ID, &r.AccountID, &r.WorkflowID, &r.ExecMode, &startNodes, &r.Status,
		&vars, &states, &r.TotalEstimatedCost, &r.TotalActualCost, &errNode, &errMsg,
		&r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, fmt.Errorf("get workflow run: %w", err)
	}

	r.ErrorNodeID = errNode.String
	r.ErrorMessage = errMsg.String
	if len(startNodes) > 0 {
		if err := json.Unmarshal(startNodes, &r.StartNodeIDs); err != nil {
			return nil, fmt.Errorf("unmarshal start node ids: %w", err)
		}
	}
	if err := json.Unmarshal(vars, &r.RuntimeVariables); err != nil {
		return nil, fmt.Errorf("unmarshal runtime variables: %w", err)
	}
	if err := json.Unmarshal(states, &r.NodeStates); err != nil {
		return nil, fmt.Errorf("unmarshal node states: %w", err)
	}
	return &r, nil
}

// MergeNodeState atomically merges a single node's state into node_states
// via a jsonb "||" shallow merge on that one key, satisfying spec §4.H/§9's
// "per-key atomic merge, never read-modify-write the whole object"
// requirement: two workers updating different node ids never race.
func (p *Postgres) MergeNodeState(ctx context.Context, runID, nodeID string, state NodeState) error {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal node state: %w", err)
	}
	patch, err := json.Marshal(map[string]json.RawMessage{nodeID: stateJSON})
	if err != nil {
		return fmt.Errorf("marshal node state patch: %w", err)
	}

	_, err = p.db.ExecContext(ctx, `
		UPDATE workflow_runs
		SET node_states = node_states || $1::jsonb, updated_at = now()
		WHERE id = $2
	`, patch, runID)
	if err != nil {
		return fmt.Errorf("merge node state: %w", err)
	}
	return nil
}

// MergeRuntimeVariables atomically merges a set of variable writes into
// runtime_variables via jsonb "||", the same per-key-merge discipline as
// MergeNodeState.
func (p *Postgres) MergeRuntimeVariables(ctx context.Context, runID string, vars map[string]json.RawMessage) error {
	if len(vars) == 0 {
		return nil
	}
	patch, err := json.Marshal(vars)
	if err != nil {
		return fmt.Errorf("marshal variable patch: %w", err)
	}

	_, err = p.db.ExecContext(ctx, `
		UPDATE workflow_runs
		SET runtime_variables = runtime_variables || $1::jsonb, updated_at = now()
		WHERE id = $2
	`, patch, runID)
	if err != nil {
		return fmt.Errorf("merge runtime variables: %w", err)
	}
	return nil
}

// UpdateRunStatus transitions a run to a terminal (or running) status.
func (p *Postgres) UpdateRunStatus(ctx context.Context, runID string, status RunStatus, errorNodeID, errorMessage string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE workflow_runs
		SET status = $1, error_node_id = $2, error_message = $3, updated_at = now()
		WHERE id = $4
	`, status, nullableString(errorNodeID), nullableString(errorMessage), runID)
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	return nil
}

// AddRunActualCost adds delta to a run's total_actual_cost. No engine path
// calls it; the workflow engine does not update the column when a task node
// settles.
func (p *Postgres) AddRunActualCost(ctx context.Context, runID string, delta int64) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE workflow_runs SET total_actual_cost = total_actual_cost + $1, updated_at = now()
		WHERE id = $2
	`, delta, runID)
	if err != nil {
		return fmt.Errorf("add run actual cost: %w", err)
	}
	return nil
}

// ClaimRunningWorkflowRuns claims up to limit runs in running status, under
// the same atomic claim-and-lease pattern as ClaimPendingTasks: the UPDATE
// bumps next_reconcile_at (a lease column distinct from updated_at, which
// callers rely on as a genuine last-modified timestamp) so a concurrent
// claimer's subquery skips the row until the lease expires, rather than
// racing to dispatch the same run from two schedulers at once.
func (p *Postgres) ClaimRunningWorkflowRuns(ctx context.Context, limit int) ([]WorkflowRun, error) {
	rows, err := p.db.QueryContext(ctx, `
		UPDATE workflow_runs
		SET next_reconcile_at = now() + make_interval(secs => $2)
		WHERE id IN (
			SELECT id FROM workflow_runs
			WHERE status = 'running' AND (next_reconcile_at IS NULL OR next_reconcile_at <= now())
			ORDER BY updated_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, account_id, workflow_id, exec_mode, start_node_ids, status,
		          runtime_variables, node_states, total_estimated_cost, total_actual_cost,
		          error_node_id, error_message, created_at, updated_at
	`, limit, claimLeaseSeconds)
	if err != nil {
		return nil, fmt.Errorf("claim running workflow runs: %w", err)
	}
	defer rows.Close()

	var out []WorkflowRun
	for rows.Next() {
		var r WorkflowRun
		var startNodes, vars, states []byte
		var errNode, errMsg sql.NullString
		if err := rows.Scan(&r.ID, &r.AccountID, &r.WorkflowID, &r.ExecMode, &startNodes, &r.Status,
			&vars, &states, &r.TotalEstimatedCost, &r.TotalActualCost, &errNode, &errMsg,
			&r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan workflow run: %w", err)
		}
		r.ErrorNodeID = errNode.String
		r.ErrorMessage = errMsg.String
		if len(startNodes) > 0 {
			json.Unmarshal(startNodes, &r.StartNodeIDs)
		}
		json.Unmarshal(vars, &r.RuntimeVariables)
		json.Unmarshal(states, &r.NodeStates)
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
