// Package ledger is the sole writer of accounts.balance. Every mutation runs
// inside a single database transaction that locks the account row first
// (spec §4.A/§5): no cross-account locking, no lock ordering problem.
//
// The teacher's ledger (internal/ledger/ledger.go in the example pack) makes
// Redis the hot path and Postgres an async durable mirror reconciled in the
// background. Here Postgres itself is the sole owner of balance — the spec
// gives it no async mirror to race against — so debit/credit/settle talk to
// Postgres directly and Redis is relegated to a read-through cache
// (internal/cache) kept warm by internal/sync, the same roles the teacher's
// Redis/Postgres pair play, just with the source of truth inverted.
package ledger

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/beammedia/control-plane/internal/errs"
	"github.com/beammedia/control-plane/internal/store"
)

// Store is the subset of *store.Postgres the Ledger depends on.
type Store interface {
	WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error
	LockAccountForUpdate(ctx context.Context, tx *sql.Tx, accountID string) (*store.Account, error)
	SetAccountBalance(ctx context.Context, tx *sql.Tx, accountID string, newBalance int64) error
	InsertTransaction(ctx context.Context, tx *sql.Tx, t *store.Transaction) error
	LockRechargeOrderByOutTradeNo(ctx context.Context, tx *sql.Tx, outTradeNo string) (*store.RechargeOrder, error)
	MarkRechargeOrderSuccess(ctx context.Context, tx *sql.Tx, orderID, externalTransactionID, transactionID string) error
}

// Ledger is the single writer of account balances.
type Ledger struct {
	store Store
	log   zerolog.Logger
}

// New builds a Ledger over the given store.
func New(s Store, logger zerolog.Logger) *Ledger {
	return &Ledger{store: s, log: logger.With().Str("component", "ledger").Logger()}
}

// Debit charges amount (must be > 0) against accountID as a task pre-charge,
// failing with errs.ErrInsufficientBalance if the post-charge balance would
// go negative. Returns the resulting Transaction.
func (l *Ledger) Debit(ctx context.Context, accountID, taskID string, amount int64, category store.TransactionCategory) (*store.Transaction, error) {
	if amount <= 0 {
		return nil, errs.New(errs.KindInvalidInput, "debit amount must be positive")
	}

	var txn *store.Transaction
	err := l.store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		txn, err = l.DebitTx(ctx, tx, accountID, taskID, amount, category)
		return err
	})
	if err != nil {
		return nil, err
	}
	l.log.Debug().Str("account_id", accountID).Str("task_id", taskID).Int64("amount", amount).Msg("debited account")
	return txn, nil
}

// DebitTx is Debit's logic run inside a transaction the caller already holds
// open, so a dependent write (e.g. inserting the Task row a pre-charge pays
// for) can commit or roll back atomically with the debit itself — spec
// §4.E's createTask invariant: "either the Task exists with its charge
// recorded, or neither does."
func (l *Ledger) DebitTx(ctx context.Context, tx *sql.Tx, accountID, taskID string, amount int64, category store.TransactionCategory) (*store.Transaction, error) {
	if amount <= 0 {
		return nil, errs.New(errs.KindInvalidInput, "debit amount must be positive")
	}

	acct, err := l.store.LockAccountForUpdate(ctx, tx, accountID)
	if err != nil {
		return nil, errs.Wrap(errs.KindNotFound, "lock account", err)
	}

	after := acct.Balance - amount
	if after < 0 {
		return nil, errs.ErrInsufficientBalance
	}

	if err := l.store.SetAccountBalance(ctx, tx, accountID, after); err != nil {
		return nil, errs.Wrap(errs.KindTransient, "set account balance", err)
	}

	txn := &store.Transaction{
		ID:            uuid.NewString(),
		AccountID:     accountID,
		Category:      category,
		Amount:        -amount,
		BalanceBefore: acct.Balance,
		BalanceAfter:  after,
		TaskID:        taskID,
	}
	if err := l.store.InsertTransaction(ctx, tx, txn); err != nil {
		return nil, errs.Wrap(errs.KindTransient, "insert transaction", err)
	}
	return txn, nil
}

// Credit adds amount (must be > 0) to accountID's balance, e.g. a full
// pre-charge refund on cancellation from pending.
func (l *Ledger) Credit(ctx context.Context, accountID, taskID string, amount int64, category store.TransactionCategory) (*store.Transaction, error) {
	if amount <= 0 {
		return nil, errs.New(errs.KindInvalidInput, "credit amount must be positive")
	}

	var txn *store.Transaction
	err := l.store.WithTx(ctx, func(tx *sql.Tx) error {
		acct, err := l.store.LockAccountForUpdate(ctx, tx, accountID)
		if err != nil {
			return errs.Wrap(errs.KindNotFound, "lock account", err)
		}

		after := acct.Balance + amount
		if err := l.store.SetAccountBalance(ctx, tx, accountID, after); err != nil {
			return errs.Wrap(errs.KindTransient, "set account balance", err)
		}

		txn = &store.Transaction{
			ID:            uuid.NewString(),
			AccountID:     accountID,
			Category:      category,
			Amount:        amount,
			BalanceBefore: acct.Balance,
			BalanceAfter:  after,
			TaskID:        taskID,
		}
		if err := l.store.InsertTransaction(ctx, tx, txn); err != nil {
			return errs.Wrap(errs.KindTransient, "insert transaction", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.log.Debug().Str("account_id", accountID).Str("task_id", taskID).Int64("amount", amount).Msg("credited account")
	return txn, nil
}

// Settle reconciles a task's pre-charge (estimatedCost) against its actual
// cost: a positive delta (actual < estimated) is refunded, a negative delta
// (actual > estimated) is charged additionally. When estimatedCost ==
// actualCost, delta is zero and Settle is a no-op: no transaction row is
// inserted and the balance is left untouched.
func (l *Ledger) Settle(ctx context.Context, accountID, taskID string, estimatedCost, actualCost int64) (*store.Transaction, error) {
	delta := estimatedCost - actualCost // positive => refund, negative => additional charge
	if delta == 0 {
		l.log.Debug().Str("account_id", accountID).Str("task_id", taskID).Msg("settle no-op, actual cost matched estimate")
		return nil, nil
	}

	var txn *store.Transaction
	err := l.store.WithTx(ctx, func(tx *sql.Tx) error {
		acct, err := l.store.LockAccountForUpdate(ctx, tx, accountID)
		if err != nil {
			return errs.Wrap(errs.KindNotFound, "lock account", err)
		}

		after := acct.Balance + delta
		if after < 0 {
			return errs.ErrInsufficientBalance
		}

		if err := l.store.SetAccountBalance(ctx, tx, accountID, after); err != nil {
			return errs.Wrap(errs.KindTransient, "set account balance", err)
		}

		txn = &store.Transaction{
			ID:            uuid.NewString(),
			AccountID:     accountID,
			Category:      store.CategoryTaskRefund,
			Amount:        delta,
			BalanceBefore: acct.Balance,
			BalanceAfter:  after,
			TaskID:        taskID,
		}
		if delta < 0 {
			txn.Category = store.CategoryTaskCharge
		}
		if err := l.store.InsertTransaction(ctx, tx, txn); err != nil {
			return errs.Wrap(errs.KindTransient, "insert transaction", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.log.Debug().Str("account_id", accountID).Str("task_id", taskID).Int64("delta", delta).Msg("settled task")
	return txn, nil
}

// ApplyRechargeCallback credits a recharge order on a verified payment
// provider callback. Idempotent: the order's status is rechecked inside the
// same transaction that holds its row lock, so a duplicated callback (the
// provider retries on a slow ack) is a no-op on the second delivery —
// grounded on the teacher's recharge-order status check inside its
// transaction before mutating.
func (l *Ledger) ApplyRechargeCallback(ctx context.Context, outTradeNo, externalTransactionID string) (*store.Transaction, error) {
	var txn *store.Transaction
	err := l.store.WithTx(ctx, func(tx *sql.Tx) error {
		order, err := l.store.LockRechargeOrderByOutTradeNo(ctx, tx, outTradeNo)
		if err != nil {
			return errs.Wrap(errs.KindNotFound, "lock recharge order", err)
		}

		if order.Status != store.RechargeStatusPending && order.Status != store.RechargeStatusProcessing {
			// Already settled (or closed/failed) by a prior delivery of this
			// callback, or by a separate reconcile pass. Nothing is written
			// and the caller gets a nil transaction, which keeps this
			// idempotent.
			if order.TransactionID == "" {
				return nil
			}
			return nil
		}

		acct, err := l.store.LockAccountForUpdate(ctx, tx, order.AccountID)
		if err != nil {
			return errs.Wrap(errs.KindNotFound, "lock account", err)
		}

		after := acct.Balance + order.Amount
		if err := l.store.SetAccountBalance(ctx, tx, order.AccountID, after); err != nil {
			return errs.Wrap(errs.KindTransient, "set account balance", err)
		}

		txn = &store.Transaction{
			ID:              uuid.NewString(),
			AccountID:       order.AccountID,
			Category:        store.CategoryRecharge,
			Amount:          order.Amount,
			BalanceBefore:   acct.Balance,
			BalanceAfter:    after,
			RechargeOrderID: order.ID,
		}
		if err := l.store.InsertTransaction(ctx, tx, txn); err != nil {
			return errs.Wrap(errs.KindTransient, "insert transaction", err)
		}

		if err := l.store.MarkRechargeOrderSuccess(ctx, tx, order.ID, externalTransactionID, txn.ID); err != nil {
			return errs.Wrap(errs.KindTransient, "mark recharge order success", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if txn == nil {
		l.log.Debug().Str("out_trade_no", outTradeNo).Msg("recharge callback already applied, ignoring")
		return nil, nil
	}

	l.log.Info().Str("out_trade_no", outTradeNo).Str("account_id", txn.AccountID).Int64("amount", txn.Amount).Msg("applied recharge callback")
	return txn, nil
}
