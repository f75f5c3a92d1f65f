package ledger

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/beammedia/control-plane/internal/errs"
)

func TestDebit_RejectsNonPositiveAmount(t *testing.T) {
	l := New(nil, zerolog.Nop())
	ctx := context.Background()

	_, err := l.Debit(ctx, "acct-1", "task-1", 0, "task_charge")
	assert.True(t, errs.Is(err, errs.KindInvalidInput))

	_, err = l.Debit(ctx, "acct-1", "task-1", -5, "task_charge")
	assert.True(t, errs.Is(err, errs.KindInvalidInput))
}

func TestCredit_RejectsNonPositiveAmount(t *testing.T) {
	l := New(nil, zerolog.Nop())
	ctx := context.Background()

	_, err := l.Credit(ctx, "acct-1", "task-1", 0, "task_refund")
	assert.True(t, errs.Is(err, errs.KindInvalidInput))
}

