// Package pricing computes task cost from a cached pricing table (spec §4.B).
package pricing

import (
	"context"
	"fmt"
	"sync"

	"github.com/beammedia/control-plane/internal/errs"
	"github.com/beammedia/control-plane/internal/store"
)

// Loader reads the full pricing table. Implemented by *store.Postgres.
type Loader interface {
	LoadAllPricing(ctx context.Context) ([]store.Pricing, error)
}

// Table is an in-memory, reloadable cache of pricing rows keyed by task
// type, mirroring the teacher's startup-loaded cache pattern.
type Table struct {
	loader Loader

	mu   sync.RWMutex
	byTy map[store.TaskType]store.Pricing
}

// New builds an empty Table; call Reload before serving requests.
func New(loader Loader) *Table {
	return &Table{loader: loader, byTy: make(map[store.TaskType]store.Pricing)}
}

// Reload replaces the in-memory table from the backing store. Safe to call
// concurrently with Cost; swaps the map under a write lock so readers never
// see a partially-populated table.
func (t *Table) Reload(ctx context.Context) error {
	rows, err := t.loader.LoadAllPricing(ctx)
	if err != nil {
		return fmt.Errorf("reload pricing: %w", err)
	}

	next := make(map[store.TaskType]store.Pricing, len(rows))
	for _, r := range rows {
		next[r.TaskType] = r
	}

	t.mu.Lock()
	t.byTy = next
	t.mu.Unlock()
	return nil
}

// Get returns the pricing row for a task type.
func (t *Table) Get(taskType store.TaskType) (store.Pricing, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	p, ok := t.byTy[taskType]
	if !ok {
		return store.Pricing{}, errs.ErrPricingUnavailable
	}
	return p, nil
}

// Cost computes cost = ceil(max(usage, minUnit) * unitPrice) for usage units
// of the given task type's billed quantity (spec §4.B). unitPrice is
// expressed in integer minor-currency-units per unit, so the product is
// already an exact integer; "ceiled" only matters once fractional unit
// prices enter the picture, which this deployment does not support.
func (t *Table) Cost(taskType store.TaskType, usage int64) (int64, error) {
	p, err := t.Get(taskType)
	if err != nil {
		return 0, err
	}
	if usage < 0 {
		return 0, errs.New(errs.KindInvalidInput, "usage must be non-negative")
	}

	billed := usage
	if billed < p.MinUnit {
		billed = p.MinUnit
	}

	return billed * p.UnitPrice, nil
}
