package provider

import (
	"context"

	"github.com/beammedia/control-plane/internal/store"
)

// Limiter bounds concurrent in-flight Submit/Poll calls per task type, the
// counting-channel pattern grounded on zerostate's dagExecution.semaphore
// (other_examples/7cd4efbc...dag.go): acquire blocks until a slot frees,
// release always runs via defer at the call site.
type Limiter struct {
	slots map[store.TaskType]chan struct{}
}

// NewLimiter builds a Limiter with the given per-task-type concurrency caps.
// A task type absent from limits is unbounded.
func NewLimiter(limits map[store.TaskType]int) *Limiter {
	l := &Limiter{slots: make(map[store.TaskType]chan struct{}, len(limits))}
	for t, n := range limits {
		if n > 0 {
			l.slots[t] = make(chan struct{}, n)
		}
	}
	return l
}

// Acquire blocks until a slot for t is available or ctx is done. The
// returned release func must be called exactly once to free the slot; it is
// a no-op if t has no configured limit.
func (l *Limiter) Acquire(ctx context.Context, t store.TaskType) (release func(), err error) {
	ch, ok := l.slots[t]
	if !ok {
		return func() {}, nil
	}

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
