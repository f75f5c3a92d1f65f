// Package provider defines the polymorphic adapter contract the Task Engine
// submits and polls task work through (spec §4.C), plus mock adapters for
// each task type. No real media-generation vendor SDK exists anywhere in the
// example pack, so these adapters simulate an async provider with
// configurable latency and failure injection — see DESIGN.md.
package provider

import (
	"context"
	"encoding/json"

	"github.com/beammedia/control-plane/internal/store"
)

// SubmitResult is returned by Submit. SyncOutputs is populated only for
// providers whose TaskModeForType is sync (e.g. img2img); async providers
// leave it nil and are polled later via ExternalID.
type SubmitResult struct {
	ExternalID  string
	SyncOutputs []Output
}

// PollOutcome classifies the result of a Poll call.
type PollOutcome int

const (
	PollPending PollOutcome = iota
	PollDone
	PollFailed
)

// PollResult is returned by Poll.
type PollResult struct {
	Outcome PollOutcome
	Outputs []Output // set when Outcome == PollDone
	Partial bool     // set when Outcome == PollDone but not every requested output was produced
	Kind    string   // set when Outcome == PollFailed: "retryable" or "terminal"
	Message string   // set when Outcome == PollFailed
	Usage   int64    // billable usage observed so far; used for Settle
}

// Output is one provider-returned artifact, addressed by URL until the Task
// Engine copies it into the account's output prefix (spec §4.D).
type Output struct {
	Type store.ResourceType
	URL  string
}

// ErrKind distinguishes retryable submit failures from terminal ones.
type ErrKind int

const (
	ErrRetryable ErrKind = iota
	ErrTerminal
)

// SubmitError wraps a Submit failure with its retry classification.
type SubmitError struct {
	Kind    ErrKind
	Message string
}

func (e *SubmitError) Error() string { return e.Message }

// Adapter is implemented once per TaskType.
type Adapter interface {
	// Submit starts external work for typed inputs/config (both opaque JSON
	// the adapter itself unmarshals). Returns a SubmitError on failure.
	Submit(ctx context.Context, inputs json.RawMessage, config json.RawMessage) (SubmitResult, error)
	// Poll checks the status of previously submitted work. Network errors
	// returned here (not PollFailed) are transient and must not change task
	// state — the caller retries on the next tick.
	Poll(ctx context.Context, externalID string, config json.RawMessage) (PollResult, error)
}

// Registry looks up the Adapter for a task type.
type Registry struct {
	adapters map[store.TaskType]Adapter
}

// NewRegistry builds a Registry wired with the given adapters.
func NewRegistry(adapters map[store.TaskType]Adapter) *Registry {
	return &Registry{adapters: adapters}
}

// For returns the adapter for a task type, or false if none is registered
// (a config error caught at task-creation time, per spec §4.B's
// PricingUnavailable-style failure for unconfigured types).
func (r *Registry) For(t store.TaskType) (Adapter, bool) {
	a, ok := r.adapters[t]
	return a, ok
}
