// Package errs defines the shared error taxonomy used by every engine
// package: ledger, pricing, provider, task, workflow and scheduler.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the purposes of caller retry/response
// behavior. See spec §7.
type Kind int

const (
	// KindInternal is defensively caught, logged, and never kills a
	// reconcile loop; the row is left at its previous state.
	KindInternal Kind = iota
	// KindInsufficientBalance is a terminal ledger precondition failure.
	KindInsufficientBalance
	// KindInvalidInput covers schema violations: unknown task type, bad
	// config, bad graph.
	KindInvalidInput
	// KindTransient covers lock timeouts, network flakes, provider 5xx.
	// Retried with backoff by the engine.
	KindTransient
	// KindTerminalProvider is a provider policy violation or unsupported
	// input. Transitions the task to failed and refunds.
	KindTerminalProvider
	// KindTimeout is a wall-clock budget exceeded. Handled like
	// KindTerminalProvider.
	KindTimeout
	// KindBusy is a lock-acquisition timeout on a row. Retryable.
	KindBusy
	// KindNotFound is a missing entity lookup.
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindInsufficientBalance:
		return "insufficient_balance"
	case KindInvalidInput:
		return "invalid_input"
	case KindTransient:
		return "transient"
	case KindTerminalProvider:
		return "terminal_provider"
	case KindTimeout:
		return "timeout"
	case KindBusy:
		return "busy"
	case KindNotFound:
		return "not_found"
	default:
		return "internal"
	}
}

// Error is a typed, wrapped error carrying a Kind for classification by
// callers via errors.As.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a new Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds a new Error of the given kind, wrapping err.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Is reports whether err is (or wraps) an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Common sentinel instances for errors.Is comparisons where no extra context
// is needed.
var (
	ErrInsufficientBalance = New(KindInsufficientBalance, "insufficient account balance")
	ErrPricingUnavailable  = New(KindInvalidInput, "no pricing configured for task type")
	ErrTransactionBusy     = New(KindBusy, "account row lock timed out")
	ErrNotFound            = New(KindNotFound, "entity not found")
)
