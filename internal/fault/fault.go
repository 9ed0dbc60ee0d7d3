// Package fault defines the typed errors surfaced at the herd boundary.
// Every fault carries a machine-readable kind, the offending target string
// and a remediation hint naming the next command to run.
package fault

import (
	"errors"
	"fmt"
)

// Kind categorizes a failure for programmatic handling.
type Kind string

const (
	// KindUnknownTarget indicates no resolution tier matched the target.
	KindUnknownTarget Kind = "UNKNOWN_TARGET"
	// KindDeadPane indicates a sub-pane failed its liveness check.
	KindDeadPane Kind = "DEAD_PANE"
	// KindDeadWorker indicates a worker's primary pane failed its liveness check.
	KindDeadWorker Kind = "DEAD_WORKER"
	// KindAmbiguousTarget is reserved for named-role addressing.
	// The current disambiguation rule never produces it.
	KindAmbiguousTarget Kind = "AMBIGUOUS_TARGET"
	// KindRegistryUnavailable indicates the backing store is unreadable or unwritable.
	KindRegistryUnavailable Kind = "REGISTRY_UNAVAILABLE"
	// KindConcurrencyLimitExceeded is an internal invariant violation.
	KindConcurrencyLimitExceeded Kind = "CONCURRENCY_LIMIT_EXCEEDED"
	// KindNotFound indicates a worker or batch id is not registered.
	KindNotFound Kind = "NOT_FOUND"
	// KindInvalidArgument indicates malformed caller input.
	KindInvalidArgument Kind = "INVALID_ARGUMENT"
	// KindTimeout indicates a pane command exceeded its deadline.
	KindTimeout Kind = "TIMEOUT"
	// KindNoPendingPrompt indicates an approval was evaluated with nothing pending.
	KindNoPendingPrompt Kind = "NO_PENDING_PROMPT"
	// KindMux indicates the terminal multiplexer rejected an operation.
	KindMux Kind = "MUX_FAILURE"
)

// Error is a diagnosable failure.
type Error struct {
	Kind    Kind
	Target  string
	Message string
	Hint    string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Target != "" {
		msg = fmt.Sprintf("%s: %q", msg, e.Target)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a fault of the same kind.
// Sentinels carry only a kind, so errors.Is(err, fault.ErrDeadWorker) works
// for any dead-worker failure regardless of target.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Target == "" && t.Message == ""
}

// Sentinels for errors.Is comparisons.
var (
	ErrUnknownTarget            = &Error{Kind: KindUnknownTarget}
	ErrDeadPane                 = &Error{Kind: KindDeadPane}
	ErrDeadWorker               = &Error{Kind: KindDeadWorker}
	ErrAmbiguousTarget          = &Error{Kind: KindAmbiguousTarget}
	ErrRegistryUnavailable      = &Error{Kind: KindRegistryUnavailable}
	ErrConcurrencyLimitExceeded = &Error{Kind: KindConcurrencyLimitExceeded}
	ErrNotFound                 = &Error{Kind: KindNotFound}
	ErrInvalidArgument          = &Error{Kind: KindInvalidArgument}
	ErrTimeout                  = &Error{Kind: KindTimeout}
	ErrNoPendingPrompt          = &Error{Kind: KindNoPendingPrompt}
	ErrMux                      = &Error{Kind: KindMux}
)

// New creates a fault.
func New(kind Kind, target, message, hint string) *Error {
	return &Error{Kind: kind, Target: target, Message: message, Hint: hint}
}

// Wrap creates a fault around a cause.
func Wrap(kind Kind, target, message, hint string, err error) *Error {
	return &Error{Kind: kind, Target: target, Message: message, Hint: hint, Err: err}
}

// KindOf returns the kind of the first fault in err's chain, or "" if none.
func KindOf(err error) Kind {
	var f *Error
	if errors.As(err, &f) {
		return f.Kind
	}
	return ""
}

// HintOf returns the remediation hint of the first fault in err's chain.
func HintOf(err error) string {
	var f *Error
	if errors.As(err, &f) {
		return f.Hint
	}
	return ""
}

// TargetOf returns the offending target of the first fault in err's chain.
func TargetOf(err error) string {
	var f *Error
	if errors.As(err, &f) {
		return f.Target
	}
	return ""
}

// Remediation hints shared across packages.
const (
	HintListWorkers  = "run 'herd list' to see registered workers"
	HintListSessions = "run 'herd list' for workers or 'tmux ls' for sessions"
	HintCheckStore   = "check the registry path in your config ('herd config') and its permissions"
)
