package model

import "errors"

// Engine error taxonomy. Every failure inside a cycle is attributable to one
// of these so the scheduler can decide between skip, retry and escalate.
var (
	// ErrInsufficientData marks a window too small (or too degenerate) to
	// evaluate. The affected metric is skipped for the cycle; no alert.
	ErrInsufficientData = errors.New("insufficient data in window")

	// ErrStoreUnavailable marks a transient store failure. The cycle retries
	// next tick; a bounded streak escalates to a systemic alert.
	ErrStoreUnavailable = errors.New("metric store unavailable")

	// ErrRegistryInvalid is fatal at load; the engine refuses to start
	// evaluation with a partial or malformed rule registry.
	ErrRegistryInvalid = errors.New("trigger rule registry invalid")

	// ErrActionFailed terminates the current playbook run as failed.
	ErrActionFailed = errors.New("playbook action failed")

	// ErrNotFound marks a lookup for a row that does not exist. Terminal:
	// retrying cannot make the row appear.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition marks a status change the lifecycle forbids.
	ErrInvalidTransition = errors.New("invalid status transition")
)
