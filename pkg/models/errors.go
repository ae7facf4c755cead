package models

import "github.com/pkg/errors"

// Error taxonomy. Services wrap these with context via pkg/errors so callers
// can branch with errors.Is while logs keep the full chain.
var (
	// ErrValidation marks a malformed sequence or step definition,
	// rejected before anything is persisted.
	ErrValidation = errors.New("validation error")

	// ErrNotFound marks a reference to a nonexistent sequence, execution or step.
	ErrNotFound = errors.New("not found")

	// ErrConflict marks duplicate names, deleting the last sequence of an
	// organization, or starting a subject against another organization's sequence.
	ErrConflict = errors.New("conflict")

	// ErrDispatch marks a channel send failure. It is recorded on the step
	// execution and never propagated as fatal to the poller.
	ErrDispatch = errors.New("dispatch failed")

	// ErrConsistency marks an unexpected state, e.g. a step execution whose
	// parent execution is missing. The item is logged and skipped, not retried.
	ErrConsistency = errors.New("consistency error")
)
