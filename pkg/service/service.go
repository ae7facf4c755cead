// Package service implements the campaign engine: sequence definition
// management, the per-execution state machine, the due-step poller and its
// dispatch coordinator, and read-only analytics. All state mutations go
// through the ExecutionService so the completion and stop invariants stay in
// one place; the poller and dispatcher never write execution fields directly.
package service

// Logger defines the logging interface the services depend on.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}
