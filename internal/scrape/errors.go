package scrape

import (
	"errors"
	"fmt"
)

// ErrStrategyUnavailable marks a strategy whose local capability probe failed.
// Such strategies are excluded at orchestrator construction, never retried
// within the run.
var ErrStrategyUnavailable = errors.New("strategy unavailable")

// ExhaustedError is terminal for a job: every strategy in the fallback chain
// was attempted without an accepted result.
type ExhaustedError struct {
	Attempts  int
	LastError string
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all %d strategies failed; last: %s", e.Attempts, e.LastError)
}

// PersistenceError wraps a storage failure during result processing. The
// surrounding transaction has been rolled back; no partial offer replacement
// is left visible.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Capture converts a panic into a failed Result. Strategy entry points defer
// it so an unexpected fault in retailer-specific parsing cannot escape the
// Result contract.
func Capture(kind StrategyKind, res *Result) {
	if r := recover(); r != nil {
		*res = Fail(kind, fmt.Sprintf("unexpected fault: %v", r))
	}
}
