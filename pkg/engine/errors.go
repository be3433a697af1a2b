package engine

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrMonthRangeRequired reports a refresh of a month-partitioned query with
// no month range selected. Nothing executes; no default range is assumed.
var ErrMonthRangeRequired = errors.New("month-partitioned query requires a month range")

// ErrNoQuery reports a refresh before any query was selected.
var ErrNoQuery = errors.New("no query selected")

// ResolutionError marks a failure before any data work happened: the
// definition or its endpoint could not be resolved.
type ResolutionError struct {
	QueryID string
	Err     error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolving query %s: %s", e.QueryID, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// ExecutionError reports an execution that yielded no usable data at all.
// Partial partition failures do not raise it; zero successes do.
type ExecutionError struct {
	QueryID string
	Key     string
	Err     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("executing query %s: %s", e.QueryID, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
