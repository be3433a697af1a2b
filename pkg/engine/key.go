package engine

import (
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/querygrid/querygrid/pkg/months"
	"github.com/querygrid/querygrid/pkg/resultset"
)

// ExecutionKey is the deduplication identity of one execution: the query, the
// effective variables and the selected month range. Executions sharing a key
// collapse onto a single fetch.
type ExecutionKey struct {
	QueryID  string
	VarsHash uint64
	Range    months.Range
}

// NewExecutionKey derives the key for an execution. Variables hash over
// their canonical JSON form, so two maps with equal contents always produce
// the same key regardless of insertion order.
func NewExecutionKey(queryID string, vars map[string]interface{}, rng months.Range) (ExecutionKey, error) {
	canonical, err := resultset.CanonicalJSON(vars)
	if err != nil {
		return ExecutionKey{}, err
	}
	return ExecutionKey{QueryID: queryID, VarsHash: xxhash.Sum64(canonical), Range: rng}, nil
}

func (k ExecutionKey) String() string {
	if k.Range.IsZero() {
		return fmt.Sprintf("%s:%016x", k.QueryID, k.VarsHash)
	}
	return fmt.Sprintf("%s:%016x:%s", k.QueryID, k.VarsHash, k.Range)
}
