package engine

import (
	"context"
	"time"

	"github.com/go-kit/log/level"

	"github.com/querygrid/querygrid/pkg/pipeline"
	"github.com/querygrid/querygrid/pkg/querydef"
	"github.com/querygrid/querygrid/pkg/report"
	"github.com/querygrid/querygrid/pkg/resultset"
)

// LastUpdated mirrors the freshness material of the last execution. It is
// display information derived from the index signatures, never a correctness
// input.
type LastUpdated struct {
	Flat   string            `json:"flat,omitempty"`
	Months map[string]string `json:"months,omitempty"`
	At     time.Time         `json:"at"`
}

// SetResult is the transformed output of one result set. Exactly one field
// is set: Table for plain and grouped views, Report when report options are
// active.
type SetResult struct {
	Table  *pipeline.Result `json:"table,omitempty"`
	Report *report.Table    `json:"report,omitempty"`
}

// ProcessedResult is what one refresh hands the consumer. Key is the
// execution key in its string form, an opaque identity for the consumer.
type ProcessedResult struct {
	QueryID     string                `json:"queryId"`
	Key         string                `json:"key"`
	Sets        map[string]*SetResult `json:"sets"`
	FromCache   bool                  `json:"fromCache"`
	FailedParts int                   `json:"failedPartitions,omitempty"`
	LastUpdated LastUpdated           `json:"lastUpdated"`
	ComputedAt  time.Time             `json:"computedAt"`
}

// compute runs the transformation pipeline over the held payload. Small
// inputs run inline; larger ones run on their own goroutine so a canceled
// caller abandons the wait while the result still lands if it is the newest.
// Every compute takes a sequence number; a result whose number is stale by
// arrival is discarded rather than stored.
func (t *Table) compute(ctx context.Context, def *querydef.Definition, in Inputs, key ExecutionKey) (*ProcessedResult, error) {
	t.mtx.Lock()
	payload := t.payload
	fromCache := t.fromCache
	failed := t.failedParts
	lastUpdated := t.lastUpdated
	t.mtx.Unlock()

	seq := t.computeSeq.Inc()

	if payload.RowCount() <= t.cfg.ComputeInline {
		res := t.buildResult(def, in, key, payload, fromCache, failed, lastUpdated)
		t.storeIfLatest(seq, res)
		return res, nil
	}

	done := make(chan *ProcessedResult, 1)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		done <- t.buildResult(def, in, key, payload, fromCache, failed, lastUpdated)
	}()

	select {
	case res := <-done:
		t.storeIfLatest(seq, res)
		return res, nil
	case <-ctx.Done():
		// The computation keeps running. Its result is stored on arrival
		// unless a newer compute has started since.
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.storeIfLatest(seq, <-done)
		}()
		return nil, ctx.Err()
	}
}

// storeIfLatest installs res as the table's result unless a newer compute
// was issued after seq.
func (t *Table) storeIfLatest(seq uint64, res *ProcessedResult) bool {
	if seq != t.computeSeq.Load() {
		t.metrics.discardedComputes.Inc()
		return false
	}
	t.mtx.Lock()
	t.result = res
	t.mtx.Unlock()
	return true
}

func (t *Table) buildResult(def *querydef.Definition, in Inputs, key ExecutionKey, payload resultset.Payload, fromCache bool, failed int, lastUpdated LastUpdated) *ProcessedResult {
	sets := make(map[string]*SetResult, len(payload))
	for _, name := range payload.Names() {
		sets[name] = t.buildSet(def, in, name, payload[name])
	}
	return &ProcessedResult{
		QueryID:     def.ID,
		Key:         key.String(),
		Sets:        sets,
		FromCache:   fromCache,
		FailedParts: failed,
		LastUpdated: lastUpdated,
		ComputedAt:  t.clock.Now().UTC(),
	}
}

func (t *Table) buildSet(def *querydef.Definition, in Inputs, name string, rows resultset.Rows) *SetResult {
	opts := pipeline.Options{
		Auth:     authScope(def, in.Auth),
		Filters:  in.Filters,
		Percents: percentSpecs(def.Percents),
		Types:    def.ColumnTypes,
	}
	// Search only applies where the definition declares searchable fields,
	// which SearchableFields already limits to locally held results.
	if fields := def.SearchableFields(name); len(fields) > 0 && in.SearchTerm != "" {
		opts.Search = &pipeline.SearchSpec{Term: in.SearchTerm, Fields: fields}
	}
	if in.Sort != nil && def.SortableField(name, in.Sort.Field) {
		opts.Sort = in.Sort
	}

	if in.Report != nil {
		return t.buildReportSet(def, in, name, rows, opts)
	}

	opts.GroupBy = in.GroupBy
	opts.Page = in.Page
	return &SetResult{Table: pipeline.Run(rows, opts)}
}

// buildReportSet pivots the filtered rows into time buckets. Grouping and
// paging never feed the pivot: the report defines its own shape, then pages
// like a plain table. A build failure degrades to the plain table instead of
// failing the refresh.
func (t *Table) buildReportSet(def *querydef.Definition, in Inputs, name string, rows resultset.Rows, opts pipeline.Options) *SetResult {
	flat := pipeline.Run(rows, opts)
	table, err := report.Build(flat.Rows, *in.Report)
	if err != nil {
		level.Warn(t.logger).Log("msg", "report build failed, returning plain table", "queryID", def.ID, "resultSet", name, "err", err)
		opts.GroupBy = in.GroupBy
		opts.Page = in.Page
		return &SetResult{Table: pipeline.Run(rows, opts)}
	}
	if in.Page != nil {
		if len(table.Groups) > 0 {
			table.Groups = pipeline.PageGroups(table.Groups, in.Page)
		} else {
			table.Rows = pipeline.PageRows(table.Rows, in.Page)
		}
	}
	return &SetResult{Report: table}
}

func authScope(def *querydef.Definition, auth AuthContext) *pipeline.AuthScope {
	if def.AuthField == "" {
		return nil
	}
	return &pipeline.AuthScope{
		Admin: auth.Admin,
		Allow: map[string][]string{def.AuthField: auth.Values},
	}
}

func percentSpecs(specs []querydef.PercentSpec) []pipeline.PercentSpec {
	if len(specs) == 0 {
		return nil
	}
	out := make([]pipeline.PercentSpec, 0, len(specs))
	for _, s := range specs {
		out = append(out, pipeline.PercentSpec{Name: s.Name, Numerator: s.Numerator, Denominator: s.Denominator})
	}
	return out
}
