// Package pipeline transforms decoded result rows for display: row-level
// authorization, pre-filters, text search, typed sorting, multi-level
// grouping with summaries, and pagination. Every stage is pure; input rows
// are never mutated and malformed values degrade to "does not match" or
// "sorts last" instead of failing the run.
package pipeline

import (
	"sort"

	"github.com/querygrid/querygrid/pkg/fieldtype"
	"github.com/querygrid/querygrid/pkg/resultset"
)

// NullToken is the filter value that selects rows whose field is null,
// missing or empty. It lives outside the space of real scalar values.
const NullToken = "__null__"

// AuthScope restricts rows to the caller's allowed values per field. Admin
// short-circuits the stage.
type AuthScope struct {
	Admin bool
	Allow map[string][]string
}

// Filter keeps rows whose field value is in the In set. Including NullToken
// in the set admits null-like values; otherwise they are excluded whenever a
// filter for the field exists.
type Filter struct {
	Field string
	In    []string
}

// SearchSpec matches a term case-insensitively against the string forms of
// the listed fields.
type SearchSpec struct {
	Term   string
	Fields []string
}

// SortSpec orders rows by one field. Type selects the comparator; Unknown
// defers to inference over the rows being sorted. Values the comparator
// cannot interpret sort last in either direction.
type SortSpec struct {
	Field string
	Desc  bool
	Type  fieldtype.Type
}

// PercentSpec declares a percentage column recomputed on group summaries
// from the summed numerator and denominator.
type PercentSpec struct {
	Name        string
	Numerator   string
	Denominator string
}

// Page is an offset/limit window. Limit zero means everything after Offset.
type Page struct {
	Offset int
	Limit  int
}

// Options configures one pipeline run over a single result set.
type Options struct {
	Auth     *AuthScope
	Filters  []Filter
	Search   *SearchSpec
	Sort     *SortSpec
	GroupBy  []string
	Percents []PercentSpec
	Page     *Page

	// Types overrides inferred column types, keyed by dotted path.
	Types map[string]fieldtype.Type
}

// Column describes one output column.
type Column struct {
	Name string         `json:"name"`
	Type fieldtype.Type `json:"type"`
}

// Group is one node of the grouped display tree. Bookkeeping lives here, on
// the node, never inside row maps, so data fields can never collide with it.
type Group struct {
	Field    string         `json:"field"`
	Key      string         `json:"key"`
	Summary  resultset.Row  `json:"summary"`
	Children []*Group       `json:"children,omitempty"`
	Rows     resultset.Rows `json:"rows,omitempty"`
	Count    int            `json:"count"`
}

// Result is the display-ready outcome of a run. Exactly one of Rows or
// Groups is populated. Total counts the pagination units (rows when flat,
// top-level groups when grouped); TotalRows counts rows after filtering.
type Result struct {
	Rows      resultset.Rows `json:"rows,omitempty"`
	Groups    []*Group       `json:"groups,omitempty"`
	Columns   []Column       `json:"columns"`
	Total     int            `json:"total"`
	TotalRows int            `json:"totalRows"`
}

// Run applies the stages in their fixed order: auth, pre-filters, search,
// sort, group, paginate.
func Run(rows resultset.Rows, opts Options) *Result {
	rows = applyAuth(rows, opts.Auth)
	rows = applyFilters(rows, opts.Filters)
	rows = applySearch(rows, opts.Search)
	rows = applySort(rows, opts.Sort, opts.Types)

	columns := buildColumns(rows, opts.Types)
	res := &Result{Columns: columns, TotalRows: len(rows)}

	if len(opts.GroupBy) > 0 {
		groups := groupRows(rows, opts.GroupBy, opts.Percents, opts.Types)
		res.Total = len(groups)
		res.Groups = PageGroups(groups, opts.Page)
		return res
	}

	res.Total = len(rows)
	res.Rows = PageRows(rows, opts.Page)
	return res
}

// PageRows windows rows by page. Offsets past the end yield an empty slice,
// never an error.
func PageRows(rows resultset.Rows, page *Page) resultset.Rows {
	lo, hi, ok := window(len(rows), page)
	if !ok {
		return resultset.Rows{}
	}
	return rows[lo:hi]
}

// PageGroups windows top-level groups by page.
func PageGroups(groups []*Group, page *Page) []*Group {
	lo, hi, ok := window(len(groups), page)
	if !ok {
		return []*Group{}
	}
	return groups[lo:hi]
}

func window(n int, page *Page) (int, int, bool) {
	if page == nil {
		return 0, n, true
	}
	lo := page.Offset
	if lo < 0 {
		lo = 0
	}
	if lo >= n {
		return 0, 0, false
	}
	hi := n
	if page.Limit > 0 && lo+page.Limit < n {
		hi = lo + page.Limit
	}
	return lo, hi, true
}

// buildColumns unions the keys of every row, sorted for a deterministic
// listing, and types each column, letting overrides win over inference.
func buildColumns(rows resultset.Rows, overrides map[string]fieldtype.Type) []Column {
	seen := map[string]bool{}
	var names []string
	for _, row := range rows {
		for key := range row {
			if !seen[key] {
				seen[key] = true
				names = append(names, key)
			}
		}
	}
	sort.Strings(names)

	cols := make([]Column, 0, len(names))
	for _, name := range names {
		cols = append(cols, Column{Name: name, Type: fieldtype.TypeOf(name, rows, overrides)})
	}
	return cols
}
