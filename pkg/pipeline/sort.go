package pipeline

import (
	"sort"
	"strings"

	"github.com/querygrid/querygrid/pkg/fieldtype"
	"github.com/querygrid/querygrid/pkg/resultset"
)

// sortKey is one row's comparable value. ok=false means the value was
// missing or not interpretable for the column type; those rows keep their
// relative order at the end of the output in both directions. Date columns
// never produce ok=false: a missing or unreadable date compares as epoch 0.
type sortKey struct {
	num float64
	str string
	ok  bool
}

func applySort(rows resultset.Rows, spec *SortSpec, overrides map[string]fieldtype.Type) resultset.Rows {
	if spec == nil || spec.Field == "" || len(rows) < 2 {
		return rows
	}

	typ := spec.Type
	if typ == fieldtype.Unknown {
		typ = fieldtype.TypeOf(spec.Field, rows, overrides)
	}

	keys := make([]sortKey, len(rows))
	for i, row := range rows {
		keys[i] = makeSortKey(row, spec.Field, typ)
	}

	out := make(resultset.Rows, len(rows))
	copy(out, rows)

	idx := make([]int, len(rows))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		ka, kb := keys[idx[a]], keys[idx[b]]
		if ka.ok != kb.ok {
			return ka.ok
		}
		if !ka.ok {
			return false
		}
		if spec.Desc {
			ka, kb = kb, ka
		}
		if typ == fieldtype.String {
			return ka.str < kb.str
		}
		return ka.num < kb.num
	})

	for i, j := range idx {
		out[i] = rows[j]
	}
	return out
}

func makeSortKey(row resultset.Row, field string, typ fieldtype.Type) sortKey {
	v, found := resultset.Lookup(row, field)
	if typ == fieldtype.DateTime {
		if found && !fieldtype.IsNullLike(v) {
			if t, ok := fieldtype.ParseTime(v); ok {
				return sortKey{num: float64(t.UnixMilli()), ok: true}
			}
		}
		return sortKey{num: 0, ok: true}
	}
	if !found || fieldtype.IsNullLike(v) {
		return sortKey{}
	}

	switch typ {
	case fieldtype.Number:
		if f, ok := fieldtype.AsNumber(v); ok {
			return sortKey{num: f, ok: true}
		}
	case fieldtype.Boolean:
		if b, ok := fieldtype.AsBool(v); ok {
			if b {
				return sortKey{num: 1, ok: true}
			}
			return sortKey{num: 0, ok: true}
		}
	default:
		return sortKey{str: strings.ToLower(stringForm(v)), ok: true}
	}
	return sortKey{}
}

func stringForm(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return scalarKey(v)
}
