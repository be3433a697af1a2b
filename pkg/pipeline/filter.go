package pipeline

import (
	"fmt"
	"strings"

	"github.com/querygrid/querygrid/pkg/fieldtype"
	"github.com/querygrid/querygrid/pkg/resultset"
)

// scalarKey normalizes a row value for set membership. Numbers, booleans and
// strings collapse onto one string form so filter values arriving as JSON
// strings still match numeric columns.
func scalarKey(v interface{}) string {
	if f, ok := fieldtype.AsNumber(v); ok {
		return fmt.Sprintf("%v", f)
	}
	return fmt.Sprintf("%v", v)
}

func applyAuth(rows resultset.Rows, scope *AuthScope) resultset.Rows {
	if scope == nil || scope.Admin || len(scope.Allow) == 0 {
		return rows
	}

	allowSets := make(map[string]map[string]bool, len(scope.Allow))
	for field, values := range scope.Allow {
		set := make(map[string]bool, len(values))
		for _, v := range values {
			set[v] = true
		}
		allowSets[field] = set
	}

	out := make(resultset.Rows, 0, len(rows))
	for _, row := range rows {
		if row == nil {
			continue
		}
		keep := true
		for field, set := range allowSets {
			v, ok := resultset.Lookup(row, field)
			if !ok || fieldtype.IsNullLike(v) || !set[scalarKey(v)] {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, row)
		}
	}
	return out
}

func applyFilters(rows resultset.Rows, filters []Filter) resultset.Rows {
	if len(filters) == 0 {
		return rows
	}

	type compiled struct {
		field     string
		values    map[string]bool
		allowNull bool
	}
	compiledFilters := make([]compiled, 0, len(filters))
	for _, f := range filters {
		if f.Field == "" || len(f.In) == 0 {
			continue
		}
		c := compiled{field: f.Field, values: make(map[string]bool, len(f.In))}
		for _, v := range f.In {
			if v == NullToken {
				c.allowNull = true
				continue
			}
			c.values[normalizeFilterValue(v)] = true
		}
		compiledFilters = append(compiledFilters, c)
	}
	if len(compiledFilters) == 0 {
		return rows
	}

	out := make(resultset.Rows, 0, len(rows))
	for _, row := range rows {
		if row == nil {
			continue
		}
		keep := true
		for _, f := range compiledFilters {
			v, ok := resultset.Lookup(row, f.field)
			if !ok || fieldtype.IsNullLike(v) {
				if !f.allowNull {
					keep = false
					break
				}
				continue
			}
			if !f.values[scalarKey(v)] {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, row)
		}
	}
	return out
}

// normalizeFilterValue runs filter inputs through the same normalization as
// row values so "1.0" and 1 land on the same key.
func normalizeFilterValue(v string) string {
	return scalarKey(v)
}

func applySearch(rows resultset.Rows, spec *SearchSpec) resultset.Rows {
	if spec == nil || spec.Term == "" || len(spec.Fields) == 0 {
		return rows
	}
	term := strings.ToLower(spec.Term)

	out := make(resultset.Rows, 0, len(rows))
	for _, row := range rows {
		if row == nil {
			continue
		}
		if strings.Contains(searchText(row, spec.Fields), term) {
			out = append(out, row)
		}
	}
	return out
}

// searchText joins the lowercase string forms of the search fields. The
// separator keeps a term from matching across two adjacent field values.
func searchText(row resultset.Row, fields []string) string {
	var b strings.Builder
	for i, field := range fields {
		v, ok := resultset.Lookup(row, field)
		if !ok || fieldtype.IsNullLike(v) {
			continue
		}
		if i > 0 {
			b.WriteByte('\x00')
		}
		b.WriteString(strings.ToLower(fmt.Sprintf("%v", v)))
	}
	return b.String()
}
