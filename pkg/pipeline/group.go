package pipeline

import (
	"github.com/querygrid/querygrid/pkg/fieldtype"
	"github.com/querygrid/querygrid/pkg/resultset"
)

// nullGroupKey buckets rows whose group field is null-like.
const nullGroupKey = "null"

func groupRows(rows resultset.Rows, fields []string, percents []PercentSpec, overrides map[string]fieldtype.Type) []*Group {
	if len(rows) == 0 || len(fields) == 0 {
		return []*Group{}
	}
	// The numeric column set is decided once over the whole input so every
	// summary, at every level, sums the same columns.
	numeric := numericColumns(rows, percents, overrides)
	return groupLevel(rows, fields, 0, percents, numeric)
}

func groupLevel(rows resultset.Rows, fields []string, level int, percents []PercentSpec, numeric map[string]bool) []*Group {
	field := fields[level]

	var order []string
	buckets := map[string]resultset.Rows{}
	rawValues := map[string]interface{}{}
	for _, row := range rows {
		if row == nil {
			continue
		}
		key := nullGroupKey
		var raw interface{}
		if v, ok := resultset.Lookup(row, field); ok && !fieldtype.IsNullLike(v) {
			key = stringForm(v)
			raw = v
		}
		if _, seen := buckets[key]; !seen {
			order = append(order, key)
			rawValues[key] = raw
		}
		buckets[key] = append(buckets[key], row)
	}

	groups := make([]*Group, 0, len(order))
	for _, key := range order {
		bucket := buckets[key]
		g := &Group{
			Field:   field,
			Key:     key,
			Count:   len(bucket),
			Summary: summarize(bucket, field, rawValues[key], numeric, percents),
		}
		if level+1 < len(fields) {
			g.Children = groupLevel(bucket, fields, level+1, percents, numeric)
		} else {
			g.Rows = bucket
		}
		groups = append(groups, g)
	}
	return groups
}

// numericColumns decides which columns summaries sum: every column typing as
// Number, minus declared percentage columns, which get recomputed instead.
func numericColumns(rows resultset.Rows, percents []PercentSpec, overrides map[string]fieldtype.Type) map[string]bool {
	seen := map[string]bool{}
	for _, row := range rows {
		for key := range row {
			seen[key] = true
		}
	}

	isPercent := map[string]bool{}
	for _, p := range percents {
		isPercent[p.Name] = true
	}

	numeric := map[string]bool{}
	for key := range seen {
		if isPercent[key] {
			continue
		}
		if fieldtype.TypeOf(key, rows, overrides) == fieldtype.Number {
			numeric[key] = true
		}
	}
	return numeric
}

// summarize rolls a bucket of rows into one summary row: numeric columns
// sum, percentage columns recompute from the summed parts, the group field
// carries the shared value, and every other column takes its first non-null
// value.
func summarize(rows resultset.Rows, field string, fieldValue interface{}, numeric map[string]bool, percents []PercentSpec) resultset.Row {
	summary := resultset.Row{}

	toSum := make(map[string]bool, len(numeric)+2*len(percents))
	for col := range numeric {
		toSum[col] = true
	}
	for _, p := range percents {
		toSum[p.Numerator] = true
		toSum[p.Denominator] = true
	}

	sums := make(map[string]float64, len(toSum))
	for _, row := range rows {
		for col := range toSum {
			if v, ok := resultset.Lookup(row, col); ok {
				if f, ok := fieldtype.AsNumber(v); ok {
					sums[col] += f
				}
			}
		}
	}
	for col := range numeric {
		summary[col] = sums[col]
	}

	for _, p := range percents {
		den := sums[p.Denominator]
		if den == 0 {
			summary[p.Name] = float64(0)
			continue
		}
		summary[p.Name] = sums[p.Numerator] / den * 100
	}

	skip := map[string]bool{field: true}
	for _, p := range percents {
		skip[p.Name] = true
	}
	for _, row := range rows {
		for col, v := range row {
			if skip[col] || numeric[col] {
				continue
			}
			if _, done := summary[col]; done {
				continue
			}
			if !fieldtype.IsNullLike(v) {
				summary[col] = v
			}
		}
	}

	summary[field] = fieldValue
	return summary
}
