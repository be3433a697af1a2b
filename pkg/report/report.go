// Package report pivots rows into a wide time-bucketed table: one row per
// group value, one column per (period, metric) pair, cells summing the
// metric over the bucket. Periods follow the configured granularity; weeks
// are ISO weeks, so year boundaries land in the week's ISO year.
package report

import (
	"fmt"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/querygrid/querygrid/pkg/fieldtype"
	"github.com/querygrid/querygrid/pkg/pipeline"
	"github.com/querygrid/querygrid/pkg/resultset"
)

// Granularity selects the time bucket size.
type Granularity string

const (
	Day     Granularity = "day"
	Week    Granularity = "week"
	Month   Granularity = "month"
	Quarter Granularity = "quarter"
	Year    Granularity = "year"
)

func (g Granularity) Validate() error {
	switch g {
	case Day, Week, Month, Quarter, Year:
		return nil
	}
	return errors.Errorf("unrecognized report granularity %q", string(g))
}

// Options configures one report build.
type Options struct {
	// DateField is the dotted path holding the row's timestamp.
	DateField   string      `json:"dateField"`
	Granularity Granularity `json:"granularity"`

	// Metrics are the numeric columns summed per bucket.
	Metrics []string `json:"metrics"`

	// GroupField is the primary dimension. Empty produces a single row
	// spanning all input.
	GroupField string `json:"groupField,omitempty"`

	// SubGroupField breaks each primary row down one more level.
	SubGroupField string `json:"subGroupField,omitempty"`
}

func (o Options) Validate() error {
	if o.DateField == "" {
		return errors.New("report requires a date field")
	}
	if len(o.Metrics) == 0 {
		return errors.New("report requires at least one metric")
	}
	if o.SubGroupField != "" && o.GroupField == "" {
		return errors.New("report sub-group requires a group field")
	}
	return o.Granularity.Validate()
}

// Table is a built report. Rows is the flat wide table; Groups replaces it
// when a sub-group is configured. Columns carries the forced Number type for
// every generated cell column, since inference over sparse synthesized
// columns is unreliable.
type Table struct {
	Rows    resultset.Rows    `json:"rows,omitempty"`
	Groups  []*pipeline.Group `json:"groups,omitempty"`
	Columns []pipeline.Column `json:"columns"`
	Periods []string          `json:"periods"`

	// SkippedRows counts input rows without a usable timestamp.
	SkippedRows int `json:"skippedRows,omitempty"`
}

// PeriodKey formats the bucket key for t. Keys compare lexically in
// chronological order within one granularity.
func PeriodKey(t time.Time, g Granularity) string {
	switch g {
	case Day:
		return t.Format("2006-01-02")
	case Week:
		year, week := t.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	case Month:
		return t.Format("2006-01")
	case Quarter:
		return fmt.Sprintf("%04d-Q%d", t.Year(), (int(t.Month())-1)/3+1)
	default:
		return fmt.Sprintf("%04d", t.Year())
	}
}

type bucketKey struct {
	primary   string
	secondary string
	period    string
}

// Build pivots rows per Options. Input rows are not mutated.
func Build(rows resultset.Rows, opts Options) (*Table, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	sums := map[bucketKey]map[string]float64{}
	periodSet := map[string]bool{}
	var primaryOrder []string
	secondaryOrder := map[string][]string{}
	seen := map[[2]string]bool{}
	skipped := 0

	for _, row := range rows {
		if row == nil {
			skipped++
			continue
		}
		rawDate, ok := resultset.Lookup(row, opts.DateField)
		if !ok {
			skipped++
			continue
		}
		ts, ok := fieldtype.ParseTime(rawDate)
		if !ok {
			skipped++
			continue
		}
		period := PeriodKey(ts, opts.Granularity)
		periodSet[period] = true

		primary := groupValue(row, opts.GroupField)
		secondary := groupValue(row, opts.SubGroupField)

		if !seen[[2]string{primary, ""}] {
			seen[[2]string{primary, ""}] = true
			primaryOrder = append(primaryOrder, primary)
		}
		if opts.SubGroupField != "" && !seen[[2]string{primary, secondary}] {
			seen[[2]string{primary, secondary}] = true
			secondaryOrder[primary] = append(secondaryOrder[primary], secondary)
		}

		accumulate(sums, bucketKey{primary, "", period}, row, opts.Metrics)
		if opts.SubGroupField != "" {
			accumulate(sums, bucketKey{primary, secondary, period}, row, opts.Metrics)
		}
	}

	periods := make([]string, 0, len(periodSet))
	for p := range periodSet {
		periods = append(periods, p)
	}
	sort.Strings(periods)

	table := &Table{
		Periods:     periods,
		Columns:     buildColumns(opts, periods),
		SkippedRows: skipped,
	}

	if opts.SubGroupField == "" {
		table.Rows = make(resultset.Rows, 0, len(primaryOrder))
		for _, primary := range primaryOrder {
			table.Rows = append(table.Rows, buildRow(sums, primary, "", periods, opts))
		}
		return table, nil
	}

	table.Groups = make([]*pipeline.Group, 0, len(primaryOrder))
	for _, primary := range primaryOrder {
		g := &pipeline.Group{
			Field:   opts.GroupField,
			Key:     primary,
			Summary: buildRow(sums, primary, "", periods, opts),
		}
		for _, secondary := range secondaryOrder[primary] {
			childRow := buildRow(sums, primary, secondary, periods, opts)
			childRow[opts.SubGroupField] = secondary
			g.Rows = append(g.Rows, childRow)
		}
		g.Count = len(g.Rows)
		table.Groups = append(table.Groups, g)
	}
	return table, nil
}

func groupValue(row resultset.Row, field string) string {
	if field == "" {
		return ""
	}
	v, ok := resultset.Lookup(row, field)
	if !ok || fieldtype.IsNullLike(v) {
		return "null"
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func accumulate(sums map[bucketKey]map[string]float64, key bucketKey, row resultset.Row, metrics []string) {
	cells := sums[key]
	if cells == nil {
		cells = make(map[string]float64, len(metrics))
		sums[key] = cells
	}
	for _, metric := range metrics {
		if v, ok := resultset.Lookup(row, metric); ok {
			if f, ok := fieldtype.AsNumber(v); ok {
				cells[metric] += f
			}
		}
	}
}

// CellColumn names the output column for one (period, metric) pair.
func CellColumn(period, metric string) string {
	return period + " " + metric
}

func buildRow(sums map[bucketKey]map[string]float64, primary, secondary string, periods []string, opts Options) resultset.Row {
	row := resultset.Row{}
	if opts.GroupField != "" {
		row[opts.GroupField] = primary
	}
	for _, period := range periods {
		cells, ok := sums[bucketKey{primary, secondary, period}]
		if !ok {
			continue
		}
		for _, metric := range opts.Metrics {
			row[CellColumn(period, metric)] = cells[metric]
		}
	}
	return row
}

func buildColumns(opts Options, periods []string) []pipeline.Column {
	cols := make([]pipeline.Column, 0, len(periods)*len(opts.Metrics)+2)
	if opts.GroupField != "" {
		cols = append(cols, pipeline.Column{Name: opts.GroupField, Type: fieldtype.String})
	}
	if opts.SubGroupField != "" {
		cols = append(cols, pipeline.Column{Name: opts.SubGroupField, Type: fieldtype.String})
	}
	for _, period := range periods {
		for _, metric := range opts.Metrics {
			cols = append(cols, pipeline.Column{Name: CellColumn(period, metric), Type: fieldtype.Number})
		}
	}
	return cols
}

// TypeOverrides exposes the forced Number typing of generated columns as an
// override map for downstream sorting.
func (t *Table) TypeOverrides() map[string]fieldtype.Type {
	overrides := make(map[string]fieldtype.Type, len(t.Columns))
	for _, c := range t.Columns {
		overrides[c.Name] = c.Type
	}
	return overrides
}
