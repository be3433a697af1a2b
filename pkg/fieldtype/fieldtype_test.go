package fieldtype

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/querygrid/querygrid/pkg/resultset"
)

func TestAsNumber(t *testing.T) {
	for _, tc := range []struct {
		name   string
		in     interface{}
		want   float64
		wantOK bool
	}{
		{name: "float64", in: float64(1.5), want: 1.5, wantOK: true},
		{name: "int", in: 42, want: 42, wantOK: true},
		{name: "numeric string", in: " 3.25 ", want: 3.25, wantOK: true},
		{name: "negative string", in: "-7", want: -7, wantOK: true},
		{name: "empty string", in: ""},
		{name: "word", in: "abc"},
		{name: "bool", in: true},
		{name: "nil", in: nil},
		{name: "nan", in: math.NaN()},
		{name: "inf", in: math.Inf(1)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := AsNumber(tc.in)
			require.Equal(t, tc.wantOK, ok)
			if tc.wantOK {
				require.Equal(t, tc.want, got)
			}
		})
	}
}

func TestAsBool(t *testing.T) {
	b, ok := AsBool(true)
	require.True(t, ok)
	require.True(t, b)

	b, ok = AsBool("False")
	require.True(t, ok)
	require.False(t, b)

	_, ok = AsBool("yes")
	require.False(t, ok)
	_, ok = AsBool(1)
	require.False(t, ok)
}

func TestParseTime(t *testing.T) {
	ts, ok := ParseTime("2024-03-15T10:30:00Z")
	require.True(t, ok)
	require.Equal(t, 2024, ts.Year())

	ts, ok = ParseTime("2024-03-15 10:30:00")
	require.True(t, ok)
	require.Equal(t, 10, ts.Hour())

	ts, ok = ParseTime("2024-03-15")
	require.True(t, ok)
	require.Equal(t, time.March, ts.Month())

	// epoch millis for 2021-01-01T00:00:00Z
	ts, ok = ParseTime(float64(1609459200000))
	require.True(t, ok)
	require.Equal(t, 2021, ts.Year())

	_, ok = ParseTime("not a date")
	require.False(t, ok)
	_, ok = ParseTime(float64(42)) // too small for epoch millis
	require.False(t, ok)
}

func TestIsNullLike(t *testing.T) {
	require.True(t, IsNullLike(nil))
	require.True(t, IsNullLike(""))
	require.False(t, IsNullLike("x"))
	require.False(t, IsNullLike(float64(0)))
	require.False(t, IsNullLike(false))
}

func rowsOf(path string, values ...interface{}) resultset.Rows {
	rows := make(resultset.Rows, 0, len(values))
	for _, v := range values {
		rows = append(rows, resultset.Row{path: v})
	}
	return rows
}

func TestInfer(t *testing.T) {
	for _, tc := range []struct {
		name string
		rows resultset.Rows
		want Type
	}{
		{name: "numbers", rows: rowsOf("v", 1.0, 2.0, 3.5), want: Number},
		{name: "numeric strings", rows: rowsOf("v", "1", "2", "3"), want: Number},
		{name: "booleans", rows: rowsOf("v", true, false, true), want: Boolean},
		{name: "dates", rows: rowsOf("v", "2024-01-01", "2024-02-01"), want: DateTime},
		{name: "strings", rows: rowsOf("v", "a", "b", "c"), want: String},
		{name: "nulls ignored", rows: rowsOf("v", nil, "", 5.0, 6.0), want: Number},
		{name: "empty column", rows: rowsOf("v", nil, nil), want: String},
		{name: "no rows", rows: nil, want: String},
		{name: "majority wins", rows: rowsOf("v", "x", 1.0, 2.0), want: Number},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Infer(tc.rows, "v"))
		})
	}
}

// A column whose early rows are all null must still infer from values that
// only appear near the end.
func TestInferSamplesAllThirds(t *testing.T) {
	rows := make(resultset.Rows, 0, 90)
	for i := 0; i < 60; i++ {
		rows = append(rows, resultset.Row{"v": nil})
	}
	for i := 0; i < 30; i++ {
		rows = append(rows, resultset.Row{"v": float64(i)})
	}
	require.Equal(t, Number, Infer(rows, "v"))
}

// When the column drifts from numbers to strings, every third contributes to
// the vote instead of only the head of the slice.
func TestInferStratifiedVote(t *testing.T) {
	rows := make(resultset.Rows, 0, 300)
	for i := 0; i < 100; i++ {
		rows = append(rows, resultset.Row{"v": float64(i)})
	}
	for i := 0; i < 200; i++ {
		rows = append(rows, resultset.Row{"v": "text"})
	}
	require.Equal(t, String, Infer(rows, "v"))
}

func TestTypeOfOverrideWins(t *testing.T) {
	rows := rowsOf("v", "1", "2")
	require.Equal(t, Number, TypeOf("v", rows, nil))
	require.Equal(t, String, TypeOf("v", rows, map[string]Type{"v": String}))
	require.Equal(t, Number, TypeOf("v", rows, map[string]Type{"v": Unknown}))
}

func TestParseTypeAndJSON(t *testing.T) {
	typ, err := ParseType("Date")
	require.NoError(t, err)
	require.Equal(t, DateTime, typ)

	_, err = ParseType("struct")
	require.Error(t, err)

	data, err := Number.MarshalJSON()
	require.NoError(t, err)
	require.Equal(t, `"number"`, string(data))

	var parsed Type
	require.NoError(t, parsed.UnmarshalJSON([]byte(`"boolean"`)))
	require.Equal(t, Boolean, parsed)
	require.Error(t, parsed.UnmarshalJSON([]byte(`"nope"`)))
}
