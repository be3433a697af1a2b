package months

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	for _, tc := range []struct {
		in      string
		want    Month
		wantErr bool
	}{
		{in: "2024-01", want: Month{2024, time.January}},
		{in: "1999-12", want: Month{1999, time.December}},
		{in: "2024-13", wantErr: true},
		{in: "2024", wantErr: true},
		{in: "", wantErr: true},
		{in: "2024-1", wantErr: true},
	} {
		t.Run(tc.in, func(t *testing.T) {
			got, err := Parse(tc.in)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
			require.Equal(t, tc.in, got.Key())
		})
	}
}

func TestMonthBounds(t *testing.T) {
	from, to := Month{2024, time.February}.Bounds()
	require.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), from)
	require.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), to)

	// leap year must not leak into the upper bound
	from, to = Month{2023, time.December}.Bounds()
	require.Equal(t, time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC), from)
	require.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), to)
}

func TestMonthOrdering(t *testing.T) {
	dec := Month{2023, time.December}
	jan := Month{2024, time.January}

	require.True(t, dec.Before(jan))
	require.True(t, jan.After(dec))
	require.False(t, jan.Equal(dec))
	require.Equal(t, jan, dec.Next())
	require.Equal(t, dec, jan.Prev())
}

func TestRangeKeys(t *testing.T) {
	r := NewRange(Month{2023, time.November}, Month{2024, time.February})
	require.Equal(t, 4, r.Len())

	keys := r.Keys()
	require.Equal(t, []Month{
		{2023, time.November},
		{2023, time.December},
		{2024, time.January},
		{2024, time.February},
	}, keys)

	newest := r.KeysNewestFirst()
	require.Equal(t, Month{2024, time.February}, newest[0])
	require.Equal(t, Month{2023, time.November}, newest[3])
	// Keys must not be mutated by the reversal.
	require.Equal(t, Month{2023, time.November}, r.Keys()[0])
}

func TestRangeNormalizesReversedEndpoints(t *testing.T) {
	r := NewRange(Month{2024, time.March}, Month{2024, time.January})
	require.Equal(t, Month{2024, time.January}, r.From)
	require.Equal(t, Month{2024, time.March}, r.To)
	require.NoError(t, r.Validate())
}

func TestRangeValidate(t *testing.T) {
	require.Error(t, Range{}.Validate())
	require.Error(t, Range{From: Month{2024, time.January}}.Validate())
	require.NoError(t, Range{From: Month{2024, time.January}, To: Month{2024, time.January}}.Validate())
}

func TestRangeContains(t *testing.T) {
	r := NewRange(Month{2024, time.January}, Month{2024, time.March})
	require.True(t, r.Contains(Month{2024, time.January}))
	require.True(t, r.Contains(Month{2024, time.March}))
	require.False(t, r.Contains(Month{2023, time.December}))
	require.False(t, r.Contains(Month{2024, time.April}))
}

func TestMonthJSONRoundtrip(t *testing.T) {
	var m Month
	require.NoError(t, m.UnmarshalJSON([]byte(`"2024-07"`)))
	require.Equal(t, Month{2024, time.July}, m)

	data, err := m.MarshalJSON()
	require.NoError(t, err)
	require.Equal(t, `"2024-07"`, string(data))

	require.Error(t, m.UnmarshalJSON([]byte(`2024`)))
	require.Error(t, m.UnmarshalJSON([]byte(`"2024/07"`)))
}

func TestZeroRange(t *testing.T) {
	var r Range
	require.True(t, r.IsZero())
	require.Zero(t, r.Len())
	require.Nil(t, r.Keys())
}
