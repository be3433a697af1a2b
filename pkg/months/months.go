// Package months models calendar months and inclusive month ranges, the
// partitioning unit for cached query results.
package months

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

const keyLayout = "2006-01"

// Month identifies a single calendar month. The zero value is invalid and
// reports IsZero.
type Month struct {
	Year  int
	Month time.Month
}

func New(year int, month time.Month) Month {
	return Month{Year: year, Month: month}
}

// Parse reads a month key in YYYY-MM form.
func Parse(s string) (Month, error) {
	t, err := time.Parse(keyLayout, s)
	if err != nil {
		return Month{}, errors.Wrapf(err, "invalid month key %q", s)
	}
	return FromTime(t), nil
}

// FromTime returns the month containing t, evaluated in t's location.
func FromTime(t time.Time) Month {
	return Month{Year: t.Year(), Month: t.Month()}
}

func (m Month) IsZero() bool {
	return m.Year == 0 && m.Month == 0
}

// Key renders the canonical YYYY-MM partition key.
func (m Month) Key() string {
	return fmt.Sprintf("%04d-%02d", m.Year, int(m.Month))
}

func (m Month) String() string {
	return m.Key()
}

// Bounds returns the first instant of the month and the first instant of the
// following month, both UTC. The half-open pair is what gets injected as the
// from/to variables of a partitioned query.
func (m Month) Bounds() (time.Time, time.Time) {
	from := time.Date(m.Year, m.Month, 1, 0, 0, 0, 0, time.UTC)
	return from, from.AddDate(0, 1, 0)
}

func (m Month) Next() Month {
	from, _ := m.Bounds()
	return FromTime(from.AddDate(0, 1, 0))
}

func (m Month) Prev() Month {
	from, _ := m.Bounds()
	return FromTime(from.AddDate(0, -1, 0))
}

// ordinal collapses year and month onto a single axis so comparisons stay
// simple across year boundaries.
func (m Month) ordinal() int {
	return m.Year*12 + int(m.Month) - 1
}

func (m Month) Before(o Month) bool { return m.ordinal() < o.ordinal() }
func (m Month) After(o Month) bool  { return m.ordinal() > o.ordinal() }
func (m Month) Equal(o Month) bool  { return m.Year == o.Year && m.Month == o.Month }

func (m Month) MarshalJSON() ([]byte, error) {
	return []byte(`"` + m.Key() + `"`), nil
}

func (m *Month) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return errors.Errorf("invalid month key %s", string(data))
	}
	parsed, err := Parse(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Range is an inclusive span of calendar months.
type Range struct {
	From Month `json:"from"`
	To   Month `json:"to"`
}

// NewRange builds an inclusive range, swapping the endpoints if they arrive
// reversed.
func NewRange(from, to Month) Range {
	if to.Before(from) {
		from, to = to, from
	}
	return Range{From: from, To: to}
}

// ParseRange reads two YYYY-MM keys into an inclusive range.
func ParseRange(from, to string) (Range, error) {
	f, err := Parse(from)
	if err != nil {
		return Range{}, err
	}
	t, err := Parse(to)
	if err != nil {
		return Range{}, err
	}
	return NewRange(f, t), nil
}

func (r Range) IsZero() bool {
	return r.From.IsZero() && r.To.IsZero()
}

func (r Range) Validate() error {
	if r.From.IsZero() || r.To.IsZero() {
		return errors.New("month range requires both endpoints")
	}
	if r.To.Before(r.From) {
		return errors.Errorf("month range %s ends before it starts", r)
	}
	return nil
}

// Len is the number of months the range spans, endpoints included.
func (r Range) Len() int {
	if r.IsZero() {
		return 0
	}
	return r.To.ordinal() - r.From.ordinal() + 1
}

func (r Range) Contains(m Month) bool {
	return !m.Before(r.From) && !m.After(r.To)
}

// Keys expands the range into chronological order, oldest first.
func (r Range) Keys() []Month {
	if r.IsZero() {
		return nil
	}
	out := make([]Month, 0, r.Len())
	for m := r.From; !m.After(r.To); m = m.Next() {
		out = append(out, m)
	}
	return out
}

// KeysNewestFirst expands the range newest first, the order partitions are
// fetched in so recent data lands before historical backfill.
func (r Range) KeysNewestFirst() []Month {
	keys := r.Keys()
	for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
		keys[i], keys[j] = keys[j], keys[i]
	}
	return keys
}

func (r Range) String() string {
	return r.From.Key() + ".." + r.To.Key()
}
