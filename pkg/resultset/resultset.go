// Package resultset carries decoded query results. A payload holds one slice
// of rows per named result set, exactly as the remote endpoint returned them;
// downstream stages treat rows as read-only and build new slices.
package resultset

import (
	"sort"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

// json sticks to standard-library semantics: map keys marshal sorted, which
// is what makes CanonicalJSON stable enough to compare byte for byte.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Row is a single result record. Values are whatever the decoder produced:
// string, float64, bool, nil, nested map[string]interface{} or
// []interface{}.
type Row = map[string]interface{}

// Rows is an ordered result set.
type Rows = []Row

// Payload maps result set names to their rows. A query returning
//
//	{"orders": [...], "totals": [...]}
//
// yields a two-entry payload.
type Payload map[string]Rows

// Lookup resolves a dotted path ("customer.address.city") against a row.
// Every hop but the last must be a map; the bool reports whether the full
// path resolved, distinguishing an explicit null from a missing field.
func Lookup(row Row, path string) (interface{}, bool) {
	if row == nil || path == "" {
		return nil, false
	}
	cur := row
	for {
		i := strings.IndexByte(path, '.')
		if i < 0 {
			v, ok := cur[path]
			return v, ok
		}
		next, ok := cur[path[:i]]
		if !ok {
			return nil, false
		}
		cur, ok = next.(map[string]interface{})
		if !ok {
			return nil, false
		}
		path = path[i+1:]
	}
}

// DecodePayload parses the data object of a response body. Elements of a
// result set that are not JSON objects are dropped rather than failing the
// whole payload; the skipped count is returned so callers can log it.
func DecodePayload(data []byte) (Payload, int, error) {
	var raw map[string][]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, 0, errors.Wrap(err, "decoding result payload")
	}

	skipped := 0
	out := make(Payload, len(raw))
	for name, elems := range raw {
		rows := make(Rows, 0, len(elems))
		for _, e := range elems {
			row, ok := e.(map[string]interface{})
			if !ok {
				skipped++
				continue
			}
			rows = append(rows, row)
		}
		out[name] = rows
	}
	return out, skipped, nil
}

// CanonicalJSON marshals v with sorted keys. Equal values always produce
// equal bytes, so the output doubles as an equality signature.
func CanonicalJSON(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "canonical marshal")
	}
	return b, nil
}

// Names returns the payload's result set names sorted, for deterministic
// iteration.
func (p Payload) Names() []string {
	names := make([]string, 0, len(p))
	for name := range p {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RowCount sums rows across all result sets.
func (p Payload) RowCount() int {
	n := 0
	for _, rows := range p {
		n += len(rows)
	}
	return n
}

// Append merges other into p by appending rows per result set name. Existing
// rows keep their position; appending never overwrites.
func (p Payload) Append(other Payload) {
	for name, rows := range other {
		p[name] = append(p[name], rows...)
	}
}

// Clone copies the payload's structure. Rows themselves are shared; stages
// that mutate must copy the row first.
func (p Payload) Clone() Payload {
	out := make(Payload, len(p))
	for name, rows := range p {
		cp := make(Rows, len(rows))
		copy(cp, rows)
		out[name] = cp
	}
	return out
}
