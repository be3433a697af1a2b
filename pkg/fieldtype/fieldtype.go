// Package fieldtype infers column types from sampled row values and provides
// the scalar predicates the transformation stages share. Inference runs on
// decoded JSON values, so the concrete Go types it sees are the jsoniter
// ones: string, float64, bool, nil.
package fieldtype

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/querygrid/querygrid/pkg/resultset"
)

// Type classifies a column for sorting, filtering and aggregation.
type Type int

const (
	Unknown Type = iota
	Boolean
	Number
	DateTime
	String
)

var typeNames = map[Type]string{
	Unknown:  "unknown",
	Boolean:  "boolean",
	Number:   "number",
	DateTime: "datetime",
	String:   "string",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return "unknown"
}

// ParseType reads a type name as it appears in definition documents. A few
// aliases are accepted because the documents were written by hand.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "boolean", "bool":
		return Boolean, nil
	case "number", "numeric", "float", "int":
		return Number, nil
	case "datetime", "date", "timestamp":
		return DateTime, nil
	case "string", "text":
		return String, nil
	}
	return Unknown, errors.Errorf("unrecognized field type %q", s)
}

func (t Type) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.String() + `"`), nil
}

func (t *Type) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseType(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// IsNullLike reports whether v counts as absent: nil or the empty string.
func IsNullLike(v interface{}) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}

// AsNumber converts v to a float64 when it carries a usable numeric value.
// NaN and infinities report false; booleans are not numbers.
func AsNumber(v interface{}) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return 0, false
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// IsNumeric reports whether AsNumber would succeed.
func IsNumeric(v interface{}) bool {
	_, ok := AsNumber(v)
	return ok
}

// AsBool converts v to a bool. Strings "true" and "false" are accepted since
// some endpoints serialize flags that way.
func AsBool(v interface{}) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "true":
			return true, true
		case "false":
			return false, true
		}
	}
	return false, false
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTime converts v to a time. Strings try RFC3339 and the two date
// layouts the document store emits; numbers are only treated as epoch
// milliseconds when they are large enough to be unambiguous.
func ParseTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range timeLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed, true
			}
		}
		return time.Time{}, false
	}
	if f, ok := AsNumber(v); ok && f > 1e11 && f < 1e14 {
		return time.UnixMilli(int64(f)).UTC(), true
	}
	return time.Time{}, false
}

// classify types a single sampled value. Numbers never classify as DateTime
// here; epoch-millis columns need an explicit override.
func classify(v interface{}) Type {
	if _, ok := v.(bool); ok {
		return Boolean
	}
	if _, ok := AsNumber(v); ok {
		return Number
	}
	switch v.(type) {
	case string, time.Time:
		if _, ok := ParseTime(v); ok {
			return DateTime
		}
	}
	return String
}

// sampleSize caps how many non-null values inference inspects per column.
const sampleSize = 30

// sample draws up to sampleSize non-null values for path, stratified across
// the first, middle and final thirds of rows so a column that changes shape
// partway through still gets seen.
func sample(rows resultset.Rows, path string) []interface{} {
	if len(rows) == 0 {
		return nil
	}

	per := sampleSize / 3
	third := len(rows) / 3
	bounds := [][2]int{
		{0, third},
		{third, 2 * third},
		{2 * third, len(rows)},
	}
	if third == 0 {
		bounds = [][2]int{{0, len(rows)}}
		per = sampleSize
	}

	out := make([]interface{}, 0, sampleSize)
	for _, b := range bounds {
		taken := 0
		for i := b[0]; i < b[1] && taken < per; i++ {
			v, ok := resultset.Lookup(rows[i], path)
			if !ok || IsNullLike(v) {
				continue
			}
			out = append(out, v)
			taken++
		}
	}
	return out
}

// Infer determines the type of the column at path by majority vote over a
// stratified sample. Columns with no usable values infer as String.
func Infer(rows resultset.Rows, path string) Type {
	values := sample(rows, path)
	if len(values) == 0 {
		return String
	}

	counts := map[Type]int{}
	for _, v := range values {
		counts[classify(v)]++
	}

	best, bestCount := String, -1
	for _, t := range []Type{Boolean, Number, DateTime, String} {
		if c := counts[t]; c > bestCount {
			best, bestCount = t, c
		}
	}
	return best
}

// TypeOf resolves a column type, letting an explicit override win over
// inference.
func TypeOf(path string, rows resultset.Rows, overrides map[string]Type) Type {
	if t, ok := overrides[path]; ok && t != Unknown {
		return t
	}
	return Infer(rows, path)
}
