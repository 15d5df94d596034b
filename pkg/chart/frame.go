package chart

import (
	"encoding/json"
	"strconv"
	"time"
)

// Frame is a tabular payload: column names in requested order and rows of
// JSON-friendly values.
type Frame struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// Index returns the position of a column, or -1.
func (f Frame) Index(column string) int {
	for i, c := range f.Columns {
		if c == column {
			return i
		}
	}
	return -1
}

// Has reports whether the frame has the column.
func (f Frame) Has(column string) bool { return f.Index(column) >= 0 }

// Value returns the cell at row i of column c, or nil if the row is short.
func (f Frame) Value(i, c int) any {
	if i < 0 || i >= len(f.Rows) || c < 0 || c >= len(f.Rows[i]) {
		return nil
	}
	return f.Rows[i][c]
}

// Records converts rows into column-keyed objects.
func (f Frame) Records() []map[string]any {
	out := make([]map[string]any, len(f.Rows))
	for i := range f.Rows {
		rec := make(map[string]any, len(f.Columns))
		for c, name := range f.Columns {
			rec[name] = f.Value(i, c)
		}
		out[i] = rec
	}
	return out
}

// FieldType is a Vega-Lite measurement type.
type FieldType string

const (
	Quantitative FieldType = "quantitative"
	Temporal     FieldType = "temporal"
	Nominal      FieldType = "nominal"
)

// InferType looks at every non-null value of a column. All numbers is
// quantitative, all timestamps is temporal, anything else nominal.
func (f Frame) InferType(column string) FieldType {
	c := f.Index(column)
	if c < 0 {
		return Nominal
	}
	numeric, temporal, seen := true, true, false
	for i := range f.Rows {
		v := f.Value(i, c)
		if v == nil {
			continue
		}
		seen = true
		if _, ok := ToFloat(v); !ok {
			numeric = false
		}
		if !isTimestamp(v) {
			temporal = false
		}
	}
	switch {
	case !seen:
		return Nominal
	case numeric:
		return Quantitative
	case temporal:
		return Temporal
	default:
		return Nominal
	}
}

// ToFloat converts numeric cell values. Numeric strings are not numbers.
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := strconv.ParseFloat(n.String(), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

var timestampLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"}

func isTimestamp(v any) bool {
	switch t := v.(type) {
	case time.Time:
		return true
	case string:
		for _, layout := range timestampLayouts {
			if _, err := time.Parse(layout, t); err == nil {
				return true
			}
		}
	}
	return false
}
