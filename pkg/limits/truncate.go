package limits

// Truncated is a result trimmed to the ceilings, with flags recording what
// was cut.
type Truncated struct {
	Columns          []string
	Rows             [][]any
	TruncatedRows    bool
	TruncatedColumns bool
}

// Truncate keeps the first MaxRows rows and the first MaxColumns columns in
// the order they were requested. It never fails; whatever it cuts is flagged.
// The input slices are not modified.
func Truncate(columns []string, rows [][]any, lim ExecutionLimits) Truncated {
	out := Truncated{}

	keepCols := len(columns)
	if lim.MaxColumns > 0 && keepCols > lim.MaxColumns {
		keepCols = lim.MaxColumns
		out.TruncatedColumns = true
	}
	out.Columns = append([]string(nil), columns[:keepCols]...)

	keepRows := len(rows)
	if lim.MaxRows > 0 && keepRows > lim.MaxRows {
		keepRows = lim.MaxRows
		out.TruncatedRows = true
	}
	out.Rows = make([][]any, keepRows)
	for i := 0; i < keepRows; i++ {
		row := rows[i]
		n := keepCols
		if len(row) < n {
			n = len(row)
		}
		if len(row) > keepCols {
			out.TruncatedColumns = true
		}
		out.Rows[i] = append([]any(nil), row[:n]...)
	}
	return out
}
