package kestrel

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Column names one column of a result table.  Name is always a
// canonical attribute name; native column names never escape the
// backend that produced them.
type Column struct {
	Name string `json:"name"`
	Type Type   `json:"type"`
}

// Row holds one row of normalized cells, index-aligned with the
// table's columns.
type Row []any

// Table is the in-memory result set exchanged between backends, the
// cache, and display rendering.  Cells are normalized values as
// produced by Normalize.
type Table struct {
	Columns []Column
	Rows    []Row
}

func NewTable(columns ...Column) *Table {
	return &Table{Columns: columns}
}

// ColumnIndex returns the index of the named column or -1.
func (t *Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

func (t *Table) Len() int {
	return len(t.Rows)
}

// AppendRow normalizes cells and appends them as a new row.  The cell
// count must match the column count.
func (t *Table) AppendRow(cells ...any) {
	if len(cells) != len(t.Columns) {
		panic(fmt.Sprintf("table: appending %d cells to %d columns", len(cells), len(t.Columns)))
	}
	row := make(Row, len(cells))
	for i, v := range cells {
		row[i] = Normalize(v)
	}
	t.Rows = append(t.Rows, row)
}

// Project returns a new table holding the named columns in the given
// order.  Unknown names are reported together in one error.
func (t *Table) Project(names []string) (*Table, error) {
	indexes := make([]int, 0, len(names))
	var missing []string
	for _, name := range names {
		i := t.ColumnIndex(name)
		if i < 0 {
			missing = append(missing, name)
			continue
		}
		indexes = append(indexes, i)
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("no such column: %s", strings.Join(missing, ", "))
	}
	out := &Table{Columns: make([]Column, len(indexes))}
	for i, idx := range indexes {
		out.Columns[i] = t.Columns[idx]
	}
	out.Rows = make([]Row, len(t.Rows))
	for r, row := range t.Rows {
		cells := make(Row, len(indexes))
		for i, idx := range indexes {
			cells[i] = row[idx]
		}
		out.Rows[r] = cells
	}
	return out, nil
}

// Head returns a table holding at most n rows.  Negative n means all
// rows.
func (t *Table) Head(n int) *Table {
	if n < 0 || n >= len(t.Rows) {
		return t.Clone()
	}
	out := &Table{Columns: append([]Column(nil), t.Columns...)}
	out.Rows = make([]Row, n)
	for i := 0; i < n; i++ {
		out.Rows[i] = append(Row(nil), t.Rows[i]...)
	}
	return out
}

// SortBy stably sorts rows by the named column.
func (t *Table) SortBy(name string, ascending bool) error {
	col := t.ColumnIndex(name)
	if col < 0 {
		return fmt.Errorf("no such column: %s", name)
	}
	sort.SliceStable(t.Rows, func(i, j int) bool {
		c := CompareValues(t.Rows[i][col], t.Rows[j][col])
		if ascending {
			return c < 0
		}
		return c > 0
	})
	return nil
}

// Clone returns a deep copy so cached tables can be handed out without
// aliasing the cache's storage.
func (t *Table) Clone() *Table {
	out := &Table{Columns: append([]Column(nil), t.Columns...)}
	out.Rows = make([]Row, len(t.Rows))
	for i, row := range t.Rows {
		out.Rows[i] = append(Row(nil), row...)
	}
	return out
}

// Format renders the table as aligned text for display output.
func (t *Table) Format() string {
	widths := make([]int, len(t.Columns))
	for i, c := range t.Columns {
		widths[i] = len(c.Name)
	}
	cells := make([][]string, len(t.Rows))
	for r, row := range t.Rows {
		cells[r] = make([]string, len(row))
		for i, v := range row {
			s := FormatValue(v)
			cells[r][i] = s
			if i < len(widths) && len(s) > widths[i] {
				widths[i] = len(s)
			}
		}
	}
	var b strings.Builder
	for i, c := range t.Columns {
		if i > 0 {
			b.WriteString("  ")
		}
		fmt.Fprintf(&b, "%-*s", widths[i], c.Name)
	}
	b.WriteByte('\n')
	for _, row := range cells {
		for i, s := range row {
			if i > 0 {
				b.WriteString("  ")
			}
			fmt.Fprintf(&b, "%-*s", widths[i], s)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

type tableJSON struct {
	Columns []Column `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// MarshalJSON encodes the table with times rendered as RFC 3339 strings
// so the encoding survives a round trip through the cache.
func (t *Table) MarshalJSON() ([]byte, error) {
	out := tableJSON{Columns: t.Columns, Rows: make([][]any, len(t.Rows))}
	for i, row := range t.Rows {
		cells := make([]any, len(row))
		for j, v := range row {
			if ts, ok := v.(time.Time); ok {
				cells[j] = ts.UTC().Format(time.RFC3339Nano)
			} else {
				cells[j] = v
			}
		}
		out.Rows[i] = cells
	}
	return json.Marshal(out)
}

func (t *Table) UnmarshalJSON(data []byte) error {
	var in tableJSON
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&in); err != nil {
		return err
	}
	t.Columns = in.Columns
	t.Rows = make([]Row, len(in.Rows))
	for i, cells := range in.Rows {
		row := make(Row, len(cells))
		for j, v := range cells {
			var typ Type
			if j < len(t.Columns) {
				typ = t.Columns[j].Type
			}
			cell, err := decodeCell(v, typ)
			if err != nil {
				return err
			}
			row[j] = cell
		}
		t.Rows[i] = row
	}
	return nil
}

func decodeCell(v any, typ Type) (any, error) {
	switch v := v.(type) {
	case nil:
		return nil, nil
	case json.Number:
		if typ == TypeFloat {
			return v.Float64()
		}
		if i, err := v.Int64(); err == nil {
			return i, nil
		}
		return v.Float64()
	case string:
		if typ == TypeTime {
			ts, err := time.Parse(time.RFC3339Nano, v)
			if err != nil {
				return nil, err
			}
			return ts.UTC(), nil
		}
		return v, nil
	case bool:
		return v, nil
	}
	return Normalize(v), nil
}
