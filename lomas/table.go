package lomas

import (
	"fmt"
	"time"
)

// -----------------------------------------------------------------------------
// Tabular data
// -----------------------------------------------------------------------------

// Series is one typed column of a table. Exactly one of the value slices is
// populated, matching Type; Null marks per-row null markers and always has
// the series length.
type Series struct {
	Name string
	Type ColumnType

	Strings []string
	Ints    []int64
	Floats  []float64
	Bools   []bool
	Times   []time.Time

	Null []bool
}

// Len returns the number of rows in the series.
func (s *Series) Len() int { return len(s.Null) }

// Value returns the value at row i, or nil when the row is null.
func (s *Series) Value(i int) any {
	if s.Null[i] {
		return nil
	}
	switch s.Type {
	case ColString, ColCatString:
		return s.Strings[i]
	case ColInt, ColCatInt:
		return s.Ints[i]
	case ColFloat:
		return s.Floats[i]
	case ColBoolean:
		return s.Bools[i]
	case ColDatetime:
		return s.Times[i]
	}
	return nil
}

// Per-element memory estimates, in bytes. Strings add their payload length
// on top of the header size.
const (
	stringHeaderBytes = 16
	timeValueBytes    = 24
)

func (s *Series) memoryBytes() int64 {
	var n int64
	switch s.Type {
	case ColString, ColCatString:
		n = int64(len(s.Strings)) * stringHeaderBytes
		for _, v := range s.Strings {
			n += int64(len(v))
		}
	case ColInt, ColCatInt:
		n = int64(len(s.Ints)) * 8
	case ColFloat:
		n = int64(len(s.Floats)) * 8
	case ColBoolean:
		n = int64(len(s.Bools))
	case ColDatetime:
		n = int64(len(s.Times)) * timeValueBytes
	}
	return n + int64(len(s.Null))
}

// Table is an immutable column-major table: the in-memory form of a loaded
// or generated dataset.
type Table struct {
	series []Series
	byName map[string]int
	rows   int
}

// NewTable assembles a table from series of equal length with unique names.
func NewTable(series []Series) (*Table, error) {
	if len(series) == 0 {
		return nil, fmt.Errorf("lomas: table needs at least one series")
	}
	rows := series[0].Len()
	byName := make(map[string]int, len(series))
	for i := range series {
		s := &series[i]
		if s.Len() != rows {
			return nil, fmt.Errorf("lomas: series %q has %d rows, want %d", s.Name, s.Len(), rows)
		}
		if _, dup := byName[s.Name]; dup {
			return nil, fmt.Errorf("lomas: duplicate series name %q", s.Name)
		}
		byName[s.Name] = i
	}
	return &Table{series: series, byName: byName, rows: rows}, nil
}

// Rows returns the number of rows.
func (t *Table) Rows() int { return t.rows }

// NumColumns returns the number of columns.
func (t *Table) NumColumns() int { return len(t.series) }

// ColumnNames returns the column names in table order.
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.series))
	for i := range t.series {
		names[i] = t.series[i].Name
	}
	return names
}

// Column returns the named series, if present.
func (t *Table) Column(name string) (*Series, bool) {
	i, ok := t.byName[name]
	if !ok {
		return nil, false
	}
	return &t.series[i], true
}

// ColumnAt returns the series at position i.
func (t *Table) ColumnAt(i int) *Series { return &t.series[i] }

// MemoryBytes estimates the table's in-memory footprint.
func (t *Table) MemoryBytes() int64 {
	var n int64
	for i := range t.series {
		n += t.series[i].memoryBytes()
	}
	return n
}

// MemoryUsageMiB estimates the footprint in MiB.
func (t *Table) MemoryUsageMiB() float64 {
	return float64(t.MemoryBytes()) / (1 << 20)
}

// AllNull reports whether every value in the table is a null marker.
// SQL backends can produce such tables when the noisy result degenerates.
func (t *Table) AllNull() bool {
	for i := range t.series {
		for _, isNull := range t.series[i].Null {
			if !isNull {
				return false
			}
		}
	}
	return true
}
