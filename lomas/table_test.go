package lomas

import (
	"strings"
	"testing"
)

func TestNewTable_Validation(t *testing.T) {
	_, err := NewTable(nil)
	if err == nil || !strings.Contains(err.Error(), "at least one series") {
		t.Errorf("empty table: %v", err)
	}

	_, err = NewTable([]Series{
		{Name: "a", Type: ColInt, Ints: []int64{1, 2}, Null: []bool{false, false}},
		{Name: "b", Type: ColInt, Ints: []int64{1}, Null: []bool{false}},
	})
	if err == nil || !strings.Contains(err.Error(), "has 1 rows, want 2") {
		t.Errorf("ragged table: %v", err)
	}

	_, err = NewTable([]Series{
		{Name: "a", Type: ColInt, Ints: []int64{1}, Null: []bool{false}},
		{Name: "a", Type: ColFloat, Floats: []float64{1}, Null: []bool{false}},
	})
	if err == nil || !strings.Contains(err.Error(), "duplicate series name") {
		t.Errorf("duplicate names: %v", err)
	}
}

func TestTable_Accessors(t *testing.T) {
	table, err := NewTable([]Series{
		{Name: "a", Type: ColInt, Ints: []int64{1, 2}, Null: []bool{false, false}},
		{Name: "b", Type: ColString, Strings: []string{"x", ""}, Null: []bool{false, true}},
	})
	if err != nil {
		t.Fatalf("NewTable failed: %v", err)
	}

	if table.Rows() != 2 || table.NumColumns() != 2 {
		t.Errorf("shape (%d, %d), want (2, 2)", table.Rows(), table.NumColumns())
	}
	names := table.ColumnNames()
	if names[0] != "a" || names[1] != "b" {
		t.Errorf("ColumnNames() = %v", names)
	}
	if _, ok := table.Column("c"); ok {
		t.Error("lookup of missing column succeeded")
	}
	if table.ColumnAt(1).Value(0) != "x" {
		t.Errorf("ColumnAt(1).Value(0) = %v", table.ColumnAt(1).Value(0))
	}
}

func TestTable_AllNull(t *testing.T) {
	table, err := NewTable([]Series{
		{Name: "a", Type: ColFloat, Floats: []float64{0, 0}, Null: []bool{true, true}},
		{Name: "b", Type: ColInt, Ints: []int64{0, 0}, Null: []bool{true, true}},
	})
	if err != nil {
		t.Fatalf("NewTable failed: %v", err)
	}
	if !table.AllNull() {
		t.Error("fully null table not detected")
	}

	table, err = NewTable([]Series{
		{Name: "a", Type: ColFloat, Floats: []float64{0, 3.5}, Null: []bool{true, false}},
	})
	if err != nil {
		t.Fatalf("NewTable failed: %v", err)
	}
	if table.AllNull() {
		t.Error("table with one value reported all-null")
	}
}

func TestTable_MemoryAccounting(t *testing.T) {
	table, err := NewTable([]Series{
		{Name: "n", Type: ColInt, Ints: []int64{1, 2, 3}, Null: []bool{false, false, false}},
		{Name: "s", Type: ColString, Strings: []string{"ab", "", "cdef"}, Null: []bool{false, true, false}},
	})
	if err != nil {
		t.Fatalf("NewTable failed: %v", err)
	}

	// ints: 3*8 + 3 null markers; strings: 3*16 headers + 6 payload bytes
	// + 3 null markers.
	want := int64(3*8+3) + int64(3*16+6+3)
	if got := table.MemoryBytes(); got != want {
		t.Errorf("MemoryBytes() = %d, want %d", got, want)
	}
	if mib := table.MemoryUsageMiB(); mib != float64(want)/(1<<20) {
		t.Errorf("MemoryUsageMiB() = %g", mib)
	}
}
