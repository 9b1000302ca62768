package lomas

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

// -----------------------------------------------------------------------------
// Shared fixtures
// -----------------------------------------------------------------------------

// testMetadata returns a small schema with one bounded int column.
func testMetadata() *Metadata {
	lower, upper := 0.0, 120.0
	return &Metadata{
		MaxIDs:     1,
		RowCount:   100,
		RowPrivacy: true,
		Columns: map[string]*Column{
			"age": {Type: ColInt, Precision: 32, Lower: &lower, Upper: &upper},
		},
	}
}

// writeCSVDataset writes a CSV file with an "age" column and n rows,
// returning its path.
func writeCSVDataset(t *testing.T, dir string, name string, n int) string {
	t.Helper()
	var sb strings.Builder
	sb.WriteString("age\n")
	for i := 0; i < n; i++ {
		fmt.Fprintf(&sb, "%d\n", i%120)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		t.Fatalf("failed to write dataset file: %v", err)
	}
	return path
}

// seedDataset registers a PATH_DB dataset backed by a fresh CSV file.
func seedDataset(t *testing.T, db *MemoryAdminDB, dir string, dataset DatasetName, rows int) {
	t.Helper()
	path := writeCSVDataset(t, dir, string(dataset)+".csv", rows)
	err := db.AddDataset(&DatasetRegistration{
		Dataset:      dataset,
		DatabaseType: DatabasePath,
		Path:         path,
	}, testMetadata())
	if err != nil {
		t.Fatalf("failed to register dataset %s: %v", dataset, err)
	}
}

// -----------------------------------------------------------------------------
// Fake library backend
// -----------------------------------------------------------------------------

// fakeBackend is a LibraryBackend with scripted cost and result behavior.
type fakeBackend struct {
	mu       sync.Mutex
	cost     PrivacyCost
	costErr  error
	result   any
	runErr   error
	runFn    func(req *QueryRequest, data *Table) (any, error)
	runCalls int

	// blockRun, when non-nil, makes Run wait until the channel is closed.
	blockRun chan struct{}
	// running, when non-nil, receives one value when Run starts.
	running chan struct{}
}

func (f *fakeBackend) Cost(_ context.Context, _ *QueryRequest, _ *Table, _ *Metadata) (PrivacyCost, error) {
	if f.costErr != nil {
		return PrivacyCost{}, f.costErr
	}
	return f.cost, nil
}

func (f *fakeBackend) Run(_ context.Context, req *QueryRequest, data *Table, _ *Metadata) (any, error) {
	f.mu.Lock()
	f.runCalls++
	f.mu.Unlock()
	if f.running != nil {
		f.running <- struct{}{}
	}
	if f.blockRun != nil {
		<-f.blockRun
	}
	if f.runErr != nil {
		return nil, f.runErr
	}
	if f.runFn != nil {
		return f.runFn(req, data)
	}
	return f.result, nil
}

func (f *fakeBackend) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runCalls
}

// allBackends registers the same backend for every library.
func allBackends(b LibraryBackend) Backends {
	return Backends{
		LibraryOpenDP:          b,
		LibrarySmartnoiseSQL:   b,
		LibrarySmartnoiseSynth: b,
		LibraryDiffprivlib:     b,
	}
}

// sqlRequest builds a minimal valid smartnoise-sql request.
func sqlRequest(user UserName, dataset DatasetName, epsilon, delta float64) *QueryRequest {
	return &QueryRequest{
		User:    user,
		Dataset: dataset,
		SmartnoiseSQL: &SmartnoiseSQLRequest{
			Query:   "SELECT COUNT(*) FROM df",
			Epsilon: epsilon,
			Delta:   delta,
		},
	}
}

// singleValueTable builds a one-column, one-row float table.
func singleValueTable(t *testing.T, v float64) *Table {
	t.Helper()
	tbl, err := NewTable([]Series{{
		Name:   "count",
		Type:   ColFloat,
		Floats: []float64{v},
		Null:   []bool{false},
	}})
	if err != nil {
		t.Fatalf("failed to build table: %v", err)
	}
	return tbl
}

// allNullTable builds a one-column, one-row table holding only a null.
func allNullTable(t *testing.T) *Table {
	t.Helper()
	tbl, err := NewTable([]Series{{
		Name:   "count",
		Type:   ColFloat,
		Floats: []float64{0},
		Null:   []bool{true},
	}})
	if err != nil {
		t.Fatalf("failed to build table: %v", err)
	}
	return tbl
}
