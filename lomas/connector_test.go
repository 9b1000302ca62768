package lomas

import (
	"compress/gzip"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/parquet-go/parquet-go"
)

func TestPathConnector_LazyUntilFirstLoad(t *testing.T) {
	path := writeCSVDataset(t, t.TempDir(), "lazy.csv", 10)
	conn, err := NewPathConnector("lazy", path, testMetadata())
	if err != nil {
		t.Fatalf("NewPathConnector failed: %v", err)
	}

	// Nothing was read yet, so nothing is resident.
	if mib := conn.MemoryUsageMiB(); mib != 0 {
		t.Errorf("footprint before load is %g MiB, want 0", mib)
	}

	table, err := conn.Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if table.Rows() != 10 {
		t.Errorf("loaded %d rows, want 10", table.Rows())
	}
	if conn.MemoryUsageMiB() <= 0 {
		t.Error("footprint not reported after load")
	}
}

func TestPathConnector_LoadIsMemoized(t *testing.T) {
	path := writeCSVDataset(t, t.TempDir(), "memo.csv", 10)
	conn, err := NewPathConnector("memo", path, testMetadata())
	if err != nil {
		t.Fatalf("NewPathConnector failed: %v", err)
	}

	first, err := conn.Load(context.Background())
	if err != nil {
		t.Fatalf("first Load failed: %v", err)
	}

	// Remove the backing file; the memoized table must keep serving.
	if err := os.Remove(path); err != nil {
		t.Fatalf("failed to remove dataset file: %v", err)
	}
	second, err := conn.Load(context.Background())
	if err != nil {
		t.Fatalf("second Load failed: %v", err)
	}
	if first != second {
		t.Error("second Load rebuilt the table instead of reusing it")
	}
}

func TestPathConnector_UnsupportedExtensionFailsBeforeIO(t *testing.T) {
	// The file does not even exist; the extension alone must reject it.
	_, err := NewPathConnector("bad", "/nonexistent/data.xlsx", testMetadata())
	if err == nil {
		t.Fatal("expected error for unsupported extension")
	}
	if !errors.Is(err, ErrUnsupportedFileType) {
		t.Errorf("error is not ErrUnsupportedFileType: %v", err)
	}
	var ise *InternalServerError
	if !errors.As(err, &ise) {
		t.Errorf("expected InternalServerError, got %v", err)
	}
}

func TestPathConnector_MissingFileIsBackendUnavailable(t *testing.T) {
	conn, err := NewPathConnector("gone", filepath.Join(t.TempDir(), "gone.csv"), testMetadata())
	if err != nil {
		t.Fatalf("NewPathConnector failed: %v", err)
	}
	_, err = conn.Load(context.Background())
	var ise *InternalServerError
	if !errors.As(err, &ise) {
		t.Fatalf("expected InternalServerError, got %v", err)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("cause not preserved: %v", err)
	}
}

func TestPathConnector_GzipDataset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.csv.gz")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	zw := gzip.NewWriter(f)
	if _, err := zw.Write([]byte("age\n40\n41\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close gzip failed: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close file failed: %v", err)
	}

	conn, err := NewPathConnector("gz", path, testMetadata())
	if err != nil {
		t.Fatalf("NewPathConnector failed: %v", err)
	}
	table, err := conn.Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if table.Rows() != 2 {
		t.Errorf("loaded %d rows, want 2", table.Rows())
	}
}

func TestPathConnector_ZstdDataset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.csv.zst")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	zw, err := zstd.NewWriter(f)
	if err != nil {
		t.Fatalf("zstd writer failed: %v", err)
	}
	if _, err := zw.Write([]byte("age\n40\n41\n42\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zstd failed: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close file failed: %v", err)
	}

	conn, err := NewPathConnector("zst", path, testMetadata())
	if err != nil {
		t.Fatalf("NewPathConnector failed: %v", err)
	}
	table, err := conn.Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if table.Rows() != 3 {
		t.Errorf("loaded %d rows, want 3", table.Rows())
	}
}

// parquetSampleRow is the write-side schema for parquet dataset tests.
// The seen column carries epoch milliseconds, the day column days since
// epoch, so both physical datetime encodings get decoded.
type parquetSampleRow struct {
	Species string  `parquet:"species"`
	Mass    float64 `parquet:"mass"`
	Tagged  bool    `parquet:"tagged"`
	Remark  *string `parquet:"remark,optional"`
	Seen    int64   `parquet:"seen,timestamp"`
	Day     int32   `parquet:"day,date"`
}

func parquetSampleMetadata() *Metadata {
	massLo, massHi := 0.0, 10.0
	return &Metadata{
		MaxIDs:   1,
		RowCount: 3,
		Columns: map[string]*Column{
			"species": {Type: ColCatString, Cardinality: 2, Categories: []string{"adelie", "gentoo"}},
			"mass":    {Type: ColFloat, Precision: 64, Lower: &massLo, Upper: &massHi},
			"tagged":  {Type: ColBoolean},
			"remark":  {Type: ColString, Nullable: true},
			"seen":    {Type: ColDatetime, LowerDate: "2020-01-01", UpperDate: "2025-01-01"},
			"day":     {Type: ColDatetime, LowerDate: "2020-01-01", UpperDate: "2025-01-01"},
		},
	}
}

func TestPathConnector_ParquetDataset(t *testing.T) {
	seen := time.Date(2021, 3, 14, 12, 30, 0, 0, time.UTC)
	note := "molting"
	rows := []parquetSampleRow{
		{Species: "adelie", Mass: 3.7, Tagged: true, Remark: &note, Seen: seen.UnixMilli(), Day: 18993},
		{Species: "gentoo", Mass: 5.1, Tagged: false, Remark: nil, Seen: seen.UnixMilli(), Day: 18993},
		{Species: "adelie", Mass: 4.2, Tagged: true, Remark: &note, Seen: seen.UnixMilli(), Day: 18994},
	}

	path := filepath.Join(t.TempDir(), "penguins.parquet")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	w := parquet.NewGenericWriter[parquetSampleRow](f)
	if _, err := w.Write(rows); err != nil {
		t.Fatalf("parquet write failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close parquet writer failed: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close file failed: %v", err)
	}

	conn, err := NewPathConnector("penguins", path, parquetSampleMetadata())
	if err != nil {
		t.Fatalf("NewPathConnector failed: %v", err)
	}
	table, err := conn.Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if table.Rows() != 3 || table.NumColumns() != 6 {
		t.Fatalf("got %d rows, %d columns; want 3 rows, 6 columns", table.Rows(), table.NumColumns())
	}

	species, _ := table.Column("species")
	if species.Strings[0] != "adelie" || species.Strings[1] != "gentoo" {
		t.Errorf("species = %v, want [adelie gentoo adelie]", species.Strings)
	}
	mass, _ := table.Column("mass")
	if mass.Floats[1] != 5.1 {
		t.Errorf("mass[1] = %g, want 5.1", mass.Floats[1])
	}
	tagged, _ := table.Column("tagged")
	if !tagged.Bools[0] || tagged.Bools[1] {
		t.Errorf("tagged = %v, want [true false true]", tagged.Bools)
	}

	remark, _ := table.Column("remark")
	if remark.Null[0] || !remark.Null[1] || remark.Null[2] {
		t.Errorf("remark nulls = %v, want only row 1 null", remark.Null)
	}
	if remark.Strings[0] != "molting" {
		t.Errorf("remark[0] = %q, want %q", remark.Strings[0], "molting")
	}

	seenCol, _ := table.Column("seen")
	if !seenCol.Times[0].Equal(seen) {
		t.Errorf("seen[0] = %v, want %v", seenCol.Times[0], seen)
	}
	day, _ := table.Column("day")
	wantDay := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	if !day.Times[0].Equal(wantDay) {
		t.Errorf("day[0] = %v, want %v", day.Times[0], wantDay)
	}
	if !day.Times[2].Equal(wantDay.Add(24 * time.Hour)) {
		t.Errorf("day[2] = %v, want %v", day.Times[2], wantDay.Add(24*time.Hour))
	}
}

func TestPathConnector_HTTPDataset(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/penguins.csv" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("age\n10\n20\n"))
	}))
	defer srv.Close()

	conn, err := NewPathConnector("remote", srv.URL+"/penguins.csv", testMetadata())
	if err != nil {
		t.Fatalf("NewPathConnector failed: %v", err)
	}
	table, err := conn.Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if table.Rows() != 2 {
		t.Errorf("loaded %d rows, want 2", table.Rows())
	}

	// A non-200 response is a backend failure.
	conn, err = NewPathConnector("remote404", srv.URL+"/missing.csv", testMetadata())
	if err != nil {
		t.Fatalf("NewPathConnector failed: %v", err)
	}
	_, err = conn.Load(context.Background())
	var ise *InternalServerError
	if !errors.As(err, &ise) {
		t.Fatalf("expected InternalServerError for 404, got %v", err)
	}
}

func TestConnector_ObserversNotifiedOnLoad(t *testing.T) {
	path := writeCSVDataset(t, t.TempDir(), "obs.csv", 10)
	conn, err := NewPathConnector("obs", path, testMetadata())
	if err != nil {
		t.Fatalf("NewPathConnector failed: %v", err)
	}

	var notified []DatasetName
	conn.Subscribe(func(d DatasetName) { notified = append(notified, d) })

	if _, err := conn.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(notified) != 1 || notified[0] != "obs" {
		t.Errorf("observer saw %v, want [obs]", notified)
	}

	// Memoized loads do not re-notify.
	if _, err := conn.Load(context.Background()); err != nil {
		t.Fatalf("second Load failed: %v", err)
	}
	if len(notified) != 1 {
		t.Errorf("observer notified %d times, want 1", len(notified))
	}
}

func TestNewDataConnector_Registrations(t *testing.T) {
	md := testMetadata()

	reg := &DatasetRegistration{Dataset: "d", DatabaseType: DatabasePath, Path: "/tmp/d.csv"}
	if _, err := NewDataConnector(reg, md); err != nil {
		t.Errorf("PATH_DB registration rejected: %v", err)
	}

	reg = &DatasetRegistration{Dataset: "d", DatabaseType: DatabaseS3, S3: &S3Location{Bucket: "b", Key: "k.csv"}}
	_, err := NewDataConnector(reg, md)
	var ise *InternalServerError
	if !errors.As(err, &ise) {
		t.Errorf("S3_DB without client: expected InternalServerError, got %v", err)
	}

	reg = &DatasetRegistration{Dataset: "d", DatabaseType: "MONGO_DB", Path: "x"}
	if _, err := NewDataConnector(reg, md); !errors.As(err, &ise) {
		t.Errorf("unknown backend: expected InternalServerError, got %v", err)
	}

	reg = &DatasetRegistration{DatabaseType: DatabasePath, Path: "x.csv"}
	if _, err := NewDataConnector(reg, md); !errors.As(err, &ise) {
		t.Errorf("nameless registration: expected InternalServerError, got %v", err)
	}
}

func TestDecodeCSV_TypedColumnsAndNulls(t *testing.T) {
	lower, upper := 0.0, 200.0
	md := &Metadata{
		MaxIDs:   1,
		RowCount: 3,
		Columns: map[string]*Column{
			"name":    {Type: ColString, Nullable: true},
			"height":  {Type: ColFloat, Lower: &lower, Upper: &upper},
			"adult":   {Type: ColBoolean},
			"checkup": {Type: ColDatetime, Nullable: true, LowerDate: "2000-01-01", UpperDate: "2030-01-01"},
		},
	}
	csvData := "name,height,adult,checkup\n" +
		"ann,170.5,true,2021-03-04\n" +
		",180.25,false,2021-05-06T07:08:09Z\n" +
		"bob,160,TRUE,\n"

	dir := t.TempDir()
	path := filepath.Join(dir, "people.csv")
	if err := os.WriteFile(path, []byte(csvData), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	conn, err := NewPathConnector("people", path, md)
	if err != nil {
		t.Fatalf("NewPathConnector failed: %v", err)
	}
	table, err := conn.Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if table.Rows() != 3 {
		t.Fatalf("loaded %d rows, want 3", table.Rows())
	}

	col := func(name string) *Series {
		s, ok := table.Column(name)
		if !ok {
			t.Fatalf("column %q missing", name)
		}
		return s
	}
	if v := col("name").Value(1); v != nil {
		t.Errorf("row 1 name = %v, want null", v)
	}
	if v := col("name").Value(2); v != "bob" {
		t.Errorf("row 2 name = %v, want bob", v)
	}
	if v := col("height").Value(1); v != 180.25 {
		t.Errorf("row 1 height = %v, want 180.25", v)
	}
	if v := col("adult").Value(2); v != true {
		t.Errorf("row 2 adult = %v, want true", v)
	}
	want := time.Date(2021, 3, 4, 0, 0, 0, 0, time.UTC)
	if v := col("checkup").Value(0); !v.(time.Time).Equal(want) {
		t.Errorf("row 0 checkup = %v, want %v", v, want)
	}
	if v := col("checkup").Value(2); v != nil {
		t.Errorf("row 2 checkup = %v, want null", v)
	}
}

func TestDecodeCSV_Rejections(t *testing.T) {
	tests := []struct {
		name string
		csv  string
	}{
		{"undeclared column", "age,weight\n1,2\n"},
		{"empty non-nullable", "age\n\n"},
		{"bad int", "age\nforty\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "bad.csv")
			if err := os.WriteFile(path, []byte(tt.csv), 0o644); err != nil {
				t.Fatalf("write failed: %v", err)
			}
			conn, err := NewPathConnector("bad", path, testMetadata())
			if err != nil {
				t.Fatalf("NewPathConnector failed: %v", err)
			}
			if _, err := conn.Load(context.Background()); err == nil {
				t.Error("expected decode error")
			}
		})
	}
}

func TestMemoryConnector_AlwaysLoaded(t *testing.T) {
	md := testMetadata()
	table, err := MakeDummy(md, 25, 3)
	if err != nil {
		t.Fatalf("MakeDummy failed: %v", err)
	}
	conn := NewMemoryConnector("dummy", md, table)

	if conn.MemoryUsageMiB() <= 0 {
		t.Error("footprint not reported at construction")
	}
	got, err := conn.Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got != table {
		t.Error("Load returned a different table")
	}
	if conn.Dataset() != "dummy" {
		t.Errorf("Dataset() = %q", conn.Dataset())
	}
}
