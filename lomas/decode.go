package lomas

import (
	"bytes"
	"compress/gzip"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/parquet-go/parquet-go"
)

// -----------------------------------------------------------------------------
// Dataset file formats
// -----------------------------------------------------------------------------

// fileFormat enumerates the dataset file formats a connector can read.
type fileFormat int

const (
	formatCSV fileFormat = iota
	formatCSVGzip
	formatCSVZstd
	formatParquet
)

// ErrUnsupportedFileType indicates a dataset path whose extension the
// gateway cannot read. This is a configuration error: it is reported
// before any I/O happens.
var ErrUnsupportedFileType = errors.New("unsupported dataset file type")

// formatForPath resolves a dataset path or object key to a file format.
func formatForPath(p string) (fileFormat, error) {
	switch {
	case strings.HasSuffix(p, ".csv"):
		return formatCSV, nil
	case strings.HasSuffix(p, ".csv.gz"):
		return formatCSVGzip, nil
	case strings.HasSuffix(p, ".csv.zst"):
		return formatCSVZstd, nil
	case strings.HasSuffix(p, ".parquet"):
		return formatParquet, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedFileType, p)
	}
}

// decodeTable reads one dataset file into a table, parsing values according
// to the metadata's column descriptors.
func decodeTable(r io.Reader, format fileFormat, md *Metadata) (*Table, error) {
	switch format {
	case formatCSV:
		return decodeCSV(r, md)
	case formatCSVGzip:
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer closer(zr)()
		return decodeCSV(zr, md)
	case formatCSVZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		defer zr.Close()
		return decodeCSV(zr.IOReadCloser(), md)
	case formatParquet:
		return decodeParquet(r, md)
	default:
		return nil, fmt.Errorf("%w: format %d", ErrUnsupportedFileType, format)
	}
}

// -----------------------------------------------------------------------------
// CSV
// -----------------------------------------------------------------------------

// decodeCSV parses a CSV stream with a header row. Every header must be
// declared in the metadata; per-column dtypes and datetime parsing follow
// the descriptors. Empty fields become null markers on nullable columns.
func decodeCSV(r io.Reader, md *Metadata) (*Table, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("csv: failed to read header: %w", err)
	}

	cols := make([]*Column, len(header))
	series := make([]Series, len(header))
	for i, name := range header {
		col, ok := md.Columns[name]
		if !ok {
			return nil, fmt.Errorf("csv: column %q not declared in metadata", name)
		}
		cols[i] = col
		series[i] = Series{Name: name, Type: col.Type}
	}

	for row := 0; ; row++ {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("csv: row %d: %w", row, err)
		}
		for i, raw := range record {
			if err := appendCSVValue(&series[i], cols[i], raw); err != nil {
				return nil, fmt.Errorf("csv: row %d, column %q: %w", row, series[i].Name, err)
			}
		}
	}

	return NewTable(series)
}

func appendCSVValue(s *Series, col *Column, raw string) error {
	if raw == "" {
		if !col.Nullable {
			return fmt.Errorf("empty value in non-nullable column")
		}
		appendNull(s)
		return nil
	}

	switch col.Type {
	case ColString, ColCatString:
		s.Strings = append(s.Strings, raw)
	case ColInt, ColCatInt:
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("bad int %q", raw)
		}
		s.Ints = append(s.Ints, v)
	case ColFloat:
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("bad float %q", raw)
		}
		s.Floats = append(s.Floats, v)
	case ColBoolean:
		v, err := strconv.ParseBool(strings.ToLower(raw))
		if err != nil {
			return fmt.Errorf("bad boolean %q", raw)
		}
		s.Bools = append(s.Bools, v)
	case ColDatetime:
		v, err := parseDatetime(raw)
		if err != nil {
			return err
		}
		s.Times = append(s.Times, v)
	default:
		return fmt.Errorf("unknown column type %q", col.Type)
	}
	s.Null = append(s.Null, false)
	return nil
}

func appendNull(s *Series) {
	switch s.Type {
	case ColString, ColCatString:
		s.Strings = append(s.Strings, "")
	case ColInt, ColCatInt:
		s.Ints = append(s.Ints, 0)
	case ColFloat:
		s.Floats = append(s.Floats, 0)
	case ColBoolean:
		s.Bools = append(s.Bools, false)
	case ColDatetime:
		s.Times = append(s.Times, time.Time{})
	}
	s.Null = append(s.Null, true)
}

func parseDatetime(raw string) (time.Time, error) {
	if v, err := time.Parse(datetimeLayout, raw); err == nil {
		return v, nil
	}
	v, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad datetime %q", raw)
	}
	return v, nil
}

// -----------------------------------------------------------------------------
// Parquet
// -----------------------------------------------------------------------------

// decodeParquet reads a parquet stream into a table. Parquet needs seeking,
// so the stream is buffered in full first.
func decodeParquet(r io.Reader, md *Metadata) (*Table, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("parquet: read file: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("parquet: empty file")
	}

	file, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("parquet: open: %w", err)
	}

	fields := file.Schema().Fields()
	cols := make([]*Column, len(fields))
	series := make([]Series, len(fields))
	for i, f := range fields {
		col, ok := md.Columns[f.Name()]
		if !ok {
			return nil, fmt.Errorf("parquet: column %q not declared in metadata", f.Name())
		}
		cols[i] = col
		series[i] = Series{Name: f.Name(), Type: col.Type}
	}

	reader := parquet.NewReader(file)
	defer closer(reader)()

	rows := make([]parquet.Row, 100)
	for {
		n, err := reader.ReadRows(rows)
		for i := 0; i < n; i++ {
			for _, v := range rows[i] {
				ci := v.Column()
				if ci < 0 || ci >= len(series) {
					return nil, fmt.Errorf("parquet: value for unknown column index %d", ci)
				}
				if err := appendParquetValue(&series[ci], cols[ci], v); err != nil {
					return nil, fmt.Errorf("parquet: column %q: %w", series[ci].Name, err)
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("parquet: read rows: %w", err)
		}
	}

	return NewTable(series)
}

func appendParquetValue(s *Series, col *Column, v parquet.Value) error {
	if v.IsNull() {
		if !col.Nullable {
			return fmt.Errorf("null value in non-nullable column")
		}
		appendNull(s)
		return nil
	}

	switch col.Type {
	case ColString, ColCatString:
		s.Strings = append(s.Strings, v.String())
	case ColInt, ColCatInt:
		s.Ints = append(s.Ints, v.Int64())
	case ColFloat:
		s.Floats = append(s.Floats, v.Double())
	case ColBoolean:
		s.Bools = append(s.Bools, v.Boolean())
	case ColDatetime:
		t, err := parquetDatetime(v)
		if err != nil {
			return err
		}
		s.Times = append(s.Times, t)
	default:
		return fmt.Errorf("unknown column type %q", col.Type)
	}
	s.Null = append(s.Null, false)
	return nil
}

// parquetDatetime converts the common physical encodings of dates:
// byte-array dates in metadata layout, int64 epoch milliseconds, or
// int32 days since epoch.
func parquetDatetime(v parquet.Value) (time.Time, error) {
	switch v.Kind() {
	case parquet.ByteArray:
		return parseDatetime(v.String())
	case parquet.Int64:
		return time.UnixMilli(v.Int64()).UTC(), nil
	case parquet.Int32:
		return time.Unix(int64(v.Int32())*86400, 0).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported datetime encoding %v", v.Kind())
	}
}
