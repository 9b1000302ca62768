package lomas

import (
	"fmt"
	"math/rand/v2"
	"time"
)

// Dummy-generation parameters. Dummy datasets let analysts shape queries
// without spending budget or seeing real rows.
const (
	// DefaultDummyRows is the row count when the caller does not choose one.
	DefaultDummyRows = 100

	// MaxDummyRows caps requested dummy sizes.
	MaxDummyRows = 10000

	// DefaultDummySeed seeds dummy generation when the caller does not
	// choose a seed.
	DefaultDummySeed = 42

	// dummyNullCount is the number of rows nulled in each nullable column.
	dummyNullCount = 5

	// dummyStringAlphabet is the character set for free-form string values.
	dummyStringAlphabet = "abcdefghijklmnopqrstuvwxyz"
)

// MakeDummy synthesizes a table that matches the metadata's shape without
// any relation to real data. It is a pure function of its arguments: the
// same (metadata, rows, seed) triple always produces an identical table,
// and values are drawn uniformly within each column's declared domain.
//
// Columns are generated in sorted name order from a single seeded stream,
// so nullification is deterministic too: each nullable column gets exactly
// dummyNullCount null markers at stream-chosen distinct positions (fewer
// only when rows < dummyNullCount).
func MakeDummy(md *Metadata, rows int, seed uint64) (*Table, error) {
	if rows <= 0 {
		return nil, &InvalidQueryError{Message: fmt.Sprintf("dummy row count must be positive, got %d", rows)}
	}
	if rows > MaxDummyRows {
		return nil, &InvalidQueryError{Message: fmt.Sprintf("dummy row count %d exceeds the maximum of %d", rows, MaxDummyRows)}
	}

	rng := rand.New(rand.NewPCG(seed, 0))

	names := md.ColumnNames()
	series := make([]Series, 0, len(names))
	for _, name := range names {
		col := md.Columns[name]
		s, err := dummySeries(rng, name, col, rows)
		if err != nil {
			return nil, err
		}
		series = append(series, s)
	}

	return NewTable(series)
}

// MakeDummyConnector wraps a generated dummy table as an in-memory
// connector, ready to serve budget-free queries.
func MakeDummyConnector(dataset DatasetName, md *Metadata, rows int, seed uint64) (DataConnector, error) {
	table, err := MakeDummy(md, rows, seed)
	if err != nil {
		return nil, err
	}
	return NewMemoryConnector(dataset, md, table), nil
}

func dummySeries(rng *rand.Rand, name string, col *Column, rows int) (Series, error) {
	s := Series{Name: name, Type: col.Type, Null: make([]bool, rows)}

	switch col.Type {
	case ColString:
		s.Strings = make([]string, rows)
		for i := range s.Strings {
			s.Strings[i] = dummyString(rng)
		}
	case ColCatString:
		s.Strings = make([]string, rows)
		for i := range s.Strings {
			s.Strings[i] = col.Categories[rng.IntN(len(col.Categories))]
		}
	case ColInt:
		lower, upper := col.IntBounds()
		s.Ints = make([]int64, rows)
		for i := range s.Ints {
			s.Ints[i] = lower + rng.Int64N(upper-lower+1)
		}
	case ColCatInt:
		s.Ints = make([]int64, rows)
		for i := range s.Ints {
			s.Ints[i] = col.IntCategories[rng.IntN(len(col.IntCategories))]
		}
	case ColFloat:
		lower, upper := *col.Lower, *col.Upper
		s.Floats = make([]float64, rows)
		for i := range s.Floats {
			v := lower + rng.Float64()*(upper-lower)
			if col.Precision == 32 {
				// Rounding to the nearest float32 can step past a bound
				// that is not float32-representable; clamp back inside.
				v = float64(float32(v))
				if v < lower {
					v = lower
				} else if v > upper {
					v = upper
				}
			}
			s.Floats[i] = v
		}
	case ColBoolean:
		s.Bools = make([]bool, rows)
		for i := range s.Bools {
			s.Bools[i] = rng.IntN(2) == 1
		}
	case ColDatetime:
		lower, upper, err := col.DatetimeBounds()
		if err != nil {
			return Series{}, &InternalServerError{Message: fmt.Sprintf("column %q", name), Err: err}
		}
		span := upper.Unix() - lower.Unix()
		s.Times = make([]time.Time, rows)
		for i := range s.Times {
			s.Times[i] = time.Unix(lower.Unix()+rng.Int64N(span+1), 0).UTC()
		}
	default:
		// An unhandled variant here is a programming error, not a bad request.
		return Series{}, &InternalServerError{Message: fmt.Sprintf("unknown column type %q for column %q", col.Type, name)}
	}

	if col.Nullable {
		nullify(rng, &s, rows)
	}
	return s, nil
}

// dummyString draws a word of 4 to 11 characters over the fixed alphabet.
func dummyString(rng *rand.Rand) string {
	n := 4 + rng.IntN(8)
	b := make([]byte, n)
	for i := range b {
		b[i] = dummyStringAlphabet[rng.IntN(len(dummyStringAlphabet))]
	}
	return string(b)
}

// nullify overwrites dummyNullCount distinct stream-chosen positions with
// null markers, drawing from the same seeded stream as value generation.
func nullify(rng *rand.Rand, s *Series, rows int) {
	want := dummyNullCount
	if rows < want {
		want = rows
	}
	placed := 0
	for placed < want {
		pos := rng.IntN(rows)
		if s.Null[pos] {
			continue
		}
		s.Null[pos] = true
		placed++
	}
}
