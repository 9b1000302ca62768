package lomas

import (
	"fmt"
	"math"
	"sort"
	"time"

	"gopkg.in/yaml.v2"
)

// -----------------------------------------------------------------------------
// Dataset metadata
// -----------------------------------------------------------------------------

// Metadata describes one dataset's schema: privacy-relevant shape parameters
// plus a descriptor per column. It drives query validation, CSV parsing, and
// dummy-dataset generation.
type Metadata struct {
	// MaxIDs is the maximum number of rows one individual may contribute.
	MaxIDs int `yaml:"max_ids" json:"max_ids"`

	// RowCount is the (public) number of rows in the dataset.
	RowCount int `yaml:"row_count" json:"row_count"`

	// RowPrivacy declares that each row belongs to a distinct individual.
	RowPrivacy bool `yaml:"row_privacy" json:"row_privacy"`

	// CensorDims enables dimension censoring in SQL-style backends.
	CensorDims bool `yaml:"censor_dims" json:"censor_dims"`

	Columns map[string]*Column `yaml:"columns" json:"columns"`
}

// ColumnType tags the variant of a column descriptor.
type ColumnType string

// Column descriptor variants.
const (
	ColString    ColumnType = "string"
	ColCatString ColumnType = "categorical_string"
	ColInt       ColumnType = "int"
	ColCatInt    ColumnType = "categorical_int"
	ColFloat     ColumnType = "float"
	ColBoolean   ColumnType = "boolean"
	ColDatetime  ColumnType = "datetime"
)

// datetimeLayout is the wire format for datetime bounds in metadata.
const datetimeLayout = "2006-01-02"

// maxIntBound caps the magnitude of int column bounds. Bounds travel as
// float64 in metadata documents, which stops representing integers
// exactly beyond 2^53; the cap also keeps the inclusive span of any
// valid bound pair well inside int64.
const maxIntBound = float64(1 << 53)

// Column is a tagged descriptor for one column. Which fields are meaningful
// depends on Type; Validate enforces the per-variant invariants.
type Column struct {
	Type     ColumnType `yaml:"type" json:"type"`
	Nullable bool       `yaml:"nullable" json:"nullable"`

	// Precision is the bit width for int and float variants: 32 or 64.
	Precision int `yaml:"precision,omitempty" json:"precision,omitempty"`

	// Cardinality and the category lists apply to categorical variants.
	Cardinality   int      `yaml:"cardinality,omitempty" json:"cardinality,omitempty"`
	Categories    []string `yaml:"categories,omitempty" json:"categories,omitempty"`
	IntCategories []int64  `yaml:"int_categories,omitempty" json:"int_categories,omitempty"`

	// Lower and Upper bound int and float variants (inclusive).
	Lower *float64 `yaml:"lower,omitempty" json:"lower,omitempty"`
	Upper *float64 `yaml:"upper,omitempty" json:"upper,omitempty"`

	// LowerDate and UpperDate bound the datetime variant (inclusive),
	// formatted as 2006-01-02.
	LowerDate string `yaml:"lower_date,omitempty" json:"lower_date,omitempty"`
	UpperDate string `yaml:"upper_date,omitempty" json:"upper_date,omitempty"`

	// Contribution bounds, all strictly positive when present.
	MaxPartitionLength        *int `yaml:"max_partition_length,omitempty" json:"max_partition_length,omitempty"`
	MaxInfluencedPartitions   *int `yaml:"max_influenced_partitions,omitempty" json:"max_influenced_partitions,omitempty"`
	MaxPartitionContributions *int `yaml:"max_partition_contributions,omitempty" json:"max_partition_contributions,omitempty"`
}

// ParseMetadata decodes and validates a YAML metadata document.
func ParseMetadata(doc []byte) (*Metadata, error) {
	var md Metadata
	if err := yaml.Unmarshal(doc, &md); err != nil {
		return nil, fmt.Errorf("lomas: failed to decode metadata: %w", err)
	}
	if err := md.Validate(); err != nil {
		return nil, err
	}
	return &md, nil
}

// Validate checks the structural invariants of the metadata document.
func (m *Metadata) Validate() error {
	if m.MaxIDs <= 0 {
		return fmt.Errorf("lomas: metadata max_ids must be positive, got %d", m.MaxIDs)
	}
	if m.RowCount <= 0 {
		return fmt.Errorf("lomas: metadata row_count must be positive, got %d", m.RowCount)
	}
	if len(m.Columns) == 0 {
		return fmt.Errorf("lomas: metadata must declare at least one column")
	}
	for _, name := range m.ColumnNames() {
		if err := m.Columns[name].validate(); err != nil {
			return fmt.Errorf("lomas: column %q: %w", name, err)
		}
	}
	return nil
}

// ColumnNames returns the column names in deterministic (sorted) order.
func (m *Metadata) ColumnNames() []string {
	names := make([]string, 0, len(m.Columns))
	for name := range m.Columns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Column) validate() error {
	for _, b := range []struct {
		name string
		v    *int
	}{
		{"max_partition_length", c.MaxPartitionLength},
		{"max_influenced_partitions", c.MaxInfluencedPartitions},
		{"max_partition_contributions", c.MaxPartitionContributions},
	} {
		if b.v != nil && *b.v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", b.name, *b.v)
		}
	}

	switch c.Type {
	case ColString, ColBoolean:
		return nil
	case ColCatString:
		if len(c.Categories) != c.Cardinality {
			return fmt.Errorf("cardinality %d does not match %d categories", c.Cardinality, len(c.Categories))
		}
		if c.Cardinality == 0 {
			return fmt.Errorf("categorical column needs at least one category")
		}
		return nil
	case ColCatInt:
		if err := c.validatePrecision(); err != nil {
			return err
		}
		if len(c.IntCategories) != c.Cardinality {
			return fmt.Errorf("cardinality %d does not match %d categories", c.Cardinality, len(c.IntCategories))
		}
		if c.Cardinality == 0 {
			return fmt.Errorf("categorical column needs at least one category")
		}
		return nil
	case ColInt, ColFloat:
		if err := c.validatePrecision(); err != nil {
			return err
		}
		if c.Lower == nil || c.Upper == nil {
			return fmt.Errorf("bounded column needs lower and upper")
		}
		if *c.Lower > *c.Upper {
			return fmt.Errorf("lower %v exceeds upper %v", *c.Lower, *c.Upper)
		}
		if c.Type == ColInt {
			return c.validateIntBounds()
		}
		return nil
	case ColDatetime:
		if _, _, err := c.DatetimeBounds(); err != nil {
			return err
		}
		return nil
	default:
		return fmt.Errorf("unknown column type %q", c.Type)
	}
}

func (c *Column) validateIntBounds() error {
	for _, b := range []struct {
		name string
		v    float64
	}{{"lower", *c.Lower}, {"upper", *c.Upper}} {
		if b.v != math.Trunc(b.v) {
			return fmt.Errorf("int bound %s %v is not an integer", b.name, b.v)
		}
		if math.Abs(b.v) > maxIntBound {
			return fmt.Errorf("int bound %s %v exceeds the exactly representable magnitude %v", b.name, b.v, maxIntBound)
		}
	}
	return nil
}

func (c *Column) validatePrecision() error {
	if c.Precision != 32 && c.Precision != 64 {
		return fmt.Errorf("precision must be 32 or 64, got %d", c.Precision)
	}
	return nil
}

// DatetimeBounds parses the datetime variant's inclusive bounds.
func (c *Column) DatetimeBounds() (lower, upper time.Time, err error) {
	lower, err = time.Parse(datetimeLayout, c.LowerDate)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("bad lower_date %q: %w", c.LowerDate, err)
	}
	upper, err = time.Parse(datetimeLayout, c.UpperDate)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("bad upper_date %q: %w", c.UpperDate, err)
	}
	if lower.After(upper) {
		return time.Time{}, time.Time{}, fmt.Errorf("lower_date %s exceeds upper_date %s", c.LowerDate, c.UpperDate)
	}
	return lower, upper, nil
}

// IntBounds returns the integer variant's inclusive bounds. Validation
// caps bound magnitudes at 2^53, so the conversion is exact.
func (c *Column) IntBounds() (lower, upper int64) {
	return int64(*c.Lower), int64(*c.Upper)
}
