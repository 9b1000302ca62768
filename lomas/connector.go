package lomas

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

// -----------------------------------------------------------------------------
// Dataset registration
// -----------------------------------------------------------------------------

// DatabaseType selects the backing store of a registered dataset.
type DatabaseType string

// Supported dataset backends.
const (
	DatabasePath DatabaseType = "PATH_DB"
	DatabaseS3   DatabaseType = "S3_DB"
)

// S3Location describes where an S3-backed dataset lives. CredentialsName
// references a credentials entry resolved by the surrounding configuration;
// the core never sees secrets.
type S3Location struct {
	Bucket          string `yaml:"bucket" json:"bucket"`
	Key             string `yaml:"key" json:"key"`
	Endpoint        string `yaml:"endpoint_url,omitempty" json:"endpoint_url,omitempty"`
	Region          string `yaml:"aws_region,omitempty" json:"aws_region,omitempty"`
	CredentialsName string `yaml:"credentials_name,omitempty" json:"credentials_name,omitempty"`
}

// DatasetRegistration records where a dataset's content is stored. Owned by
// the admin database; immutable once a connector has been built from it.
type DatasetRegistration struct {
	Dataset      DatasetName  `yaml:"dataset_name" json:"dataset_name"`
	DatabaseType DatabaseType `yaml:"database_type" json:"database_type"`

	// Path is the local path or http(s) URL for PATH_DB datasets.
	Path string `yaml:"dataset_path,omitempty" json:"dataset_path,omitempty"`

	// S3 locates S3_DB datasets.
	S3 *S3Location `yaml:"s3,omitempty" json:"s3,omitempty"`
}

// Validate checks that the registration carries the fields its backend needs.
func (r *DatasetRegistration) Validate() error {
	if r.Dataset == "" {
		return fmt.Errorf("lomas: registration needs a dataset name")
	}
	switch r.DatabaseType {
	case DatabasePath:
		if r.Path == "" {
			return fmt.Errorf("lomas: PATH_DB registration for %q needs a dataset path", r.Dataset)
		}
	case DatabaseS3:
		if r.S3 == nil || r.S3.Bucket == "" || r.S3.Key == "" {
			return fmt.Errorf("lomas: S3_DB registration for %q needs bucket and key", r.Dataset)
		}
	default:
		return fmt.Errorf("lomas: unknown database type %q for %q", r.DatabaseType, r.Dataset)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Connector factory
// -----------------------------------------------------------------------------

// connectorConfig holds resolved construction options for connectors.
type connectorConfig struct {
	s3Client S3API
}

// ConnectorOption configures connector construction.
type ConnectorOption func(*connectorConfig)

// WithS3Client injects the S3 client used for S3_DB datasets.
// Required for S3 registrations; ignored otherwise.
func WithS3Client(client S3API) ConnectorOption {
	return func(cfg *connectorConfig) { cfg.s3Client = client }
}

// NewDataConnector builds the connector matching a registration's backend.
// The backend set is closed; an unknown type is an internal error. For file
// backends, an unsupported file extension fails here, before any I/O.
func NewDataConnector(reg *DatasetRegistration, md *Metadata, opts ...ConnectorOption) (DataConnector, error) {
	if err := reg.Validate(); err != nil {
		return nil, &InternalServerError{Message: "invalid dataset registration", Err: err}
	}

	cfg := &connectorConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	switch reg.DatabaseType {
	case DatabasePath:
		return NewPathConnector(reg.Dataset, reg.Path, md)
	case DatabaseS3:
		if cfg.s3Client == nil {
			return nil, &InternalServerError{Message: fmt.Sprintf("dataset %q is S3-backed but no S3 client is configured", reg.Dataset)}
		}
		return NewS3Connector(reg.Dataset, cfg.s3Client, reg.S3, md)
	default:
		return nil, &InternalServerError{Message: fmt.Sprintf("unknown database type %q", reg.DatabaseType)}
	}
}

// -----------------------------------------------------------------------------
// Shared connector state
// -----------------------------------------------------------------------------

// connectorBase carries the state every connector shares: metadata, the
// memoized table, the reported footprint, and the observer list.
type connectorBase struct {
	dataset DatasetName
	md      *Metadata

	// loadMu guards the memoized table. Held across the (possibly slow)
	// first load so concurrent callers pay the I/O at most once.
	loadMu sync.Mutex
	table  *Table

	// mib holds the reported footprint as float64 bits, readable without
	// taking loadMu.
	mib atomic.Uint64

	obsMu     sync.Mutex
	observers []func(DatasetName)
}

func (b *connectorBase) Dataset() DatasetName { return b.dataset }

func (b *connectorBase) Metadata() *Metadata { return b.md }

func (b *connectorBase) MemoryUsageMiB() float64 {
	return math.Float64frombits(b.mib.Load())
}

func (b *connectorBase) Subscribe(fn func(DatasetName)) {
	b.obsMu.Lock()
	defer b.obsMu.Unlock()
	b.observers = append(b.observers, fn)
}

// publish records the loaded table's footprint and notifies observers.
// Observers run on the loading goroutine and must not call Load.
func (b *connectorBase) publish(t *Table) {
	b.mib.Store(math.Float64bits(t.MemoryUsageMiB()))

	b.obsMu.Lock()
	fns := make([]func(DatasetName), len(b.observers))
	copy(fns, b.observers)
	b.obsMu.Unlock()

	for _, fn := range fns {
		fn(b.dataset)
	}
}

// -----------------------------------------------------------------------------
// Path connector
// -----------------------------------------------------------------------------

// pathConnector reads a dataset from a local file or an http(s) URL.
type pathConnector struct {
	connectorBase
	path   string
	format fileFormat
}

// NewPathConnector creates a lazy connector over a local path or URL.
// The file format is resolved from the extension immediately; no I/O
// happens until the first Load.
func NewPathConnector(dataset DatasetName, path string, md *Metadata) (DataConnector, error) {
	format, err := formatForPath(path)
	if err != nil {
		return nil, &InternalServerError{Message: fmt.Sprintf("dataset %q", dataset), Err: err}
	}
	return &pathConnector{
		connectorBase: connectorBase{dataset: dataset, md: md},
		path:          path,
		format:        format,
	}, nil
}

func (c *pathConnector) Load(ctx context.Context) (*Table, error) {
	c.loadMu.Lock()
	defer c.loadMu.Unlock()

	if c.table != nil {
		return c.table, nil
	}

	rc, err := c.open(ctx)
	if err != nil {
		return nil, &InternalServerError{Message: fmt.Sprintf("dataset %q backend unavailable", c.dataset), Err: err}
	}
	defer closer(rc)()

	table, err := decodeTable(rc, c.format, c.md)
	if err != nil {
		return nil, &InternalServerError{Message: fmt.Sprintf("dataset %q backend unavailable", c.dataset), Err: err}
	}

	c.table = table
	c.publish(table)
	return table, nil
}

func (c *pathConnector) open(ctx context.Context) (io.ReadCloser, error) {
	if strings.HasPrefix(c.path, "http://") || strings.HasPrefix(c.path, "https://") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.path, nil)
		if err != nil {
			return nil, err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("GET %s: %s", c.path, resp.Status)
		}
		return resp.Body, nil
	}
	f, err := os.Open(c.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("dataset file missing: %w", err)
		}
		return nil, err
	}
	return f, nil
}

// -----------------------------------------------------------------------------
// In-memory connector
// -----------------------------------------------------------------------------

// memoryConnector wraps an already-materialized table, typically a dummy
// dataset. It is always loaded and its footprint never changes.
type memoryConnector struct {
	connectorBase
}

// NewMemoryConnector wraps a materialized table as a connector.
func NewMemoryConnector(dataset DatasetName, md *Metadata, table *Table) DataConnector {
	c := &memoryConnector{
		connectorBase: connectorBase{dataset: dataset, md: md, table: table},
	}
	c.mib.Store(math.Float64bits(table.MemoryUsageMiB()))
	return c
}

func (c *memoryConnector) Load(context.Context) (*Table, error) {
	return c.table, nil
}
