// Package lomas implements the budget-gated core of a differential-privacy
// query gateway: per-user privacy-budget accounting, dataset connectors and
// their bounded cache, per-library querier adapters, and the orchestration
// protocol that ties them together.
//
// Lomas focuses on accounting and dispatch structure: it does not implement
// DP mechanisms themselves. Libraries are consumed as pluggable backends
// exposing cost estimation and execution, and the HTTP surface is an
// external collaborator.
package lomas

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// -----------------------------------------------------------------------------
// Core identifiers
// -----------------------------------------------------------------------------

// UserName identifies an analyst registered in the admin database.
type UserName string

// DatasetName uniquely identifies a dataset and is stable for its lifetime.
type DatasetName string

// Library identifies one of the supported DP libraries. The set is closed:
// requests carry exactly one library-specific payload and the orchestrator
// dispatches on this tag.
type Library string

// Supported DP libraries.
const (
	LibraryOpenDP          Library = "opendp"
	LibrarySmartnoiseSQL   Library = "smartnoise_sql"
	LibrarySmartnoiseSynth Library = "smartnoise_synth"
	LibraryDiffprivlib     Library = "diffprivlib"
)

// Valid reports whether l is one of the supported libraries.
func (l Library) Valid() bool {
	switch l {
	case LibraryOpenDP, LibrarySmartnoiseSQL, LibrarySmartnoiseSynth, LibraryDiffprivlib:
		return true
	}
	return false
}

// -----------------------------------------------------------------------------
// Privacy cost
// -----------------------------------------------------------------------------

// PrivacyCost is an (epsilon, delta) pair: the privacy-loss price of a query,
// or the remaining balance of a budget.
type PrivacyCost struct {
	Epsilon float64 `json:"epsilon"`
	Delta   float64 `json:"delta"`
}

// Covers reports whether a balance of c is sufficient to pay for cost.
func (c PrivacyCost) Covers(cost PrivacyCost) bool {
	return c.Epsilon >= cost.Epsilon && c.Delta >= cost.Delta
}

// -----------------------------------------------------------------------------
// Requests and results
// -----------------------------------------------------------------------------

// QueryRequest is one analyst query against one dataset. Exactly one of the
// per-library payload fields must be set; Library() returns the matching tag.
//
// The pipeline strings inside the payloads are opaque, library-defined
// serializations. The core validates only that they are present and
// structurally well formed; their meaning belongs to the backend.
type QueryRequest struct {
	User    UserName    `json:"user_name"`
	Dataset DatasetName `json:"dataset_name"`

	OpenDP          *OpenDPRequest          `json:"opendp,omitempty"`
	SmartnoiseSQL   *SmartnoiseSQLRequest   `json:"smartnoise_sql,omitempty"`
	SmartnoiseSynth *SmartnoiseSynthRequest `json:"smartnoise_synth,omitempty"`
	Diffprivlib     *DiffprivlibRequest     `json:"diffprivlib,omitempty"`
}

// Library returns the tag of the single payload carried by the request.
// A request with zero or multiple payloads is invalid.
func (r *QueryRequest) Library() (Library, error) {
	var lib Library
	n := 0
	if r.OpenDP != nil {
		lib, n = LibraryOpenDP, n+1
	}
	if r.SmartnoiseSQL != nil {
		lib, n = LibrarySmartnoiseSQL, n+1
	}
	if r.SmartnoiseSynth != nil {
		lib, n = LibrarySmartnoiseSynth, n+1
	}
	if r.Diffprivlib != nil {
		lib, n = LibraryDiffprivlib, n+1
	}
	if n != 1 {
		return "", &InvalidQueryError{Message: "request must carry exactly one library payload"}
	}
	return lib, nil
}

// OpenDPRequest carries a serialized OpenDP measurement pipeline.
type OpenDPRequest struct {
	// Pipeline is the opaque JSON serialization of the measurement.
	Pipeline string `json:"opendp_json"`

	// FixedDelta fixes the delta used when converting a rho- or
	// zCDP-measured pipeline to an (epsilon, delta) cost. Optional.
	FixedDelta *float64 `json:"fixed_delta,omitempty"`
}

// SmartnoiseSQLRequest carries a SQL query executed under smartnoise-sql.
type SmartnoiseSQLRequest struct {
	Query   string  `json:"query_str"`
	Epsilon float64 `json:"epsilon"`
	Delta   float64 `json:"delta"`

	// Mechanisms optionally overrides the noise mechanism per statistic
	// (e.g. {"count": "gaussian"}). Passed through to the backend.
	Mechanisms map[string]string `json:"mechanisms,omitempty"`

	// Postprocess enables smartnoise-sql post-processing of the result.
	Postprocess bool `json:"postprocess"`
}

// SmartnoiseSynthRequest asks for a DP synthetic-data model.
type SmartnoiseSynthRequest struct {
	Synthesizer string  `json:"synth_name"`
	Epsilon     float64 `json:"epsilon"`
	Delta       float64 `json:"delta"`

	// SelectCols restricts synthesis to a subset of columns. Empty means all.
	SelectCols []string `json:"select_cols,omitempty"`

	// Constraints is an opaque serialization of per-column constraints.
	Constraints string `json:"constraints,omitempty"`

	Nullable bool `json:"nullable"`
}

// DiffprivlibRequest carries a serialized diffprivlib estimation pipeline.
type DiffprivlibRequest struct {
	// Pipeline is the opaque JSON serialization of the sklearn-style pipeline.
	Pipeline string `json:"diffprivlib_json"`

	FeatureColumns []string `json:"feature_columns"`
	TargetColumns  []string `json:"target_columns,omitempty"`

	// TestSize is the held-out fraction for the train/test split.
	TestSize float64 `json:"test_size"`

	// TestTrainSplitSeed seeds the (non-private) train/test split.
	TestTrainSplitSeed int64 `json:"test_train_split_seed"`

	// ImputerStrategy handles nulls before fitting: one of "drop", "mean",
	// "median", "most_frequent".
	ImputerStrategy string `json:"imputer_strategy"`
}

// QueryResult is the outcome of executing a query.
type QueryResult struct {
	// Cost is the budget actually charged for the result.
	Cost PrivacyCost `json:"spent"`

	// Value is the library-specific result payload (a Table for SQL-style
	// queries, an opaque model serialization for synthesizers, ...).
	Value any `json:"result"`
}

// QueryResponse is what the orchestrator returns for a successful real query.
type QueryResponse struct {
	RequestedBy UserName     `json:"requested_by"`
	Result      *QueryResult `json:"query_response"`
}

// -----------------------------------------------------------------------------
// Component interfaces
// -----------------------------------------------------------------------------

// DataConnector loads one dataset's tabular content and serves its metadata.
//
// Load is lazy: no I/O happens before the first call, and the first
// successful load is memoized. MemoryUsageMiB reports 0 before the first
// load. Observers registered with Subscribe are invoked after every change
// of the reported footprint (in practice: once, after the first load).
type DataConnector interface {
	// Dataset returns the connector's dataset name.
	Dataset() DatasetName

	// Load returns the dataset's table, reading it on first call.
	Load(ctx context.Context) (*Table, error)

	// Metadata returns the dataset's schema description.
	Metadata() *Metadata

	// MemoryUsageMiB returns the in-memory footprint of the loaded table.
	MemoryUsageMiB() float64

	// Subscribe registers an observer for footprint changes.
	Subscribe(fn func(DatasetName))
}

// DPQuerier estimates the cost of and executes queries for one
// (dataset, library) pair.
//
// Both operations are pure functions of the request and the current dataset
// snapshot, with one exception: SQL-style queriers may retry Execute
// internally on structurally all-null results (bounded, budget-free).
type DPQuerier interface {
	// EstimateCost returns the (epsilon, delta) price of the request
	// without executing it and without touching any budget.
	EstimateCost(ctx context.Context, req *QueryRequest) (PrivacyCost, error)

	// Execute runs the request against the connector's data.
	Execute(ctx context.Context, req *QueryRequest) (*QueryResult, error)
}

// DatasetStore hands out queriers, owning the connectors underneath them.
type DatasetStore interface {
	// GetQuerier returns the querier for (dataset, library), building the
	// dataset's connector on first access.
	GetQuerier(ctx context.Context, dataset DatasetName, lib Library) (DPQuerier, error)
}

// AdminDatabase is the narrow interface to the authoritative store of
// users, datasets, budgets, and the query archive. The core consumes it;
// persistence details are the implementation's business.
//
// GetAndSetMayQuery and UpdateBudget must be atomic on their own: the
// ledger's correctness must not depend on the orchestrator's per-user lock.
type AdminDatabase interface {
	// GetDatasetMetadata returns the schema description for a dataset.
	GetDatasetMetadata(ctx context.Context, dataset DatasetName) (*Metadata, error)

	// GetDatasetRegistration returns where and how the dataset is stored.
	GetDatasetRegistration(ctx context.Context, dataset DatasetName) (*DatasetRegistration, error)

	// GetRemainingBudget returns initial minus spent for (user, dataset).
	GetRemainingBudget(ctx context.Context, user UserName, dataset DatasetName) (PrivacyCost, error)

	// UpdateBudget atomically adds cost to the spent budget of
	// (user, dataset), failing without mutation if the spend would
	// exceed the initial budget.
	UpdateBudget(ctx context.Context, user UserName, dataset DatasetName, cost PrivacyCost) error

	// GetAndSetMayQuery atomically swaps the user's may-query flag and
	// returns the previous value.
	GetAndSetMayQuery(ctx context.Context, user UserName, mayQuery bool) (bool, error)

	// SetMayQuery sets the user's may-query flag unconditionally.
	SetMayQuery(ctx context.Context, user UserName, mayQuery bool) error

	// SaveQuery appends an entry to the immutable query archive.
	SaveQuery(ctx context.Context, entry *ArchiveEntry) error
}

// -----------------------------------------------------------------------------
// Query archive
// -----------------------------------------------------------------------------

// ArchiveEntry is one immutable record of a completed, paid-for query.
type ArchiveEntry struct {
	ID      uuid.UUID   `json:"id"`
	User    UserName    `json:"user_name"`
	Dataset DatasetName `json:"dataset_name"`
	Library Library     `json:"dp_library"`

	// Request is the JSON serialization of the query request.
	Request []byte `json:"client_input"`

	Cost PrivacyCost `json:"spent"`

	// ResultSummary is a short textual description of the result shape,
	// not the result itself.
	ResultSummary string `json:"result_summary"`

	Timestamp time.Time `json:"timestamp"`
}
