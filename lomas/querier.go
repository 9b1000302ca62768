package lomas

import (
	"context"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

// -----------------------------------------------------------------------------
// Library backends
// -----------------------------------------------------------------------------

// LibraryBackend is the pluggable boundary to one DP library. The core
// treats the library as opaque: Cost prices a request, Run produces a
// result, and everything in between (mechanism mathematics, pipeline
// reconstruction) is the backend's business.
//
// Both methods receive the dataset's current table and metadata snapshot.
// Backends must not retain the table across calls.
type LibraryBackend interface {
	Cost(ctx context.Context, req *QueryRequest, data *Table, md *Metadata) (PrivacyCost, error)
	Run(ctx context.Context, req *QueryRequest, data *Table, md *Metadata) (any, error)
}

// Backends maps each supported library to its backend.
type Backends map[Library]LibraryBackend

// sqlNullRetries bounds Execute attempts for SQL-style queriers when the
// noisy result comes back structurally all-null. Retries use fresh backend
// randomness and consume no budget.
const sqlNullRetries = 5

// imputerStrategies is the closed set of diffprivlib null-handling modes.
var imputerStrategies = map[string]bool{
	"drop":          true,
	"mean":          true,
	"median":        true,
	"most_frequent": true,
}

var pipelineJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// -----------------------------------------------------------------------------
// Querier adapter
// -----------------------------------------------------------------------------

// dpQuerier adapts one LibraryBackend to one dataset. Stateless across
// calls apart from the connector reference.
type dpQuerier struct {
	lib       Library
	connector DataConnector
	backend   LibraryBackend
}

// NewQuerier builds the querier for (connector, library) on top of the
// registered backends.
func NewQuerier(lib Library, connector DataConnector, backends Backends) (DPQuerier, error) {
	if !lib.Valid() {
		return nil, &InvalidQueryError{Message: fmt.Sprintf("unsupported library %q", lib)}
	}
	backend, ok := backends[lib]
	if !ok {
		return nil, &InternalServerError{Message: fmt.Sprintf("no backend registered for library %q", lib)}
	}
	return &dpQuerier{lib: lib, connector: connector, backend: backend}, nil
}

func (q *dpQuerier) EstimateCost(ctx context.Context, req *QueryRequest) (PrivacyCost, error) {
	if err := q.validate(req); err != nil {
		return PrivacyCost{}, err
	}

	data, err := q.connector.Load(ctx)
	if err != nil {
		return PrivacyCost{}, err
	}

	cost, err := q.backend.Cost(ctx, req, data, q.connector.Metadata())
	if err != nil {
		return PrivacyCost{}, q.wrapBackend(err)
	}
	if cost.Epsilon < 0 || cost.Delta < 0 {
		return PrivacyCost{}, &ExternalLibraryError{
			Library: q.lib,
			Message: fmt.Sprintf("backend reported negative cost (%g, %g)", cost.Epsilon, cost.Delta),
		}
	}
	return cost, nil
}

func (q *dpQuerier) Execute(ctx context.Context, req *QueryRequest) (*QueryResult, error) {
	if err := q.validate(req); err != nil {
		return nil, err
	}

	data, err := q.connector.Load(ctx)
	if err != nil {
		return nil, err
	}

	attempts := 1
	if q.lib == LibrarySmartnoiseSQL {
		attempts = sqlNullRetries
	}

	for i := 0; i < attempts; i++ {
		value, err := q.backend.Run(ctx, req, data, q.connector.Metadata())
		if err != nil {
			return nil, q.wrapBackend(err)
		}
		if table, ok := value.(*Table); ok && table.AllNull() {
			// Degenerate noisy result; draw again.
			continue
		}
		return &QueryResult{Value: value}, nil
	}

	return nil, &InvalidQueryError{
		Message: fmt.Sprintf("query returned only null values after %d attempts; adjust the query or increase the budget", attempts),
	}
}

// validate checks that the request targets this querier's library and that
// its payload is structurally reconstructable. Pipeline strings stay
// opaque beyond a well-formedness check.
func (q *dpQuerier) validate(req *QueryRequest) error {
	lib, err := req.Library()
	if err != nil {
		return err
	}
	if lib != q.lib {
		return &InvalidQueryError{Message: fmt.Sprintf("request carries a %s payload but targets a %s querier", lib, q.lib)}
	}

	switch q.lib {
	case LibraryOpenDP:
		return validPipeline("opendp", req.OpenDP.Pipeline)
	case LibrarySmartnoiseSQL:
		r := req.SmartnoiseSQL
		if r.Query == "" {
			return &InvalidQueryError{Message: "empty SQL query"}
		}
		if r.Epsilon <= 0 || r.Delta < 0 {
			return &InvalidQueryError{Message: fmt.Sprintf("invalid requested cost (%g, %g)", r.Epsilon, r.Delta)}
		}
	case LibrarySmartnoiseSynth:
		r := req.SmartnoiseSynth
		if r.Synthesizer == "" {
			return &InvalidQueryError{Message: "missing synthesizer name"}
		}
		if r.Epsilon <= 0 || r.Delta < 0 {
			return &InvalidQueryError{Message: fmt.Sprintf("invalid requested cost (%g, %g)", r.Epsilon, r.Delta)}
		}
	case LibraryDiffprivlib:
		r := req.Diffprivlib
		if err := validPipeline("diffprivlib", r.Pipeline); err != nil {
			return err
		}
		if !imputerStrategies[r.ImputerStrategy] {
			return &InvalidQueryError{Message: fmt.Sprintf("unsupported imputation strategy %q", r.ImputerStrategy)}
		}
		if len(r.FeatureColumns) == 0 {
			return &InvalidQueryError{Message: "diffprivlib request needs feature columns"}
		}
	}
	return nil
}

func validPipeline(kind, pipeline string) error {
	if pipeline == "" {
		return &InvalidQueryError{Message: "missing " + kind + " pipeline"}
	}
	if !pipelineJSON.Valid([]byte(pipeline)) {
		return &InvalidQueryError{Message: "failed to reconstruct " + kind + " pipeline: not valid JSON"}
	}
	return nil
}

// wrapBackend tags raw backend failures with the library identifier.
// Errors already classified by the core pass through unchanged.
func (q *dpQuerier) wrapBackend(err error) error {
	if isKnownKind(err) {
		return err
	}
	return &ExternalLibraryError{Library: q.lib, Message: err.Error()}
}
