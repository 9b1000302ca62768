package lomas

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

var archiveJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// -----------------------------------------------------------------------------
// Orchestrator
// -----------------------------------------------------------------------------

// Orchestrator runs the query protocol: acquire the per-user lock, estimate
// cost, check budget, execute, deduct, archive, release. The per-user lock
// is the only cross-request serialization the core provides; it keeps one
// user to one in-flight query and nothing more.
type Orchestrator struct {
	admin    AdminDatabase
	store    DatasetStore
	backends Backends
	log      *slog.Logger
}

// OrchestratorOption configures orchestrator construction.
type OrchestratorOption func(*Orchestrator)

// WithLogger sets the orchestrator's logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.log = logger }
}

// NewOrchestrator wires the orchestrator to its collaborators. The backends
// are needed directly (not only through the store) because dummy queriers
// are built on the fly and never cached.
func NewOrchestrator(admin AdminDatabase, store DatasetStore, backends Backends, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		admin:    admin,
		store:    store,
		backends: backends,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// HandleQuery runs one real query end to end.
//
// Budget is charged only for results actually returned: every failure
// before or during execution leaves the ledger untouched. The one accepted
// inconsistency is an archive failure after a successful deduction; the
// spend stands and the failure surfaces as an internal error.
func (o *Orchestrator) HandleQuery(ctx context.Context, req *QueryRequest) (resp *QueryResponse, err error) {
	lib, err := req.Library()
	if err != nil {
		return nil, err
	}

	prev, err := o.admin.GetAndSetMayQuery(ctx, req.User, false)
	if err != nil {
		return nil, internalize("failed to acquire query lock", err)
	}
	if !prev {
		// Already locked: nothing was acquired, so nothing to release.
		return nil, &UnauthorizedAccessError{
			Message: fmt.Sprintf("user %s is already processing a query", req.User),
		}
	}

	// The lock is held from here on. Release it on every path, including
	// panics further down and requests whose context has already expired.
	defer func() {
		unlockCtx := context.WithoutCancel(ctx)
		if unlockErr := o.admin.SetMayQuery(unlockCtx, req.User, true); unlockErr != nil {
			o.log.Error("failed to release query lock",
				"user", string(req.User), "error", unlockErr)
			if err == nil {
				resp = nil
				err = &InternalServerError{Message: "failed to release query lock", Err: unlockErr}
			}
		}
	}()

	querier, err := o.store.GetQuerier(ctx, req.Dataset, lib)
	if err != nil {
		return nil, internalize("failed to obtain querier", err)
	}

	cost, err := querier.EstimateCost(ctx, req)
	if err != nil {
		return nil, internalize("cost estimation failed", err)
	}

	remaining, err := o.admin.GetRemainingBudget(ctx, req.User, req.Dataset)
	if err != nil {
		return nil, internalize("failed to read remaining budget", err)
	}
	if !remaining.Covers(cost) {
		return nil, &InvalidQueryError{
			Message: fmt.Sprintf(
				"insufficient budget: query costs (%g, %g) but (%g, %g) remains",
				cost.Epsilon, cost.Delta, remaining.Epsilon, remaining.Delta,
			),
		}
	}

	result, err := querier.Execute(ctx, req)
	if err != nil {
		return nil, internalize("query execution failed", err)
	}
	result.Cost = cost

	if err := o.admin.UpdateBudget(ctx, req.User, req.Dataset, cost); err != nil {
		return nil, internalize("failed to deduct budget", err)
	}

	if err := o.archive(ctx, req, lib, cost, result); err != nil {
		// The deduction stands: the result exists and was paid for. The
		// caller gets a generic error; the cause stays in the server log.
		o.log.Error("failed to archive query after budget deduction",
			"user", string(req.User),
			"dataset", string(req.Dataset),
			"library", string(lib),
			"error", err,
		)
		return nil, &InternalServerError{Message: "failed to archive query"}
	}

	o.log.Info("query settled",
		"user", string(req.User),
		"dataset", string(req.Dataset),
		"library", string(lib),
		"epsilon", cost.Epsilon,
		"delta", cost.Delta,
	)
	return &QueryResponse{RequestedBy: req.User, Result: result}, nil
}

// EstimateCost prices a query without executing it. No lock is taken and
// no budget is touched; estimation is free.
func (o *Orchestrator) EstimateCost(ctx context.Context, req *QueryRequest) (PrivacyCost, error) {
	lib, err := req.Library()
	if err != nil {
		return PrivacyCost{}, err
	}
	querier, err := o.store.GetQuerier(ctx, req.Dataset, lib)
	if err != nil {
		return PrivacyCost{}, internalize("failed to obtain querier", err)
	}
	cost, err := querier.EstimateCost(ctx, req)
	if err != nil {
		return PrivacyCost{}, internalize("cost estimation failed", err)
	}
	return cost, nil
}

// -----------------------------------------------------------------------------
// Dummy operations
// -----------------------------------------------------------------------------

// DummyParams shapes a dummy dataset. Zero values fall back to the
// gateway defaults.
type DummyParams struct {
	Rows int
	Seed uint64
}

func (p DummyParams) withDefaults() DummyParams {
	if p.Rows == 0 {
		p.Rows = DefaultDummyRows
	}
	if p.Seed == 0 {
		p.Seed = DefaultDummySeed
	}
	return p
}

// HandleDummyQuery executes a query against a generated dummy dataset.
// No lock, no budget, no archive: dummy results are free and fake.
func (o *Orchestrator) HandleDummyQuery(ctx context.Context, req *QueryRequest, params DummyParams) (*QueryResult, error) {
	lib, err := req.Library()
	if err != nil {
		return nil, err
	}
	querier, err := o.dummyQuerier(ctx, req.Dataset, lib, params)
	if err != nil {
		return nil, err
	}
	result, err := querier.Execute(ctx, req)
	if err != nil {
		return nil, internalize("dummy query execution failed", err)
	}
	return result, nil
}

// EstimateDummyCost prices a query against a generated dummy dataset.
// The estimate equals the real query's price; only the data is fake.
func (o *Orchestrator) EstimateDummyCost(ctx context.Context, req *QueryRequest, params DummyParams) (PrivacyCost, error) {
	lib, err := req.Library()
	if err != nil {
		return PrivacyCost{}, err
	}
	querier, err := o.dummyQuerier(ctx, req.Dataset, lib, params)
	if err != nil {
		return PrivacyCost{}, err
	}
	cost, err := querier.EstimateCost(ctx, req)
	if err != nil {
		return PrivacyCost{}, internalize("dummy cost estimation failed", err)
	}
	return cost, nil
}

func (o *Orchestrator) dummyQuerier(ctx context.Context, dataset DatasetName, lib Library, params DummyParams) (DPQuerier, error) {
	params = params.withDefaults()
	md, err := o.admin.GetDatasetMetadata(ctx, dataset)
	if err != nil {
		return nil, internalize("failed to load dataset metadata", err)
	}
	conn, err := MakeDummyConnector(dataset, md, params.Rows, params.Seed)
	if err != nil {
		return nil, err
	}
	q, err := NewQuerier(lib, conn, o.backends)
	if err != nil {
		return nil, err
	}
	return q, nil
}

// -----------------------------------------------------------------------------
// Archiving
// -----------------------------------------------------------------------------

func (o *Orchestrator) archive(ctx context.Context, req *QueryRequest, lib Library, cost PrivacyCost, result *QueryResult) error {
	raw, err := archiveJSON.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	return o.admin.SaveQuery(ctx, &ArchiveEntry{
		ID:            uuid.New(),
		User:          req.User,
		Dataset:       req.Dataset,
		Library:       lib,
		Request:       raw,
		Cost:          cost,
		ResultSummary: summarize(result.Value),
		Timestamp:     time.Now().UTC(),
	})
}

// summarize describes a result's shape without leaking its content into
// the archive.
func summarize(value any) string {
	switch v := value.(type) {
	case *Table:
		return fmt.Sprintf("table (%d rows, %d columns)", v.Rows(), v.NumColumns())
	case string:
		return fmt.Sprintf("opaque payload (%d bytes)", len(v))
	case []byte:
		return fmt.Sprintf("opaque payload (%d bytes)", len(v))
	case nil:
		return "empty"
	default:
		return fmt.Sprintf("%T", value)
	}
}
