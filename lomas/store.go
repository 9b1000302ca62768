package lomas

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shirou/gopsutil/v3/mem"
)

// -----------------------------------------------------------------------------
// Store factory
// -----------------------------------------------------------------------------

// StoreStrategy selects the dataset-store caching strategy.
type StoreStrategy string

// Supported strategies.
const (
	StoreBasic StoreStrategy = "basic"
	StoreLRU   StoreStrategy = "LRU_cache"
)

// storeConfig holds resolved construction options for dataset stores.
type storeConfig struct {
	s3Client S3API
	logger   *slog.Logger
}

// StoreOption configures dataset-store construction.
type StoreOption func(*storeConfig)

// WithStoreS3Client injects the S3 client handed to S3-backed connectors.
func WithStoreS3Client(client S3API) StoreOption {
	return func(cfg *storeConfig) { cfg.s3Client = client }
}

// WithStoreLogger sets the store's logger. Default: slog.Default().
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(cfg *storeConfig) { cfg.logger = logger }
}

// NewDatasetStore builds a store for the given strategy. maxMemoryMiB
// bounds the LRU strategy and is ignored by the basic strategy.
func NewDatasetStore(strategy StoreStrategy, maxMemoryMiB float64, admin AdminDatabase, backends Backends, opts ...StoreOption) (DatasetStore, error) {
	cfg := &storeConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(cfg)
	}

	switch strategy {
	case StoreBasic:
		return &basicStore{
			admin:    admin,
			backends: backends,
			s3:       cfg.s3Client,
			log:      cfg.logger,
			entries:  make(map[DatasetName]*storeEntry),
		}, nil
	case StoreLRU:
		if maxMemoryMiB <= 0 {
			return nil, fmt.Errorf("lomas: LRU store needs a positive memory bound, got %g", maxMemoryMiB)
		}
		s := &lruStore{
			admin:    admin,
			backends: backends,
			s3:       cfg.s3Client,
			log:      cfg.logger,
			maxMiB:   maxMemoryMiB,
			ll:       list.New(),
			index:    make(map[DatasetName]*list.Element),
		}
		return s, nil
	default:
		return nil, fmt.Errorf("lomas: unknown store strategy %q", strategy)
	}
}

// storeEntry groups one dataset's connector with the queriers built on it.
// Evicting a dataset removes the whole entry.
type storeEntry struct {
	connector DataConnector
	queriers  map[Library]DPQuerier
}

// buildEntry constructs a connector (and empty querier set) for a dataset
// from its admin-database registration. No dataset I/O happens here.
func buildEntry(ctx context.Context, admin AdminDatabase, s3 S3API, dataset DatasetName) (*storeEntry, error) {
	reg, err := admin.GetDatasetRegistration(ctx, dataset)
	if err != nil {
		return nil, err
	}
	md, err := admin.GetDatasetMetadata(ctx, dataset)
	if err != nil {
		return nil, err
	}
	conn, err := NewDataConnector(reg, md, WithS3Client(s3))
	if err != nil {
		return nil, err
	}
	return &storeEntry{connector: conn, queriers: make(map[Library]DPQuerier)}, nil
}

func (e *storeEntry) querier(lib Library, backends Backends) (DPQuerier, error) {
	if q, ok := e.queriers[lib]; ok {
		return q, nil
	}
	q, err := NewQuerier(lib, e.connector, backends)
	if err != nil {
		return nil, err
	}
	e.queriers[lib] = q
	return q, nil
}

// -----------------------------------------------------------------------------
// Basic store
// -----------------------------------------------------------------------------

// basicStore caches connectors and queriers for the process lifetime.
// It never evicts; it only warns when cached datasets outgrow the memory
// actually available on the host.
type basicStore struct {
	admin    AdminDatabase
	backends Backends
	s3       S3API
	log      *slog.Logger

	mu      sync.Mutex
	entries map[DatasetName]*storeEntry
}

func (s *basicStore) GetQuerier(ctx context.Context, dataset DatasetName, lib Library) (DPQuerier, error) {
	s.mu.Lock()
	e := s.entries[dataset]
	s.mu.Unlock()

	if e == nil {
		built, err := buildEntry(ctx, s.admin, s.s3, dataset)
		if err != nil {
			return nil, err
		}
		built.connector.Subscribe(s.onFootprintChange)

		s.mu.Lock()
		if existing, ok := s.entries[dataset]; ok {
			// Lost the build race; the first insert wins.
			e = existing
		} else {
			s.entries[dataset] = built
			e = built
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return e.querier(lib, s.backends)
}

// onFootprintChange checks total cached size against available system
// memory after each dataset load. The basic strategy never evicts, so all
// it can do is warn before the process gets into trouble.
func (s *basicStore) onFootprintChange(dataset DatasetName) {
	s.mu.Lock()
	var totalMiB float64
	for _, e := range s.entries {
		totalMiB += e.connector.MemoryUsageMiB()
	}
	s.mu.Unlock()

	vm, err := mem.VirtualMemory()
	if err != nil {
		return
	}
	availMiB := float64(vm.Available) / (1 << 20)
	if totalMiB > availMiB {
		s.log.Warn("cached datasets exceed available system memory",
			"dataset", string(dataset),
			"cached_mib", totalMiB,
			"available_mib", availMiB,
		)
	}
}

// -----------------------------------------------------------------------------
// LRU store
// -----------------------------------------------------------------------------

// lruStore bounds the total footprint of cached connectors, evicting whole
// datasets in strict least-recently-used order. The mutex guards only cache
// bookkeeping (insert, evict, move-to-front); dataset loads happen outside
// it and report back through the footprint callback.
type lruStore struct {
	admin    AdminDatabase
	backends Backends
	s3       S3API
	log      *slog.Logger
	maxMiB   float64

	mu    sync.Mutex
	ll    *list.List // front = most recently used
	index map[DatasetName]*list.Element
}

type lruEntry struct {
	dataset DatasetName
	storeEntry
}

func (s *lruStore) GetQuerier(ctx context.Context, dataset DatasetName, lib Library) (DPQuerier, error) {
	s.mu.Lock()
	if el, ok := s.index[dataset]; ok {
		// Read access refreshes recency.
		s.ll.MoveToFront(el)
		e := el.Value.(*lruEntry)
		q, err := e.querier(lib, s.backends)
		s.mu.Unlock()
		return q, err
	}
	s.mu.Unlock()

	built, err := buildEntry(ctx, s.admin, s.s3, dataset)
	if err != nil {
		return nil, err
	}
	built.connector.Subscribe(s.onFootprintChange)

	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.index[dataset]; ok {
		// Lost the build race; the first insert wins.
		s.ll.MoveToFront(el)
		return el.Value.(*lruEntry).querier(lib, s.backends)
	}

	// A dataset whose known footprint alone exceeds the bound can never be
	// cached. This is a configuration error, not a transient condition.
	if fp := built.connector.MemoryUsageMiB(); fp > s.maxMiB {
		return nil, &InternalServerError{
			Message: fmt.Sprintf("dataset %q (%.1f MiB) exceeds the cache bound (%.1f MiB)", dataset, fp, s.maxMiB),
		}
	}

	e := &lruEntry{dataset: dataset, storeEntry: *built}
	s.index[dataset] = s.ll.PushFront(e)
	s.evictLocked()

	return e.querier(lib, s.backends)
}

// onFootprintChange re-checks the budget after a connector's first load.
// This can evict datasets other than the one that just loaded, including
// ones mid-use by a concurrent request; in-flight queries keep their
// connector references and are unaffected.
func (s *lruStore) onFootprintChange(DatasetName) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked()
}

// evictLocked trims from the LRU end until total usage fits the bound.
// The most recently used entry is evicted only when it is alone and by
// itself exceeds the bound.
func (s *lruStore) evictLocked() {
	for s.totalLocked() > s.maxMiB && s.ll.Len() > 0 {
		back := s.ll.Back()
		e := back.Value.(*lruEntry)
		if back == s.ll.Front() && e.connector.MemoryUsageMiB() <= s.maxMiB {
			return
		}
		s.ll.Remove(back)
		delete(s.index, e.dataset)
		s.log.Info("evicted dataset from cache",
			"dataset", string(e.dataset),
			"freed_mib", e.connector.MemoryUsageMiB(),
		)
	}
}

func (s *lruStore) totalLocked() float64 {
	var total float64
	for el := s.ll.Front(); el != nil; el = el.Next() {
		total += el.Value.(*lruEntry).connector.MemoryUsageMiB()
	}
	return total
}
