package lomas

import (
	"context"
	"fmt"
	"sync"

	"gopkg.in/yaml.v2"
)

// budgetTolerance absorbs float drift in repeated budget arithmetic so a
// user can always spend exactly what they were provisioned.
const budgetTolerance = 1e-12

// -----------------------------------------------------------------------------
// In-memory admin database
// -----------------------------------------------------------------------------

type budgetRecord struct {
	initial PrivacyCost
	spent   PrivacyCost
}

type userRecord struct {
	mayQuery bool
	budgets  map[DatasetName]*budgetRecord
}

type datasetRecord struct {
	reg *DatasetRegistration
	md  *Metadata
}

// MemoryAdminDB is an AdminDatabase held entirely in memory, seeded from a
// YAML collection. One mutex makes every operation atomic; in particular
// GetAndSetMayQuery is a true test-and-set and UpdateBudget is a
// conditional decrement, independent of the orchestrator's own locking.
type MemoryAdminDB struct {
	mu       sync.Mutex
	users    map[UserName]*userRecord
	datasets map[DatasetName]*datasetRecord
	archive  []*ArchiveEntry
}

// NewMemoryAdminDB creates an empty in-memory admin database.
func NewMemoryAdminDB() *MemoryAdminDB {
	return &MemoryAdminDB{
		users:    make(map[UserName]*userRecord),
		datasets: make(map[DatasetName]*datasetRecord),
	}
}

// AddUser registers a user who may query immediately.
func (db *MemoryAdminDB) AddUser(user UserName) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.users[user]; !ok {
		db.users[user] = &userRecord{
			mayQuery: true,
			budgets:  make(map[DatasetName]*budgetRecord),
		}
	}
}

// AddBudget provisions a user's initial budget on a dataset. The initial
// values are immutable afterwards.
func (db *MemoryAdminDB) AddBudget(user UserName, dataset DatasetName, initial PrivacyCost) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	u, ok := db.users[user]
	if !ok {
		return fmt.Errorf("lomas: unknown user %q", user)
	}
	if _, ok := u.budgets[dataset]; ok {
		return fmt.Errorf("lomas: budget for (%s, %s) already provisioned", user, dataset)
	}
	u.budgets[dataset] = &budgetRecord{initial: initial}
	return nil
}

// AddDataset registers a dataset with its metadata.
func (db *MemoryAdminDB) AddDataset(reg *DatasetRegistration, md *Metadata) error {
	if err := reg.Validate(); err != nil {
		return err
	}
	if err := md.Validate(); err != nil {
		return err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.datasets[reg.Dataset]; ok {
		return fmt.Errorf("lomas: dataset %q already registered", reg.Dataset)
	}
	db.datasets[reg.Dataset] = &datasetRecord{reg: reg, md: md}
	return nil
}

func (db *MemoryAdminDB) GetDatasetMetadata(_ context.Context, dataset DatasetName) (*Metadata, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	rec, ok := db.datasets[dataset]
	if !ok {
		return nil, &InvalidQueryError{Message: fmt.Sprintf("dataset %q does not exist", dataset)}
	}
	return rec.md, nil
}

func (db *MemoryAdminDB) GetDatasetRegistration(_ context.Context, dataset DatasetName) (*DatasetRegistration, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	rec, ok := db.datasets[dataset]
	if !ok {
		return nil, &InvalidQueryError{Message: fmt.Sprintf("dataset %q does not exist", dataset)}
	}
	return rec.reg, nil
}

func (db *MemoryAdminDB) GetRemainingBudget(_ context.Context, user UserName, dataset DatasetName) (PrivacyCost, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	b, err := db.budgetLocked(user, dataset)
	if err != nil {
		return PrivacyCost{}, err
	}
	return PrivacyCost{
		Epsilon: b.initial.Epsilon - b.spent.Epsilon,
		Delta:   b.initial.Delta - b.spent.Delta,
	}, nil
}

func (db *MemoryAdminDB) UpdateBudget(_ context.Context, user UserName, dataset DatasetName, cost PrivacyCost) error {
	if cost.Epsilon < 0 || cost.Delta < 0 {
		return &InternalServerError{Message: fmt.Sprintf("budget deduction must be non-negative, got (%g, %g)", cost.Epsilon, cost.Delta)}
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	b, err := db.budgetLocked(user, dataset)
	if err != nil {
		return err
	}
	if b.spent.Epsilon+cost.Epsilon > b.initial.Epsilon+budgetTolerance ||
		b.spent.Delta+cost.Delta > b.initial.Delta+budgetTolerance {
		return &InvalidQueryError{Message: fmt.Sprintf("budget exhausted for (%s, %s)", user, dataset)}
	}
	b.spent.Epsilon += cost.Epsilon
	b.spent.Delta += cost.Delta
	return nil
}

func (db *MemoryAdminDB) GetAndSetMayQuery(_ context.Context, user UserName, mayQuery bool) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	u, ok := db.users[user]
	if !ok {
		return false, &UnauthorizedAccessError{Message: fmt.Sprintf("user %s does not exist", user)}
	}
	prev := u.mayQuery
	u.mayQuery = mayQuery
	return prev, nil
}

func (db *MemoryAdminDB) SetMayQuery(_ context.Context, user UserName, mayQuery bool) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	u, ok := db.users[user]
	if !ok {
		return &UnauthorizedAccessError{Message: fmt.Sprintf("user %s does not exist", user)}
	}
	u.mayQuery = mayQuery
	return nil
}

func (db *MemoryAdminDB) SaveQuery(_ context.Context, entry *ArchiveEntry) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.archive = append(db.archive, entry)
	return nil
}

// ArchivedQueries returns the user's archive entries in append order.
func (db *MemoryAdminDB) ArchivedQueries(user UserName) []*ArchiveEntry {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []*ArchiveEntry
	for _, e := range db.archive {
		if e.User == user {
			out = append(out, e)
		}
	}
	return out
}

// TotalSpent returns what the user has spent on a dataset so far.
func (db *MemoryAdminDB) TotalSpent(user UserName, dataset DatasetName) (PrivacyCost, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	b, err := db.budgetLocked(user, dataset)
	if err != nil {
		return PrivacyCost{}, err
	}
	return b.spent, nil
}

func (db *MemoryAdminDB) budgetLocked(user UserName, dataset DatasetName) (*budgetRecord, error) {
	u, ok := db.users[user]
	if !ok {
		return nil, &UnauthorizedAccessError{Message: fmt.Sprintf("user %s does not exist", user)}
	}
	b, ok := u.budgets[dataset]
	if !ok {
		return nil, &UnauthorizedAccessError{Message: fmt.Sprintf("no budget record for user %s on dataset %s", user, dataset)}
	}
	return b, nil
}

// -----------------------------------------------------------------------------
// YAML collection seeding
// -----------------------------------------------------------------------------

// AdminCollection is the YAML document provisioning users, budgets, and
// dataset registrations in one file.
type AdminCollection struct {
	Users    []UserSeed    `yaml:"users"`
	Datasets []DatasetSeed `yaml:"datasets"`
}

// UserSeed provisions one user and their per-dataset budgets.
type UserSeed struct {
	UserName string            `yaml:"user_name"`
	Datasets []UserDatasetSeed `yaml:"datasets"`
}

// UserDatasetSeed provisions one (user, dataset) budget.
type UserDatasetSeed struct {
	Dataset        string  `yaml:"dataset_name"`
	InitialEpsilon float64 `yaml:"initial_epsilon"`
	InitialDelta   float64 `yaml:"initial_delta"`
}

// DatasetSeed registers one dataset together with its metadata.
type DatasetSeed struct {
	DatasetRegistration `yaml:",inline"`
	Metadata            *Metadata `yaml:"metadata"`
}

// ParseAdminCollection decodes a YAML admin collection.
func ParseAdminCollection(doc []byte) (*AdminCollection, error) {
	var c AdminCollection
	if err := yaml.Unmarshal(doc, &c); err != nil {
		return nil, fmt.Errorf("lomas: failed to decode admin collection: %w", err)
	}
	return &c, nil
}

// LoadCollection seeds the database from a parsed collection.
func (db *MemoryAdminDB) LoadCollection(c *AdminCollection) error {
	for i := range c.Datasets {
		seed := &c.Datasets[i]
		if seed.Metadata == nil {
			return fmt.Errorf("lomas: dataset %q has no metadata", seed.Dataset)
		}
		if err := db.AddDataset(&seed.DatasetRegistration, seed.Metadata); err != nil {
			return err
		}
	}
	for _, u := range c.Users {
		db.AddUser(UserName(u.UserName))
		for _, d := range u.Datasets {
			err := db.AddBudget(UserName(u.UserName), DatasetName(d.Dataset), PrivacyCost{
				Epsilon: d.InitialEpsilon,
				Delta:   d.InitialDelta,
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}
