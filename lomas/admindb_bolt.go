package lomas

import (
	"context"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	bolt "go.etcd.io/bbolt"
)

var boltJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// Bucket layout of the bbolt admin database.
var (
	bucketUsers    = []byte("users")
	bucketBudgets  = []byte("budgets")
	bucketDatasets = []byte("datasets")
	bucketArchive  = []byte("archive")
)

type boltUser struct {
	MayQuery bool `json:"may_query"`
}

type boltBudget struct {
	InitialEpsilon float64 `json:"initial_epsilon"`
	InitialDelta   float64 `json:"initial_delta"`
	SpentEpsilon   float64 `json:"total_spent_epsilon"`
	SpentDelta     float64 `json:"total_spent_delta"`
}

type boltDataset struct {
	Registration *DatasetRegistration `json:"registration"`
	Metadata     *Metadata            `json:"metadata"`
}

// BoltAdminDB is an AdminDatabase persisted in a bbolt file. bbolt runs one
// writer at a time, so GetAndSetMayQuery and UpdateBudget are atomic by
// construction: each is a single read-modify-write transaction.
type BoltAdminDB struct {
	db *bolt.DB
}

// NewBoltAdminDB opens (or creates) the admin database file.
func NewBoltAdminDB(path string) (*BoltAdminDB, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("lomas: failed to open admin database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketUsers, bucketBudgets, bucketDatasets, bucketArchive} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("lomas: failed to initialize admin database: %w", err)
	}
	return &BoltAdminDB{db: db}, nil
}

// Close releases the underlying file.
func (b *BoltAdminDB) Close() error { return b.db.Close() }

// budgetKey joins user and dataset with a separator neither may contain.
func budgetKey(user UserName, dataset DatasetName) []byte {
	return []byte(string(user) + "\x00" + string(dataset))
}

// LoadCollection seeds users, budgets, and datasets in one transaction.
// Existing records are left untouched, so re-seeding at startup is safe.
func (b *BoltAdminDB) LoadCollection(c *AdminCollection) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		for i := range c.Datasets {
			seed := &c.Datasets[i]
			if seed.Metadata == nil {
				return fmt.Errorf("lomas: dataset %q has no metadata", seed.Dataset)
			}
			if err := seed.DatasetRegistration.Validate(); err != nil {
				return err
			}
			if err := seed.Metadata.Validate(); err != nil {
				return err
			}
			key := []byte(seed.Dataset)
			if tx.Bucket(bucketDatasets).Get(key) != nil {
				continue
			}
			raw, err := boltJSON.Marshal(&boltDataset{Registration: &seed.DatasetRegistration, Metadata: seed.Metadata})
			if err != nil {
				return err
			}
			if err := tx.Bucket(bucketDatasets).Put(key, raw); err != nil {
				return err
			}
		}
		for _, u := range c.Users {
			userKey := []byte(u.UserName)
			if tx.Bucket(bucketUsers).Get(userKey) == nil {
				raw, err := boltJSON.Marshal(&boltUser{MayQuery: true})
				if err != nil {
					return err
				}
				if err := tx.Bucket(bucketUsers).Put(userKey, raw); err != nil {
					return err
				}
			}
			for _, d := range u.Datasets {
				key := budgetKey(UserName(u.UserName), DatasetName(d.Dataset))
				if tx.Bucket(bucketBudgets).Get(key) != nil {
					continue
				}
				raw, err := boltJSON.Marshal(&boltBudget{
					InitialEpsilon: d.InitialEpsilon,
					InitialDelta:   d.InitialDelta,
				})
				if err != nil {
					return err
				}
				if err := tx.Bucket(bucketBudgets).Put(key, raw); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (b *BoltAdminDB) getDataset(dataset DatasetName) (*boltDataset, error) {
	var rec *boltDataset
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketDatasets).Get([]byte(dataset))
		if raw == nil {
			return &InvalidQueryError{Message: fmt.Sprintf("dataset %q does not exist", dataset)}
		}
		rec = &boltDataset{}
		return boltJSON.Unmarshal(raw, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (b *BoltAdminDB) GetDatasetMetadata(_ context.Context, dataset DatasetName) (*Metadata, error) {
	rec, err := b.getDataset(dataset)
	if err != nil {
		return nil, err
	}
	return rec.Metadata, nil
}

func (b *BoltAdminDB) GetDatasetRegistration(_ context.Context, dataset DatasetName) (*DatasetRegistration, error) {
	rec, err := b.getDataset(dataset)
	if err != nil {
		return nil, err
	}
	return rec.Registration, nil
}

func (b *BoltAdminDB) GetRemainingBudget(_ context.Context, user UserName, dataset DatasetName) (PrivacyCost, error) {
	var remaining PrivacyCost
	err := b.db.View(func(tx *bolt.Tx) error {
		rec, err := readBudget(tx, user, dataset)
		if err != nil {
			return err
		}
		remaining = PrivacyCost{
			Epsilon: rec.InitialEpsilon - rec.SpentEpsilon,
			Delta:   rec.InitialDelta - rec.SpentDelta,
		}
		return nil
	})
	return remaining, err
}

func (b *BoltAdminDB) UpdateBudget(_ context.Context, user UserName, dataset DatasetName, cost PrivacyCost) error {
	if cost.Epsilon < 0 || cost.Delta < 0 {
		return &InternalServerError{Message: fmt.Sprintf("budget deduction must be non-negative, got (%g, %g)", cost.Epsilon, cost.Delta)}
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		rec, err := readBudget(tx, user, dataset)
		if err != nil {
			return err
		}
		if rec.SpentEpsilon+cost.Epsilon > rec.InitialEpsilon+budgetTolerance ||
			rec.SpentDelta+cost.Delta > rec.InitialDelta+budgetTolerance {
			return &InvalidQueryError{Message: fmt.Sprintf("budget exhausted for (%s, %s)", user, dataset)}
		}
		rec.SpentEpsilon += cost.Epsilon
		rec.SpentDelta += cost.Delta
		raw, err := boltJSON.Marshal(rec)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketBudgets).Put(budgetKey(user, dataset), raw)
	})
}

func (b *BoltAdminDB) GetAndSetMayQuery(_ context.Context, user UserName, mayQuery bool) (bool, error) {
	var prev bool
	err := b.db.Update(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketUsers).Get([]byte(user))
		if raw == nil {
			return &UnauthorizedAccessError{Message: fmt.Sprintf("user %s does not exist", user)}
		}
		var rec boltUser
		if err := boltJSON.Unmarshal(raw, &rec); err != nil {
			return err
		}
		prev = rec.MayQuery
		rec.MayQuery = mayQuery
		out, err := boltJSON.Marshal(&rec)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketUsers).Put([]byte(user), out)
	})
	return prev, err
}

func (b *BoltAdminDB) SetMayQuery(_ context.Context, user UserName, mayQuery bool) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketUsers).Get([]byte(user))
		if raw == nil {
			return &UnauthorizedAccessError{Message: fmt.Sprintf("user %s does not exist", user)}
		}
		out, err := boltJSON.Marshal(&boltUser{MayQuery: mayQuery})
		if err != nil {
			return err
		}
		return tx.Bucket(bucketUsers).Put([]byte(user), out)
	})
}

func (b *BoltAdminDB) SaveQuery(_ context.Context, entry *ArchiveEntry) error {
	raw, err := boltJSON.Marshal(entry)
	if err != nil {
		return err
	}
	// Keys sort by time so the archive reads back in append order.
	key := []byte(entry.Timestamp.UTC().Format(time.RFC3339Nano) + "/" + entry.ID.String())
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketArchive).Put(key, raw)
	})
}

// ArchivedQueries returns the user's archive entries in timestamp order.
func (b *BoltAdminDB) ArchivedQueries(user UserName) ([]*ArchiveEntry, error) {
	var out []*ArchiveEntry
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketArchive).ForEach(func(_, raw []byte) error {
			var entry ArchiveEntry
			if err := boltJSON.Unmarshal(raw, &entry); err != nil {
				return err
			}
			if entry.User == user {
				out = append(out, &entry)
			}
			return nil
		})
	})
	return out, err
}

func readBudget(tx *bolt.Tx, user UserName, dataset DatasetName) (*boltBudget, error) {
	raw := tx.Bucket(bucketBudgets).Get(budgetKey(user, dataset))
	if raw == nil {
		return nil, &UnauthorizedAccessError{Message: fmt.Sprintf("no budget record for user %s on dataset %s", user, dataset)}
	}
	var rec boltBudget
	if err := boltJSON.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
