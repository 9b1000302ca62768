package lomas

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// -----------------------------------------------------------------------------
// Gateway configuration
// -----------------------------------------------------------------------------

// AdminBackend selects the admin-database implementation.
type AdminBackend string

// Supported admin-database backends.
const (
	AdminMemory AdminBackend = "memory"
	AdminBolt   AdminBackend = "bolt"
)

// Config is the gateway's explicit configuration, constructed once at
// process start and passed into the component constructors. There is no
// ambient global state.
type Config struct {
	Store StoreSettings `yaml:"dataset_store"`
	Admin AdminSettings `yaml:"admin_database"`
}

// StoreSettings configures the dataset store.
type StoreSettings struct {
	Strategy StoreStrategy `yaml:"ds_store_type"`

	// MaxMemoryUsageMiB bounds the LRU strategy. Ignored by basic.
	MaxMemoryUsageMiB float64 `yaml:"max_memory_usage"`
}

// AdminSettings configures the admin database.
type AdminSettings struct {
	Backend AdminBackend `yaml:"db_type"`

	// Path is the bbolt file for the bolt backend.
	Path string `yaml:"db_path,omitempty"`

	// CollectionPath optionally seeds users and datasets from a YAML
	// collection at startup.
	CollectionPath string `yaml:"collection_path,omitempty"`
}

// LoadConfig reads and validates a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("lomas: failed to read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("lomas: failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	switch c.Store.Strategy {
	case StoreBasic:
	case StoreLRU:
		if c.Store.MaxMemoryUsageMiB <= 0 {
			return fmt.Errorf("lomas: LRU store needs a positive max_memory_usage")
		}
	default:
		return fmt.Errorf("lomas: unknown store strategy %q", c.Store.Strategy)
	}
	switch c.Admin.Backend {
	case AdminMemory:
	case AdminBolt:
		if c.Admin.Path == "" {
			return fmt.Errorf("lomas: bolt admin database needs a db_path")
		}
	default:
		return fmt.Errorf("lomas: unknown admin backend %q", c.Admin.Backend)
	}
	return nil
}

// NewAdminDatabase builds the configured admin database, seeding it from
// the collection file when one is configured.
func NewAdminDatabase(settings AdminSettings) (AdminDatabase, error) {
	var collection *AdminCollection
	if settings.CollectionPath != "" {
		raw, err := os.ReadFile(settings.CollectionPath)
		if err != nil {
			return nil, fmt.Errorf("lomas: failed to read admin collection: %w", err)
		}
		collection, err = ParseAdminCollection(raw)
		if err != nil {
			return nil, err
		}
	}

	switch settings.Backend {
	case AdminMemory:
		db := NewMemoryAdminDB()
		if collection != nil {
			if err := db.LoadCollection(collection); err != nil {
				return nil, err
			}
		}
		return db, nil
	case AdminBolt:
		db, err := NewBoltAdminDB(settings.Path)
		if err != nil {
			return nil, err
		}
		if collection != nil {
			if err := db.LoadCollection(collection); err != nil {
				_ = db.Close()
				return nil, err
			}
		}
		return db, nil
	default:
		return nil, fmt.Errorf("lomas: unknown admin backend %q", settings.Backend)
	}
}
