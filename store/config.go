package store

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

const (
	defaultTableName    = "denorm"
	defaultMembersIndex = "GSI-K1"
	defaultParentsIndex = "GSI-K2"
)

// Config holds configuration for the Store.
type Config struct {
	// TableName is the single table holding every record kind.
	// Default: "denorm"
	TableName string `env:"DENORM_TABLE_NAME" envDefault:"denorm"`

	// MembersIndex is the GSI keyed by (gsiK1PartitionKey, gsiK1SortKey).
	// Default: "GSI-K1"
	MembersIndex string `env:"DENORM_MEMBERS_INDEX" envDefault:"GSI-K1"`

	// ParentsIndex is the GSI keyed by (gsiK2PartitionKey, gsiK2SortKey).
	// Default: "GSI-K2"
	ParentsIndex string `env:"DENORM_PARENTS_INDEX" envDefault:"GSI-K2"`

	// QueryPageSize caps the items returned per Query page, which is also the
	// chunk size seen by fan-out consumers.
	// Default: 0 (let DynamoDB decide, up to 1 MB per page)
	QueryPageSize int32 `env:"DENORM_QUERY_PAGE_SIZE" envDefault:"0"`
}

// DefaultConfig returns the standard table layout.
func DefaultConfig() Config {
	return Config{
		TableName:    defaultTableName,
		MembersIndex: defaultMembersIndex,
		ParentsIndex: defaultParentsIndex,
	}
}

// LoadConfig reads Config from environment variables, falling back to the
// defaults for anything unset.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.validate()
	return cfg, nil
}

// validate ensures config values are within acceptable bounds.
func (c *Config) validate() {
	if c.TableName == "" {
		c.TableName = defaultTableName
	}
	if c.MembersIndex == "" {
		c.MembersIndex = defaultMembersIndex
	}
	if c.ParentsIndex == "" {
		c.ParentsIndex = defaultParentsIndex
	}
	if c.QueryPageSize < 0 {
		c.QueryPageSize = 0
	}
}
