package config

import (
	"encoding/json"
	"os"

	"github.com/leadfactory/leadshard/pkg/models/lferror"
	"github.com/leadfactory/leadshard/pkg/shardlog"
	"gopkg.in/yaml.v2"
)

type Strategy string

const (
	StrategyGeographic  = Strategy("geographic")
	StrategySourceBased = Strategy("source_based")
	StrategyHashBased   = Strategy("hash_based")
	StrategyHybrid      = Strategy("hybrid")
)

const (
	defaultMaxConnsPerShard = 5
	defaultFanoutWorkers    = 4
)

// ShardingConfig is the process-wide sharding topology: the strategy, the
// ordered shard list, and the fallback shard. Created once at startup and
// read-only thereafter; passed to the router and storage by injection.
type ShardingConfig struct {
	LogLevel string   `json:"log_level" toml:"log_level" yaml:"log_level"`
	Strategy Strategy `json:"strategy" toml:"strategy" yaml:"strategy"`

	Shards       []*ShardCfg `json:"shards" toml:"shards" yaml:"shards"`
	DefaultShard string      `json:"default_shard" toml:"default_shard" yaml:"default_shard"`

	// ReplicationFactor is informational only; no component acts on it.
	ReplicationFactor int `json:"replication_factor" toml:"replication_factor" yaml:"replication_factor"`

	MaxConnsPerShard int `json:"max_conns_per_shard" toml:"max_conns_per_shard" yaml:"max_conns_per_shard"`
	FanoutWorkers    int `json:"fanout_workers" toml:"fanout_workers" yaml:"fanout_workers"`
}

// Load reads a YAML sharding config from cfgPath, validates it and returns
// it. No package-level instance is kept.
func Load(cfgPath string) (*ShardingConfig, error) {
	file, err := os.Open(cfgPath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var cfg ShardingConfig
	if err := yaml.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configBytes, err := json.MarshalIndent(&cfg, "", "  ")
	if err != nil {
		return nil, err
	}
	shardlog.Zero.Debug().Msgf("running config: %s", string(configBytes))

	return &cfg, nil
}

// Validate checks invariants: known strategy, at least one shard, unique
// shard ids, a default shard that is present in the shard list. It also
// fills defaulted fields (weight, pool sizing).
func (c *ShardingConfig) Validate() error {
	switch c.Strategy {
	case StrategyGeographic, StrategySourceBased, StrategyHashBased, StrategyHybrid:
	default:
		return lferror.Newf(lferror.LF_CONFIG_ERROR, "unknown sharding strategy '%s'", c.Strategy)
	}

	if len(c.Shards) == 0 {
		return lferror.New(lferror.LF_CONFIG_ERROR, "no shards configured")
	}

	seen := map[string]struct{}{}
	for _, sh := range c.Shards {
		if sh.ID == "" {
			return lferror.New(lferror.LF_CONFIG_ERROR, "shard with empty id")
		}
		if _, ok := seen[sh.ID]; ok {
			return lferror.Newf(lferror.LF_CONFIG_ERROR, "duplicate shard id '%s'", sh.ID)
		}
		seen[sh.ID] = struct{}{}
		if sh.Weight == 0 {
			sh.Weight = 1.0
		}
	}

	if c.DefaultShard == "" {
		return lferror.New(lferror.LF_CONFIG_ERROR, "default_shard is required")
	}
	if _, ok := seen[c.DefaultShard]; !ok {
		return lferror.Newf(lferror.LF_CONFIG_ERROR, "default_shard '%s' is not in the shard list", c.DefaultShard)
	}

	if c.MaxConnsPerShard == 0 {
		c.MaxConnsPerShard = defaultMaxConnsPerShard
	}
	if c.FanoutWorkers == 0 {
		c.FanoutWorkers = defaultFanoutWorkers
	}

	return nil
}

// ShardByID returns the shard config for id, or nil when unknown.
func (c *ShardingConfig) ShardByID(id string) *ShardCfg {
	for _, sh := range c.Shards {
		if sh.ID == id {
			return sh
		}
	}
	return nil
}

// ShardIDs returns the shard ids in configuration order.
func (c *ShardingConfig) ShardIDs() []string {
	ids := make([]string, 0, len(c.Shards))
	for _, sh := range c.Shards {
		ids = append(ids, sh.ID)
	}
	return ids
}
