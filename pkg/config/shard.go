package config

import "fmt"

// Endpoint is one reachable database address. A shard has one primary
// endpoint and zero or more read-replica endpoints.
type Endpoint struct {
	Host     string `json:"host" toml:"host" yaml:"host"`
	Port     int    `json:"port" toml:"port" yaml:"port"`
	Database string `json:"database" toml:"database" yaml:"database"`
}

func (e Endpoint) Addr() string {
	return fmt.Sprintf("%s:%d/%s", e.Host, e.Port, e.Database)
}

// ShardCfg describes one shard: connection coordinates plus the membership
// lists the geographic and source strategies route on. Immutable after
// construction.
type ShardCfg struct {
	ID string `json:"id" toml:"id" yaml:"id"`

	Host     string `json:"host" toml:"host" yaml:"host"`
	Port     int    `json:"port" toml:"port" yaml:"port"`
	Database string `json:"database" toml:"database" yaml:"database"`
	User     string `json:"user" toml:"user" yaml:"user"`
	Password string `json:"password" toml:"password" yaml:"password"`

	ReadReplicas []Endpoint `json:"read_replicas" toml:"read_replicas" yaml:"read_replicas"`

	// Weight is the relative traffic share, informational for capacity
	// planning. Defaults to 1.0.
	Weight float64 `json:"weight" toml:"weight" yaml:"weight"`

	// Regions holds two-letter US state codes. ZIP prefixes for those
	// states are derived at router construction.
	Regions []string `json:"regions" toml:"regions" yaml:"regions"`
	// ZipPrefixes holds explicit 3-digit ZIP prefixes. They take
	// precedence over prefixes derived from Regions.
	ZipPrefixes []string `json:"zip_prefixes" toml:"zip_prefixes" yaml:"zip_prefixes"`
	Cities      []string `json:"cities" toml:"cities" yaml:"cities"`
	Sources     []string `json:"sources" toml:"sources" yaml:"sources"`
}

// Primary returns the shard's primary endpoint.
func (s *ShardCfg) Primary() Endpoint {
	return Endpoint{Host: s.Host, Port: s.Port, Database: s.Database}
}

// ConnString builds a pgx keyword/value connection string for the given
// endpoint using the shard's credentials.
func (s *ShardCfg) ConnString(ep Endpoint) string {
	return fmt.Sprintf("user=%s host=%s port=%d dbname=%s password=%s",
		s.User, ep.Host, ep.Port, ep.Database, s.Password)
}
