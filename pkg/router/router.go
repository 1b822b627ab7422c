package router

import (
	"strings"
	"sync/atomic"

	"github.com/leadfactory/leadshard/pkg/config"
	"github.com/leadfactory/leadshard/pkg/models/business"
	"github.com/leadfactory/leadshard/pkg/models/lferror"
	"github.com/leadfactory/leadshard/pkg/shardlog"
	"github.com/spaolacci/murmur3"
)

// ShardRouter maps business records and filter criteria to shard ids. All
// lookup tables are built once at construction; routing decisions are pure
// functions of those tables and perform no I/O.
type ShardRouter struct {
	cfg *config.ShardingConfig

	zipMap    map[string]string
	stateMap  map[string]string
	cityMap   map[string]string
	sourceMap map[string]string

	replicaCursor map[string]*atomic.Uint64
}

func New(cfg *config.ShardingConfig) (*ShardRouter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := &ShardRouter{
		cfg:           cfg,
		zipMap:        map[string]string{},
		stateMap:      map[string]string{},
		cityMap:       map[string]string{},
		sourceMap:     map[string]string{},
		replicaCursor: map[string]*atomic.Uint64{},
	}

	// Explicit prefixes first: they win over region-derived ones no matter
	// which shard declares them.
	for _, sh := range cfg.Shards {
		for _, pref := range sh.ZipPrefixes {
			if _, ok := r.zipMap[pref]; !ok {
				r.zipMap[pref] = sh.ID
			}
		}
	}

	for _, sh := range cfg.Shards {
		for _, region := range sh.Regions {
			state := strings.ToUpper(region)
			if _, ok := r.stateMap[state]; !ok {
				r.stateMap[state] = sh.ID
			}
			for _, pref := range prefixesForState(state) {
				if _, ok := r.zipMap[pref]; !ok {
					r.zipMap[pref] = sh.ID
				}
			}
		}
		for _, city := range sh.Cities {
			city = strings.ToLower(city)
			if _, ok := r.cityMap[city]; !ok {
				r.cityMap[city] = sh.ID
			}
		}
		for _, src := range sh.Sources {
			src = strings.ToLower(src)
			if _, ok := r.sourceMap[src]; !ok {
				r.sourceMap[src] = sh.ID
			}
		}
		r.replicaCursor[sh.ID] = &atomic.Uint64{}
	}

	shardlog.Zero.Debug().
		Str("strategy", string(cfg.Strategy)).
		Int("shards", len(cfg.Shards)).
		Int("zip-prefixes", len(r.zipMap)).
		Int("sources", len(r.sourceMap)).
		Msg("built shard routing tables")

	return r, nil
}

// DefaultShard returns the configured fallback shard id.
func (r *ShardRouter) DefaultShard() string {
	return r.cfg.DefaultShard
}

// ShardIDs returns all shard ids in configuration order.
func (r *ShardRouter) ShardIDs() []string {
	return r.cfg.ShardIDs()
}

// RouteBusiness resolves the single shard that owns b, for inserts and
// point lookups. Missing record fields never fail the call; each unmatched
// attribute falls through to the next rule and ultimately to the default
// shard.
func (r *ShardRouter) RouteBusiness(b *business.Business) string {
	switch r.cfg.Strategy {
	case config.StrategySourceBased:
		if sh, ok := r.sourceMap[strings.ToLower(b.Source)]; ok {
			return sh
		}
		return r.cfg.DefaultShard
	case config.StrategyHashBased:
		return r.hashShard(b)
	case config.StrategyHybrid:
		if sh, ok := r.geoShard(b); ok {
			return sh
		}
		return r.hashShard(b)
	default: // geographic
		if sh, ok := r.geoShard(b); ok {
			return sh
		}
		return r.cfg.DefaultShard
	}
}

// geoShard tries ZIP prefix, then state code, then lowercase city, in that
// priority order. ok is false when nothing matched.
func (r *ShardRouter) geoShard(b *business.Business) (string, bool) {
	if len(b.Zip) >= 3 {
		if sh, ok := r.zipMap[b.Zip[:3]]; ok {
			return sh, true
		}
	}
	if b.State != "" {
		if sh, ok := r.stateMap[strings.ToUpper(b.State)]; ok {
			return sh, true
		}
	}
	if b.City != "" {
		if sh, ok := r.cityMap[strings.ToLower(b.City)]; ok {
			return sh, true
		}
	}
	return "", false
}

// hashShard places a record by a stable hash of its identifier, preferring
// ID over SourceID. Same identifier, same shard, across restarts.
func (r *ShardRouter) hashShard(b *business.Business) string {
	key := b.ID
	if key == "" {
		key = b.SourceID
	}
	if key == "" {
		return r.cfg.DefaultShard
	}
	h := murmur3.Sum32([]byte(key))
	return r.cfg.Shards[int(h%uint32(len(r.cfg.Shards)))].ID
}

// RouteQuery resolves the set of shards a read must fan out to, in
// configuration order.
//
// Hash placement gives no queryable locality, so HASH_BASED always returns
// every shard, as does any query without usable hints. When hints are
// present the result is the union of matching shards plus the default
// shard, since records whose attributes matched no membership list were
// placed there at insert time. HYBRID intersects the geographic and source
// hit-sets when both hint types are present.
func (r *ShardRouter) RouteQuery(c business.FilterCriteria) []string {
	if r.cfg.Strategy == config.StrategyHashBased {
		return r.cfg.ShardIDs()
	}

	var hits map[string]struct{}
	switch r.cfg.Strategy {
	case config.StrategySourceBased:
		if !c.HasSourceHints() {
			return r.cfg.ShardIDs()
		}
		hits = r.sourceHits(c)
	case config.StrategyHybrid:
		switch {
		case c.HasGeoHints() && c.HasSourceHints():
			hits = intersect(r.geoHits(c), r.sourceHits(c))
		case c.HasGeoHints():
			hits = r.geoHits(c)
		case c.HasSourceHints():
			hits = r.sourceHits(c)
		default:
			return r.cfg.ShardIDs()
		}
	default: // geographic
		if !c.HasGeoHints() {
			return r.cfg.ShardIDs()
		}
		hits = r.geoHits(c)
	}

	hits[r.cfg.DefaultShard] = struct{}{}

	ids := make([]string, 0, len(hits))
	for _, id := range r.cfg.ShardIDs() {
		if _, ok := hits[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func (r *ShardRouter) geoHits(c business.FilterCriteria) map[string]struct{} {
	hits := map[string]struct{}{}
	for _, pref := range c.ZipPrefixes {
		if len(pref) >= 3 {
			if sh, ok := r.zipMap[pref[:3]]; ok {
				hits[sh] = struct{}{}
			}
		}
	}
	for _, state := range c.States {
		if sh, ok := r.stateMap[strings.ToUpper(state)]; ok {
			hits[sh] = struct{}{}
		}
	}
	for _, city := range c.Cities {
		if sh, ok := r.cityMap[strings.ToLower(city)]; ok {
			hits[sh] = struct{}{}
		}
	}
	return hits
}

func (r *ShardRouter) sourceHits(c business.FilterCriteria) map[string]struct{} {
	hits := map[string]struct{}{}
	for _, src := range c.Sources {
		if sh, ok := r.sourceMap[strings.ToLower(src)]; ok {
			hits[sh] = struct{}{}
		}
	}
	return hits
}

func intersect(a, b map[string]struct{}) map[string]struct{} {
	out := map[string]struct{}{}
	for k := range a {
		if _, ok := b[k]; ok {
			out[k] = struct{}{}
		}
	}
	return out
}

// ReadEndpoint returns the address a read for shardID should go to. With
// preferReplica set and replicas configured it rotates across them,
// otherwise it returns the primary. This is mechanical address
// substitution only; replica lag is not tracked.
func (r *ShardRouter) ReadEndpoint(shardID string, preferReplica bool) (config.Endpoint, error) {
	sh := r.cfg.ShardByID(shardID)
	if sh == nil {
		return config.Endpoint{}, lferror.Newf(lferror.LF_CONFIG_ERROR, "unknown shard id '%s'", shardID)
	}

	if preferReplica && len(sh.ReadReplicas) > 0 {
		n := r.replicaCursor[shardID].Add(1)
		return sh.ReadReplicas[int((n-1)%uint64(len(sh.ReadReplicas)))], nil
	}
	return sh.Primary(), nil
}
