package storage

import (
	"context"
	"sync"

	"github.com/leadfactory/leadshard/pkg/config"
	"github.com/leadfactory/leadshard/pkg/models/business"
	"github.com/leadfactory/leadshard/pkg/models/lferror"
	"github.com/leadfactory/leadshard/pkg/pool"
	"github.com/leadfactory/leadshard/pkg/router"
	"github.com/leadfactory/leadshard/pkg/shardlog"
	"golang.org/x/sync/errgroup"
)

// AllocFn builds the pool for one shard endpoint. Production code uses
// DefaultAlloc; tests inject fakes.
type AllocFn func(sh *config.ShardCfg, ep config.Endpoint, maxConns int) pool.Pool

func DefaultAlloc(sh *config.ShardCfg, ep config.Endpoint, maxConns int) pool.Pool {
	return pool.NewShardPool(sh.ID, ep.Addr(), sh.ConnString(ep), maxConns, pool.PGXConnect)
}

// ShardedStorage owns one connection pool per shard endpoint and executes
// single-shard and fan-out operations through the router. Pools are created
// lazily on first use and are exclusive to this instance.
type ShardedStorage struct {
	cfg    *config.ShardingConfig
	router *router.ShardRouter
	alloc  AllocFn

	mu     sync.Mutex
	pools  map[string]pool.Pool
	closed bool
}

func New(cfg *config.ShardingConfig, rt *router.ShardRouter) *ShardedStorage {
	return NewWithAlloc(cfg, rt, DefaultAlloc)
}

func NewWithAlloc(cfg *config.ShardingConfig, rt *router.ShardRouter, alloc AllocFn) *ShardedStorage {
	return &ShardedStorage{
		cfg:    cfg,
		router: rt,
		alloc:  alloc,
		pools:  map[string]pool.Pool{},
	}
}

// Router exposes the injected router for callers that want to inspect
// routing decisions without issuing queries.
func (s *ShardedStorage) Router() *router.ShardRouter {
	return s.router
}

// getPool resolves the endpoint for shardID (replica when readOnly and one
// is configured) and returns its pool, creating it on first use.
func (s *ShardedStorage) getPool(shardID string, readOnly bool) (pool.Pool, error) {
	ep, err := s.router.ReadEndpoint(shardID, readOnly)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, lferror.New(lferror.LF_POOL_CLOSED, "storage is closed")
	}

	key := shardID + "@" + ep.Addr()
	if p, ok := s.pools[key]; ok {
		return p, nil
	}

	p := s.alloc(s.cfg.ShardByID(shardID), ep, s.cfg.MaxConnsPerShard)
	s.pools[key] = p
	return p, nil
}

// QueryOnShard runs a fetch query on a single shard and returns its rows.
// Failures propagate to the caller.
func (s *ShardedStorage) QueryOnShard(ctx context.Context, shardID string, readOnly bool, sql string, args ...any) ([]business.RowMap, error) {
	p, err := s.getPool(shardID, readOnly)
	if err != nil {
		return nil, err
	}
	return p.QueryMaps(ctx, sql, args...)
}

// ExecOnShard runs a write statement on a single shard's primary and
// returns the affected row count. Failures propagate to the caller.
func (s *ShardedStorage) ExecOnShard(ctx context.Context, shardID string, sql string, args ...any) (int64, error) {
	p, err := s.getPool(shardID, false)
	if err != nil {
		return 0, err
	}
	return p.Exec(ctx, sql, args...)
}

type shardResult struct {
	rows     []business.RowMap
	affected int64
	err      error
}

// fanout runs fn for every shard id on a bounded worker group. Per-shard
// failures are recorded, not propagated; one bad shard never aborts the
// others.
func (s *ShardedStorage) fanout(ctx context.Context, shardIDs []string, fn func(ctx context.Context, shardID string) shardResult) map[string]shardResult {
	results := make(map[string]shardResult, len(shardIDs))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.FanoutWorkers)

	for _, shardID := range shardIDs {
		shardID := shardID
		g.Go(func() error {
			res := fn(gctx, shardID)
			if res.err != nil {
				shardlog.Zero.Warn().
					Err(res.err).
					Str("shard", shardID).
					Msg("shard operation failed during fan-out")
			}
			mu.Lock()
			results[shardID] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// QueryOnShards fans a fetch query out to the given shards concurrently. A
// failing shard contributes an empty result set; callers needing strict
// completeness must consult HealthCheck separately.
func (s *ShardedStorage) QueryOnShards(ctx context.Context, shardIDs []string, readOnly bool, sql string, args ...any) map[string][]business.RowMap {
	results := s.fanout(ctx, shardIDs, func(ctx context.Context, shardID string) shardResult {
		rows, err := s.QueryOnShard(ctx, shardID, readOnly, sql, args...)
		return shardResult{rows: rows, err: err}
	})

	out := make(map[string][]business.RowMap, len(results))
	for shardID, res := range results {
		if res.err != nil {
			out[shardID] = nil
			continue
		}
		out[shardID] = res.rows
	}
	return out
}

// ExecOnShards fans a write statement out to the given shards concurrently
// and returns per-shard affected row counts. A failing shard counts zero.
func (s *ShardedStorage) ExecOnShards(ctx context.Context, shardIDs []string, sql string, args ...any) map[string]int64 {
	results := s.fanout(ctx, shardIDs, func(ctx context.Context, shardID string) shardResult {
		affected, err := s.ExecOnShard(ctx, shardID, sql, args...)
		return shardResult{affected: affected, err: err}
	})

	out := make(map[string]int64, len(results))
	for shardID, res := range results {
		if res.err != nil {
			out[shardID] = 0
			continue
		}
		out[shardID] = res.affected
	}
	return out
}

// Close tears down every pool. Idempotent; operations after Close report a
// pool-closed error.
func (s *ShardedStorage) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true

	for key, p := range s.pools {
		p.Close()
		delete(s.pools, key)
	}

	shardlog.Zero.Debug().Msg("sharded storage closed")
}
