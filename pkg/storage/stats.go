package storage

import (
	"context"
	"sync"
	"time"

	"github.com/leadfactory/leadshard/pkg/models/business"
	"github.com/leadfactory/leadshard/pkg/shardlog"
	"github.com/pkg/errors"
)

const healthProbeTimeout = 3 * time.Second

type ShardStatistics struct {
	ShardID  string
	Total    int64
	BySource map[string]int64
	// Reachable is false when the statistics probe failed; the shard's
	// counts are then zero, not authoritative.
	Reachable bool
}

type Statistics struct {
	Total    int64
	BySource map[string]int64
	Shards   map[string]*ShardStatistics
}

type ShardHealth struct {
	ShardID string
	Healthy bool
	Latency time.Duration
	Error   string
}

// GetStatistics aggregates business counts per source across all shards.
// An unreachable shard is reported with Reachable=false instead of failing
// the call.
func (s *ShardedStorage) GetStatistics(ctx context.Context) *Statistics {
	stats := &Statistics{
		BySource: map[string]int64{},
		Shards:   map[string]*ShardStatistics{},
	}

	results := s.fanout(ctx, s.router.ShardIDs(), func(ctx context.Context, shardID string) shardResult {
		rows, err := s.QueryOnShard(ctx, shardID, true, selectStatisticsSQL)
		return shardResult{rows: rows, err: err}
	})

	for _, shardID := range s.router.ShardIDs() {
		res := results[shardID]
		shStats := &ShardStatistics{
			ShardID:   shardID,
			BySource:  map[string]int64{},
			Reachable: res.err == nil,
		}
		for _, row := range res.rows {
			source, _ := row["source"].(string)
			cnt := countCol(row, "cnt")
			shStats.BySource[source] += cnt
			shStats.Total += cnt
			stats.BySource[source] += cnt
			stats.Total += cnt
		}
		stats.Shards[shardID] = shStats
	}

	return stats
}

// HealthCheck probes every shard's primary concurrently. A shard that
// fails the probe is marked unhealthy; the call itself always succeeds.
func (s *ShardedStorage) HealthCheck(ctx context.Context) map[string]ShardHealth {
	var mu sync.Mutex
	latencies := map[string]time.Duration{}

	results := s.fanout(ctx, s.router.ShardIDs(), func(ctx context.Context, shardID string) shardResult {
		probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
		defer cancel()

		started := time.Now()
		p, err := s.getPool(shardID, false)
		if err == nil {
			err = p.Ping(probeCtx)
		}
		mu.Lock()
		latencies[shardID] = time.Since(started)
		mu.Unlock()
		return shardResult{err: err}
	})

	health := make(map[string]ShardHealth, len(results))
	for shardID, res := range results {
		h := ShardHealth{ShardID: shardID, Healthy: res.err == nil, Latency: latencies[shardID]}
		if res.err != nil {
			h.Error = res.err.Error()
		}
		health[shardID] = h
	}
	return health
}

// EnsureSchema creates the businesses table and its indexes on every
// shard's primary. Every shard is attempted; the first failure is
// returned after the sweep completes.
func (s *ShardedStorage) EnsureSchema(ctx context.Context) error {
	var firstErr error
	for _, shardID := range s.router.ShardIDs() {
		if err := s.ensureShardSchema(ctx, shardID); err != nil {
			shardlog.Zero.Error().
				Err(err).
				Str("shard", shardID).
				Msg("schema bootstrap failed on shard")
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "ensure schema on shard '%s'", shardID)
			}
		}
	}
	return firstErr
}

func (s *ShardedStorage) ensureShardSchema(ctx context.Context, shardID string) error {
	if _, err := s.ExecOnShard(ctx, shardID, createBusinessesSQL); err != nil {
		return err
	}
	for _, idx := range createIndexesSQL {
		if _, err := s.ExecOnShard(ctx, shardID, idx); err != nil {
			return err
		}
	}
	return nil
}

func countCol(row business.RowMap, name string) int64 {
	switch v := row[name].(type) {
	case int64:
		return v
	case int32:
		return int64(v)
	case int:
		return int64(v)
	}
	return 0
}
