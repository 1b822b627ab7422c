package storage

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/leadfactory/leadshard/pkg/models/business"
	"github.com/leadfactory/leadshard/pkg/models/lferror"
	"github.com/leadfactory/leadshard/pkg/shardlog"
	"github.com/pkg/errors"
)

const defaultSearchLimit = 50

// InsertBusiness routes b to its shard and inserts it. When b carries no
// id, a UUIDv7 is minted before shard assignment, which keeps ids globally
// unique across shards and roughly time-ordered. Returns the id.
//
// Constraint violations propagate to the caller; retrying them without
// changing the input is pointless.
func (s *ShardedStorage) InsertBusiness(ctx context.Context, b *business.Business) (string, error) {
	if b.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return "", errors.Wrap(err, "mint business id")
		}
		b.ID = id.String()
	}

	now := time.Now().UTC()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now

	shardID := s.router.RouteBusiness(b)

	if _, err := s.ExecOnShard(ctx, shardID, insertBusinessSQL,
		b.ID, b.SourceID, b.Source, b.Name, b.Address, b.City, b.State, b.Zip,
		b.Phone, b.Email, b.Website, b.Category, b.Score, b.CreatedAt, b.UpdatedAt); err != nil {
		return "", errors.Wrapf(err, "insert business on shard '%s'", shardID)
	}

	shardlog.Zero.Debug().
		Str("business", b.ID).
		Str("shard", shardID).
		Str("source", b.Source).
		Msg("inserted business")

	return b.ID, nil
}

// GetBusinessByID fetches one business. A hint record narrows the lookup
// to its routed shard; without one every shard is queried in parallel and
// the first non-empty result wins (at most one shard holds the row by
// construction). Returns nil when no shard has it.
func (s *ShardedStorage) GetBusinessByID(ctx context.Context, id string, hint *business.Business) (*business.Business, error) {
	if hint != nil {
		shardID := s.router.RouteBusiness(hint)
		rows, err := s.QueryOnShard(ctx, shardID, true, selectBusinessByIDSQL, id)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return nil, nil
		}
		return business.FromRow(rows[0]), nil
	}

	results := s.QueryOnShards(ctx, s.router.ShardIDs(), true, selectBusinessByIDSQL, id)
	for _, shardID := range s.router.ShardIDs() {
		if rows := results[shardID]; len(rows) > 0 {
			return business.FromRow(rows[0]), nil
		}
	}
	return nil, nil
}

// SearchBusinesses fans the filtered query out to the shards the criteria
// can touch, merges the per-shard results, orders them by creation time
// descending and trims to limit. Failed shards contribute nothing; the
// call still succeeds with a partial result.
func (s *ShardedStorage) SearchBusinesses(ctx context.Context, c business.FilterCriteria, limit int) []*business.Business {
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	shardIDs := s.router.RouteQuery(c)
	sql, args := buildSearchQuery(c, limit)

	results := s.QueryOnShards(ctx, shardIDs, true, sql, args...)

	var merged []*business.Business
	for _, shardID := range shardIDs {
		for _, row := range results[shardID] {
			merged = append(merged, business.FromRow(row))
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if !merged[i].CreatedAt.Equal(merged[j].CreatedAt) {
			return merged[i].CreatedAt.After(merged[j].CreatedAt)
		}
		return merged[i].ID < merged[j].ID
	})

	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}

// UpdateBusiness applies updates to the business with id. A hint narrows
// the write to its routed shard and a wrong hint simply misses (no
// cross-shard retry). Without a hint the update fans out to every shard;
// the id is unique, so at most one row changes anywhere. Reports whether
// any row was updated.
func (s *ShardedStorage) UpdateBusiness(ctx context.Context, id string, updates map[string]any, hint *business.Business) (bool, error) {
	if len(updates) == 0 {
		return false, nil
	}

	sql, args, err := buildUpdateQuery(id, updates)
	if err != nil {
		return false, lferror.Newf(lferror.LF_DATA_ERROR, "update business '%s': %v", id, err)
	}

	if hint != nil {
		shardID := s.router.RouteBusiness(hint)
		affected, err := s.ExecOnShard(ctx, shardID, sql, args...)
		if err != nil {
			return false, err
		}
		return affected > 0, nil
	}

	counts := s.ExecOnShards(ctx, s.router.ShardIDs(), sql, args...)
	var total int64
	for _, n := range counts {
		total += n
	}
	return total > 0, nil
}
