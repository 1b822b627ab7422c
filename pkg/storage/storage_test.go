package storage_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/leadfactory/leadshard/pkg/config"
	"github.com/leadfactory/leadshard/pkg/models/business"
	"github.com/leadfactory/leadshard/pkg/models/lferror"
	"github.com/leadfactory/leadshard/pkg/pool"
	"github.com/leadfactory/leadshard/pkg/router"
	"github.com/leadfactory/leadshard/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var businessCols = []string{
	"id", "source_id", "source", "name", "address", "city", "state", "zip",
	"phone", "email", "website", "category", "score", "created_at", "updated_at",
}

// fakePool is an in-memory stand-in for one shard's pool. It understands
// just enough of the storage layer's statements to act like a tiny
// single-table database.
type fakePool struct {
	shardID string
	addr    string

	mu       sync.Mutex
	store    []business.RowMap
	queryErr error
	execErr  error
	pingErr  error
	closed   int
	querySQL []string
}

func (f *fakePool) QueryMaps(ctx context.Context, sql string, args ...any) ([]business.RowMap, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.querySQL = append(f.querySQL, sql)
	if f.queryErr != nil {
		return nil, f.queryErr
	}

	switch {
	case strings.Contains(sql, "WHERE id = $1"):
		var out []business.RowMap
		for _, row := range f.store {
			if row["id"] == args[0] {
				out = append(out, row)
			}
		}
		return out, nil
	case strings.Contains(sql, "GROUP BY source"):
		counts := map[string]int64{}
		for _, row := range f.store {
			counts[row["source"].(string)]++
		}
		var out []business.RowMap
		for source, cnt := range counts {
			out = append(out, business.RowMap{"source": source, "cnt": cnt})
		}
		return out, nil
	default:
		return append([]business.RowMap{}, f.store...), nil
	}
}

func (f *fakePool) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.execErr != nil {
		return 0, f.execErr
	}

	switch {
	case strings.Contains(sql, "INSERT INTO businesses"):
		row := business.RowMap{}
		for i, col := range businessCols {
			row[col] = args[i]
		}
		f.store = append(f.store, row)
		return 1, nil
	case strings.Contains(sql, "UPDATE businesses"):
		id := args[len(args)-1]
		var n int64
		for _, row := range f.store {
			if row["id"] == id {
				n++
			}
		}
		return n, nil
	default:
		return 0, nil
	}
}

func (f *fakePool) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakePool) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
}

func (f *fakePool) State() pool.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed > 0 {
		return pool.StateClosed
	}
	return pool.StateActive
}

func (f *fakePool) UsedConns() int { return 0 }

func (f *fakePool) ShardID() string { return f.shardID }

func (f *fakePool) Addr() string { return f.addr }

var _ pool.Pool = &fakePool{}

type harness struct {
	cfg *config.ShardingConfig
	st  *storage.ShardedStorage

	mu     sync.Mutex
	pools  map[string]*fakePool
	allocs []string
}

func testConfig(strategy config.Strategy) *config.ShardingConfig {
	return &config.ShardingConfig{
		Strategy:     strategy,
		DefaultShard: "central",
		Shards: []*config.ShardCfg{
			{
				ID: "west", Host: "west.db", Port: 5432, Database: "leads", User: "lf",
				Regions: []string{"CA"}, Sources: []string{"yelp"},
			},
			{
				ID: "east", Host: "east.db", Port: 5432, Database: "leads", User: "lf",
				Regions: []string{"NY"}, Sources: []string{"google"},
				ReadReplicas: []config.Endpoint{
					{Host: "east-r1.db", Port: 5432, Database: "leads"},
				},
			},
			{
				ID: "central", Host: "central.db", Port: 5432, Database: "leads", User: "lf",
			},
		},
	}
}

func newHarness(t *testing.T, strategy config.Strategy) *harness {
	t.Helper()

	cfg := testConfig(strategy)
	rt, err := router.New(cfg)
	require.NoError(t, err)

	h := &harness{
		cfg: cfg,
		pools: map[string]*fakePool{
			"west":    {shardID: "west"},
			"east":    {shardID: "east"},
			"central": {shardID: "central"},
		},
	}

	h.st = storage.NewWithAlloc(cfg, rt, func(sh *config.ShardCfg, ep config.Endpoint, maxConns int) pool.Pool {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.allocs = append(h.allocs, sh.ID+"@"+ep.Addr())
		p := h.pools[sh.ID]
		p.addr = ep.Addr()
		return p
	})
	return h
}

func TestInsertRoutesToResolvedShard(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(t, config.StrategyGeographic)

	id, err := h.st.InsertBusiness(context.Background(), &business.Business{
		Name: "Joe's Pizza", Zip: "90210", Source: "yelp",
	})
	require.NoError(t, err)
	assert.NotEmpty(id)

	parsed, err := uuid.Parse(id)
	require.NoError(t, err)
	assert.Equal(uuid.Version(7), parsed.Version())

	assert.Len(h.pools["west"].store, 1)
	assert.Empty(h.pools["east"].store)
	assert.Empty(h.pools["central"].store)
	assert.Equal(id, h.pools["west"].store[0]["id"])
}

func TestInsertKeepsCallerID(t *testing.T) {
	h := newHarness(t, config.StrategyGeographic)

	id, err := h.st.InsertBusiness(context.Background(), &business.Business{
		ID: "lead-1", Zip: "99999",
	})
	require.NoError(t, err)
	assert.Equal(t, "lead-1", id)
	assert.Len(t, h.pools["central"].store, 1)
}

func TestInsertGetRoundTrip(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(t, config.StrategyGeographic)
	ctx := context.Background()

	b := &business.Business{
		Name: "Joe's Pizza", Zip: "90210", State: "CA", City: "Beverly Hills",
		Source: "yelp", SourceID: "yelp-77", Email: "joe@example.com", Score: 0.8,
	}
	id, err := h.st.InsertBusiness(ctx, b)
	require.NoError(t, err)

	hint := &business.Business{Zip: "90210"}
	got, err := h.st.GetBusinessByID(ctx, id, hint)
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(id, got.ID)
	assert.Equal("Joe's Pizza", got.Name)
	assert.Equal("yelp", got.Source)
	assert.Equal("yelp-77", got.SourceID)
	assert.Equal(0.8, got.Score)
	assert.False(got.CreatedAt.IsZero())
}

func TestGetWithWrongHintMisses(t *testing.T) {
	h := newHarness(t, config.StrategyGeographic)
	ctx := context.Background()

	id, err := h.st.InsertBusiness(ctx, &business.Business{Zip: "90210"})
	require.NoError(t, err)

	got, err := h.st.GetBusinessByID(ctx, id, &business.Business{Zip: "10001"})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestGetWithoutHintQueriesAllShards(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(t, config.StrategyGeographic)
	ctx := context.Background()

	id, err := h.st.InsertBusiness(ctx, &business.Business{Zip: "10001", Name: "East Deli"})
	require.NoError(t, err)

	got, err := h.st.GetBusinessByID(ctx, id, nil)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal("East Deli", got.Name)

	for _, p := range h.pools {
		assert.NotEmpty(p.querySQL, "shard %s not queried", p.shardID)
	}
}

func TestSearchMergesSortsAndTrims(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(t, config.StrategyGeographic)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	for i, zip := range []string{"90210", "10001", "99999", "94105"} {
		_, err := h.st.InsertBusiness(ctx, &business.Business{
			ID:        "lead-" + zip,
			Zip:       zip,
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		})
		require.NoError(t, err)
	}

	got := h.st.SearchBusinesses(ctx, business.FilterCriteria{}, 2)
	require.Len(t, got, 2)

	// Newest first across shards.
	assert.Equal("lead-94105", got[0].ID)
	assert.Equal("lead-99999", got[1].ID)

	// The limit is pushed down to each shard's query.
	assert.Contains(h.pools["west"].querySQL[len(h.pools["west"].querySQL)-1], "LIMIT")
}

func TestSearchPartialFailure(t *testing.T) {
	h := newHarness(t, config.StrategyGeographic)
	ctx := context.Background()

	_, err := h.st.InsertBusiness(ctx, &business.Business{ID: "west-1", Zip: "90210"})
	require.NoError(t, err)
	_, err = h.st.InsertBusiness(ctx, &business.Business{ID: "east-1", Zip: "10001"})
	require.NoError(t, err)

	h.pools["east"].queryErr = errors.New("connection refused")

	got := h.st.SearchBusinesses(ctx, business.FilterCriteria{}, 10)
	require.Len(t, got, 1)
	assert.Equal(t, "west-1", got[0].ID)
}

func TestQueryOnShardsPartialFailure(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(t, config.StrategyGeographic)
	ctx := context.Background()

	_, err := h.st.InsertBusiness(ctx, &business.Business{ID: "west-1", Zip: "90210"})
	require.NoError(t, err)

	h.pools["central"].queryErr = errors.New("timeout")

	results := h.st.QueryOnShards(ctx, []string{"west", "east", "central"}, false,
		"SELECT id FROM businesses")

	assert.Len(results["west"], 1)
	assert.Empty(results["east"])
	assert.Empty(results["central"])
}

func TestUpdateWithHint(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(t, config.StrategyGeographic)
	ctx := context.Background()

	id, err := h.st.InsertBusiness(ctx, &business.Business{Zip: "90210"})
	require.NoError(t, err)

	ok, err := h.st.UpdateBusiness(ctx, id, map[string]any{"score": 0.9}, &business.Business{Zip: "90210"})
	require.NoError(t, err)
	assert.True(ok)

	// Wrong hint resolves to the wrong shard and simply misses.
	ok, err = h.st.UpdateBusiness(ctx, id, map[string]any{"score": 0.9}, &business.Business{Zip: "10001"})
	require.NoError(t, err)
	assert.False(ok)
}

func TestUpdateWithoutHintFansOut(t *testing.T) {
	h := newHarness(t, config.StrategyGeographic)
	ctx := context.Background()

	id, err := h.st.InsertBusiness(ctx, &business.Business{Zip: "10001"})
	require.NoError(t, err)

	ok, err := h.st.UpdateBusiness(ctx, id, map[string]any{"name": "renamed"}, nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestUpdateRejectsUnknownColumn(t *testing.T) {
	h := newHarness(t, config.StrategyGeographic)

	_, err := h.st.UpdateBusiness(context.Background(), "lead-1",
		map[string]any{"id": "other"}, nil)
	assert.Error(t, err)
	assert.Equal(t, lferror.LF_DATA_ERROR, lferror.ErrorCodeOf(err))
}

func TestStatisticsAggregation(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(t, config.StrategyGeographic)
	ctx := context.Background()

	for _, b := range []*business.Business{
		{Zip: "90210", Source: "yelp"},
		{Zip: "90211", Source: "yelp"},
		{Zip: "10001", Source: "google"},
		{Zip: "99999", Source: "manual"},
	} {
		_, err := h.st.InsertBusiness(ctx, b)
		require.NoError(t, err)
	}

	stats := h.st.GetStatistics(ctx)
	assert.Equal(int64(4), stats.Total)
	assert.Equal(int64(2), stats.BySource["yelp"])
	assert.Equal(int64(1), stats.BySource["google"])
	assert.Equal(int64(2), stats.Shards["west"].Total)
	assert.True(stats.Shards["west"].Reachable)
}

func TestStatisticsUnreachableShard(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(t, config.StrategyGeographic)
	ctx := context.Background()

	_, err := h.st.InsertBusiness(ctx, &business.Business{Zip: "90210", Source: "yelp"})
	require.NoError(t, err)

	h.pools["east"].queryErr = errors.New("connection refused")

	stats := h.st.GetStatistics(ctx)
	assert.Equal(int64(1), stats.Total)
	assert.False(stats.Shards["east"].Reachable)
	assert.True(stats.Shards["west"].Reachable)
}

func TestHealthCheckMarksUnhealthyShard(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(t, config.StrategyGeographic)

	h.pools["east"].pingErr = errors.New("connection refused")

	health := h.st.HealthCheck(context.Background())
	require.Len(t, health, 3)

	assert.True(health["west"].Healthy)
	assert.True(health["central"].Healthy)
	assert.False(health["east"].Healthy)
	assert.Contains(health["east"].Error, "connection refused")
}

func TestReadOnlyQueryUsesReplica(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(t, config.StrategyGeographic)
	ctx := context.Background()

	_, err := h.st.QueryOnShard(ctx, "east", true, "SELECT id FROM businesses")
	require.NoError(t, err)

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Contains(h.allocs, "east@east-r1.db:5432/leads")
}

func TestCloseIsIdempotentAndFinal(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(t, config.StrategyGeographic)
	ctx := context.Background()

	_, err := h.st.InsertBusiness(ctx, &business.Business{Zip: "90210"})
	require.NoError(t, err)

	h.st.Close()
	h.st.Close()

	assert.Equal(1, h.pools["west"].closed)

	_, err = h.st.ExecOnShard(ctx, "west", "DELETE FROM businesses")
	assert.Error(err)
	assert.Equal(lferror.LF_POOL_CLOSED, lferror.ErrorCodeOf(err))

	_, err = h.st.QueryOnShard(ctx, "west", false, "SELECT 1")
	assert.Equal(lferror.LF_POOL_CLOSED, lferror.ErrorCodeOf(err))
}

func TestEnsureSchemaTouchesEveryShard(t *testing.T) {
	h := newHarness(t, config.StrategyGeographic)

	require.NoError(t, h.st.EnsureSchema(context.Background()))

	h.pools["west"].execErr = errors.New("permission denied")
	assert.Error(t, h.st.EnsureSchema(context.Background()))
}

func TestExecOnUnknownShard(t *testing.T) {
	h := newHarness(t, config.StrategyGeographic)

	_, err := h.st.ExecOnShard(context.Background(), "nowhere", "SELECT 1")
	assert.Error(t, err)
	assert.Equal(t, lferror.LF_CONFIG_ERROR, lferror.ErrorCodeOf(err))
}
