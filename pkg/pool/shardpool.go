package pool

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/leadfactory/leadshard/pkg/models/business"
	"github.com/leadfactory/leadshard/pkg/models/lferror"
	"github.com/leadfactory/leadshard/pkg/shardlog"
)

const (
	defaultConnectionRetries   = 3
	connectionRetrySleepSlice  = 50
	connectionRetryRandomSleep = 10
)

type shardPool struct {
	mu    sync.Mutex
	state State
	db    Querier

	queue chan struct{}

	shardID    string
	addr       string
	connString string
	maxConns   int
	connect    ConnectFn
}

var _ Pool = &shardPool{}

// NewShardPool builds an unconnected pool for one shard endpoint. The
// underlying handle is allocated on first use.
func NewShardPool(shardID, addr, connString string, maxConns int, connect ConnectFn) Pool {
	ret := &shardPool{
		state:      StateUninitialized,
		shardID:    shardID,
		addr:       addr,
		connString: connString,
		maxConns:   maxConns,
		connect:    connect,
	}

	ret.queue = make(chan struct{}, maxConns)
	for tok := 0; tok < maxConns; tok++ {
		ret.queue <- struct{}{}
	}

	return ret
}

func (h *shardPool) ShardID() string {
	return h.shardID
}

func (h *shardPool) Addr() string {
	return h.addr
}

func (h *shardPool) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *shardPool) UsedConns() int {
	return h.maxConns - len(h.queue)
}

// ensureActive lazily connects on first use. A closed pool stays closed.
func (h *shardPool) ensureActive(ctx context.Context) (Querier, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.state {
	case StateClosed:
		return nil, lferror.Newf(lferror.LF_POOL_CLOSED, "pool for shard '%s' is closed", h.shardID)
	case StateActive:
		return h.db, nil
	}

	db, err := h.connect(ctx, h.connString, int32(h.maxConns))
	if err != nil {
		return nil, lferror.Newf(lferror.LF_CONNECTION_ERROR, "connect to shard '%s' at %s: %v", h.shardID, h.addr, err)
	}

	shardlog.Zero.Debug().
		Str("shard", h.shardID).
		Str("addr", h.addr).
		Int("max-conns", h.maxConns).
		Msg("shard pool connected")

	h.db = db
	h.state = StateActive
	return h.db, nil
}

// acquireToken bounds in-flight operations on this pool. It retries a few
// timed waits and then reports exhaustion instead of blocking indefinitely.
func (h *shardPool) acquireToken(ctx context.Context) error {
	for rep := 0; rep < defaultConnectionRetries; rep++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(connectionRetrySleepSlice) * time.Millisecond * time.Duration(1+rand.Int31()%connectionRetryRandomSleep)):
			shardlog.Zero.Info().
				Str("shard", h.shardID).
				Msg("still waiting for a connection to shard")
		case <-h.queue:
			return nil
		}
	}

	return lferror.Newf(lferror.LF_CONNECTION_ERROR, "pool for shard '%s' exhausted: too many concurrent operations", h.shardID)
}

func (h *shardPool) releaseToken() {
	h.queue <- struct{}{}
}

func (h *shardPool) QueryMaps(ctx context.Context, sql string, args ...any) ([]business.RowMap, error) {
	db, err := h.ensureActive(ctx)
	if err != nil {
		return nil, err
	}
	if err := h.acquireToken(ctx); err != nil {
		return nil, err
	}
	defer h.releaseToken()

	rows, err := db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToMap)
}

func (h *shardPool) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	db, err := h.ensureActive(ctx)
	if err != nil {
		return 0, err
	}
	if err := h.acquireToken(ctx); err != nil {
		return 0, err
	}
	defer h.releaseToken()

	tag, err := db.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (h *shardPool) Ping(ctx context.Context) error {
	db, err := h.ensureActive(ctx)
	if err != nil {
		return err
	}
	return db.Ping(ctx)
}

// Close is idempotent. Closing an uninitialized pool just marks it closed.
func (h *shardPool) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == StateClosed {
		return
	}
	if h.state == StateActive {
		h.db.Close()
		h.db = nil
	}
	h.state = StateClosed

	shardlog.Zero.Debug().
		Str("shard", h.shardID).
		Str("addr", h.addr).
		Msg("shard pool closed")
}
