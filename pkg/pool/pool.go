package pool

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/leadfactory/leadshard/pkg/models/business"
	retry "github.com/sethvargo/go-retry"
)

type State int

const (
	StateUninitialized = State(iota)
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Querier is the slice of *pgxpool.Pool the shard pool drives. Tests
// substitute fakes through ConnectFn.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
	Close()
}

// ConnectFn allocates the underlying database handle for a shard pool.
type ConnectFn func(ctx context.Context, connString string, maxConns int32) (Querier, error)

// Pool is one shard's connection pool. Lifecycle: uninitialized until the
// first operation, active after a successful connect, closed after Close.
// A closed pool is never reused.
type Pool interface {
	QueryMaps(ctx context.Context, sql string, args ...any) ([]business.RowMap, error)
	Exec(ctx context.Context, sql string, args ...any) (int64, error)
	Ping(ctx context.Context) error
	Close()

	State() State
	UsedConns() int
	ShardID() string
	Addr() string
}

// PGXConnect is the production ConnectFn: a pgxpool with maxConns, pinged
// with Fibonacci-backoff retries before being handed out.
func PGXConnect(ctx context.Context, connString string, maxConns int32) (Querier, error) {
	pcfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	pcfg.MaxConns = maxConns

	db, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}

	if err := retry.Do(ctx, retry.WithMaxRetries(4, retry.NewFibonacci(250*time.Millisecond)), func(ctx context.Context) error {
		if err := db.Ping(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}
