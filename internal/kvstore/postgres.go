package kvstore

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// maxConns sizes the pool; lockers may hold all but lockHeadroom of them
const (
	maxConns     = 10
	lockHeadroom = 2
)

// PostgresStore implements the Store interface on a kv_records table. Locks are
// transaction advisory locks, so every instance sharing the database coordinates.
type PostgresStore struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
	lockers     chan struct{}
}

// querier is the part of pgxpool.Pool and pgx.Tx the record queries use
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type lockTxKey struct {
	store *PostgresStore
}

// db returns the lock transaction carried by ctx, or the pool
func (p *PostgresStore) db(ctx context.Context) querier {
	if tx, ok := ctx.Value(lockTxKey{p}).(pgx.Tx); ok {
		return tx
	}
	return p.pool
}

// NewPostgresStore connects, pings and applies pending migrations
func NewPostgresStore(ctx context.Context, databaseURL string, lockTimeout time.Duration) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}
	cfg.MaxConns = maxConns
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	if lockTimeout <= 0 {
		lockTimeout = 2 * time.Second
	}

	return &PostgresStore{
		pool:        pool,
		lockTimeout: lockTimeout,
		lockers:     make(chan struct{}, maxConns-lockHeadroom),
	}, nil
}

func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return fmt.Errorf("setting goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// Get retrieves a record by key
func (p *PostgresStore) Get(ctx context.Context, key string) (Record, error) {
	var rec Record
	err := p.db(ctx).QueryRow(ctx,
		`SELECT value, updated_at FROM kv_records WHERE key = $1`, key,
	).Scan(&rec.Value, &rec.Modified)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("selecting record: %w", err)
	}
	return rec, nil
}

// Put upserts a record
func (p *PostgresStore) Put(ctx context.Context, key string, value []byte) error {
	_, err := p.db(ctx).Exec(ctx,
		`INSERT INTO kv_records (key, value, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("upserting record: %w", err)
	}
	return nil
}

// Delete removes a record
func (p *PostgresStore) Delete(ctx context.Context, key string) error {
	if _, err := p.db(ctx).Exec(ctx, `DELETE FROM kv_records WHERE key = $1`, key); err != nil {
		return fmt.Errorf("deleting record: %w", err)
	}
	return nil
}

// WithLock polls pg_try_advisory_xact_lock inside a transaction until it wins
// or the lock timeout passes. Get, Put and Delete called with the context
// handed to fn run in that transaction, so fn needs no second connection.
// They commit when fn returns nil and roll back otherwise.
func (p *PostgresStore) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	deadline := lockDeadline(ctx, p.lockTimeout)
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case p.lockers <- struct{}{}:
	case <-timer.C:
		return fmt.Errorf("locking %s: %w", key, ErrLockUnavailable)
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-p.lockers }()

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning lock transaction: %w", err)
	}
	defer tx.Rollback(context.Background())

	for {
		var locked bool
		if err := tx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock(hashtextextended($1, 0))`, key).Scan(&locked); err != nil {
			return fmt.Errorf("locking %s: %w", key, err)
		}
		if locked {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("locking %s: %w", key, ErrLockUnavailable)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}

	if err := fn(context.WithValue(ctx, lockTxKey{p}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing lock transaction: %w", err)
	}
	return nil
}

// Sweep deletes records under prefix older than olderThan
func (p *PostgresStore) Sweep(ctx context.Context, prefix string, olderThan time.Duration) (int, error) {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM kv_records WHERE left(key, length($1)) = $1 AND updated_at < $2`,
		prefix, time.Now().Add(-olderThan),
	)
	if err != nil {
		return 0, fmt.Errorf("sweeping %s: %w", prefix, err)
	}
	return int(tag.RowsAffected()), nil
}

// Close closes the pool
func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}
