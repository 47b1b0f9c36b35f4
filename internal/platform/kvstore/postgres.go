package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of pgxpool.Pool (and pgx.Tx) the Postgres store needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type txKey struct{}

// Postgres stores records of one collection as JSONB rows in the kv_record
// table (see migrations/001_compliance_core.sql). Insertion order is the
// row's bigserial seq, which an upsert does not change.
type Postgres[T any] struct {
	db         DB
	collection string
}

// NewPostgres returns a store for the named collection.
func NewPostgres[T any](db DB, collection string) *Postgres[T] {
	return &Postgres[T]{db: db, collection: collection}
}

// conn returns the transaction opened by Locked when ctx carries one.
func (p *Postgres[T]) conn(ctx context.Context) DB {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return p.db
}

// Locked runs fn inside a transaction holding a transaction-scoped advisory
// lock named after the collection. Every Postgres store called with the
// context given to fn joins that transaction, which commits when fn returns
// nil. Nested calls reuse the outer transaction.
func (p *Postgres[T]) Locked(ctx context.Context, fn func(ctx context.Context) error) error {
	const lock = `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`
	name := "kvstore:" + p.collection

	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		if _, err := tx.Exec(ctx, lock, name); err != nil {
			return fmt.Errorf("kvstore %s: lock: %w", p.collection, err)
		}
		return fn(ctx)
	}

	b, ok := p.db.(beginner)
	if !ok {
		return fmt.Errorf("kvstore %s: backend cannot open transactions", p.collection)
	}
	tx, err := b.Begin(ctx)
	if err != nil {
		return fmt.Errorf("kvstore %s: begin: %w", p.collection, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, lock, name); err != nil {
		return fmt.Errorf("kvstore %s: lock: %w", p.collection, err)
	}
	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("kvstore %s: commit: %w", p.collection, err)
	}
	return nil
}

func (p *Postgres[T]) Get(ctx context.Context, id string) (T, error) {
	var zero T
	var body []byte
	err := p.conn(ctx).QueryRow(ctx,
		`SELECT body FROM kv_record WHERE collection = $1 AND id = $2`,
		p.collection, id).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return zero, ErrNotFound
	}
	if err != nil {
		return zero, fmt.Errorf("kvstore %s: get %s: %w", p.collection, id, err)
	}

	var record T
	if err := json.Unmarshal(body, &record); err != nil {
		return zero, fmt.Errorf("kvstore %s: decode %s: %w", p.collection, id, err)
	}
	return record, nil
}

func (p *Postgres[T]) Put(ctx context.Context, id string, record T) error {
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("kvstore %s: encode %s: %w", p.collection, id, err)
	}

	const query = `
		INSERT INTO kv_record (collection, id, body)
		VALUES ($1, $2, $3)
		ON CONFLICT (collection, id) DO UPDATE SET body = EXCLUDED.body, updated_at = NOW()`

	if _, err := p.conn(ctx).Exec(ctx, query, p.collection, id, body); err != nil {
		return fmt.Errorf("kvstore %s: put %s: %w", p.collection, id, err)
	}
	return nil
}

func (p *Postgres[T]) Delete(ctx context.Context, id string) error {
	tag, err := p.conn(ctx).Exec(ctx,
		`DELETE FROM kv_record WHERE collection = $1 AND id = $2`,
		p.collection, id)
	if err != nil {
		return fmt.Errorf("kvstore %s: delete %s: %w", p.collection, id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres[T]) Scan(ctx context.Context, match func(T) bool) ([]T, error) {
	return p.scan(ctx, match,
		`SELECT id, body FROM kv_record WHERE collection = $1 ORDER BY seq`,
		p.collection)
}

// ScanWhere pushes where down as JSONB containment, served by the GIN index
// from migrations/002_kv_record_body_index.sql.
func (p *Postgres[T]) ScanWhere(ctx context.Context, where map[string]string, match func(T) bool) ([]T, error) {
	if len(where) == 0 {
		return p.Scan(ctx, match)
	}
	filter, err := json.Marshal(where)
	if err != nil {
		return nil, fmt.Errorf("kvstore %s: encode filter: %w", p.collection, err)
	}
	return p.scan(ctx, match,
		`SELECT id, body FROM kv_record WHERE collection = $1 AND body @> $2::jsonb ORDER BY seq`,
		p.collection, string(filter))
}

func (p *Postgres[T]) scan(ctx context.Context, match func(T) bool, query string, args ...any) ([]T, error) {
	rows, err := p.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("kvstore %s: scan: %w", p.collection, err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var (
			id   string
			body []byte
		)
		if err := rows.Scan(&id, &body); err != nil {
			return nil, fmt.Errorf("kvstore %s: scan row: %w", p.collection, err)
		}
		var record T
		if err := json.Unmarshal(body, &record); err != nil {
			return nil, fmt.Errorf("kvstore %s: decode %s: %w", p.collection, id, err)
		}
		if match == nil || match(record) {
			out = append(out, record)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("kvstore %s: scan: %w", p.collection, err)
	}
	return out, nil
}

func (p *Postgres[T]) Count(ctx context.Context) (int, error) {
	var n int
	err := p.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM kv_record WHERE collection = $1`,
		p.collection).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("kvstore %s: count: %w", p.collection, err)
	}
	return n, nil
}
