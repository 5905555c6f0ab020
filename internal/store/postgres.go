package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ItamarBenAri/car-ops-agent/internal/apperr"
)

// dbtx is satisfied by both the pool and an open transaction.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
	db   dbtx
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool, db: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// InTx runs fn against a transaction-scoped Store, committing when fn returns nil.
func (s *Store) InTx(ctx context.Context, fn func(tx *Store) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return apperr.Persistence("begin tx", err)
	}
	defer tx.Rollback(ctx) // no-op after commit

	if err := fn(&Store{pool: s.pool, db: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return apperr.Persistence("commit", err)
	}
	return nil
}

// notFound converts pgx.ErrNoRows into the not-found kind and everything else into persistence.
func notFound(err error, what, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound("%s %s not found", what, id)
	}
	return apperr.Persistence("query "+what, err)
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func intPtr(v pgtype.Int4) *int {
	if v.Valid {
		i := int(v.Int32)
		return &i
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
