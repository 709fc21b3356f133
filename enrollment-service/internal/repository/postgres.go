package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"cohortengine/pkg/db"
	"cohortengine/pkg/outbox"
)

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type pgQueries struct {
	db     DBTX
	logger *zap.Logger
}

type PgStore struct {
	*pgQueries
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool, logger *zap.Logger) *PgStore {
	return &PgStore{
		pgQueries: &pgQueries{db: pool, logger: logger},
		pool:      pool,
	}
}

func (s *PgStore) InTx(ctx context.Context, fn func(ctx context.Context, q Queries) error) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(ctx, &pgQueries{db: tx, logger: s.logger})
	})
}

// InsertOutboxEvent runs inside a savepoint so a failed insert leaves the caller's transaction usable.
func (q *pgQueries) InsertOutboxEvent(ctx context.Context, e *outbox.Event) error {
	err := db.WithTx(ctx, q.db, func(sp pgx.Tx) error {
		return outbox.InsertEvent(ctx, sp, e)
	})
	if err != nil {
		q.logger.Error("Failed to insert outbox event",
			zap.String("routing_key", e.RoutingKey),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
