/*
Package postgres is the PostgreSQL unit of work.

PURPOSE:
  Every WithinTx call is one SERIALIZABLE transaction on a pgxpool
  connection. Balance and request rows are additionally locked with
  SELECT ... FOR UPDATE so two decisions on one request queue up instead of
  both reading PENDING.

ERRORS:
  40001 serialization_failure  -> uow.ErrConflict
  40P01 deadlock_detected      -> uow.ErrConflict
  55P03 lock_not_available     -> uow.ErrConflict
  23505 unique_violation       -> uow.ErrConflict (balances, entries)
                                  request.ErrDuplicateNumber (requests)

MIGRATIONS:
  SQL files under migrations/ are applied with golang-migrate by Migrate,
  which cmd/server calls on startup.
*/
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	migrate "github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/warp/leave-engine/audit"
	"github.com/warp/leave-engine/uow"
)

const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
	codeUniqueViolation      = "23505"
)

type Store struct {
	pool *pgxpool.Pool
}

// New connects a pool and pings it.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Migrate applies every pending up migration found in dir.
func Migrate(databaseURL, dir string) error {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer db.Close()

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+dir, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// =============================================================================
// UNIT OF WORK
// =============================================================================

func (s *Store) WithinTx(ctx context.Context, fn func(uow.Repos) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return classify(fmt.Errorf("begin transaction: %w", err))
	}
	defer tx.Rollback(ctx)

	view := &txView{tx: tx}
	if err := fn(uow.Repos{Ledger: view, Requests: view}); err != nil {
		return classify(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return classify(fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

type txView struct {
	tx pgx.Tx
}

// =============================================================================
// AUDIT SINK
// =============================================================================

func (s *Store) Append(ctx context.Context, rec audit.Record) error {
	changes, err := json.Marshal(rec.Changes)
	if err != nil {
		return fmt.Errorf("encode audit changes: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO audit_log (id, occurred_at, tenant_id, subject_type, subject_id, action, actor_id, changes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`, rec.ID, rec.OccurredAt, rec.TenantID, rec.SubjectType, rec.SubjectID, string(rec.Action), rec.ActorID, changes)
	if err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}
	return nil
}

// =============================================================================
// ERRORS
// =============================================================================

// classify turns retryable PostgreSQL failures into uow.ErrConflict. Errors
// already classified pass through unchanged.
func classify(err error) error {
	if err == nil || uow.IsConflict(err) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable:
			return fmt.Errorf("%w: %s (%s)", uow.ErrConflict, pgErr.Message, pgErr.Code)
		}
	}
	return err
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != codeUniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}
