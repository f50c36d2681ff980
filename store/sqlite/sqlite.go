/*
Package sqlite provides a SQLite-backed unit of work for the leave engine.

PURPOSE:
  Implements uow.UnitOfWork (ledger.Store + request.Repository sharing one
  *sql.Tx) and audit.Sink on a single SQLite file. Suited to single-node
  deployments and local runs; store/postgres is the multi-writer backend.

KEY TABLES:
  entitlement_balances: cached balance rows, one per tenant x employee x type x year
  ledger_entries:       append-only RESERVE / CONSUME / RELEASE / CREDIT entries
  requests:             leave and overtime requests
  request_counters:     per tenant x kind x year number sequences
  audit_log:            append-only audit records

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on ledger_entries
  - idx_ledger_entries_request makes (balance, request, kind) unique, so a
    request can reserve, settle and credit a balance at most once each

CONCURRENCY:
  SQLite allows one writer. Transactions are opened with BEGIN IMMEDIATE
  (_txlock=immediate) so the write lock is taken up front, and the pool is
  capped at one connection. SQLITE_BUSY surfaces as uow.ErrConflict and is
  retried by the workflow engine.

VALUES:
  Decimals are stored as TEXT and parsed with shopspring/decimal. Times are
  UTC TEXT in a fixed-width layout so ORDER BY sorts chronologically.

USAGE:
  store, err := sqlite.New("./data/leave.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := workflow.New(store, directory, catalog)

SEE ALSO:
  - uow/uow.go: the contract
  - store/memory: in-memory implementation for tests
  - store/postgres: PostgreSQL implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/warp/leave-engine/audit"
	"github.com/warp/leave-engine/uow"
)

// timeLayout is fixed-width so lexical order equals chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements uow.UnitOfWork and audit.Sink using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// New opens (and migrates) the database at dbPath.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: SQLite has a single writer, and ":memory:" is
	// per-connection.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping is used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entitlement_balances (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		employee_id TEXT NOT NULL,
		entitlement_type_id TEXT NOT NULL,
		year INTEGER NOT NULL,
		unit TEXT NOT NULL,
		opening TEXT NOT NULL,
		accrued TEXT NOT NULL,
		consumed TEXT NOT NULL,
		reserved TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE (tenant_id, employee_id, entitlement_type_id, year)
	);

	-- Append-only ledger
	CREATE TABLE IF NOT EXISTS ledger_entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		balance_id TEXT NOT NULL REFERENCES entitlement_balances(id),
		kind TEXT NOT NULL,
		quantity TEXT NOT NULL,
		unit TEXT NOT NULL,
		source_request_id TEXT NOT NULL,
		source_request_number TEXT NOT NULL,
		processed_by TEXT NOT NULL,
		occurred_at TEXT NOT NULL
	);

	-- One entry per kind per request per balance
	CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_entries_request
		ON ledger_entries(balance_id, source_request_id, kind);

	-- Replay order (hot path for verify and history)
	CREATE INDEX IF NOT EXISTS idx_ledger_entries_balance_time
		ON ledger_entries(balance_id, occurred_at, seq);

	CREATE TABLE IF NOT EXISTS requests (
		id TEXT PRIMARY KEY,
		number TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		employee_id TEXT NOT NULL,
		entitlement_type_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		quantity TEXT NOT NULL,
		unit TEXT NOT NULL,
		details_json TEXT NOT NULL,
		reason TEXT,
		requested_by TEXT NOT NULL,
		balance_bearing INTEGER NOT NULL,
		requires_hr_approval INTEGER NOT NULL,
		status TEXT NOT NULL,
		supervisor_approver_id TEXT NOT NULL,
		supervisor_decision_at TEXT,
		supervisor_remarks TEXT,
		hr_approver_id TEXT,
		hr_decision_at TEXT,
		hr_remarks TEXT,
		rejection_reason TEXT,
		cancelled_at TEXT,
		version INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE (tenant_id, number)
	);

	CREATE INDEX IF NOT EXISTS idx_requests_employee
		ON requests(tenant_id, employee_id, created_at);

	CREATE TABLE IF NOT EXISTS request_counters (
		tenant_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		year INTEGER NOT NULL,
		last_seq INTEGER NOT NULL,
		PRIMARY KEY (tenant_id, kind, year)
	);

	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		occurred_at TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		subject_type TEXT NOT NULL,
		subject_id TEXT NOT NULL,
		action TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		changes_json TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_log_subject
		ON audit_log(tenant_id, subject_id, occurred_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// UNIT OF WORK
// =============================================================================

// WithinTx executes fn within a database transaction.
func (s *Store) WithinTx(ctx context.Context, fn func(uow.Repos) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer sqlTx.Rollback()

	view := &txView{tx: sqlTx}
	if err := fn(uow.Repos{Ledger: view, Requests: view}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return classify(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// txView implements ledger.Store and request.Repository on one *sql.Tx.
type txView struct {
	tx *sql.Tx
}

// =============================================================================
// AUDIT SINK
// =============================================================================

// Append implements audit.Sink.
func (s *Store) Append(ctx context.Context, rec audit.Record) error {
	changes, err := json.Marshal(rec.Changes)
	if err != nil {
		return fmt.Errorf("encode audit changes: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, occurred_at, tenant_id, subject_type, subject_id, action, actor_id, changes_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		rec.ID,
		formatTime(rec.OccurredAt),
		rec.TenantID,
		rec.SubjectType,
		rec.SubjectID,
		string(rec.Action),
		rec.ActorID,
		string(changes),
	)
	if err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	return nil
}

// AuditTrail returns the audit records of one subject in order.
func (s *Store) AuditTrail(ctx context.Context, tenantID, subjectID string) ([]audit.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, occurred_at, tenant_id, subject_type, subject_id, action, actor_id, changes_json
		FROM audit_log
		WHERE tenant_id = ? AND subject_id = ?
		ORDER BY occurred_at ASC, rowid ASC
	`, tenantID, subjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var out []audit.Record
	for rows.Next() {
		var (
			rec        audit.Record
			occurredAt string
			action     string
			changes    string
		)
		if err := rows.Scan(&rec.ID, &occurredAt, &rec.TenantID, &rec.SubjectType, &rec.SubjectID,
			&action, &rec.ActorID, &changes); err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		rec.Action = audit.Action(action)
		if rec.OccurredAt, err = parseTime(occurredAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(changes), &rec.Changes); err != nil {
			return nil, fmt.Errorf("decode audit changes: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", s, err)
	}
	return t, nil
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

// classify maps SQLite lock contention to uow.ErrConflict.
func classify(err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return fmt.Errorf("%w: %v", uow.ErrConflict, err)
		}
	}
	return err
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
