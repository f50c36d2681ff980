package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/leave-engine/ledger"
	"github.com/warp/leave-engine/uow"
)

// =============================================================================
// BALANCES (ledger.Store)
// =============================================================================

const balanceColumns = `id, tenant_id, employee_id, entitlement_type_id, year, unit,
	opening, accrued, consumed, reserved, created_at, updated_at`

// LockBalance reads the row. BEGIN IMMEDIATE already holds the database
// write lock, so no row lock is needed.
func (v *txView) LockBalance(ctx context.Context, key ledger.BalanceKey) (ledger.Balance, error) {
	return v.GetBalance(ctx, key)
}

func (v *txView) GetBalance(ctx context.Context, key ledger.BalanceKey) (ledger.Balance, error) {
	row := v.tx.QueryRowContext(ctx,
		`SELECT `+balanceColumns+` FROM entitlement_balances WHERE id = ?`, string(key.ID()))
	b, err := scanBalance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Balance{}, ledger.ErrBalanceNotFound
	}
	if err != nil {
		return ledger.Balance{}, classify(err)
	}
	return b, nil
}

func (v *txView) InsertBalance(ctx context.Context, b ledger.Balance) error {
	_, err := v.tx.ExecContext(ctx, `
		INSERT INTO entitlement_balances (`+balanceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		string(b.ID),
		b.Key.TenantID,
		b.Key.EmployeeID,
		b.Key.EntitlementTypeID,
		b.Key.Year,
		string(b.Unit),
		b.Opening.String(),
		b.Accrued.String(),
		b.Consumed.String(),
		b.Reserved.String(),
		formatTime(b.CreatedAt),
		formatTime(b.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: balance %s created concurrently", uow.ErrConflict, b.ID)
		}
		return classify(fmt.Errorf("failed to insert balance: %w", err))
	}
	return nil
}

func (v *txView) UpdateBalance(ctx context.Context, b ledger.Balance) error {
	res, err := v.tx.ExecContext(ctx, `
		UPDATE entitlement_balances
		SET accrued = ?, consumed = ?, reserved = ?, updated_at = ?
		WHERE id = ?
	`,
		b.Accrued.String(),
		b.Consumed.String(),
		b.Reserved.String(),
		formatTime(b.UpdatedAt),
		string(b.ID),
	)
	if err != nil {
		return classify(fmt.Errorf("failed to update balance: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrBalanceNotFound
	}
	return nil
}

// =============================================================================
// ENTRIES (append-only)
// =============================================================================

const entryColumns = `id, balance_id, kind, quantity, unit, source_request_id,
	source_request_number, processed_by, occurred_at`

func (v *txView) AppendEntry(ctx context.Context, e ledger.Entry) error {
	_, err := v.tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		string(e.ID),
		string(e.BalanceID),
		string(e.Kind),
		e.Quantity.String(),
		string(e.Unit),
		e.SourceRequestID,
		e.SourceRequestNumber,
		e.ProcessedBy,
		formatTime(e.OccurredAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: %s entry for request %s already exists", uow.ErrConflict, e.Kind, e.SourceRequestID)
		}
		return classify(fmt.Errorf("failed to append entry: %w", err))
	}
	return nil
}

func (v *txView) EntriesForRequest(ctx context.Context, id ledger.BalanceID, requestID string) ([]ledger.Entry, error) {
	return v.queryEntries(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE balance_id = ? AND source_request_id = ?
		ORDER BY occurred_at ASC, seq ASC
	`, string(id), requestID)
}

func (v *txView) Entries(ctx context.Context, id ledger.BalanceID) ([]ledger.Entry, error) {
	return v.queryEntries(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE balance_id = ?
		ORDER BY occurred_at ASC, seq ASC
	`, string(id))
}

func (v *txView) queryEntries(ctx context.Context, query string, args ...any) ([]ledger.Entry, error) {
	rows, err := v.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to query entries: %w", err))
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		var (
			e          ledger.Entry
			balanceID  string
			kind       string
			quantity   string
			unit       string
			occurredAt string
			id         string
		)
		if err := rows.Scan(&id, &balanceID, &kind, &quantity, &unit,
			&e.SourceRequestID, &e.SourceRequestNumber, &e.ProcessedBy, &occurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		e.ID = ledger.EntryID(id)
		e.BalanceID = ledger.BalanceID(balanceID)
		e.Kind = ledger.Kind(kind)
		e.Unit = ledger.Unit(unit)
		if e.Quantity, err = decimal.NewFromString(quantity); err != nil {
			return nil, fmt.Errorf("parse entry quantity %q: %w", quantity, err)
		}
		if e.OccurredAt, err = parseTime(occurredAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// SCANNING
// =============================================================================

func scanBalance(row *sql.Row) (ledger.Balance, error) {
	var (
		b                                    ledger.Balance
		id, unit                             string
		opening, accrued, consumed, reserved string
		createdAt, updatedAt                 string
	)
	err := row.Scan(&id, &b.Key.TenantID, &b.Key.EmployeeID, &b.Key.EntitlementTypeID, &b.Key.Year,
		&unit, &opening, &accrued, &consumed, &reserved, &createdAt, &updatedAt)
	if err != nil {
		return ledger.Balance{}, err
	}
	b.ID = ledger.BalanceID(id)
	b.Unit = ledger.Unit(unit)

	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&b.Opening, opening},
		{&b.Accrued, accrued},
		{&b.Consumed, consumed},
		{&b.Reserved, reserved},
	} {
		if *f.dst, err = decimal.NewFromString(f.src); err != nil {
			return ledger.Balance{}, fmt.Errorf("parse balance %s: %w", id, err)
		}
	}
	if b.CreatedAt, err = parseTime(createdAt); err != nil {
		return ledger.Balance{}, err
	}
	if b.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return ledger.Balance{}, err
	}
	return b, nil
}

func (v *txView) BalanceKeys(ctx context.Context, year int) ([]ledger.BalanceKey, error) {
	rows, err := v.tx.QueryContext(ctx, `
		SELECT tenant_id, employee_id, entitlement_type_id, year
		FROM entitlement_balances
		WHERE year = ?
		ORDER BY id
	`, year)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to query balances: %w", err))
	}
	defer rows.Close()

	var out []ledger.BalanceKey
	for rows.Next() {
		var k ledger.BalanceKey
		if err := rows.Scan(&k.TenantID, &k.EmployeeID, &k.EntitlementTypeID, &k.Year); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}
