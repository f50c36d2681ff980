package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/warp/leave-engine/ledger"
	"github.com/warp/leave-engine/uow"
)

const balanceColumns = `id, tenant_id, employee_id, entitlement_type_id, year, unit,
	opening, accrued, consumed, reserved, created_at, updated_at`

func (v *txView) LockBalance(ctx context.Context, key ledger.BalanceKey) (ledger.Balance, error) {
	return v.balance(ctx, `SELECT `+balanceColumns+` FROM entitlement_balances WHERE id = $1 FOR UPDATE`, key)
}

func (v *txView) GetBalance(ctx context.Context, key ledger.BalanceKey) (ledger.Balance, error) {
	return v.balance(ctx, `SELECT `+balanceColumns+` FROM entitlement_balances WHERE id = $1`, key)
}

func (v *txView) balance(ctx context.Context, query string, key ledger.BalanceKey) (ledger.Balance, error) {
	var (
		b        ledger.Balance
		id, unit string
	)
	err := v.tx.QueryRow(ctx, query, string(key.ID())).Scan(
		&id, &b.Key.TenantID, &b.Key.EmployeeID, &b.Key.EntitlementTypeID, &b.Key.Year, &unit,
		&b.Opening, &b.Accrued, &b.Consumed, &b.Reserved, &b.CreatedAt, &b.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Balance{}, ledger.ErrBalanceNotFound
	}
	if err != nil {
		return ledger.Balance{}, classify(fmt.Errorf("select balance: %w", err))
	}
	b.ID = ledger.BalanceID(id)
	b.Unit = ledger.Unit(unit)
	return b, nil
}

func (v *txView) InsertBalance(ctx context.Context, b ledger.Balance) error {
	_, err := v.tx.Exec(ctx, `
		INSERT INTO entitlement_balances (`+balanceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		string(b.ID), b.Key.TenantID, b.Key.EmployeeID, b.Key.EntitlementTypeID, b.Key.Year, string(b.Unit),
		b.Opening, b.Accrued, b.Consumed, b.Reserved, b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "") {
			return fmt.Errorf("%w: balance %s created concurrently", uow.ErrConflict, b.ID)
		}
		return classify(fmt.Errorf("insert balance: %w", err))
	}
	return nil
}

func (v *txView) UpdateBalance(ctx context.Context, b ledger.Balance) error {
	tag, err := v.tx.Exec(ctx, `
		UPDATE entitlement_balances
		SET accrued = $1, consumed = $2, reserved = $3, updated_at = $4
		WHERE id = $5
	`, b.Accrued, b.Consumed, b.Reserved, b.UpdatedAt, string(b.ID))
	if err != nil {
		return classify(fmt.Errorf("update balance: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrBalanceNotFound
	}
	return nil
}

func (v *txView) BalanceKeys(ctx context.Context, year int) ([]ledger.BalanceKey, error) {
	rows, err := v.tx.Query(ctx, `
		SELECT tenant_id, employee_id, entitlement_type_id, year
		FROM entitlement_balances
		WHERE year = $1
		ORDER BY id
	`, year)
	if err != nil {
		return nil, classify(fmt.Errorf("query balances: %w", err))
	}
	defer rows.Close()

	var out []ledger.BalanceKey
	for rows.Next() {
		var k ledger.BalanceKey
		if err := rows.Scan(&k.TenantID, &k.EmployeeID, &k.EntitlementTypeID, &k.Year); err != nil {
			return nil, fmt.Errorf("scan balance key: %w", err)
		}
		out = append(out, k)
	}
	return out, classify(rows.Err())
}

// =============================================================================
// ENTRIES
// =============================================================================

const entryColumns = `id, balance_id, kind, quantity, unit, source_request_id,
	source_request_number, processed_by, occurred_at`

func (v *txView) AppendEntry(ctx context.Context, e ledger.Entry) error {
	_, err := v.tx.Exec(ctx, `
		INSERT INTO ledger_entries (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		string(e.ID), string(e.BalanceID), string(e.Kind), e.Quantity, string(e.Unit),
		e.SourceRequestID, e.SourceRequestNumber, e.ProcessedBy, e.OccurredAt,
	)
	if err != nil {
		if isUniqueViolation(err, "") {
			return fmt.Errorf("%w: %s entry for request %s already exists", uow.ErrConflict, e.Kind, e.SourceRequestID)
		}
		return classify(fmt.Errorf("append entry: %w", err))
	}
	return nil
}

func (v *txView) EntriesForRequest(ctx context.Context, id ledger.BalanceID, requestID string) ([]ledger.Entry, error) {
	return v.entries(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE balance_id = $1 AND source_request_id = $2
		ORDER BY occurred_at, seq
	`, string(id), requestID)
}

func (v *txView) Entries(ctx context.Context, id ledger.BalanceID) ([]ledger.Entry, error) {
	return v.entries(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE balance_id = $1
		ORDER BY occurred_at, seq
	`, string(id))
}

func (v *txView) entries(ctx context.Context, query string, args ...any) ([]ledger.Entry, error) {
	rows, err := v.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("query entries: %w", err))
	}
	defer rows.Close()

	var out []ledger.Entry
	for rows.Next() {
		var (
			e                   ledger.Entry
			id, balanceID, kind string
			unit                string
		)
		if err := rows.Scan(&id, &balanceID, &kind, &e.Quantity, &unit,
			&e.SourceRequestID, &e.SourceRequestNumber, &e.ProcessedBy, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.ID = ledger.EntryID(id)
		e.BalanceID = ledger.BalanceID(balanceID)
		e.Kind = ledger.Kind(kind)
		e.Unit = ledger.Unit(unit)
		out = append(out, e)
	}
	return out, classify(rows.Err())
}
