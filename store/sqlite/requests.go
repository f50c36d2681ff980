package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/leave-engine/ledger"
	"github.com/warp/leave-engine/request"
)

// =============================================================================
// REQUESTS (request.Repository)
// =============================================================================

const requestColumns = `id, number, tenant_id, employee_id, entitlement_type_id, kind,
	quantity, unit, details_json, reason, requested_by, balance_bearing, requires_hr_approval,
	status, supervisor_approver_id, supervisor_decision_at, supervisor_remarks,
	hr_approver_id, hr_decision_at, hr_remarks, rejection_reason, cancelled_at,
	version, created_at, updated_at`

func (v *txView) Create(ctx context.Context, r *request.Request) error {
	details, err := request.MarshalDetails(r.Details)
	if err != nil {
		return err
	}
	_, err = v.tx.ExecContext(ctx, `
		INSERT INTO requests (`+requestColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ID,
		r.Number,
		r.TenantID,
		r.EmployeeID,
		r.EntitlementTypeID,
		string(r.Kind()),
		r.Quantity.Value.String(),
		string(r.Quantity.Unit),
		string(details),
		r.Reason,
		r.RequestedBy,
		r.BalanceBearing,
		r.RequiresHRApproval,
		string(r.Status),
		r.SupervisorApproverID,
		formatTimePtr(r.SupervisorDecisionAt),
		nullString(r.SupervisorRemarks),
		nullString(r.HRApproverID),
		formatTimePtr(r.HRDecisionAt),
		nullString(r.HRRemarks),
		nullString(r.RejectionReason),
		formatTimePtr(r.CancelledAt),
		r.Version,
		formatTime(r.CreatedAt),
		formatTime(r.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: %s", request.ErrDuplicateNumber, r.Number)
		}
		return classify(fmt.Errorf("failed to insert request: %w", err))
	}
	return nil
}

func (v *txView) Get(ctx context.Context, id string) (*request.Request, error) {
	row := v.tx.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = ?`, id)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, request.ErrNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	return r, nil
}

// GetForUpdate is a plain read: the transaction already holds the
// database write lock.
func (v *txView) GetForUpdate(ctx context.Context, id string) (*request.Request, error) {
	return v.Get(ctx, id)
}

func (v *txView) Update(ctx context.Context, r *request.Request, expected request.Status) error {
	res, err := v.tx.ExecContext(ctx, `
		UPDATE requests SET
			status = ?,
			supervisor_decision_at = ?,
			supervisor_remarks = ?,
			hr_approver_id = ?,
			hr_decision_at = ?,
			hr_remarks = ?,
			rejection_reason = ?,
			cancelled_at = ?,
			version = ?,
			updated_at = ?
		WHERE id = ? AND status = ?
	`,
		string(r.Status),
		formatTimePtr(r.SupervisorDecisionAt),
		nullString(r.SupervisorRemarks),
		nullString(r.HRApproverID),
		formatTimePtr(r.HRDecisionAt),
		nullString(r.HRRemarks),
		nullString(r.RejectionReason),
		formatTimePtr(r.CancelledAt),
		r.Version,
		formatTime(r.UpdatedAt),
		r.ID,
		string(expected),
	)
	if err != nil {
		return classify(fmt.Errorf("failed to update request: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		if _, err := v.Get(ctx, r.ID); err != nil {
			return err
		}
		return request.ErrStale
	}
	return nil
}

func (v *txView) ListByEmployee(ctx context.Context, tenantID, employeeID string) ([]*request.Request, error) {
	rows, err := v.tx.QueryContext(ctx, `
		SELECT `+requestColumns+` FROM requests
		WHERE tenant_id = ? AND employee_id = ?
		ORDER BY created_at ASC, number ASC
	`, tenantID, employeeID)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to query requests: %w", err))
	}
	defer rows.Close()

	var out []*request.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (v *txView) NextSequence(ctx context.Context, tenantID string, kind request.Kind, year int) (int64, error) {
	var seq int64
	err := v.tx.QueryRowContext(ctx, `
		INSERT INTO request_counters (tenant_id, kind, year, last_seq)
		VALUES (?, ?, ?, 1)
		ON CONFLICT (tenant_id, kind, year) DO UPDATE SET last_seq = last_seq + 1
		RETURNING last_seq
	`, tenantID, string(kind), year).Scan(&seq)
	if err != nil {
		return 0, classify(fmt.Errorf("failed to allocate sequence: %w", err))
	}
	return seq, nil
}

// =============================================================================
// SCANNING
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(row scanner) (*request.Request, error) {
	var (
		r                                 request.Request
		kind, quantity, unit, details     string
		status                            string
		reason                            sql.NullString
		supDecisionAt, hrDecisionAt       sql.NullString
		supRemarks, hrApprover, hrRemarks sql.NullString
		rejection, cancelledAt            sql.NullString
		createdAt, updatedAt              string
	)
	err := row.Scan(
		&r.ID, &r.Number, &r.TenantID, &r.EmployeeID, &r.EntitlementTypeID, &kind,
		&quantity, &unit, &details, &reason, &r.RequestedBy, &r.BalanceBearing, &r.RequiresHRApproval,
		&status, &r.SupervisorApproverID, &supDecisionAt, &supRemarks,
		&hrApprover, &hrDecisionAt, &hrRemarks, &rejection, &cancelledAt,
		&r.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	value, err := decimal.NewFromString(quantity)
	if err != nil {
		return nil, fmt.Errorf("parse request quantity %q: %w", quantity, err)
	}
	r.Quantity = ledger.Quantity{Value: value, Unit: ledger.Unit(unit)}
	if r.Details, err = request.UnmarshalDetails(request.Kind(kind), []byte(details)); err != nil {
		return nil, err
	}
	r.Reason = reason.String
	r.Status = request.Status(status)
	r.SupervisorRemarks = stringPtr(supRemarks)
	r.HRApproverID = stringPtr(hrApprover)
	r.HRRemarks = stringPtr(hrRemarks)
	r.RejectionReason = stringPtr(rejection)

	if r.SupervisorDecisionAt, err = parseTimePtr(supDecisionAt); err != nil {
		return nil, err
	}
	if r.HRDecisionAt, err = parseTimePtr(hrDecisionAt); err != nil {
		return nil, err
	}
	if r.CancelledAt, err = parseTimePtr(cancelledAt); err != nil {
		return nil, err
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}
