package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/warp/leave-engine/ledger"
	"github.com/warp/leave-engine/request"
)

const requestColumns = `id, number, tenant_id, employee_id, entitlement_type_id, kind,
	quantity, unit, details, reason, requested_by, balance_bearing, requires_hr_approval,
	status, supervisor_approver_id, supervisor_decision_at, supervisor_remarks,
	hr_approver_id, hr_decision_at, hr_remarks, rejection_reason, cancelled_at,
	version, created_at, updated_at`

func (v *txView) Create(ctx context.Context, r *request.Request) error {
	details, err := request.MarshalDetails(r.Details)
	if err != nil {
		return err
	}
	_, err = v.tx.Exec(ctx, `
		INSERT INTO requests (`+requestColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
		        $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25)
	`,
		r.ID, r.Number, r.TenantID, r.EmployeeID, r.EntitlementTypeID, string(r.Kind()),
		r.Quantity.Value, string(r.Quantity.Unit), details, r.Reason, r.RequestedBy,
		r.BalanceBearing, r.RequiresHRApproval,
		string(r.Status), r.SupervisorApproverID, r.SupervisorDecisionAt, r.SupervisorRemarks,
		r.HRApproverID, r.HRDecisionAt, r.HRRemarks, r.RejectionReason, r.CancelledAt,
		r.Version, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "uq_requests_tenant_number") {
			return fmt.Errorf("%w: %s", request.ErrDuplicateNumber, r.Number)
		}
		return classify(fmt.Errorf("insert request: %w", err))
	}
	return nil
}

func (v *txView) Get(ctx context.Context, id string) (*request.Request, error) {
	return v.request(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = $1`, id)
}

func (v *txView) GetForUpdate(ctx context.Context, id string) (*request.Request, error) {
	return v.request(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = $1 FOR UPDATE`, id)
}

func (v *txView) request(ctx context.Context, query, id string) (*request.Request, error) {
	r, err := scanRequest(v.tx.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, request.ErrNotFound
	}
	if err != nil {
		return nil, classify(fmt.Errorf("select request: %w", err))
	}
	return r, nil
}

func (v *txView) Update(ctx context.Context, r *request.Request, expected request.Status) error {
	tag, err := v.tx.Exec(ctx, `
		UPDATE requests SET
			status = $1,
			supervisor_decision_at = $2,
			supervisor_remarks = $3,
			hr_approver_id = $4,
			hr_decision_at = $5,
			hr_remarks = $6,
			rejection_reason = $7,
			cancelled_at = $8,
			version = $9,
			updated_at = $10
		WHERE id = $11 AND status = $12
	`,
		string(r.Status), r.SupervisorDecisionAt, r.SupervisorRemarks,
		r.HRApproverID, r.HRDecisionAt, r.HRRemarks, r.RejectionReason, r.CancelledAt,
		r.Version, r.UpdatedAt, r.ID, string(expected),
	)
	if err != nil {
		return classify(fmt.Errorf("update request: %w", err))
	}
	if tag.RowsAffected() == 0 {
		if _, err := v.Get(ctx, r.ID); err != nil {
			return err
		}
		return request.ErrStale
	}
	return nil
}

func (v *txView) ListByEmployee(ctx context.Context, tenantID, employeeID string) ([]*request.Request, error) {
	rows, err := v.tx.Query(ctx, `
		SELECT `+requestColumns+` FROM requests
		WHERE tenant_id = $1 AND employee_id = $2
		ORDER BY created_at, number
	`, tenantID, employeeID)
	if err != nil {
		return nil, classify(fmt.Errorf("query requests: %w", err))
	}
	defer rows.Close()

	var out []*request.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		out = append(out, r)
	}
	return out, classify(rows.Err())
}

func (v *txView) NextSequence(ctx context.Context, tenantID string, kind request.Kind, year int) (int64, error) {
	var seq int64
	err := v.tx.QueryRow(ctx, `
		INSERT INTO request_counters (tenant_id, kind, year, last_seq)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (tenant_id, kind, year)
		DO UPDATE SET last_seq = request_counters.last_seq + 1
		RETURNING last_seq
	`, tenantID, string(kind), year).Scan(&seq)
	if err != nil {
		return 0, classify(fmt.Errorf("allocate sequence: %w", err))
	}
	return seq, nil
}

func scanRequest(row pgx.Row) (*request.Request, error) {
	var (
		r                  request.Request
		kind, unit, status string
		quantity           decimal.Decimal
		details            []byte
	)
	err := row.Scan(
		&r.ID, &r.Number, &r.TenantID, &r.EmployeeID, &r.EntitlementTypeID, &kind,
		&quantity, &unit, &details, &r.Reason, &r.RequestedBy, &r.BalanceBearing, &r.RequiresHRApproval,
		&status, &r.SupervisorApproverID, &r.SupervisorDecisionAt, &r.SupervisorRemarks,
		&r.HRApproverID, &r.HRDecisionAt, &r.HRRemarks, &r.RejectionReason, &r.CancelledAt,
		&r.Version, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Quantity = ledger.Quantity{Value: quantity, Unit: ledger.Unit(unit)}
	r.Status = request.Status(status)
	if r.Details, err = request.UnmarshalDetails(request.Kind(kind), details); err != nil {
		return nil, err
	}
	return &r, nil
}
