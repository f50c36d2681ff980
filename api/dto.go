/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  JSON shapes of the HTTP surface. Quantities are decimal strings so clients
  never see float rounding; dates are YYYY-MM-DD, instants RFC3339.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

SEE ALSO:
  - handlers.go: Uses these types
  - workflow/inputs.go: What the request bodies become
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/leave-engine/ledger"
	"github.com/warp/leave-engine/request"
	"github.com/warp/leave-engine/workflow"
)

const dateLayout = "2006-01-02"

// =============================================================================
// REQUEST BODIES
// =============================================================================

// SubmitRequest files a leave or overtime request. EndDate is leave only.
type SubmitRequest struct {
	EmployeeID        string          `json:"employee_id"`
	EntitlementTypeID string          `json:"entitlement_type_id"`
	Quantity          decimal.Decimal `json:"quantity"`
	StartDate         string          `json:"start_date"`
	EndDate           string          `json:"end_date,omitempty"`
	Reason            string          `json:"reason"`
}

type DecisionRequest struct {
	Decision workflow.Decision `json:"decision"`
	Remarks  string            `json:"remarks"`
	Stage    *workflow.Stage   `json:"stage,omitempty"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type RequestDTO struct {
	ID                   string  `json:"id"`
	Number               string  `json:"number"`
	Kind                 string  `json:"kind"`
	EmployeeID           string  `json:"employee_id"`
	EntitlementTypeID    string  `json:"entitlement_type_id"`
	Quantity             string  `json:"quantity"`
	Unit                 string  `json:"unit"`
	StartDate            string  `json:"start_date"`
	EndDate              string  `json:"end_date,omitempty"`
	Reason               string  `json:"reason,omitempty"`
	Status               string  `json:"status"`
	RequestedBy          string  `json:"requested_by"`
	SupervisorApproverID string  `json:"supervisor_approver_id"`
	SupervisorDecisionAt *string `json:"supervisor_decision_at,omitempty"`
	SupervisorRemarks    *string `json:"supervisor_remarks,omitempty"`
	HRApproverID         *string `json:"hr_approver_id,omitempty"`
	HRDecisionAt         *string `json:"hr_decision_at,omitempty"`
	HRRemarks            *string `json:"hr_remarks,omitempty"`
	RejectionReason      *string `json:"rejection_reason,omitempty"`
	CancelledAt          *string `json:"cancelled_at,omitempty"`
	Version              int     `json:"version"`
	CreatedAt            string  `json:"created_at"`
	UpdatedAt            string  `json:"updated_at"`
}

type BalanceDTO struct {
	BalanceID         string `json:"balance_id"`
	EmployeeID        string `json:"employee_id"`
	EntitlementTypeID string `json:"entitlement_type_id"`
	Year              int    `json:"year"`
	Unit              string `json:"unit"`
	Opening           string `json:"opening"`
	Accrued           string `json:"accrued"`
	Consumed          string `json:"consumed"`
	Reserved          string `json:"reserved"`
	Available         string `json:"available"`
}

type EntryDTO struct {
	ID                  string `json:"id"`
	Kind                string `json:"kind"`
	Quantity            string `json:"quantity"`
	Unit                string `json:"unit"`
	SourceRequestID     string `json:"source_request_id"`
	SourceRequestNumber string `json:"source_request_number"`
	ProcessedBy         string `json:"processed_by"`
	OccurredAt          string `json:"occurred_at"`
}

type ReconciliationDTO struct {
	Year      int        `json:"year"`
	StartedAt string     `json:"started_at"`
	Checked   int        `json:"checked"`
	Drifted   []DriftDTO `json:"drifted"`
}

type DriftDTO struct {
	BalanceID string `json:"balance_id"`
	Field     string `json:"field"`
	Cached    string `json:"cached"`
	Replayed  string `json:"replayed"`
}

// ErrorDTO is the body of every non-2xx response.
type ErrorDTO struct {
	Error   string            `json:"error"`
	Code    string            `json:"code"`
	Details map[string]string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toRequestDTO(r *request.Request) RequestDTO {
	dto := RequestDTO{
		ID:                   r.ID,
		Number:               r.Number,
		Kind:                 string(r.Kind()),
		EmployeeID:           r.EmployeeID,
		EntitlementTypeID:    r.EntitlementTypeID,
		Quantity:             r.Quantity.Value.String(),
		Unit:                 string(r.Quantity.Unit),
		Reason:               r.Reason,
		Status:               string(r.Status),
		RequestedBy:          r.RequestedBy,
		SupervisorApproverID: r.SupervisorApproverID,
		SupervisorDecisionAt: formatInstant(r.SupervisorDecisionAt),
		SupervisorRemarks:    r.SupervisorRemarks,
		HRApproverID:         r.HRApproverID,
		HRDecisionAt:         formatInstant(r.HRDecisionAt),
		HRRemarks:            r.HRRemarks,
		RejectionReason:      r.RejectionReason,
		CancelledAt:          formatInstant(r.CancelledAt),
		Version:              r.Version,
		CreatedAt:            r.CreatedAt.Format(time.RFC3339),
		UpdatedAt:            r.UpdatedAt.Format(time.RFC3339),
	}
	switch d := r.Details.(type) {
	case request.LeaveDetails:
		dto.StartDate = d.StartDate.Format(dateLayout)
		dto.EndDate = d.EndDate.Format(dateLayout)
	case request.OvertimeDetails:
		dto.StartDate = d.Date.Format(dateLayout)
	}
	return dto
}

func toBalanceDTO(b ledger.Balance) BalanceDTO {
	return BalanceDTO{
		BalanceID:         string(b.Key.ID()),
		EmployeeID:        b.Key.EmployeeID,
		EntitlementTypeID: b.Key.EntitlementTypeID,
		Year:              b.Key.Year,
		Unit:              string(b.Unit),
		Opening:           b.Opening.String(),
		Accrued:           b.Accrued.String(),
		Consumed:          b.Consumed.String(),
		Reserved:          b.Reserved.String(),
		Available:         b.Available().Value.String(),
	}
}

func toEntryDTO(e ledger.Entry) EntryDTO {
	return EntryDTO{
		ID:                  string(e.ID),
		Kind:                string(e.Kind),
		Quantity:            e.Quantity.String(),
		Unit:                string(e.Unit),
		SourceRequestID:     e.SourceRequestID,
		SourceRequestNumber: e.SourceRequestNumber,
		ProcessedBy:         e.ProcessedBy,
		OccurredAt:          e.OccurredAt.Format(time.RFC3339Nano),
	}
}

func toReconciliationDTO(r workflow.ReconcileReport) ReconciliationDTO {
	dto := ReconciliationDTO{
		Year:      r.Year,
		StartedAt: r.StartedAt.Format(time.RFC3339),
		Checked:   r.Checked,
		Drifted:   make([]DriftDTO, 0, len(r.Drifted)),
	}
	for _, d := range r.Drifted {
		dto.Drifted = append(dto.Drifted, DriftDTO{
			BalanceID: string(d.BalanceID),
			Field:     d.Field,
			Cached:    d.Cached,
			Replayed:  d.Replayed,
		})
	}
	return dto
}

func formatInstant(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}
