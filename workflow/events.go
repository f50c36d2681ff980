package workflow

import (
	"time"

	"github.com/warp/leave-engine/audit"
	"github.com/warp/leave-engine/ledger"
	"github.com/warp/leave-engine/request"
)

func actionFor(s request.Status) audit.Action {
	switch s {
	case request.StatusSupervisorApproved:
		return audit.ActionRequestSupervisorApproved
	case request.StatusApproved:
		return audit.ActionRequestApproved
	case request.StatusRejected:
		return audit.ActionRequestRejected
	case request.StatusCancelled:
		return audit.ActionRequestCancelled
	}
	return audit.ActionRequestSubmitted
}

var ledgerActions = map[ledger.Kind]audit.Action{
	ledger.KindReserve: audit.ActionLedgerReserve,
	ledger.KindConsume: audit.ActionLedgerConsume,
	ledger.KindRelease: audit.ActionLedgerRelease,
	ledger.KindCredit:  audit.ActionLedgerCredit,
}

func requestRecord(r *request.Request, action audit.Action, actorID string, from request.Status, at time.Time) audit.Record {
	changes := []audit.Change{{Field: "status", Old: string(from), New: string(r.Status)}}
	switch action {
	case audit.ActionRequestSubmitted:
		changes = append(changes,
			audit.Change{Field: "request_number", New: r.Number},
			audit.Change{Field: "quantity", New: r.Quantity.String()},
			audit.Change{Field: "supervisor_approver_id", New: r.SupervisorApproverID},
		)
	case audit.ActionRequestRejected:
		if r.RejectionReason != nil {
			changes = append(changes, audit.Change{Field: "rejection_reason", New: *r.RejectionReason})
		}
	}
	if r.HRApproverID != nil && from == request.StatusSupervisorApproved {
		changes = append(changes, audit.Change{Field: "hr_approver_id", New: *r.HRApproverID})
	}
	return audit.Record{
		OccurredAt:  at,
		TenantID:    r.TenantID,
		SubjectType: audit.SubjectRequest,
		SubjectID:   r.ID,
		Action:      action,
		ActorID:     actorID,
		Changes:     changes,
	}
}

// appendLedgerRecord records applied mutations only. Idempotent replays wrote
// nothing and are not audited.
func appendLedgerRecord(records []audit.Record, tenantID, actorID string, key ledger.BalanceKey, res ledger.Result) []audit.Record {
	if !res.Applied {
		return records
	}
	e := res.Entry
	return append(records, audit.Record{
		OccurredAt:  e.OccurredAt,
		TenantID:    tenantID,
		SubjectType: audit.SubjectBalance,
		SubjectID:   string(key.ID()),
		Action:      ledgerActions[e.Kind],
		ActorID:     actorID,
		Changes: []audit.Change{
			{Field: "entry_id", New: string(e.ID)},
			{Field: "quantity", New: e.Quantity.String() + " " + string(e.Unit)},
			{Field: "source_request_id", New: e.SourceRequestID},
			{Field: "source_request_number", New: e.SourceRequestNumber},
			{Field: "available", New: res.Balance.Available().Value.String()},
		},
	})
}
