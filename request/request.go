/*
Package request holds the leave / overtime request aggregate.

PURPOSE:
  A Request has an immutable identity (id, number, employee, type, quantity,
  dates) and a mutable status with approval metadata. Leave and overtime share
  one lifecycle; the kind-specific fields live in Details.

STATUS MACHINE:
  PENDING --supervisor approve--> SUPERVISOR_APPROVED --hr approve--> APPROVED
  PENDING --supervisor reject---> REJECTED
  SUPERVISOR_APPROVED --hr reject--> REJECTED
  PENDING | SUPERVISOR_APPROVED --requester cancel--> CANCELLED

  APPROVED, REJECTED and CANCELLED are terminal.

OPTIONAL FIELDS:
  Pointer fields are nil until the event that sets them happens:
    SupervisorDecisionAt / SupervisorRemarks  until the supervisor decides
    HRApproverID / HRDecisionAt / HRRemarks   until HR decides
    RejectionReason                           unless REJECTED
    CancelledAt                               unless CANCELLED

SEE ALSO:
  - details.go: Leave | Overtime union
  - repository.go: persistence contract
  - workflow/engine.go: the only writer
*/
package request

import (
	"fmt"
	"time"

	"github.com/warp/leave-engine/ledger"
)

// =============================================================================
// STATUS
// =============================================================================

type Status string

const (
	StatusPending            Status = "PENDING"
	StatusSupervisorApproved Status = "SUPERVISOR_APPROVED"
	StatusApproved           Status = "APPROVED"
	StatusRejected           Status = "REJECTED"
	StatusCancelled          Status = "CANCELLED"
)

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

func (s Status) Terminal() bool {
	return s.Valid() && len(transitions[s]) == 0
}

// Open reports whether the request still holds its reservation.
func (s Status) Open() bool {
	return s == StatusPending || s == StatusSupervisorApproved
}

var transitions = map[Status][]Status{
	StatusPending:            {StatusSupervisorApproved, StatusRejected, StatusCancelled},
	StatusSupervisorApproved: {StatusApproved, StatusRejected, StatusCancelled},
	StatusApproved:           {},
	StatusRejected:           {},
	StatusCancelled:          {},
}

// CanTransition reports whether to is reachable from s in one step.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// =============================================================================
// REQUEST
// =============================================================================

type Request struct {
	ID                string
	Number            string
	TenantID          string
	EmployeeID        string
	EntitlementTypeID string
	Quantity          ledger.Quantity
	Details           Details
	Reason            string

	// RequestedBy is the actor who submitted; only they may cancel.
	RequestedBy string

	// BalanceBearing and RequiresHRApproval are captured at submit so later
	// policy edits cannot strand a reservation or change the route mid-flight.
	BalanceBearing     bool
	RequiresHRApproval bool

	Status Status

	SupervisorApproverID string
	SupervisorDecisionAt *time.Time
	SupervisorRemarks    *string
	HRApproverID         *string
	HRDecisionAt         *time.Time
	HRRemarks            *string
	RejectionReason      *string
	CancelledAt          *time.Time

	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (r *Request) Kind() Kind {
	if r.Details == nil {
		return ""
	}
	return r.Details.Kind()
}

// Year is the ledger year the request books against.
func (r *Request) Year() int {
	if r.Details == nil {
		return 0
	}
	return r.Details.Start().Year()
}

func (r *Request) BalanceKey() ledger.BalanceKey {
	return ledger.BalanceKey{
		TenantID:          r.TenantID,
		EmployeeID:        r.EmployeeID,
		EntitlementTypeID: r.EntitlementTypeID,
		Year:              r.Year(),
	}
}

func (r *Request) LedgerSource(processedBy string) ledger.Source {
	return ledger.Source{RequestID: r.ID, RequestNumber: r.Number, ProcessedBy: processedBy}
}

// Transition moves the request to the given status. It does not check
// authority; the workflow engine does that.
func (r *Request) Transition(to Status, at time.Time) error {
	if !CanTransition(r.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, to)
	}
	r.Status = to
	r.Version++
	r.UpdatedAt = at
	return nil
}

// Clone returns a deep copy, so stores never share pointers with callers.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	c := *r
	c.SupervisorDecisionAt = cloneTime(r.SupervisorDecisionAt)
	c.SupervisorRemarks = cloneString(r.SupervisorRemarks)
	c.HRApproverID = cloneString(r.HRApproverID)
	c.HRDecisionAt = cloneTime(r.HRDecisionAt)
	c.HRRemarks = cloneString(r.HRRemarks)
	c.RejectionReason = cloneString(r.RejectionReason)
	c.CancelledAt = cloneTime(r.CancelledAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
