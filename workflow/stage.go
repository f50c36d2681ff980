package workflow

import (
	"context"
	"fmt"

	"github.com/warp/leave-engine/authz"
	"github.com/warp/leave-engine/compensatory"
	"github.com/warp/leave-engine/ledger"
	"github.com/warp/leave-engine/request"
)

// source is the status a request must be in for a decision at this stage.
func (s Stage) source() request.Status {
	if s == StageHR {
		return request.StatusSupervisorApproved
	}
	return request.StatusPending
}

// resolveStage decides which step the actor is acting at.
//
// The assigned supervisor acts at the supervisor stage and an HR-capable
// actor at the HR stage. An actor who is both acts at whichever stage the
// request is currently in. Nobody decides their own request.
func resolveStage(actor authz.Actor, r *request.Request, pinned *Stage) (Stage, error) {
	if actor.EmployeeID != nil && *actor.EmployeeID == r.EmployeeID {
		return "", fmt.Errorf("%w: you cannot decide your own request", ErrNotAuthorized)
	}
	isSupervisor := actor.ID == r.SupervisorApproverID
	isHR := actor.Role.HRCapable()

	if pinned != nil {
		switch *pinned {
		case StageSupervisor:
			if !isSupervisor {
				return "", fmt.Errorf("%w: not the assigned supervisor", ErrNotAuthorized)
			}
		case StageHR:
			if !isHR {
				return "", fmt.Errorf("%w: HR role required", ErrNotAuthorized)
			}
		default:
			return "", ErrInvalidStage
		}
		return *pinned, nil
	}

	switch {
	case isSupervisor && isHR:
		if r.Status == request.StatusSupervisorApproved {
			return StageHR, nil
		}
		return StageSupervisor, nil
	case isSupervisor:
		return StageSupervisor, nil
	case isHR:
		return StageHR, nil
	}
	return "", fmt.Errorf("%w: not the supervisor and no HR role", ErrNotAuthorized)
}

// compensatoryCredit returns the credit an approved overtime request earns,
// or ok == false when conversion does not apply.
func (e *Engine) compensatoryCredit(ctx context.Context, r *request.Request) (ledger.Quantity, ledger.BalanceKey, bool, error) {
	emp, err := e.authz.Employee(ctx, r.TenantID, r.EmployeeID)
	if err != nil {
		return ledger.Quantity{}, ledger.BalanceKey{}, false, e.mapLookupError(err)
	}
	pol, err := e.policies.Lookup(ctx, r.EntitlementTypeID, emp.EmploymentStatus)
	if err != nil {
		return ledger.Quantity{}, ledger.BalanceKey{}, false, e.mapLookupError(err)
	}
	credit, ok := compensatory.Derive(r.Quantity, pol.Type.Conversion, emp.CompensatoryEligible)
	if !ok {
		return ledger.Quantity{}, ledger.BalanceKey{}, false, nil
	}
	key := ledger.BalanceKey{
		TenantID:          r.TenantID,
		EmployeeID:        r.EmployeeID,
		EntitlementTypeID: credit.TargetTypeID,
		Year:              r.Year(),
	}
	return credit.Days, key, true, nil
}
