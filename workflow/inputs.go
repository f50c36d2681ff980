package workflow

import (
	"time"

	"github.com/shopspring/decimal"
)

type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Stage is the approval step an actor decides at.
type Stage string

const (
	StageSupervisor Stage = "supervisor"
	StageHR         Stage = "hr"
)

type SubmitInput struct {
	TenantID          string          `json:"tenant_id" validate:"required"`
	ActorID           string          `json:"actor_id" validate:"required"`
	EmployeeID        string          `json:"employee_id" validate:"required"`
	EntitlementTypeID string          `json:"entitlement_type_id" validate:"required"`
	Quantity          decimal.Decimal `json:"quantity"`
	StartDate         time.Time       `json:"start_date" validate:"required"`

	// EndDate applies to leave only. Nil means a single-day request.
	EndDate *time.Time `json:"end_date,omitempty"`

	Reason string `json:"reason" validate:"max=500"`
}

type DecideInput struct {
	TenantID  string   `json:"tenant_id" validate:"required"`
	ActorID   string   `json:"actor_id" validate:"required"`
	RequestID string   `json:"request_id" validate:"required"`
	Decision  Decision `json:"decision" validate:"required,oneof=approve reject"`
	Remarks   string   `json:"remarks" validate:"max=1000"`

	// Stage pins the step the actor means to decide at. Nil lets the engine
	// infer it from the actor's relation to the request.
	Stage *Stage `json:"stage,omitempty" validate:"omitempty,oneof=supervisor hr"`
}

type CancelInput struct {
	TenantID  string `json:"tenant_id" validate:"required"`
	ActorID   string `json:"actor_id" validate:"required"`
	RequestID string `json:"request_id" validate:"required"`
}
