package policy

import (
	"github.com/shopspring/decimal"

	"github.com/warp/leave-engine/ledger"
	"github.com/warp/leave-engine/request"
)

// =============================================================================
// COMMON ENTITLEMENT TYPES
// =============================================================================

// VacationLeave is a balance-bearing leave type with full two-stage approval.
// Probationary staff open the year with nothing.
func VacationLeave(id string, annualDays float64) EntitlementType {
	return EntitlementType{
		ID:                 id,
		Name:               "Vacation Leave",
		Kind:               request.KindLeave,
		Unit:               ledger.UnitDays,
		BalanceBearing:     true,
		RequiresHRApproval: true,
		DefaultEntitlement: decimal.NewFromFloat(annualDays),
		Entitlements: map[EmploymentStatus]decimal.Decimal{
			StatusProbationary: decimal.Zero,
		},
	}
}

func SickLeave(id string, annualDays float64) EntitlementType {
	return EntitlementType{
		ID:                 id,
		Name:               "Sick Leave",
		Kind:               request.KindLeave,
		Unit:               ledger.UnitDays,
		BalanceBearing:     true,
		RequiresHRApproval: true,
		DefaultEntitlement: decimal.NewFromFloat(annualDays),
	}
}

// UnpaidLeave still goes through approval but never touches a balance.
func UnpaidLeave(id string) EntitlementType {
	return EntitlementType{
		ID:                 id,
		Name:               "Leave Without Pay",
		Kind:               request.KindLeave,
		Unit:               ledger.UnitDays,
		RequiresHRApproval: true,
		DefaultEntitlement: decimal.Zero,
	}
}

// CompensatoryLeave starts every year at zero and grows only through
// overtime conversion credits.
func CompensatoryLeave(id string) EntitlementType {
	return EntitlementType{
		ID:                 id,
		Name:               "Compensatory Time Off",
		Kind:               request.KindLeave,
		Unit:               ledger.UnitDays,
		BalanceBearing:     true,
		RequiresHRApproval: true,
		DefaultEntitlement: decimal.Zero,
	}
}

// Overtime is not balance-bearing. Approved hours convert into targetID.
func Overtime(id, targetID string, standardHoursPerDay float64) EntitlementType {
	return EntitlementType{
		ID:                 id,
		Name:               "Overtime",
		Kind:               request.KindOvertime,
		Unit:               ledger.UnitHours,
		RequiresHRApproval: true,
		DefaultEntitlement: decimal.Zero,
		Conversion: &Conversion{
			Enabled:             true,
			TargetTypeID:        targetID,
			StandardHoursPerDay: decimal.NewFromFloat(standardHoursPerDay),
			Rounding:            RoundExact,
		},
	}
}

// SupervisorOnly returns t with the HR stage removed.
func SupervisorOnly(t EntitlementType) EntitlementType {
	t.RequiresHRApproval = false
	return t
}

// DefaultCatalog is what the server runs with when no POLICY_FILE is set.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(
		VacationLeave("vacation", 15),
		SickLeave("sick", 15),
		UnpaidLeave("unpaid"),
		CompensatoryLeave("compensatory"),
		Overtime("overtime", "compensatory", 8),
	)
	if err != nil {
		panic(err)
	}
	return c
}
