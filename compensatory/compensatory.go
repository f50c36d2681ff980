// Package compensatory derives compensatory-leave credit from approved
// overtime.
//
// Derive is pure. The workflow engine applies its result with ledger.Credit
// in the same transaction as the HR approval, using the overtime request id
// as the credit's source so a replayed credit is a no-op.
package compensatory

import (
	"github.com/shopspring/decimal"

	"github.com/warp/leave-engine/ledger"
	"github.com/warp/leave-engine/policy"
)

// exactPlaces bounds non-terminating divisions such as 7h / 3h.
const exactPlaces = 4

var half = decimal.NewFromFloat(0.5)

// Credit is what should be booked on the target balance.
type Credit struct {
	TargetTypeID string
	Days         ledger.Quantity
	Hours        ledger.Quantity
}

// Derive returns the credit for approved overtime hours, or false when
// nothing should be booked: conversion disabled, employee ineligible, or a
// derived amount of zero.
func Derive(hours ledger.Quantity, conv *policy.Conversion, eligible bool) (Credit, bool) {
	if conv == nil || !conv.Enabled || !eligible {
		return Credit{}, false
	}
	if hours.Unit != ledger.UnitHours || !hours.IsPositive() || !conv.StandardHoursPerDay.IsPositive() {
		return Credit{}, false
	}

	days := Round(hours.Value.DivRound(conv.StandardHoursPerDay, exactPlaces+2), conv.Rounding)
	if !days.IsPositive() {
		return Credit{}, false
	}
	return Credit{
		TargetTypeID: conv.TargetTypeID,
		Days:         ledger.Quantity{Value: days, Unit: ledger.UnitDays},
		Hours:        hours,
	}, true
}

// Round applies a partial-day rounding mode to a day count.
func Round(days decimal.Decimal, mode policy.Rounding) decimal.Decimal {
	switch mode {
	case policy.RoundFloorDay:
		return days.Floor()
	case policy.RoundFloorHalfDay:
		return days.Div(half).Floor().Mul(half)
	case policy.RoundNearestHalfDay:
		return days.Div(half).Round(0).Mul(half)
	default:
		return days.Round(exactPlaces)
	}
}
