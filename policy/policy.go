/*
Package policy answers "how does this entitlement type behave for this
employee?".

PURPOSE:
  Given an entitlement type and an employment status, a Lookup returns
  whether requests reserve balance, the annual opening entitlement, whether
  HR must sign off after the supervisor, and, for overtime, how approved hours
  convert into compensatory leave.

SOURCES:
  - Catalog: in-memory, built from presets.go or parsed by factory.go
  - POLICY_FILE: JSON document loaded at startup

SEE ALSO:
  - compensatory: applies Conversion
  - workflow/engine.go: the only consumer
*/
package policy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/warp/leave-engine/ledger"
	"github.com/warp/leave-engine/request"
)

var (
	ErrTypeNotFound  = errors.New("entitlement type not found")
	ErrInvalidPolicy = errors.New("invalid entitlement policy")
)

type EmploymentStatus string

const (
	StatusRegular      EmploymentStatus = "regular"
	StatusProbationary EmploymentStatus = "probationary"
	StatusContractual  EmploymentStatus = "contractual"
	StatusPartTime     EmploymentStatus = "part_time"
)

// Rounding decides what happens to a partial compensatory day.
type Rounding string

const (
	RoundExact          Rounding = "exact"
	RoundFloorHalfDay   Rounding = "floor_half_day"
	RoundNearestHalfDay Rounding = "nearest_half_day"
	RoundFloorDay       Rounding = "floor_day"
)

func (r Rounding) Valid() bool {
	switch r {
	case RoundExact, RoundFloorHalfDay, RoundNearestHalfDay, RoundFloorDay:
		return true
	}
	return false
}

// Conversion turns approved overtime hours into compensatory leave days.
type Conversion struct {
	Enabled             bool
	TargetTypeID        string
	StandardHoursPerDay decimal.Decimal
	Rounding            Rounding
}

type EntitlementType struct {
	ID   string
	Name string
	Kind request.Kind
	Unit ledger.Unit

	// BalanceBearing types reserve on submit, consume on approval and
	// release on rejection or cancellation.
	BalanceBearing bool

	// RequiresHRApproval false makes the supervisor decision final.
	RequiresHRApproval bool

	DefaultEntitlement decimal.Decimal
	Entitlements       map[EmploymentStatus]decimal.Decimal

	// MaxRequest caps a single request. Nil means no cap.
	MaxRequest *decimal.Decimal

	// Conversion is only meaningful for overtime types. Nil means none.
	Conversion *Conversion
}

func (t EntitlementType) Validate() error {
	switch {
	case t.ID == "":
		return fmt.Errorf("%w: id is required", ErrInvalidPolicy)
	case !t.Kind.Valid():
		return fmt.Errorf("%w: %s: unknown kind %q", ErrInvalidPolicy, t.ID, t.Kind)
	case t.Unit != t.Kind.Unit():
		return fmt.Errorf("%w: %s: %s requests are measured in %s", ErrInvalidPolicy, t.ID, t.Kind, t.Kind.Unit())
	case t.DefaultEntitlement.IsNegative():
		return fmt.Errorf("%w: %s: negative entitlement", ErrInvalidPolicy, t.ID)
	}
	for status, v := range t.Entitlements {
		if v.IsNegative() {
			return fmt.Errorf("%w: %s: negative entitlement for %s", ErrInvalidPolicy, t.ID, status)
		}
	}
	if c := t.Conversion; c != nil && c.Enabled {
		switch {
		case t.Kind != request.KindOvertime:
			return fmt.Errorf("%w: %s: conversion is only valid on overtime", ErrInvalidPolicy, t.ID)
		case c.TargetTypeID == "":
			return fmt.Errorf("%w: %s: conversion needs a target type", ErrInvalidPolicy, t.ID)
		case !c.StandardHoursPerDay.IsPositive():
			return fmt.Errorf("%w: %s: standard hours per day must be positive", ErrInvalidPolicy, t.ID)
		case !c.Rounding.Valid():
			return fmt.Errorf("%w: %s: unknown rounding %q", ErrInvalidPolicy, t.ID, c.Rounding)
		}
	}
	return nil
}

// Policy is an entitlement type resolved for one employment status.
type Policy struct {
	Type   EntitlementType
	Annual ledger.Quantity
}

// ConversionEnabled reports whether approving requests of this type credits
// compensatory leave.
func (p Policy) ConversionEnabled() bool {
	return p.Type.Conversion != nil && p.Type.Conversion.Enabled
}

type Lookup interface {
	Lookup(ctx context.Context, typeID string, status EmploymentStatus) (Policy, error)
}

// =============================================================================
// CATALOG
// =============================================================================

type Catalog struct {
	mu    sync.RWMutex
	types map[string]EntitlementType
}

func NewCatalog(types ...EntitlementType) (*Catalog, error) {
	c := &Catalog{types: make(map[string]EntitlementType)}
	for _, t := range types {
		if err := c.Register(t); err != nil {
			return nil, err
		}
	}
	return c, c.checkTargets()
}

func (c *Catalog) Register(t EntitlementType) error {
	if t.Conversion != nil && t.Conversion.Rounding == "" {
		t.Conversion.Rounding = RoundExact
	}
	if err := t.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.types[t.ID] = t
	return nil
}

func (c *Catalog) checkTargets() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, t := range c.types {
		if t.Conversion == nil || !t.Conversion.Enabled {
			continue
		}
		target, ok := c.types[t.Conversion.TargetTypeID]
		if !ok {
			return fmt.Errorf("%w: %s converts into unknown type %s", ErrInvalidPolicy, t.ID, t.Conversion.TargetTypeID)
		}
		if target.Kind != request.KindLeave || !target.BalanceBearing {
			return fmt.Errorf("%w: %s converts into %s, which is not a balance-bearing leave type",
				ErrInvalidPolicy, t.ID, target.ID)
		}
	}
	return nil
}

func (c *Catalog) Lookup(_ context.Context, typeID string, status EmploymentStatus) (Policy, error) {
	c.mu.RLock()
	t, ok := c.types[typeID]
	c.mu.RUnlock()
	if !ok {
		return Policy{}, fmt.Errorf("%w: %s", ErrTypeNotFound, typeID)
	}
	annual := t.DefaultEntitlement
	if v, ok := t.Entitlements[status]; ok {
		annual = v
	}
	return Policy{Type: t, Annual: ledger.Quantity{Value: annual, Unit: t.Unit}}, nil
}

// Types lists the registered types ordered by id.
func (c *Catalog) Types() []EntitlementType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]EntitlementType, 0, len(c.types))
	for _, t := range c.types {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
