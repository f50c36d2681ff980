/*
Package ledger holds entitlement balances and the append-only entries that move them.

PURPOSE:
  One EntitlementBalance row exists per tenant x employee x entitlement type x year.
  The row is a materialized cache. The entries are the source of truth: replaying
  them over the opening balance reproduces the row exactly.

KEY CONCEPTS IN THIS FILE (types.go):
  - Quantity: a decimal with a unit (days or hours)
  - BalanceKey: the natural key of a balance row
  - Balance: opening, accrued, consumed, reserved and the derived available
  - Entry: one immutable RESERVE / CONSUME / RELEASE / CREDIT record

SIGNED EFFECTS:
  RESERVE  +q  reserved
  CONSUME  +q  consumed, -q reserved
  RELEASE  -q  reserved
  CREDIT   +q  accrued

SEE ALSO:
  - ledger.go: the four operations
  - replay.go: replay and drift verification
  - store.go: persistence contract
*/
package ledger

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// QUANTITY - Decimal with unit
// =============================================================================

type Unit string

const (
	UnitDays  Unit = "days"
	UnitHours Unit = "hours"
)

func (u Unit) Valid() bool {
	return u == UnitDays || u == UnitHours
}

type Quantity struct {
	Value decimal.Decimal
	Unit  Unit
}

func NewQuantity(value float64, unit Unit) Quantity {
	return Quantity{Value: decimal.NewFromFloat(value), Unit: unit}
}

func Days(value float64) Quantity  { return NewQuantity(value, UnitDays) }
func Hours(value float64) Quantity { return NewQuantity(value, UnitHours) }

// ParseQuantity parses a decimal string such as "1.5".
func ParseQuantity(s string, unit Unit) (Quantity, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return Quantity{}, fmt.Errorf("%w: %q", ErrInvalidQuantity, s)
	}
	return Quantity{Value: d, Unit: unit}, nil
}

func (q Quantity) Add(o Quantity) Quantity  { return Quantity{Value: q.Value.Add(o.Value), Unit: q.Unit} }
func (q Quantity) Sub(o Quantity) Quantity  { return Quantity{Value: q.Value.Sub(o.Value), Unit: q.Unit} }
func (q Quantity) Neg() Quantity            { return Quantity{Value: q.Value.Neg(), Unit: q.Unit} }
func (q Quantity) IsPositive() bool         { return q.Value.IsPositive() }
func (q Quantity) IsZero() bool             { return q.Value.IsZero() }
func (q Quantity) Equal(o Quantity) bool    { return q.Unit == o.Unit && q.Value.Equal(o.Value) }
func (q Quantity) LessThan(o Quantity) bool { return q.Value.LessThan(o.Value) }
func (q Quantity) String() string           { return q.Value.String() + " " + string(q.Unit) }

// =============================================================================
// IDENTIFIERS
// =============================================================================

type BalanceID string
type EntryID string

// BalanceKey identifies one balance row.
type BalanceKey struct {
	TenantID          string
	EmployeeID        string
	EntitlementTypeID string
	Year              int
}

// ID is deterministic so a balance can be addressed before it exists.
// Each part is path-escaped, so a "/" inside a part cannot make two keys
// share an ID.
func (k BalanceKey) ID() BalanceID {
	return BalanceID(fmt.Sprintf("%s/%s/%s/%d",
		url.PathEscape(k.TenantID), url.PathEscape(k.EmployeeID), url.PathEscape(k.EntitlementTypeID), k.Year))
}

func (k BalanceKey) Validate() error {
	switch {
	case k.TenantID == "":
		return fmt.Errorf("%w: tenant is required", ErrInvalidKey)
	case k.EmployeeID == "":
		return fmt.Errorf("%w: employee is required", ErrInvalidKey)
	case k.EntitlementTypeID == "":
		return fmt.Errorf("%w: entitlement type is required", ErrInvalidKey)
	case k.Year < 1900 || k.Year > 9999:
		return fmt.Errorf("%w: year %d out of range", ErrInvalidKey, k.Year)
	}
	return nil
}

// =============================================================================
// BALANCE - Cached row
// =============================================================================

type Balance struct {
	ID        BalanceID
	Key       BalanceKey
	Unit      Unit
	Opening   decimal.Decimal
	Accrued   decimal.Decimal
	Consumed  decimal.Decimal
	Reserved  decimal.Decimal
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewBalance returns an empty row carrying only the opening entitlement.
func NewBalance(key BalanceKey, opening Quantity, at time.Time) Balance {
	return Balance{
		ID:        key.ID(),
		Key:       key,
		Unit:      opening.Unit,
		Opening:   opening.Value,
		Accrued:   decimal.Zero,
		Consumed:  decimal.Zero,
		Reserved:  decimal.Zero,
		CreatedAt: at,
		UpdatedAt: at,
	}
}

// Available = opening + accrued - consumed - reserved
func (b Balance) Available() Quantity {
	v := b.Opening.Add(b.Accrued).Sub(b.Consumed).Sub(b.Reserved)
	return Quantity{Value: v, Unit: b.Unit}
}

// Apply returns the balance with the entry's effect added.
func (b Balance) Apply(e Entry) Balance {
	switch e.Kind {
	case KindReserve, KindRelease:
		b.Reserved = b.Reserved.Add(e.Quantity)
	case KindConsume:
		b.Consumed = b.Consumed.Add(e.Quantity)
		b.Reserved = b.Reserved.Sub(e.Quantity)
	case KindCredit:
		b.Accrued = b.Accrued.Add(e.Quantity)
	}
	return b
}

func (b Balance) checkInvariants() error {
	switch {
	case b.Reserved.IsNegative():
		return fmt.Errorf("%w: reserved %s < 0 on %s", ErrInvariantViolation, b.Reserved, b.ID)
	case b.Consumed.IsNegative():
		return fmt.Errorf("%w: consumed %s < 0 on %s", ErrInvariantViolation, b.Consumed, b.ID)
	case b.Accrued.IsNegative():
		return fmt.Errorf("%w: accrued %s < 0 on %s", ErrInvariantViolation, b.Accrued, b.ID)
	case b.Available().Value.IsNegative():
		return fmt.Errorf("%w: available %s < 0 on %s", ErrInvariantViolation, b.Available().Value, b.ID)
	}
	return nil
}

// =============================================================================
// ENTRY - Immutable mutation record
// =============================================================================

type Kind string

const (
	KindReserve Kind = "RESERVE"
	KindConsume Kind = "CONSUME"
	KindRelease Kind = "RELEASE"
	KindCredit  Kind = "CREDIT"
)

func (k Kind) Valid() bool {
	switch k {
	case KindReserve, KindConsume, KindRelease, KindCredit:
		return true
	}
	return false
}

// Entry is written once and never modified. Quantity is the signed effect.
type Entry struct {
	ID                  EntryID
	BalanceID           BalanceID
	Kind                Kind
	Quantity            decimal.Decimal
	Unit                Unit
	SourceRequestID     string
	SourceRequestNumber string
	ProcessedBy         string
	OccurredAt          time.Time
}

// Magnitude is the unsigned size of the entry.
func (e Entry) Magnitude() Quantity {
	return Quantity{Value: e.Quantity.Abs(), Unit: e.Unit}
}

// Source identifies the request a mutation belongs to.
type Source struct {
	RequestID     string
	RequestNumber string
	ProcessedBy   string
}

// Result is returned by every ledger operation. Applied is false when the call
// was an idempotent replay and nothing was written.
type Result struct {
	Entry   Entry
	Balance Balance
	Applied bool
}
