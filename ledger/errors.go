package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientBalance is returned when a reservation exceeds available.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrAlreadyReserved is returned when the request already holds a
	// reservation of a different quantity, or its reservation was settled.
	ErrAlreadyReserved = errors.New("already reserved")

	// ErrReservationNotFound is returned by consume/release when there is no
	// unmatched reservation of exactly the requested quantity.
	ErrReservationNotFound = errors.New("reservation not found")

	// ErrAlreadyCredited is returned when a credit for the request exists with
	// a different quantity.
	ErrAlreadyCredited = errors.New("already credited")

	ErrBalanceNotFound    = errors.New("balance not found")
	ErrInvalidQuantity    = errors.New("invalid quantity")
	ErrInvalidKey         = errors.New("invalid balance key")
	ErrInvalidSource      = errors.New("invalid source request")
	ErrUnitMismatch       = errors.New("unit mismatch")
	ErrInvariantViolation = errors.New("balance invariant violated")

	// ErrLedgerDrift means the cached balance no longer matches its entries.
	ErrLedgerDrift = errors.New("ledger drift")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

type InsufficientBalanceError struct {
	Key       BalanceKey
	Available Quantity
	Requested Quantity
	Shortfall Quantity
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: available %s, requested %s, shortfall %s",
		e.Available.Value, e.Requested.Value, e.Shortfall.Value)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

type AlreadyReservedError struct {
	RequestID string
	Existing  Quantity
	Requested Quantity
	Settled   bool
}

func (e *AlreadyReservedError) Error() string {
	if e.Settled {
		return fmt.Sprintf("already reserved: reservation for request %s was already settled", e.RequestID)
	}
	return fmt.Sprintf("already reserved: request %s holds %s, requested %s",
		e.RequestID, e.Existing.Value, e.Requested.Value)
}

func (e *AlreadyReservedError) Unwrap() error {
	return ErrAlreadyReserved
}

type ReservationNotFoundError struct {
	RequestID string
	Kind      Kind
	Requested Quantity
	Reason    string
}

func (e *ReservationNotFoundError) Error() string {
	return fmt.Sprintf("reservation not found: %s of %s for request %s: %s",
		e.Kind, e.Requested.Value, e.RequestID, e.Reason)
}

func (e *ReservationNotFoundError) Unwrap() error {
	return ErrReservationNotFound
}

// DriftError reports the first field that disagrees with a replay.
type DriftError struct {
	BalanceID BalanceID
	Field     string
	Cached    string
	Replayed  string
}

func (e *DriftError) Error() string {
	return fmt.Sprintf("ledger drift on %s: %s cached %s, replayed %s",
		e.BalanceID, e.Field, e.Cached, e.Replayed)
}

func (e *DriftError) Unwrap() error {
	return ErrLedgerDrift
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsBalanceError reports whether err must be surfaced to the caller verbatim.
func IsBalanceError(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrAlreadyReserved) ||
		errors.Is(err, ErrReservationNotFound) ||
		errors.Is(err, ErrAlreadyCredited)
}

func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidQuantity) ||
		errors.Is(err, ErrInvalidKey) ||
		errors.Is(err, ErrInvalidSource) ||
		errors.Is(err, ErrUnitMismatch)
}
