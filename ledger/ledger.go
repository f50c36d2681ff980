/*
ledger.go - Reserve, consume, release and credit

PURPOSE:
  The four balance mutations. Each one appends exactly one Entry and updates
  the cached Balance through the same Store, which is bound to the caller's
  transaction. If any step fails the caller rolls the transaction back, so
  neither the entry nor the balance change survives.

IDEMPOTENCY (per source request + kind, on one balance):
  reserve  same quantity, still unmatched      -> no-op
           different quantity, or settled      -> ErrAlreadyReserved
  consume  already consumed with same quantity -> no-op
           released, missing, other quantity   -> ErrReservationNotFound
  release  already released with same quantity-> no-op
           consumed, missing, other quantity   -> ErrReservationNotFound
  credit   same quantity                       -> no-op
           different quantity                  -> ErrAlreadyCredited

  A no-op returns Result.Applied == false and writes nothing.

LAZY BALANCES:
  reserve and credit create the balance row on first use. The opening
  entitlement comes from the OpeningFunc (policy configuration).
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OpeningFunc resolves the opening entitlement of a balance that does not
// exist yet. Its unit becomes the balance unit.
type OpeningFunc func(ctx context.Context, key BalanceKey) (Quantity, error)

type Ledger struct {
	openings OpeningFunc
	now      func() time.Time
	newID    func() string
}

type Option func(*Ledger)

func WithOpenings(fn OpeningFunc) Option {
	return func(l *Ledger) { l.openings = fn }
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func WithIDGenerator(fn func() string) Option {
	return func(l *Ledger) { l.newID = fn }
}

func New(opts ...Option) *Ledger {
	l := &Ledger{
		now:   func() time.Time { return time.Now().UTC() },
		newID: func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// =============================================================================
// OPERATIONS
// =============================================================================

// Reserve increases reserved by qty.
func (l *Ledger) Reserve(ctx context.Context, st Store, key BalanceKey, qty Quantity, src Source) (Result, error) {
	if err := validate(key, qty, src); err != nil {
		return Result{}, err
	}
	bal, err := l.lockOrOpen(ctx, st, key, qty.Unit)
	if err != nil {
		return Result{}, err
	}
	if bal.Unit != qty.Unit {
		return Result{}, fmt.Errorf("%w: balance in %s, reserve in %s", ErrUnitMismatch, bal.Unit, qty.Unit)
	}

	h, err := l.history(ctx, st, bal.ID, src.RequestID)
	if err != nil {
		return Result{}, err
	}
	if h.reserve != nil {
		existing := h.reserve.Magnitude()
		if h.settlement != nil || !existing.Equal(qty) {
			return Result{}, &AlreadyReservedError{
				RequestID: src.RequestID,
				Existing:  existing,
				Requested: qty,
				Settled:   h.settlement != nil,
			}
		}
		return Result{Entry: *h.reserve, Balance: bal}, nil
	}

	available := bal.Available()
	if available.LessThan(qty) {
		return Result{}, &InsufficientBalanceError{
			Key:       key,
			Available: available,
			Requested: qty,
			Shortfall: qty.Sub(available),
		}
	}
	return l.write(ctx, st, bal, l.entry(bal, KindReserve, qty, src))
}

// Consume moves the request's reservation from reserved to consumed.
func (l *Ledger) Consume(ctx context.Context, st Store, key BalanceKey, qty Quantity, src Source) (Result, error) {
	return l.settle(ctx, st, key, qty, src, KindConsume)
}

// Release drops the request's reservation without consuming it.
func (l *Ledger) Release(ctx context.Context, st Store, key BalanceKey, qty Quantity, src Source) (Result, error) {
	return l.settle(ctx, st, key, qty, src, KindRelease)
}

// Credit increases accrued directly. No reservation is involved.
func (l *Ledger) Credit(ctx context.Context, st Store, key BalanceKey, qty Quantity, src Source) (Result, error) {
	if err := validate(key, qty, src); err != nil {
		return Result{}, err
	}
	bal, err := l.lockOrOpen(ctx, st, key, qty.Unit)
	if err != nil {
		return Result{}, err
	}
	if bal.Unit != qty.Unit {
		return Result{}, fmt.Errorf("%w: balance in %s, credit in %s", ErrUnitMismatch, bal.Unit, qty.Unit)
	}

	h, err := l.history(ctx, st, bal.ID, src.RequestID)
	if err != nil {
		return Result{}, err
	}
	if h.credit != nil {
		if !h.credit.Magnitude().Equal(qty) {
			return Result{}, fmt.Errorf("%w: request %s credited %s, requested %s",
				ErrAlreadyCredited, src.RequestID, h.credit.Quantity, qty.Value)
		}
		return Result{Entry: *h.credit, Balance: bal}, nil
	}
	return l.write(ctx, st, bal, l.entry(bal, KindCredit, qty, src))
}

func (l *Ledger) settle(ctx context.Context, st Store, key BalanceKey, qty Quantity, src Source, kind Kind) (Result, error) {
	if err := validate(key, qty, src); err != nil {
		return Result{}, err
	}
	notFound := func(reason string) error {
		return &ReservationNotFoundError{RequestID: src.RequestID, Kind: kind, Requested: qty, Reason: reason}
	}

	bal, err := st.LockBalance(ctx, key)
	if errors.Is(err, ErrBalanceNotFound) {
		return Result{}, notFound("no balance")
	}
	if err != nil {
		return Result{}, err
	}
	if bal.Unit != qty.Unit {
		return Result{}, fmt.Errorf("%w: balance in %s, %s in %s", ErrUnitMismatch, bal.Unit, kind, qty.Unit)
	}

	h, err := l.history(ctx, st, bal.ID, src.RequestID)
	if err != nil {
		return Result{}, err
	}
	switch {
	case h.reserve == nil:
		return Result{}, notFound("no reservation")
	case !h.reserve.Magnitude().Equal(qty):
		return Result{}, notFound(fmt.Sprintf("reserved quantity is %s", h.reserve.Magnitude().Value))
	case h.settlement != nil && h.settlement.Kind == kind:
		return Result{Entry: *h.settlement, Balance: bal}, nil
	case h.settlement != nil:
		return Result{}, notFound(fmt.Sprintf("reservation already settled by %s", h.settlement.Kind))
	}

	e := l.entry(bal, kind, qty, src)
	if kind == KindRelease {
		e.Quantity = e.Quantity.Neg()
	}
	return l.write(ctx, st, bal, e)
}

// =============================================================================
// INTERNALS
// =============================================================================

func (l *Ledger) lockOrOpen(ctx context.Context, st Store, key BalanceKey, unit Unit) (Balance, error) {
	bal, err := st.LockBalance(ctx, key)
	if err == nil {
		return bal, nil
	}
	if !errors.Is(err, ErrBalanceNotFound) {
		return Balance{}, err
	}

	opening := Quantity{Unit: unit}
	if l.openings != nil {
		if opening, err = l.openings(ctx, key); err != nil {
			return Balance{}, fmt.Errorf("resolve opening balance for %s: %w", key.ID(), err)
		}
	}
	if opening.Value.IsNegative() {
		return Balance{}, fmt.Errorf("%w: opening %s", ErrInvalidQuantity, opening.Value)
	}
	if !opening.Unit.Valid() {
		opening.Unit = unit
	}

	bal = NewBalance(key, opening, l.now())
	if err := st.InsertBalance(ctx, bal); err != nil {
		return Balance{}, err
	}
	return st.LockBalance(ctx, key)
}

// requestHistory summarizes what a request has already done to one balance.
type requestHistory struct {
	reserve    *Entry
	settlement *Entry
	credit     *Entry
}

func (l *Ledger) history(ctx context.Context, st Store, id BalanceID, requestID string) (requestHistory, error) {
	entries, err := st.EntriesForRequest(ctx, id, requestID)
	if err != nil {
		return requestHistory{}, err
	}
	var h requestHistory
	for i := range entries {
		e := entries[i]
		switch e.Kind {
		case KindReserve:
			h.reserve = &e
		case KindConsume, KindRelease:
			h.settlement = &e
		case KindCredit:
			h.credit = &e
		}
	}
	return h, nil
}

func (l *Ledger) entry(bal Balance, kind Kind, qty Quantity, src Source) Entry {
	return Entry{
		ID:                  EntryID(l.newID()),
		BalanceID:           bal.ID,
		Kind:                kind,
		Quantity:            qty.Value,
		Unit:                bal.Unit,
		SourceRequestID:     src.RequestID,
		SourceRequestNumber: src.RequestNumber,
		ProcessedBy:         src.ProcessedBy,
		OccurredAt:          l.now(),
	}
}

func (l *Ledger) write(ctx context.Context, st Store, bal Balance, e Entry) (Result, error) {
	next := bal.Apply(e)
	if err := next.checkInvariants(); err != nil {
		return Result{}, err
	}
	next.UpdatedAt = e.OccurredAt

	if err := st.AppendEntry(ctx, e); err != nil {
		return Result{}, fmt.Errorf("append %s entry: %w", e.Kind, err)
	}
	if err := st.UpdateBalance(ctx, next); err != nil {
		return Result{}, fmt.Errorf("update balance %s: %w", next.ID, err)
	}
	return Result{Entry: e, Balance: next, Applied: true}, nil
}

func validate(key BalanceKey, qty Quantity, src Source) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if !qty.Unit.Valid() {
		return fmt.Errorf("%w: unknown unit %q", ErrInvalidQuantity, qty.Unit)
	}
	if !qty.IsPositive() {
		return fmt.Errorf("%w: %s must be positive", ErrInvalidQuantity, qty.Value)
	}
	if src.RequestID == "" {
		return fmt.Errorf("%w: request id is required", ErrInvalidSource)
	}
	return nil
}
