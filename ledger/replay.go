package ledger

import (
	"sort"

	"github.com/shopspring/decimal"
)

// Replay rebuilds the cached fields from the opening entitlement and the
// entries, applied in OccurredAt order. Ties keep their given order.
func Replay(base Balance, entries []Entry) Balance {
	ordered := make([]Entry, len(entries))
	copy(ordered, entries)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].OccurredAt.Before(ordered[j].OccurredAt)
	})

	out := base
	out.Accrued = decimal.Zero
	out.Consumed = decimal.Zero
	out.Reserved = decimal.Zero
	for _, e := range ordered {
		out = out.Apply(e)
	}
	return out
}

// Verify returns a *DriftError when the cached row disagrees with its entries.
func Verify(cached Balance, entries []Entry) error {
	replayed := Replay(cached, entries)
	fields := []struct {
		name      string
		have, got decimal.Decimal
	}{
		{"accrued", cached.Accrued, replayed.Accrued},
		{"consumed", cached.Consumed, replayed.Consumed},
		{"reserved", cached.Reserved, replayed.Reserved},
	}
	for _, f := range fields {
		if !f.have.Equal(f.got) {
			return &DriftError{
				BalanceID: cached.ID,
				Field:     f.name,
				Cached:    f.have.String(),
				Replayed:  f.got.String(),
			}
		}
	}
	return nil
}
