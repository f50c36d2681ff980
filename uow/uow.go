// Package uow defines the unit of work that pairs a request status change with
// its ledger effect. Both repositories handed to the callback share one
// database transaction; returning an error from the callback rolls back both.
package uow

import (
	"context"
	"errors"

	"github.com/warp/leave-engine/ledger"
	"github.com/warp/leave-engine/request"
)

// ErrConflict marks a transaction aborted by the database because of a
// serialization failure, deadlock or lock timeout. Only these are retried.
var ErrConflict = errors.New("transaction conflict")

// Repos is the transaction-scoped view handed to a unit of work.
type Repos struct {
	Ledger   ledger.Store
	Requests request.Repository
}

type UnitOfWork interface {
	// WithinTx runs fn in one transaction with serializable semantics on the
	// rows it touches. Commits when fn returns nil.
	WithinTx(ctx context.Context, fn func(Repos) error) error
}

// IsConflict reports whether err is worth retrying at the transaction boundary.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
