/*
store.go - Persistence contract for balances and entries

PURPOSE:
  The Store is always scoped to one open transaction. The ledger never opens
  or commits transactions itself: the workflow engine pairs every ledger
  mutation with a request status change inside a single unit of work
  (see package uow).

APPEND-ONLY CONTRACT:
  - AppendEntry is the only write to the entries table
  - Balance rows are inserted once and then updated in place as a cache
  - No Delete exists

LOCKING:
  LockBalance must hold the row until the transaction ends
  (SELECT ... FOR UPDATE on PostgreSQL, a write transaction on SQLite,
  the store mutex in memory).

IMPLEMENTATIONS:
  - store/memory
  - store/sqlite
  - store/postgres
*/
package ledger

import "context"

type Store interface {
	// LockBalance returns the row and locks it for the rest of the transaction.
	// Returns ErrBalanceNotFound when absent.
	LockBalance(ctx context.Context, key BalanceKey) (Balance, error)

	// GetBalance reads without locking. Returns ErrBalanceNotFound when absent.
	GetBalance(ctx context.Context, key BalanceKey) (Balance, error)

	// InsertBalance creates the row. A concurrent insert of the same key must
	// surface as uow.ErrConflict so the caller retries.
	InsertBalance(ctx context.Context, b Balance) error

	UpdateBalance(ctx context.Context, b Balance) error

	AppendEntry(ctx context.Context, e Entry) error

	// EntriesForRequest returns the entries on one balance for one source
	// request, in write order.
	EntriesForRequest(ctx context.Context, balanceID BalanceID, requestID string) ([]Entry, error)

	// Entries returns every entry on a balance ordered by OccurredAt, then
	// write order.
	Entries(ctx context.Context, balanceID BalanceID) ([]Entry, error)

	// BalanceKeys lists every balance of a year, ordered by id.
	BalanceKeys(ctx context.Context, year int) ([]BalanceKey, error)
}
