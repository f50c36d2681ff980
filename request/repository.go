package request

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("request not found")
	ErrStale             = errors.New("request status changed concurrently")
	ErrDuplicateNumber   = errors.New("duplicate request number")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidDetails    = errors.New("invalid request details")
)

// Repository is scoped to one open transaction (see package uow).
type Repository interface {
	Create(ctx context.Context, r *Request) error

	Get(ctx context.Context, id string) (*Request, error)

	// GetForUpdate locks the row for the rest of the transaction.
	GetForUpdate(ctx context.Context, id string) (*Request, error)

	// Update writes r only if the stored status still equals expected.
	// Returns ErrStale otherwise.
	Update(ctx context.Context, r *Request, expected Status) error

	ListByEmployee(ctx context.Context, tenantID, employeeID string) ([]*Request, error)

	// NextSequence allocates the next number in the tenant x kind x year
	// sequence, starting at 1.
	NextSequence(ctx context.Context, tenantID string, kind Kind, year int) (int64, error)
}

// FormatNumber renders a human-readable request number, e.g. LV-2025-000042.
func FormatNumber(kind Kind, year int, seq int64) string {
	return fmt.Sprintf("%s-%d-%06d", kind.NumberPrefix(), year, seq)
}
