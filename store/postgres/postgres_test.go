package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/leave-engine/ledger"
	"github.com/warp/leave-engine/request"
	"github.com/warp/leave-engine/uow"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		conflict bool
	}{
		{"serialization failure", &pgconn.PgError{Code: codeSerializationFailure}, true},
		{"deadlock", &pgconn.PgError{Code: codeDeadlockDetected}, true},
		{"lock not available", fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: codeLockNotAvailable}), true},
		{"unique violation", &pgconn.PgError{Code: codeUniqueViolation}, false},
		{"plain error", errors.New("boom"), false},
		{"already conflict", uow.ErrConflict, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.conflict, uow.IsConflict(classify(tt.err)))
		})
	}
	assert.NoError(t, classify(nil))
}

func TestIsUniqueViolation(t *testing.T) {
	err := fmt.Errorf("insert: %w", &pgconn.PgError{Code: codeUniqueViolation, ConstraintName: "uq_requests_tenant_number"})

	assert.True(t, isUniqueViolation(err, ""))
	assert.True(t, isUniqueViolation(err, "uq_requests_tenant_number"))
	assert.False(t, isUniqueViolation(err, "uq_ledger_entries_request"))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: codeSerializationFailure}, ""))
	assert.False(t, isUniqueViolation(errors.New("boom"), ""))
}

// =============================================================================
// INTEGRATION (needs LEAVE_ENGINE_TEST_PG_URL)
// =============================================================================

func newIntegrationStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("LEAVE_ENGINE_TEST_PG_URL")
	if url == "" {
		t.Skip("LEAVE_ENGINE_TEST_PG_URL not set")
	}
	require.NoError(t, Migrate(url, "migrations"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	st, err := New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(st.Close)
	return st
}

func TestIntegrationLedgerAndRequests(t *testing.T) {
	st := newIntegrationStore(t)
	ctx := context.Background()

	// Unique tenant per run so the test can share a database
	tenant := "it-" + uuid.NewString()
	key := ledger.BalanceKey{TenantID: tenant, EmployeeID: "e-1", EntitlementTypeID: "vacation", Year: 2025}
	at := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	l := ledger.New(ledger.WithOpenings(func(context.Context, ledger.BalanceKey) (ledger.Quantity, error) {
		return ledger.Days(5), nil
	}))
	src := ledger.Source{RequestID: "r-" + tenant, RequestNumber: "LV-2025-000001", ProcessedBy: "u-1"}

	req := &request.Request{
		ID:                   src.RequestID,
		Number:               src.RequestNumber,
		TenantID:             tenant,
		EmployeeID:           "e-1",
		EntitlementTypeID:    "vacation",
		Quantity:             ledger.Days(2),
		Details:              request.LeaveDetails{StartDate: at, EndDate: at.AddDate(0, 0, 1)},
		RequestedBy:          "u-1",
		BalanceBearing:       true,
		RequiresHRApproval:   true,
		Status:               request.StatusPending,
		SupervisorApproverID: "u-boss",
		Version:              1,
		CreatedAt:            at,
		UpdatedAt:            at,
	}

	require.NoError(t, st.WithinTx(ctx, func(r uow.Repos) error {
		seq, err := r.Requests.NextSequence(ctx, tenant, request.KindLeave, 2025)
		if err != nil {
			return err
		}
		assert.Equal(t, int64(1), seq)
		if err := r.Requests.Create(ctx, req); err != nil {
			return err
		}
		_, err = l.Reserve(ctx, r.Ledger, key, ledger.Days(2), src)
		return err
	}))

	err := st.WithinTx(ctx, func(r uow.Repos) error { return r.Requests.Create(ctx, req) })
	assert.ErrorIs(t, err, request.ErrDuplicateNumber)

	require.NoError(t, st.WithinTx(ctx, func(r uow.Repos) error {
		got, err := r.Requests.GetForUpdate(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, req.Details, got.Details)
		assert.True(t, got.Quantity.Equal(req.Quantity))

		b, err := r.Ledger.GetBalance(ctx, key)
		require.NoError(t, err)
		entries, err := r.Ledger.Entries(ctx, b.ID)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		return ledger.Verify(b, entries)
	}))
}
