package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/warp/leave-engine/apperror"
	"github.com/warp/leave-engine/ledger"
	"github.com/warp/leave-engine/workflow"
)

func TestErrorResponse(t *testing.T) {
	insufficient := &ledger.InsufficientBalanceError{
		Available: ledger.Days(1),
		Requested: ledger.Days(3),
		Shortfall: ledger.Days(2),
	}

	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"app error keeps its status", workflow.ErrRequestNotFound, http.StatusNotFound, apperror.CodeNotFound},
		{"wrapped busy", fmt.Errorf("%w: submit after 3 attempts", workflow.ErrBusy), http.StatusServiceUnavailable, apperror.CodeServiceUnavailable},
		{"bare insufficient balance", insufficient, http.StatusUnprocessableEntity, workflow.CodeInsufficientBalance},
		{"already reserved", &ledger.AlreadyReservedError{RequestID: "r1"}, http.StatusConflict, workflow.CodeLedgerConflict},
		{"already credited", fmt.Errorf("credit: %w", ledger.ErrAlreadyCredited), http.StatusConflict, workflow.CodeLedgerConflict},
		{"unit mismatch", fmt.Errorf("%w: days vs hours", ledger.ErrUnitMismatch), http.StatusBadRequest, apperror.CodeInvalidInput},
		{"client went away", context.Canceled, http.StatusServiceUnavailable, apperror.CodeServiceUnavailable},
		{"unknown", errors.New("disk on fire"), http.StatusInternalServerError, apperror.CodeInternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := errorResponse(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, body.Code)
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestErrorResponseHidesInternalMessage(t *testing.T) {
	_, body := errorResponse(errors.New("pq: password authentication failed for user leave"))

	assert.NotContains(t, body.Error, "password")
}

func TestErrorResponseShortfallDetails(t *testing.T) {
	// GIVEN: the workflow wraps the ledger error in an AppError
	err := apperror.Wrap(&ledger.InsufficientBalanceError{
		Available: ledger.Days(1.5),
		Requested: ledger.Days(2),
		Shortfall: ledger.Days(0.5),
	}, workflow.CodeInsufficientBalance, "Not enough balance for this request", http.StatusUnprocessableEntity)

	// WHEN
	status, body := errorResponse(err)

	// THEN: the numbers survive the wrapping
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, map[string]string{"available": "1.5", "requested": "2", "shortfall": "0.5"}, body.Details)
}
