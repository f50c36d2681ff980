package workflow

import (
	"net/http"

	"github.com/warp/leave-engine/apperror"
)

const (
	CodeInsufficientBalance = "INSUFFICIENT_BALANCE"
	CodeLedgerConflict      = "LEDGER_CONFLICT"
)

// Validation errors are returned before any transaction opens, except the
// authority checks that need the locked request row.
var (
	ErrUnknownActor = apperror.New(
		apperror.CodeForbidden,
		"Your account is not recognised in this organisation",
		http.StatusForbidden,
	)
	ErrNotAuthorized = apperror.New(
		apperror.CodeForbidden,
		"You are not allowed to act on this request",
		http.StatusForbidden,
	)
	ErrUnknownEmployee = apperror.New(
		apperror.CodeNotFound,
		"Employee not found",
		http.StatusNotFound,
	)
	ErrUnknownEntitlementType = apperror.New(
		apperror.CodeInvalidInput,
		"Unknown leave or overtime type",
		http.StatusBadRequest,
	)
	ErrNoSupervisor = apperror.New(
		apperror.CodeInvalidInput,
		"No supervisor is assigned to this employee",
		http.StatusUnprocessableEntity,
	)
	ErrInvalidQuantity = apperror.New(
		apperror.CodeInvalidInput,
		"Quantity must be a positive number with at most 4 decimal places",
		http.StatusBadRequest,
	)
	ErrQuantityTooLarge = apperror.New(
		apperror.CodeInvalidInput,
		"Quantity exceeds the maximum allowed for a single request",
		http.StatusUnprocessableEntity,
	)
	ErrInvalidDates = apperror.New(
		apperror.CodeInvalidInput,
		"The request dates are invalid",
		http.StatusBadRequest,
	)
	ErrRemarksRequired = apperror.New(
		apperror.CodeInvalidInput,
		"A reason is required when rejecting a request",
		http.StatusBadRequest,
	)
	ErrInvalidStage = apperror.New(
		apperror.CodeInvalidInput,
		"Unknown approval stage",
		http.StatusBadRequest,
	)
)

var (
	ErrRequestNotFound = apperror.New(
		apperror.CodeNotFound,
		"Request not found",
		http.StatusNotFound,
	)

	// ErrStaleTransition means the request is missing or no longer in the
	// status this action needs. Callers should re-fetch, not retry.
	ErrStaleTransition = apperror.New(
		apperror.CodeInvalidState,
		"This request is no longer eligible for this action",
		http.StatusConflict,
	)

	// ErrBusy is returned when serialization retries are exhausted.
	ErrBusy = apperror.New(
		apperror.CodeServiceUnavailable,
		"The request could not be processed right now, please try again",
		http.StatusServiceUnavailable,
	)
)
