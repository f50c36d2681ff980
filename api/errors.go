package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/warp/leave-engine/apperror"
	"github.com/warp/leave-engine/ledger"
	"github.com/warp/leave-engine/workflow"
)

// errorResponse maps err to a status and body:
//
//	*apperror.AppError        its own status and code
//	ledger insufficient       422 INSUFFICIENT_BALANCE
//	other ledger refusals     409 LEDGER_CONFLICT
//	ledger input errors       400 INVALID_INPUT
//	caller went away          503 SERVICE_UNAVAILABLE
//	anything else             500, generic message
func errorResponse(err error) (int, ErrorDTO) {
	var (
		appErr       *apperror.AppError
		insufficient *ledger.InsufficientBalanceError
	)
	body := ErrorDTO{}
	if errors.As(err, &insufficient) {
		body.Details = map[string]string{
			"available": insufficient.Available.Value.String(),
			"requested": insufficient.Requested.Value.String(),
			"shortfall": insufficient.Shortfall.Value.String(),
		}
	}

	switch {
	case errors.As(err, &appErr):
		body.Code, body.Error = appErr.Code, appErr.Message
		return appErr.HTTPStatus, body
	case errors.Is(err, ledger.ErrInsufficientBalance):
		body.Code, body.Error = workflow.CodeInsufficientBalance, "Not enough balance for this request"
		return http.StatusUnprocessableEntity, body
	case ledger.IsBalanceError(err):
		body.Code, body.Error = workflow.CodeLedgerConflict, "The ledger already holds a conflicting entry for this request"
		return http.StatusConflict, body
	case ledger.IsClientError(err):
		body.Code, body.Error = apperror.CodeInvalidInput, apperror.ErrInvalidInput.Message
		return http.StatusBadRequest, body
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		body.Code, body.Error = apperror.CodeServiceUnavailable, apperror.ErrUnavailable.Message
		return http.StatusServiceUnavailable, body
	}
	body.Code, body.Error = apperror.ErrInternal.Code, apperror.ErrInternal.Message
	return http.StatusInternalServerError, body
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := errorResponse(err)
	fields := []zap.Field{
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Int("status", status),
		zap.String("code", body.Code),
		zap.String("http_request_id", middleware.GetReqID(r.Context())),
		zap.Error(err),
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", fields...)
	} else {
		h.logger.Debug("request refused", fields...)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeAppError is for middleware that has no Handler.
func writeAppError(w http.ResponseWriter, e *apperror.AppError) {
	writeJSON(w, e.HTTPStatus, ErrorDTO{Error: e.Message, Code: e.Code})
}
