/*
handlers.go - HTTP API handlers for the leave and overtime workflow

PURPOSE:
  Exposes the workflow engine via REST. Handles HTTP request/response and
  JSON, and delegates every decision to the engine.

ENDPOINTS:
  Requests:
    POST   /api/requests                     Submit leave or overtime
    GET    /api/requests/{id}                Fetch one request
    POST   /api/requests/{id}/decision       Approve or reject
    POST   /api/requests/{id}/cancel         Cancel (requester only)

  Employees:
    GET    /api/employees/{id}/requests                      List requests
    GET    /api/employees/{id}/balances/{type}?year=         Balance
    GET    /api/employees/{id}/balances/{type}/entries?year= Ledger history

  Admin (HR only):
    GET    /api/admin/reconciliation         Last drift sweep
    POST   /api/admin/reconciliation/run     Sweep now

IDENTITY:
  The acting user and tenant always come from the bearer token (see
  middleware.go), never from the body.

ERROR HANDLING:
  See errors.go. Ledger refusals keep their own code.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/leave-engine/apperror"
	"github.com/warp/leave-engine/ledger"
	"github.com/warp/leave-engine/request"
	"github.com/warp/leave-engine/workflow"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Service is the slice of *workflow.Engine the handlers use.
type Service interface {
	Submit(ctx context.Context, in workflow.SubmitInput) (*request.Request, error)
	Decide(ctx context.Context, in workflow.DecideInput) (*request.Request, error)
	Cancel(ctx context.Context, in workflow.CancelInput) (*request.Request, error)
	Get(ctx context.Context, tenantID, id string) (*request.Request, error)
	ListByEmployee(ctx context.Context, tenantID, employeeID string) ([]*request.Request, error)
	Balance(ctx context.Context, key ledger.BalanceKey) (ledger.Balance, error)
	History(ctx context.Context, key ledger.BalanceKey) ([]ledger.Entry, error)
	CanView(ctx context.Context, tenantID, actorID, employeeID string) error
	CanAdminister(ctx context.Context, tenantID, actorID string) error
}

type Handler struct {
	service   Service
	scheduler *ReconciliationScheduler
	logger    *zap.Logger
	now       func() time.Time
}

type HandlerOption func(*Handler)

func WithHandlerLogger(l *zap.Logger) HandlerOption {
	return func(h *Handler) { h.logger = l }
}

// WithScheduler enables the admin reconciliation endpoints.
func WithScheduler(s *ReconciliationScheduler) HandlerOption {
	return func(h *Handler) { h.scheduler = s }
}

func WithHandlerClock(now func() time.Time) HandlerOption {
	return func(h *Handler) { h.now = now }
}

func NewHandler(service Service, opts ...HandlerOption) *Handler {
	h := &Handler{
		service: service,
		logger:  zap.L().Named("api"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// =============================================================================
// REQUEST HANDLERS
// =============================================================================

// SubmitRequest files a new request for the token's actor.
func (h *Handler) SubmitRequest(w http.ResponseWriter, r *http.Request) {
	p := MustPrincipal(r.Context())

	var body SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, r, apperror.Wrap(err, apperror.CodeInvalidInput, "Invalid request body", http.StatusBadRequest))
		return
	}
	start, err := parseDate(body.StartDate, "start_date")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var end *time.Time
	if body.EndDate != "" {
		d, err := parseDate(body.EndDate, "end_date")
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		end = &d
	}

	created, err := h.service.Submit(r.Context(), workflow.SubmitInput{
		TenantID:          p.TenantID,
		ActorID:           p.ActorID,
		EmployeeID:        body.EmployeeID,
		EntitlementTypeID: body.EntitlementTypeID,
		Quantity:          body.Quantity,
		StartDate:         start,
		EndDate:           end,
		Reason:            body.Reason,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRequestDTO(created))
}

func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	p := MustPrincipal(r.Context())

	req, err := h.service.Get(r.Context(), p.TenantID, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.service.CanView(r.Context(), p.TenantID, p.ActorID, req.EmployeeID); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTO(req))
}

func (h *Handler) DecideRequest(w http.ResponseWriter, r *http.Request) {
	p := MustPrincipal(r.Context())

	var body DecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, r, apperror.Wrap(err, apperror.CodeInvalidInput, "Invalid request body", http.StatusBadRequest))
		return
	}

	updated, err := h.service.Decide(r.Context(), workflow.DecideInput{
		TenantID:  p.TenantID,
		ActorID:   p.ActorID,
		RequestID: chi.URLParam(r, "id"),
		Decision:  body.Decision,
		Remarks:   body.Remarks,
		Stage:     body.Stage,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTO(updated))
}

func (h *Handler) CancelRequest(w http.ResponseWriter, r *http.Request) {
	p := MustPrincipal(r.Context())

	updated, err := h.service.Cancel(r.Context(), workflow.CancelInput{
		TenantID:  p.TenantID,
		ActorID:   p.ActorID,
		RequestID: chi.URLParam(r, "id"),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTO(updated))
}

// =============================================================================
// EMPLOYEE HANDLERS
// =============================================================================

func (h *Handler) ListEmployeeRequests(w http.ResponseWriter, r *http.Request) {
	p := MustPrincipal(r.Context())
	employeeID := chi.URLParam(r, "id")

	if err := h.service.CanView(r.Context(), p.TenantID, p.ActorID, employeeID); err != nil {
		h.writeError(w, r, err)
		return
	}
	list, err := h.service.ListByEmployee(r.Context(), p.TenantID, employeeID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	dtos := make([]RequestDTO, len(list))
	for i, req := range list {
		dtos[i] = toRequestDTO(req)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetBalance returns the balance for ?year=, defaulting to the current year.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	key, ok := h.balanceKey(w, r)
	if !ok {
		return
	}
	b, err := h.service.Balance(r.Context(), key)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(b))
}

func (h *Handler) GetBalanceEntries(w http.ResponseWriter, r *http.Request) {
	key, ok := h.balanceKey(w, r)
	if !ok {
		return
	}
	entries, err := h.service.History(r.Context(), key)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	dtos := make([]EntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) balanceKey(w http.ResponseWriter, r *http.Request) (ledger.BalanceKey, bool) {
	p := MustPrincipal(r.Context())
	key := ledger.BalanceKey{
		TenantID:          p.TenantID,
		EmployeeID:        chi.URLParam(r, "id"),
		EntitlementTypeID: chi.URLParam(r, "type"),
		Year:              h.now().Year(),
	}
	if raw := r.URL.Query().Get("year"); raw != "" {
		year, err := strconv.Atoi(raw)
		if err != nil || year < 1 {
			h.writeError(w, r, apperror.InvalidField("Year"))
			return key, false
		}
		key.Year = year
	}
	if err := h.service.CanView(r.Context(), p.TenantID, p.ActorID, key.EmployeeID); err != nil {
		h.writeError(w, r, err)
		return key, false
	}
	return key, true
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

func (h *Handler) GetReconciliation(w http.ResponseWriter, r *http.Request) {
	if !h.authorizeAdmin(w, r) {
		return
	}
	report, ok := h.scheduler.LastReport()
	if !ok {
		h.writeError(w, r, apperror.New(apperror.CodeNotFound, "No reconciliation has run yet", http.StatusNotFound))
		return
	}
	writeJSON(w, http.StatusOK, toReconciliationDTO(report))
}

func (h *Handler) RunReconciliation(w http.ResponseWriter, r *http.Request) {
	if !h.authorizeAdmin(w, r) {
		return
	}
	report, err := h.scheduler.RunNow(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReconciliationDTO(report))
}

func (h *Handler) authorizeAdmin(w http.ResponseWriter, r *http.Request) bool {
	p := MustPrincipal(r.Context())
	if err := h.service.CanAdminister(r.Context(), p.TenantID, p.ActorID); err != nil {
		h.writeError(w, r, err)
		return false
	}
	return true
}

// =============================================================================
// HELPERS
// =============================================================================

func parseDate(raw, field string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, apperror.RequiredField(formatField(field))
	}
	t, err := time.Parse(dateLayout, raw)
	if err != nil {
		return time.Time{}, apperror.Wrap(err, apperror.CodeInvalidInput,
			formatField(field)+" must be a date in YYYY-MM-DD format", http.StatusBadRequest)
	}
	return t, nil
}

func formatField(field string) string {
	switch field {
	case "start_date":
		return "Start Date"
	case "end_date":
		return "End Date"
	}
	return field
}
