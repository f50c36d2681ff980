/*
Package workflow is the approval engine for leave and overtime requests.

PURPOSE:
  Every public operation is one unit of work: the request row and the
  balance row are locked, the status precondition is checked, the paired
  (status change, ledger effect) is written, and the transaction commits.
  Nothing else may mutate requests or balances.

TRANSITIONS:
  Submit              -> PENDING              reserve (balance-bearing only)
  supervisor approve  -> SUPERVISOR_APPROVED  no ledger effect
                      -> APPROVED             consume (+ credit), single-stage types
  supervisor reject   -> REJECTED             release
  hr approve          -> APPROVED             consume (+ compensatory credit)
  hr reject           -> REJECTED             release
  requester cancel    -> CANCELLED            release

AFTER COMMIT:
  Audit records and notifications are emitted only once the transaction
  has committed. Neither can fail the call.

RETRIES:
  Only uow.ErrConflict (serialization failure, deadlock, busy) is retried,
  up to MaxAttempts. Every attempt rebuilds its state from scratch.
*/
package workflow

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/leave-engine/apperror"
	"github.com/warp/leave-engine/audit"
	"github.com/warp/leave-engine/authz"
	"github.com/warp/leave-engine/ledger"
	"github.com/warp/leave-engine/notify"
	"github.com/warp/leave-engine/policy"
	"github.com/warp/leave-engine/request"
	"github.com/warp/leave-engine/uow"
)

// quantityPlaces is the precision every store keeps (NUMERIC(12,4) on PostgreSQL).
const quantityPlaces = 4

type Engine struct {
	uow      uow.UnitOfWork
	authz    authz.Lookup
	policies policy.Lookup
	ledger   *ledger.Ledger
	audit    *audit.Emitter
	notifier notify.Dispatcher
	validate *validator.Validate
	logger   *zap.Logger

	maxAttempts  int
	retryBackoff time.Duration
	now          func() time.Time
	newID        func() string
}

type Option func(*Engine)

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l.Named("workflow")
		}
	}
}

func WithAudit(em *audit.Emitter) Option {
	return func(e *Engine) { e.audit = em }
}

func WithNotifier(d notify.Dispatcher) Option {
	return func(e *Engine) { e.notifier = d }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

// WithRetry sets how many times a conflicting transaction is attempted and
// the base delay between attempts.
func WithRetry(maxAttempts int, backoff time.Duration) Option {
	return func(e *Engine) {
		if maxAttempts > 0 {
			e.maxAttempts = maxAttempts
		}
		if backoff >= 0 {
			e.retryBackoff = backoff
		}
	}
}

func New(u uow.UnitOfWork, directory authz.Lookup, policies policy.Lookup, opts ...Option) *Engine {
	e := &Engine{
		uow:          u,
		authz:        directory,
		policies:     policies,
		validate:     apperror.NewValidator(),
		logger:       zap.L().Named("workflow"),
		maxAttempts:  3,
		retryBackoff: 20 * time.Millisecond,
		now:          func() time.Time { return time.Now().UTC() },
		newID:        uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.ledger = ledger.New(
		ledger.WithOpenings(e.openingBalance),
		ledger.WithClock(e.now),
		ledger.WithIDGenerator(e.newID),
	)
	return e
}

// =============================================================================
// SUBMIT
// =============================================================================

func (e *Engine) Submit(ctx context.Context, in SubmitInput) (*request.Request, error) {
	e.logger.Debug("submit requested",
		zap.String("tenant_id", in.TenantID),
		zap.String("actor_id", in.ActorID),
		zap.String("employee_id", in.EmployeeID),
		zap.String("entitlement_type_id", in.EntitlementTypeID),
		zap.String("quantity", in.Quantity.String()),
	)

	if err := e.validate.Struct(in); err != nil {
		e.logger.Warn("submit validation failed", zap.Error(err))
		return nil, apperror.MapValidationError(err)
	}
	if !in.Quantity.IsPositive() || !in.Quantity.Equal(in.Quantity.Truncate(quantityPlaces)) {
		return nil, ErrInvalidQuantity
	}

	actor, err := e.resolveActor(ctx, in.TenantID, in.ActorID)
	if err != nil {
		return nil, err
	}
	onBehalf := actor.EmployeeID == nil || *actor.EmployeeID != in.EmployeeID
	if onBehalf && !actor.Role.HRCapable() {
		e.logger.Warn("submit on behalf refused",
			zap.String("actor_id", actor.ID),
			zap.String("employee_id", in.EmployeeID),
		)
		return nil, fmt.Errorf("%w: only HR may file for another employee", ErrNotAuthorized)
	}

	emp, err := e.authz.Employee(ctx, in.TenantID, in.EmployeeID)
	if err != nil {
		return nil, e.mapLookupError(err)
	}
	if emp.SupervisorID == "" {
		return nil, ErrNoSupervisor
	}
	pol, err := e.policies.Lookup(ctx, in.EntitlementTypeID, emp.EmploymentStatus)
	if err != nil {
		return nil, e.mapLookupError(err)
	}

	details, err := buildDetails(pol.Type.Kind, in)
	if err != nil {
		return nil, err
	}
	qty := ledger.Quantity{Value: in.Quantity, Unit: pol.Type.Unit}
	if limit := pol.Type.MaxRequest; limit != nil && qty.Value.GreaterThan(*limit) {
		return nil, fmt.Errorf("%w: %s > %s", ErrQuantityTooLarge, qty.Value, limit.String())
	}

	var (
		created *request.Request
		records []audit.Record
	)
	err = e.inTx(ctx, "submit", func(repos uow.Repos) error {
		records = nil
		now := e.now()

		r := &request.Request{
			ID:                   e.newID(),
			TenantID:             in.TenantID,
			EmployeeID:           in.EmployeeID,
			EntitlementTypeID:    pol.Type.ID,
			Quantity:             qty,
			Details:              details,
			Reason:               in.Reason,
			RequestedBy:          actor.ID,
			BalanceBearing:       pol.Type.BalanceBearing,
			RequiresHRApproval:   pol.Type.RequiresHRApproval,
			Status:               request.StatusPending,
			SupervisorApproverID: emp.SupervisorID,
			Version:              1,
			CreatedAt:            now,
			UpdatedAt:            now,
		}
		seq, err := repos.Requests.NextSequence(ctx, r.TenantID, r.Kind(), r.Year())
		if err != nil {
			return fmt.Errorf("allocate request number: %w", err)
		}
		r.Number = request.FormatNumber(r.Kind(), r.Year(), seq)

		if err := repos.Requests.Create(ctx, r); err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		records = append(records, requestRecord(r, audit.ActionRequestSubmitted, actor.ID, "", now))

		if r.BalanceBearing {
			res, err := e.ledger.Reserve(ctx, repos.Ledger, r.BalanceKey(), r.Quantity, r.LedgerSource(actor.ID))
			if err != nil {
				return err
			}
			records = appendLedgerRecord(records, r.TenantID, actor.ID, r.BalanceKey(), res)
		}
		created = r
		return nil
	})
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			e.logger.Warn("submit refused: insufficient balance",
				zap.String("employee_id", in.EmployeeID),
				zap.String("entitlement_type_id", in.EntitlementTypeID),
				zap.Error(err),
			)
			return nil, apperror.Wrap(err, CodeInsufficientBalance,
				"Not enough balance for this request", http.StatusUnprocessableEntity)
		}
		return nil, e.failed("submit", err)
	}

	e.logger.Info("submit success",
		zap.String("request_id", created.ID),
		zap.String("request_number", created.Number),
		zap.String("tenant_id", created.TenantID),
		zap.String("employee_id", created.EmployeeID),
	)
	e.afterCommit(ctx, records, notify.Notification{
		Event:       notify.EventSubmitted,
		RecipientID: created.SupervisorApproverID,
		ActorID:     actor.ID,
	}, created)
	return created, nil
}

// =============================================================================
// DECIDE
// =============================================================================

func (e *Engine) Decide(ctx context.Context, in DecideInput) (*request.Request, error) {
	e.logger.Debug("decide requested",
		zap.String("tenant_id", in.TenantID),
		zap.String("actor_id", in.ActorID),
		zap.String("request_id", in.RequestID),
		zap.String("decision", string(in.Decision)),
	)

	if err := e.validate.Struct(in); err != nil {
		e.logger.Warn("decide validation failed", zap.Error(err))
		return nil, apperror.MapValidationError(err)
	}
	if in.Decision == DecisionReject && strings.TrimSpace(in.Remarks) == "" {
		return nil, ErrRemarksRequired
	}
	actor, err := e.resolveActor(ctx, in.TenantID, in.ActorID)
	if err != nil {
		return nil, err
	}

	var (
		decided *request.Request
		from    request.Status
		records []audit.Record
	)
	err = e.inTx(ctx, "decide", func(repos uow.Repos) error {
		records = nil
		now := e.now()

		r, err := e.loadForUpdate(ctx, repos, in.TenantID, in.RequestID)
		if err != nil {
			return err
		}
		stage, err := resolveStage(actor, r, in.Stage)
		if err != nil {
			return err
		}
		from = r.Status
		if from != stage.source() {
			return fmt.Errorf("%w: %s is %s", ErrStaleTransition, r.Number, from)
		}

		src := r.LedgerSource(actor.ID)
		remarks := optional(in.Remarks)
		switch stage {
		case StageSupervisor:
			r.SupervisorDecisionAt = &now
			r.SupervisorRemarks = remarks
		case StageHR:
			approver := actor.ID
			r.HRApproverID = &approver
			r.HRDecisionAt = &now
			r.HRRemarks = remarks
		}

		if in.Decision == DecisionReject {
			if err := r.Transition(request.StatusRejected, now); err != nil {
				return err
			}
			reason := in.Remarks
			r.RejectionReason = &reason
			if r.BalanceBearing {
				res, err := e.ledger.Release(ctx, repos.Ledger, r.BalanceKey(), r.Quantity, src)
				if err != nil {
					return err
				}
				records = appendLedgerRecord(records, r.TenantID, actor.ID, r.BalanceKey(), res)
			}
		} else {
			if stage == StageSupervisor {
				if err := r.Transition(request.StatusSupervisorApproved, now); err != nil {
					return err
				}
			}
			if stage == StageHR || !r.RequiresHRApproval {
				if err := r.Transition(request.StatusApproved, now); err != nil {
					return err
				}
				recs, err := e.finalize(ctx, repos, r, actor.ID)
				if err != nil {
					return err
				}
				records = append(records, recs...)
			}
		}

		if err := repos.Requests.Update(ctx, r, from); err != nil {
			if errors.Is(err, request.ErrStale) {
				return fmt.Errorf("%w: %s changed concurrently", ErrStaleTransition, r.Number)
			}
			return fmt.Errorf("update request: %w", err)
		}
		records = append([]audit.Record{requestRecord(r, actionFor(r.Status), actor.ID, from, now)}, records...)
		decided = r
		return nil
	})
	if err != nil {
		return nil, e.failed("decide", err, zap.String("request_id", in.RequestID))
	}

	e.logger.Info("decide success",
		zap.String("request_id", decided.ID),
		zap.String("request_number", decided.Number),
		zap.String("actor_id", actor.ID),
		zap.String("from_status", string(from)),
		zap.String("to_status", string(decided.Status)),
	)
	n := notify.Notification{Event: notify.EventDecided, RecipientID: decided.RequestedBy, ActorID: actor.ID}
	if !decided.Status.Terminal() {
		n = notify.Notification{}
	}
	e.afterCommit(ctx, records, n, decided)
	return decided, nil
}

// finalize consumes the reservation and books any compensatory credit.
func (e *Engine) finalize(ctx context.Context, repos uow.Repos, r *request.Request, actorID string) ([]audit.Record, error) {
	var records []audit.Record
	if r.BalanceBearing {
		res, err := e.ledger.Consume(ctx, repos.Ledger, r.BalanceKey(), r.Quantity, r.LedgerSource(actorID))
		if err != nil {
			return nil, err
		}
		records = appendLedgerRecord(records, r.TenantID, actorID, r.BalanceKey(), res)
	}
	if r.Kind() != request.KindOvertime {
		return records, nil
	}

	credit, key, ok, err := e.compensatoryCredit(ctx, r)
	if err != nil || !ok {
		return records, err
	}
	res, err := e.ledger.Credit(ctx, repos.Ledger, key, credit, r.LedgerSource(actorID))
	if err != nil {
		return nil, fmt.Errorf("compensatory credit: %w", err)
	}
	e.logger.Info("compensatory credit booked",
		zap.String("request_id", r.ID),
		zap.String("target_type_id", key.EntitlementTypeID),
		zap.String("days", credit.Value.String()),
		zap.Bool("applied", res.Applied),
	)
	return appendLedgerRecord(records, r.TenantID, actorID, key, res), nil
}

// =============================================================================
// CANCEL
// =============================================================================

func (e *Engine) Cancel(ctx context.Context, in CancelInput) (*request.Request, error) {
	e.logger.Debug("cancel requested",
		zap.String("tenant_id", in.TenantID),
		zap.String("actor_id", in.ActorID),
		zap.String("request_id", in.RequestID),
	)

	if err := e.validate.Struct(in); err != nil {
		e.logger.Warn("cancel validation failed", zap.Error(err))
		return nil, apperror.MapValidationError(err)
	}
	actor, err := e.resolveActor(ctx, in.TenantID, in.ActorID)
	if err != nil {
		return nil, err
	}

	var (
		cancelled *request.Request
		from      request.Status
		records   []audit.Record
	)
	err = e.inTx(ctx, "cancel", func(repos uow.Repos) error {
		records = nil
		now := e.now()

		r, err := e.loadForUpdate(ctx, repos, in.TenantID, in.RequestID)
		if err != nil {
			return err
		}
		if r.RequestedBy != actor.ID {
			return fmt.Errorf("%w: only the requester may cancel", ErrNotAuthorized)
		}
		from = r.Status
		if !from.Open() {
			return fmt.Errorf("%w: %s is %s", ErrStaleTransition, r.Number, from)
		}
		if err := r.Transition(request.StatusCancelled, now); err != nil {
			return err
		}
		r.CancelledAt = &now

		if r.BalanceBearing {
			res, err := e.ledger.Release(ctx, repos.Ledger, r.BalanceKey(), r.Quantity, r.LedgerSource(actor.ID))
			if err != nil {
				return err
			}
			records = appendLedgerRecord(records, r.TenantID, actor.ID, r.BalanceKey(), res)
		}
		if err := repos.Requests.Update(ctx, r, from); err != nil {
			if errors.Is(err, request.ErrStale) {
				return fmt.Errorf("%w: %s changed concurrently", ErrStaleTransition, r.Number)
			}
			return fmt.Errorf("update request: %w", err)
		}
		records = append([]audit.Record{requestRecord(r, audit.ActionRequestCancelled, actor.ID, from, now)}, records...)
		cancelled = r
		return nil
	})
	if err != nil {
		return nil, e.failed("cancel", err, zap.String("request_id", in.RequestID))
	}

	e.logger.Info("cancel success",
		zap.String("request_id", cancelled.ID),
		zap.String("request_number", cancelled.Number),
		zap.String("from_status", string(from)),
	)
	e.afterCommit(ctx, records, notify.Notification{
		Event:       notify.EventCancelled,
		RecipientID: cancelled.SupervisorApproverID,
		ActorID:     actor.ID,
	}, cancelled)
	return cancelled, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (e *Engine) resolveActor(ctx context.Context, tenantID, actorID string) (authz.Actor, error) {
	actor, err := e.authz.ResolveActor(ctx, tenantID, actorID)
	if err != nil {
		e.logger.Warn("actor resolution failed",
			zap.String("tenant_id", tenantID),
			zap.String("actor_id", actorID),
			zap.Error(err),
		)
		if errors.Is(err, authz.ErrUnknownActor) {
			return authz.Actor{}, ErrUnknownActor
		}
		return authz.Actor{}, err
	}
	return actor, nil
}

func (e *Engine) mapLookupError(err error) error {
	switch {
	case errors.Is(err, authz.ErrUnknownEmployee):
		return ErrUnknownEmployee
	case errors.Is(err, policy.ErrTypeNotFound):
		return ErrUnknownEntitlementType
	}
	return err
}

func (e *Engine) loadForUpdate(ctx context.Context, repos uow.Repos, tenantID, id string) (*request.Request, error) {
	r, err := repos.Requests.GetForUpdate(ctx, id)
	if errors.Is(err, request.ErrNotFound) {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load request: %w", err)
	}
	if r.TenantID != tenantID {
		return nil, ErrRequestNotFound
	}
	return r, nil
}

// openingBalance feeds ledger.OpeningFunc from the employee's policy.
func (e *Engine) openingBalance(ctx context.Context, key ledger.BalanceKey) (ledger.Quantity, error) {
	emp, err := e.authz.Employee(ctx, key.TenantID, key.EmployeeID)
	if err != nil {
		return ledger.Quantity{}, e.mapLookupError(err)
	}
	pol, err := e.policies.Lookup(ctx, key.EntitlementTypeID, emp.EmploymentStatus)
	if err != nil {
		return ledger.Quantity{}, e.mapLookupError(err)
	}
	return pol.Annual, nil
}

// inTx runs fn in a unit of work, retrying only on transaction conflicts.
func (e *Engine) inTx(ctx context.Context, op string, fn func(uow.Repos) error) error {
	var err error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		err = e.uow.WithinTx(ctx, fn)
		if err == nil || !uow.IsConflict(err) {
			return err
		}
		e.logger.Warn("transaction conflict",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if attempt == e.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.retryBackoff * time.Duration(attempt)):
		}
	}
	return fmt.Errorf("%w: %s after %d attempts: %v", ErrBusy, op, e.maxAttempts, err)
}

// failed logs a transaction failure at the level it deserves.
func (e *Engine) failed(op string, err error, fields ...zap.Field) error {
	fields = append(fields, zap.Error(err))
	var appErr *apperror.AppError
	switch {
	case errors.As(err, &appErr), ledger.IsBalanceError(err), ledger.IsClientError(err):
		e.logger.Warn(op+" refused", fields...)
	default:
		e.logger.Error(op+" failed", fields...)
	}
	return err
}

func (e *Engine) afterCommit(ctx context.Context, records []audit.Record, n notify.Notification, r *request.Request) {
	e.audit.Emit(ctx, records...)

	if e.notifier == nil || n.Event == "" {
		return
	}
	n.TenantID = r.TenantID
	n.RequestID = r.ID
	n.RequestNumber = r.Number
	n.Kind = string(r.Kind())
	n.Status = string(r.Status)
	n.OccurredAt = r.UpdatedAt
	if err := e.notifier.Notify(context.WithoutCancel(ctx), n); err != nil {
		e.logger.Warn("notification failed",
			zap.String("event", string(n.Event)),
			zap.String("request_id", r.ID),
			zap.Error(err),
		)
	}
}

func buildDetails(kind request.Kind, in SubmitInput) (request.Details, error) {
	var d request.Details
	switch kind {
	case request.KindLeave:
		end := in.StartDate
		if in.EndDate != nil {
			end = *in.EndDate
		}
		d = request.LeaveDetails{StartDate: in.StartDate, EndDate: end}
	case request.KindOvertime:
		if in.EndDate != nil && !sameDay(*in.EndDate, in.StartDate) {
			return nil, fmt.Errorf("%w: overtime is filed per day", ErrInvalidDates)
		}
		d = request.OvertimeDetails{Date: in.StartDate}
	default:
		return nil, ErrUnknownEntitlementType
	}
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDates, err)
	}
	return d, nil
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
