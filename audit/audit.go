/*
Package audit forwards request transitions and ledger mutations to an
append-only collaborator.

PURPOSE:
  The workflow engine collects Records while a transaction runs and hands them
  to the Emitter only after the commit succeeded. Emitting never fails from the
  caller's point of view: sink errors are logged and dropped, so a lost audit
  write can never undo or corrupt a ledger effect.

SINKS:
  - ZapSink: structured log line per record
  - store/sqlite and store/postgres: audit_log table
  - store/memory: in-process slice (tests)
*/
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Action string

const (
	ActionRequestSubmitted          Action = "request.submitted"
	ActionRequestSupervisorApproved Action = "request.supervisor_approved"
	ActionRequestApproved           Action = "request.approved"
	ActionRequestRejected           Action = "request.rejected"
	ActionRequestCancelled          Action = "request.cancelled"
	ActionLedgerReserve             Action = "ledger.reserve"
	ActionLedgerConsume             Action = "ledger.consume"
	ActionLedgerRelease             Action = "ledger.release"
	ActionLedgerCredit              Action = "ledger.credit"
)

const (
	SubjectRequest = "request"
	SubjectBalance = "entitlement_balance"
)

type Change struct {
	Field string `json:"field"`
	Old   string `json:"old,omitempty"`
	New   string `json:"new,omitempty"`
}

type Record struct {
	ID          string    `json:"id"`
	OccurredAt  time.Time `json:"occurred_at"`
	TenantID    string    `json:"tenant_id"`
	SubjectType string    `json:"subject_type"`
	SubjectID   string    `json:"subject_id"`
	Action      Action    `json:"action"`
	ActorID     string    `json:"actor_id"`
	Changes     []Change  `json:"changes"`
}

// Sink is the external append-only audit store.
type Sink interface {
	Append(ctx context.Context, rec Record) error
}

// =============================================================================
// EMITTER
// =============================================================================

type Emitter struct {
	sinks   []Sink
	timeout time.Duration
	logger  *zap.Logger
}

func NewEmitter(logger *zap.Logger, timeout time.Duration, sinks ...Sink) *Emitter {
	if logger == nil {
		logger = zap.L().Named("audit")
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Emitter{sinks: sinks, timeout: timeout, logger: logger}
}

// Emit writes every record to every sink. It never returns an error.
// The caller's cancellation is not inherited: the transition already committed.
func (e *Emitter) Emit(ctx context.Context, recs ...Record) {
	if e == nil || len(e.sinks) == 0 || len(recs) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()

	for i := range recs {
		if recs[i].ID == "" {
			recs[i].ID = uuid.NewString()
		}
		for _, sink := range e.sinks {
			if err := sink.Append(ctx, recs[i]); err != nil {
				e.logger.Warn("audit sink append failed",
					zap.String("action", string(recs[i].Action)),
					zap.String("subject_id", recs[i].SubjectID),
					zap.Error(err),
				)
			}
		}
	}
}

// =============================================================================
// ZAP SINK
// =============================================================================

type ZapSink struct {
	logger *zap.Logger
}

func NewZapSink(logger *zap.Logger) *ZapSink {
	if logger == nil {
		logger = zap.L().Named("audit")
	}
	return &ZapSink{logger: logger}
}

func (s *ZapSink) Append(_ context.Context, rec Record) error {
	s.logger.Info("audit event",
		zap.String("timestamp", rec.OccurredAt.UTC().Format(time.RFC3339)),
		zap.String("id", rec.ID),
		zap.String("tenant_id", rec.TenantID),
		zap.String("action", string(rec.Action)),
		zap.String("subject_type", rec.SubjectType),
		zap.String("subject_id", rec.SubjectID),
		zap.String("actor_id", rec.ActorID),
		zap.Any("changes", rec.Changes),
	)
	return nil
}
