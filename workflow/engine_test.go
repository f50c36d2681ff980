package workflow_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/leave-engine/apperror"
	"github.com/warp/leave-engine/audit"
	"github.com/warp/leave-engine/ledger"
	"github.com/warp/leave-engine/notify"
	"github.com/warp/leave-engine/request"
	"github.com/warp/leave-engine/uow"
	"github.com/warp/leave-engine/workflow"
)

// =============================================================================
// END-TO-END SCENARIOS
// =============================================================================

func TestScenario_InsufficientBalanceOnSecondRequest(t *testing.T) {
	f := newFixture(t)

	// GIVEN: 5 days of vacation, all reserved by a pending request
	first := f.mustSubmitLeave(5)
	assert.Equal(t, request.StatusPending, first.Status)
	assert.True(t, f.balance("e-alice", "vacation").Available().IsZero())

	// WHEN: one more day is requested
	_, err := f.submitLeave("u-alice", "e-alice", "vacation", 1)

	// THEN: refused with a client-safe insufficient balance error
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	appErr := apperror.From(err)
	assert.Equal(t, workflow.CodeInsufficientBalance, appErr.Code)
	assert.Equal(t, http.StatusUnprocessableEntity, appErr.HTTPStatus)

	// AND: no request row was left behind
	list, err := f.engine.ListByEmployee(context.Background(), tenant, "e-alice")
	require.NoError(t, err)
	assert.Len(t, list, 1)
	f.verify("e-alice", "vacation")
}

func TestScenario_HRRejectReleasesReservation(t *testing.T) {
	f := newFixture(t)
	r := f.mustSubmitLeave(5)

	r, err := f.approve("u-bob", r)
	require.NoError(t, err)
	assert.Equal(t, request.StatusSupervisorApproved, r.Status)
	assert.True(t, f.balance("e-alice", "vacation").Reserved.Equal(dec("5")), "supervisor approval has no ledger effect")

	r, err = f.decide("u-hana", r, workflow.DecisionReject, "peak season")
	require.NoError(t, err)

	assert.Equal(t, request.StatusRejected, r.Status)
	require.NotNil(t, r.RejectionReason)
	assert.Equal(t, "peak season", *r.RejectionReason)
	require.NotNil(t, r.HRApproverID)
	assert.Equal(t, "u-hana", *r.HRApproverID)

	b := f.balance("e-alice", "vacation")
	assert.True(t, b.Reserved.IsZero())
	assert.True(t, b.Consumed.IsZero())
	assert.True(t, b.Available().Value.Equal(dec("5")))
	f.verify("e-alice", "vacation")
}

func TestScenario_OvertimeConvertsOnceOnHRApproval(t *testing.T) {
	f := newFixture(t)

	r, err := f.submitOvertime("u-alice", "e-alice", 8)
	require.NoError(t, err)
	assert.Equal(t, "OT-2025-000001", r.Number)
	assert.False(t, r.BalanceBearing)

	r, err = f.approve("u-bob", r)
	require.NoError(t, err)
	assert.True(t, f.balance("e-alice", "compensatory").Accrued.IsZero(), "no credit before HR approval")

	r, err = f.approve("u-hana", r)
	require.NoError(t, err)
	assert.Equal(t, request.StatusApproved, r.Status)

	comp := f.balance("e-alice", "compensatory")
	assert.True(t, comp.Accrued.Equal(dec("1")))
	assert.True(t, comp.Available().Value.Equal(dec("1")))

	// Re-invoking the final approval is refused and credits nothing more
	_, err = f.approve("u-hana", r)
	require.ErrorIs(t, err, workflow.ErrStaleTransition)
	assert.True(t, f.balance("e-alice", "compensatory").Accrued.Equal(dec("1")))
	f.verify("e-alice", "compensatory")
}

func TestScenario_CancelAfterSupervisorApproval(t *testing.T) {
	f := newFixture(t)
	r := f.mustSubmitLeave(5)

	_, err := f.approve("u-bob", r)
	require.NoError(t, err)

	r, err = f.cancel("u-alice", r)
	require.NoError(t, err)
	assert.Equal(t, request.StatusCancelled, r.Status)
	assert.NotNil(t, r.CancelledAt)

	b := f.balance("e-alice", "vacation")
	assert.True(t, b.Reserved.IsZero())
	assert.True(t, b.Available().Value.Equal(dec("5")))
	f.verify("e-alice", "vacation")
}

// =============================================================================
// LEDGER PAIRING
// =============================================================================

func TestHRApprovalConsumesReservation(t *testing.T) {
	f := newFixture(t)
	r := f.mustSubmitLeave(3)

	_, err := f.approve("u-bob", r)
	require.NoError(t, err)
	r, err = f.approve("u-hana", r)
	require.NoError(t, err)

	assert.Equal(t, request.StatusApproved, r.Status)
	assert.NotNil(t, r.SupervisorDecisionAt)
	assert.NotNil(t, r.HRDecisionAt)

	b := f.balance("e-alice", "vacation")
	assert.True(t, b.Consumed.Equal(dec("3")))
	assert.True(t, b.Reserved.IsZero())
	assert.True(t, b.Available().Value.Equal(dec("2")))

	entries, err := f.engine.History(context.Background(), r.BalanceKey())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ledger.KindReserve, entries[0].Kind)
	assert.Equal(t, ledger.KindConsume, entries[1].Kind)
	assert.Equal(t, r.Number, entries[1].SourceRequestNumber)
	assert.Equal(t, "u-hana", entries[1].ProcessedBy)
}

func TestSupervisorRejectRoundTrip(t *testing.T) {
	f := newFixture(t)
	before := f.balance("e-alice", "vacation").Available()

	r := f.mustSubmitLeave(2.5)
	_, err := f.decide("u-bob", r, workflow.DecisionReject, "not this week")
	require.NoError(t, err)

	assert.True(t, f.balance("e-alice", "vacation").Available().Equal(before))
	f.verify("e-alice", "vacation")
}

func TestSingleStageTypeFinalizesOnSupervisorApproval(t *testing.T) {
	f := newFixture(t)
	r, err := f.submitLeave("u-alice", "e-alice", "quick", 3)
	require.NoError(t, err)
	assert.False(t, r.RequiresHRApproval)

	r, err = f.approve("u-bob", r)
	require.NoError(t, err)
	assert.Equal(t, request.StatusApproved, r.Status)
	assert.Nil(t, r.HRApproverID)

	b := f.balance("e-alice", "quick")
	assert.True(t, b.Consumed.Equal(dec("3")))
	assert.True(t, b.Reserved.IsZero())
}

func TestNonBalanceBearingLeaveTouchesNoLedger(t *testing.T) {
	f := newFixture(t)
	r, err := f.submitLeave("u-alice", "e-alice", "unpaid", 5)
	require.NoError(t, err)

	_, err = f.approve("u-bob", r)
	require.NoError(t, err)
	r, err = f.approve("u-hana", r)
	require.NoError(t, err)
	assert.Equal(t, request.StatusApproved, r.Status)

	entries, err := f.engine.History(context.Background(), r.BalanceKey())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestOvertimeCredit(t *testing.T) {
	tests := []struct {
		name     string
		actor    string
		employee string
		hours    float64
		want     string
	}{
		{"partial day kept exactly", "u-alice", "e-alice", 3, "0.375"},
		{"ineligible employee earns nothing", "u-carl", "e-carl", 8, "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			r, err := f.submitOvertime(tt.actor, tt.employee, tt.hours)
			require.NoError(t, err)
			_, err = f.approve("u-bob", r)
			require.NoError(t, err)
			r, err = f.approve("u-hana", r)
			require.NoError(t, err)
			assert.Equal(t, request.StatusApproved, r.Status)

			assert.True(t, f.balance(tt.employee, "compensatory").Accrued.Equal(dec(tt.want)))
		})
	}
}

// =============================================================================
// AUTHORITY
// =============================================================================

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	valid := func() workflow.SubmitInput {
		return workflow.SubmitInput{
			TenantID:          tenant,
			ActorID:           "u-alice",
			EmployeeID:        "e-alice",
			EntitlementTypeID: "vacation",
			Quantity:          decimal.NewFromInt(1),
			StartDate:         march10,
		}
	}

	tests := []struct {
		name   string
		mutate func(*workflow.SubmitInput)
		want   error
	}{
		{"zero quantity", func(in *workflow.SubmitInput) { in.Quantity = decimal.Zero }, workflow.ErrInvalidQuantity},
		{"negative quantity", func(in *workflow.SubmitInput) { in.Quantity = decimal.NewFromInt(-2) }, workflow.ErrInvalidQuantity},
		{"finer than four places", func(in *workflow.SubmitInput) {
			in.Quantity = decimal.RequireFromString("0.00001")
		}, workflow.ErrInvalidQuantity},
		{"unknown actor", func(in *workflow.SubmitInput) { in.ActorID = "u-ghost" }, workflow.ErrUnknownActor},
		{"unknown type", func(in *workflow.SubmitInput) { in.EntitlementTypeID = "sabbatical" }, workflow.ErrUnknownEntitlementType},
		{"filing for a colleague", func(in *workflow.SubmitInput) { in.EmployeeID = "e-carl" }, workflow.ErrNotAuthorized},
		{"no supervisor", func(in *workflow.SubmitInput) {
			in.ActorID, in.EmployeeID = "u-dana", "e-dana"
		}, workflow.ErrNoSupervisor},
		{"end before start", func(in *workflow.SubmitInput) {
			end := march10.AddDate(0, 0, -1)
			in.EndDate = &end
		}, workflow.ErrInvalidDates},
		{"spans two years", func(in *workflow.SubmitInput) {
			in.StartDate = time.Date(2025, 12, 30, 0, 0, 0, 0, time.UTC)
			end := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
			in.EndDate = &end
		}, workflow.ErrInvalidDates},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := valid()
			tt.mutate(&in)
			_, err := f.engine.Submit(ctx, in)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	t.Run("missing tenant", func(t *testing.T) {
		in := valid()
		in.TenantID = ""
		_, err := f.engine.Submit(ctx, in)
		require.Error(t, err)
		assert.Equal(t, apperror.CodeInvalidInput, apperror.From(err).Code)
	})

	// Nothing above reached the ledger
	assert.True(t, f.balance("e-alice", "vacation").Reserved.IsZero())

	t.Run("trailing zeros past four places", func(t *testing.T) {
		in := valid()
		in.Quantity = decimal.RequireFromString("1.500000")
		r, err := f.engine.Submit(ctx, in)
		require.NoError(t, err)
		assert.True(t, r.Quantity.Value.Equal(decimal.RequireFromString("1.5")))
	})
}

func TestHRMayFileOnBehalf(t *testing.T) {
	f := newFixture(t)

	r, err := f.submitLeave("u-hana", "e-alice", "vacation", 2)
	require.NoError(t, err)
	assert.Equal(t, "u-hana", r.RequestedBy)
	assert.Equal(t, "e-alice", r.EmployeeID)
	assert.Equal(t, "u-bob", r.SupervisorApproverID)

	// Only the requester may cancel
	_, err = f.cancel("u-alice", r)
	assert.ErrorIs(t, err, workflow.ErrNotAuthorized)
	_, err = f.cancel("u-hana", r)
	assert.NoError(t, err)
}

func TestDecideAuthority(t *testing.T) {
	t.Run("employee who is not the supervisor", func(t *testing.T) {
		f := newFixture(t)
		r := f.mustSubmitLeave(1)
		_, err := f.approve("u-carl", r)
		assert.ErrorIs(t, err, workflow.ErrNotAuthorized)
	})

	t.Run("supervisor pinning the HR stage", func(t *testing.T) {
		f := newFixture(t)
		r := f.mustSubmitLeave(1)
		hr := workflow.StageHR
		_, err := f.engine.Decide(context.Background(), workflow.DecideInput{
			TenantID: tenant, ActorID: "u-bob", RequestID: r.ID,
			Decision: workflow.DecisionApprove, Stage: &hr,
		})
		assert.ErrorIs(t, err, workflow.ErrNotAuthorized)
	})

	t.Run("reject without remarks", func(t *testing.T) {
		f := newFixture(t)
		r := f.mustSubmitLeave(1)
		_, err := f.decide("u-bob", r, workflow.DecisionReject, "")
		assert.ErrorIs(t, err, workflow.ErrRemarksRequired)
	})

	t.Run("reject with blank remarks", func(t *testing.T) {
		// GIVEN
		f := newFixture(t)
		r := f.mustSubmitLeave(1)

		// WHEN
		_, err := f.decide("u-bob", r, workflow.DecisionReject, " \t\n")

		// THEN: refused and the request is still waiting
		assert.ErrorIs(t, err, workflow.ErrRemarksRequired)
		got, err := f.engine.Get(context.Background(), tenant, r.ID)
		require.NoError(t, err)
		assert.Equal(t, request.StatusPending, got.Status)
	})

	t.Run("deciding own request", func(t *testing.T) {
		f := newFixture(t)
		r, err := f.submitLeave("u-hana", "e-hana", "vacation", 1)
		require.NoError(t, err)
		_, err = f.approve("u-max", r)
		require.NoError(t, err)

		_, err = f.approve("u-hana", r)
		assert.ErrorIs(t, err, workflow.ErrNotAuthorized)
	})

	t.Run("request of another tenant", func(t *testing.T) {
		f := newFixture(t)
		r := f.mustSubmitLeave(1)
		_, err := f.engine.Decide(context.Background(), workflow.DecideInput{
			TenantID: "globex", ActorID: "u-bob", RequestID: r.ID, Decision: workflow.DecisionApprove,
		})
		assert.Error(t, err)

		_, err = f.engine.Get(context.Background(), "globex", r.ID)
		assert.ErrorIs(t, err, workflow.ErrRequestNotFound)
	})
}

func TestSupervisorWithHRRoleActsAtCurrentStage(t *testing.T) {
	f := newFixture(t)
	r, err := f.submitLeave("u-hana", "e-max2", "vacation", 2)
	require.NoError(t, err)

	r, err = f.approve("u-max", r)
	require.NoError(t, err)
	assert.Equal(t, request.StatusSupervisorApproved, r.Status)

	r, err = f.approve("u-max", r)
	require.NoError(t, err)
	assert.Equal(t, request.StatusApproved, r.Status)
	require.NotNil(t, r.HRApproverID)
	assert.Equal(t, "u-max", *r.HRApproverID)
	assert.True(t, f.balance("e-max2", "vacation").Consumed.Equal(dec("2")))
}

// =============================================================================
// STATE MACHINE
// =============================================================================

func TestApprovedIsNeverReachedFromPending(t *testing.T) {
	f := newFixture(t)
	r := f.mustSubmitLeave(1)

	_, err := f.approve("u-hana", r)
	require.ErrorIs(t, err, workflow.ErrStaleTransition)

	got, err := f.engine.Get(context.Background(), tenant, r.ID)
	require.NoError(t, err)
	assert.Equal(t, request.StatusPending, got.Status)
	assert.True(t, f.balance("e-alice", "vacation").Consumed.IsZero())
}

func TestTerminalRequestsAreFrozen(t *testing.T) {
	f := newFixture(t)
	r := f.mustSubmitLeave(1)
	_, err := f.cancel("u-alice", r)
	require.NoError(t, err)

	_, err = f.cancel("u-alice", r)
	assert.ErrorIs(t, err, workflow.ErrStaleTransition)
	_, err = f.approve("u-bob", r)
	assert.ErrorIs(t, err, workflow.ErrStaleTransition)
	_, err = f.decide("u-bob", r, workflow.DecisionReject, "late")
	assert.ErrorIs(t, err, workflow.ErrStaleTransition)

	got, err := f.engine.Get(context.Background(), tenant, r.ID)
	require.NoError(t, err)
	assert.Equal(t, request.StatusCancelled, got.Status)
	f.verify("e-alice", "vacation")
}

func TestRequestNumbersAreSequentialPerKind(t *testing.T) {
	f := newFixture(t)
	a := f.mustSubmitLeave(1)
	b := f.mustSubmitLeave(1)
	ot, err := f.submitOvertime("u-alice", "e-alice", 2)
	require.NoError(t, err)

	assert.Equal(t, "LV-2025-000001", a.Number)
	assert.Equal(t, "LV-2025-000002", b.Number)
	assert.Equal(t, "OT-2025-000001", ot.Number)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestConcurrentDecisionsExactlyOneWins(t *testing.T) {
	for name, newF := range backends {
		t.Run(name, func(t *testing.T) {
			// GIVEN
			f := newF(t)
			r := f.mustSubmitLeave(5)

			// WHEN: approve and reject race
			var (
				wg   sync.WaitGroup
				errs = make([]error, 2)
			)
			decisions := []func() error{
				func() error { _, err := f.approve("u-bob", r); return err },
				func() error { _, err := f.decide("u-bob", r, workflow.DecisionReject, "no"); return err },
			}
			for i, d := range decisions {
				wg.Add(1)
				go func(i int, d func() error) {
					defer wg.Done()
					errs[i] = d()
				}(i, d)
			}
			wg.Wait()

			// THEN
			var wins, stale int
			for _, err := range errs {
				switch {
				case err == nil:
					wins++
				case errors.Is(err, workflow.ErrStaleTransition):
					stale++
				}
			}
			assert.Equal(t, 1, wins)
			assert.Equal(t, 1, stale)

			got, err := f.engine.Get(context.Background(), tenant, r.ID)
			require.NoError(t, err)
			b := f.balance("e-alice", "vacation")
			switch got.Status {
			case request.StatusSupervisorApproved:
				assert.True(t, b.Reserved.Equal(dec("5")))
			case request.StatusRejected:
				assert.True(t, b.Reserved.IsZero())
			default:
				t.Fatalf("unexpected status %s", got.Status)
			}
			f.verify("e-alice", "vacation")
		})
	}
}

func TestConcurrentSubmissionsNeverOverdraw(t *testing.T) {
	for name, newF := range backends {
		t.Run(name, func(t *testing.T) {
			f := newF(t)

			const n = 8
			var (
				wg sync.WaitGroup
				mu sync.Mutex
				ok int
			)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := f.submitLeave("u-alice", "e-alice", "vacation", 2); err == nil {
						mu.Lock()
						ok++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			// 5 days cover two 2-day requests
			assert.Equal(t, 2, ok)
			b := f.balance("e-alice", "vacation")
			assert.True(t, b.Reserved.Equal(dec("4")))
			assert.False(t, b.Available().Value.IsNegative())
			f.verify("e-alice", "vacation")
		})
	}
}

// =============================================================================
// RETRIES
// =============================================================================

func TestConflictsAreRetried(t *testing.T) {
	var flaky *flakyUoW
	f := newFixtureWithUoW(t, func(inner uow.UnitOfWork) uow.UnitOfWork {
		flaky = &flakyUoW{inner: inner, failures: 2}
		return flaky
	})

	r, err := f.submitLeave("u-alice", "e-alice", "vacation", 1)
	require.NoError(t, err)
	assert.Equal(t, request.StatusPending, r.Status)
	assert.Equal(t, 3, flaky.calls)
}

func TestExhaustedRetriesReportBusy(t *testing.T) {
	var flaky *flakyUoW
	f := newFixtureWithUoW(t, func(inner uow.UnitOfWork) uow.UnitOfWork {
		flaky = &flakyUoW{inner: inner, failures: 10}
		return flaky
	})

	_, err := f.submitLeave("u-alice", "e-alice", "vacation", 1)
	require.ErrorIs(t, err, workflow.ErrBusy)
	assert.Equal(t, http.StatusServiceUnavailable, apperror.From(err).HTTPStatus)

	flaky.mu.Lock()
	flaky.failures = 0
	flaky.mu.Unlock()
	list, err := f.engine.ListByEmployee(context.Background(), tenant, "e-alice")
	require.NoError(t, err)
	assert.Empty(t, list)
}

// =============================================================================
// AUDIT & NOTIFICATIONS
// =============================================================================

func TestAuditTrailFollowsCommits(t *testing.T) {
	f := newFixture(t)
	r, err := f.submitOvertime("u-alice", "e-alice", 8)
	require.NoError(t, err)
	_, err = f.approve("u-bob", r)
	require.NoError(t, err)
	_, err = f.approve("u-hana", r)
	require.NoError(t, err)

	// A refused call audits nothing
	_, err = f.approve("u-hana", r)
	require.Error(t, err)

	var actions []audit.Action
	for _, rec := range f.store.AuditRecords() {
		actions = append(actions, rec.Action)
		assert.NotEmpty(t, rec.ID)
		assert.Equal(t, tenant, rec.TenantID)
	}
	assert.Equal(t, []audit.Action{
		audit.ActionRequestSubmitted,
		audit.ActionRequestSupervisorApproved,
		audit.ActionRequestApproved,
		audit.ActionLedgerCredit,
	}, actions)
}

func TestNotificationsGoToTheRightPeople(t *testing.T) {
	f := newFixture(t)
	r := f.mustSubmitLeave(1)
	_, err := f.approve("u-bob", r)
	require.NoError(t, err)
	_, err = f.approve("u-hana", r)
	require.NoError(t, err)

	sent := f.notifier.all()
	require.Len(t, sent, 2)
	assert.Equal(t, notify.EventSubmitted, sent[0].Event)
	assert.Equal(t, "u-bob", sent[0].RecipientID)
	assert.Equal(t, notify.EventDecided, sent[1].Event)
	assert.Equal(t, "u-alice", sent[1].RecipientID)
	assert.Equal(t, string(request.StatusApproved), sent[1].Status)
	assert.Equal(t, r.Number, sent[1].RequestNumber)
}

func TestSideEffectFailuresDoNotFailTransitions(t *testing.T) {
	f := newFixture(t, workflow.WithAudit(audit.NewEmitter(zap.NewNop(), 10*time.Millisecond, failingSink{})))
	f.notifier.err = errors.New("smtp down")

	r := f.mustSubmitLeave(1)
	r, err := f.cancel("u-alice", r)
	require.NoError(t, err)
	assert.Equal(t, request.StatusCancelled, r.Status)
	assert.Len(t, f.notifier.all(), 2)
}
