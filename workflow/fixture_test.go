package workflow_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/leave-engine/audit"
	"github.com/warp/leave-engine/authz"
	"github.com/warp/leave-engine/ledger"
	"github.com/warp/leave-engine/notify"
	"github.com/warp/leave-engine/policy"
	"github.com/warp/leave-engine/request"
	"github.com/warp/leave-engine/store/memory"
	"github.com/warp/leave-engine/store/sqlite"
	"github.com/warp/leave-engine/uow"
	"github.com/warp/leave-engine/workflow"
)

// =============================================================================
// FIXTURE
//
//   u-alice  employee    -> e-alice (regular, comp-eligible, supervised by u-bob)
//   u-carl   employee    -> e-carl  (regular, NOT comp-eligible, supervised by u-bob)
//   u-dana   employee    -> e-dana  (no supervisor)
//   u-bob    supervisor  -> e-bob   (supervised by u-hana)
//   u-hana   hr          -> e-hana
//   u-max    hr + supervisor of e-max2
//
//   vacation: 5 days, two-stage
//   quick:    3 days, supervisor only
//   unpaid, compensatory, overtime -> compensatory at 8h/day
// =============================================================================

const tenant = "acme"

var march10 = time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

type fixture struct {
	t        *testing.T
	store    *memory.Store
	engine   *workflow.Engine
	notifier *recordingNotifier
}

func newFixture(t *testing.T, opts ...workflow.Option) *fixture {
	t.Helper()
	return newFixtureWithUoW(t, nil, opts...)
}

// newFixtureWithUoW lets a test wrap the memory store's unit of work.
func newFixtureWithUoW(t *testing.T, wrap func(uow.UnitOfWork) uow.UnitOfWork, opts ...workflow.Option) *fixture {
	t.Helper()
	st := memory.New()
	f := newFixtureOn(t, st, wrap, opts...)
	f.store = st
	return f
}

// newSQLiteFixture runs the same fixture on a SQLite file. f.store is nil.
func newSQLiteFixture(t *testing.T, opts ...workflow.Option) *fixture {
	t.Helper()
	st, err := sqlite.New(filepath.Join(t.TempDir(), "leave.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return newFixtureOn(t, st, nil, opts...)
}

// backends lists the stores the concurrency tests run against.
var backends = map[string]func(*testing.T) *fixture{
	"memory": func(t *testing.T) *fixture { return newFixture(t) },
	"sqlite": func(t *testing.T) *fixture { return newSQLiteFixture(t) },
}

type fixtureStore interface {
	uow.UnitOfWork
	audit.Sink
}

func newFixtureOn(t *testing.T, st fixtureStore, wrap func(uow.UnitOfWork) uow.UnitOfWork, opts ...workflow.Option) *fixture {
	t.Helper()

	dir, err := authz.NewDirectory()
	require.NoError(t, err)
	for _, g := range []struct {
		actor, employee string
		roles           []authz.Role
	}{
		{"u-alice", "e-alice", []authz.Role{authz.RoleEmployee}},
		{"u-carl", "e-carl", []authz.Role{authz.RoleEmployee}},
		{"u-dana", "e-dana", []authz.Role{authz.RoleEmployee}},
		{"u-bob", "e-bob", []authz.Role{authz.RoleSupervisor}},
		{"u-hana", "e-hana", []authz.Role{authz.RoleHR}},
		{"u-max", "e-max", []authz.Role{authz.RoleSupervisor, authz.RoleHR}},
	} {
		for _, r := range g.roles {
			require.NoError(t, dir.Grant(tenant, g.actor, r))
		}
		dir.Link(tenant, g.actor, g.employee)
	}
	for _, e := range []authz.Employee{
		{ID: "e-alice", SupervisorID: "u-bob", CompensatoryEligible: true},
		{ID: "e-carl", SupervisorID: "u-bob"},
		{ID: "e-dana"},
		{ID: "e-bob", SupervisorID: "u-hana", CompensatoryEligible: true},
		{ID: "e-hana", SupervisorID: "u-max"},
		{ID: "e-max2", SupervisorID: "u-max", CompensatoryEligible: true},
	} {
		e.TenantID = tenant
		e.EmploymentStatus = policy.StatusRegular
		dir.PutEmployee(e)
	}

	catalog, err := policy.NewCatalog(
		policy.VacationLeave("vacation", 5),
		policy.SupervisorOnly(policy.VacationLeave("quick", 3)),
		policy.UnpaidLeave("unpaid"),
		policy.CompensatoryLeave("compensatory"),
		policy.Overtime("overtime", "compensatory", 8),
	)
	require.NoError(t, err)

	n := &recordingNotifier{}
	base := []workflow.Option{
		workflow.WithLogger(zap.NewNop()),
		workflow.WithAudit(audit.NewEmitter(zap.NewNop(), time.Second, st)),
		workflow.WithNotifier(n),
		workflow.WithRetry(3, 0),
	}
	var u uow.UnitOfWork = st
	if wrap != nil {
		u = wrap(st)
	}
	return &fixture{
		t:        t,
		engine:   workflow.New(u, dir, catalog, append(base, opts...)...),
		notifier: n,
	}
}

func (f *fixture) submitLeave(actor, employee, typeID string, days float64) (*request.Request, error) {
	end := march10.AddDate(0, 0, 4)
	return f.engine.Submit(context.Background(), workflow.SubmitInput{
		TenantID:          tenant,
		ActorID:           actor,
		EmployeeID:        employee,
		EntitlementTypeID: typeID,
		Quantity:          decimal.NewFromFloat(days),
		StartDate:         march10,
		EndDate:           &end,
		Reason:            "family trip",
	})
}

func (f *fixture) mustSubmitLeave(days float64) *request.Request {
	f.t.Helper()
	r, err := f.submitLeave("u-alice", "e-alice", "vacation", days)
	require.NoError(f.t, err)
	return r
}

func (f *fixture) submitOvertime(actor, employee string, hours float64) (*request.Request, error) {
	return f.engine.Submit(context.Background(), workflow.SubmitInput{
		TenantID:          tenant,
		ActorID:           actor,
		EmployeeID:        employee,
		EntitlementTypeID: "overtime",
		Quantity:          decimal.NewFromFloat(hours),
		StartDate:         march10,
		Reason:            "release night",
	})
}

func (f *fixture) decide(actor string, r *request.Request, d workflow.Decision, remarks string) (*request.Request, error) {
	return f.engine.Decide(context.Background(), workflow.DecideInput{
		TenantID:  tenant,
		ActorID:   actor,
		RequestID: r.ID,
		Decision:  d,
		Remarks:   remarks,
	})
}

func (f *fixture) approve(actor string, r *request.Request) (*request.Request, error) {
	return f.decide(actor, r, workflow.DecisionApprove, "")
}

func (f *fixture) cancel(actor string, r *request.Request) (*request.Request, error) {
	return f.engine.Cancel(context.Background(), workflow.CancelInput{
		TenantID:  tenant,
		ActorID:   actor,
		RequestID: r.ID,
	})
}

func (f *fixture) balance(employee, typeID string) ledger.Balance {
	f.t.Helper()
	b, err := f.engine.Balance(context.Background(), ledger.BalanceKey{
		TenantID: tenant, EmployeeID: employee, EntitlementTypeID: typeID, Year: 2025,
	})
	require.NoError(f.t, err)
	return b
}

func (f *fixture) verify(employee, typeID string) {
	f.t.Helper()
	require.NoError(f.t, f.engine.VerifyBalance(context.Background(), ledger.BalanceKey{
		TenantID: tenant, EmployeeID: employee, EntitlementTypeID: typeID, Year: 2025,
	}))
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// =============================================================================
// TEST DOUBLES
// =============================================================================

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
	err  error
}

func (n *recordingNotifier) Notify(_ context.Context, msg notify.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return n.err
}

func (n *recordingNotifier) all() []notify.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Notification(nil), n.sent...)
}

// flakyUoW fails the first `failures` transactions with uow.ErrConflict
// before delegating.
type flakyUoW struct {
	inner    uow.UnitOfWork
	mu       sync.Mutex
	failures int
	calls    int
}

func (u *flakyUoW) WithinTx(ctx context.Context, fn func(uow.Repos) error) error {
	u.mu.Lock()
	u.calls++
	fail := u.failures > 0
	if fail {
		u.failures--
	}
	u.mu.Unlock()
	if fail {
		return uow.ErrConflict
	}
	return u.inner.WithinTx(ctx, fn)
}

type failingSink struct{}

func (failingSink) Append(context.Context, audit.Record) error {
	return context.DeadlineExceeded
}
