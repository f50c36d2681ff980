package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/warp/leave-engine/ledger"
	"github.com/warp/leave-engine/request"
	"github.com/warp/leave-engine/uow"
)

// AvailableBalance returns opening + accrued - consumed - reserved. A balance
// nobody has touched yet reports its policy opening entitlement.
func (e *Engine) AvailableBalance(ctx context.Context, key ledger.BalanceKey) (ledger.Quantity, error) {
	b, err := e.Balance(ctx, key)
	if err != nil {
		return ledger.Quantity{}, err
	}
	return b.Available(), nil
}

// Balance returns the cached row, or a synthetic empty row for an untouched
// balance. It never creates anything.
func (e *Engine) Balance(ctx context.Context, key ledger.BalanceKey) (ledger.Balance, error) {
	if err := key.Validate(); err != nil {
		return ledger.Balance{}, err
	}
	var b ledger.Balance
	err := e.inTx(ctx, "balance", func(repos uow.Repos) error {
		var err error
		b, err = repos.Ledger.GetBalance(ctx, key)
		return err
	})
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, ledger.ErrBalanceNotFound) {
		return ledger.Balance{}, err
	}
	opening, err := e.openingBalance(ctx, key)
	if err != nil {
		return ledger.Balance{}, err
	}
	return ledger.NewBalance(key, opening, e.now()), nil
}

// History returns the ledger entries of a balance in replay order.
func (e *Engine) History(ctx context.Context, key ledger.BalanceKey) ([]ledger.Entry, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	var entries []ledger.Entry
	err := e.inTx(ctx, "history", func(repos uow.Repos) error {
		var err error
		entries, err = repos.Ledger.Entries(ctx, key.ID())
		return err
	})
	return entries, err
}

// VerifyBalance replays the entries of a balance and reports drift against
// the cached row. An untouched balance has nothing to verify.
func (e *Engine) VerifyBalance(ctx context.Context, key ledger.BalanceKey) error {
	if err := key.Validate(); err != nil {
		return err
	}
	return e.inTx(ctx, "verify", func(repos uow.Repos) error {
		b, err := repos.Ledger.GetBalance(ctx, key)
		if errors.Is(err, ledger.ErrBalanceNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		entries, err := repos.Ledger.Entries(ctx, b.ID)
		if err != nil {
			return err
		}
		return ledger.Verify(b, entries)
	})
}

// Get returns a request of the given tenant.
func (e *Engine) Get(ctx context.Context, tenantID, id string) (*request.Request, error) {
	var r *request.Request
	err := e.inTx(ctx, "get", func(repos uow.Repos) error {
		var err error
		r, err = repos.Requests.Get(ctx, id)
		return err
	})
	if errors.Is(err, request.ErrNotFound) {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get request: %w", err)
	}
	if r.TenantID != tenantID {
		return nil, ErrRequestNotFound
	}
	return r, nil
}

func (e *Engine) ListByEmployee(ctx context.Context, tenantID, employeeID string) ([]*request.Request, error) {
	var out []*request.Request
	err := e.inTx(ctx, "list", func(repos uow.Repos) error {
		var err error
		out, err = repos.Requests.ListByEmployee(ctx, tenantID, employeeID)
		return err
	})
	return out, err
}

// CanView reports whether the actor may read an employee's requests and
// balances: the employee themself, their supervisor, or anyone HR-capable.
func (e *Engine) CanView(ctx context.Context, tenantID, actorID, employeeID string) error {
	actor, err := e.resolveActor(ctx, tenantID, actorID)
	if err != nil {
		return err
	}
	if actor.Role.HRCapable() || (actor.EmployeeID != nil && *actor.EmployeeID == employeeID) {
		return nil
	}
	emp, err := e.authz.Employee(ctx, tenantID, employeeID)
	if err != nil {
		return e.mapLookupError(err)
	}
	if emp.SupervisorID != actor.ID {
		return ErrNotAuthorized
	}
	return nil
}

// CanAdminister reports whether the actor may run tenant-wide maintenance.
func (e *Engine) CanAdminister(ctx context.Context, tenantID, actorID string) error {
	actor, err := e.resolveActor(ctx, tenantID, actorID)
	if err != nil {
		return err
	}
	if !actor.Role.HRCapable() {
		return ErrNotAuthorized
	}
	return nil
}
