/*
Package authz resolves who is acting and on whose behalf.

PURPOSE:
  The workflow engine asks two questions once per call:
    1. ResolveActor: what Role does this actor hold in this tenant, and which
       employee (if any) are they?
    2. Employee: who supervises this employee, what is their employment
       status, and may their overtime convert into compensatory leave?

  Roles are stored as casbin grouping policies with the tenant as domain,
  (g, actor, role, tenant), the same shape the HR service's RBAC uses.
  An actor with several roles resolves to the strongest one.
*/
package authz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"

	"github.com/warp/leave-engine/policy"
)

var (
	ErrUnknownActor    = errors.New("unknown actor")
	ErrUnknownEmployee = errors.New("unknown employee")
	ErrInvalidRole     = errors.New("invalid role")
)

// =============================================================================
// ROLE
// =============================================================================

type Role string

const (
	RoleEmployee   Role = "employee"
	RoleSupervisor Role = "supervisor"
	RoleHR         Role = "hr"
	RoleAdmin      Role = "admin"
)

var roleRank = map[Role]int{
	RoleEmployee:   1,
	RoleSupervisor: 2,
	RoleHR:         3,
	RoleAdmin:      4,
}

func (r Role) Valid() bool {
	_, ok := roleRank[r]
	return ok
}

// HRCapable roles may decide at the HR stage and file on behalf of others.
func (r Role) HRCapable() bool {
	return r == RoleHR || r == RoleAdmin
}

// Actor is resolved once per call and never re-derived inside the engine.
type Actor struct {
	ID       string
	TenantID string
	Role     Role

	// EmployeeID is nil for actors without an employee record
	// (service accounts, external HR staff).
	EmployeeID *string
}

type Employee struct {
	ID       string
	TenantID string

	// SupervisorID is the actor id of the assigned supervisor. Empty means
	// none is assigned and the employee cannot submit.
	SupervisorID string

	EmploymentStatus     policy.EmploymentStatus
	CompensatoryEligible bool
}

type Lookup interface {
	ResolveActor(ctx context.Context, tenantID, actorID string) (Actor, error)
	Employee(ctx context.Context, tenantID, employeeID string) (Employee, error)
}

// =============================================================================
// DIRECTORY - casbin roles + employee records
// =============================================================================

const roleModel = `[request_definition]
r = sub, dom, obj, act

[policy_definition]
p = sub, dom, obj, act

[role_definition]
g = _, _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub, r.dom) && r.dom == p.dom && r.obj == p.obj && r.act == p.act
`

type Directory struct {
	enforcer *casbin.SyncedEnforcer

	mu        sync.RWMutex
	actors    map[string]string // tenant/actor -> employee id
	employees map[string]Employee
}

func NewDirectory() (*Directory, error) {
	m, err := model.NewModelFromString(roleModel)
	if err != nil {
		return nil, fmt.Errorf("load role model: %w", err)
	}
	e, err := casbin.NewSyncedEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("create enforcer: %w", err)
	}
	return &Directory{
		enforcer:  e,
		actors:    make(map[string]string),
		employees: make(map[string]Employee),
	}, nil
}

// Grant gives an actor a role within a tenant.
func (d *Directory) Grant(tenantID, actorID string, role Role) error {
	if !role.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	if _, err := d.enforcer.AddGroupingPolicy(actorID, string(role), tenantID); err != nil {
		return fmt.Errorf("grant %s to %s: %w", role, actorID, err)
	}
	return nil
}

// Link ties an actor account to an employee record.
func (d *Directory) Link(tenantID, actorID, employeeID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.actors[tenantID+"/"+actorID] = employeeID
}

func (d *Directory) PutEmployee(e Employee) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.employees[e.TenantID+"/"+e.ID] = e
}

func (d *Directory) ResolveActor(_ context.Context, tenantID, actorID string) (Actor, error) {
	if tenantID == "" || actorID == "" {
		return Actor{}, fmt.Errorf("%w: tenant and actor are required", ErrUnknownActor)
	}
	roles, err := d.enforcer.GetRolesForUser(actorID, tenantID)
	if err != nil {
		return Actor{}, fmt.Errorf("resolve roles for %s: %w", actorID, err)
	}

	actor := Actor{ID: actorID, TenantID: tenantID}
	for _, r := range roles {
		role := Role(r)
		if roleRank[role] > roleRank[actor.Role] {
			actor.Role = role
		}
	}

	d.mu.RLock()
	empID, linked := d.actors[tenantID+"/"+actorID]
	d.mu.RUnlock()
	if linked {
		actor.EmployeeID = &empID
		if actor.Role == "" {
			actor.Role = RoleEmployee
		}
	}
	if actor.Role == "" {
		return Actor{}, fmt.Errorf("%w: %s in tenant %s", ErrUnknownActor, actorID, tenantID)
	}
	return actor, nil
}

func (d *Directory) Employee(_ context.Context, tenantID, employeeID string) (Employee, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.employees[tenantID+"/"+employeeID]
	if !ok {
		return Employee{}, fmt.Errorf("%w: %s in tenant %s", ErrUnknownEmployee, employeeID, tenantID)
	}
	return e, nil
}

// =============================================================================
// JSON LOADING
// =============================================================================

type DirectoryJSON struct {
	Actors    []ActorJSON    `json:"actors"`
	Employees []EmployeeJSON `json:"employees"`
}

type ActorJSON struct {
	ID         string   `json:"id"`
	TenantID   string   `json:"tenant_id"`
	Roles      []string `json:"roles"`
	EmployeeID string   `json:"employee_id,omitempty"`
}

type EmployeeJSON struct {
	ID                   string `json:"id"`
	TenantID             string `json:"tenant_id"`
	SupervisorID         string `json:"supervisor_id,omitempty"`
	EmploymentStatus     string `json:"employment_status"`
	CompensatoryEligible bool   `json:"compensatory_eligible"`
}

func ParseDirectory(data []byte) (*Directory, error) {
	var dj DirectoryJSON
	if err := json.Unmarshal(data, &dj); err != nil {
		return nil, fmt.Errorf("failed to parse directory JSON: %w", err)
	}
	d, err := NewDirectory()
	if err != nil {
		return nil, err
	}
	for _, a := range dj.Actors {
		for _, r := range a.Roles {
			if err := d.Grant(a.TenantID, a.ID, Role(r)); err != nil {
				return nil, err
			}
		}
		if a.EmployeeID != "" {
			d.Link(a.TenantID, a.ID, a.EmployeeID)
		}
	}
	for _, e := range dj.Employees {
		d.PutEmployee(Employee{
			ID:                   e.ID,
			TenantID:             e.TenantID,
			SupervisorID:         e.SupervisorID,
			EmploymentStatus:     policy.EmploymentStatus(e.EmploymentStatus),
			CompensatoryEligible: e.CompensatoryEligible,
		})
	}
	return d, nil
}

func LoadDirectory(path string) (*Directory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read directory file %s: %w", path, err)
	}
	return ParseDirectory(data)
}
