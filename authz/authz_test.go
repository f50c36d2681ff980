package authz_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/leave-engine/authz"
	"github.com/warp/leave-engine/policy"
)

const directoryJSON = `{
  "actors": [
    {"id": "u-alice", "tenant_id": "acme", "roles": ["employee"], "employee_id": "e-alice"},
    {"id": "u-bob",   "tenant_id": "acme", "roles": ["employee", "supervisor"], "employee_id": "e-bob"},
    {"id": "u-hana",  "tenant_id": "acme", "roles": ["hr"]},
    {"id": "u-root",  "tenant_id": "globex", "roles": ["admin"]},
    {"id": "u-linked", "tenant_id": "acme", "employee_id": "e-linked"}
  ],
  "employees": [
    {"id": "e-alice", "tenant_id": "acme", "supervisor_id": "u-bob", "employment_status": "probationary", "compensatory_eligible": true}
  ]
}`

func TestResolveActor(t *testing.T) {
	d, err := authz.ParseDirectory([]byte(directoryJSON))
	require.NoError(t, err)
	ctx := context.Background()

	tests := []struct {
		tenant, actor string
		role          authz.Role
		employee      string
	}{
		{"acme", "u-alice", authz.RoleEmployee, "e-alice"},
		{"acme", "u-bob", authz.RoleSupervisor, "e-bob"},
		{"acme", "u-hana", authz.RoleHR, ""},
		{"globex", "u-root", authz.RoleAdmin, ""},
		{"acme", "u-linked", authz.RoleEmployee, "e-linked"},
	}
	for _, tt := range tests {
		t.Run(tt.actor, func(t *testing.T) {
			a, err := d.ResolveActor(ctx, tt.tenant, tt.actor)
			require.NoError(t, err)
			assert.Equal(t, tt.role, a.Role)
			if tt.employee == "" {
				assert.Nil(t, a.EmployeeID)
			} else {
				require.NotNil(t, a.EmployeeID)
				assert.Equal(t, tt.employee, *a.EmployeeID)
			}
		})
	}
}

func TestRolesAreTenantScoped(t *testing.T) {
	d, err := authz.ParseDirectory([]byte(directoryJSON))
	require.NoError(t, err)

	_, err = d.ResolveActor(context.Background(), "acme", "u-root")
	assert.ErrorIs(t, err, authz.ErrUnknownActor)
	_, err = d.ResolveActor(context.Background(), "globex", "u-hana")
	assert.ErrorIs(t, err, authz.ErrUnknownActor)
}

func TestEmployeeLookup(t *testing.T) {
	d, err := authz.ParseDirectory([]byte(directoryJSON))
	require.NoError(t, err)

	e, err := d.Employee(context.Background(), "acme", "e-alice")
	require.NoError(t, err)
	assert.Equal(t, "u-bob", e.SupervisorID)
	assert.Equal(t, policy.StatusProbationary, e.EmploymentStatus)
	assert.True(t, e.CompensatoryEligible)

	_, err = d.Employee(context.Background(), "globex", "e-alice")
	assert.ErrorIs(t, err, authz.ErrUnknownEmployee)
}

func TestGrantRejectsUnknownRole(t *testing.T) {
	d, err := authz.NewDirectory()
	require.NoError(t, err)
	assert.ErrorIs(t, d.Grant("acme", "u-x", authz.Role("owner")), authz.ErrInvalidRole)
}

func TestHRCapable(t *testing.T) {
	assert.True(t, authz.RoleHR.HRCapable())
	assert.True(t, authz.RoleAdmin.HRCapable())
	assert.False(t, authz.RoleSupervisor.HRCapable())
	assert.False(t, authz.RoleEmployee.HRCapable())
}
