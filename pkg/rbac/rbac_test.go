package rbac

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRolePermissions(t *testing.T) {
	tests := []struct {
		role       string
		permission string
		want       bool
	}{
		{RoleClient, PermissionCreateProject, true},
		{RoleClient, PermissionFundMilestone, true},
		{RoleClient, PermissionReleaseMilestone, true},
		{RoleClient, PermissionRequestRelease, false},
		{RoleClient, PermissionRefundMilestone, false},
		{RoleFreelancer, PermissionRequestRelease, true},
		{RoleFreelancer, PermissionFundMilestone, false},
		{RoleFreelancer, PermissionRefundMilestone, false},
		{RoleAdmin, PermissionRefundMilestone, true},
		{RoleAdmin, PermissionReplayOutbox, true},
		{"unknown", PermissionReadProject, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, HasPermission(tt.role, tt.permission),
			"%s / %s", tt.role, tt.permission)
	}
}

func TestCheckPermission(t *testing.T) {
	assert.NoError(t, CheckPermission(RoleAdmin, PermissionRefundMilestone))

	err := CheckPermission(RoleFreelancer, PermissionRefundMilestone)
	require.Error(t, err)
	var denied *PermissionDeniedError
	assert.ErrorAs(t, err, &denied)
}
