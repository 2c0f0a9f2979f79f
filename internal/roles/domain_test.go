package roles_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vanguard-airsoft/vanguard/internal/roles"
)

func TestRoleOrderIsTotal(t *testing.T) {
	order := []roles.Role{roles.RoleUser, roles.RoleEditor, roles.RoleAdmin, roles.RoleSuperAdmin}
	for i, lower := range order {
		for j, higher := range order {
			if i <= j {
				assert.True(t, higher.AtLeast(lower), "%s should cover %s", higher, lower)
			} else {
				assert.False(t, higher.AtLeast(lower), "%s should not cover %s", higher, lower)
			}
		}
	}
}

func TestParseRoundTrip(t *testing.T) {
	for _, r := range []roles.Role{roles.RoleUser, roles.RoleEditor, roles.RoleAdmin, roles.RoleSuperAdmin} {
		parsed, err := roles.Parse(r.String())
		require.NoError(t, err)
		assert.Equal(t, r, parsed)
	}

	_, err := roles.Parse("owner")
	assert.Error(t, err)
}

func TestHasAdminAccess(t *testing.T) {
	assert.False(t, roles.RoleUser.HasAdminAccess())
	assert.True(t, roles.RoleEditor.HasAdminAccess())
	assert.True(t, roles.RoleAdmin.HasAdminAccess())
	assert.True(t, roles.RoleSuperAdmin.HasAdminAccess())
}

func TestCanGrant(t *testing.T) {
	// Editors cannot manage roles at all.
	assert.False(t, roles.RoleEditor.CanGrant(roles.RoleUser))

	// Admins can grant up to their own tier, never above.
	assert.True(t, roles.RoleAdmin.CanGrant(roles.RoleEditor))
	assert.True(t, roles.RoleAdmin.CanGrant(roles.RoleAdmin))
	assert.False(t, roles.RoleAdmin.CanGrant(roles.RoleSuperAdmin))

	assert.True(t, roles.RoleSuperAdmin.CanGrant(roles.RoleSuperAdmin))
}
