/*
 * Vellum
 * Copyright (C) 2025  Vellum Labs, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package authz

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPrincipalContext(t *testing.T) {
	t.Parallel()

	// An unbound context always yields the anonymous principal.
	principal := PrincipalFromContext(t.Context())
	require.True(t, principal.IsAnonymous())
	require.Equal(t, AnonymousCallerID, CallerID(t.Context()))

	ctx := ContextWithPrincipal(t.Context(), Principal{
		Role:         RoleUser,
		UserID:       "user-42",
		TenantSchema: "acme_corp",
	})
	principal = PrincipalFromContext(ctx)
	require.Equal(t, RoleUser, principal.Role)
	require.Equal(t, "user-42", CallerID(ctx))
	require.False(t, principal.IsAnonymous())
	require.False(t, principal.IsSuperAdmin())
}

func TestCallerIDFallsBackToAnonymous(t *testing.T) {
	t.Parallel()

	// A role without a user id still resolves to a usable audit value.
	ctx := ContextWithPrincipal(t.Context(), Principal{Role: RoleAPIClient})
	require.Equal(t, AnonymousCallerID, CallerID(ctx))
}

func TestSuperAdminIsTenantless(t *testing.T) {
	t.Parallel()

	admin := Principal{Role: RoleSuperAdmin, UserID: "ops-7"}
	require.True(t, admin.IsSuperAdmin())
	require.Empty(t, admin.TenantSchema)
	require.Equal(t, "ops-7", admin.CallerID())
}

func TestRoleCheck(t *testing.T) {
	t.Parallel()

	for _, role := range []Role{RoleUser, RoleSuperAdmin, RoleAPIClient, RoleAnonymous} {
		require.NoError(t, role.Check())
	}
	require.Error(t, Role("root").Check())
	require.Error(t, Role("").Check())
}
