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

// Package authz carries the caller's identity through request contexts.
//
// Authentication happens outside this process: a fronting proxy verifies
// credentials and asserts the caller in headers. This package only models the
// resulting principal, so there is no verification and no failure mode here.
// Code that needs the caller always gets one, at worst the anonymous
// principal.
package authz

import (
	"context"

	"github.com/gravitational/trace"
)

// Role classifies a caller.
type Role string

const (
	// RoleUser is a regular tenant-scoped end user.
	RoleUser Role = "user"

	// RoleSuperAdmin is a tenant-less operator with cross-tenant read
	// rights. Super admins carry no special credentials in this process,
	// only the role.
	RoleSuperAdmin Role = "super_admin"

	// RoleAPIClient is a machine caller of the tenant API.
	RoleAPIClient Role = "api_client"

	// RoleAnonymous is an unauthenticated caller.
	RoleAnonymous Role = "anonymous"
)

// Check validates the role value.
func (r Role) Check() error {
	switch r {
	case RoleUser, RoleSuperAdmin, RoleAPIClient, RoleAnonymous:
		return nil
	}
	return trace.BadParameter("unknown role %q", r)
}

// AnonymousCallerID is recorded where a caller id is required but nobody is
// authenticated.
const AnonymousCallerID = "anonymous"

// Principal is the caller of an operation.
type Principal struct {
	// Role classifies the caller.
	Role Role
	// UserID is the caller's opaque identifier, empty for anonymous
	// callers.
	UserID string
	// TenantSchema is the tenant the caller authenticated into, empty for
	// tenant-less principals such as super admins.
	TenantSchema string
}

// Anonymous returns the principal used when no caller is authenticated.
func Anonymous() Principal {
	return Principal{Role: RoleAnonymous}
}

// IsSuperAdmin reports whether the principal may read across tenants.
func (p Principal) IsSuperAdmin() bool {
	return p.Role == RoleSuperAdmin
}

// IsAnonymous reports whether nobody is authenticated.
func (p Principal) IsAnonymous() bool {
	return p.Role == RoleAnonymous || p.Role == ""
}

// CallerID returns the identifier recorded in audit fields.
func (p Principal) CallerID() string {
	if p.IsAnonymous() || p.UserID == "" {
		return AnonymousCallerID
	}
	return p.UserID
}

type contextKey string

const contextPrincipal contextKey = "vellum-principal"

// ContextWithPrincipal returns a context carrying the caller.
func ContextWithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, contextPrincipal, principal)
}

// PrincipalFromContext returns the caller bound to the context. It never
// fails: an unbound context yields the anonymous principal.
func PrincipalFromContext(ctx context.Context) Principal {
	principal, ok := ctx.Value(contextPrincipal).(Principal)
	if !ok {
		return Anonymous()
	}
	return principal
}

// CallerID returns the context caller's audit identifier, AnonymousCallerID
// when nobody is authenticated.
func CallerID(ctx context.Context) string {
	return PrincipalFromContext(ctx).CallerID()
}
