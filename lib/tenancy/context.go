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

// Package tenancy binds requests and background work to a tenant schema and
// maintains the registry of customer tenants.
//
// The binding is carried on the context and is always explicit: nothing in
// the platform inherits a tenant across work units, and every database
// checkout re-applies the bound schema. Clearing the binding restores the
// public schema.
package tenancy

import (
	"context"
	"errors"
	"regexp"

	"github.com/gravitational/trace"

	"github.com/vellumlabs/vellum/lib/defaults"
)

// PublicSchema is the shared schema that holds the customer registry.
const PublicSchema = "public"

var (
	// ErrMissingTenant is returned when a tenant-scoped operation runs with
	// no tenant bound to the context.
	ErrMissingTenant = errors.New("no tenant schema bound to context")

	// ErrInvalidTenant is returned when a tenant schema fails validation.
	ErrInvalidTenant = errors.New("invalid tenant schema")
)

// IsMissingTenant reports whether err means the context carried no tenant.
func IsMissingTenant(err error) bool {
	return errors.Is(err, ErrMissingTenant)
}

// IsInvalidTenant reports whether err means a malformed tenant schema.
func IsInvalidTenant(err error) bool {
	return errors.Is(err, ErrInvalidTenant)
}

var schemaRegexp = regexp.MustCompile(defaults.TenantSchemaPattern)

// ValidSchema reports whether s is a well-formed tenant schema name.
func ValidSchema(s string) bool {
	return schemaRegexp.MatchString(s)
}

// CheckSchema returns ErrInvalidTenant unless s is a well-formed tenant
// schema name. Schema names end up in search_path statements, so the check
// is a hard precondition for any interpolation.
func CheckSchema(s string) error {
	if !ValidSchema(s) {
		return trace.Wrap(ErrInvalidTenant, "schema %q does not match %s", s, defaults.TenantSchemaPattern)
	}
	return nil
}

type contextKey string

// contextSchema holds the bound tenant schema name as a string.
const contextSchema contextKey = "vellum-tenant-schema"

// WithSchema returns a context bound to the given tenant schema. The schema
// is validated before binding.
func WithSchema(ctx context.Context, schema string) (context.Context, error) {
	if err := CheckSchema(schema); err != nil {
		return nil, trace.Wrap(err)
	}
	return context.WithValue(ctx, contextSchema, schema), nil
}

// SchemaFromContext returns the tenant schema bound to the context, or
// ErrMissingTenant when there is none.
func SchemaFromContext(ctx context.Context) (string, error) {
	schema, ok := ctx.Value(contextSchema).(string)
	if !ok || schema == "" {
		return "", trace.Wrap(ErrMissingTenant)
	}
	return schema, nil
}

// ClearSchema returns a context with no tenant binding. Workers call this
// after finishing a unit of work so nothing leaks into the next one.
func ClearSchema(ctx context.Context) context.Context {
	if _, ok := ctx.Value(contextSchema).(string); !ok {
		return ctx
	}
	return context.WithValue(ctx, contextSchema, "")
}
