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

package tenantdb

import (
	"errors"

	"github.com/gravitational/trace"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
)

// ConvertError maps Postgres error codes onto trace error kinds so callers
// can branch on trace.IsAlreadyExists and friends instead of SQLSTATE.
func ConvertError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.UniqueViolation:
			return trace.AlreadyExists("already exists: %s", pgErr.Detail)
		case pgerrcode.ForeignKeyViolation:
			return trace.BadParameter("referenced row does not exist: %s", pgErr.Detail)
		case pgerrcode.InvalidCatalogName, pgerrcode.UndefinedTable, pgerrcode.InvalidSchemaName:
			return trace.NotFound("relation missing: %s", pgErr.Message)
		case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected:
			return trace.ConnectionProblem(err, "transaction conflict: %s", pgErr.Message)
		}
	}
	return trace.Wrap(err)
}

// IsUniqueViolation reports whether err is a Postgres unique constraint
// violation on the given constraint, or on any constraint when name is
// empty.
func IsUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgerrcode.UniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}
