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
	"embed"
	"errors"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/gravitational/trace"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MigrateUp applies the public schema migrations: the customers table and
// the tenant provisioning functions. Tenant schemas themselves are created
// per customer by provision_tenant_schema, not by migrations.
func MigrateUp(connString string) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return trace.Wrap(err, "loading embedded migrations")
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, toMigrateURL(connString))
	if err != nil {
		return trace.Wrap(err, "initializing migrations")
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return trace.Wrap(err, "applying migrations")
	}
	return nil
}

// toMigrateURL rewrites a Postgres URL to the scheme of the migrate pgx/v5
// driver.
func toMigrateURL(connString string) string {
	for _, scheme := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(connString, scheme) {
			return "pgx5://" + strings.TrimPrefix(connString, scheme)
		}
	}
	return connString
}
