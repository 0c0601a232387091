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
	"context"
	"errors"

	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vellumlabs/vellum/lib/tenancy"
)

const customerColumns = "id, name, domain, tenant_schema, status, max_users, max_certificates_per_month, created_at, updated_at"

var (
	_ tenancy.CustomerStore     = (*CustomerStore)(nil)
	_ tenancy.SchemaProvisioner = (*SchemaProvisioner)(nil)
)

// CustomerStore persists customers in the public schema.
type CustomerStore struct {
	pool *Pool
}

// NewCustomerStore returns a Postgres-backed customer store.
func NewCustomerStore(pool *Pool) (*CustomerStore, error) {
	if pool == nil {
		return nil, trace.BadParameter("missing pool")
	}
	return &CustomerStore{pool: pool}, nil
}

// CreateCustomer inserts a new customer.
func (s *CustomerStore) CreateCustomer(ctx context.Context, customer tenancy.Customer) (*tenancy.Customer, error) {
	var created tenancy.Customer
	err := s.pool.Public(ctx, func(conn *pgxpool.Conn) error {
		row := conn.QueryRow(ctx,
			`INSERT INTO customers (name, domain, tenant_schema, status, max_users, max_certificates_per_month)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 RETURNING `+customerColumns,
			customer.Name, customer.Domain, customer.TenantSchema, customer.Status,
			customer.MaxUsers, customer.MaxCertificatesPerMonth,
		)
		return trace.Wrap(scanCustomer(row, &created))
	})
	if err != nil {
		return nil, ConvertError(err)
	}
	return &created, nil
}

// GetCustomer returns a customer by id.
func (s *CustomerStore) GetCustomer(ctx context.Context, id int64) (*tenancy.Customer, error) {
	customer, err := s.getBy(ctx, "id = $1", id)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("customer %v not found", id)
		}
		return nil, trace.Wrap(err)
	}
	return customer, nil
}

// GetCustomerByDomain returns a customer by exact domain.
func (s *CustomerStore) GetCustomerByDomain(ctx context.Context, domain string) (*tenancy.Customer, error) {
	customer, err := s.getBy(ctx, "domain = $1", domain)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("customer with domain %q not found", domain)
		}
		return nil, trace.Wrap(err)
	}
	return customer, nil
}

// GetCustomerBySchema returns a customer by tenant schema.
func (s *CustomerStore) GetCustomerBySchema(ctx context.Context, schema string) (*tenancy.Customer, error) {
	customer, err := s.getBy(ctx, "tenant_schema = $1", schema)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("customer with schema %q not found", schema)
		}
		return nil, trace.Wrap(err)
	}
	return customer, nil
}

func (s *CustomerStore) getBy(ctx context.Context, where string, arg any) (*tenancy.Customer, error) {
	var customer tenancy.Customer
	err := s.pool.Public(ctx, func(conn *pgxpool.Conn) error {
		row := conn.QueryRow(ctx, "SELECT "+customerColumns+" FROM customers WHERE "+where, arg)
		return trace.Wrap(scanCustomer(row, &customer))
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, trace.NotFound("customer not found")
		}
		return nil, ConvertError(err)
	}
	return &customer, nil
}

// ListCustomers returns customers in the given statuses ordered by id.
func (s *CustomerStore) ListCustomers(ctx context.Context, statuses ...tenancy.CustomerStatus) ([]tenancy.Customer, error) {
	query := "SELECT " + customerColumns + " FROM customers ORDER BY id"
	args := []any{}
	if len(statuses) > 0 {
		query = "SELECT " + customerColumns + " FROM customers WHERE status = ANY($1) ORDER BY id"
		names := make([]string, 0, len(statuses))
		for _, status := range statuses {
			names = append(names, string(status))
		}
		args = append(args, names)
	}
	var customers []tenancy.Customer
	err := s.pool.Public(ctx, func(conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, query, args...)
		if err != nil {
			return trace.Wrap(err)
		}
		defer rows.Close()
		for rows.Next() {
			var customer tenancy.Customer
			if err := scanCustomer(rows, &customer); err != nil {
				return trace.Wrap(err)
			}
			customers = append(customers, customer)
		}
		return trace.Wrap(rows.Err())
	})
	if err != nil {
		return nil, ConvertError(err)
	}
	return customers, nil
}

// UpdateCustomerStatus transitions a customer to the given status.
func (s *CustomerStore) UpdateCustomerStatus(ctx context.Context, id int64, status tenancy.CustomerStatus) (*tenancy.Customer, error) {
	var updated tenancy.Customer
	err := s.pool.Public(ctx, func(conn *pgxpool.Conn) error {
		row := conn.QueryRow(ctx,
			`UPDATE customers SET status = $2, updated_at = now() WHERE id = $1
			 RETURNING `+customerColumns,
			id, status,
		)
		return trace.Wrap(scanCustomer(row, &updated))
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, trace.NotFound("customer %v not found", id)
		}
		return nil, ConvertError(err)
	}
	return &updated, nil
}

// DeleteCustomer removes a customer row.
func (s *CustomerStore) DeleteCustomer(ctx context.Context, id int64) error {
	err := s.pool.Public(ctx, func(conn *pgxpool.Conn) error {
		tag, err := conn.Exec(ctx, "DELETE FROM customers WHERE id = $1", id)
		if err != nil {
			return trace.Wrap(err)
		}
		if tag.RowsAffected() == 0 {
			return trace.NotFound("customer %v not found", id)
		}
		return nil
	})
	return ConvertError(err)
}

func scanCustomer(row pgx.Row, c *tenancy.Customer) error {
	return row.Scan(
		&c.ID, &c.Name, &c.Domain, &c.TenantSchema, &c.Status,
		&c.MaxUsers, &c.MaxCertificatesPerMonth, &c.CreatedAt, &c.UpdatedAt,
	)
}

// SchemaProvisioner provisions tenant schemas through the database's
// provisioning function, so the DDL stays versioned with the migrations.
type SchemaProvisioner struct {
	pool *Pool
}

// NewSchemaProvisioner returns a provisioner backed by the
// provision_tenant_schema database function.
func NewSchemaProvisioner(pool *Pool) (*SchemaProvisioner, error) {
	if pool == nil {
		return nil, trace.BadParameter("missing pool")
	}
	return &SchemaProvisioner{pool: pool}, nil
}

// ProvisionSchema creates the tenant schema and its tables.
func (p *SchemaProvisioner) ProvisionSchema(ctx context.Context, schema string) error {
	if err := tenancy.CheckSchema(schema); err != nil {
		return trace.Wrap(err)
	}
	err := p.pool.Public(ctx, func(conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx, "SELECT provision_tenant_schema($1)", schema)
		return trace.Wrap(err)
	})
	return ConvertError(err)
}

// DropSchema removes the tenant schema and everything in it.
func (p *SchemaProvisioner) DropSchema(ctx context.Context, schema string) error {
	if err := tenancy.CheckSchema(schema); err != nil {
		return trace.Wrap(err)
	}
	err := p.pool.Public(ctx, func(conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx, "SELECT drop_tenant_schema($1)", schema)
		return trace.Wrap(err)
	})
	return ConvertError(err)
}
