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

package tenancy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"
	gocache "github.com/patrickmn/go-cache"

	"github.com/vellumlabs/vellum"
	"github.com/vellumlabs/vellum/lib/defaults"
)

// ErrSchemaCreation is returned when onboarding could not provision the
// tenant schema. The customer row is rolled back before this surfaces.
var ErrSchemaCreation = errors.New("tenant schema creation failed")

// IsSchemaCreationFailed reports whether err comes from a failed schema
// provisioning during onboarding.
func IsSchemaCreationFailed(err error) bool {
	return errors.Is(err, ErrSchemaCreation)
}

// CustomerStore persists customer tenants in the public schema.
type CustomerStore interface {
	// CreateCustomer inserts a new customer and returns it with the
	// assigned id and timestamps.
	CreateCustomer(ctx context.Context, customer Customer) (*Customer, error)
	// GetCustomer returns a customer by id.
	GetCustomer(ctx context.Context, id int64) (*Customer, error)
	// GetCustomerByDomain returns a customer by exact domain.
	GetCustomerByDomain(ctx context.Context, domain string) (*Customer, error)
	// GetCustomerBySchema returns a customer by tenant schema.
	GetCustomerBySchema(ctx context.Context, schema string) (*Customer, error)
	// ListCustomers returns customers in the given statuses, ordered by id.
	// No statuses means all customers.
	ListCustomers(ctx context.Context, statuses ...CustomerStatus) ([]Customer, error)
	// UpdateCustomerStatus transitions a customer to the given status.
	UpdateCustomerStatus(ctx context.Context, id int64, status CustomerStatus) (*Customer, error)
	// DeleteCustomer removes a customer row.
	DeleteCustomer(ctx context.Context, id int64) error
}

// SchemaProvisioner creates and drops tenant schemas.
type SchemaProvisioner interface {
	// ProvisionSchema creates the tenant schema and its tables.
	ProvisionSchema(ctx context.Context, schema string) error
	// DropSchema removes the tenant schema and everything in it.
	DropSchema(ctx context.Context, schema string) error
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// Store persists customers.
	Store CustomerStore
	// Provisioner creates tenant schemas during onboarding.
	Provisioner SchemaProvisioner
	// CacheTTL bounds how long resolved headers stay cached.
	CacheTTL time.Duration
	// Logger emits registry logs.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills defaults.
func (c *RegistryConfig) CheckAndSetDefaults() error {
	switch {
	case c.Store == nil:
		return trace.BadParameter("missing Store")
	case c.Provisioner == nil:
		return trace.BadParameter("missing Provisioner")
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = defaults.TenantCacheTTL
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Registry resolves, lists and onboards customer tenants.
type Registry struct {
	cfg    RegistryConfig
	logger *slog.Logger
	cache  *gocache.Cache
}

// NewRegistry returns a Registry backed by the given store and provisioner.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Registry{
		cfg:    cfg,
		logger: cfg.Logger.With(vellum.ComponentKey, vellum.ComponentRegistry),
		cache:  gocache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
	}, nil
}

// ResolveHeader resolves a tenant header value to a customer. An all-digit
// value is treated as a customer id, anything else as a tenant schema name.
func (r *Registry) ResolveHeader(ctx context.Context, header string) (*Customer, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, trace.Wrap(ErrMissingTenant)
	}
	if cached, ok := r.cache.Get(resolveKey(header)); ok {
		customer := cached.(Customer)
		return &customer, nil
	}
	var customer *Customer
	var err error
	if id, convErr := strconv.ParseInt(header, 10, 64); convErr == nil {
		customer, err = r.cfg.Store.GetCustomer(ctx, id)
	} else {
		if checkErr := CheckSchema(header); checkErr != nil {
			return nil, trace.NotFound("no tenant matches %q", header)
		}
		customer, err = r.cfg.Store.GetCustomerBySchema(ctx, header)
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	r.cache.Set(resolveKey(header), *customer, gocache.DefaultExpiration)
	return customer, nil
}

// SchemaOf returns the tenant schema of a customer id.
func (r *Registry) SchemaOf(ctx context.Context, id int64) (string, error) {
	customer, err := r.cfg.Store.GetCustomer(ctx, id)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return customer.TenantSchema, nil
}

// CustomerOf returns the customer owning a tenant schema.
func (r *Registry) CustomerOf(ctx context.Context, schema string) (*Customer, error) {
	if err := CheckSchema(schema); err != nil {
		return nil, trace.Wrap(err)
	}
	customer, err := r.cfg.Store.GetCustomerBySchema(ctx, schema)
	return customer, trace.Wrap(err)
}

// ListActive returns operational tenants (TRIAL and ACTIVE) ordered by id.
// Suspended tenants are invisible to verification and background work.
func (r *Registry) ListActive(ctx context.Context) ([]Customer, error) {
	customers, err := r.cfg.Store.ListCustomers(ctx, StatusTrial, StatusActive)
	return customers, trace.Wrap(err)
}

// List returns customers in the given statuses ordered by id, all customers
// when no status is given.
func (r *Registry) List(ctx context.Context, statuses ...CustomerStatus) ([]Customer, error) {
	customers, err := r.cfg.Store.ListCustomers(ctx, statuses...)
	return customers, trace.Wrap(err)
}

// Onboard creates a customer row and provisions its tenant schema. When the
// schema cannot be provisioned the customer row is rolled back and the
// operation fails with ErrSchemaCreation.
func (r *Registry) Onboard(ctx context.Context, customer Customer) (*Customer, error) {
	if err := customer.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if customer.TenantSchema == "" {
		schema, err := r.deriveSchema(ctx, customer.Domain)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		customer.TenantSchema = schema
	}
	if strings.EqualFold(customer.TenantSchema, PublicSchema) {
		return nil, trace.BadParameter("tenant schema must not shadow the public schema")
	}

	created, err := r.cfg.Store.CreateCustomer(ctx, customer)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := r.cfg.Provisioner.ProvisionSchema(ctx, created.TenantSchema); err != nil {
		r.logger.ErrorContext(ctx, "Tenant schema provisioning failed, rolling back customer row.",
			"customer_id", created.ID,
			"tenant_schema", created.TenantSchema,
			"error", err,
		)
		if rbErr := r.cfg.Store.DeleteCustomer(ctx, created.ID); rbErr != nil {
			r.logger.ErrorContext(ctx, "Customer row rollback failed, row is orphaned.",
				"customer_id", created.ID,
				"error", rbErr,
			)
		}
		return nil, trace.Wrap(ErrSchemaCreation, "provisioning schema %q: %v", created.TenantSchema, err)
	}
	r.invalidate(created)
	r.logger.InfoContext(ctx, "Customer onboarded.",
		"customer_id", created.ID,
		"domain", created.Domain,
		"tenant_schema", created.TenantSchema,
	)
	return created, nil
}

// SetStatus transitions a customer between TRIAL, ACTIVE and SUSPENDED.
func (r *Registry) SetStatus(ctx context.Context, id int64, status CustomerStatus) (*Customer, error) {
	if err := status.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	updated, err := r.cfg.Store.UpdateCustomerStatus(ctx, id, status)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	r.invalidate(updated)
	r.logger.InfoContext(ctx, "Customer status updated.",
		"customer_id", updated.ID,
		"status", updated.Status,
	)
	return updated, nil
}

// Delete removes a customer and drops its tenant schema. The caller is
// responsible for refusing deletion of tenants with live certificates.
func (r *Registry) Delete(ctx context.Context, id int64) error {
	customer, err := r.cfg.Store.GetCustomer(ctx, id)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := r.cfg.Store.DeleteCustomer(ctx, id); err != nil {
		return trace.Wrap(err)
	}
	if err := r.cfg.Provisioner.DropSchema(ctx, customer.TenantSchema); err != nil {
		r.logger.ErrorContext(ctx, "Tenant schema drop failed after customer deletion.",
			"customer_id", id,
			"tenant_schema", customer.TenantSchema,
			"error", err,
		)
		return trace.Wrap(err)
	}
	r.invalidate(customer)
	return nil
}

// deriveSchema builds a schema name from a domain, suffixing a counter on
// collision.
func (r *Registry) deriveSchema(ctx context.Context, domain string) (string, error) {
	base := sanitizeSchema(domain)
	if base == "" {
		return "", trace.BadParameter("domain %q yields an empty schema name", domain)
	}
	candidate := base
	for i := 2; ; i++ {
		_, err := r.cfg.Store.GetCustomerBySchema(ctx, candidate)
		switch {
		case trace.IsNotFound(err):
			return candidate, nil
		case err != nil:
			return "", trace.Wrap(err)
		}
		if i > 100 {
			return "", trace.LimitExceeded("could not find a free schema name for domain %q", domain)
		}
		candidate = fmt.Sprintf("%s_%d", base, i)
	}
}

// sanitizeSchema maps a domain to the tenant schema alphabet. Postgres
// identifiers are capped at 63 bytes, so the result is truncated below the
// pattern maximum.
func sanitizeSchema(domain string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(domain) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	schema := strings.Trim(b.String(), "_")
	for strings.Contains(schema, "__") {
		schema = strings.ReplaceAll(schema, "__", "_")
	}
	if len(schema) > 60 {
		schema = strings.Trim(schema[:60], "_")
	}
	return schema
}

func (r *Registry) invalidate(customer *Customer) {
	r.cache.Delete(resolveKey(strconv.FormatInt(customer.ID, 10)))
	r.cache.Delete(resolveKey(customer.TenantSchema))
}

func resolveKey(header string) string {
	return "resolve/" + header
}
