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
	"slices"
	"sync"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// MemoryCustomerStore is an in-memory CustomerStore for tests and local
// development.
type MemoryCustomerStore struct {
	mu        sync.RWMutex
	clock     clockwork.Clock
	nextID    int64
	customers map[int64]Customer
}

// NewMemoryCustomerStore returns an empty in-memory customer store.
func NewMemoryCustomerStore(clock clockwork.Clock) *MemoryCustomerStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryCustomerStore{
		clock:     clock,
		nextID:    1,
		customers: make(map[int64]Customer),
	}
}

// CreateCustomer inserts a new customer.
func (m *MemoryCustomerStore) CreateCustomer(ctx context.Context, customer Customer) (*Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.customers {
		if existing.Domain == customer.Domain {
			return nil, trace.AlreadyExists("customer with domain %q already exists", customer.Domain)
		}
		if existing.TenantSchema == customer.TenantSchema {
			return nil, trace.AlreadyExists("customer with schema %q already exists", customer.TenantSchema)
		}
	}
	now := m.clock.Now().UTC()
	customer.ID = m.nextID
	customer.CreatedAt = now
	customer.UpdatedAt = now
	m.nextID++
	m.customers[customer.ID] = customer
	return &customer, nil
}

// GetCustomer returns a customer by id.
func (m *MemoryCustomerStore) GetCustomer(ctx context.Context, id int64) (*Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	customer, ok := m.customers[id]
	if !ok {
		return nil, trace.NotFound("customer %v not found", id)
	}
	return &customer, nil
}

// GetCustomerByDomain returns a customer by exact domain.
func (m *MemoryCustomerStore) GetCustomerByDomain(ctx context.Context, domain string) (*Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, customer := range m.customers {
		if customer.Domain == domain {
			return &customer, nil
		}
	}
	return nil, trace.NotFound("customer with domain %q not found", domain)
}

// GetCustomerBySchema returns a customer by tenant schema.
func (m *MemoryCustomerStore) GetCustomerBySchema(ctx context.Context, schema string) (*Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, customer := range m.customers {
		if customer.TenantSchema == schema {
			return &customer, nil
		}
	}
	return nil, trace.NotFound("customer with schema %q not found", schema)
}

// ListCustomers returns customers in the given statuses ordered by id.
func (m *MemoryCustomerStore) ListCustomers(ctx context.Context, statuses ...CustomerStatus) ([]Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Customer
	for _, customer := range m.customers {
		if len(statuses) > 0 && !slices.Contains(statuses, customer.Status) {
			continue
		}
		out = append(out, customer)
	}
	slices.SortFunc(out, func(a, b Customer) int {
		return int(a.ID - b.ID)
	})
	return out, nil
}

// UpdateCustomerStatus transitions a customer to the given status.
func (m *MemoryCustomerStore) UpdateCustomerStatus(ctx context.Context, id int64, status CustomerStatus) (*Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	customer, ok := m.customers[id]
	if !ok {
		return nil, trace.NotFound("customer %v not found", id)
	}
	customer.Status = status
	customer.UpdatedAt = m.clock.Now().UTC()
	m.customers[id] = customer
	return &customer, nil
}

// DeleteCustomer removes a customer row.
func (m *MemoryCustomerStore) DeleteCustomer(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.customers[id]; !ok {
		return trace.NotFound("customer %v not found", id)
	}
	delete(m.customers, id)
	return nil
}

// MemoryProvisioner records schema provisioning calls and can be rigged to
// fail, which onboarding rollback tests rely on.
type MemoryProvisioner struct {
	mu sync.Mutex
	// FailWith makes every ProvisionSchema call fail with this error.
	FailWith error

	provisioned []string
	dropped     []string
}

// NewMemoryProvisioner returns an empty in-memory provisioner.
func NewMemoryProvisioner() *MemoryProvisioner {
	return &MemoryProvisioner{}
}

// ProvisionSchema records the call or fails when rigged.
func (m *MemoryProvisioner) ProvisionSchema(ctx context.Context, schema string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return trace.Wrap(m.FailWith)
	}
	m.provisioned = append(m.provisioned, schema)
	return nil
}

// DropSchema records the call.
func (m *MemoryProvisioner) DropSchema(ctx context.Context, schema string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropped = append(m.dropped, schema)
	return nil
}

// Provisioned returns the schemas provisioned so far.
func (m *MemoryProvisioner) Provisioned() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.provisioned)
}

// Dropped returns the schemas dropped so far.
func (m *MemoryProvisioner) Dropped() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.dropped)
}
