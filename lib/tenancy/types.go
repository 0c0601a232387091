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
	"regexp"
	"time"

	"github.com/gravitational/trace"
)

// CustomerStatus is the lifecycle state of a customer tenant.
type CustomerStatus string

const (
	// StatusTrial marks a tenant in evaluation. Trial tenants are active
	// for every purpose except billing.
	StatusTrial CustomerStatus = "TRIAL"

	// StatusActive marks a paying tenant.
	StatusActive CustomerStatus = "ACTIVE"

	// StatusSuspended marks a tenant whose data is retained but excluded
	// from resolution, verification and background work.
	StatusSuspended CustomerStatus = "SUSPENDED"
)

// Check validates the status value.
func (s CustomerStatus) Check() error {
	switch s {
	case StatusTrial, StatusActive, StatusSuspended:
		return nil
	}
	return trace.BadParameter("unknown customer status %q", s)
}

// Operational reports whether tenants in this status serve traffic.
func (s CustomerStatus) Operational() bool {
	return s == StatusTrial || s == StatusActive
}

// Customer is a tenant of the platform. Each customer owns one database
// schema holding its templates, certificates and hashes.
type Customer struct {
	// ID is the numeric customer id, assigned by the registry.
	ID int64 `json:"id"`
	// Name is the display name.
	Name string `json:"name"`
	// Domain is the customer's primary domain, unique across the platform.
	Domain string `json:"domain"`
	// TenantSchema is the database schema holding the customer's data.
	TenantSchema string `json:"tenantSchema"`
	// Status is the lifecycle state.
	Status CustomerStatus `json:"status"`
	// MaxUsers caps seats, zero means unlimited.
	MaxUsers int `json:"maxUsers,omitempty"`
	// MaxCertificatesPerMonth caps issuance per calendar month, zero means
	// unlimited.
	MaxCertificatesPerMonth int `json:"maxCertificatesPerMonth,omitempty"`
	// CreatedAt is when the customer was onboarded.
	CreatedAt time.Time `json:"createdAt"`
	// UpdatedAt is when the customer row last changed.
	UpdatedAt time.Time `json:"updatedAt"`
}

var domainRegexp = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?(\.[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?)+$`)

// CheckAndSetDefaults validates the customer and fills defaults.
func (c *Customer) CheckAndSetDefaults() error {
	switch {
	case c.Name == "":
		return trace.BadParameter("missing customer name")
	case c.Domain == "":
		return trace.BadParameter("missing customer domain")
	}
	if !domainRegexp.MatchString(c.Domain) {
		return trace.BadParameter("domain %q is not a valid lowercase domain name", c.Domain)
	}
	if c.Status == "" {
		c.Status = StatusTrial
	}
	if err := c.Status.Check(); err != nil {
		return trace.Wrap(err)
	}
	if c.MaxUsers < 0 {
		return trace.BadParameter("maxUsers must not be negative")
	}
	if c.MaxCertificatesPerMonth < 0 {
		return trace.BadParameter("maxCertificatesPerMonth must not be negative")
	}
	if c.TenantSchema != "" {
		if err := CheckSchema(c.TenantSchema); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}
