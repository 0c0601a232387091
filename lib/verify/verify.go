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

// Package verify answers public, tenant-less certificate verification.
//
// A verifier holds nothing but a fingerprint printed on a document. The
// service scans every operational tenant's hash index for it and returns the
// certificate only when the match is ISSUED. Suspended tenants and
// certificates in any other state are indistinguishable from no match, so
// the endpoint never leaks the existence of unissued or revoked documents.
package verify

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vellumlabs/vellum"
	"github.com/vellumlabs/vellum/lib/certificates"
	"github.com/vellumlabs/vellum/lib/defaults"
	"github.com/vellumlabs/vellum/lib/tenancy"
	"github.com/vellumlabs/vellum/lib/utils"
)

// CustomerLister enumerates the tenants to probe. The tenant registry
// implements it.
type CustomerLister interface {
	// ListActive returns operational tenants.
	ListActive(ctx context.Context) ([]tenancy.Customer, error)
}

// HashProbe looks up fingerprints inside the bound tenant.
type HashProbe interface {
	// GetHashByValue returns the hash row recording the given value.
	GetHashByValue(ctx context.Context, value string) (*certificates.Hash, error)
}

// CertificateGetter loads certificates inside the bound tenant.
type CertificateGetter interface {
	// GetCertificate returns a certificate by id.
	GetCertificate(ctx context.Context, id uuid.UUID) (*certificates.Certificate, error)
}

// Config configures a Service.
type Config struct {
	// Customers enumerates the tenants to probe.
	Customers CustomerLister
	// Hashes probes each tenant's fingerprint index.
	Hashes HashProbe
	// Certificates loads the matched certificate.
	Certificates CertificateGetter
	// Clock decides expiry.
	Clock clockwork.Clock
	// Logger emits verification diagnostics.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	switch {
	case c.Customers == nil:
		return trace.BadParameter("missing parameter Customers")
	case c.Hashes == nil:
		return trace.BadParameter("missing parameter Hashes")
	case c.Certificates == nil:
		return trace.BadParameter("missing parameter Certificates")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default().With(vellum.ComponentKey, vellum.ComponentVerify)
	}
	return nil
}

// Result is a successful verification.
type Result struct {
	// Certificate is the issued certificate matching the probe.
	Certificate *certificates.Certificate
	// Customer is the tenant that issued it.
	Customer *tenancy.Customer
	// Expired is set when the certificate verified but its expiry has
	// passed. Expiry does not revoke: the document is authentic, just no
	// longer current.
	Expired bool
}

// Service verifies fingerprints across all tenants.
type Service struct {
	cfg     Config
	metrics *verifyMetrics
}

// New returns a verification service.
func New(cfg Config) (*Service, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	metrics, err := newVerifyMetrics()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Service{cfg: cfg, metrics: metrics}, nil
}

// Verify scans every operational tenant for the fingerprint and returns the
// issued certificate recording it. Anything else, a missing hash, a
// certificate in another state, a suspended tenant, comes back NotFound.
func (s *Service) Verify(ctx context.Context, hash string) (*Result, error) {
	hash = strings.TrimSpace(hash)
	if hash == "" {
		return nil, trace.BadParameter("missing verification hash")
	}
	if len(hash) > defaults.VerifyHashMaxLen {
		return nil, trace.BadParameter("verification hash exceeds %v characters", defaults.VerifyHashMaxLen)
	}

	customers, err := s.cfg.Customers.ListActive(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var probeErrs []error
	for _, customer := range customers {
		result, err := s.probe(ctx, customer, hash)
		if err != nil {
			if trace.IsNotFound(err) {
				// Non-match, keep scanning.
				continue
			}
			// A broken tenant must not hide a match held by a healthy one,
			// so the scan continues. It does surface if nothing matches: a
			// false "not found" would brand an authentic document forged.
			probeErrs = append(probeErrs, err)
			s.cfg.Logger.WarnContext(ctx, "Verification probe failed.",
				"tenant", customer.TenantSchema, "error", err)
			continue
		}
		s.metrics.matches.Inc()
		s.cfg.Logger.InfoContext(ctx, "Certificate verified.",
			"certificate", result.Certificate.ID,
			"number", result.Certificate.CertificateNumber,
			"tenant", customer.TenantSchema,
			"expired", result.Expired)
		return result, nil
	}
	if len(probeErrs) > 0 {
		s.metrics.errors.Inc()
		return nil, trace.Wrap(trace.NewAggregate(probeErrs...), "verification could not search every tenant")
	}
	s.metrics.misses.Inc()
	return nil, trace.NotFound("no issued certificate matches the supplied hash")
}

// probe searches one tenant. NotFound means non-match, any other error means
// the tenant could not be searched.
func (s *Service) probe(ctx context.Context, customer tenancy.Customer, hash string) (*Result, error) {
	ctx, err := tenancy.WithSchema(ctx, customer.TenantSchema)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	row, err := s.cfg.Hashes.GetHashByValue(ctx, hash)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !constantTimeEqual(row.Value, hash) {
		return nil, trace.NotFound("stored fingerprint does not match the probe")
	}
	cert, err := s.cfg.Certificates.GetCertificate(ctx, row.CertificateID)
	if err != nil {
		// An orphaned hash row is a non-match, not an outage.
		return nil, trace.Wrap(err)
	}
	if cert.Status != certificates.StatusIssued {
		return nil, trace.NotFound("certificate %v is not issued", cert.ID)
	}
	return &Result{
		Certificate: cert,
		Customer:    &customer,
		Expired:     cert.Expired(s.cfg.Clock.Now()),
	}, nil
}

// constantTimeEqual compares the persisted fingerprint against the probe
// without a timing side-channel.
func constantTimeEqual(stored, probe string) bool {
	return subtle.ConstantTimeCompare([]byte(stored), []byte(probe)) == 1
}

type verifyMetrics struct {
	matches prometheus.Counter
	misses  prometheus.Counter
	errors  prometheus.Counter
}

func newVerifyMetrics() (*verifyMetrics, error) {
	m := &verifyMetrics{
		matches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: vellum.MetricNamespace,
			Name:      "verify_matches_total",
			Help:      "Number of verification probes matching an issued certificate",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: vellum.MetricNamespace,
			Name:      "verify_misses_total",
			Help:      "Number of verification probes matching nothing",
		}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: vellum.MetricNamespace,
			Name:      "verify_errors_total",
			Help:      "Number of verifications that could not search every tenant",
		}),
	}
	return m, trace.Wrap(utils.RegisterPrometheusCollectors(
		m.matches,
		m.misses,
		m.errors,
	))
}
