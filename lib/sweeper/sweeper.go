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

// Package sweeper revokes preview certificates that were rendered but never
// promoted. Previews hold storage and a fingerprint row; once they outlive
// their claim window they are revoked and their stored documents deleted.
//
// The sweep walks every operational tenant on a jittered interval. Status is
// flipped before the document is deleted: a preview promoted between listing
// and sweeping wins the race and keeps its document, while a failed blob
// delete merely orphans a file that a later sweep cannot reach but no
// verification can ever match.
package sweeper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vellumlabs/vellum"
	"github.com/vellumlabs/vellum/lib/blob"
	"github.com/vellumlabs/vellum/lib/certificates"
	"github.com/vellumlabs/vellum/lib/defaults"
	"github.com/vellumlabs/vellum/lib/tenancy"
	"github.com/vellumlabs/vellum/lib/utils"
)

// CustomerLister enumerates the tenants to sweep. The tenant registry
// implements it.
type CustomerLister interface {
	// ListActive returns operational tenants.
	ListActive(ctx context.Context) ([]tenancy.Customer, error)
}

// PreviewStore is the slice of the certificate store the sweeper uses.
type PreviewStore interface {
	// ListStalePreviews returns previews rendered before the cutoff.
	ListStalePreviews(ctx context.Context, cutoff time.Time) ([]certificates.Certificate, error)
	// SweepPreview revokes a stale preview and clears its document key.
	SweepPreview(ctx context.Context, id uuid.UUID) (*certificates.Certificate, error)
}

// Config configures a Sweeper.
type Config struct {
	// Customers enumerates the tenants to sweep.
	Customers CustomerLister
	// Store lists and revokes stale previews.
	Store PreviewStore
	// Blob deletes swept preview documents.
	Blob blob.Store
	// MaxAge is how long a rendered preview may stay unclaimed.
	MaxAge time.Duration
	// Interval is the sweep period.
	Interval time.Duration
	// Jitter spreads sweep times across replicas.
	Jitter utils.Jitter
	// Clock supplies sweep times.
	Clock clockwork.Clock
	// Logger emits sweeper diagnostics.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	switch {
	case c.Customers == nil:
		return trace.BadParameter("missing parameter Customers")
	case c.Store == nil:
		return trace.BadParameter("missing parameter Store")
	case c.Blob == nil:
		return trace.BadParameter("missing parameter Blob")
	}
	if c.MaxAge <= 0 {
		c.MaxAge = defaults.MaxPreviewAge
	}
	if c.Interval <= 0 {
		c.Interval = defaults.SweepInterval
	}
	if c.Jitter == nil {
		c.Jitter = utils.SeventhJitter
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default().With(vellum.ComponentKey, vellum.ComponentSweeper)
	}
	return nil
}

// Sweeper periodically revokes stale previews across all tenants.
type Sweeper struct {
	cfg     Config
	metrics *sweeperMetrics

	closeC    chan struct{}
	wg        sync.WaitGroup
	mu        sync.Mutex
	isClosing bool
}

// New returns a sweeper ready to Run.
func New(cfg Config) (*Sweeper, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	metrics, err := newSweeperMetrics()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Sweeper{
		cfg:     cfg,
		metrics: metrics,
		closeC:  make(chan struct{}),
	}, nil
}

// Run sweeps on the configured interval until the context is done or Close
// is called.
func (s *Sweeper) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.isClosing {
		s.mu.Unlock()
		return nil
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	s.cfg.Logger.InfoContext(ctx, "Preview sweeper ready.",
		"interval", s.cfg.Interval.String(),
		"max_age", s.cfg.MaxAge.String())

	for {
		select {
		case <-s.closeC:
			return nil
		case <-ctx.Done():
			return nil
		case <-s.cfg.Clock.After(s.cfg.Jitter(s.cfg.Interval)):
			if err := s.SweepOnce(ctx); err != nil {
				s.cfg.Logger.WarnContext(ctx, "Preview sweep failed.", "error", err)
			}
		}
	}
}

// Close stops the sweep loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Close() {
	s.mu.Lock()
	if s.isClosing {
		s.mu.Unlock()
		return
	}
	s.isClosing = true
	s.mu.Unlock()

	close(s.closeC)
	s.wg.Wait()
}

// SweepOnce walks every operational tenant and revokes previews older than
// the claim window. Tenant and certificate failures are logged and skipped,
// one broken tenant must not shield the rest from the sweep.
func (s *Sweeper) SweepOnce(ctx context.Context) (err error) {
	defer func() {
		s.metrics.sweeps.Inc()
		if err != nil {
			s.metrics.errors.Inc()
		}
	}()

	cutoff := s.cfg.Clock.Now().UTC().Add(-s.cfg.MaxAge)
	customers, err := s.cfg.Customers.ListActive(ctx)
	if err != nil {
		return trace.Wrap(err)
	}

	swept := 0
	for _, customer := range customers {
		n, err := s.sweepTenant(ctx, customer, cutoff)
		swept += n
		if err != nil {
			s.metrics.errors.Inc()
			s.cfg.Logger.WarnContext(ctx, "Sweeping tenant previews failed.",
				"tenant", customer.TenantSchema, "error", err)
		}
	}
	if swept > 0 {
		s.metrics.swept.Add(float64(swept))
		s.cfg.Logger.InfoContext(ctx, "Swept stale previews.", "count", swept, "cutoff", cutoff)
	}
	return nil
}

func (s *Sweeper) sweepTenant(ctx context.Context, customer tenancy.Customer, cutoff time.Time) (int, error) {
	ctx, err := tenancy.WithSchema(ctx, customer.TenantSchema)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	stale, err := s.cfg.Store.ListStalePreviews(ctx, cutoff)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	swept := 0
	for _, cert := range stale {
		if err := s.sweep(ctx, cert); err != nil {
			s.metrics.errors.Inc()
			s.cfg.Logger.WarnContext(ctx, "Sweeping preview failed.",
				"certificate", cert.ID, "tenant", customer.TenantSchema, "error", err)
			continue
		}
		swept++
	}
	return swept, nil
}

// sweep revokes one preview and deletes its document. The status flip comes
// first: losing the race against promotion must keep the document, while a
// revoked certificate with an orphaned document is only wasted storage.
func (s *Sweeper) sweep(ctx context.Context, cert certificates.Certificate) error {
	if _, err := s.cfg.Store.SweepPreview(ctx, cert.ID); err != nil {
		if trace.IsCompareFailed(err) {
			// Promoted or otherwise advanced since listing.
			s.cfg.Logger.DebugContext(ctx, "Skipping preview that advanced since listing.", "certificate", cert.ID)
			return nil
		}
		return trace.Wrap(err)
	}
	if cert.StoragePath == "" {
		return nil
	}
	if err := s.cfg.Blob.Delete(ctx, cert.StoragePath); err != nil && !trace.IsNotFound(err) {
		return trace.Wrap(err)
	}
	return nil
}

type sweeperMetrics struct {
	sweeps prometheus.Counter
	swept  prometheus.Counter
	errors prometheus.Counter
}

func newSweeperMetrics() (*sweeperMetrics, error) {
	m := &sweeperMetrics{
		sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: vellum.MetricNamespace,
			Name:      "sweeper_sweeps_total",
			Help:      "Number of completed sweep passes",
		}),
		swept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: vellum.MetricNamespace,
			Name:      "sweeper_previews_swept_total",
			Help:      "Number of stale previews revoked",
		}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: vellum.MetricNamespace,
			Name:      "sweeper_errors_total",
			Help:      "Number of sweep failures, per tenant or certificate",
		}),
	}
	return m, trace.Wrap(utils.RegisterPrometheusCollectors(
		m.sweeps,
		m.swept,
		m.errors,
	))
}
