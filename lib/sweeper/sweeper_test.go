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

package sweeper

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/vellumlabs/vellum/lib/blob"
	"github.com/vellumlabs/vellum/lib/certificates"
	"github.com/vellumlabs/vellum/lib/defaults"
	"github.com/vellumlabs/vellum/lib/tenancy"
	"github.com/vellumlabs/vellum/lib/utils"
)

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	os.Exit(m.Run())
}

type sweeperHarness struct {
	sweeper  *Sweeper
	certs    *certificates.MemoryStore
	blobs    *blob.MemoryStore
	registry *tenancy.Registry
	clock    *clockwork.FakeClock
	seq      int
}

func newSweeperHarness(t *testing.T) *sweeperHarness {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC))
	registry, err := tenancy.NewRegistry(tenancy.RegistryConfig{
		Store:       tenancy.NewMemoryCustomerStore(clock),
		Provisioner: tenancy.NewMemoryProvisioner(),
	})
	require.NoError(t, err)

	h := &sweeperHarness{
		certs:    certificates.NewMemoryStore(clock),
		blobs:    blob.NewMemoryStore(clock),
		registry: registry,
		clock:    clock,
	}
	h.sweeper, err = New(Config{
		Customers: registry,
		Store:     h.certs,
		Blob:      h.blobs,
		Clock:     clock,
	})
	require.NoError(t, err)
	return h
}

func (h *sweeperHarness) onboard(t *testing.T, name, domain, schema string) *tenancy.Customer {
	t.Helper()
	customer, err := h.registry.Onboard(t.Context(), tenancy.Customer{
		Name:         name,
		Domain:       domain,
		TenantSchema: schema,
		Status:       tenancy.StatusActive,
	})
	require.NoError(t, err)
	return customer
}

func (h *sweeperHarness) tenantCtx(t *testing.T, schema string) context.Context {
	t.Helper()
	ctx, err := tenancy.WithSchema(t.Context(), schema)
	require.NoError(t, err)
	return ctx
}

// preview plants a rendered, unclaimed preview: PENDING with a stored
// document and the given render time.
func (h *sweeperHarness) preview(t *testing.T, schema string, renderedAt time.Time) *certificates.Certificate {
	t.Helper()
	ctx := h.tenantCtx(t, schema)
	h.seq++
	cert, err := h.certs.CreateCertificate(ctx, certificates.Certificate{
		CustomerID:        1,
		TemplateVersionID: uuid.New(),
		CertificateNumber: fmt.Sprintf("PREVIEW-%04d", h.seq),
		RecipientData:     map[string]any{"recipientName": "Ada Lovelace"},
		IssuedAt:          renderedAt,
	}, 0)
	require.NoError(t, err)
	_, err = h.certs.MarkProcessing(ctx, cert.ID)
	require.NoError(t, err)

	key := blob.CertificateKey(schema, cert.ID, cert.IssuedAt)
	require.NoError(t, h.blobs.Put(ctx, key, []byte("%PDF-1.4 preview")))
	ready, err := h.certs.MarkPreviewReady(ctx, cert.ID, key, renderedAt)
	require.NoError(t, err)
	return ready
}

func TestSweepOnce(t *testing.T) {
	t.Parallel()
	h := newSweeperHarness(t)
	h.onboard(t, "Acme Corp", "acme.example.com", "acme_corp")
	ctx := h.tenantCtx(t, "acme_corp")

	stale := h.preview(t, "acme_corp", h.clock.Now())
	fresh := h.preview(t, "acme_corp", h.clock.Now().Add(25*time.Minute))
	h.clock.Advance(35 * time.Minute)

	require.NoError(t, h.sweeper.SweepOnce(t.Context()))

	// The stale preview is revoked and its document is gone.
	got, err := h.certs.GetCertificate(ctx, stale.ID)
	require.NoError(t, err)
	require.Equal(t, certificates.StatusRevoked, got.Status)
	require.Empty(t, got.StoragePath)
	require.Nil(t, got.PreviewGeneratedAt)
	ok, err := h.blobs.Exists(ctx, stale.StoragePath)
	require.NoError(t, err)
	require.False(t, ok)

	// The fresh preview is still claimable.
	got, err = h.certs.GetCertificate(ctx, fresh.ID)
	require.NoError(t, err)
	require.Equal(t, certificates.StatusPending, got.Status)
	require.True(t, got.IsPreview())
	ok, err = h.blobs.Exists(ctx, fresh.StoragePath)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSweepReachesEveryTenant(t *testing.T) {
	t.Parallel()
	h := newSweeperHarness(t)
	h.onboard(t, "Acme Corp", "acme.example.com", "acme_corp")
	h.onboard(t, "Globex", "globex.example.com", "globex")

	acme := h.preview(t, "acme_corp", h.clock.Now())
	globex := h.preview(t, "globex", h.clock.Now())
	h.clock.Advance(defaults.MaxPreviewAge + time.Minute)

	require.NoError(t, h.sweeper.SweepOnce(t.Context()))

	got, err := h.certs.GetCertificate(h.tenantCtx(t, "acme_corp"), acme.ID)
	require.NoError(t, err)
	require.Equal(t, certificates.StatusRevoked, got.Status)
	got, err = h.certs.GetCertificate(h.tenantCtx(t, "globex"), globex.ID)
	require.NoError(t, err)
	require.Equal(t, certificates.StatusRevoked, got.Status)
}

func TestSweepIgnoresSuspendedTenant(t *testing.T) {
	t.Parallel()
	h := newSweeperHarness(t)
	customer := h.onboard(t, "Acme Corp", "acme.example.com", "acme_corp")

	stale := h.preview(t, "acme_corp", h.clock.Now())
	h.clock.Advance(defaults.MaxPreviewAge + time.Minute)
	_, err := h.registry.SetStatus(t.Context(), customer.ID, tenancy.StatusSuspended)
	require.NoError(t, err)

	// Suspended tenants are invisible to background work; their previews
	// wait until reactivation.
	require.NoError(t, h.sweeper.SweepOnce(t.Context()))
	got, err := h.certs.GetCertificate(h.tenantCtx(t, "acme_corp"), stale.ID)
	require.NoError(t, err)
	require.Equal(t, certificates.StatusPending, got.Status)
}

func TestSweepLosesRaceToPromotion(t *testing.T) {
	t.Parallel()
	h := newSweeperHarness(t)
	h.onboard(t, "Acme Corp", "acme.example.com", "acme_corp")
	ctx := h.tenantCtx(t, "acme_corp")

	stale := h.preview(t, "acme_corp", h.clock.Now())
	h.clock.Advance(defaults.MaxPreviewAge + time.Minute)

	// The preview is promoted between listing and sweeping.
	promoted, err := h.certs.PromotePreview(ctx, stale.ID)
	require.NoError(t, err)
	require.NoError(t, h.sweeper.sweep(ctx, *stale))

	// Promotion wins: the certificate stays issued and keeps its document.
	got, err := h.certs.GetCertificate(ctx, stale.ID)
	require.NoError(t, err)
	require.Equal(t, certificates.StatusIssued, got.Status)
	require.Equal(t, promoted.StoragePath, got.StoragePath)
	ok, err := h.blobs.Exists(ctx, got.StoragePath)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSweepToleratesMissingDocument(t *testing.T) {
	t.Parallel()
	h := newSweeperHarness(t)
	h.onboard(t, "Acme Corp", "acme.example.com", "acme_corp")
	ctx := h.tenantCtx(t, "acme_corp")

	stale := h.preview(t, "acme_corp", h.clock.Now())
	require.NoError(t, h.blobs.Delete(ctx, stale.StoragePath))
	h.clock.Advance(defaults.MaxPreviewAge + time.Minute)

	require.NoError(t, h.sweeper.SweepOnce(t.Context()))
	got, err := h.certs.GetCertificate(ctx, stale.ID)
	require.NoError(t, err)
	require.Equal(t, certificates.StatusRevoked, got.Status)
}

// riggedStore fails SweepPreview for one certificate, simulating a tenant
// database hiccup mid-sweep.
type riggedStore struct {
	*certificates.MemoryStore
	failOn uuid.UUID
}

func (r *riggedStore) SweepPreview(ctx context.Context, id uuid.UUID) (*certificates.Certificate, error) {
	if id == r.failOn {
		return nil, trace.ConnectionProblem(nil, "tenant database down")
	}
	return r.MemoryStore.SweepPreview(ctx, id)
}

func TestSweepIsolatesFailures(t *testing.T) {
	t.Parallel()
	h := newSweeperHarness(t)
	h.onboard(t, "Acme Corp", "acme.example.com", "acme_corp")
	ctx := h.tenantCtx(t, "acme_corp")

	broken := h.preview(t, "acme_corp", h.clock.Now())
	healthy := h.preview(t, "acme_corp", h.clock.Now())
	h.clock.Advance(defaults.MaxPreviewAge + time.Minute)

	rigged, err := New(Config{
		Customers: h.registry,
		Store:     &riggedStore{MemoryStore: h.certs, failOn: broken.ID},
		Blob:      h.blobs,
		Clock:     h.clock,
	})
	require.NoError(t, err)

	// One broken certificate does not shield the rest of the tenant.
	require.NoError(t, rigged.SweepOnce(t.Context()))
	got, err := h.certs.GetCertificate(ctx, healthy.ID)
	require.NoError(t, err)
	require.Equal(t, certificates.StatusRevoked, got.Status)
	got, err = h.certs.GetCertificate(ctx, broken.ID)
	require.NoError(t, err)
	require.Equal(t, certificates.StatusPending, got.Status)
}

func TestSweeperRunLoop(t *testing.T) {
	t.Parallel()
	h := newSweeperHarness(t)
	h.onboard(t, "Acme Corp", "acme.example.com", "acme_corp")
	ctx := h.tenantCtx(t, "acme_corp")

	stale := h.preview(t, "acme_corp", h.clock.Now())
	h.clock.Advance(defaults.MaxPreviewAge + time.Minute)

	done := make(chan error, 1)
	go func() {
		done <- h.sweeper.Run(t.Context())
	}()
	// Wait for the loop to arm its timer, then ride past the jittered
	// interval.
	require.NoError(t, h.clock.BlockUntilContext(t.Context(), 1))
	h.clock.Advance(defaults.SweepInterval)

	require.Eventually(t, func() bool {
		cert, err := h.certs.GetCertificate(ctx, stale.ID)
		return err == nil && cert.Status == certificates.StatusRevoked
	}, 10*time.Second, 10*time.Millisecond)

	h.sweeper.Close()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestSweeperConfig(t *testing.T) {
	t.Parallel()
	h := newSweeperHarness(t)

	_, err := New(Config{Store: h.certs, Blob: h.blobs})
	require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)
	_, err = New(Config{Customers: h.registry, Blob: h.blobs})
	require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)
	_, err = New(Config{Customers: h.registry, Store: h.certs})
	require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)

	cfg := Config{Customers: h.registry, Store: h.certs, Blob: h.blobs}
	require.NoError(t, cfg.CheckAndSetDefaults())
	require.Equal(t, defaults.MaxPreviewAge, cfg.MaxAge)
	require.Equal(t, defaults.SweepInterval, cfg.Interval)
	require.NotNil(t, cfg.Jitter)
	require.NotNil(t, cfg.Clock)
	require.NotNil(t, cfg.Logger)
}
