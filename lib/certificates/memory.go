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

package certificates

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/vellumlabs/vellum/lib/tenancy"
)

// MemoryStore is an in-memory Store and HashStore for tests and local
// development. Data is partitioned by the tenant schema bound to the
// context, mirroring the schema-per-tenant layout of the Postgres store.
type MemoryStore struct {
	mu      sync.RWMutex
	clock   clockwork.Clock
	tenants map[string]*memTenant
}

type memTenant struct {
	certificates map[uuid.UUID]Certificate
	// hashes is keyed by certificate id, one fingerprint per certificate.
	hashes     map[uuid.UUID]Hash
	nextHashID int64
}

// NewMemoryStore returns an empty in-memory certificate store.
func NewMemoryStore(clock clockwork.Clock) *MemoryStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryStore{
		clock:   clock,
		tenants: make(map[string]*memTenant),
	}
}

// tenant returns the mutable tenant state, creating it on first use. The
// caller must hold the write lock.
func (m *MemoryStore) tenant(ctx context.Context) (*memTenant, error) {
	schema, err := tenancy.SchemaFromContext(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	t, ok := m.tenants[schema]
	if !ok {
		t = &memTenant{
			certificates: make(map[uuid.UUID]Certificate),
			hashes:       make(map[uuid.UUID]Hash),
			nextHashID:   1,
		}
		m.tenants[schema] = t
	}
	return t, nil
}

var emptyTenant = &memTenant{}

// view returns the tenant state for reads without creating it. The caller
// must hold at least the read lock.
func (m *MemoryStore) view(ctx context.Context) (*memTenant, error) {
	schema, err := tenancy.SchemaFromContext(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if t, ok := m.tenants[schema]; ok {
		return t, nil
	}
	return emptyTenant, nil
}

// CreateCertificate inserts a PENDING certificate, enforcing the monthly
// quota when one is set.
func (m *MemoryStore) CreateCertificate(ctx context.Context, cert Certificate, monthlyQuota int) (*Certificate, error) {
	if err := cert.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	tenant, err := m.tenant(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for _, existing := range tenant.certificates {
		if existing.CertificateNumber == cert.CertificateNumber {
			return nil, trace.AlreadyExists("certificate number %q already exists", cert.CertificateNumber)
		}
	}
	if monthlyQuota > 0 {
		start, end := monthWindow(cert.IssuedAt)
		issued := 0
		for _, existing := range tenant.certificates {
			if !existing.IssuedAt.Before(start) && existing.IssuedAt.Before(end) {
				issued++
			}
		}
		if issued >= monthlyQuota {
			return nil, trace.Wrap(ErrQuotaExceeded, "customer %v reached its quota of %v certificates this month", cert.CustomerID, monthlyQuota)
		}
	}
	now := m.clock.Now().UTC()
	if cert.ID == uuid.Nil {
		cert.ID = uuid.New()
	}
	cert.Status = StatusPending
	cert.StoragePath = ""
	cert.SignedHash = ""
	cert.PreviewGeneratedAt = nil
	cert.CreatedAt = now
	cert.UpdatedAt = now
	tenant.certificates[cert.ID] = cert
	return &cert, nil
}

// GetCertificate returns a certificate by id.
func (m *MemoryStore) GetCertificate(ctx context.Context, id uuid.UUID) (*Certificate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tenant, err := m.view(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cert, ok := tenant.certificates[id]
	if !ok {
		return nil, trace.NotFound("certificate %v not found", id)
	}
	return &cert, nil
}

// GetCertificateByNumber returns a certificate by number.
func (m *MemoryStore) GetCertificateByNumber(ctx context.Context, number string) (*Certificate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tenant, err := m.view(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for _, cert := range tenant.certificates {
		if cert.CertificateNumber == number {
			return &cert, nil
		}
	}
	return nil, trace.NotFound("certificate %q not found", number)
}

// ListCertificates returns the tenant's certificates, newest first.
func (m *MemoryStore) ListCertificates(ctx context.Context, filter ListFilter) ([]Certificate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tenant, err := m.view(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var out []Certificate
	for _, cert := range tenant.certificates {
		if filter.Status != "" && cert.Status != filter.Status {
			continue
		}
		if filter.TemplateVersionID != uuid.Nil && cert.TemplateVersionID != filter.TemplateVersionID {
			continue
		}
		out = append(out, cert)
	}
	slices.SortFunc(out, func(a, b Certificate) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.CertificateNumber, b.CertificateNumber)
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

// ListStalePreviews returns unpromoted previews rendered before the cutoff.
func (m *MemoryStore) ListStalePreviews(ctx context.Context, cutoff time.Time) ([]Certificate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tenant, err := m.view(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var out []Certificate
	for _, cert := range tenant.certificates {
		if cert.Status == StatusPending && cert.IsPreview() && cert.PreviewGeneratedAt.Before(cutoff) {
			out = append(out, cert)
		}
	}
	slices.SortFunc(out, func(a, b Certificate) int {
		return a.PreviewGeneratedAt.Compare(*b.PreviewGeneratedAt)
	})
	return out, nil
}

// MarkProcessing claims a certificate for rendering.
func (m *MemoryStore) MarkProcessing(ctx context.Context, id uuid.UUID) (*Certificate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tenant, err := m.tenant(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cert, ok := tenant.certificates[id]
	if !ok {
		return nil, trace.NotFound("certificate %v not found", id)
	}
	if err := checkStatusTransition(cert.Status, StatusProcessing); err != nil {
		return nil, trace.Wrap(err)
	}
	cert.Status = StatusProcessing
	cert.UpdatedAt = m.clock.Now().UTC()
	tenant.certificates[id] = cert
	return &cert, nil
}

// MarkIssued completes generation of a PROCESSING certificate.
func (m *MemoryStore) MarkIssued(ctx context.Context, id uuid.UUID, storagePath string) (*Certificate, error) {
	if storagePath == "" {
		return nil, trace.BadParameter("missing storage path")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	tenant, err := m.tenant(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cert, ok := tenant.certificates[id]
	if !ok {
		return nil, trace.NotFound("certificate %v not found", id)
	}
	if cert.Status != StatusProcessing {
		if cert.Status == StatusIssued && cert.StoragePath == storagePath {
			return &cert, nil
		}
		return nil, trace.CompareFailed("certificate %v is %v, cannot complete generation", id, cert.Status)
	}
	cert.Status = StatusIssued
	cert.StoragePath = storagePath
	cert.UpdatedAt = m.clock.Now().UTC()
	tenant.certificates[id] = cert
	return &cert, nil
}

// MarkPreviewReady finishes a preview render, returning the certificate to
// PENDING with the document key and preview timestamp set.
func (m *MemoryStore) MarkPreviewReady(ctx context.Context, id uuid.UUID, storagePath string, at time.Time) (*Certificate, error) {
	switch {
	case storagePath == "":
		return nil, trace.BadParameter("missing storage path")
	case at.IsZero():
		return nil, trace.BadParameter("missing preview render time")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	tenant, err := m.tenant(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cert, ok := tenant.certificates[id]
	if !ok {
		return nil, trace.NotFound("certificate %v not found", id)
	}
	if cert.Status != StatusProcessing {
		return nil, trace.CompareFailed("certificate %v is %v, cannot complete preview", id, cert.Status)
	}
	at = at.UTC()
	cert.Status = StatusPending
	cert.StoragePath = storagePath
	cert.PreviewGeneratedAt = &at
	cert.UpdatedAt = m.clock.Now().UTC()
	tenant.certificates[id] = cert
	return &cert, nil
}

// PromotePreview issues a rendered preview without re-rendering.
func (m *MemoryStore) PromotePreview(ctx context.Context, id uuid.UUID) (*Certificate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tenant, err := m.tenant(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cert, ok := tenant.certificates[id]
	if !ok {
		return nil, trace.NotFound("certificate %v not found", id)
	}
	if cert.Status != StatusPending || !cert.IsPreview() || cert.StoragePath == "" {
		return nil, trace.CompareFailed("certificate %v is not a preview awaiting promotion", id)
	}
	cert.Status = StatusIssued
	cert.PreviewGeneratedAt = nil
	cert.UpdatedAt = m.clock.Now().UTC()
	tenant.certificates[id] = cert
	return &cert, nil
}

// Revoke moves a certificate to REVOKED. Revoking twice is a no-op.
func (m *MemoryStore) Revoke(ctx context.Context, id uuid.UUID) (*Certificate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tenant, err := m.tenant(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cert, ok := tenant.certificates[id]
	if !ok {
		return nil, trace.NotFound("certificate %v not found", id)
	}
	if cert.Status == StatusRevoked {
		return &cert, nil
	}
	if err := checkStatusTransition(cert.Status, StatusRevoked); err != nil {
		return nil, trace.Wrap(err)
	}
	cert.Status = StatusRevoked
	cert.UpdatedAt = m.clock.Now().UTC()
	tenant.certificates[id] = cert
	return &cert, nil
}

// SweepPreview revokes a stale preview and clears its document key. Fails
// when the preview was promoted in the meantime.
func (m *MemoryStore) SweepPreview(ctx context.Context, id uuid.UUID) (*Certificate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tenant, err := m.tenant(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cert, ok := tenant.certificates[id]
	if !ok {
		return nil, trace.NotFound("certificate %v not found", id)
	}
	if cert.Status != StatusPending || !cert.IsPreview() {
		return nil, trace.CompareFailed("certificate %v is not a sweepable preview", id)
	}
	cert.Status = StatusRevoked
	cert.StoragePath = ""
	cert.PreviewGeneratedAt = nil
	cert.UpdatedAt = m.clock.Now().UTC()
	tenant.certificates[id] = cert
	return &cert, nil
}

// MarkFailed records a failure on the certificate's metadata and moves it to
// FAILED.
func (m *MemoryStore) MarkFailed(ctx context.Context, id uuid.UUID, message string, at time.Time) (*Certificate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tenant, err := m.tenant(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cert, ok := tenant.certificates[id]
	if !ok {
		return nil, trace.NotFound("certificate %v not found", id)
	}
	if err := checkStatusTransition(cert.Status, StatusFailed); err != nil {
		return nil, trace.Wrap(err)
	}
	cert.Status = StatusFailed
	cert.Metadata = mergeFailure(cert.Metadata, message, at)
	cert.UpdatedAt = m.clock.Now().UTC()
	tenant.certificates[id] = cert
	return &cert, nil
}

// SetHash records the write-once document fingerprint on the certificate.
func (m *MemoryStore) SetHash(ctx context.Context, id uuid.UUID, hash string) (*Certificate, error) {
	if hash == "" {
		return nil, trace.BadParameter("missing document hash")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	tenant, err := m.tenant(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cert, ok := tenant.certificates[id]
	if !ok {
		return nil, trace.NotFound("certificate %v not found", id)
	}
	if cert.SignedHash != "" {
		if cert.SignedHash == hash {
			return &cert, nil
		}
		return nil, trace.CompareFailed("certificate %v already carries a different document hash", id)
	}
	cert.SignedHash = hash
	cert.UpdatedAt = m.clock.Now().UTC()
	tenant.certificates[id] = cert
	return &cert, nil
}

// InsertHash records a certificate's fingerprint for verification lookups.
func (m *MemoryStore) InsertHash(ctx context.Context, hash Hash) (*Hash, error) {
	if err := hash.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	tenant, err := m.tenant(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if _, ok := tenant.certificates[hash.CertificateID]; !ok {
		return nil, trace.NotFound("certificate %v not found", hash.CertificateID)
	}
	if existing, ok := tenant.hashes[hash.CertificateID]; ok {
		if existing.Value == hash.Value {
			return &existing, nil
		}
		return nil, trace.CompareFailed("certificate %v already has a recorded fingerprint", hash.CertificateID)
	}
	hash.ID = tenant.nextHashID
	hash.CreatedAt = m.clock.Now().UTC()
	tenant.nextHashID++
	tenant.hashes[hash.CertificateID] = hash
	return &hash, nil
}

// GetHashByCertificate returns the certificate's fingerprint.
func (m *MemoryStore) GetHashByCertificate(ctx context.Context, certificateID uuid.UUID) (*Hash, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tenant, err := m.view(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	hash, ok := tenant.hashes[certificateID]
	if !ok {
		return nil, trace.NotFound("certificate %v has no recorded fingerprint", certificateID)
	}
	return &hash, nil
}

// GetHashByValue looks a fingerprint up by its value.
func (m *MemoryStore) GetHashByValue(ctx context.Context, value string) (*Hash, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tenant, err := m.view(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for _, hash := range tenant.hashes {
		if hash.Value == value {
			return &hash, nil
		}
	}
	return nil, trace.NotFound("no certificate matches the supplied hash")
}

// mergeFailure writes the error and its timestamp into the metadata,
// preserving unrelated keys.
func mergeFailure(metadata map[string]any, message string, at time.Time) map[string]any {
	if metadata == nil {
		metadata = make(map[string]any, 2)
	}
	metadata["error"] = message
	metadata["errorTimestamp"] = at.UTC().Format(time.RFC3339)
	return metadata
}

// monthWindow returns the UTC month containing at as [start, end).
func monthWindow(at time.Time) (start, end time.Time) {
	at = at.UTC()
	start = time.Date(at.Year(), at.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}
