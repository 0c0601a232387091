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
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/vellumlabs/vellum/lib/defaults"
)

// ErrQuotaExceeded is returned when an insert would push the tenant past its
// monthly certificate quota. The count and the insert share one transaction,
// so concurrent bursts can overshoot by at most the number of in-flight
// requests.
var ErrQuotaExceeded = errors.New("monthly certificate quota exceeded")

// IsQuotaExceeded reports whether err is the quota sentinel, however wrapped.
func IsQuotaExceeded(err error) bool {
	return errors.Is(err, ErrQuotaExceeded)
}

// Hash is the stored fingerprint of a certificate document, computed over the
// first-pass render so the printed document verifies against it.
type Hash struct {
	// ID is the row id.
	ID int64 `json:"id"`
	// CertificateID is the fingerprinted certificate.
	CertificateID uuid.UUID `json:"certificateId"`
	// Algorithm names the digest, SHA-256 unless stated otherwise.
	Algorithm string `json:"algorithm"`
	// Value is the base64-encoded digest.
	Value string `json:"value"`
	// CreatedAt is when the fingerprint was recorded.
	CreatedAt time.Time `json:"createdAt"`
}

// CheckAndSetDefaults validates the hash and fills defaults.
func (h *Hash) CheckAndSetDefaults() error {
	switch {
	case h.CertificateID == uuid.Nil:
		return trace.BadParameter("missing certificate id")
	case h.Value == "":
		return trace.BadParameter("missing hash value")
	}
	if h.Algorithm == "" {
		h.Algorithm = defaults.HashAlgorithm
	}
	return nil
}

// ListFilter narrows ListCertificates.
type ListFilter struct {
	// Status keeps only certificates in the given state when set.
	Status Status
	// TemplateVersionID keeps only certificates of one version when set.
	TemplateVersionID uuid.UUID
	// Limit caps the page size when positive.
	Limit int
	// Offset skips that many certificates from the newest end.
	Offset int
}

// Store persists certificates inside the tenant schema bound to the caller's
// context. Status writes verify the current state inside the same statement,
// so a lost race surfaces as a not found or compare failed error instead of a
// silent overwrite.
type Store interface {
	// CreateCertificate inserts a PENDING certificate. When monthlyQuota is
	// positive the tenant's certificates for the issue month are counted in
	// the same transaction and ErrQuotaExceeded is returned on overflow.
	CreateCertificate(ctx context.Context, cert Certificate, monthlyQuota int) (*Certificate, error)
	// GetCertificate returns a certificate by id.
	GetCertificate(ctx context.Context, id uuid.UUID) (*Certificate, error)
	// GetCertificateByNumber returns a certificate by its tenant-unique
	// number.
	GetCertificateByNumber(ctx context.Context, number string) (*Certificate, error)
	// ListCertificates returns the tenant's certificates, newest first.
	ListCertificates(ctx context.Context, filter ListFilter) ([]Certificate, error)
	// ListStalePreviews returns previews rendered before the cutoff.
	ListStalePreviews(ctx context.Context, cutoff time.Time) ([]Certificate, error)

	// MarkProcessing moves a PENDING, FAILED or stalled PROCESSING
	// certificate to PROCESSING.
	MarkProcessing(ctx context.Context, id uuid.UUID) (*Certificate, error)
	// MarkIssued completes generation: PROCESSING to ISSUED with the stored
	// document's key.
	MarkIssued(ctx context.Context, id uuid.UUID, storagePath string) (*Certificate, error)
	// MarkPreviewReady completes a preview render: PROCESSING back to
	// PENDING with the document key and preview timestamp set.
	MarkPreviewReady(ctx context.Context, id uuid.UUID, storagePath string, at time.Time) (*Certificate, error)
	// PromotePreview issues a rendered preview: PENDING to ISSUED, clearing
	// the preview timestamp. Fails for certificates that are not previews.
	PromotePreview(ctx context.Context, id uuid.UUID) (*Certificate, error)
	// Revoke moves a certificate to REVOKED. Revocation is terminal.
	Revoke(ctx context.Context, id uuid.UUID) (*Certificate, error)
	// SweepPreview revokes a stale preview and clears its document key so
	// the blob can be deleted. Fails if the preview was promoted meanwhile.
	SweepPreview(ctx context.Context, id uuid.UUID) (*Certificate, error)
	// MarkFailed records a failure: the certificate moves to FAILED and the
	// message and timestamp merge into its metadata.
	MarkFailed(ctx context.Context, id uuid.UUID, message string, at time.Time) (*Certificate, error)

	// SetHash records the certificate's document fingerprint on the row.
	// The hash is write-once: repeating the same value is a no-op, a
	// different value fails.
	SetHash(ctx context.Context, id uuid.UUID, hash string) (*Certificate, error)
}

// HashStore persists certificate fingerprints for verification lookups.
type HashStore interface {
	// InsertHash records a fingerprint. One row per certificate: repeating
	// the same value is a no-op, a different value fails.
	InsertHash(ctx context.Context, hash Hash) (*Hash, error)
	// GetHashByCertificate returns the certificate's fingerprint.
	GetHashByCertificate(ctx context.Context, certificateID uuid.UUID) (*Hash, error)
	// GetHashByValue looks a fingerprint up by its value.
	GetHashByValue(ctx context.Context, value string) (*Hash, error)
}
