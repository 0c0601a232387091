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

// Package certificates drives a certificate from generation request through
// rendering, fingerprinting, storage and revocation.
//
// The engine is the only component that advances certificate status. All
// writes go through the store's state checks, so a forbidden transition
// never mutates a row regardless of which path attempted it.
package certificates

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/vellumlabs/vellum/lib/defaults"
	"github.com/vellumlabs/vellum/lib/utils"
)

// Status is the lifecycle state of a certificate.
type Status string

const (
	// StatusPending marks a certificate accepted but not yet rendered, or a
	// rendered preview waiting for promotion.
	StatusPending Status = "PENDING"

	// StatusProcessing marks a certificate a worker is rendering.
	StatusProcessing Status = "PROCESSING"

	// StatusIssued marks a completed certificate with a stored document and
	// fingerprint. Issued certificates only ever move to REVOKED.
	StatusIssued Status = "ISSUED"

	// StatusFailed marks a failed generation attempt. Failed certificates
	// are retriable.
	StatusFailed Status = "FAILED"

	// StatusRevoked is terminal.
	StatusRevoked Status = "REVOKED"
)

// Check validates the status value.
func (s Status) Check() error {
	switch s {
	case StatusPending, StatusProcessing, StatusIssued, StatusFailed, StatusRevoked:
		return nil
	}
	return trace.BadParameter("unknown certificate status %q", s)
}

// checkStatusTransition enforces the certificate state machine. Same-state
// writes are allowed so duplicate deliveries and metadata merges stay
// idempotent.
//
//	PENDING    -> PROCESSING, ISSUED (preview promotion), FAILED, REVOKED
//	PROCESSING -> ISSUED, PENDING (preview rendered), FAILED, REVOKED
//	FAILED     -> PROCESSING (retry), REVOKED
//	ISSUED     -> REVOKED
//	REVOKED    -> nothing
func checkStatusTransition(from, to Status) error {
	if from == to {
		return nil
	}
	allowed := false
	switch from {
	case StatusPending:
		allowed = to == StatusProcessing || to == StatusIssued || to == StatusFailed || to == StatusRevoked
	case StatusProcessing:
		allowed = to == StatusIssued || to == StatusPending || to == StatusFailed || to == StatusRevoked
	case StatusFailed:
		allowed = to == StatusProcessing || to == StatusRevoked
	case StatusIssued:
		allowed = to == StatusRevoked
	case StatusRevoked:
		allowed = false
	}
	if !allowed {
		return trace.CompareFailed("cannot transition certificate from %v to %v", from, to)
	}
	return nil
}

// Certificate is one issued (or in-flight) certificate. Rows live in the
// owning tenant's schema.
type Certificate struct {
	// ID is the certificate id.
	ID uuid.UUID `json:"id"`
	// CustomerID is the owning tenant.
	CustomerID int64 `json:"customerId"`
	// TemplateVersionID is the published version the certificate renders
	// from.
	TemplateVersionID uuid.UUID `json:"templateVersionId"`
	// CertificateNumber is the tenant-unique human-readable number.
	CertificateNumber string `json:"certificateNumber"`
	// RecipientData is the payload validated against the version's field
	// schema.
	RecipientData map[string]any `json:"recipientData"`
	// Metadata is free-form. Failure audits merge into it.
	Metadata map[string]any `json:"metadata,omitempty"`
	// StoragePath is the object key of the stored document, empty until
	// rendered.
	StoragePath string `json:"storagePath,omitempty"`
	// SignedHash is base64(SHA-256) of the first-pass document. Write-once.
	SignedHash string `json:"signedHash,omitempty"`
	// Status is the lifecycle state.
	Status Status `json:"status"`
	// IssuedAt is the issue instant. It drives the rendered dates and the
	// storage key partition, so it is immutable once set.
	IssuedAt time.Time `json:"issuedAt"`
	// ExpiresAt is the optional expiry, strictly after IssuedAt.
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	// IssuedBy is the caller that requested issuance, empty for anonymous
	// callers and previews.
	IssuedBy string `json:"issuedBy,omitempty"`
	// PreviewGeneratedAt marks rendered previews awaiting promotion.
	PreviewGeneratedAt *time.Time `json:"previewGeneratedAt,omitempty"`
	// CreatedAt is when the row was inserted.
	CreatedAt time.Time `json:"createdAt"`
	// UpdatedAt is when the row last changed.
	UpdatedAt time.Time `json:"updatedAt"`
}

// CheckAndSetDefaults validates the certificate and fills defaults.
func (c *Certificate) CheckAndSetDefaults() error {
	switch {
	case c.TemplateVersionID == uuid.Nil:
		return trace.BadParameter("missing template version id")
	case c.CustomerID == 0:
		return trace.BadParameter("missing customer id")
	case c.CertificateNumber == "":
		return trace.BadParameter("missing certificate number")
	case len(c.CertificateNumber) > defaults.CertificateNumberMaxLen:
		return trace.BadParameter("certificate number exceeds %d characters", defaults.CertificateNumberMaxLen)
	case len(c.RecipientData) == 0:
		return trace.BadParameter("missing recipient data")
	case c.IssuedAt.IsZero():
		return trace.BadParameter("missing issue time")
	}
	if c.ExpiresAt != nil && !c.ExpiresAt.After(c.IssuedAt) {
		return trace.BadParameter("expiry %v is not after issue time %v", c.ExpiresAt, c.IssuedAt)
	}
	if c.Status == "" {
		c.Status = StatusPending
	}
	return trace.Wrap(c.Status.Check())
}

// IsPreview reports whether the certificate is a rendered preview awaiting
// promotion or sweep.
func (c *Certificate) IsPreview() bool {
	return c.PreviewGeneratedAt != nil
}

// Expired reports whether the certificate's validity window has passed.
func (c *Certificate) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && c.ExpiresAt.Before(now)
}

// Downloadable reports whether the certificate has a document a caller may
// fetch: issued, or a preview waiting for promotion.
func (c *Certificate) Downloadable() bool {
	if c.StoragePath == "" {
		return false
	}
	return c.Status == StatusIssued || (c.Status == StatusPending && c.IsPreview())
}

// Mode selects how generation runs.
type Mode string

const (
	// ModeSync renders inline and returns the issued certificate.
	ModeSync Mode = "sync"

	// ModeAsync enqueues the work and returns the pending certificate.
	ModeAsync Mode = "async"
)

// Check validates the mode value.
func (m Mode) Check() error {
	switch m {
	case ModeSync, ModeAsync:
		return nil
	}
	return trace.BadParameter("unknown generation mode %q", m)
}

// GenerateRequest asks the engine to issue one certificate.
type GenerateRequest struct {
	// TemplateID selects the template. TemplateCode may be used instead.
	TemplateID int64 `json:"templateId,omitempty"`
	// TemplateCode selects the template by code when TemplateID is unset.
	TemplateCode string `json:"templateCode,omitempty"`
	// TemplateVersionID pins an explicit published version. When unset the
	// template's current published version is used.
	TemplateVersionID uuid.UUID `json:"templateVersionId,omitempty"`
	// CertificateNumber overrides the generated number.
	CertificateNumber string `json:"certificateNumber,omitempty"`
	// RecipientData is validated against the version's field schema.
	RecipientData map[string]any `json:"recipientData"`
	// Metadata is stored with the certificate.
	Metadata map[string]any `json:"metadata,omitempty"`
	// ExpiresAt is the optional expiry.
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	// Preview renders the document without issuing: the certificate stays
	// PENDING until promoted or swept.
	Preview bool `json:"preview,omitempty"`
}

// CheckAndSetDefaults validates the request.
func (r *GenerateRequest) CheckAndSetDefaults() error {
	if r.TemplateID == 0 && r.TemplateCode == "" {
		return trace.BadParameter("missing template reference, set templateId or templateCode")
	}
	if len(r.RecipientData) == 0 {
		return trace.BadParameter("missing recipient data")
	}
	if len(r.CertificateNumber) > defaults.CertificateNumberMaxLen {
		return trace.BadParameter("certificate number exceeds %d characters", defaults.CertificateNumberMaxLen)
	}
	return nil
}

// NewCertificateNumber builds the default certificate number,
// {CODE}-{YYYYMMDD}-{6 random hex}, CERT-prefixed when no template code is
// available. The code is uppercased and truncated so the result fits the
// storage limit.
func NewCertificateNumber(templateCode string, issuedAt time.Time) (string, error) {
	random, err := utils.CryptoRandomHex(3)
	if err != nil {
		return "", trace.Wrap(err)
	}
	prefix := "CERT"
	if templateCode != "" {
		prefix = strings.ToUpper(templateCode)
	}
	suffix := fmt.Sprintf("-%s-%s", issuedAt.UTC().Format("20060102"), strings.ToUpper(random))
	if len(prefix)+len(suffix) > defaults.CertificateNumberMaxLen {
		prefix = prefix[:defaults.CertificateNumberMaxLen-len(suffix)]
	}
	return prefix + suffix, nil
}
