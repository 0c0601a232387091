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
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vellumlabs/vellum/lib/tenancy"
	"github.com/vellumlabs/vellum/lib/tenantdb"
)

const (
	certificateColumns = "id, customer_id, template_version_id, certificate_number, recipient_data, metadata, " +
		"storage_path, signed_hash, status, issued_at, expires_at, issued_by, preview_generated_at, created_at, updated_at"
	hashColumns = "id, certificate_id, algorithm, hash_value, created_at"
)

var (
	_ Store     = (*PGStore)(nil)
	_ HashStore = (*PGStore)(nil)
)

// PGStore persists certificates and their fingerprints in the tenant schema
// bound to the caller's context.
type PGStore struct {
	pool *tenantdb.Pool
}

// NewPGStore returns a Postgres-backed certificate store.
func NewPGStore(pool *tenantdb.Pool) (*PGStore, error) {
	if pool == nil {
		return nil, trace.BadParameter("missing pool")
	}
	return &PGStore{pool: pool}, nil
}

func (s *PGStore) withTenant(ctx context.Context, fn func(conn *pgxpool.Conn) error) error {
	schema, err := tenancy.SchemaFromContext(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(s.pool.WithSchema(ctx, schema, fn))
}

func (s *PGStore) inTenantTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	schema, err := tenancy.SchemaFromContext(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(s.pool.RunInTx(ctx, schema, fn))
}

// CreateCertificate inserts a PENDING certificate. The quota count shares the
// insert's transaction, so concurrent writers see each other's rows at most
// one commit late.
func (s *PGStore) CreateCertificate(ctx context.Context, cert Certificate, monthlyQuota int) (*Certificate, error) {
	if err := cert.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	recipientData, err := marshalJSON(cert.RecipientData)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	metadata, err := marshalJSON(cert.Metadata)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if cert.ID == uuid.Nil {
		cert.ID = uuid.New()
	}
	var created Certificate
	err = s.inTenantTx(ctx, func(tx pgx.Tx) error {
		if monthlyQuota > 0 {
			start, end := monthWindow(cert.IssuedAt)
			var issued int
			if err := tx.QueryRow(ctx,
				"SELECT count(*) FROM certificates WHERE issued_at >= $1 AND issued_at < $2",
				start, end).Scan(&issued); err != nil {
				return trace.Wrap(err)
			}
			if issued >= monthlyQuota {
				return trace.Wrap(ErrQuotaExceeded, "customer %v reached its quota of %v certificates this month", cert.CustomerID, monthlyQuota)
			}
		}
		row := tx.QueryRow(ctx,
			`INSERT INTO certificates (id, customer_id, template_version_id, certificate_number,
			                           recipient_data, metadata, status, issued_at, expires_at, issued_by)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			 RETURNING `+certificateColumns,
			cert.ID, cert.CustomerID, cert.TemplateVersionID, cert.CertificateNumber,
			recipientData, metadata, StatusPending, cert.IssuedAt.UTC(), cert.ExpiresAt, textOrNull(cert.IssuedBy),
		)
		return trace.Wrap(scanCertificate(row, &created))
	})
	if err != nil {
		if IsQuotaExceeded(err) {
			return nil, trace.Wrap(err)
		}
		return nil, tenantdb.ConvertError(err)
	}
	return &created, nil
}

// GetCertificate returns a certificate by id.
func (s *PGStore) GetCertificate(ctx context.Context, id uuid.UUID) (*Certificate, error) {
	var cert Certificate
	err := s.withTenant(ctx, func(conn *pgxpool.Conn) error {
		row := conn.QueryRow(ctx, "SELECT "+certificateColumns+" FROM certificates WHERE id = $1", id)
		return trace.Wrap(scanCertificate(row, &cert))
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, trace.NotFound("certificate %v not found", id)
		}
		return nil, tenantdb.ConvertError(err)
	}
	return &cert, nil
}

// GetCertificateByNumber returns a certificate by number.
func (s *PGStore) GetCertificateByNumber(ctx context.Context, number string) (*Certificate, error) {
	var cert Certificate
	err := s.withTenant(ctx, func(conn *pgxpool.Conn) error {
		row := conn.QueryRow(ctx, "SELECT "+certificateColumns+" FROM certificates WHERE certificate_number = $1", number)
		return trace.Wrap(scanCertificate(row, &cert))
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, trace.NotFound("certificate %q not found", number)
		}
		return nil, tenantdb.ConvertError(err)
	}
	return &cert, nil
}

// ListCertificates returns the tenant's certificates, newest first.
func (s *PGStore) ListCertificates(ctx context.Context, filter ListFilter) ([]Certificate, error) {
	query := "SELECT " + certificateColumns + " FROM certificates"
	var conds []string
	var args []any
	if filter.Status != "" {
		args = append(args, filter.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.TemplateVersionID != uuid.Nil {
		args = append(args, filter.TemplateVersionID)
		conds = append(conds, fmt.Sprintf("template_version_id = $%d", len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, certificate_number"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	var certs []Certificate
	err := s.withTenant(ctx, func(conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, query, args...)
		if err != nil {
			return trace.Wrap(err)
		}
		defer rows.Close()
		for rows.Next() {
			var cert Certificate
			if err := scanCertificate(rows, &cert); err != nil {
				return trace.Wrap(err)
			}
			certs = append(certs, cert)
		}
		return trace.Wrap(rows.Err())
	})
	if err != nil {
		return nil, tenantdb.ConvertError(err)
	}
	return certs, nil
}

// ListStalePreviews returns unpromoted previews rendered before the cutoff.
func (s *PGStore) ListStalePreviews(ctx context.Context, cutoff time.Time) ([]Certificate, error) {
	var certs []Certificate
	err := s.withTenant(ctx, func(conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx,
			`SELECT `+certificateColumns+` FROM certificates
			 WHERE status = $1 AND preview_generated_at IS NOT NULL AND preview_generated_at < $2
			 ORDER BY preview_generated_at`,
			StatusPending, cutoff.UTC())
		if err != nil {
			return trace.Wrap(err)
		}
		defer rows.Close()
		for rows.Next() {
			var cert Certificate
			if err := scanCertificate(rows, &cert); err != nil {
				return trace.Wrap(err)
			}
			certs = append(certs, cert)
		}
		return trace.Wrap(rows.Err())
	})
	if err != nil {
		return nil, tenantdb.ConvertError(err)
	}
	return certs, nil
}

// MarkProcessing claims a certificate for rendering.
func (s *PGStore) MarkProcessing(ctx context.Context, id uuid.UUID) (*Certificate, error) {
	var updated Certificate
	err := s.inTenantTx(ctx, func(tx pgx.Tx) error {
		status, err := lockStatus(ctx, tx, id)
		if err != nil {
			return trace.Wrap(err)
		}
		if err := checkStatusTransition(status, StatusProcessing); err != nil {
			return trace.Wrap(err)
		}
		row := tx.QueryRow(ctx,
			"UPDATE certificates SET status = $2, updated_at = now() WHERE id = $1 RETURNING "+certificateColumns,
			id, StatusProcessing)
		return trace.Wrap(scanCertificate(row, &updated))
	})
	if err != nil {
		return nil, tenantdb.ConvertError(err)
	}
	return &updated, nil
}

// MarkIssued completes generation of a PROCESSING certificate.
func (s *PGStore) MarkIssued(ctx context.Context, id uuid.UUID, storagePath string) (*Certificate, error) {
	if storagePath == "" {
		return nil, trace.BadParameter("missing storage path")
	}
	var updated Certificate
	err := s.inTenantTx(ctx, func(tx pgx.Tx) error {
		var current Certificate
		row := tx.QueryRow(ctx, "SELECT "+certificateColumns+" FROM certificates WHERE id = $1 FOR UPDATE", id)
		if err := scanCertificate(row, &current); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return trace.NotFound("certificate %v not found", id)
			}
			return trace.Wrap(err)
		}
		if current.Status != StatusProcessing {
			if current.Status == StatusIssued && current.StoragePath == storagePath {
				updated = current
				return nil
			}
			return trace.CompareFailed("certificate %v is %v, cannot complete generation", id, current.Status)
		}
		row = tx.QueryRow(ctx,
			"UPDATE certificates SET status = $2, storage_path = $3, updated_at = now() WHERE id = $1 RETURNING "+certificateColumns,
			id, StatusIssued, storagePath)
		return trace.Wrap(scanCertificate(row, &updated))
	})
	if err != nil {
		return nil, tenantdb.ConvertError(err)
	}
	return &updated, nil
}

// MarkPreviewReady finishes a preview render, returning the certificate to
// PENDING with the document key and preview timestamp set.
func (s *PGStore) MarkPreviewReady(ctx context.Context, id uuid.UUID, storagePath string, at time.Time) (*Certificate, error) {
	switch {
	case storagePath == "":
		return nil, trace.BadParameter("missing storage path")
	case at.IsZero():
		return nil, trace.BadParameter("missing preview render time")
	}
	var updated Certificate
	err := s.inTenantTx(ctx, func(tx pgx.Tx) error {
		status, err := lockStatus(ctx, tx, id)
		if err != nil {
			return trace.Wrap(err)
		}
		if status != StatusProcessing {
			return trace.CompareFailed("certificate %v is %v, cannot complete preview", id, status)
		}
		row := tx.QueryRow(ctx,
			`UPDATE certificates SET status = $2, storage_path = $3, preview_generated_at = $4, updated_at = now()
			 WHERE id = $1 RETURNING `+certificateColumns,
			id, StatusPending, storagePath, at.UTC())
		return trace.Wrap(scanCertificate(row, &updated))
	})
	if err != nil {
		return nil, tenantdb.ConvertError(err)
	}
	return &updated, nil
}

// PromotePreview issues a rendered preview without re-rendering.
func (s *PGStore) PromotePreview(ctx context.Context, id uuid.UUID) (*Certificate, error) {
	var updated Certificate
	err := s.inTenantTx(ctx, func(tx pgx.Tx) error {
		var current Certificate
		row := tx.QueryRow(ctx, "SELECT "+certificateColumns+" FROM certificates WHERE id = $1 FOR UPDATE", id)
		if err := scanCertificate(row, &current); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return trace.NotFound("certificate %v not found", id)
			}
			return trace.Wrap(err)
		}
		if current.Status != StatusPending || !current.IsPreview() || current.StoragePath == "" {
			return trace.CompareFailed("certificate %v is not a preview awaiting promotion", id)
		}
		row = tx.QueryRow(ctx,
			`UPDATE certificates SET status = $2, preview_generated_at = NULL, updated_at = now()
			 WHERE id = $1 RETURNING `+certificateColumns,
			id, StatusIssued)
		return trace.Wrap(scanCertificate(row, &updated))
	})
	if err != nil {
		return nil, tenantdb.ConvertError(err)
	}
	return &updated, nil
}

// Revoke moves a certificate to REVOKED. Revoking twice is a no-op.
func (s *PGStore) Revoke(ctx context.Context, id uuid.UUID) (*Certificate, error) {
	var updated Certificate
	err := s.inTenantTx(ctx, func(tx pgx.Tx) error {
		var current Certificate
		row := tx.QueryRow(ctx, "SELECT "+certificateColumns+" FROM certificates WHERE id = $1 FOR UPDATE", id)
		if err := scanCertificate(row, &current); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return trace.NotFound("certificate %v not found", id)
			}
			return trace.Wrap(err)
		}
		if current.Status == StatusRevoked {
			updated = current
			return nil
		}
		if err := checkStatusTransition(current.Status, StatusRevoked); err != nil {
			return trace.Wrap(err)
		}
		row = tx.QueryRow(ctx,
			"UPDATE certificates SET status = $2, updated_at = now() WHERE id = $1 RETURNING "+certificateColumns,
			id, StatusRevoked)
		return trace.Wrap(scanCertificate(row, &updated))
	})
	if err != nil {
		return nil, tenantdb.ConvertError(err)
	}
	return &updated, nil
}

// SweepPreview revokes a stale preview and clears its document key. Fails
// when the preview was promoted in the meantime.
func (s *PGStore) SweepPreview(ctx context.Context, id uuid.UUID) (*Certificate, error) {
	var updated Certificate
	err := s.inTenantTx(ctx, func(tx pgx.Tx) error {
		var current Certificate
		row := tx.QueryRow(ctx, "SELECT "+certificateColumns+" FROM certificates WHERE id = $1 FOR UPDATE", id)
		if err := scanCertificate(row, &current); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return trace.NotFound("certificate %v not found", id)
			}
			return trace.Wrap(err)
		}
		if current.Status != StatusPending || !current.IsPreview() {
			return trace.CompareFailed("certificate %v is not a sweepable preview", id)
		}
		row = tx.QueryRow(ctx,
			`UPDATE certificates SET status = $2, storage_path = NULL, preview_generated_at = NULL, updated_at = now()
			 WHERE id = $1 RETURNING `+certificateColumns,
			id, StatusRevoked)
		return trace.Wrap(scanCertificate(row, &updated))
	})
	if err != nil {
		return nil, tenantdb.ConvertError(err)
	}
	return &updated, nil
}

// MarkFailed records a failure on the certificate's metadata and moves it to
// FAILED. Metadata that no longer parses is replaced with a minimal error
// entry instead of masking the failure.
func (s *PGStore) MarkFailed(ctx context.Context, id uuid.UUID, message string, at time.Time) (*Certificate, error) {
	var updated Certificate
	err := s.inTenantTx(ctx, func(tx pgx.Tx) error {
		var status Status
		var rawMetadata []byte
		err := tx.QueryRow(ctx,
			"SELECT status, metadata FROM certificates WHERE id = $1 FOR UPDATE", id).Scan(&status, &rawMetadata)
		if errors.Is(err, pgx.ErrNoRows) {
			return trace.NotFound("certificate %v not found", id)
		}
		if err != nil {
			return trace.Wrap(err)
		}
		if err := checkStatusTransition(status, StatusFailed); err != nil {
			return trace.Wrap(err)
		}
		var existing map[string]any
		if len(rawMetadata) > 0 {
			if err := json.Unmarshal(rawMetadata, &existing); err != nil {
				existing = nil
			}
		}
		metadata, err := marshalJSON(mergeFailure(existing, message, at))
		if err != nil {
			return trace.Wrap(err)
		}
		row := tx.QueryRow(ctx,
			"UPDATE certificates SET status = $2, metadata = $3, updated_at = now() WHERE id = $1 RETURNING "+certificateColumns,
			id, StatusFailed, metadata)
		return trace.Wrap(scanCertificate(row, &updated))
	})
	if err != nil {
		return nil, tenantdb.ConvertError(err)
	}
	return &updated, nil
}

// SetHash records the write-once document fingerprint on the certificate.
func (s *PGStore) SetHash(ctx context.Context, id uuid.UUID, hash string) (*Certificate, error) {
	if hash == "" {
		return nil, trace.BadParameter("missing document hash")
	}
	var updated Certificate
	err := s.inTenantTx(ctx, func(tx pgx.Tx) error {
		var current Certificate
		row := tx.QueryRow(ctx, "SELECT "+certificateColumns+" FROM certificates WHERE id = $1 FOR UPDATE", id)
		if err := scanCertificate(row, &current); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return trace.NotFound("certificate %v not found", id)
			}
			return trace.Wrap(err)
		}
		if current.SignedHash != "" {
			if current.SignedHash == hash {
				updated = current
				return nil
			}
			return trace.CompareFailed("certificate %v already carries a different document hash", id)
		}
		row = tx.QueryRow(ctx,
			"UPDATE certificates SET signed_hash = $2, updated_at = now() WHERE id = $1 RETURNING "+certificateColumns,
			id, hash)
		return trace.Wrap(scanCertificate(row, &updated))
	})
	if err != nil {
		return nil, tenantdb.ConvertError(err)
	}
	return &updated, nil
}

// InsertHash records a certificate's fingerprint for verification lookups.
func (s *PGStore) InsertHash(ctx context.Context, hash Hash) (*Hash, error) {
	if err := hash.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	var inserted Hash
	err := s.inTenantTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`INSERT INTO certificate_hashes (certificate_id, algorithm, hash_value)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (certificate_id) DO NOTHING
			 RETURNING `+hashColumns,
			hash.CertificateID, hash.Algorithm, hash.Value,
		)
		err := scanHash(row, &inserted)
		if !errors.Is(err, pgx.ErrNoRows) {
			return trace.Wrap(err)
		}
		// Conflict: a fingerprint already exists. Repeating the same value
		// stays idempotent, a different value is refused.
		row = tx.QueryRow(ctx,
			"SELECT "+hashColumns+" FROM certificate_hashes WHERE certificate_id = $1", hash.CertificateID)
		if err := scanHash(row, &inserted); err != nil {
			return trace.Wrap(err)
		}
		if inserted.Value != hash.Value {
			return trace.CompareFailed("certificate %v already has a recorded fingerprint", hash.CertificateID)
		}
		return nil
	})
	if err != nil {
		return nil, tenantdb.ConvertError(err)
	}
	return &inserted, nil
}

// GetHashByCertificate returns the certificate's fingerprint.
func (s *PGStore) GetHashByCertificate(ctx context.Context, certificateID uuid.UUID) (*Hash, error) {
	var hash Hash
	err := s.withTenant(ctx, func(conn *pgxpool.Conn) error {
		row := conn.QueryRow(ctx,
			"SELECT "+hashColumns+" FROM certificate_hashes WHERE certificate_id = $1", certificateID)
		return trace.Wrap(scanHash(row, &hash))
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, trace.NotFound("certificate %v has no recorded fingerprint", certificateID)
		}
		return nil, tenantdb.ConvertError(err)
	}
	return &hash, nil
}

// GetHashByValue looks a fingerprint up by its value.
func (s *PGStore) GetHashByValue(ctx context.Context, value string) (*Hash, error) {
	var hash Hash
	err := s.withTenant(ctx, func(conn *pgxpool.Conn) error {
		row := conn.QueryRow(ctx,
			"SELECT "+hashColumns+" FROM certificate_hashes WHERE hash_value = $1 LIMIT 1", value)
		return trace.Wrap(scanHash(row, &hash))
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, trace.NotFound("no certificate matches the supplied hash")
		}
		return nil, tenantdb.ConvertError(err)
	}
	return &hash, nil
}

// lockStatus locks the certificate row and returns its current status.
func lockStatus(ctx context.Context, tx pgx.Tx, id uuid.UUID) (Status, error) {
	var status Status
	err := tx.QueryRow(ctx, "SELECT status FROM certificates WHERE id = $1 FOR UPDATE", id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", trace.NotFound("certificate %v not found", id)
	}
	if err != nil {
		return "", trace.Wrap(err)
	}
	return status, nil
}

func scanCertificate(row pgx.Row, c *Certificate) error {
	var recipientData, metadata []byte
	var storagePath, signedHash, issuedBy *string
	if err := row.Scan(
		&c.ID, &c.CustomerID, &c.TemplateVersionID, &c.CertificateNumber, &recipientData, &metadata,
		&storagePath, &signedHash, &c.Status, &c.IssuedAt, &c.ExpiresAt, &issuedBy, &c.PreviewGeneratedAt,
		&c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return trace.Wrap(err)
	}
	c.StoragePath = orEmpty(storagePath)
	c.SignedHash = orEmpty(signedHash)
	c.IssuedBy = orEmpty(issuedBy)
	if err := unmarshalJSON(recipientData, &c.RecipientData); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(unmarshalJSON(metadata, &c.Metadata))
}

func scanHash(row pgx.Row, h *Hash) error {
	return trace.Wrap(row.Scan(&h.ID, &h.CertificateID, &h.Algorithm, &h.Value, &h.CreatedAt))
}

func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(v)
	return data, trace.Wrap(err)
}

func unmarshalJSON(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return trace.Wrap(json.Unmarshal(data, v))
}

func textOrNull(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func orEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
