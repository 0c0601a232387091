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

// Package blob stores rendered certificate documents in an object store and
// hands out expiring download links. Keys are namespaced by tenant schema so
// one bucket serves all tenants.
package blob

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store reads and writes certificate documents.
type Store interface {
	// Put stores a document under key, overwriting any previous content.
	Put(ctx context.Context, key string, data []byte) error
	// Get returns the document stored under key.
	Get(ctx context.Context, key string) ([]byte, error)
	// Exists reports whether a document is stored under key.
	Exists(ctx context.Context, key string) (bool, error)
	// Delete removes the document stored under key. Deleting a missing key
	// is not an error.
	Delete(ctx context.Context, key string) error
	// Presign returns a URL that grants time-limited read access to key.
	// The TTL is clamped to the store's maximum.
	Presign(ctx context.Context, key string, ttl time.Duration) (string, error)
}

const contentTypePDF = "application/pdf"

// CertificateKey returns the object key of a certificate document:
// {schema}/certificates/{year}/{month}/{id}.pdf. The issue date, not the
// upload date, picks the partition so reissued documents land in place.
func CertificateKey(schema string, certificateID uuid.UUID, issuedAt time.Time) string {
	issuedAt = issuedAt.UTC()
	return fmt.Sprintf("%s/certificates/%04d/%02d/%s.pdf",
		schema, issuedAt.Year(), int(issuedAt.Month()), certificateID)
}
