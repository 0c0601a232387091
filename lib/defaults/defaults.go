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

// Package defaults contains default constants set in various parts of
// the certificate platform.
package defaults

import "time"

const (
	// BaseURL is the public base URL used for verification links when the
	// environment does not provide one.
	BaseURL = "http://localhost:8080"

	// HTTPListenAddr is the default API listen address.
	HTTPListenAddr = "0.0.0.0:8080"

	// MaxHTTPBodyBytes caps an API request body. Template versions carry
	// whole HTML documents, so the limit is generous.
	MaxHTTPBodyBytes = 10 * 1024 * 1024

	// HTTPShutdownTimeout bounds the drain of in-flight requests on
	// shutdown.
	HTTPShutdownTimeout = 30 * time.Second

	// HTTPReadHeaderTimeout bounds how long a client may take to send
	// request headers.
	HTTPReadHeaderTimeout = 10 * time.Second

	// PresignTTL is the lifetime of a download URL when the caller does not
	// ask for one.
	PresignTTL = time.Hour

	// PresignMaxTTL caps a requested download URL lifetime. S3 refuses
	// anything above seven days, so the cap is enforced before signing.
	PresignMaxTTL = 7 * 24 * time.Hour

	// RenderTimeout bounds a single HTML to PDF conversion.
	RenderTimeout = 2 * time.Minute

	// MaxPreviewAge is how long a generated preview may stay unclaimed
	// before the sweeper revokes it.
	MaxPreviewAge = 30 * time.Minute

	// SweepInterval is how often the preview sweeper runs.
	SweepInterval = 5 * time.Minute

	// QueueMaxDeliveries is the delivery budget of a generation message
	// before the broker moves it to the dead letter queue.
	QueueMaxDeliveries = 3

	// QueueWaitTime is the long poll duration of the queue consumer.
	QueueWaitTime = 5 * time.Second

	// QueueVisibilityTimeout hides an in-flight generation message from
	// other consumers while a worker processes it.
	QueueVisibilityTimeout = 5 * time.Minute

	// WorkerConcurrency is how many generation messages a worker pool
	// processes at once.
	WorkerConcurrency = 4

	// TenantCacheTTL bounds how long a resolved tenant header stays cached.
	TenantCacheTTL = 30 * time.Second

	// CertificateNumberMaxLen is the storage limit of a certificate number.
	CertificateNumberMaxLen = 100

	// VerifyHashMaxLen rejects oversized verification probes before any
	// tenant is consulted.
	VerifyHashMaxLen = 128

	// HashAlgorithm is the only fingerprint algorithm the platform writes.
	HashAlgorithm = "SHA-256"
)

const (
	// TenantSchemaPattern constrains tenant schema names. Identifiers are
	// interpolated into search_path, so nothing outside this set may pass.
	TenantSchemaPattern = `^[A-Za-z0-9_]{1,75}$`

	// TemplateCodePattern constrains template codes.
	TemplateCodePattern = `^[A-Za-z0-9_-]{1,100}$`
)
