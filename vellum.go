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

// Package vellum holds constants shared across the certificate platform.
package vellum

const (
	// MetricNamespace is the prometheus namespace of all platform metrics.
	MetricNamespace = "vellum"

	// ComponentKey is the log field that carries the component name.
	ComponentKey = "component"

	// ComponentRegistry is the tenant registry and onboarding service.
	ComponentRegistry = "registry"

	// ComponentTemplates is the certificate template store.
	ComponentTemplates = "templates"

	// ComponentEngine is the certificate lifecycle engine.
	ComponentEngine = "engine"

	// ComponentRenderer is the two-pass PDF renderer.
	ComponentRenderer = "renderer"

	// ComponentBlob is the object storage adapter.
	ComponentBlob = "blob"

	// ComponentQueue is the generation queue.
	ComponentQueue = "queue"

	// ComponentWorker is the asynchronous generation worker.
	ComponentWorker = "worker"

	// ComponentSweeper is the stale preview sweeper.
	ComponentSweeper = "sweeper"

	// ComponentVerify is the public verification service.
	ComponentVerify = "verify"

	// ComponentWeb is the HTTP API.
	ComponentWeb = "web"

	// ComponentService is the process supervisor that wires and runs all of
	// the above.
	ComponentService = "service"
)

const (
	// HeaderTenantID carries a numeric customer id on tenant-scoped requests.
	HeaderTenantID = "X-Tenant-Id"

	// HeaderTenantSchema carries a tenant schema name on tenant-scoped
	// requests. When both tenant headers are present the id wins.
	HeaderTenantSchema = "X-Tenant-Schema"

	// HeaderAuthenticatedUser carries the caller identity asserted by the
	// fronting proxy. The API never parses credentials itself.
	HeaderAuthenticatedUser = "X-Authenticated-User"

	// HeaderAuthenticatedRole carries the caller role asserted by the
	// fronting proxy.
	HeaderAuthenticatedRole = "X-Authenticated-Role"
)

const (
	// BaseURLEnvVar overrides the public base URL used when building
	// verification links.
	BaseURLEnvVar = "APP_BASE_URL"

	// DebugEnvVar turns on debug logging.
	DebugEnvVar = "VELLUM_DEBUG"
)

// Version is the semantic version of the build, set at link time.
var Version = "0.1.0"
