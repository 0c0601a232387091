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

package templates

import (
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/vellumlabs/vellum/lib/tenancy"
)

// RefCounter reports how many certificates reference a template version.
// The memory store uses it for the published-to-draft guard; the Postgres
// store counts rows directly.
type RefCounter func(ctx context.Context, versionID uuid.UUID) (int, error)

// MemoryStore is an in-memory Store for tests and local development. Data
// is partitioned by the tenant schema bound to the context, mirroring the
// schema-per-tenant layout of the Postgres store.
type MemoryStore struct {
	mu      sync.RWMutex
	clock   clockwork.Clock
	tenants map[string]*memTenant

	// refCounter guards published-to-draft transitions. Nil means
	// unreferenced.
	refCounter RefCounter
}

type memTenant struct {
	nextTemplateID int64
	templates      map[int64]Template
	versions       map[uuid.UUID]TemplateVersion
}

// NewMemoryStore returns an empty in-memory template store.
func NewMemoryStore(clock clockwork.Clock) *MemoryStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryStore{
		clock:   clock,
		tenants: make(map[string]*memTenant),
	}
}

// SetRefCounter wires the certificate reference counter.
func (m *MemoryStore) SetRefCounter(fn RefCounter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refCounter = fn
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
			nextTemplateID: 1,
			templates:      make(map[int64]Template),
			versions:       make(map[uuid.UUID]TemplateVersion),
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

// CreateTemplate inserts a template.
func (m *MemoryStore) CreateTemplate(ctx context.Context, template Template) (*Template, error) {
	if err := template.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	tenant, err := m.tenant(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for _, existing := range tenant.templates {
		if existing.Code == template.Code {
			return nil, trace.AlreadyExists("template with code %q already exists", template.Code)
		}
	}
	now := m.clock.Now().UTC()
	template.ID = tenant.nextTemplateID
	template.CurrentVersion = 0
	template.CreatedAt = now
	template.UpdatedAt = now
	tenant.nextTemplateID++
	tenant.templates[template.ID] = template
	return &template, nil
}

// GetTemplate returns a template by id.
func (m *MemoryStore) GetTemplate(ctx context.Context, id int64) (*Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tenant, err := m.view(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	template, ok := tenant.templates[id]
	if !ok {
		return nil, trace.NotFound("template %v not found", id)
	}
	return &template, nil
}

// GetTemplateByCode returns a template by code.
func (m *MemoryStore) GetTemplateByCode(ctx context.Context, code string) (*Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tenant, err := m.view(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for _, template := range tenant.templates {
		if template.Code == code {
			return &template, nil
		}
	}
	return nil, trace.NotFound("template with code %q not found", code)
}

// ListTemplates returns the tenant's templates ordered by id.
func (m *MemoryStore) ListTemplates(ctx context.Context) ([]Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tenant, err := m.view(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]Template, 0, len(tenant.templates))
	for _, template := range tenant.templates {
		out = append(out, template)
	}
	slices.SortFunc(out, func(a, b Template) int {
		return int(a.ID - b.ID)
	})
	return out, nil
}

// UpdateTemplate updates name, description and metadata.
func (m *MemoryStore) UpdateTemplate(ctx context.Context, template Template) (*Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tenant, err := m.tenant(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	existing, ok := tenant.templates[template.ID]
	if !ok {
		return nil, trace.NotFound("template %v not found", template.ID)
	}
	if template.Name != "" {
		existing.Name = template.Name
	}
	existing.Description = template.Description
	existing.Metadata = template.Metadata
	existing.UpdatedAt = m.clock.Now().UTC()
	tenant.templates[existing.ID] = existing
	return &existing, nil
}

// DeleteTemplate removes a template and its versions.
func (m *MemoryStore) DeleteTemplate(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tenant, err := m.tenant(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	if _, ok := tenant.templates[id]; !ok {
		return trace.NotFound("template %v not found", id)
	}
	delete(tenant.templates, id)
	for versionID, version := range tenant.versions {
		if version.TemplateID == id {
			delete(tenant.versions, versionID)
		}
	}
	return nil
}

// CreateVersion inserts a new draft version with the next version number.
func (m *MemoryStore) CreateVersion(ctx context.Context, version TemplateVersion) (*TemplateVersion, error) {
	if err := version.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	tenant, err := m.tenant(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if _, ok := tenant.templates[version.TemplateID]; !ok {
		return nil, trace.NotFound("template %v not found", version.TemplateID)
	}
	next := 1
	for _, existing := range tenant.versions {
		if existing.TemplateID == version.TemplateID && existing.Version >= next {
			next = existing.Version + 1
		}
	}
	version.ID = uuid.New()
	version.Version = next
	version.Status = VersionDraft
	version.CreatedAt = m.clock.Now().UTC()
	tenant.versions[version.ID] = version
	return &version, nil
}

// GetVersion returns a version by id.
func (m *MemoryStore) GetVersion(ctx context.Context, id uuid.UUID) (*TemplateVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tenant, err := m.view(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	version, ok := tenant.versions[id]
	if !ok {
		return nil, trace.NotFound("template version %v not found", id)
	}
	return &version, nil
}

// ListVersions returns a template's versions, newest first.
func (m *MemoryStore) ListVersions(ctx context.Context, templateID int64) ([]TemplateVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tenant, err := m.view(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var out []TemplateVersion
	for _, version := range tenant.versions {
		if version.TemplateID == templateID {
			out = append(out, version)
		}
	}
	slices.SortFunc(out, func(a, b TemplateVersion) int {
		return b.Version - a.Version
	})
	return out, nil
}

// GetPublishedVersion returns the template's currently published version.
func (m *MemoryStore) GetPublishedVersion(ctx context.Context, templateID int64) (*TemplateVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tenant, err := m.view(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for _, version := range tenant.versions {
		if version.TemplateID == templateID && version.Status == VersionPublished {
			return &version, nil
		}
	}
	return nil, trace.NotFound("template %v has no published version", templateID)
}

// UpdateVersionContent replaces the content of a draft version.
func (m *MemoryStore) UpdateVersionContent(ctx context.Context, version TemplateVersion) (*TemplateVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tenant, err := m.tenant(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	existing, ok := tenant.versions[version.ID]
	if !ok {
		return nil, trace.NotFound("template version %v not found", version.ID)
	}
	if existing.Status != VersionDraft {
		return nil, trace.CompareFailed("template version %v is %v and cannot be edited", version.ID, existing.Status)
	}
	existing.HTMLContent = version.HTMLContent
	existing.CSSStyles = version.CSSStyles
	existing.FieldSchema = version.FieldSchema
	existing.Settings = version.Settings
	if err := existing.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	tenant.versions[existing.ID] = existing
	return &existing, nil
}

// SetVersionStatus transitions a version, handling publish bookkeeping.
func (m *MemoryStore) SetVersionStatus(ctx context.Context, id uuid.UUID, status VersionStatus) (*TemplateVersion, error) {
	if err := status.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	tenant, err := m.tenant(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	version, ok := tenant.versions[id]
	if !ok {
		return nil, trace.NotFound("template version %v not found", id)
	}

	referenced := false
	if version.Status == VersionPublished && status == VersionDraft && m.refCounter != nil {
		count, err := m.refCounter(ctx, id)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		referenced = count > 0
	}
	if err := checkVersionTransition(version.Status, status, referenced); err != nil {
		return nil, trace.Wrap(err)
	}

	template, ok := tenant.templates[version.TemplateID]
	if !ok {
		return nil, trace.NotFound("template %v not found", version.TemplateID)
	}
	now := m.clock.Now().UTC()

	switch status {
	case VersionPublished:
		// Only one published version per template: archive the previous one
		// and repoint currentVersion in the same step.
		for otherID, other := range tenant.versions {
			if other.TemplateID == version.TemplateID && other.Status == VersionPublished && otherID != id {
				other.Status = VersionArchived
				tenant.versions[otherID] = other
			}
		}
		template.CurrentVersion = version.Version
	case VersionDraft, VersionArchived:
		if template.CurrentVersion == version.Version {
			template.CurrentVersion = 0
		}
	}
	version.Status = status
	template.UpdatedAt = now
	tenant.versions[id] = version
	tenant.templates[template.ID] = template
	return &version, nil
}
