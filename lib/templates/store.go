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
	"maps"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
)

// Store persists templates and versions inside the tenant schema bound to
// the caller's context. Every method fails with a missing tenant error when
// the context carries no binding.
type Store interface {
	// CreateTemplate inserts a template. The code must be unique within the
	// tenant and never changes afterwards.
	CreateTemplate(ctx context.Context, template Template) (*Template, error)
	// GetTemplate returns a template by id.
	GetTemplate(ctx context.Context, id int64) (*Template, error)
	// GetTemplateByCode returns a template by its tenant-unique code.
	GetTemplateByCode(ctx context.Context, code string) (*Template, error)
	// ListTemplates returns all templates of the tenant ordered by id.
	ListTemplates(ctx context.Context) ([]Template, error)
	// UpdateTemplate updates name, description and metadata. Code and
	// version bookkeeping are never touched by this call.
	UpdateTemplate(ctx context.Context, template Template) (*Template, error)
	// DeleteTemplate removes a template and all its versions.
	DeleteTemplate(ctx context.Context, id int64) error

	// CreateVersion inserts a new draft version, assigning the next version
	// number of the template.
	CreateVersion(ctx context.Context, version TemplateVersion) (*TemplateVersion, error)
	// GetVersion returns a version by id.
	GetVersion(ctx context.Context, id uuid.UUID) (*TemplateVersion, error)
	// ListVersions returns all versions of a template, newest first.
	ListVersions(ctx context.Context, templateID int64) ([]TemplateVersion, error)
	// GetPublishedVersion returns the template's currently published
	// version.
	GetPublishedVersion(ctx context.Context, templateID int64) (*TemplateVersion, error)
	// UpdateVersionContent replaces the content of a draft version.
	// Published and archived versions are immutable.
	UpdateVersionContent(ctx context.Context, version TemplateVersion) (*TemplateVersion, error)
	// SetVersionStatus transitions a version. Publishing atomically points
	// the template's currentVersion at it and archives any previously
	// published version.
	SetVersionStatus(ctx context.Context, id uuid.UUID, status VersionStatus) (*TemplateVersion, error)
}

// CreateVersionFrom copies an existing version's content into a fresh draft
// of the same template. Published and archived versions are immutable, so
// this is how authors iterate on a live template: duplicate, edit the draft,
// publish.
func CreateVersionFrom(ctx context.Context, store Store, sourceID uuid.UUID, createdBy string) (*TemplateVersion, error) {
	source, err := store.GetVersion(ctx, sourceID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	draft, err := store.CreateVersion(ctx, TemplateVersion{
		TemplateID:  source.TemplateID,
		HTMLContent: source.HTMLContent,
		CSSStyles:   source.CSSStyles,
		FieldSchema: maps.Clone(source.FieldSchema),
		Settings:    source.Settings,
		CreatedBy:   createdBy,
	})
	return draft, trace.Wrap(err)
}
