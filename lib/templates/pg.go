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
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vellumlabs/vellum/lib/tenancy"
	"github.com/vellumlabs/vellum/lib/tenantdb"
)

const (
	templateColumns = "id, customer_id, name, code, description, current_version, metadata, created_at, updated_at"
	versionColumns  = "id, template_id, version, html_content, css_styles, field_schema, settings, status, created_by, created_at"
)

var _ Store = (*PGStore)(nil)

// PGStore persists templates in the tenant schema bound to the caller's
// context.
type PGStore struct {
	pool *tenantdb.Pool
}

// NewPGStore returns a Postgres-backed template store.
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

// CreateTemplate inserts a template.
func (s *PGStore) CreateTemplate(ctx context.Context, template Template) (*Template, error) {
	if err := template.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	metadata, err := marshalJSON(template.Metadata)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var created Template
	err = s.withTenant(ctx, func(conn *pgxpool.Conn) error {
		row := conn.QueryRow(ctx,
			`INSERT INTO templates (customer_id, name, code, description, metadata)
			 VALUES ($1, $2, $3, $4, $5)
			 RETURNING `+templateColumns,
			template.CustomerID, template.Name, template.Code, template.Description, metadata,
		)
		return trace.Wrap(scanTemplate(row, &created))
	})
	if err != nil {
		return nil, tenantdb.ConvertError(err)
	}
	return &created, nil
}

// GetTemplate returns a template by id.
func (s *PGStore) GetTemplate(ctx context.Context, id int64) (*Template, error) {
	var template Template
	err := s.withTenant(ctx, func(conn *pgxpool.Conn) error {
		row := conn.QueryRow(ctx, "SELECT "+templateColumns+" FROM templates WHERE id = $1", id)
		return trace.Wrap(scanTemplate(row, &template))
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, trace.NotFound("template %v not found", id)
		}
		return nil, tenantdb.ConvertError(err)
	}
	return &template, nil
}

// GetTemplateByCode returns a template by code.
func (s *PGStore) GetTemplateByCode(ctx context.Context, code string) (*Template, error) {
	var template Template
	err := s.withTenant(ctx, func(conn *pgxpool.Conn) error {
		row := conn.QueryRow(ctx, "SELECT "+templateColumns+" FROM templates WHERE code = $1", code)
		return trace.Wrap(scanTemplate(row, &template))
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, trace.NotFound("template with code %q not found", code)
		}
		return nil, tenantdb.ConvertError(err)
	}
	return &template, nil
}

// ListTemplates returns the tenant's templates ordered by id.
func (s *PGStore) ListTemplates(ctx context.Context) ([]Template, error) {
	var templates []Template
	err := s.withTenant(ctx, func(conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, "SELECT "+templateColumns+" FROM templates ORDER BY id")
		if err != nil {
			return trace.Wrap(err)
		}
		defer rows.Close()
		for rows.Next() {
			var template Template
			if err := scanTemplate(rows, &template); err != nil {
				return trace.Wrap(err)
			}
			templates = append(templates, template)
		}
		return trace.Wrap(rows.Err())
	})
	if err != nil {
		return nil, tenantdb.ConvertError(err)
	}
	return templates, nil
}

// UpdateTemplate updates name, description and metadata.
func (s *PGStore) UpdateTemplate(ctx context.Context, template Template) (*Template, error) {
	metadata, err := marshalJSON(template.Metadata)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var updated Template
	err = s.withTenant(ctx, func(conn *pgxpool.Conn) error {
		row := conn.QueryRow(ctx,
			`UPDATE templates
			 SET name = coalesce(nullif($2, ''), name), description = $3, metadata = $4, updated_at = now()
			 WHERE id = $1
			 RETURNING `+templateColumns,
			template.ID, template.Name, template.Description, metadata,
		)
		return trace.Wrap(scanTemplate(row, &updated))
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, trace.NotFound("template %v not found", template.ID)
		}
		return nil, tenantdb.ConvertError(err)
	}
	return &updated, nil
}

// DeleteTemplate removes a template, cascading to its versions.
func (s *PGStore) DeleteTemplate(ctx context.Context, id int64) error {
	err := s.withTenant(ctx, func(conn *pgxpool.Conn) error {
		tag, err := conn.Exec(ctx, "DELETE FROM templates WHERE id = $1", id)
		if err != nil {
			return trace.Wrap(err)
		}
		if tag.RowsAffected() == 0 {
			return trace.NotFound("template %v not found", id)
		}
		return nil
	})
	return tenantdb.ConvertError(err)
}

// CreateVersion inserts a new draft version with the next version number.
// The template row is locked so concurrent creates cannot race the number.
func (s *PGStore) CreateVersion(ctx context.Context, version TemplateVersion) (*TemplateVersion, error) {
	if err := version.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	fieldSchema, err := marshalJSON(version.FieldSchema)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	settings, err := marshalJSON(version.Settings)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var created TemplateVersion
	err = s.inTenantTx(ctx, func(tx pgx.Tx) error {
		var templateID int64
		err := tx.QueryRow(ctx, "SELECT id FROM templates WHERE id = $1 FOR UPDATE", version.TemplateID).Scan(&templateID)
		if errors.Is(err, pgx.ErrNoRows) {
			return trace.NotFound("template %v not found", version.TemplateID)
		}
		if err != nil {
			return trace.Wrap(err)
		}
		var next int
		if err := tx.QueryRow(ctx,
			"SELECT coalesce(max(version), 0) + 1 FROM template_versions WHERE template_id = $1",
			version.TemplateID).Scan(&next); err != nil {
			return trace.Wrap(err)
		}
		row := tx.QueryRow(ctx,
			`INSERT INTO template_versions (id, template_id, version, html_content, css_styles, field_schema, settings, status, created_by)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 RETURNING `+versionColumns,
			uuid.New(), version.TemplateID, next, version.HTMLContent, version.CSSStyles,
			fieldSchema, settings, VersionDraft, version.CreatedBy,
		)
		return trace.Wrap(scanVersion(row, &created))
	})
	if err != nil {
		return nil, tenantdb.ConvertError(err)
	}
	return &created, nil
}

// GetVersion returns a version by id.
func (s *PGStore) GetVersion(ctx context.Context, id uuid.UUID) (*TemplateVersion, error) {
	var version TemplateVersion
	err := s.withTenant(ctx, func(conn *pgxpool.Conn) error {
		row := conn.QueryRow(ctx, "SELECT "+versionColumns+" FROM template_versions WHERE id = $1", id)
		return trace.Wrap(scanVersion(row, &version))
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, trace.NotFound("template version %v not found", id)
		}
		return nil, tenantdb.ConvertError(err)
	}
	return &version, nil
}

// ListVersions returns a template's versions, newest first.
func (s *PGStore) ListVersions(ctx context.Context, templateID int64) ([]TemplateVersion, error) {
	var versions []TemplateVersion
	err := s.withTenant(ctx, func(conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx,
			"SELECT "+versionColumns+" FROM template_versions WHERE template_id = $1 ORDER BY version DESC",
			templateID)
		if err != nil {
			return trace.Wrap(err)
		}
		defer rows.Close()
		for rows.Next() {
			var version TemplateVersion
			if err := scanVersion(rows, &version); err != nil {
				return trace.Wrap(err)
			}
			versions = append(versions, version)
		}
		return trace.Wrap(rows.Err())
	})
	if err != nil {
		return nil, tenantdb.ConvertError(err)
	}
	return versions, nil
}

// GetPublishedVersion returns the template's currently published version.
func (s *PGStore) GetPublishedVersion(ctx context.Context, templateID int64) (*TemplateVersion, error) {
	var version TemplateVersion
	err := s.withTenant(ctx, func(conn *pgxpool.Conn) error {
		row := conn.QueryRow(ctx,
			"SELECT "+versionColumns+" FROM template_versions WHERE template_id = $1 AND status = $2",
			templateID, VersionPublished)
		return trace.Wrap(scanVersion(row, &version))
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, trace.NotFound("template %v has no published version", templateID)
		}
		return nil, tenantdb.ConvertError(err)
	}
	return &version, nil
}

// UpdateVersionContent replaces the content of a draft version.
func (s *PGStore) UpdateVersionContent(ctx context.Context, version TemplateVersion) (*TemplateVersion, error) {
	fieldSchema, err := marshalJSON(version.FieldSchema)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	settings, err := marshalJSON(version.Settings)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var updated TemplateVersion
	err = s.inTenantTx(ctx, func(tx pgx.Tx) error {
		var status VersionStatus
		err := tx.QueryRow(ctx, "SELECT status FROM template_versions WHERE id = $1 FOR UPDATE", version.ID).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return trace.NotFound("template version %v not found", version.ID)
		}
		if err != nil {
			return trace.Wrap(err)
		}
		if status != VersionDraft {
			return trace.CompareFailed("template version %v is %v and cannot be edited", version.ID, status)
		}
		row := tx.QueryRow(ctx,
			`UPDATE template_versions
			 SET html_content = $2, css_styles = $3, field_schema = $4, settings = $5
			 WHERE id = $1
			 RETURNING `+versionColumns,
			version.ID, version.HTMLContent, version.CSSStyles, fieldSchema, settings,
		)
		return trace.Wrap(scanVersion(row, &updated))
	})
	if err != nil {
		return nil, tenantdb.ConvertError(err)
	}
	return &updated, nil
}

// SetVersionStatus transitions a version, handling publish bookkeeping in
// one transaction.
func (s *PGStore) SetVersionStatus(ctx context.Context, id uuid.UUID, status VersionStatus) (*TemplateVersion, error) {
	if err := status.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	var updated TemplateVersion
	err := s.inTenantTx(ctx, func(tx pgx.Tx) error {
		var current TemplateVersion
		row := tx.QueryRow(ctx, "SELECT "+versionColumns+" FROM template_versions WHERE id = $1 FOR UPDATE", id)
		if err := scanVersion(row, &current); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return trace.NotFound("template version %v not found", id)
			}
			return trace.Wrap(err)
		}

		referenced := false
		if current.Status == VersionPublished && status == VersionDraft {
			var count int
			if err := tx.QueryRow(ctx,
				"SELECT count(*) FROM certificates WHERE template_version_id = $1", id).Scan(&count); err != nil {
				return trace.Wrap(err)
			}
			referenced = count > 0
		}
		if err := checkVersionTransition(current.Status, status, referenced); err != nil {
			return trace.Wrap(err)
		}

		switch status {
		case VersionPublished:
			if _, err := tx.Exec(ctx,
				`UPDATE template_versions SET status = $1 WHERE template_id = $2 AND status = $3 AND id <> $4`,
				VersionArchived, current.TemplateID, VersionPublished, id); err != nil {
				return trace.Wrap(err)
			}
			if _, err := tx.Exec(ctx,
				"UPDATE templates SET current_version = $2, updated_at = now() WHERE id = $1",
				current.TemplateID, current.Version); err != nil {
				return trace.Wrap(err)
			}
		case VersionDraft, VersionArchived:
			if _, err := tx.Exec(ctx,
				"UPDATE templates SET current_version = 0, updated_at = now() WHERE id = $1 AND current_version = $2",
				current.TemplateID, current.Version); err != nil {
				return trace.Wrap(err)
			}
		}

		row = tx.QueryRow(ctx,
			"UPDATE template_versions SET status = $2 WHERE id = $1 RETURNING "+versionColumns,
			id, status)
		return trace.Wrap(scanVersion(row, &updated))
	})
	if err != nil {
		return nil, tenantdb.ConvertError(err)
	}
	return &updated, nil
}

func scanTemplate(row pgx.Row, t *Template) error {
	var metadata []byte
	if err := row.Scan(
		&t.ID, &t.CustomerID, &t.Name, &t.Code, &t.Description,
		&t.CurrentVersion, &metadata, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(unmarshalJSON(metadata, &t.Metadata))
}

func scanVersion(row pgx.Row, v *TemplateVersion) error {
	var fieldSchema, settings []byte
	if err := row.Scan(
		&v.ID, &v.TemplateID, &v.Version, &v.HTMLContent, &v.CSSStyles,
		&fieldSchema, &settings, &v.Status, &v.CreatedBy, &v.CreatedAt,
	); err != nil {
		return trace.Wrap(err)
	}
	if err := unmarshalJSON(fieldSchema, &v.FieldSchema); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(unmarshalJSON(settings, &v.Settings))
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
