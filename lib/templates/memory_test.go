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
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/vellumlabs/vellum/lib/tenancy"
	"github.com/vellumlabs/vellum/lib/utils"
)

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	os.Exit(m.Run())
}

func newTemplateCtx(t *testing.T, schema string) context.Context {
	ctx, err := tenancy.WithSchema(t.Context(), schema)
	require.NoError(t, err)
	return ctx
}

func testFieldSchema() map[string]FieldRule {
	return map[string]FieldRule{
		"recipientName": {Type: "string", Required: true},
	}
}

func newDraft(t *testing.T, ctx context.Context, store Store, templateID int64) *TemplateVersion {
	t.Helper()
	version, err := store.CreateVersion(ctx, TemplateVersion{
		TemplateID:  templateID,
		HTMLContent: `<html><body><h1 th:text="${recipientName}"></h1></body></html>`,
		CreatedBy:   "alice",
		FieldSchema: testFieldSchema(),
	})
	require.NoError(t, err)
	return version
}

func TestMemoryTemplateCRUD(t *testing.T) {
	t.Parallel()
	ctx := newTemplateCtx(t, "acme_corp")
	store := NewMemoryStore(clockwork.NewFakeClock())

	created, err := store.CreateTemplate(ctx, Template{
		CustomerID: 1,
		Name:       "Course Completion",
		Code:       "course-completion",
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), created.ID)
	require.Zero(t, created.CurrentVersion)
	require.False(t, created.CreatedAt.IsZero())

	_, err = store.CreateTemplate(ctx, Template{
		CustomerID: 1,
		Name:       "Duplicate",
		Code:       "course-completion",
	})
	require.True(t, trace.IsAlreadyExists(err), "expected AlreadyExists, got %v", err)

	second, err := store.CreateTemplate(ctx, Template{
		CustomerID: 1,
		Name:       "Attendance",
		Code:       "attendance",
	})
	require.NoError(t, err)
	require.Equal(t, int64(2), second.ID)

	got, err := store.GetTemplate(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, "Course Completion", got.Name)

	byCode, err := store.GetTemplateByCode(ctx, "attendance")
	require.NoError(t, err)
	require.Equal(t, second.ID, byCode.ID)

	_, err = store.GetTemplate(ctx, 42)
	require.True(t, trace.IsNotFound(err), "expected NotFound, got %v", err)

	// Updates touch name, description and metadata. The code is immutable.
	updated, err := store.UpdateTemplate(ctx, Template{
		ID:          created.ID,
		Name:        "Course Completion v2",
		Description: "for the new curriculum",
		Metadata:    map[string]any{"department": "engineering"},
	})
	require.NoError(t, err)
	require.Equal(t, "Course Completion v2", updated.Name)
	require.Equal(t, "for the new curriculum", updated.Description)
	require.Equal(t, "course-completion", updated.Code)

	list, err := store.ListTemplates(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, int64(1), list[0].ID)
	require.Equal(t, int64(2), list[1].ID)

	version := newDraft(t, ctx, store, second.ID)

	require.NoError(t, store.DeleteTemplate(ctx, second.ID))
	_, err = store.GetTemplate(ctx, second.ID)
	require.True(t, trace.IsNotFound(err))
	_, err = store.GetVersion(ctx, version.ID)
	require.True(t, trace.IsNotFound(err), "versions must not outlive their template")
}

func TestMemoryVersionNumbering(t *testing.T) {
	t.Parallel()
	ctx := newTemplateCtx(t, "acme_corp")
	store := NewMemoryStore(clockwork.NewFakeClock())

	_, err := store.CreateVersion(ctx, TemplateVersion{
		TemplateID:  7,
		HTMLContent: "<html></html>",
		CreatedBy:   "alice",
		FieldSchema: testFieldSchema(),
	})
	require.True(t, trace.IsNotFound(err), "expected NotFound for missing template, got %v", err)

	template, err := store.CreateTemplate(ctx, Template{CustomerID: 1, Name: "T", Code: "t"})
	require.NoError(t, err)

	first := newDraft(t, ctx, store, template.ID)
	require.Equal(t, 1, first.Version)
	require.Equal(t, VersionDraft, first.Status)
	require.NotEqual(t, uuid.Nil, first.ID)

	second := newDraft(t, ctx, store, template.ID)
	require.Equal(t, 2, second.Version)

	versions, err := store.ListVersions(ctx, template.ID)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	require.Equal(t, 2, versions[0].Version, "newest first")
	require.Equal(t, 1, versions[1].Version)
}

func TestMemoryPublishLifecycle(t *testing.T) {
	t.Parallel()
	ctx := newTemplateCtx(t, "acme_corp")
	store := NewMemoryStore(clockwork.NewFakeClock())

	template, err := store.CreateTemplate(ctx, Template{CustomerID: 1, Name: "T", Code: "t"})
	require.NoError(t, err)
	v1 := newDraft(t, ctx, store, template.ID)
	v2 := newDraft(t, ctx, store, template.ID)

	_, err = store.GetPublishedVersion(ctx, template.ID)
	require.True(t, trace.IsNotFound(err))

	published, err := store.SetVersionStatus(ctx, v1.ID, VersionPublished)
	require.NoError(t, err)
	require.Equal(t, VersionPublished, published.Status)

	current, err := store.GetTemplate(ctx, template.ID)
	require.NoError(t, err)
	require.Equal(t, 1, current.CurrentVersion)

	got, err := store.GetPublishedVersion(ctx, template.ID)
	require.NoError(t, err)
	require.Equal(t, v1.ID, got.ID)

	// Publishing v2 archives v1 and repoints the template.
	_, err = store.SetVersionStatus(ctx, v2.ID, VersionPublished)
	require.NoError(t, err)

	archived, err := store.GetVersion(ctx, v1.ID)
	require.NoError(t, err)
	require.Equal(t, VersionArchived, archived.Status)

	current, err = store.GetTemplate(ctx, template.ID)
	require.NoError(t, err)
	require.Equal(t, 2, current.CurrentVersion)

	// Archived versions stay archived.
	_, err = store.SetVersionStatus(ctx, v1.ID, VersionDraft)
	require.True(t, trace.IsCompareFailed(err), "expected CompareFailed, got %v", err)
	_, err = store.SetVersionStatus(ctx, v1.ID, VersionPublished)
	require.True(t, trace.IsCompareFailed(err), "expected CompareFailed, got %v", err)

	// Only drafts can be edited.
	_, err = store.UpdateVersionContent(ctx, TemplateVersion{
		ID:          v2.ID,
		HTMLContent: "<html>edited</html>",
		FieldSchema: testFieldSchema(),
	})
	require.True(t, trace.IsCompareFailed(err), "expected CompareFailed, got %v", err)

	v3 := newDraft(t, ctx, store, template.ID)
	edited, err := store.UpdateVersionContent(ctx, TemplateVersion{
		ID:          v3.ID,
		HTMLContent: "<html>edited</html>",
		FieldSchema: testFieldSchema(),
	})
	require.NoError(t, err)
	require.Equal(t, "<html>edited</html>", edited.HTMLContent)

	// Archiving the published version leaves the template without one.
	_, err = store.SetVersionStatus(ctx, v2.ID, VersionArchived)
	require.NoError(t, err)
	current, err = store.GetTemplate(ctx, template.ID)
	require.NoError(t, err)
	require.Zero(t, current.CurrentVersion)
	_, err = store.GetPublishedVersion(ctx, template.ID)
	require.True(t, trace.IsNotFound(err))
}

func TestMemoryPublishedToDraftGuard(t *testing.T) {
	t.Parallel()
	ctx := newTemplateCtx(t, "acme_corp")
	store := NewMemoryStore(clockwork.NewFakeClock())

	template, err := store.CreateTemplate(ctx, Template{CustomerID: 1, Name: "T", Code: "t"})
	require.NoError(t, err)
	v1 := newDraft(t, ctx, store, template.ID)
	_, err = store.SetVersionStatus(ctx, v1.ID, VersionPublished)
	require.NoError(t, err)

	refs := 1
	store.SetRefCounter(func(ctx context.Context, versionID uuid.UUID) (int, error) {
		require.Equal(t, v1.ID, versionID)
		return refs, nil
	})

	_, err = store.SetVersionStatus(ctx, v1.ID, VersionDraft)
	require.True(t, trace.IsCompareFailed(err), "referenced version must not unpublish, got %v", err)

	refs = 0
	unpublished, err := store.SetVersionStatus(ctx, v1.ID, VersionDraft)
	require.NoError(t, err)
	require.Equal(t, VersionDraft, unpublished.Status)

	current, err := store.GetTemplate(ctx, template.ID)
	require.NoError(t, err)
	require.Zero(t, current.CurrentVersion)
}

func TestMemoryTenantIsolation(t *testing.T) {
	t.Parallel()
	store := NewMemoryStore(clockwork.NewFakeClock())
	acme := newTemplateCtx(t, "acme_corp")
	globex := newTemplateCtx(t, "globex")

	template, err := store.CreateTemplate(acme, Template{CustomerID: 1, Name: "T", Code: "t"})
	require.NoError(t, err)

	_, err = store.GetTemplate(globex, template.ID)
	require.True(t, trace.IsNotFound(err), "templates must not leak across tenants")

	list, err := store.ListTemplates(globex)
	require.NoError(t, err)
	require.Empty(t, list)

	_, err = store.CreateTemplate(globex, Template{CustomerID: 2, Name: "T", Code: "t"})
	require.NoError(t, err, "codes are unique per tenant, not globally")
}

func TestMemoryStoreRequiresTenant(t *testing.T) {
	t.Parallel()
	store := NewMemoryStore(clockwork.NewFakeClock())

	_, err := store.CreateTemplate(t.Context(), Template{CustomerID: 1, Name: "T", Code: "t"})
	require.True(t, tenancy.IsMissingTenant(err), "expected missing tenant error, got %v", err)

	_, err = store.ListTemplates(t.Context())
	require.True(t, tenancy.IsMissingTenant(err), "expected missing tenant error, got %v", err)
}

func TestCreateVersionFrom(t *testing.T) {
	t.Parallel()
	ctx := newTemplateCtx(t, "acme_corp")
	store := NewMemoryStore(clockwork.NewFakeClock())

	template, err := store.CreateTemplate(ctx, Template{CustomerID: 1, Name: "T", Code: "t"})
	require.NoError(t, err)
	source, err := store.CreateVersion(ctx, TemplateVersion{
		TemplateID:  template.ID,
		HTMLContent: `<html><body><h1 th:text="${recipientName}"></h1></body></html>`,
		CSSStyles:   "h1 { color: navy }",
		FieldSchema: testFieldSchema(),
		Settings:    PageSettings{Orientation: "landscape"},
		CreatedBy:   "alice",
	})
	require.NoError(t, err)
	_, err = store.SetVersionStatus(ctx, source.ID, VersionPublished)
	require.NoError(t, err)

	draft, err := CreateVersionFrom(ctx, store, source.ID, "bob")
	require.NoError(t, err)
	require.Equal(t, 2, draft.Version)
	require.Equal(t, VersionDraft, draft.Status)
	require.Equal(t, "bob", draft.CreatedBy)
	require.Equal(t, source.HTMLContent, draft.HTMLContent)
	require.Equal(t, source.CSSStyles, draft.CSSStyles)
	require.Equal(t, source.FieldSchema, draft.FieldSchema)
	require.Equal(t, "landscape", draft.Settings.Orientation)

	// The copy owns its field schema.
	draft.FieldSchema["extra"] = FieldRule{Type: "string"}
	kept, err := store.GetVersion(ctx, source.ID)
	require.NoError(t, err)
	require.NotContains(t, kept.FieldSchema, "extra")

	// The source stays published.
	require.Equal(t, VersionPublished, kept.Status)

	_, err = CreateVersionFrom(ctx, store, uuid.New(), "bob")
	require.True(t, trace.IsNotFound(err), "expected NotFound, got %v", err)
}
