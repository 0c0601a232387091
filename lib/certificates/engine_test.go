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
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/vellumlabs/vellum/lib/authz"
	"github.com/vellumlabs/vellum/lib/blob"
	"github.com/vellumlabs/vellum/lib/queue"
	"github.com/vellumlabs/vellum/lib/render"
	"github.com/vellumlabs/vellum/lib/render/rendertest"
	"github.com/vellumlabs/vellum/lib/tenancy"
	"github.com/vellumlabs/vellum/lib/templates"
)

type engineHarness struct {
	engine    *Engine
	certs     *MemoryStore
	templates *templates.MemoryStore
	blobs     *blob.MemoryStore
	queue     *queue.MemoryQueue
	registry  *tenancy.Registry
	renderer  *render.Renderer
	converter *rendertest.Converter
	clock     *clockwork.FakeClock
	customer  *tenancy.Customer
	template  *templates.Template
	version   *templates.TemplateVersion
}

// newEngineHarness wires an engine over in-memory collaborators with one
// onboarded tenant and one published template.
func newEngineHarness(t *testing.T, quota int) (context.Context, *engineHarness) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC))
	ctx := newCertCtx(t, "acme_corp")

	registry, err := tenancy.NewRegistry(tenancy.RegistryConfig{
		Store:       tenancy.NewMemoryCustomerStore(clock),
		Provisioner: tenancy.NewMemoryProvisioner(),
	})
	require.NoError(t, err)
	customer, err := registry.Onboard(t.Context(), tenancy.Customer{
		Name:                    "Acme Corp",
		Domain:                  "acme.example.com",
		TenantSchema:            "acme_corp",
		Status:                  tenancy.StatusActive,
		MaxCertificatesPerMonth: quota,
	})
	require.NoError(t, err)

	tstore := templates.NewMemoryStore(clock)
	template, err := tstore.CreateTemplate(ctx, templates.Template{
		CustomerID: customer.ID,
		Name:       "Course Completion",
		Code:       "course-completion",
	})
	require.NoError(t, err)
	draft, err := tstore.CreateVersion(ctx, templates.TemplateVersion{
		TemplateID:  template.ID,
		HTMLContent: `<html><body><div><h1 th:text="${recipientName}"></h1></div></body></html>`,
		FieldSchema: map[string]templates.FieldRule{
			"recipientName": {Type: "string", Required: true},
		},
		CreatedBy: "alice",
	})
	require.NoError(t, err)
	version, err := tstore.SetVersionStatus(ctx, draft.ID, templates.VersionPublished)
	require.NoError(t, err)

	converter := rendertest.New()
	renderer, err := render.New(render.Config{Converter: converter})
	require.NoError(t, err)

	certs := NewMemoryStore(clock)
	blobs := blob.NewMemoryStore(clock)
	q, err := queue.NewMemoryQueue(queue.MemoryQueueConfig{})
	require.NoError(t, err)

	engine, err := NewEngine(EngineConfig{
		Templates: tstore,
		Store:     certs,
		Hashes:    certs,
		Blob:      blobs,
		Renderer:  renderer,
		Queue:     q,
		Registry:  registry,
		BaseURL:   "https://certs.example.com/",
		Clock:     clock,
	})
	require.NoError(t, err)

	return ctx, &engineHarness{
		engine:    engine,
		certs:     certs,
		templates: tstore,
		blobs:     blobs,
		queue:     q,
		registry:  registry,
		renderer:  renderer,
		converter: converter,
		clock:     clock,
		customer:  customer,
		template:  template,
		version:   version,
	}
}

func testRequest() GenerateRequest {
	return GenerateRequest{
		TemplateCode:  "course-completion",
		RecipientData: map[string]any{"recipientName": "Ada Lovelace"},
	}
}

func TestGenerateSync(t *testing.T) {
	t.Parallel()
	ctx, h := newEngineHarness(t, 0)
	ctx = authz.ContextWithPrincipal(ctx, authz.Principal{
		Role:         authz.RoleUser,
		UserID:       "alice@acme.example.com",
		TenantSchema: "acme_corp",
	})

	cert, err := h.engine.Generate(ctx, testRequest(), ModeSync)
	require.NoError(t, err)
	require.Equal(t, StatusIssued, cert.Status)
	require.Regexp(t, `^COURSE-COMPLETION-20250314-[0-9A-F]{6}$`, cert.CertificateNumber)
	require.Equal(t, h.version.ID, cert.TemplateVersionID)
	require.Equal(t, h.customer.ID, cert.CustomerID)
	require.Equal(t, "alice@acme.example.com", cert.IssuedBy)
	require.NotEmpty(t, cert.SignedHash)
	require.Equal(t, blob.CertificateKey("acme_corp", cert.ID, cert.IssuedAt), cert.StoragePath)

	// The stored document is the footer-bearing second pass.
	stored, err := h.blobs.Get(ctx, cert.StoragePath)
	require.NoError(t, err)
	require.Contains(t, string(stored), "Ada Lovelace")
	require.Contains(t, string(stored), "certificate-footer")
	require.Contains(t, string(stored), "/api/certificates/verify?hash=")
	// The fingerprint covers the first pass, never the stored bytes.
	require.NotEqual(t, cert.SignedHash, render.Hash(stored))

	hash, err := h.certs.GetHashByCertificate(ctx, cert.ID)
	require.NoError(t, err)
	require.Equal(t, cert.SignedHash, hash.Value)

	require.Equal(t, 2, h.converter.Calls())
	require.Zero(t, h.queue.Len())
}

func TestGenerateValidationFailsEarly(t *testing.T) {
	t.Parallel()
	ctx, h := newEngineHarness(t, 0)

	req := testRequest()
	req.RecipientData = map[string]any{"unrelated": "value"}
	_, err := h.engine.Generate(ctx, req, ModeSync)
	require.Error(t, err)
	require.True(t, templates.IsValidationError(err), "expected validation error, got %v", err)

	// Nothing persisted, nothing rendered, nothing enqueued.
	all, err := h.certs.ListCertificates(ctx, ListFilter{})
	require.NoError(t, err)
	require.Empty(t, all)
	require.Zero(t, h.converter.Calls())
	require.Zero(t, h.queue.Len())
}

func TestGenerateQuotaExceeded(t *testing.T) {
	t.Parallel()
	ctx, h := newEngineHarness(t, 2)

	for range 2 {
		_, err := h.engine.Generate(ctx, testRequest(), ModeSync)
		require.NoError(t, err)
	}
	_, err := h.engine.Generate(ctx, testRequest(), ModeSync)
	require.True(t, IsQuotaExceeded(err), "expected quota error, got %v", err)

	all, err := h.certs.ListCertificates(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestGenerateSuspendedTenant(t *testing.T) {
	t.Parallel()
	ctx, h := newEngineHarness(t, 0)
	_, err := h.registry.SetStatus(t.Context(), h.customer.ID, tenancy.StatusSuspended)
	require.NoError(t, err)

	_, err = h.engine.Generate(ctx, testRequest(), ModeSync)
	require.True(t, trace.IsAccessDenied(err), "expected AccessDenied, got %v", err)
}

func TestGenerateAsync(t *testing.T) {
	t.Parallel()
	ctx, h := newEngineHarness(t, 0)

	cert, err := h.engine.Generate(ctx, testRequest(), ModeAsync)
	require.NoError(t, err)
	require.Equal(t, StatusPending, cert.Status)
	require.Empty(t, cert.SignedHash)
	require.Empty(t, cert.StoragePath)
	require.Zero(t, h.converter.Calls())
	require.Equal(t, 1, h.queue.Len())

	delivery, err := h.queue.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, cert.ID, delivery.Message.CertificateID)
	require.Equal(t, "acme_corp", delivery.Message.TenantSchema)
	require.False(t, delivery.Message.IsPreview)

	// The worker path drives the same processing the sync path uses.
	processed, err := h.engine.ProcessGeneration(ctx, cert.ID, false)
	require.NoError(t, err)
	require.Equal(t, StatusIssued, processed.Status)
	require.Equal(t, 2, h.converter.Calls())

	// A duplicate delivery finds the work done and renders nothing.
	again, err := h.engine.ProcessGeneration(ctx, cert.ID, false)
	require.NoError(t, err)
	require.Equal(t, StatusIssued, again.Status)
	require.Equal(t, 2, h.converter.Calls())
}

func TestGenerateAsyncPublishFailure(t *testing.T) {
	t.Parallel()
	ctx, h := newEngineHarness(t, 0)
	h.queue.SetPublishError(errors.New("broker down"))

	_, err := h.engine.Generate(ctx, testRequest(), ModeAsync)
	require.True(t, queue.IsPublishFailed(err), "expected publish failure, got %v", err)

	// The orphaned certificate is failed rather than left pending forever.
	all, err := h.certs.ListCertificates(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, StatusFailed, all[0].Status)
	require.Contains(t, all[0].Metadata["error"], "broker down")
}

func TestPreviewFlow(t *testing.T) {
	t.Parallel()
	ctx, h := newEngineHarness(t, 0)

	req := testRequest()
	req.Preview = true
	cert, err := h.engine.Generate(ctx, req, ModeSync)
	require.NoError(t, err)
	require.Equal(t, StatusPending, cert.Status)
	require.True(t, cert.IsPreview())
	require.NotEmpty(t, cert.StoragePath)
	require.NotEmpty(t, cert.SignedHash)
	ok, err := h.blobs.Exists(ctx, cert.StoragePath)
	require.NoError(t, err)
	require.True(t, ok)

	issued, err := h.engine.IssuePreview(ctx, cert.ID)
	require.NoError(t, err)
	require.Equal(t, StatusIssued, issued.Status)
	require.Nil(t, issued.PreviewGeneratedAt)
	// Promotion keeps the rendered document and fingerprint untouched.
	require.Equal(t, cert.StoragePath, issued.StoragePath)
	require.Equal(t, cert.SignedHash, issued.SignedHash)
	require.Equal(t, 2, h.converter.Calls())

	_, err = h.engine.IssuePreview(ctx, cert.ID)
	require.True(t, trace.IsCompareFailed(err), "expected CompareFailed, got %v", err)
}

func TestIssuePreviewMissingDocument(t *testing.T) {
	t.Parallel()
	ctx, h := newEngineHarness(t, 0)

	req := testRequest()
	req.Preview = true
	cert, err := h.engine.Generate(ctx, req, ModeSync)
	require.NoError(t, err)
	require.NoError(t, h.blobs.Delete(ctx, cert.StoragePath))

	_, err = h.engine.IssuePreview(ctx, cert.ID)
	require.True(t, trace.IsNotFound(err), "expected NotFound, got %v", err)
	// The certificate stays pending, the document may be re-uploaded.
	got, err := h.certs.GetCertificate(ctx, cert.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.Status)
}

func TestProcessGenerationRevoked(t *testing.T) {
	t.Parallel()
	ctx, h := newEngineHarness(t, 0)

	cert, err := h.engine.Generate(ctx, testRequest(), ModeAsync)
	require.NoError(t, err)
	_, err = h.engine.Revoke(ctx, cert.ID)
	require.NoError(t, err)

	_, err = h.engine.ProcessGeneration(ctx, cert.ID, false)
	require.True(t, trace.IsCompareFailed(err), "expected CompareFailed, got %v", err)
	got, err := h.certs.GetCertificate(ctx, cert.ID)
	require.NoError(t, err)
	require.Equal(t, StatusRevoked, got.Status)
	require.Zero(t, h.converter.Calls())
}

func TestPass2FailureKeepsFingerprint(t *testing.T) {
	t.Parallel()
	ctx, h := newEngineHarness(t, 0)

	calls := 0
	h.converter.SetOverride(func(content string) ([]byte, error) {
		calls++
		if calls == 2 {
			return nil, errors.New("browser crashed")
		}
		return rendertest.Deterministic(content), nil
	})

	_, err := h.engine.Generate(ctx, testRequest(), ModeSync)
	require.ErrorContains(t, err, "browser crashed")

	all, err := h.certs.ListCertificates(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	failed := all[0]
	require.Equal(t, StatusFailed, failed.Status)
	require.Contains(t, failed.Metadata["error"], "browser crashed")
	// The first-pass fingerprint survives the failed second pass.
	require.NotEmpty(t, failed.SignedHash)
	hash, err := h.certs.GetHashByCertificate(ctx, failed.ID)
	require.NoError(t, err)
	require.Equal(t, failed.SignedHash, hash.Value)
	// Nothing was stored.
	require.Empty(t, failed.StoragePath)
}

// flakyBlob fails a fixed number of writes before delegating, simulating a
// transient storage outage.
type flakyBlob struct {
	blob.Store
	failures int
}

func (f *flakyBlob) Put(ctx context.Context, key string, data []byte) error {
	if f.failures > 0 {
		f.failures--
		return trace.ConnectionProblem(nil, "simulated storage outage")
	}
	return f.Store.Put(ctx, key, data)
}

func TestTransientStorageFailureRetries(t *testing.T) {
	t.Parallel()
	ctx, h := newEngineHarness(t, 0)
	flaky, err := NewEngine(EngineConfig{
		Templates: h.templates,
		Store:     h.certs,
		Hashes:    h.certs,
		Blob:      &flakyBlob{Store: h.blobs, failures: 1},
		Renderer:  h.renderer,
		Queue:     h.queue,
		Registry:  h.registry,
		BaseURL:   "https://certs.example.com",
		Clock:     h.clock,
	})
	require.NoError(t, err)

	cert, err := flaky.Generate(ctx, testRequest(), ModeAsync)
	require.NoError(t, err)

	// First attempt dies at the storage write. The certificate stays
	// claimable and unmarked so a redelivery can retry it.
	_, err = flaky.ProcessGeneration(ctx, cert.ID, false)
	require.ErrorContains(t, err, "storage outage")
	got, err := h.certs.GetCertificate(ctx, cert.ID)
	require.NoError(t, err)
	require.Equal(t, StatusProcessing, got.Status)
	require.NotEmpty(t, got.SignedHash)

	// The retry re-renders identical bytes, so the recorded fingerprint
	// matches and processing completes.
	processed, err := flaky.ProcessGeneration(ctx, cert.ID, false)
	require.NoError(t, err)
	require.Equal(t, StatusIssued, processed.Status)
	require.Equal(t, got.SignedHash, processed.SignedHash)
	hash, err := h.certs.GetHashByCertificate(ctx, cert.ID)
	require.NoError(t, err)
	require.Equal(t, processed.SignedHash, hash.Value)
}

func TestExplicitVersionPinning(t *testing.T) {
	t.Parallel()
	ctx, h := newEngineHarness(t, 0)

	req := testRequest()
	req.TemplateVersionID = h.version.ID
	cert, err := h.engine.Generate(ctx, req, ModeSync)
	require.NoError(t, err)
	require.Equal(t, h.version.ID, cert.TemplateVersionID)

	// Draft versions never render certificates.
	draft, err := h.templates.CreateVersion(ctx, templates.TemplateVersion{
		TemplateID:  h.template.ID,
		HTMLContent: `<html><body><p th:text="${recipientName}"></p></body></html>`,
		FieldSchema: map[string]templates.FieldRule{"recipientName": {Type: "string", Required: true}},
		CreatedBy:   "alice",
	})
	require.NoError(t, err)
	req.TemplateVersionID = draft.ID
	_, err = h.engine.Generate(ctx, req, ModeSync)
	require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)
	require.ErrorContains(t, err, "published")

	// A version must belong to the referenced template.
	other, err := h.templates.CreateTemplate(ctx, templates.Template{
		CustomerID: h.customer.ID,
		Name:       "Attendance",
		Code:       "attendance",
	})
	require.NoError(t, err)
	otherDraft, err := h.templates.CreateVersion(ctx, templates.TemplateVersion{
		TemplateID:  other.ID,
		HTMLContent: `<html><body><p th:text="${recipientName}"></p></body></html>`,
		FieldSchema: map[string]templates.FieldRule{"recipientName": {Type: "string", Required: true}},
		CreatedBy:   "alice",
	})
	require.NoError(t, err)
	otherVersion, err := h.templates.SetVersionStatus(ctx, otherDraft.ID, templates.VersionPublished)
	require.NoError(t, err)
	req.TemplateVersionID = otherVersion.ID
	_, err = h.engine.Generate(ctx, req, ModeSync)
	require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)
	require.ErrorContains(t, err, "belong")
}

func TestCustomCertificateNumber(t *testing.T) {
	t.Parallel()
	ctx, h := newEngineHarness(t, 0)

	req := testRequest()
	req.CertificateNumber = "CUSTOM-001"
	cert, err := h.engine.Generate(ctx, req, ModeSync)
	require.NoError(t, err)
	require.Equal(t, "CUSTOM-001", cert.CertificateNumber)

	_, err = h.engine.Generate(ctx, req, ModeSync)
	require.True(t, trace.IsAlreadyExists(err), "expected AlreadyExists, got %v", err)
}

func TestGetDownloadURL(t *testing.T) {
	t.Parallel()
	ctx, h := newEngineHarness(t, 0)

	pending, err := h.engine.Generate(ctx, testRequest(), ModeAsync)
	require.NoError(t, err)
	_, err = h.engine.GetDownloadURL(ctx, pending.ID, time.Minute)
	require.True(t, trace.IsCompareFailed(err), "expected CompareFailed, got %v", err)

	issued, err := h.engine.Generate(ctx, testRequest(), ModeSync)
	require.NoError(t, err)
	link, err := h.engine.GetDownloadURL(ctx, issued.ID, time.Minute)
	require.NoError(t, err)
	require.Contains(t, link, issued.StoragePath)
}

func TestVerificationURLs(t *testing.T) {
	t.Parallel()
	// Standard base64 uses +, / and = which need escaping in query strings.
	// In a path segment only the slash is reserved.
	require.Equal(t,
		"https://certs.example.com/api/certificates/verify?hash=a%2Bb%2Fc%3D",
		VerificationQueryURL("https://certs.example.com/", "a+b/c="))
	require.Equal(t,
		"https://certs.example.com/api/certificates/verify/a+b%2Fc=",
		VerificationPathURL("https://certs.example.com", "a+b/c="))

	ctx, h := newEngineHarness(t, 0)
	cert, err := h.engine.Generate(ctx, testRequest(), ModeSync)
	require.NoError(t, err)
	link, err := h.engine.GetVerificationURL(ctx, cert.ID)
	require.NoError(t, err)
	require.Equal(t, VerificationPathURL("https://certs.example.com", cert.SignedHash), link)

	// No fingerprint, no link.
	pending, err := h.engine.Generate(ctx, testRequest(), ModeAsync)
	require.NoError(t, err)
	_, err = h.engine.GetVerificationURL(ctx, pending.ID)
	require.True(t, trace.IsNotFound(err), "expected NotFound, got %v", err)
}
