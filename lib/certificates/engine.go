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
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/vellumlabs/vellum"
	"github.com/vellumlabs/vellum/lib/authz"
	"github.com/vellumlabs/vellum/lib/blob"
	"github.com/vellumlabs/vellum/lib/defaults"
	"github.com/vellumlabs/vellum/lib/queue"
	"github.com/vellumlabs/vellum/lib/render"
	"github.com/vellumlabs/vellum/lib/tenancy"
	"github.com/vellumlabs/vellum/lib/templates"
)

// EngineConfig wires the engine's collaborators.
type EngineConfig struct {
	// Templates resolves templates and versions.
	Templates templates.Store
	// Store persists certificates.
	Store Store
	// Hashes persists fingerprints for verification.
	Hashes HashStore
	// Blob stores rendered documents.
	Blob blob.Store
	// Renderer runs the two-pass protocol.
	Renderer *render.Renderer
	// Queue carries async generation work.
	Queue queue.Publisher
	// Registry resolves customers for quota enforcement.
	Registry *tenancy.Registry
	// BaseURL is the public base of verification links. Trailing slashes
	// are stripped.
	BaseURL string
	// Clock supplies issue and failure timestamps.
	Clock clockwork.Clock
	// Logger emits engine diagnostics.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *EngineConfig) CheckAndSetDefaults() error {
	switch {
	case c.Templates == nil:
		return trace.BadParameter("missing parameter Templates")
	case c.Store == nil:
		return trace.BadParameter("missing parameter Store")
	case c.Hashes == nil:
		return trace.BadParameter("missing parameter Hashes")
	case c.Blob == nil:
		return trace.BadParameter("missing parameter Blob")
	case c.Renderer == nil:
		return trace.BadParameter("missing parameter Renderer")
	case c.Queue == nil:
		return trace.BadParameter("missing parameter Queue")
	case c.Registry == nil:
		return trace.BadParameter("missing parameter Registry")
	}
	if c.BaseURL == "" {
		c.BaseURL = defaults.BaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default().With(vellum.ComponentKey, vellum.ComponentEngine)
	}
	return nil
}

// Engine drives the certificate lifecycle. It is the only component that
// advances certificate status.
type Engine struct {
	cfg EngineConfig
}

// NewEngine returns a certificate engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Engine{cfg: cfg}, nil
}

// Generate validates the request, persists a PENDING certificate inside the
// tenant's quota and either renders inline (sync) or enqueues the work
// (async). The returned certificate is ISSUED in sync mode and PENDING in
// async mode; previews come back PENDING in both.
func (e *Engine) Generate(ctx context.Context, req GenerateRequest, mode Mode) (*Certificate, error) {
	if err := req.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if mode == "" {
		mode = ModeSync
	}
	if err := mode.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	schema, err := tenancy.SchemaFromContext(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	customer, err := e.cfg.Registry.CustomerOf(ctx, schema)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !customer.Status.Operational() {
		return nil, trace.AccessDenied("customer %v is %v and cannot issue certificates", customer.ID, customer.Status)
	}

	template, version, err := e.resolveVersion(ctx, req)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	// Validate before anything is persisted or enqueued.
	if err := templates.ValidateRecipientData(ctx, e.cfg.Logger, req.RecipientData, version.FieldSchema); err != nil {
		return nil, trace.Wrap(err)
	}

	issuedAt := e.cfg.Clock.Now().UTC()
	number := req.CertificateNumber
	if number == "" {
		if number, err = NewCertificateNumber(template.Code, issuedAt); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	created, err := e.cfg.Store.CreateCertificate(ctx, Certificate{
		CustomerID:        customer.ID,
		TemplateVersionID: version.ID,
		CertificateNumber: number,
		RecipientData:     req.RecipientData,
		Metadata:          req.Metadata,
		IssuedAt:          issuedAt,
		ExpiresAt:         req.ExpiresAt,
		IssuedBy:          authz.PrincipalFromContext(ctx).UserID,
	}, customer.MaxCertificatesPerMonth)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	e.cfg.Logger.InfoContext(ctx, "Certificate accepted.",
		"certificate", created.ID,
		"number", created.CertificateNumber,
		"template", template.Code,
		"version", version.Version,
		"mode", mode,
		"preview", req.Preview)

	switch mode {
	case ModeAsync:
		msg := queue.Message{CertificateID: created.ID, TenantSchema: schema, IsPreview: req.Preview}
		if err := e.cfg.Queue.Publish(ctx, msg); err != nil {
			e.failBestEffort(ctx, created.ID, err)
			return nil, trace.Wrap(err)
		}
		return created, nil
	default:
		cert, err := e.ProcessGeneration(ctx, created.ID, req.Preview)
		if err != nil {
			e.failBestEffort(ctx, created.ID, err)
			return nil, trace.Wrap(err)
		}
		return cert, nil
	}
}

// resolveVersion loads the template and the published version the request
// points at.
func (e *Engine) resolveVersion(ctx context.Context, req GenerateRequest) (*templates.Template, *templates.TemplateVersion, error) {
	var template *templates.Template
	var err error
	if req.TemplateID != 0 {
		template, err = e.cfg.Templates.GetTemplate(ctx, req.TemplateID)
	} else {
		template, err = e.cfg.Templates.GetTemplateByCode(ctx, req.TemplateCode)
	}
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	if req.TemplateVersionID == uuid.Nil {
		version, err := e.cfg.Templates.GetPublishedVersion(ctx, template.ID)
		if err != nil {
			return nil, nil, trace.Wrap(err)
		}
		return template, version, nil
	}
	version, err := e.cfg.Templates.GetVersion(ctx, req.TemplateVersionID)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	if version.TemplateID != template.ID {
		return nil, nil, trace.BadParameter("template version %v does not belong to template %v", version.ID, template.ID)
	}
	if version.Status != templates.VersionPublished {
		return nil, nil, trace.BadParameter("template version %v is %v, certificates render from published versions only", version.ID, version.Status)
	}
	return template, version, nil
}

// ProcessGeneration renders, fingerprints and stores the certificate's
// document. It is safe to call repeatedly: completed work short-circuits, and
// the fingerprint is write-once so a retry can never change a recorded hash.
func (e *Engine) ProcessGeneration(ctx context.Context, id uuid.UUID, preview bool) (*Certificate, error) {
	schema, err := tenancy.SchemaFromContext(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cert, err := e.cfg.Store.GetCertificate(ctx, id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	switch {
	case cert.Status == StatusIssued:
		// Duplicate delivery of completed work.
		return cert, nil
	case cert.Status == StatusRevoked:
		return nil, trace.CompareFailed("certificate %v is revoked", id)
	case preview && cert.Status == StatusPending && cert.IsPreview():
		// The preview already rendered, a repeat would re-hash it.
		return cert, nil
	}

	cert, err = e.cfg.Store.MarkProcessing(ctx, id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	version, err := e.cfg.Templates.GetVersion(ctx, cert.TemplateVersionID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	template, err := e.cfg.Templates.GetTemplate(ctx, version.TemplateID)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	pass1, err := e.cfg.Renderer.RenderPass1(ctx, render.Input{
		CertificateID:     cert.ID,
		CertificateNumber: cert.CertificateNumber,
		IssuedAt:          cert.IssuedAt,
		ExpiresAt:         cert.ExpiresAt,
		TemplateCode:      template.Code,
		TemplateName:      template.Name,
		Version:           version.Version,
		HTMLContent:       version.HTMLContent,
		CSSStyles:         version.CSSStyles,
		Settings:          version.Settings,
		Recipient:         cert.RecipientData,
		Metadata:          cert.Metadata,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := e.cfg.Store.SetHash(ctx, id, pass1.Hash); err != nil {
		// A different recorded hash means this attempt rendered different
		// bytes than the fingerprinted ones. Retrying cannot recover.
		if trace.IsCompareFailed(err) {
			e.failBestEffort(ctx, id, err)
		}
		return nil, trace.Wrap(err)
	}
	if _, err := e.cfg.Hashes.InsertHash(ctx, Hash{CertificateID: id, Value: pass1.Hash}); err != nil {
		if trace.IsCompareFailed(err) {
			e.failBestEffort(ctx, id, err)
		}
		return nil, trace.Wrap(err)
	}

	pdf, err := e.cfg.Renderer.RenderPass2(ctx, pass1.HTML, render.FooterData{
		CertificateNumber: cert.CertificateNumber,
		IssuedAt:          cert.IssuedAt,
		Hash:              pass1.Hash,
		VerificationURL:   VerificationQueryURL(e.cfg.BaseURL, pass1.Hash),
	}, version.Settings)
	if err != nil {
		// The fingerprint stays recorded, only the stored document is
		// missing.
		e.failBestEffort(ctx, id, err)
		return nil, trace.Wrap(err)
	}

	key := blob.CertificateKey(schema, cert.ID, cert.IssuedAt)
	if err := e.cfg.Blob.Put(ctx, key, pdf); err != nil {
		return nil, trace.Wrap(err)
	}
	if preview {
		cert, err = e.cfg.Store.MarkPreviewReady(ctx, id, key, e.cfg.Clock.Now().UTC())
	} else {
		cert, err = e.cfg.Store.MarkIssued(ctx, id, key)
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	e.cfg.Logger.InfoContext(ctx, "Certificate document generated.",
		"certificate", id,
		"number", cert.CertificateNumber,
		"preview", preview,
		"pages", pass1.PageCount,
		"path", key)
	return cert, nil
}

// IssuePreview promotes a rendered preview to ISSUED without re-rendering.
// The stored document and fingerprint stay exactly as rendered.
func (e *Engine) IssuePreview(ctx context.Context, id uuid.UUID) (*Certificate, error) {
	cert, err := e.cfg.Store.GetCertificate(ctx, id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if cert.Status != StatusPending || !cert.IsPreview() || cert.StoragePath == "" {
		return nil, trace.CompareFailed("certificate %v is not a preview awaiting promotion", id)
	}
	ok, err := e.cfg.Blob.Exists(ctx, cert.StoragePath)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !ok {
		return nil, trace.NotFound("preview document for certificate %v is missing", id)
	}
	cert, err = e.cfg.Store.PromotePreview(ctx, id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	e.cfg.Logger.InfoContext(ctx, "Preview promoted.", "certificate", id, "number", cert.CertificateNumber)
	return cert, nil
}

// Revoke permanently revokes a certificate. The stored document and
// fingerprint are kept, verification simply stops matching.
func (e *Engine) Revoke(ctx context.Context, id uuid.UUID) (*Certificate, error) {
	cert, err := e.cfg.Store.Revoke(ctx, id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	e.cfg.Logger.InfoContext(ctx, "Certificate revoked.", "certificate", id, "number", cert.CertificateNumber)
	return cert, nil
}

// MarkAsFailed records a failure on the certificate.
func (e *Engine) MarkAsFailed(ctx context.Context, id uuid.UUID, message string) (*Certificate, error) {
	cert, err := e.cfg.Store.MarkFailed(ctx, id, message, e.cfg.Clock.Now().UTC())
	return cert, trace.Wrap(err)
}

// GetDownloadURL presigns the certificate's stored document. The TTL is
// clamped to the configured maximum; zero or negative means the default.
func (e *Engine) GetDownloadURL(ctx context.Context, id uuid.UUID, ttl time.Duration) (string, error) {
	cert, err := e.cfg.Store.GetCertificate(ctx, id)
	if err != nil {
		return "", trace.Wrap(err)
	}
	if !cert.Downloadable() {
		return "", trace.CompareFailed("certificate %v is %v and has no downloadable document", id, cert.Status)
	}
	if ttl <= 0 {
		ttl = defaults.PresignTTL
	}
	if ttl > defaults.PresignMaxTTL {
		ttl = defaults.PresignMaxTTL
	}
	link, err := e.cfg.Blob.Presign(ctx, cert.StoragePath, ttl)
	return link, trace.Wrap(err)
}

// GetVerificationURL returns the public verification link of the
// certificate's recorded fingerprint.
func (e *Engine) GetVerificationURL(ctx context.Context, id uuid.UUID) (string, error) {
	hash, err := e.cfg.Hashes.GetHashByCertificate(ctx, id)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return VerificationPathURL(e.cfg.BaseURL, hash.Value), nil
}

// failBestEffort records the failure without masking the original error.
// The write survives request cancellation, a certificate should not linger
// PROCESSING because the caller went away.
func (e *Engine) failBestEffort(ctx context.Context, id uuid.UUID, cause error) {
	ctx = context.WithoutCancel(ctx)
	if _, err := e.cfg.Store.MarkFailed(ctx, id, cause.Error(), e.cfg.Clock.Now().UTC()); err != nil {
		e.cfg.Logger.WarnContext(ctx, "Failed to record certificate failure.",
			"certificate", id, "cause", cause, "error", err)
	}
}

// VerificationQueryURL returns the public verification endpoint in query
// form. Rendered footers embed this form.
func VerificationQueryURL(baseURL, hash string) string {
	return fmt.Sprintf("%s/api/certificates/verify?hash=%s", strings.TrimRight(baseURL, "/"), url.QueryEscape(hash))
}

// VerificationPathURL returns the public verification endpoint in path form.
func VerificationPathURL(baseURL, hash string) string {
	return fmt.Sprintf("%s/api/certificates/verify/%s", strings.TrimRight(baseURL, "/"), url.PathEscape(hash))
}
