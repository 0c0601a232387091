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

// Package web implements the certificate platform's HTTP API: certificate
// lifecycle and template authoring bound to the caller's tenant, tenant
// administration for super admins, and the public verification endpoints.
//
// Authentication is terminated by a fronting proxy. The handler trusts the
// asserted identity headers and never verifies credentials itself; an absent
// or unusable identity degrades to the anonymous principal rather than
// failing the request.
package web

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/vellumlabs/vellum"
	"github.com/vellumlabs/vellum/lib/authz"
	"github.com/vellumlabs/vellum/lib/certificates"
	"github.com/vellumlabs/vellum/lib/defaults"
	"github.com/vellumlabs/vellum/lib/httplib"
	"github.com/vellumlabs/vellum/lib/queue"
	"github.com/vellumlabs/vellum/lib/templates"
	"github.com/vellumlabs/vellum/lib/tenancy"
	"github.com/vellumlabs/vellum/lib/verify"
)

// Config represents web handler configuration parameters.
type Config struct {
	// Engine issues, promotes and revokes certificates.
	Engine *certificates.Engine
	// Certificates reads the tenant's certificate rows.
	Certificates certificates.Store
	// Templates persists templates and versions.
	Templates templates.Store
	// Registry resolves tenant headers and administers customers.
	Registry *tenancy.Registry
	// Verifier answers public hash verification.
	Verifier *verify.Service
	// Logger emits handler logs.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills defaults.
func (c *Config) CheckAndSetDefaults() error {
	switch {
	case c.Engine == nil:
		return trace.BadParameter("missing parameter Engine")
	case c.Certificates == nil:
		return trace.BadParameter("missing parameter Certificates")
	case c.Templates == nil:
		return trace.BadParameter("missing parameter Templates")
	case c.Registry == nil:
		return trace.BadParameter("missing parameter Registry")
	case c.Verifier == nil:
		return trace.BadParameter("missing parameter Verifier")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Handler is the platform's HTTP API handler.
type Handler struct {
	httprouter.Router
	cfg    Config
	logger *slog.Logger
}

// NewHandler returns a new Handler with all routes bound.
func NewHandler(cfg Config) (*Handler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	h := &Handler{
		cfg:    cfg,
		logger: cfg.Logger.With(vellum.ComponentKey, vellum.ComponentWeb),
	}

	// Public endpoints. Verification never requires or consumes tenant
	// headers: the probe scans every operational tenant. The path form is a
	// catch-all because base64 hashes routinely contain slashes.
	h.GET("/healthz", h.public(h.health))
	h.GET("/api/certificates/verify", h.public(h.verifyByQuery))
	h.GET("/api/certificates/verify/*hash", h.public(h.verifyByPath))

	// Certificate lifecycle, tenant-bound. Item routes use the singular
	// prefix so they cannot collide with the verify catch-all above.
	h.POST("/api/certificates/generate", h.withTenant(h.generateCertificate))
	h.GET("/api/certificates", h.withTenant(h.listCertificates))
	h.GET("/api/certificate/:id", h.withTenant(h.getCertificate))
	h.POST("/api/certificate/:id/issue", h.withTenant(h.issuePreview))
	h.POST("/api/certificate/:id/revoke", h.withTenant(h.revokeCertificate))
	h.GET("/api/certificate/:id/download", h.withTenant(h.downloadCertificate))
	h.GET("/api/certificate/:id/verification-url", h.withTenant(h.verificationURL))

	// Template authoring, tenant-bound. Item routes accept a numeric id or
	// a template code.
	h.POST("/api/templates", h.withTenant(h.createTemplate))
	h.GET("/api/templates", h.withTenant(h.listTemplates))
	h.GET("/api/template/:id", h.withTenant(h.getTemplate))
	h.PUT("/api/template/:id", h.withTenant(h.updateTemplate))
	h.DELETE("/api/template/:id", h.withTenant(h.deleteTemplate))
	h.POST("/api/template/:id/versions", h.withTenant(h.createVersion))
	h.GET("/api/template/:id/versions", h.withTenant(h.listVersions))
	h.GET("/api/template-versions/:id", h.withTenant(h.getVersion))
	h.PUT("/api/template-versions/:id", h.withTenant(h.updateVersion))
	h.POST("/api/template-versions/:id/publish", h.withTenant(h.publishVersion))
	h.POST("/api/template-versions/:id/archive", h.withTenant(h.archiveVersion))
	h.POST("/api/template-versions/:id/duplicate", h.withTenant(h.duplicateVersion))

	// Tenant administration, super admin only.
	h.POST("/api/admin/customers", h.withAdmin(h.onboardCustomer))
	h.GET("/api/admin/customers", h.withAdmin(h.listCustomers))
	h.GET("/api/admin/customers/:id", h.withAdmin(h.getCustomer))
	h.PUT("/api/admin/customers/:id/status", h.withAdmin(h.setCustomerStatus))
	h.DELETE("/api/admin/customers/:id", h.withAdmin(h.deleteCustomer))

	h.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.replyError(w, trace.NotFound("no endpoint %v %v", r.Method, r.URL.Path))
	})
	return h, nil
}

// tenantHandler is an API handler running with the caller's tenant schema
// bound to the request context.
type tenantHandler func(w http.ResponseWriter, r *http.Request, p httprouter.Params, customer *tenancy.Customer) (any, error)

// public wraps tenant-less endpoints.
func (h *Handler) public(fn httplib.HandlerFunc) httprouter.Handle {
	return httplib.MakeHandlerWithErrorWriter(fn, h.replyError)
}

// withTenant resolves the tenancy headers, binds the tenant schema and the
// caller's principal to the request context and runs fn.
func (h *Handler) withTenant(fn tenantHandler) httprouter.Handle {
	return httplib.MakeHandlerWithErrorWriter(func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
		customer, err := h.resolveTenant(r)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		ctx, err := tenancy.WithSchema(r.Context(), customer.TenantSchema)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		ctx = authz.ContextWithPrincipal(ctx, principalFrom(r, customer))
		return fn(w, r.WithContext(ctx), p, customer)
	}, h.replyError)
}

// withAdmin runs fn for super-admin principals only. Admin endpoints are
// tenant-less: they operate on the customer directory itself.
func (h *Handler) withAdmin(fn httplib.HandlerFunc) httprouter.Handle {
	return httplib.MakeHandlerWithErrorWriter(func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
		principal := principalFrom(r, nil)
		if !principal.IsSuperAdmin() {
			return nil, trace.AccessDenied("tenant administration requires a super admin caller")
		}
		ctx := authz.ContextWithPrincipal(r.Context(), principal)
		return fn(w, r.WithContext(ctx), p)
	}, h.replyError)
}

// resolveTenant maps the tenancy headers to a customer. X-Tenant-Id wins
// when both are present. Suspended tenants keep their data but lose
// request-path resolution, so they come back not found here while staying
// visible to the admin endpoints.
func (h *Handler) resolveTenant(r *http.Request) (*tenancy.Customer, error) {
	header := r.Header.Get(vellum.HeaderTenantID)
	if header == "" {
		header = r.Header.Get(vellum.HeaderTenantSchema)
	}
	customer, err := h.cfg.Registry.ResolveHeader(r.Context(), header)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !customer.Status.Operational() {
		return nil, trace.NotFound("no tenant matches %q", header)
	}
	return customer, nil
}

// principalFrom builds the caller principal from the identity headers
// asserted by the fronting proxy. An unusable assertion degrades to the
// anonymous principal: identity failures never fail the operation.
func principalFrom(r *http.Request, customer *tenancy.Customer) authz.Principal {
	user := strings.TrimSpace(r.Header.Get(vellum.HeaderAuthenticatedUser))
	if user == "" {
		return authz.Anonymous()
	}
	role := authz.Role(strings.TrimSpace(r.Header.Get(vellum.HeaderAuthenticatedRole)))
	if role == "" {
		role = authz.RoleUser
	}
	if err := role.Check(); err != nil {
		return authz.Anonymous()
	}
	principal := authz.Principal{Role: role, UserID: user}
	if customer != nil {
		principal.TenantSchema = customer.TenantSchema
	}
	return principal
}

// errorResponse is the JSON error envelope.
type errorResponse struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	// Message is the human-readable failure.
	Message string `json:"message"`
	// Fields lists recipient data violations on validation failures.
	Fields []templates.FieldError `json:"fields,omitempty"`
}

// replyError writes err with the platform's status mapping.
func (h *Handler) replyError(w http.ResponseWriter, err error) {
	detail := errorDetail{Message: trace.UserMessage(err)}
	if validationErr := templates.AsValidationError(err); validationErr != nil {
		detail.Fields = validationErr.Errors
	}
	roundtrip.ReplyJSON(w, errorToCode(err), errorResponse{Error: detail})
}

// errorToCode maps domain errors to HTTP statuses. Domain sentinels are
// checked before the generic trace kinds that may wrap them.
func errorToCode(err error) int {
	switch {
	case tenancy.IsMissingTenant(err), tenancy.IsInvalidTenant(err):
		return http.StatusBadRequest
	case certificates.IsQuotaExceeded(err):
		return http.StatusBadRequest
	case templates.IsValidationError(err):
		return http.StatusBadRequest
	case queue.IsPublishFailed(err):
		return http.StatusInternalServerError
	case trace.IsBadParameter(err):
		return http.StatusBadRequest
	case trace.IsNotFound(err):
		return http.StatusNotFound
	case trace.IsAccessDenied(err):
		return http.StatusForbidden
	case trace.IsAlreadyExists(err):
		return http.StatusConflict
	case trace.IsCompareFailed(err):
		return http.StatusConflict
	case trace.IsLimitExceeded(err):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// message returns a trivial JSON body for operations with nothing to say.
func message(msg string) any {
	return map[string]string{"message": msg}
}

type healthStatus struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	return healthStatus{Status: "ok", Version: vellum.Version}, nil
}

// verificationResponse is the public verification payload. It only exists
// for matches: anything else is a 404.
type verificationResponse struct {
	// Valid is always true on a match.
	Valid bool `json:"valid"`
	// Certificate is the matched certificate.
	Certificate *certificates.Certificate `json:"certificate"`
	// Issuer is the issuing organization's name.
	Issuer string `json:"issuer"`
	// Expired flags certificates past their expiry. The document stays
	// authentic, it is just no longer current.
	Expired bool `json:"expired"`
}

func (h *Handler) verifyByQuery(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	return h.verifyHash(r.Context(), r.URL.Query().Get("hash"))
}

func (h *Handler) verifyByPath(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	// The catch-all value keeps its leading slash. Anything else in it is
	// hash text: slashes inside base64 arrive here whether or not the
	// client escaped them.
	hash := strings.TrimPrefix(p.ByName("hash"), "/")
	if unescaped, err := url.PathUnescape(hash); err == nil {
		hash = unescaped
	}
	return h.verifyHash(r.Context(), hash)
}

func (h *Handler) verifyHash(ctx context.Context, hash string) (any, error) {
	result, err := h.cfg.Verifier.Verify(ctx, hash)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return verificationResponse{
		Valid:       true,
		Certificate: result.Certificate,
		Issuer:      result.Customer.Name,
		Expired:     result.Expired,
	}, nil
}

// generateRequest is the certificate generation payload: the engine request
// plus the run mode.
type generateRequest struct {
	certificates.GenerateRequest
	// Async enqueues the render instead of running it inline.
	Async bool `json:"async,omitempty"`
}

func (h *Handler) generateCertificate(w http.ResponseWriter, r *http.Request, _ httprouter.Params, _ *tenancy.Customer) (any, error) {
	var req generateRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	mode := certificates.ModeSync
	if req.Async {
		mode = certificates.ModeAsync
	}
	cert, err := h.cfg.Engine.Generate(r.Context(), req.GenerateRequest, mode)
	return cert, trace.Wrap(err)
}

type certificatesResponse struct {
	Certificates []certificates.Certificate `json:"certificates"`
	Count        int                        `json:"count"`
}

func (h *Handler) listCertificates(w http.ResponseWriter, r *http.Request, _ httprouter.Params, _ *tenancy.Customer) (any, error) {
	filter, err := listFilterFromQuery(r.URL.Query())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	certs, err := h.cfg.Certificates.ListCertificates(r.Context(), filter)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return certificatesResponse{Certificates: certs, Count: len(certs)}, nil
}

func (h *Handler) getCertificate(w http.ResponseWriter, r *http.Request, p httprouter.Params, _ *tenancy.Customer) (any, error) {
	id, err := certificateID(p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cert, err := h.cfg.Certificates.GetCertificate(r.Context(), id)
	return cert, trace.Wrap(err)
}

func (h *Handler) issuePreview(w http.ResponseWriter, r *http.Request, p httprouter.Params, _ *tenancy.Customer) (any, error) {
	id, err := certificateID(p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cert, err := h.cfg.Engine.IssuePreview(r.Context(), id)
	return cert, trace.Wrap(err)
}

func (h *Handler) revokeCertificate(w http.ResponseWriter, r *http.Request, p httprouter.Params, _ *tenancy.Customer) (any, error) {
	id, err := certificateID(p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cert, err := h.cfg.Engine.Revoke(r.Context(), id)
	return cert, trace.Wrap(err)
}

type downloadResponse struct {
	// URL is a presigned link to the stored document.
	URL string `json:"url"`
}

func (h *Handler) downloadCertificate(w http.ResponseWriter, r *http.Request, p httprouter.Params, _ *tenancy.Customer) (any, error) {
	id, err := certificateID(p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	ttl := defaults.PresignTTL
	if raw := r.URL.Query().Get("ttl"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			return nil, trace.BadParameter("ttl must be a positive duration, got %q", raw)
		}
		ttl = parsed
	}
	link, err := h.cfg.Engine.GetDownloadURL(r.Context(), id, ttl)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return downloadResponse{URL: link}, nil
}

type verificationURLResponse struct {
	// URL is the public verification link for the certificate.
	URL string `json:"url"`
}

func (h *Handler) verificationURL(w http.ResponseWriter, r *http.Request, p httprouter.Params, _ *tenancy.Customer) (any, error) {
	id, err := certificateID(p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	link, err := h.cfg.Engine.GetVerificationURL(r.Context(), id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return verificationURLResponse{URL: link}, nil
}

func (h *Handler) createTemplate(w http.ResponseWriter, r *http.Request, _ httprouter.Params, customer *tenancy.Customer) (any, error) {
	var req templates.Template
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	// The owner is the resolved tenant, never the request body.
	req.CustomerID = customer.ID
	created, err := h.cfg.Templates.CreateTemplate(r.Context(), req)
	return created, trace.Wrap(err)
}

type templatesResponse struct {
	Templates []templates.Template `json:"templates"`
	Count     int                  `json:"count"`
}

func (h *Handler) listTemplates(w http.ResponseWriter, r *http.Request, _ httprouter.Params, _ *tenancy.Customer) (any, error) {
	list, err := h.cfg.Templates.ListTemplates(r.Context())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return templatesResponse{Templates: list, Count: len(list)}, nil
}

func (h *Handler) getTemplate(w http.ResponseWriter, r *http.Request, p httprouter.Params, _ *tenancy.Customer) (any, error) {
	template, err := h.templateByRef(r.Context(), p.ByName("id"))
	return template, trace.Wrap(err)
}

func (h *Handler) updateTemplate(w http.ResponseWriter, r *http.Request, p httprouter.Params, _ *tenancy.Customer) (any, error) {
	template, err := h.templateByRef(r.Context(), p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var req templates.Template
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	req.ID = template.ID
	updated, err := h.cfg.Templates.UpdateTemplate(r.Context(), req)
	return updated, trace.Wrap(err)
}

func (h *Handler) deleteTemplate(w http.ResponseWriter, r *http.Request, p httprouter.Params, _ *tenancy.Customer) (any, error) {
	template, err := h.templateByRef(r.Context(), p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Templates.DeleteTemplate(r.Context(), template.ID); err != nil {
		return nil, trace.Wrap(err)
	}
	return message("template deleted"), nil
}

func (h *Handler) createVersion(w http.ResponseWriter, r *http.Request, p httprouter.Params, _ *tenancy.Customer) (any, error) {
	template, err := h.templateByRef(r.Context(), p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var req templates.TemplateVersion
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	req.TemplateID = template.ID
	req.CreatedBy = authz.CallerID(r.Context())
	version, err := h.cfg.Templates.CreateVersion(r.Context(), req)
	return version, trace.Wrap(err)
}

type versionsResponse struct {
	Versions []templates.TemplateVersion `json:"versions"`
	Count    int                         `json:"count"`
}

func (h *Handler) listVersions(w http.ResponseWriter, r *http.Request, p httprouter.Params, _ *tenancy.Customer) (any, error) {
	template, err := h.templateByRef(r.Context(), p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	versions, err := h.cfg.Templates.ListVersions(r.Context(), template.ID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return versionsResponse{Versions: versions, Count: len(versions)}, nil
}

func (h *Handler) getVersion(w http.ResponseWriter, r *http.Request, p httprouter.Params, _ *tenancy.Customer) (any, error) {
	id, err := versionID(p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	version, err := h.cfg.Templates.GetVersion(r.Context(), id)
	return version, trace.Wrap(err)
}

func (h *Handler) updateVersion(w http.ResponseWriter, r *http.Request, p httprouter.Params, _ *tenancy.Customer) (any, error) {
	id, err := versionID(p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var req templates.TemplateVersion
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	req.ID = id
	updated, err := h.cfg.Templates.UpdateVersionContent(r.Context(), req)
	return updated, trace.Wrap(err)
}

func (h *Handler) publishVersion(w http.ResponseWriter, r *http.Request, p httprouter.Params, _ *tenancy.Customer) (any, error) {
	id, err := versionID(p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	version, err := h.cfg.Templates.SetVersionStatus(r.Context(), id, templates.VersionPublished)
	return version, trace.Wrap(err)
}

func (h *Handler) archiveVersion(w http.ResponseWriter, r *http.Request, p httprouter.Params, _ *tenancy.Customer) (any, error) {
	id, err := versionID(p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	version, err := h.cfg.Templates.SetVersionStatus(r.Context(), id, templates.VersionArchived)
	return version, trace.Wrap(err)
}

func (h *Handler) duplicateVersion(w http.ResponseWriter, r *http.Request, p httprouter.Params, _ *tenancy.Customer) (any, error) {
	id, err := versionID(p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	draft, err := templates.CreateVersionFrom(r.Context(), h.cfg.Templates, id, authz.CallerID(r.Context()))
	return draft, trace.Wrap(err)
}

func (h *Handler) onboardCustomer(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	var req tenancy.Customer
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	created, err := h.cfg.Registry.Onboard(r.Context(), req)
	return created, trace.Wrap(err)
}

type customersResponse struct {
	Customers []tenancy.Customer `json:"customers"`
	Count     int                `json:"count"`
}

func (h *Handler) listCustomers(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	var statuses []tenancy.CustomerStatus
	for _, raw := range r.URL.Query()["status"] {
		status := tenancy.CustomerStatus(strings.ToUpper(raw))
		if err := status.Check(); err != nil {
			return nil, trace.Wrap(err)
		}
		statuses = append(statuses, status)
	}
	customers, err := h.cfg.Registry.List(r.Context(), statuses...)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return customersResponse{Customers: customers, Count: len(customers)}, nil
}

func (h *Handler) getCustomer(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	customer, err := h.cfg.Registry.ResolveHeader(r.Context(), p.ByName("id"))
	return customer, trace.Wrap(err)
}

func (h *Handler) setCustomerStatus(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	customer, err := h.cfg.Registry.ResolveHeader(r.Context(), p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var req struct {
		Status tenancy.CustomerStatus `json:"status"`
	}
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	updated, err := h.cfg.Registry.SetStatus(r.Context(), customer.ID, req.Status)
	return updated, trace.Wrap(err)
}

func (h *Handler) deleteCustomer(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	customer, err := h.cfg.Registry.ResolveHeader(r.Context(), p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	// Deleting a tenant orphans everything in its schema. Refuse while
	// certificates exist unless forced: suspension is the reversible way to
	// cut access.
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	if !force {
		tenantCtx, err := tenancy.WithSchema(r.Context(), customer.TenantSchema)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		existing, err := h.cfg.Certificates.ListCertificates(tenantCtx, certificates.ListFilter{Limit: 1})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if len(existing) > 0 {
			return nil, trace.BadParameter("customer %v still holds certificates, suspend it instead or force the delete", customer.ID)
		}
	}
	if err := h.cfg.Registry.Delete(r.Context(), customer.ID); err != nil {
		return nil, trace.Wrap(err)
	}
	h.logger.InfoContext(r.Context(), "Customer deleted.",
		"customer_id", customer.ID,
		"tenant_schema", customer.TenantSchema,
		"forced", force,
	)
	return message("customer deleted"), nil
}

// templateByRef loads a template by numeric id or, failing that, by code.
func (h *Handler) templateByRef(ctx context.Context, ref string) (*templates.Template, error) {
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		template, err := h.cfg.Templates.GetTemplate(ctx, id)
		return template, trace.Wrap(err)
	}
	template, err := h.cfg.Templates.GetTemplateByCode(ctx, ref)
	return template, trace.Wrap(err)
}

func certificateID(p httprouter.Params) (uuid.UUID, error) {
	id, err := uuid.Parse(p.ByName("id"))
	if err != nil {
		return uuid.Nil, trace.BadParameter("malformed certificate id %q", p.ByName("id"))
	}
	return id, nil
}

func versionID(p httprouter.Params) (uuid.UUID, error) {
	id, err := uuid.Parse(p.ByName("id"))
	if err != nil {
		return uuid.Nil, trace.BadParameter("malformed template version id %q", p.ByName("id"))
	}
	return id, nil
}

func listFilterFromQuery(q url.Values) (certificates.ListFilter, error) {
	var filter certificates.ListFilter
	if raw := q.Get("status"); raw != "" {
		status := certificates.Status(strings.ToUpper(raw))
		if err := status.Check(); err != nil {
			return filter, trace.Wrap(err)
		}
		filter.Status = status
	}
	if raw := q.Get("version"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return filter, trace.BadParameter("malformed template version id %q", raw)
		}
		filter.TemplateVersionID = id
	}
	var err error
	if filter.Limit, err = intQuery(q, "limit"); err != nil {
		return filter, trace.Wrap(err)
	}
	if filter.Offset, err = intQuery(q, "offset"); err != nil {
		return filter, trace.Wrap(err)
	}
	return filter, nil
}

func intQuery(q url.Values, name string) (int, error) {
	raw := q.Get(name)
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, trace.BadParameter("%s must be a non-negative integer, got %q", name, raw)
	}
	return value, nil
}
