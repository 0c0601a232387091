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

// Package render turns certificate templates into PDF documents in two
// passes. The first pass renders template plus recipient data, with nothing
// time- or verification-dependent, and its PDF bytes are hashed: that hash is
// the certificate's fingerprint. The second pass appends a footer carrying
// the fingerprint's verification URL and QR code to the first pass HTML and
// converts again, producing the stored document. The footer can reference
// the hash precisely because it never participates in computing it.
package render

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/vellumlabs/vellum"
	"github.com/vellumlabs/vellum/lib/templates"
)

// Converter turns an HTML document into PDF bytes.
type Converter interface {
	Convert(ctx context.Context, content string, settings templates.PageSettings) ([]byte, error)
}

// Input carries everything the first pass needs. All fields come from
// stored rows, the renderer itself never consults the clock.
type Input struct {
	// CertificateID identifies the certificate being rendered.
	CertificateID uuid.UUID
	// CertificateNumber is the human-readable number.
	CertificateNumber string
	// IssuedAt is the issue time recorded on the certificate row.
	IssuedAt time.Time
	// ExpiresAt is the optional expiry.
	ExpiresAt *time.Time
	// TemplateCode and TemplateName describe the template.
	TemplateCode string
	TemplateName string
	// Version is the template version number being rendered.
	Version int
	// HTMLContent and CSSStyles are the version's content.
	HTMLContent string
	CSSStyles   string
	// Settings are the version's page settings.
	Settings templates.PageSettings
	// Recipient and Metadata are the certificate's JSON payloads.
	Recipient map[string]any
	Metadata  map[string]any
}

// CheckAndSetDefaults validates the input and fills page defaults.
func (in *Input) CheckAndSetDefaults() error {
	switch {
	case in.CertificateNumber == "":
		return trace.BadParameter("missing certificate number")
	case in.HTMLContent == "":
		return trace.BadParameter("missing template content")
	case in.IssuedAt.IsZero():
		return trace.BadParameter("missing issue time")
	}
	return trace.Wrap(in.Settings.CheckAndSetDefaults())
}

// Pass1Result is the outcome of the first pass.
type Pass1Result struct {
	// HTML is the fully processed document, the second pass appends to
	// exactly these bytes.
	HTML string
	// PDF is the first-pass document.
	PDF []byte
	// Hash is base64(SHA-256(PDF)), the certificate fingerprint.
	Hash string
	// PageCount is a best-effort page count of the PDF, zero when
	// unparseable.
	PageCount int
}

// Config configures a Renderer.
type Config struct {
	// Converter turns HTML into PDF.
	Converter Converter
	// Logger emits render diagnostics.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Converter == nil {
		return trace.BadParameter("missing parameter Converter")
	}
	if c.Logger == nil {
		c.Logger = slog.Default().With(vellum.ComponentKey, vellum.ComponentRenderer)
	}
	return nil
}

// Renderer runs the two-pass protocol.
type Renderer struct {
	cfg Config
}

// New returns a renderer.
func New(cfg Config) (*Renderer, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Renderer{cfg: cfg}, nil
}

// RenderPass1 produces the hash-bearing document: template processed with
// recipient data, styles and page rules injected, no footer. Identical
// input yields byte-identical HTML and therefore an identical hash.
func (r *Renderer) RenderPass1(ctx context.Context, in Input) (*Pass1Result, error) {
	if err := in.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	start := time.Now()

	processed, err := processTemplate(in.HTMLContent, buildContext(in))
	if err != nil {
		return nil, trace.Wrap(err, "processing template %q version %d", in.TemplateCode, in.Version)
	}
	doc := injectStyles(processed, in.CSSStyles, in.Settings)

	pdf, err := r.cfg.Converter.Convert(ctx, doc, in.Settings)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	result := &Pass1Result{
		HTML:      doc,
		PDF:       pdf,
		Hash:      Hash(pdf),
		PageCount: PageCount(pdf),
	}
	r.cfg.Logger.DebugContext(ctx, "Rendered first pass.",
		"certificate", in.CertificateID,
		"template", in.TemplateCode,
		"version", in.Version,
		"pages", result.PageCount,
		"bytes", len(pdf),
		"elapsed", time.Since(start))
	return result, nil
}

// RenderPass2 appends the verification footer to the first-pass HTML and
// converts the result. These are the bytes that get stored.
func (r *Renderer) RenderPass2(ctx context.Context, pass1HTML string, footer FooterData, settings templates.PageSettings) ([]byte, error) {
	if pass1HTML == "" {
		return nil, trace.BadParameter("missing first pass document")
	}
	if err := settings.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	start := time.Now()

	block, err := footerBlock(footer)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	doc := insertFooter(pass1HTML, block)

	pdf, err := r.cfg.Converter.Convert(ctx, doc, settings)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	r.cfg.Logger.DebugContext(ctx, "Rendered second pass.",
		"certificate", footer.CertificateNumber,
		"bytes", len(pdf),
		"elapsed", time.Since(start))
	return pdf, nil
}

// Hash returns the verification fingerprint of document bytes:
// base64(SHA-256(data)).
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return base64.StdEncoding.EncodeToString(sum[:])
}
