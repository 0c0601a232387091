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

// Package templates stores certificate templates and their immutable
// published versions, and validates recipient payloads against a version's
// field schema.
package templates

import (
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/vellumlabs/vellum/lib/defaults"
)

// VersionStatus is the lifecycle state of a template version.
type VersionStatus string

const (
	// VersionDraft marks an editable version.
	VersionDraft VersionStatus = "DRAFT"

	// VersionPublished marks the version certificates are generated from.
	// Published content is immutable.
	VersionPublished VersionStatus = "PUBLISHED"

	// VersionArchived marks a retired version. Archived versions never
	// return to draft.
	VersionArchived VersionStatus = "ARCHIVED"
)

// Check validates the status value.
func (s VersionStatus) Check() error {
	switch s {
	case VersionDraft, VersionPublished, VersionArchived:
		return nil
	}
	return trace.BadParameter("unknown template version status %q", s)
}

// Template is a named certificate layout owned by a tenant. The content
// itself lives in versions.
type Template struct {
	// ID is the template id, assigned by the store.
	ID int64 `json:"id"`
	// CustomerID is the owning tenant.
	CustomerID int64 `json:"customerId"`
	// Name is the display name.
	Name string `json:"name"`
	// Code is the tenant-unique short code used in certificate numbers.
	Code string `json:"code"`
	// Description is free-form.
	Description string `json:"description,omitempty"`
	// CurrentVersion is the published version number, zero when nothing is
	// published yet.
	CurrentVersion int `json:"currentVersion"`
	// Metadata is free-form template metadata.
	Metadata map[string]any `json:"metadata,omitempty"`
	// CreatedAt is when the template was created.
	CreatedAt time.Time `json:"createdAt"`
	// UpdatedAt is when the template row last changed.
	UpdatedAt time.Time `json:"updatedAt"`
}

var codeRegexp = regexp.MustCompile(defaults.TemplateCodePattern)

// CheckAndSetDefaults validates the template.
func (t *Template) CheckAndSetDefaults() error {
	switch {
	case t.Name == "":
		return trace.BadParameter("missing template name")
	case t.Code == "":
		return trace.BadParameter("missing template code")
	case t.CustomerID == 0:
		return trace.BadParameter("missing template customer id")
	}
	if !codeRegexp.MatchString(t.Code) {
		return trace.BadParameter("template code %q does not match %s", t.Code, defaults.TemplateCodePattern)
	}
	return nil
}

// Margins are CSS lengths applied to the printed page.
type Margins struct {
	Top    string `json:"top,omitempty"`
	Right  string `json:"right,omitempty"`
	Bottom string `json:"bottom,omitempty"`
	Left   string `json:"left,omitempty"`
}

// PageSettings describe the printed page of a template version.
type PageSettings struct {
	// PageSize is a CSS page size keyword, A4 by default.
	PageSize string `json:"pageSize,omitempty"`
	// Orientation is portrait or landscape.
	Orientation string `json:"orientation,omitempty"`
	// Margins are the page margins.
	Margins Margins `json:"margins,omitempty"`
}

// CheckAndSetDefaults validates the settings and fills defaults.
func (s *PageSettings) CheckAndSetDefaults() error {
	if s.PageSize == "" {
		s.PageSize = "A4"
	}
	if s.Orientation == "" {
		s.Orientation = "portrait"
	}
	if s.Orientation != "portrait" && s.Orientation != "landscape" {
		return trace.BadParameter("orientation must be portrait or landscape, got %q", s.Orientation)
	}
	if s.Margins.Top == "" {
		s.Margins.Top = "20mm"
	}
	if s.Margins.Right == "" {
		s.Margins.Right = "20mm"
	}
	if s.Margins.Bottom == "" {
		s.Margins.Bottom = "20mm"
	}
	if s.Margins.Left == "" {
		s.Margins.Left = "20mm"
	}
	return nil
}

// FieldRule constrains one recipient data field.
type FieldRule struct {
	// Type is one of string, number, integer, boolean, date, email.
	Type string `json:"type"`
	// Required rejects absent or null values.
	Required bool `json:"required,omitempty"`
	// MinLength applies to string-like types.
	MinLength *int `json:"minLength,omitempty"`
	// MaxLength applies to string-like types.
	MaxLength *int `json:"maxLength,omitempty"`
	// Pattern is an anchored regular expression for string-like types.
	Pattern string `json:"pattern,omitempty"`
	// Minimum is an inclusive lower bound for numeric types.
	Minimum *float64 `json:"minimum,omitempty"`
	// Maximum is an inclusive upper bound for numeric types.
	Maximum *float64 `json:"maximum,omitempty"`
}

// FieldTypes lists the supported field rule types.
var FieldTypes = []string{"string", "number", "integer", "boolean", "date", "email"}

// TemplateVersion is one revision of a template's content. Once published
// the content never changes again.
type TemplateVersion struct {
	// ID is the version id.
	ID uuid.UUID `json:"id"`
	// TemplateID is the owning template.
	TemplateID int64 `json:"templateId"`
	// Version is the monotonic version number within the template.
	Version int `json:"version"`
	// HTMLContent is the certificate body template.
	HTMLContent string `json:"htmlContent"`
	// CSSStyles is injected into the rendered document head.
	CSSStyles string `json:"cssStyles,omitempty"`
	// FieldSchema constrains recipient data, keyed by field name.
	FieldSchema map[string]FieldRule `json:"fieldSchema"`
	// Settings describe the printed page.
	Settings PageSettings `json:"settings"`
	// Status is the lifecycle state.
	Status VersionStatus `json:"status"`
	// CreatedBy is the author's caller id.
	CreatedBy string `json:"createdBy"`
	// CreatedAt is when the version was created.
	CreatedAt time.Time `json:"createdAt"`
}

// CheckAndSetDefaults validates the version content and fills defaults.
func (v *TemplateVersion) CheckAndSetDefaults() error {
	switch {
	case v.TemplateID == 0:
		return trace.BadParameter("missing template id")
	case v.HTMLContent == "":
		return trace.BadParameter("missing html content")
	case v.CreatedBy == "":
		return trace.BadParameter("missing createdBy")
	case len(v.FieldSchema) == 0:
		return trace.BadParameter("field schema must declare at least one field")
	}
	for name, rule := range v.FieldSchema {
		if err := checkFieldRule(name, rule); err != nil {
			return trace.Wrap(err)
		}
	}
	if v.Status == "" {
		v.Status = VersionDraft
	}
	if err := v.Status.Check(); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(v.Settings.CheckAndSetDefaults())
}

func checkFieldRule(name string, rule FieldRule) error {
	if name == "" {
		return trace.BadParameter("field schema contains an empty field name")
	}
	ok := false
	for _, t := range FieldTypes {
		if rule.Type == t {
			ok = true
			break
		}
	}
	if !ok {
		return trace.BadParameter("field %q has unsupported type %q", name, rule.Type)
	}
	if rule.Pattern != "" {
		if _, err := regexp.Compile(rule.Pattern); err != nil {
			return trace.BadParameter("field %q has invalid pattern: %v", name, err)
		}
	}
	if rule.MinLength != nil && *rule.MinLength < 0 {
		return trace.BadParameter("field %q has negative minLength", name)
	}
	if rule.MinLength != nil && rule.MaxLength != nil && *rule.MinLength > *rule.MaxLength {
		return trace.BadParameter("field %q has minLength above maxLength", name)
	}
	if rule.Minimum != nil && rule.Maximum != nil && *rule.Minimum > *rule.Maximum {
		return trace.BadParameter("field %q has minimum above maximum", name)
	}
	return nil
}

// Transition rules of template versions. Published content can archive or,
// while unreferenced, return to draft. Archived versions stay archived.
func checkVersionTransition(from, to VersionStatus, referenced bool) error {
	if from == to {
		return nil
	}
	allowed := false
	switch from {
	case VersionDraft:
		allowed = to == VersionPublished || to == VersionArchived
	case VersionPublished:
		switch to {
		case VersionArchived:
			allowed = true
		case VersionDraft:
			if referenced {
				return trace.CompareFailed("version is referenced by certificates and cannot return to draft")
			}
			allowed = true
		}
	case VersionArchived:
		allowed = false
	}
	if !allowed {
		return trace.CompareFailed("cannot transition template version from %v to %v", from, to)
	}
	return nil
}
