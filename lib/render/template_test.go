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

package render

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func testInput() Input {
	expires := time.Date(2027, time.June, 1, 0, 0, 0, 0, time.UTC)
	return Input{
		CertificateID:     uuid.MustParse("1f0e95c3-41c8-4a72-9eb4-c7d4d6d0f8be"),
		CertificateNumber: "WELD-20250314-A1B2C3",
		IssuedAt:          time.Date(2025, time.March, 14, 9, 30, 0, 0, time.UTC),
		ExpiresAt:         &expires,
		TemplateCode:      "welding-cert",
		TemplateName:      "Welding Certification",
		Version:           3,
		Recipient: map[string]any{
			"name":       "Ada Lovelace",
			"score":      float64(97.5),
			"hasHonors":  true,
			"department": map[string]any{"name": "Engineering"},
		},
		Metadata: map[string]any{
			"instructor": "Grace Hopper",
			"campus":     "North",
		},
	}
}

func TestLiteralSubstitution(t *testing.T) {
	t.Parallel()
	context := buildContext(testInput())

	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "explicit recipient path",
			content: `<p>{{recipient.name}}</p>`,
			want:    `<p>Ada Lovelace</p>`,
		},
		{
			name:    "explicit metadata path",
			content: `<p>{{metadata.instructor}}</p>`,
			want:    `<p>Grace Hopper</p>`,
		},
		{
			name:    "bare name prefers recipient",
			content: `<p>{{name}}</p>`,
			want:    `<p>Ada Lovelace</p>`,
		},
		{
			name:    "bare name falls back to metadata",
			content: `<p>{{campus}}</p>`,
			want:    `<p>North</p>`,
		},
		{
			name:    "date helpers resolve from context",
			content: `<p>{{issuedDate}} / {{expiryDate}}</p>`,
			want:    `<p>2025-03-14 / 2027-06-01</p>`,
		},
		{
			name:    "certificate fields",
			content: `<p>{{certificate.number}}</p>`,
			want:    `<p>WELD-20250314-A1B2C3</p>`,
		},
		{
			name:    "nested path",
			content: `<p>{{recipient.department.name}}</p>`,
			want:    `<p>Engineering</p>`,
		},
		{
			name:    "numbers render without exponent",
			content: `<p>{{score}}</p>`,
			want:    `<p>97.5</p>`,
		},
		{
			name:    "unknown names become empty",
			content: `<p>{{nope}} {{recipient.nope}}</p>`,
			want:    `<p> </p>`,
		},
		{
			name:    "whitespace inside marker",
			content: `<p>{{  name  }}</p>`,
			want:    `<p>Ada Lovelace</p>`,
		},
		{
			// ${...} alone does not switch on the expression engine.
			name:    "dollar interpolation stays literal without markers",
			content: `<p>${name} {{name}}</p>`,
			want:    `<p>${name} Ada Lovelace</p>`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			out, err := processTemplate(tt.content, context)
			require.NoError(t, err)
			require.Equal(t, tt.want, out)
		})
	}
}

func TestLiteralSubstitutionEscapes(t *testing.T) {
	t.Parallel()
	in := testInput()
	in.Recipient["name"] = `Ada <script>alert("&")</script>`
	out, err := processTemplate(`<p>{{name}}</p>`, buildContext(in))
	require.NoError(t, err)
	require.NotContains(t, out, "<script>")
	require.Contains(t, out, "&lt;script&gt;")
}

func TestExpressionEngine(t *testing.T) {
	t.Parallel()
	context := buildContext(testInput())

	tests := []struct {
		name       string
		content    string
		contains   []string
		excludes   []string
		wantsError bool
	}{
		{
			name:     "th:text substitutes escaped content",
			content:  `<html><body><h1 th:text="${recipient.name}">placeholder</h1></body></html>`,
			contains: []string{"<h1>Ada Lovelace</h1>"},
			excludes: []string{"placeholder", "th:text"},
		},
		{
			name:     "th:text escapes markup in values",
			content:  `<html><body><p th:text="${metadata.campus + ' <b>x</b>'}"></p></body></html>`,
			contains: []string{"North &lt;b&gt;x&lt;/b&gt;"},
			excludes: []string{"<b>x</b>"},
		},
		{
			name:     "th:utext inserts raw markup",
			content:  `<html><body><div th:utext="${'<b>bold</b>'}"></div></body></html>`,
			contains: []string{"<div><b>bold</b></div>"},
		},
		{
			name:     "th:if keeps truthy branches",
			content:  `<html><body><p th:if="${recipient.hasHonors}">With honors</p></body></html>`,
			contains: []string{"With honors"},
			excludes: []string{"th:if"},
		},
		{
			name:     "th:if removes falsy branches",
			content:  `<html><body><p th:if="${recipient.missing}">hidden</p><p>kept</p></body></html>`,
			contains: []string{"kept"},
			excludes: []string{"hidden"},
		},
		{
			name:     "th:class computes the class attribute",
			content:  `<html><body><p th:class="${recipient.hasHonors ? 'honors' : 'plain'}">x</p></body></html>`,
			contains: []string{`class="honors"`},
		},
		{
			name:     "inline dollar expressions in text",
			content:  `<html><body><p>Issued ${issuedDate} v${templateVersion}</p></body></html>`,
			contains: []string{"Issued 2025-03-14 v3"},
		},
		{
			name:     "star selects recipient and hash selects metadata",
			content:  `<html><body><p>*{name} taught by #{instructor}</p></body></html>`,
			contains: []string{"Ada Lovelace taught by Grace Hopper"},
		},
		{
			name:     "arithmetic and comparisons",
			content:  `<html><body><p th:text="${recipient.score >= 90 ? 'pass' : 'fail'}"></p></body></html>`,
			contains: []string{"pass"},
		},
		{
			name:       "unsupported th attribute",
			content:    `<html><body><p th:each="x : ${recipient}">x</p></body></html>`,
			wantsError: true,
		},
		{
			name:       "invalid expression",
			content:    `<html><body><p th:text="${recipient.name +}"></p></body></html>`,
			wantsError: true,
		},
		{
			name:       "text and utext together",
			content:    `<html><body><p th:text="${'a'}" th:utext="${'b'}"></p></body></html>`,
			wantsError: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			out, err := processTemplate(tt.content, context)
			if tt.wantsError {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			for _, want := range tt.contains {
				require.Contains(t, out, want)
			}
			for _, unwanted := range tt.excludes {
				require.NotContains(t, out, unwanted)
			}
		})
	}
}

func TestExpressionEngineDeterminism(t *testing.T) {
	t.Parallel()
	context := buildContext(testInput())
	content := `<html><body><h1 th:text="${recipient.name}"></h1><p>${issuedDate} #{instructor} *{name}</p></body></html>`

	first, err := processTemplate(content, context)
	require.NoError(t, err)
	for range 10 {
		again, err := processTemplate(content, context)
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}

func TestInjectStyles(t *testing.T) {
	t.Parallel()
	in := testInput()
	require.NoError(t, in.Settings.CheckAndSetDefaults())

	withHead := injectStyles("<html><head><title>t</title></head><body></body></html>", "p { color: red; }", in.Settings)
	require.Contains(t, withHead, "@page")
	require.Contains(t, withHead, "size: A4 portrait;")
	require.Contains(t, withHead, "margin: 20mm 20mm 20mm 20mm;")
	require.Contains(t, withHead, "p { color: red; }")
	require.Less(t, strings.Index(withHead, "<style>"), strings.Index(withHead, "</head>"))

	withoutHead := injectStyles("<body><p>x</p></body>", "", in.Settings)
	require.Contains(t, withoutHead, "<head><style>")
	require.Less(t, strings.Index(withoutHead, "</style>"), strings.Index(withoutHead, "<body"))
}
