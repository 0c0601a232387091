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
	"fmt"
	"strings"

	"github.com/vellumlabs/vellum/lib/templates"
)

// pageRules renders the version's page settings as a CSS @page rule.
func pageRules(s templates.PageSettings) string {
	return fmt.Sprintf("@page {\n  size: %s %s;\n  margin: %s %s %s %s;\n}",
		s.PageSize, s.Orientation,
		s.Margins.Top, s.Margins.Right, s.Margins.Bottom, s.Margins.Left)
}

// injectStyles places the @page rule and the version's stylesheet into the
// document head. Documents without a head get one in front of the body.
func injectStyles(doc, css string, settings templates.PageSettings) string {
	var style strings.Builder
	style.WriteString("<style>\n")
	style.WriteString(pageRules(settings))
	style.WriteString("\n")
	if css != "" {
		style.WriteString(css)
		style.WriteString("\n")
	}
	style.WriteString("</style>")

	lower := strings.ToLower(doc)
	if idx := strings.Index(lower, "</head>"); idx >= 0 {
		return doc[:idx] + style.String() + doc[idx:]
	}
	if idx := strings.Index(lower, "<body"); idx >= 0 {
		return doc[:idx] + "<head>" + style.String() + "</head>" + doc[idx:]
	}
	return style.String() + doc
}
