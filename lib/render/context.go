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
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// buildContext assembles the variables visible to template expressions.
// Everything time-like derives from certificate fields, never the wall
// clock: the first pass must render byte-identical HTML on every run.
// Verification material (hash, URL, QR) is deliberately absent, it only
// exists in the second pass footer.
func buildContext(in Input) map[string]any {
	recipient := in.Recipient
	if recipient == nil {
		recipient = map[string]any{}
	}
	metadata := in.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	issued := in.IssuedAt.UTC()
	certificate := map[string]any{
		"id":        in.CertificateID.String(),
		"number":    in.CertificateNumber,
		"issuedAt":  issued.Format(time.RFC3339),
		"expiresAt": "",
	}
	context := map[string]any{
		"recipient":       recipient,
		"metadata":        metadata,
		"certificate":     certificate,
		"template":        map[string]any{"code": in.TemplateCode, "name": in.TemplateName},
		"templateVersion": in.Version,
		"issuedDate":      issued.Format(time.DateOnly),
		"issuedYear":      issued.Format("2006"),
		"issuedMonth":     issued.Format("01"),
		"issuedDay":       issued.Format("02"),
		"expiryDate":      "",
	}
	if in.ExpiresAt != nil {
		expires := in.ExpiresAt.UTC()
		certificate["expiresAt"] = expires.Format(time.RFC3339)
		context["expiryDate"] = expires.Format(time.DateOnly)
	}
	return context
}

// formatValue renders an expression result as template text.
func formatValue(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case bool:
		return strconv.FormatBool(value)
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(value), 'f', -1, 32)
	case int:
		return strconv.Itoa(value)
	case int32:
		return strconv.FormatInt(int64(value), 10)
	case int64:
		return strconv.FormatInt(value, 10)
	case json.Number:
		return value.String()
	case time.Time:
		return value.UTC().Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", value)
	}
}

// truthy follows template conditional semantics: nil, false, zero and empty
// values are false, everything else is true.
func truthy(v any) bool {
	switch value := v.(type) {
	case nil:
		return false
	case bool:
		return value
	case string:
		return value != ""
	case float64:
		return value != 0
	case float32:
		return value != 0
	case int:
		return value != 0
	case int32:
		return value != 0
	case int64:
		return value != 0
	case json.Number:
		f, err := value.Float64()
		return err == nil && f != 0
	case []any:
		return len(value) > 0
	case map[string]any:
		return len(value) > 0
	default:
		return true
	}
}
