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
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"slices"
	"strings"
	"time"
)

// FieldError describes one recipient data violation.
type FieldError struct {
	// Field is the offending field name.
	Field string `json:"field"`
	// Message says what is wrong with it.
	Message string `json:"message"`
}

// ValidationError aggregates every field violation of a recipient payload.
// Validation never stops at the first problem: callers get the full list.
type ValidationError struct {
	Errors []FieldError `json:"errors"`
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, fieldErr := range e.Errors {
		msgs = append(msgs, fieldErr.Field+": "+fieldErr.Message)
	}
	return "recipient data validation failed: " + strings.Join(msgs, "; ")
}

// IsValidationError reports whether err is a recipient data validation
// failure.
func IsValidationError(err error) bool {
	var validationErr *ValidationError
	return errors.As(err, &validationErr)
}

// AsValidationError extracts the structured violations from err, or nil.
func AsValidationError(err error) *ValidationError {
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return validationErr
	}
	return nil
}

var emailRegexp = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// ValidateRecipientData checks a recipient payload against a field schema
// and returns a ValidationError carrying every violation, or nil. An empty
// schema accepts anything; an empty payload against a non-empty schema is
// rejected outright. Fields absent from the schema pass through untouched.
func ValidateRecipientData(ctx context.Context, logger *slog.Logger, data map[string]any, schema map[string]FieldRule) error {
	if len(schema) == 0 {
		return nil
	}
	if len(data) == 0 {
		return &ValidationError{Errors: []FieldError{{
			Field:   "recipientData",
			Message: "recipient data is required",
		}}}
	}

	var fieldErrors []FieldError
	addError := func(field, format string, args ...any) {
		fieldErrors = append(fieldErrors, FieldError{
			Field:   field,
			Message: fmt.Sprintf(format, args...),
		})
	}

	names := make([]string, 0, len(schema))
	for name := range schema {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		rule := schema[name]
		value, present := data[name]
		if !present || value == nil {
			if rule.Required {
				addError(name, "field is required")
			}
			continue
		}
		checkFieldValue(name, rule, value, addError)
	}

	if logger != nil {
		for name := range data {
			if _, known := schema[name]; !known {
				logger.DebugContext(ctx, "Recipient data carries a field outside the schema.", "field", name)
			}
		}
	}

	if len(fieldErrors) > 0 {
		return &ValidationError{Errors: fieldErrors}
	}
	return nil
}

func checkFieldValue(name string, rule FieldRule, value any, addError func(string, string, ...any)) {
	switch rule.Type {
	case "string", "email", "date":
		str, ok := value.(string)
		if !ok {
			addError(name, "must be a string")
			return
		}
		checkStringRule(name, rule, str, addError)
	case "number":
		if _, ok := toFloat(value); !ok {
			addError(name, "must be a number")
			return
		}
		checkNumericRule(name, rule, value, addError)
	case "integer":
		f, ok := toFloat(value)
		if !ok || f != math.Trunc(f) {
			addError(name, "must be an integer")
			return
		}
		checkNumericRule(name, rule, value, addError)
	case "boolean":
		if _, ok := value.(bool); !ok {
			addError(name, "must be a boolean")
		}
	}
}

func checkStringRule(name string, rule FieldRule, str string, addError func(string, string, ...any)) {
	length := len([]rune(str))
	if rule.MinLength != nil && length < *rule.MinLength {
		addError(name, "must be at least %d characters, got %d", *rule.MinLength, length)
	}
	if rule.MaxLength != nil && length > *rule.MaxLength {
		addError(name, "must be at most %d characters, got %d", *rule.MaxLength, length)
	}
	if rule.Pattern != "" {
		re, err := regexp.Compile(fullMatch(rule.Pattern))
		if err != nil {
			addError(name, "schema pattern does not compile: %v", err)
		} else if !re.MatchString(str) {
			addError(name, "does not match required pattern")
		}
	}
	switch rule.Type {
	case "email":
		if !emailRegexp.MatchString(str) {
			addError(name, "must be a valid email address")
		}
	case "date":
		if _, err := time.Parse(time.DateOnly, str); err != nil {
			addError(name, "must be a date formatted as YYYY-MM-DD")
		}
	}
}

func checkNumericRule(name string, rule FieldRule, value any, addError func(string, string, ...any)) {
	f, _ := toFloat(value)
	if rule.Minimum != nil && f < *rule.Minimum {
		addError(name, "must be at least %v", *rule.Minimum)
	}
	if rule.Maximum != nil && f > *rule.Maximum {
		addError(name, "must be at most %v", *rule.Maximum)
	}
}

// toFloat accepts the numeric shapes JSON decoding and Go callers produce.
func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

// fullMatch anchors a schema pattern so partial hits never pass.
func fullMatch(pattern string) string {
	if strings.HasPrefix(pattern, "^") && strings.HasSuffix(pattern, "$") {
		return pattern
	}
	return "^(?:" + pattern + ")$"
}
