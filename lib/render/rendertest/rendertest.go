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

// Package rendertest provides a deterministic PDF converter for tests: no
// browser, output bytes are a pure function of the input document.
package rendertest

import (
	"context"
	"sync"

	"github.com/vellumlabs/vellum/lib/templates"
)

// Converter converts by framing the document bytes, so tests can inspect
// the "PDF" and the same document always yields the same bytes.
type Converter struct {
	mu       sync.Mutex
	override func(content string) ([]byte, error)
	calls    int
}

// New returns a deterministic test converter.
func New() *Converter {
	return &Converter{}
}

// Convert returns Deterministic(content), or the rigged override.
func (c *Converter) Convert(ctx context.Context, content string, settings templates.PageSettings) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.override != nil {
		return c.override(content)
	}
	return Deterministic(content), nil
}

// SetOverride rigs the converter. A nil override restores the default
// behavior.
func (c *Converter) SetOverride(fn func(content string) ([]byte, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.override = fn
}

// Calls reports how many conversions ran.
func (c *Converter) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// Deterministic frames content as fake PDF bytes.
func Deterministic(content string) []byte {
	return append([]byte("%PDF-1.4\n%rendertest\n"), content...)
}
