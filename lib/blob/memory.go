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

package blob

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/vellumlabs/vellum/lib/defaults"
)

// MemoryStore keeps documents in memory for tests and local development.
type MemoryStore struct {
	mu      sync.RWMutex
	clock   clockwork.Clock
	objects map[string][]byte
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty in-memory document store.
func NewMemoryStore(clock clockwork.Clock) *MemoryStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryStore{
		clock:   clock,
		objects: make(map[string][]byte),
	}
}

// Put stores a document.
func (m *MemoryStore) Put(ctx context.Context, key string, data []byte) error {
	if key == "" {
		return trace.BadParameter("missing object key")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = slices.Clone(data)
	return nil
}

// Get returns a stored document.
func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, trace.NotFound("object %v not found", key)
	}
	return slices.Clone(data), nil
}

// Exists reports whether key holds a document.
func (m *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[key]
	return ok, nil
}

// Delete removes a document, missing keys included.
func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

// Presign returns a synthetic URL carrying the clamped expiry, so tests can
// assert on the TTL arithmetic.
func (m *MemoryStore) Presign(ctx context.Context, key string, ttl time.Duration) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.objects[key]; !ok {
		return "", trace.NotFound("object %v not found", key)
	}
	if ttl <= 0 {
		ttl = defaults.PresignTTL
	}
	if ttl > defaults.PresignMaxTTL {
		ttl = defaults.PresignMaxTTL
	}
	expires := m.clock.Now().UTC().Add(ttl)
	return fmt.Sprintf("memory:///%s?expires=%d", key, expires.Unix()), nil
}
