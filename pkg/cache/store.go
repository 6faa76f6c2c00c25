// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cache memoizes content-tool results with per-tool TTLs.
//
// Only read results are ever stored. The cache is strictly an
// optimization: any backend failure degrades to a miss and the
// pipeline proceeds with a live call.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Backend is a TTL key/value store. Implementations must be safe for
// concurrent use.
type Backend interface {
	// Get returns the value for key, or found=false on a miss or after
	// the entry's TTL elapsed.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)

	// Set stores value under key for ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Key builds the composite cache key. The source key is reduced to a
// short prefix so full credentials never appear in cache keys or logs.
func Key(tenantID, sourceKey, tool, branch string) string {
	prefix := sourceKey
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return fmt.Sprintf("%s:%s:%s:%s", tenantID, prefix, tool, branch)
}

// Store wraps a Backend and absorbs its failures: a broken backend
// behaves as an always-miss cache rather than failing the pipeline.
type Store struct {
	backend Backend
}

// NewStore creates a store over the given backend. A nil backend
// yields a store that always misses.
func NewStore(backend Backend) *Store {
	return &Store{backend: backend}
}

// Get returns the cached value for key, or found=false.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool) {
	if s == nil || s.backend == nil {
		return nil, false
	}
	value, found, err := s.backend.Get(ctx, key)
	if err != nil {
		slog.Debug("Cache read failed, treating as miss", "key", key, "error", err)
		return nil, false
	}
	return value, found
}

// Set stores value under key for ttl. Failures are logged and ignored.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if s == nil || s.backend == nil {
		return
	}
	if err := s.backend.Set(ctx, key, value, ttl); err != nil {
		slog.Debug("Cache write failed", "key", key, "error", err)
	}
}
