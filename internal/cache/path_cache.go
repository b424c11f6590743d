// Copyright 2025 VaultFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cache provides the path cache for the VaultFS resolver.
//
// The cache is an accelerator only: a miss never means the path is
// absent on disk, and every entry can be rebuilt from a directory walk.
package cache

import (
	"sort"
	"strings"
	"sync"

	"vaultfs/internal/common"
)

// PathCache maps normalized plaintext path prefixes to node
// identifiers and back. The forward key set is kept sorted so that
// invalidating a subtree is a bounded range scan.
//
// Thread-safe: one mutex per cache.
type PathCache struct {
	mu      sync.Mutex
	forward map[string]common.ID
	reverse map[common.ID]string
	keys    []string // sorted forward keys
}

// NewPathCache returns an empty cache.
func NewPathCache() *PathCache {
	return &PathCache{
		forward: make(map[string]common.ID, 256),
		reverse: make(map[common.ID]string, 256),
	}
}

// Lookup returns the identifier cached for path, if any.
func (c *PathCache) Lookup(path string) (common.ID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.forward[path]
	return id, ok
}

// Insert records path→id in both directions, displacing any stale
// mapping either key had so the two maps stay mirror images.
func (c *PathCache) Insert(path string, id common.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.forward[path]; ok {
		if old == id {
			return
		}
		delete(c.reverse, old)
		delete(c.forward, path)
		c.dropKey(path)
	}
	if oldPath, ok := c.reverse[id]; ok {
		delete(c.forward, oldPath)
		c.dropKey(oldPath)
	}
	c.forward[path] = id
	c.reverse[id] = path
	i := sort.SearchStrings(c.keys, path)
	c.keys = append(c.keys, "")
	copy(c.keys[i+1:], c.keys[i:])
	c.keys[i] = path
}

// InvalidateSubtree removes every entry whose key has path as a path
// prefix. The scan starts at the first key ≥ path and stops at the
// first key that no longer shares the raw string prefix, so it is
// bounded by the subtree's neighborhood in the sorted order.
func (c *PathCache) InvalidateSubtree(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := sort.SearchStrings(c.keys, path)
	kept := c.keys[:start]
	for i := start; i < len(c.keys); i++ {
		key := c.keys[i]
		if !strings.HasPrefix(key, path) {
			kept = append(kept, c.keys[i:]...)
			break
		}
		if common.IsPathPrefix(path, key) {
			delete(c.reverse, c.forward[key])
			delete(c.forward, key)
			continue
		}
		kept = append(kept, key)
	}
	c.keys = kept
}

// InvalidateID removes the subtree rooted at whatever path id is
// cached under. A no-op when id is not cached.
func (c *PathCache) InvalidateID(id common.ID) {
	c.mu.Lock()
	path, ok := c.reverse[id]
	c.mu.Unlock()
	if ok {
		c.InvalidateSubtree(path)
	}
}

// Len returns the number of cached entries.
func (c *PathCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.forward)
}

func (c *PathCache) dropKey(path string) {
	i := sort.SearchStrings(c.keys, path)
	if i < len(c.keys) && c.keys[i] == path {
		c.keys = append(c.keys[:i], c.keys[i+1:]...)
	}
}
