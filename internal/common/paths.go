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

package common

import (
	"strings"

	"golang.org/x/text/cases"
)

// Fold applies Unicode case folding to a path for case-insensitive
// resolution. A Caser is stateful, so one is created per call.
func Fold(path string) string {
	return cases.Fold().String(path)
}

// SplitPath splits an absolute plaintext path into its components,
// dropping empty segments.
func SplitPath(path string) []string {
	var parts []string
	for _, p := range strings.Split(path, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

// NormalizePath rewrites a path to the canonical absolute form used as
// cache keys: "/" joined components, "/" for the root itself.
func NormalizePath(path string) string {
	parts := SplitPath(path)
	if len(parts) == 0 {
		return "/"
	}
	return "/" + strings.Join(parts, "/")
}

// Prefixes returns the cumulative absolute prefixes of components:
// "/c1", "/c1/c2", and so on.
func Prefixes(components []string) []string {
	prefixes := make([]string, 0, len(components))
	prefix := ""
	for _, c := range components {
		prefix += "/" + c
		prefixes = append(prefixes, prefix)
	}
	return prefixes
}

// IsPathPrefix reports whether p is a path-component prefix of key:
// either the same path, or an ancestor directory of it.
func IsPathPrefix(p, key string) bool {
	if p == key {
		return true
	}
	if p == "/" {
		return strings.HasPrefix(key, "/")
	}
	return strings.HasPrefix(key, p+"/")
}
