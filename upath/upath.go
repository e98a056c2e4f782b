// Copyright 2025 Google LLC
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

// Package upath normalizes filesystem paths into the canonical form used
// throughout this module as the primary key of the open-items registry and
// the durable inode table: forward-slash separated, no leading slash, root
// is the empty string.
package upath

import (
	"path"
	"strings"
)

// Clean normalizes p into a upath: forward slashes, no leading slash, no
// "." or ".." segments, root represented as "".
func Clean(p string) string {
	p = filepathToSlash(p)
	p = path.Clean("/" + p)
	p = strings.TrimPrefix(p, "/")
	if p == "." {
		return ""
	}
	return p
}

func filepathToSlash(p string) string {
	return strings.ReplaceAll(p, "\\", "/")
}

// Join joins a parent upath and a child name, normalizing the result.
func Join(parent, child string) string {
	if parent == "" {
		return Clean(child)
	}
	return Clean(parent + "/" + child)
}

// Parent returns the upath of the directory containing p, or "" if p is
// already the root.
func Parent(p string) string {
	p = Clean(p)
	if p == "" {
		return ""
	}
	dir := path.Dir(p)
	if dir == "." || dir == "/" {
		return ""
	}
	return Clean(dir)
}

// Base returns the final path segment of p, or "" for the root.
func Base(p string) string {
	p = Clean(p)
	if p == "" {
		return ""
	}
	return path.Base(p)
}

// IsRoot reports whether p denotes the root directory.
func IsRoot(p string) bool {
	return Clean(p) == ""
}

// Split splits p into its segments, skipping the root's empty segment.
func Split(p string) []string {
	p = Clean(p)
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}
