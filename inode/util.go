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

package inode

import (
	"bytes"
	"io"
	"strings"
)

// baseName returns the last path component of upath, the name an upload
// registers the new child under.
func baseName(upath string) string {
	upath = strings.TrimRight(upath, "/")
	if i := strings.LastIndexByte(upath, '/'); i >= 0 {
		return upath[i+1:]
	}
	return upath
}

// bytesReader adapts a byte slice to an io.Reader for Gateway.Put.
func bytesReader(b []byte) io.Reader {
	return bytes.NewReader(b)
}
