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
	"encoding/json"
	"io"
	"os"

	"github.com/google/renameio/v2"
	"github.com/klauspost/compress/flate"

	"github.com/riverfs/riverfs/errs"
)

// saveInfo atomically writes v, JSON-encoded and DEFLATE-compressed, to
// path. Atomic replacement (via a temp file renamed into place) means a
// crash mid-write never leaves a half-written info blob behind.
func saveInfo(path string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return errs.Invalid("inode.saveInfo", path, err)
	}

	var buf bytes.Buffer
	fw, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return errs.LocalIO("inode.saveInfo", path, err)
	}
	if _, err := fw.Write(raw); err != nil {
		return errs.LocalIO("inode.saveInfo", path, err)
	}
	if err := fw.Close(); err != nil {
		return errs.LocalIO("inode.saveInfo", path, err)
	}

	if err := renameio.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return errs.LocalIO("inode.saveInfo", path, err)
	}
	return nil
}

// loadInfo reads and decodes an info blob written by saveInfo.
func loadInfo(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return errs.LocalIO("inode.loadInfo", path, err)
	}
	defer f.Close()

	fr := flate.NewReader(f)
	defer fr.Close()

	raw, err := io.ReadAll(fr)
	if err != nil {
		return errs.LocalIO("inode.loadInfo", path, err)
	}

	if err := json.Unmarshal(raw, v); err != nil {
		return errs.LocalIO("inode.loadInfo", path, err)
	}
	return nil
}
