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

// Package fsop implements the FS Operation Surface: thin, stateless
// functors (open_file, read, write, truncate, ftruncate, release, unlink,
// mkdir, getattr, readdir, create) composing the Open-Items Registry and
// the Inode layer into the operations a POSIX-facing front end calls.
package fsop

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/riverfs/riverfs/errs"
	"github.com/riverfs/riverfs/inode"
	"github.com/riverfs/riverfs/registry"
	"github.com/riverfs/riverfs/upath"
)

// InvalidateSideChannel is the magic child name that, when created with
// O_CREAT in any directory, invalidates that directory's cache entry
// instead of actually creating a file.
const InvalidateSideChannel = ".truckeefs-invalidate"

// rejectedOpenFlags are the open(2) flags this filesystem never supports:
// O_ASYNC (no signal-driven I/O), O_DIRECT (no bypass of the block cache),
// O_DIRECTORY (use OpenDir/Readdir instead), O_SYNC (writes are buffered
// locally and uploaded on release, never synchronously).
const rejectedOpenFlags = unix.O_ASYNC | unix.O_DIRECT | unix.O_DIRECTORY | unix.O_SYNC

// writeImplyingFlags: O_CREAT, O_TRUNC, O_EXCL and O_APPEND only make sense
// against a writeable handle, regardless of the access-mode bits requested.
const writeImplyingFlags = unix.O_CREAT | unix.O_TRUNC | unix.O_EXCL | unix.O_APPEND

// Surface is the process-wide FS Operation Surface, bound to one Registry.
type Surface struct {
	reg *registry.Registry
	log *zap.Logger
}

// New builds a Surface over reg. log may be nil, in which case zap.NewNop()
// is used.
func New(reg *registry.Registry, log *zap.Logger) *Surface {
	if log == nil {
		log = zap.NewNop()
	}
	return &Surface{reg: reg, log: log}
}

func validateOpenFlags(flags int) error {
	if flags&rejectedOpenFlags != 0 {
		return errs.Unsupported("fsop.validateOpenFlags", "")
	}
	return nil
}

// writeable reports whether flags request a writeable handle: either the
// access-mode bits say so directly, or one of the write-implying flags
// (O_CREAT/O_TRUNC/O_EXCL/O_APPEND) is set.
func writeable(flags int) bool {
	switch flags & unix.O_ACCMODE {
	case unix.O_WRONLY, unix.O_RDWR:
		return true
	}
	return flags&writeImplyingFlags != 0
}

// GetAttr resolves upathStr's attributes, composing Registry.GetAttr.
func (s *Surface) GetAttr(ctx context.Context, upathStr string) (inode.Attrs, error) {
	return s.reg.GetAttr(ctx, upathStr)
}

// DirEntry is one entry returned by Readdir.
type DirEntry struct {
	Name string
	Kind inode.Kind
}

// Readdir lists upathStr's children. It opens the Directory Inode
// transiently -- a listing has no persistent handle across calls, unlike a
// File Inode opened for read/write -- and lets the registry's own
// refcount-to-zero path reclaim it immediately.
func (s *Surface) Readdir(ctx context.Context, upathStr string) ([]DirEntry, error) {
	d, err := s.reg.GetDirInode(ctx, upathStr, 0)
	if err != nil {
		return nil, err
	}
	defer s.reg.CloseDir(upathStr, d)

	names := d.Listdir()
	entries := make([]DirEntry, 0, len(names))
	for _, name := range names {
		attrs, err := d.GetChildAttr(name)
		if err != nil {
			continue
		}
		entries = append(entries, DirEntry{Name: name, Kind: attrs.Kind})
	}
	return entries, nil
}

// Mkdir creates upathStr as a new directory, composing Registry.Mkdir.
func (s *Surface) Mkdir(ctx context.Context, upathStr string) error {
	return s.reg.Mkdir(ctx, upathStr)
}

// Unlink removes upathStr, composing Registry.Unlink.
func (s *Surface) Unlink(ctx context.Context, upathStr string, isDir bool) error {
	if upath.IsRoot(upathStr) {
		return errs.NotWriteable("fsop.Unlink", upathStr)
	}
	return s.reg.Unlink(ctx, upathStr, isDir)
}
