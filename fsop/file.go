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

package fsop

import (
	"context"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/riverfs/riverfs/errs"
	"github.com/riverfs/riverfs/inode"
	"github.com/riverfs/riverfs/upath"
)

// FileHandle is the POSIX file-descriptor-like object open_file/create
// hands back: one per open(2)/create(2) call, serializing the operations
// run against it and tracking whether it was opened writeable.
//
// Lock: mu serializes operations on this one handle, mirroring the
// "one lock per Directory/File Handle" rule -- it does not protect the
// underlying FileInode, which has its own internal locking shared across
// every handle open on the same upath.
type FileHandle struct {
	mu sync.Mutex

	Upath     string
	Writeable bool

	file     *inode.FileInode
	flags    int
	released bool
}

// OpenFile opens upathStr per the given open(2)-style flags. A writeable
// open on a path not already held open anywhere in this process
// shallow-invalidates it first, so a stale cached view is never reused
// across a write. O_EXCL and O_CREAT are threaded through to the registry's
// exclusive-create / must-exist semantics.
func (s *Surface) OpenFile(ctx context.Context, upathStr string, flags int) (*FileHandle, error) {
	if upath.Base(upathStr) == InvalidateSideChannel {
		return s.invalidateSideChannel(upathStr, flags)
	}
	if err := validateOpenFlags(flags); err != nil {
		return nil, err
	}

	w := writeable(flags)
	lifetime := s.reg.WriteLifetime()
	if w {
		if _, alreadyOpen := s.reg.Peek(upathStr); !alreadyOpen {
			s.reg.Invalidate(upathStr, true)
		}
	} else {
		lifetime = 0 // registry substitutes its configured ReadLifetime
	}

	f, err := s.reg.GetFileInode(ctx, upathStr, flags&unix.O_EXCL != 0, flags&unix.O_CREAT != 0, lifetime)
	if err != nil {
		return nil, err
	}
	f.IncRef()

	return &FileHandle{Upath: upathStr, Writeable: w, file: f, flags: flags}, nil
}

// Create is OpenFile with O_CREAT forced on, the dedicated create(2)
// adapter the FS Operation Surface exposes alongside open_file.
func (s *Surface) Create(ctx context.Context, upathStr string, flags int) (*FileHandle, error) {
	return s.OpenFile(ctx, upathStr, flags|unix.O_CREAT)
}

// invalidateSideChannel implements the `.truckeefs-invalidate` control
// file: creating it in any directory invalidates that directory's cache
// entry and always reports EACCES, never actually creating anything.
func (s *Surface) invalidateSideChannel(upathStr string, flags int) (*FileHandle, error) {
	if flags&unix.O_CREAT != 0 {
		s.reg.Invalidate(upath.Parent(upathStr), true)
	}
	return nil, errs.NotReadable("fsop.invalidateSideChannel", upathStr)
}

// Read reads length bytes at offset from fh.
func (s *Surface) Read(ctx context.Context, fh *FileHandle, offset, length int64) ([]byte, error) {
	fh.mu.Lock()
	defer fh.mu.Unlock()
	if fh.released {
		return nil, errs.Invalid("fsop.Read", fh.Upath, nil)
	}
	return fh.file.Read(ctx, offset, length)
}

// Write writes data at offset (or appends, if offset < 0) to fh. Only a
// handle opened writeable may write.
func (s *Surface) Write(ctx context.Context, fh *FileHandle, offset int64, data []byte) error {
	fh.mu.Lock()
	defer fh.mu.Unlock()
	if fh.released {
		return errs.Invalid("fsop.Write", fh.Upath, nil)
	}
	if !fh.Writeable {
		return errs.NotWriteable("fsop.Write", fh.Upath)
	}
	return fh.file.Write(ctx, offset, data)
}

// Ftruncate truncates the file behind an already-open writeable handle.
func (s *Surface) Ftruncate(ctx context.Context, fh *FileHandle, size int64) error {
	fh.mu.Lock()
	defer fh.mu.Unlock()
	if fh.released {
		return errs.Invalid("fsop.Ftruncate", fh.Upath, nil)
	}
	if !fh.Writeable {
		return errs.NotWriteable("fsop.Ftruncate", fh.Upath)
	}
	return fh.file.Truncate(size)
}

// Truncate truncates upathStr by path, without requiring a pre-existing
// open handle -- the POSIX truncate(2) (as opposed to ftruncate(2)) entry
// point, opening and releasing its own short-lived writeable handle.
func (s *Surface) Truncate(ctx context.Context, upathStr string, size int64) error {
	fh, err := s.OpenFile(ctx, upathStr, unix.O_WRONLY)
	if err != nil {
		return err
	}
	truncErr := fh.file.Truncate(size)
	if relErr := s.Release(ctx, fh); relErr != nil && truncErr == nil {
		return relErr
	}
	return truncErr
}

// Release uploads fh's file if dirty (the §4.5 synchronous upload path),
// then decrements its reference count; at zero the registry removes it and
// nudges the eviction scan. Calling Release twice on the same handle is a
// no-op past the first call.
func (s *Surface) Release(ctx context.Context, fh *FileHandle) error {
	fh.mu.Lock()
	defer fh.mu.Unlock()
	if fh.released {
		return nil
	}
	fh.released = true

	err := s.reg.UploadFile(ctx, fh.Upath, fh.file)
	s.reg.CloseFile(fh.Upath, fh.file)
	return err
}
