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

// Package inode implements the two cached node kinds -- files and
// directories -- that back every upath the registry resolves. Both share a
// lifecycle contract (reference counting, freshness, invalidation, and the
// freeze/push/pull hooks the sync worker drives) but diverge entirely in
// how they persist their content locally.
package inode

import (
	"context"
	"time"
)

// Kind distinguishes a File Inode from a Directory Inode.
type Kind int

const (
	KindFile Kind = iota
	KindDirectory
)

// Attrs is the POSIX-ish attribute record a getattr/readdir caller wants.
type Attrs struct {
	Kind  Kind
	Size  int64
	CTime time.Time
	MTime time.Time
	ROUri string
	RWUri string
}

// Snapshot is an immutable, point-in-time view of an inode's dirty content,
// produced by Freeze and consumed by the sync worker's push path -- it
// exists so an upload can proceed against a fixed view even if the inode
// keeps mutating under later handles.
type Snapshot struct {
	Kind Kind
	// UpathAtFreeze is the upath the inode had when Freeze was called, for
	// a push target that does not need the live registry state.
	UpathAtFreeze string
	// Dirty reports whether there was anything to freeze at all; Push is a
	// no-op when false.
	Dirty bool
	// Data is the frozen byte content for a File Inode snapshot (nil for a
	// Directory Inode, whose mutations are already applied synchronously
	// against the remote).
	Data []byte
	// Size is the frozen content length, authoritative independent of
	// whatever the live inode's size has become by the time Push runs.
	Size int64
	// ParentCap is the remote capability of the frozen inode's parent
	// directory, filled in by the caller (the sync worker, which resolves
	// it through the durable table) between Freeze and Push -- a File
	// Inode does not track its own parent's capability.
	ParentCap string
	// gen is the FileInode.dirtyGen value at freeze time, so Push can
	// detect whether a later write raced past this snapshot and leave the
	// dirty flag set instead of incorrectly clearing it.
	gen int64
}

// Inode is the shared identity/lifecycle/sync contract of File and
// Directory inodes, per the tagged-variant design: callers that only need
// the common surface (the registry, the sync worker) use this interface;
// callers that need file- or directory-specific behavior type-assert to
// *FileInode or *DirInode.
type Inode interface {
	Upath() string
	Kind() Kind

	IncRef()
	// DecRef decrements the reference count and reports whether it
	// reached zero (in which case the inode has already closed itself).
	DecRef() bool

	IsFresh(lifetime time.Duration) bool
	Invalidate()
	Invalidated() bool

	// Freeze captures a snapshot of currently-dirty content for the sync
	// worker to push, without blocking further local mutation.
	Freeze(ctx context.Context) (Snapshot, error)

	// BeforePush/Push/AfterPush run, in order, on the upstream sync path.
	BeforePush(ctx context.Context, snap Snapshot) error
	Push(ctx context.Context, snap Snapshot) error
	AfterPush(ctx context.Context, snap Snapshot) error

	// BeforePull/Pull/AfterPull run, in order, on the downstream sync path.
	BeforePull(ctx context.Context) error
	Pull(ctx context.Context) error
	AfterPull(ctx context.Context) error

	Close() error
}
