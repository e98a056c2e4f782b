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

package registry

import (
	"context"

	"github.com/riverfs/riverfs/errs"
	"github.com/riverfs/riverfs/inode"
	"github.com/riverfs/riverfs/upath"
)

// UploadFile pushes a dirty File Inode's content to the remote under its
// parent directory's writeable capability and records the new child entry
// in the parent's cache. A failed upload invalidates the parent shallowly,
// since the remote may be left in an unknown state.
func (r *Registry) UploadFile(ctx context.Context, upathStr string, f *inode.FileInode) error {
	if !f.Dirty() {
		return nil
	}

	parentUpath := upath.Parent(upathStr)
	parent, err := r.GetDirInode(ctx, parentUpath, r.cfg.WriteLifetime)
	if err != nil {
		return err
	}
	defer r.CloseDir(parentUpath, parent)

	cap, err := f.Upload(ctx, parentRWUri(parent))
	if err != nil {
		r.Invalidate(parentUpath, true)
		return err
	}

	return parent.CacheAddChild(upath.Base(upathStr), inode.KindFile, cap, sizeOf(f))
}

func parentRWUri(d *inode.DirInode) string {
	// Directory Inodes don't expose their own rw_uri through GetAttr (that
	// call answers "what is this node", not "what is its own cap"), so
	// ops.go's callers read it straight off the persisted directory info.
	return d.RWUri()
}

func sizeOf(f *inode.FileInode) int64 {
	return f.Size()
}

// Unlink removes upathStr, which must not be the root. It unlinks the
// inode's local cache, issues the remote delete under the parent's
// writeable capability, and removes the child from the parent's cache.
func (r *Registry) Unlink(ctx context.Context, upathStr string, isDir bool) error {
	if upath.IsRoot(upathStr) {
		return errs.NotWriteable("registry.Unlink", upathStr)
	}

	if isDir {
		d, err := r.GetDirInode(ctx, upathStr, r.cfg.WriteLifetime)
		if err != nil {
			return err
		}
		d.Unlink()
		r.CloseDir(upathStr, d)
	} else {
		f, err := r.GetFileInode(ctx, upathStr, false, true, r.cfg.WriteLifetime)
		if err != nil {
			return err
		}
		f.Unlink()
		r.CloseFile(upathStr, f)
	}

	parentUpath := upath.Parent(upathStr)
	parent, err := r.GetDirInode(ctx, parentUpath, r.cfg.WriteLifetime)
	if err != nil {
		return err
	}
	defer r.CloseDir(parentUpath, parent)

	if err := r.gw.Delete(ctx, parentRWUri(parent), upath.Base(upathStr)); err != nil {
		return err
	}

	return parent.CacheRemoveChild(upath.Base(upathStr))
}

// Mkdir creates a new directory at upathStr, which must not already exist.
func (r *Registry) Mkdir(ctx context.Context, upathStr string) error {
	if upath.IsRoot(upathStr) {
		return errs.AlreadyExists("registry.Mkdir", upathStr)
	}

	parentUpath := upath.Parent(upathStr)
	parent, err := r.GetDirInode(ctx, parentUpath, r.cfg.WriteLifetime)
	if err != nil {
		return err
	}
	defer r.CloseDir(parentUpath, parent)

	if _, err := parent.GetChildAttr(upath.Base(upathStr)); err == nil {
		return errs.AlreadyExists("registry.Mkdir", upathStr)
	}

	r.Invalidate(upathStr, false)

	cap, err := r.gw.Mkdir(ctx, parentRWUri(parent), upath.Base(upathStr))
	if err != nil {
		return err
	}

	return parent.CacheAddChild(upath.Base(upathStr), inode.KindDirectory, cap, 0)
}

// GetAttr resolves upathStr's attributes, falling back to a live open File
// Inode's own view for a not-yet-uploaded new file.
func (r *Registry) GetAttr(ctx context.Context, upathStr string) (inode.Attrs, error) {
	var attrs inode.Attrs

	if upath.IsRoot(upathStr) {
		attrs = inode.Attrs{Kind: inode.KindDirectory}
	} else {
		parentUpath := upath.Parent(upathStr)
		parent, err := r.GetDirInode(ctx, parentUpath, 0)
		if err != nil {
			return inode.Attrs{}, err
		}
		childAttrs, cerr := parent.GetChildAttr(upath.Base(upathStr))
		r.CloseDir(parentUpath, parent)
		if cerr != nil {
			if !isNotFound(cerr) {
				return inode.Attrs{}, cerr
			}
			r.mu.Lock()
			item, ok := r.openItems[upathStr]
			r.mu.Unlock()
			if !ok {
				return inode.Attrs{}, cerr
			}
			f, ok := item.(*inode.FileInode)
			if !ok {
				return inode.Attrs{}, cerr
			}
			attrs = inode.Attrs{Kind: inode.KindFile, Size: f.Size()}
		} else {
			attrs = childAttrs
		}
	}

	r.mu.Lock()
	item, ok := r.openItems[upathStr]
	r.mu.Unlock()
	if ok {
		if f, ok := item.(*inode.FileInode); ok {
			attrs.Size = f.Size()
		}
	}

	return attrs, nil
}
