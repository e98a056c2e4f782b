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

// Package fuseadapter binds the FS Operation Surface (package fsop) into a
// github.com/jacobsa/fuse fuseutil.FileSystem, translating between the
// kernel's InodeID/HandleID numbering and riverfs's own upath identity.
//
// Only the operations riverfs actually supports are overridden; everything
// else (rename, symlinks, hardlinks, xattrs) falls through to
// fuseutil.NotImplementedFileSystem's ENOSYS defaults, the same pattern the
// teacher's own fileSystem struct uses.
package fuseadapter

import (
	"os"
	"sort"
	"sync"
	"time"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/riverfs/riverfs/common"
	"github.com/riverfs/riverfs/errs"
	"github.com/riverfs/riverfs/fsop"
	"github.com/riverfs/riverfs/inode"
	"github.com/riverfs/riverfs/upath"
)

// Options carries the mount-level FUSE attributes (ownership, permission
// bits) that have no home in the Open-Items Registry or Inode layer.
type Options struct {
	Uid      uint32
	Gid      uint32
	FileMode os.FileMode
	DirMode  os.FileMode
}

type dirHandle struct {
	entries []fsop.DirEntry
}

// FileSystem is a fuseutil.FileSystem backed by a fsop.Surface.
type FileSystem struct {
	fuseutil.NotImplementedFileSystem

	surface *fsop.Surface
	opts    Options
	log     *zap.SugaredLogger

	mu          sync.Mutex
	upathOf     map[fuseops.InodeID]string
	inodeOf     map[string]fuseops.InodeID
	lookupCount map[fuseops.InodeID]uint64
	nextInode   fuseops.InodeID

	handles    map[fuseops.HandleID]interface{}
	nextHandle fuseops.HandleID
}

// New builds a FileSystem over surface. log may be nil.
func New(surface *fsop.Surface, opts Options, log *zap.SugaredLogger) *FileSystem {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &FileSystem{
		surface:     surface,
		opts:        opts,
		log:         log,
		upathOf:     map[fuseops.InodeID]string{fuseops.RootInodeID: ""},
		inodeOf:     map[string]fuseops.InodeID{"": fuseops.RootInodeID},
		lookupCount: map[fuseops.InodeID]uint64{fuseops.RootInodeID: 1},
		nextInode:   fuseops.RootInodeID + 1,
		handles:     map[fuseops.HandleID]interface{}{},
		nextHandle:  1,
	}
}

// idForLocked returns the stable inode ID for upathStr, minting one if this
// is the first time it has been seen.
//
// LOCKS_REQUIRED(fs.mu)
func (fs *FileSystem) idForLocked(upathStr string) fuseops.InodeID {
	if id, ok := fs.inodeOf[upathStr]; ok {
		return id
	}
	id := fs.nextInode
	fs.nextInode++
	fs.inodeOf[upathStr] = id
	fs.upathOf[id] = upathStr
	return id
}

// logErr records a failed FUSE op at error level, tagged with the op name
// constants from package common.
func (fs *FileSystem) logErr(op string, err *error) {
	if *err != nil {
		fs.log.Errorw("fuse op failed", "op", op, "error", *err)
	}
}

func (fs *FileSystem) attrsToFuse(attrs inode.Attrs) fuseops.InodeAttributes {
	mode := fs.opts.FileMode
	if attrs.Kind == inode.KindDirectory {
		mode = os.ModeDir | fs.opts.DirMode
	}
	mtime := attrs.MTime
	if mtime.IsZero() {
		mtime = time.Now()
	}
	return fuseops.InodeAttributes{
		Size:   uint64(attrs.Size),
		Nlink:  1,
		Mode:   mode,
		Atime:  mtime,
		Mtime:  mtime,
		Ctime:  attrs.CTime,
		Crtime: attrs.CTime,
		Uid:    fs.opts.Uid,
		Gid:    fs.opts.Gid,
	}
}

func (fs *FileSystem) Init(op *fuseops.InitOp) (err error) {
	return
}

func (fs *FileSystem) Destroy() {}

// LOCKS_EXCLUDED(fs.mu)
func (fs *FileSystem) LookUpInode(op *fuseops.LookUpInodeOp) (err error) {
	defer fs.logErr(common.OpLookUpInode, &err)

	fs.mu.Lock()
	parentUpath := fs.upathOf[op.Parent]
	fs.mu.Unlock()

	childUpath := upath.Join(parentUpath, op.Name)
	attrs, err := fs.surface.GetAttr(op.Context(), childUpath)
	if err != nil {
		return
	}

	fs.mu.Lock()
	id := fs.idForLocked(childUpath)
	fs.lookupCount[id]++
	fs.mu.Unlock()

	op.Entry.Child = id
	op.Entry.Attributes = fs.attrsToFuse(attrs)
	return
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *FileSystem) GetInodeAttributes(op *fuseops.GetInodeAttributesOp) (err error) {
	defer fs.logErr(common.OpGetInodeAttributes, &err)

	fs.mu.Lock()
	upathStr := fs.upathOf[op.Inode]
	fs.mu.Unlock()

	attrs, err := fs.surface.GetAttr(op.Context(), upathStr)
	if err != nil {
		return
	}
	op.Attributes = fs.attrsToFuse(attrs)
	return
}

// SetInodeAttributes supports only truncation by size; riverfs has no
// notion of mutable mode/atime/mtime bits separate from cache metadata.
func (fs *FileSystem) SetInodeAttributes(op *fuseops.SetInodeAttributesOp) (err error) {
	defer fs.logErr(common.OpSetInodeAttributes, &err)

	fs.mu.Lock()
	upathStr := fs.upathOf[op.Inode]
	fs.mu.Unlock()

	if op.Size != nil {
		if err = fs.surface.Truncate(op.Context(), upathStr, int64(*op.Size)); err != nil {
			return
		}
	}

	attrs, err := fs.surface.GetAttr(op.Context(), upathStr)
	if err != nil {
		return
	}
	op.Attributes = fs.attrsToFuse(attrs)
	return
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *FileSystem) ForgetInode(op *fuseops.ForgetInodeOp) (err error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.lookupCount[op.Inode] <= op.N {
		upathStr := fs.upathOf[op.Inode]
		delete(fs.lookupCount, op.Inode)
		delete(fs.upathOf, op.Inode)
		delete(fs.inodeOf, upathStr)
		return
	}
	fs.lookupCount[op.Inode] -= op.N
	return
}

func (fs *FileSystem) MkDir(op *fuseops.MkDirOp) (err error) {
	defer fs.logErr(common.OpMkDir, &err)

	fs.mu.Lock()
	parentUpath := fs.upathOf[op.Parent]
	fs.mu.Unlock()

	childUpath := upath.Join(parentUpath, op.Name)
	if err = fs.surface.Mkdir(op.Context(), childUpath); err != nil {
		return
	}

	attrs, err := fs.surface.GetAttr(op.Context(), childUpath)
	if err != nil {
		return
	}

	fs.mu.Lock()
	id := fs.idForLocked(childUpath)
	fs.lookupCount[id]++
	fs.mu.Unlock()

	op.Entry.Child = id
	op.Entry.Attributes = fs.attrsToFuse(attrs)
	return
}

// CreateFile mints the child and opens it in the same step, the way FUSE's
// create(2) combines mknod+open -- mirrors fsop.Surface.Create.
func (fs *FileSystem) CreateFile(op *fuseops.CreateFileOp) (err error) {
	defer fs.logErr(common.OpCreateFile, &err)

	fs.mu.Lock()
	parentUpath := fs.upathOf[op.Parent]
	fs.mu.Unlock()

	childUpath := upath.Join(parentUpath, op.Name)
	fh, err := fs.surface.Create(op.Context(), childUpath, unix.O_RDWR|unix.O_EXCL)
	if err != nil {
		return
	}

	attrs, err := fs.surface.GetAttr(op.Context(), childUpath)
	if err != nil {
		return
	}

	fs.mu.Lock()
	id := fs.idForLocked(childUpath)
	fs.lookupCount[id]++
	handleID := fs.nextHandle
	fs.nextHandle++
	fs.handles[handleID] = fh
	fs.mu.Unlock()

	op.Entry.Child = id
	op.Entry.Attributes = fs.attrsToFuse(attrs)
	op.Handle = handleID
	return
}

func (fs *FileSystem) RmDir(op *fuseops.RmDirOp) (err error) {
	defer fs.logErr(common.OpRmDir, &err)

	fs.mu.Lock()
	parentUpath := fs.upathOf[op.Parent]
	fs.mu.Unlock()

	err = fs.surface.Unlink(op.Context(), upath.Join(parentUpath, op.Name), true)
	return
}

func (fs *FileSystem) Unlink(op *fuseops.UnlinkOp) (err error) {
	defer fs.logErr(common.OpUnlink, &err)

	fs.mu.Lock()
	parentUpath := fs.upathOf[op.Parent]
	fs.mu.Unlock()

	err = fs.surface.Unlink(op.Context(), upath.Join(parentUpath, op.Name), false)
	return
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *FileSystem) OpenDir(op *fuseops.OpenDirOp) (err error) {
	defer fs.logErr(common.OpOpenDir, &err)

	fs.mu.Lock()
	upathStr := fs.upathOf[op.Inode]
	fs.mu.Unlock()

	entries, err := fs.surface.Readdir(op.Context(), upathStr)
	if err != nil {
		return
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	fs.mu.Lock()
	handleID := fs.nextHandle
	fs.nextHandle++
	fs.handles[handleID] = &dirHandle{entries: entries}
	fs.mu.Unlock()

	op.Handle = handleID
	return
}

func (fs *FileSystem) ReadDir(op *fuseops.ReadDirOp) (err error) {
	defer fs.logErr(common.OpReadDir, &err)

	fs.mu.Lock()
	dh, _ := fs.handles[op.Handle].(*dirHandle)
	fs.mu.Unlock()
	if dh == nil {
		return errs.Invalid("fuseadapter.ReadDir", "", nil)
	}

	op.BytesRead = 0
	for i := int(op.Offset); i < len(dh.entries); i++ {
		e := dh.entries[i]
		dirent := fuseutil.Dirent{
			Offset: fuseops.DirOffset(i + 1),
			Inode:  fuseops.RootInodeID, // placeholder; the kernel re-resolves children by name
			Name:   e.Name,
			Type:   direntType(e.Kind),
		}
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], dirent)
		if n == 0 {
			break
		}
		op.BytesRead += n
	}
	return
}

func direntType(k inode.Kind) fuseutil.DirentType {
	if k == inode.KindDirectory {
		return fuseutil.DT_Directory
	}
	return fuseutil.DT_File
}

func (fs *FileSystem) ReleaseDirHandle(op *fuseops.ReleaseDirHandleOp) (err error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	delete(fs.handles, op.Handle)
	return
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *FileSystem) OpenFile(op *fuseops.OpenFileOp) (err error) {
	defer fs.logErr(common.OpOpenFile, &err)

	fs.mu.Lock()
	upathStr := fs.upathOf[op.Inode]
	fs.mu.Unlock()

	fh, err := fs.surface.OpenFile(op.Context(), upathStr, int(op.OpenFlags))
	if err != nil {
		return
	}

	fs.mu.Lock()
	handleID := fs.nextHandle
	fs.nextHandle++
	fs.handles[handleID] = fh
	fs.mu.Unlock()

	op.Handle = handleID
	op.KeepPageCache = false
	return
}

func (fs *FileSystem) fileHandle(id fuseops.HandleID) (*fsop.FileHandle, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fh, ok := fs.handles[id].(*fsop.FileHandle)
	if !ok {
		return nil, errs.Invalid("fuseadapter.fileHandle", "", nil)
	}
	return fh, nil
}

func (fs *FileSystem) ReadFile(op *fuseops.ReadFileOp) (err error) {
	defer fs.logErr(common.OpReadFile, &err)

	fh, err := fs.fileHandle(op.Handle)
	if err != nil {
		return
	}
	data, err := fs.surface.Read(op.Context(), fh, op.Offset, int64(len(op.Dst)))
	if err != nil {
		return
	}
	op.BytesRead = copy(op.Dst, data)
	return
}

func (fs *FileSystem) WriteFile(op *fuseops.WriteFileOp) (err error) {
	defer fs.logErr(common.OpWriteFile, &err)

	fh, err := fs.fileHandle(op.Handle)
	if err != nil {
		return
	}
	err = fs.surface.Write(op.Context(), fh, op.Offset, op.Data)
	return
}

// FlushFile is a no-op: dirty content is pushed to the gateway at release,
// not at every fsync/flush, since flush may fire multiple times per handle
// while the caller keeps writing.
func (fs *FileSystem) FlushFile(op *fuseops.FlushFileOp) (err error) {
	return
}

func (fs *FileSystem) ReleaseFileHandle(op *fuseops.ReleaseFileHandleOp) (err error) {
	defer fs.logErr(common.OpReleaseFileHandle, &err)

	fs.mu.Lock()
	fh, ok := fs.handles[op.Handle].(*fsop.FileHandle)
	delete(fs.handles, op.Handle)
	fs.mu.Unlock()

	if !ok {
		return
	}
	err = fs.surface.Release(op.Context(), fh)
	return
}
