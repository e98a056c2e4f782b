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
	"context"
	"os"
	"sync"
	"time"

	"github.com/jacobsa/syncutil"

	"github.com/riverfs/riverfs/block"
	"github.com/riverfs/riverfs/clock"
	"github.com/riverfs/riverfs/downloader"
	"github.com/riverfs/riverfs/errs"
	"github.com/riverfs/riverfs/fileondisk"
	"github.com/riverfs/riverfs/metrics"
	"github.com/riverfs/riverfs/remote"
)

// FileInfo is the persisted metadata blob for a File Inode (the "info"
// file), independent of its cached content.
type FileInfo struct {
	Size      int64     `json:"size"`
	ROUri     string    `json:"ro_uri"`
	Retrieved time.Time `json:"retrieved"`
}

// FilePaths names the three backing files a File Inode owns on disk.
type FilePaths struct {
	Info  string
	State string
	Data  string
}

// FileInode is the logical on-disk file: one process-wide instance per
// upath, composing a Block Cached File over a local data file with a
// lazy-fetch downloader stream filling it from the remote on demand.
//
// Lock order: cacheMu guards the cached content and the dirty flag;
// streamMu guards the downloader stream. cacheMu is always acquired and
// released before streamMu is taken for a fetch; streamMu is held only
// across the network read, and cacheMu is retaken -- nested -- solely to
// commit newly fetched bytes via receive_cached_data. This nesting is the
// one narrow exception to "never hold stream across cache" and mirrors the
// source's own _do_rw loop.
type FileInode struct {
	gw      remote.Gateway
	clk     clock.Clock
	metrics *metrics.Registry

	upath      string
	paths      FilePaths
	persistent bool

	cacheMu syncutil.InvariantMutex
	// GUARDED_BY(cacheMu)
	cached *block.CachedFile
	// GUARDED_BY(cacheMu)
	dirty bool
	// GUARDED_BY(cacheMu); bumped on every mutation so Push can tell
	// whether the live file has moved on since the Snapshot it was given
	// was frozen.
	dirtyGen int64
	// GUARDED_BY(cacheMu)
	invalidated bool

	streamMu sync.Mutex
	// GUARDED_BY(streamMu)
	stream *downloader.Stream
	// GUARDED_BY(streamMu); accumulated but not-yet-committed fetched bytes
	pendingOffset int64
	pendingChunks [][]byte

	refMu  sync.Mutex
	refcnt int

	info FileInfo

	dataFile *fileondisk.File
}

var _ Inode = (*FileInode)(nil)

// OpenFile reuses the on-disk info/state/data files for upath if they
// exist and, when persistent, validate; otherwise it fetches fresh info
// for cap from gw (or initializes a brand-new zero-size file when cap is
// empty) and starts an empty cache. Any validation failure during reuse
// deletes the three files and falls back to fresh, per spec.
func OpenFile(ctx context.Context, gw remote.Gateway, clk clock.Clock, m *metrics.Registry, upath string, cap string, paths FilePaths, persistent bool, blockSize int64) (*FileInode, error) {
	f := &FileInode{
		gw:         gw,
		clk:        clk,
		metrics:    m,
		upath:      upath,
		paths:      paths,
		persistent: persistent,
	}
	f.cacheMu = syncutil.NewInvariantMutex(func() {})

	if f.tryReuse(blockSize) {
		return f, nil
	}

	f.cleanupFiles()

	if err := f.initFresh(ctx, cap, blockSize); err != nil {
		f.cleanupFiles()
		return nil, err
	}
	return f, nil
}

func (f *FileInode) tryReuse(blockSize int64) bool {
	if !f.persistent {
		return false
	}
	if err := loadInfo(f.paths.Info, &f.info); err != nil {
		return false
	}

	dataFile, err := fileondisk.Open(f.paths.Data, fileondisk.ModeReadWrite, uint32(blockSize))
	if err != nil {
		return false
	}

	stateFile, err := os.Open(f.paths.State)
	if err != nil {
		dataFile.Close()
		return false
	}
	defer stateFile.Close()

	cached, err := block.RestoreCachedFile(dataFile, stateFile)
	if err != nil {
		dataFile.Close()
		return false
	}

	f.dataFile = dataFile
	f.cached = cached
	f.stream = downloader.New(f.gw, f.info.ROUri)
	return true
}

func (f *FileInode) initFresh(ctx context.Context, cap string, blockSize int64) error {
	if cap != "" {
		info, err := f.gw.Info(ctx, cap)
		if err != nil {
			return err
		}
		f.info = FileInfo{Size: info.Size, ROUri: cap, Retrieved: f.clk.Now()}
	} else {
		f.info = FileInfo{Size: 0, Retrieved: f.clk.Now()}
	}

	if err := saveInfo(f.paths.Info, &f.info); err != nil {
		return err
	}

	dataFile, err := fileondisk.Open(f.paths.Data, fileondisk.ModeCreate, uint32(blockSize))
	if err != nil {
		return err
	}
	f.dataFile = dataFile
	f.cached = block.NewCachedFile(block.NewStorage(dataFile, blockSize), f.info.Size)
	f.stream = downloader.New(f.gw, f.info.ROUri)
	return nil
}

func (f *FileInode) cleanupFiles() {
	os.Remove(f.paths.Info)
	os.Remove(f.paths.State)
	os.Remove(f.paths.Data)
}

func (f *FileInode) Upath() string { return f.upath }
func (f *FileInode) Kind() Kind    { return KindFile }

func (f *FileInode) IncRef() {
	f.refMu.Lock()
	f.refcnt++
	f.refMu.Unlock()
}

func (f *FileInode) DecRef() bool {
	f.refMu.Lock()
	f.refcnt--
	zero := f.refcnt <= 0
	f.refMu.Unlock()
	if zero {
		f.Close()
	}
	return zero
}

// ROUri returns the file's current read-only remote capability, empty for
// a not-yet-uploaded new file.
func (f *FileInode) ROUri() string {
	f.cacheMu.Lock()
	defer f.cacheMu.Unlock()
	return f.info.ROUri
}

// Dirty reports whether the file has unpushed local mutations.
func (f *FileInode) Dirty() bool {
	f.cacheMu.Lock()
	defer f.cacheMu.Unlock()
	return f.dirty
}

func (f *FileInode) IsFresh(lifetime time.Duration) bool {
	f.cacheMu.Lock()
	defer f.cacheMu.Unlock()
	if f.info.Retrieved.IsZero() {
		return true
	}
	return f.clk.Now().Before(f.info.Retrieved.Add(lifetime))
}

func (f *FileInode) Invalidate() {
	f.cacheMu.Lock()
	f.invalidated = true
	f.cacheMu.Unlock()
}

func (f *FileInode) Invalidated() bool {
	f.cacheMu.Lock()
	defer f.cacheMu.Unlock()
	return f.invalidated
}

// Size returns the file's current logical size.
func (f *FileInode) Size() int64 {
	f.cacheMu.Lock()
	defer f.cacheMu.Unlock()
	return f.cached.Size()
}

// Read services a read via the lazy-fetch loop, blocking on remote fetches
// as needed to satisfy the request.
func (f *FileInode) Read(ctx context.Context, offset, length int64) ([]byte, error) {
	return f.doRW(ctx, offset, length, nil, false, false)
}

// Write services a write via the lazy-fetch loop; only the partial edge
// blocks of the range may require a remote fetch first. offset < 0 means
// append at the current size.
func (f *FileInode) Write(ctx context.Context, offset int64, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	f.cacheMu.Lock()
	f.dirty = true
	f.dirtyGen++
	if offset < 0 {
		offset = f.cached.Size()
	}
	f.cacheMu.Unlock()

	_, err := f.doRW(ctx, offset, 0, data, true, false)
	return err
}

// Truncate sets dirty if the size actually changes, then delegates to the
// Block Cached File.
func (f *FileInode) Truncate(size int64) error {
	f.cacheMu.Lock()
	defer f.cacheMu.Unlock()

	if size != f.cached.Size() {
		f.dirty = true
		f.dirtyGen++
	}
	return f.cached.Truncate(size)
}

// bufferWholeFile drives the lazy-fetch loop over the whole file with no
// result, fully materializing it locally before an upload.
func (f *FileInode) bufferWholeFile(ctx context.Context) error {
	f.cacheMu.Lock()
	size := f.cached.Size()
	f.cacheMu.Unlock()

	_, err := f.doRW(ctx, 0, size, nil, false, true)
	return err
}

// doRW is the lazy-fetch loop shared by Read, Write and bufferWholeFile:
// under cacheMu, ask the cache what (if anything) is missing; if nothing,
// perform the operation and return; otherwise drop cacheMu, fetch the
// missing range under streamMu (briefly retaking cacheMu to commit each
// chunk), and loop.
func (f *FileInode) doRW(ctx context.Context, offset, length int64, data []byte, write, noResult bool) ([]byte, error) {
	if write {
		length = int64(len(data))
	}

	fetched := false
	for {
		f.cacheMu.Lock()
		var (
			fr  block.FetchRange
			ok  bool
			err error
		)
		if write {
			fr, ok, err = f.cached.PreWrite(offset, length)
		} else {
			fr, ok, err = f.cached.PreRead(offset, length)
		}
		if err != nil {
			f.cacheMu.Unlock()
			return nil, err
		}

		if !ok {
			defer f.cacheMu.Unlock()
			if !write && f.metrics != nil {
				if fetched {
					f.metrics.CacheMisses.Inc()
				} else {
					f.metrics.CacheHits.Inc()
				}
			}
			if noResult {
				return nil, nil
			}
			if write {
				return nil, f.cached.Write(offset, data)
			}
			return f.cached.Read(offset, length)
		}
		f.cacheMu.Unlock()
		fetched = true

		if err := f.fillRange(ctx, fr); err != nil {
			return nil, err
		}
	}
}

// fillRange fetches fr from the remote, committing full blocks into the
// cache as they complete, until fr is satisfied or the remote reaches EOF.
func (f *FileInode) fillRange(ctx context.Context, fr block.FetchRange) error {
	f.streamMu.Lock()
	defer f.streamMu.Unlock()

	if f.stream.Open() && (f.pendingOffset > fr.Offset || fr.Offset >= f.pendingOffset+3*downloader.ChunkSize) {
		f.stream.Close()
		f.pendingChunks = nil
	}

	if !f.stream.Open() {
		if err := f.stream.EnsureAt(ctx, fr.Offset); err != nil {
			return err
		}
		f.pendingOffset = fr.Offset
		f.pendingChunks = nil
	}

	target := fr.Offset + fr.Length
	pendingLen := int64(0)
	for _, c := range f.pendingChunks {
		pendingLen += int64(len(c))
	}

	for f.pendingOffset+pendingLen < target {
		chunk, err := f.stream.ReadChunk()
		if err != nil {
			return err
		}
		if len(chunk) == 0 {
			// Remote EOF reached before satisfying fr: stop here, the
			// caller's next pre_read/pre_write will observe whatever was
			// actually committed and treat the rest as a short read.
			break
		}

		f.pendingChunks = append(f.pendingChunks, chunk)
		pendingLen += int64(len(chunk))
		if f.metrics != nil {
			f.metrics.BytesFetched.Add(float64(len(chunk)))
		}

		f.cacheMu.Lock()
		newOffset, remainder, err := f.cached.ReceiveCachedData(f.pendingOffset, f.pendingChunks)
		f.cacheMu.Unlock()
		if err != nil {
			return err
		}
		f.pendingOffset = newOffset
		f.pendingChunks = remainder
		pendingLen = 0
		for _, c := range remainder {
			pendingLen += int64(len(c))
		}

		if !f.stream.Open() {
			break
		}
	}

	return nil
}

// Upload materializes the whole file, uploads it, and on success updates
// info and clears dirty.
func (f *FileInode) Upload(ctx context.Context, parentCap string) (string, error) {
	f.cacheMu.Lock()
	defer f.cacheMu.Unlock()

	if err := f.bufferWholeFileLocked(ctx); err != nil {
		return "", err
	}

	size := f.cached.Size()
	r, err := f.cached.Read(0, size)
	if err != nil {
		return "", errs.LocalIO("FileInode.Upload", f.upath, err)
	}

	childName := baseName(f.upath)
	cap, err := f.gw.Put(ctx, parentCap, childName, bytesReader(r))
	if err != nil {
		return "", err
	}

	f.info.ROUri = cap
	f.info.Size = size
	f.info.Retrieved = f.clk.Now()
	if err := saveInfo(f.paths.Info, &f.info); err != nil {
		return "", err
	}

	f.dirty = false
	return cap, nil
}

// bufferWholeFileLocked is bufferWholeFile for callers that already hold
// cacheMu; it must drop the lock around the fetch loop the same way doRW
// does internally, so it reimplements the loop rather than calling doRW
// reentrantly.
func (f *FileInode) bufferWholeFileLocked(ctx context.Context) error {
	size := f.cached.Size()
	f.cacheMu.Unlock()
	_, err := f.doRW(ctx, 0, size, nil, false, true)
	f.cacheMu.Lock()
	return err
}

func (f *FileInode) Unlink() error {
	f.cacheMu.Lock()
	defer f.cacheMu.Unlock()

	if !f.invalidated {
		f.cleanupFiles()
	}
	return nil
}

func (f *FileInode) Close() error {
	f.streamMu.Lock()
	if f.stream != nil {
		f.stream.Close()
	}
	f.streamMu.Unlock()

	f.cacheMu.Lock()
	defer f.cacheMu.Unlock()

	if f.persistent {
		stateFile, err := os.Create(f.paths.State)
		if err == nil {
			f.cached.SaveState(stateFile)
			stateFile.Close()
		}
	}

	if f.dataFile != nil {
		f.dataFile.Close()
	}

	if !f.persistent && !f.invalidated {
		f.cleanupFiles()
	}
	return nil
}

// Freeze/Push/Pull hooks satisfy the shared Inode contract for the sync
// worker. Freeze materializes and copies out the file's dirty content under
// cacheMu, so Push uploads a fixed byte slice rather than re-reading
// whatever the live cache holds by the time the upload actually runs --
// closing the race a concurrently-mutating inode would otherwise hit.
func (f *FileInode) Freeze(ctx context.Context) (Snapshot, error) {
	f.cacheMu.Lock()
	defer f.cacheMu.Unlock()

	if !f.dirty {
		return Snapshot{Kind: KindFile, UpathAtFreeze: f.upath}, nil
	}

	if err := f.bufferWholeFileLocked(ctx); err != nil {
		return Snapshot{}, err
	}

	size := f.cached.Size()
	r, err := f.cached.Read(0, size)
	if err != nil {
		return Snapshot{}, errs.LocalIO("FileInode.Freeze", f.upath, err)
	}
	data := make([]byte, len(r))
	copy(data, r)

	return Snapshot{
		Kind:          KindFile,
		UpathAtFreeze: f.upath,
		Dirty:         true,
		Data:          data,
		Size:          size,
		gen:           f.dirtyGen,
	}, nil
}

func (f *FileInode) BeforePush(ctx context.Context, snap Snapshot) error { return nil }

// Push uploads the frozen snapshot's own bytes, not the live cache -- a
// write that lands between Freeze and Push must not be silently folded into
// this upload, and must not have its own dirty flag cleared out from under
// it.
func (f *FileInode) Push(ctx context.Context, snap Snapshot) error {
	if !snap.Dirty {
		return nil
	}

	childName := baseName(f.upath)
	cap, err := f.gw.Put(ctx, snap.ParentCap, childName, bytesReader(snap.Data))
	if err != nil {
		return err
	}

	f.cacheMu.Lock()
	defer f.cacheMu.Unlock()

	f.info.ROUri = cap
	f.info.Size = snap.Size
	f.info.Retrieved = f.clk.Now()
	if err := saveInfo(f.paths.Info, &f.info); err != nil {
		return err
	}

	if f.dirtyGen == snap.gen {
		f.dirty = false
	}
	return nil
}

func (f *FileInode) AfterPush(ctx context.Context, snap Snapshot) error { return nil }

func (f *FileInode) BeforePull(ctx context.Context) error { return nil }

func (f *FileInode) Pull(ctx context.Context) error {
	f.cacheMu.Lock()
	defer f.cacheMu.Unlock()
	info, err := f.gw.Info(ctx, f.info.ROUri)
	if err != nil {
		return err
	}
	f.info.Size = info.Size
	f.info.Retrieved = f.clk.Now()
	return saveInfo(f.paths.Info, &f.info)
}

func (f *FileInode) AfterPull(ctx context.Context) error { return nil }
