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

// Package registry implements the Open-Items Registry (CacheDB): the
// process-wide map from upath to the single live Inode for that path, a
// bounded directory LRU, and the on-disk cache-size eviction scan.
package registry

import (
	"container/heap"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	stderrors "errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/riverfs/riverfs/clock"
	"github.com/riverfs/riverfs/errs"
	"github.com/riverfs/riverfs/inode"
	"github.com/riverfs/riverfs/metrics"
	"github.com/riverfs/riverfs/remote"
	"github.com/riverfs/riverfs/upath"
)

// cache-score constants, matching the source's re-retrieval cost model.
const (
	downloadSpeed = 1e6 // bytes/sec
	latencySec    = 1.0 // sec
)

func accessRate(size float64, age float64) float64 {
	if age < 0 {
		return 0
	}
	const sizeUnit = 100e3
	sizeProb := 1 / (1 + (size/sizeUnit)*(size/sizeUnit))
	return sizeProb / (latencySec + age)
}

// cacheScore returns the eviction priority of a cache entry of the given
// size and time since last access; bigger means keep longer.
func cacheScore(size, age float64) float64 {
	rate := accessRate(size, age)
	dlSize := downloadSpeed * max0(age-latencySec)
	window := latencySec + min(dlSize, size)/downloadSpeed
	return rate * window
}

func max0(x float64) float64 {
	if x < 0 {
		return 0
	}
	return x
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// Config bundles the registry's tunables, sourced from the top-level
// configuration.
type Config struct {
	CacheDir      string
	CacheSize     int64
	CacheData     bool
	ReadLifetime  time.Duration
	WriteLifetime time.Duration
	BlockSize     int64
	// FilenameSecret seeds the deterministic, unpredictable-without-it
	// upath->filename mapping; only the non-cryptographic property
	// (deterministic, collision-resistant, secret-dependent) is preserved,
	// not cryptographic strength.
	FilenameSecret []byte
}

type dirLRUEntry struct {
	openedAt time.Time
	upath    string
}

type dirLRU []*dirLRUEntry

func (h dirLRU) Len() int            { return len(h) }
func (h dirLRU) Less(i, j int) bool  { return h[i].openedAt.Before(h[j].openedAt) }
func (h dirLRU) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *dirLRU) Push(x interface{}) { *h = append(*h, x.(*dirLRUEntry)) }
func (h *dirLRU) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

// Registry is the process-wide Open-Items Registry: one instance is shared
// by every FS operation.
type Registry struct {
	cfg Config
	gw  remote.Gateway
	clk clock.Clock
	m   *metrics.Registry

	mu               sync.Mutex
	openItems        map[string]inode.Inode
	dirLRU           dirLRU
	maxDirLRU        int
	lastSizeCheck    time.Time
}

// New constructs a Registry rooted at cfg.CacheDir, running an initial
// eviction scan. m receives the cache-hit/miss/eviction counters this
// Registry's File Inodes and eviction scan feed. m may be nil, as the tests
// pass it, in which case no counters are updated; pass
// metrics.New(prometheus.NewRegistry()) for an isolated set.
func New(cfg Config, gw remote.Gateway, clk clock.Clock, m *metrics.Registry) (*Registry, error) {
	if err := os.MkdirAll(cfg.CacheDir, 0o700); err != nil {
		return nil, errs.LocalIO("registry.New", cfg.CacheDir, err)
	}
	r := &Registry{
		cfg:       cfg,
		gw:        gw,
		clk:       clk,
		m:         m,
		openItems: map[string]inode.Inode{},
		maxDirLRU: 500,
	}
	r.restrictSize()
	return r, nil
}

// filenameFor derives the deterministic on-disk filename for a upath (plus
// an optional file suffix, for a File Inode's state/data companions) via
// HMAC-SHA256 keyed on the registry's filename secret.
func (r *Registry) filenameFor(upathStr string, suffix string) string {
	mac := hmac.New(sha256.New, r.cfg.FilenameSecret)
	mac.Write([]byte(upathStr))
	if suffix != "" {
		mac.Write([]byte{0, 0})
		mac.Write([]byte(suffix))
	}
	return filepath.Join(r.cfg.CacheDir, hex.EncodeToString(mac.Sum(nil)))
}

func (r *Registry) filePaths(upathStr string) inode.FilePaths {
	return inode.FilePaths{
		Info:  r.filenameFor(upathStr, ""),
		State: r.filenameFor(upathStr, "state"),
		Data:  r.filenameFor(upathStr, "data"),
	}
}

// GetFileInode returns the live File Inode for upathStr, constructing it
// (resolving a capability via the parent directory chain) if not already
// open or if stale.
func (r *Registry) GetFileInode(ctx context.Context, upathStr string, excl, creat bool, lifetime time.Duration) (*inode.FileInode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if lifetime == 0 {
		lifetime = r.cfg.ReadLifetime
	}

	if existing, ok := r.openItems[upathStr]; ok {
		if !existing.IsFresh(lifetime) {
			r.invalidateLocked(upathStr, true)
		} else {
			f, ok := existing.(*inode.FileInode)
			if !ok {
				return nil, errs.IsDirectory("registry.GetFileInode", upathStr)
			}
			if excl {
				return nil, errs.AlreadyExists("registry.GetFileInode", upathStr)
			}
			return f, nil
		}
	}

	cap, err := r.lookupCapLocked(ctx, upathStr, true, lifetime)
	if err != nil {
		if !isNotFound(err) {
			return nil, err
		}
		if !creat {
			return nil, err
		}
		cap = ""
	}
	if excl && cap != "" {
		return nil, errs.AlreadyExists("registry.GetFileInode", upathStr)
	}
	if !creat && cap == "" {
		return nil, errs.NotFound("registry.GetFileInode", upathStr)
	}

	f, err := inode.OpenFile(ctx, r.gw, r.clk, r.m, upathStr, cap, r.filePaths(upathStr), r.cfg.CacheData, r.cfg.BlockSize)
	if err != nil {
		return nil, err
	}
	r.openItems[upathStr] = f

	if cap == "" {
		parent, err := r.getDirInodeLocked(ctx, upath.Parent(upathStr), lifetime)
		if err == nil {
			parent.CacheAddChild(upath.Base(upathStr), inode.KindFile, "", 0)
		}
	}

	return f, nil
}

// GetDirInode returns the live Directory Inode for upathStr.
func (r *Registry) GetDirInode(ctx context.Context, upathStr string, lifetime time.Duration) (*inode.DirInode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getDirInodeLocked(ctx, upathStr, lifetime)
}

func (r *Registry) getDirInodeLocked(ctx context.Context, upathStr string, lifetime time.Duration) (*inode.DirInode, error) {
	if lifetime == 0 {
		lifetime = r.cfg.ReadLifetime
	}

	if existing, ok := r.openItems[upathStr]; ok {
		if !existing.IsFresh(lifetime) {
			r.invalidateLocked(upathStr, true)
		} else {
			d, ok := existing.(*inode.DirInode)
			if !ok {
				return nil, errs.NotDirectory("registry.GetDirInode", upathStr)
			}
			return d, nil
		}
	}

	cap, err := r.lookupCapLocked(ctx, upathStr, false, lifetime)
	if err != nil && !upath.IsRoot(upathStr) {
		return nil, err
	}

	d, err := inode.OpenDir(ctx, r.gw, r.clk, upathStr, cap, r.filenameFor(upathStr, ""), true)
	if err != nil {
		return nil, err
	}
	r.openItems[upathStr] = d

	heap.Push(&r.dirLRU, &dirLRUEntry{openedAt: r.clk.Now(), upath: upathStr})
	if r.dirLRU.Len() > r.maxDirLRU {
		old := heap.Pop(&r.dirLRU).(*dirLRUEntry)
		r.closeAndMaybeRemoveLocked(old.upath)
	}

	return d, nil
}

func (r *Registry) lookupCapLocked(ctx context.Context, upathStr string, readOnly bool, lifetime time.Duration) (string, error) {
	if upath.IsRoot(upathStr) {
		return "", nil
	}
	if existing, ok := r.openItems[upathStr]; ok && existing.IsFresh(lifetime) {
		if f, ok := existing.(*inode.FileInode); ok {
			return f.ROUri(), nil
		}
	}

	parentUpath := upath.Parent(upathStr)
	parent, err := r.getDirInodeLocked(ctx, parentUpath, lifetime)
	if err != nil {
		return "", err
	}
	attrs, err := parent.GetChildAttr(upath.Base(upathStr))
	if err != nil {
		return "", err
	}
	if readOnly {
		return attrs.ROUri, nil
	}
	return attrs.RWUri, nil
}

func isNotFound(err error) bool {
	var e *errs.Error
	if stderrors.As(err, &e) {
		return e.Kind == errs.KindNotFound
	}
	return false
}

// ResolveCap resolves upathStr to its remote capability via the same
// parent-directory walk GetFileInode/GetDirInode use internally, without
// opening or constructing anything. delta.Resolver calls this to complete
// its remote-lookup arm of From() once an upath has neither a registry nor
// a durable hit.
func (r *Registry) ResolveCap(ctx context.Context, upathStr string) (cap string, found bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cap, err = r.lookupCapLocked(ctx, upathStr, true, r.cfg.ReadLifetime)
	if err != nil {
		if isNotFound(err) {
			return "", false, nil
		}
		return "", false, err
	}
	return cap, true, nil
}

// WriteLifetime returns the freshness TTL callers should use when an
// operation is about to mutate a path -- shorter-lived than ReadLifetime so
// a writer never acts on a stale parent-directory lookup.
func (r *Registry) WriteLifetime() time.Duration {
	return r.cfg.WriteLifetime
}

// Peek returns the already-open Inode for upathStr, if any, without
// constructing or refreshing anything -- the fast path delta.Resolver races
// against a durable lookup and a remote fetch.
func (r *Registry) Peek(upathStr string) (inode.Inode, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.openItems[upathStr]
	return item, ok
}

// CloseFile decrements the reference count on upathStr's File Inode and,
// when it reaches zero, removes it from the registry and runs the
// eviction scan.
func (r *Registry) CloseFile(upathStr string, f *inode.FileInode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f.DecRef() {
		delete(r.openItems, upathStr)
		r.restrictSizeLocked()
	}
}

// CloseDir decrements the reference count on upathStr's Directory Inode.
func (r *Registry) CloseDir(upathStr string, d *inode.DirInode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d.DecRef() {
		delete(r.openItems, upathStr)
		r.restrictSizeLocked()
	}
}

func (r *Registry) closeAndMaybeRemoveLocked(upathStr string) {
	item, ok := r.openItems[upathStr]
	if !ok {
		return
	}
	if item.DecRef() {
		delete(r.openItems, upathStr)
	}
}

// Invalidate marks every open inode under rootUpath invalidated and deletes
// its on-disk artifacts. shallow stops descending past immediate children.
func (r *Registry) Invalidate(rootUpath string, shallow bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invalidateLocked(rootUpath, shallow)
}

func (r *Registry) invalidateLocked(rootUpath string, shallow bool) {
	if upath.IsRoot(rootUpath) && !shallow {
		for _, item := range r.openItems {
			item.Invalidate()
		}
		r.openItems = map[string]inode.Inode{}
		r.dirLRU = nil
		entries, _ := os.ReadDir(r.cfg.CacheDir)
		for _, e := range entries {
			if e.Name() == "salt" {
				continue
			}
			os.Remove(filepath.Join(r.cfg.CacheDir, e.Name()))
		}
		return
	}

	for p, item := range r.openItems {
		if p != rootUpath && !isUnder(p, rootUpath) {
			continue
		}
		if shallow && p != rootUpath && upath.Parent(p) != rootUpath {
			continue
		}
		item.Invalidate()
		delete(r.openItems, p)
		fp := r.filePaths(p)
		os.Remove(fp.Info)
		os.Remove(fp.State)
		os.Remove(fp.Data)
	}
}

func isUnder(child, root string) bool {
	if root == "" {
		return true
	}
	return len(child) > len(root) && child[:len(root)] == root && child[len(root)] == '/'
}

// restrictSize runs the eviction scan, throttled to once per 60s.
func (r *Registry) restrictSize() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.restrictSizeLocked()
}

func (r *Registry) restrictSizeLocked() {
	now := r.clk.Now()
	if now.Before(r.lastSizeCheck.Add(60 * time.Second)) {
		return
	}
	r.lastSizeCheck = now

	entries, err := os.ReadDir(r.cfg.CacheDir)
	if err != nil {
		return
	}

	type scored struct {
		path  string
		size  int64
		score float64
	}
	var files []scored
	for _, e := range entries {
		if e.Name() == "salt" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		age := now.Sub(info.ModTime()).Seconds()
		files = append(files, scored{
			path:  filepath.Join(r.cfg.CacheDir, e.Name()),
			size:  info.Size(),
			score: cacheScore(float64(info.Size()), age),
		})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].score > files[j].score })

	var total int64
	for _, f := range files {
		if total+f.size > r.cfg.CacheSize {
			if os.Remove(f.path) == nil && r.m != nil {
				r.m.Evictions.Inc()
			}
		} else {
			total += f.size
		}
	}
}
