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

// Package block implements the block-addressed sparse local cache: a file
// of fixed-size slots (Storage) composed into a virtual cached file
// (CachedFile) that knows its logical size and which prefix of it is
// guaranteed present.
package block

import (
	"bytes"
	"container/heap"
	"encoding/binary"
	"io"

	"github.com/klauspost/compress/flate"

	"github.com/riverfs/riverfs/errs"
)

// DefaultBlockSize is the slot size used unless a Storage is constructed
// with an explicit override.
const DefaultBlockSize = 131072

// Sentinel values stored in the logical->physical block map.
const (
	Unallocated int64 = -1
	Zero        int64 = -2
)

const stateMagic = "BLK2"

// slotFile is the subset of *os.File that Storage needs; real code passes
// an *os.File, tests pass an in-memory stand-in.
type slotFile interface {
	io.ReaderAt
	io.WriterAt
	Truncate(size int64) error
	io.Seeker
	io.Writer
	io.Reader
}

// freeHeap is a min-heap of reclaimed physical slot indices.
type freeHeap []int64

func (h freeHeap) Len() int            { return len(h) }
func (h freeHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h freeHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *freeHeap) Push(x interface{}) { *h = append(*h, x.(int64)) }
func (h *freeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

// Storage is a file of fixed-size slots addressed by a logical block index,
// with free-slot recycling and a compact on-disk representation of its map.
//
// Not safe for concurrent use; callers serialize access (FileInode's
// cache_lock does this for the CachedFile composing a Storage).
type Storage struct {
	f         slotFile
	blockSize int64
	blockMap  []int64
	freeMap   freeHeap
	freeIdx   int64
	zeroBlock []byte
}

// NewStorage creates a Storage backed by f with no blocks yet allocated.
func NewStorage(f slotFile, blockSize int64) *Storage {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	return &Storage{
		f:         f,
		blockSize: blockSize,
		zeroBlock: make([]byte, blockSize),
	}
}

// BlockSize returns the fixed slot size.
func (s *Storage) BlockSize() int64 { return s.blockSize }

// Contains reports whether idx has been allocated (data or Zero), per BS-1.
func (s *Storage) Contains(idx int64) (bool, error) {
	if idx < 0 {
		return false, errs.Invalid("Storage.Contains", "", nil)
	}
	if idx >= int64(len(s.blockMap)) {
		return false, nil
	}
	return s.blockMap[idx] != Unallocated, nil
}

// Get returns the bytes for block idx, or the all-zero block if it was set
// to nil/zero, per BS-1. It is an error to Get an unallocated block.
func (s *Storage) Get(idx int64) ([]byte, error) {
	ok, err := s.Contains(idx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.LocalIO("Storage.Get", "", errBlockNotAllocated)
	}

	slot := s.blockMap[idx]
	switch {
	case slot >= 0:
		buf := make([]byte, s.blockSize)
		n, err := s.f.ReadAt(buf, slot*s.blockSize)
		if err != nil && err != io.EOF {
			return nil, errs.LocalIO("Storage.Get", "", err)
		}
		for i := n; i < len(buf); i++ {
			buf[i] = 0
		}
		return buf, nil
	case slot == Zero:
		out := make([]byte, s.blockSize)
		copy(out, s.zeroBlock)
		return out, nil
	default:
		return nil, errs.LocalIO("Storage.Get", "", errCorruptBlockMap)
	}
}

// Set stores data for block idx, or releases it to the zero-block sentinel
// when data is nil or all-zero (BS-1, BS-2: a released slot is returned to
// the free heap before any other index can reuse it).
func (s *Storage) Set(idx int64, data []byte) error {
	if idx < 0 {
		return errs.Invalid("Storage.Set", "", nil)
	}
	if int64(len(data)) > s.blockSize {
		return errs.Invalid("Storage.Set", "", errBlockTooLarge)
	}

	if idx >= int64(len(s.blockMap)) {
		grown := make([]int64, idx+1)
		for i := range grown {
			grown[i] = Unallocated
		}
		copy(grown, s.blockMap)
		s.blockMap = grown
	}

	if data == nil || isZero(data) {
		if slot := s.blockMap[idx]; slot >= 0 {
			heap.Push(&s.freeMap, slot)
		}
		s.blockMap[idx] = Zero
		return nil
	}

	slot := s.blockMap[idx]
	if slot < 0 {
		slot = s.allocSlot()
		s.blockMap[idx] = slot
	}

	payload := data
	if int64(len(data)) < s.blockSize {
		// Partial blocks are fine at the tail of the backing file, which
		// POSIX zero-pads lazily; anywhere else they must be padded
		// explicitly before the write, or a later read would see garbage
		// from a prior occupant of the slot.
		tailSize, err := s.fileSize()
		if err != nil {
			return err
		}
		if tailSize > slot*s.blockSize+int64(len(data)) {
			padded := make([]byte, s.blockSize)
			copy(padded, data)
			payload = padded
		}
	}

	if _, err := s.f.WriteAt(payload, slot*s.blockSize); err != nil {
		return errs.LocalIO("Storage.Set", "", err)
	}

	return nil
}

func (s *Storage) fileSize() (int64, error) {
	end, err := s.f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, errs.LocalIO("Storage.fileSize", "", err)
	}
	return end, nil
}

func (s *Storage) allocSlot() int64 {
	if len(s.freeMap) > 0 {
		return heap.Pop(&s.freeMap).(int64)
	}
	idx := s.freeIdx
	s.freeIdx++
	return idx
}

// Truncate shrinks the logical block map to num blocks, recomputing the
// free-slot bookkeeping and truncating the backing file to the new slot
// extent (not the logical file size -- that is CachedFile's concern).
func (s *Storage) Truncate(numBlocks int64) error {
	if numBlocks < int64(len(s.blockMap)) {
		s.blockMap = s.blockMap[:numBlocks]
	}

	var endBlock int64
	for _, v := range s.blockMap {
		if v+1 > endBlock {
			endBlock = v + 1
		}
	}

	if err := s.f.Truncate(s.blockSize * endBlock); err != nil {
		return errs.LocalIO("Storage.Truncate", "", err)
	}

	s.freeIdx = endBlock
	filtered := s.freeMap[:0]
	for _, v := range s.freeMap {
		if v < endBlock {
			filtered = append(filtered, v)
		}
	}
	s.freeMap = filtered
	heap.Init(&s.freeMap)

	return nil
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

var errBlockNotAllocated = errLiteral("block not allocated")
var errBlockTooLarge = errLiteral("block data exceeds block size")
var errCorruptBlockMap = errLiteral("corrupted block map entry")

type errLiteral string

func (e errLiteral) Error() string { return string(e) }

// SaveState persists the block map as "BLK2" || block_size:u64 ||
// compressed_len:u64 || DEFLATE(block_map as little-endian i64 array).
func (s *Storage) SaveState(w io.Writer) error {
	if _, err := io.WriteString(w, stateMagic); err != nil {
		return errs.LocalIO("Storage.SaveState", "", err)
	}

	raw := make([]byte, 8*len(s.blockMap))
	for i, v := range s.blockMap {
		binary.LittleEndian.PutUint64(raw[i*8:], uint64(v))
	}

	var compressed bytes.Buffer
	fw, err := flate.NewWriter(&compressed, flate.BestCompression)
	if err != nil {
		return errs.LocalIO("Storage.SaveState", "", err)
	}
	if _, err := fw.Write(raw); err != nil {
		return errs.LocalIO("Storage.SaveState", "", err)
	}
	if err := fw.Close(); err != nil {
		return errs.LocalIO("Storage.SaveState", "", err)
	}

	var hdr [16]byte
	binary.LittleEndian.PutUint64(hdr[0:8], uint64(s.blockSize))
	binary.LittleEndian.PutUint64(hdr[8:16], uint64(compressed.Len()))
	if _, err := w.Write(hdr[:]); err != nil {
		return errs.LocalIO("Storage.SaveState", "", err)
	}
	if _, err := w.Write(compressed.Bytes()); err != nil {
		return errs.LocalIO("Storage.SaveState", "", err)
	}

	return nil
}

// RestoreState reconstructs a Storage backed by f from a state blob
// previously written by SaveState, recomputing the free-slot heap from the
// restored map (BS-3: SaveState ∘ RestoreState is the identity on the
// triple (block_map, block_size, referenced slot contents)).
func RestoreState(f slotFile, r io.Reader) (*Storage, error) {
	magic := make([]byte, 4)
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, errs.LocalIO("RestoreState", "", err)
	}
	if string(magic) != stateMagic {
		return nil, errs.LocalIO("RestoreState", "", errLiteral("invalid block storage state file"))
	}

	var hdr [16]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, errs.LocalIO("RestoreState", "", err)
	}
	blockSize := int64(binary.LittleEndian.Uint64(hdr[0:8]))
	compressedLen := int64(binary.LittleEndian.Uint64(hdr[8:16]))

	compressed := make([]byte, compressedLen)
	if _, err := io.ReadFull(r, compressed); err != nil {
		return nil, errs.LocalIO("RestoreState", "", err)
	}

	fr := flate.NewReader(bytes.NewReader(compressed))
	defer fr.Close()
	raw, err := io.ReadAll(fr)
	if err != nil {
		return nil, errs.LocalIO("RestoreState", "", errLiteral("invalid block map data"))
	}

	blockMap := make([]int64, len(raw)/8)
	for i := range blockMap {
		blockMap[i] = int64(binary.LittleEndian.Uint64(raw[i*8:]))
	}

	s := &Storage{
		f:         f,
		blockSize: blockSize,
		blockMap:  blockMap,
		zeroBlock: make([]byte, blockSize),
	}
	s.reconstructFreeMap()
	return s, nil
}

func (s *Storage) reconstructFreeMap() {
	var maxBlock int64 = -1
	for _, v := range s.blockMap {
		if v > maxBlock {
			maxBlock = v
		}
	}

	if maxBlock < 0 {
		s.freeIdx = 0
		s.freeMap = nil
		return
	}

	used := make([]bool, maxBlock+1)
	for _, v := range s.blockMap {
		if v >= 0 {
			used[v] = true
		}
	}

	var free freeHeap
	for i, u := range used {
		if !u {
			free = append(free, int64(i))
		}
	}
	heap.Init(&free)

	s.freeMap = free
	s.freeIdx = maxBlock + 1
}
