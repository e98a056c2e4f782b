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

package block

import (
	"encoding/binary"
	"io"

	"github.com/riverfs/riverfs/errs"
)

// CachedFile is a virtual file backed by a Storage that knows its logical
// size and the watermark below which every block is guaranteed present.
// It is fully synchronous: pre_read/pre_write tell the caller what must be
// fetched from the remote and fed back via ReceiveCachedData before
// Read/Write may proceed. Not safe for concurrent use.
type CachedFile struct {
	storage           *Storage
	size              int64
	cacheSize         int64
	firstUncachedBlock int64
}

// NewCachedFile wraps storage as a CachedFile whose authoritative remote
// region is [0, initialCacheSize).
func NewCachedFile(storage *Storage, initialCacheSize int64) *CachedFile {
	return &CachedFile{
		storage:   storage,
		size:      initialCacheSize,
		cacheSize: initialCacheSize,
	}
}

// Size returns the logical file size, which may exceed what is cached.
func (c *CachedFile) Size() int64 { return c.size }

// CacheSize returns the size within which the remote source is considered
// authoritative.
func (c *CachedFile) CacheSize() int64 { return c.cacheSize }

// FirstUncachedBlock returns the watermark below which every block index is
// guaranteed present (data or Zero).
func (c *CachedFile) FirstUncachedBlock() int64 { return c.firstUncachedBlock }

func (c *CachedFile) blockSize() int64 { return c.storage.BlockSize() }

// padFile extends the logical size to newSize, writing Zero sentinels for
// any intermediate blocks that come fully into existence.
func (c *CachedFile) padFile(newSize int64) error {
	if newSize <= c.size {
		return nil
	}

	r, err := ComputeRange(c.size, newSize-c.size, c.blockSize(), -1)
	if err != nil {
		return err
	}

	if r.HasStart && r.Start.Start == 0 {
		if err := c.storage.Set(r.Start.Idx, nil); err != nil {
			return err
		}
	}
	if r.HasMid {
		for idx := r.Mid.Start; idx < r.Mid.End; idx++ {
			if err := c.storage.Set(idx, nil); err != nil {
				return err
			}
		}
	}
	if r.HasEnd {
		if err := c.storage.Set(r.End.Idx, nil); err != nil {
			return err
		}
	}

	c.size = newSize
	return nil
}

// ReceiveCachedData commits every whole block that falls entirely inside
// [offset, offset+len(concat(chunks))) to storage, provided the slot is
// still absent (never overwriting cached edits), advances the uncached
// watermark when the received span reaches it, and returns any trailing
// bytes that did not complete a block so the caller can prepend them to the
// next read from the remote.
func (c *CachedFile) ReceiveCachedData(offset int64, chunks [][]byte) (newOffset int64, remainder [][]byte, err error) {
	dataSize := int64(0)
	for _, ch := range chunks {
		dataSize += int64(len(ch))
	}

	r, rerr := ComputeRange(offset, dataSize, c.blockSize(), c.cacheSize)
	if rerr != nil {
		return offset, chunks, rerr
	}

	if !r.HasMid {
		return offset, chunks, nil
	}

	data := concat(chunks, dataSize)

	var i int64
	if r.HasStart {
		i = c.blockSize() - int64(r.Start.Start)
	}

	bs := c.blockSize()
	for j := r.Mid.Start; j < r.Mid.End; j++ {
		has, cerr := c.storage.Contains(j)
		if cerr != nil {
			return offset, chunks, cerr
		}
		if !has {
			end := i + bs
			if end > int64(len(data)) {
				end = int64(len(data))
			}
			if serr := c.storage.Set(j, data[i:end]); serr != nil {
				return offset, chunks, serr
			}
		}
		remaining := dataSize - i
		step := bs
		if remaining < step {
			step = remaining
		}
		i += step
	}

	if r.Mid.Start <= c.firstUncachedBlock {
		if r.Mid.End > c.firstUncachedBlock {
			c.firstUncachedBlock = r.Mid.End
		}
	}

	if i < int64(len(data)) {
		remainder = [][]byte{data[i:]}
	}
	newOffset = offset + i

	return newOffset, remainder, nil
}

func concat(chunks [][]byte, total int64) []byte {
	out := make([]byte, 0, total)
	for _, ch := range chunks {
		out = append(out, ch...)
	}
	return out
}

// Truncate shrinks or grows the logical size, shrinking the backing storage
// map on a shrink and padding with Zero sentinels on a grow. CacheSize is
// capped to the new size.
func (c *CachedFile) Truncate(size int64) error {
	if size < c.size {
		bs := c.blockSize()
		if err := c.storage.Truncate(CeilDiv(size, bs)); err != nil {
			return err
		}
		// The last surviving block may still hold bytes past the new
		// logical size; zero them so a later grow doesn't resurrect stale
		// data instead of a hole.
		if rem := size % bs; rem != 0 {
			idx := size / bs
			has, err := c.storage.Contains(idx)
			if err != nil {
				return err
			}
			if has {
				blk, err := c.storage.Get(idx)
				if err != nil {
					return err
				}
				for i := int(rem); i < len(blk); i++ {
					blk[i] = 0
				}
				if err := c.storage.Set(idx, blk); err != nil {
					return err
				}
			}
		}
		c.size = size
	} else if size > c.size {
		if err := c.padFile(size); err != nil {
			return err
		}
	}

	if c.cacheSize > size {
		c.cacheSize = size
	}

	return nil
}

// Write stores data at offset, padding the logical size first if the write
// starts past the current end. The caller must have already satisfied any
// PreWrite fetch for this range -- partial edge blocks are read back from
// storage and assumed valid; an edge block that is not present in storage
// makes Write return an error.
func (c *CachedFile) Write(offset int64, data []byte) error {
	if offset > c.size {
		if err := c.padFile(offset); err != nil {
			return err
		}
	}

	if len(data) == 0 {
		return nil
	}

	r, err := ComputeRange(offset, int64(len(data)), c.blockSize(), -1)
	if err != nil {
		return err
	}

	if err := c.padFile(offset + int64(len(data))); err != nil {
		return err
	}

	var i int64

	if r.HasStart {
		block, gerr := c.storage.Get(r.Start.Idx)
		if gerr != nil {
			return gerr
		}
		n := int64(r.Start.End - r.Start.Start)
		merged := make([]byte, len(block))
		copy(merged, block)
		copy(merged[r.Start.Start:], data[:n])
		if serr := c.storage.Set(r.Start.Idx, merged); serr != nil {
			return serr
		}
		i = n
	}

	if r.HasMid {
		for idx := r.Mid.Start; idx < r.Mid.End; idx++ {
			if serr := c.storage.Set(idx, data[i:i+c.blockSize()]); serr != nil {
				return serr
			}
			i += c.blockSize()
		}
	}

	if r.HasEnd {
		block, gerr := c.storage.Get(r.End.Idx)
		if gerr != nil {
			return gerr
		}
		merged := make([]byte, len(block))
		tail := data[i:]
		copy(merged, tail)
		copy(merged[len(tail):], block[r.End.End:])
		if serr := c.storage.Set(r.End.Idx, merged); serr != nil {
			return serr
		}
	}

	return nil
}

// Read returns a copy of [offset, offset+length) clamped to Size, assuming
// all required blocks are present per a prior PreRead. A read that extends
// past Size returns fewer bytes than requested; one starting at or past
// Size returns none.
func (c *CachedFile) Read(offset, length int64) ([]byte, error) {
	length = maxInt64(0, minInt64(c.size-offset, length))
	if length == 0 {
		return nil, nil
	}

	r, err := ComputeRange(offset, length, c.blockSize(), -1)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, length)

	if r.HasStart {
		block, gerr := c.storage.Get(r.Start.Idx)
		if gerr != nil {
			return nil, gerr
		}
		out = append(out, block[r.Start.Start:r.Start.End]...)
	}

	if r.HasMid {
		for idx := r.Mid.Start; idx < r.Mid.End; idx++ {
			block, gerr := c.storage.Get(idx)
			if gerr != nil {
				return nil, gerr
			}
			out = append(out, block...)
		}
	}

	if r.HasEnd {
		block, gerr := c.storage.Get(r.End.Idx)
		if gerr != nil {
			return nil, gerr
		}
		out = append(out, block[:r.End.End]...)
	}

	return out, nil
}

// FetchRange describes a contiguous byte range that must be fetched from
// the remote and fed to ReceiveCachedData before an operation can proceed.
type FetchRange struct {
	Offset, Length int64
}

// PreRead returns the first contiguous gap the caller must fetch from the
// remote before Read(offset, length) can be satisfied, or ok=false if
// nothing is missing.
func (c *CachedFile) PreRead(offset, length int64) (fr FetchRange, ok bool, err error) {
	bs := c.blockSize()
	cacheEnd := CeilDiv(c.cacheSize, bs) * bs
	length = maxInt64(0, minInt64(length, cacheEnd-offset))
	if length == 0 {
		return FetchRange{}, false, nil
	}

	startBlock := offset / bs
	endBlock := CeilDiv(offset+length, bs)

	j := maxInt64(startBlock, c.firstUncachedBlock)
	for j < endBlock {
		has, cerr := c.storage.Contains(j)
		if cerr != nil {
			return FetchRange{}, false, cerr
		}
		if !has {
			break
		}
		j++
	}
	if j >= endBlock {
		return FetchRange{}, false, nil
	}

	end := endBlock
	for k := j + 1; k < endBlock; k++ {
		has, cerr := c.storage.Contains(k)
		if cerr != nil {
			return FetchRange{}, false, cerr
		}
		if has {
			end = k
			break
		}
	}

	if j >= end {
		return FetchRange{}, false, nil
	}

	startPos := j * bs
	endPos := end * bs
	if startPos < c.cacheSize {
		return FetchRange{Offset: startPos, Length: minInt64(endPos, c.cacheSize) - startPos}, true, nil
	}

	return FetchRange{}, false, nil
}

// PreWrite returns the first partial edge block of [offset, offset+length)
// that must be fetched from the remote before Write can overwrite it in
// place, or ok=false if no fetch is required.
func (c *CachedFile) PreWrite(offset, length int64) (fr FetchRange, ok bool, err error) {
	r, rerr := ComputeRange(offset, length, c.blockSize(), -1)
	if rerr != nil {
		return FetchRange{}, false, rerr
	}

	for _, p := range []*Partial{r.Start, r.End} {
		if p == nil {
			continue
		}
		if p.Idx < c.firstUncachedBlock {
			continue
		}
		has, cerr := c.storage.Contains(p.Idx)
		if cerr != nil {
			return FetchRange{}, false, cerr
		}
		if has {
			continue
		}
		startPos := p.Idx * c.blockSize()
		endPos := (p.Idx + 1) * c.blockSize()
		if startPos < c.cacheSize {
			return FetchRange{Offset: startPos, Length: minInt64(c.cacheSize, endPos) - startPos}, true, nil
		}
	}

	return FetchRange{}, false, nil
}

// SaveState persists the composed Storage followed by size, cache_size and
// first_uncached_block as little-endian u64s.
func (c *CachedFile) SaveState(w io.Writer) error {
	if err := c.storage.SaveState(w); err != nil {
		return err
	}
	var tail [24]byte
	binary.LittleEndian.PutUint64(tail[0:8], uint64(c.size))
	binary.LittleEndian.PutUint64(tail[8:16], uint64(c.cacheSize))
	binary.LittleEndian.PutUint64(tail[16:24], uint64(c.firstUncachedBlock))
	if _, err := w.Write(tail[:]); err != nil {
		return errs.LocalIO("CachedFile.SaveState", "", err)
	}
	return nil
}

// RestoreCachedFile reconstructs a CachedFile backed by f from a state blob
// previously written by SaveState.
func RestoreCachedFile(f slotFile, r io.Reader) (*CachedFile, error) {
	storage, err := RestoreState(f, r)
	if err != nil {
		return nil, err
	}

	var tail [24]byte
	if _, err := io.ReadFull(r, tail[:]); err != nil {
		return nil, errs.LocalIO("RestoreCachedFile", "", err)
	}

	return &CachedFile{
		storage:            storage,
		size:               int64(binary.LittleEndian.Uint64(tail[0:8])),
		cacheSize:          int64(binary.LittleEndian.Uint64(tail[8:16])),
		firstUncachedBlock: int64(binary.LittleEndian.Uint64(tail[16:24])),
	}, nil
}
