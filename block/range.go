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

import "github.com/riverfs/riverfs/errs"

// Partial describes a partial block touched by a range: Idx is the block
// index, and [Start, End) is the byte span within that block the range
// covers.
type Partial struct {
	Idx        int64
	Start, End int
}

// Mid describes a half-open range [Start, End) of whole blocks.
type Mid struct {
	Start, End int64
}

// Range is the result of splitting a byte range into block-aligned pieces.
type Range struct {
	Start    *Partial
	Mid      *Mid
	End      *Partial
	HasStart bool
	HasMid   bool
	HasEnd   bool
}

// CeilDiv computes ceil(a/b) for non-negative a and positive b.
func CeilDiv(a, b int64) int64 {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

// ComputeRange maps (offset, length, blockSize, lastPos) to the leading
// partial block, the half-open span of whole blocks, and the trailing
// partial block that the byte range [offset, offset+length) touches.
//
// lastPos, when non-negative, clamps length to the end-of-file position and
// promotes a tail partial block into the whole-block span when the range
// reaches exactly lastPos (so EOF tails are written as whole blocks rather
// than partials). Pass lastPos < 0 to indicate "no EOF known".
func ComputeRange(offset, length int64, blockSize int64, lastPos int64) (Range, error) {
	if blockSize <= 0 {
		return Range{}, errs.Invalid("block.ComputeRange", "", nil)
	}

	if lastPos >= 0 {
		length = maxInt64(minInt64(lastPos-offset, length), 0)
	}

	if length == 0 {
		return Range{}, nil
	}

	startBlock, startPos := divmod(offset, blockSize)
	endBlock, endPos := divmod(offset+length, blockSize)

	if lastPos >= 0 && offset+length == lastPos && endPos > 0 {
		endBlock++
		endPos = 0
	}

	if startBlock == endBlock {
		if startPos == endPos {
			return Range{}, nil
		}
		return Range{
			HasStart: true,
			Start:    &Partial{Idx: startBlock, Start: int(startPos), End: int(endPos)},
		}, nil
	}

	var r Range

	if startPos == 0 {
		r.HasMid = true
		r.Mid = &Mid{Start: startBlock, End: endBlock}
	} else {
		r.HasStart = true
		r.Start = &Partial{Idx: startBlock, Start: int(startPos), End: int(blockSize)}
		if startBlock+1 < endBlock {
			r.HasMid = true
			r.Mid = &Mid{Start: startBlock + 1, End: endBlock}
		}
	}

	if endPos != 0 {
		r.HasEnd = true
		r.End = &Partial{Idx: endBlock, Start: 0, End: int(endPos)}
	}

	return r, nil
}

func divmod(a, b int64) (q, r int64) {
	q = a / b
	r = a % b
	return
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
