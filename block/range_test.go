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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeRange_WithinSingleBlock(t *testing.T) {
	r, err := ComputeRange(10, 20, 100, -1)
	require.NoError(t, err)

	assert.True(t, r.HasStart)
	assert.False(t, r.HasMid)
	assert.False(t, r.HasEnd)
	assert.Equal(t, Partial{Idx: 0, Start: 10, End: 30}, *r.Start)
}

func TestComputeRange_AlignedWholeBlocks(t *testing.T) {
	r, err := ComputeRange(100, 300, 100, -1)
	require.NoError(t, err)

	assert.False(t, r.HasStart)
	assert.True(t, r.HasMid)
	assert.False(t, r.HasEnd)
	assert.Equal(t, Mid{Start: 1, End: 4}, *r.Mid)
}

func TestComputeRange_LeadingAndTrailingPartial(t *testing.T) {
	r, err := ComputeRange(50, 200, 100, -1)
	require.NoError(t, err)

	assert.True(t, r.HasStart)
	assert.Equal(t, Partial{Idx: 0, Start: 50, End: 100}, *r.Start)
	assert.True(t, r.HasMid)
	assert.Equal(t, Mid{Start: 1, End: 2}, *r.Mid)
	assert.True(t, r.HasEnd)
	assert.Equal(t, Partial{Idx: 2, Start: 0, End: 50}, *r.End)
}

func TestComputeRange_ZeroLength(t *testing.T) {
	r, err := ComputeRange(10, 0, 100, -1)
	require.NoError(t, err)
	assert.False(t, r.HasStart)
	assert.False(t, r.HasMid)
	assert.False(t, r.HasEnd)
}

func TestComputeRange_EOFTailPromotedToWholeBlock(t *testing.T) {
	// offset+length lands exactly at lastPos, mid-block: the trailing
	// partial is promoted into the whole-block span per the EOF policy.
	r, err := ComputeRange(0, 150, 100, 150)
	require.NoError(t, err)

	assert.False(t, r.HasStart)
	assert.True(t, r.HasMid)
	assert.Equal(t, Mid{Start: 0, End: 2}, *r.Mid)
	assert.False(t, r.HasEnd)
}

func TestComputeRange_LastPosClampsLength(t *testing.T) {
	// Length is clamped to 50; the clamped range then ends exactly at
	// lastPos, so its tail is promoted to one whole block.
	r, err := ComputeRange(0, 1000, 100, 50)
	require.NoError(t, err)

	assert.False(t, r.HasStart)
	assert.True(t, r.HasMid)
	assert.Equal(t, Mid{Start: 0, End: 1}, *r.Mid)
	assert.False(t, r.HasEnd)
}

func TestComputeRange_InvalidBlockSize(t *testing.T) {
	_, err := ComputeRange(0, 10, 0, -1)
	assert.Error(t, err)
}

func TestCeilDiv(t *testing.T) {
	assert.Equal(t, int64(0), CeilDiv(0, 10))
	assert.Equal(t, int64(1), CeilDiv(1, 10))
	assert.Equal(t, int64(1), CeilDiv(10, 10))
	assert.Equal(t, int64(2), CeilDiv(11, 10))
}
