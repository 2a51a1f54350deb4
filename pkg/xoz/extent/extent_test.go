// Copyright 2024 The xoz Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package extent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewWholeAndKind(t *testing.T) {
	e := NewWhole(10, 3)
	assert.True(t, e.IsWhole())
	assert.False(t, e.IsSuballoc())
	assert.False(t, e.IsNull())
	assert.Equal(t, uint32(13), e.PastEndBlkNr())
}

func TestNewSuballocAndBitmap(t *testing.T) {
	e := NewSuballoc(5, 0b1010)
	assert.True(t, e.IsSuballoc())
	assert.Equal(t, uint16(0b1010), e.Bitmap())
	assert.Equal(t, uint32(6), e.PastEndBlkNr())
}

func TestIsEmpty(t *testing.T) {
	assert.True(t, NewWhole(1, 0).IsEmpty())
	assert.False(t, NewWhole(1, 1).IsEmpty())
	assert.True(t, NewSuballoc(1, 0).IsEmpty())
	assert.False(t, NewSuballoc(1, 1).IsEmpty())
	assert.True(t, Null().IsEmpty())
}

func TestDataSpaceSize(t *testing.T) {
	assert.Equal(t, uint64(4096), NewWhole(0, 1).DataSpaceSize(4096, 256))
	assert.Equal(t, uint64(512), NewSuballoc(0, 0b11).DataSpaceSize(4096, 256))
}

func TestOverlapsWhole(t *testing.T) {
	a := NewWhole(10, 5)
	assert.True(t, a.Overlaps(NewWhole(12, 5)))
	assert.False(t, a.Overlaps(NewWhole(15, 5)))
	assert.False(t, a.Overlaps(NewWhole(0, 10)))
}

func TestOverlapsSuballoc(t *testing.T) {
	a := NewSuballoc(10, 0b0011)
	assert.True(t, a.Overlaps(NewSuballoc(10, 0b0010)))
	assert.False(t, a.Overlaps(NewSuballoc(10, 0b1100)))
	assert.False(t, a.Overlaps(NewSuballoc(11, 0b0011)))
}

func TestSameBlock(t *testing.T) {
	assert.True(t, NewSuballoc(3, 0b1).SameBlock(NewSuballoc(3, 0b10)))
	assert.False(t, NewSuballoc(3, 0b1).SameBlock(NewSuballoc(4, 0b1)))
	assert.False(t, NewWhole(3, 1).SameBlock(NewSuballoc(3, 0b1)))
}

func TestDistanceInBlksForward(t *testing.T) {
	// ref occupies 1 block starting at 0, target starts at 5: the gap
	// beyond ref's own span is 5-1=4, not the raw 5-block start distance.
	d, err := DistanceInBlks(0, 1, 5, 1)
	assert.NoError(t, err)
	assert.False(t, d.IsBackwards)
	assert.Equal(t, uint16(4), d.BlkCnt)
	assert.True(t, d.IsNear)
}

func TestDistanceInBlksBackward(t *testing.T) {
	// target occupies 1 block starting at 90, ref starts at 100: the gap
	// beyond target's own span is 10-1=9.
	d, err := DistanceInBlks(100, 1, 90, 1)
	assert.NoError(t, err)
	assert.True(t, d.IsBackwards)
	assert.Equal(t, uint16(9), d.BlkCnt)
}

func TestDistanceInBlksNearLimit(t *testing.T) {
	d, err := DistanceInBlks(0, 1, maxNearJump+1, 1)
	assert.NoError(t, err)
	assert.True(t, d.IsNear)

	d, err = DistanceInBlks(0, 1, maxNearJump+2, 1)
	assert.NoError(t, err)
	assert.False(t, d.IsNear)
}

func TestDistanceInBlksSameStartIsError(t *testing.T) {
	_, err := DistanceInBlks(10, 1, 10, 1)
	assert.Error(t, err)
}
