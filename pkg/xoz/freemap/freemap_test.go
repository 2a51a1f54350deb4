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
package freemap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xozfmt/xoz/pkg/xoz/extent"
)

func TestDeallocThenAllocExactFit(t *testing.T) {
	m := New(false, 0)
	require.NoError(t, m.Dealloc(extent.NewWhole(10, 5)))

	res, err := m.Alloc(5)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, uint32(10), res.Ext.BlkNr)
	assert.Equal(t, uint16(5), res.Ext.BlkCnt)
	assert.Equal(t, 0, m.Len())
}

func TestAllocSplitsLargerChunk(t *testing.T) {
	m := New(false, 0)
	require.NoError(t, m.Dealloc(extent.NewWhole(10, 10)))

	res, err := m.Alloc(3)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, uint32(10), res.Ext.BlkNr)
	assert.Equal(t, uint16(3), res.Ext.BlkCnt)

	assert.Equal(t, 1, m.Len())
	remaining := m.ExtentsByBlkNr()
	require.Len(t, remaining, 1)
	assert.Equal(t, uint32(13), remaining[0].BlkNr)
	assert.Equal(t, uint16(7), remaining[0].BlkCnt)
}

func TestAllocSkipsSplitBelowThreshold(t *testing.T) {
	// splitAboveThreshold=2: a chunk of 10 satisfying a request for 9
	// would leave a 1-block remainder, at/below threshold, so it's
	// skipped in favor of a chunk big enough to leave >2 blocks behind.
	m := New(false, 2)
	require.NoError(t, m.Dealloc(extent.NewWhole(10, 10)))
	require.NoError(t, m.Dealloc(extent.NewWhole(100, 20)))

	res, err := m.Alloc(9)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, uint32(100), res.Ext.BlkNr)
}

func TestAllocOnEmptyMapFails(t *testing.T) {
	m := New(false, 0)
	res, err := m.Alloc(4)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, uint16(0), res.Ext.BlkCnt)
}

func TestAllocTooLargeReturnsClosestHint(t *testing.T) {
	m := New(false, 0)
	require.NoError(t, m.Dealloc(extent.NewWhole(10, 4)))

	res, err := m.Alloc(100)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, uint16(4), res.Ext.BlkCnt)
}

func TestAllocZeroBlkCntIsError(t *testing.T) {
	m := New(false, 0)
	_, err := m.Alloc(0)
	assert.Error(t, err)
}

func TestDeallocCoalescesAdjacent(t *testing.T) {
	m := New(true, 0)
	require.NoError(t, m.Dealloc(extent.NewWhole(10, 5)))
	require.NoError(t, m.Dealloc(extent.NewWhole(15, 5)))

	assert.Equal(t, 1, m.Len())
	exts := m.ExtentsByBlkNr()
	require.Len(t, exts, 1)
	assert.Equal(t, uint32(10), exts[0].BlkNr)
	assert.Equal(t, uint16(10), exts[0].BlkCnt)
}

func TestDeallocCoalescesBothSides(t *testing.T) {
	m := New(true, 0)
	require.NoError(t, m.Dealloc(extent.NewWhole(0, 5)))
	require.NoError(t, m.Dealloc(extent.NewWhole(10, 5)))
	require.NoError(t, m.Dealloc(extent.NewWhole(5, 5)))

	assert.Equal(t, 1, m.Len())
	exts := m.ExtentsByBlkNr()
	require.Len(t, exts, 1)
	assert.Equal(t, uint32(0), exts[0].BlkNr)
	assert.Equal(t, uint16(15), exts[0].BlkCnt)
}

func TestDeallocWithoutCoalescingKeepsChunksSeparate(t *testing.T) {
	m := New(false, 0)
	require.NoError(t, m.Dealloc(extent.NewWhole(10, 5)))
	require.NoError(t, m.Dealloc(extent.NewWhole(15, 5)))
	assert.Equal(t, 2, m.Len())
}

func TestDeallocOverlapIsError(t *testing.T) {
	m := New(false, 0)
	require.NoError(t, m.Dealloc(extent.NewWhole(10, 5)))
	err := m.Dealloc(extent.NewWhole(12, 5))
	assert.Error(t, err)
}

func TestDeallocSuballocIsError(t *testing.T) {
	m := New(false, 0)
	err := m.Dealloc(extent.NewSuballoc(10, 0xFFFF))
	assert.Error(t, err)
}

func TestReleaseRemovesExactMatch(t *testing.T) {
	m := New(false, 0)
	ext := extent.NewWhole(10, 5)
	require.NoError(t, m.Dealloc(ext))

	require.NoError(t, m.Release([]extent.Extent{ext}))
	assert.Equal(t, 0, m.Len())
}

func TestReleaseMismatchIsError(t *testing.T) {
	m := New(false, 0)
	require.NoError(t, m.Dealloc(extent.NewWhole(10, 5)))
	err := m.Release([]extent.Extent{extent.NewWhole(10, 3)})
	assert.Error(t, err)
}

func TestLastByBlkNr(t *testing.T) {
	m := New(false, 0)
	_, ok := m.LastByBlkNr()
	assert.False(t, ok)

	require.NoError(t, m.Dealloc(extent.NewWhole(10, 5)))
	require.NoError(t, m.Dealloc(extent.NewWhole(100, 5)))

	last, ok := m.LastByBlkNr()
	assert.True(t, ok)
	assert.Equal(t, uint32(100), last.BlkNr)
}

func TestClear(t *testing.T) {
	m := New(false, 0)
	require.NoError(t, m.Dealloc(extent.NewWhole(10, 5)))
	m.Clear()
	assert.Equal(t, 0, m.Len())
}

func TestExtentsByBlkCntOrdering(t *testing.T) {
	m := New(false, 0)
	require.NoError(t, m.Dealloc(extent.NewWhole(10, 5)))
	require.NoError(t, m.Dealloc(extent.NewWhole(50, 2)))
	require.NoError(t, m.Dealloc(extent.NewWhole(90, 8)))

	exts := m.ExtentsByBlkCnt()
	require.Len(t, exts, 3)
	assert.Equal(t, uint16(2), exts[0].BlkCnt)
	assert.Equal(t, uint16(5), exts[1].BlkCnt)
	assert.Equal(t, uint16(8), exts[2].BlkCnt)
}
