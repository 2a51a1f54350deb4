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
package segalloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xozfmt/xoz/pkg/xoz/blockarray"
	"github.com/xozfmt/xoz/pkg/xoz/extent"
)

func newReadyAllocator(t *testing.T) (*SegmentAllocator, *blockarray.Mem) {
	t.Helper()
	arr := blockarray.NewMem(512, 1)
	a := New(true, 0, DefaultReq)
	require.NoError(t, a.ManageBlockArray(arr))
	require.NoError(t, a.InitializeWithNothingAllocated())
	return a, arr
}

func TestAllocBeforeInitializeIsError(t *testing.T) {
	arr := blockarray.NewMem(512, 1)
	a := New(true, 0, DefaultReq)
	require.NoError(t, a.ManageBlockArray(arr))

	_, err := a.Alloc(10)
	assert.Error(t, err)
}

func TestAllocGrowsTailWhenFreeMapEmpty(t *testing.T) {
	a, arr := newReadyAllocator(t)

	segm, err := a.Alloc(1024)
	require.NoError(t, err)
	assert.Equal(t, uint64(1024), segm.DataSpaceSize(a.blkSz, a.subblkSz))
	assert.True(t, arr.BlkCnt() >= 2)
}

func TestAllocDeallocRoundtripReclaimsTail(t *testing.T) {
	a, arr := newReadyAllocator(t)

	segm, err := a.Alloc(2048)
	require.NoError(t, err)
	grownTo := arr.BlkCnt()
	assert.True(t, grownTo >= 4)

	require.NoError(t, a.Dealloc(segm))
	assert.Equal(t, grownTo, arr.BlkCnt(), "dealloc alone only frees into the free map, not the tail")

	require.NoError(t, a.Release())
	assert.Equal(t, uint32(0), arr.BlkCnt())
}

func TestAllocSingleExtent(t *testing.T) {
	a, _ := newReadyAllocator(t)

	ext, err := a.AllocSingleExtent(1536)
	require.NoError(t, err)
	assert.True(t, ext.IsWhole())
	assert.Equal(t, uint16(3), ext.BlkCnt)
}

func TestAllocSingleExtentZeroSzIsError(t *testing.T) {
	a, _ := newReadyAllocator(t)
	_, err := a.AllocSingleExtent(0)
	assert.Error(t, err)
}

func TestAllocUsesInlineForSmallTrailingBytes(t *testing.T) {
	a, _ := newReadyAllocator(t)

	segm, err := a.Alloc(4)
	require.NoError(t, err)
	assert.Equal(t, uint8(4), segm.InlineSz)
	assert.Equal(t, 0, segm.ExtentCount())
}

func TestGuardBlocksAllocDealloc(t *testing.T) {
	a, _ := newReadyAllocator(t)

	unblock := a.Guard()
	_, err := a.Alloc(10)
	assert.Error(t, err)
	unblock()

	_, err = a.Alloc(10)
	assert.NoError(t, err)
}

func TestUnblockWithoutBlockIsError(t *testing.T) {
	a, _ := newReadyAllocator(t)
	err := a.UnblockAllAllocDealloc()
	assert.Error(t, err)
}

func TestStatsAfterAlloc(t *testing.T) {
	a, _ := newReadyAllocator(t)

	_, err := a.Alloc(1024)
	require.NoError(t, err)

	st, err := a.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint64(1024), st.Current.InUseByUserSz)
	assert.Equal(t, uint64(1), st.Current.AllocCallCnt)
	assert.Equal(t, uint64(1), st.Current.InUseSegmentCnt)
	assert.Equal(t, uint64(0), st.ResetCnt)
}

func TestResetDropsBookkeeping(t *testing.T) {
	a, _ := newReadyAllocator(t)

	_, err := a.Alloc(1024)
	require.NoError(t, err)

	require.NoError(t, a.Reset())

	st, err := a.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), st.Current.InUseByUserSz)
	assert.Equal(t, uint64(0), st.Current.AllocCallCnt)
	assert.Equal(t, uint64(1024), st.BeforeReset.InUseByUserSz)
	assert.Equal(t, uint64(1), st.BeforeReset.AllocCallCnt)
	assert.Equal(t, uint64(1), st.ResetCnt)
}

func TestResetCntIncrementsEachCall(t *testing.T) {
	a, _ := newReadyAllocator(t)

	require.NoError(t, a.Reset())
	require.NoError(t, a.Reset())
	require.NoError(t, a.Reset())

	st, err := a.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), st.ResetCnt)
}

func TestInitializeFromAllocatedExtentsLeavesGapsFree(t *testing.T) {
	arr := blockarray.NewMem(512, 1)
	_, err := arr.GrowByBlocks(20)
	require.NoError(t, err)

	a := New(true, 0, DefaultReq)
	require.NoError(t, a.ManageBlockArray(arr))

	allocated := []extent.Extent{extent.NewWhole(1, 5), extent.NewWhole(10, 5)}
	require.NoError(t, a.InitializeFromAllocatedExtents(allocated))

	res, err := a.frMap.Alloc(4)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, uint32(6), res.Ext.BlkNr)
}

func TestInitializeFromAllocatedExtentsRejectsOverlap(t *testing.T) {
	arr := blockarray.NewMem(512, 1)
	_, err := arr.GrowByBlocks(20)
	require.NoError(t, err)

	a := New(true, 0, DefaultReq)
	require.NoError(t, a.ManageBlockArray(arr))

	allocated := []extent.Extent{extent.NewWhole(1, 5), extent.NewWhole(3, 5)}
	assert.Error(t, a.InitializeFromAllocatedExtents(allocated))
}

func TestInitializeFromAllocatedExtentsHandlesSuballoc(t *testing.T) {
	arr := blockarray.NewMem(512, 1)
	_, err := arr.GrowByBlocks(5)
	require.NoError(t, err)

	a := New(true, 0, DefaultReq)
	require.NoError(t, a.ManageBlockArray(arr))

	allocated := []extent.Extent{extent.NewSuballoc(2, 0b1111)}
	require.NoError(t, a.InitializeFromAllocatedExtents(allocated))

	res, err := a.subMap.Alloc(4)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, uint32(2), res.Ext.BlkNr)
}
