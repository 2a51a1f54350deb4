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
	"sort"

	"github.com/xozfmt/xoz/pkg/xoz/extent"
	"github.com/xozfmt/xoz/pkg/xoz/segment"
	"github.com/xozfmt/xoz/pkg/xoz/xerrors"
)

// InitializeWithNothingAllocated marks the whole managed block array
// (from BeginBlkNr to PastEndBlkNr) as free. Must be called exactly once,
// and only after ManageBlockArray.
func (a *SegmentAllocator) InitializeWithNothingAllocated() error {
	return a.InitializeFromAllocatedExtents(nil)
}

// InitializeFromAllocatedSegments reconstructs allocator state (the one-
// shot recovery path) from the set of segments already known to be
// allocated, e.g. read back from a catalog after reopening a file. Any
// space not covered by one of these segments is considered free.
func (a *SegmentAllocator) InitializeFromAllocatedSegments(segms []*segment.Segment) error {
	if err := a.failIfBlockArrayNotInitialized(); err != nil {
		return err
	}
	if a.allocInitialized {
		return xerrors.ErrAlreadyInitialized
	}

	var allocated []extent.Extent
	for _, segm := range segms {
		allocated = append(allocated, segm.Extents...)

		a.inUseByUserSz += segm.DataSpaceSize(a.blkSz, a.subblkSz)
		a.inUseExtCnt += uint64(segm.ExtentCount())
		a.inUseInlinedSz += uint64(segm.InlineSz)
		a.inUseBlkCnt += uint64(fullBlkCnt(segm))
		a.inUseSubblkCnt += uint64(subblkCnt(segm))

		a.calcExtPerSegmStats(segm, true)
		a.internalFragAvgSz += estimateOnAvgInternalFragSz(segm, a.blkSz, a.subblkSz)
	}

	return a.initializeFromAllocated(allocated)
}

// InitializeFromAllocatedExtents is the single-extent-granularity flavor
// of InitializeFromAllocatedSegments, used when the caller only has a
// flat list of allocated extents rather than whole segments.
func (a *SegmentAllocator) InitializeFromAllocatedExtents(exts []extent.Extent) error {
	if err := a.failIfBlockArrayNotInitialized(); err != nil {
		return err
	}
	if a.allocInitialized {
		return xerrors.ErrAlreadyInitialized
	}

	for _, ext := range exts {
		a.inUseByUserSz += ext.DataSpaceSize(a.blkSz, a.subblkSz)
		a.inUseExtCnt++

		if ext.IsSuballoc() {
			a.inUseSubblkCnt += uint64(popcountExt(ext))
		} else {
			a.inUseBlkCnt += uint64(ext.BlkCnt)
		}

		a.inUseExtPerSegm[1]++
		a.internalFragAvgSz += estimateOnAvgInternalFragSzForExtent(ext, a.blkSz, a.subblkSz)
	}

	allocated := append([]extent.Extent(nil), exts...)
	return a.initializeFromAllocated(allocated)
}

func (a *SegmentAllocator) initializeFromAllocated(allocated []extent.Extent) error {
	if err := a.failIfBlockArrayNotInitialized(); err != nil {
		return err
	}

	sort.Slice(allocated, func(i, j int) bool { return allocated[i].BlkNr < allocated[j].BlkNr })

	suballocBitmapByNr := make(map[uint32]uint16)
	for _, ext := range allocated {
		if !ext.IsSuballoc() {
			continue
		}
		existing := suballocBitmapByNr[ext.BlkNr]
		if existing&ext.Bitmap() != 0 {
			return xerrors.NewExtentOverlap(extent.NewSuballoc(ext.BlkNr, existing), ext, xerrors.ReasonOverlappingBlocks)
		}
		suballocBitmapByNr[ext.BlkNr] |= ext.Bitmap()
	}

	suballocNrs := make([]uint32, 0, len(suballocBitmapByNr))
	for nr := range suballocBitmapByNr {
		suballocNrs = append(suballocNrs, nr)
	}
	sort.Slice(suballocNrs, func(i, j int) bool { return suballocNrs[i] < suballocNrs[j] })

	for _, nr := range suballocNrs {
		allocatedBitmap := suballocBitmapByNr[nr]
		freeBitmap := ^allocatedBitmap

		if freeBitmap != 0 {
			if err := a.subMap.Provide(extent.NewSuballoc(nr, freeBitmap)); err != nil {
				return err
			}
		}

		a.inUseBlkForSuballocCnt++
		a.inUseBlkCnt++

		allocated = append(allocated, extent.NewWhole(nr, 1))
	}

	sort.Slice(allocated, func(i, j int) bool { return allocated[i].BlkNr < allocated[j].BlkNr })

	curNr := a.blkarr.BeginBlkNr()
	prev := extent.NewWhole(0, 0)
	for _, ext := range allocated {
		if ext.IsSuballoc() {
			continue
		}

		if err := a.blkarr.FailIfOutOfBoundaries(ext, "SegmentAllocator initialization"); err != nil {
			return err
		}
		if prev.PastEndBlkNr() > ext.BlkNr && prev.BlkCnt > 0 {
			return xerrors.NewExtentOverlap(prev, ext, xerrors.ReasonOverlappingBlocks)
		}
		prev = ext

		if ext.BlkNr == curNr {
			curNr = ext.PastEndBlkNr()
			continue
		}

		gap := ext.BlkNr - curNr
		if err := a.provideGapToFrMap(curNr, gap); err != nil {
			return err
		}
		curNr = ext.PastEndBlkNr()
	}

	if a.blkarr.PastEndBlkNr() > curNr {
		gap := a.blkarr.PastEndBlkNr() - curNr
		if err := a.provideGapToFrMap(curNr, gap); err != nil {
			return err
		}
	}

	a.allocInitialized = true
	return nil
}

// provideGapToFrMap hands the free range [nr, nr+gap) to the free map,
// splitting into multiple extents if gap exceeds a single extent's
// maximum block count.
func (a *SegmentAllocator) provideGapToFrMap(nr uint32, gap uint32) error {
	for gap > 0 {
		length := gap
		if length > extent.MaxBlkCnt {
			length = extent.MaxBlkCnt
		}
		if err := a.frMap.Provide(extent.NewWhole(nr, uint16(length))); err != nil {
			return err
		}
		gap -= length
		nr += length
	}
	return nil
}

func estimateOnAvgInternalFragSzForExtent(ext extent.Extent, blkSz, subblkSz uint32) uint64 {
	if ext.IsSuballoc() {
		return uint64(subblkSz) / 2
	}
	return uint64(blkSz) / 2
}

// Reset deallocates everything the allocator considers in use and resets
// its stats to zero. The live counters are snapshotted into BeforeReset
// and ResetCnt is incremented before anything is cleared. Implies Release.
func (a *SegmentAllocator) Reset() error {
	if err := a.failIfNotReady(); err != nil {
		return err
	}

	a.statsBeforeReset = a.currentStats()
	a.resetCnt++

	a.frMap.Clear()
	a.subMap.Clear()

	a.inUseByUserSz = 0
	a.inUseBlkCnt = 0
	a.inUseBlkForSuballocCnt = 0
	a.inUseSubblkCnt = 0
	a.inUseExtCnt = 0
	a.inUseInlinedSz = 0
	a.allocCallCnt = 0
	a.deallocCallCnt = 0
	a.internalFragAvgSz = 0
	a.inUseExtPerSegm = [statsExtPerSegmLen]uint64{}

	return a.Release()
}

// Release tries to give back any pending-to-free space: fully-free
// suballoc blocks go back to the free map, and free map chunks at the
// tail shrink the block array.
func (a *SegmentAllocator) Release() error {
	if err := a.failIfNotReady(); err != nil {
		return err
	}
	if err := a.reclaimFreeSpaceFromSubfrMap(); err != nil {
		return err
	}
	a.reclaimFreeSpaceFromFrMap()
	return nil
}
