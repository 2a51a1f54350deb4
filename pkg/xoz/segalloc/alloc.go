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
	"fmt"

	"github.com/xozfmt/xoz/pkg/xoz/extent"
	"github.com/xozfmt/xoz/pkg/xoz/segment"
	"github.com/xozfmt/xoz/pkg/xoz/xerrors"
)

// AllocWithReq reserves sz bytes under req: first whole blocks from
// already-free space, then (if still short) by growing the tail, then a
// suballoc extent for the sub-block remainder, then inline bytes for
// whatever is still left over.
func (a *SegmentAllocator) AllocWithReq(sz uint32, req Req) (*segment.Segment, error) {
	if err := a.failIfNotReady(); err != nil {
		return nil, err
	}
	if a.subblkSz == 0 && req.AllowSuballoc {
		return nil, xerrors.ErrBlockArrayNotSet
	}
	if req.SingleExtent {
		if req.AllowSuballoc || req.SegmFragThreshold != 1 || req.MaxInlineSz != 0 {
			return nil, xerrors.NewWouldEndUpInconsistentXOZ("single_extent is incompatible with allow_suballoc/segm_frag_threshold/max_inline_sz")
		}
	}

	segm := segment.New()

	szRemain := sz
	blkCntRemain := szRemain / a.blkSz
	szRemain %= a.blkSz

	var subblkCntRemain uint32
	if req.AllowSuballoc {
		subblkCntRemain = szRemain / a.subblkSz
		szRemain %= a.subblkSz
	}

	inlineSz := szRemain
	szRemain = 0

	if inlineSz > uint32(req.MaxInlineSz) {
		if req.AllowSuballoc {
			subblkCntRemain++
		} else {
			blkCntRemain++
		}
		inlineSz = 0
	}

	if subblkCntRemain == extent.SubblkCntPerBlk {
		blkCntRemain++
		subblkCntRemain = 0
	}

	if req.SingleExtent && blkCntRemain > extent.MaxBlkCnt {
		return nil, xerrors.ErrBlkCntTooLarge
	}

	if blkCntRemain > 0 && !req.SingleExtent {
		blkCntRemain = a.allocateExtents(segm, blkCntRemain, req.SegmFragThreshold, false, false)
	}

	if blkCntRemain > 0 {
		ignoreThreshold := !req.SingleExtent
		blkCntRemain = a.allocateExtents(segm, blkCntRemain, req.SegmFragThreshold, ignoreThreshold, true)
	}

	if blkCntRemain > 0 {
		return nil, xerrors.NewNotEnoughRoom(int(blkCntRemain), 0)
	}

	if subblkCntRemain > 0 {
		subblkCntRemain = uint32(a.allocateSubblkExtent(segm, uint8(subblkCntRemain)))
	}

	if subblkCntRemain > 0 {
		return nil, xerrors.NewNotEnoughRoom(int(subblkCntRemain), 0)
	}

	if inlineSz > 0 {
		segm.SetInline(make([]byte, inlineSz))
	}

	availSz := segm.DataSpaceSize(a.blkSz, a.subblkSz)

	a.inUseByUserSz += availSz
	a.inUseExtCnt += uint64(segm.ExtentCount())
	a.inUseInlinedSz += uint64(segm.InlineSz)
	a.inUseBlkCnt += uint64(fullBlkCnt(segm))
	a.inUseSubblkCnt += uint64(subblkCnt(segm))

	a.calcExtPerSegmStats(segm, true)
	a.internalFragAvgSz += estimateOnAvgInternalFragSz(segm, a.blkSz, a.subblkSz)

	a.allocCallCnt++
	return segm, nil
}

// Dealloc frees every extent of segm back into the appropriate map
// (FreeMap for whole-block extents, SubBlockFreeMap for suballoc ones),
// then tries to reclaim any subblock-for-suballoc blocks that became
// fully free.
func (a *SegmentAllocator) Dealloc(segm *segment.Segment) error {
	if err := a.failIfNotReady(); err != nil {
		return err
	}

	sz := segm.DataSpaceSize(a.blkSz, a.subblkSz)

	var blkCnt, subblkCnt uint64
	for _, ext := range segm.Extents {
		if ext.IsSuballoc() {
			if err := a.subMap.Dealloc(ext); err != nil {
				return err
			}
			subblkCnt += uint64(popcountExt(ext))
		} else {
			if err := a.frMap.Dealloc(ext); err != nil {
				return err
			}
			blkCnt += uint64(ext.BlkCnt)
		}
	}

	a.inUseByUserSz -= sz
	a.inUseBlkCnt -= blkCnt
	a.inUseSubblkCnt -= subblkCnt
	a.inUseExtCnt -= uint64(segm.ExtentCount())
	a.inUseInlinedSz -= uint64(segm.InlineSz)

	a.calcExtPerSegmStats(segm, false)
	a.deallocCallCnt++
	a.internalFragAvgSz -= estimateOnAvgInternalFragSz(segm, a.blkSz, a.subblkSz)

	return a.reclaimFreeSpaceFromSubfrMap()
}

// DeallocSingleExtent is a convenience wrapper for Dealloc of a one-extent
// segment, mirroring AllocSingleExtent.
func (a *SegmentAllocator) DeallocSingleExtent(ext extent.Extent) error {
	if err := a.failIfNotReady(); err != nil {
		return err
	}
	if ext.IsEmpty() {
		return xerrors.ErrZeroBlkCnt
	}
	segm := segment.New()
	segm.AddExtent(ext)
	return a.Dealloc(segm)
}

// allocateExtents tries to satisfy blkCntRemain whole blocks, appending
// extents to segm. If useParent, free space may be manufactured by
// growing the tail; otherwise only existing free chunks are used, and the
// loop stops (without erroring) once the segment fragmentation threshold
// is reached, unless ignoreSegmFragThreshold overrides that.
func (a *SegmentAllocator) allocateExtents(segm *segment.Segment, blkCntRemain uint32, segmFragThreshold uint16, ignoreSegmFragThreshold bool, useParent bool) uint32 {
	currentFrag := 0
	if n := segm.ExtentCount(); n > 1 {
		currentFrag = n - 1
	}
	fragOk := uint16(currentFrag) < segmFragThreshold || ignoreSegmFragThreshold

	blkCntProbe := uint32(0xffff)

	for blkCntRemain > 0 && fragOk {
		if blkCntProbe > blkCntRemain {
			blkCntProbe = blkCntRemain
		}
		if blkCntProbe > extent.MaxBlkCnt {
			blkCntProbe = extent.MaxBlkCnt
		}

		result, err := a.frMap.Alloc(uint16(blkCntProbe))
		if err == nil && result.Success {
			segm.AddExtent(result.Ext)
			currentFrag++
			blkCntRemain -= uint32(result.Ext.BlkCnt)
		} else {
			if useParent {
				if !a.provideMoreSpaceToFrMap(uint16(blkCntProbe)) {
					return blkCntRemain
				}
			} else {
				closest := result.Ext.BlkCnt
				if closest == 0 {
					return blkCntRemain
				}
				blkCntProbe = uint32(closest)
				currentFrag++
			}
		}

		fragOk = uint16(currentFrag) < segmFragThreshold || ignoreSegmFragThreshold
	}

	return blkCntRemain
}

// allocateSubblkExtent tries to satisfy subblkCntRemain subblocks,
// appending at most one suballoc extent to segm (a single block can never
// need more than SubblkCntPerBlk subblocks). Returns the remaining
// (unsatisfied) subblock count, 0 on success.
func (a *SegmentAllocator) allocateSubblkExtent(segm *segment.Segment, subblkCntRemain uint8) uint8 {
	for {
		result, err := a.subMap.Alloc(subblkCntRemain)
		if err == nil && result.Success {
			segm.AddExtent(result.Ext)
			return 0
		}

		if a.provideMoreSpaceToSubfrMap() {
			continue
		}
		if a.provideMoreSpaceToFrMap(1) {
			continue
		}
		return subblkCntRemain
	}
}

// provideMoreSpaceToFrMap asks the tail allocator to grow by blkCnt
// blocks (merging with the free map's own tail-adjacent chunk first, if
// coalescing is enabled, to avoid growing more than necessary) and hands
// the result to the free map.
func (a *SegmentAllocator) provideMoreSpaceToFrMap(blkCnt uint16) bool {
	if a.coalescingEnabled {
		if lastFree, ok := a.frMap.LastByBlkNr(); ok && a.tail.IsAtTheEnd(lastFree) {
			extendable := lastFree.BlkCnt
			if blkCnt <= extendable {
				blkCnt = 0
			} else {
				blkCnt -= extendable
			}
			if blkCnt == 0 {
				blkCnt++
			}
		}
	}

	ext, err := a.tail.Alloc(blkCnt)
	if err != nil {
		return false
	}
	if err := a.frMap.Provide(ext); err != nil {
		return false
	}
	return true
}

// provideMoreSpaceToSubfrMap asks the free map for one whole block and
// hands it to the subblock map as newly-free subblocks.
func (a *SegmentAllocator) provideMoreSpaceToSubfrMap() bool {
	result, err := a.frMap.Alloc(1)
	if err != nil || !result.Success {
		return false
	}
	if err := a.subMap.Provide(result.Ext); err != nil {
		return false
	}
	a.inUseBlkForSuballocCnt += uint64(result.Ext.BlkCnt)
	a.inUseBlkCnt += uint64(result.Ext.BlkCnt)
	return true
}

// reclaimFreeSpaceFromFrMap hands back to the tail allocator every free
// chunk that is (after each previous reclaim) at the tail, shrinking the
// block array as far as possible.
func (a *SegmentAllocator) reclaimFreeSpaceFromFrMap() {
	descending := a.frMap.ExtentsByBlkNr()
	var reclaimed []extent.Extent
	for i := len(descending) - 1; i >= 0; i-- {
		ok, err := a.tail.Dealloc(descending[i])
		if err != nil || !ok {
			break
		}
		reclaimed = append(reclaimed, descending[i])
	}
	_ = a.frMap.Release(reclaimed)
}

// reclaimFreeSpaceFromSubfrMap moves every fully-free suballoc block back
// into the free map as a whole block. A block the subblock map already
// released but the free map then refuses (double-free/overlap) is a
// corrupted-bookkeeping condition, not something to paper over: the error
// is returned so the caller learns its Release()/Reset() did not fully
// succeed instead of the block silently becoming untracked by both maps.
func (a *SegmentAllocator) reclaimFreeSpaceFromSubfrMap() error {
	reclaimed := a.subMap.Release()
	var blkCnt uint64
	for _, ext := range reclaimed {
		whole := extent.NewWhole(ext.BlkNr, 1)
		if err := a.frMap.Dealloc(whole); err != nil {
			a.inUseBlkForSuballocCnt -= blkCnt
			a.inUseBlkCnt -= blkCnt
			return fmt.Errorf("reclaim suballoc block %s into free map: %w", whole, err)
		}
		blkCnt++
	}
	a.inUseBlkForSuballocCnt -= blkCnt
	a.inUseBlkCnt -= blkCnt
	return nil
}

func (a *SegmentAllocator) calcExtPerSegmStats(segm *segment.Segment, isAlloc bool) {
	extCnt := segm.ExtentCount()
	index := extCnt
	if extCnt > 4 {
		switch {
		case extCnt <= 8:
			index = 5
		case extCnt <= 16:
			index = 6
		default:
			index = 7
		}
	}
	if isAlloc {
		a.inUseExtPerSegm[index]++
	} else {
		a.inUseExtPerSegm[index]--
	}
}

func fullBlkCnt(segm *segment.Segment) uint32 {
	var n uint32
	for _, e := range segm.Extents {
		if !e.IsSuballoc() {
			n += uint32(e.BlkCnt)
		}
	}
	return n
}

func subblkCnt(segm *segment.Segment) uint32 {
	var n uint32
	for _, e := range segm.Extents {
		if e.IsSuballoc() {
			n += uint32(popcountExt(e))
		}
	}
	return n
}

func popcountExt(e extent.Extent) int {
	v := e.Bitmap()
	n := 0
	for v != 0 {
		n += int(v & 1)
		v >>= 1
	}
	return n
}

// estimateOnAvgInternalFragSz estimates, on average, the internal
// fragmentation a segment carries: half a subblock if it uses
// suballocation, else half a block if it uses at least one whole block,
// else zero.
func estimateOnAvgInternalFragSz(segm *segment.Segment, blkSz, subblkSz uint32) uint64 {
	usesSuballoc := false
	usesWholeBlk := false
	for _, e := range segm.Extents {
		if e.IsSuballoc() {
			usesSuballoc = true
		} else {
			usesWholeBlk = true
		}
	}
	switch {
	case usesSuballoc:
		return uint64(subblkSz) / 2
	case usesWholeBlk:
		return uint64(blkSz) / 2
	default:
		return 0
	}
}
