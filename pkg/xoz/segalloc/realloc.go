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

	"github.com/xozfmt/xoz/golibs/errors"
	"github.com/xozfmt/xoz/pkg/xoz/extent"
	"github.com/xozfmt/xoz/pkg/xoz/segment"
	"github.com/xozfmt/xoz/pkg/xoz/xerrors"
)

// Realloc resizes segm in place to newSz bytes, using the allocator's
// default requirements when it needs to grow.
func (a *SegmentAllocator) Realloc(segm *segment.Segment, newSz uint32) error {
	return a.ReallocWithReq(segm, newSz, a.defaultReq)
}

// ReallocWithReq resizes segm in place to newSz bytes: growing appends new
// extents (and possibly inline data) after the existing ones, shrinking
// releases extents (and inline data) from the tail. In both cases the
// prefix of segm's data up to min(old size, new size) is left untouched;
// a shrink never moves surviving bytes around, and a grow never moves
// anything but the previous inline tail (which must always be the last
// thing in the segment, so growing past it folds it into block/subblock
// storage and appends a fresh, possibly-empty inline tail after it).
//
// Realloc never consolidates or compacts a segment: like Alloc, it may
// leave the segment more fragmented than strictly necessary rather than
// rewrite existing extents, trading some internal/external fragmentation
// for fewer block copies.
func (a *SegmentAllocator) ReallocWithReq(segm *segment.Segment, newSz uint32, req Req) error {
	if err := a.failIfNotReady(); err != nil {
		return err
	}
	if segm == nil {
		return fmt.Errorf("realloc requires a non-nil segment: %w", errors.ErrInvalid)
	}

	oldSz := segm.DataSpaceSize(a.blkSz, a.subblkSz)
	oldExtCnt := uint64(segm.ExtentCount())
	oldBlkCnt := uint64(fullBlkCnt(segm))
	oldSubblkCnt := uint64(subblkCnt(segm))
	oldInlineSz := uint64(segm.InlineSz)
	oldFragSz := estimateOnAvgInternalFragSz(segm, a.blkSz, a.subblkSz)

	a.calcExtPerSegmStats(segm, false)

	var opErr error
	switch {
	case uint64(newSz) > oldSz:
		opErr = a.growSegment(segm, newSz-uint32(oldSz), req)
	case uint64(newSz) < oldSz:
		opErr = a.shrinkSegment(segm, uint32(oldSz)-newSz)
	}

	a.calcExtPerSegmStats(segm, true)

	newSzActual := segm.DataSpaceSize(a.blkSz, a.subblkSz)
	newExtCnt := uint64(segm.ExtentCount())
	newBlkCnt := uint64(fullBlkCnt(segm))
	newSubblkCnt := uint64(subblkCnt(segm))
	newInlineSz := uint64(segm.InlineSz)
	newFragSz := estimateOnAvgInternalFragSz(segm, a.blkSz, a.subblkSz)

	a.inUseByUserSz += newSzActual
	a.inUseByUserSz -= oldSz
	a.inUseExtCnt += newExtCnt
	a.inUseExtCnt -= oldExtCnt
	a.inUseBlkCnt += newBlkCnt
	a.inUseBlkCnt -= oldBlkCnt
	a.inUseSubblkCnt += newSubblkCnt
	a.inUseSubblkCnt -= oldSubblkCnt
	a.inUseInlinedSz += newInlineSz
	a.inUseInlinedSz -= oldInlineSz
	a.internalFragAvgSz += newFragSz
	a.internalFragAvgSz -= oldFragSz

	return opErr
}

// growSegment appends addSz bytes worth of capacity to segm: whole blocks
// first, then a suballoc extent for the subblock remainder, then an
// inline tail for whatever is left, mirroring AllocWithReq's own
// carve-up. Any pre-existing inline tail cannot stay in the middle of the
// segment, so it is folded into the bytes being placed and reappears,
// untouched, as the prefix of whatever newly allocated space replaces it.
func (a *SegmentAllocator) growSegment(segm *segment.Segment, addSz uint32, req Req) error {
	oldInline := segm.Inline
	oldInlineSz := uint32(segm.InlineSz)
	if segm.InlinePresent {
		segm.InlinePresent = false
		segm.InlineSz = 0
		segm.Inline = nil
	}

	szRemain := addSz + oldInlineSz
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

	prevExtCnt := len(segm.Extents)

	if blkCntRemain > 0 && !req.SingleExtent {
		blkCntRemain = a.allocateExtents(segm, blkCntRemain, req.SegmFragThreshold, false, false)
	}
	if blkCntRemain > 0 {
		ignoreThreshold := !req.SingleExtent
		blkCntRemain = a.allocateExtents(segm, blkCntRemain, req.SegmFragThreshold, ignoreThreshold, true)
	}
	if blkCntRemain > 0 {
		return fmt.Errorf("grow by %d bytes: %w", addSz, xerrors.NewNotEnoughRoom(int(blkCntRemain), 0))
	}

	if subblkCntRemain > 0 {
		subblkCntRemain = uint32(a.allocateSubblkExtent(segm, uint8(subblkCntRemain)))
	}
	if subblkCntRemain > 0 {
		return fmt.Errorf("grow by %d bytes: %w", addSz, xerrors.NewNotEnoughRoom(int(subblkCntRemain), 0))
	}

	if inlineSz > 0 {
		segm.SetInline(make([]byte, inlineSz))
	}

	if oldInlineSz > 0 {
		if err := a.writeIntoNewCapacity(segm, prevExtCnt, oldInline); err != nil {
			return err
		}
	}

	return nil
}

// writeIntoNewCapacity places data (the segment's former inline tail) at
// the very start of the capacity appended by growSegment, preserving it as
// the prefix of that new space: the extents segm.Extents[fromExtIdx:] in
// order, then the new inline tail. growSegment sizes that capacity to hold
// at least len(data) bytes.
func (a *SegmentAllocator) writeIntoNewCapacity(segm *segment.Segment, fromExtIdx int, data []byte) error {
	n := 0
	for _, ext := range segm.Extents[fromExtIdx:] {
		w, err := a.blkarr.WriteExtent(ext, data[n:], len(data)-n, 0)
		if err != nil {
			return fmt.Errorf("preserve %d inline bytes into %s: %w", len(data), ext, err)
		}
		n += w
	}
	n += copy(segm.Inline, data[n:])
	if n != len(data) {
		return fmt.Errorf("preserve %d inline bytes: only %d written", len(data), n)
	}
	return nil
}

// shrinkSegment releases shrinkSz bytes from the tail of segm: the inline
// tail first, then whole extents back-to-front, splitting the last
// surviving extent if shrinkSz ends partway through it.
func (a *SegmentAllocator) shrinkSegment(segm *segment.Segment, shrinkSz uint32) error {
	remain := shrinkSz

	if segm.InlinePresent && segm.InlineSz > 0 {
		switch {
		case uint32(segm.InlineSz) <= remain:
			remain -= uint32(segm.InlineSz)
			segm.InlinePresent = false
			segm.InlineSz = 0
			segm.Inline = nil
		default:
			keep := uint32(segm.InlineSz) - remain
			segm.Inline = segm.Inline[:keep]
			segm.InlineSz = uint8(keep)
			remain = 0
		}
	}

	for remain > 0 && len(segm.Extents) > 0 {
		last := segm.Extents[len(segm.Extents)-1]

		if last.IsSuballoc() {
			cnt := uint32(popcountExt(last))
			capacity := cnt * a.subblkSz
			if capacity <= remain {
				if err := a.subMap.Dealloc(last); err != nil {
					return err
				}
				segm.Extents = segm.Extents[:len(segm.Extents)-1]
				remain -= capacity
				continue
			}

			toRelease := remain / a.subblkSz
			if toRelease == 0 {
				remain = 0
				break
			}
			bitmap := last.Bitmap()
			var released uint16
			for i := extent.SubblkCntPerBlk - 1; i >= 0 && toRelease > 0; i-- {
				bit := uint16(1) << uint(i)
				if bitmap&bit != 0 {
					released |= bit
					toRelease--
				}
			}
			if err := a.subMap.Dealloc(extent.NewSuballoc(last.BlkNr, released)); err != nil {
				return err
			}
			segm.Extents[len(segm.Extents)-1] = extent.NewSuballoc(last.BlkNr, bitmap&^released)
			remain -= uint32(popcountExt(extent.NewSuballoc(last.BlkNr, released))) * a.subblkSz
			continue
		}

		capacity := uint32(last.BlkCnt) * a.blkSz
		if capacity <= remain {
			if err := a.frMap.Dealloc(last); err != nil {
				return err
			}
			segm.Extents = segm.Extents[:len(segm.Extents)-1]
			remain -= capacity
			continue
		}

		blksToRelease := remain / a.blkSz
		if blksToRelease == 0 {
			break
		}
		newBlkCnt := last.BlkCnt - uint16(blksToRelease)
		freed := extent.NewWhole(last.BlkNr+uint32(newBlkCnt), uint16(blksToRelease))
		if err := a.frMap.Dealloc(freed); err != nil {
			return err
		}
		segm.Extents[len(segm.Extents)-1] = extent.NewWhole(last.BlkNr, newBlkCnt)
		remain -= blksToRelease * a.blkSz
	}

	return a.reclaimFreeSpaceFromSubfrMap()
}
