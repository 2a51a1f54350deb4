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

// Package tailalloc implements TailAllocator (spec §2): the simplest of
// the three collaborators, it only ever grows the block array's
// high-water mark on alloc and only ever shrinks it back on dealloc of
// the extent currently at the tail.
package tailalloc

import (
	"github.com/xozfmt/xoz/pkg/xoz/blockarray"
	"github.com/xozfmt/xoz/pkg/xoz/extent"
	"github.com/xozfmt/xoz/pkg/xoz/xerrors"
)

// TailAllocator grows and shrinks a BlockArray's tail, handing out
// whole-block extents at ever-increasing block numbers.
type TailAllocator struct {
	arr blockarray.BlockArray
}

// New returns a TailAllocator operating on arr.
func New(arr blockarray.BlockArray) *TailAllocator {
	return &TailAllocator{arr: arr}
}

// Alloc grows the array by blkCnt blocks and returns the resulting whole-
// block extent. blkCnt must be > 0.
func (a *TailAllocator) Alloc(blkCnt uint16) (extent.Extent, error) {
	if blkCnt == 0 {
		return extent.Extent{}, xerrors.ErrZeroBlkCnt
	}
	blkNr, err := a.arr.GrowByBlocks(blkCnt)
	if err != nil {
		return extent.Extent{}, err
	}
	return extent.NewWhole(blkNr, blkCnt), nil
}

// Dealloc releases ext back to the array only if ext sits exactly at the
// array's current tail; otherwise it does nothing and reports false. This
// is not an error: callers (SegmentAllocator) fall back to recording the
// extent in the FreeMap instead. A suballoc extent, or one with a zero
// block count, is a programmer mistake and returns an error.
func (a *TailAllocator) Dealloc(ext extent.Extent) (bool, error) {
	if ext.IsSuballoc() {
		return false, xerrors.ErrSuballocViaWholeBlock
	}
	if ext.BlkCnt == 0 {
		return false, xerrors.ErrZeroBlkCnt
	}
	if err := a.arr.FailIfOutOfBoundaries(ext, "TailAllocator.Dealloc"); err != nil {
		return false, err
	}

	if !a.IsAtTheEnd(ext) {
		return false, nil
	}
	if err := a.arr.ShrinkByBlocks(uint32(ext.BlkCnt)); err != nil {
		return false, err
	}
	return true, nil
}

// DeallocRange is a convenience wrapper for Dealloc(extent.NewWhole(blkNr, blkCnt)).
func (a *TailAllocator) DeallocRange(blkNr uint32, blkCnt uint16) (bool, error) {
	return a.Dealloc(extent.NewWhole(blkNr, blkCnt))
}

// IsAtTheEnd reports whether ext's past-end block number coincides with
// the array's current past-end block number, i.e. whether ext is the
// array's tail.
func (a *TailAllocator) IsAtTheEnd(ext extent.Extent) bool {
	return ext.PastEndBlkNr() == a.arr.PastEndBlkNr()
}
