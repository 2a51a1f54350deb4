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

// Package extent defines the fundamental allocation unit of xoz: a run of
// whole blocks, a bitmap of subblocks within a single block, or the null
// extent. The wire-level bit-packing of these variants lives in
// pkg/xoz/segment; here the variants are kept explicit, following the
// tagged-union shape a systems-language port of the original bit-packed
// C++ Extent should use instead of replicating the packing in memory.
package extent

import "fmt"

const (
	// SubblkCntPerBlk is the number of subblocks a single block is split into.
	SubblkCntPerBlk = 16

	// MaxBlkCnt is the largest block count a whole-block extent can carry
	// in a single wire-format word (16 bits).
	MaxBlkCnt = 0xFFFF

	// MaxBlkNr is one past the largest representable block number: the
	// address space is 26 bits wide, blk_nr==0 is reserved as "null".
	MaxBlkNr = 1 << 26

	// FullBitmap is the bitmap value of a block with all 16 subblocks present.
	FullBitmap = 0xFFFF
)

// Kind tags which of the three disjoint Extent variants a value holds.
type Kind uint8

const (
	// Null is the sentinel, unallocated extent (BlkNr == 0).
	Null Kind = iota
	// Whole is a run of BlkCnt contiguous blocks starting at BlkNr.
	Whole
	// Suballoc is a bitmap of subblocks within the single block BlkNr.
	Suballoc
)

func (k Kind) String() string {
	switch k {
	case Whole:
		return "whole"
	case Suballoc:
		return "suballoc"
	default:
		return "null"
	}
}

// Extent is the fundamental allocation unit: either a run of whole blocks,
// a subblock bitmap within one block, or the null extent. BlkCnt is
// reinterpreted as a 16-bit subblock bitmap when Kind is Suballoc.
type Extent struct {
	Kind   Kind
	BlkNr  uint32
	BlkCnt uint16
}

// Null returns the sentinel null extent.
func Null() Extent {
	return Extent{}
}

// NewWhole builds a whole-block extent. It does not validate blkCnt==0;
// callers that must reject empty extents should call Validate.
func NewWhole(blkNr uint32, blkCnt uint16) Extent {
	return Extent{Kind: Whole, BlkNr: blkNr, BlkCnt: blkCnt}
}

// NewSuballoc builds a suballoc extent whose BlkCnt field holds the
// 16-bit free/owned subblock bitmap of block blkNr.
func NewSuballoc(blkNr uint32, bitmap uint16) Extent {
	return Extent{Kind: Suballoc, BlkNr: blkNr, BlkCnt: bitmap}
}

// IsNull reports whether e is the null/unallocated sentinel.
func (e Extent) IsNull() bool {
	return e.Kind == Null || e.BlkNr == 0
}

// IsSuballoc reports whether e is a suballoc (bitmap) extent.
func (e Extent) IsSuballoc() bool {
	return e.Kind == Suballoc
}

// IsWhole reports whether e is a whole-block extent.
func (e Extent) IsWhole() bool {
	return e.Kind == Whole
}

// Bitmap returns e's subblock bitmap; only meaningful when IsSuballoc.
func (e Extent) Bitmap() uint16 {
	return e.BlkCnt
}

// IsEmpty reports whether e carries zero data: a whole-block extent with
// BlkCnt==0, or a suballoc extent with an all-zero bitmap. Empty extents
// are rejected by every alloc/dealloc interface in this module.
func (e Extent) IsEmpty() bool {
	switch e.Kind {
	case Whole:
		return e.BlkCnt == 0
	case Suballoc:
		return e.BlkCnt == 0
	default:
		return true
	}
}

// PastEndBlkNr returns blk_nr + blk_cnt for a whole-block extent. Suballoc
// extents occupy exactly one block, so PastEndBlkNr is BlkNr+1 for them.
func (e Extent) PastEndBlkNr() uint32 {
	if e.Kind == Suballoc {
		return e.BlkNr + 1
	}
	return e.BlkNr + uint32(e.BlkCnt)
}

// DataSpaceSize returns the number of bytes e covers, given the geometry
// of blkSz (bytes per block) and subblkSz (bytes per subblock).
func (e Extent) DataSpaceSize(blkSz, subblkSz uint32) uint64 {
	switch e.Kind {
	case Whole:
		return uint64(e.BlkCnt) * uint64(blkSz)
	case Suballoc:
		return uint64(popcount16(e.BlkCnt)) * uint64(subblkSz)
	default:
		return 0
	}
}

// Overlaps reports whether e and o occupy any common block (whole-block
// extents) or any common subblock (suballoc extents sharing a block
// number). Extents of different kinds never overlap by this definition;
// callers that need the "same block number" suballoc check use SameBlock.
func (e Extent) Overlaps(o Extent) bool {
	switch {
	case e.Kind == Whole && o.Kind == Whole:
		return e.BlkNr < o.PastEndBlkNr() && o.BlkNr < e.PastEndBlkNr()
	case e.Kind == Suballoc && o.Kind == Suballoc:
		return e.BlkNr == o.BlkNr && e.BlkCnt&o.BlkCnt != 0
	default:
		return false
	}
}

// SameBlock reports whether e and o are both suballoc extents addressing
// the same block number, regardless of bitmap overlap.
func (e Extent) SameBlock(o Extent) bool {
	return e.Kind == Suballoc && o.Kind == Suballoc && e.BlkNr == o.BlkNr
}

// String implements fmt.Stringer for diagnostics and error messages.
func (e Extent) String() string {
	switch e.Kind {
	case Whole:
		return fmt.Sprintf("Extent{whole, blk_nr=%d, blk_cnt=%d}", e.BlkNr, e.BlkCnt)
	case Suballoc:
		return fmt.Sprintf("Extent{suballoc, blk_nr=%d, bitmap=%016b}", e.BlkNr, e.BlkCnt)
	default:
		return "Extent{null}"
	}
}

// Distance is the result of DistanceInBlks: how far target sits from ref,
// and whether that distance fits in a NEAR-encoded header.
type Distance struct {
	BlkCnt      uint16
	IsBackwards bool
	IsNear      bool
}

// maxNearJump is the largest offset the 9-bit JMP_OFFSET field can carry.
const maxNearJump = 0x1ff

// DistanceInBlks computes, in blocks, the gap between ref and target for
// the segment codec's NEAR encoding: forward, the blocks between ref's end
// and target's start; backward, the blocks between target's end and ref's
// start. ref must be the
// previously written/read extent; refBlkCnt/targetBlkCnt are each side's
// block count (1 for a suballoc side, since it occupies a single block).
// Returns an error if ref and target start at the same block (ambiguous
// direction) or if either extent's start falls inside the other's span.
func DistanceInBlks(refBlkNr uint32, refBlkCnt uint16, targetBlkNr uint32, targetBlkCnt uint16) (Distance, error) {
	switch {
	case refBlkNr < targetBlkNr:
		fwd := targetBlkNr - refBlkNr
		if fwd < uint32(refBlkCnt) {
			return Distance{}, fmt.Errorf("%w (ext start is ahead ref)", ErrDistanceUndefined)
		}
		gap := fwd - uint32(refBlkCnt)
		return Distance{BlkCnt: clampU16(gap), IsBackwards: false, IsNear: gap <= maxNearJump}, nil
	case targetBlkNr < refBlkNr:
		bwd := refBlkNr - targetBlkNr
		if bwd < uint32(targetBlkCnt) {
			return Distance{}, fmt.Errorf("%w (ext start is behind ref)", ErrDistanceUndefined)
		}
		gap := bwd - uint32(targetBlkCnt)
		return Distance{BlkCnt: clampU16(gap), IsBackwards: true, IsNear: gap <= maxNearJump}, nil
	default:
		return Distance{}, fmt.Errorf("%w (at same start)", ErrDistanceUndefined)
	}
}

// ErrDistanceUndefined is the sentinel DistanceInBlks wraps its reason
// around; pkg/xoz/segment matches on it with errors.Is and re-wraps into
// xerrors.ExtentOverlapError with the precise reason tag, since xerrors
// depends on this package and not vice versa.
var ErrDistanceUndefined = fmt.Errorf("extent distance undefined")

func clampU16(v uint32) uint16 {
	if v > MaxBlkCnt {
		return MaxBlkCnt
	}
	return uint16(v)
}

func popcount16(v uint16) int {
	n := 0
	for v != 0 {
		v &= v - 1
		n++
	}
	return n
}
