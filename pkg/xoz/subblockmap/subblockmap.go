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

// Package subblockmap implements SubBlockFreeMap (spec §4): free
// subblocks are tracked per-block in 16 LIFO bins, one per subblock count
// (1..16), and allocation picks the best (smallest sufficient) non-empty
// bin, taking its most recently freed block and carving subblocks off it
// from the MSB down.
package subblockmap

import (
	"fmt"

	"github.com/xozfmt/xoz/golibs/errors"
	"github.com/xozfmt/xoz/pkg/xoz/extent"
	"github.com/xozfmt/xoz/pkg/xoz/xerrors"
)

// AllocResult mirrors freemap.AllocResult for the suballoc path: on
// failure Ext is the zero suballoc extent and Success is false.
type AllocResult struct {
	Ext     extent.Extent
	Success bool
}

// SubBlockFreeMap tracks blocks with at least one free subblock.
type SubBlockFreeMap struct {
	// bins[i] holds blocks with exactly i+1 free subblocks, LIFO order
	// (most recently freed at the back).
	bins    [extent.SubblkCntPerBlk][]extent.Extent
	byBlkNr map[uint32]extent.Extent
}

// New returns an empty SubBlockFreeMap.
func New() *SubBlockFreeMap {
	return &SubBlockFreeMap{byBlkNr: make(map[uint32]extent.Extent)}
}

// Provide seeds the map with a single already-free suballoc extent,
// typically a freshly-obtained whole block reinterpreted as fully free
// subblocks.
func (m *SubBlockFreeMap) Provide(ext extent.Extent) error {
	return m.AssignAsFreed([]extent.Extent{ext})
}

// AssignAsFreed seeds the map with already-free suballoc extents.
func (m *SubBlockFreeMap) AssignAsFreed(exts []extent.Extent) error {
	for _, ext := range exts {
		if err := m.failIfNotSubblkOrZeroCnt(ext); err != nil {
			return err
		}
		if err := m.failIfBlkNrAlreadySeen(ext); err != nil {
			return err
		}
		m.byBlkNr[ext.BlkNr] = ext
		bin := popcount(ext.Bitmap()) - 1
		m.bins[bin] = append(m.bins[bin], ext)
	}
	return nil
}

// Clear empties the map.
func (m *SubBlockFreeMap) Clear() {
	for i := range m.bins {
		m.bins[i] = nil
	}
	m.byBlkNr = make(map[uint32]extent.Extent)
}

// Len returns the number of distinct blocks with at least one free subblock.
func (m *SubBlockFreeMap) Len() int { return len(m.byBlkNr) }

// Alloc carves subblkCnt subblocks (1..16) out of the best-fitting
// partially-free block, taking from the MSB end of its free bitmap.
func (m *SubBlockFreeMap) Alloc(subblkCnt uint8) (AllocResult, error) {
	if subblkCnt == 0 {
		return AllocResult{}, xerrors.ErrZeroBlkCnt
	}
	if subblkCnt > extent.SubblkCntPerBlk {
		return AllocResult{}, fmt.Errorf("subblock count %d exceeds max %d: %w", subblkCnt, extent.SubblkCntPerBlk, errors.ErrInvalid)
	}

	var freeExt extent.Extent
	found := false
	for b := int(subblkCnt) - 1; b < extent.SubblkCntPerBlk; b++ {
		if n := len(m.bins[b]); n > 0 {
			freeExt = m.bins[b][n-1]
			m.bins[b] = m.bins[b][:n-1]
			found = true
			break
		}
	}

	if !found {
		return AllocResult{Ext: extent.NewSuballoc(0, 0), Success: false}, nil
	}

	freeBitmap := freeExt.Bitmap()
	var allocatedBitmap uint16
	remaining := subblkCnt

	for i := extent.SubblkCntPerBlk - 1; i >= 0 && remaining > 0; i-- {
		bitsel := uint16(1) << uint(i)
		if freeBitmap&bitsel != 0 {
			allocatedBitmap |= bitsel
			freeBitmap &^= bitsel
			remaining--
		}
	}

	allocated := extent.NewSuballoc(freeExt.BlkNr, allocatedBitmap)

	if freeBitmap == 0 {
		delete(m.byBlkNr, freeExt.BlkNr)
	} else {
		newFree := extent.NewSuballoc(freeExt.BlkNr, freeBitmap)
		newBin := popcount(freeBitmap) - 1
		m.bins[newBin] = append(m.bins[newBin], newFree)
		m.byBlkNr[freeExt.BlkNr] = newFree
	}

	return AllocResult{Ext: allocated, Success: true}, nil
}

// Dealloc returns ext's subblocks to the pool, merging with any subblocks
// of the same block already free.
func (m *SubBlockFreeMap) Dealloc(ext extent.Extent) error {
	if err := m.failIfNotSubblkOrZeroCnt(ext); err != nil {
		return err
	}

	freeExt, foundInMap := m.byBlkNr[ext.BlkNr]
	if foundInMap {
		if ext.Bitmap()&^freeExt.Bitmap() != ext.Bitmap() {
			return xerrors.NewExtentOverlap(freeExt, ext, xerrors.ReasonDoubleFree)
		}
		bin := popcount(freeExt.Bitmap()) - 1
		m.removeFromBin(bin, freeExt.BlkNr)
	} else {
		freeExt = extent.NewSuballoc(ext.BlkNr, 0)
	}

	merged := extent.NewSuballoc(ext.BlkNr, freeExt.Bitmap()|ext.Bitmap())
	bin := popcount(merged.Bitmap()) - 1
	m.bins[bin] = append(m.bins[bin], merged)
	m.byBlkNr[merged.BlkNr] = merged
	return nil
}

// Release empties the bin of fully-free blocks (16/16 subblocks free),
// handing them back to the caller (typically to be returned to the
// TailAllocator or FreeMap as whole blocks).
func (m *SubBlockFreeMap) Release() []extent.Extent {
	fullBin := extent.SubblkCntPerBlk - 1
	ret := m.bins[fullBin]
	m.bins[fullBin] = nil
	for _, ext := range ret {
		delete(m.byBlkNr, ext.BlkNr)
	}
	return ret
}

func (m *SubBlockFreeMap) removeFromBin(bin int, blkNr uint32) {
	for i, e := range m.bins[bin] {
		if e.BlkNr == blkNr {
			m.bins[bin] = append(m.bins[bin][:i], m.bins[bin][i+1:]...)
			return
		}
	}
}

// BinCounts returns, for each bin i (blocks with exactly i+1 free
// subblocks), the number of blocks currently sitting in that bin.
func (m *SubBlockFreeMap) BinCounts() [extent.SubblkCntPerBlk]uint64 {
	var counts [extent.SubblkCntPerBlk]uint64
	for i := range m.bins {
		counts[i] = uint64(len(m.bins[i]))
	}
	return counts
}

// ExtentsByBlkNr returns the free suballoc extents ordered by ascending
// block number.
func (m *SubBlockFreeMap) ExtentsByBlkNr() []extent.Extent {
	nrs := make([]uint32, 0, len(m.byBlkNr))
	for nr := range m.byBlkNr {
		nrs = append(nrs, nr)
	}
	sortUint32(nrs)
	out := make([]extent.Extent, 0, len(nrs))
	for _, nr := range nrs {
		out = append(out, m.byBlkNr[nr])
	}
	return out
}

func (m *SubBlockFreeMap) failIfNotSubblkOrZeroCnt(ext extent.Extent) error {
	if !ext.IsSuballoc() {
		return fmt.Errorf("extent is not a suballoc extent: %w", errors.ErrInvalid)
	}
	if ext.Bitmap() == 0 {
		return fmt.Errorf("extent has zero free subblocks: %w", errors.ErrInvalid)
	}
	return nil
}

func (m *SubBlockFreeMap) failIfBlkNrAlreadySeen(ext extent.Extent) error {
	if existing, ok := m.byBlkNr[ext.BlkNr]; ok {
		return xerrors.NewExtentOverlap(existing, ext, xerrors.ReasonSameBlockNr)
	}
	return nil
}

func popcount(v uint16) int {
	n := 0
	for v != 0 {
		n += int(v & 1)
		v >>= 1
	}
	return n
}

func sortUint32(s []uint32) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
