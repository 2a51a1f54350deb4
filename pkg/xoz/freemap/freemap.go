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

// Package freemap implements FreeMap (spec §3): best-fit allocation over
// a set of free whole-block extents, tracked by two cross-indexed ordered
// views (by block number, by block count) so both lookup directions stay
// O(log n). Deallocation optionally coalesces adjacent free chunks.
package freemap

import (
	"fmt"

	"github.com/tidwall/btree"
	"github.com/xozfmt/xoz/pkg/xoz/extent"
	"github.com/xozfmt/xoz/pkg/xoz/xerrors"
)

// nrEntry is a by_nr index row: a free chunk starting at Nr, Cnt blocks long.
type nrEntry struct {
	Nr  uint32
	Cnt uint16
}

func lessByNr(a, b nrEntry) bool { return a.Nr < b.Nr }

// cntEntry is a by_cnt multimap row, totally ordered by (Cnt, Nr) so that
// chunks of equal size are still uniquely addressable for deletion.
type cntEntry struct {
	Cnt uint16
	Nr  uint32
}

func lessByCnt(a, b cntEntry) bool {
	if a.Cnt != b.Cnt {
		return a.Cnt < b.Cnt
	}
	return a.Nr < b.Nr
}

// AllocResult mirrors the C++ alloc_result_t: on failure, Ext carries the
// best (closest) block count that could be satisfied instead, with an
// undefined block number, so the caller can retry with a smaller request
// or decide to grow the tail instead.
type AllocResult struct {
	Ext     extent.Extent
	Success bool
}

// FreeMap tracks a pool of free whole-block extents.
type FreeMap struct {
	coalescingEnabled   bool
	splitAboveThreshold uint16

	byNr  *btree.BTreeG[nrEntry]
	byCnt *btree.BTreeG[cntEntry]
}

// New builds an empty FreeMap. When coalescingEnabled, adjacent free
// chunks are merged on Dealloc. splitAboveThreshold caps how small a
// leftover remainder from a split allocation may be: a split that would
// leave splitAboveThreshold or fewer blocks behind is rejected in favor of
// a larger chunk (spec §3, "AllocCoalescedDoesntSplitButCloseSuboptimalHint").
func New(coalescingEnabled bool, splitAboveThreshold uint16) *FreeMap {
	return &FreeMap{
		coalescingEnabled:   coalescingEnabled,
		splitAboveThreshold: splitAboveThreshold,
		byNr:                btree.NewBTreeG(lessByNr),
		byCnt:               btree.NewBTreeG(lessByCnt),
	}
}

// AssignAsFreed seeds the map with already-free extents (e.g. when
// reconstructing allocator state from a scan of allocated segments). Each
// extent is processed through the same path as Dealloc, so coalescing
// still applies.
func (m *FreeMap) AssignAsFreed(exts []extent.Extent) error {
	for _, e := range exts {
		if err := m.Dealloc(e); err != nil {
			return err
		}
	}
	return nil
}

// Clear empties the map.
func (m *FreeMap) Clear() {
	m.byNr = btree.NewBTreeG(lessByNr)
	m.byCnt = btree.NewBTreeG(lessByCnt)
}

// Len returns the number of free chunks currently tracked.
func (m *FreeMap) Len() int { return m.byNr.Len() }

// LastByBlkNr returns the free chunk with the greatest block number, if any
// (the candidate for "is this free chunk at the tail of the array?").
func (m *FreeMap) LastByBlkNr() (extent.Extent, bool) {
	e, ok := m.byNr.Max()
	if !ok {
		return extent.Extent{}, false
	}
	return extent.NewWhole(e.Nr, e.Cnt), true
}

// Provide is an alias for Dealloc used when seeding free space from a
// collaborator (the tail allocator, a reclaim pass) rather than from a
// user-visible deallocation; the semantics are identical.
func (m *FreeMap) Provide(ext extent.Extent) error { return m.Dealloc(ext) }

func (m *FreeMap) eraseFromByCnt(cnt uint16, nr uint32) {
	m.byCnt.Delete(cntEntry{Cnt: cnt, Nr: nr})
}

func (m *FreeMap) insert(nr uint32, cnt uint16) {
	m.byNr.Set(nrEntry{Nr: nr, Cnt: cnt})
	m.byCnt.Set(cntEntry{Cnt: cnt, Nr: nr})
}

func (m *FreeMap) erase(nr uint32, cnt uint16) {
	m.byNr.Delete(nrEntry{Nr: nr})
	m.eraseFromByCnt(cnt, nr)
}

// lowerBoundByCnt returns the first entry with Cnt >= cnt, if any.
func (m *FreeMap) lowerBoundByCnt(cnt uint16) (cntEntry, bool) {
	var found cntEntry
	ok := false
	m.byCnt.Ascend(cntEntry{Cnt: cnt, Nr: 0}, func(e cntEntry) bool {
		found, ok = e, true
		return false
	})
	return found, ok
}

// predecessorByCnt returns the last entry with Cnt < cnt, if any. Alloc
// does not call it: its failure hint is the largest chunk (see largest).
func (m *FreeMap) predecessorByCnt(cnt uint16) (cntEntry, bool) {
	var found cntEntry
	ok := false
	m.byCnt.Descend(cntEntry{Cnt: cnt, Nr: ^uint32(0)}, func(e cntEntry) bool {
		if e.Cnt < cnt {
			found, ok = e, true
			return false
		}
		return true
	})
	return found, ok
}

// largest returns the single largest free chunk, if any.
func (m *FreeMap) largest() (cntEntry, bool) {
	return m.byCnt.Max()
}

// predecessorByNr returns the free chunk with the greatest Nr < nr.
func (m *FreeMap) predecessorByNr(nr uint32) (nrEntry, bool) {
	var found nrEntry
	ok := false
	m.byNr.Descend(nrEntry{Nr: nr}, func(e nrEntry) bool {
		if e.Nr < nr {
			found, ok = e, true
			return false
		}
		return true
	})
	return found, ok
}

// successorByNr returns the free chunk with the smallest Nr > nr.
func (m *FreeMap) successorByNr(nr uint32) (nrEntry, bool) {
	var found nrEntry
	ok := false
	m.byNr.Ascend(nrEntry{Nr: nr + 1}, func(e nrEntry) bool {
		found, ok = e, true
		return false
	})
	return found, ok
}

// Alloc finds the best free chunk that can hold at least blkCnt blocks
// (best-fit: the smallest chunk that still fits, splitting off the
// remainder unless it would fall at or below splitAboveThreshold).
//
// On success, the returned extent's block count is exactly blkCnt. On
// failure, the returned extent's block count is the largest chunk size
// that *could* have been used (0 if the map is empty), with an undefined
// block number; the caller is expected to either retry with that smaller
// size or fall back to growing the tail.
func (m *FreeMap) Alloc(blkCnt uint16) (AllocResult, error) {
	if blkCnt == 0 {
		return AllocResult{}, xerrors.ErrZeroBlkCnt
	}

	usable, hasUsable := m.lowerBoundByCnt(blkCnt)

	if hasUsable && usable.Cnt != blkCnt {
		remain := usable.Cnt - blkCnt
		if remain <= m.splitAboveThreshold {
			next := blkCnt + m.splitAboveThreshold + 1
			if next <= blkCnt {
				// overflow: no usable chunk above the threshold
				hasUsable = false
			} else {
				usable, hasUsable = m.lowerBoundByCnt(next)
			}
		}
	}

	if !hasUsable {
		var closestCnt uint16
		if c, ok := m.largest(); ok {
			closestCnt = c.Cnt
		}
		return AllocResult{Ext: extent.NewWhole(0, closestCnt), Success: false}, nil
	}

	ext := extent.NewWhole(usable.Nr, blkCnt)

	if usable.Cnt == blkCnt {
		m.erase(usable.Nr, usable.Cnt)
	} else {
		remain := usable.Cnt - blkCnt
		newNr := usable.Nr + uint32(blkCnt)
		m.erase(usable.Nr, usable.Cnt)
		m.insert(newNr, remain)
	}

	return AllocResult{Ext: ext, Success: true}, nil
}

// Dealloc returns ext to the pool, coalescing with neighboring free chunks
// when enabled.
func (m *FreeMap) Dealloc(ext extent.Extent) error {
	if err := failIfSuballocOrZeroCnt(ext); err != nil {
		return err
	}
	if err := m.failIfOverlap(ext); err != nil {
		return err
	}

	if !m.coalescingEnabled {
		m.insert(ext.BlkNr, ext.BlkCnt)
		return nil
	}

	coalNr, coalCnt := ext.BlkNr, ext.BlkCnt
	coalescedWithNext := false

	if next, ok := m.successorByNr(coalNr); ok {
		if coalNr+uint32(coalCnt) == next.Nr {
			coalCnt += next.Cnt
			coalescedWithNext = true
		}
	}

	coalescedWithPrev := false
	if prev, ok := m.predecessorByNr(coalNr); ok {
		if prev.Nr+uint32(prev.Cnt) == coalNr {
			m.eraseFromByCnt(prev.Cnt, prev.Nr)
			newCnt := prev.Cnt + coalCnt
			m.byNr.Set(nrEntry{Nr: prev.Nr, Cnt: newCnt})
			m.byCnt.Set(cntEntry{Cnt: newCnt, Nr: prev.Nr})
			coalescedWithPrev = true
			coalNr, coalCnt = prev.Nr, newCnt
		}
	}

	if coalescedWithNext {
		if next, ok := m.successorByNr(ext.BlkNr); ok {
			m.erase(next.Nr, next.Cnt)
		}
	}

	if !coalescedWithPrev {
		m.insert(coalNr, coalCnt)
	}
	return nil
}

// Release removes the exact extents from the free pool without merging:
// used when an extent previously handed back via Dealloc needs to be
// re-claimed verbatim (e.g. the caller changed its mind before committing
// the block contents).
func (m *FreeMap) Release(exts []extent.Extent) error {
	for _, e := range exts {
		found, ok := m.byNr.Get(nrEntry{Nr: e.BlkNr})
		if !ok || found.Cnt != e.BlkCnt {
			return fmt.Errorf("no such free extent %s: %w", e, xerrors.ErrExactNotFound)
		}
		m.erase(found.Nr, found.Cnt)
	}
	return nil
}

func failIfSuballocOrZeroCnt(ext extent.Extent) error {
	if ext.IsSuballoc() {
		return xerrors.ErrSuballocViaWholeBlock
	}
	if ext.BlkCnt == 0 {
		return xerrors.ErrZeroBlkCnt
	}
	return nil
}

// failIfOverlap checks the (at most two) neighboring chunks of ext for
// overlap, mirroring the original's "possible double free detected" check.
func (m *FreeMap) failIfOverlap(ext extent.Extent) error {
	if m.byNr.Len() == 0 {
		return nil
	}

	check := func(nr uint32, cnt uint16) error {
		_, err := extent.DistanceInBlks(nr, cnt, ext.BlkNr, ext.BlkCnt)
		if err != nil {
			return xerrors.NewExtentOverlap(extent.NewWhole(nr, cnt), ext, xerrors.ReasonDoubleFree)
		}
		return nil
	}

	if e, ok := m.successorByNr(ext.BlkNr - 1); ok {
		if err := check(e.Nr, e.Cnt); err != nil {
			return err
		}
	}
	if e, ok := m.predecessorByNr(ext.BlkNr + 1); ok {
		if err := check(e.Nr, e.Cnt); err != nil {
			return err
		}
	}
	return nil
}

// ExtentsByBlkNr returns the free extents ordered by ascending block number.
func (m *FreeMap) ExtentsByBlkNr() []extent.Extent {
	out := make([]extent.Extent, 0, m.byNr.Len())
	m.byNr.Scan(func(e nrEntry) bool {
		out = append(out, extent.NewWhole(e.Nr, e.Cnt))
		return true
	})
	return out
}

// ExtentsByBlkCnt returns the free extents ordered by ascending block count.
func (m *FreeMap) ExtentsByBlkCnt() []extent.Extent {
	out := make([]extent.Extent, 0, m.byCnt.Len())
	m.byCnt.Scan(func(e cntEntry) bool {
		out = append(out, extent.NewWhole(e.Nr, e.Cnt))
		return true
	})
	return out
}
