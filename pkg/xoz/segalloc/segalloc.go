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

// Package segalloc implements SegmentAllocator (spec §5), the front door
// composing TailAllocator, FreeMap and SubBlockFreeMap: given a requested
// byte size, it carves out whole-block extents, then (optionally) a
// suballoc extent for the remainder, then (optionally) inline bytes for
// whatever is left, preferring already-free space over growing the
// backing block array.
package segalloc

import (
	"fmt"
	"sort"

	"github.com/xozfmt/xoz/golibs/errors"
	"github.com/xozfmt/xoz/pkg/xoz/blockarray"
	"github.com/xozfmt/xoz/pkg/xoz/extent"
	"github.com/xozfmt/xoz/pkg/xoz/freemap"
	"github.com/xozfmt/xoz/pkg/xoz/segment"
	"github.com/xozfmt/xoz/pkg/xoz/subblockmap"
	"github.com/xozfmt/xoz/pkg/xoz/tailalloc"
	"github.com/xozfmt/xoz/pkg/xoz/xerrors"
)

// statsExtPerSegmLen is the number of histogram buckets kept for "how many
// extents does a segment have" (0,1,2,3,4,[5-8],[9-16],[17+]).
const statsExtPerSegmLen = 8

// Req describes the shape an allocation is allowed to take.
type Req struct {
	// SegmFragThreshold caps (as a suggestion) how many extents a
	// segment may be split into before the allocator falls back to
	// growing the tail instead of fragmenting further.
	SegmFragThreshold uint16

	// MaxInlineSz caps how many trailing bytes may be inlined into the
	// segment itself instead of occupying a block or subblock.
	MaxInlineSz uint8

	// AllowSuballoc lets the last partial block be satisfied by sharing
	// a block with other allocations via the SubBlockFreeMap.
	AllowSuballoc bool

	// SingleExtent demands the whole allocation land in exactly one
	// extent, growing the tail if required, and is incompatible with
	// AllowSuballoc, MaxInlineSz != 0 and SegmFragThreshold != 1.
	SingleExtent bool
}

// DefaultReq matches the original format's XOZDefaultReq.
var DefaultReq = Req{SegmFragThreshold: 2, MaxInlineSz: 8, AllowSuballoc: true}

// Stats is a snapshot of allocator bookkeeping. Fields mirror the
// original's i_stats_t/stats_t, flattened into the figures derived from
// it (relative fragmentation ratios etc. are computed by Stats()).
type Stats struct {
	InUseByUserSz uint64

	InUseBlkCnt             uint64
	InUseBlkForSuballocCnt  uint64
	InUseSubblkCnt          uint64

	InUseExtCnt     uint64
	InUseSegmentCnt uint64
	InUseInlinedSz  uint64

	AllocCallCnt   uint64
	DeallocCallCnt uint64

	ExternalFragSz    uint64
	ExternalFragRel   float64

	InternalFragAvgSz  uint64
	InternalFragAvgRel float64

	AllocableInternalFragSz  uint64
	AllocableInternalFragRel float64

	InUseExtPerSegm  [statsExtPerSegmLen]uint64
	SuballocBinCnts  [extent.SubblkCntPerBlk]uint64
}

// StatsSnapshot is what Stats() returns: the live counters (Current), the
// counters as they stood right before the last Reset (BeforeReset, all
// zero until the first Reset), and how many times Reset has run.
type StatsSnapshot struct {
	Current     Stats
	BeforeReset Stats
	ResetCnt    uint64
}

// SegmentAllocator composes TailAllocator, FreeMap and SubBlockFreeMap
// over a single BlockArray.
type SegmentAllocator struct {
	blkarr blockarray.BlockArray

	allocInitialized bool

	blkSz      uint32
	blkSzOrder uint8
	subblkSz   uint32

	tail   *tailalloc.TailAllocator
	frMap  *freemap.FreeMap
	subMap *subblockmap.SubBlockFreeMap

	coalescingEnabled bool
	defaultReq        Req

	inUseByUserSz          uint64
	inUseBlkCnt            uint64
	inUseBlkForSuballocCnt uint64
	inUseSubblkCnt         uint64
	inUseExtCnt            uint64
	inUseInlinedSz         uint64
	allocCallCnt           uint64
	deallocCallCnt         uint64
	internalFragAvgSz      uint64
	inUseExtPerSegm        [statsExtPerSegmLen]uint64

	statsBeforeReset Stats
	resetCnt         uint64

	opsBlockedStackCnt uint32
}

// New builds a SegmentAllocator not yet attached to a block array; call
// ManageBlockArray and one of the InitializeXxx methods before using it.
func New(coalescingEnabled bool, splitAboveThreshold uint16, defaultReq Req) *SegmentAllocator {
	return &SegmentAllocator{
		frMap:             freemap.New(coalescingEnabled, splitAboveThreshold),
		subMap:            subblockmap.New(),
		coalescingEnabled: coalescingEnabled,
		defaultReq:        defaultReq,
	}
}

// ManageBlockArray attaches arr as the array this allocator grows and
// shrinks. May be called only once.
func (a *SegmentAllocator) ManageBlockArray(arr blockarray.BlockArray) error {
	if a.blkarr != nil {
		return xerrors.ErrAlreadyInitialized
	}
	if arr.BlkSz() == 0 || arr.BlkSzOrder() == 0 {
		return fmt.Errorf("block array is not properly initialized: %w", errors.ErrInvalid)
	}
	if arr.SubblkSz() == 0 && a.defaultReq.AllowSuballoc {
		return fmt.Errorf("block array has no subblock size but default requirements allow suballoc: %w", errors.ErrInvalid)
	}

	a.blkarr = arr
	a.blkSz = arr.BlkSz()
	a.blkSzOrder = arr.BlkSzOrder()
	a.subblkSz = arr.SubblkSz()
	a.tail = tailalloc.New(arr)
	return nil
}

// SetDefaultAllocRequirements replaces the requirements used by Alloc when
// none are given explicitly.
func (a *SegmentAllocator) SetDefaultAllocRequirements(req Req) { a.defaultReq = req }

// DefaultAllocRequirements returns the requirements currently used by
// Alloc when none are given explicitly.
func (a *SegmentAllocator) DefaultAllocRequirements() Req { return a.defaultReq }

func (a *SegmentAllocator) failIfBlockArrayNotInitialized() error {
	if a.blkarr == nil {
		return xerrors.ErrBlockArrayNotSet
	}
	return nil
}

func (a *SegmentAllocator) failIfAllocatorNotInitialized() error {
	if !a.allocInitialized {
		return xerrors.ErrNotInitialized
	}
	return nil
}

func (a *SegmentAllocator) failIfAllocatorIsBlocked() error {
	if a.opsBlockedStackCnt != 0 {
		return xerrors.ErrBlocked
	}
	return nil
}

func (a *SegmentAllocator) failIfNotReady() error {
	if err := a.failIfBlockArrayNotInitialized(); err != nil {
		return err
	}
	if err := a.failIfAllocatorNotInitialized(); err != nil {
		return err
	}
	return a.failIfAllocatorIsBlocked()
}

// BlockAllAllocDealloc prevents any further allocation, deallocation or
// release until a matching UnblockAllAllocDealloc call. Calls nest (a
// LIFO stack of holds); use Guard for the common defer-based pattern.
func (a *SegmentAllocator) BlockAllAllocDealloc() {
	a.opsBlockedStackCnt++
}

// UnblockAllAllocDealloc releases one hold placed by BlockAllAllocDealloc.
// Calling it with no outstanding hold is a programmer error.
func (a *SegmentAllocator) UnblockAllAllocDealloc() error {
	if a.opsBlockedStackCnt == 0 {
		return xerrors.ErrUnbalancedUnblock
	}
	a.opsBlockedStackCnt--
	return nil
}

// Guard places a hold and returns a function that releases it; intended
// to be used with defer: `defer alloc.Guard()()`.
func (a *SegmentAllocator) Guard() func() {
	a.BlockAllAllocDealloc()
	return func() { _ = a.UnblockAllAllocDealloc() }
}

// Alloc reserves sz bytes using the allocator's default requirements.
func (a *SegmentAllocator) Alloc(sz uint32) (*segment.Segment, error) {
	return a.AllocWithReq(sz, a.defaultReq)
}

// AllocSingleExtent reserves sz bytes as exactly one whole-block extent,
// growing the tail if necessary. sz must be > 0 and must fit within a
// single extent's maximum block count.
func (a *SegmentAllocator) AllocSingleExtent(sz uint32) (extent.Extent, error) {
	if err := a.failIfNotReady(); err != nil {
		return extent.Extent{}, err
	}
	if sz == 0 {
		return extent.Extent{}, fmt.Errorf("cannot allocate a single extent of zero bytes: %w", errors.ErrInvalid)
	}

	req := Req{SegmFragThreshold: 1, MaxInlineSz: 0, AllowSuballoc: false, SingleExtent: true}
	segm, err := a.AllocWithReq(sz, req)
	if err != nil {
		return extent.Extent{}, err
	}
	if segm.ExtentCount() != 1 {
		return extent.Extent{}, xerrors.NewInconsistentXOZ("single-extent allocation did not yield exactly one extent")
	}
	return segm.Extents[0], nil
}

// Stats returns a snapshot of the allocator's bookkeeping, including the
// derived fragmentation ratios, what those figures were right before the
// last Reset, and how many times Reset has run.
func (a *SegmentAllocator) Stats() (StatsSnapshot, error) {
	if err := a.failIfNotReady(); err != nil {
		return StatsSnapshot{}, err
	}
	return StatsSnapshot{
		Current:     a.currentStats(),
		BeforeReset: a.statsBeforeReset,
		ResetCnt:    a.resetCnt,
	}, nil
}

// currentStats computes Stats from the live counters. Callers must ensure
// the allocator is ready (blkarr set) before calling it.
func (a *SegmentAllocator) currentStats() Stats {
	blkCnt := uint64(a.blkarr.BlkCnt())
	repoDataSz := blkCnt << a.blkSzOrder

	externalFragSz := (blkCnt - a.inUseBlkCnt) << a.blkSzOrder
	var externalFragRel float64
	if repoDataSz != 0 {
		externalFragRel = float64(externalFragSz) / float64(repoDataSz)
	}

	var internalFragAvgRel float64
	if a.inUseByUserSz != 0 {
		internalFragAvgRel = float64(a.internalFragAvgSz) / float64(a.inUseByUserSz)
	}

	subblkSzOrder := uint8(0)
	for sz := a.subblkSz; sz > 1; sz >>= 1 {
		subblkSzOrder++
	}
	allocableInternalFragSz := (a.inUseBlkForSuballocCnt << a.blkSzOrder) - (a.inUseSubblkCnt << subblkSzOrder)
	var allocableInternalFragRel float64
	if a.inUseBlkForSuballocCnt != 0 {
		allocableInternalFragRel = float64(allocableInternalFragSz) / float64(a.inUseBlkForSuballocCnt<<a.blkSzOrder)
	}

	st := Stats{
		InUseByUserSz: a.inUseByUserSz,

		InUseBlkCnt:            a.inUseBlkCnt,
		InUseBlkForSuballocCnt: a.inUseBlkForSuballocCnt,
		InUseSubblkCnt:         a.inUseSubblkCnt,

		InUseExtCnt:     a.inUseExtCnt,
		InUseSegmentCnt: a.allocCallCnt - a.deallocCallCnt,
		InUseInlinedSz:  a.inUseInlinedSz,

		AllocCallCnt:   a.allocCallCnt,
		DeallocCallCnt: a.deallocCallCnt,

		ExternalFragSz:  externalFragSz,
		ExternalFragRel: externalFragRel,

		InternalFragAvgSz:  a.internalFragAvgSz,
		InternalFragAvgRel: internalFragAvgRel,

		AllocableInternalFragSz:  allocableInternalFragSz,
		AllocableInternalFragRel: allocableInternalFragRel,

		InUseExtPerSegm: a.inUseExtPerSegm,
	}
	st.SuballocBinCnts = a.subMap.BinCounts()
	return st
}
