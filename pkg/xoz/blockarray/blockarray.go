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

// Package blockarray defines the BlockArray collaborator (spec §6): a
// byte-addressable region of N fixed-size blocks with grow/shrink at the
// tail and positional read/write of byte ranges. It is out of the
// allocator's core scope, but the core depends on its interface, and this
// package supplies three concrete backings: an in-memory one for tests,
// a memory-mapped file, and a blob-store-backed one.
package blockarray

import (
	"fmt"

	"github.com/xozfmt/xoz/golibs/errors"
	"github.com/xozfmt/xoz/pkg/xoz/extent"
)

// BlockArray is the backing store the TailAllocator (and, transitively,
// the rest of the allocator) grows and shrinks at the tail. Only the
// owning TailAllocator may mutate the tail; other callers may read/write
// block contents via ReadExtent/WriteExtent but must not resize it.
type BlockArray interface {
	// BlkSz returns the fixed block size in bytes.
	BlkSz() uint32
	// BlkSzOrder returns the power-of-two exponent: BlkSz() == 1<<BlkSzOrder().
	BlkSzOrder() uint8
	// SubblkSz returns the subblock size in bytes (BlkSz()/16), or 0 if
	// this array does not intend to support suballocation.
	SubblkSz() uint32

	// BeginBlkNr returns the first valid block number.
	BeginBlkNr() uint32
	// PastEndBlkNr returns one past the last valid block number.
	PastEndBlkNr() uint32
	// BlkCnt returns PastEndBlkNr() - BeginBlkNr().
	BlkCnt() uint32

	// GrowByBlocks extends the array by cnt blocks and returns the first
	// newly exposed block number.
	GrowByBlocks(cnt uint16) (uint32, error)
	// ShrinkByBlocks shrinks the array by cnt blocks from the tail.
	ShrinkByBlocks(cnt uint32) error

	// ReadExtent reads up to max bytes of ext's data space into buf,
	// starting at byte offset start within the extent.
	ReadExtent(ext extent.Extent, buf []byte, max int, start uint64) (int, error)
	// WriteExtent writes up to max bytes from buf into ext's data space,
	// starting at byte offset start within the extent.
	WriteExtent(ext extent.Extent, buf []byte, max int, start uint64) (int, error)

	// IsExtentWithinBoundaries reports whether ext lies fully within
	// [BeginBlkNr, PastEndBlkNr).
	IsExtentWithinBoundaries(ext extent.Extent) bool
	// FailIfOutOfBoundaries returns an error tagged with msg if ext is
	// not within boundaries, else nil.
	FailIfOutOfBoundaries(ext extent.Extent, msg string) error
}

// boundsCheck is shared by every BlockArray implementation below.
func boundsCheck(a BlockArray, ext extent.Extent) bool {
	return ext.BlkNr >= a.BeginBlkNr() && ext.PastEndBlkNr() <= a.PastEndBlkNr()
}

func failIfOutOfBoundaries(a BlockArray, ext extent.Extent, msg string) error {
	if a.IsExtentWithinBoundaries(ext) {
		return nil
	}
	return fmt.Errorf("%s: %w (extent %s outside [%d,%d))", msg, errors.ErrInvalid, ext, a.BeginBlkNr(), a.PastEndBlkNr())
}

func blkSzOrderOf(blkSz uint32) uint8 {
	var order uint8
	for v := blkSz; v > 1; v >>= 1 {
		order++
	}
	return order
}
