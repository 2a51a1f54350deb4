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

// Package xerrors is the allocator-specific error taxonomy: sum-typed
// failure kinds that carry the offending extent(s) and a short "why" tag,
// layered on top of golibs/errors' sentinels so callers can still use
// errors.Is against the generic category.
package xerrors

import (
	"fmt"

	"github.com/xozfmt/xoz/golibs/errors"
	"github.com/xozfmt/xoz/pkg/xoz/extent"
)

// OverlapReason is the short "why" tag ExtentOverlapError carries.
type OverlapReason string

const (
	ReasonAtSameStart       OverlapReason = "at same start"
	ReasonAheadOfRef        OverlapReason = "ext start is ahead ref"
	ReasonBehindRef         OverlapReason = "ext start is behind ref"
	ReasonDoubleFree        OverlapReason = "possible double free detected"
	ReasonSameBlockNr       OverlapReason = "both have the same block number (bitmap ignored in the check)"
	ReasonOverlappingBlocks OverlapReason = "extents overlap"
)

// ExtentOverlapError reports that two extents overlap: raised by
// FreeMap/SubBlockFreeMap's provide/dealloc (double-free detection) and by
// the InitializeFromAllocated* methods when their inputs conflict.
type ExtentOverlapError struct {
	A, B   extent.Extent
	Reason OverlapReason
}

func (e *ExtentOverlapError) Error() string {
	return fmt.Sprintf("extent overlap (%s): %s vs %s", e.Reason, e.A, e.B)
}

func (e *ExtentOverlapError) Unwrap() error {
	return errors.ErrConflict
}

// NewExtentOverlap builds an ExtentOverlapError, embedding itself into the
// golibs/errors.ErrConflict chain via EmbedObject so ExtractObject can
// recover the offending extents from a wrapped error value.
func NewExtentOverlap(a, b extent.Extent, reason OverlapReason) error {
	return errors.EmbedObject(&ExtentOverlapError{A: a, B: b, Reason: reason}, fmt.Errorf("%w: %s", errors.ErrConflict, reason))
}

// ExtentOutOfBounds reports an extent partially or fully outside the
// block array's data range.
type ExtentOutOfBounds struct {
	Ext          extent.Extent
	BeginBlkNr   uint32
	PastEndBlkNr uint32
}

func (e *ExtentOutOfBounds) Error() string {
	return fmt.Sprintf("extent %s out of bounds [%d, %d)", e.Ext, e.BeginBlkNr, e.PastEndBlkNr)
}

func (e *ExtentOutOfBounds) Unwrap() error {
	return errors.ErrInvalid
}

// NewExtentOutOfBounds builds an ExtentOutOfBounds error.
func NewExtentOutOfBounds(ext extent.Extent, beginBlkNr, pastEndBlkNr uint32) error {
	return errors.EmbedObject(&ExtentOutOfBounds{Ext: ext, BeginBlkNr: beginBlkNr, PastEndBlkNr: pastEndBlkNr},
		fmt.Errorf("%w: extent out of bounds", errors.ErrInvalid))
}

// InconsistentXOZ reports a structural violation discovered while reading
// or validating already-serialized state: a NEAR extent whose computed
// block number is zero or wraps around, inline data over 63 bytes,
// smallcnt!=0 alongside a wide count field, and similar.
type InconsistentXOZ struct {
	Reason string
}

func (e *InconsistentXOZ) Error() string {
	return fmt.Sprintf("inconsistent xoz state: %s", e.Reason)
}

func (e *InconsistentXOZ) Unwrap() error {
	return errors.ErrDataLoss
}

// NewInconsistentXOZ builds an InconsistentXOZ error with the given reason.
func NewInconsistentXOZ(reason string) error {
	return errors.EmbedObject(&InconsistentXOZ{Reason: reason}, fmt.Errorf("%w: %s", errors.ErrDataLoss, reason))
}

// WouldEndUpInconsistentXOZ reports that performing the requested
// operation, were it allowed to complete, would leave the structure
// inconsistent; raised pre-emptively, before any mutation happens.
type WouldEndUpInconsistentXOZ struct {
	Reason string
}

func (e *WouldEndUpInconsistentXOZ) Error() string {
	return fmt.Sprintf("would end up inconsistent: %s", e.Reason)
}

func (e *WouldEndUpInconsistentXOZ) Unwrap() error {
	return errors.ErrInvalid
}

// NewWouldEndUpInconsistentXOZ builds a WouldEndUpInconsistentXOZ error.
func NewWouldEndUpInconsistentXOZ(reason string) error {
	return errors.EmbedObject(&WouldEndUpInconsistentXOZ{Reason: reason}, fmt.Errorf("%w: %s", errors.ErrInvalid, reason))
}

// NotEnoughRoom reports that a serializer could not write a segment's
// bytes (buffer exhausted) or a reader ran out of bytes before finishing
// parsing.
type NotEnoughRoom struct {
	Needed, Available int
}

func (e *NotEnoughRoom) Error() string {
	return fmt.Sprintf("not enough room: needed %d, available %d", e.Needed, e.Available)
}

func (e *NotEnoughRoom) Unwrap() error {
	return errors.ErrExhausted
}

// NewNotEnoughRoom builds a NotEnoughRoom error.
func NewNotEnoughRoom(needed, available int) error {
	return errors.EmbedObject(&NotEnoughRoom{Needed: needed, Available: available},
		fmt.Errorf("%w: needed %d, available %d", errors.ErrExhausted, needed, available))
}

// Generic runtime errors for programmer mistakes: these don't carry
// structured context, they just need to be recognizable via errors.Is
// against golibs/errors.ErrInvalid/ErrConflict.

// ErrZeroBlkCnt is returned by alloc/dealloc calls given a zero block count.
var ErrZeroBlkCnt = fmt.Errorf("block count must be > 0: %w", errors.ErrInvalid)

// ErrSuballocViaWholeBlock is returned when a suballoc extent is passed to
// an API that only accepts whole-block extents (e.g. FreeMap.Dealloc).
var ErrSuballocViaWholeBlock = fmt.Errorf("suballoc extent not accepted here: %w", errors.ErrInvalid)

// ErrUnbalancedUnblock is returned by an unblock call with no matching
// outstanding block.
var ErrUnbalancedUnblock = fmt.Errorf("unbalanced unblock: %w", errors.ErrInvalid)

// ErrBlocked is returned by alloc/dealloc/release while blocking is active.
var ErrBlocked = fmt.Errorf("allocator is blocked: %w", errors.ErrConflict)

// ErrAlreadyInitialized is returned by a second call to ManageBlockArray,
// or by a second call to InitializeFromAllocatedSegments,
// InitializeFromAllocatedExtents or InitializeWithNothingAllocated:
// initialization is a one-shot operation.
var ErrAlreadyInitialized = fmt.Errorf("allocator already initialized: %w", errors.ErrConflict)

// ErrNotInitialized is returned by alloc/dealloc/release before one of the
// Initialize* methods has run.
var ErrNotInitialized = fmt.Errorf("allocator not initialized: %w", errors.ErrInvalid)

// ErrBlockArrayNotSet is returned when an operation needs the backing
// block array but none was supplied.
var ErrBlockArrayNotSet = fmt.Errorf("block array not set: %w", errors.ErrInvalid)

// ErrExactNotFound is returned by FreeMap.Release when one of the
// named extents is not present exactly in the map.
var ErrExactNotFound = fmt.Errorf("extent not found exactly in map: %w", errors.ErrNotExist)

// ErrInlineTooLarge names the "inline payload exceeds 63 bytes" condition.
// The segment codec reports that case as a WouldEndUpInconsistentXOZ error;
// no function in this module returns this sentinel.
var ErrInlineTooLarge = fmt.Errorf("inline payload exceeds 63 bytes: %w", errors.ErrInvalid)

// ErrBlkCntTooLarge is returned when a single_extent request would need
// more than MaxBlkCnt blocks, which the allocator rejects up front, before
// allocating anything, rather than silently truncating.
var ErrBlkCntTooLarge = fmt.Errorf("requested size exceeds a single extent's capacity: %w", errors.ErrInvalid)
