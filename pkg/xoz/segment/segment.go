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

// Package segment defines Segment, the descriptor returned by an alloc
// call: an ordered sequence of extents plus an optional inline payload
// tail, and its little-endian wire codec.
package segment

import (
	"github.com/xozfmt/xoz/pkg/xoz/extent"
)

// MaxInlineSz is the largest number of bytes a segment's inline tail may
// carry (6-bit field in the wire header).
const MaxInlineSz = 63

// Segment is an ordered sequence of extents followed by an optional
// inline data tail. Order of the extent list is caller-defined and
// preserved by the codec; whole-block and suballoc extents may interleave
// freely.
type Segment struct {
	Extents []extent.Extent

	// InlinePresent marks this segment as carrying (possibly zero-length)
	// inline data; a segment with InlinePresent=true, InlineSz=0 is a
	// well-formed "end of segment" marker with no payload.
	InlinePresent bool
	InlineSz      uint8
	Inline        []byte
}

// New builds an empty segment with no extents and no inline tail.
func New() *Segment {
	return &Segment{}
}

// AddExtent appends ext to the segment's extent list.
func (s *Segment) AddExtent(ext extent.Extent) {
	s.Extents = append(s.Extents, ext)
}

// SetInline sets the segment's inline data tail. data may be empty (a
// zero-length, still-present inline tail) but must not exceed MaxInlineSz
// bytes; callers enforce the request's own max_inline_sz cap separately.
func (s *Segment) SetInline(data []byte) {
	s.InlinePresent = true
	s.InlineSz = uint8(len(data))
	s.Inline = data
}

// DataSpaceSize returns Σ data_space_size(ext) + inline_sz, given the
// block/subblock geometry.
func (s *Segment) DataSpaceSize(blkSz, subblkSz uint32) uint64 {
	var total uint64
	for _, e := range s.Extents {
		total += e.DataSpaceSize(blkSz, subblkSz)
	}
	return total + uint64(s.InlineSz)
}

// ExtentCount returns the number of (non-inline) extents in the segment.
func (s *Segment) ExtentCount() int {
	return len(s.Extents)
}
