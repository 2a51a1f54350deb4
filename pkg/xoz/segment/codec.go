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

package segment

import (
	"encoding/binary"
	"io"
	"strings"

	"github.com/xozfmt/xoz/pkg/xoz/extent"
	"github.com/xozfmt/xoz/pkg/xoz/xerrors"
)

// Wire-format bit layout of an extent header word (little-endian on the
// wire, bit 15 is the MSB). See spec §4.4.
const (
	hdrSuballocFlag = 0x8000 // bit 15
	hdrInlineFlag   = 0x4000 // bit 14

	hdrInlineSzMask  = 0x3f00 // bits 13-8, 6 bits
	hdrInlineSzShift = 8
	hdrInlineLastMsk = 0x00ff // bits 7-0

	hdrSmallcntMask  = 0x7800 // bits 14-11, 4 bits
	hdrSmallcntShift = 11

	hdrNearFlag = 0x0400 // bit 10

	hdrBackwardDirFlag = 0x0200 // bit 9

	hdrJmpOffsetMask = 0x01ff // bits 8-0, 9 bits
	hdrHiBlkNrMask   = 0x03ff // bits 9-0, 10 bits

	// extSmallcntMax is the largest blk_cnt that fits in the smallcnt
	// field; 0 in that field means "use the wide count word instead".
	extSmallcntMax = 0x0f
)

// CalcFootprintDiskSize returns the exact number of bytes Write will emit
// for s, given the geometry needed to decide NEAR encoding (each extent's
// distance from the previous one). This mirrors Write's own bookkeeping
// rather than the simpler (and, per the original sources, stale) formula
// that always reserves a lo_blk_nr word.
func (s *Segment) CalcFootprintDiskSize() (uint32, error) {
	if err := s.failIfBadInlineSz(); err != nil {
		return 0, err
	}

	var sz uint32
	prev := extent.NewWhole(0, 0)
	for _, ext := range s.Extents {
		sz += 2 // header, always present

		isSuballoc := ext.IsSuballoc()
		smallcnt := smallcntOf(ext)

		dist, err := distanceFor(prev, ext)
		if err != nil {
			return 0, err
		}
		if !dist.IsNear {
			sz += 2 // lo_blk_nr
		}
		if isSuballoc || smallcnt == 0 {
			sz += 2 // blk_cnt / bitmap word
		}
		prev = ext
	}

	if s.InlinePresent {
		sz += 2 // header
		inlineSz := uint32(s.InlineSz)
		if inlineSz%2 == 1 {
			inlineSz--
		}
		sz += inlineSz
	}
	return sz, nil
}

func (s *Segment) failIfBadInlineSz() error {
	if s.InlineSz > MaxInlineSz {
		return xerrors.NewWouldEndUpInconsistentXOZ("inline data too large: more than 63 bytes")
	}
	return nil
}

// smallcntOf returns the smallcnt field value for a non-suballoc extent
// whose blk_cnt fits the 4-bit field, else 0 ("use the wide field").
func smallcntOf(ext extent.Extent) uint8 {
	if !ext.IsSuballoc() && ext.BlkCnt <= extSmallcntMax && ext.BlkCnt > 0 {
		return uint8(ext.BlkCnt)
	}
	return 0
}

// distanceFor wraps extent.DistanceInBlks, translating its sentinel error
// into the xerrors.ExtentOverlapError taxonomy with the precise reason tag.
func distanceFor(prev, ext extent.Extent) (extent.Distance, error) {
	prevCnt := uint16(1)
	if !prev.IsSuballoc() {
		prevCnt = prev.BlkCnt
	}
	targetCnt := uint16(1)
	if !ext.IsSuballoc() {
		targetCnt = ext.BlkCnt
	}
	dist, err := extent.DistanceInBlks(prev.BlkNr, prevCnt, ext.BlkNr, targetCnt)
	if err != nil {
		reason := xerrors.ReasonOverlappingBlocks
		msg := err.Error()
		switch {
		case strings.Contains(msg, "ahead ref"):
			reason = xerrors.ReasonAheadOfRef
		case strings.Contains(msg, "behind ref"):
			reason = xerrors.ReasonBehindRef
		case strings.Contains(msg, "same start"):
			reason = xerrors.ReasonAtSameStart
		}
		return extent.Distance{}, xerrors.NewExtentOverlap(prev, ext, reason)
	}
	return dist, nil
}

// Write encodes s to w in the little-endian wire format of spec §4.4,
// returning the number of bytes written.
func (s *Segment) Write(w io.Writer) (int, error) {
	footprint, err := s.CalcFootprintDiskSize()
	if err != nil {
		return 0, err
	}
	written := 0
	prev := extent.NewWhole(0, 0)

	for _, ext := range s.Extents {
		var hdr uint16

		isSuballoc := ext.IsSuballoc()
		if isSuballoc {
			hdr |= hdrSuballocFlag
		}

		smallcnt := smallcntOf(ext)
		hdr |= uint16(smallcnt) << hdrSmallcntShift & hdrSmallcntMask

		dist, err := distanceFor(prev, ext)
		if err != nil {
			return written, err
		}
		isNear, isBackward, jmpOffset := dist.IsNear, dist.IsBackwards, dist.BlkCnt

		if isNear {
			hdr |= hdrNearFlag
			hdr |= jmpOffset & hdrJmpOffsetMask
			if isBackward {
				hdr |= hdrBackwardDirFlag
			}
			n, err := writeU16(w, hdr)
			written += n
			if err != nil {
				return written, err
			}
		} else {
			hiBlkNr := uint16(ext.BlkNr>>16) & hdrHiBlkNrMask
			loBlkNr := uint16(ext.BlkNr & 0xffff)
			hdr |= hiBlkNr & hdrHiBlkNrMask
			n, err := writeU16(w, hdr)
			written += n
			if err != nil {
				return written, err
			}
			n, err = writeU16(w, loBlkNr)
			written += n
			if err != nil {
				return written, err
			}
		}

		if isSuballoc || smallcnt == 0 {
			cnt := ext.BlkCnt
			n, err := writeU16(w, cnt)
			written += n
			if err != nil {
				return written, err
			}
		}

		prev = ext
	}

	if s.InlinePresent {
		if err := s.failIfBadInlineSz(); err != nil {
			return written, err
		}
		var hdr uint16 = hdrSuballocFlag | hdrInlineFlag
		inlineSz := uint16(s.InlineSz)
		hdr |= (inlineSz << hdrInlineSzShift) & hdrInlineSzMask

		var last uint8
		payloadLen := inlineSz
		if inlineSz%2 == 1 {
			if len(s.Inline) > 0 {
				last = s.Inline[inlineSz-1]
			}
			payloadLen--
		}
		hdr |= uint16(last) & hdrInlineLastMsk

		n, err := writeU16(w, hdr)
		written += n
		if err != nil {
			return written, err
		}
		if payloadLen > 0 {
			n, err := w.Write(s.Inline[:payloadLen])
			written += n
			if err != nil {
				return written, err
			}
		}
	}

	if uint32(written) != footprint {
		return written, xerrors.NewInconsistentXOZ("computed footprint did not match bytes written")
	}
	return written, nil
}

func writeU16(w io.Writer, v uint16) (int, error) {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	return w.Write(buf[:])
}

// Read decodes a Segment from r, consuming exactly segmSz bytes unless an
// inline-data extent is encountered first (inline data is always the last
// element, regardless of how many declared bytes remain). segmSz must be
// even.
func Read(r io.Reader, segmSz uint64) (*Segment, error) {
	if segmSz%2 != 0 {
		return nil, xerrors.NewInconsistentXOZ("segment size to read must be a multiple of 2")
	}

	remain := segmSz
	s := New()
	prev := extent.NewWhole(0, 0)

	for remain >= 2 {
		hdr, err := readU16(r, &remain, segmSz, "stop before reading extent header")
		if err != nil {
			return nil, err
		}

		isSuballoc := hdr&hdrSuballocFlag != 0
		isInline := hdr&hdrInlineFlag != 0
		isNear := hdr&hdrNearFlag != 0

		if isSuballoc && isInline {
			inlineSz := uint16((hdr & hdrInlineSzMask) >> hdrInlineSzShift)
			last := uint8(hdr & hdrInlineLastMsk)

			payload := make([]byte, inlineSz)
			readLen := inlineSz
			if inlineSz%2 == 1 {
				payload[inlineSz-1] = last
				readLen--
			}
			if readLen > 0 {
				if err := readFull(r, payload[:readLen], &remain, segmSz, "inline data is partially read"); err != nil {
					return nil, err
				}
			}
			s.InlinePresent = true
			s.InlineSz = uint8(inlineSz)
			s.Inline = payload
			return s, nil
		}

		smallcnt := uint8((hdr & hdrSmallcntMask) >> hdrSmallcntShift)
		var blkNr uint32

		if !isNear {
			hiBlkNr := hdr & hdrHiBlkNrMask
			loBlkNr, err := readU16(r, &remain, segmSz, "cannot read LSB block number")
			if err != nil {
				return nil, err
			}
			blkNr = (uint32(hiBlkNr) << 16) | uint32(loBlkNr)
			if blkNr == 0 {
				return nil, xerrors.NewInconsistentXOZ("extent with block number 0 from hi/lo composition")
			}
		}

		var blkCnt uint16
		if !isSuballoc && smallcnt != 0 {
			blkCnt = uint16(smallcnt)
		} else {
			if smallcnt != 0 {
				return nil, xerrors.NewInconsistentXOZ("non-zero smallcnt on a block that also carries a wide count word; inline flag missing?")
			}
			v, err := readU16(r, &remain, segmSz, "cannot read block count")
			if err != nil {
				return nil, err
			}
			blkCnt = v
		}

		if isNear {
			isBackward := hdr&hdrBackwardDirFlag != 0
			jmpOffset := uint32(hdr & hdrJmpOffsetMask)

			refNr := prev.BlkNr
			prevBlkCnt := uint32(1)
			if !prev.IsSuballoc() {
				prevBlkCnt = uint32(prev.BlkCnt)
			}
			targetBlkCnt := uint32(1)
			if !isSuballoc {
				targetBlkCnt = uint32(blkCnt)
			}

			var wraparound bool
			if isBackward {
				blkNr = refNr - jmpOffset - targetBlkCnt
				wraparound = refNr < blkNr
			} else {
				blkNr = refNr + jmpOffset + prevBlkCnt
				wraparound = refNr > blkNr
			}
			if wraparound {
				return nil, xerrors.NewInconsistentXOZ("near extent block number wraparound")
			}
			if blkNr == 0 {
				return nil, xerrors.NewInconsistentXOZ("near extent resolved to block number 0")
			}
		}

		var ext extent.Extent
		if isSuballoc {
			ext = extent.NewSuballoc(blkNr, blkCnt)
		} else {
			ext = extent.NewWhole(blkNr, blkCnt)
		}
		s.AddExtent(ext)
		prev = ext
	}
	return s, nil
}

func readU16(r io.Reader, remain *uint64, segmSz uint64, reason string) (uint16, error) {
	var buf [2]byte
	if err := readFull(r, buf[:], remain, segmSz, reason); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func readFull(r io.Reader, buf []byte, remain *uint64, segmSz uint64, reason string) error {
	need := uint64(len(buf))
	if need > *remain {
		return xerrors.NewNotEnoughRoom(int(need), int(*remain))
	}
	if _, err := io.ReadFull(r, buf); err != nil {
		return xerrors.NewNotEnoughRoom(int(need), int(*remain))
	}
	*remain -= need
	return nil
}
