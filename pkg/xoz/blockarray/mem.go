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

package blockarray

import (
	"fmt"

	"github.com/xozfmt/xoz/golibs/errors"
	"github.com/xozfmt/xoz/pkg/xoz/extent"
)

// Mem is an in-memory BlockArray, grown by simple slice append. It never
// shrinks its backing buffer, only the logical block count. Meant for unit
// tests and scratch work, not durability.
type Mem struct {
	blkSz    uint32
	subblkSz uint32
	beginNr  uint32
	buf      []byte
}

// NewMem builds an empty Mem array with the given block size (must be a
// power of two). beginBlkNr is the first valid block number (xoz reserves
// block 0 for the header trailer, so callers typically pass 1).
func NewMem(blkSz uint32, beginBlkNr uint32) *Mem {
	return &Mem{
		blkSz:    blkSz,
		subblkSz: blkSz / extent.SubblkCntPerBlk,
		beginNr:  beginBlkNr,
	}
}

func (m *Mem) BlkSz() uint32      { return m.blkSz }
func (m *Mem) BlkSzOrder() uint8  { return blkSzOrderOf(m.blkSz) }
func (m *Mem) SubblkSz() uint32   { return m.subblkSz }
func (m *Mem) BeginBlkNr() uint32 { return m.beginNr }
func (m *Mem) PastEndBlkNr() uint32 {
	return m.beginNr + uint32(len(m.buf))/m.blkSz
}
func (m *Mem) BlkCnt() uint32 { return m.PastEndBlkNr() - m.BeginBlkNr() }

func (m *Mem) GrowByBlocks(cnt uint16) (uint32, error) {
	if cnt == 0 {
		return 0, fmt.Errorf("grow by zero blocks: %w", errors.ErrInvalid)
	}
	firstNew := m.PastEndBlkNr()
	m.buf = append(m.buf, make([]byte, uint32(cnt)*m.blkSz)...)
	return firstNew, nil
}

func (m *Mem) ShrinkByBlocks(cnt uint32) error {
	if cnt > m.BlkCnt() {
		return fmt.Errorf("shrink by %d exceeds block count %d: %w", cnt, m.BlkCnt(), errors.ErrInvalid)
	}
	m.buf = m.buf[:uint32(len(m.buf))-cnt*m.blkSz]
	return nil
}

func (m *Mem) byteOffset(ext extent.Extent) int64 {
	return int64(ext.BlkNr-m.beginNr) * int64(m.blkSz)
}

func (m *Mem) ReadExtent(ext extent.Extent, buf []byte, max int, start uint64) (int, error) {
	if err := m.FailIfOutOfBoundaries(ext, "read extent"); err != nil {
		return 0, err
	}
	base := m.byteOffset(ext)
	avail := int64(ext.DataSpaceSize(m.blkSz, m.subblkSz)) - int64(start)
	if avail < 0 {
		avail = 0
	}
	n := max
	if int64(n) > avail {
		n = int(avail)
	}
	if n > len(buf) {
		n = len(buf)
	}
	if n <= 0 {
		return 0, nil
	}
	copy(buf[:n], m.buf[base+int64(start):base+int64(start)+int64(n)])
	return n, nil
}

func (m *Mem) WriteExtent(ext extent.Extent, buf []byte, max int, start uint64) (int, error) {
	if err := m.FailIfOutOfBoundaries(ext, "write extent"); err != nil {
		return 0, err
	}
	base := m.byteOffset(ext)
	avail := int64(ext.DataSpaceSize(m.blkSz, m.subblkSz)) - int64(start)
	if avail < 0 {
		avail = 0
	}
	n := max
	if int64(n) > avail {
		n = int(avail)
	}
	if n > len(buf) {
		n = len(buf)
	}
	if n <= 0 {
		return 0, nil
	}
	copy(m.buf[base+int64(start):base+int64(start)+int64(n)], buf[:n])
	return n, nil
}

func (m *Mem) IsExtentWithinBoundaries(ext extent.Extent) bool { return boundsCheck(m, ext) }
func (m *Mem) FailIfOutOfBoundaries(ext extent.Extent, msg string) error {
	return failIfOutOfBoundaries(m, ext, msg)
}
