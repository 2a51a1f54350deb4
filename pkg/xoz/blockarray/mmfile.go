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
	"github.com/xozfmt/xoz/golibs/files"
	"github.com/xozfmt/xoz/pkg/xoz/extent"
)

// MMFile is a BlockArray backed by a memory-mapped file via golibs/files.
// Byte 0 of the mapped file is the first byte of block beginBlkNr (xoz
// reserves block 0 for the header trailer, so beginBlkNr is normally 1);
// growth extends the file (and remaps it) one call at a time.
type MMFile struct {
	f        *files.MMFile
	blkSz    uint32
	subblkSz uint32
	beginNr  uint32
}

// OpenMMFile opens fname (which must already exist, see files.NewMMFile)
// and wraps it as a BlockArray with the given block size and first block
// number.
func OpenMMFile(fname string, blkSz uint32, beginBlkNr uint32) (*MMFile, error) {
	f, err := files.NewMMFile(fname, -1)
	if err != nil {
		return nil, fmt.Errorf("open block array file %s: %w", fname, err)
	}
	return &MMFile{
		f:        f,
		blkSz:    blkSz,
		subblkSz: blkSz / extent.SubblkCntPerBlk,
		beginNr:  beginBlkNr,
	}, nil
}

// Close unmaps and closes the underlying file.
func (a *MMFile) Close() error { return a.f.Close() }

func (a *MMFile) BlkSz() uint32      { return a.blkSz }
func (a *MMFile) BlkSzOrder() uint8  { return blkSzOrderOf(a.blkSz) }
func (a *MMFile) SubblkSz() uint32   { return a.subblkSz }
func (a *MMFile) BeginBlkNr() uint32 { return a.beginNr }
func (a *MMFile) PastEndBlkNr() uint32 {
	return a.beginNr + uint32(a.f.Size())/a.blkSz
}
func (a *MMFile) BlkCnt() uint32 { return a.PastEndBlkNr() - a.BeginBlkNr() }

func (a *MMFile) GrowByBlocks(cnt uint16) (uint32, error) {
	if cnt == 0 {
		return 0, fmt.Errorf("grow by zero blocks: %w", errors.ErrInvalid)
	}
	firstNew := a.PastEndBlkNr()
	newSize := a.f.Size() + int64(cnt)*int64(a.blkSz)
	if err := a.f.Grow(newSize); err != nil {
		return 0, fmt.Errorf("grow block array to %d blocks: %w", a.BlkCnt()+uint32(cnt), err)
	}
	return firstNew, nil
}

// ShrinkByBlocks is not supported: golibs/files.MMFile (kept from the
// teacher, see DESIGN.md) only ever grows the mapped region. A real shrink
// would require truncating and remapping the file, which the collaborator
// does not expose.
func (a *MMFile) ShrinkByBlocks(cnt uint32) error {
	if cnt == 0 {
		return nil
	}
	return fmt.Errorf("shrink of memory-mapped block array not supported: %w", errors.ErrInvalid)
}

func (a *MMFile) byteOffset(ext extent.Extent) int64 {
	return int64(ext.BlkNr-a.beginNr) * int64(a.blkSz)
}

func (a *MMFile) ReadExtent(ext extent.Extent, buf []byte, max int, start uint64) (int, error) {
	if err := a.FailIfOutOfBoundaries(ext, "read extent"); err != nil {
		return 0, err
	}
	avail := int64(ext.DataSpaceSize(a.blkSz, a.subblkSz)) - int64(start)
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
	src, err := a.f.Buffer(a.byteOffset(ext)+int64(start), n)
	if err != nil {
		return 0, fmt.Errorf("read extent %s: %w", ext, err)
	}
	return copy(buf[:n], src), nil
}

func (a *MMFile) WriteExtent(ext extent.Extent, buf []byte, max int, start uint64) (int, error) {
	if err := a.FailIfOutOfBoundaries(ext, "write extent"); err != nil {
		return 0, err
	}
	avail := int64(ext.DataSpaceSize(a.blkSz, a.subblkSz)) - int64(start)
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
	dst, err := a.f.Buffer(a.byteOffset(ext)+int64(start), n)
	if err != nil {
		return 0, fmt.Errorf("write extent %s: %w", ext, err)
	}
	return copy(dst, buf[:n]), nil
}

func (a *MMFile) IsExtentWithinBoundaries(ext extent.Extent) bool { return boundsCheck(a, ext) }
func (a *MMFile) FailIfOutOfBoundaries(ext extent.Extent, msg string) error {
	return failIfOutOfBoundaries(a, ext, msg)
}
