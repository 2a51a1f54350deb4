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
	"bytes"
	"fmt"
	"io"

	"github.com/xozfmt/xoz/golibs/errors"
	"github.com/xozfmt/xoz/golibs/sss"
	"github.com/xozfmt/xoz/pkg/xoz/extent"
)

// Blob is a BlockArray whose durable backing is a single object in a
// golibs/sss.Storage (e.g. S3): the whole block array content lives as one
// value under key, mirrored into an in-memory buffer that reads and
// writes operate against. Sync persists the buffer back to storage; Open
// loads it. Unlike MMFile, shrink is supported because the object is
// rewritten wholesale on Sync rather than truncated in place.
type Blob struct {
	st       sss.Storage
	key      string
	blkSz    uint32
	subblkSz uint32
	beginNr  uint32
	buf      []byte
	dirty    bool
}

// OpenBlob loads key from st (which must already hold a value, possibly
// empty) into memory and wraps it as a BlockArray.
func OpenBlob(st sss.Storage, key string, blkSz uint32, beginBlkNr uint32) (*Blob, error) {
	if !sss.IsKeyValid(key) {
		return nil, fmt.Errorf("invalid blob key %q: %w", key, errors.ErrInvalid)
	}
	r, err := st.Get(key)
	if err != nil {
		return nil, fmt.Errorf("open block array blob %s: %w", key, err)
	}
	defer r.Close()
	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read block array blob %s: %w", key, err)
	}
	return &Blob{
		st:       st,
		key:      key,
		blkSz:    blkSz,
		subblkSz: blkSz / extent.SubblkCntPerBlk,
		beginNr:  beginBlkNr,
		buf:      buf,
	}, nil
}

// Sync persists the in-memory buffer back to storage if it has been
// modified since the last Sync.
func (a *Blob) Sync() error {
	if !a.dirty {
		return nil
	}
	if err := a.st.Put(a.key, bytes.NewReader(a.buf)); err != nil {
		return fmt.Errorf("sync block array blob %s: %w", a.key, err)
	}
	a.dirty = false
	return nil
}

func (a *Blob) BlkSz() uint32      { return a.blkSz }
func (a *Blob) BlkSzOrder() uint8  { return blkSzOrderOf(a.blkSz) }
func (a *Blob) SubblkSz() uint32   { return a.subblkSz }
func (a *Blob) BeginBlkNr() uint32 { return a.beginNr }
func (a *Blob) PastEndBlkNr() uint32 {
	return a.beginNr + uint32(len(a.buf))/a.blkSz
}
func (a *Blob) BlkCnt() uint32 { return a.PastEndBlkNr() - a.BeginBlkNr() }

func (a *Blob) GrowByBlocks(cnt uint16) (uint32, error) {
	if cnt == 0 {
		return 0, fmt.Errorf("grow by zero blocks: %w", errors.ErrInvalid)
	}
	firstNew := a.PastEndBlkNr()
	a.buf = append(a.buf, make([]byte, uint32(cnt)*a.blkSz)...)
	a.dirty = true
	return firstNew, nil
}

func (a *Blob) ShrinkByBlocks(cnt uint32) error {
	if cnt > a.BlkCnt() {
		return fmt.Errorf("shrink by %d exceeds block count %d: %w", cnt, a.BlkCnt(), errors.ErrInvalid)
	}
	a.buf = a.buf[:uint32(len(a.buf))-cnt*a.blkSz]
	a.dirty = true
	return nil
}

func (a *Blob) byteOffset(ext extent.Extent) int64 {
	return int64(ext.BlkNr-a.beginNr) * int64(a.blkSz)
}

func (a *Blob) ReadExtent(ext extent.Extent, buf []byte, max int, start uint64) (int, error) {
	if err := a.FailIfOutOfBoundaries(ext, "read extent"); err != nil {
		return 0, err
	}
	base := a.byteOffset(ext)
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
	copy(buf[:n], a.buf[base+int64(start):base+int64(start)+int64(n)])
	return n, nil
}

func (a *Blob) WriteExtent(ext extent.Extent, buf []byte, max int, start uint64) (int, error) {
	if err := a.FailIfOutOfBoundaries(ext, "write extent"); err != nil {
		return 0, err
	}
	base := a.byteOffset(ext)
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
	copy(a.buf[base+int64(start):base+int64(start)+int64(n)], buf[:n])
	a.dirty = true
	return n, nil
}

func (a *Blob) IsExtentWithinBoundaries(ext extent.Extent) bool { return boundsCheck(a, ext) }
func (a *Blob) FailIfOutOfBoundaries(ext extent.Extent, msg string) error {
	return failIfOutOfBoundaries(a, ext, msg)
}
