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
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xozfmt/xoz/golibs/errors"
	"github.com/xozfmt/xoz/pkg/xoz/extent"
)

// fakeStorage is a minimal sss.Storage for exercising Blob without pulling
// in a real object-store client.
type fakeStorage struct {
	objs map[string][]byte
}

func newFakeStorage() *fakeStorage { return &fakeStorage{objs: make(map[string][]byte)} }

func (s *fakeStorage) Get(key string) (io.ReadCloser, error) {
	buf, ok := s.objs[key]
	if !ok {
		return nil, errors.ErrNotExist
	}
	return io.NopCloser(bytes.NewReader(buf)), nil
}

func (s *fakeStorage) Put(key string, r io.Reader) error {
	buf, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.objs[key] = buf
	return nil
}

func (s *fakeStorage) List(_ string) ([]string, error) { return nil, nil }
func (s *fakeStorage) Delete(key string) error {
	delete(s.objs, key)
	return nil
}

func TestBlobOpenEmptyThenGrowAndWrite(t *testing.T) {
	st := newFakeStorage()
	require.NoError(t, st.Put("/arr.bin", bytes.NewReader(nil)))

	a, err := OpenBlob(st, "/arr.bin", 512, 1)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), a.BlkCnt())

	firstNew, err := a.GrowByBlocks(2)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), firstNew)
	assert.Equal(t, uint32(2), a.BlkCnt())

	ext := extent.NewWhole(1, 2)
	payload := bytes.Repeat([]byte{0xAB}, 1024)
	n, err := a.WriteExtent(ext, payload, len(payload), 0)
	require.NoError(t, err)
	assert.Equal(t, 1024, n)

	require.NoError(t, a.Sync())

	reopened, err := OpenBlob(st, "/arr.bin", 512, 1)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), reopened.BlkCnt())

	got := make([]byte, 1024)
	n, err = reopened.ReadExtent(ext, got, len(got), 0)
	require.NoError(t, err)
	assert.Equal(t, 1024, n)
	assert.Equal(t, payload, got)
}

func TestBlobSyncOnlyWritesWhenDirty(t *testing.T) {
	st := newFakeStorage()
	require.NoError(t, st.Put("/arr.bin", bytes.NewReader(nil)))

	a, err := OpenBlob(st, "/arr.bin", 512, 1)
	require.NoError(t, err)
	require.NoError(t, a.Sync())
	assert.Empty(t, st.objs["/arr.bin"])

	_, err = a.GrowByBlocks(1)
	require.NoError(t, err)
	require.NoError(t, a.Sync())
	assert.Len(t, st.objs["/arr.bin"], 512)
}

func TestBlobShrinkByBlocks(t *testing.T) {
	st := newFakeStorage()
	require.NoError(t, st.Put("/arr.bin", bytes.NewReader(nil)))

	a, err := OpenBlob(st, "/arr.bin", 512, 1)
	require.NoError(t, err)
	_, err = a.GrowByBlocks(4)
	require.NoError(t, err)

	require.NoError(t, a.ShrinkByBlocks(2))
	assert.Equal(t, uint32(2), a.BlkCnt())
}

func TestBlobShrinkBeyondBlkCntIsError(t *testing.T) {
	st := newFakeStorage()
	require.NoError(t, st.Put("/arr.bin", bytes.NewReader(nil)))

	a, err := OpenBlob(st, "/arr.bin", 512, 1)
	require.NoError(t, err)
	_, err = a.GrowByBlocks(1)
	require.NoError(t, err)

	err = a.ShrinkByBlocks(5)
	assert.Error(t, err)
}

func TestBlobReadExtentOutOfBoundsErrors(t *testing.T) {
	st := newFakeStorage()
	require.NoError(t, st.Put("/arr.bin", bytes.NewReader(nil)))

	a, err := OpenBlob(st, "/arr.bin", 512, 1)
	require.NoError(t, err)
	_, err = a.GrowByBlocks(1)
	require.NoError(t, err)

	buf := make([]byte, 16)
	_, err = a.ReadExtent(extent.NewWhole(5, 1), buf, len(buf), 0)
	assert.Error(t, err)
}

func TestBlobGrowByZeroIsError(t *testing.T) {
	st := newFakeStorage()
	require.NoError(t, st.Put("/arr.bin", bytes.NewReader(nil)))

	a, err := OpenBlob(st, "/arr.bin", 512, 1)
	require.NoError(t, err)
	_, err = a.GrowByBlocks(0)
	assert.Error(t, err)
}

func TestBlobOpenInvalidKeyIsError(t *testing.T) {
	st := newFakeStorage()
	_, err := OpenBlob(st, "no-leading-slash", 512, 1)
	assert.Error(t, err)
}
