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
package tailalloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xozfmt/xoz/pkg/xoz/blockarray"
	"github.com/xozfmt/xoz/pkg/xoz/extent"
)

func TestAllocGrowsTail(t *testing.T) {
	arr := blockarray.NewMem(1024, 1)
	a := New(arr)

	ext, err := a.Alloc(3)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), ext.BlkNr)
	assert.Equal(t, uint16(3), ext.BlkCnt)
	assert.Equal(t, uint32(4), arr.PastEndBlkNr())
}

func TestAllocZeroBlkCntIsError(t *testing.T) {
	arr := blockarray.NewMem(1024, 1)
	a := New(arr)
	_, err := a.Alloc(0)
	assert.Error(t, err)
}

func TestDeallocAtTailShrinks(t *testing.T) {
	arr := blockarray.NewMem(1024, 1)
	a := New(arr)

	ext, err := a.Alloc(2)
	require.NoError(t, err)

	ok, err := a.Dealloc(ext)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint32(1), arr.PastEndBlkNr())
}

func TestDeallocNotAtTailReturnsFalseNotError(t *testing.T) {
	arr := blockarray.NewMem(1024, 1)
	a := New(arr)

	first, err := a.Alloc(2)
	require.NoError(t, err)
	_, err = a.Alloc(2)
	require.NoError(t, err)

	ok, err := a.Dealloc(first)
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, uint32(5), arr.PastEndBlkNr())
}

func TestDeallocSuballocIsError(t *testing.T) {
	arr := blockarray.NewMem(1024, 1)
	a := New(arr)
	_, err := a.Dealloc(extent.NewSuballoc(1, 0xFFFF))
	assert.Error(t, err)
}

func TestDeallocZeroBlkCntIsError(t *testing.T) {
	arr := blockarray.NewMem(1024, 1)
	a := New(arr)
	_, err := a.Dealloc(extent.NewWhole(1, 0))
	assert.Error(t, err)
}

func TestIsAtTheEnd(t *testing.T) {
	arr := blockarray.NewMem(1024, 1)
	a := New(arr)

	ext, err := a.Alloc(2)
	require.NoError(t, err)
	assert.True(t, a.IsAtTheEnd(ext))
	assert.False(t, a.IsAtTheEnd(extent.NewWhole(1, 1)))
}

func TestDeallocRange(t *testing.T) {
	arr := blockarray.NewMem(1024, 1)
	a := New(arr)

	_, err := a.Alloc(2)
	require.NoError(t, err)

	ok, err := a.DeallocRange(1, 2)
	require.NoError(t, err)
	assert.True(t, ok)
}
