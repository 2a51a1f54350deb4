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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xozfmt/xoz/pkg/xoz/extent"
)

func TestMemGrowAndShrink(t *testing.T) {
	m := NewMem(1024, 1)
	assert.Equal(t, uint32(1), m.BeginBlkNr())
	assert.Equal(t, uint32(1), m.PastEndBlkNr())

	first, err := m.GrowByBlocks(4)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), first)
	assert.Equal(t, uint32(5), m.PastEndBlkNr())
	assert.Equal(t, uint32(4), m.BlkCnt())

	require.NoError(t, m.ShrinkByBlocks(2))
	assert.Equal(t, uint32(3), m.PastEndBlkNr())
}

func TestMemGrowByZeroIsError(t *testing.T) {
	m := NewMem(1024, 1)
	_, err := m.GrowByBlocks(0)
	assert.Error(t, err)
}

func TestMemShrinkBeyondBlkCntIsError(t *testing.T) {
	m := NewMem(1024, 1)
	_, err := m.GrowByBlocks(1)
	require.NoError(t, err)
	assert.Error(t, m.ShrinkByBlocks(2))
}

func TestMemReadWriteExtentRoundtrip(t *testing.T) {
	m := NewMem(128, 1)
	_, err := m.GrowByBlocks(3)
	require.NoError(t, err)

	ext := extent.NewWhole(1, 2)
	payload := make([]byte, 256)
	for i := range payload {
		payload[i] = byte(i)
	}

	n, err := m.WriteExtent(ext, payload, len(payload), 0)
	require.NoError(t, err)
	assert.Equal(t, 256, n)

	out := make([]byte, 256)
	n, err = m.ReadExtent(ext, out, len(out), 0)
	require.NoError(t, err)
	assert.Equal(t, 256, n)
	assert.Equal(t, payload, out)
}

func TestMemReadExtentOutOfBoundsErrors(t *testing.T) {
	m := NewMem(128, 1)
	_, err := m.GrowByBlocks(1)
	require.NoError(t, err)

	ext := extent.NewWhole(5, 1)
	buf := make([]byte, 16)
	_, err = m.ReadExtent(ext, buf, len(buf), 0)
	assert.Error(t, err)
}

func TestMemReadExtentPartialAvailability(t *testing.T) {
	m := NewMem(128, 1)
	_, err := m.GrowByBlocks(1)
	require.NoError(t, err)

	ext := extent.NewWhole(1, 1)
	buf := make([]byte, 256)
	n, err := m.ReadExtent(ext, buf, len(buf), 100)
	require.NoError(t, err)
	assert.Equal(t, 28, n)
}

func TestMemIsExtentWithinBoundaries(t *testing.T) {
	m := NewMem(128, 1)
	_, err := m.GrowByBlocks(2)
	require.NoError(t, err)

	assert.True(t, m.IsExtentWithinBoundaries(extent.NewWhole(1, 2)))
	assert.False(t, m.IsExtentWithinBoundaries(extent.NewWhole(1, 3)))
	assert.False(t, m.IsExtentWithinBoundaries(extent.NewWhole(0, 1)))
}
