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
package xerrors

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xozfmt/xoz/golibs/errors"
	"github.com/xozfmt/xoz/pkg/xoz/extent"
)

func TestNewExtentOverlapIsConflict(t *testing.T) {
	a := extent.NewWhole(0, 1)
	b := extent.NewWhole(0, 2)
	err := NewExtentOverlap(a, b, ReasonAtSameStart)
	assert.True(t, errors.Is(err, errors.ErrConflict))

	var overlap *ExtentOverlapError
	assert.True(t, errors.ExtractObject(err, &overlap))
	assert.Equal(t, a, overlap.A)
	assert.Equal(t, b, overlap.B)
	assert.Equal(t, ReasonAtSameStart, overlap.Reason)
}

func TestNewExtentOutOfBoundsIsInvalid(t *testing.T) {
	err := NewExtentOutOfBounds(extent.NewWhole(100, 1), 0, 10)
	assert.True(t, errors.Is(err, errors.ErrInvalid))
}

func TestNewInconsistentXOZIsDataLoss(t *testing.T) {
	err := NewInconsistentXOZ("bad state")
	assert.True(t, errors.Is(err, errors.ErrDataLoss))
	assert.Contains(t, err.Error(), "bad state")
}

func TestNewWouldEndUpInconsistentXOZIsInvalid(t *testing.T) {
	err := NewWouldEndUpInconsistentXOZ("would break")
	assert.True(t, errors.Is(err, errors.ErrInvalid))
}

func TestNewNotEnoughRoomIsExhausted(t *testing.T) {
	err := NewNotEnoughRoom(10, 4)
	assert.True(t, errors.Is(err, errors.ErrExhausted))
	assert.Contains(t, err.Error(), "needed 10")
}

func TestSentinelsWrapExpectedCategories(t *testing.T) {
	assert.True(t, errors.Is(ErrZeroBlkCnt, errors.ErrInvalid))
	assert.True(t, errors.Is(ErrSuballocViaWholeBlock, errors.ErrInvalid))
	assert.True(t, errors.Is(ErrUnbalancedUnblock, errors.ErrInvalid))
	assert.True(t, errors.Is(ErrBlocked, errors.ErrConflict))
	assert.True(t, errors.Is(ErrAlreadyInitialized, errors.ErrConflict))
	assert.True(t, errors.Is(ErrNotInitialized, errors.ErrInvalid))
	assert.True(t, errors.Is(ErrBlockArrayNotSet, errors.ErrInvalid))
	assert.True(t, errors.Is(ErrExactNotFound, errors.ErrNotExist))
	assert.True(t, errors.Is(ErrInlineTooLarge, errors.ErrInvalid))
	assert.True(t, errors.Is(ErrBlkCntTooLarge, errors.ErrInvalid))
}
