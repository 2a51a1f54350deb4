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
package lock

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dist "github.com/xozfmt/xoz/golibs/kvs/distlock"
	"github.com/xozfmt/xoz/golibs/kvs/inmem"
)

func newTestProvider(t *testing.T) *Provider {
	t.Helper()
	lp := dist.NewKvsLockProvider(inmem.New(), "/xoz/locks/")
	t.Cleanup(lp.Shutdown)
	return NewProviderFromStorage(lp)
}

func TestArrayLockTryLockExcludesSecondHolder(t *testing.T) {
	p := newTestProvider(t)
	a1 := p.NewArrayLock("catalog-a")
	a2 := p.NewArrayLock("catalog-a")

	ctx := context.Background()
	require.True(t, a1.TryLock(ctx))
	assert.False(t, a2.TryLock(ctx))

	a1.Unlock()
	assert.True(t, a2.TryLock(ctx))
	a2.Unlock()
}

func TestArrayLockDifferentNamesDoNotContend(t *testing.T) {
	p := newTestProvider(t)
	a1 := p.NewArrayLock("catalog-a")
	a2 := p.NewArrayLock("catalog-b")

	ctx := context.Background()
	require.True(t, a1.TryLock(ctx))
	assert.True(t, a2.TryLock(ctx))

	a1.Unlock()
	a2.Unlock()
}

func TestRunExclusiveRunsGuardedFn(t *testing.T) {
	p := newTestProvider(t)
	a := p.NewArrayLock("catalog-a")

	var guardCalls, unblockCalls, fnCalls int
	guard := func() func() {
		guardCalls++
		return func() { unblockCalls++ }
	}

	err := a.RunExclusive(context.Background(), guard, func() error {
		fnCalls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, guardCalls)
	assert.Equal(t, 1, unblockCalls)
	assert.Equal(t, 1, fnCalls)

	assert.True(t, a.TryLock(context.Background()))
	a.Unlock()
}
