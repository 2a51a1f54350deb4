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

// Package lock serializes access to a single xoz catalog/array across
// processes, sitting in front of a SegmentAllocator the way a file lock
// sits in front of a process-local mutex. It is NOT the same concern as
// SegmentAllocator.Guard(): that guard is an in-process reentrancy counter
// blocking a goroutine's own further alloc/dealloc calls, ported from the
// original's RAII blocking guard. This package instead keeps two different
// xozctl processes (or two nodes sharing the same blob storage) from
// mutating the same array concurrently, built on golibs/kvs/distlock the
// way the teacher builds distributed coordination for its own catalog.
package lock

import (
	"context"
	"fmt"

	dist "github.com/xozfmt/xoz/golibs/kvs/distlock"
)

// Provider hands out per-array Lockers backed by a kvs.Storage. It embeds
// the kvs-backed LockProvider's lifecycle (Shutdown must be called once
// the provider is no longer needed).
type Provider struct {
	lp dist.LockProvider
}

// NewProviderFromStorage builds a Provider from a distlock provider, as
// constructed by dist.NewKvsLockProvider(storage, namespace) over a
// golibs/kvs.Storage (in-memory, redis, or any other backing).
func NewProviderFromStorage(lp dist.LockProvider) *Provider {
	return &Provider{lp: lp}
}

// Shutdown releases resources held by the underlying distlock provider.
func (p *Provider) Shutdown() {
	p.lp.Shutdown()
}

// ArrayLock guards one xoz array (identified by name, e.g. a catalog key
// or file path) against concurrent mutation from other processes.
type ArrayLock struct {
	locker interface {
		Lock()
		Unlock()
		TryLock(ctx context.Context) bool
		LockWithCtx(ctx context.Context) error
	}
	name string
}

// NewArrayLock returns the lock for the array named name. Lockers for the
// same name, obtained from the same Provider (or two Providers sharing the
// same backing storage), contend for the same distributed lock.
func (p *Provider) NewArrayLock(name string) *ArrayLock {
	return &ArrayLock{locker: p.lp.NewLocker(name), name: name}
}

// Lock blocks until the distributed lock for this array is held or ctx is
// done, whichever happens first.
func (a *ArrayLock) Lock(ctx context.Context) error {
	if err := a.locker.LockWithCtx(ctx); err != nil {
		return fmt.Errorf("lock array %s: %w", a.name, err)
	}
	return nil
}

// TryLock attempts to acquire the lock without blocking.
func (a *ArrayLock) TryLock(ctx context.Context) bool {
	return a.locker.TryLock(ctx)
}

// Unlock releases the distributed lock. It panics (via the underlying
// kvsLock) if called without a matching successful Lock/TryLock, matching
// sync.Mutex's own contract.
func (a *ArrayLock) Unlock() {
	a.locker.Unlock()
}

// RunExclusive acquires the distributed array lock, then runs guard to
// obtain this process's in-process unblock closure (typically
// SegmentAllocator.Guard), then runs fn, unwinding both guards regardless
// of fn's outcome. Pass a no-op guard (func() func() { return func() {} })
// when only distributed exclusion is needed.
func (a *ArrayLock) RunExclusive(ctx context.Context, guard func() func(), fn func() error) error {
	if err := a.Lock(ctx); err != nil {
		return err
	}
	defer a.Unlock()

	unblock := guard()
	defer unblock()

	return fn()
}
