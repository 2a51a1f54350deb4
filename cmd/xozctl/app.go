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
package main

import (
	"bytes"
	"context"
	"fmt"

	goredis "github.com/go-redis/redis/v8"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/davecgh/go-spew/spew"
	"github.com/logrange/linker"

	xozerrors "github.com/xozfmt/xoz/golibs/errors"
	"github.com/xozfmt/xoz/golibs/kvs"
	dist "github.com/xozfmt/xoz/golibs/kvs/distlock"
	"github.com/xozfmt/xoz/golibs/kvs/inmem"
	redislock "github.com/xozfmt/xoz/golibs/kvs/redis"
	"github.com/xozfmt/xoz/golibs/logging"
	"github.com/xozfmt/xoz/golibs/sss"
	sssinmem "github.com/xozfmt/xoz/golibs/sss/inmem"
	"github.com/xozfmt/xoz/golibs/sss/s3"
	"github.com/xozfmt/xoz/pkg/xoz/blockarray"
	"github.com/xozfmt/xoz/pkg/xoz/catalog"
	"github.com/xozfmt/xoz/pkg/xoz/lock"
	"github.com/xozfmt/xoz/pkg/xoz/segalloc"
)

// app wires together the store backing, the allocator, the catalog and
// the lock provider into one object a cobra command can drive. Modeled on
// pkg/server.Run's linker.New()/Register/Init(ctx)/Shutdown() sequence,
// generalized from a one-shot server process to a CLI invocation that
// must reload catalog state on every run.
type app struct {
	Catalog *catalog.Storage `inject:""`

	cfg    *Config
	inj    *linker.Injector
	lockP  *lock.Provider
	locker *lock.ArrayLock
	arr    blockarray.BlockArray
	alloc  *segalloc.SegmentAllocator
	logger logging.Logger
}

// newApp builds, registers and initializes the app's components, then
// restores SegmentAllocator state from the catalog so allocation picks up
// where a previous invocation of xozctl left off.
func newApp(ctx context.Context, cfg *Config) (*app, error) {
	a := &app{cfg: cfg, logger: logging.NewLogger("xozctl.app")}
	a.logger.Infof("starting up: %s", spew.Sprint(cfg))

	arr, err := newBlockArray(cfg)
	if err != nil {
		return nil, fmt.Errorf("open block array: %w", err)
	}
	a.arr = arr

	a.inj = linker.New()
	a.inj.Register(linker.Component{Name: "", Value: a})
	a.inj.Register(linker.Component{Name: "", Value: catalog.NewStorage(catalog.Config{DBFilePath: cfg.CatalogDBFilePath})})

	if err := a.inj.Init(ctx); err != nil {
		return nil, fmt.Errorf("linker init: %w", err)
	}

	lockStore, err := newLockStorage(cfg)
	if err != nil {
		a.Shutdown()
		return nil, fmt.Errorf("open lock storage: %w", err)
	}
	lp := dist.NewKvsLockProvider(lockStore, cfg.LockNamespace)
	a.lockP = lock.NewProviderFromStorage(lp)
	a.locker = a.lockP.NewArrayLock("store")

	a.alloc = segalloc.New(cfg.CoalescingEnabled, cfg.SplitAboveThreshold, segalloc.DefaultReq)
	if err := a.alloc.ManageBlockArray(arr); err != nil {
		a.Shutdown()
		return nil, fmt.Errorf("manage block array: %w", err)
	}

	exts, err := a.Catalog.AllocatedExtents(ctx)
	if err != nil {
		a.Shutdown()
		return nil, fmt.Errorf("load allocated extents: %w", err)
	}
	if err := a.alloc.InitializeFromAllocatedExtents(exts); err != nil {
		a.Shutdown()
		return nil, fmt.Errorf("restore allocator state: %w", err)
	}
	return a, nil
}

// Shutdown tears down the app's components in reverse order.
func (a *app) Shutdown() {
	if a.lockP != nil {
		a.lockP.Shutdown()
	}
	if closer, ok := a.arr.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			a.logger.Warnf("close block array: %v", err)
		}
	}
	if a.inj != nil {
		a.inj.Shutdown()
	}
	a.logger.Infof("shut down")
}

func newBlockArray(cfg *Config) (blockarray.BlockArray, error) {
	switch cfg.Backend {
	case "", "mem":
		return blockarray.NewMem(cfg.BlkSz, 0), nil
	case "mmfile":
		return blockarray.OpenMMFile(cfg.StoreFilePath, cfg.BlkSz, 0)
	case "blob":
		st := sssinmem.NewStorage()
		if err := ensureBlobKey(st, cfg.BlobKey); err != nil {
			return nil, err
		}
		return blockarray.OpenBlob(st, cfg.BlobKey, cfg.BlkSz, 0)
	case "s3":
		st, err := newS3Storage(cfg)
		if err != nil {
			return nil, fmt.Errorf("open s3 storage: %w", err)
		}
		if err := ensureBlobKey(st, cfg.BlobKey); err != nil {
			return nil, err
		}
		return blockarray.OpenBlob(st, cfg.BlobKey, cfg.BlkSz, 0)
	default:
		return nil, fmt.Errorf("unsupported backend %q (want mem, mmfile, blob or s3)", cfg.Backend)
	}
}

// newS3Storage wires golibs/sss/s3 the way the teacher's pkg/storage/logfs
// wires linker-injected components, but by hand: xozctl is a short-lived
// CLI process, not a server with a DI container holding AwsConfig/Bucket for
// its whole lifetime.
func newS3Storage(cfg *Config) (*s3.Storage, error) {
	awsCfg := &aws.Config{Region: aws.String(cfg.S3Region)}
	if cfg.S3Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.S3Endpoint)
		awsCfg.DisableSSL = aws.Bool(true)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}
	if cfg.S3AccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.S3AccessKey, cfg.S3SecretKey, "")
	}
	st := &s3.Storage{AwsConfig: awsCfg, Bucket: cfg.S3Bucket}
	if err := st.Init(context.Background()); err != nil {
		return nil, err
	}
	return st, nil
}

// ensureBlobKey puts an empty value at key if it isn't already present, so
// OpenBlob (which requires the key to already exist) can be called against
// a store being used for the first time.
func ensureBlobKey(st sss.Storage, key string) error {
	if r, err := st.Get(key); err == nil {
		return r.Close()
	} else if !xozerrors.Is(err, xozerrors.ErrNotExist) {
		return fmt.Errorf("check blob key %s: %w", key, err)
	}
	return st.Put(key, bytes.NewReader(nil))
}

// newLockStorage opens the golibs/kvs.Storage backing the distributed lock
// provider. "redis" lets locks be shared across xozctl invocations and
// processes; "mem" is process-local and only useful within a single run.
func newLockStorage(cfg *Config) (kvs.Storage, error) {
	switch cfg.LockBackend {
	case "", "mem":
		return inmem.New(), nil
	case "redis":
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("lockBackend \"redis\" requires redisAddr")
		}
		return redislock.New(&goredis.Options{Addr: cfg.RedisAddr}), nil
	default:
		return nil, fmt.Errorf("unsupported lockBackend %q (want mem or redis)", cfg.LockBackend)
	}
}
