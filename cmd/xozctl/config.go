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
	"encoding/json"
	"fmt"

	"github.com/xozfmt/xoz/golibs/config"
	"github.com/xozfmt/xoz/golibs/logging"
	"github.com/xozfmt/xoz/pkg/xoz/segalloc"
)

// Config is the xozctl configuration. It is built the same way the
// teacher builds pkg/server.Config: a default value, overlaid by an
// optional YAML/JSON config file, overlaid by XOZ_-prefixed environment
// variables.
type Config struct {
	// Backend selects the blockarray.BlockArray implementation: "mem",
	// "mmfile", "blob" (golibs/sss/inmem) or "s3" (golibs/sss/s3).
	Backend string
	// StoreFilePath is the backing file for the "mmfile" backend.
	StoreFilePath string
	// BlkSz is the block array's block size in bytes.
	BlkSz uint32
	// CoalescingEnabled enables FreeMap neighbor merging (and merging tail
	// growth with a free chunk at the tail). SubBlockFreeMap is not affected.
	CoalescingEnabled bool
	// SplitAboveThreshold is SegmentAllocator's fragmentation-avoidance
	// split threshold, in blocks.
	SplitAboveThreshold uint16
	// CatalogDBFilePath is where pkg/xoz/catalog persists the directory
	// of allocated segments. Empty means in-memory, process-local.
	CatalogDBFilePath string
	// LockNamespace is the key prefix pkg/xoz/lock uses to scope its
	// distributed locks for this store.
	LockNamespace string
	// LockBackend selects the golibs/kvs.Storage backing pkg/xoz/lock's
	// distributed lock provider: "mem" (golibs/kvs/inmem, process-local)
	// or "redis" (golibs/kvs/redis, for locks shared across processes).
	LockBackend string
	// RedisAddr is the redis server address used when LockBackend is "redis".
	RedisAddr string

	// BlobKey is the sss.Storage key the "blob" backend stores the block
	// array content under.
	BlobKey string
	// S3Bucket, S3Endpoint, S3Region, S3AccessKey and S3SecretKey configure
	// golibs/sss/s3 when Backend is "s3". S3Endpoint/S3AccessKey/S3SecretKey
	// are only needed against an S3-compatible endpoint other than AWS
	// itself (e.g. minio); left empty, the AWS SDK falls back to its usual
	// credential chain and default endpoint resolution.
	S3Bucket    string
	S3Endpoint  string
	S3Region    string
	S3AccessKey string
	S3SecretKey string
}

func getDefaultConfig() *Config {
	return &Config{
		Backend:             "mem",
		StoreFilePath:       "xoz.store",
		BlkSz:               4096,
		CoalescingEnabled:   true,
		SplitAboveThreshold: segalloc.DefaultReq.SegmFragThreshold,
		CatalogDBFilePath:   "",
		LockNamespace:       "/xoz/locks/",
		LockBackend:         "mem",
		RedisAddr:           "",
		BlobKey:             "/xoz/store.blob",
		S3Bucket:            "",
		S3Region:            "us-east-1",
	}
}

// BuildConfig loads the xozctl configuration the way
// pkg/server.BuildConfig does in the teacher: default value, applied
// over by the cfgFile contents (if any), applied over by XOZ_ environment
// variables.
func BuildConfig(cfgFile string) (*Config, error) {
	log := logging.NewLogger("xozctl.ConfigBuilder")
	log.Infof("building config, cfgFile=%s", cfgFile)

	e := config.NewEnricher(*getDefaultConfig())
	fe := config.NewEnricher(Config{})
	if err := fe.LoadFromFile(cfgFile); err != nil {
		return nil, fmt.Errorf("could not read config from %s: %w", cfgFile, err)
	}
	if err := e.ApplyOther(fe); err != nil {
		return nil, fmt.Errorf("could not apply %s over defaults: %w", cfgFile, err)
	}
	if err := e.ApplyEnvVariables("XOZ", "_"); err != nil {
		return nil, fmt.Errorf("could not apply XOZ_ environment variables: %w", err)
	}
	cfg := e.Value()
	return &cfg, nil
}

// String implements fmt.Stringer in a pretty console form.
func (c *Config) String() string {
	b, _ := json.MarshalIndent(*c, "", "  ")
	return string(b)
}
