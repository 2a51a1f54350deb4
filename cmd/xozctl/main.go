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

// Command xozctl is a CLI client for a xoz content-addressable store: it
// allocates and deallocates segments, lists and filters the catalog of
// what is currently allocated, and prints SegmentAllocator statistics.
package main

import (
	"os"
	"syscall"

	xctx "github.com/xozfmt/xoz/golibs/context"
	"github.com/xozfmt/xoz/golibs/logging"
)

func main() {
	ctx := xctx.NewSignalsContext(os.Interrupt, syscall.SIGTERM)
	root := newRootCmd()
	root.SilenceUsage = true
	if err := root.ExecuteContext(ctx); err != nil {
		logging.NewLogger("xozctl").Errorf("%v", err)
		os.Exit(1)
	}
}
