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
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/xozfmt/xoz/pkg/xoz/query"
)

var cfgFile string

// newRootCmd builds the xozctl command tree. Each subcommand opens its
// own app (block array + allocator + catalog + lock), so xozctl behaves
// like a short-lived client against the store named by the config/flags,
// not a long-running server.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "xozctl",
		Short: "xozctl manages segment allocation in a xoz content-addressable store",
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML or JSON config file")

	root.AddCommand(
		newInitCmd(),
		newAllocCmd(),
		newDeallocCmd(),
		newStatsCmd(),
		newListCmd(),
		newReleaseCmd(),
		newResetCmd(),
	)
	return root
}

// withApp runs fn against a freshly opened app, tagging the invocation
// with a request id for log correlation the way a server handler would,
// and guarantees the app is shut down afterward.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	reqID := uuid.New().String()
	ctx := context.WithValue(cmd.Context(), requestIDKey{}, reqID)

	cfg, err := BuildConfig(cfgFile)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Shutdown()

	a.logger.Infof("[%s] running %s", reqID, cmd.Name())
	return fn(ctx, a)
}

type requestIDKey struct{}

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "open (or create) the store and print its baseline stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(_ context.Context, a *app) error {
				stats, err := a.alloc.Stats()
				if err != nil {
					return err
				}
				return printJSON(cmd, stats)
			})
		},
	}
	return cmd
}

func newAllocCmd() *cobra.Command {
	var sz uint32
	var tag string
	cmd := &cobra.Command{
		Use:   "alloc",
		Short: "allocate a segment of sz bytes and record it in the catalog under tag",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				return a.locker.RunExclusive(ctx, a.alloc.Guard, func() error {
					segm, err := a.alloc.Alloc(sz)
					if err != nil {
						return fmt.Errorf("alloc %d bytes: %w", sz, err)
					}
					e, err := a.Catalog.CreateEntry(ctx, tag, segm)
					if err != nil {
						return fmt.Errorf("record catalog entry: %w", err)
					}
					return printJSON(cmd, e)
				})
			})
		},
	}
	cmd.Flags().Uint32Var(&sz, "size", 0, "bytes to allocate")
	cmd.Flags().StringVar(&tag, "tag", "", "free-form tag to store alongside the catalog entry")
	_ = cmd.MarkFlagRequired("size")
	return cmd
}

func newDeallocCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "dealloc",
		Short: "deallocate the segment recorded under catalog entry id",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				e, err := a.Catalog.GetEntry(ctx, id)
				if err != nil {
					return fmt.Errorf("get catalog entry %s: %w", id, err)
				}
				return a.locker.RunExclusive(ctx, a.alloc.Guard, func() error {
					segm := segmentFromEntry(e)
					if err := a.alloc.Dealloc(segm); err != nil {
						return fmt.Errorf("dealloc entry %s: %w", id, err)
					}
					return a.Catalog.DeleteEntry(ctx, id)
				})
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "catalog entry id to deallocate")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "print SegmentAllocator.Stats() for the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(_ context.Context, a *app) error {
				stats, err := a.alloc.Stats()
				if err != nil {
					return err
				}
				return printJSON(cmd, stats)
			})
		},
	}
	return cmd
}

func newListCmd() *cobra.Command {
	var where string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "list catalog entries, optionally filtered by --where",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				entries, err := a.Catalog.ListEntries(ctx)
				if err != nil {
					return err
				}
				matcher, err := query.Compile(where, catalogDialect())
				if err != nil {
					return fmt.Errorf("compile --where %q: %w", where, err)
				}
				var matched []any
				for _, e := range entries {
					if matcher(e) {
						matched = append(matched, e)
					}
				}
				return printJSON(cmd, matched)
			})
		},
	}
	cmd.Flags().StringVar(&where, "where", "", `filter expression, e.g. tag LIKE "blob-*"`)
	return cmd
}

func newReleaseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "release",
		Short: "give back free space (fully free suballoc blocks, free blocks at the tail) without touching the catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(_ context.Context, a *app) error {
				return a.alloc.Release()
			})
		},
	}
	return cmd
}

func newResetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "reset allocator bookkeeping back to nothing-allocated, keeping the catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(_ context.Context, a *app) error {
				return a.alloc.Reset()
			})
		},
	}
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(b))
	return nil
}
