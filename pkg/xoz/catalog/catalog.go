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

// Package catalog keeps the small directory of "currently allocated"
// segments that a caller persists alongside a xoz store. SegmentAllocator
// itself persists nothing (spec Non-goal); on reopening a store, a caller
// loads this catalog and feeds its extents to
// SegmentAllocator.InitializeFromAllocatedExtents to rebuild the in-memory
// free-space state. Grounded on the teacher's pkg/storage/buntdb.Storage
// lifecycle (Init(ctx)/Shutdown(), a single *buntdb.DB) generalized from a
// log-metadata store to a segment directory.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/buntdb"

	"github.com/xozfmt/xoz/golibs/errors"
	"github.com/xozfmt/xoz/golibs/logging"
	"github.com/xozfmt/xoz/golibs/ulidutils"
	"github.com/xozfmt/xoz/pkg/xoz/extent"
	"github.com/xozfmt/xoz/pkg/xoz/segment"
)

type (
	// Config configures the catalog's backing buntdb instance.
	Config struct {
		// DBFilePath is the on-disk path for the catalog database. Empty
		// means an in-memory, process-local catalog.
		DBFilePath string
	}

	// Entry is one catalog record: the root extents and inline tail of a
	// segment a caller considers "allocated" and wants to survive a
	// restart, plus a free-form tag for pkg/xoz/query filtering.
	Entry struct {
		ID        string          `json:"id"`
		Tag       string          `json:"tag"`
		Extents   []extent.Extent `json:"extents"`
		InlineSz  uint8           `json:"inlineSz"`
		CreatedAt time.Time       `json:"createdAt"`
		UpdatedAt time.Time       `json:"updatedAt"`
	}

	// Storage is the catalog itself.
	Storage struct {
		cfg    *Config
		db     *buntdb.DB
		logger logging.Logger
	}
)

// NewStorage creates a new catalog storage. Init must be called before use.
func NewStorage(cfg Config) *Storage {
	return &Storage{cfg: &cfg}
}

// Init implements linker.Initializer: opens the backing buntdb database.
func (s *Storage) Init(_ context.Context) error {
	path := s.cfg.DBFilePath
	if len(path) == 0 {
		path = ":memory:"
	}

	s.logger = logging.NewLogger("catalog.Storage")
	s.logger.Infof("Initializing with dbFilePath=%s", path)

	var err error
	s.db, err = buntdb.Open(path)
	if err != nil {
		return fmt.Errorf("buntdb.Open(%s) failed: %w", path, err)
	}
	return nil
}

// Shutdown implements linker.Shutdowner.
func (s *Storage) Shutdown() {
	s.logger.Infof("Shutting down...")
	if s.db != nil {
		_ = s.db.Close()
	}
}

// CreateEntry records segm as a new catalog entry tagged with tag and
// returns the stored Entry, including its freshly generated ulid ID.
func (s *Storage) CreateEntry(_ context.Context, tag string, segm *segment.Segment) (Entry, error) {
	now := time.Now()
	e := Entry{
		ID:        ulidutils.NewID(),
		Tag:       tag,
		Extents:   append([]extent.Extent(nil), segm.Extents...),
		InlineSz:  segm.InlineSz,
		CreatedAt: now,
		UpdatedAt: now,
	}

	tx := mustBeginTx(s.db, true)
	defer mustRollback(tx)

	key := entryKey(e.ID)
	val := mustMarshal(e)
	if _, _, err := tx.Set(key, val, nil); err != nil {
		return Entry{}, fmt.Errorf("tx.Set(%s) failed: %w", key, err)
	}

	mustCommit(tx)
	return e, nil
}

// GetEntry retrieves the entry by ID, or ErrNotExist if no such entry.
func (s *Storage) GetEntry(_ context.Context, id string) (Entry, error) {
	tx := mustBeginTx(s.db, false)
	defer mustRollback(tx)
	return s.getEntry(tx, id)
}

func (s *Storage) getEntry(tx *buntdb.Tx, id string) (Entry, error) {
	val, err := tx.Get(entryKey(id), true)
	if err != nil && errors.Is(err, buntdb.ErrNotFound) {
		return Entry{}, errors.ErrNotExist
	}
	if err != nil {
		return Entry{}, fmt.Errorf("tx.Get(%s) failed: %w", id, err)
	}
	return mustUnmarshal[Entry](val), nil
}

// DeleteEntry removes the entry by ID. It is a no-op, returning no error,
// if the entry does not exist.
func (s *Storage) DeleteEntry(_ context.Context, id string) error {
	tx := mustBeginTx(s.db, true)
	defer mustRollback(tx)

	if _, err := tx.Delete(entryKey(id)); err != nil && !errors.Is(err, buntdb.ErrNotFound) {
		return fmt.Errorf("tx.Delete(%s) failed: %w", id, err)
	}
	mustCommit(tx)
	return nil
}

// ListEntries returns every catalog entry in ID (creation) order.
func (s *Storage) ListEntries(ctx context.Context) ([]Entry, error) {
	tx := mustBeginTx(s.db, false)
	defer mustRollback(tx)

	var entries []Entry
	var iterErr error
	iter := func(_, val string) bool {
		if ctx.Err() != nil {
			iterErr = fmt.Errorf("context error: %w", ctx.Err())
			return false
		}
		entries = append(entries, mustUnmarshal[Entry](val))
		return true
	}
	if err := tx.Ascend("", iter); err != nil {
		return nil, fmt.Errorf("iteration failed: %w", err)
	}
	if iterErr != nil {
		return nil, iterErr
	}
	return entries, nil
}

// AllocatedExtents flattens every entry's extents into one slice, in the
// shape SegmentAllocator.InitializeFromAllocatedExtents expects when
// rebuilding free-space state after a restart.
func (s *Storage) AllocatedExtents(ctx context.Context) ([]extent.Extent, error) {
	entries, err := s.ListEntries(ctx)
	if err != nil {
		return nil, err
	}
	var exts []extent.Extent
	for _, e := range entries {
		exts = append(exts, e.Extents...)
	}
	return exts, nil
}

func entryKey(id string) string {
	return fmt.Sprintf("/segments/%s", id)
}

func mustBeginTx(db *buntdb.DB, writable bool) *buntdb.Tx {
	tx, err := db.Begin(writable)
	if err != nil {
		panic(fmt.Errorf("mustBeginTx(%t) failed: %v", writable, err))
	}
	return tx
}

func mustCommit(tx *buntdb.Tx) {
	if err := tx.Commit(); err != nil {
		panic(fmt.Errorf("mustCommit() failed: %v", err))
	}
}

func mustRollback(tx *buntdb.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, buntdb.ErrTxClosed) {
		panic(fmt.Errorf("mustRollback() failed: %v", err))
	}
}

func mustMarshal(e Entry) string {
	b, err := json.Marshal(e)
	if err != nil {
		panic(fmt.Errorf("mustMarshal() failed: %v", err))
	}
	return string(b)
}

func mustUnmarshal[T any](val string) T {
	var v T
	if err := json.Unmarshal([]byte(val), &v); err != nil {
		panic(fmt.Errorf("mustUnmarshal() failed: %v", err))
	}
	return v
}
