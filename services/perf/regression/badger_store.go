// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package regression

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianPerf/services/perf/storage/badger"
)

// Key layout:
//
//	regression/meta                              snapshot version and time
//	regression/test/{id}                         Test JSON
//	regression/baseline/{metric}/{nanos}/{id}    Baseline JSON
const (
	keyPrefix      = "regression/"
	metaKey        = keyPrefix + "meta"
	testPrefix     = keyPrefix + "test/"
	baselinePrefix = keyPrefix + "baseline/"
)

type snapshotMeta struct {
	Version    int       `json:"version"`
	ExportedAt time.Time `json:"exported_at"`
}

// BadgerStore persists snapshots in BadgerDB, one key per test and
// baseline.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore wraps an open database. The caller keeps ownership of db.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

// Save implements BaselineStore. It replaces any previous snapshot in a
// single transaction.
func (b *BadgerStore) Save(ctx context.Context, s Snapshot) error {
	return b.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		if err := deletePrefix(txn, []byte(keyPrefix)); err != nil {
			return err
		}
		meta, err := json.Marshal(snapshotMeta{Version: s.Version, ExportedAt: s.ExportedAt})
		if err != nil {
			return err
		}
		if err := txn.Set([]byte(metaKey), meta); err != nil {
			return err
		}
		for _, t := range s.Tests {
			data, err := json.Marshal(t)
			if err != nil {
				return err
			}
			if err := txn.Set([]byte(testPrefix+t.ID), data); err != nil {
				return err
			}
		}
		for _, bl := range s.Baselines {
			data, err := json.Marshal(bl)
			if err != nil {
				return err
			}
			key := fmt.Sprintf("%s%s/%020d/%s", baselinePrefix, bl.Metric, bl.RecordedAt.UnixNano(), bl.ID)
			if err := txn.Set([]byte(key), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// Load implements BaselineStore.
func (b *BadgerStore) Load(ctx context.Context) (Snapshot, bool, error) {
	var (
		s     Snapshot
		found bool
	)
	err := b.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		item, err := txn.Get([]byte(metaKey))
		if errors.Is(err, dgbadger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var meta snapshotMeta
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &meta) }); err != nil {
			return fmt.Errorf("decode meta: %w", err)
		}
		found = true
		s.Version, s.ExportedAt = meta.Version, meta.ExportedAt

		if err := scan(ctx, txn, []byte(testPrefix), func(val []byte) error {
			var t Test
			if err := json.Unmarshal(val, &t); err != nil {
				return fmt.Errorf("decode test: %w", err)
			}
			s.Tests = append(s.Tests, t)
			return nil
		}); err != nil {
			return err
		}
		return scan(ctx, txn, []byte(baselinePrefix), func(val []byte) error {
			var bl Baseline
			if err := json.Unmarshal(val, &bl); err != nil {
				return fmt.Errorf("decode baseline: %w", err)
			}
			s.Baselines = append(s.Baselines, bl)
			return nil
		})
	})
	if err != nil {
		return Snapshot{}, false, err
	}
	return s, found, nil
}

func scan(ctx context.Context, txn *dgbadger.Txn, prefix []byte, fn func(val []byte) error) error {
	opts := dgbadger.DefaultIteratorOptions
	opts.PrefetchValues = true
	opts.Prefix = prefix

	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := it.Item().Value(fn); err != nil {
			return err
		}
	}
	return nil
}

func deletePrefix(txn *dgbadger.Txn, prefix []byte) error {
	opts := dgbadger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix

	var keys [][]byte
	it := txn.NewIterator(opts)
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	it.Close()

	for _, k := range keys {
		if err := txn.Delete(k); err != nil {
			return err
		}
	}
	return nil
}
