// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/assemblotron/internal/fastq"
)

// keyPrefix namespaces score entries inside the database.
const keyPrefix = "score/"

// Entry is a cached evaluation.
//
// A nil Score records a point whose attempt produced no usable output.
type Entry struct {
	Backend    string         `json:"backend"`
	Scorer     string         `json:"scorer"`
	Reads      fastq.ReadPair `json:"reads"`
	Parameters map[string]any `json:"parameters"`
	Score      *float64       `json:"score"`
	RecordedAt time.Time      `json:"recorded_at"`
}

// ScoreCache maps (backend, scorer, reads, parameters) to a score.
//
// # Description
//
// Keys are the SHA-256 of the canonical JSON encoding of the tuple, so
// parameter map order never affects lookups. The scorer is identified by
// the fingerprint returned from optimizer.Scorer.ID, so a score recorded
// under one scoring command is never returned under another. Values hold
// the full Entry for inspection with badger tooling.
//
// Scores are finite numbers or negative infinity. Negative infinity is the
// worst-case score of an unusable attempt and is stored as a null score.
//
// # Thread Safety
//
// ScoreCache is safe for concurrent use; batch workers share one instance.
type ScoreCache struct {
	db  *badger.DB
	now func() time.Time
}

// Open opens the cache described by cfg.
//
// # Outputs
//
//   - *ScoreCache: caller must call Close
//   - error: non-nil when the database cannot be opened
func Open(cfg Config) (*ScoreCache, error) {
	db, err := open(cfg)
	if err != nil {
		return nil, err
	}
	return &ScoreCache{db: db, now: time.Now}, nil
}

// OpenInMemory opens a cache that disappears on Close.
func OpenInMemory() (*ScoreCache, error) {
	return Open(InMemoryConfig())
}

// Key returns the cache key for one evaluation.
func Key(backend, scorer string, reads fastq.ReadPair, params map[string]any) ([]byte, error) {
	canonical, err := json.Marshal(struct {
		Backend string         `json:"backend"`
		Scorer  string         `json:"scorer"`
		Left    string         `json:"left"`
		Right   string         `json:"right"`
		Params  map[string]any `json:"params"`
	}{backend, scorer, reads.Left, reads.Right, params})
	if err != nil {
		return nil, fmt.Errorf("encode cache key: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return []byte(keyPrefix + hex.EncodeToString(sum[:])), nil
}

// Get returns the cached score, if any.
//
// # Outputs
//
//   - float64: the cached score; negative infinity for an unusable attempt
//   - bool: true on a hit
//   - error: non-nil on database or decode failure
func (c *ScoreCache) Get(backend, scorer string, reads fastq.ReadPair, params map[string]any) (float64, bool, error) {
	key, err := Key(backend, scorer, reads, params)
	if err != nil {
		return 0, false, err
	}

	var entry Entry
	err = c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read cached score: %w", err)
	}
	if entry.Score == nil {
		return math.Inf(-1), true, nil
	}
	return *entry.Score, true, nil
}

// Put records a score, replacing any previous value for the same key.
//
// # Outputs
//
//   - error: NaN or positive infinity, or a database failure
func (c *ScoreCache) Put(backend, scorer string, reads fastq.ReadPair, params map[string]any, score float64) error {
	if math.IsNaN(score) || math.IsInf(score, 1) {
		return fmt.Errorf("cannot cache score %v", score)
	}
	key, err := Key(backend, scorer, reads, params)
	if err != nil {
		return err
	}
	entry := Entry{
		Backend:    backend,
		Scorer:     scorer,
		Reads:      reads,
		Parameters: params,
		RecordedAt: c.now().UTC(),
	}
	if !math.IsInf(score, -1) {
		entry.Score = &score
	}
	val, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cached score: %w", err)
	}
	err = c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, val)
	})
	if err != nil {
		return fmt.Errorf("write cached score: %w", err)
	}
	return nil
}

// Entries returns every cached evaluation for backend.
func (c *ScoreCache) Entries(backend string) ([]Entry, error) {
	var out []Entry
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var e Entry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return err
			}
			if e.Backend == backend {
				out = append(out, e)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan cached scores: %w", err)
	}
	return out, nil
}

// Close releases the database.
func (c *ScoreCache) Close() error {
	return c.db.Close()
}
