// MapSketch - Collaborative Geo-Anchored Drawing
// Copyright 2026 MapSketch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mapsketch/mapsketch

package energy

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
)

const keyPrefix = "energy:"

// Store persists energy state per user in a local BadgerDB so the pool
// keeps regenerating across restarts.
type Store struct {
	db *badger.DB
}

// OpenStore opens (or creates) the store at path. An empty path opens an
// in-memory store, used by tests and the simulation agent.
func OpenStore(path string) (*Store, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open energy store: %w", err)
	}
	return &Store{db: db}, nil
}

// Save writes a user's snapshot.
func (s *Store) Save(userID string, st State) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal energy state: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyPrefix+userID), payload)
	})
}

// Load reads a user's snapshot. The second return is false when the
// user has no persisted state yet.
func (s *Store) Load(userID string) (State, bool, error) {
	var st State
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + userID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &st)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, fmt.Errorf("load energy state: %w", err)
	}
	return st, true, nil
}

// LoadGate restores a user's gate with offline regeneration credited,
// or returns a full pool for first use.
func (s *Store) LoadGate(cfg Config, userID string) (*Gate, error) {
	st, ok, err := s.Load(userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return NewGate(cfg), nil
	}
	return NewGateFromState(cfg, st, time.Now()), nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
