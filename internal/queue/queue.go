// MapSketch - Collaborative Geo-Anchored Drawing
// Copyright 2026 MapSketch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mapsketch/mapsketch

// Package queue implements the durable offline queue: a local FIFO of
// sync messages that could not be delivered in real time.
//
// Messages are persisted to BadgerDB under big-endian sequence keys, so
// Badger's lexicographic iteration order is FIFO order. The sequence
// survives restarts; events queued before a crash drain after it.
//
// Delivery is at-least-once: an entry is deleted only after the drain
// callback accepts it, so a crash between send and delete re-delivers.
// Receivers apply events idempotently by stroke id.
package queue

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/mapsketch/mapsketch/internal/models"
)

// ErrSkip tells Drain to leave the current entry queued and move on to
// the next one. Used when an entry cannot be delivered on the current
// connection (wrong room) but must survive for a later drain.
var ErrSkip = errors.New("skip queued entry")

const (
	entryPrefix  = "oq:"
	seqKey       = "oq-seq"
	seqBandwidth = 64
)

// Queue is a durable FIFO of undelivered sync messages.
type Queue struct {
	db  *badger.DB
	seq *badger.Sequence
}

// Open opens (or creates) the queue at path. An empty path opens an
// in-memory queue for tests.
func Open(path string) (*Queue, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open offline queue: %w", err)
	}
	seq, err := db.GetSequence([]byte(seqKey), seqBandwidth)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open queue sequence: %w", err)
	}
	return &Queue{db: db, seq: seq}, nil
}

// Enqueue appends a message to the tail of the queue.
func (q *Queue) Enqueue(msg models.SyncMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal queued message: %w", err)
	}
	n, err := q.seq.Next()
	if err != nil {
		return fmt.Errorf("next queue sequence: %w", err)
	}
	return q.db.Update(func(txn *badger.Txn) error {
		return txn.Set(entryKey(n), payload)
	})
}

// Drain delivers queued messages in FIFO order, removing each entry
// after fn returns nil. Returning ErrSkip keeps the entry queued and
// moves on to the next one; any other error stops the drain and keeps
// the failing entry (and everything behind it) queued. Returns the
// number of messages delivered.
func (q *Queue) Drain(fn func(models.SyncMessage) error) (int, error) {
	delivered := 0
	var after []byte
	for {
		key, msg, ok, err := q.next(after)
		if err != nil {
			return delivered, err
		}
		if !ok {
			return delivered, nil
		}
		if err := fn(msg); err != nil {
			if errors.Is(err, ErrSkip) {
				after = key
				continue
			}
			return delivered, err
		}
		if err := q.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(key)
		}); err != nil {
			return delivered, fmt.Errorf("dequeue: %w", err)
		}
		delivered++
	}
}

// next returns the first entry whose key follows after, without removing
// it. A nil after starts at the head.
func (q *Queue) next(after []byte) (key []byte, msg models.SyncMessage, ok bool, err error) {
	err = q.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{
			PrefetchValues: true,
			PrefetchSize:   1,
			Prefix:         []byte(entryPrefix),
		})
		defer it.Close()

		if after == nil {
			it.Rewind()
		} else {
			it.Seek(after)
			if it.Valid() && string(it.Item().Key()) == string(after) {
				it.Next()
			}
		}
		if !it.Valid() {
			return nil
		}
		item := it.Item()
		key = item.KeyCopy(nil)
		ok = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &msg)
		})
	})
	if err != nil {
		return nil, models.SyncMessage{}, false, fmt.Errorf("read queue entry: %w", err)
	}
	return key, msg, ok, nil
}

// Len counts the queued messages.
func (q *Queue) Len() (int, error) {
	count := 0
	err := q.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(entryPrefix)})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// Close releases the sequence lease and the database.
func (q *Queue) Close() error {
	if err := q.seq.Release(); err != nil {
		_ = q.db.Close()
		return fmt.Errorf("release queue sequence: %w", err)
	}
	return q.db.Close()
}

func entryKey(n uint64) []byte {
	key := make([]byte, len(entryPrefix)+8)
	copy(key, entryPrefix)
	binary.BigEndian.PutUint64(key[len(entryPrefix):], n)
	return key
}
