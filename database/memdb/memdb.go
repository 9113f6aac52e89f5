// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package memdb provides an in-memory, process-local implementation of the
// database interface. It is mainly used in tests.
package memdb

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/ava-labs/statetree/database"
)

const defaultSize = 1 << 10

var (
	_ database.Database = (*Database)(nil)
	_ database.Batch    = (*batch)(nil)
	_ database.Iterator = (*iterator)(nil)
)

// Database is an ephemeral key-value store that is kept in memory.
type Database struct {
	lock sync.RWMutex
	db   map[string][]byte
}

// New returns a map with the default size.
func New() *Database {
	return NewWithSize(defaultSize)
}

// NewWithSize returns a map pre-allocated to [size] entries.
func NewWithSize(size int) *Database {
	return &Database{db: make(map[string][]byte, size)}
}

func (db *Database) Close() error {
	db.lock.Lock()
	defer db.lock.Unlock()

	if db.db == nil {
		return database.ErrClosed
	}
	db.db = nil
	return nil
}

func (db *Database) HealthCheck(context.Context) (interface{}, error) {
	db.lock.RLock()
	defer db.lock.RUnlock()

	if db.db == nil {
		return nil, database.ErrClosed
	}
	return nil, nil
}

func (db *Database) Has(key []byte) (bool, error) {
	db.lock.RLock()
	defer db.lock.RUnlock()

	if db.db == nil {
		return false, database.ErrClosed
	}
	_, ok := db.db[string(key)]
	return ok, nil
}

func (db *Database) Get(key []byte) ([]byte, error) {
	db.lock.RLock()
	defer db.lock.RUnlock()

	if db.db == nil {
		return nil, database.ErrClosed
	}
	if entry, ok := db.db[string(key)]; ok {
		return slices.Clone(entry), nil
	}
	return nil, database.ErrNotFound
}

func (db *Database) Put(key []byte, value []byte) error {
	db.lock.Lock()
	defer db.lock.Unlock()

	if db.db == nil {
		return database.ErrClosed
	}
	db.db[string(key)] = slices.Clone(value)
	return nil
}

func (db *Database) Delete(key []byte) error {
	db.lock.Lock()
	defer db.lock.Unlock()

	if db.db == nil {
		return database.ErrClosed
	}
	delete(db.db, string(key))
	return nil
}

func (db *Database) NewBatch() database.Batch {
	return &batch{db: db}
}

func (db *Database) NewIterator() database.Iterator {
	return db.NewIteratorWithStartAndPrefix(nil, nil)
}

func (db *Database) NewIteratorWithStart(start []byte) database.Iterator {
	return db.NewIteratorWithStartAndPrefix(start, nil)
}

func (db *Database) NewIteratorWithPrefix(prefix []byte) database.Iterator {
	return db.NewIteratorWithStartAndPrefix(nil, prefix)
}

func (db *Database) NewIteratorWithStartAndPrefix(start, prefix []byte) database.Iterator {
	db.lock.RLock()
	defer db.lock.RUnlock()

	if db.db == nil {
		return &iterator{err: database.ErrClosed}
	}

	startString := string(start)
	prefixString := string(prefix)
	keys := make([]string, 0, len(db.db))
	for key := range db.db {
		if strings.HasPrefix(key, prefixString) && key >= startString {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)

	values := make([][]byte, 0, len(keys))
	for _, key := range keys {
		values = append(values, db.db[key])
	}
	return &iterator{
		db:     db,
		keys:   keys,
		values: values,
	}
}

type keyValue struct {
	key    string
	value  []byte
	delete bool
}

type batch struct {
	db   *Database
	ops  []keyValue
	size int
}

func (b *batch) Put(key, value []byte) error {
	b.ops = append(b.ops, keyValue{
		key:   string(key),
		value: slices.Clone(value),
	})
	b.size += len(key) + len(value)
	return nil
}

func (b *batch) Delete(key []byte) error {
	b.ops = append(b.ops, keyValue{
		key:    string(key),
		delete: true,
	})
	b.size += len(key)
	return nil
}

func (b *batch) Size() int { return b.size }

func (b *batch) Write() error {
	b.db.lock.Lock()
	defer b.db.lock.Unlock()

	if b.db.db == nil {
		return database.ErrClosed
	}
	for _, op := range b.ops {
		if op.delete {
			delete(b.db.db, op.key)
		} else {
			b.db.db[op.key] = op.value
		}
	}
	return nil
}

func (b *batch) Reset() {
	b.ops = b.ops[:0]
	b.size = 0
}

type iterator struct {
	db      *Database
	keys    []string
	values  [][]byte
	started bool
	err     error
}

func (it *iterator) Next() bool {
	if it.db == nil {
		return false
	}

	// The iterator is exhausted once the database is closed.
	it.db.lock.RLock()
	closed := it.db.db == nil
	it.db.lock.RUnlock()
	if closed {
		it.keys = nil
		it.values = nil
		it.err = database.ErrClosed
		return false
	}

	if it.started {
		if len(it.keys) > 0 {
			it.keys = it.keys[1:]
			it.values = it.values[1:]
		}
	} else {
		it.started = true
	}
	return len(it.keys) > 0
}

func (it *iterator) Error() error { return it.err }

func (it *iterator) Key() []byte {
	if len(it.keys) == 0 || !it.started {
		return nil
	}
	return []byte(it.keys[0])
}

func (it *iterator) Value() []byte {
	if len(it.values) == 0 || !it.started {
		return nil
	}
	return it.values[0]
}

func (it *iterator) Release() {
	it.keys = nil
	it.values = nil
}

// Len returns the number of entries, for tests that assert on store size.
func (db *Database) Len() int {
	db.lock.RLock()
	defer db.lock.RUnlock()

	return len(db.db)
}
