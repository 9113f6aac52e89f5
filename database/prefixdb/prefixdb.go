// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package prefixdb exposes a keyspace of an underlying database under a fixed
// prefix. The tree uses one prefix per column family.
package prefixdb

import (
	"context"

	"golang.org/x/exp/slices"

	"github.com/ava-labs/statetree/database"
)

var (
	_ database.Database = (*Database)(nil)
	_ database.Batch    = (*batch)(nil)
	_ database.Iterator = (*iterator)(nil)
)

// Database partitions a keyspace of the underlying store. Closing a prefixdb
// does not close the underlying store.
type Database struct {
	prefix []byte
	db     database.Database
}

// New returns a database wrapping [db] under [prefix].
func New(prefix []byte, db database.Database) *Database {
	return &Database{
		prefix: slices.Clone(prefix),
		db:     db,
	}
}

func (db *Database) prefixed(key []byte) []byte {
	prefixed := make([]byte, 0, len(db.prefix)+len(key))
	prefixed = append(prefixed, db.prefix...)
	return append(prefixed, key...)
}

func (db *Database) Has(key []byte) (bool, error) {
	return db.db.Has(db.prefixed(key))
}

func (db *Database) Get(key []byte) ([]byte, error) {
	return db.db.Get(db.prefixed(key))
}

func (db *Database) Put(key, value []byte) error {
	return db.db.Put(db.prefixed(key), value)
}

func (db *Database) Delete(key []byte) error {
	return db.db.Delete(db.prefixed(key))
}

func (db *Database) NewBatch() database.Batch {
	return &batch{
		db:    db,
		inner: db.db.NewBatch(),
	}
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
	var innerStart []byte
	if len(start) > 0 {
		innerStart = db.prefixed(start)
	}
	return &iterator{
		prefixLen: len(db.prefix),
		inner:     db.db.NewIteratorWithStartAndPrefix(innerStart, db.prefixed(prefix)),
	}
}

func (db *Database) Close() error {
	// The underlying database is shared with other prefixes and stays open.
	return nil
}

func (db *Database) HealthCheck(ctx context.Context) (interface{}, error) {
	return db.db.HealthCheck(ctx)
}

type batch struct {
	db    *Database
	inner database.Batch
}

func (b *batch) Put(key, value []byte) error {
	return b.inner.Put(b.db.prefixed(key), value)
}

func (b *batch) Delete(key []byte) error {
	return b.inner.Delete(b.db.prefixed(key))
}

func (b *batch) Size() int    { return b.inner.Size() }
func (b *batch) Write() error { return b.inner.Write() }
func (b *batch) Reset()       { b.inner.Reset() }

type iterator struct {
	prefixLen int
	inner     database.Iterator
}

func (it *iterator) Next() bool   { return it.inner.Next() }
func (it *iterator) Error() error { return it.inner.Error() }

func (it *iterator) Key() []byte {
	key := it.inner.Key()
	if len(key) < it.prefixLen {
		return key
	}
	return key[it.prefixLen:]
}

func (it *iterator) Value() []byte { return it.inner.Value() }
func (it *iterator) Release()      { it.inner.Release() }
