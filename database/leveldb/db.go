// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package leveldb implements the database interface on top of goleveldb.
//
// The tree opens its store exclusively; goleveldb's file lock enforces the
// single-owner discipline at the OS level.
package leveldb

import (
	"bytes"
	"context"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/ava-labs/statetree/database"
)

const (
	// DefaultBlockCacheCapacity covers the LSM block cache when no explicit
	// capacity is configured.
	DefaultBlockCacheCapacity = 12 * opt.MiB

	defaultWriteBuffer = 12 * opt.MiB
	defaultHandleCap   = 1024
	defaultBlockSize   = 8 * opt.KiB
)

var (
	_ database.Database = (*Database)(nil)
	_ database.Batch    = (*batch)(nil)
	_ database.Iterator = (*iter)(nil)
)

// Config tunes the parts of goleveldb the tree cares about. The zero value
// selects the defaults above.
type Config struct {
	// BlockCacheCapacity is the capacity of the read block cache, in bytes.
	BlockCacheCapacity int

	// SyncWrites forces every write to be flushed to stable storage before
	// returning. Only enabled under test harnesses that need writes to be
	// immediately observable after a crash or reopen.
	SyncWrites bool
}

// Database is a persistent key-value store backed by goleveldb.
type Database struct {
	db           *leveldb.DB
	writeOptions *opt.WriteOptions
	closed       bool
}

// New opens or creates a store at [path].
func New(path string, config Config) (*Database, error) {
	blockCacheCapacity := config.BlockCacheCapacity
	if blockCacheCapacity == 0 {
		blockCacheCapacity = DefaultBlockCacheCapacity
	}

	db, err := leveldb.OpenFile(path, &opt.Options{
		BlockCacheCapacity:     blockCacheCapacity,
		BlockSize:              defaultBlockSize,
		OpenFilesCacheCapacity: defaultHandleCap,
		WriteBuffer:            defaultWriteBuffer / 2,
	})
	if _, corrupted := err.(*errors.ErrCorrupted); corrupted {
		db, err = leveldb.RecoverFile(path, nil)
	}
	if err != nil {
		return nil, err
	}
	return &Database{
		db:           db,
		writeOptions: &opt.WriteOptions{Sync: config.SyncWrites},
	}, nil
}

func (db *Database) Has(key []byte) (bool, error) {
	has, err := db.db.Has(key, nil)
	return has, updateError(err)
}

func (db *Database) Get(key []byte) ([]byte, error) {
	value, err := db.db.Get(key, nil)
	return value, updateError(err)
}

func (db *Database) Put(key, value []byte) error {
	return updateError(db.db.Put(key, value, db.writeOptions))
}

func (db *Database) Delete(key []byte) error {
	return updateError(db.db.Delete(key, db.writeOptions))
}

func (db *Database) NewBatch() database.Batch {
	return &batch{db: db}
}

func (db *Database) NewIterator() database.Iterator {
	return &iter{iter: db.db.NewIterator(new(util.Range), nil)}
}

func (db *Database) NewIteratorWithStart(start []byte) database.Iterator {
	return &iter{iter: db.db.NewIterator(&util.Range{Start: start}, nil)}
}

func (db *Database) NewIteratorWithPrefix(prefix []byte) database.Iterator {
	return &iter{iter: db.db.NewIterator(util.BytesPrefix(prefix), nil)}
}

func (db *Database) NewIteratorWithStartAndPrefix(start, prefix []byte) database.Iterator {
	iterRange := util.BytesPrefix(prefix)
	if bytes.Compare(start, prefix) == 1 {
		iterRange.Start = start
	}
	return &iter{iter: db.db.NewIterator(iterRange, nil)}
}

func (db *Database) Close() error {
	if db.closed {
		return database.ErrClosed
	}
	db.closed = true
	return updateError(db.db.Close())
}

func (db *Database) HealthCheck(context.Context) (interface{}, error) {
	if db.closed {
		return nil, database.ErrClosed
	}
	return nil, nil
}

type batch struct {
	batch leveldb.Batch
	db    *Database
	size  int
}

func (b *batch) Put(key, value []byte) error {
	b.batch.Put(key, value)
	b.size += len(key) + len(value)
	return nil
}

func (b *batch) Delete(key []byte) error {
	b.batch.Delete(key)
	b.size += len(key)
	return nil
}

func (b *batch) Size() int { return b.size }

func (b *batch) Write() error {
	return updateError(b.db.db.Write(&b.batch, b.db.writeOptions))
}

func (b *batch) Reset() {
	b.batch.Reset()
	b.size = 0
}

type iter struct {
	iter iterator.Iterator
}

func (it *iter) Next() bool { return it.iter.Next() }

func (it *iter) Error() error { return updateError(it.iter.Error()) }

func (it *iter) Key() []byte { return it.iter.Key() }

func (it *iter) Value() []byte { return it.iter.Value() }

func (it *iter) Release() { it.iter.Release() }

// updateError casts goleveldb-specific errors to their database equivalents.
func updateError(err error) error {
	switch err {
	case leveldb.ErrClosed:
		return database.ErrClosed
	case leveldb.ErrNotFound:
		return database.ErrNotFound
	default:
		return err
	}
}
