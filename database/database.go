// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package database defines the key-value store abstraction backing the Merkle
// tree: point lookups, prefix iteration and atomic write batches over an
// embedded store.
package database

import (
	"context"
	"errors"
	"io"
)

var (
	ErrClosed   = errors.New("closed")
	ErrNotFound = errors.New("not found")
)

// KeyValueReader provides read access to a backing store.
type KeyValueReader interface {
	// Has returns whether [key] is present.
	Has(key []byte) (bool, error)

	// Get returns the value of [key], or ErrNotFound if it is absent.
	Get(key []byte) ([]byte, error)
}

// KeyValueWriter provides write access to a backing store.
type KeyValueWriter interface {
	// Put inserts [value] under [key]. [key] and [value] may be modified or
	// retained; neither slice is owned by the store after the call.
	Put(key []byte, value []byte) error
}

// KeyValueDeleter provides delete access to a backing store.
type KeyValueDeleter interface {
	// Delete removes [key]. Deleting an absent key is not an error.
	Delete(key []byte) error
}

// KeyValueReaderWriterDeleter groups read, write and delete access.
type KeyValueReaderWriterDeleter interface {
	KeyValueReader
	KeyValueWriter
	KeyValueDeleter
}

// Batch collects writes that are later applied atomically.
type Batch interface {
	KeyValueWriter
	KeyValueDeleter

	// Size retrieves the amount of data queued up for writing, this includes
	// the keys, values, and deleted keys.
	Size() int

	// Write flushes any accumulated data to disk.
	Write() error

	// Reset resets the batch for reuse.
	Reset()
}

// Batcher produces write batches.
type Batcher interface {
	NewBatch() Batch
}

// Iterator walks a store's key-value pairs in ascending key order.
type Iterator interface {
	// Next moves the iterator to the next key/value pair. It returns false
	// when the iterator is exhausted.
	Next() bool

	// Error returns any accumulated error.
	Error() error

	// Key returns the key of the current key/value pair, or nil if done.
	// The caller must not modify the returned slice.
	Key() []byte

	// Value returns the value of the current key/value pair, or nil if done.
	// The caller must not modify the returned slice.
	Value() []byte

	// Release releases associated resources. Release should always succeed
	// and can be called multiple times.
	Release()
}

// Iteratee produces iterators over a store.
type Iteratee interface {
	// NewIterator creates an iterator over the entire keyspace.
	NewIterator() Iterator

	// NewIteratorWithStart creates an iterator over a subset of database
	// content starting at a particular key.
	NewIteratorWithStart(start []byte) Iterator

	// NewIteratorWithPrefix creates an iterator over a subset of database
	// content with a particular key prefix.
	NewIteratorWithPrefix(prefix []byte) Iterator

	// NewIteratorWithStartAndPrefix creates an iterator over a subset of
	// database content with a particular key prefix starting at a specified
	// key.
	NewIteratorWithStartAndPrefix(start, prefix []byte) Iterator
}

// Database is a persistent key-value store. The tree holds the only writable
// handle to its database for the lifetime of the process.
type Database interface {
	KeyValueReaderWriterDeleter
	Batcher
	Iteratee
	io.Closer

	// HealthCheck returns details about the state of the database and, if
	// unhealthy, a non-nil error.
	HealthCheck(context.Context) (interface{}, error)
}
