// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package types defines the value types shared by the log store, the Merkle
// tree and the calculator: storage keys and logs, batch numbers and headers,
// and the 32-byte hash used throughout.
package types

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2s"
)

const (
	// HashLength is the length of a [Hash] in bytes.
	HashLength = 32

	// AddressLength is the length of an account [Address] in bytes.
	AddressLength = 20
)

// Hash is a 32-byte value. It doubles as a storage slot value and as the
// output of the tree's hash function.
type Hash [HashLength]byte

// Address identifies an account in the ledger's key-value space.
type Address [AddressLength]byte

var (
	// ZeroHash is the all-zero hash. A storage slot holding ZeroHash is
	// indistinguishable from a slot that was never written.
	ZeroHash = Hash{}

	// ZeroAddress is the all-zero address.
	ZeroAddress = Address{}
)

// ToHash converts [b] to a Hash. Returns an error if [b] has the wrong length.
func ToHash(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashLength {
		return h, fmt.Errorf("expected %d bytes but got %d", HashLength, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// RepeatHash returns a hash with every byte set to [b]. Mostly useful in
// tests.
func RepeatHash(b byte) Hash {
	var h Hash
	for i := range h {
		h[i] = b
	}
	return h
}

// RepeatAddress returns an address with every byte set to [b].
func RepeatAddress(b byte) Address {
	var a Address
	for i := range a {
		a[i] = b
	}
	return a
}

// IsZero returns true iff this hash is all zeroes.
func (h Hash) IsZero() bool {
	return h == ZeroHash
}

func (h Hash) String() string {
	return "0x" + hex.EncodeToString(h[:])
}

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// Compare returns -1, 0 or 1 ordering hashes lexicographically.
func (h Hash) Compare(other Hash) int {
	return bytes.Compare(h[:], other[:])
}

func (a Address) String() string {
	return "0x" + hex.EncodeToString(a[:])
}

// BatchNumber identifies a sealed batch of state transitions. Batch numbers
// are strictly increasing and gap-free, starting from the genesis batch 0.
type BatchNumber uint32

func (n BatchNumber) String() string {
	return fmt.Sprintf("#%d", uint32(n))
}

// BatchHeader is the per-batch metadata loaded from the log store. It is
// immutable once loaded; fields other than the number are opaque to the tree.
type BatchHeader struct {
	Number    BatchNumber `json:"number"`
	Timestamp uint64      `json:"timestamp"`
}

// StorageKey identifies a single slot in the ledger's key-value space.
// Immutable once constructed.
type StorageKey struct {
	Address Address
	Slot    Hash
}

// HashedKey returns the stable hash of the key. It is used both as the
// tree's leaf key and as the log store's lookup key.
func (k StorageKey) HashedKey() Hash {
	var buf [AddressLength + HashLength]byte
	copy(buf[:AddressLength], k.Address[:])
	copy(buf[AddressLength:], k.Slot[:])
	return blake2s.Sum256(buf[:])
}

func (k StorageKey) String() string {
	return fmt.Sprintf("%s:%s", k.Address, k.Slot)
}

// StorageLogKind discriminates read logs from write logs.
type StorageLogKind byte

const (
	// StorageLogRead asserts that the slot's value did not change in the
	// batch. Read logs carry a zero placeholder value; the tree ignores it.
	StorageLogRead StorageLogKind = iota

	// StorageLogWrite installs a new value into the slot.
	StorageLogWrite
)

func (k StorageLogKind) String() string {
	if k == StorageLogRead {
		return "read"
	}
	return "write"
}

// StorageLog is a single entry applied to the tree for a batch.
type StorageLog struct {
	Key   StorageKey
	Value Hash
	Kind  StorageLogKind
}

// NewReadLog returns a read log for [key]. The value is the zero placeholder.
func NewReadLog(key StorageKey) StorageLog {
	return StorageLog{Key: key, Kind: StorageLogRead}
}

// NewWriteLog returns a write log installing [value] into [key].
func NewWriteLog(key StorageKey, value Hash) StorageLog {
	return StorageLog{Key: key, Value: value, Kind: StorageLogWrite}
}

// IsWrite returns true iff this is a write log.
func (l StorageLog) IsWrite() bool {
	return l.Kind == StorageLogWrite
}

// BatchWithLogs pairs a batch header with the deduplicated, ordered list of
// storage logs the tree must apply for that batch. Built fresh per batch and
// consumed exactly once.
type BatchWithLogs struct {
	Header BatchHeader
	Logs   []StorageLog
}
