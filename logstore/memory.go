// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package logstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/btree"

	"github.com/ava-labs/statetree/types"
)

var _ Store = (*Memory)(nil)

// historyEntry records the value a slot held after a given batch. Entries
// are ordered by (hashed key, batch), so the value of a slot as of any batch
// is the greatest entry below it.
type historyEntry struct {
	hashedKey types.Hash
	batch     types.BatchNumber
	value     types.Hash
}

func historyLess(a, b historyEntry) bool {
	if cmp := a.hashedKey.Compare(b.hashedKey); cmp != 0 {
		return cmp < 0
	}
	return a.batch < b.batch
}

type batchData struct {
	header          types.BatchHeader
	touchedSlots    map[types.StorageKey]types.Hash
	protectiveReads map[types.StorageKey]struct{}
}

// Memory is an in-memory log store. It implements the sealing-side
// deduplication contract the calculator relies on, which makes it the test
// harness for the loader and a stand-in store for local runs.
type Memory struct {
	lock          sync.RWMutex
	batches       []*batchData
	state         map[types.StorageKey]types.Hash
	initialWrites map[types.Hash]types.BatchNumber
	history       *btree.BTreeG[historyEntry]
}

// NewMemory returns an empty in-memory log store.
func NewMemory() *Memory {
	return &Memory{
		state:         make(map[types.StorageKey]types.Hash),
		initialWrites: make(map[types.Hash]types.BatchNumber),
		history:       btree.NewG(2, historyLess),
	}
}

// SealBatch records a batch of write logs, applying the upstream
// deduplication rules:
//
//   - every written slot lands in touched slots with its final value, even if
//     the write turned out to be a no-op;
//   - a no-op write to a slot with an allocated leaf is additionally recorded
//     as a protective read (the slot provably did not change);
//   - a genuine change records an initial-write row the first time the slot's
//     value ever changed.
//
// Batches must be sealed in order, starting from batch 0.
func (m *Memory) SealBatch(header types.BatchHeader, logs []types.StorageLog) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if got, want := header.Number, types.BatchNumber(len(m.batches)); got != want {
		return fmt.Errorf("sealing batch %s out of order (expected %s)", got, want)
	}

	data := &batchData{
		header:          header,
		touchedSlots:    make(map[types.StorageKey]types.Hash, len(logs)),
		protectiveReads: make(map[types.StorageKey]struct{}),
	}
	for _, log := range logs {
		if !log.IsWrite() {
			continue
		}
		data.touchedSlots[log.Key] = log.Value
	}

	for key, value := range data.touchedSlots {
		prev := m.state[key]
		if value == prev {
			hashedKey := key.HashedKey()
			if first, ok := m.initialWrites[hashedKey]; ok && first <= header.Number {
				data.protectiveReads[key] = struct{}{}
			}
			continue
		}

		hashedKey := key.HashedKey()
		if _, ok := m.initialWrites[hashedKey]; !ok {
			m.initialWrites[hashedKey] = header.Number
		}
		m.state[key] = value
		m.history.ReplaceOrInsert(historyEntry{
			hashedKey: hashedKey,
			batch:     header.Number,
			value:     value,
		})
	}

	m.batches = append(m.batches, data)
	return nil
}

func (m *Memory) batch(number types.BatchNumber) *batchData {
	if int(number) >= len(m.batches) {
		return nil
	}
	return m.batches[number]
}

func (m *Memory) BatchHeader(_ context.Context, number types.BatchNumber) (*types.BatchHeader, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	data := m.batch(number)
	if data == nil {
		return nil, nil
	}
	header := data.header
	return &header, nil
}

func (m *Memory) ProtectiveReads(_ context.Context, number types.BatchNumber) ([]types.StorageKey, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	data := m.batch(number)
	if data == nil {
		return nil, nil
	}
	keys := make([]types.StorageKey, 0, len(data.protectiveReads))
	for key := range data.protectiveReads {
		keys = append(keys, key)
	}
	return keys, nil
}

func (m *Memory) TouchedSlots(_ context.Context, number types.BatchNumber) (map[types.StorageKey]types.Hash, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	data := m.batch(number)
	if data == nil {
		return nil, nil
	}
	slots := make(map[types.StorageKey]types.Hash, len(data.touchedSlots))
	for key, value := range data.touchedSlots {
		slots[key] = value
	}
	return slots, nil
}

func (m *Memory) InitialWriteBatches(_ context.Context, hashedKeys []types.Hash) (map[types.Hash]types.BatchNumber, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	batches := make(map[types.Hash]types.BatchNumber, len(hashedKeys))
	for _, hashedKey := range hashedKeys {
		if number, ok := m.initialWrites[hashedKey]; ok {
			batches[hashedKey] = number
		}
	}
	return batches, nil
}

func (m *Memory) PreviousValues(_ context.Context, hashedKeys []types.Hash, number types.BatchNumber) (map[types.Hash]types.Hash, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	values := make(map[types.Hash]types.Hash, len(hashedKeys))
	for _, hashedKey := range hashedKeys {
		if number == 0 {
			continue
		}
		pivot := historyEntry{hashedKey: hashedKey, batch: number - 1}
		m.history.DescendLessOrEqual(pivot, func(entry historyEntry) bool {
			if entry.hashedKey == hashedKey {
				values[hashedKey] = entry.value
			}
			return false
		})
	}
	return values, nil
}

func (m *Memory) InsertProtectiveReads(_ context.Context, number types.BatchNumber, keys []types.StorageKey) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	data := m.batch(number)
	if data == nil {
		return fmt.Errorf("batch %s not sealed", number)
	}
	for _, key := range keys {
		data.protectiveReads[key] = struct{}{}
	}
	return nil
}

// SealedBatches returns the number of sealed batches.
func (m *Memory) SealedBatches() int {
	m.lock.RLock()
	defer m.lock.RUnlock()

	return len(m.batches)
}
