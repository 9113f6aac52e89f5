// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package merkle implements the Merkle state tree mirroring the ledger's
// key-value storage: a fixed-depth sparse tree over hashed storage keys,
// versioned once per sealed batch.
//
// The tree is single-owned and not safe for concurrent use. It additionally
// holds the only writable handle to its backing store; see calculator.AsyncTree
// for the ownership-transfer protocol that enforces this across suspension
// points.
package merkle

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ava-labs/statetree/database"
	"github.com/ava-labs/statetree/database/prefixdb"
	"github.com/ava-labs/statetree/types"
)

var (
	// ErrRevertTooFar means the backing store no longer has the journals
	// needed to rewind to the requested batch.
	ErrRevertTooFar = errors.New("cannot revert: version journal missing")

	// ErrRevertToFuture means the requested batch hasn't been applied yet.
	ErrRevertToFuture = errors.New("cannot revert to a batch that was never applied")
)

// Mode selects how much auxiliary data the tree maintains.
type Mode string

const (
	// ModeFull keeps the data needed to produce witnesses for a downstream
	// prover.
	ModeFull Mode = "full"

	// ModeLightweight maintains the root hash and leaf indices only.
	ModeLightweight Mode = "lightweight"
)

// Config configures a Tree.
type Config struct {
	Mode Mode

	// MultiGetChunkSize caps the number of leaf records fetched by a single
	// worker when prefetching a batch. <= 0 disables chunking.
	MultiGetChunkSize int

	// MetricsNamespace and Registerer wire the tree's prometheus metrics. A
	// nil Registerer disables metric collection.
	MetricsNamespace string
	Registerer       prometheus.Registerer
}

// Tree is the Merkle state tree. Exactly one Tree may be open per backing
// store. All mutating methods must be externally serialized.
type Tree struct {
	db      database.Database
	mode    Mode
	metrics treeMetrics

	// read views over the column families; writes go through a single batch
	// on [db] so that one save stays atomic across families
	leaves   database.KeyValueReader
	nodes    database.KeyValueReader
	journals database.KeyValueReader

	multiGetChunkSize int

	// state including not-yet-saved versions
	version   uint64
	root      types.Hash
	leafCount uint64

	// state as of the last Save (or open)
	savedVersion   uint64
	savedRoot      types.Hash
	savedLeafCount uint64

	dirtyLeaves map[types.Hash]leafRecord
	dirtyNodes  map[nodeKey]types.Hash
	prefetched  map[types.Hash]leafRecord
	pending     []*versionJournal
}

// New opens the tree persisted in [db], or initializes a fresh tree at batch
// 0 if the store is empty.
func New(db database.Database, config Config) (*Tree, error) {
	mode := config.Mode
	if mode == "" {
		mode = ModeFull
	}

	m, err := newMetrics(config.MetricsNamespace, config.Registerer)
	if err != nil {
		return nil, err
	}

	t := &Tree{
		db:                db,
		mode:              mode,
		metrics:           m,
		leaves:            prefixdb.New(leafPrefix, db),
		nodes:             prefixdb.New(nodePrefix, db),
		journals:          prefixdb.New(journalPrefix, db),
		multiGetChunkSize: config.MultiGetChunkSize,
		root:              emptySubtreeHashes[0],
	}

	version, err := database.WithDefault(database.GetUInt64, db, versionKey, 0)
	if err != nil {
		return nil, fmt.Errorf("reading tree version: %w", err)
	}
	t.version = version
	if version != 0 {
		rawRoot, err := db.Get(rootKey)
		if err != nil {
			return nil, fmt.Errorf("reading tree root: %w", err)
		}
		if t.root, err = types.ToHash(rawRoot); err != nil {
			return nil, fmt.Errorf("reading tree root: %w", err)
		}
		if t.leafCount, err = database.GetUInt64(db, leafCountKey); err != nil {
			return nil, fmt.Errorf("reading leaf count: %w", err)
		}
	}

	t.savedVersion = t.version
	t.savedRoot = t.root
	t.savedLeafCount = t.leafCount
	t.resetDirty()
	return t, nil
}

// Mode returns the configured tree mode.
func (t *Tree) Mode() Mode {
	return t.mode
}

// IsEmpty returns whether no batch was ever applied to the tree.
func (t *Tree) IsEmpty() bool {
	return t.version == 0
}

// NextBatchNumber returns the number of the first batch not yet applied.
func (t *Tree) NextBatchNumber() types.BatchNumber {
	return types.BatchNumber(t.version)
}

// RootHash returns the current root hash, including not-yet-saved batches.
func (t *Tree) RootHash() types.Hash {
	return t.root
}

// LastLeafIndex returns the highest allocated leaf index.
func (t *Tree) LastLeafIndex() uint64 {
	return t.leafCount
}

func (t *Tree) resetDirty() {
	t.dirtyLeaves = make(map[types.Hash]leafRecord)
	t.dirtyNodes = make(map[nodeKey]types.Hash)
	t.prefetched = nil
	t.pending = nil
}

func (t *Tree) getLeaf(hashedKey types.Hash) (leafRecord, bool, error) {
	if rec, ok := t.dirtyLeaves[hashedKey]; ok {
		return rec, true, nil
	}
	if rec, ok := t.prefetched[hashedKey]; ok {
		return rec, true, nil
	}
	raw, err := t.leaves.Get(hashedKey[:])
	if errors.Is(err, database.ErrNotFound) {
		return leafRecord{}, false, nil
	}
	if err != nil {
		return leafRecord{}, false, err
	}
	t.metrics.DatabaseLeafRead()
	rec, err := decodeLeafRecord(raw)
	return rec, err == nil, err
}

func (t *Tree) getNode(key nodeKey) (types.Hash, bool, error) {
	if hash, ok := t.dirtyNodes[key]; ok {
		return hash, true, nil
	}
	raw, err := t.nodes.Get(key.suffix())
	if errors.Is(err, database.ErrNotFound) {
		return emptySubtreeHashes[key.depth], false, nil
	}
	if err != nil {
		return types.ZeroHash, false, err
	}
	t.metrics.DatabaseNodeRead()
	hash, err := types.ToHash(raw)
	return hash, err == nil, err
}

func (t *Tree) setNode(j *versionJournal, key nodeKey, hash types.Hash) error {
	prev, existed, err := t.getNode(key)
	if err != nil {
		return err
	}
	if !existed {
		prev = types.ZeroHash
	}
	j.recordNode(key, existed, prev)
	t.dirtyNodes[key] = hash
	return nil
}

// ProcessBatch applies the ordered, deduplicated storage logs of the next
// batch to the in-memory tree and returns its metadata. The change is not
// durable until Save is called.
//
// Leaf indices are allocated monotonically, only for the first write of a
// key; read logs never touch the tree structure and only contribute witness
// paths.
func (t *Tree) ProcessBatch(logs []types.StorageLog) (*Metadata, error) {
	journal := newVersionJournal(t.version, t.root, t.leafCount)

	hashedKeys := make([]types.Hash, 0, len(logs))
	for _, log := range logs {
		hashedKey := log.Key.HashedKey()
		if _, ok := t.dirtyLeaves[hashedKey]; !ok {
			hashedKeys = append(hashedKeys, hashedKey)
		}
	}
	prefetched, err := t.multiGetLeaves(hashedKeys)
	if err != nil {
		return nil, err
	}
	t.prefetched = prefetched
	defer func() { t.prefetched = nil }()

	metadata := &Metadata{}
	var witness *Witness
	if t.mode == ModeFull {
		witness = &Witness{
			NextEnumerationIndex: t.leafCount + 1,
			Entries:              make([]WitnessEntry, 0, len(logs)),
		}
	}

	for _, log := range logs {
		hashedKey := log.Key.HashedKey()
		rec, exists, err := t.getLeaf(hashedKey)
		if err != nil {
			return nil, err
		}

		if !log.IsWrite() {
			if witness == nil {
				continue
			}
			siblings, err := t.collectSiblings(hashedKey)
			if err != nil {
				return nil, err
			}
			witness.Entries = append(witness.Entries, WitnessEntry{
				Key:       hashedKey,
				Value:     rec.value,
				LeafIndex: rec.index,
				Siblings:  siblings,
			})
			continue
		}

		firstWrite := !exists
		index := rec.index
		if firstWrite {
			t.leafCount++
			index = t.leafCount
			t.metrics.LeafAllocated()
			metadata.InitialWrites = append(metadata.InitialWrites, InitialWrite{
				Key:       hashedKey,
				LeafIndex: index,
				Value:     log.Value,
			})
		} else {
			metadata.RepeatedWrites = append(metadata.RepeatedWrites, RepeatedWrite{
				Key:       hashedKey,
				LeafIndex: index,
				Value:     log.Value,
			})
		}

		journal.recordLeaf(hashedKey, exists, rec)
		t.dirtyLeaves[hashedKey] = leafRecord{index: index, value: log.Value}

		siblings, err := t.updateLeafPath(journal, hashedKey, index, log.Value)
		if err != nil {
			return nil, err
		}
		if witness != nil {
			witness.Entries = append(witness.Entries, WitnessEntry{
				Key:        hashedKey,
				Value:      log.Value,
				LeafIndex:  index,
				FirstWrite: firstWrite,
				IsWrite:    true,
				Siblings:   siblings,
			})
		}
	}

	t.version++
	t.pending = append(t.pending, journal)

	metadata.RootHash = t.root
	metadata.LastLeafIndex = t.leafCount
	metadata.Witness = witness
	return metadata, nil
}

// updateLeafPath installs the new leaf hash and rehashes the path up to the
// root, returning the sibling hashes (leaf level first) encountered on the
// way.
func (t *Tree) updateLeafPath(
	journal *versionJournal,
	hashedKey types.Hash,
	leafIndex uint64,
	value types.Hash,
) ([]types.Hash, error) {
	current := hashLeaf(leafIndex, value)
	t.metrics.HashCalculated()
	if err := t.setNode(journal, nodeKey{depth: Depth, path: hashedKey}, current); err != nil {
		return nil, err
	}

	siblings := make([]types.Hash, Depth)
	for d := Depth; d >= 1; d-- {
		sibling, _, err := t.getNode(nodeKey{depth: uint16(d), path: siblingPath(hashedKey, d)})
		if err != nil {
			return nil, err
		}
		siblings[Depth-d] = sibling

		if bit(hashedKey, d-1) == 1 {
			current = hashInternal(sibling, current)
		} else {
			current = hashInternal(current, sibling)
		}
		t.metrics.HashCalculated()

		if err := t.setNode(journal, nodeKey{depth: uint16(d - 1), path: pathPrefix(hashedKey, d-1)}, current); err != nil {
			return nil, err
		}
	}

	t.root = current
	return siblings, nil
}

// collectSiblings returns the sibling hashes along the path to [hashedKey]
// without modifying the tree. Used for read-log witness entries.
func (t *Tree) collectSiblings(hashedKey types.Hash) ([]types.Hash, error) {
	siblings := make([]types.Hash, Depth)
	for d := Depth; d >= 1; d-- {
		sibling, _, err := t.getNode(nodeKey{depth: uint16(d), path: siblingPath(hashedKey, d)})
		if err != nil {
			return nil, err
		}
		siblings[Depth-d] = sibling
	}
	return siblings, nil
}

// Save flushes all processed-but-unsaved batches to the backing store in a
// single atomic write, including the journals needed to revert them.
func (t *Tree) Save() error {
	if len(t.pending) == 0 {
		return nil
	}

	batch := t.db.NewBatch()
	for hashedKey, rec := range t.dirtyLeaves {
		if err := batch.Put(leafKey(hashedKey), encodeLeafRecord(rec)); err != nil {
			return err
		}
	}
	for key, hash := range t.dirtyNodes {
		if err := batch.Put(key.bytes(), hash[:]); err != nil {
			return err
		}
	}
	for _, journal := range t.pending {
		if err := batch.Put(journalKey(journal.version), encodeJournal(journal)); err != nil {
			return err
		}
	}
	if err := database.PutUInt64(batch, versionKey, t.version); err != nil {
		return err
	}
	if err := database.PutUInt64(batch, leafCountKey, t.leafCount); err != nil {
		return err
	}
	if err := batch.Put(rootKey, t.root[:]); err != nil {
		return err
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("saving tree: %w", err)
	}

	for range t.pending {
		t.metrics.BatchSaved()
	}
	t.savedVersion = t.version
	t.savedRoot = t.root
	t.savedLeafCount = t.leafCount
	t.resetDirty()
	return nil
}

// Reset discards all processed-but-unsaved batches, restoring the tree to
// its last saved state.
func (t *Tree) Reset() {
	t.version = t.savedVersion
	t.root = t.savedRoot
	t.leafCount = t.savedLeafCount
	t.resetDirty()
}

// Revert destructively rewinds the tree (and the backing store) so that
// [lastBatchToKeep] is the last applied batch. Unsaved batches are discarded
// first. Irreversible.
func (t *Tree) Revert(lastBatchToKeep types.BatchNumber) error {
	t.Reset()

	target := uint64(lastBatchToKeep) + 1
	switch {
	case target > t.version:
		return fmt.Errorf("%w: batch %s, tree is at %s",
			ErrRevertToFuture, lastBatchToKeep, t.NextBatchNumber())
	case target == t.version:
		return nil
	}

	var (
		batch        = t.db.NewBatch()
		newRoot      types.Hash
		newLeafCount uint64
	)
	for v := t.version - 1; v >= target; v-- {
		raw, err := t.journals.Get(database.PackUInt64(v))
		if errors.Is(err, database.ErrNotFound) {
			return fmt.Errorf("%w: version %d", ErrRevertTooFar, v)
		}
		if err != nil {
			return err
		}
		journal, err := decodeJournal(raw)
		if err != nil {
			return err
		}

		for _, undo := range journal.leaves {
			key := leafKey(undo.key)
			if undo.existed {
				err = batch.Put(key, encodeLeafRecord(undo.prev))
			} else {
				err = batch.Delete(key)
			}
			if err != nil {
				return err
			}
		}
		for _, undo := range journal.nodes {
			key := undo.key.bytes()
			if undo.existed {
				err = batch.Put(key, undo.prev[:])
			} else {
				err = batch.Delete(key)
			}
			if err != nil {
				return err
			}
		}
		if err := batch.Delete(journalKey(v)); err != nil {
			return err
		}

		if v == target {
			newRoot = journal.prevRoot
			newLeafCount = journal.prevLeafCount
			break
		}
	}

	if err := database.PutUInt64(batch, versionKey, target); err != nil {
		return err
	}
	if err := database.PutUInt64(batch, leafCountKey, newLeafCount); err != nil {
		return err
	}
	if err := batch.Put(rootKey, newRoot[:]); err != nil {
		return err
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("reverting tree: %w", err)
	}

	t.version = target
	t.root = newRoot
	t.leafCount = newLeafCount
	t.savedVersion = target
	t.savedRoot = newRoot
	t.savedLeafCount = newLeafCount
	return nil
}

// Close releases the backing store handle.
func (t *Tree) Close() error {
	return t.db.Close()
}
