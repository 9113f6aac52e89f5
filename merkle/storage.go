// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package merkle

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ava-labs/statetree/database"
	"github.com/ava-labs/statetree/types"
)

// Column-family prefixes inside the backing store. All writes for one save go
// through a single batch, so the families stay mutually consistent.
var (
	leafPrefix    = []byte{'l'}
	nodePrefix    = []byte{'n'}
	journalPrefix = []byte{'j'}
	metaPrefix    = []byte{'m'}

	versionKey   = append(metaPrefix, []byte("version")...)
	rootKey      = append(metaPrefix, []byte("root")...)
	leafCountKey = append(metaPrefix, []byte("leaves")...)

	errCorruptLeaf    = errors.New("corrupt leaf record")
	errCorruptJournal = errors.New("corrupt version journal")
)

// nodeKey identifies an internal (or leaf-level) node: the node at [depth]
// whose path from the root is the first [depth] bits of [path]. Bits at
// positions >= depth are zero.
type nodeKey struct {
	depth uint16
	path  types.Hash
}

// suffix is the key inside the node column family.
func (k nodeKey) suffix() []byte {
	buf := make([]byte, 0, 2+types.HashLength)
	buf = binary.BigEndian.AppendUint16(buf, k.depth)
	return append(buf, k.path[:]...)
}

// bytes is the full key on the underlying store, used by write batches.
func (k nodeKey) bytes() []byte {
	return append(append(make([]byte, 0, len(nodePrefix)+2+types.HashLength), nodePrefix...), k.suffix()...)
}

// leafRecord is the persisted state of one leaf: its enumeration index and
// current value.
type leafRecord struct {
	index uint64
	value types.Hash
}

func leafKey(hashedKey types.Hash) []byte {
	return append(append(make([]byte, 0, len(leafPrefix)+types.HashLength), leafPrefix...), hashedKey[:]...)
}

func journalKey(version uint64) []byte {
	buf := make([]byte, 0, len(journalPrefix)+database.Uint64Size)
	buf = append(buf, journalPrefix...)
	return binary.BigEndian.AppendUint64(buf, version)
}

func encodeLeafRecord(rec leafRecord) []byte {
	buf := make([]byte, database.Uint64Size+types.HashLength)
	binary.BigEndian.PutUint64(buf[:database.Uint64Size], rec.index)
	copy(buf[database.Uint64Size:], rec.value[:])
	return buf
}

func decodeLeafRecord(b []byte) (leafRecord, error) {
	var rec leafRecord
	if len(b) != database.Uint64Size+types.HashLength {
		return rec, errCorruptLeaf
	}
	rec.index = binary.BigEndian.Uint64(b[:database.Uint64Size])
	copy(rec.value[:], b[database.Uint64Size:])
	return rec, nil
}

// leafUndo restores one leaf to its state before a version was applied.
type leafUndo struct {
	key     types.Hash
	existed bool
	prev    leafRecord
}

// nodeUndo restores one node hash to its state before a version was applied.
// A node that didn't exist is deleted again on revert, falling back to the
// empty-subtree hash for its depth.
type nodeUndo struct {
	key     nodeKey
	existed bool
	prev    types.Hash
}

// versionJournal holds everything needed to undo a single version. It is
// persisted alongside the version so that Revert works across restarts.
type versionJournal struct {
	version       uint64
	prevRoot      types.Hash
	prevLeafCount uint64
	leaves        []leafUndo
	nodes         []nodeUndo

	// first-touch guards; only populated while the journal is being built
	touchedLeaves map[types.Hash]struct{}
	touchedNodes  map[nodeKey]struct{}
}

func newVersionJournal(version uint64, prevRoot types.Hash, prevLeafCount uint64) *versionJournal {
	return &versionJournal{
		version:       version,
		prevRoot:      prevRoot,
		prevLeafCount: prevLeafCount,
		touchedLeaves: make(map[types.Hash]struct{}),
		touchedNodes:  make(map[nodeKey]struct{}),
	}
}

func (j *versionJournal) recordLeaf(key types.Hash, existed bool, prev leafRecord) {
	if _, ok := j.touchedLeaves[key]; ok {
		return
	}
	j.touchedLeaves[key] = struct{}{}
	j.leaves = append(j.leaves, leafUndo{key: key, existed: existed, prev: prev})
}

func (j *versionJournal) recordNode(key nodeKey, existed bool, prev types.Hash) {
	if _, ok := j.touchedNodes[key]; ok {
		return
	}
	j.touchedNodes[key] = struct{}{}
	j.nodes = append(j.nodes, nodeUndo{key: key, existed: existed, prev: prev})
}

const (
	undoAbsent  = 0x00
	undoPresent = 0x01
)

func encodeJournal(j *versionJournal) []byte {
	size := 2*database.Uint64Size + types.HashLength +
		2*database.Uint64Size +
		len(j.leaves)*(types.HashLength+1+database.Uint64Size+types.HashLength) +
		len(j.nodes)*(2+types.HashLength+1+types.HashLength)
	buf := make([]byte, 0, size)

	buf = binary.BigEndian.AppendUint64(buf, j.version)
	buf = append(buf, j.prevRoot[:]...)
	buf = binary.BigEndian.AppendUint64(buf, j.prevLeafCount)

	buf = binary.BigEndian.AppendUint64(buf, uint64(len(j.leaves)))
	for _, undo := range j.leaves {
		buf = append(buf, undo.key[:]...)
		if undo.existed {
			buf = append(buf, undoPresent)
		} else {
			buf = append(buf, undoAbsent)
		}
		buf = binary.BigEndian.AppendUint64(buf, undo.prev.index)
		buf = append(buf, undo.prev.value[:]...)
	}

	buf = binary.BigEndian.AppendUint64(buf, uint64(len(j.nodes)))
	for _, undo := range j.nodes {
		buf = binary.BigEndian.AppendUint16(buf, undo.key.depth)
		buf = append(buf, undo.key.path[:]...)
		if undo.existed {
			buf = append(buf, undoPresent)
		} else {
			buf = append(buf, undoAbsent)
		}
		buf = append(buf, undo.prev[:]...)
	}
	return buf
}

type journalReader struct {
	b   []byte
	err error
}

func (r *journalReader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.b) < n {
		r.err = errCorruptJournal
		return nil
	}
	out := r.b[:n]
	r.b = r.b[n:]
	return out
}

func (r *journalReader) uint64() uint64 {
	b := r.bytes(database.Uint64Size)
	if r.err != nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *journalReader) uint16() uint16 {
	b := r.bytes(2)
	if r.err != nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *journalReader) hash() types.Hash {
	var h types.Hash
	copy(h[:], r.bytes(types.HashLength))
	return h
}

func (r *journalReader) bool() bool {
	b := r.bytes(1)
	if r.err != nil {
		return false
	}
	return b[0] == undoPresent
}

func decodeJournal(b []byte) (*versionJournal, error) {
	r := &journalReader{b: b}
	j := &versionJournal{}
	j.version = r.uint64()
	j.prevRoot = r.hash()
	j.prevLeafCount = r.uint64()

	numLeaves := r.uint64()
	if r.err == nil && numLeaves <= uint64(len(r.b)) {
		j.leaves = make([]leafUndo, 0, numLeaves)
	}
	for i := uint64(0); i < numLeaves && r.err == nil; i++ {
		undo := leafUndo{key: r.hash(), existed: r.bool()}
		undo.prev.index = r.uint64()
		undo.prev.value = r.hash()
		j.leaves = append(j.leaves, undo)
	}

	numNodes := r.uint64()
	if r.err == nil && numNodes <= uint64(len(r.b)) {
		j.nodes = make([]nodeUndo, 0, numNodes)
	}
	for i := uint64(0); i < numNodes && r.err == nil; i++ {
		undo := nodeUndo{key: nodeKey{depth: r.uint16(), path: r.hash()}}
		undo.existed = r.bool()
		undo.prev = r.hash()
		j.nodes = append(j.nodes, undo)
	}

	if r.err != nil {
		return nil, r.err
	}
	if len(r.b) != 0 {
		return nil, errCorruptJournal
	}
	return j, nil
}

// multiGetLeaves fetches the persisted leaf records for [keys] from the
// backing store, [chunkSize] keys per worker. Keys without a record are
// simply absent from the result.
func (t *Tree) multiGetLeaves(keys []types.Hash) (map[types.Hash]leafRecord, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	chunkSize := t.multiGetChunkSize
	if chunkSize <= 0 {
		chunkSize = len(keys)
	}

	var (
		lock    sync.Mutex
		records = make(map[types.Hash]leafRecord, len(keys))
		eg      errgroup.Group
	)
	for start := 0; start < len(keys); start += chunkSize {
		chunk := keys[start:min(start+chunkSize, len(keys))]
		eg.Go(func() error {
			chunkRecords := make(map[types.Hash]leafRecord, len(chunk))
			for _, key := range chunk {
				raw, err := t.leaves.Get(key[:])
				if errors.Is(err, database.ErrNotFound) {
					continue
				}
				if err != nil {
					return fmt.Errorf("fetching leaf %s: %w", key, err)
				}
				t.metrics.DatabaseLeafRead()
				rec, err := decodeLeafRecord(raw)
				if err != nil {
					return err
				}
				chunkRecords[key] = rec
			}

			lock.Lock()
			defer lock.Unlock()
			for key, rec := range chunkRecords {
				records[key] = rec
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return records, nil
}
