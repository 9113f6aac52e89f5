// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package merkle

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ava-labs/statetree/types"
)

func TestJournalRoundTrip(t *testing.T) {
	require := require.New(t)

	journal := newVersionJournal(7, types.RepeatHash(0xaa), 13)
	journal.recordLeaf(types.RepeatHash(0x01), true, leafRecord{index: 3, value: types.RepeatHash(0x02)})
	journal.recordLeaf(types.RepeatHash(0x03), false, leafRecord{})
	// A second touch of the same leaf must not produce a second undo entry.
	journal.recordLeaf(types.RepeatHash(0x01), true, leafRecord{index: 9, value: types.RepeatHash(0xee)})

	journal.recordNode(nodeKey{depth: 0}, true, types.RepeatHash(0x04))
	journal.recordNode(nodeKey{depth: 255, path: types.RepeatHash(0x05)}, false, types.ZeroHash)
	journal.recordNode(nodeKey{depth: 0}, true, types.RepeatHash(0xee))

	decoded, err := decodeJournal(encodeJournal(journal))
	require.NoError(err)

	require.Equal(journal.version, decoded.version)
	require.Equal(journal.prevRoot, decoded.prevRoot)
	require.Equal(journal.prevLeafCount, decoded.prevLeafCount)
	require.Equal(journal.leaves, decoded.leaves)
	require.Equal(journal.nodes, decoded.nodes)

	// The first touch won.
	require.Len(decoded.leaves, 2)
	require.Equal(uint64(3), decoded.leaves[0].prev.index)
	require.Len(decoded.nodes, 2)
	require.Equal(types.RepeatHash(0x04), decoded.nodes[0].prev)
}

func TestJournalDecodeCorrupt(t *testing.T) {
	require := require.New(t)

	journal := newVersionJournal(1, types.ZeroHash, 0)
	journal.recordLeaf(types.RepeatHash(0x01), true, leafRecord{index: 1})
	encoded := encodeJournal(journal)

	_, err := decodeJournal(encoded[:len(encoded)-1])
	require.ErrorIs(err, errCorruptJournal)

	_, err = decodeJournal(append(encoded, 0x00))
	require.ErrorIs(err, errCorruptJournal)
}

func TestLeafRecordCodec(t *testing.T) {
	require := require.New(t)

	rec := leafRecord{index: 42, value: types.RepeatHash(0x07)}
	decoded, err := decodeLeafRecord(encodeLeafRecord(rec))
	require.NoError(err)
	require.Equal(rec, decoded)

	_, err = decodeLeafRecord([]byte{1, 2, 3})
	require.ErrorIs(err, errCorruptLeaf)
}
