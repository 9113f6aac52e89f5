// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package calculator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slices"

	"github.com/ava-labs/statetree/database/memdb"
	"github.com/ava-labs/statetree/logstore"
	"github.com/ava-labs/statetree/merkle"
	"github.com/ava-labs/statetree/types"
)

func testSlot(i byte) types.StorageKey {
	return types.StorageKey{
		Address: types.RepeatAddress(0xcc),
		Slot:    types.RepeatHash(i),
	}
}

// loadBatchWithLogsSlow is the reference loader: it reconstructs the same log
// list from the store's value history instead of the deduplicated rows. Used
// to check that the two reconstructions agree on every batch.
func loadBatchWithLogsSlow(
	t *testing.T,
	store logstore.Store,
	number types.BatchNumber,
) *types.BatchWithLogs {
	t.Helper()
	require := require.New(t)
	ctx := context.Background()

	header, err := store.BatchHeader(ctx, number)
	require.NoError(err)
	if header == nil {
		return nil
	}

	protectiveReads, err := store.ProtectiveReads(ctx, number)
	require.NoError(err)
	touchedSlots, err := store.TouchedSlots(ctx, number)
	require.NoError(err)

	protected := make(map[types.StorageKey]struct{}, len(protectiveReads))
	logs := make([]types.StorageLog, 0, len(touchedSlots))
	for _, key := range protectiveReads {
		protected[key] = struct{}{}
		logs = append(logs, types.NewReadLog(key))

		// A protective read asserts the slot didn't change in this batch.
		hashedKey := key.HashedKey()
		before, err := store.PreviousValues(ctx, []types.Hash{hashedKey}, number)
		require.NoError(err)
		after, err := store.PreviousValues(ctx, []types.Hash{hashedKey}, number+1)
		require.NoError(err)
		require.Equal(before[hashedKey], after[hashedKey])
	}

	for key, value := range touchedSlots {
		if _, ok := protected[key]; ok {
			continue
		}
		hashedKey := key.HashedKey()
		prevValues, err := store.PreviousValues(ctx, []types.Hash{hashedKey}, number)
		require.NoError(err)
		if prevValues[hashedKey] == value {
			// Deduplication artifact: the slot didn't actually change.
			continue
		}
		logs = append(logs, types.NewWriteLog(key, value))
	}

	slices.SortFunc(logs, func(a, b types.StorageLog) bool {
		return a.Key.HashedKey().Compare(b.Key.HashedKey()) < 0
	})
	return &types.BatchWithLogs{
		Header: *header,
		Logs:   logs,
	}
}

func TestLoadBatchNotSealed(t *testing.T) {
	require := require.New(t)

	store := logstore.NewMemory()
	batch, err := LoadBatchWithLogs(context.Background(), store, 0)
	require.NoError(err)
	require.Nil(batch)
}

// sealMixedBatches seals a sequence exercising every deduplication shape:
// genuine writes, no-op rewrites, zero writes to untouched slots and genuine
// overwrites with zero.
func sealMixedBatches(t *testing.T, store *logstore.Memory) int {
	t.Helper()
	require := require.New(t)

	batches := [][]types.StorageLog{
		{
			types.NewWriteLog(testSlot(0), types.RepeatHash(0x01)),
			types.NewWriteLog(testSlot(1), types.RepeatHash(0x02)),
			types.NewWriteLog(testSlot(2), types.RepeatHash(0x03)),
		},
		{
			// no-op rewrite of slot 0, genuine overwrite of slot 1
			types.NewWriteLog(testSlot(0), types.RepeatHash(0x01)),
			types.NewWriteLog(testSlot(1), types.RepeatHash(0x12)),
			// zero write to a never-written slot
			types.NewWriteLog(testSlot(3), types.Hash{}),
		},
		{
			// genuine overwrite with zero: slot 2 has a leaf, so this write
			// must survive reconstruction
			types.NewWriteLog(testSlot(2), types.Hash{}),
			types.NewWriteLog(testSlot(4), types.RepeatHash(0x44)),
		},
		{
			// everything is a no-op or an artifact
			types.NewWriteLog(testSlot(1), types.RepeatHash(0x12)),
			types.NewWriteLog(testSlot(2), types.Hash{}),
			types.NewWriteLog(testSlot(5), types.Hash{}),
		},
	}
	for i, logs := range batches {
		require.NoError(store.SealBatch(types.BatchHeader{
			Number:    types.BatchNumber(i),
			Timestamp: uint64(1000 + i),
		}, logs))
	}
	return len(batches)
}

func TestLoadBatchEquivalence(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	store := logstore.NewMemory()
	numBatches := sealMixedBatches(t, store)

	fastTree, err := merkle.New(memdb.New(), merkle.Config{Mode: merkle.ModeFull})
	require.NoError(err)
	slowTree, err := merkle.New(memdb.New(), merkle.Config{Mode: merkle.ModeFull})
	require.NoError(err)

	for number := types.BatchNumber(0); int(number) < numBatches; number++ {
		fast, err := LoadBatchWithLogs(ctx, store, number)
		require.NoError(err)
		require.NotNil(fast)
		slow := loadBatchWithLogsSlow(t, store, number)

		require.Equal(slow.Header, fast.Header)
		require.Equal(slow.Logs, fast.Logs, "batch %s", number)

		fastMetadata, err := fastTree.ProcessBatch(fast.Logs)
		require.NoError(err)
		slowMetadata, err := slowTree.ProcessBatch(slow.Logs)
		require.NoError(err)

		require.Equal(slowMetadata.RootHash, fastMetadata.RootHash)
		require.Equal(slowMetadata.InitialWrites, fastMetadata.InitialWrites)
		require.Equal(slowMetadata.RepeatedWrites, fastMetadata.RepeatedWrites)
		require.Equal(slowMetadata.Witness, fastMetadata.Witness)
	}
}

func TestLoadBatchOrdering(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	store := logstore.NewMemory()
	logs := make([]types.StorageLog, 0, 16)
	for i := byte(0); i < 16; i++ {
		logs = append(logs, types.NewWriteLog(testSlot(i), types.RepeatHash(i+1)))
	}
	require.NoError(store.SealBatch(types.BatchHeader{Number: 0}, logs))

	batch, err := LoadBatchWithLogs(ctx, store, 0)
	require.NoError(err)
	require.Len(batch.Logs, 16)
	require.True(slices.IsSortedFunc(batch.Logs, func(a, b types.StorageLog) bool {
		return a.Key.HashedKey().Compare(b.Key.HashedKey()) < 0
	}))
}

func TestLoadBatchNoOpRewrites(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	store := logstore.NewMemory()
	logs := make([]types.StorageLog, 0, 20)
	for i := byte(0); i < 20; i++ {
		logs = append(logs, types.NewWriteLog(testSlot(i), types.RepeatHash(i+1)))
	}
	require.NoError(store.SealBatch(types.BatchHeader{Number: 0}, logs))
	// Batch 1 rewrites every slot with its current value.
	require.NoError(store.SealBatch(types.BatchHeader{Number: 1}, logs))

	tree, err := merkle.New(memdb.New(), merkle.Config{Mode: merkle.ModeFull})
	require.NoError(err)

	first, err := LoadBatchWithLogs(ctx, store, 0)
	require.NoError(err)
	_, err = tree.ProcessBatch(first.Logs)
	require.NoError(err)
	root := tree.RootHash()

	second, err := LoadBatchWithLogs(ctx, store, 1)
	require.NoError(err)
	for _, log := range second.Logs {
		require.False(log.IsWrite())
	}

	_, err = tree.ProcessBatch(second.Logs)
	require.NoError(err)
	require.Equal(root, tree.RootHash())
}

func TestLoadBatchFreshZeroWrites(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	store := logstore.NewMemory()
	logs := make([]types.StorageLog, 0, 5)
	for i := byte(0); i < 5; i++ {
		logs = append(logs, types.NewWriteLog(testSlot(i), types.Hash{}))
	}
	require.NoError(store.SealBatch(types.BatchHeader{Number: 0}, logs))

	// Zero writes to never-written slots are artifacts; nothing survives
	// reconstruction and the tree root doesn't move.
	batch, err := LoadBatchWithLogs(ctx, store, 0)
	require.NoError(err)
	require.Empty(batch.Logs)

	tree, err := merkle.New(memdb.New(), merkle.Config{Mode: merkle.ModeFull})
	require.NoError(err)
	emptyRoot := tree.RootHash()
	_, err = tree.ProcessBatch(batch.Logs)
	require.NoError(err)
	require.Equal(emptyRoot, tree.RootHash())
}

func TestLoadBatchProtectiveReadWinsOverTouchedSlot(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	store := logstore.NewMemory()
	key := testSlot(0)
	require.NoError(store.SealBatch(types.BatchHeader{Number: 0}, []types.StorageLog{
		types.NewWriteLog(key, types.RepeatHash(0x01)),
	}))
	// The sealing pipeline may record a slot both ways; the protective read
	// takes precedence.
	require.NoError(store.InsertProtectiveReads(ctx, 0, []types.StorageKey{key}))

	batch, err := LoadBatchWithLogs(ctx, store, 0)
	require.NoError(err)
	require.Len(batch.Logs, 1)
	require.False(batch.Logs[0].IsWrite())
	require.Equal(key, batch.Logs[0].Key)
}
