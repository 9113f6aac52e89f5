// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package calculator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ava-labs/statetree/database"
	"github.com/ava-labs/statetree/database/memdb"
	"github.com/ava-labs/statetree/merkle"
	"github.com/ava-labs/statetree/types"
)

// gatedDB delays reads on demand so tests can park an offloaded tree
// operation mid-flight.
type gatedDB struct {
	database.Database

	lock sync.Mutex
	gate chan struct{}
}

func (db *gatedDB) Get(key []byte) ([]byte, error) {
	db.lock.Lock()
	gate := db.gate
	db.lock.Unlock()

	if gate != nil {
		<-gate
	}
	return db.Database.Get(key)
}

// holdReads blocks all reads until the returned function is called.
func (db *gatedDB) holdReads() func() {
	gate := make(chan struct{})
	db.lock.Lock()
	db.gate = gate
	db.lock.Unlock()

	return func() {
		db.lock.Lock()
		db.gate = nil
		db.lock.Unlock()
		close(gate)
	}
}

func TestAsyncTreeRoundTrip(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	tree, err := OpenTree(ctx, memdb.New(), merkle.Config{})
	require.NoError(err)

	require.True(tree.IsEmpty())
	require.Equal(merkle.ModeFull, tree.Mode())

	logs := []types.StorageLog{
		types.NewWriteLog(testSlot(0), types.RepeatHash(0x01)),
	}
	metadata, err := tree.ProcessBatch(ctx, logs)
	require.NoError(err)
	require.Equal(uint64(1), metadata.LastLeafIndex)
	require.NoError(tree.Save(ctx))

	require.False(tree.IsEmpty())
	require.Equal(types.BatchNumber(1), tree.NextBatchNumber())
	require.Equal(metadata.RootHash, tree.RootHash())

	require.NoError(tree.Close())
	require.ErrorIs(tree.Save(ctx), database.ErrClosed)
}

func TestAsyncTreePoisoning(t *testing.T) {
	require := require.New(t)

	db := &gatedDB{Database: memdb.New()}
	tree, err := OpenTree(context.Background(), db, merkle.Config{})
	require.NoError(err)

	release := db.holdReads()
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	// The operation parks on a gated read; cancellation abandons it and
	// poisons the handle.
	logs := []types.StorageLog{
		types.NewWriteLog(testSlot(0), types.RepeatHash(0x01)),
	}
	_, err = tree.ProcessBatch(ctx, logs)
	require.ErrorIs(err, context.Canceled)

	_, err = tree.ProcessBatch(context.Background(), logs)
	require.ErrorIs(err, ErrInconsistentState)
	require.ErrorIs(tree.Save(context.Background()), ErrInconsistentState)
	require.ErrorIs(tree.Reset(context.Background()), ErrInconsistentState)
	require.ErrorIs(tree.Revert(context.Background(), 0), ErrInconsistentState)
	require.ErrorIs(tree.Close(), ErrInconsistentState)

	// Accessors have no error channel; they refuse to report unreliable
	// state.
	require.Panics(func() { tree.RootHash() })
	require.Panics(func() { tree.NextBatchNumber() })
	require.Panics(func() { tree.IsEmpty() })

	// Mode is immutable and stays readable.
	require.Equal(merkle.ModeFull, tree.Mode())
}

// failingDB injects a read failure once its budget of successful reads is
// spent. Reads may come from prefetch workers, so the countdown is atomic.
type failingDB struct {
	database.Database

	remaining int64
}

var errInjectedRead = errors.New("injected read failure")

func (db *failingDB) Get(key []byte) ([]byte, error) {
	if atomic.AddInt64(&db.remaining, -1) < 0 {
		return nil, errInjectedRead
	}
	return db.Database.Get(key)
}

func TestAsyncTreeFailedOperationPoisons(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	db := &failingDB{Database: memdb.New(), remaining: 1 << 20}
	tree, err := OpenTree(ctx, db, merkle.Config{})
	require.NoError(err)

	// Fail a read midway through the second write's path rehash, leaving the
	// batch half applied in memory.
	atomic.StoreInt64(&db.remaining, 600)

	logs := []types.StorageLog{
		types.NewWriteLog(testSlot(0), types.RepeatHash(0x01)),
		types.NewWriteLog(testSlot(1), types.RepeatHash(0x02)),
	}
	_, err = tree.ProcessBatch(ctx, logs)
	require.ErrorIs(err, errInjectedRead)

	// The half-applied batch must never become observable: the handle is
	// poisoned instead of returning to service.
	_, err = tree.ProcessBatch(ctx, logs)
	require.ErrorIs(err, ErrInconsistentState)
	require.ErrorIs(tree.Save(ctx), ErrInconsistentState)
	require.Panics(func() { tree.RootHash() })
	require.Panics(func() { tree.NextBatchNumber() })
}

func TestAsyncTreeRevertCanceled(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	db := &gatedDB{Database: memdb.New()}
	tree, err := OpenTree(ctx, db, merkle.Config{})
	require.NoError(err)

	for seed := byte(0); seed < 2; seed++ {
		_, err = tree.ProcessBatch(ctx, []types.StorageLog{
			types.NewWriteLog(testSlot(seed), types.RepeatHash(seed + 1)),
		})
		require.NoError(err)
		require.NoError(tree.Save(ctx))
	}

	release := db.holdReads()
	defer release()

	revertCtx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	// The revert parks on a gated journal read; abandoning it poisons the
	// handle like any other mutation.
	require.ErrorIs(tree.Revert(revertCtx, 0), context.Canceled)
	require.ErrorIs(tree.Reset(context.Background()), ErrInconsistentState)
	require.Panics(func() { tree.RootHash() })
}

func TestAsyncTreeOpenCanceled(t *testing.T) {
	require := require.New(t)

	db := &gatedDB{Database: memdb.New()}

	// Persist something so that opening has to read.
	setup, err := merkle.New(db, merkle.Config{})
	require.NoError(err)
	_, err = setup.ProcessBatch([]types.StorageLog{
		types.NewWriteLog(testSlot(0), types.RepeatHash(0x01)),
	})
	require.NoError(err)
	require.NoError(setup.Save())

	release := db.holdReads()
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err = OpenTree(ctx, db, merkle.Config{})
	require.ErrorIs(err, context.Canceled)
}
