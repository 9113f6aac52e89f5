// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package calculator

import (
	"context"
	"errors"
	"sync"

	"github.com/ava-labs/statetree/database"
	"github.com/ava-labs/statetree/merkle"
	"github.com/ava-labs/statetree/types"
)

// ErrInconsistentState means an offloaded tree operation was abandoned before
// it finished, so the in-memory tree may not match what the caller believes.
// The handle refuses all further work; the process should restart and reopen
// the tree from its last save.
var ErrInconsistentState = errors.New("tree is in inconsistent state: an operation was abandoned mid-flight")

// AsyncTree bridges the single-owned, CPU-bound merkle.Tree to cooperative
// multitasking. Heavy operations are offloaded to a dedicated goroutine while
// the caller waits on the context; cheap accessors run inline.
//
// During an offloaded operation the goroutine holds exclusive ownership of
// the tree. If the caller's context is canceled before the operation
// completes, or the operation itself fails partway through, ownership is
// never returned: the handle is poisoned and every subsequent operation fails
// with ErrInconsistentState. Nothing was persisted out of order, so reopening
// the store yields a consistent tree.
type AsyncTree struct {
	mode merkle.Mode

	lock   sync.Mutex
	inner  *merkle.Tree // nil while an operation owns the tree, or after poisoning
	closed bool
}

// OpenTree opens the tree persisted in [db] without blocking the caller's
// goroutine beyond [ctx].
func OpenTree(ctx context.Context, db database.Database, config merkle.Config) (*AsyncTree, error) {
	type result struct {
		tree *merkle.Tree
		err  error
	}
	done := make(chan result, 1)
	go func() {
		tree, err := merkle.New(db, config)
		done <- result{tree: tree, err: err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if res := <-done; res.err == nil {
				_ = res.tree.Close()
			}
		}()
		return nil, ctx.Err()
	case res := <-done:
		if res.err != nil {
			return nil, res.err
		}
		return &AsyncTree{
			mode:  res.tree.Mode(),
			inner: res.tree,
		}, nil
	}
}

// take transfers ownership of the tree to the caller. Every successful take
// must be paired with a put, except when the operation is abandoned.
func (t *AsyncTree) take() (*merkle.Tree, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.closed {
		return nil, database.ErrClosed
	}
	if t.inner == nil {
		return nil, ErrInconsistentState
	}
	inner := t.inner
	t.inner = nil
	return inner, nil
}

func (t *AsyncTree) put(inner *merkle.Tree) {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.inner = inner
}

// borrow runs [f] on the tree inline without releasing ownership mid-call.
// It panics if the handle is poisoned: accessors have no error channel, and
// by the poisoning contract the state they'd report is unreliable.
func (t *AsyncTree) borrow(f func(*merkle.Tree)) {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.inner == nil {
		panic(ErrInconsistentState)
	}
	f(t.inner)
}

// Mode returns the tree mode. Available even while the handle is poisoned.
func (t *AsyncTree) Mode() merkle.Mode {
	return t.mode
}

// IsEmpty returns whether no batch was ever applied to the tree.
func (t *AsyncTree) IsEmpty() bool {
	var empty bool
	t.borrow(func(inner *merkle.Tree) {
		empty = inner.IsEmpty()
	})
	return empty
}

// NextBatchNumber returns the number of the first batch not yet applied.
func (t *AsyncTree) NextBatchNumber() types.BatchNumber {
	var next types.BatchNumber
	t.borrow(func(inner *merkle.Tree) {
		next = inner.NextBatchNumber()
	})
	return next
}

// RootHash returns the current root hash, including not-yet-saved batches.
func (t *AsyncTree) RootHash() types.Hash {
	var root types.Hash
	t.borrow(func(inner *merkle.Tree) {
		root = inner.RootHash()
	})
	return root
}

// offload runs [f] on the tree in a fresh goroutine and waits for it or for
// [ctx]. On cancellation ownership stays with the goroutine and the handle is
// left poisoned. A failed operation also leaves the handle poisoned: [f] may
// have mutated the in-memory tree before failing, and a batch must never be
// observable partially applied.
func (t *AsyncTree) offload(ctx context.Context, f func(*merkle.Tree) error) error {
	inner, err := t.take()
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- f(inner)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return err
		}
		t.put(inner)
		return nil
	}
}

// ProcessBatch feeds [logs] through the tree and returns the resulting batch
// metadata. The update is in-memory only until Save.
func (t *AsyncTree) ProcessBatch(ctx context.Context, logs []types.StorageLog) (*merkle.Metadata, error) {
	var metadata *merkle.Metadata
	err := t.offload(ctx, func(inner *merkle.Tree) error {
		var err error
		metadata, err = inner.ProcessBatch(logs)
		return err
	})
	if err != nil {
		return nil, err
	}
	return metadata, nil
}

// Save persists all processed batches atomically.
func (t *AsyncTree) Save(ctx context.Context) error {
	return t.offload(ctx, func(inner *merkle.Tree) error {
		return inner.Save()
	})
}

// Revert rewinds the persisted tree so that [lastBatchToKeep] is the newest
// applied batch.
func (t *AsyncTree) Revert(ctx context.Context, lastBatchToKeep types.BatchNumber) error {
	return t.offload(ctx, func(inner *merkle.Tree) error {
		return inner.Revert(lastBatchToKeep)
	})
}

// Reset discards all in-memory changes since the last save.
func (t *AsyncTree) Reset(ctx context.Context) error {
	return t.offload(ctx, func(inner *merkle.Tree) error {
		inner.Reset()
		return nil
	})
}

// Close releases the tree. Closing a poisoned handle is an error: the
// abandoned operation still owns the tree.
func (t *AsyncTree) Close() error {
	inner, err := t.take()
	if err != nil {
		return err
	}

	t.lock.Lock()
	t.closed = true
	t.lock.Unlock()

	return inner.Close()
}
