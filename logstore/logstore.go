// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package logstore defines the interface to the upstream log store: the
// relational database where the sealing pipeline records batch headers,
// protective reads, touched slots and initial writes. The tree calculator is
// a pure consumer of this data.
package logstore

import (
	"context"

	"github.com/ava-labs/statetree/types"
)

// Store is the read surface of the log store required by the calculator.
//
// All methods propagate I/O failures to the caller without retrying; retry
// policy belongs to the update driver.
type Store interface {
	// BatchHeader returns the header of [number], or nil if the batch wasn't
	// sealed yet. A missing header is not an error.
	BatchHeader(ctx context.Context, number types.BatchNumber) (*types.BatchHeader, error)

	// ProtectiveReads returns the keys recorded as protective reads for
	// [number]: slots that provably did not change value in the batch.
	ProtectiveReads(ctx context.Context, number types.BatchNumber) ([]types.StorageKey, error)

	// TouchedSlots returns the final recorded value of every slot touched in
	// [number]. The map may contain deduplication artifacts that are not
	// genuine writes.
	TouchedSlots(ctx context.Context, number types.BatchNumber) (map[types.StorageKey]types.Hash, error)

	// InitialWriteBatches returns, for each of [hashedKeys], the batch of the
	// key's first-ever genuine write. Keys never written are absent from the
	// result.
	InitialWriteBatches(ctx context.Context, hashedKeys []types.Hash) (map[types.Hash]types.BatchNumber, error)

	// PreviousValues returns, for each of [hashedKeys], the value the slot
	// held before [number] was applied. Keys never written before [number]
	// are absent from the result.
	PreviousValues(ctx context.Context, hashedKeys []types.Hash, number types.BatchNumber) (map[types.Hash]types.Hash, error)

	// InsertProtectiveReads records [keys] as protective reads for [number].
	// Test and setup use only; in production the sealing pipeline writes
	// these rows.
	InsertProtectiveReads(ctx context.Context, number types.BatchNumber, keys []types.StorageKey) error
}
