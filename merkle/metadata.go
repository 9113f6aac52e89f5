// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package merkle

import "github.com/ava-labs/statetree/types"

// InitialWrite records the first-ever write of a key: the batch allocated a
// new leaf index for it.
type InitialWrite struct {
	Key       types.Hash
	LeafIndex uint64
	Value     types.Hash
}

// RepeatedWrite records a write to a key whose leaf index was allocated by an
// earlier batch.
type RepeatedWrite struct {
	Key       types.Hash
	LeafIndex uint64
	Value     types.Hash
}

// WitnessEntry is the Merkle path for a single storage log, captured against
// the tree state the log was applied to. Sibling hashes are ordered leaf
// level first.
type WitnessEntry struct {
	Key        types.Hash
	Value      types.Hash
	LeafIndex  uint64
	FirstWrite bool
	IsWrite    bool
	Siblings   []types.Hash
}

// Witness is the raw per-batch path data consumed by a downstream prover.
type Witness struct {
	// NextEnumerationIndex is the first leaf index available when the batch
	// started to apply.
	NextEnumerationIndex uint64
	Entries              []WitnessEntry
}

// Metadata is the output of applying one batch to the tree. Produced once per
// batch; ownership transfers to the caller.
type Metadata struct {
	RootHash types.Hash

	// LastLeafIndex is the highest leaf index allocated so far, after the
	// batch was applied.
	LastLeafIndex uint64

	InitialWrites  []InitialWrite
	RepeatedWrites []RepeatedWrite

	// Witness is nil in Lightweight mode.
	Witness *Witness
}
