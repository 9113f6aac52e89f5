// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package merkle

import (
	"encoding/binary"

	"golang.org/x/crypto/blake2s"

	"github.com/ava-labs/statetree/types"
)

// Depth is the number of levels below the root. Leaves live at depth [Depth];
// a leaf's position is the 256-bit hashed storage key, most significant bit
// first.
const Depth = 8 * types.HashLength

// emptySubtreeHashes[d] is the hash of a subtree rooted at depth [d] that
// contains no written leaves. emptySubtreeHashes[Depth] is the empty leaf.
var emptySubtreeHashes = computeEmptySubtreeHashes()

func computeEmptySubtreeHashes() [Depth + 1]types.Hash {
	var hashes [Depth + 1]types.Hash
	hashes[Depth] = hashLeaf(0, types.ZeroHash)
	for d := Depth - 1; d >= 0; d-- {
		hashes[d] = hashInternal(hashes[d+1], hashes[d+1])
	}
	return hashes
}

const leafIndexSize = 8 // bytes

// hashLeaf binds a leaf's enumeration index to its value, so that two trees
// agree on the root only if they also agree on every index allocation.
func hashLeaf(leafIndex uint64, value types.Hash) types.Hash {
	var buf [leafIndexSize + types.HashLength]byte
	binary.BigEndian.PutUint64(buf[:leafIndexSize], leafIndex)
	copy(buf[leafIndexSize:], value[:])
	return blake2s.Sum256(buf[:])
}

func hashInternal(left, right types.Hash) types.Hash {
	var buf [2 * types.HashLength]byte
	copy(buf[:types.HashLength], left[:])
	copy(buf[types.HashLength:], right[:])
	return blake2s.Sum256(buf[:])
}

// bit returns the [i]-th bit of [key], counting from the most significant
// bit of the first byte.
func bit(key types.Hash, i int) byte {
	return (key[i/8] >> (7 - i%8)) & 1
}

// pathPrefix returns [key] with all bits at positions >= [depth] cleared.
// The result identifies the internal node at [depth] on the path to [key].
func pathPrefix(key types.Hash, depth int) types.Hash {
	var p types.Hash
	fullBytes := depth / 8
	copy(p[:fullBytes], key[:fullBytes])
	if rem := depth % 8; rem != 0 {
		p[fullBytes] = key[fullBytes] & (0xff << (8 - rem))
	}
	return p
}

// siblingPath returns the path of the sibling of the depth-[depth] node on
// the path to [key], i.e. the prefix with its last bit flipped.
func siblingPath(key types.Hash, depth int) types.Hash {
	p := pathPrefix(key, depth)
	p[(depth-1)/8] ^= 1 << (7 - (depth-1)%8)
	return p
}
