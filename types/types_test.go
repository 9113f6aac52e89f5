// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package types

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHash(t *testing.T) {
	require := require.New(t)

	require.True(ZeroHash.IsZero())
	require.False(RepeatHash(0x01).IsZero())

	_, err := ToHash([]byte{1, 2, 3})
	require.Error(err)

	want := RepeatHash(0xab)
	got, err := ToHash(want[:])
	require.NoError(err)
	require.Equal(want, got)

	text, err := want.MarshalText()
	require.NoError(err)
	require.Equal(want.String(), string(text))
}

func TestHashCompare(t *testing.T) {
	require := require.New(t)

	low := RepeatHash(0x01)
	high := RepeatHash(0x02)
	require.Negative(low.Compare(high))
	require.Positive(high.Compare(low))
	require.Zero(low.Compare(low))
}

func TestHashedKeyStable(t *testing.T) {
	require := require.New(t)

	key := StorageKey{Address: RepeatAddress(0x01), Slot: RepeatHash(0x02)}
	require.Equal(key.HashedKey(), key.HashedKey())

	other := StorageKey{Address: RepeatAddress(0x01), Slot: RepeatHash(0x03)}
	require.NotEqual(key.HashedKey(), other.HashedKey())
}

func TestStorageLogKinds(t *testing.T) {
	require := require.New(t)

	key := StorageKey{Address: RepeatAddress(0x01), Slot: RepeatHash(0x02)}

	read := NewReadLog(key)
	require.False(read.IsWrite())
	require.True(read.Value.IsZero())

	write := NewWriteLog(key, RepeatHash(0x03))
	require.True(write.IsWrite())
	require.Equal(RepeatHash(0x03), write.Value)
}

func TestStringers(t *testing.T) {
	require := require.New(t)

	require.Equal("#17", BatchNumber(17).String())
	require.Equal("read", StorageLogRead.String())
	require.Equal("write", StorageLogWrite.String())
	require.Equal(
		"0x0101010101010101010101010101010101010101010101010101010101010101",
		RepeatHash(0x01).String(),
	)
}
