// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package leveldb

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ava-labs/statetree/database"
)

func TestPutGetReopen(t *testing.T) {
	require := require.New(t)
	path := t.TempDir()

	db, err := New(path, Config{SyncWrites: true})
	require.NoError(err)

	_, err = db.Get([]byte("missing"))
	require.ErrorIs(err, database.ErrNotFound)

	require.NoError(db.Put([]byte("key"), []byte("value")))

	batch := db.NewBatch()
	require.NoError(batch.Put([]byte("batched"), []byte{1}))
	require.NoError(batch.Delete([]byte("gone")))
	require.Positive(batch.Size())
	require.NoError(batch.Write())

	require.NoError(db.Close())
	require.ErrorIs(db.Close(), database.ErrClosed)

	// Sync writes survive the reopen.
	db, err = New(path, Config{SyncWrites: true})
	require.NoError(err)
	defer func() {
		require.NoError(db.Close())
	}()

	value, err := db.Get([]byte("key"))
	require.NoError(err)
	require.Equal([]byte("value"), value)

	has, err := db.Has([]byte("batched"))
	require.NoError(err)
	require.True(has)

	require.NoError(db.Delete([]byte("key")))
	_, err = db.Get([]byte("key"))
	require.ErrorIs(err, database.ErrNotFound)
}

func TestIteratorPrefix(t *testing.T) {
	require := require.New(t)

	db, err := New(t.TempDir(), Config{})
	require.NoError(err)
	defer func() {
		require.NoError(db.Close())
	}()

	for _, key := range []string{"pa", "pb", "q"} {
		require.NoError(db.Put([]byte(key), []byte(key)))
	}

	it := db.NewIteratorWithPrefix([]byte("p"))
	defer it.Release()

	var keys []string
	for it.Next() {
		keys = append(keys, string(it.Key()))
	}
	require.NoError(it.Error())
	require.Equal([]string{"pa", "pb"}, keys)
}

func TestRecoverFromCorruptManifest(t *testing.T) {
	require := require.New(t)
	path := t.TempDir()

	db, err := New(path, Config{SyncWrites: true})
	require.NoError(err)
	require.NoError(db.Put([]byte("key"), []byte("value")))
	require.NoError(db.Close())

	entries, err := os.ReadDir(path)
	require.NoError(err)
	corrupted := false
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), "MANIFEST") {
			require.NoError(os.WriteFile(
				filepath.Join(path, entry.Name()),
				[]byte("not a manifest"),
				0o600,
			))
			corrupted = true
		}
	}
	require.True(corrupted)

	// Opening falls back to recovery and yields a usable store.
	db, err = New(path, Config{SyncWrites: true})
	require.NoError(err)
	defer func() {
		require.NoError(db.Close())
	}()

	require.NoError(db.Put([]byte("after"), []byte{1}))
	value, err := db.Get([]byte("after"))
	require.NoError(err)
	require.Equal([]byte{1}, value)
}
