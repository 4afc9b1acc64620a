package objectstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/midnight-ntwrk/midnight-indexer/internal/apperrors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "objectstore-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	s, err := Open(tmpDir)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenCreatesDBFile(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "objectstore-test-*")
	require.NoError(t, err)
	defer os.RemoveAll(tmpDir)

	s, err := Open(tmpDir)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(filepath.Join(tmpDir, "objects.db"))
	assert.NoError(t, err)
}

func TestLoadLedgerStateEmpty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, ok, err := s.LoadLedgerState(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSaveAndLoadLedgerStateRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	idx := uint64(7)
	require.NoError(t, s.Save(ctx, []byte("ledger-bytes"), 100, &idx, 3))

	snap, ok, err := s.LoadLedgerState(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("ledger-bytes"), snap.SerializedLedgerState)
	assert.Equal(t, uint32(100), snap.BlockHeight)
	assert.Equal(t, uint32(3), snap.ProtocolVersion)
}

func TestSaveWithoutIndexPreservesPriorIndex(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	idx := uint64(42)
	require.NoError(t, s.Save(ctx, []byte("v1"), 1, &idx, 1))
	require.NoError(t, s.Save(ctx, []byte("v2"), 2, nil, 1))

	snap, ok, err := s.LoadLedgerState(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), snap.SerializedLedgerState)
	assert.Equal(t, uint32(2), snap.BlockHeight)
}

func TestGetNodeNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var key [32]byte
	key[0] = 1
	_, err := s.GetNode(ctx, key)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func TestInsertAndGetNode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var key [32]byte
	key[0] = 2
	require.NoError(t, s.InsertNode(ctx, key, []byte("node-data")))

	data, err := s.GetNode(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("node-data"), data)
}

func TestInsertNodeTwiceIncrementsRefCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var key [32]byte
	key[0] = 3
	require.NoError(t, s.InsertNode(ctx, key, []byte("a")))
	require.NoError(t, s.InsertNode(ctx, key, []byte("a")))

	var refCount int
	row := s.db.QueryRow(`SELECT ref_count FROM object_nodes WHERE key = ?`, key[:])
	require.NoError(t, row.Scan(&refCount))
	assert.Equal(t, 2, refCount)
}

func TestDeleteNode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var key [32]byte
	key[0] = 4
	require.NoError(t, s.InsertNode(ctx, key, []byte("a")))
	require.NoError(t, s.DeleteNode(ctx, key))

	_, err := s.GetNode(ctx, key)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func TestBatchUpdateAppliesAllAtomically(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var keyA, keyB, rootKey [32]byte
	keyA[0], keyB[0], rootKey[0] = 10, 11, 12

	require.NoError(t, s.InsertNode(ctx, keyB, []byte("pre-existing")))

	updates := map[[32]byte]Update{
		keyA:    {Kind: UpdateInsertNode, Data: []byte("new")},
		keyB:    {Kind: UpdateDeleteNode},
		rootKey: {Kind: UpdateSetRootCount, RootCount: 5},
	}
	require.NoError(t, s.BatchUpdate(ctx, updates))

	data, err := s.GetNode(ctx, keyA)
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), data)

	_, err = s.GetNode(ctx, keyB)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))

	roots, err := s.GetRoots(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), roots[rootKey])
}

func TestGetRootsExcludesZeroCounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var zeroKey, liveKey [32]byte
	zeroKey[0], liveKey[0] = 20, 21

	updates := map[[32]byte]Update{
		zeroKey: {Kind: UpdateSetRootCount, RootCount: 0},
		liveKey: {Kind: UpdateSetRootCount, RootCount: 1},
	}
	require.NoError(t, s.BatchUpdate(ctx, updates))

	roots, err := s.GetRoots(ctx)
	require.NoError(t, err)
	_, zeroPresent := roots[zeroKey]
	assert.False(t, zeroPresent)
	assert.Equal(t, uint32(1), roots[liveKey])
}

func TestGetUnreachableKeysFindsOrphanedNodes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var orphan, rooted [32]byte
	orphan[0], rooted[0] = 30, 31

	require.NoError(t, s.InsertNode(ctx, orphan, []byte("x")))
	require.NoError(t, s.InsertNode(ctx, rooted, []byte("y")))
	require.NoError(t, s.BatchUpdate(ctx, map[[32]byte]Update{
		rooted: {Kind: UpdateSetRootCount, RootCount: 1},
	}))

	// orphan keeps a positive ref_count from InsertNode, so drop it to zero
	// to simulate every referencing parent having been pruned.
	_, err := s.db.Exec(`UPDATE object_nodes SET ref_count = 0 WHERE key = ?`, orphan[:])
	require.NoError(t, err)
	_, err = s.db.Exec(`UPDATE object_nodes SET ref_count = 0 WHERE key = ?`, rooted[:])
	require.NoError(t, err)

	unreachable, err := s.GetUnreachableKeys(ctx)
	require.NoError(t, err)
	require.Len(t, unreachable, 1)
	assert.Equal(t, orphan, unreachable[0])
}
