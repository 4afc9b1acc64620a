package indexstore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/midnight-ntwrk/midnight-indexer/internal/apperrors"
)

func TestGetHighestBlockEmpty(t *testing.T) {
	s := newTestStore(t)
	_, ok, err := s.GetHighestBlock(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInsertAndGetBlockByHash(t *testing.T) {
	s := newTestStore(t)
	b := insertTestBlock(t, s, 0)

	got, err := s.GetBlockByHash(context.Background(), b.Hash)
	require.NoError(t, err)
	assert.Equal(t, b.Height, got.Height)
	assert.Equal(t, b.ProtocolVersion, got.ProtocolVersion)
	assert.Equal(t, b.ZswapStateRoot, got.ZswapStateRoot)
}

func TestGetBlockByHashNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetBlockByHash(context.Background(), hashOf(99))
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func TestGetBlockByHeight(t *testing.T) {
	s := newTestStore(t)
	insertTestBlock(t, s, 0)
	b1 := insertTestBlock(t, s, 1)

	got, err := s.GetBlockByHeight(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, b1.Hash, got.Hash)
}

func TestGetLatestBlockAndHighestBlock(t *testing.T) {
	s := newTestStore(t)
	insertTestBlock(t, s, 0)
	b1 := insertTestBlock(t, s, 1)

	latest, err := s.GetLatestBlock(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(1), latest.Height)

	hb, ok, err := s.GetHighestBlock(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, b1.Hash, hb.Ref.Hash)
	assert.Equal(t, b1.Height, hb.Ref.Height)
	assert.Equal(t, b1.LedgerStateKey, hb.LedgerStateKey)
}

func TestInsertBlockWithAuthorAndLedgerStateRoot(t *testing.T) {
	s := newTestStore(t)
	author := hashOf(42)
	root := hashOf(43)
	b := Block{
		Hash:            hashOf(1),
		Height:          0,
		ParentHash:      hashOf(0),
		ProtocolVersion: 1,
		ZswapStateRoot:  hashOf(2),
		LedgerStateRoot: &root,
		Author:          &author,
		LedgerStateKey:  hashOf(3),
	}
	tx, err := s.BeginTx(context.Background())
	require.NoError(t, err)
	_, err = s.InsertBlock(context.Background(), tx, b)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	got, err := s.GetBlockByHash(context.Background(), b.Hash)
	require.NoError(t, err)
	require.NotNil(t, got.Author)
	require.NotNil(t, got.LedgerStateRoot)
	assert.Equal(t, author, *got.Author)
	assert.Equal(t, root, *got.LedgerStateRoot)
}

func TestInsertSystemParametersSnapshots(t *testing.T) {
	s := newTestStore(t)
	b := insertTestBlock(t, s, 0)

	tx, err := s.BeginTx(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.InsertSystemParametersD(context.Background(), tx, b.ID, []byte("d-param"), 0))
	require.NoError(t, s.InsertSystemParametersTermsAndConditions(context.Background(), tx, b.ID, hashOf(9), "ipfs://terms", 0))
	require.NoError(t, tx.Commit())

	var count int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM system_parameters_d WHERE block_id = ?`, b.ID).Scan(&count))
	assert.Equal(t, 1, count)
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM system_parameters_terms_and_conditions WHERE block_id = ?`, b.ID).Scan(&count))
	assert.Equal(t, 1, count)
}
