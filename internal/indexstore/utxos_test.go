package indexstore

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/midnight-ntwrk/midnight-indexer/internal/nodeadapter"
)

func TestInsertAndGetUnshieldedUtxosByAddress(t *testing.T) {
	s := newTestStore(t)
	b := insertTestBlock(t, s, 0)
	txRow := insertTestTransaction(t, s, b.ID, nodeadapter.VariantRegular)
	owner := hashOf(5)

	dbTx, err := s.BeginTx(context.Background())
	require.NoError(t, err)
	_, err = s.InsertUnshieldedUtxo(context.Background(), dbTx, UnshieldedUtxo{
		Owner:                 owner,
		TokenType:             hashOf(6),
		Value:                 big.NewInt(1000),
		IntentHash:            hashOf(7),
		OutputIndex:           0,
		CreatingTransactionID: txRow.ID,
		InitialNonce:          hashOf(8),
	})
	require.NoError(t, err)
	require.NoError(t, dbTx.Commit())

	got, err := s.GetUnshieldedUtxosByAddress(context.Background(), owner)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 0, big.NewInt(1000).Cmp(got[0].Value))
	assert.Nil(t, got[0].SpendingTransactionID)
}

func TestMarkUnshieldedUtxoSpent(t *testing.T) {
	s := newTestStore(t)
	b := insertTestBlock(t, s, 0)
	creating := insertTestTransaction(t, s, b.ID, nodeadapter.VariantRegular)
	spending := insertTestTransaction(t, s, b.ID, nodeadapter.VariantRegular)

	dbTx, err := s.BeginTx(context.Background())
	require.NoError(t, err)
	_, err = s.InsertUnshieldedUtxo(context.Background(), dbTx, UnshieldedUtxo{
		Owner:                 hashOf(1),
		TokenType:             hashOf(2),
		Value:                 big.NewInt(1),
		IntentHash:            hashOf(3),
		OutputIndex:           0,
		CreatingTransactionID: creating.ID,
		InitialNonce:          hashOf(4),
	})
	require.NoError(t, err)
	require.NoError(t, s.MarkUnshieldedUtxoSpent(context.Background(), dbTx, creating.Hash, 0, spending.ID))
	require.NoError(t, dbTx.Commit())

	got, err := s.GetUnshieldedUtxosBySpendingTransactionID(context.Background(), spending.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.NotNil(t, got[0].SpendingTransactionID)
	assert.Equal(t, spending.ID, *got[0].SpendingTransactionID)
}

func TestMarkUnshieldedUtxoSpentTwiceFails(t *testing.T) {
	s := newTestStore(t)
	b := insertTestBlock(t, s, 0)
	creating := insertTestTransaction(t, s, b.ID, nodeadapter.VariantRegular)
	spending := insertTestTransaction(t, s, b.ID, nodeadapter.VariantRegular)

	dbTx, err := s.BeginTx(context.Background())
	require.NoError(t, err)
	_, err = s.InsertUnshieldedUtxo(context.Background(), dbTx, UnshieldedUtxo{
		Owner: hashOf(1), TokenType: hashOf(2), Value: big.NewInt(1), IntentHash: hashOf(3),
		OutputIndex: 0, CreatingTransactionID: creating.ID, InitialNonce: hashOf(4),
	})
	require.NoError(t, err)
	require.NoError(t, s.MarkUnshieldedUtxoSpent(context.Background(), dbTx, creating.Hash, 0, spending.ID))
	require.NoError(t, dbTx.Commit())

	dbTx2, err := s.BeginTx(context.Background())
	require.NoError(t, err)
	err = s.MarkUnshieldedUtxoSpent(context.Background(), dbTx2, creating.Hash, 0, spending.ID)
	assert.Error(t, err)
	dbTx2.Rollback()
}

func TestGetTransactionsInvolvingUnshielded(t *testing.T) {
	s := newTestStore(t)
	b := insertTestBlock(t, s, 0)
	creating := insertTestTransaction(t, s, b.ID, nodeadapter.VariantRegular)
	owner := hashOf(9)

	dbTx, err := s.BeginTx(context.Background())
	require.NoError(t, err)
	_, err = s.InsertUnshieldedUtxo(context.Background(), dbTx, UnshieldedUtxo{
		Owner: owner, TokenType: hashOf(2), Value: big.NewInt(1), IntentHash: hashOf(3),
		OutputIndex: 0, CreatingTransactionID: creating.ID, InitialNonce: hashOf(4),
	})
	require.NoError(t, err)
	require.NoError(t, dbTx.Commit())

	got, err := s.GetTransactionsInvolvingUnshielded(context.Background(), owner, 0, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, creating.ID, got[0].ID)
}
