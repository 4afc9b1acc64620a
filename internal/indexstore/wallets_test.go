package indexstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/midnight-ntwrk/midnight-indexer/internal/apperrors"
)

func newTestWallet(t *testing.T, s *Store) Wallet {
	t.Helper()
	w := Wallet{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ViewingKeyHash: hashOf(1),
		ViewingKey:     []byte("encrypted-viewing-key"),
		LastActive:     time.Now().Unix(),
	}
	require.NoError(t, s.CreateWallet(context.Background(), w))
	return w
}

func TestCreateAndGetWalletByID(t *testing.T) {
	s := newTestStore(t)
	w := newTestWallet(t, s)

	got, err := s.GetWalletByID(context.Background(), w.ID)
	require.NoError(t, err)
	assert.Equal(t, w.ViewingKeyHash, got.ViewingKeyHash)
	assert.Nil(t, got.SessionID)
}

func TestGetWalletByIDNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetWalletByID(context.Background(), uuid.Must(uuid.NewV7()).String())
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func TestActiveWalletIDsRequiresSessionAndRecency(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	active := newTestWallet(t, s)
	require.NoError(t, s.TouchWalletSession(context.Background(), active.ID, "sess-1", now))

	stale := newTestWallet(t, s)
	require.NoError(t, s.TouchWalletSession(context.Background(), stale.ID, "sess-2", now.Add(-time.Hour)))

	never := newTestWallet(t, s)
	_ = never

	ids, err := s.ActiveWalletIDs(context.Background(), 10*time.Minute, now)
	require.NoError(t, err)
	assert.Equal(t, []string{active.ID}, ids)
}

func TestAcquireLockUnknownWallet(t *testing.T) {
	s := newTestStore(t)
	_, ok, err := s.AcquireLock(context.Background(), uuid.Must(uuid.NewV7()).String())
	assert.False(t, ok)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func TestAcquireLockAndSaveRelevantTransactions(t *testing.T) {
	s := newTestStore(t)
	w := newTestWallet(t, s)
	b := insertTestBlock(t, s, 0)
	txRow := insertTestTransaction(t, s, b.ID, 0)

	tx, ok, err := s.AcquireLock(context.Background(), w.ID)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.SaveRelevantTransactions(context.Background(), tx, w.ID, []uint64{txRow.ID}, txRow.ID))
	require.NoError(t, tx.Commit())

	relevant, err := s.GetRelevantTransactionsByWalletID(context.Background(), w.ID)
	require.NoError(t, err)
	assert.Equal(t, []uint64{txRow.ID}, relevant)

	got, err := s.GetWalletByID(context.Background(), w.ID)
	require.NoError(t, err)
	assert.Equal(t, txRow.ID, got.LastIndexedTransactionID)
}
