package eventbus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishBlockIndexedDeliversToAllSubscribers(t *testing.T) {
	b := New()

	ch1, cancel1 := b.SubscribeBlocks()
	defer cancel1()
	ch2, cancel2 := b.SubscribeBlocks()
	defer cancel2()

	maxTxID := int64(7)
	b.PublishBlockIndexed(BlockIndexed{Height: 1, Hash: [32]byte{0xAA}, MaxTransactionID: &maxTxID})

	evt1 := <-ch1
	evt2 := <-ch2
	require.Equal(t, uint32(1), evt1.Height)
	require.Equal(t, uint32(1), evt2.Height)
	require.NotNil(t, evt1.MaxTransactionID)
	require.Equal(t, int64(7), *evt1.MaxTransactionID)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	ch, cancel := b.SubscribeBlocks()
	cancel()

	b.PublishBlockIndexed(BlockIndexed{Height: 2})

	select {
	case _, ok := <-ch:
		require.False(t, ok, "channel should not receive after unsubscribe, and is never closed either")
	default:
		// No delivery queued: expected, since the subscriber was removed
		// before Publish ran.
	}
}

func TestPublishDropsWhenSubscriberQueueFull(t *testing.T) {
	b := New()
	ch, cancel := b.SubscribeBlocks()
	defer cancel()

	for i := 0; i < subscriberQueueCapacity+5; i++ {
		b.PublishBlockIndexed(BlockIndexed{Height: uint32(i)})
	}

	require.Len(t, ch, subscriberQueueCapacity)
}

func TestPublishWalletIndexed(t *testing.T) {
	b := New()
	ch, cancel := b.SubscribeWallets()
	defer cancel()

	b.PublishWalletIndexed(WalletIndexed{SessionID: "session-1"})

	evt := <-ch
	require.Equal(t, "session-1", evt.SessionID)
}
