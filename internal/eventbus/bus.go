// Package eventbus provides the in-process publish/subscribe fan-out used
// to wake API subscribers and the Wallet Indexer when new data lands.
// Delivery is ordered per publisher. It is not at-least-once: when a
// subscriber's queue is full, that subscriber misses the event, which is
// counted as a dropped delivery. See §4.7 of the
// specification. This is deliberately not a network gossip library (the
// indexer has no peer-to-peer mesh) — it is the same
// register/unregister/broadcast hub shape a WebSocket fan-out hub would
// use, just without the network hop.
package eventbus

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/midnight-ntwrk/midnight-indexer/pkg/logging"
)

// subscriberQueueCapacity is the bounded-channel capacity named
// throughout §5 of the specification.
const subscriberQueueCapacity = 42

// BlockIndexed is published once per successfully committed block.
type BlockIndexed struct {
	Height            uint32
	Hash              [32]byte
	MaxTransactionID  *int64
}

// WalletIndexed is published when at least one new relevant transaction
// was saved for a wallet.
type WalletIndexed struct {
	SessionID string
}

// Bus is a small ordered, in-process pub/sub hub with two
// fixed topics: BlockIndexed and WalletIndexed.
type Bus struct {
	mu sync.RWMutex

	blockSubs  map[chan BlockIndexed]struct{}
	walletSubs map[chan WalletIndexed]struct{}

	log *logging.Logger

	droppedDeliveries prometheus.Counter
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{
		blockSubs:  make(map[chan BlockIndexed]struct{}),
		walletSubs: make(map[chan WalletIndexed]struct{}),
		log:        logging.GetDefault().Component("eventbus"),
		droppedDeliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "midnight_indexer_eventbus_dropped_deliveries_total",
			Help: "Deliveries dropped because a subscriber's queue was full.",
		}),
	}
}

// Collectors returns the Prometheus collectors the caller should register.
func (b *Bus) Collectors() []prometheus.Collector {
	return []prometheus.Collector{b.droppedDeliveries}
}

// SubscribeBlocks registers a new BlockIndexed subscriber. The caller must
// call the returned cancel function to unregister and release the channel.
func (b *Bus) SubscribeBlocks() (<-chan BlockIndexed, func()) {
	ch := make(chan BlockIndexed, subscriberQueueCapacity)
	b.mu.Lock()
	b.blockSubs[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.blockSubs, ch)
		b.mu.Unlock()
	}
	return ch, cancel
}

// SubscribeWallets registers a new WalletIndexed subscriber.
func (b *Bus) SubscribeWallets() (<-chan WalletIndexed, func()) {
	ch := make(chan WalletIndexed, subscriberQueueCapacity)
	b.mu.Lock()
	b.walletSubs[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.walletSubs, ch)
		b.mu.Unlock()
	}
	return ch, cancel
}

// PublishBlockIndexed fans the event out to every current subscriber. A
// full subscriber queue never blocks the publisher: that single delivery
// is dropped and counted.
func (b *Bus) PublishBlockIndexed(evt BlockIndexed) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.blockSubs {
		select {
		case ch <- evt:
		default:
			b.droppedDeliveries.Inc()
			b.log.Warn("dropped BlockIndexed delivery, subscriber queue full", "height", evt.Height)
		}
	}
}

// PublishWalletIndexed fans the event out to every current subscriber.
func (b *Bus) PublishWalletIndexed(evt WalletIndexed) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.walletSubs {
		select {
		case ch <- evt:
		default:
			b.droppedDeliveries.Inc()
			b.log.Warn("dropped WalletIndexed delivery, subscriber queue full", "session_id", evt.SessionID)
		}
	}
}
