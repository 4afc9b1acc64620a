package nodeadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/midnight-ntwrk/midnight-indexer/internal/metrics"
)

// fakeTransport is a scripted, in-memory Transport for exercising the
// Adapter without a real node.
type fakeTransport struct {
	mu sync.Mutex

	callResults map[string]interface{}
	callErrs    map[string]error

	subChans map[string]chan json.RawMessage
	closed   bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		callResults: make(map[string]interface{}),
		callErrs:    make(map[string]error),
		subChans:    make(map[string]chan json.RawMessage),
	}
}

func (f *fakeTransport) setResult(method string, v interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callResults[method] = v
}

func (f *fakeTransport) Call(_ context.Context, method string, _ []interface{}, result interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.callErrs[method]; ok {
		return err
	}
	v, ok := f.callResults[method]
	if !ok {
		return fmt.Errorf("fakeTransport: no scripted result for %s", method)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, result)
}

func (f *fakeTransport) Subscribe(_ context.Context, method string, _ []interface{}) (<-chan json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subChan(method), nil
}

// subChan returns the notification channel for method, creating it on
// first use so a push made before the adapter subscribes is not lost.
// Callers hold f.mu.
func (f *fakeTransport) subChan(method string) chan json.RawMessage {
	ch, ok := f.subChans[method]
	if !ok {
		ch = make(chan json.RawMessage, 16)
		f.subChans[method] = ch
	}
	return ch
}

func (f *fakeTransport) push(method string, v interface{}) {
	f.mu.Lock()
	ch := f.subChan(method)
	f.mu.Unlock()
	b, _ := json.Marshal(v)
	ch <- b
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func hexOf(b [32]byte) string { return fmt.Sprintf("0x%x", b) }

func newTestAdapter(t *testing.T, transport *fakeTransport) *Adapter {
	t.Helper()
	registry, err := NewRegistry(DecoderV1{})
	require.NoError(t, err)
	a := New("ws://fake", ReconnectPolicy{MaxAttempts: 3, MaxDelay: time.Second}, registry, metrics.New())
	a.WithDialer(func(ctx context.Context, url string) (Transport, error) {
		return transport, nil
	})
	return a
}

func TestHighestBlocksDeliversNotifications(t *testing.T) {
	ft := newFakeTransport()
	a := newTestAdapter(t, ft)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out, errc := a.HighestBlocks(ctx)

	go func() {
		ft.push("chain_subscribeFinalizedHeads", map[string]interface{}{
			"hash":   hexOf([32]byte{1}),
			"number": 7,
		})
	}()

	select {
	case ref := <-out:
		require.Equal(t, uint32(7), ref.Height)
		require.Equal(t, [32]byte{1}, ref.Hash)
	case err := <-errc:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for highest block")
	}
}

func TestFinalizedBlocksStreamsAndDecodes(t *testing.T) {
	ft := newFakeTransport()
	a := newTestAdapter(t, ft)

	blockHash := [32]byte{9}
	parentHash := [32]byte{8}
	zswapRoot := [32]byte{2}

	ft.setResult("chain_getBlock", map[string]interface{}{
		"block": map[string]interface{}{
			"header": map[string]interface{}{
				"parentHash":      hexOf(parentHash),
				"number":          "0x2a",
				"protocolVersion": 1,
				"timestampMs":     1000,
			},
			"extrinsics": []string{"0xdead"},
		},
	})
	ft.setResult("state_getStorage", "")
	ft.setResult("state_call", hexOf(zswapRoot))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out, errc := a.FinalizedBlocks(ctx, nil)

	go func() {
		ft.push("chain_subscribeFinalizedHeads", map[string]interface{}{
			"hash":   hexOf(blockHash),
			"number": 42,
		})
	}()

	select {
	case block := <-out:
		require.Equal(t, uint32(42), block.Height)
		require.Equal(t, blockHash, block.Hash)
		require.Equal(t, parentHash, block.ParentHash)
		require.Len(t, block.Transactions, 1)
		require.Equal(t, VariantRegular, block.Transactions[0].Variant)
	case err := <-errc:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for finalized block")
	}
}

func TestFinalizedBlocksSkipsStaleNotifications(t *testing.T) {
	ft := newFakeTransport()
	a := newTestAdapter(t, ft)

	ft.setResult("chain_getBlock", map[string]interface{}{
		"block": map[string]interface{}{
			"header": map[string]interface{}{
				"parentHash":      hexOf([32]byte{1}),
				"number":          "0x5",
				"protocolVersion": 1,
				"timestampMs":     1000,
			},
			"extrinsics": []string{},
		},
	})
	ft.setResult("state_getStorage", "")
	ft.setResult("state_call", hexOf([32]byte{3}))
	ft.setResult("system_lowestFinalizedBlock", 0) // no gap to recover

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cursor := &BlockRef{Hash: [32]byte{7}, Height: 5}
	out, errc := a.FinalizedBlocks(ctx, cursor)

	go func() {
		// stale: height equal to cursor, must be skipped
		ft.push("chain_subscribeFinalizedHeads", map[string]interface{}{
			"hash":   hexOf([32]byte{7}),
			"number": 5,
		})
		ft.push("chain_subscribeFinalizedHeads", map[string]interface{}{
			"hash":   hexOf([32]byte{10}),
			"number": 6,
		})
	}()

	select {
	case block := <-out:
		require.Equal(t, uint32(6), block.Height)
	case err := <-errc:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for finalized block")
	}
}

func TestRegistryRejectsOverlappingRanges(t *testing.T) {
	_, err := NewRegistry(DecoderV1{}, fakeOverlapDecoder{})
	require.Error(t, err)
}

type fakeOverlapDecoder struct{ DecoderV1 }

func (fakeOverlapDecoder) MinVersion() uint32 { return 1 }
func (fakeOverlapDecoder) MaxVersion() uint32 { return 3 }

func TestRegistryGetUnsupportedVersion(t *testing.T) {
	registry, err := NewRegistry(DecoderV1{})
	require.NoError(t, err)
	_, err = registry.Get(99)
	require.Error(t, err)
}
