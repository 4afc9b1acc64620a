package nodeadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/midnight-ntwrk/midnight-indexer/internal/apperrors"
	"github.com/midnight-ntwrk/midnight-indexer/internal/metrics"
	"github.com/midnight-ntwrk/midnight-indexer/pkg/logging"
)

// Transport is the minimal JSON-RPC-over-WebSocket surface the Adapter
// needs from the node connection. Implemented by *wsTransport in
// production and faked in tests.
type Transport interface {
	// Call issues a JSON-RPC request and decodes the result into result.
	Call(ctx context.Context, method string, params []interface{}, result interface{}) error
	// Subscribe issues a JSON-RPC subscription and returns a channel of
	// raw notification payloads, closed when the subscription ends.
	Subscribe(ctx context.Context, method string, params []interface{}) (<-chan json.RawMessage, error)
	Close() error
}

// Adapter implements the Node Adapter contract: highest_blocks() and
// finalized_blocks(after) as specified in §4.1.
type Adapter struct {
	url      string
	policy   ReconnectPolicy
	registry *Registry
	metrics  *metrics.Metrics
	log      *logging.Logger

	dial func(ctx context.Context, url string) (Transport, error)

	callMu        sync.Mutex
	callTransport Transport
}

// New creates an Adapter. dial defaults to dialing a real WebSocket
// connection; tests override it with a fake Transport factory.
func New(url string, policy ReconnectPolicy, registry *Registry, m *metrics.Metrics) *Adapter {
	return &Adapter{
		url:      url,
		policy:   policy,
		registry: registry,
		metrics:  m,
		log:      logging.GetDefault().Component("nodeadapter"),
		dial:     dialWebSocket,
	}
}

// WithDialer overrides the transport factory (for tests).
func (a *Adapter) WithDialer(dial func(ctx context.Context, url string) (Transport, error)) *Adapter {
	a.dial = dial
	return a
}

// HighestBlocks emits the latest finalized head every time it advances,
// reconnecting per the configured ReconnectPolicy. Cancel ctx to stop.
func (a *Adapter) HighestBlocks(ctx context.Context) (<-chan BlockRef, <-chan error) {
	out := make(chan BlockRef)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		attempt := 0
		for ctx.Err() == nil {
			transport, err := a.connectWithBackoff(ctx, &attempt)
			if err != nil {
				errc <- err
				return
			}

			if err := a.streamHighestBlocks(ctx, transport, out); err != nil {
				transport.Close()
				a.log.Warn("highest_blocks subscription lost, reconnecting", "error", err)
				attempt = 0
				continue
			}
			transport.Close()
			return
		}
	}()

	return out, errc
}

func (a *Adapter) streamHighestBlocks(ctx context.Context, t Transport, out chan<- BlockRef) error {
	notifications, err := t.Subscribe(ctx, "chain_subscribeFinalizedHeads", nil)
	if err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrSubscriptionLost, err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-notifications:
			if !ok {
				return apperrors.ErrSubscriptionLost
			}
			var header struct {
				Hash   string `json:"hash"`
				Height uint32 `json:"number"`
			}
			if err := json.Unmarshal(raw, &header); err != nil {
				return fmt.Errorf("%w: %v", apperrors.ErrMalformedEvent, err)
			}
			var ref BlockRef
			ref.Height = header.Height
			h, err := decodeHash32(header.Hash)
			if err != nil {
				return fmt.Errorf("%w: %v", apperrors.ErrMalformedEvent, err)
			}
			ref.Hash = h
			select {
			case out <- ref:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// FinalizedBlocks resumes after "after" (or from genesis if nil) and
// emits NodeBlocks in strict parent->child order without duplicates. If
// the node's lowest available finalized block is ahead of our cursor, it
// first replays the gap via checkpoint-scan descent (§4.1 recovery).
func (a *Adapter) FinalizedBlocks(ctx context.Context, after *BlockRef) (<-chan NodeBlock, <-chan error) {
	out := make(chan NodeBlock)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		cursor := after
		attempt := 0
		for ctx.Err() == nil {
			transport, err := a.connectWithBackoff(ctx, &attempt)
			if err != nil {
				errc <- err
				return
			}

			nextCursor, err := a.recoverGapIfAny(ctx, transport, cursor, out)
			if err != nil {
				transport.Close()
				errc <- err
				return
			}
			cursor = nextCursor

			lastDelivered, streamErr := a.streamFinalizedBlocks(ctx, transport, cursor, out)
			if lastDelivered != nil {
				cursor = lastDelivered
			}
			transport.Close()
			if streamErr == nil {
				return
			}
			a.log.Warn("finalized_blocks subscription lost, reconnecting", "error", streamErr)
			attempt = 0
		}
	}()

	return out, errc
}

// recoverGapIfAny checks whether the node's lowest available finalized
// height is ahead of cursor+1 and, if so, replays the missing blocks by
// descending from the current head by parent hash until the cursor is
// reached (§4.1 "If the node reports a gap").
func (a *Adapter) recoverGapIfAny(ctx context.Context, t Transport, cursor *BlockRef, out chan<- NodeBlock) (*BlockRef, error) {
	if cursor == nil {
		return nil, nil
	}

	var lowest uint32
	if err := t.Call(ctx, "system_lowestFinalizedBlock", nil, &lowest); err != nil {
		return cursor, fmt.Errorf("%w: %v", apperrors.ErrNodeUnavailable, err)
	}
	if lowest <= cursor.Height+1 {
		return cursor, nil
	}

	var head struct {
		Hash   string `json:"hash"`
		Height uint32 `json:"number"`
	}
	if err := t.Call(ctx, "chain_getFinalizedHead", nil, &head); err != nil {
		return cursor, fmt.Errorf("%w: %v", apperrors.ErrNodeUnavailable, err)
	}

	missing, err := a.descendToCursor(ctx, t, head, cursor.Height)
	if err != nil {
		return cursor, err
	}

	last := cursor
	for i := len(missing) - 1; i >= 0; i-- {
		block, err := a.fetchAndDecode(ctx, t, missing[i])
		if err != nil {
			return last, err
		}
		select {
		case out <- block:
		case <-ctx.Done():
			return last, nil
		}
		last = &BlockRef{Hash: block.Hash, Height: block.Height}
	}
	return last, nil
}

// descendToCursor walks parent hashes from head back to (but not
// including) targetHeight, returning block refs in head-to-target order.
func (a *Adapter) descendToCursor(ctx context.Context, t Transport, head struct {
	Hash   string `json:"hash"`
	Height uint32 `json:"number"`
}, targetHeight uint32) ([]BlockRef, error) {
	var refs []BlockRef
	currentHash := head.Hash
	currentHeight := head.Height

	for currentHeight > targetHeight {
		h, err := decodeHash32(currentHash)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", apperrors.ErrMalformedEvent, err)
		}
		refs = append(refs, BlockRef{Hash: h, Height: currentHeight})

		var header struct {
			ParentHash string `json:"parentHash"`
			Number     uint32 `json:"number"`
		}
		if err := t.Call(ctx, "chain_getHeader", []interface{}{currentHash}, &header); err != nil {
			return nil, fmt.Errorf("%w: %v", apperrors.ErrNodeUnavailable, err)
		}
		currentHash = header.ParentHash
		currentHeight--
	}
	return refs, nil
}

func (a *Adapter) fetchAndDecode(ctx context.Context, t Transport, ref BlockRef) (NodeBlock, error) {
	raw, err := a.fetchRawBlock(ctx, t, ref.Hash)
	if err != nil {
		return NodeBlock{}, err
	}
	return a.decode(ctx, t, raw)
}

func (a *Adapter) streamFinalizedBlocks(ctx context.Context, t Transport, cursor *BlockRef, out chan<- NodeBlock) (*BlockRef, error) {
	notifications, err := t.Subscribe(ctx, "chain_subscribeFinalizedHeads", nil)
	if err != nil {
		return cursor, fmt.Errorf("%w: %v", apperrors.ErrSubscriptionLost, err)
	}

	for {
		select {
		case <-ctx.Done():
			return cursor, nil
		case notif, ok := <-notifications:
			if !ok {
				return cursor, apperrors.ErrSubscriptionLost
			}
			var header struct {
				Hash   string `json:"hash"`
				Height uint32 `json:"number"`
			}
			if err := json.Unmarshal(notif, &header); err != nil {
				return cursor, fmt.Errorf("%w: %v", apperrors.ErrMalformedEvent, err)
			}
			if cursor != nil && header.Height <= cursor.Height {
				continue // already delivered, e.g. a resubscribe echo
			}

			raw, err := a.fetchRawBlock(ctx, t, mustDecodeHash32(header.Hash))
			if err != nil {
				return cursor, err
			}
			block, err := a.decode(ctx, t, raw)
			if err != nil {
				return cursor, err
			}
			select {
			case out <- block:
			case <-ctx.Done():
				return cursor, nil
			}
			cursor = &BlockRef{Hash: block.Hash, Height: block.Height}
		}
	}
}

func (a *Adapter) fetchRawBlock(ctx context.Context, t Transport, hash [32]byte) (RawBlock, error) {
	var resp struct {
		Block struct {
			Header struct {
				ParentHash      string `json:"parentHash"`
				Number          string `json:"number"`
				ProtocolVersion uint32 `json:"protocolVersion"`
				TimestampMS     uint64 `json:"timestampMs"`
			} `json:"header"`
			Extrinsics []string `json:"extrinsics"`
		} `json:"block"`
	}
	hexHash := fmt.Sprintf("0x%x", hash)
	if err := t.Call(ctx, "chain_getBlock", []interface{}{hexHash}, &resp); err != nil {
		return RawBlock{}, fmt.Errorf("%w: %v", apperrors.ErrNodeUnavailable, err)
	}

	raw := RawBlock{
		Hash:            hash,
		ProtocolVersion: resp.Block.Header.ProtocolVersion,
		TimestampMS:     resp.Block.Header.TimestampMS,
	}
	parent, err := decodeHash32(resp.Block.Header.ParentHash)
	if err != nil {
		return RawBlock{}, fmt.Errorf("%w: %v", apperrors.ErrMalformedEvent, err)
	}
	raw.ParentHash = parent

	for _, ext := range resp.Block.Extrinsics {
		b, err := decodeHexBytes(ext)
		if err != nil {
			return RawBlock{}, fmt.Errorf("%w: %v", apperrors.ErrMalformedTransaction, err)
		}
		raw.ExtrinsicsRaw = append(raw.ExtrinsicsRaw, b)
	}

	var events string
	if err := t.Call(ctx, "state_getStorage", []interface{}{systemEventsStorageKey, hexHash}, &events); err == nil && events != "" {
		eventBytes, err := decodeHexBytes(events)
		if err == nil {
			raw.EventsRaw = eventBytes
		}
	}

	height, err := parseHexUint32(resp.Block.Header.Number)
	if err != nil {
		return RawBlock{}, fmt.Errorf("%w: %v", apperrors.ErrMalformedEvent, err)
	}
	raw.Height = height

	return raw, nil
}

func (a *Adapter) decode(ctx context.Context, t Transport, raw RawBlock) (NodeBlock, error) {
	decoder, err := a.registry.Get(raw.ProtocolVersion)
	if err != nil {
		return NodeBlock{}, err
	}
	txs, dustEvents, err := decoder.DecodeBlock(ctx, raw)
	if err != nil {
		return NodeBlock{}, err
	}

	runtimeAPI := decoder.RuntimeAPI(t)
	zswapRoot, err := runtimeAPI.ZswapStateRoot(ctx, raw.Hash)
	if err != nil {
		return NodeBlock{}, fmt.Errorf("%w: %v", apperrors.ErrNodeUnavailable, err)
	}
	ledgerRoot, err := runtimeAPI.LedgerStateRoot(ctx, raw.Hash)
	if err != nil {
		return NodeBlock{}, fmt.Errorf("%w: %v", apperrors.ErrNodeUnavailable, err)
	}

	return NodeBlock{
		Hash:              raw.Hash,
		Height:            raw.Height,
		ParentHash:        raw.ParentHash,
		ProtocolVersion:   raw.ProtocolVersion,
		TimestampMS:       raw.TimestampMS,
		ZswapStateRoot:    zswapRoot,
		LedgerStateRoot:   ledgerRoot,
		Transactions:      txs,
		DustRegistrations: dustEvents,
	}, nil
}

// RuntimeAPIAt returns a RuntimeAPI bound to protocolVersion, backed by a
// lazily-established, call-only connection independent of the streaming
// subscriptions. The Chain Indexer uses this to fetch contract state and
// fees while applying a block (§4.4 step 4.2).
func (a *Adapter) RuntimeAPIAt(ctx context.Context, protocolVersion uint32) (RuntimeAPI, error) {
	decoder, err := a.registry.Get(protocolVersion)
	if err != nil {
		return nil, err
	}
	t, err := a.ensureCallTransport(ctx)
	if err != nil {
		return nil, err
	}
	return decoder.RuntimeAPI(t), nil
}

func (a *Adapter) ensureCallTransport(ctx context.Context) (Transport, error) {
	a.callMu.Lock()
	defer a.callMu.Unlock()
	if a.callTransport != nil {
		return a.callTransport, nil
	}
	attempt := 0
	t, err := a.connectWithBackoff(ctx, &attempt)
	if err != nil {
		return nil, err
	}
	a.callTransport = t
	return t, nil
}

// connectWithBackoff dials the node, retrying with exponential backoff up
// to MaxAttempts. *attempt is reset to 0 by the caller on a successful
// connection that later drops, so a long-lived healthy connection doesn't
// exhaust the attempt budget from an earlier blip.
func (a *Adapter) connectWithBackoff(ctx context.Context, attempt *int) (Transport, error) {
	for {
		*attempt++
		t, err := a.dial(ctx, a.url)
		if err == nil {
			return t, nil
		}
		if a.metrics != nil {
			a.metrics.ReconnectAttempts.Inc()
		}
		if *attempt >= a.policy.MaxAttempts {
			return nil, fmt.Errorf("%w: giving up after %d attempts: %v", apperrors.ErrNodeUnavailable, *attempt, err)
		}
		delay := a.policy.backoffDelay(*attempt)
		a.log.Warn("node connection failed, retrying", "attempt", *attempt, "delay", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// wsTransport is the real Transport backed by gorilla/websocket.
type wsTransport struct {
	conn *websocket.Conn
	mu   sync.Mutex

	nextID   int64
	pending  map[int64]chan json.RawMessage
	subs     map[string]chan json.RawMessage
	closed   chan struct{}
	closeMu  sync.Once
}

func dialWebSocket(ctx context.Context, url string) (Transport, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	t := &wsTransport{
		conn:    conn,
		pending: make(map[int64]chan json.RawMessage),
		subs:    make(map[string]chan json.RawMessage),
		closed:  make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

type jsonrpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type jsonrpcResponse struct {
	ID     *int64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error"`
	Method string `json:"method"`
	Params struct {
		Subscription string          `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	} `json:"params"`
}

func (t *wsTransport) readLoop() {
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			t.closeMu.Do(func() { close(t.closed) })
			return
		}
		var resp jsonrpcResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			continue
		}
		t.mu.Lock()
		if resp.ID != nil {
			if ch, ok := t.pending[*resp.ID]; ok {
				ch <- resp.Result
				delete(t.pending, *resp.ID)
			}
		} else if resp.Params.Subscription != "" {
			if ch, ok := t.subs[resp.Params.Subscription]; ok {
				ch <- resp.Params.Result
			}
		}
		t.mu.Unlock()
	}
}

func (t *wsTransport) Call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	replyCh := make(chan json.RawMessage, 1)
	t.pending[id] = replyCh
	t.mu.Unlock()

	req := jsonrpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return err
	}

	select {
	case raw := <-replyCh:
		if result == nil {
			return nil
		}
		return json.Unmarshal(raw, result)
	case <-ctx.Done():
		return ctx.Err()
	case <-t.closed:
		return apperrors.ErrSubscriptionLost
	}
}

func (t *wsTransport) Subscribe(ctx context.Context, method string, params []interface{}) (<-chan json.RawMessage, error) {
	var subID string
	if err := t.Call(ctx, method, params, &subID); err != nil {
		return nil, err
	}
	ch := make(chan json.RawMessage, 64)
	t.mu.Lock()
	t.subs[subID] = ch
	t.mu.Unlock()
	return ch, nil
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}
