package chainindexer

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/midnight-ntwrk/midnight-indexer/internal/config"
	"github.com/midnight-ntwrk/midnight-indexer/internal/eventbus"
	"github.com/midnight-ntwrk/midnight-indexer/internal/indexstore"
	"github.com/midnight-ntwrk/midnight-indexer/internal/ledgerfacade"
	"github.com/midnight-ntwrk/midnight-indexer/internal/nodeadapter"
	"github.com/midnight-ntwrk/midnight-indexer/internal/objectstore"
)

// txBuilder assembles the wire encoding DeserializeTransaction expects
// (internal/ledgerfacade/transaction.go), one field at a time, so tests
// never need a live node to produce a transaction to apply.
type txBuilder struct {
	buf []byte
}

func newTxBuilder(status byte) *txBuilder {
	return &txBuilder{buf: []byte{status, 0}}
}

func (b *txBuilder) u32(v uint32) *txBuilder {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
	return b
}

func (b *txBuilder) u16(v uint16) *txBuilder {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
	return b
}

func (b *txBuilder) bytes32(v byte) *txBuilder {
	chunk := make([]byte, 32)
	chunk[0] = v
	b.buf = append(b.buf, chunk...)
	return b
}

func (b *txBuilder) u128(v uint64) *txBuilder {
	chunk := make([]byte, 16)
	binary.BigEndian.PutUint64(chunk[8:], v)
	b.buf = append(b.buf, chunk...)
	return b
}

// noOutputs finishes the frame with zero zswap outputs, ciphertexts,
// created/spent UTXOs and contract actions, leaving an empty trailing DUST
// section.
func (b *txBuilder) noOutputs() *txBuilder {
	return b.u32(0).u32(0).u32(0).u32(0).u32(0)
}

// oneCreatedUTXO appends a single created-UTXO record on segment 0, then
// closes out the frame.
func (b *txBuilder) oneCreatedUTXO(owner byte, value uint64) *txBuilder {
	b.u32(0) // zswap outputs
	b.u32(0) // ciphertexts
	b.u32(1) // created count
	b.u16(0) // segment id
	b.bytes32(owner)
	b.bytes32(0xAA) // token type
	b.u128(value)
	b.bytes32(0xBB)           // intent hash
	b.u32(0)                  // output index
	b.bytes32(0xCC)           // initial nonce
	b.buf = append(b.buf, 0)  // registeredForDustGen
	b.u32(0)                  // spent count
	b.u32(0)                  // contract action count
	return b
}

func (b *txBuilder) raw() []byte {
	return b.buf
}

func hashSeed(seed byte) [32]byte {
	var h [32]byte
	h[0] = seed
	return h
}

var errRuntimeAPIUnavailable = errors.New("fake runtime api: transaction cost unavailable")

// fakeRuntimeAPI answers every call deterministically without a live node.
// TransactionCost deliberately errors so tests exercise the structural/size
// fee fallback (§4.2) rather than a mocked runtime quote.
type fakeRuntimeAPI struct{}

func (fakeRuntimeAPI) ContractState(ctx context.Context, address, blockHash [32]byte) ([]byte, error) {
	return []byte{0, 0, 0, 0}, nil
}
func (fakeRuntimeAPI) ZswapStateRoot(ctx context.Context, blockHash [32]byte) ([32]byte, error) {
	return [32]byte{}, nil
}
func (fakeRuntimeAPI) LedgerStateRoot(ctx context.Context, blockHash [32]byte) (*[32]byte, error) {
	return nil, nil
}
func (fakeRuntimeAPI) TransactionCost(ctx context.Context, raw []byte, blockHash [32]byte) (uint64, error) {
	return 0, errRuntimeAPIUnavailable
}
func (fakeRuntimeAPI) DParameter(ctx context.Context, blockHash [32]byte) ([]byte, error) {
	return []byte{0x01}, nil
}
func (fakeRuntimeAPI) TermsAndConditions(ctx context.Context, blockHash [32]byte) ([32]byte, string, error) {
	return hashSeed(0xEE), "ipfs://terms", nil
}
func (fakeRuntimeAPI) GenesisCNightMappings(ctx context.Context) (map[[32]byte][32]byte, error) {
	return nil, nil
}

// fakeNode satisfies NodeSource without a live websocket connection.
type fakeNode struct{}

func (n *fakeNode) FinalizedBlocks(ctx context.Context, after *nodeadapter.BlockRef) (<-chan nodeadapter.NodeBlock, <-chan error) {
	out := make(chan nodeadapter.NodeBlock)
	errc := make(chan error)
	close(out)
	return out, errc
}

func (n *fakeNode) RuntimeAPIAt(ctx context.Context, protocolVersion uint32) (nodeadapter.RuntimeAPI, error) {
	return fakeRuntimeAPI{}, nil
}

func newTestPipeline(t *testing.T) (*Pipeline, *indexstore.Store, objectstore.ObjectStore) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "chainindexer-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	idx, err := indexstore.New(indexstore.Config{DataDir: tmpDir})
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	objs, err := objectstore.Open(tmpDir)
	require.NoError(t, err)
	t.Cleanup(func() { objs.Close() })

	p := New(Deps{
		Node:      &fakeNode{},
		Index:     idx,
		Objects:   objs,
		Bus:       eventbus.New(),
		NetworkID: config.NetworkUndeployed,
	})
	return p, idx, objs
}

// genesisBlock builds a height-0 block with one system transaction that
// creates a UTXO (mirroring a genesis mint) followed by one regular
// transaction, exercising the first-regular-transaction redirection of
// §4.4.1 scenario S3.
func genesisBlock() nodeadapter.NodeBlock {
	systemRaw := newTxBuilder(0).oneCreatedUTXO(0x01, 1000).raw()
	regularRaw := newTxBuilder(0).noOutputs().raw()

	return nodeadapter.NodeBlock{
		Hash:            hashSeed(1),
		Height:          0,
		ParentHash:      [32]byte{},
		ProtocolVersion: 1,
		TimestampMS:     1_700_000_000_000,
		ZswapStateRoot:  hashSeed(2),
		Transactions: []nodeadapter.NodeTransaction{
			{Variant: nodeadapter.VariantSystem, Hash: hashSeed(10), ProtocolVersion: 1, Raw: systemRaw},
			{Variant: nodeadapter.VariantRegular, Hash: hashSeed(11), ProtocolVersion: 1, Raw: regularRaw},
		},
	}
}

func childBlock(parent nodeadapter.NodeBlock) nodeadapter.NodeBlock {
	raw := newTxBuilder(0).noOutputs().raw()
	return nodeadapter.NodeBlock{
		Hash:            hashSeed(20),
		Height:          parent.Height + 1,
		ParentHash:      parent.Hash,
		ProtocolVersion: 1,
		TimestampMS:     parent.TimestampMS + 1000,
		ZswapStateRoot:  hashSeed(21),
		Transactions: []nodeadapter.NodeTransaction{
			{Variant: nodeadapter.VariantRegular, Hash: hashSeed(22), ProtocolVersion: 1, Raw: raw},
		},
	}
}

func TestSplitAndOrderTransactionsPutsSystemFirst(t *testing.T) {
	b := nodeadapter.NodeBlock{
		Transactions: []nodeadapter.NodeTransaction{
			{Variant: nodeadapter.VariantRegular, Hash: hashSeed(1)},
			{Variant: nodeadapter.VariantSystem, Hash: hashSeed(2)},
			{Variant: nodeadapter.VariantRegular, Hash: hashSeed(3)},
			{Variant: nodeadapter.VariantSystem, Hash: hashSeed(4)},
		},
	}

	ordered := splitAndOrderTransactions(b)
	require.Len(t, ordered, 4)
	assert.Equal(t, hashSeed(2), ordered[0].Hash)
	assert.Equal(t, hashSeed(4), ordered[1].Hash)
	assert.Equal(t, hashSeed(1), ordered[2].Hash)
	assert.Equal(t, hashSeed(3), ordered[3].Hash)
}

func TestSplitAndOrderTransactionsEmptyBlock(t *testing.T) {
	ordered := splitAndOrderTransactions(nodeadapter.NodeBlock{})
	assert.Empty(t, ordered)
}

// TestApplyBlockGenesisRedirectsUtxoToFirstRegularTransaction covers §8
// scenario S3: a UTXO created by the genesis block's system transaction is
// stored under the first regular transaction's id, not the system
// transaction that literally produced it.
func TestApplyBlockGenesisRedirectsUtxoToFirstRegularTransaction(t *testing.T) {
	p, idx, _ := newTestPipeline(t)
	ctx := context.Background()
	ledgerState := ledgerfacade.NewLedgerState(config.NetworkUndeployed)

	_, err := p.applyBlock(ctx, ledgerState, genesisBlock(), nil)
	require.NoError(t, err)

	hb, ok, err := idx.GetHighestBlock(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(0), hb.Ref.Height)

	regularTxRows, err := idx.GetTransactionsByHash(ctx, hashSeed(11))
	require.NoError(t, err)
	require.Len(t, regularTxRows, 1)

	created, err := idx.GetUnshieldedUtxosByAddress(ctx, hashSeed(0x01))
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, regularTxRows[0].ID, created[0].CreatingTransactionID)
}

// TestApplyBlockPublishesBlockIndexed covers §4.4.2: the catch-up signal
// fires once per committed block, carrying the highest transaction id
// assigned within it.
func TestApplyBlockPublishesBlockIndexed(t *testing.T) {
	p, _, _ := newTestPipeline(t)
	sub, unsub := p.deps.Bus.SubscribeBlocks()
	defer unsub()

	ctx := context.Background()
	ledgerState := ledgerfacade.NewLedgerState(config.NetworkUndeployed)

	b := genesisBlock()
	newKey, err := p.applyBlock(ctx, ledgerState, b, nil)
	require.NoError(t, err)
	assert.NotEqual(t, [32]byte{}, newKey)

	select {
	case evt := <-sub:
		assert.Equal(t, b.Height, evt.Height)
		assert.Equal(t, b.Hash, evt.Hash)
		require.NotNil(t, evt.MaxTransactionID)
		assert.Equal(t, int64(2), *evt.MaxTransactionID)
	default:
		t.Fatal("expected a BlockIndexed event")
	}
}

// TestApplyBlockChainsLedgerStateRoots covers §4.3: applying two blocks in
// sequence rolls the previous block's object-store root off as the new
// one's root count goes to 1.
func TestApplyBlockChainsLedgerStateRoots(t *testing.T) {
	p, _, objs := newTestPipeline(t)
	ctx := context.Background()
	ledgerState := ledgerfacade.NewLedgerState(config.NetworkUndeployed)

	gen := genesisBlock()
	key1, err := p.applyBlock(ctx, ledgerState, gen, nil)
	require.NoError(t, err)

	child := childBlock(gen)
	key2, err := p.applyBlock(ctx, ledgerState, child, &key1)
	require.NoError(t, err)
	assert.NotEqual(t, key1, key2)

	roots, err := objs.GetRoots(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), roots[key1])
	assert.Equal(t, uint32(1), roots[key2])
}

// TestApplyBlockSystemTransactionPersistsParameterSnapshot covers the
// decision to re-fetch D-parameter/terms-and-conditions once per block
// whenever that block carries a system transaction: a block without one
// must not record a parameter snapshot, one that does must.
func TestApplyBlockSystemTransactionPersistsParameterSnapshot(t *testing.T) {
	p, idx, _ := newTestPipeline(t)
	ctx := context.Background()
	ledgerState := ledgerfacade.NewLedgerState(config.NetworkUndeployed)

	gen := genesisBlock()
	_, err := p.applyBlock(ctx, ledgerState, gen, nil)
	require.NoError(t, err)

	genRow, err := idx.GetBlockByHeight(ctx, gen.Height)
	require.NoError(t, err)
	assert.NotEmpty(t, genRow.LedgerParameters)

	child := childBlock(gen)
	_, err = p.applyBlock(ctx, ledgerState, child, nil)
	require.NoError(t, err)

	childRow, err := idx.GetBlockByHeight(ctx, child.Height)
	require.NoError(t, err)
	assert.Empty(t, childRow.LedgerParameters)
}

// TestApplyBlockRegularTransactionFeesRecorded exercises the fee-quoting
// path end to end: with no live node, ComputeFees must fall through to a
// structural estimate rather than blocking or erroring.
func TestApplyBlockRegularTransactionFeesRecorded(t *testing.T) {
	p, idx, _ := newTestPipeline(t)
	ctx := context.Background()
	ledgerState := ledgerfacade.NewLedgerState(config.NetworkUndeployed)

	gen := genesisBlock()
	_, err := p.applyBlock(ctx, ledgerState, gen, nil)
	require.NoError(t, err)

	rows, err := idx.GetTransactionsByHash(ctx, hashSeed(11))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].PaidFees.Sign() > 0)
}
