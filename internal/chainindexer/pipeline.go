// Package chainindexer implements the Chain Indexer (C4): the single
// writer that walks finalized blocks from the Node Adapter, applies each
// transaction to the in-memory LedgerState, and persists the result
// atomically to the Relational Index Store and the LedgerState Object
// Store. See §4.4 of the specification.
package chainindexer

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/midnight-ntwrk/midnight-indexer/internal/config"
	"github.com/midnight-ntwrk/midnight-indexer/internal/eventbus"
	"github.com/midnight-ntwrk/midnight-indexer/internal/indexstore"
	"github.com/midnight-ntwrk/midnight-indexer/internal/ledgerfacade"
	"github.com/midnight-ntwrk/midnight-indexer/internal/metrics"
	"github.com/midnight-ntwrk/midnight-indexer/internal/nodeadapter"
	"github.com/midnight-ntwrk/midnight-indexer/internal/objectstore"
	"github.com/midnight-ntwrk/midnight-indexer/pkg/logging"
)

// NodeSource is the subset of *nodeadapter.Adapter the pipeline depends
// on: the finalized-block stream and a call-only runtime API binding.
// Narrowed to an interface so the pipeline can be driven by a fake node in
// tests without a live websocket connection.
type NodeSource interface {
	FinalizedBlocks(ctx context.Context, after *nodeadapter.BlockRef) (<-chan nodeadapter.NodeBlock, <-chan error)
	RuntimeAPIAt(ctx context.Context, protocolVersion uint32) (nodeadapter.RuntimeAPI, error)
}

// Deps wires the Chain Indexer to the rest of the process.
type Deps struct {
	Node      NodeSource
	Index     *indexstore.Store
	Objects   objectstore.ObjectStore
	Bus       *eventbus.Bus
	Metrics   *metrics.Metrics
	NetworkID config.NetworkID
}

// Pipeline is the single writer for LedgerState and for every block's rows
// (§5 "Writers"). One Pipeline runs for the lifetime of the process.
type Pipeline struct {
	deps Deps
	log  *logging.Logger
}

// New constructs a Pipeline.
func New(deps Deps) *Pipeline {
	return &Pipeline{deps: deps, log: logging.GetDefault().Component("chainindexer")}
}

// Run executes the per-block procedure of §4.4 until ctx is cancelled or an
// error occurs. A per-block error, fatal or not, never advances the
// cursor: the relational transaction and object-store batch for the
// failing block were never committed, so the persisted marker still
// reflects the last good block. The caller is expected to call Run again
// after a delay; it will reload the cursor and LedgerState fresh and
// resume from there.
func (p *Pipeline) Run(ctx context.Context) error {
	cursor, ledgerState, prevKey, err := p.loadCursor(ctx)
	if err != nil {
		return fmt.Errorf("load chain indexer cursor: %w", err)
	}

	blocks, errc := p.deps.Node.FinalizedBlocks(ctx, cursor)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-errc:
			if ok && err != nil {
				return fmt.Errorf("finalized block stream: %w", err)
			}
		case b, ok := <-blocks:
			if !ok {
				return nil
			}
			newKey, err := p.applyBlock(ctx, ledgerState, b, prevKey)
			if err != nil {
				p.log.Error("block apply failed, cursor not advanced",
					"height", b.Height, "hash", fmt.Sprintf("%x", b.Hash), "error", err)
				return err
			}
			prevKey = &newKey
		}
	}
}

// loadCursor implements §4.4 step 1: read the highest indexed block from
// the Relational Index Store and rebuild LedgerState from whatever the
// Object Store last persisted, or start empty on a fresh chain.
func (p *Pipeline) loadCursor(ctx context.Context) (*nodeadapter.BlockRef, *ledgerfacade.LedgerState, *[32]byte, error) {
	hb, ok, err := p.deps.Index.GetHighestBlock(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	if !ok {
		return nil, ledgerfacade.NewLedgerState(p.deps.NetworkID), nil, nil
	}

	snap, found, err := p.deps.Objects.LoadLedgerState(ctx)
	if err != nil {
		return nil, nil, nil, err
	}

	var ledgerState *ledgerfacade.LedgerState
	if found {
		ledgerState, err = ledgerfacade.DeserializeLedgerState(snap.SerializedLedgerState, p.deps.NetworkID)
		if err != nil {
			return nil, nil, nil, err
		}
	} else {
		ledgerState = ledgerfacade.NewLedgerState(p.deps.NetworkID)
	}

	cursor := nodeadapter.BlockRef{Hash: hb.Ref.Hash, Height: hb.Ref.Height}
	key := hb.LedgerStateKey
	return &cursor, ledgerState, &key, nil
}

// preparedTx holds everything derived from applying one transaction to
// LedgerState, before any of it is persisted.
type preparedTx struct {
	node            nodeadapter.NodeTransaction
	result          ledgerfacade.TransactionResult
	created         []ledgerfacade.CreatedUnshieldedUtxo
	spent           []ledgerfacade.SpentUnshieldedUtxo
	events          []ledgerfacade.LedgerEvent
	contractActions []ledgerfacade.ContractActionRef
	dustEvents      []ledgerfacade.DustEvent
	startIndex      uint64
	endIndex        uint64
	merkleRoot      *[32]byte
	fees            uint64
}

// applyBlock runs §4.4 steps 2 through 5 for one block and returns the
// LedgerStateKey the block was persisted under.
func (p *Pipeline) applyBlock(ctx context.Context, ledgerState *ledgerfacade.LedgerState, b nodeadapter.NodeBlock, prevKey *[32]byte) ([32]byte, error) {
	start := time.Now()
	defer func() {
		if p.deps.Metrics != nil {
			p.deps.Metrics.BlockApplyDuration.Observe(time.Since(start).Seconds())
		}
	}()

	runtimeAPI, err := p.deps.Node.RuntimeAPIAt(ctx, b.ProtocolVersion)
	if err != nil {
		return [32]byte{}, err
	}

	ordered := splitAndOrderTransactions(b)
	prepared := make([]preparedTx, 0, len(ordered))
	hasSystemTx := false

	for _, nt := range ordered {
		decoded, err := ledgerfacade.DeserializeTransaction(nt.Raw, nt.Hash, nt.ProtocolVersion)
		if err != nil {
			return [32]byte{}, err
		}

		startIndex := ledgerState.ZswapFirstFree()
		pt := preparedTx{node: nt, startIndex: startIndex}

		if nt.Variant == nodeadapter.VariantSystem {
			hasSystemTx = true
			outcome, err := ledgerState.ApplySystemTransaction(decoded, b.TimestampMS)
			if err != nil {
				return [32]byte{}, err
			}
			pt.result = decoded.Result
			pt.created = outcome.CreatedUnshieldedUtxos
			pt.events = outcome.LedgerEvents
		} else {
			outcome, err := ledgerState.ApplyRegularTransaction(decoded, b.ParentHash, b.TimestampMS)
			if err != nil {
				return [32]byte{}, err
			}
			pt.result = outcome.Result
			pt.created = outcome.CreatedUnshieldedUtxos
			pt.spent = outcome.SpentUnshieldedUtxos
			pt.events = outcome.LedgerEvents
			pt.contractActions = outcome.ContractActions
		}

		pt.endIndex = ledgerState.ZswapFirstFree()
		if pt.endIndex > pt.startIndex {
			root := ledgerState.ZswapMerkleTreeRoot()
			pt.merkleRoot = &root
		}

		dustEvents, err := ledgerfacade.DeserializeDustEvents(decoded.TrailingDustPayload)
		if err != nil {
			return [32]byte{}, err
		}
		pt.dustEvents = dustEvents

		pt.fees = ledgerfacade.ComputeFees(ctx, runtimeAPI, decoded, nt.Raw, b.Hash)

		prepared = append(prepared, pt)
	}

	// A block containing a system transaction is the chain's signal that
	// governance parameters may have moved; re-fetch the current values
	// rather than trying to diff an unspecified "changed" flag out of the
	// event log.
	var pendingParams *ledgerfacade.SystemParametersChange
	if hasSystemTx {
		dParam, err := runtimeAPI.DParameter(ctx, b.Hash)
		if err != nil {
			return [32]byte{}, err
		}
		tcHash, tcURI, err := runtimeAPI.TermsAndConditions(ctx, b.Hash)
		if err != nil {
			return [32]byte{}, err
		}
		pendingParams = &ledgerfacade.SystemParametersChange{
			DParameter:             dParam,
			TermsAndConditionsHash: tcHash,
			TermsAndConditionsURI:  tcURI,
		}
	}
	ledgerParams := ledgerState.PostApplyTransactions(b.TimestampMS, pendingParams)
	var ledgerParamsBytes []byte
	if pendingParams != nil {
		ledgerParamsBytes, err = json.Marshal(ledgerParams)
		if err != nil {
			return [32]byte{}, fmt.Errorf("marshal ledger parameters: %w", err)
		}
	}

	newStateKey := ledgerState.ContentHash()

	var cnightMappings map[[32]byte][32]byte
	if b.Height == 0 {
		cnightMappings, err = runtimeAPI.GenesisCNightMappings(ctx)
		if err != nil {
			return [32]byte{}, err
		}
	}

	maxTxID, hasTx, err := p.persist(ctx, runtimeAPI, ledgerState, b, prepared, newStateKey, ledgerParamsBytes, pendingParams, cnightMappings)
	if err != nil {
		return [32]byte{}, err
	}

	if err := p.persistLedgerState(ctx, ledgerState, b, newStateKey, prevKey); err != nil {
		return [32]byte{}, err
	}

	if p.deps.Metrics != nil {
		p.deps.Metrics.BlocksIndexedTotal.Inc()
		p.deps.Metrics.CurrentHeight.Set(float64(b.Height))
	}

	// §4.4.2: publish once per committed block, only after both stores
	// have durably recorded it, so catch-up consumers never observe a
	// BlockIndexed event for a block that could still roll back.
	var maxTxIDPtr *int64
	if hasTx {
		v := int64(maxTxID)
		maxTxIDPtr = &v
	}
	if p.deps.Bus != nil {
		p.deps.Bus.PublishBlockIndexed(eventbus.BlockIndexed{Height: b.Height, Hash: b.Hash, MaxTransactionID: maxTxIDPtr})
	}

	return newStateKey, nil
}

// persist implements §4.4 step 4: one atomic relational transaction for
// the block, its transactions, and everything they produced. It returns
// the highest transaction id assigned in the block, for the BlockIndexed
// event's max_transaction_id.
func (p *Pipeline) persist(ctx context.Context, runtimeAPI nodeadapter.RuntimeAPI, ledgerState *ledgerfacade.LedgerState, b nodeadapter.NodeBlock, prepared []preparedTx, stateKey [32]byte, ledgerParams []byte, pendingParams *ledgerfacade.SystemParametersChange, cnightMappings map[[32]byte][32]byte) (maxTxID uint64, hasTx bool, err error) {
	dbTx, err := p.deps.Index.BeginTx(ctx)
	if err != nil {
		return 0, false, err
	}
	defer dbTx.Rollback()

	blockRow := indexstore.Block{
		Hash:             b.Hash,
		Height:           b.Height,
		ParentHash:       b.ParentHash,
		ProtocolVersion:  b.ProtocolVersion,
		TimestampMS:      b.TimestampMS,
		Author:           b.Author,
		ZswapStateRoot:   b.ZswapStateRoot,
		LedgerStateRoot:  b.LedgerStateRoot,
		LedgerParameters: ledgerParams,
		LedgerStateKey:   stateKey,
	}
	blockID, err := p.deps.Index.InsertBlock(ctx, dbTx, blockRow)
	if err != nil {
		return 0, false, err
	}

	// §4.4.1: at genesis the node never emits per-transaction
	// UnshieldedTokens events, so every UTXO the genesis block's
	// transactions produce is attributed to the first regular transaction
	// instead of the transaction that literally created it (§8 scenario
	// S3). firstRegularTxID stays 0 for a genesis block with no regular
	// transactions, in which case no redirection happens.
	ids := make([]uint64, len(prepared))
	var firstRegularTxID uint64
	for i, pt := range prepared {
		txRow := indexstore.Transaction{
			BlockID:         blockID,
			Variant:         pt.node.Variant,
			Hash:            pt.node.Hash,
			ProtocolVersion: pt.node.ProtocolVersion,
			Raw:             pt.node.Raw,
			Identifiers:     pt.node.Identifiers,
			Result:          pt.result,
			MerkleTreeRoot:  pt.merkleRoot,
			StartIndex:      pt.startIndex,
			EndIndex:        pt.endIndex,
			PaidFees:        new(big.Int).SetUint64(pt.fees),
			EstimatedFees:   new(big.Int).SetUint64(pt.fees),
		}
		id, err := p.deps.Index.InsertTransaction(ctx, dbTx, txRow)
		if err != nil {
			return 0, false, err
		}
		ids[i] = id
		if firstRegularTxID == 0 && pt.node.Variant == nodeadapter.VariantRegular {
			firstRegularTxID = id
		}
	}

	for i, pt := range prepared {
		txID := ids[i]
		creatingID := txID
		if b.Height == 0 && firstRegularTxID != 0 {
			creatingID = firstRegularTxID
		}

		for _, u := range pt.created {
			row := indexstore.UnshieldedUtxo{
				Owner:                 u.Owner,
				TokenType:             u.TokenType,
				Value:                 u.Value,
				IntentHash:            u.IntentHash,
				OutputIndex:           u.OutputIndex,
				CreatingTransactionID: creatingID,
				InitialNonce:          u.InitialNonce,
				RegisteredForDustGen:  u.RegisteredForDustGen,
			}
			if _, err := p.deps.Index.InsertUnshieldedUtxo(ctx, dbTx, row); err != nil {
				return 0, false, err
			}
		}

		for _, sp := range pt.spent {
			if err := p.deps.Index.MarkUnshieldedUtxoSpent(ctx, dbTx, sp.CreatingTxHash, sp.OutputIndex, txID); err != nil {
				return 0, false, err
			}
		}

		for _, a := range pt.contractActions {
			raw, err := runtimeAPI.ContractState(ctx, a.Address, b.Hash)
			if err != nil {
				return 0, false, err
			}
			parsed, err := ledgerfacade.DeserializeContractState(raw, b.ProtocolVersion)
			if err != nil {
				return 0, false, err
			}
			actionRow := indexstore.ContractAction{
				TransactionID: txID,
				Variant:       a.Variant,
				EntryPoint:    a.EntryPoint,
				Address:       a.Address,
				State:         parsed.Raw(),
				ZswapState:    ledgerState.ExtractContractZswapState(a.Address),
			}
			if _, err := p.deps.Index.InsertContractAction(ctx, dbTx, actionRow, parsed.Balances()); err != nil {
				return 0, false, err
			}
		}

		for _, ev := range pt.events {
			evRow := indexstore.LedgerEvent{
				TransactionID:   txID,
				Grouping:        ev.Grouping,
				Raw:             ev.Raw,
				ProtocolVersion: pt.node.ProtocolVersion,
			}
			if _, err := p.deps.Index.InsertLedgerEvent(ctx, dbTx, evRow); err != nil {
				return 0, false, err
			}
		}

		for _, de := range pt.dustEvents {
			if err := p.applyDustEvent(ctx, dbTx, de); err != nil {
				return 0, false, err
			}
		}
	}

	for _, reg := range b.DustRegistrations {
		if err := p.applyBlockDustRegistration(ctx, dbTx, reg); err != nil {
			return 0, false, err
		}
	}

	for cnight, night := range cnightMappings {
		if err := p.deps.Index.UpsertCnightGenesisMapping(ctx, dbTx, cnight, night); err != nil {
			return 0, false, err
		}
	}

	if pendingParams != nil {
		if err := p.deps.Index.InsertSystemParametersD(ctx, dbTx, blockID, pendingParams.DParameter, b.Height); err != nil {
			return 0, false, err
		}
		if err := p.deps.Index.InsertSystemParametersTermsAndConditions(ctx, dbTx, blockID, pendingParams.TermsAndConditionsHash, pendingParams.TermsAndConditionsURI, b.Height); err != nil {
			return 0, false, err
		}
	}

	if err := dbTx.Commit(); err != nil {
		return 0, false, err
	}
	if len(ids) == 0 {
		return 0, false, nil
	}
	return ids[len(ids)-1], true, nil
}

// persistLedgerState implements §4.4 step 4.5: persist the LedgerState
// marker and its content-addressed node under the Object Store, rolling
// the previous block's root off as the new one rolls on.
func (p *Pipeline) persistLedgerState(ctx context.Context, ledgerState *ledgerfacade.LedgerState, b nodeadapter.NodeBlock, newKey [32]byte, prevKey *[32]byte) error {
	serialized := ledgerState.Serialize()
	highestZswapIndex := ledgerState.ZswapFirstFree()
	if err := p.deps.Objects.Save(ctx, serialized, b.Height, &highestZswapIndex, b.ProtocolVersion); err != nil {
		return err
	}

	if err := p.deps.Objects.BatchUpdate(ctx, map[[32]byte]objectstore.Update{
		newKey: {Kind: objectstore.UpdateInsertNode, Data: serialized},
	}); err != nil {
		return err
	}

	roots := map[[32]byte]objectstore.Update{
		newKey: {Kind: objectstore.UpdateSetRootCount, RootCount: 1},
	}
	if prevKey != nil && *prevKey != newKey {
		roots[*prevKey] = objectstore.Update{Kind: objectstore.UpdateSetRootCount, RootCount: 0}
	}
	return p.deps.Objects.BatchUpdate(ctx, roots)
}
