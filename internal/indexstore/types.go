package indexstore

import (
	"math/big"

	"github.com/midnight-ntwrk/midnight-indexer/internal/ledgerfacade"
	"github.com/midnight-ntwrk/midnight-indexer/internal/nodeadapter"
)

// Block is the persisted row §3 names: id strictly increases with height,
// parent_hash of height h>0 equals hash of height h-1 once caught up.
type Block struct {
	ID                uint64
	Hash              [32]byte
	Height            uint32
	ParentHash        [32]byte
	ProtocolVersion   uint32
	TimestampMS       uint64
	Author            *[32]byte
	ZswapStateRoot    [32]byte
	LedgerStateRoot   *[32]byte
	LedgerParameters  []byte
	LedgerStateKey    [32]byte
}

// Transaction is the persisted row §3 names.
type Transaction struct {
	ID              uint64
	BlockID         uint64
	Variant         nodeadapter.TransactionVariant
	Hash            [32]byte
	ProtocolVersion uint32
	Raw             []byte
	Identifiers     [][]byte
	Result          ledgerfacade.TransactionResult
	MerkleTreeRoot  *[32]byte
	StartIndex      uint64
	EndIndex        uint64
	PaidFees        *big.Int
	EstimatedFees   *big.Int
}

// ContractAction is the persisted row §3 names.
type ContractAction struct {
	ID            uint64
	TransactionID uint64
	Variant       ledgerfacade.ContractActionVariant
	EntryPoint    string
	Address       [32]byte
	State         []byte
	ZswapState    []byte
}

// UnshieldedUtxo is the persisted row §3 names.
type UnshieldedUtxo struct {
	ID                    uint64
	Owner                 [32]byte
	TokenType             [32]byte
	Value                 *big.Int
	IntentHash            [32]byte
	OutputIndex           uint32
	CreatingTransactionID uint64
	SpendingTransactionID *uint64
	Ctime                 *uint64
	InitialNonce          [32]byte
	RegisteredForDustGen  bool
}

// LedgerEvent is the persisted row §3 names.
type LedgerEvent struct {
	ID              uint64
	TransactionID   uint64
	Grouping        ledgerfacade.LedgerEventGrouping
	Attributes      []byte
	Raw             []byte
	ProtocolVersion uint32
}

// Wallet is the persisted row §3 names.
type Wallet struct {
	ID                       string // UUIDv7
	ViewingKeyHash           [32]byte
	ViewingKey               []byte
	SessionID                *string
	LastActive               int64 // unix seconds
	LastIndexedTransactionID uint64
}

// BlockRef identifies a block by hash and height, matching nodeadapter's
// shape so cursor handoff between C1 and C5 needs no translation.
type BlockRef struct {
	Hash   [32]byte
	Height uint32
}

// HighestBlock is what get_highest_block reports: the cursor Chain
// Indexer step 1 reads on startup.
type HighestBlock struct {
	Ref             BlockRef
	ProtocolVersion uint32
	LedgerStateKey  [32]byte
}
