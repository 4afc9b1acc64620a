// Package ledgerfacade wraps the bundled Ledger module behind a
// version-multiplexed interface: deserializing transactions and contract
// state, applying transactions to a LedgerState, and deriving the
// per-transaction and per-block projections the Chain Indexer persists.
// See §4.2 of the specification.
package ledgerfacade

import "math/big"

// SegmentResult reports whether one segment of a transaction applied
// successfully.
type SegmentResult struct {
	ID uint16
	OK bool
}

// ResultStatus is the outcome of applying a transaction.
type ResultStatus int

const (
	StatusSuccess ResultStatus = iota
	StatusPartialSuccess
	StatusFailure
)

// TransactionResult is the outcome the Ledger module reports for a
// transaction. Segments is only populated for StatusPartialSuccess.
type TransactionResult struct {
	Status   ResultStatus
	Segments []SegmentResult
}

// CreatedUnshieldedUtxo is a new UTXO produced by applying a transaction.
// SegmentID ties it back to the TransactionResult segment that produced it,
// so a failed segment's outputs can be excluded (§8 scenario S4).
type CreatedUnshieldedUtxo struct {
	SegmentID            uint16
	Owner                [32]byte
	TokenType            [32]byte
	Value                *big.Int
	IntentHash           [32]byte
	OutputIndex          uint32
	InitialNonce         [32]byte
	RegisteredForDustGen bool
}

// SpentUnshieldedUtxo identifies a previously-created UTXO consumed by a
// transaction. The Index Store resolves CreatingTxHash+OutputIndex back to
// a stored row to set its spending_transaction_id.
type SpentUnshieldedUtxo struct {
	CreatingTxHash [32]byte
	OutputIndex    uint32
}

// LedgerEventGrouping distinguishes the two event streams the spec names.
type LedgerEventGrouping int

const (
	GroupingZswap LedgerEventGrouping = iota
	GroupingDust
)

// LedgerEvent is one entry of a transaction's emitted event log.
type LedgerEvent struct {
	Grouping LedgerEventGrouping
	Raw      []byte
}

// ContractActionVariant distinguishes how a contract was touched.
type ContractActionVariant int

const (
	ContractDeploy ContractActionVariant = iota
	ContractCall
	ContractUpdate
)

// ContractActionRef identifies a contract action observed while applying a
// transaction; the Chain Indexer fetches state/zswap_state for it
// separately via the node's runtime API and ExtractContractZswapState.
type ContractActionRef struct {
	Variant    ContractActionVariant
	Address    [32]byte
	EntryPoint string // only meaningful for ContractCall
}

// ApplyRegularOutcome is what apply_regular_transaction reports.
type ApplyRegularOutcome struct {
	Result                 TransactionResult
	CreatedUnshieldedUtxos []CreatedUnshieldedUtxo
	SpentUnshieldedUtxos   []SpentUnshieldedUtxo
	LedgerEvents           []LedgerEvent
	ContractActions        []ContractActionRef
}

// ApplySystemOutcome is what apply_system_transaction reports.
type ApplySystemOutcome struct {
	CreatedUnshieldedUtxos []CreatedUnshieldedUtxo
	LedgerEvents           []LedgerEvent
	DustEvents             []DustEvent
	ParametersChange       *SystemParametersChange
}

// SystemParametersChange carries a governance parameter snapshot reported
// by a system transaction, if any (§4.4 step 4).
type SystemParametersChange struct {
	DParameter             []byte
	TermsAndConditionsHash [32]byte
	TermsAndConditionsURI  string
}

// LedgerParameters is returned by post_apply_transactions: the
// block-finalization summary of parameter state.
type LedgerParameters struct {
	ParametersChange *SystemParametersChange
}

// ContractBalance is one non-zero token balance held by a contract.
type ContractBalance struct {
	TokenType [32]byte
	Amount    *big.Int
}

// CollapsedMerkleUpdate is the zswap Merkle-tree delta between two
// first-free indices, as consumed by the (external) query API.
type CollapsedMerkleUpdate struct {
	StartIndex uint64
	EndIndex   uint64
	Data       []byte
}

// DustParameters are the governance constants the DUST decay formula
// uses, versioned by ledger_version (§4.2).
type DustParameters struct {
	NightDustRatio      *big.Int
	GenerationDecayRate *big.Int
	DustGracePeriodSecs uint64
}
