// Package apperrors defines the error taxonomy shared by every indexer
// component. Errors are either sentinel values (matched with errors.Is) or
// small structs (matched with errors.As) when they carry identifying data.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors. Components wrap these with fmt.Errorf("...: %w", ErrX)
// so callers can still errors.Is() through the wrapping.
var (
	// ErrNodeUnavailable means the upstream node could not be reached.
	ErrNodeUnavailable = errors.New("node unavailable")

	// ErrSubscriptionLost means a previously-live subscription dropped.
	ErrSubscriptionLost = errors.New("subscription lost")

	// ErrMalformedTransaction means the node returned bytes the ledger
	// facade could not deserialize into a transaction.
	ErrMalformedTransaction = errors.New("malformed transaction")

	// ErrMalformedContractState mirrors ErrMalformedTransaction for
	// contract state payloads.
	ErrMalformedContractState = errors.New("malformed contract state")

	// ErrMalformedEvent mirrors ErrMalformedTransaction for ledger events.
	ErrMalformedEvent = errors.New("malformed event")

	// ErrLedgerApply means the bundled Ledger module refused to apply a
	// transaction it was handed.
	ErrLedgerApply = errors.New("ledger apply failed")

	// ErrStorageTransient means a retryable storage condition occurred
	// (lock contention, serialization failure). Callers do not retry
	// locally: the error propagates to cmd/midnight-indexer's restart loop
	// (Chain Indexer) or is logged and the wallet is retried on a later
	// cycle (Wallet Indexer).
	ErrStorageTransient = errors.New("transient storage error")

	// ErrNotFound means a read path found nothing. This is never raised
	// inside the ingestion pipeline, only from query helpers.
	ErrNotFound = errors.New("not found")
)

// UnsupportedProtocolError means a block or runtime-API response declared
// a protocol version the Node Adapter has no decoder for. It is fatal for
// the affected block.
type UnsupportedProtocolError struct {
	Version uint32
}

func (e *UnsupportedProtocolError) Error() string {
	return fmt.Sprintf("unsupported protocol version %d", e.Version)
}

// ContractStateMissingError means a runtime-API call for a deployed
// contract's state at a given block hash came back empty, which the node
// should never report for a block it has already finalized.
type ContractStateMissingError struct {
	Address   [32]byte
	BlockHash [32]byte
}

func (e *ContractStateMissingError) Error() string {
	return fmt.Sprintf("contract state missing for address %x at block %x", e.Address, e.BlockHash)
}

// IsFatalForBlock reports whether err should cause the Chain Indexer to
// roll back the current block's transaction and refuse to advance its
// cursor, per the error-handling policy in §7 of the specification.
func IsFatalForBlock(err error) bool {
	if err == nil {
		return false
	}
	var unsupported *UnsupportedProtocolError
	var missing *ContractStateMissingError
	switch {
	case errors.As(err, &unsupported):
		return true
	case errors.As(err, &missing):
		return true
	case errors.Is(err, ErrMalformedTransaction),
		errors.Is(err, ErrMalformedContractState),
		errors.Is(err, ErrMalformedEvent),
		errors.Is(err, ErrLedgerApply):
		return true
	default:
		return false
	}
}
