// Package nodeadapter subscribes to a Substrate-compatible node's
// finalized-block stream over WebSocket JSON-RPC, decodes per-protocol-
// version extrinsics/events into a version-neutral NodeBlock, and
// reconnects with bounded attempts and exponential backoff. See §4.1 of
// the specification.
package nodeadapter

import "time"

// BlockRef identifies a block by hash and height.
type BlockRef struct {
	Hash   [32]byte
	Height uint32
}

// TransactionVariant distinguishes the two kinds of transaction a block
// can carry.
type TransactionVariant int

const (
	// VariantRegular is an ordinary user transaction delivered as an
	// extrinsic.
	VariantRegular TransactionVariant = iota
	// VariantSystem is an inherent-driven transaction discovered via
	// events rather than as an extrinsic.
	VariantSystem
)

// NodeTransaction is one transaction as delivered by the node, still in
// its raw wire encoding; the Ledger Facade deserializes Raw according to
// ProtocolVersion.
type NodeTransaction struct {
	Variant         TransactionVariant
	Hash            [32]byte
	ProtocolVersion uint32
	Raw             []byte
	Identifiers     [][]byte
}

// DustRegistrationEvent is a DUST registration/mapping event observed at
// block scope rather than attached to a specific transaction (§4.2).
type DustRegistrationEvent struct {
	Kind    string // "registration" | "deregistration" | "mapping_added" | "mapping_removed"
	Payload []byte
}

// SystemParametersChange carries a runtime parameter snapshot reported by
// post_apply_transactions, when present (§4.4 step 4).
type SystemParametersChange struct {
	DParameter              []byte
	TermsAndConditionsHash  [32]byte
	TermsAndConditionsURI   string
}

// NodeBlock is the version-neutral representation the Node Adapter emits.
// System transactions discovered via inherents are already prepended
// before regular transactions, in the order their originating events were
// observed (§4.1 "Transaction ordering within a block").
type NodeBlock struct {
	Hash              [32]byte
	Height            uint32
	ParentHash        [32]byte
	ProtocolVersion   uint32
	TimestampMS       uint64
	Author            *[32]byte
	ZswapStateRoot    [32]byte
	LedgerStateRoot   *[32]byte
	Transactions      []NodeTransaction
	DustRegistrations []DustRegistrationEvent
}

// ReconnectPolicy bounds the Node Adapter's reconnection behavior.
type ReconnectPolicy struct {
	MaxAttempts int
	MaxDelay    time.Duration
}

// backoffDelay returns the exponential delay before the (1-indexed) nth
// reconnect attempt, capped at p.MaxDelay. Mirrors the teacher's
// hand-rolled InitialRetryInterval/BackoffMultiplier/MaxRetryInterval
// shape rather than pulling in a backoff library (see DESIGN.md).
func (p ReconnectPolicy) backoffDelay(attempt int) time.Duration {
	const initial = 500 * time.Millisecond
	const multiplier = 2.0

	delay := initial
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * multiplier)
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}
