package chainindexer

import "github.com/midnight-ntwrk/midnight-indexer/internal/nodeadapter"

// splitAndOrderTransactions returns b's transactions ordered system
// transactions first, then regular transactions, each group preserving
// delivery order (§4.1: "within a block, system transactions are applied
// before regular transactions"). The Node Adapter's decoder already
// delivers blocks in this order; this function re-asserts it so the
// ordering invariant is unit-testable without a live node or database.
func splitAndOrderTransactions(b nodeadapter.NodeBlock) []nodeadapter.NodeTransaction {
	ordered := make([]nodeadapter.NodeTransaction, 0, len(b.Transactions))
	for _, t := range b.Transactions {
		if t.Variant == nodeadapter.VariantSystem {
			ordered = append(ordered, t)
		}
	}
	for _, t := range b.Transactions {
		if t.Variant == nodeadapter.VariantRegular {
			ordered = append(ordered, t)
		}
	}
	return ordered
}
