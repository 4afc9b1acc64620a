package ledgerfacade

import "context"

// FeeQuoter is the subset of the Node Adapter's RuntimeAPI the fee
// fallback needs. Kept narrow so fees.go doesn't import nodeadapter and
// create a dependency cycle; nodeadapter.RuntimeAPI satisfies it.
type FeeQuoter interface {
	TransactionCost(ctx context.Context, raw []byte, blockHash [32]byte) (uint64, error)
}

const (
	feeBaseFloor        uint64 = 200
	feeBytePrice        uint64 = 1
	feeContractSurcharge uint64 = 500
)

// ComputeFees implements the three-tier fee fallback of §4.2: a runtime-API
// query, then a structural heuristic, then a size-based floor. The chosen
// value populates both paid_fees and estimated_fees.
func ComputeFees(ctx context.Context, quoter FeeQuoter, tx *Transaction, raw []byte, blockHash [32]byte) uint64 {
	if quoter != nil {
		if fee, err := quoter.TransactionCost(ctx, raw, blockHash); err == nil {
			return fee
		}
	}

	heuristic := structuralHeuristic(tx, raw)
	floor := sizeFloor(raw)
	if heuristic > floor {
		return heuristic
	}
	return floor
}

// structuralHeuristic estimates fees from input/output/segment counts plus
// a flat surcharge per contract action.
func structuralHeuristic(tx *Transaction, raw []byte) uint64 {
	fee := feeBaseFloor
	fee += uint64(len(tx.CreatedUnshieldedUtxos)) * 10
	fee += uint64(len(tx.SpentUnshieldedUtxos)) * 10
	fee += uint64(len(tx.Result.Segments)) * 5
	fee += uint64(len(tx.ContractActions)) * feeContractSurcharge
	return fee
}

// sizeFloor is the fixed-base, size-proportional fee floor.
func sizeFloor(raw []byte) uint64 {
	return feeBaseFloor + uint64(len(raw))*feeBytePrice
}
