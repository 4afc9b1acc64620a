package ledgerfacade

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/midnight-ntwrk/midnight-indexer/internal/apperrors"
)

// ContractState is the deserialized form of a runtime-API contract-state
// response. Its wire layout mirrors Transaction's: a length-prefixed list
// of (token_type, amount) pairs, since the real contract-state encoding is
// owned by the bundled Ledger module (§1, out of scope).
//
//	[4B balanceCount]{[32B tokenType][16B amount]}...
type ContractState struct {
	raw      []byte
	balances []ContractBalance
}

// DeserializeContractState parses a runtime-API contract-state response for
// the given protocol version. protocolVersion is currently unused because
// every supported range shares this framing; it is accepted so a future
// version can diverge without changing the call site.
func DeserializeContractState(raw []byte, protocolVersion uint32) (*ContractState, error) {
	r := &byteReader{buf: raw}
	count, err := r.u32()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrMalformedContractState, err)
	}
	cs := &ContractState{raw: raw}
	for i := uint32(0); i < count; i++ {
		tokenType, err := r.bytes32()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", apperrors.ErrMalformedContractState, err)
		}
		amount, err := r.u128()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", apperrors.ErrMalformedContractState, err)
		}
		if amount.Sign() <= 0 {
			continue
		}
		cs.balances = append(cs.balances, ContractBalance{TokenType: tokenType, Amount: amount})
	}
	return cs, nil
}

// Balances returns the contract's non-zero token balances.
func (cs *ContractState) Balances() []ContractBalance {
	return cs.balances
}

// Raw returns the original bytes this ContractState was built from, for
// storing in the contract_actions.state column verbatim.
func (cs *ContractState) Raw() []byte {
	return cs.raw
}

// EncodeContractBalances is the inverse helper test fixtures use to build a
// well-formed contract-state payload.
func EncodeContractBalances(balances []ContractBalance) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(len(balances)))
	for _, b := range balances {
		buf = append(buf, b.TokenType[:]...)
		amountBytes := make([]byte, 16)
		b.Amount.FillBytes(amountBytes)
		buf = append(buf, amountBytes...)
	}
	return buf
}
