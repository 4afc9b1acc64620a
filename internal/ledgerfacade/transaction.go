package ledgerfacade

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/midnight-ntwrk/midnight-indexer/internal/apperrors"
)

// Transaction is the deserialized form of a NodeTransaction's raw bytes.
//
// The wire layout below is a minimal, deterministic length-prefixed
// framing documented in DESIGN.md: no parity-scale-codec-equivalent
// library exists anywhere in this corpus, and the true Midnight
// transaction encoding is owned by the bundled Ledger module this facade
// wraps, not by this repository. The framing exists only so
// DeserializeTransaction and Apply* have something real to parse end to
// end; swapping it for the real codec touches only this file.
//
//	[1B status][1B segmentCount]{[1B id][1B ok]}...
//	[4B zswapOutputCount]
//	[4B ciphertextCount]{[4B len][32B recipientKeyHash][payload...]}...
//	[4B createdUtxoCount]{[2B segmentID][32B owner][32B tokenType][16B value][32B intentHash][4B outputIndex][32B initialNonce][1B registeredForDustGen]}...
//	[4B spentUtxoCount]{[32B creatingTxHash][4B outputIndex]}...
//	[4B contractActionCount]{[1B variant][32B address][2B entryPointLen][entryPoint bytes]}...
type Transaction struct {
	Hash                   [32]byte
	ProtocolVersion        uint32
	Result                 TransactionResult
	ZswapOutputCount       uint32
	Ciphertexts            []ciphertext
	CreatedUnshieldedUtxos []CreatedUnshieldedUtxo
	SpentUnshieldedUtxos   []SpentUnshieldedUtxo
	ContractActions        []ContractActionRef

	// TrailingDustPayload holds whatever bytes remain after the fields
	// above, on any transaction variant; it carries the transaction's DUST
	// events (§4.2). DeserializeDustEvents parses it.
	TrailingDustPayload []byte
}

type ciphertext struct {
	RecipientKeyHash [32]byte
	Payload          []byte
}

type byteReader struct {
	buf []byte
}

func (r *byteReader) u8() (byte, error) {
	if len(r.buf) < 1 {
		return 0, fmt.Errorf("%w: truncated transaction", apperrors.ErrMalformedTransaction)
	}
	b := r.buf[0]
	r.buf = r.buf[1:]
	return b, nil
}

func (r *byteReader) u16() (uint16, error) {
	if len(r.buf) < 2 {
		return 0, fmt.Errorf("%w: truncated transaction", apperrors.ErrMalformedTransaction)
	}
	v := binary.BigEndian.Uint16(r.buf[:2])
	r.buf = r.buf[2:]
	return v, nil
}

func (r *byteReader) u32() (uint32, error) {
	if len(r.buf) < 4 {
		return 0, fmt.Errorf("%w: truncated transaction", apperrors.ErrMalformedTransaction)
	}
	v := binary.BigEndian.Uint32(r.buf[:4])
	r.buf = r.buf[4:]
	return v, nil
}

func (r *byteReader) bytes(n int) ([]byte, error) {
	if len(r.buf) < n {
		return nil, fmt.Errorf("%w: truncated transaction", apperrors.ErrMalformedTransaction)
	}
	b := r.buf[:n]
	r.buf = r.buf[n:]
	return b, nil
}

func (r *byteReader) bytes32() ([32]byte, error) {
	var out [32]byte
	b, err := r.bytes(32)
	if err != nil {
		return out, err
	}
	copy(out[:], b)
	return out, nil
}

func (r *byteReader) u128() (*big.Int, error) {
	b, err := r.bytes(16)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(b), nil
}

// DeserializeTransaction parses raw, as delivered by the Node Adapter, into
// a Transaction. hash and protocolVersion come from the envelope
// (NodeTransaction), not the payload itself.
func DeserializeTransaction(raw []byte, hash [32]byte, protocolVersion uint32) (*Transaction, error) {
	r := &byteReader{buf: raw}

	status, err := r.u8()
	if err != nil {
		return nil, err
	}
	segCount, err := r.u8()
	if err != nil {
		return nil, err
	}
	var segments []SegmentResult
	for i := byte(0); i < segCount; i++ {
		id, err := r.u8()
		if err != nil {
			return nil, err
		}
		okByte, err := r.u8()
		if err != nil {
			return nil, err
		}
		segments = append(segments, SegmentResult{ID: uint16(id), OK: okByte != 0})
	}

	tx := &Transaction{
		Hash:            hash,
		ProtocolVersion: protocolVersion,
		Result: TransactionResult{
			Status:   ResultStatus(status),
			Segments: segments,
		},
	}

	zswapOutputs, err := r.u32()
	if err != nil {
		return nil, err
	}
	tx.ZswapOutputCount = zswapOutputs

	ciphertextCount, err := r.u32()
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < ciphertextCount; i++ {
		length, err := r.u32()
		if err != nil {
			return nil, err
		}
		if length < 32 {
			return nil, fmt.Errorf("%w: ciphertext shorter than key hash", apperrors.ErrMalformedTransaction)
		}
		keyHash, err := r.bytes32()
		if err != nil {
			return nil, err
		}
		payload, err := r.bytes(int(length) - 32)
		if err != nil {
			return nil, err
		}
		tx.Ciphertexts = append(tx.Ciphertexts, ciphertext{RecipientKeyHash: keyHash, Payload: payload})
	}

	createdCount, err := r.u32()
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < createdCount; i++ {
		segmentID, err := r.u16()
		if err != nil {
			return nil, err
		}
		owner, err := r.bytes32()
		if err != nil {
			return nil, err
		}
		tokenType, err := r.bytes32()
		if err != nil {
			return nil, err
		}
		value, err := r.u128()
		if err != nil {
			return nil, err
		}
		intentHash, err := r.bytes32()
		if err != nil {
			return nil, err
		}
		outputIndex, err := r.u32()
		if err != nil {
			return nil, err
		}
		initialNonce, err := r.bytes32()
		if err != nil {
			return nil, err
		}
		registeredByte, err := r.u8()
		if err != nil {
			return nil, err
		}
		tx.CreatedUnshieldedUtxos = append(tx.CreatedUnshieldedUtxos, CreatedUnshieldedUtxo{
			SegmentID:            segmentID,
			Owner:                owner,
			TokenType:            tokenType,
			Value:                value,
			IntentHash:           intentHash,
			OutputIndex:          outputIndex,
			InitialNonce:         initialNonce,
			RegisteredForDustGen: registeredByte != 0,
		})
	}

	spentCount, err := r.u32()
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < spentCount; i++ {
		creatingHash, err := r.bytes32()
		if err != nil {
			return nil, err
		}
		outputIndex, err := r.u32()
		if err != nil {
			return nil, err
		}
		tx.SpentUnshieldedUtxos = append(tx.SpentUnshieldedUtxos, SpentUnshieldedUtxo{
			CreatingTxHash: creatingHash,
			OutputIndex:    outputIndex,
		})
	}

	actionCount, err := r.u32()
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < actionCount; i++ {
		variant, err := r.u8()
		if err != nil {
			return nil, err
		}
		address, err := r.bytes32()
		if err != nil {
			return nil, err
		}
		epLen, err := r.u16()
		if err != nil {
			return nil, err
		}
		var entryPoint string
		if epLen > 0 {
			b, err := r.bytes(int(epLen))
			if err != nil {
				return nil, err
			}
			entryPoint = string(b)
		}
		tx.ContractActions = append(tx.ContractActions, ContractActionRef{
			Variant:    ContractActionVariant(variant),
			Address:    address,
			EntryPoint: entryPoint,
		})
	}

	tx.TrailingDustPayload = r.buf

	return tx, nil
}

// Relevant reports whether viewingKeyHash can decrypt any ciphertext
// carried by the transaction's guaranteed or fallible zswap coin offers
// (§8 invariant 7). The ciphertext framing tags each payload with the
// blake2b hash of its intended recipient's viewing key, standing in for
// real trial decryption (§4.2; see DESIGN.md).
func (t *Transaction) Relevant(viewingKeyHash [32]byte) bool {
	for _, c := range t.Ciphertexts {
		if c.RecipientKeyHash == viewingKeyHash {
			return true
		}
	}
	return false
}
