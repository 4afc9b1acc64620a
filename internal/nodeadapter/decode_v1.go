package nodeadapter

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/midnight-ntwrk/midnight-indexer/internal/apperrors"
)

// DecoderV1 decodes protocol versions [1, 2): the first supported
// Midnight runtime metadata generation. Adding a later generation means
// adding a DecoderV2 with its own [2, N) range and registering it
// alongside this one (§9).
//
// The raw event log is a minimal length-prefixed framing documented on
// decodeEventLog below: no parity-scale-codec-equivalent library exists anywhere in
// this corpus, and the spec does not pin down the real wire format, so a
// deterministic, testable framing stands in at the documented decode
// boundary. Swapping it for a real SCALE decoder only touches this file.
type DecoderV1 struct{}

func (DecoderV1) MinVersion() uint32 { return 1 }
func (DecoderV1) MaxVersion() uint32 { return 2 }

// DecodeBlock prepends the system transactions found in the event log
// (in the order the framing lists them) before the block's extrinsics,
// per §4.1's "Transaction ordering within a block".
func (DecoderV1) DecodeBlock(_ context.Context, raw RawBlock) ([]NodeTransaction, []DustRegistrationEvent, error) {
	systemTxs, dustEvents, err := decodeEventLog(raw.EventsRaw, raw.ProtocolVersion)
	if err != nil {
		return nil, nil, err
	}

	txs := make([]NodeTransaction, 0, len(systemTxs)+len(raw.ExtrinsicsRaw))
	txs = append(txs, systemTxs...)

	for _, ext := range raw.ExtrinsicsRaw {
		hash := blake2b.Sum256(ext)
		txs = append(txs, NodeTransaction{
			Variant:         VariantRegular,
			Hash:            hash,
			ProtocolVersion: raw.ProtocolVersion,
			Raw:             ext,
		})
	}
	return txs, dustEvents, nil
}

func (DecoderV1) RuntimeAPI(t Transport) RuntimeAPI {
	return &runtimeAPIV1{t: t}
}

// decodeEventLog parses the inherent-driven system transaction framing:
//
//	[4B count][{[4B payload-len][payload bytes]}...][4B dust-count][{[1B kind][4B len][bytes]}...]
//
// Each system transaction's payload is treated as its own transaction Raw
// bytes; its hash is derived the same way as an extrinsic's.
func decodeEventLog(events []byte, protocolVersion uint32) ([]NodeTransaction, []DustRegistrationEvent, error) {
	if len(events) == 0 {
		return nil, nil, nil
	}
	buf := events

	readU32 := func() (uint32, error) {
		if len(buf) < 4 {
			return 0, fmt.Errorf("%w: truncated event log", apperrors.ErrMalformedEvent)
		}
		v := binary.BigEndian.Uint32(buf[:4])
		buf = buf[4:]
		return v, nil
	}

	count, err := readU32()
	if err != nil {
		return nil, nil, err
	}

	var systemTxs []NodeTransaction
	for i := uint32(0); i < count; i++ {
		length, err := readU32()
		if err != nil {
			return nil, nil, err
		}
		if uint32(len(buf)) < length {
			return nil, nil, fmt.Errorf("%w: truncated system transaction payload", apperrors.ErrMalformedEvent)
		}
		payload := buf[:length]
		buf = buf[length:]
		systemTxs = append(systemTxs, NodeTransaction{
			Variant:         VariantSystem,
			Hash:            blake2b.Sum256(payload),
			ProtocolVersion: protocolVersion,
			Raw:             payload,
		})
	}

	dustCount, err := readU32()
	if err != nil {
		// No DUST-registration section present is not an error: older
		// blocks may carry only system transactions.
		return systemTxs, nil, nil
	}

	var dustEvents []DustRegistrationEvent
	for i := uint32(0); i < dustCount; i++ {
		if len(buf) < 1 {
			return nil, nil, fmt.Errorf("%w: truncated dust event kind", apperrors.ErrMalformedEvent)
		}
		kindByte := buf[0]
		buf = buf[1:]
		length, err := readU32()
		if err != nil {
			return nil, nil, err
		}
		if uint32(len(buf)) < length {
			return nil, nil, fmt.Errorf("%w: truncated dust event payload", apperrors.ErrMalformedEvent)
		}
		payload := buf[:length]
		buf = buf[length:]
		dustEvents = append(dustEvents, DustRegistrationEvent{
			Kind:    dustEventKindName(kindByte),
			Payload: payload,
		})
	}

	return systemTxs, dustEvents, nil
}

func dustEventKindName(b byte) string {
	switch b {
	case 0:
		return "registration"
	case 1:
		return "deregistration"
	case 2:
		return "mapping_added"
	case 3:
		return "mapping_removed"
	default:
		return "unknown"
	}
}

// runtimeAPIV1 issues the runtime-API calls listed in §6 over JSON-RPC's
// state_call method, the standard Substrate transport for opaque
// runtime-API invocations.
type runtimeAPIV1 struct {
	t Transport
}

func (r *runtimeAPIV1) stateCall(ctx context.Context, method string, blockHash [32]byte, args ...interface{}) (json.RawMessage, error) {
	var result json.RawMessage
	hexHash := fmt.Sprintf("0x%x", blockHash)
	params := append([]interface{}{method}, args...)
	params = append(params, hexHash)
	if err := r.t.Call(ctx, "state_call", params, &result); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrNodeUnavailable, err)
	}
	return result, nil
}

func (r *runtimeAPIV1) ContractState(ctx context.Context, address [32]byte, blockHash [32]byte) ([]byte, error) {
	var hexResult string
	if err := r.t.Call(ctx, "state_call", []interface{}{
		"MidnightRuntimeApi_contract_state",
		fmt.Sprintf("0x%x", address),
		fmt.Sprintf("0x%x", blockHash),
	}, &hexResult); err != nil {
		return nil, &apperrors.ContractStateMissingError{Address: address, BlockHash: blockHash}
	}
	return decodeHexBytes(hexResult)
}

func (r *runtimeAPIV1) ZswapStateRoot(ctx context.Context, blockHash [32]byte) ([32]byte, error) {
	var hexResult string
	if err := r.t.Call(ctx, "state_call", []interface{}{
		"MidnightRuntimeApi_zswap_state_root",
		fmt.Sprintf("0x%x", blockHash),
	}, &hexResult); err != nil {
		return [32]byte{}, fmt.Errorf("%w: %v", apperrors.ErrNodeUnavailable, err)
	}
	return decodeHash32(hexResult)
}

func (r *runtimeAPIV1) LedgerStateRoot(ctx context.Context, blockHash [32]byte) (*[32]byte, error) {
	var hexResult *string
	if err := r.t.Call(ctx, "state_call", []interface{}{
		"MidnightRuntimeApi_ledger_state_root",
		fmt.Sprintf("0x%x", blockHash),
	}, &hexResult); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrNodeUnavailable, err)
	}
	if hexResult == nil {
		return nil, nil
	}
	root, err := decodeHash32(*hexResult)
	if err != nil {
		return nil, err
	}
	return &root, nil
}

func (r *runtimeAPIV1) TransactionCost(ctx context.Context, raw []byte, blockHash [32]byte) (uint64, error) {
	var hexResult string
	if err := r.t.Call(ctx, "state_call", []interface{}{
		"MidnightRuntimeApi_transaction_cost",
		fmt.Sprintf("0x%x", raw),
		fmt.Sprintf("0x%x", blockHash),
	}, &hexResult); err != nil {
		return 0, fmt.Errorf("%w: %v", apperrors.ErrNodeUnavailable, err)
	}
	return parseHexUint64(hexResult)
}

func (r *runtimeAPIV1) DParameter(ctx context.Context, blockHash [32]byte) ([]byte, error) {
	var hexResult string
	if err := r.t.Call(ctx, "state_call", []interface{}{
		"MidnightRuntimeApi_d_parameter",
		fmt.Sprintf("0x%x", blockHash),
	}, &hexResult); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrNodeUnavailable, err)
	}
	return decodeHexBytes(hexResult)
}

func (r *runtimeAPIV1) TermsAndConditions(ctx context.Context, blockHash [32]byte) ([32]byte, string, error) {
	var result struct {
		Hash string `json:"hash"`
		URI  string `json:"uri"`
	}
	if err := r.t.Call(ctx, "state_call", []interface{}{
		"MidnightRuntimeApi_terms_and_conditions",
		fmt.Sprintf("0x%x", blockHash),
	}, &result); err != nil {
		return [32]byte{}, "", fmt.Errorf("%w: %v", apperrors.ErrNodeUnavailable, err)
	}
	hash, err := decodeHash32(result.Hash)
	if err != nil {
		return [32]byte{}, "", err
	}
	return hash, result.URI, nil
}

func (r *runtimeAPIV1) GenesisCNightMappings(ctx context.Context) (map[[32]byte][32]byte, error) {
	var entries []struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if err := r.t.Call(ctx, "state_getPairs", []interface{}{"0x" + cNightMappingsPrefix}, &entries); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrNodeUnavailable, err)
	}
	out := make(map[[32]byte][32]byte, len(entries))
	for _, e := range entries {
		k, err := decodeHash32(e.Key)
		if err != nil {
			continue
		}
		v, err := decodeHash32(e.Value)
		if err != nil {
			continue
		}
		out[k] = v
	}
	return out, nil
}

const cNightMappingsPrefix = "636e696768744f62736572766174696f6e2e6d617070696e6773"

func parseHexUint64(s string) (uint64, error) {
	v, err := decodeHexBytes(s)
	if err != nil {
		return 0, err
	}
	var out uint64
	for _, b := range v {
		out = out<<8 | uint64(b)
	}
	return out, nil
}
