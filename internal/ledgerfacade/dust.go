package ledgerfacade

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/midnight-ntwrk/midnight-indexer/internal/apperrors"
	"github.com/midnight-ntwrk/midnight-indexer/pkg/helpers"
)

// DustEventKind enumerates the event variants a system transaction's DUST
// payload maps to (§4.2).
type DustEventKind int

const (
	DustInitialUtxo DustEventKind = iota
	DustGenerationDtimeUpdate
	DustSpendProcessed
	DustRegistration
	DustDeregistration
	DustMappingAdded
	DustMappingRemoved
)

// DustEvent is one parsed entry of a transaction's trailing DUST section.
// Only the fields relevant to Kind are populated.
type DustEvent struct {
	Kind           DustEventKind
	Commitment     [32]byte
	Nullifier      [32]byte
	NightAddress   [32]byte
	DustAddress    [32]byte
	CNightAddress  [32]byte
	InitialValue   *big.Int
	CtimeUnixSecs  uint64
	DtimeUnixSecs  uint64
}

// DeserializeDustEvents parses the trailing DUST section of a system
// transaction (§4.2). An empty payload yields no events, which is the
// common case for system transactions unrelated to DUST.
//
//	[4B count]{[1B kind]<kind-specific fields>}...
func DeserializeDustEvents(payload []byte) ([]DustEvent, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	r := &byteReader{buf: payload}
	count, err := r.u32()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrMalformedEvent, err)
	}

	events := make([]DustEvent, 0, count)
	for i := uint32(0); i < count; i++ {
		kindByte, err := r.u8()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", apperrors.ErrMalformedEvent, err)
		}
		var ev DustEvent
		ev.Kind = DustEventKind(kindByte)
		switch ev.Kind {
		case DustInitialUtxo:
			ev.Commitment, err = r.bytes32()
			if err == nil {
				ev.InitialValue, err = r.u128()
			}
			if err == nil {
				var b []byte
				b, err = r.bytes(8)
				if err == nil {
					ev.CtimeUnixSecs = binary.BigEndian.Uint64(b)
				}
			}
		case DustGenerationDtimeUpdate:
			ev.Commitment, err = r.bytes32()
			if err == nil {
				var b []byte
				b, err = r.bytes(8)
				if err == nil {
					ev.DtimeUnixSecs = binary.BigEndian.Uint64(b)
				}
			}
		case DustSpendProcessed:
			ev.Commitment, err = r.bytes32()
			if err == nil {
				ev.Nullifier, err = r.bytes32()
			}
		case DustRegistration:
			ev.NightAddress, err = r.bytes32()
			if err == nil {
				ev.DustAddress, err = r.bytes32()
			}
		case DustDeregistration:
			ev.NightAddress, err = r.bytes32()
		case DustMappingAdded:
			ev.NightAddress, err = r.bytes32()
			if err == nil {
				ev.CNightAddress, err = r.bytes32()
			}
		case DustMappingRemoved:
			ev.NightAddress, err = r.bytes32()
		default:
			return nil, fmt.Errorf("%w: unknown dust event kind %d", apperrors.ErrMalformedEvent, kindByte)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", apperrors.ErrMalformedEvent, err)
		}
		events = append(events, ev)
	}
	return events, nil
}

// GenerationStatus is the portion of DustGenerationInfo the decay formula
// depends on: whether generation has stopped (dtime != 0) and when.
type GenerationStatus struct {
	Dtime uint64 // 0 means generation is still active
}

// CurrentDustValue implements the DUST decay formula of §4.2 / §8
// invariant 9. All arithmetic saturates on u128; the result is always in
// [0, nightValue*nightDustRatio].
func CurrentDustValue(
	initialValue *big.Int,
	gen GenerationStatus,
	utxoCtimeUnixSecs uint64,
	nightValue *big.Int,
	params DustParameters,
	nowUnixSecs uint64,
) *big.Int {
	capVal := helpers.SaturatingMulU128(nightValue, params.NightDustRatio)

	if gen.Dtime == 0 {
		elapsed := saturatingElapsed(nowUnixSecs, utxoCtimeUnixSecs)
		rate := safeDiv(helpers.SaturatingMulU128(nightValue, params.NightDustRatio), params.GenerationDecayRate)
		grown := helpers.SaturatingAddU128(initialValue, helpers.SaturatingMulU128(rate, big.NewInt(int64(elapsed))))
		return helpers.MinU128(grown, capVal)
	}

	frozen := frozenValueAt(initialValue, gen.Dtime, utxoCtimeUnixSecs, nightValue, params)
	graceEnd := gen.Dtime + params.DustGracePeriodSecs
	if nowUnixSecs <= graceEnd {
		return helpers.MinU128(frozen, capVal)
	}

	decaySeconds := nowUnixSecs - graceEnd
	perSecond := safeDiv(frozen, params.GenerationDecayRate)
	decayed := helpers.SaturatingSubU128(frozen, helpers.SaturatingMulU128(perSecond, big.NewInt(int64(decaySeconds))))
	return helpers.MinU128(decayed, capVal)
}

// frozenValueAt computes the value the grow-phase formula would have
// produced exactly at dtime, the value that freezes once generation stops.
func frozenValueAt(initialValue *big.Int, dtime, ctime uint64, nightValue *big.Int, params DustParameters) *big.Int {
	capVal := helpers.SaturatingMulU128(nightValue, params.NightDustRatio)
	elapsed := saturatingElapsed(dtime, ctime)
	rate := safeDiv(helpers.SaturatingMulU128(nightValue, params.NightDustRatio), params.GenerationDecayRate)
	grown := helpers.SaturatingAddU128(initialValue, helpers.SaturatingMulU128(rate, big.NewInt(int64(elapsed))))
	return helpers.MinU128(grown, capVal)
}

func saturatingElapsed(now, since uint64) uint64 {
	if now <= since {
		return 0
	}
	return now - since
}

func safeDiv(a, b *big.Int) *big.Int {
	if b.Sign() == 0 {
		return new(big.Int)
	}
	return new(big.Int).Div(a, b)
}
