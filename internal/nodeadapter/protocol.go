package nodeadapter

import (
	"context"
	"fmt"
	"sort"

	"github.com/midnight-ntwrk/midnight-indexer/internal/apperrors"
)

// Decoder knows how to turn one protocol version's wire encoding of
// extrinsics and events into a NodeBlock's transaction list, and how to
// call the node's runtime APIs for that version. One Decoder exists per
// supported protocol-version range; adding a version means adding one
// Decoder plus registering its range (§9 "Multi-version wire protocol").
type Decoder interface {
	// MinVersion and MaxVersion bound the half-open range [Min, Max) of
	// protocol versions this Decoder handles.
	MinVersion() uint32
	MaxVersion() uint32

	// DecodeBlock turns a raw RPC block/events payload into transactions,
	// in the System-then-Regular order required by §4.1.
	DecodeBlock(ctx context.Context, raw RawBlock) ([]NodeTransaction, []DustRegistrationEvent, error)

	// RuntimeAPI binds this protocol version's runtime-API encoding to a
	// live transport, so it can be rebuilt cheaply after each reconnect.
	RuntimeAPI(t Transport) RuntimeAPI
}

// RawBlock is the not-yet-decoded payload the transport layer hands to a
// Decoder: the block header fields plus raw extrinsic and event bytes.
type RawBlock struct {
	Hash            [32]byte
	Height          uint32
	ParentHash      [32]byte
	ProtocolVersion uint32
	TimestampMS     uint64
	ExtrinsicsRaw   [][]byte
	EventsRaw       []byte
}

// RuntimeAPI is the set of node runtime-API calls the Node Adapter issues
// on behalf of the Chain Indexer and Ledger Facade (§6).
type RuntimeAPI interface {
	ContractState(ctx context.Context, address [32]byte, blockHash [32]byte) ([]byte, error)
	ZswapStateRoot(ctx context.Context, blockHash [32]byte) ([32]byte, error)
	LedgerStateRoot(ctx context.Context, blockHash [32]byte) (*[32]byte, error)
	TransactionCost(ctx context.Context, raw []byte, blockHash [32]byte) (uint64, error)
	DParameter(ctx context.Context, blockHash [32]byte) ([]byte, error)
	TermsAndConditions(ctx context.Context, blockHash [32]byte) (hash [32]byte, uri string, err error)
	GenesisCNightMappings(ctx context.Context) (map[[32]byte][32]byte, error)
}

// Registry maps protocol versions to the Decoder that handles them.
type Registry struct {
	decoders []Decoder
}

// NewRegistry builds a Registry from the given decoders. Overlapping
// ranges are rejected since exactly one Decoder must own each version.
func NewRegistry(decoders ...Decoder) (*Registry, error) {
	sorted := append([]Decoder(nil), decoders...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].MinVersion() < sorted[j].MinVersion() })

	for i := 1; i < len(sorted); i++ {
		if sorted[i].MinVersion() < sorted[i-1].MaxVersion() {
			return nil, fmt.Errorf("overlapping protocol ranges [%d,%d) and [%d,%d)",
				sorted[i-1].MinVersion(), sorted[i-1].MaxVersion(),
				sorted[i].MinVersion(), sorted[i].MaxVersion())
		}
	}
	return &Registry{decoders: sorted}, nil
}

// Get returns the Decoder responsible for version, or
// UnsupportedProtocolError if no registered range covers it.
func (r *Registry) Get(version uint32) (Decoder, error) {
	for _, d := range r.decoders {
		if version >= d.MinVersion() && version < d.MaxVersion() {
			return d, nil
		}
	}
	return nil, &apperrors.UnsupportedProtocolError{Version: version}
}
