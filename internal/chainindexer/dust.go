package chainindexer

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/midnight-ntwrk/midnight-indexer/internal/ledgerfacade"
	"github.com/midnight-ntwrk/midnight-indexer/internal/nodeadapter"
)

// applyDustEvent routes one transaction-embedded DUST event (§4.2, §9
// "DUST event routing") to the matching systemparams write path.
//
// DustMappingRemoved has no table to delete from: cnight_genesis_mapping is
// keyed by cnight_address, but a removal event only carries the night
// address side of the pair. Rather than add a reverse index solely to
// support a deletion this corpus never otherwise needs, the event is
// logged and skipped (see DESIGN.md).
func (p *Pipeline) applyDustEvent(ctx context.Context, tx *sql.Tx, e ledgerfacade.DustEvent) error {
	switch e.Kind {
	case ledgerfacade.DustInitialUtxo:
		return p.deps.Index.UpsertDustGenerationInfo(ctx, tx, e.Commitment, e.InitialValue, e.CtimeUnixSecs)
	case ledgerfacade.DustGenerationDtimeUpdate:
		return p.deps.Index.UpdateDustGenerationDtime(ctx, tx, e.Commitment, e.DtimeUnixSecs)
	case ledgerfacade.DustSpendProcessed:
		return p.deps.Index.MarkDustSpend(ctx, tx, e.Commitment, e.Nullifier)
	case ledgerfacade.DustRegistration:
		dustAddr := e.DustAddress
		return p.deps.Index.UpsertDustRegistrationEvent(ctx, tx, e.NightAddress, &dustAddr, true)
	case ledgerfacade.DustDeregistration:
		return p.deps.Index.UpsertDustRegistrationEvent(ctx, tx, e.NightAddress, nil, false)
	case ledgerfacade.DustMappingAdded:
		return p.deps.Index.UpsertCnightGenesisMapping(ctx, tx, e.CNightAddress, e.NightAddress)
	case ledgerfacade.DustMappingRemoved:
		p.log.Warn("dust mapping removal has no reverse lookup by night address, skipping", "night_address", fmt.Sprintf("%x", e.NightAddress))
		return nil
	default:
		return nil
	}
}

// applyBlockDustRegistration routes one block-level DUST registration event
// surfaced directly by the Node Adapter's event log (distinct from the
// per-transaction trailing payload §4.2 events: these arrive alongside the
// block, not attached to any single transaction). The payload framing
// mirrors the 32-byte-address convention DeserializeDustEvents uses.
func (p *Pipeline) applyBlockDustRegistration(ctx context.Context, tx *sql.Tx, e nodeadapter.DustRegistrationEvent) error {
	switch e.Kind {
	case "registration", "deregistration":
		if len(e.Payload) < 32 {
			p.log.Warn("dust registration payload too short, skipping", "kind", e.Kind)
			return nil
		}
		var nightAddr [32]byte
		copy(nightAddr[:], e.Payload[:32])
		if e.Kind == "deregistration" {
			return p.deps.Index.UpsertDustRegistrationEvent(ctx, tx, nightAddr, nil, false)
		}
		var dustAddr *[32]byte
		if len(e.Payload) >= 64 {
			var d [32]byte
			copy(d[:], e.Payload[32:64])
			dustAddr = &d
		}
		return p.deps.Index.UpsertDustRegistrationEvent(ctx, tx, nightAddr, dustAddr, true)
	case "mapping_added":
		if len(e.Payload) < 64 {
			p.log.Warn("dust mapping payload too short, skipping", "kind", e.Kind)
			return nil
		}
		var cnightAddr, nightAddr [32]byte
		copy(cnightAddr[:], e.Payload[:32])
		copy(nightAddr[:], e.Payload[32:64])
		return p.deps.Index.UpsertCnightGenesisMapping(ctx, tx, cnightAddr, nightAddr)
	case "mapping_removed":
		p.log.Warn("dust mapping removal has no reverse lookup by night address, skipping")
		return nil
	default:
		p.log.Warn("unknown block-level dust event kind, skipping", "kind", e.Kind)
		return nil
	}
}
