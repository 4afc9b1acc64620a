// Package midnightaddr encodes and decodes the Bech32m transport
// representations of Midnight addresses and viewing keys. The human
// readable prefix depends on the configured network id, mirroring the way
// a chain registry keys its Bech32 HRP by network (mainnet vs testnet).
package midnightaddr

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil/bech32"

	"github.com/midnight-ntwrk/midnight-indexer/internal/config"
)

// Kind distinguishes the two Bech32m payload families the indexer handles.
type Kind string

const (
	KindAddress    Kind = "addr"
	KindShieldedKey Kind = "shield-esk"
)

// hrp returns the human-readable prefix for kind on the given network,
// per §6 of the specification: mn_addr[_dev|_test|_undeployed] and
// mn_shield-esk[_dev|_test|_undeployed].
func hrp(kind Kind, network config.NetworkID) (string, error) {
	base := "mn_" + string(kind)
	switch network {
	case config.NetworkMainNet:
		return base, nil
	case config.NetworkDevNet:
		return base + "_dev", nil
	case config.NetworkTestNet:
		return base + "_test", nil
	case config.NetworkUndeployed:
		return base + "_undeployed", nil
	default:
		return "", fmt.Errorf("unknown network id %q", network)
	}
}

// Encode Bech32m-encodes raw payload bytes under the HRP for kind/network.
func Encode(kind Kind, network config.NetworkID, payload []byte) (string, error) {
	prefix, err := hrp(kind, network)
	if err != nil {
		return "", err
	}
	converted, err := bech32.ConvertBits(payload, 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("failed to convert bits: %w", err)
	}
	encoded, err := bech32.EncodeM(prefix, converted)
	if err != nil {
		return "", fmt.Errorf("failed to bech32m-encode: %w", err)
	}
	return encoded, nil
}

// Decode parses a Bech32m string, verifying it carries the expected kind
// and returning which network it was encoded for plus the raw payload.
func Decode(kind Kind, s string) (config.NetworkID, []byte, error) {
	prefix, data, err := bech32.DecodeNoLimit(s)
	if err != nil {
		return "", nil, fmt.Errorf("failed to bech32m-decode: %w", err)
	}

	network, err := networkFromPrefix(kind, prefix)
	if err != nil {
		return "", nil, err
	}

	payload, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return "", nil, fmt.Errorf("failed to convert bits: %w", err)
	}
	return network, payload, nil
}

func networkFromPrefix(kind Kind, prefix string) (config.NetworkID, error) {
	base := "mn_" + string(kind)
	switch prefix {
	case base:
		return config.NetworkMainNet, nil
	case base + "_dev":
		return config.NetworkDevNet, nil
	case base + "_test":
		return config.NetworkTestNet, nil
	case base + "_undeployed":
		return config.NetworkUndeployed, nil
	default:
		return "", fmt.Errorf("unrecognized address prefix %q for kind %q", prefix, kind)
	}
}
