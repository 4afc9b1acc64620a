package nodeadapter

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// systemEventsStorageKey is the well-known storage key for
// System.Events, used to fetch the raw event log for a block.
const systemEventsStorageKey = "0x26aa394eea5630e07c48ae0c9558cef7a7f836e6a4d1f25b2fc8e7de5ca2b72"

func decodeHexBytes(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(s, "0x"))
}

func decodeHash32(s string) ([32]byte, error) {
	var out [32]byte
	b, err := decodeHexBytes(s)
	if err != nil {
		return out, err
	}
	if len(b) != 32 {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

func mustDecodeHash32(s string) [32]byte {
	h, err := decodeHash32(s)
	if err != nil {
		return [32]byte{}
	}
	return h
}

func parseHexUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}
