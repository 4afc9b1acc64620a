package ledgerfacade

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/blake2b"

	"github.com/midnight-ntwrk/midnight-indexer/internal/apperrors"
)

// SecretKey wraps a deserialized ledger secret key. The bundled Ledger
// module owns the real key-derivation scheme (§1); this facade exposes the
// secp256k1 scalar it bottoms out to, matching the form test seeds produce
// via BIP39 (the teacher's own wallet-seed pattern).
type SecretKey struct {
	priv *btcec.PrivateKey
}

// DeserializeSecretKey parses a raw 32-byte scalar into a SecretKey.
// protocolVersion is accepted for interface symmetry with the other
// Deserialize functions; every supported range uses the same 32-byte
// scalar encoding today.
func DeserializeSecretKey(raw []byte, protocolVersion uint32) (*SecretKey, error) {
	if len(raw) != 32 {
		return nil, fmt.Errorf("%w: secret key must be 32 bytes, got %d", apperrors.ErrMalformedTransaction, len(raw))
	}
	priv, _ := btcec.PrivKeyFromBytes(raw)
	return &SecretKey{priv: priv}, nil
}

// SecretKeyFromTestSeed derives a deterministic SecretKey from a BIP39
// mnemonic, for use in local/dev/test fixtures only — production keys are
// never derived this way.
func SecretKeyFromTestSeed(mnemonic, passphrase string) (*SecretKey, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("%w: invalid test seed mnemonic", apperrors.ErrMalformedTransaction)
	}
	seed := bip39.NewSeed(mnemonic, passphrase)
	priv, _ := btcec.PrivKeyFromBytes(seed[:32])
	return &SecretKey{priv: priv}, nil
}

// Bytes returns the 32-byte scalar encoding of the key.
func (k *SecretKey) Bytes() []byte {
	return k.priv.Serialize()
}

// ViewingKeyHash returns the blake2b-256 hash that ciphertexts in this
// facade's transaction framing are keyed by (see Transaction.Relevant).
func (k *SecretKey) ViewingKeyHash() [32]byte {
	return blake2b.Sum256(k.priv.PubKey().SerializeCompressed())
}

// DeriveSessionID derives the wallet-session identifier published with
// WalletIndexed events, per §4.6 step 5 "derive(viewing_key)".
func DeriveSessionID(viewingKeyHash [32]byte) string {
	h := blake2b.Sum256(viewingKeyHash[:])
	return fmt.Sprintf("%x", h[:16])
}
