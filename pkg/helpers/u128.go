package helpers

import "math/big"

// maxU128 is 2^128 - 1, the ceiling every saturating u128 operation clamps to.
var maxU128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))

func clampU128(v *big.Int) *big.Int {
	if v.Sign() < 0 {
		return new(big.Int)
	}
	if v.Cmp(maxU128) > 0 {
		return new(big.Int).Set(maxU128)
	}
	return v
}

// SaturatingAddU128 adds a and b, clamping to [0, 2^128-1].
func SaturatingAddU128(a, b *big.Int) *big.Int {
	return clampU128(new(big.Int).Add(a, b))
}

// SaturatingSubU128 subtracts b from a, clamping below at 0.
func SaturatingSubU128(a, b *big.Int) *big.Int {
	return clampU128(new(big.Int).Sub(a, b))
}

// SaturatingMulU128 multiplies a and b, clamping to [0, 2^128-1].
func SaturatingMulU128(a, b *big.Int) *big.Int {
	return clampU128(new(big.Int).Mul(a, b))
}

// MinU128 returns the lesser of a and b.
func MinU128(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// MaxU128 returns the greater of a and b.
func MaxU128(a, b *big.Int) *big.Int {
	if a.Cmp(b) >= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}
