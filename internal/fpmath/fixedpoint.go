package fpmath

import "math/big"

// All engine amounts are 18-decimal fixed point held in *big.Int.
// Price feeds report 8 decimals and are scaled up by FeedScaleUp before use.
var (
	// Precision is the working scale for amounts, USD values and ratios (1e18).
	Precision = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

	// FeedScaleUp normalizes an 8-decimal feed price to 18 decimals (1e10).
	FeedScaleUp = new(big.Int).Exp(big.NewInt(10), big.NewInt(10), nil)

	// MaxRatio is returned as the health factor of a position with zero debt
	// (2^256 - 1, the uint256 ceiling of the on-chain representation).
	MaxRatio = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
)

// MulDiv computes a * b / den with a wide intermediate, truncating toward zero.
// den must be non-zero.
func MulDiv(a, b, den *big.Int) *big.Int {
	out := new(big.Int).Mul(a, b)
	return out.Quo(out, den)
}

// PercentOf computes amount * pct / 100, truncating.
func PercentOf(amount *big.Int, pct int64) *big.Int {
	return MulDiv(amount, big.NewInt(pct), big.NewInt(100))
}

// Clone returns an independent copy of v, or a zero value for nil.
func Clone(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
