package core

import "math/big"

// AtomsPerToken is the fixed-point scale: 10^11 atoms equal one display
// token. No fractional representation is ever computed in ledger logic.
var AtomsPerToken = new(big.Int).SetUint64(100_000_000_000)

// TotalSupplyTokens is the fixed total supply in display tokens.
const TotalSupplyTokens uint64 = 21_936_236

// maxU128 is the inclusive upper bound for any atom quantity: 2^128 - 1.
var maxU128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))

// TotalSupplyAtoms returns TOTAL_SUPPLY expressed in atoms.
func TotalSupplyAtoms() *big.Int {
	return new(big.Int).Mul(new(big.Int).SetUint64(TotalSupplyTokens), AtomsPerToken)
}

// TokensToAtoms converts a whole display-token quantity to atoms.
func TokensToAtoms(tokens uint64) *big.Int {
	return new(big.Int).Mul(new(big.Int).SetUint64(tokens), AtomsPerToken)
}

// inRange reports whether v is within [0, 2^128).
func inRange(v *big.Int) bool {
	return v.Sign() >= 0 && v.Cmp(maxU128) <= 0
}

// CheckedAdd returns a+b if it stays within the u128 range, otherwise
// ErrArithmeticOverflow. The protocol never performs balance, stake, or
// reward math outside this helper and its siblings below.
func CheckedAdd(a, b *big.Int) (*big.Int, error) {
	sum := new(big.Int).Add(a, b)
	if !inRange(sum) {
		return nil, ErrArithmeticOverflow
	}
	return sum, nil
}

// CheckedSub returns a-b if the result is non-negative, otherwise
// ErrArithmeticOverflow.
func CheckedSub(a, b *big.Int) (*big.Int, error) {
	diff := new(big.Int).Sub(a, b)
	if !inRange(diff) {
		return nil, ErrArithmeticOverflow
	}
	return diff, nil
}

// MulDiv computes floor(a*b/c) using unbounded big.Int intermediates so the
// a*b product never overflows a fixed-width type, then checks the result
// fits in u128. Used by stake-weighted reward and vote-weight computation.
func MulDiv(a, b, c *big.Int) (*big.Int, error) {
	if c.Sign() == 0 {
		return nil, ErrArithmeticOverflow
	}
	prod := new(big.Int).Mul(a, b)
	q := new(big.Int).Quo(prod, c)
	if !inRange(q) {
		return nil, ErrArithmeticOverflow
	}
	return q, nil
}

// HalvingAmount computes base >> (epoch / period), i.e. base halved once
// per `period` epochs, using pure integer shifts. Never a floating point
// ratio or logarithm.
func HalvingAmount(base *big.Int, epoch, period uint64) *big.Int {
	if period == 0 {
		return new(big.Int).Set(base)
	}
	shifts := epoch / period
	if shifts >= 128 {
		return big.NewInt(0)
	}
	return new(big.Int).Rsh(base, uint(shifts))
}

// BasisPointsOf returns floor(v * bps / 10000), used for integer slash
// fractions (bps up to 10000 represents 100%). Never a float64 multiplier.
func BasisPointsOf(v *big.Int, bps uint32) (*big.Int, error) {
	return MulDiv(v, new(big.Int).SetUint64(uint64(bps)), big.NewInt(10000))
}
