package focil

import (
	"math"
	"math/big"
	"sort"

	"github.com/holiman/uint256"
)

// EffectivePriorityFee returns min(tip cap, fee cap - base fee) and false
// when the fee cap is below the base fee.
func EffectivePriorityFee(maxFee, priorityFee, baseFee *uint256.Int) (*uint256.Int, bool) {
	if maxFee == nil || priorityFee == nil || baseFee == nil || maxFee.Lt(baseFee) {
		return nil, false
	}
	headroom := new(uint256.Int).Sub(maxFee, baseFee)
	if priorityFee.Lt(headroom) {
		return new(uint256.Int).Set(priorityFee), true
	}
	return headroom, true
}

// coversBaseFee reports whether the fee cap can pay the base fee
func coversBaseFee(maxFee, baseFee *uint256.Int) bool {
	return maxFee != nil && baseFee != nil && !maxFee.Lt(baseFee)
}

// toFloat converts a fee to float64; values above 2^53 lose precision
func toFloat(v *uint256.Int) float64 {
	if v.IsUint64() {
		return float64(v.Uint64())
	}
	f, _ := new(big.Float).SetInt(v.ToBig()).Float64()
	return f
}

// Quantile returns the q-quantile of values with linear interpolation
// between the closest ranks. It returns NaN for an empty input.
func Quantile(values []float64, q float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo < 0 {
		lo = 0
	}
	if hi >= len(sorted) {
		hi = len(sorted) - 1
	}
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}
