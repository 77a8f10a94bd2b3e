package lending

import (
	"math/big"

	"github.com/holiman/uint256"
)

var (
	rateFactor     = uint256.NewInt(RateFactor)
	rateFactorHalf = uint256.NewInt(RateFactor / 2)
	accuracyUnit   = big.NewInt(AccuracyFactor)
	accuracyHalf   = big.NewInt(AccuracyFactor / 2)
)

// mulRateHalfUp computes roundHalfUp(value * rate / RateFactor). Overflow
// past 256 bits surfaces as an error instead of wrapping.
func mulRateHalfUp(value *uint256.Int, rate uint64) (*uint256.Int, error) {
	product, overflow := new(uint256.Int).MulOverflow(value, uint256.NewInt(rate))
	if overflow {
		return nil, ErrAmountOverflow
	}
	sum, carry := new(uint256.Int).AddOverflow(product, rateFactorHalf)
	if carry {
		return nil, ErrAmountOverflow
	}
	return sum.Div(sum, rateFactor), nil
}

// CompoundInterest grows balance by rate/RateFactor once per elapsed day,
// rounding half-up after every day. The identity at days == 0 is exact, the
// result is monotonic in days and rate, and splitting the horizon at any day
// yields bit-identical results to growing it in one call. That last property
// is what keeps live, replayed and previewed accrual indistinguishable no
// matter where processing segments the timeline.
func CompoundInterest(balance *big.Int, days uint64, rate uint64) (*big.Int, error) {
	if balance == nil || balance.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	if rate > RateFactor {
		return nil, ErrInvalidRate
	}
	value, overflow := uint256.FromBig(balance)
	if overflow {
		return nil, ErrAmountOverflow
	}
	for day := uint64(0); day < days; day++ {
		if value.IsZero() || rate == 0 {
			break
		}
		increment, err := mulRateHalfUp(value, rate)
		if err != nil {
			return nil, err
		}
		next, carry := new(uint256.Int).AddOverflow(value, increment)
		if carry {
			return nil, ErrAmountOverflow
		}
		value = next
	}
	return value.ToBig(), nil
}

// SimpleInterest computes roundHalfUp(base * rate / RateFactor) for a single
// charge.
func SimpleInterest(base *big.Int, rate uint64) (*big.Int, error) {
	if base == nil || base.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	if rate > RateFactor {
		return nil, ErrInvalidRate
	}
	value, overflow := uint256.FromBig(base)
	if overflow {
		return nil, ErrAmountOverflow
	}
	interest, err := mulRateHalfUp(value, rate)
	if err != nil {
		return nil, err
	}
	return interest.ToBig(), nil
}

// FinancialRound rounds a non-negative internal amount half-up to the
// nearest AccuracyFactor multiple, the smallest externally usable unit.
func FinancialRound(amount *big.Int) *big.Int {
	if amount == nil || amount.Sign() <= 0 {
		return big.NewInt(0)
	}
	rounded := new(big.Int).Add(amount, accuracyHalf)
	rounded.Quo(rounded, accuracyUnit)
	return rounded.Mul(rounded, accuracyUnit)
}

// isRounded reports whether amount is a whole AccuracyFactor multiple.
func isRounded(amount *big.Int) bool {
	if amount == nil {
		return false
	}
	return new(big.Int).Rem(amount, accuracyUnit).Sign() == 0
}

func copyAmount(amount *big.Int) *big.Int {
	if amount == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(amount)
}
