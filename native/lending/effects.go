package lending

import (
	"fmt"
	"math/big"
)

// applyOperationEffect mutates the working copy with the journal record's
// effect. Accrual up to the record's timestamp has already run, so every
// effect below sees balances exactly as of that instant.
func (e *Engine) applyOperationEffect(subLoan *SubLoan, op *Operation) error {
	switch op.Kind {
	case OperationKindRepayment:
		return e.settle(subLoan, op.Value, true)
	case OperationKindDiscount:
		return e.settle(subLoan, op.Value, false)
	case OperationKindRevocation:
		for _, bucket := range subLoan.waterfallBuckets() {
			bucket.Tracked = big.NewInt(0)
		}
		subLoan.Status = SubLoanStatusRevoked
		return nil
	case OperationKindFreezing:
		if subLoan.FreezeTimestamp != 0 {
			return fmt.Errorf("%w: sub-loan %d", ErrSubLoanFrozen, subLoan.ID)
		}
		subLoan.FreezeTimestamp = op.Timestamp
		return nil
	case OperationKindUnfreezing:
		if subLoan.FreezeTimestamp == 0 {
			return fmt.Errorf("%w: sub-loan %d", ErrSubLoanNotFrozen, subLoan.ID)
		}
		if op.Value == nil || op.Value.Sign() == 0 {
			frozenDays := DayIndex(op.Timestamp) - DayIndex(subLoan.FreezeTimestamp)
			subLoan.DurationDays += uint32(frozenDays)
		}
		subLoan.FreezeTimestamp = 0
		return nil
	case OperationKindRateUpToDue:
		subLoan.Rates.UpToDue = op.Value.Uint64()
		return nil
	case OperationKindRatePostDue:
		subLoan.Rates.PostDue = op.Value.Uint64()
		return nil
	case OperationKindRateMoratory:
		subLoan.Rates.Moratory = op.Value.Uint64()
		return nil
	case OperationKindRateLateFee:
		subLoan.Rates.LateFee = op.Value.Uint64()
		return nil
	case OperationKindRateClawback:
		subLoan.Rates.Clawback = op.Value.Uint64()
		return nil
	case OperationKindDuration:
		subLoan.DurationDays = uint32(op.Value.Uint64())
		return nil
	default:
		return fmt.Errorf("%w: sub-loan %d operation %d", ErrInvalidKind, subLoan.ID, op.ID)
	}
}

// settle runs the repayment waterfall, consuming value against the buckets
// in fixed order: post-due interest, moratory interest, late fee, clawback
// fee, up-to-due interest, principal. A value equal to the rounded
// outstanding substitutes the unrounded total so a full settlement never
// leaves rounding dust behind.
func (e *Engine) settle(subLoan *SubLoan, value *big.Int, repayment bool) error {
	outstanding := subLoan.OutstandingTotal()
	rounded := FinancialRound(outstanding)
	amount := copyAmount(value)
	switch amount.Cmp(rounded) {
	case 1:
		return fmt.Errorf("%w: sub-loan %d", ErrAmountExcess, subLoan.ID)
	case 0:
		amount = outstanding
	}
	remaining := amount
	for _, bucket := range subLoan.waterfallBuckets() {
		if remaining.Sign() == 0 {
			break
		}
		portion := remaining
		if bucket.Tracked.Cmp(remaining) < 0 {
			portion = bucket.Tracked
		}
		if portion.Sign() == 0 {
			continue
		}
		consumed := new(big.Int).Set(portion)
		bucket.Tracked = new(big.Int).Sub(bucket.Tracked, consumed)
		if repayment {
			bucket.Repaid = new(big.Int).Add(bucket.Repaid, consumed)
		} else {
			bucket.Discount = new(big.Int).Add(bucket.Discount, consumed)
		}
		remaining = new(big.Int).Sub(remaining, consumed)
	}
	return nil
}
