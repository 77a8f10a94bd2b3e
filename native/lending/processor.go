package lending

import (
	"fmt"
	"math/big"

	"github.com/cloudwalk/brlc-monorepo-sub002/core/events"
)

// walkResult carries the records a forward walk flipped from Pending to
// Applied, plus counters for telemetry. Only the mutating path persists the
// flips and runs their one-time side effects; previews discard the result
// wholesale.
type walkResult struct {
	appliedNow  []*Operation
	didReset    bool
	daysAccrued uint64
}

// resetToInception rewinds the working copy to its state at creation.
// Replaying the journal forward from here reproduces derived state
// bit-for-bit, which is what makes retroactive insertion and cancellation
// safe.
func resetToInception(subLoan *SubLoan) {
	subLoan.Status = SubLoanStatusOngoing
	subLoan.DurationDays = subLoan.InitialDuration
	subLoan.Rates = subLoan.InitialRates
	subLoan.FreezeTimestamp = 0
	subLoan.TrackedTimestamp = subLoan.StartTimestamp
	subLoan.AppliedCursorID = 0
	principal := new(big.Int).Add(subLoan.BorrowedAmount, subLoan.AddonAmount)
	subLoan.Principal = Bucket{Tracked: principal, Repaid: big.NewInt(0), Discount: big.NewInt(0)}
	subLoan.UpToDueInterest = Bucket{Tracked: big.NewInt(0), Repaid: big.NewInt(0), Discount: big.NewInt(0)}
	subLoan.PostDueInterest = Bucket{Tracked: big.NewInt(0), Repaid: big.NewInt(0), Discount: big.NewInt(0)}
	subLoan.MoratoryInterest = Bucket{Tracked: big.NewInt(0), Repaid: big.NewInt(0), Discount: big.NewInt(0)}
	subLoan.LateFee = Bucket{Tracked: big.NewInt(0), Repaid: big.NewInt(0), Discount: big.NewInt(0)}
	subLoan.ClawbackFee = Bucket{Tracked: big.NewInt(0), Repaid: big.NewInt(0), Discount: big.NewInt(0)}
}

// advance brings the working copy up to date as of target. It decides
// whether a full reset-and-replay is required, walks the journal applying
// active records in (timestamp, id) order with accrual in between, then
// extends accrual to target exactly. skipExtend suppresses the final
// extension for tracked-timestamp previews.
//
// Operation records are loaded as clones; status flips touch only the clones
// returned in walkResult, never persisted state.
func (e *Engine) advance(subLoan *SubLoan, target uint64, skipExtend bool) (*walkResult, error) {
	result := &walkResult{}

	if target < subLoan.TrackedTimestamp ||
		(subLoan.PendingTimestamp != 0 && subLoan.PendingTimestamp <= subLoan.TrackedTimestamp) {
		resetToInception(subLoan)
		result.didReset = true
	}

	walkID, err := e.walkStartID(subLoan)
	if err != nil {
		return nil, err
	}
	for walkID != 0 {
		op, err := e.loadOperation(subLoan.ID, walkID)
		if err != nil {
			return nil, err
		}
		if op.Timestamp > target {
			break
		}
		if !op.Status.Active() {
			walkID = op.NextID
			continue
		}
		days, err := e.accrue(subLoan, op.Timestamp)
		if err != nil {
			return nil, err
		}
		result.daysAccrued += days
		if err := e.applyOperationEffect(subLoan, op); err != nil {
			return nil, err
		}
		if op.Status == OperationStatusPending {
			op.Status = OperationStatusApplied
			result.appliedNow = append(result.appliedNow, op)
		}
		subLoan.AppliedCursorID = op.ID
		walkID = op.NextID
	}

	if !skipExtend {
		days, err := e.accrue(subLoan, target)
		if err != nil {
			return nil, err
		}
		result.daysAccrued += days
	}

	if subLoan.Status == SubLoanStatusOngoing && subLoan.OutstandingTotal().Sign() == 0 {
		subLoan.Status = SubLoanStatusRepaid
	}

	pending, err := e.pendingAfterCursor(subLoan)
	if err != nil {
		return nil, err
	}
	subLoan.PendingTimestamp = pending
	return result, nil
}

// walkStartID returns the first record the forward walk should visit: the
// head after a reset, otherwise the record after the applied cursor.
func (e *Engine) walkStartID(subLoan *SubLoan) (uint32, error) {
	if subLoan.AppliedCursorID == 0 {
		return subLoan.OperationHeadID, nil
	}
	cursorOp, err := e.loadOperation(subLoan.ID, subLoan.AppliedCursorID)
	if err != nil {
		return 0, err
	}
	return cursorOp.NextID, nil
}

// pendingAfterCursor recomputes the pending timestamp as the timestamp of
// the next still-active record after the cursor. Records the walk just
// applied sit at or before the cursor, so the scan only ever sees records
// the walk did not reach.
func (e *Engine) pendingAfterCursor(subLoan *SubLoan) (uint64, error) {
	cursor, err := e.walkStartID(subLoan)
	if err != nil {
		return 0, err
	}
	return e.nextActiveTimestamp(subLoan, cursor)
}

// process mutates the sub-loan up to target: advance, one-time side effects
// for freshly applied records, then persistence. The caller provides request
// atomicity; every write here goes through the state session.
func (e *Engine) process(subLoanID uint64, target uint64) (*SubLoan, error) {
	subLoan, err := e.loadSubLoan(subLoanID)
	if err != nil {
		return nil, err
	}
	statusBefore := subLoan.Status

	result, err := e.advance(subLoan, target, false)
	if err != nil {
		return nil, err
	}
	if e.meter != nil {
		mode := "extend"
		if result.didReset {
			mode = "reset"
		}
		e.meter.RecordReplay(mode)
		if result.daysAccrued > 0 {
			e.meter.RecordAccruedDays(result.daysAccrued)
		}
	}

	for _, op := range result.appliedNow {
		if op.Kind == OperationKindRepayment && op.Value != nil && op.Value.Sign() > 0 {
			payer, err := e.accountAddress(subLoan, op.AccountID)
			if err != nil {
				return nil, err
			}
			if err := e.treasury.TransferIn(payer, op.Value); err != nil {
				return nil, fmt.Errorf("sub-loan %d operation %d: %w", subLoanID, op.ID, err)
			}
		}
		if err := e.state.PutOperation(subLoanID, op); err != nil {
			return nil, err
		}
		e.emitApplied(subLoan, op)
	}

	if err := e.persistSubLoan(subLoan); err != nil {
		return nil, err
	}
	if statusBefore != SubLoanStatusRepaid && subLoan.Status == SubLoanStatusRepaid {
		e.emit(events.LendingSubLoanRepaid{SubLoanID: subLoan.ID, Timestamp: subLoan.TrackedTimestamp})
	}
	return subLoan, nil
}

func (e *Engine) emitApplied(subLoan *SubLoan, op *Operation) {
	e.emit(events.LendingOperationApplied{
		SubLoanID:   subLoan.ID,
		OperationID: op.ID,
		Kind:        op.Kind.String(),
		Timestamp:   op.Timestamp,
		Value:       copyAmount(op.Value),
	})
	switch op.Kind {
	case OperationKindRevocation:
		e.emit(events.LendingSubLoanRevoked{SubLoanID: subLoan.ID, Timestamp: op.Timestamp})
	case OperationKindFreezing:
		e.emit(events.LendingSubLoanFrozen{SubLoanID: subLoan.ID, Timestamp: op.Timestamp})
	case OperationKindUnfreezing:
		e.emit(events.LendingSubLoanUnfrozen{
			SubLoanID:    subLoan.ID,
			Timestamp:    op.Timestamp,
			DurationDays: subLoan.DurationDays,
		})
	}
}

// previewTarget resolves the read API's timestamp convention: 0 previews at
// the current clock, 1 previews at the sub-loan's own tracked timestamp
// without extending accrual.
func (e *Engine) previewTarget(subLoan *SubLoan, timestamp uint64) (uint64, bool) {
	switch timestamp {
	case 0:
		return e.now(), false
	case 1:
		return subLoan.TrackedTimestamp, true
	default:
		return timestamp, false
	}
}

// previewSubLoan produces a throwaway projection of the sub-loan as of the
// requested timestamp. It runs the identical replay routine as process but
// persists nothing and performs no transfers, so repeated previews always
// return identical results.
func (e *Engine) previewSubLoan(id uint64, timestamp uint64) (*SubLoan, error) {
	subLoan, err := e.loadSubLoan(id)
	if err != nil {
		return nil, err
	}
	target, skipExtend := e.previewTarget(subLoan, timestamp)
	if _, err := e.advance(subLoan, target, skipExtend); err != nil {
		return nil, err
	}
	return subLoan, nil
}
