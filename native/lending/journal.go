package lending

import (
	"fmt"
	"math/big"

	"github.com/cloudwalk/brlc-monorepo-sub002/crypto"
)

// The journal is a per-sub-loan doubly linked list of operation records kept
// in (timestamp, id) ascending order. Records live in state as an arena
// keyed by (subLoanID, operationID); the list is threaded through explicit
// PrevID/NextID indices with 0 as the nil link, so the structure survives
// serialization without pointer fixups.

// appendOperation allocates the next identifier, splices the record into
// journal order and lowers the pending timestamp. Callers have already
// validated the value against the kind and rejected revoked sub-loans.
func (e *Engine) appendOperation(subLoan *SubLoan, kind OperationKind, timestamp uint64, value *big.Int, accountID uint64) (*Operation, error) {
	if subLoan.OperationCount >= MaxOperationsPerSubLoan {
		return nil, fmt.Errorf("%w: sub-loan %d", ErrOperationCountExcess, subLoan.ID)
	}
	op := &Operation{
		ID:        subLoan.OperationCount + 1,
		Kind:      kind,
		Status:    OperationStatusPending,
		Timestamp: timestamp,
		Value:     copyAmount(value),
		AccountID: accountID,
	}

	// Walk backward from the tail: operations mostly append at the end.
	// Every record visited without breaking will end up after the new one.
	var next *Operation
	var prev *Operation
	cursor := subLoan.OperationTailID
	for cursor != 0 {
		candidate, err := e.loadOperation(subLoan.ID, cursor)
		if err != nil {
			return nil, err
		}
		if candidate.Before(op) {
			prev = candidate
			break
		}
		next = candidate
		cursor = candidate.PrevID
	}

	if kind == OperationKindRevocation {
		// Revocation must be the chronological terminus: no active record
		// may remain after the insertion point.
		for follower := next; follower != nil; {
			if follower.Status.Active() {
				return nil, fmt.Errorf("%w: sub-loan %d operation %d follows", ErrOperationAfterRevocation, subLoan.ID, follower.ID)
			}
			if follower.NextID == 0 {
				break
			}
			var err error
			follower, err = e.loadOperation(subLoan.ID, follower.NextID)
			if err != nil {
				return nil, err
			}
		}
	}

	if prev != nil {
		op.PrevID = prev.ID
		prev.NextID = op.ID
		if err := e.state.PutOperation(subLoan.ID, prev); err != nil {
			return nil, err
		}
	} else {
		subLoan.OperationHeadID = op.ID
	}
	if next != nil {
		op.NextID = next.ID
		next.PrevID = op.ID
		if err := e.state.PutOperation(subLoan.ID, next); err != nil {
			return nil, err
		}
	} else {
		subLoan.OperationTailID = op.ID
	}
	if err := e.state.PutOperation(subLoan.ID, op); err != nil {
		return nil, err
	}

	subLoan.OperationCount++
	if subLoan.PendingTimestamp == 0 || timestamp < subLoan.PendingTimestamp {
		subLoan.PendingTimestamp = timestamp
	}
	return op, nil
}

// voidOperation dismisses a pending record or revokes an applied one. An
// applied Repayment refunds its value to counterparty when one is given.
// Voiding an applied record rewinds the pending timestamp to force a full
// reset-and-replay on the next processing run, because an already-applied
// effect in the past must be excised from the derived state.
func (e *Engine) voidOperation(subLoan *SubLoan, operationID uint32, counterparty crypto.Address) (*Operation, error) {
	op, err := e.loadOperation(subLoan.ID, operationID)
	if err != nil {
		return nil, err
	}
	if op.Kind == OperationKindRevocation {
		return nil, fmt.Errorf("%w: sub-loan %d operation %d", ErrOperationVoidingProhibited, subLoan.ID, operationID)
	}
	switch op.Status {
	case OperationStatusDismissed, OperationStatusRevoked:
		return nil, fmt.Errorf("%w: sub-loan %d operation %d", ErrOperationAlreadyVoided, subLoan.ID, operationID)
	case OperationStatusPending:
		op.Status = OperationStatusDismissed
		if err := e.state.PutOperation(subLoan.ID, op); err != nil {
			return nil, err
		}
		if op.Timestamp == subLoan.PendingTimestamp {
			pending, err := e.nextActiveTimestamp(subLoan, op.NextID)
			if err != nil {
				return nil, err
			}
			subLoan.PendingTimestamp = pending
		}
	case OperationStatusApplied:
		op.Status = OperationStatusRevoked
		if err := e.state.PutOperation(subLoan.ID, op); err != nil {
			return nil, err
		}
		if op.Kind == OperationKindRepayment && !counterparty.IsZero() && op.Value != nil && op.Value.Sign() > 0 {
			if err := e.treasury.TransferOut(counterparty, op.Value); err != nil {
				return nil, err
			}
		}
		if subLoan.PendingTimestamp == 0 || op.Timestamp < subLoan.PendingTimestamp {
			subLoan.PendingTimestamp = op.Timestamp
		}
	default:
		return nil, fmt.Errorf("%w: sub-loan %d operation %d", ErrOperationNotExist, subLoan.ID, operationID)
	}
	return op, nil
}

// nextActiveTimestamp scans forward from the given position for the next
// active record. The scan is linear in journal length, bounded by the
// per-sub-loan operation cap; long-idle journals with many voided entries
// pay the full walk.
func (e *Engine) nextActiveTimestamp(subLoan *SubLoan, fromID uint32) (uint64, error) {
	cursor := fromID
	for cursor != 0 {
		op, err := e.loadOperation(subLoan.ID, cursor)
		if err != nil {
			return 0, err
		}
		if op.Status.Active() {
			return op.Timestamp, nil
		}
		cursor = op.NextID
	}
	return 0, nil
}
