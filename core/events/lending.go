package events

import (
	"math/big"
	"strconv"

	"github.com/cloudwalk/brlc-monorepo-sub002/core/types"
	"github.com/cloudwalk/brlc-monorepo-sub002/crypto"
)

const (
	// TypeLendingLoanTaken is emitted once per takeLoan request after the
	// principal and addon transfers settle.
	TypeLendingLoanTaken = "lending.loan.taken"
	// TypeLendingLoanOpened is emitted when a loan transitions from zero to
	// at least one ongoing sub-loan.
	TypeLendingLoanOpened = "lending.loan.opened"
	// TypeLendingLoanClosed is emitted when the last ongoing sub-loan of a
	// loan settles or is revoked.
	TypeLendingLoanClosed = "lending.loan.closed"
	// TypeLendingOperationApplied is emitted exactly once per operation, the
	// first time the processing walk applies it.
	TypeLendingOperationApplied = "lending.operation.applied"
	// TypeLendingOperationVoided is emitted when an operation is dismissed or
	// revoked through the voiding API.
	TypeLendingOperationVoided = "lending.operation.voided"
	// TypeLendingSubLoanRepaid is emitted when a processing walk leaves every
	// tracked bucket of a sub-loan at zero.
	TypeLendingSubLoanRepaid = "lending.subloan.repaid"
	// TypeLendingSubLoanRevoked is emitted when a Revocation operation is
	// applied to a sub-loan.
	TypeLendingSubLoanRevoked = "lending.subloan.revoked"
	// TypeLendingSubLoanFrozen is emitted when a Freezing operation takes
	// effect.
	TypeLendingSubLoanFrozen = "lending.subloan.frozen"
	// TypeLendingSubLoanUnfrozen is emitted when an Unfreezing operation
	// takes effect.
	TypeLendingSubLoanUnfrozen = "lending.subloan.unfrozen"
)

// LendingLoanTaken captures the footprint of a freshly disbursed loan.
type LendingLoanTaken struct {
	FirstSubLoanID uint64
	Borrower       crypto.Address
	SubLoanCount   uint16
	TotalBorrowed  *big.Int
	TotalAddon     *big.Int
}

// EventType implements the Event interface.
func (LendingLoanTaken) EventType() string { return TypeLendingLoanTaken }

// Event converts the loan footprint to the generic event payload.
func (e LendingLoanTaken) Event() *types.Event {
	borrowed := big.NewInt(0)
	if e.TotalBorrowed != nil {
		borrowed = new(big.Int).Set(e.TotalBorrowed)
	}
	addon := big.NewInt(0)
	if e.TotalAddon != nil {
		addon = new(big.Int).Set(e.TotalAddon)
	}
	return &types.Event{
		Type: TypeLendingLoanTaken,
		Attributes: map[string]string{
			"first_sub_loan_id": strconv.FormatUint(e.FirstSubLoanID, 10),
			"borrower":          e.Borrower.String(),
			"sub_loan_count":    strconv.FormatUint(uint64(e.SubLoanCount), 10),
			"total_borrowed":    borrowed.String(),
			"total_addon":       addon.String(),
		},
	}
}

// LendingLoanOpened captures the zero-to-one transition of a loan's ongoing
// sub-loan count.
type LendingLoanOpened struct {
	FirstSubLoanID uint64
	Borrower       crypto.Address
	TotalBorrowed  *big.Int
}

// EventType implements the Event interface.
func (LendingLoanOpened) EventType() string { return TypeLendingLoanOpened }

// Event converts the transition to the generic event payload.
func (e LendingLoanOpened) Event() *types.Event {
	borrowed := big.NewInt(0)
	if e.TotalBorrowed != nil {
		borrowed = new(big.Int).Set(e.TotalBorrowed)
	}
	return &types.Event{
		Type: TypeLendingLoanOpened,
		Attributes: map[string]string{
			"first_sub_loan_id": strconv.FormatUint(e.FirstSubLoanID, 10),
			"borrower":          e.Borrower.String(),
			"total_borrowed":    borrowed.String(),
		},
	}
}

// LendingLoanClosed captures the one-to-zero transition of a loan's ongoing
// sub-loan count.
type LendingLoanClosed struct {
	FirstSubLoanID uint64
	Borrower       crypto.Address
	TotalBorrowed  *big.Int
}

// EventType implements the Event interface.
func (LendingLoanClosed) EventType() string { return TypeLendingLoanClosed }

// Event converts the transition to the generic event payload.
func (e LendingLoanClosed) Event() *types.Event {
	borrowed := big.NewInt(0)
	if e.TotalBorrowed != nil {
		borrowed = new(big.Int).Set(e.TotalBorrowed)
	}
	return &types.Event{
		Type: TypeLendingLoanClosed,
		Attributes: map[string]string{
			"first_sub_loan_id": strconv.FormatUint(e.FirstSubLoanID, 10),
			"borrower":          e.Borrower.String(),
			"total_borrowed":    borrowed.String(),
		},
	}
}

// LendingOperationApplied records the one-time application of a journal
// operation during a processing walk.
type LendingOperationApplied struct {
	SubLoanID   uint64
	OperationID uint32
	Kind        string
	Timestamp   uint64
	Value       *big.Int
}

// EventType implements the Event interface.
func (LendingOperationApplied) EventType() string { return TypeLendingOperationApplied }

// Event converts the application record to the generic event payload.
func (e LendingOperationApplied) Event() *types.Event {
	value := big.NewInt(0)
	if e.Value != nil {
		value = new(big.Int).Set(e.Value)
	}
	return &types.Event{
		Type: TypeLendingOperationApplied,
		Attributes: map[string]string{
			"sub_loan_id":  strconv.FormatUint(e.SubLoanID, 10),
			"operation_id": strconv.FormatUint(uint64(e.OperationID), 10),
			"kind":         e.Kind,
			"timestamp":    strconv.FormatUint(e.Timestamp, 10),
			"value":        value.String(),
		},
	}
}

// LendingOperationVoided records a dismissal or revocation performed through
// the voiding API. Outcome is "dismissed" for pending operations and
// "revoked" for applied ones.
type LendingOperationVoided struct {
	SubLoanID   uint64
	OperationID uint32
	Kind        string
	Outcome     string
}

// EventType implements the Event interface.
func (LendingOperationVoided) EventType() string { return TypeLendingOperationVoided }

// Event converts the voiding record to the generic event payload.
func (e LendingOperationVoided) Event() *types.Event {
	return &types.Event{
		Type: TypeLendingOperationVoided,
		Attributes: map[string]string{
			"sub_loan_id":  strconv.FormatUint(e.SubLoanID, 10),
			"operation_id": strconv.FormatUint(uint64(e.OperationID), 10),
			"kind":         e.Kind,
			"outcome":      e.Outcome,
		},
	}
}

// LendingSubLoanRepaid marks a sub-loan whose tracked balances reached zero.
type LendingSubLoanRepaid struct {
	SubLoanID uint64
	Timestamp uint64
}

// EventType implements the Event interface.
func (LendingSubLoanRepaid) EventType() string { return TypeLendingSubLoanRepaid }

// Event converts the settlement marker to the generic event payload.
func (e LendingSubLoanRepaid) Event() *types.Event {
	return &types.Event{
		Type: TypeLendingSubLoanRepaid,
		Attributes: map[string]string{
			"sub_loan_id": strconv.FormatUint(e.SubLoanID, 10),
			"timestamp":   strconv.FormatUint(e.Timestamp, 10),
		},
	}
}

// LendingSubLoanRevoked marks a sub-loan terminated by a Revocation
// operation.
type LendingSubLoanRevoked struct {
	SubLoanID uint64
	Timestamp uint64
}

// EventType implements the Event interface.
func (LendingSubLoanRevoked) EventType() string { return TypeLendingSubLoanRevoked }

// Event converts the termination marker to the generic event payload.
func (e LendingSubLoanRevoked) Event() *types.Event {
	return &types.Event{
		Type: TypeLendingSubLoanRevoked,
		Attributes: map[string]string{
			"sub_loan_id": strconv.FormatUint(e.SubLoanID, 10),
			"timestamp":   strconv.FormatUint(e.Timestamp, 10),
		},
	}
}

// LendingSubLoanFrozen marks an accrual freeze taking effect.
type LendingSubLoanFrozen struct {
	SubLoanID uint64
	Timestamp uint64
}

// EventType implements the Event interface.
func (LendingSubLoanFrozen) EventType() string { return TypeLendingSubLoanFrozen }

// Event converts the freeze marker to the generic event payload.
func (e LendingSubLoanFrozen) Event() *types.Event {
	return &types.Event{
		Type: TypeLendingSubLoanFrozen,
		Attributes: map[string]string{
			"sub_loan_id": strconv.FormatUint(e.SubLoanID, 10),
			"timestamp":   strconv.FormatUint(e.Timestamp, 10),
		},
	}
}

// LendingSubLoanUnfrozen marks an accrual freeze being lifted.
type LendingSubLoanUnfrozen struct {
	SubLoanID    uint64
	Timestamp    uint64
	DurationDays uint32
}

// EventType implements the Event interface.
func (LendingSubLoanUnfrozen) EventType() string { return TypeLendingSubLoanUnfrozen }

// Event converts the unfreeze marker to the generic event payload.
func (e LendingSubLoanUnfrozen) Event() *types.Event {
	return &types.Event{
		Type: TypeLendingSubLoanUnfrozen,
		Attributes: map[string]string{
			"sub_loan_id":   strconv.FormatUint(e.SubLoanID, 10),
			"timestamp":     strconv.FormatUint(e.Timestamp, 10),
			"duration_days": strconv.FormatUint(uint64(e.DurationDays), 10),
		},
	}
}
