package lending

import (
	"fmt"
	"math/big"

	"github.com/cloudwalk/brlc-monorepo-sub002/core/events"
	"github.com/cloudwalk/brlc-monorepo-sub002/crypto"
)

// SubLoanSpec describes one installment of a loan-taking request.
type SubLoanSpec struct {
	BorrowedAmount *big.Int
	AddonAmount    *big.Int
	DurationDays   uint32
	Rates          Rates
}

// TakeLoanRequest creates one loan as a batch of sibling sub-loans with a
// shared borrower and program.
type TakeLoanRequest struct {
	Borrower  crypto.Address
	ProgramID uint32
	SubLoans  []SubLoanSpec
}

// OperationRequest schedules one journal operation. Timestamp 0 means now.
// Counterparty is honoured only for repayments; the zero address means the
// sub-loan's borrower pays.
type OperationRequest struct {
	SubLoanID    uint64
	Kind         OperationKind
	Timestamp    uint64
	Value        *big.Int
	Counterparty crypto.Address
}

// OperationReceipt reports the identifier allocated for a submitted
// operation.
type OperationReceipt struct {
	SubLoanID   uint64
	OperationID uint32
}

// VoidRequest cancels one journal operation. Counterparty optionally
// receives the refund when an applied repayment is revoked.
type VoidRequest struct {
	SubLoanID    uint64
	OperationID  uint32
	Counterparty crypto.Address
}

// VoidReceipt reports how a voided operation terminated: dismissed while
// still pending, or revoked after application.
type VoidReceipt struct {
	SubLoanID   uint64
	OperationID uint32
	Outcome     string
}

// TakeLoan validates the batch, creates the sibling sub-loans, notifies the
// credit line once for the whole loan and disburses principal and addon.
// It returns the identifier of the first installment, which identifies the
// loan from then on.
func (e *Engine) TakeLoan(req TakeLoanRequest) (uint64, error) {
	if err := e.requireWiring(); err != nil {
		return 0, err
	}
	if req.Borrower.IsZero() {
		return 0, ErrInvalidBorrower
	}
	if req.ProgramID == 0 {
		return 0, ErrInvalidProgram
	}
	count := len(req.SubLoans)
	if count == 0 || count > MaxSubLoansPerLoan {
		return 0, fmt.Errorf("%w: %d installments", ErrSubLoanCount, count)
	}

	totalBorrowed := big.NewInt(0)
	totalAddon := big.NewInt(0)
	var prevDuration uint32
	for i, spec := range req.SubLoans {
		if spec.BorrowedAmount == nil || spec.BorrowedAmount.Sign() <= 0 {
			return 0, fmt.Errorf("%w: installment %d borrowed amount", ErrInvalidAmount, i)
		}
		if !isRounded(spec.BorrowedAmount) {
			return 0, fmt.Errorf("%w: installment %d borrowed amount", ErrAmountNotRounded, i)
		}
		if spec.AddonAmount != nil {
			if spec.AddonAmount.Sign() < 0 {
				return 0, fmt.Errorf("%w: installment %d addon amount", ErrInvalidAmount, i)
			}
			if !isRounded(spec.AddonAmount) {
				return 0, fmt.Errorf("%w: installment %d addon amount", ErrAmountNotRounded, i)
			}
		}
		if spec.DurationDays == 0 || spec.DurationDays > MaxDurationDays {
			return 0, fmt.Errorf("%w: installment %d", ErrInvalidDuration, i)
		}
		if spec.DurationDays < prevDuration {
			return 0, fmt.Errorf("%w: installment %d", ErrDurationOrder, i)
		}
		if !spec.Rates.Valid() {
			return 0, fmt.Errorf("%w: installment %d", ErrInvalidRate, i)
		}
		prevDuration = spec.DurationDays
		totalBorrowed.Add(totalBorrowed, spec.BorrowedAmount)
		if spec.AddonAmount != nil {
			totalAddon.Add(totalAddon, spec.AddonAmount)
		}
	}
	if totalAddon.Sign() > 0 && e.addonTreasury.IsZero() {
		return 0, ErrNilAddonTreasury
	}

	current, err := e.state.SubLoanCount()
	if err != nil {
		return 0, err
	}
	firstID := current + 1
	last := current + uint64(count)
	if last < current {
		return 0, ErrCounterOverflow
	}

	now := e.now()
	for i, spec := range req.SubLoans {
		subLoan := &SubLoan{
			ID:               firstID + uint64(i),
			Borrower:         req.Borrower,
			ProgramID:        req.ProgramID,
			StartTimestamp:   now,
			InitialDuration:  spec.DurationDays,
			BorrowedAmount:   copyAmount(spec.BorrowedAmount),
			AddonAmount:      copyAmount(spec.AddonAmount),
			InitialRates:     spec.Rates,
			InstallmentIndex: uint16(i),
			InstallmentCount: uint16(count),
		}
		resetToInception(subLoan)
		if err := e.persistSubLoan(subLoan); err != nil {
			return 0, err
		}
	}
	if err := e.state.SetSubLoanCount(last); err != nil {
		return 0, err
	}

	exposure := new(big.Int).Add(totalBorrowed, totalAddon)
	if e.creditLine != nil {
		if err := e.creditLine.OnBeforeLoanOpened(firstID, req.Borrower, exposure); err != nil {
			return 0, fmt.Errorf("lending: credit line rejected loan: %w", err)
		}
	}
	if err := e.treasury.TransferOut(req.Borrower, totalBorrowed); err != nil {
		return 0, err
	}
	if totalAddon.Sign() > 0 {
		if err := e.treasury.TransferOut(e.addonTreasury, totalAddon); err != nil {
			return 0, err
		}
	}

	e.emit(events.LendingLoanTaken{
		FirstSubLoanID: firstID,
		Borrower:       req.Borrower,
		SubLoanCount:   uint16(count),
		TotalBorrowed:  totalBorrowed,
		TotalAddon:     totalAddon,
	})
	e.emit(events.LendingLoanOpened{FirstSubLoanID: firstID, Borrower: req.Borrower, TotalBorrowed: exposure})
	return firstID, nil
}

// RevokeLoan unwinds a whole loan: every sibling is processed to now and
// terminated with a Revocation operation, then the signed difference between
// total borrowed and total repaid settles against the borrower and the
// aggregate addon returns from the addon treasury to the pool.
func (e *Engine) RevokeLoan(subLoanID uint64) error {
	if err := e.requireWiring(); err != nil {
		return err
	}
	subLoan, err := e.loadSubLoan(subLoanID)
	if err != nil {
		return err
	}
	firstID := subLoan.FirstSiblingID()
	before, err := e.LoanSummary(firstID)
	if err != nil {
		return err
	}

	now := e.now()
	revokedAny := false
	for i := uint64(0); i < uint64(before.SubLoanCount); i++ {
		siblingID := firstID + i
		sibling, err := e.loadSubLoan(siblingID)
		if err != nil {
			return err
		}
		if sibling.Status == SubLoanStatusRevoked {
			continue
		}
		if _, err := e.appendOperation(sibling, OperationKindRevocation, now, nil, BorrowerAccountID); err != nil {
			return err
		}
		if err := e.persistSubLoan(sibling); err != nil {
			return err
		}
		if _, err := e.process(siblingID, now); err != nil {
			return err
		}
		revokedAny = true
	}
	if !revokedAny {
		return fmt.Errorf("%w: loan %d", ErrSubLoanRevoked, firstID)
	}

	summary, err := e.LoanSummary(firstID)
	if err != nil {
		return err
	}
	delta := new(big.Int).Sub(summary.TotalBorrowed, summary.TotalRepaid)
	switch delta.Sign() {
	case 1:
		if err := e.treasury.TransferIn(summary.Borrower, delta); err != nil {
			return err
		}
	case -1:
		if err := e.treasury.TransferOut(summary.Borrower, delta.Neg(delta)); err != nil {
			return err
		}
	}
	if summary.TotalAddon.Sign() > 0 {
		if e.addonTreasury.IsZero() {
			return ErrNilAddonTreasury
		}
		if err := e.treasury.TransferIn(e.addonTreasury, summary.TotalAddon); err != nil {
			return err
		}
	}

	if before.OngoingCount > 0 {
		exposure := new(big.Int).Add(summary.TotalBorrowed, summary.TotalAddon)
		if e.creditLine != nil {
			if err := e.creditLine.OnAfterLoanClosed(firstID, summary.Borrower, exposure); err != nil {
				return fmt.Errorf("lending: credit line rejected close: %w", err)
			}
		}
		e.emit(events.LendingLoanClosed{FirstSubLoanID: firstID, Borrower: summary.Borrower, TotalBorrowed: exposure})
	}
	return nil
}

// SubmitOperations inserts one journal operation per request and processes
// each touched sub-loan to now. Aggregate open/close transitions are
// evaluated once per affected loan after the whole batch completes.
func (e *Engine) SubmitOperations(requests []OperationRequest) ([]OperationReceipt, error) {
	if err := e.requireWiring(); err != nil {
		return nil, err
	}
	if len(requests) == 0 {
		return nil, ErrEmptyBatch
	}

	now := e.now()
	ongoingBefore := make(map[uint64]uint16)
	var loanOrder []uint64
	receipts := make([]OperationReceipt, 0, len(requests))

	for i, req := range requests {
		subLoan, err := e.loadSubLoan(req.SubLoanID)
		if err != nil {
			return nil, fmt.Errorf("request %d: %w", i, err)
		}
		if subLoan.Status == SubLoanStatusRevoked {
			return nil, fmt.Errorf("request %d: %w: sub-loan %d", i, ErrSubLoanRevoked, req.SubLoanID)
		}
		firstID := subLoan.FirstSiblingID()
		if _, seen := ongoingBefore[firstID]; !seen {
			summary, err := e.LoanSummary(firstID)
			if err != nil {
				return nil, fmt.Errorf("request %d: %w", i, err)
			}
			ongoingBefore[firstID] = summary.OngoingCount
			loanOrder = append(loanOrder, firstID)
		}

		timestamp, accountID, err := e.validateOperationRequest(subLoan, req, now)
		if err != nil {
			return nil, fmt.Errorf("request %d: %w", i, err)
		}
		op, err := e.appendOperation(subLoan, req.Kind, timestamp, req.Value, accountID)
		if err != nil {
			return nil, fmt.Errorf("request %d: %w", i, err)
		}
		if err := e.persistSubLoan(subLoan); err != nil {
			return nil, err
		}
		if _, err := e.process(req.SubLoanID, now); err != nil {
			return nil, fmt.Errorf("request %d: %w", i, err)
		}
		receipts = append(receipts, OperationReceipt{SubLoanID: req.SubLoanID, OperationID: op.ID})
	}

	if err := e.notifyLoanTransitions(ongoingBefore, loanOrder); err != nil {
		return nil, err
	}
	return receipts, nil
}

// VoidOperations cancels one journal operation per request and reprocesses
// each touched sub-loan, replaying from inception where an applied effect
// was excised. Transitions are evaluated like in SubmitOperations; voiding
// can resurrect a fully repaid sub-loan, reopening its loan.
func (e *Engine) VoidOperations(requests []VoidRequest) ([]VoidReceipt, error) {
	if err := e.requireWiring(); err != nil {
		return nil, err
	}
	if len(requests) == 0 {
		return nil, ErrEmptyBatch
	}

	now := e.now()
	ongoingBefore := make(map[uint64]uint16)
	var loanOrder []uint64
	receipts := make([]VoidReceipt, 0, len(requests))

	for i, req := range requests {
		subLoan, err := e.loadSubLoan(req.SubLoanID)
		if err != nil {
			return nil, fmt.Errorf("request %d: %w", i, err)
		}
		firstID := subLoan.FirstSiblingID()
		if _, seen := ongoingBefore[firstID]; !seen {
			summary, err := e.LoanSummary(firstID)
			if err != nil {
				return nil, fmt.Errorf("request %d: %w", i, err)
			}
			ongoingBefore[firstID] = summary.OngoingCount
			loanOrder = append(loanOrder, firstID)
		}

		op, err := e.voidOperation(subLoan, req.OperationID, req.Counterparty)
		if err != nil {
			return nil, fmt.Errorf("request %d: %w", i, err)
		}
		if err := e.persistSubLoan(subLoan); err != nil {
			return nil, err
		}
		if _, err := e.process(req.SubLoanID, now); err != nil {
			return nil, fmt.Errorf("request %d: %w", i, err)
		}
		e.emit(events.LendingOperationVoided{
			SubLoanID:   req.SubLoanID,
			OperationID: req.OperationID,
			Kind:        op.Kind.String(),
			Outcome:     op.Status.String(),
		})
		receipts = append(receipts, VoidReceipt{
			SubLoanID:   req.SubLoanID,
			OperationID: req.OperationID,
			Outcome:     op.Status.String(),
		})
	}

	if err := e.notifyLoanTransitions(ongoingBefore, loanOrder); err != nil {
		return nil, err
	}
	return receipts, nil
}

// validateOperationRequest checks the value and timestamp against the kind
// and resolves the repayment counterparty to its address book identifier.
func (e *Engine) validateOperationRequest(subLoan *SubLoan, req OperationRequest, now uint64) (uint64, uint64, error) {
	if !req.Kind.Valid() {
		return 0, 0, ErrInvalidKind
	}
	if req.Kind == OperationKindRevocation {
		return 0, 0, fmt.Errorf("%w: revocation is driven by loan revoke", ErrInvalidKind)
	}
	timestamp := req.Timestamp
	if timestamp == 0 {
		timestamp = now
	}
	if timestamp < subLoan.StartTimestamp {
		return 0, 0, ErrTimestampBeforeStart
	}
	value := copyAmount(req.Value)
	accountID := uint64(BorrowerAccountID)

	switch req.Kind {
	case OperationKindRepayment, OperationKindDiscount:
		if value.Sign() <= 0 {
			return 0, 0, ErrInvalidAmount
		}
		if !isRounded(value) {
			return 0, 0, ErrAmountNotRounded
		}
		if timestamp > now {
			return 0, 0, ErrTimestampInFuture
		}
		if req.Kind == OperationKindDiscount {
			if !req.Counterparty.IsZero() {
				return 0, 0, ErrAccountNotAllowed
			}
		} else {
			id, err := e.resolveAccountID(req.Counterparty)
			if err != nil {
				return 0, 0, err
			}
			accountID = id
		}
	case OperationKindFreezing:
		if !req.Counterparty.IsZero() {
			return 0, 0, ErrAccountNotAllowed
		}
		if value.Sign() != 0 {
			return 0, 0, ErrInvalidValue
		}
	case OperationKindUnfreezing:
		if !req.Counterparty.IsZero() {
			return 0, 0, ErrAccountNotAllowed
		}
		if value.Cmp(big.NewInt(1)) > 0 || value.Sign() < 0 {
			return 0, 0, ErrInvalidValue
		}
	case OperationKindRateUpToDue, OperationKindRatePostDue, OperationKindRateMoratory,
		OperationKindRateLateFee, OperationKindRateClawback:
		if !req.Counterparty.IsZero() {
			return 0, 0, ErrAccountNotAllowed
		}
		if value.Sign() < 0 || !value.IsUint64() || value.Uint64() > RateFactor {
			return 0, 0, ErrInvalidRate
		}
	case OperationKindDuration:
		if !req.Counterparty.IsZero() {
			return 0, 0, ErrAccountNotAllowed
		}
		if value.Sign() <= 0 || !value.IsUint64() || value.Uint64() > MaxDurationDays {
			return 0, 0, ErrInvalidDuration
		}
	}
	return timestamp, accountID, nil
}

// notifyLoanTransitions fires the once-per-loan aggregate notifications:
// opened when the ongoing sibling count crossed zero to positive, closed on
// the way back down. Intermediate count changes stay silent.
func (e *Engine) notifyLoanTransitions(before map[uint64]uint16, order []uint64) error {
	for _, firstID := range order {
		summary, err := e.LoanSummary(firstID)
		if err != nil {
			return err
		}
		prev := before[firstID]
		exposure := new(big.Int).Add(summary.TotalBorrowed, summary.TotalAddon)
		switch {
		case prev == 0 && summary.OngoingCount > 0:
			if e.creditLine != nil {
				if err := e.creditLine.OnBeforeLoanOpened(firstID, summary.Borrower, exposure); err != nil {
					return fmt.Errorf("lending: credit line rejected reopen: %w", err)
				}
			}
			e.emit(events.LendingLoanOpened{FirstSubLoanID: firstID, Borrower: summary.Borrower, TotalBorrowed: exposure})
		case prev > 0 && summary.OngoingCount == 0:
			if e.creditLine != nil {
				if err := e.creditLine.OnAfterLoanClosed(firstID, summary.Borrower, exposure); err != nil {
					return fmt.Errorf("lending: credit line rejected close: %w", err)
				}
			}
			e.emit(events.LendingLoanClosed{FirstSubLoanID: firstID, Borrower: summary.Borrower, TotalBorrowed: exposure})
		}
	}
	return nil
}

// LoanSummary scans the sibling group of a loan and aggregates it. The
// identifier must be the loan's first installment.
func (e *Engine) LoanSummary(firstID uint64) (*LoanSummary, error) {
	if e.state == nil {
		return nil, ErrNilState
	}
	first, err := e.loadSubLoan(firstID)
	if err != nil {
		return nil, err
	}
	if first.InstallmentIndex != 0 {
		return nil, fmt.Errorf("%w: sub-loan %d", ErrNotFirstSubLoan, firstID)
	}
	summary := &LoanSummary{
		FirstSubLoanID: firstID,
		Borrower:       first.Borrower,
		SubLoanCount:   first.InstallmentCount,
		TotalBorrowed:  big.NewInt(0),
		TotalAddon:     big.NewInt(0),
		TotalRepaid:    big.NewInt(0),
	}
	for i := uint64(0); i < uint64(first.InstallmentCount); i++ {
		sibling, err := e.loadSubLoan(firstID + i)
		if err != nil {
			return nil, err
		}
		summary.TotalBorrowed.Add(summary.TotalBorrowed, sibling.BorrowedAmount)
		summary.TotalAddon.Add(summary.TotalAddon, sibling.AddonAmount)
		summary.TotalRepaid.Add(summary.TotalRepaid, sibling.RepaidTotal())
		if sibling.Status == SubLoanStatusOngoing {
			summary.OngoingCount++
		}
	}
	return summary, nil
}
