package lending

import (
	"fmt"
	"math/big"
)

// PreviewFlags selects optional sections of a preview response.
type PreviewFlags uint32

// PreviewFlagOperations includes the full operation journal in the preview.
const PreviewFlagOperations PreviewFlags = 1 << 0

// Reserved preview timestamps. Any other value previews at that moment.
const (
	// PreviewAtNow projects the sub-loan to the current clock.
	PreviewAtNow uint64 = 0
	// PreviewAtTracked freezes the projection at the persisted tracked
	// timestamp without extending accrual.
	PreviewAtTracked uint64 = 1
)

// BucketView is the externally visible shape of one accrual bucket.
type BucketView struct {
	Tracked  *big.Int `json:"tracked"`
	Repaid   *big.Int `json:"repaid"`
	Discount *big.Int `json:"discount"`
}

// OperationView is one journal record with the counterparty resolved back
// to its address.
type OperationView struct {
	ID        uint32   `json:"id"`
	Kind      string   `json:"kind"`
	Status    string   `json:"status"`
	Timestamp uint64   `json:"timestamp"`
	Value     *big.Int `json:"value"`
	Account   string   `json:"account"`
}

// SubLoanPreview is the projected state of one sub-loan at the preview
// target. It is computed on a working copy and never persisted.
type SubLoanPreview struct {
	ID                 uint64          `json:"id"`
	Borrower           string          `json:"borrower"`
	ProgramID          uint32          `json:"programId"`
	Status             string          `json:"status"`
	InstallmentIndex   uint16          `json:"installmentIndex"`
	InstallmentCount   uint16          `json:"installmentCount"`
	StartTimestamp     uint64          `json:"startTimestamp"`
	TrackedTimestamp   uint64          `json:"trackedTimestamp"`
	PendingTimestamp   uint64          `json:"pendingTimestamp"`
	FreezeTimestamp    uint64          `json:"freezeTimestamp"`
	DurationDays       uint32          `json:"durationDays"`
	DueTimestamp       uint64          `json:"dueTimestamp"`
	Rates              Rates           `json:"rates"`
	BorrowedAmount     *big.Int        `json:"borrowedAmount"`
	AddonAmount        *big.Int        `json:"addonAmount"`
	Principal          BucketView      `json:"principal"`
	UpToDue            BucketView      `json:"upToDue"`
	PostDue            BucketView      `json:"postDue"`
	Moratory           BucketView      `json:"moratory"`
	LateFee            BucketView      `json:"lateFee"`
	Clawback           BucketView      `json:"clawback"`
	Outstanding        *big.Int        `json:"outstanding"`
	OutstandingRounded *big.Int        `json:"outstandingRounded"`
	RepaidTotal        *big.Int        `json:"repaidTotal"`
	OperationCount     uint32          `json:"operationCount"`
	UpdateCounter      uint64          `json:"updateCounter"`
	Operations         []OperationView `json:"operations,omitempty"`
}

// LoanPreview aggregates the previews of every sibling sub-loan of a loan.
type LoanPreview struct {
	FirstSubLoanID   uint64            `json:"firstSubLoanId"`
	Borrower         string            `json:"borrower"`
	SubLoanCount     uint16            `json:"subLoanCount"`
	OngoingCount     uint16            `json:"ongoingCount"`
	TotalBorrowed    *big.Int          `json:"totalBorrowed"`
	TotalAddon       *big.Int          `json:"totalAddon"`
	TotalRepaid      *big.Int          `json:"totalRepaid"`
	TotalOutstanding *big.Int          `json:"totalOutstanding"`
	SubLoans         []*SubLoanPreview `json:"subLoans"`
}

// GetSubLoanPreview projects one sub-loan to the preview target. Timestamp 0
// previews at now, 1 freezes the projection at the tracked timestamp and any
// other value previews at that moment, past or future.
func (e *Engine) GetSubLoanPreview(subLoanID uint64, timestamp uint64, flags PreviewFlags) (*SubLoanPreview, error) {
	if e.state == nil {
		return nil, ErrNilState
	}
	projected, err := e.previewSubLoan(subLoanID, timestamp)
	if err != nil {
		return nil, err
	}
	return e.buildSubLoanPreview(projected, flags)
}

// GetLoanPreview projects every sibling of a loan to the same preview target
// and aggregates them. The identifier must be the loan's first installment.
func (e *Engine) GetLoanPreview(firstID uint64, timestamp uint64, flags PreviewFlags) (*LoanPreview, error) {
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

	preview := &LoanPreview{
		FirstSubLoanID:   firstID,
		Borrower:         first.Borrower.String(),
		SubLoanCount:     first.InstallmentCount,
		TotalBorrowed:    big.NewInt(0),
		TotalAddon:       big.NewInt(0),
		TotalRepaid:      big.NewInt(0),
		TotalOutstanding: big.NewInt(0),
		SubLoans:         make([]*SubLoanPreview, 0, first.InstallmentCount),
	}
	for i := uint64(0); i < uint64(first.InstallmentCount); i++ {
		projected, err := e.previewSubLoan(firstID+i, timestamp)
		if err != nil {
			return nil, err
		}
		view, err := e.buildSubLoanPreview(projected, flags)
		if err != nil {
			return nil, err
		}
		preview.SubLoans = append(preview.SubLoans, view)
		preview.TotalBorrowed.Add(preview.TotalBorrowed, projected.BorrowedAmount)
		preview.TotalAddon.Add(preview.TotalAddon, projected.AddonAmount)
		preview.TotalRepaid.Add(preview.TotalRepaid, projected.RepaidTotal())
		preview.TotalOutstanding.Add(preview.TotalOutstanding, projected.OutstandingTotal())
		if projected.Status == SubLoanStatusOngoing {
			preview.OngoingCount++
		}
	}
	return preview, nil
}

// ListSubLoans pages through the sub-loan registry in identifier order. The
// returned previews are frozen at each sub-loan's tracked timestamp so the
// listing reflects persisted state without extending accrual.
func (e *Engine) ListSubLoans(offset uint64, limit uint32) ([]*SubLoanPreview, uint64, error) {
	if e.state == nil {
		return nil, 0, ErrNilState
	}
	total, err := e.state.SubLoanCount()
	if err != nil {
		return nil, 0, err
	}
	if offset >= total || limit == 0 {
		return nil, total, nil
	}
	end := offset + uint64(limit)
	if end > total || end < offset {
		end = total
	}
	previews := make([]*SubLoanPreview, 0, end-offset)
	for id := offset + 1; id <= end; id++ {
		projected, err := e.previewSubLoan(id, 1)
		if err != nil {
			return nil, 0, err
		}
		view, err := e.buildSubLoanPreview(projected, 0)
		if err != nil {
			return nil, 0, err
		}
		previews = append(previews, view)
	}
	return previews, total, nil
}

func (e *Engine) buildSubLoanPreview(subLoan *SubLoan, flags PreviewFlags) (*SubLoanPreview, error) {
	outstanding := subLoan.OutstandingTotal()
	view := &SubLoanPreview{
		ID:                 subLoan.ID,
		Borrower:           subLoan.Borrower.String(),
		ProgramID:          subLoan.ProgramID,
		Status:             subLoan.Status.String(),
		InstallmentIndex:   subLoan.InstallmentIndex,
		InstallmentCount:   subLoan.InstallmentCount,
		StartTimestamp:     subLoan.StartTimestamp,
		TrackedTimestamp:   subLoan.TrackedTimestamp,
		PendingTimestamp:   subLoan.PendingTimestamp,
		FreezeTimestamp:    subLoan.FreezeTimestamp,
		DurationDays:       subLoan.DurationDays,
		DueTimestamp:       DayStart(subLoan.DueDay()),
		Rates:              subLoan.Rates,
		BorrowedAmount:     copyAmount(subLoan.BorrowedAmount),
		AddonAmount:        copyAmount(subLoan.AddonAmount),
		Principal:          bucketView(&subLoan.Principal),
		UpToDue:            bucketView(&subLoan.UpToDueInterest),
		PostDue:            bucketView(&subLoan.PostDueInterest),
		Moratory:           bucketView(&subLoan.MoratoryInterest),
		LateFee:            bucketView(&subLoan.LateFee),
		Clawback:           bucketView(&subLoan.ClawbackFee),
		Outstanding:        outstanding,
		OutstandingRounded: FinancialRound(outstanding),
		RepaidTotal:        subLoan.RepaidTotal(),
		OperationCount:     subLoan.OperationCount,
		UpdateCounter:      subLoan.UpdateCounter,
	}
	if flags&PreviewFlagOperations != 0 {
		operations, err := e.listOperations(subLoan)
		if err != nil {
			return nil, err
		}
		view.Operations = operations
	}
	return view, nil
}

// listOperations walks the journal head to tail and materializes every
// record, including voided ones.
func (e *Engine) listOperations(subLoan *SubLoan) ([]OperationView, error) {
	views := make([]OperationView, 0, subLoan.OperationCount)
	for id := subLoan.OperationHeadID; id != 0; {
		op, err := e.loadOperation(subLoan.ID, id)
		if err != nil {
			return nil, err
		}
		view := OperationView{
			ID:        op.ID,
			Kind:      op.Kind.String(),
			Status:    op.Status.String(),
			Timestamp: op.Timestamp,
			Value:     copyAmount(op.Value),
		}
		if op.Kind == OperationKindRepayment {
			account, err := e.accountAddress(subLoan, op.AccountID)
			if err != nil {
				return nil, err
			}
			view.Account = account.String()
		}
		views = append(views, view)
		id = op.NextID
	}
	return views, nil
}

func bucketView(bucket *Bucket) BucketView {
	return BucketView{
		Tracked:  copyAmount(bucket.Tracked),
		Repaid:   copyAmount(bucket.Repaid),
		Discount: copyAmount(bucket.Discount),
	}
}
