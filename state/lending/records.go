package lending

import (
	"fmt"
	"math/big"

	"github.com/cloudwalk/brlc-monorepo-sub002/core/types"
	"github.com/cloudwalk/brlc-monorepo-sub002/crypto"
	"github.com/cloudwalk/brlc-monorepo-sub002/native/creditline"
	ledger "github.com/cloudwalk/brlc-monorepo-sub002/native/lending"
)

// storedSubLoan mirrors ledger.SubLoan with RLP-friendly field types. The
// borrower is persisted as its raw 20-byte payload; the bech32 prefix is
// display metadata and identical for every ledger account.
type storedSubLoan struct {
	ID               uint64
	Borrower         []byte
	ProgramID        uint32
	StartTimestamp   uint64
	InitialDuration  uint32
	BorrowedAmount   *big.Int
	AddonAmount      *big.Int
	InitialRates     ledger.Rates
	InstallmentIndex uint16
	InstallmentCount uint16
	OperationCount   uint32
	OperationHeadID  uint32
	OperationTailID  uint32
	AppliedCursorID  uint32
	PendingTimestamp uint64
	UpdateCounter    uint64
	Status           uint8
	DurationDays     uint32
	FreezeTimestamp  uint64
	TrackedTimestamp uint64
	Rates            ledger.Rates
	Principal        ledger.Bucket
	UpToDueInterest  ledger.Bucket
	PostDueInterest  ledger.Bucket
	MoratoryInterest ledger.Bucket
	LateFee          ledger.Bucket
	ClawbackFee      ledger.Bucket
}

func newStoredSubLoan(s *ledger.SubLoan) *storedSubLoan {
	return &storedSubLoan{
		ID:               s.ID,
		Borrower:         s.Borrower.Bytes(),
		ProgramID:        s.ProgramID,
		StartTimestamp:   s.StartTimestamp,
		InitialDuration:  s.InitialDuration,
		BorrowedAmount:   s.BorrowedAmount,
		AddonAmount:      s.AddonAmount,
		InitialRates:     s.InitialRates,
		InstallmentIndex: s.InstallmentIndex,
		InstallmentCount: s.InstallmentCount,
		OperationCount:   s.OperationCount,
		OperationHeadID:  s.OperationHeadID,
		OperationTailID:  s.OperationTailID,
		AppliedCursorID:  s.AppliedCursorID,
		PendingTimestamp: s.PendingTimestamp,
		UpdateCounter:    s.UpdateCounter,
		Status:           uint8(s.Status),
		DurationDays:     s.DurationDays,
		FreezeTimestamp:  s.FreezeTimestamp,
		TrackedTimestamp: s.TrackedTimestamp,
		Rates:            s.Rates,
		Principal:        s.Principal,
		UpToDueInterest:  s.UpToDueInterest,
		PostDueInterest:  s.PostDueInterest,
		MoratoryInterest: s.MoratoryInterest,
		LateFee:          s.LateFee,
		ClawbackFee:      s.ClawbackFee,
	}
}

func (r *storedSubLoan) toDomain() (*ledger.SubLoan, error) {
	subLoan := &ledger.SubLoan{
		ID:               r.ID,
		ProgramID:        r.ProgramID,
		StartTimestamp:   r.StartTimestamp,
		InitialDuration:  r.InitialDuration,
		BorrowedAmount:   r.BorrowedAmount,
		AddonAmount:      r.AddonAmount,
		InitialRates:     r.InitialRates,
		InstallmentIndex: r.InstallmentIndex,
		InstallmentCount: r.InstallmentCount,
		OperationCount:   r.OperationCount,
		OperationHeadID:  r.OperationHeadID,
		OperationTailID:  r.OperationTailID,
		AppliedCursorID:  r.AppliedCursorID,
		PendingTimestamp: r.PendingTimestamp,
		UpdateCounter:    r.UpdateCounter,
		Status:           ledger.SubLoanStatus(r.Status),
		DurationDays:     r.DurationDays,
		FreezeTimestamp:  r.FreezeTimestamp,
		TrackedTimestamp: r.TrackedTimestamp,
		Rates:            r.Rates,
		Principal:        r.Principal,
		UpToDueInterest:  r.UpToDueInterest,
		PostDueInterest:  r.PostDueInterest,
		MoratoryInterest: r.MoratoryInterest,
		LateFee:          r.LateFee,
		ClawbackFee:      r.ClawbackFee,
	}
	borrower, err := addressFromPayload(r.Borrower)
	if err != nil {
		return nil, fmt.Errorf("state: sub-loan %d: %w", r.ID, err)
	}
	subLoan.Borrower = borrower
	return subLoan, nil
}

// storedAccount holds a BRLC account record. RLP has no signed integers, so
// the balance persists as sign + magnitude.
type storedAccount struct {
	Nonce    uint64
	Negative bool
	Balance  *big.Int
}

func newStoredAccount(acc *types.Account) *storedAccount {
	rec := &storedAccount{Nonce: acc.Nonce, Balance: big.NewInt(0)}
	if acc.BalanceBRLC != nil {
		rec.Negative = acc.BalanceBRLC.Sign() < 0
		rec.Balance.Abs(acc.BalanceBRLC)
	}
	return rec
}

func (r *storedAccount) toDomain() *types.Account {
	acc := &types.Account{Nonce: r.Nonce, BalanceBRLC: big.NewInt(0)}
	if r.Balance != nil {
		acc.BalanceBRLC.Set(r.Balance)
		if r.Negative {
			acc.BalanceBRLC.Neg(acc.BalanceBRLC)
		}
	}
	return acc
}

type storedBorrowerStats struct {
	Borrower      []byte
	ActiveLoans   uint32
	ClosedLoans   uint32
	TotalExposure *big.Int
}

func newStoredBorrowerStats(stats *creditline.BorrowerStats) *storedBorrowerStats {
	return &storedBorrowerStats{
		Borrower:      stats.Borrower.Bytes(),
		ActiveLoans:   stats.ActiveLoans,
		ClosedLoans:   stats.ClosedLoans,
		TotalExposure: stats.TotalExposure,
	}
}

func (r *storedBorrowerStats) toDomain() (*creditline.BorrowerStats, error) {
	borrower, err := addressFromPayload(r.Borrower)
	if err != nil {
		return nil, fmt.Errorf("state: borrower stats: %w", err)
	}
	exposure := big.NewInt(0)
	if r.TotalExposure != nil {
		exposure.Set(r.TotalExposure)
	}
	return &creditline.BorrowerStats{
		Borrower:      borrower,
		ActiveLoans:   r.ActiveLoans,
		ClosedLoans:   r.ClosedLoans,
		TotalExposure: exposure,
	}, nil
}

// addressFromPayload rebuilds an address from its stored payload. Empty
// payloads map to the zero address; any other length is corruption.
func addressFromPayload(payload []byte) (crypto.Address, error) {
	switch len(payload) {
	case 0:
		return crypto.Address{}, nil
	case crypto.AddressLength:
		return crypto.NewAddress(crypto.BRLCPrefix, payload), nil
	default:
		return crypto.Address{}, fmt.Errorf("malformed address payload (%d bytes)", len(payload))
	}
}
