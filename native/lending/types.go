package lending

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/cloudwalk/brlc-monorepo-sub002/crypto"
)

// SubLoanStatus tracks the lifecycle of a single installment. The zero value
// means the identifier has never been allocated.
type SubLoanStatus uint8

const (
	SubLoanStatusNonexistent SubLoanStatus = iota
	SubLoanStatusOngoing
	SubLoanStatusRepaid
	SubLoanStatusRevoked
)

// Valid reports whether the status is one of the defined states.
func (s SubLoanStatus) Valid() bool {
	switch s {
	case SubLoanStatusNonexistent, SubLoanStatusOngoing, SubLoanStatusRepaid, SubLoanStatusRevoked:
		return true
	default:
		return false
	}
}

func (s SubLoanStatus) String() string {
	switch s {
	case SubLoanStatusNonexistent:
		return "nonexistent"
	case SubLoanStatusOngoing:
		return "ongoing"
	case SubLoanStatusRepaid:
		return "repaid"
	case SubLoanStatusRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// OperationStatus tracks one journal record. Pending flips to Applied exactly
// once; Dismissed and Revoked terminate a record without deleting it.
type OperationStatus uint8

const (
	OperationStatusNonexistent OperationStatus = iota
	OperationStatusPending
	OperationStatusApplied
	OperationStatusDismissed
	OperationStatusRevoked
)

// Active reports whether the record still participates in replay.
func (s OperationStatus) Active() bool {
	return s == OperationStatusPending || s == OperationStatusApplied
}

// Voided reports whether the record was cancelled through the voiding API.
func (s OperationStatus) Voided() bool {
	return s == OperationStatusDismissed || s == OperationStatusRevoked
}

func (s OperationStatus) String() string {
	switch s {
	case OperationStatusNonexistent:
		return "nonexistent"
	case OperationStatusPending:
		return "pending"
	case OperationStatusApplied:
		return "applied"
	case OperationStatusDismissed:
		return "dismissed"
	case OperationStatusRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// OperationKind enumerates the journal record types.
type OperationKind uint8

const (
	OperationKindUnspecified OperationKind = iota
	OperationKindRepayment
	OperationKindDiscount
	OperationKindRevocation
	OperationKindFreezing
	OperationKindUnfreezing
	OperationKindRateUpToDue
	OperationKindRatePostDue
	OperationKindRateMoratory
	OperationKindRateLateFee
	OperationKindRateClawback
	OperationKindDuration
)

// Valid reports whether the kind is one of the defined record types.
func (k OperationKind) Valid() bool {
	return k >= OperationKindRepayment && k <= OperationKindDuration
}

func (k OperationKind) String() string {
	switch k {
	case OperationKindRepayment:
		return "repayment"
	case OperationKindDiscount:
		return "discount"
	case OperationKindRevocation:
		return "revocation"
	case OperationKindFreezing:
		return "freezing"
	case OperationKindUnfreezing:
		return "unfreezing"
	case OperationKindRateUpToDue:
		return "rate_up_to_due"
	case OperationKindRatePostDue:
		return "rate_post_due"
	case OperationKindRateMoratory:
		return "rate_moratory"
	case OperationKindRateLateFee:
		return "rate_late_fee"
	case OperationKindRateClawback:
		return "rate_clawback"
	case OperationKindDuration:
		return "duration"
	default:
		return "unspecified"
	}
}

// ParseOperationKind maps a wire label back to its operation kind.
func ParseOperationKind(label string) (OperationKind, error) {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "repayment":
		return OperationKindRepayment, nil
	case "discount":
		return OperationKindDiscount, nil
	case "revocation":
		return OperationKindRevocation, nil
	case "freezing":
		return OperationKindFreezing, nil
	case "unfreezing":
		return OperationKindUnfreezing, nil
	case "rate_up_to_due":
		return OperationKindRateUpToDue, nil
	case "rate_post_due":
		return OperationKindRatePostDue, nil
	case "rate_moratory":
		return OperationKindRateMoratory, nil
	case "rate_late_fee":
		return OperationKindRateLateFee, nil
	case "rate_clawback":
		return OperationKindRateClawback, nil
	case "duration":
		return OperationKindDuration, nil
	default:
		return OperationKindUnspecified, fmt.Errorf("%w: %q", ErrInvalidKind, label)
	}
}

// Rates carries the five per-day rates of a sub-loan, each scaled by
// RateFactor.
type Rates struct {
	UpToDue  uint64 `json:"upToDue"`
	PostDue  uint64 `json:"postDue"`
	Moratory uint64 `json:"moratory"`
	LateFee  uint64 `json:"lateFee"`
	Clawback uint64 `json:"clawback"`
}

// Valid reports whether every rate is within [0, RateFactor].
func (r Rates) Valid() bool {
	return r.UpToDue <= RateFactor &&
		r.PostDue <= RateFactor &&
		r.Moratory <= RateFactor &&
		r.LateFee <= RateFactor &&
		r.Clawback <= RateFactor
}

// Bucket splits one balance category into its tracked (outstanding), repaid
// and discounted sub-amounts, all in internal base units.
type Bucket struct {
	Tracked  *big.Int
	Repaid   *big.Int
	Discount *big.Int
}

func (b Bucket) Clone() Bucket {
	return Bucket{
		Tracked:  copyAmount(b.Tracked),
		Repaid:   copyAmount(b.Repaid),
		Discount: copyAmount(b.Discount),
	}
}

func (b *Bucket) normalize() {
	if b.Tracked == nil {
		b.Tracked = big.NewInt(0)
	}
	if b.Repaid == nil {
		b.Repaid = big.NewInt(0)
	}
	if b.Discount == nil {
		b.Discount = big.NewInt(0)
	}
}

// SubLoan is the full record of one installment: immutable inception data,
// journal metadata and the replayable tracked state.
type SubLoan struct {
	ID              uint64
	Borrower        crypto.Address
	ProgramID       uint32
	StartTimestamp  uint64
	InitialDuration uint32
	BorrowedAmount  *big.Int
	AddonAmount     *big.Int
	InitialRates    Rates

	// Position within the owning loan. The loan is identified by the ID of
	// its first installment: FirstSiblingID() == ID - InstallmentIndex.
	InstallmentIndex uint16
	InstallmentCount uint16

	// Journal metadata. Operation identifiers are allocated sequentially
	// from 1 and never reused; 0 is the nil link.
	OperationCount   uint32
	OperationHeadID  uint32
	OperationTailID  uint32
	AppliedCursorID  uint32
	PendingTimestamp uint64
	UpdateCounter    uint64

	// Replayable tracked state.
	Status           SubLoanStatus
	DurationDays     uint32
	FreezeTimestamp  uint64
	TrackedTimestamp uint64
	Rates            Rates

	Principal        Bucket
	UpToDueInterest  Bucket
	PostDueInterest  Bucket
	MoratoryInterest Bucket
	LateFee          Bucket
	ClawbackFee      Bucket
}

// FirstSiblingID returns the identifier of the loan's first installment.
func (s *SubLoan) FirstSiblingID() uint64 {
	return s.ID - uint64(s.InstallmentIndex)
}

// StartDay returns the ledger day on which the sub-loan began.
func (s *SubLoan) StartDay() uint64 {
	return DayIndex(s.StartTimestamp)
}

// DueDay returns the ledger day on which the sub-loan matures under its
// current duration.
func (s *SubLoan) DueDay() uint64 {
	return s.StartDay() + uint64(s.DurationDays)
}

// waterfallBuckets returns the buckets in repayment consumption order.
func (s *SubLoan) waterfallBuckets() []*Bucket {
	return []*Bucket{
		&s.PostDueInterest,
		&s.MoratoryInterest,
		&s.LateFee,
		&s.ClawbackFee,
		&s.UpToDueInterest,
		&s.Principal,
	}
}

// OutstandingTotal sums the tracked sub-amount of every bucket.
func (s *SubLoan) OutstandingTotal() *big.Int {
	total := big.NewInt(0)
	for _, bucket := range s.waterfallBuckets() {
		if bucket.Tracked != nil {
			total.Add(total, bucket.Tracked)
		}
	}
	return total
}

// RepaidTotal sums the repaid sub-amount of every bucket.
func (s *SubLoan) RepaidTotal() *big.Int {
	total := big.NewInt(0)
	for _, bucket := range s.waterfallBuckets() {
		if bucket.Repaid != nil {
			total.Add(total, bucket.Repaid)
		}
	}
	return total
}

// Clone returns a deep copy suitable for use as a replay working copy.
func (s *SubLoan) Clone() *SubLoan {
	if s == nil {
		return nil
	}
	cloned := *s
	cloned.BorrowedAmount = copyAmount(s.BorrowedAmount)
	cloned.AddonAmount = copyAmount(s.AddonAmount)
	cloned.Principal = s.Principal.Clone()
	cloned.UpToDueInterest = s.UpToDueInterest.Clone()
	cloned.PostDueInterest = s.PostDueInterest.Clone()
	cloned.MoratoryInterest = s.MoratoryInterest.Clone()
	cloned.LateFee = s.LateFee.Clone()
	cloned.ClawbackFee = s.ClawbackFee.Clone()
	return &cloned
}

func (s *SubLoan) normalize() {
	if s.BorrowedAmount == nil {
		s.BorrowedAmount = big.NewInt(0)
	}
	if s.AddonAmount == nil {
		s.AddonAmount = big.NewInt(0)
	}
	s.Principal.normalize()
	s.UpToDueInterest.normalize()
	s.PostDueInterest.normalize()
	s.MoratoryInterest.normalize()
	s.LateFee.normalize()
	s.ClawbackFee.normalize()
}

// Operation is one journal record. PrevID and NextID thread the records in
// (timestamp, id) ascending order.
type Operation struct {
	ID        uint32
	Kind      OperationKind
	Status    OperationStatus
	PrevID    uint32
	NextID    uint32
	Timestamp uint64
	Value     *big.Int
	AccountID uint64
}

// Before reports whether o precedes other in journal order.
func (o *Operation) Before(other *Operation) bool {
	if o.Timestamp != other.Timestamp {
		return o.Timestamp < other.Timestamp
	}
	return o.ID < other.ID
}

// Clone returns a deep copy of the record.
func (o *Operation) Clone() *Operation {
	if o == nil {
		return nil
	}
	cloned := *o
	cloned.Value = copyAmount(o.Value)
	return &cloned
}

// LoanSummary aggregates the sibling sub-loans of one loan. It is computed
// on demand and never persisted.
type LoanSummary struct {
	FirstSubLoanID uint64
	Borrower       crypto.Address
	SubLoanCount   uint16
	OngoingCount   uint16
	TotalBorrowed  *big.Int
	TotalAddon     *big.Int
	TotalRepaid    *big.Int
}
