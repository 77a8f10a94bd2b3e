package creditline

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/cloudwalk/brlc-monorepo-sub002/crypto"
)

// Package creditline tracks per-borrower aggregate exposure across loans and
// vetoes new loans that would breach the configured policy. It plugs into
// the lending engine through its CreditLine hook points.

var (
	ErrNilState        = errors.New("creditline: state not configured")
	ErrInvalidBorrower = errors.New("creditline: invalid borrower address")
	ErrTooManyLoans    = errors.New("creditline: active loan limit reached")
	ErrExposureLimit   = errors.New("creditline: exposure limit exceeded")
)

// BorrowerStats aggregates a borrower's footprint across all of their loans.
type BorrowerStats struct {
	Borrower      crypto.Address
	ActiveLoans   uint32
	ClosedLoans   uint32
	TotalExposure *big.Int
}

// Clone returns a deep copy safe to hand across the state boundary.
func (s *BorrowerStats) Clone() *BorrowerStats {
	if s == nil {
		return nil
	}
	cloned := *s
	if s.TotalExposure != nil {
		cloned.TotalExposure = new(big.Int).Set(s.TotalExposure)
	}
	return &cloned
}

// State is the narrow persistence surface the credit line depends on. The
// getter returns (nil, nil) for borrowers without history.
type State interface {
	GetBorrowerStats(addr crypto.Address) (*BorrowerStats, error)
	PutBorrowerStats(stats *BorrowerStats) error
}

// Policy caps the per-borrower footprint. Zero values disable the
// corresponding check.
type Policy struct {
	MaxActiveLoans uint32
	MaxExposure    *big.Int
}

// Engine enforces the policy and keeps borrower statistics current.
type Engine struct {
	state  State
	policy Policy
}

// NewEngine constructs an unwired engine. SetState must be called before use.
func NewEngine() *Engine {
	return &Engine{}
}

// SetState wires the engine to its persistence layer.
func (e *Engine) SetState(state State) {
	if e == nil {
		return
	}
	e.state = state
}

// SetPolicy replaces the policy caps.
func (e *Engine) SetPolicy(policy Policy) {
	if e == nil {
		return
	}
	e.policy = policy
	if e.policy.MaxExposure != nil {
		e.policy.MaxExposure = new(big.Int).Set(policy.MaxExposure)
	}
}

func (e *Engine) loadStats(addr crypto.Address) (*BorrowerStats, error) {
	if e.state == nil {
		return nil, ErrNilState
	}
	stats, err := e.state.GetBorrowerStats(addr)
	if err != nil {
		return nil, err
	}
	if stats == nil {
		return &BorrowerStats{Borrower: addr, TotalExposure: big.NewInt(0)}, nil
	}
	stats = stats.Clone()
	if stats.TotalExposure == nil {
		stats.TotalExposure = big.NewInt(0)
	}
	return stats, nil
}

// OnBeforeLoanOpened admits or rejects a loan opening. On admission the
// borrower's active count and exposure grow by the loan's footprint.
func (e *Engine) OnBeforeLoanOpened(_ uint64, borrower crypto.Address, totalBorrowed *big.Int) error {
	if borrower.IsZero() {
		return ErrInvalidBorrower
	}
	stats, err := e.loadStats(borrower)
	if err != nil {
		return err
	}
	if e.policy.MaxActiveLoans != 0 && stats.ActiveLoans >= e.policy.MaxActiveLoans {
		return fmt.Errorf("%w: %d active", ErrTooManyLoans, stats.ActiveLoans)
	}
	exposure := new(big.Int).Set(stats.TotalExposure)
	if totalBorrowed != nil {
		exposure.Add(exposure, totalBorrowed)
	}
	if e.policy.MaxExposure != nil && e.policy.MaxExposure.Sign() > 0 && exposure.Cmp(e.policy.MaxExposure) > 0 {
		return fmt.Errorf("%w: %s over %s", ErrExposureLimit, exposure, e.policy.MaxExposure)
	}
	stats.ActiveLoans++
	stats.TotalExposure = exposure
	return e.state.PutBorrowerStats(stats)
}

// OnAfterLoanClosed releases the loan's footprint from the borrower's stats.
// Close events for unknown borrowers are tolerated so that replays of old
// journals cannot wedge on missing statistics.
func (e *Engine) OnAfterLoanClosed(_ uint64, borrower crypto.Address, totalBorrowed *big.Int) error {
	if borrower.IsZero() {
		return ErrInvalidBorrower
	}
	stats, err := e.loadStats(borrower)
	if err != nil {
		return err
	}
	if stats.ActiveLoans > 0 {
		stats.ActiveLoans--
		stats.ClosedLoans++
	}
	if totalBorrowed != nil {
		stats.TotalExposure.Sub(stats.TotalExposure, totalBorrowed)
		if stats.TotalExposure.Sign() < 0 {
			stats.TotalExposure = big.NewInt(0)
		}
	}
	return e.state.PutBorrowerStats(stats)
}

// BorrowerStats returns the persisted statistics for a borrower, or zeroed
// stats for borrowers without history.
func (e *Engine) BorrowerStats(borrower crypto.Address) (*BorrowerStats, error) {
	if borrower.IsZero() {
		return nil, ErrInvalidBorrower
	}
	return e.loadStats(borrower)
}
