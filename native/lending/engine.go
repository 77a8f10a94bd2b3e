package lending

import (
	"fmt"
	"time"

	"github.com/cloudwalk/brlc-monorepo-sub002/core/events"
	"github.com/cloudwalk/brlc-monorepo-sub002/crypto"
)

// Engine orchestrates the sub-loan ledger: journal mutation, deterministic
// replay with day-granular accrual, the repayment waterfall and loan-level
// aggregation. All value movement goes through the Treasury collaborator and
// all persistence through LedgerState; the engine itself is stateless between
// requests apart from its wiring.
type Engine struct {
	state         LedgerState
	treasury      Treasury
	creditLine    CreditLine
	emitter       events.Emitter
	meter         Meter
	addonTreasury crypto.Address
	nowFn         func() uint64
}

// NewEngine constructs an unwired engine. SetState and SetTreasury must be
// called before any mutating request.
func NewEngine() *Engine {
	return &Engine{}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state LedgerState) { e.state = state }

// SetTreasury wires the value-custody collaborator.
func (e *Engine) SetTreasury(treasury Treasury) {
	if e == nil {
		return
	}
	e.treasury = treasury
}

// SetCreditLine wires the optional credit-line collaborator.
func (e *Engine) SetCreditLine(creditLine CreditLine) {
	if e == nil {
		return
	}
	e.creditLine = creditLine
}

// SetEmitter wires the event sink used for applied-operation notifications.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if e == nil {
		return
	}
	e.emitter = emitter
}

// SetMeter wires the optional telemetry collaborator.
func (e *Engine) SetMeter(meter Meter) {
	if e == nil {
		return
	}
	e.meter = meter
}

// SetAddonTreasury configures the account that receives financed addon
// amounts at take time and returns them on revocation.
func (e *Engine) SetAddonTreasury(addr crypto.Address) {
	if e == nil {
		return
	}
	e.addonTreasury = addr
}

// SetNowFunc overrides the wall clock, primarily for tests.
func (e *Engine) SetNowFunc(now func() uint64) {
	if e == nil {
		return
	}
	e.nowFn = now
}

func (e *Engine) now() uint64 {
	if e.nowFn != nil {
		return e.nowFn()
	}
	return uint64(time.Now().Unix())
}

func (e *Engine) emit(event events.Event) {
	if e.emitter == nil {
		return
	}
	e.emitter.Emit(event)
}

func (e *Engine) requireWiring() error {
	if e.state == nil {
		return ErrNilState
	}
	if e.treasury == nil {
		return ErrNilTreasury
	}
	return nil
}

// loadSubLoan fetches a fresh working copy of a sub-loan or fails with the
// identifier attached. Cloning at the boundary keeps previews from mutating
// whatever the state implementation hands back.
func (e *Engine) loadSubLoan(id uint64) (*SubLoan, error) {
	subLoan, err := e.state.GetSubLoan(id)
	if err != nil {
		return nil, err
	}
	if subLoan == nil || subLoan.Status == SubLoanStatusNonexistent {
		return nil, fmt.Errorf("%w: sub-loan %d", ErrSubLoanNotExist, id)
	}
	subLoan = subLoan.Clone()
	subLoan.normalize()
	return subLoan, nil
}

func (e *Engine) loadOperation(subLoanID uint64, operationID uint32) (*Operation, error) {
	if operationID == 0 {
		return nil, fmt.Errorf("%w: sub-loan %d operation 0", ErrOperationNotExist, subLoanID)
	}
	op, err := e.state.GetOperation(subLoanID, operationID)
	if err != nil {
		return nil, err
	}
	if op == nil || op.Status == OperationStatusNonexistent {
		return nil, fmt.Errorf("%w: sub-loan %d operation %d", ErrOperationNotExist, subLoanID, operationID)
	}
	return op.Clone(), nil
}

// persistSubLoan bumps the update counter and writes the record back.
func (e *Engine) persistSubLoan(subLoan *SubLoan) error {
	subLoan.UpdateCounter++
	return e.state.PutSubLoan(subLoan)
}
