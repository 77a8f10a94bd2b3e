package core

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/cloudwalk/brlc-monorepo-sub002/core/events"
	"github.com/cloudwalk/brlc-monorepo-sub002/crypto"
	"github.com/cloudwalk/brlc-monorepo-sub002/native/creditline"
	"github.com/cloudwalk/brlc-monorepo-sub002/native/lending"
	ledgerstate "github.com/cloudwalk/brlc-monorepo-sub002/state/lending"
	"github.com/cloudwalk/brlc-monorepo-sub002/storage"
)

// Node is the central controller, wiring the ledger engines to storage.
//
// Every request runs against a fresh state session: writes commit the
// session only when the whole request succeeds, reads always discard it.
// The engines keep no state of their own between requests, so a single
// mutex serialises all ledger work.
type Node struct {
	db     storage.Database
	store  *ledgerstate.Store
	ledger *lending.Engine
	credit *creditline.Engine

	stateMu sync.Mutex

	streamMu      sync.Mutex
	streamSeq     uint64
	streamNextID  uint64
	streamSubs    map[uint64]chan EventUpdate
	streamHistory []EventUpdate
}

// NodeConfig carries the ledger wiring the daemon resolves from its config
// file. The pool address is required; everything else is optional.
type NodeConfig struct {
	// PoolAddress is the liquidity pool account all transfers settle against.
	PoolAddress crypto.Address
	// AddonTreasury receives addon amounts at disbursement when set.
	AddonTreasury crypto.Address
	// MaxActiveLoans caps concurrently ongoing loans per borrower. Zero
	// disables the check.
	MaxActiveLoans uint32
	// MaxExposure caps the outstanding principal per borrower. Nil disables
	// the check.
	MaxExposure *big.Int
	// NowFunc overrides the ledger clock, mainly for tests.
	NowFunc func() uint64
	// Meter receives processing telemetry when set.
	Meter lending.Meter
}

// NewNode wires the lending and credit-line engines over the database.
func NewNode(db storage.Database, cfg NodeConfig) (*Node, error) {
	if cfg.PoolAddress.IsZero() {
		return nil, fmt.Errorf("core: liquidity pool address required")
	}
	store, err := ledgerstate.NewStore(db, cfg.PoolAddress)
	if err != nil {
		return nil, err
	}

	node := &Node{
		db:    db,
		store: store,
	}

	credit := creditline.NewEngine()
	credit.SetPolicy(creditline.Policy{
		MaxActiveLoans: cfg.MaxActiveLoans,
		MaxExposure:    cfg.MaxExposure,
	})

	ledger := lending.NewEngine()
	ledger.SetCreditLine(credit)
	ledger.SetEmitter(node)
	if !cfg.AddonTreasury.IsZero() {
		ledger.SetAddonTreasury(cfg.AddonTreasury)
	}
	if cfg.NowFunc != nil {
		ledger.SetNowFunc(cfg.NowFunc)
	}
	if cfg.Meter != nil {
		ledger.SetMeter(cfg.Meter)
	}

	node.ledger = ledger
	node.credit = credit
	return node, nil
}

// bind points both engines at the session for the duration of one request.
func (n *Node) bind(session *ledgerstate.Session) {
	n.ledger.SetState(session)
	n.ledger.SetTreasury(session)
	n.credit.SetState(session)
}

// withLedger runs one mutating request. The session commits only when fn
// succeeds; any error discards every pending write.
func (n *Node) withLedger(fn func(*lending.Engine) error) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	session := n.store.Begin()
	n.bind(session)
	if err := fn(n.ledger); err != nil {
		session.Discard()
		return err
	}
	return session.Commit()
}

// viewLedger runs one read-only request. The session is always discarded, so
// previews never leave a trace even though they replay the full journal.
func (n *Node) viewLedger(fn func(*lending.Engine) error) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	session := n.store.Begin()
	n.bind(session)
	defer session.Discard()
	return fn(n.ledger)
}

// TakeLoan opens one loan as a batch of sibling sub-loans and returns the
// identifier of the first installment.
func (n *Node) TakeLoan(req lending.TakeLoanRequest) (uint64, error) {
	var firstID uint64
	err := n.withLedger(func(eng *lending.Engine) error {
		id, err := eng.TakeLoan(req)
		if err != nil {
			return err
		}
		firstID = id
		return nil
	})
	if err != nil {
		return 0, err
	}
	return firstID, nil
}

// RevokeLoan revokes every ongoing sub-loan of the loan starting at firstID.
func (n *Node) RevokeLoan(firstID uint64) error {
	return n.withLedger(func(eng *lending.Engine) error {
		return eng.RevokeLoan(firstID)
	})
}

// SubmitOperations appends a batch of journal operations atomically.
func (n *Node) SubmitOperations(requests []lending.OperationRequest) ([]lending.OperationReceipt, error) {
	var receipts []lending.OperationReceipt
	err := n.withLedger(func(eng *lending.Engine) error {
		out, err := eng.SubmitOperations(requests)
		if err != nil {
			return err
		}
		receipts = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return receipts, nil
}

// VoidOperations dismisses or revokes a batch of journal operations
// atomically.
func (n *Node) VoidOperations(requests []lending.VoidRequest) ([]lending.VoidReceipt, error) {
	var receipts []lending.VoidReceipt
	err := n.withLedger(func(eng *lending.Engine) error {
		out, err := eng.VoidOperations(requests)
		if err != nil {
			return err
		}
		receipts = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return receipts, nil
}

// SubLoanPreview projects one sub-loan to the requested timestamp.
func (n *Node) SubLoanPreview(subLoanID, timestamp uint64, flags lending.PreviewFlags) (*lending.SubLoanPreview, error) {
	var preview *lending.SubLoanPreview
	err := n.viewLedger(func(eng *lending.Engine) error {
		out, err := eng.GetSubLoanPreview(subLoanID, timestamp, flags)
		if err != nil {
			return err
		}
		preview = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return preview, nil
}

// LoanPreview projects every installment of a loan to the requested
// timestamp and aggregates them.
func (n *Node) LoanPreview(firstID, timestamp uint64, flags lending.PreviewFlags) (*lending.LoanPreview, error) {
	var preview *lending.LoanPreview
	err := n.viewLedger(func(eng *lending.Engine) error {
		out, err := eng.GetLoanPreview(firstID, timestamp, flags)
		if err != nil {
			return err
		}
		preview = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return preview, nil
}

// ListSubLoans pages through the sub-loan registry in identifier order.
func (n *Node) ListSubLoans(offset uint64, limit uint32) ([]*lending.SubLoanPreview, uint64, error) {
	var (
		previews []*lending.SubLoanPreview
		total    uint64
	)
	err := n.viewLedger(func(eng *lending.Engine) error {
		out, count, err := eng.ListSubLoans(offset, limit)
		if err != nil {
			return err
		}
		previews = out
		total = count
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return previews, total, nil
}

// ListOperations returns the full journal of one sub-loan, head to tail,
// including voided records.
func (n *Node) ListOperations(subLoanID uint64) ([]lending.OperationView, error) {
	preview, err := n.SubLoanPreview(subLoanID, lending.PreviewAtTracked, lending.PreviewFlagOperations)
	if err != nil {
		return nil, err
	}
	return preview.Operations, nil
}

// BorrowerStats returns the borrower's aggregate credit-line footprint.
func (n *Node) BorrowerStats(borrower crypto.Address) (*creditline.BorrowerStats, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	session := n.store.Begin()
	n.bind(session)
	defer session.Discard()
	return n.credit.BorrowerStats(borrower)
}

// PoolAddress returns the liquidity pool account the node settles against.
func (n *Node) PoolAddress() crypto.Address {
	return n.store.PoolAddress()
}

var _ events.Emitter = (*Node)(nil)
