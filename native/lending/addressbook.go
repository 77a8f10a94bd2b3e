package lending

import (
	"fmt"

	"github.com/cloudwalk/brlc-monorepo-sub002/crypto"
)

// The address book interns repayment counterparties so journal records carry
// a compact numeric reference instead of a 20-byte address. Identifiers are
// allocated append-only from 1; BorrowerAccountID (0) is reserved and always
// resolves to the owning sub-loan's borrower.

// resolveAccountID returns the identifier for addr, allocating the next one
// on first sight. Resolution is idempotent: the same address always maps to
// the same identifier.
func (e *Engine) resolveAccountID(addr crypto.Address) (uint64, error) {
	if addr.IsZero() {
		return BorrowerAccountID, nil
	}
	id, ok, err := e.state.AccountIDByAddress(addr)
	if err != nil {
		return 0, err
	}
	if ok {
		return id, nil
	}
	count, err := e.state.AccountCount()
	if err != nil {
		return 0, err
	}
	next := count + 1
	if next == 0 {
		return 0, ErrCounterOverflow
	}
	if err := e.state.PutAccountID(addr, next); err != nil {
		return 0, err
	}
	if err := e.state.SetAccountCount(next); err != nil {
		return 0, err
	}
	return next, nil
}

// accountAddress maps a journal account reference back to a transferable
// address in the context of one sub-loan.
func (e *Engine) accountAddress(subLoan *SubLoan, accountID uint64) (crypto.Address, error) {
	if accountID == BorrowerAccountID {
		return subLoan.Borrower, nil
	}
	addr, ok, err := e.state.AddressByAccountID(accountID)
	if err != nil {
		return crypto.Address{}, err
	}
	if !ok {
		return crypto.Address{}, fmt.Errorf("%w: account %d", ErrAccountUnknown, accountID)
	}
	return addr, nil
}
