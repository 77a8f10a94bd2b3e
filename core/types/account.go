package types

import "math/big"

// Account tracks the BRLC holdings of a ledger participant. The liquidity
// pool, the addon treasury and every borrower or repayment counterparty are
// all plain accounts in the same space.
type Account struct {
	Nonce       uint64   `json:"nonce"`
	BalanceBRLC *big.Int `json:"balanceBRLC"`
}

// NewAccount returns an account with a zeroed balance ready for mutation.
func NewAccount() *Account {
	return &Account{BalanceBRLC: big.NewInt(0)}
}

// Clone returns a deep copy so callers can mutate without aliasing state.
func (a *Account) Clone() *Account {
	if a == nil {
		return NewAccount()
	}
	cloned := &Account{Nonce: a.Nonce, BalanceBRLC: big.NewInt(0)}
	if a.BalanceBRLC != nil {
		cloned.BalanceBRLC = new(big.Int).Set(a.BalanceBRLC)
	}
	return cloned
}
