package lending

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"

	"github.com/cloudwalk/brlc-monorepo-sub002/core/types"
	"github.com/cloudwalk/brlc-monorepo-sub002/crypto"
)

// Account returns the BRLC account for addr, a zeroed record when none has
// been written yet. The result is a private copy.
func (s *Session) Account(addr crypto.Address) (*types.Account, error) {
	data, found, err := s.get(balanceKey(addr))
	if err != nil {
		return nil, err
	}
	if !found {
		return types.NewAccount(), nil
	}
	rec := new(storedAccount)
	if err := rlp.DecodeBytes(data, rec); err != nil {
		return nil, fmt.Errorf("state: decode account %x: %w", addr.Bytes(), err)
	}
	return rec.toDomain(), nil
}

func (s *Session) putAccount(addr crypto.Address, acc *types.Account) error {
	encoded, err := rlp.EncodeToBytes(newStoredAccount(acc))
	if err != nil {
		return fmt.Errorf("state: encode account %x: %w", addr.Bytes(), err)
	}
	s.put(balanceKey(addr), encoded)
	return nil
}

// TransferIn settles amount from the external account into the pool.
func (s *Session) TransferIn(from crypto.Address, amount *big.Int) error {
	return s.moveBalance(from, s.store.pool, amount)
}

// TransferOut settles amount from the pool into the external account.
func (s *Session) TransferOut(to crypto.Address, amount *big.Int) error {
	return s.moveBalance(s.store.pool, to, amount)
}

// moveBalance applies a double-entry transfer. Balances record net flow
// through the ledger; money is sourced off-ledger, so a debit may push an
// account negative. The debited account's nonce counts its transfers.
func (s *Session) moveBalance(from, to crypto.Address, amount *big.Int) error {
	if s.store.pool.IsZero() {
		return ErrPoolNotConfigured
	}
	if from.IsZero() || to.IsZero() {
		return ErrZeroAddress
	}
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidTransferAmount
	}
	if amount.Sign() == 0 {
		return nil
	}
	debited, err := s.Account(from)
	if err != nil {
		return err
	}
	debited.BalanceBRLC.Sub(debited.BalanceBRLC, amount)
	debited.Nonce++
	if from.Equal(to) {
		debited.BalanceBRLC.Add(debited.BalanceBRLC, amount)
		return s.putAccount(from, debited)
	}
	if err := s.putAccount(from, debited); err != nil {
		return err
	}
	credited, err := s.Account(to)
	if err != nil {
		return err
	}
	credited.BalanceBRLC.Add(credited.BalanceBRLC, amount)
	return s.putAccount(to, credited)
}
