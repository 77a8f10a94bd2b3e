package lending

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"

	"github.com/cloudwalk/brlc-monorepo-sub002/crypto"
	ledger "github.com/cloudwalk/brlc-monorepo-sub002/native/lending"
)

// The methods below implement ledger.LedgerState. Missing records come back
// as nil without error; the engine turns that into its own not-found errors.

func (s *Session) SubLoanCount() (uint64, error) {
	return s.readCounter(subLoanCountKey)
}

func (s *Session) SetSubLoanCount(count uint64) error {
	return s.writeCounter(subLoanCountKey, count)
}

func (s *Session) GetSubLoan(id uint64) (*ledger.SubLoan, error) {
	data, found, err := s.get(subLoanKey(id))
	if err != nil || !found {
		return nil, err
	}
	rec := new(storedSubLoan)
	if err := rlp.DecodeBytes(data, rec); err != nil {
		return nil, fmt.Errorf("state: decode sub-loan %d: %w", id, err)
	}
	return rec.toDomain()
}

func (s *Session) PutSubLoan(subLoan *ledger.SubLoan) error {
	if subLoan == nil {
		return fmt.Errorf("state: sub-loan must not be nil")
	}
	encoded, err := rlp.EncodeToBytes(newStoredSubLoan(subLoan))
	if err != nil {
		return fmt.Errorf("state: encode sub-loan %d: %w", subLoan.ID, err)
	}
	s.put(subLoanKey(subLoan.ID), encoded)
	return nil
}

func (s *Session) GetOperation(subLoanID uint64, operationID uint32) (*ledger.Operation, error) {
	data, found, err := s.get(operationKey(subLoanID, operationID))
	if err != nil || !found {
		return nil, err
	}
	op := new(ledger.Operation)
	if err := rlp.DecodeBytes(data, op); err != nil {
		return nil, fmt.Errorf("state: decode operation %d/%d: %w", subLoanID, operationID, err)
	}
	return op, nil
}

func (s *Session) PutOperation(subLoanID uint64, op *ledger.Operation) error {
	if op == nil {
		return fmt.Errorf("state: operation must not be nil")
	}
	encoded, err := rlp.EncodeToBytes(op)
	if err != nil {
		return fmt.Errorf("state: encode operation %d/%d: %w", subLoanID, op.ID, err)
	}
	s.put(operationKey(subLoanID, op.ID), encoded)
	return nil
}

func (s *Session) AccountCount() (uint64, error) {
	return s.readCounter(accountCountKey)
}

func (s *Session) SetAccountCount(count uint64) error {
	return s.writeCounter(accountCountKey, count)
}

func (s *Session) AccountIDByAddress(addr crypto.Address) (uint64, bool, error) {
	data, found, err := s.get(accountIDKey(addr))
	if err != nil || !found {
		return 0, false, err
	}
	var id uint64
	if err := rlp.DecodeBytes(data, &id); err != nil {
		return 0, false, fmt.Errorf("state: decode account id: %w", err)
	}
	return id, true, nil
}

func (s *Session) AddressByAccountID(id uint64) (crypto.Address, bool, error) {
	data, found, err := s.get(accountAddressKey(id))
	if err != nil || !found {
		return crypto.Address{}, false, err
	}
	var payload []byte
	if err := rlp.DecodeBytes(data, &payload); err != nil {
		return crypto.Address{}, false, fmt.Errorf("state: decode account %d address: %w", id, err)
	}
	addr, err := addressFromPayload(payload)
	if err != nil {
		return crypto.Address{}, false, fmt.Errorf("state: account %d: %w", id, err)
	}
	return addr, true, nil
}

// PutAccountID records both directions of the address to identifier mapping.
func (s *Session) PutAccountID(addr crypto.Address, id uint64) error {
	encodedID, err := rlp.EncodeToBytes(id)
	if err != nil {
		return fmt.Errorf("state: encode account id %d: %w", id, err)
	}
	s.put(accountIDKey(addr), encodedID)
	encodedAddr, err := rlp.EncodeToBytes(addr.Bytes())
	if err != nil {
		return fmt.Errorf("state: encode account %d address: %w", id, err)
	}
	s.put(accountAddressKey(id), encodedAddr)
	return nil
}

func (s *Session) readCounter(key []byte) (uint64, error) {
	data, found, err := s.get(key)
	if err != nil || !found {
		return 0, err
	}
	var count uint64
	if err := rlp.DecodeBytes(data, &count); err != nil {
		return 0, fmt.Errorf("state: decode counter: %w", err)
	}
	return count, nil
}

func (s *Session) writeCounter(key []byte, count uint64) error {
	encoded, err := rlp.EncodeToBytes(count)
	if err != nil {
		return fmt.Errorf("state: encode counter: %w", err)
	}
	s.put(key, encoded)
	return nil
}
