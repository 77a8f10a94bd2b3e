package lending

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"

	"github.com/cloudwalk/brlc-monorepo-sub002/crypto"
	"github.com/cloudwalk/brlc-monorepo-sub002/native/creditline"
)

// GetBorrowerStats implements creditline.State. Unknown borrowers come back
// as nil without error.
func (s *Session) GetBorrowerStats(addr crypto.Address) (*creditline.BorrowerStats, error) {
	data, found, err := s.get(statsKey(addr))
	if err != nil || !found {
		return nil, err
	}
	rec := new(storedBorrowerStats)
	if err := rlp.DecodeBytes(data, rec); err != nil {
		return nil, fmt.Errorf("state: decode borrower stats %x: %w", addr.Bytes(), err)
	}
	return rec.toDomain()
}

// PutBorrowerStats implements creditline.State.
func (s *Session) PutBorrowerStats(stats *creditline.BorrowerStats) error {
	if stats == nil {
		return fmt.Errorf("state: borrower stats must not be nil")
	}
	encoded, err := rlp.EncodeToBytes(newStoredBorrowerStats(stats))
	if err != nil {
		return fmt.Errorf("state: encode borrower stats %x: %w", stats.Borrower.Bytes(), err)
	}
	s.put(statsKey(stats.Borrower), encoded)
	return nil
}
