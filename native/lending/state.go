package lending

import (
	"math/big"

	"github.com/cloudwalk/brlc-monorepo-sub002/crypto"
)

// LedgerState is the narrow persistence surface the engine depends on.
// Getters return (nil, nil) / (zero, false, nil) for missing records. A
// request-scoped implementation must buffer writes so a failing request can
// be discarded without leaving a partial journal mutation behind.
type LedgerState interface {
	SubLoanCount() (uint64, error)
	SetSubLoanCount(count uint64) error
	GetSubLoan(id uint64) (*SubLoan, error)
	PutSubLoan(subLoan *SubLoan) error

	GetOperation(subLoanID uint64, operationID uint32) (*Operation, error)
	PutOperation(subLoanID uint64, operation *Operation) error

	AccountCount() (uint64, error)
	SetAccountCount(count uint64) error
	AccountIDByAddress(addr crypto.Address) (uint64, bool, error)
	AddressByAccountID(id uint64) (crypto.Address, bool, error)
	PutAccountID(addr crypto.Address, id uint64) error
}

// Treasury moves BRLC between the liquidity pool and external accounts. The
// engine never holds value itself; both directions settle synchronously
// within the calling request.
type Treasury interface {
	TransferIn(from crypto.Address, amount *big.Int) error
	TransferOut(to crypto.Address, amount *big.Int) error
}

// CreditLine observes aggregate loan transitions and may veto them. A
// returned error fails the whole request with no state retained.
type CreditLine interface {
	OnBeforeLoanOpened(firstSubLoanID uint64, borrower crypto.Address, totalBorrowed *big.Int) error
	OnAfterLoanClosed(firstSubLoanID uint64, borrower crypto.Address, totalBorrowed *big.Int) error
}

// Meter observes processing work for telemetry. Implementations must be
// cheap and must not fail; previews are not metered, only mutating passes.
type Meter interface {
	// RecordReplay counts one mutating journal pass. Mode is "extend" for
	// an incremental walk and "reset" for a full replay from inception.
	RecordReplay(mode string)
	// RecordAccruedDays counts day steps credited during a mutating pass.
	RecordAccruedDays(days uint64)
}
