package lending

import "errors"

var (
	ErrNilState         = errors.New("lending: state not configured")
	ErrNilTreasury      = errors.New("lending: treasury not configured")
	ErrNilAddonTreasury = errors.New("lending: addon treasury not configured")

	ErrInvalidBorrower = errors.New("lending: borrower address not set")
	ErrInvalidProgram  = errors.New("lending: program identifier must be positive")
	ErrInvalidAmount   = errors.New("lending: amount must be positive")
	ErrInvalidRate     = errors.New("lending: rate exceeds the rate factor")
	ErrInvalidDuration = errors.New("lending: duration out of bounds")
	ErrInvalidKind     = errors.New("lending: unknown operation kind")
	ErrInvalidValue    = errors.New("lending: operation value invalid for its kind")
	ErrDurationOrder   = errors.New("lending: installment durations must not decrease")
	ErrSubLoanCount    = errors.New("lending: sub-loan count out of bounds")
	ErrEmptyBatch      = errors.New("lending: empty request batch")

	ErrAmountNotRounded = errors.New("lending: amount not rounded to the accuracy factor")
	ErrAmountExcess     = errors.New("lending: amount exceeds the outstanding balance")
	ErrAmountOverflow   = errors.New("lending: amount exceeds 256 bits")

	ErrSubLoanNotExist  = errors.New("lending: sub-loan does not exist")
	ErrSubLoanRevoked   = errors.New("lending: sub-loan already revoked")
	ErrSubLoanFrozen    = errors.New("lending: sub-loan already frozen")
	ErrSubLoanNotFrozen = errors.New("lending: sub-loan not frozen")
	ErrNotFirstSubLoan  = errors.New("lending: identifier does not start a loan")

	ErrOperationNotExist          = errors.New("lending: operation does not exist")
	ErrOperationCountExcess       = errors.New("lending: operation count excess")
	ErrOperationAfterRevocation   = errors.New("lending: operation after revocation")
	ErrOperationVoidingProhibited = errors.New("lending: operation voiding prohibited")
	ErrOperationAlreadyVoided     = errors.New("lending: operation already voided")

	ErrTimestampBeforeStart = errors.New("lending: timestamp precedes the sub-loan start")
	ErrTimestampInFuture    = errors.New("lending: timestamp must not be in the future")

	ErrCounterOverflow   = errors.New("lending: identifier counter overflow")
	ErrAccountUnknown    = errors.New("lending: address book identifier unknown")
	ErrAccountNotAllowed = errors.New("lending: account reference not allowed for kind")
)
