package lending

const moduleName = "lending"

const (
	// RateFactor scales every interest and fee rate: a stored rate r means
	// r/RateFactor per day. Rates above RateFactor (100% daily) are invalid.
	RateFactor = 1_000_000_000

	// AccuracyFactor is the smallest externally usable amount expressed in
	// internal base units. Repayments, discounts and disbursed amounts must
	// be multiples of it; previews round outstanding balances to it.
	AccuracyFactor = 10_000

	// SecondsPerDay fixes the accrual granularity.
	SecondsPerDay = 86_400

	// NegativeTimeOffset shifts the day boundary so a ledger day starts at
	// 03:00 UTC (midnight in America/Sao_Paulo standard time).
	NegativeTimeOffset = 3 * 3_600

	// MaxOperationsPerSubLoan caps the journal; voided operations still
	// count because identifiers are never reused.
	MaxOperationsPerSubLoan = 65_535

	// MaxSubLoansPerLoan caps the installments created by a single take.
	MaxSubLoansPerLoan = 255

	// MaxDurationDays bounds both initial durations and Duration operations.
	MaxDurationDays = 36_500
)

// BorrowerAccountID is the reserved address-book identifier meaning "the
// sub-loan's borrower". Registered counterparties are numbered from 1.
const BorrowerAccountID = 0

// DayIndex maps a unix timestamp to its ledger day ordinal.
func DayIndex(timestamp uint64) uint64 {
	if timestamp < NegativeTimeOffset {
		return 0
	}
	return (timestamp - NegativeTimeOffset) / SecondsPerDay
}

// DayStart returns the unix timestamp at which the given ledger day begins.
func DayStart(day uint64) uint64 {
	return day*SecondsPerDay + NegativeTimeOffset
}
