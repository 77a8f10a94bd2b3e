package lending

import (
	"errors"
	"math/big"
	"testing"

	"github.com/cloudwalk/brlc-monorepo-sub002/crypto"
)

func TestTakeLoanValidation(t *testing.T) {
	env := newTestEnv()
	borrower := makeAddress(0x01)
	valid := func() TakeLoanRequest {
		return TakeLoanRequest{
			Borrower:  borrower,
			ProgramID: 7,
			SubLoans: []SubLoanSpec{{
				BorrowedAmount: big.NewInt(100_000),
				DurationDays:   10,
			}},
		}
	}

	cases := []struct {
		name    string
		mutate  func(*TakeLoanRequest)
		wantErr error
	}{
		{"zero borrower", func(r *TakeLoanRequest) { r.Borrower = crypto.Address{} }, ErrInvalidBorrower},
		{"zero program", func(r *TakeLoanRequest) { r.ProgramID = 0 }, ErrInvalidProgram},
		{"no installments", func(r *TakeLoanRequest) { r.SubLoans = nil }, ErrSubLoanCount},
		{"zero borrowed", func(r *TakeLoanRequest) { r.SubLoans[0].BorrowedAmount = big.NewInt(0) }, ErrInvalidAmount},
		{"unrounded borrowed", func(r *TakeLoanRequest) { r.SubLoans[0].BorrowedAmount = big.NewInt(100_001) }, ErrAmountNotRounded},
		{"negative addon", func(r *TakeLoanRequest) { r.SubLoans[0].AddonAmount = big.NewInt(-10_000) }, ErrInvalidAmount},
		{"unrounded addon", func(r *TakeLoanRequest) { r.SubLoans[0].AddonAmount = big.NewInt(5001) }, ErrAmountNotRounded},
		{"zero duration", func(r *TakeLoanRequest) { r.SubLoans[0].DurationDays = 0 }, ErrInvalidDuration},
		{"excessive duration", func(r *TakeLoanRequest) { r.SubLoans[0].DurationDays = MaxDurationDays + 1 }, ErrInvalidDuration},
		{"invalid rate", func(r *TakeLoanRequest) { r.SubLoans[0].Rates.UpToDue = RateFactor + 1 }, ErrInvalidRate},
		{"decreasing durations", func(r *TakeLoanRequest) {
			r.SubLoans = append(r.SubLoans, SubLoanSpec{
				BorrowedAmount: big.NewInt(50_000),
				DurationDays:   5,
			})
		}, ErrDurationOrder},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := valid()
			tc.mutate(&req)
			if _, err := env.engine.TakeLoan(req); !errors.Is(err, tc.wantErr) {
				t.Fatalf("got %v want %v", err, tc.wantErr)
			}
		})
	}

	t.Run("too many installments", func(t *testing.T) {
		req := valid()
		req.SubLoans = make([]SubLoanSpec, MaxSubLoansPerLoan+1)
		for i := range req.SubLoans {
			req.SubLoans[i] = SubLoanSpec{BorrowedAmount: big.NewInt(10_000), DurationDays: 10}
		}
		if _, err := env.engine.TakeLoan(req); !errors.Is(err, ErrSubLoanCount) {
			t.Fatalf("got %v want %v", err, ErrSubLoanCount)
		}
	})

	t.Run("addon without treasury", func(t *testing.T) {
		env := newTestEnv()
		env.engine.SetAddonTreasury(crypto.Address{})
		req := valid()
		req.SubLoans[0].AddonAmount = big.NewInt(10_000)
		if _, err := env.engine.TakeLoan(req); !errors.Is(err, ErrNilAddonTreasury) {
			t.Fatalf("got %v want %v", err, ErrNilAddonTreasury)
		}
	})
}

func TestTakeLoanDisbursesAndNotifies(t *testing.T) {
	env := newTestEnv()
	borrower := makeAddress(0x01)
	firstID, err := env.engine.TakeLoan(TakeLoanRequest{
		Borrower:  borrower,
		ProgramID: 9,
		SubLoans: []SubLoanSpec{
			{BorrowedAmount: big.NewInt(50_000), AddonAmount: big.NewInt(10_000), DurationDays: 10, Rates: Rates{UpToDue: ratePerMille(10)}},
			{BorrowedAmount: big.NewInt(70_000), DurationDays: 20, Rates: Rates{UpToDue: ratePerMille(10)}},
		},
	})
	if err != nil {
		t.Fatalf("take loan: %v", err)
	}
	if firstID != 1 {
		t.Fatalf("first id: got %d want 1", firstID)
	}
	if env.state.subLoanCount != 2 {
		t.Fatalf("sub-loan count: got %d want 2", env.state.subLoanCount)
	}

	first := storedSubLoan(t, env, 1)
	if first.ProgramID != 9 || first.InstallmentIndex != 0 || first.InstallmentCount != 2 {
		t.Fatalf("unexpected first installment: %+v", first)
	}
	if first.Status != SubLoanStatusOngoing || first.StartTimestamp != env.now {
		t.Fatalf("unexpected lifecycle fields: %s %d", first.Status, first.StartTimestamp)
	}
	// Principal carries borrowed plus addon.
	assertBucket(t, "principal", first.Principal, 60_000, 0, 0)
	second := storedSubLoan(t, env, 2)
	if second.InstallmentIndex != 1 || second.FirstSiblingID() != 1 {
		t.Fatalf("unexpected second installment: %+v", second)
	}

	if env.treasury.balance(borrower).Cmp(big.NewInt(120_000)) != 0 {
		t.Fatalf("borrower balance: got %s want 120000", env.treasury.balance(borrower))
	}
	if env.treasury.balance(makeAddress(0xaa)).Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("addon treasury balance: got %s want 10000", env.treasury.balance(makeAddress(0xaa)))
	}
	if env.creditLine.opened != 1 || env.creditLine.lastIn.Cmp(big.NewInt(130_000)) != 0 {
		t.Fatalf("credit line: opened %d exposure %s", env.creditLine.opened, env.creditLine.lastIn)
	}
	if env.emitter.countType("lending.loan.taken") != 1 || env.emitter.countType("lending.loan.opened") != 1 {
		t.Fatalf("unexpected take events")
	}
}

func TestSubmitOperationsValidation(t *testing.T) {
	env := newTestEnv()
	takeSimpleLoan(t, env, 100_000, 30, Rates{UpToDue: ratePerMille(10)})
	env.setDay(5)

	if _, err := env.engine.SubmitOperations(nil); !errors.Is(err, ErrEmptyBatch) {
		t.Fatalf("empty batch: got %v", err)
	}

	cases := []struct {
		name    string
		request OperationRequest
		wantErr error
	}{
		{"unknown sub-loan", OperationRequest{SubLoanID: 99, Kind: OperationKindRepayment, Value: big.NewInt(10_000)}, ErrSubLoanNotExist},
		{"unspecified kind", OperationRequest{SubLoanID: 1, Kind: OperationKindUnspecified}, ErrInvalidKind},
		{"revocation kind", OperationRequest{SubLoanID: 1, Kind: OperationKindRevocation}, ErrInvalidKind},
		{"zero repayment", OperationRequest{SubLoanID: 1, Kind: OperationKindRepayment, Value: big.NewInt(0)}, ErrInvalidAmount},
		{"unrounded repayment", OperationRequest{SubLoanID: 1, Kind: OperationKindRepayment, Value: big.NewInt(10_001)}, ErrAmountNotRounded},
		{"future repayment", OperationRequest{SubLoanID: 1, Kind: OperationKindRepayment, Timestamp: DayStart(6), Value: big.NewInt(10_000)}, ErrTimestampInFuture},
		{"repayment before start", OperationRequest{SubLoanID: 1, Kind: OperationKindRepayment, Timestamp: DayStart(0) - 1, Value: big.NewInt(10_000)}, ErrTimestampBeforeStart},
		{"discount with counterparty", OperationRequest{SubLoanID: 1, Kind: OperationKindDiscount, Value: big.NewInt(10_000), Counterparty: makeAddress(0x02)}, ErrAccountNotAllowed},
		{"freezing with value", OperationRequest{SubLoanID: 1, Kind: OperationKindFreezing, Value: big.NewInt(10_000)}, ErrInvalidValue},
		{"freezing with counterparty", OperationRequest{SubLoanID: 1, Kind: OperationKindFreezing, Counterparty: makeAddress(0x02)}, ErrAccountNotAllowed},
		{"unfreezing bad mode", OperationRequest{SubLoanID: 1, Kind: OperationKindUnfreezing, Value: big.NewInt(2)}, ErrInvalidValue},
		{"rate above factor", OperationRequest{SubLoanID: 1, Kind: OperationKindRateUpToDue, Value: new(big.Int).SetUint64(RateFactor + 1)}, ErrInvalidRate},
		{"zero duration", OperationRequest{SubLoanID: 1, Kind: OperationKindDuration, Value: big.NewInt(0)}, ErrInvalidDuration},
		{"excessive duration", OperationRequest{SubLoanID: 1, Kind: OperationKindDuration, Value: big.NewInt(MaxDurationDays + 1)}, ErrInvalidDuration},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := env.engine.SubmitOperations([]OperationRequest{tc.request}); !errors.Is(err, tc.wantErr) {
				t.Fatalf("got %v want %v", err, tc.wantErr)
			}
		})
	}
}

func TestRepaymentCounterpartyAccounting(t *testing.T) {
	env := newTestEnv()
	takeSimpleLoan(t, env, 100_000, 30, Rates{})
	payer := makeAddress(0x55)

	env.setDay(2)
	mustSubmit(t, env, OperationRequest{
		SubLoanID:    1,
		Kind:         OperationKindRepayment,
		Value:        big.NewInt(20_000),
		Counterparty: payer,
	})
	if env.state.accountCount != 1 {
		t.Fatalf("account count: got %d want 1", env.state.accountCount)
	}
	if env.treasury.balance(payer).Cmp(big.NewInt(-20_000)) != 0 {
		t.Fatalf("payer balance: got %s want -20000", env.treasury.balance(payer))
	}

	// A second payment by the same account reuses the interned identifier.
	env.setDay(3)
	mustSubmit(t, env, OperationRequest{
		SubLoanID:    1,
		Kind:         OperationKindRepayment,
		Value:        big.NewInt(10_000),
		Counterparty: payer,
	})
	if env.state.accountCount != 1 {
		t.Fatalf("account count after reuse: got %d want 1", env.state.accountCount)
	}

	// Borrower payments keep the sentinel account.
	env.setDay(4)
	mustSubmit(t, env, OperationRequest{SubLoanID: 1, Kind: OperationKindRepayment, Value: big.NewInt(10_000)})

	preview, err := env.engine.GetSubLoanPreview(1, 0, PreviewFlagOperations)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if len(preview.Operations) != 3 {
		t.Fatalf("operations: got %d want 3", len(preview.Operations))
	}
	if preview.Operations[0].Account != payer.String() || preview.Operations[1].Account != payer.String() {
		t.Fatalf("counterparty accounts not resolved: %+v", preview.Operations)
	}
	if preview.Operations[2].Account != makeAddress(0x01).String() {
		t.Fatalf("borrower account not resolved: %+v", preview.Operations[2])
	}
}

func TestRevokeLoanSettlesAgainstBorrower(t *testing.T) {
	env := newTestEnv()
	borrower := makeAddress(0x01)
	firstID, err := env.engine.TakeLoan(TakeLoanRequest{
		Borrower:  borrower,
		ProgramID: 7,
		SubLoans: []SubLoanSpec{
			{BorrowedAmount: big.NewInt(100_000), DurationDays: 10, Rates: Rates{UpToDue: ratePerMille(10)}},
			{BorrowedAmount: big.NewInt(100_000), DurationDays: 20, Rates: Rates{UpToDue: ratePerMille(10)}},
		},
	})
	if err != nil {
		t.Fatalf("take loan: %v", err)
	}

	env.setDay(3)
	// Revocation through any sibling unwinds the whole loan.
	if err := env.engine.RevokeLoan(firstID + 1); err != nil {
		t.Fatalf("revoke loan: %v", err)
	}
	for id := firstID; id < firstID+2; id++ {
		stored := storedSubLoan(t, env, id)
		if stored.Status != SubLoanStatusRevoked {
			t.Fatalf("sub-loan %d status: got %s want revoked", id, stored.Status)
		}
		if stored.OutstandingTotal().Sign() != 0 {
			t.Fatalf("sub-loan %d outstanding after revocation: %s", id, stored.OutstandingTotal())
		}
	}
	// Nothing was repaid, so the borrower returns the full principal.
	if env.treasury.balance(borrower).Sign() != 0 {
		t.Fatalf("borrower balance: got %s want 0", env.treasury.balance(borrower))
	}
	if env.creditLine.closed != 1 {
		t.Fatalf("close notifications: got %d want 1", env.creditLine.closed)
	}
	if env.emitter.countType("lending.subloan.revoked") != 2 {
		t.Fatalf("revoked events: got %d want 2", env.emitter.countType("lending.subloan.revoked"))
	}

	if err := env.engine.RevokeLoan(firstID); !errors.Is(err, ErrSubLoanRevoked) {
		t.Fatalf("second revoke: got %v want %v", err, ErrSubLoanRevoked)
	}
	if _, err := env.engine.SubmitOperations([]OperationRequest{
		{SubLoanID: firstID, Kind: OperationKindRepayment, Value: big.NewInt(10_000)},
	}); !errors.Is(err, ErrSubLoanRevoked) {
		t.Fatalf("submit on revoked: got %v want %v", err, ErrSubLoanRevoked)
	}
}

func TestRevokeLoanAfterFullRepayment(t *testing.T) {
	env := newTestEnv()
	borrower := makeAddress(0x01)
	takeSimpleLoan(t, env, 100_000, 10, Rates{UpToDue: ratePerMille(10)})

	env.setDay(10)
	mustSubmit(t, env, OperationRequest{SubLoanID: 1, Kind: OperationKindRepayment, Value: big.NewInt(110_000)})
	if env.creditLine.closed != 1 {
		t.Fatalf("close notifications: got %d want 1", env.creditLine.closed)
	}

	env.setDay(12)
	if err := env.engine.RevokeLoan(1); err != nil {
		t.Fatalf("revoke loan: %v", err)
	}
	stored := storedSubLoan(t, env, 1)
	if stored.Status != SubLoanStatusRevoked {
		t.Fatalf("status: got %s want revoked", stored.Status)
	}

	// Ledger repayments (110463) exceeded the borrowed principal (100000);
	// the difference flows back to the borrower. Together with the
	// disbursement and the cash repayment the borrower nets the rounding
	// forgiveness.
	if env.treasury.balance(borrower).Cmp(big.NewInt(463)) != 0 {
		t.Fatalf("borrower balance: got %s want 463", env.treasury.balance(borrower))
	}
	// The loan was already closed by the full repayment; revocation does
	// not notify again.
	if env.creditLine.closed != 1 {
		t.Fatalf("close notifications after revoke: got %d want 1", env.creditLine.closed)
	}
}

func TestRevokeLoanReturnsAddonToPool(t *testing.T) {
	env := newTestEnv()
	addonTreasury := makeAddress(0xaa)
	firstID, err := env.engine.TakeLoan(TakeLoanRequest{
		Borrower:  makeAddress(0x01),
		ProgramID: 7,
		SubLoans: []SubLoanSpec{{
			BorrowedAmount: big.NewInt(100_000),
			AddonAmount:    big.NewInt(20_000),
			DurationDays:   10,
		}},
	})
	if err != nil {
		t.Fatalf("take loan: %v", err)
	}
	if env.treasury.balance(addonTreasury).Cmp(big.NewInt(20_000)) != 0 {
		t.Fatalf("addon treasury after take: got %s want 20000", env.treasury.balance(addonTreasury))
	}

	env.setDay(2)
	if err := env.engine.RevokeLoan(firstID); err != nil {
		t.Fatalf("revoke loan: %v", err)
	}
	if env.treasury.balance(addonTreasury).Sign() != 0 {
		t.Fatalf("addon treasury after revoke: got %s want 0", env.treasury.balance(addonTreasury))
	}
}

func TestRevokeLoanBlockedByScheduledOperations(t *testing.T) {
	env := newTestEnv()
	takeSimpleLoan(t, env, 100_000, 10, Rates{UpToDue: ratePerMille(10)})

	env.setDay(2)
	receipts := mustSubmit(t, env, OperationRequest{
		SubLoanID: 1,
		Kind:      OperationKindDuration,
		Timestamp: DayStart(8),
		Value:     big.NewInt(15),
	})

	if err := env.engine.RevokeLoan(1); !errors.Is(err, ErrOperationAfterRevocation) {
		t.Fatalf("expected scheduled record to block revocation, got %v", err)
	}

	if _, err := env.engine.VoidOperations([]VoidRequest{
		{SubLoanID: 1, OperationID: receipts[0].OperationID},
	}); err != nil {
		t.Fatalf("void scheduled: %v", err)
	}
	if err := env.engine.RevokeLoan(1); err != nil {
		t.Fatalf("revoke after clearing schedule: %v", err)
	}
}

func TestLoanTransitionsAcrossSubLoans(t *testing.T) {
	env := newTestEnv()
	firstID, err := env.engine.TakeLoan(TakeLoanRequest{
		Borrower:  makeAddress(0x01),
		ProgramID: 7,
		SubLoans: []SubLoanSpec{
			{BorrowedAmount: big.NewInt(50_000), DurationDays: 10},
			{BorrowedAmount: big.NewInt(50_000), DurationDays: 10},
		},
	})
	if err != nil {
		t.Fatalf("take loan: %v", err)
	}

	// Settling one of two installments is not a loan-level transition.
	env.setDay(1)
	mustSubmit(t, env, OperationRequest{SubLoanID: firstID, Kind: OperationKindRepayment, Value: big.NewInt(50_000)})
	if env.creditLine.closed != 0 {
		t.Fatalf("close notifications: got %d want 0", env.creditLine.closed)
	}

	env.setDay(2)
	receipts := mustSubmit(t, env, OperationRequest{SubLoanID: firstID + 1, Kind: OperationKindRepayment, Value: big.NewInt(50_000)})
	if env.creditLine.closed != 1 {
		t.Fatalf("close notifications: got %d want 1", env.creditLine.closed)
	}

	// Voiding the last settlement resurrects the sub-loan and reopens the
	// loan.
	env.setDay(3)
	if _, err := env.engine.VoidOperations([]VoidRequest{
		{SubLoanID: firstID + 1, OperationID: receipts[0].OperationID},
	}); err != nil {
		t.Fatalf("void operations: %v", err)
	}
	if env.creditLine.opened != 2 {
		t.Fatalf("open notifications: got %d want 2", env.creditLine.opened)
	}
	if env.emitter.countType("lending.subloan.repaid") != 2 {
		t.Fatalf("repaid events: got %d", env.emitter.countType("lending.subloan.repaid"))
	}
}

func TestOperationCapEnforced(t *testing.T) {
	env := newTestEnv()
	takeSimpleLoan(t, env, 100_000, 10, Rates{UpToDue: ratePerMille(10)})

	stored := storedSubLoan(t, env, 1)
	stored.OperationCount = MaxOperationsPerSubLoan
	if _, err := env.engine.SubmitOperations([]OperationRequest{
		{SubLoanID: 1, Kind: OperationKindRepayment, Value: big.NewInt(10_000)},
	}); !errors.Is(err, ErrOperationCountExcess) {
		t.Fatalf("expected cap error, got %v", err)
	}
}
