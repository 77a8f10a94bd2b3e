package lending

import (
	"errors"
	"math/big"
	"testing"
)

func TestAccrualSimpleTenDays(t *testing.T) {
	env := newTestEnv()
	takeSimpleLoan(t, env, 100_000, 10, Rates{UpToDue: ratePerMille(10)})

	env.setDay(10)
	preview, err := env.engine.GetSubLoanPreview(1, 0, 0)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if preview.Principal.Tracked.Cmp(big.NewInt(100_000)) != 0 {
		t.Fatalf("principal: got %s", preview.Principal.Tracked)
	}
	if preview.UpToDue.Tracked.Cmp(big.NewInt(10_463)) != 0 {
		t.Fatalf("up-to-due interest: got %s want 10463", preview.UpToDue.Tracked)
	}
	if preview.Outstanding.Cmp(big.NewInt(110_463)) != 0 {
		t.Fatalf("outstanding: got %s want 110463", preview.Outstanding)
	}
	if preview.OutstandingRounded.Cmp(big.NewInt(110_000)) != 0 {
		t.Fatalf("rounded outstanding: got %s want 110000", preview.OutstandingRounded)
	}
	if preview.DueTimestamp != DayStart(10) {
		t.Fatalf("due timestamp: got %d want %d", preview.DueTimestamp, DayStart(10))
	}
}

func TestAccrualDueDayCrossing(t *testing.T) {
	env := newTestEnv()
	rates := Rates{
		UpToDue:  ratePerMille(10),
		PostDue:  ratePerMille(20),
		Moratory: ratePerMille(5),
		LateFee:  ratePerMille(30),
		Clawback: ratePerMille(10),
	}
	takeSimpleLoan(t, env, 100_000, 2, rates)

	env.setDay(4)
	preview, err := env.engine.GetSubLoanPreview(1, 0, 0)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	// Two in-term days compound the up-to-due interest; the step crossing
	// the due day charges the clawback markup and late fee once; two
	// overdue steps accrue post-due and moratory interest.
	if preview.UpToDue.Tracked.Cmp(big.NewInt(2010)) != 0 {
		t.Fatalf("up-to-due: got %s want 2010", preview.UpToDue.Tracked)
	}
	if preview.Clawback.Tracked.Cmp(big.NewInt(2010)) != 0 {
		t.Fatalf("clawback: got %s want 2010", preview.Clawback.Tracked)
	}
	if preview.LateFee.Tracked.Cmp(big.NewInt(3000)) != 0 {
		t.Fatalf("late fee: got %s want 3000", preview.LateFee.Tracked)
	}
	if preview.PostDue.Tracked.Cmp(big.NewInt(4121)) != 0 {
		t.Fatalf("post-due: got %s want 4121", preview.PostDue.Tracked)
	}
	if preview.Moratory.Tracked.Cmp(big.NewInt(1020)) != 0 {
		t.Fatalf("moratory: got %s want 1020", preview.Moratory.Tracked)
	}
	if preview.Outstanding.Cmp(big.NewInt(112_161)) != 0 {
		t.Fatalf("outstanding: got %s want 112161", preview.Outstanding)
	}

	// A partial repayment consumes the overdue buckets first.
	mustSubmit(t, env, OperationRequest{SubLoanID: 1, Kind: OperationKindRepayment, Value: big.NewInt(10_000)})
	stored := storedSubLoan(t, env, 1)
	assertBucket(t, "postDue", stored.PostDueInterest, 0, 4121, 0)
	assertBucket(t, "moratory", stored.MoratoryInterest, 0, 1020, 0)
	assertBucket(t, "lateFee", stored.LateFee, 0, 3000, 0)
	assertBucket(t, "clawback", stored.ClawbackFee, 151, 1859, 0)
	assertBucket(t, "upToDue", stored.UpToDueInterest, 2010, 0, 0)
	assertBucket(t, "principal", stored.Principal, 100_000, 0, 0)
}

func TestAccrualFreezeStopsInterest(t *testing.T) {
	env := newTestEnv()
	takeSimpleLoan(t, env, 100_000, 10, Rates{UpToDue: ratePerMille(10)})

	env.setDay(3)
	mustSubmit(t, env, OperationRequest{SubLoanID: 1, Kind: OperationKindFreezing})

	// While frozen no further days accrue.
	env.setDay(5)
	preview, err := env.engine.GetSubLoanPreview(1, 0, 0)
	if err != nil {
		t.Fatalf("preview while frozen: %v", err)
	}
	if preview.UpToDue.Tracked.Cmp(big.NewInt(3030)) != 0 {
		t.Fatalf("frozen interest: got %s want 3030", preview.UpToDue.Tracked)
	}

	// Unfreezing with value 0 extends the duration by the frozen days.
	env.setDay(7)
	mustSubmit(t, env, OperationRequest{SubLoanID: 1, Kind: OperationKindUnfreezing})
	stored := storedSubLoan(t, env, 1)
	if stored.DurationDays != 14 {
		t.Fatalf("duration: got %d want 14", stored.DurationDays)
	}
	if stored.FreezeTimestamp != 0 {
		t.Fatalf("freeze timestamp should clear, got %d", stored.FreezeTimestamp)
	}

	// The shifted schedule accrues the same total as an uninterrupted
	// ten-day term.
	env.setDay(17)
	preview, err = env.engine.GetSubLoanPreview(1, 0, 0)
	if err != nil {
		t.Fatalf("preview after extension: %v", err)
	}
	if preview.UpToDue.Tracked.Cmp(big.NewInt(10_463)) != 0 {
		t.Fatalf("extended interest: got %s want 10463", preview.UpToDue.Tracked)
	}
}

func TestUnfreezeKeepingOriginalDuration(t *testing.T) {
	env := newTestEnv()
	takeSimpleLoan(t, env, 100_000, 10, Rates{UpToDue: ratePerMille(10)})

	env.setDay(3)
	mustSubmit(t, env, OperationRequest{SubLoanID: 1, Kind: OperationKindFreezing})
	env.setDay(7)
	mustSubmit(t, env, OperationRequest{SubLoanID: 1, Kind: OperationKindUnfreezing, Value: big.NewInt(1)})

	stored := storedSubLoan(t, env, 1)
	if stored.DurationDays != 10 {
		t.Fatalf("duration: got %d want 10", stored.DurationDays)
	}

	env.setDay(10)
	preview, err := env.engine.GetSubLoanPreview(1, 0, 0)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if preview.UpToDue.Tracked.Cmp(big.NewInt(6152)) != 0 {
		t.Fatalf("interest: got %s want 6152", preview.UpToDue.Tracked)
	}
}

func TestAccrualIgnoresIntraDayTime(t *testing.T) {
	env := newTestEnv()
	takeSimpleLoan(t, env, 100_000, 30, Rates{UpToDue: ratePerMille(10)})

	atBoundary, err := env.engine.GetSubLoanPreview(1, DayStart(5), 0)
	if err != nil {
		t.Fatalf("preview at boundary: %v", err)
	}
	midDay, err := env.engine.GetSubLoanPreview(1, DayStart(5)+43_200, 0)
	if err != nil {
		t.Fatalf("preview mid-day: %v", err)
	}
	if atBoundary.UpToDue.Tracked.Cmp(midDay.UpToDue.Tracked) != 0 {
		t.Fatalf("intra-day time changed accrual: %s vs %s",
			atBoundary.UpToDue.Tracked, midDay.UpToDue.Tracked)
	}
	if atBoundary.UpToDue.Tracked.Cmp(big.NewInt(5101)) != 0 {
		t.Fatalf("interest: got %s want 5101", atBoundary.UpToDue.Tracked)
	}
}

func TestFreezeGuards(t *testing.T) {
	env := newTestEnv()
	takeSimpleLoan(t, env, 100_000, 10, Rates{UpToDue: ratePerMille(10)})

	if _, err := env.engine.SubmitOperations([]OperationRequest{
		{SubLoanID: 1, Kind: OperationKindUnfreezing},
	}); !errors.Is(err, ErrSubLoanNotFrozen) {
		t.Fatalf("expected not-frozen error, got %v", err)
	}

	env.setDay(2)
	mustSubmit(t, env, OperationRequest{SubLoanID: 1, Kind: OperationKindFreezing})
	env.setDay(3)
	if _, err := env.engine.SubmitOperations([]OperationRequest{
		{SubLoanID: 1, Kind: OperationKindFreezing},
	}); !errors.Is(err, ErrSubLoanFrozen) {
		t.Fatalf("expected double-freeze error, got %v", err)
	}
}
