package lending

import (
	"errors"
	"math/big"
	"testing"

	"github.com/cloudwalk/brlc-monorepo-sub002/crypto"
)

func TestJournalInsertKeepsTimestampOrder(t *testing.T) {
	env := newTestEnv()
	takeSimpleLoan(t, env, 100_000, 30, Rates{UpToDue: ratePerMille(10)})

	subLoan, err := env.engine.loadSubLoan(1)
	if err != nil {
		t.Fatalf("load sub-loan: %v", err)
	}

	appends := []struct {
		kind  OperationKind
		day   uint64
		value *big.Int
	}{
		{OperationKindRateUpToDue, 5, big.NewInt(int64(ratePerMille(20)))},
		{OperationKindFreezing, 2, nil},
		{OperationKindDuration, 3, big.NewInt(15)},
		{OperationKindUnfreezing, 3, nil},
	}
	for i, a := range appends {
		op, err := env.engine.appendOperation(subLoan, a.kind, DayStart(a.day), a.value, BorrowerAccountID)
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if op.ID != uint32(i+1) {
			t.Fatalf("append %d: got id %d want %d", i, op.ID, i+1)
		}
	}
	if err := env.state.PutSubLoan(subLoan); err != nil {
		t.Fatalf("persist: %v", err)
	}

	if subLoan.OperationHeadID != 2 || subLoan.OperationTailID != 1 {
		t.Fatalf("unexpected head/tail: %d/%d", subLoan.OperationHeadID, subLoan.OperationTailID)
	}
	if subLoan.PendingTimestamp != DayStart(2) {
		t.Fatalf("unexpected pending timestamp: %d", subLoan.PendingTimestamp)
	}

	// Same-timestamp records keep insertion order: id 3 before id 4.
	wantOrder := []uint32{2, 3, 4, 1}
	var gotOrder []uint32
	var prevID uint32
	for id := subLoan.OperationHeadID; id != 0; {
		op, err := env.engine.loadOperation(1, id)
		if err != nil {
			t.Fatalf("load operation %d: %v", id, err)
		}
		if op.PrevID != prevID {
			t.Fatalf("operation %d: got prev %d want %d", id, op.PrevID, prevID)
		}
		gotOrder = append(gotOrder, id)
		prevID = id
		id = op.NextID
	}
	if len(gotOrder) != len(wantOrder) {
		t.Fatalf("got %d records want %d", len(gotOrder), len(wantOrder))
	}
	for i := range wantOrder {
		if gotOrder[i] != wantOrder[i] {
			t.Fatalf("journal order: got %v want %v", gotOrder, wantOrder)
		}
	}
}

func TestJournalRevocationMustBeTerminal(t *testing.T) {
	env := newTestEnv()
	takeSimpleLoan(t, env, 100_000, 30, Rates{UpToDue: ratePerMille(10)})

	subLoan, err := env.engine.loadSubLoan(1)
	if err != nil {
		t.Fatalf("load sub-loan: %v", err)
	}
	if _, err := env.engine.appendOperation(subLoan, OperationKindDuration, DayStart(5), big.NewInt(15), BorrowerAccountID); err != nil {
		t.Fatalf("append duration: %v", err)
	}

	// An active record past the insertion point blocks the revocation.
	if _, err := env.engine.appendOperation(subLoan, OperationKindRevocation, DayStart(4), nil, BorrowerAccountID); !errors.Is(err, ErrOperationAfterRevocation) {
		t.Fatalf("expected terminal violation, got %v", err)
	}

	// Dismissing the follower clears the way.
	if _, err := env.engine.voidOperation(subLoan, 1, crypto.Address{}); err != nil {
		t.Fatalf("void duration: %v", err)
	}
	revocation, err := env.engine.appendOperation(subLoan, OperationKindRevocation, DayStart(4), nil, BorrowerAccountID)
	if err != nil {
		t.Fatalf("append revocation: %v", err)
	}
	if revocation.NextID != 1 {
		t.Fatalf("revocation should precede the dismissed record, got next %d", revocation.NextID)
	}
}

func TestJournalVoidPendingRecomputesPendingTimestamp(t *testing.T) {
	env := newTestEnv()
	takeSimpleLoan(t, env, 100_000, 30, Rates{UpToDue: ratePerMille(10)})

	subLoan, err := env.engine.loadSubLoan(1)
	if err != nil {
		t.Fatalf("load sub-loan: %v", err)
	}
	if _, err := env.engine.appendOperation(subLoan, OperationKindFreezing, DayStart(2), nil, BorrowerAccountID); err != nil {
		t.Fatalf("append freezing: %v", err)
	}
	if _, err := env.engine.appendOperation(subLoan, OperationKindDuration, DayStart(5), big.NewInt(15), BorrowerAccountID); err != nil {
		t.Fatalf("append duration: %v", err)
	}
	if subLoan.PendingTimestamp != DayStart(2) {
		t.Fatalf("unexpected pending timestamp: %d", subLoan.PendingTimestamp)
	}

	op, err := env.engine.voidOperation(subLoan, 1, crypto.Address{})
	if err != nil {
		t.Fatalf("void freezing: %v", err)
	}
	if op.Status != OperationStatusDismissed {
		t.Fatalf("unexpected status: %s", op.Status)
	}
	if subLoan.PendingTimestamp != DayStart(5) {
		t.Fatalf("pending should advance to the next active record, got %d", subLoan.PendingTimestamp)
	}

	if _, err := env.engine.voidOperation(subLoan, 2, crypto.Address{}); err != nil {
		t.Fatalf("void duration: %v", err)
	}
	if subLoan.PendingTimestamp != 0 {
		t.Fatalf("pending should clear with no active records, got %d", subLoan.PendingTimestamp)
	}

	if _, err := env.engine.voidOperation(subLoan, 1, crypto.Address{}); !errors.Is(err, ErrOperationAlreadyVoided) {
		t.Fatalf("expected double-void rejection, got %v", err)
	}
}

func TestJournalVoidRevocationProhibited(t *testing.T) {
	env := newTestEnv()
	takeSimpleLoan(t, env, 100_000, 30, Rates{UpToDue: ratePerMille(10)})

	subLoan, err := env.engine.loadSubLoan(1)
	if err != nil {
		t.Fatalf("load sub-loan: %v", err)
	}
	if _, err := env.engine.appendOperation(subLoan, OperationKindRevocation, DayStart(3), nil, BorrowerAccountID); err != nil {
		t.Fatalf("append revocation: %v", err)
	}
	if _, err := env.engine.voidOperation(subLoan, 1, crypto.Address{}); !errors.Is(err, ErrOperationVoidingProhibited) {
		t.Fatalf("expected voiding prohibition, got %v", err)
	}
	if _, err := env.engine.voidOperation(subLoan, 99, crypto.Address{}); !errors.Is(err, ErrOperationNotExist) {
		t.Fatalf("expected unknown-operation error, got %v", err)
	}
}
