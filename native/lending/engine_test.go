package lending

import (
	"errors"
	"math/big"
	"testing"

	"github.com/cloudwalk/brlc-monorepo-sub002/core/events"
	"github.com/cloudwalk/brlc-monorepo-sub002/crypto"
)

type mockLedgerState struct {
	subLoanCount uint64
	subLoans     map[uint64]*SubLoan
	operations   map[uint64]map[uint32]*Operation
	accountCount uint64
	accountIDs   map[string]uint64
	accountAddrs map[uint64]crypto.Address
}

func newMockLedgerState() *mockLedgerState {
	return &mockLedgerState{
		subLoans:     make(map[uint64]*SubLoan),
		operations:   make(map[uint64]map[uint32]*Operation),
		accountIDs:   make(map[string]uint64),
		accountAddrs: make(map[uint64]crypto.Address),
	}
}

func (m *mockLedgerState) SubLoanCount() (uint64, error) { return m.subLoanCount, nil }

func (m *mockLedgerState) SetSubLoanCount(count uint64) error {
	m.subLoanCount = count
	return nil
}

func (m *mockLedgerState) GetSubLoan(id uint64) (*SubLoan, error) {
	if subLoan, ok := m.subLoans[id]; ok {
		return subLoan, nil
	}
	return nil, nil
}

func (m *mockLedgerState) PutSubLoan(subLoan *SubLoan) error {
	// Clone to emulate the serialization boundary of the real state layer.
	m.subLoans[subLoan.ID] = subLoan.Clone()
	return nil
}

func (m *mockLedgerState) GetOperation(subLoanID uint64, operationID uint32) (*Operation, error) {
	if ops, ok := m.operations[subLoanID]; ok {
		if op, ok := ops[operationID]; ok {
			return op, nil
		}
	}
	return nil, nil
}

func (m *mockLedgerState) PutOperation(subLoanID uint64, operation *Operation) error {
	ops, ok := m.operations[subLoanID]
	if !ok {
		ops = make(map[uint32]*Operation)
		m.operations[subLoanID] = ops
	}
	ops[operation.ID] = operation.Clone()
	return nil
}

func (m *mockLedgerState) AccountCount() (uint64, error) { return m.accountCount, nil }

func (m *mockLedgerState) SetAccountCount(count uint64) error {
	m.accountCount = count
	return nil
}

func (m *mockLedgerState) AccountIDByAddress(addr crypto.Address) (uint64, bool, error) {
	id, ok := m.accountIDs[string(addr.Bytes())]
	return id, ok, nil
}

func (m *mockLedgerState) AddressByAccountID(id uint64) (crypto.Address, bool, error) {
	addr, ok := m.accountAddrs[id]
	return addr, ok, nil
}

func (m *mockLedgerState) PutAccountID(addr crypto.Address, id uint64) error {
	m.accountIDs[string(addr.Bytes())] = id
	m.accountAddrs[id] = addr
	return nil
}

type transferRecord struct {
	direction string
	addr      crypto.Address
	amount    *big.Int
}

type mockTreasury struct {
	pool      *big.Int
	balances  map[string]*big.Int
	transfers []transferRecord
}

func newMockTreasury() *mockTreasury {
	return &mockTreasury{pool: big.NewInt(0), balances: make(map[string]*big.Int)}
}

func (m *mockTreasury) balance(addr crypto.Address) *big.Int {
	key := string(addr.Bytes())
	if _, ok := m.balances[key]; !ok {
		m.balances[key] = big.NewInt(0)
	}
	return m.balances[key]
}

func (m *mockTreasury) TransferIn(from crypto.Address, amount *big.Int) error {
	m.balance(from).Sub(m.balance(from), amount)
	m.pool.Add(m.pool, amount)
	m.transfers = append(m.transfers, transferRecord{"in", from, new(big.Int).Set(amount)})
	return nil
}

func (m *mockTreasury) TransferOut(to crypto.Address, amount *big.Int) error {
	m.balance(to).Add(m.balance(to), amount)
	m.pool.Sub(m.pool, amount)
	m.transfers = append(m.transfers, transferRecord{"out", to, new(big.Int).Set(amount)})
	return nil
}

func (m *mockTreasury) countTransfers(direction string) int {
	count := 0
	for _, record := range m.transfers {
		if record.direction == direction {
			count++
		}
	}
	return count
}

type mockCreditLine struct {
	opened  int
	closed  int
	lastIn  *big.Int
	lastOut *big.Int
	vetoErr error
}

func (m *mockCreditLine) OnBeforeLoanOpened(_ uint64, _ crypto.Address, totalBorrowed *big.Int) error {
	if m.vetoErr != nil {
		return m.vetoErr
	}
	m.opened++
	m.lastIn = new(big.Int).Set(totalBorrowed)
	return nil
}

func (m *mockCreditLine) OnAfterLoanClosed(_ uint64, _ crypto.Address, totalBorrowed *big.Int) error {
	m.closed++
	m.lastOut = new(big.Int).Set(totalBorrowed)
	return nil
}

type captureEmitter struct {
	emitted []events.Event
}

func (c *captureEmitter) Emit(event events.Event) {
	c.emitted = append(c.emitted, event)
}

func (c *captureEmitter) countType(eventType string) int {
	count := 0
	for _, event := range c.emitted {
		if event.EventType() == eventType {
			count++
		}
	}
	return count
}

type testEnv struct {
	engine     *Engine
	state      *mockLedgerState
	treasury   *mockTreasury
	creditLine *mockCreditLine
	emitter    *captureEmitter
	now        uint64
}

func newTestEnv() *testEnv {
	env := &testEnv{
		state:      newMockLedgerState(),
		treasury:   newMockTreasury(),
		creditLine: &mockCreditLine{},
		emitter:    &captureEmitter{},
	}
	env.now = DayStart(0)
	env.engine = NewEngine()
	env.engine.SetState(env.state)
	env.engine.SetTreasury(env.treasury)
	env.engine.SetCreditLine(env.creditLine)
	env.engine.SetEmitter(env.emitter)
	env.engine.SetAddonTreasury(makeAddress(0xaa))
	env.engine.SetNowFunc(func() uint64 { return env.now })
	return env
}

func (env *testEnv) setDay(day uint64) { env.now = DayStart(day) }

func makeAddress(suffix byte) crypto.Address {
	raw := make([]byte, crypto.AddressLength)
	raw[len(raw)-1] = suffix
	return crypto.NewAddress(crypto.BRLCPrefix, raw)
}

func ratePerMille(tenths uint64) uint64 {
	return tenths * (RateFactor / 1000)
}

func takeSimpleLoan(t *testing.T, env *testEnv, borrowed int64, durationDays uint32, rates Rates) uint64 {
	t.Helper()
	firstID, err := env.engine.TakeLoan(TakeLoanRequest{
		Borrower:  makeAddress(0x01),
		ProgramID: 7,
		SubLoans: []SubLoanSpec{{
			BorrowedAmount: big.NewInt(borrowed),
			DurationDays:   durationDays,
			Rates:          rates,
		}},
	})
	if err != nil {
		t.Fatalf("take loan: %v", err)
	}
	return firstID
}

func mustSubmit(t *testing.T, env *testEnv, requests ...OperationRequest) []OperationReceipt {
	t.Helper()
	receipts, err := env.engine.SubmitOperations(requests)
	if err != nil {
		t.Fatalf("submit operations: %v", err)
	}
	return receipts
}

func storedSubLoan(t *testing.T, env *testEnv, id uint64) *SubLoan {
	t.Helper()
	subLoan, ok := env.state.subLoans[id]
	if !ok {
		t.Fatalf("sub-loan %d not in state", id)
	}
	return subLoan
}

func assertBucket(t *testing.T, name string, bucket Bucket, tracked, repaid, discount int64) {
	t.Helper()
	if bucket.Tracked.Cmp(big.NewInt(tracked)) != 0 {
		t.Fatalf("%s tracked: got %s want %d", name, bucket.Tracked, tracked)
	}
	if bucket.Repaid.Cmp(big.NewInt(repaid)) != 0 {
		t.Fatalf("%s repaid: got %s want %d", name, bucket.Repaid, repaid)
	}
	if bucket.Discount.Cmp(big.NewInt(discount)) != 0 {
		t.Fatalf("%s discount: got %s want %d", name, bucket.Discount, discount)
	}
}

func assertSameProjection(t *testing.T, a, b *SubLoan) {
	t.Helper()
	if a.Status != b.Status {
		t.Fatalf("status mismatch: %s vs %s", a.Status, b.Status)
	}
	if a.DurationDays != b.DurationDays {
		t.Fatalf("duration mismatch: %d vs %d", a.DurationDays, b.DurationDays)
	}
	if a.Rates != b.Rates {
		t.Fatalf("rates mismatch: %+v vs %+v", a.Rates, b.Rates)
	}
	pairs := []struct {
		name string
		x, y Bucket
	}{
		{"principal", a.Principal, b.Principal},
		{"upToDue", a.UpToDueInterest, b.UpToDueInterest},
		{"postDue", a.PostDueInterest, b.PostDueInterest},
		{"moratory", a.MoratoryInterest, b.MoratoryInterest},
		{"lateFee", a.LateFee, b.LateFee},
		{"clawback", a.ClawbackFee, b.ClawbackFee},
	}
	for _, pair := range pairs {
		if pair.x.Tracked.Cmp(pair.y.Tracked) != 0 ||
			pair.x.Repaid.Cmp(pair.y.Repaid) != 0 ||
			pair.x.Discount.Cmp(pair.y.Discount) != 0 {
			t.Fatalf("%s bucket mismatch: %+v vs %+v", pair.name, pair.x, pair.y)
		}
	}
}

func TestEngineRequiresWiring(t *testing.T) {
	engine := NewEngine()
	if _, err := engine.TakeLoan(TakeLoanRequest{}); !errors.Is(err, ErrNilState) {
		t.Fatalf("expected nil state error, got %v", err)
	}
	engine.SetState(newMockLedgerState())
	if _, err := engine.TakeLoan(TakeLoanRequest{}); !errors.Is(err, ErrNilTreasury) {
		t.Fatalf("expected nil treasury error, got %v", err)
	}
}

func TestLoadSubLoanUnknown(t *testing.T) {
	env := newTestEnv()
	if _, err := env.engine.GetSubLoanPreview(42, 0, 0); !errors.Is(err, ErrSubLoanNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}
