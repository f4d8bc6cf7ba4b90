package router

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"swaproute/core/events"
	"swaproute/storage"
)

type issuedCall struct {
	opID      [32]byte
	stepIndex uint32
	step      StepDescriptor
	input     Coin
}

type mockMarket struct {
	calls   []issuedCall
	failAll bool
}

func (m *mockMarket) IssueStepCall(opID [32]byte, stepIndex uint32, step StepDescriptor, input Coin) error {
	if m.failAll {
		return fmt.Errorf("market unavailable")
	}
	m.calls = append(m.calls, issuedCall{opID: opID, stepIndex: stepIndex, step: step.Clone(), input: input.Clone()})
	return nil
}

type transfer struct {
	recipient [20]byte
	amount    *big.Int
	denom     string
}

type mockSink struct {
	transfers []transfer
}

func (s *mockSink) Transfer(recipient [20]byte, amount *big.Int, denom string) error {
	s.transfers = append(s.transfers, transfer{recipient: recipient, amount: new(big.Int).Set(amount), denom: denom})
	return nil
}

type recordingEmitter struct {
	types []string
}

func (r *recordingEmitter) Emit(evt events.Event) {
	r.types = append(r.types, evt.EventType())
}

func testAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

func newTestEngine(t *testing.T) (*Engine, *OperationStore, *mockMarket, *mockSink, *recordingEmitter) {
	t.Helper()
	store := NewOperationStore(storage.NewMemDB())
	market := &mockMarket{}
	sink := &mockSink{}
	emitter := &recordingEmitter{}
	engine := NewEngine()
	engine.SetState(store)
	engine.SetMarketCaller(market)
	engine.SetTransferSink(sink)
	engine.SetEmitter(emitter)
	engine.SetNowFunc(func() int64 { return 1_700_000_000 })
	return engine, store, market, sink, emitter
}

func singleStep(tick int64) []StepDescriptor {
	return []StepDescriptor{
		{MarketID: "atom-usdt", Direction: DirectionBuy, TargetDenom: "ATOM", TickSize: big.NewInt(tick)},
	}
}

func sumForDenom(transfers []transfer, recipient [20]byte, denom string) *big.Int {
	total := big.NewInt(0)
	for _, tr := range transfers {
		if tr.recipient == recipient && tr.denom == denom {
			total.Add(total, tr.amount)
		}
	}
	return total
}

func TestBeginRejectsInvalidRequests(t *testing.T) {
	engine, store, market, _, _ := newTestEngine(t)
	initiator := testAddress(0x01)

	cases := []struct {
		name    string
		run     func() error
	}{
		{"empty route", func() error {
			_, err := engine.Begin(initiator, NewCoin("USDT", big.NewInt(100)), nil)
			return err
		}},
		{"zero deposit", func() error {
			_, err := engine.Begin(initiator, NewCoin("USDT", big.NewInt(0)), singleStep(1))
			return err
		}},
		{"negative deposit", func() error {
			_, err := engine.Begin(initiator, NewCoin("USDT", big.NewInt(-5)), singleStep(1))
			return err
		}},
		{"missing initiator", func() error {
			_, err := engine.Begin([20]byte{}, NewCoin("USDT", big.NewInt(100)), singleStep(1))
			return err
		}},
		{"missing market id", func() error {
			steps := singleStep(1)
			steps[0].MarketID = "  "
			_, err := engine.Begin(initiator, NewCoin("USDT", big.NewInt(100)), steps)
			return err
		}},
		{"empty denom", func() error {
			_, err := engine.Begin(initiator, NewCoin("", big.NewInt(100)), singleStep(1))
			return err
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.run(); !errors.Is(err, ErrInvalidRequest) {
				t.Fatalf("expected ErrInvalidRequest, got %v", err)
			}
		})
	}
	if len(market.calls) != 0 {
		t.Fatalf("no call may be issued for a rejected request")
	}
	// Rejected requests must not touch state: the sequence counter only
	// advances for admitted operations.
	seq, err := store.NextSequence()
	if err != nil {
		t.Fatalf("next sequence: %v", err)
	}
	if seq != 1 {
		t.Fatalf("rejected requests consumed sequence numbers: got %d", seq)
	}
}

func TestBeginIssuesFirstStep(t *testing.T) {
	engine, store, market, _, emitter := newTestEngine(t)
	initiator := testAddress(0x01)

	id, err := engine.Begin(initiator, NewCoin("usdt", big.NewInt(1000)), singleStep(1))
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if len(market.calls) != 1 {
		t.Fatalf("expected one issued call, got %d", len(market.calls))
	}
	call := market.calls[0]
	if call.opID != id || call.stepIndex != 0 {
		t.Fatalf("call routed to wrong operation/step: %x/%d", call.opID, call.stepIndex)
	}
	if call.input.Amount.Cmp(big.NewInt(1000)) != 0 || call.input.Denom != "USDT" {
		t.Fatalf("unexpected call input: %s %s", call.input.Amount, call.input.Denom)
	}

	op, ok, err := store.Get(id)
	if err != nil || !ok {
		t.Fatalf("operation not stored: %v", err)
	}
	if op.Status != OperationActive || op.StepIndex != 0 {
		t.Fatalf("unexpected stored state: status=%d cursor=%d", op.Status, op.StepIndex)
	}
	if len(emitter.types) == 0 || emitter.types[0] != EventTypeSwapStarted {
		t.Fatalf("expected swap started event, got %v", emitter.types)
	}
}

func TestBeginIssueFailureRefundsAndCleansUp(t *testing.T) {
	engine, store, market, sink, _ := newTestEngine(t)
	market.failAll = true
	initiator := testAddress(0x07)

	_, err := engine.Begin(initiator, NewCoin("USDT", big.NewInt(750)), singleStep(1))
	if err == nil {
		t.Fatalf("expected issue failure to surface")
	}
	refund := sumForDenom(sink.transfers, initiator, "USDT")
	if refund.Cmp(big.NewInt(750)) != 0 {
		t.Fatalf("expected full refund of 750, got %s", refund)
	}
	// The store keeps no residue: nothing may be left Active with no
	// pending call.
	seq, err := store.NextSequence()
	if err != nil {
		t.Fatalf("sequence probe: %v", err)
	}
	if seq != 2 {
		t.Fatalf("expected one consumed sequence, got %d", seq)
	}
}

// Scenario: a 1000 USDT single-step swap fills 991 with tick size 1. The
// refund must be 9, derived from the tick-aligned required input, and the
// output the remaining 991 minus fees.
func TestSingleStepSettlement(t *testing.T) {
	engine, store, _, sink, emitter := newTestEngine(t)
	initiator := testAddress(0x01)

	id, err := engine.Begin(initiator, NewCoin("USDT", big.NewInt(1000)), singleStep(1))
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	outcome := SuccessOutcome(StepResult{MarketID: "atom-usdt", Quantity: big.NewInt(991), Price: "1.0"})
	if err := engine.OnStepCompleted(id, 0, outcome); err != nil {
		t.Fatalf("completion: %v", err)
	}

	refund := sumForDenom(sink.transfers, initiator, "USDT")
	if refund.Cmp(big.NewInt(9)) != 0 {
		t.Fatalf("expected refund 9, got %s", refund)
	}
	output := sumForDenom(sink.transfers, initiator, "ATOM")
	if output.Cmp(big.NewInt(991)) != 0 {
		t.Fatalf("expected output 991, got %s", output)
	}

	if _, ok, _ := store.Get(id); ok {
		t.Fatalf("settled operation must be removed from the store")
	}
	last := emitter.types[len(emitter.types)-1]
	if last != EventTypeSwapSettled {
		t.Fatalf("expected settled event, got %v", emitter.types)
	}
}

// Round-tick correctness: an estimate unaligned to the tick is ceiled before
// the refund is derived. 991 at tick 10 consumes 1000, so nothing is refunded.
func TestSettlementTickAlignedRequiredInput(t *testing.T) {
	engine, _, _, sink, _ := newTestEngine(t)
	initiator := testAddress(0x02)

	id, err := engine.Begin(initiator, NewCoin("USDT", big.NewInt(1000)), singleStep(10))
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	outcome := SuccessOutcome(StepResult{Quantity: big.NewInt(991)})
	if err := engine.OnStepCompleted(id, 0, outcome); err != nil {
		t.Fatalf("completion: %v", err)
	}
	refund := sumForDenom(sink.transfers, initiator, "USDT")
	if refund.Sign() != 0 {
		t.Fatalf("tick-aligned input consumes the full deposit, refund was %s", refund)
	}
}

func TestSettlementFeeTransfer(t *testing.T) {
	engine, _, _, sink, _ := newTestEngine(t)
	collector := testAddress(0xFE)
	if err := engine.SetFeePolicy(30, collector); err != nil {
		t.Fatalf("fee policy: %v", err)
	}
	initiator := testAddress(0x03)

	id, err := engine.Begin(initiator, NewCoin("USDT", big.NewInt(20_000)), singleStep(1))
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := engine.OnStepCompleted(id, 0, SuccessOutcome(StepResult{Quantity: big.NewInt(10_000)})); err != nil {
		t.Fatalf("completion: %v", err)
	}

	fee := sumForDenom(sink.transfers, collector, "ATOM")
	if fee.Cmp(big.NewInt(30)) != 0 {
		t.Fatalf("expected fee 30, got %s", fee)
	}
	output := sumForDenom(sink.transfers, initiator, "ATOM")
	if output.Cmp(big.NewInt(9_970)) != 0 {
		t.Fatalf("expected output 9970, got %s", output)
	}
	refund := sumForDenom(sink.transfers, initiator, "USDT")
	if refund.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("expected refund 10000, got %s", refund)
	}
	// Conservation on the deposit leg: deposit == required input + refund.
	total := new(big.Int).Add(big.NewInt(10_000), refund)
	if total.Cmp(big.NewInt(20_000)) != 0 {
		t.Fatalf("conservation violated: %s", total)
	}
}

func TestMultiStepAdvance(t *testing.T) {
	engine, store, market, sink, _ := newTestEngine(t)
	initiator := testAddress(0x04)
	steps := []StepDescriptor{
		{MarketID: "eth-usdt", Direction: DirectionBuy, TargetDenom: "ETH", TickSize: big.NewInt(1)},
		{MarketID: "atom-eth", Direction: DirectionBuy, TargetDenom: "ATOM", TickSize: big.NewInt(1)},
	}

	id, err := engine.Begin(initiator, NewCoin("USDT", big.NewInt(5_000)), steps)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := engine.OnStepCompleted(id, 0, SuccessOutcome(StepResult{Quantity: big.NewInt(4_400)})); err != nil {
		t.Fatalf("step 0 completion: %v", err)
	}

	op, ok, _ := store.Get(id)
	if !ok {
		t.Fatalf("operation must remain stored mid-route")
	}
	if op.StepIndex != 1 || len(op.Results) != 1 {
		t.Fatalf("cursor did not advance: index=%d results=%d", op.StepIndex, len(op.Results))
	}
	if op.RunningBalance.Denom != "ETH" || op.RunningBalance.Amount.Cmp(big.NewInt(4_400)) != 0 {
		t.Fatalf("running balance not updated: %s %s", op.RunningBalance.Amount, op.RunningBalance.Denom)
	}
	if len(market.calls) != 2 {
		t.Fatalf("expected second call issued, got %d", len(market.calls))
	}
	second := market.calls[1]
	if second.stepIndex != 1 || second.input.Denom != "ETH" || second.input.Amount.Cmp(big.NewInt(4_400)) != 0 {
		t.Fatalf("second call fed wrong input: %+v", second)
	}

	if err := engine.OnStepCompleted(id, 1, SuccessOutcome(StepResult{Quantity: big.NewInt(120)})); err != nil {
		t.Fatalf("step 1 completion: %v", err)
	}
	output := sumForDenom(sink.transfers, initiator, "ATOM")
	if output.Cmp(big.NewInt(120)) != 0 {
		t.Fatalf("expected final output 120, got %s", output)
	}
	refund := sumForDenom(sink.transfers, initiator, "USDT")
	if refund.Cmp(big.NewInt(600)) != 0 {
		t.Fatalf("expected refund 600, got %s", refund)
	}
	if _, ok, _ := store.Get(id); ok {
		t.Fatalf("settled operation must be removed")
	}
}

// Scenario: a failed step always aborts with a refund and removes the entry;
// a later operation starts from a clean slate.
func TestStepFailureAbortsAndRefunds(t *testing.T) {
	engine, store, _, sink, emitter := newTestEngine(t)
	initiator := testAddress(0x05)

	id, err := engine.Begin(initiator, NewCoin("USDT", big.NewInt(100_000)), singleStep(1))
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := engine.OnStepCompleted(id, 0, FailureOutcome("slippage")); err != nil {
		t.Fatalf("failure completion must resolve cleanly: %v", err)
	}

	refund := sumForDenom(sink.transfers, initiator, "USDT")
	if refund.Cmp(big.NewInt(100_000)) != 0 {
		t.Fatalf("expected full refund 100000, got %s", refund)
	}
	if len(sink.transfers) != 1 {
		t.Fatalf("abort of step 0 must emit exactly one transfer, got %d", len(sink.transfers))
	}
	if _, ok, _ := store.Get(id); ok {
		t.Fatalf("failed operation must be removed")
	}
	last := emitter.types[len(emitter.types)-1]
	if last != EventTypeSwapAborted {
		t.Fatalf("expected aborted event, got %v", emitter.types)
	}

	// A fresh operation is unaffected by the prior teardown.
	fresh, err := engine.Begin(testAddress(0x06), NewCoin("USDT", big.NewInt(42)), singleStep(1))
	if err != nil {
		t.Fatalf("fresh begin: %v", err)
	}
	op, ok, _ := store.Get(fresh)
	if !ok || op.Deposit.Amount.Cmp(big.NewInt(42)) != 0 {
		t.Fatalf("fresh operation not cleanly created")
	}
}

func TestMidRouteFailureReturnsProceeds(t *testing.T) {
	engine, _, _, sink, _ := newTestEngine(t)
	initiator := testAddress(0x08)
	steps := []StepDescriptor{
		{MarketID: "eth-usdt", Direction: DirectionBuy, TargetDenom: "ETH", TickSize: big.NewInt(10)},
		{MarketID: "atom-eth", Direction: DirectionBuy, TargetDenom: "ATOM", TickSize: big.NewInt(1)},
	}

	id, err := engine.Begin(initiator, NewCoin("USDT", big.NewInt(5_000)), steps)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := engine.OnStepCompleted(id, 0, SuccessOutcome(StepResult{Quantity: big.NewInt(4_391)})); err != nil {
		t.Fatalf("step 0 completion: %v", err)
	}
	if err := engine.OnStepCompleted(id, 1, FailureOutcome("market halted")); err != nil {
		t.Fatalf("step 1 failure: %v", err)
	}

	// Consumed 4400 (4391 ceiled to tick 10); the 600 residual comes back
	// in USDT and the intermediate 4391 ETH proceeds are returned as-is.
	refund := sumForDenom(sink.transfers, initiator, "USDT")
	if refund.Cmp(big.NewInt(600)) != 0 {
		t.Fatalf("expected residual refund 600, got %s", refund)
	}
	proceeds := sumForDenom(sink.transfers, initiator, "ETH")
	if proceeds.Cmp(big.NewInt(4_391)) != 0 {
		t.Fatalf("expected proceeds 4391, got %s", proceeds)
	}
}

// Isolation: two concurrently active operations with distinct identifiers
// never observe each other's state, whatever the interleaving.
func TestConcurrentOperationsAreIsolated(t *testing.T) {
	engine, store, _, sink, _ := newTestEngine(t)
	alice := testAddress(0x0A)
	bob := testAddress(0x0B)

	idA, err := engine.Begin(alice, NewCoin("USDT", big.NewInt(10_000)), singleStep(1))
	if err != nil {
		t.Fatalf("begin A: %v", err)
	}
	idB, err := engine.Begin(bob, NewCoin("USDT", big.NewInt(1)), singleStep(1))
	if err != nil {
		t.Fatalf("begin B: %v", err)
	}
	if idA == idB {
		t.Fatalf("identifiers must be unique")
	}

	opA, ok, _ := store.Get(idA)
	if !ok || opA.Deposit.Amount.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("operation A state corrupted by B's admission")
	}
	if opA.Initiator != alice {
		t.Fatalf("operation A initiator overwritten")
	}

	// B settles first; A's stored state is untouched.
	if err := engine.OnStepCompleted(idB, 0, SuccessOutcome(StepResult{Quantity: big.NewInt(1)})); err != nil {
		t.Fatalf("B completion: %v", err)
	}
	opA, ok, _ = store.Get(idA)
	if !ok || opA.Deposit.Amount.Cmp(big.NewInt(10_000)) != 0 || opA.StepIndex != 0 {
		t.Fatalf("operation A mutated by B's settlement")
	}

	// A's own completion pays A, not B.
	if err := engine.OnStepCompleted(idA, 0, SuccessOutcome(StepResult{Quantity: big.NewInt(9_500)})); err != nil {
		t.Fatalf("A completion: %v", err)
	}
	if got := sumForDenom(sink.transfers, alice, "ATOM"); got.Cmp(big.NewInt(9_500)) != 0 {
		t.Fatalf("A's output misrouted: %s", got)
	}
	if got := sumForDenom(sink.transfers, bob, "ATOM"); got.Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("B's output misrouted: %s", got)
	}
}

// Stale rejection: a duplicate completion for an already-advanced step is
// dropped without advancing the cursor or double-paying.
func TestDuplicateCompletionRejected(t *testing.T) {
	engine, _, _, sink, _ := newTestEngine(t)
	initiator := testAddress(0x0C)
	steps := []StepDescriptor{
		{MarketID: "eth-usdt", Direction: DirectionBuy, TargetDenom: "ETH", TickSize: big.NewInt(1)},
		{MarketID: "atom-eth", Direction: DirectionBuy, TargetDenom: "ATOM", TickSize: big.NewInt(1)},
	}
	id, err := engine.Begin(initiator, NewCoin("USDT", big.NewInt(1_000)), steps)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	outcome := SuccessOutcome(StepResult{Quantity: big.NewInt(900)})
	if err := engine.OnStepCompleted(id, 0, outcome); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := engine.OnStepCompleted(id, 0, outcome); !errors.Is(err, ErrStaleContinuation) {
		t.Fatalf("expected stale rejection, got %v", err)
	}
	if len(sink.transfers) != 0 {
		t.Fatalf("duplicate delivery must not move funds")
	}
}

func TestDuplicateCompletionAfterSettlementRejected(t *testing.T) {
	engine, _, _, sink, _ := newTestEngine(t)
	initiator := testAddress(0x0D)

	id, err := engine.Begin(initiator, NewCoin("USDT", big.NewInt(1_000)), singleStep(1))
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	outcome := SuccessOutcome(StepResult{Quantity: big.NewInt(991)})
	if err := engine.OnStepCompleted(id, 0, outcome); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	paid := len(sink.transfers)

	if err := engine.OnStepCompleted(id, 0, outcome); !errors.Is(err, ErrStaleContinuation) {
		t.Fatalf("expected stale rejection, got %v", err)
	}
	if len(sink.transfers) != paid {
		t.Fatalf("second delivery must not double-emit transfers")
	}
}

func TestUnknownOperationRejected(t *testing.T) {
	engine, _, _, _, emitter := newTestEngine(t)
	var id [32]byte
	id[0] = 0x99
	err := engine.OnStepCompleted(id, 0, FailureOutcome("whatever"))
	if !errors.Is(err, ErrStaleContinuation) {
		t.Fatalf("expected stale rejection, got %v", err)
	}
	last := emitter.types[len(emitter.types)-1]
	if last != EventTypeContinuationDropped {
		t.Fatalf("expected dropped-continuation event, got %v", emitter.types)
	}
}

func TestWrongStepIndexRejected(t *testing.T) {
	engine, store, _, _, _ := newTestEngine(t)
	initiator := testAddress(0x0E)

	id, err := engine.Begin(initiator, NewCoin("USDT", big.NewInt(500)), singleStep(1))
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	err = engine.OnStepCompleted(id, 3, SuccessOutcome(StepResult{Quantity: big.NewInt(1)}))
	if !errors.Is(err, ErrStaleContinuation) {
		t.Fatalf("expected stale rejection, got %v", err)
	}
	op, ok, _ := store.Get(id)
	if !ok || op.StepIndex != 0 || len(op.Results) != 0 {
		t.Fatalf("rejected notification must not mutate state")
	}
}

func TestNonPositiveFillAborts(t *testing.T) {
	engine, store, _, sink, _ := newTestEngine(t)
	initiator := testAddress(0x0F)

	id, err := engine.Begin(initiator, NewCoin("USDT", big.NewInt(300)), singleStep(1))
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := engine.OnStepCompleted(id, 0, SuccessOutcome(StepResult{Quantity: big.NewInt(0)})); err != nil {
		t.Fatalf("zero fill must abort cleanly: %v", err)
	}
	refund := sumForDenom(sink.transfers, initiator, "USDT")
	if refund.Cmp(big.NewInt(300)) != 0 {
		t.Fatalf("expected full refund, got %s", refund)
	}
	if _, ok, _ := store.Get(id); ok {
		t.Fatalf("operation must be removed")
	}
}

func TestSettlementInvariantViolationBlocksTransfers(t *testing.T) {
	engine, store, _, sink, _ := newTestEngine(t)
	initiator := testAddress(0x10)

	// Tick 64 ceils a 1000-unit fill to 1024, exceeding the deposit: the
	// invariant trips and no transfer may be applied.
	steps := []StepDescriptor{
		{MarketID: "atom-usdt", Direction: DirectionBuy, TargetDenom: "ATOM", TickSize: big.NewInt(64)},
	}
	id, err := engine.Begin(initiator, NewCoin("USDT", big.NewInt(1_000)), steps)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	err = engine.OnStepCompleted(id, 0, SuccessOutcome(StepResult{Quantity: big.NewInt(1_000)}))
	if !errors.Is(err, ErrSettlementInvariant) {
		t.Fatalf("expected invariant violation, got %v", err)
	}
	if len(sink.transfers) != 0 {
		t.Fatalf("invariant violation must not move funds")
	}
	op, ok, _ := store.Get(id)
	if !ok || op.Status != OperationSettling {
		t.Fatalf("operation should be held in Settling for inspection")
	}
}

func TestPausedModuleRejectsEntryPoints(t *testing.T) {
	engine, _, _, _, _ := newTestEngine(t)
	engine.SetPauses(pausedView{})

	_, err := engine.Begin(testAddress(0x11), NewCoin("USDT", big.NewInt(100)), singleStep(1))
	if err == nil {
		t.Fatalf("paused module must reject begin")
	}
	var id [32]byte
	if err := engine.OnStepCompleted(id, 0, FailureOutcome("x")); err == nil {
		t.Fatalf("paused module must reject completions")
	}
}

type pausedView struct{}

func (pausedView) IsPaused(module string) bool { return module == "router" }

func TestFeePolicyValidation(t *testing.T) {
	engine := NewEngine()
	if err := engine.SetFeePolicy(10_001, testAddress(0x01)); err == nil {
		t.Fatalf("fee bps above 10000 must be rejected")
	}
	if err := engine.SetFeePolicy(500, testAddress(0x01)); err != nil {
		t.Fatalf("valid policy rejected: %v", err)
	}
}
