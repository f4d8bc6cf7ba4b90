package router

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"swaproute/core/events"
	"swaproute/core/types"
	nativecommon "swaproute/native/common"
)

const routerModuleName = "router"

var (
	errNilState    = errors.New("router engine: state not configured")
	errNilMarket   = errors.New("router engine: market caller not configured")
	errNilTransfer = errors.New("router engine: transfer sink not configured")
	errNilFeeSink  = errors.New("router engine: fee collector not configured")
)

// OperationState is the subset of store functionality the engine requires.
type OperationState interface {
	NextSequence() (uint64, error)
	Create(op *SwapOperation) error
	Get(id [32]byte) (*SwapOperation, bool, error)
	Update(id [32]byte, mutate func(*SwapOperation) error) error
	Remove(id [32]byte) error
}

// MarketCaller issues a step's external call to the host. The call is
// fire-and-continue: the host must eventually report exactly one completion
// for the (operation, step) pair, for either outcome.
type MarketCaller interface {
	IssueStepCall(opID [32]byte, stepIndex uint32, step StepDescriptor, input Coin) error
}

// TransferSink receives settlement transfers. Transfers are best-effort at
// this boundary; the operation is considered settled once its transfers have
// been handed over.
type TransferSink interface {
	Transfer(recipient [20]byte, amount *big.Int, denom string) error
}

// StepOutcome is the tagged result of an issued step call. Exactly one of the
// two arms is populated; a nil Result marks the failure arm. Both arms are
// mandatory at the dispatch boundary: a failure is never silently ignored.
type StepOutcome struct {
	Result  *StepResult
	Failure string
}

// SuccessOutcome wraps a market fill into the success arm.
func SuccessOutcome(result StepResult) StepOutcome {
	clone := result.Clone()
	return StepOutcome{Result: &clone}
}

// FailureOutcome wraps a market failure reason into the failure arm.
func FailureOutcome(reason string) StepOutcome {
	return StepOutcome{Failure: strings.TrimSpace(reason)}
}

// Failed reports whether the outcome is the failure arm.
func (o StepOutcome) Failed() bool { return o.Result == nil }

// Engine drives multi-step swap operations: it admits requests, issues step
// calls, routes completion notifications back to the owning operation and
// settles funds exactly once. All state access is scoped to a single
// operation identifier, so concurrent operations never observe each other.
type Engine struct {
	state        OperationState
	market       MarketCaller
	transfers    TransferSink
	emitter      events.Emitter
	feeBps       uint32
	feeCollector [20]byte
	nowFn        func() int64
	pauses       nativecommon.PauseView
}

// NewEngine creates a router engine with a no-op emitter. Callers can override
// the emitter via SetEmitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the operation store backend.
func (e *Engine) SetState(state OperationState) { e.state = state }

// SetMarketCaller configures the host boundary used to issue step calls.
func (e *Engine) SetMarketCaller(market MarketCaller) { e.market = market }

// SetTransferSink configures the settlement transfer boundary.
func (e *Engine) SetTransferSink(sink TransferSink) { e.transfers = sink }

// SetFeePolicy configures the fee taken from the output leg and the account
// receiving it. Fees are disabled when bps is zero.
func (e *Engine) SetFeePolicy(bps uint32, collector [20]byte) error {
	if bps > 10_000 {
		return fmt.Errorf("router: fee bps out of range: %d", bps)
	}
	e.feeBps = bps
	e.feeCollector = collector
	return nil
}

// SetPauses configures the administrative pause view.
func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source, primarily used in tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) emit(evt *types.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(routerEvent{evt: evt})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

// Begin validates and admits a swap request, persists the new operation and
// issues the call for step 0. Invalid input is rejected synchronously with
// ErrInvalidRequest: no state is created and no funds move.
func (e *Engine) Begin(initiator [20]byte, deposit Coin, steps []StepDescriptor) ([32]byte, error) {
	var zero [32]byte
	if e == nil || e.state == nil {
		return zero, errNilState
	}
	if e.market == nil {
		return zero, errNilMarket
	}
	if err := nativecommon.Guard(e.pauses, routerModuleName); err != nil {
		return zero, err
	}
	if initiator == ([20]byte{}) {
		return zero, fmt.Errorf("%w: missing initiator", ErrInvalidRequest)
	}
	if len(steps) == 0 {
		return zero, fmt.Errorf("%w: route must contain at least one step", ErrInvalidRequest)
	}
	depositDenom, err := NormalizeDenom(deposit.Denom)
	if err != nil {
		return zero, fmt.Errorf("%w: %s", ErrInvalidRequest, err)
	}
	if !deposit.IsPositive() {
		return zero, fmt.Errorf("%w: deposit amount must be positive", ErrInvalidRequest)
	}
	route := make([]StepDescriptor, 0, len(steps))
	for i, step := range steps {
		if strings.TrimSpace(step.MarketID) == "" {
			return zero, fmt.Errorf("%w: step %d missing market id", ErrInvalidRequest, i)
		}
		if !step.Direction.Valid() {
			return zero, fmt.Errorf("%w: step %d invalid direction", ErrInvalidRequest, i)
		}
		target, err := NormalizeDenom(step.TargetDenom)
		if err != nil {
			return zero, fmt.Errorf("%w: step %d: %s", ErrInvalidRequest, i, err)
		}
		if step.TickSize != nil && step.TickSize.Sign() < 0 {
			return zero, fmt.Errorf("%w: step %d negative tick size", ErrInvalidRequest, i)
		}
		clone := step.Clone()
		clone.MarketID = strings.TrimSpace(step.MarketID)
		clone.TargetDenom = target
		route = append(route, clone)
	}
	seq, err := e.state.NextSequence()
	if err != nil {
		return zero, err
	}
	now := e.now()
	id := operationID(initiator, seq, now)
	op := &SwapOperation{
		ID:             id,
		Initiator:      initiator,
		Deposit:        Coin{Denom: depositDenom, Amount: new(big.Int).Set(deposit.Amount)},
		Steps:          route,
		Status:         OperationActive,
		StepIndex:      0,
		RunningBalance: Coin{Denom: depositDenom, Amount: new(big.Int).Set(deposit.Amount)},
		CreatedAt:      now,
	}
	if err := e.state.Create(op); err != nil {
		return zero, err
	}
	e.emit(NewSwapStartedEvent(op))
	if err := e.market.IssueStepCall(id, 0, route[0], op.Deposit.Clone()); err != nil {
		// A request may never sit Active with no pending call; tear it
		// down and refund the full deposit.
		if abortErr := e.abort(op, fmt.Sprintf("issue step 0: %v", err)); abortErr != nil {
			return zero, abortErr
		}
		return zero, fmt.Errorf("router: issue step 0: %w", err)
	}
	return id, nil
}

// OnStepCompleted is the continuation dispatcher: it routes an asynchronous
// completion notification back to the operation that issued the call. A
// notification that does not match a stored operation at exactly its current
// step is dropped with ErrStaleContinuation and never mutates state. Both
// outcome arms are handled; a failure always resolves through abort.
func (e *Engine) OnStepCompleted(id [32]byte, stepIndex uint32, outcome StepOutcome) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, routerModuleName); err != nil {
		return err
	}
	op, ok, err := e.state.Get(id)
	if err != nil {
		return err
	}
	if !ok {
		e.emit(NewContinuationDroppedEvent(id, stepIndex, "unknown operation"))
		return fmt.Errorf("%w: unknown operation %x", ErrStaleContinuation, id)
	}
	if op.Status != OperationActive {
		e.emit(NewContinuationDroppedEvent(id, stepIndex, "operation not active"))
		return fmt.Errorf("%w: operation %x not active", ErrStaleContinuation, id)
	}
	if stepIndex != op.StepIndex {
		e.emit(NewContinuationDroppedEvent(id, stepIndex, "step cursor mismatch"))
		return fmt.Errorf("%w: step %d does not match cursor %d", ErrStaleContinuation, stepIndex, op.StepIndex)
	}
	if outcome.Failed() {
		e.emit(NewStepFailedEvent(op, outcome.Failure))
		return e.abort(op, outcome.Failure)
	}
	result := outcome.Result.Clone()
	if result.Quantity == nil || result.Quantity.Sign() <= 0 {
		e.emit(NewStepFailedEvent(op, "non-positive fill quantity"))
		return e.abort(op, "non-positive fill quantity")
	}
	if strings.TrimSpace(result.MarketID) == "" {
		result.MarketID = op.Steps[stepIndex].MarketID
	}
	step := op.Steps[stepIndex]
	lastStep := stepIndex+1 == uint32(len(op.Steps))
	var updated *SwapOperation
	err = e.state.Update(id, func(stored *SwapOperation) error {
		if stored.Status != OperationActive || stored.StepIndex != stepIndex {
			return fmt.Errorf("%w: operation %x advanced concurrently", ErrStaleContinuation, id)
		}
		stored.Results = append(stored.Results, result)
		stored.RunningBalance = Coin{Denom: step.TargetDenom, Amount: new(big.Int).Set(result.Quantity)}
		if lastStep {
			stored.Status = OperationSettling
		} else {
			stored.StepIndex = stepIndex + 1
		}
		updated = stored.Clone()
		return nil
	})
	if err != nil {
		return err
	}
	e.emit(NewStepCompletedEvent(updated, result))
	if lastStep {
		return e.settle(updated)
	}
	next := updated.Steps[updated.StepIndex]
	if err := e.market.IssueStepCall(id, updated.StepIndex, next, updated.RunningBalance.Clone()); err != nil {
		if abortErr := e.abort(updated, fmt.Sprintf("issue step %d: %v", updated.StepIndex, err)); abortErr != nil {
			return abortErr
		}
		return fmt.Errorf("router: issue step %d: %w", updated.StepIndex, err)
	}
	return nil
}

// settle computes and applies the final transfers for a finished route, then
// removes the store entry. The required input is the tick-aligned amount the
// deposit-leg step consumed; the raw estimate is never used for the refund.
func (e *Engine) settle(op *SwapOperation) error {
	if e.transfers == nil {
		return errNilTransfer
	}
	if e.feeBps > 0 && e.feeCollector == ([20]byte{}) {
		return errNilFeeSink
	}
	requiredInput := AlignToTick(op.Results[0].Quantity, op.Steps[0].TickSize)
	settlement, err := ComputeSettlement(op.Deposit, requiredInput, op.RunningBalance, e.feeBps)
	if err != nil {
		// Invariant violations are fatal to the operation: surface them
		// and leave the entry in Settling for operator inspection.
		return err
	}
	if settlement.Output.IsPositive() {
		if err := e.transfers.Transfer(op.Initiator, settlement.Output.Amount, settlement.Output.Denom); err != nil {
			return err
		}
	}
	if settlement.Refund.IsPositive() {
		if err := e.transfers.Transfer(op.Initiator, settlement.Refund.Amount, settlement.Refund.Denom); err != nil {
			return err
		}
	}
	if settlement.Fee.IsPositive() {
		if err := e.transfers.Transfer(e.feeCollector, settlement.Fee.Amount, settlement.Fee.Denom); err != nil {
			return err
		}
	}
	if err := e.state.Remove(op.ID); err != nil {
		return err
	}
	op.Status = OperationCompleted
	e.emit(NewSwapSettledEvent(op, settlement))
	return nil
}

// abort tears an operation down after a step failure: the unconsumed portion
// of the deposit is refunded, any intermediate proceeds are returned in their
// current denomination, and the store entry is removed. Funds already paid
// out by prior completed steps are never clawed back.
func (e *Engine) abort(op *SwapOperation, reason string) error {
	if e.transfers == nil {
		return errNilTransfer
	}
	consumed := big.NewInt(0)
	if op.StepIndex > 0 && len(op.Results) > 0 {
		consumed = AlignToTick(op.Results[0].Quantity, op.Steps[0].TickSize)
	}
	refund := new(big.Int).Sub(op.Deposit.Amount, consumed)
	if refund.Sign() < 0 {
		return fmt.Errorf("%w: consumed %s exceeds deposit %s", ErrSettlementInvariant, consumed, op.Deposit.Amount)
	}
	if refund.Sign() > 0 {
		if err := e.transfers.Transfer(op.Initiator, refund, op.Deposit.Denom); err != nil {
			return err
		}
	}
	if op.StepIndex > 0 && op.RunningBalance.IsPositive() {
		if err := e.transfers.Transfer(op.Initiator, op.RunningBalance.Amount, op.RunningBalance.Denom); err != nil {
			return err
		}
	}
	if err := e.state.Remove(op.ID); err != nil {
		return err
	}
	op.Status = OperationFailed
	e.emit(NewSwapAbortedEvent(op, reason, Coin{Denom: op.Deposit.Denom, Amount: refund}))
	return nil
}

// operationID derives a unique identifier from the initiator, the store
// sequence and the admission timestamp. The sequence alone guarantees ids are
// never reused.
func operationID(initiator [20]byte, seq uint64, createdAt int64) [32]byte {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], seq)
	if createdAt > 0 {
		binary.BigEndian.PutUint64(buf[8:], uint64(createdAt))
	}
	return ethcrypto.Keccak256Hash(initiator[:], buf[:])
}
