package router

import (
	"fmt"
	"math/big"
	"strings"
)

// OperationStatus represents the lifecycle states of a multi-step swap
// operation driven by the router engine.
type OperationStatus uint8

const (
	OperationActive OperationStatus = iota
	OperationSettling
	OperationCompleted
	OperationFailed
)

// Valid reports whether the status value is within the supported range.
func (s OperationStatus) Valid() bool {
	switch s {
	case OperationActive, OperationSettling, OperationCompleted, OperationFailed:
		return true
	default:
		return false
	}
}

// Direction describes which side of the market a step takes.
type Direction uint8

const (
	DirectionBuy Direction = iota
	DirectionSell
)

// Valid reports whether the direction value is within the supported range.
func (d Direction) Valid() bool {
	return d == DirectionBuy || d == DirectionSell
}

// Coin pairs an amount with its denomination.
type Coin struct {
	Denom  string
	Amount *big.Int
}

// NewCoin constructs a coin with a defensive copy of the amount.
func NewCoin(denom string, amount *big.Int) Coin {
	amt := big.NewInt(0)
	if amount != nil {
		amt = new(big.Int).Set(amount)
	}
	return Coin{Denom: denom, Amount: amt}
}

// Clone returns a deep copy of the coin.
func (c Coin) Clone() Coin {
	return NewCoin(c.Denom, c.Amount)
}

// IsPositive reports whether the coin carries a strictly positive amount.
func (c Coin) IsPositive() bool {
	return c.Amount != nil && c.Amount.Sign() > 0
}

// NormalizeDenom canonicalises a denomination symbol to uppercase and rejects
// empty values.
func NormalizeDenom(denom string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(denom))
	if trimmed == "" {
		return "", fmt.Errorf("router: denomination must not be empty")
	}
	return trimmed, nil
}

// StepDescriptor names one market hop of a swap route. TickSize is the
// market's minimum quantity increment; required inputs are rounded up to this
// granularity before any refund is derived from them.
type StepDescriptor struct {
	MarketID    string
	Direction   Direction
	TargetDenom string
	TickSize    *big.Int
}

// Clone returns a deep copy of the descriptor.
func (s StepDescriptor) Clone() StepDescriptor {
	clone := s
	if s.TickSize != nil {
		clone.TickSize = new(big.Int).Set(s.TickSize)
	}
	return clone
}

// StepResult captures the outcome reported by a market for one executed step.
type StepResult struct {
	MarketID string
	Quantity *big.Int
	Price    string
	Fee      *big.Int
}

// Clone returns a deep copy of the result.
func (r StepResult) Clone() StepResult {
	clone := r
	if r.Quantity != nil {
		clone.Quantity = new(big.Int).Set(r.Quantity)
	}
	if r.Fee != nil {
		clone.Fee = new(big.Int).Set(r.Fee)
	}
	return clone
}

// SwapOperation is the durable record of one end-to-end swap request. The
// step cursor (StepIndex, RunningBalance, Results) is embedded so a single
// keyed entry carries the whole operation. Deposit and Steps are immutable
// after creation; the cursor advances only when a step completion is accepted.
type SwapOperation struct {
	ID             [32]byte
	Initiator      [20]byte
	Deposit        Coin
	Steps          []StepDescriptor
	Status         OperationStatus
	StepIndex      uint32
	RunningBalance Coin
	Results        []StepResult
	CreatedAt      int64
}

// Clone returns a deep copy of the operation so callers can safely mutate the
// copy without affecting the stored instance.
func (op *SwapOperation) Clone() *SwapOperation {
	if op == nil {
		return nil
	}
	clone := *op
	clone.Deposit = op.Deposit.Clone()
	clone.RunningBalance = op.RunningBalance.Clone()
	clone.Steps = make([]StepDescriptor, len(op.Steps))
	for i, step := range op.Steps {
		clone.Steps[i] = step.Clone()
	}
	clone.Results = make([]StepResult, 0, len(op.Results))
	for _, result := range op.Results {
		clone.Results = append(clone.Results, result.Clone())
	}
	return &clone
}

// SanitizeOperation validates and normalises the supplied operation, returning
// a cloned instance with canonical denomination casing. The cursor invariant
// len(Results) == StepIndex is enforced while the operation is active.
func SanitizeOperation(op *SwapOperation) (*SwapOperation, error) {
	if op == nil {
		return nil, fmt.Errorf("router: nil operation")
	}
	clone := op.Clone()
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("router: invalid operation status: %d", clone.Status)
	}
	if len(clone.Steps) == 0 {
		return nil, fmt.Errorf("router: operation has no steps")
	}
	depositDenom, err := NormalizeDenom(clone.Deposit.Denom)
	if err != nil {
		return nil, err
	}
	clone.Deposit.Denom = depositDenom
	if clone.Deposit.Amount == nil || clone.Deposit.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("router: deposit amount must be positive")
	}
	balanceDenom, err := NormalizeDenom(clone.RunningBalance.Denom)
	if err != nil {
		return nil, err
	}
	clone.RunningBalance.Denom = balanceDenom
	if clone.RunningBalance.Amount == nil || clone.RunningBalance.Amount.Sign() < 0 {
		return nil, fmt.Errorf("router: running balance must be non-negative")
	}
	for i := range clone.Steps {
		step := &clone.Steps[i]
		if strings.TrimSpace(step.MarketID) == "" {
			return nil, fmt.Errorf("router: step %d missing market id", i)
		}
		step.MarketID = strings.TrimSpace(step.MarketID)
		if !step.Direction.Valid() {
			return nil, fmt.Errorf("router: step %d invalid direction: %d", i, step.Direction)
		}
		target, err := NormalizeDenom(step.TargetDenom)
		if err != nil {
			return nil, fmt.Errorf("router: step %d: %w", i, err)
		}
		step.TargetDenom = target
		if step.TickSize != nil && step.TickSize.Sign() < 0 {
			return nil, fmt.Errorf("router: step %d negative tick size", i)
		}
	}
	if clone.StepIndex > uint32(len(clone.Steps)) {
		return nil, fmt.Errorf("router: step index %d beyond route length %d", clone.StepIndex, len(clone.Steps))
	}
	if clone.Status == OperationActive && uint32(len(clone.Results)) != clone.StepIndex {
		return nil, fmt.Errorf("router: cursor mismatch: %d results at step %d", len(clone.Results), clone.StepIndex)
	}
	for i, result := range clone.Results {
		if result.Quantity == nil || result.Quantity.Sign() <= 0 {
			return nil, fmt.Errorf("router: result %d quantity must be positive", i)
		}
	}
	return clone, nil
}
