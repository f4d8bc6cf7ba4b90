package router

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"

	"swaproute/storage"
)

var (
	operationKeyPrefix = []byte("router/op/")
	operationSeqKey    = []byte("router/seq")
)

// OperationStore persists swap operations in the key-value substrate, one
// durable entry per operation identifier. Every read and write resolves
// through the caller's own identifier; there is no shared well-known slot, so
// operations with distinct identifiers cannot alias each other's state.
type OperationStore struct {
	db storage.Database
}

// NewOperationStore constructs a store bound to the provided backend.
func NewOperationStore(db storage.Database) *OperationStore {
	return &OperationStore{db: db}
}

type storedStep struct {
	MarketID    string
	Direction   uint8
	TargetDenom string
	TickSize    string
}

type storedResult struct {
	MarketID string
	Quantity string
	Price    string
	Fee      string
}

type storedOperation struct {
	Initiator     [20]byte
	DepositDenom  string
	DepositAmount string
	Steps         []storedStep
	Status        uint8
	StepIndex     uint32
	BalanceDenom  string
	BalanceAmount string
	Results       []storedResult
	CreatedAt     uint64
}

// NextSequence increments and returns the store-managed identifier sequence.
// Identifiers derived from it are never reused, even across restarts.
func (s *OperationStore) NextSequence() (uint64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("router: operation store not initialised")
	}
	var seq uint64
	raw, err := s.db.Get(operationSeqKey)
	switch {
	case err == nil:
		if len(raw) != 8 {
			return 0, fmt.Errorf("router: corrupt sequence entry")
		}
		seq = binary.BigEndian.Uint64(raw)
	case errors.Is(err, storage.ErrKeyNotFound):
	default:
		return 0, err
	}
	if seq == math.MaxUint64 {
		return 0, fmt.Errorf("router: sequence exhausted")
	}
	seq++
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	if err := s.db.Put(operationSeqKey, buf); err != nil {
		return 0, err
	}
	return seq, nil
}

// Create persists a new operation, failing with ErrDuplicateOperation when the
// identifier is already present.
func (s *OperationStore) Create(op *SwapOperation) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("router: operation store not initialised")
	}
	sanitized, err := SanitizeOperation(op)
	if err != nil {
		return err
	}
	key := operationKey(sanitized.ID)
	exists, err := s.db.Has(key)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %x", ErrDuplicateOperation, sanitized.ID)
	}
	return s.put(key, sanitized)
}

// Get retrieves the operation stored under the identifier.
func (s *OperationStore) Get(id [32]byte) (*SwapOperation, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, fmt.Errorf("router: operation store not initialised")
	}
	raw, err := s.db.Get(operationKey(id))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var stored storedOperation
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return nil, false, fmt.Errorf("router: decode operation %s: %w", hex.EncodeToString(id[:]), err)
	}
	op, err := fromStoredOperation(id, &stored)
	if err != nil {
		return nil, false, err
	}
	return op, true, nil
}

// Update applies a mutation to the operation stored under the identifier. The
// read-modify-write cycle is scoped to that one identifier, so updates on
// different operations cannot interfere. The mutated record is sanitised and
// durable before Update returns.
func (s *OperationStore) Update(id [32]byte, mutate func(*SwapOperation) error) error {
	if mutate == nil {
		return fmt.Errorf("router: nil mutator")
	}
	op, ok, err := s.Get(id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %x", ErrOperationNotFound, id)
	}
	if err := mutate(op); err != nil {
		return err
	}
	sanitized, err := SanitizeOperation(op)
	if err != nil {
		return err
	}
	if sanitized.ID != id {
		return fmt.Errorf("router: mutation must not rekey operation %x", id)
	}
	return s.put(operationKey(id), sanitized)
}

// Remove deletes the operation entry. Removing an absent identifier is a
// no-op so settlement teardown stays idempotent.
func (s *OperationStore) Remove(id [32]byte) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("router: operation store not initialised")
	}
	return s.db.Delete(operationKey(id))
}

func (s *OperationStore) put(key []byte, op *SwapOperation) error {
	encoded, err := rlp.EncodeToBytes(toStoredOperation(op))
	if err != nil {
		return err
	}
	return s.db.Put(key, encoded)
}

func operationKey(id [32]byte) []byte {
	buf := make([]byte, len(operationKeyPrefix)+hex.EncodedLen(len(id)))
	copy(buf, operationKeyPrefix)
	hex.Encode(buf[len(operationKeyPrefix):], id[:])
	return buf
}

func toStoredOperation(op *SwapOperation) *storedOperation {
	stored := &storedOperation{
		Initiator:     op.Initiator,
		DepositDenom:  op.Deposit.Denom,
		DepositAmount: amountToString(op.Deposit.Amount),
		Status:        uint8(op.Status),
		StepIndex:     op.StepIndex,
		BalanceDenom:  op.RunningBalance.Denom,
		BalanceAmount: amountToString(op.RunningBalance.Amount),
	}
	if op.CreatedAt > 0 {
		stored.CreatedAt = uint64(op.CreatedAt)
	}
	for _, step := range op.Steps {
		entry := storedStep{
			MarketID:    step.MarketID,
			Direction:   uint8(step.Direction),
			TargetDenom: step.TargetDenom,
		}
		if step.TickSize != nil {
			entry.TickSize = step.TickSize.String()
		}
		stored.Steps = append(stored.Steps, entry)
	}
	for _, result := range op.Results {
		stored.Results = append(stored.Results, storedResult{
			MarketID: result.MarketID,
			Quantity: amountToString(result.Quantity),
			Price:    result.Price,
			Fee:      amountToString(result.Fee),
		})
	}
	return stored
}

func fromStoredOperation(id [32]byte, stored *storedOperation) (*SwapOperation, error) {
	if stored == nil {
		return nil, fmt.Errorf("router: nil stored operation")
	}
	if stored.CreatedAt > math.MaxInt64 {
		return nil, fmt.Errorf("router: created at overflow")
	}
	op := &SwapOperation{
		ID:        id,
		Initiator: stored.Initiator,
		Status:    OperationStatus(stored.Status),
		StepIndex: stored.StepIndex,
		CreatedAt: int64(stored.CreatedAt),
	}
	deposit, err := parseAmount(stored.DepositAmount)
	if err != nil {
		return nil, fmt.Errorf("router: deposit amount: %w", err)
	}
	op.Deposit = Coin{Denom: stored.DepositDenom, Amount: deposit}
	balance, err := parseAmount(stored.BalanceAmount)
	if err != nil {
		return nil, fmt.Errorf("router: running balance: %w", err)
	}
	op.RunningBalance = Coin{Denom: stored.BalanceDenom, Amount: balance}
	for i, step := range stored.Steps {
		descriptor := StepDescriptor{
			MarketID:    step.MarketID,
			Direction:   Direction(step.Direction),
			TargetDenom: step.TargetDenom,
		}
		if step.TickSize != "" {
			tick, err := parseAmount(step.TickSize)
			if err != nil {
				return nil, fmt.Errorf("router: step %d tick size: %w", i, err)
			}
			descriptor.TickSize = tick
		}
		op.Steps = append(op.Steps, descriptor)
	}
	for i, result := range stored.Results {
		quantity, err := parseAmount(result.Quantity)
		if err != nil {
			return nil, fmt.Errorf("router: result %d quantity: %w", i, err)
		}
		fee, err := parseAmount(result.Fee)
		if err != nil {
			return nil, fmt.Errorf("router: result %d fee: %w", i, err)
		}
		op.Results = append(op.Results, StepResult{
			MarketID: result.MarketID,
			Quantity: quantity,
			Price:    result.Price,
			Fee:      fee,
		})
	}
	return SanitizeOperation(op)
}

func amountToString(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	return amount.String()
}

func parseAmount(raw string) (*big.Int, error) {
	if raw == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	return amount, nil
}
