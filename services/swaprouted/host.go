package swaprouted

import (
	"encoding/hex"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"swaproute/native/router"
	"swaproute/observability"
)

// PendingCall is an issued market call awaiting its completion report from
// the host-side executor.
type PendingCall struct {
	OperationID string    `json:"operationId"`
	StepIndex   uint32    `json:"stepIndex"`
	Market      string    `json:"market"`
	InputAmount string    `json:"inputAmount"`
	InputDenom  string    `json:"inputDenom"`
	IssuedAt    time.Time `json:"issuedAt"`
}

// CallBook implements the engine's market boundary for the daemon: issuing a
// call records it for the executor to pick up; an accepted completion retires
// it. The book holds at most one pending call per operation by construction.
type CallBook struct {
	mu      sync.Mutex
	pending map[string]PendingCall
	log     *slog.Logger
	nowFn   func() time.Time
}

// NewCallBook constructs an empty call book.
func NewCallBook(log *slog.Logger) *CallBook {
	return &CallBook{
		pending: make(map[string]PendingCall),
		log:     log,
		nowFn:   time.Now,
	}
}

// IssueStepCall implements router.MarketCaller.
func (b *CallBook) IssueStepCall(opID [32]byte, stepIndex uint32, step router.StepDescriptor, input router.Coin) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := hex.EncodeToString(opID[:])
	call := PendingCall{
		OperationID: id,
		StepIndex:   stepIndex,
		Market:      step.MarketID,
		InputAmount: input.Amount.String(),
		InputDenom:  input.Denom,
		IssuedAt:    b.nowFn(),
	}
	b.pending[id] = call
	observability.Router().RecordStepIssued()
	if b.log != nil {
		b.log.Info("step call issued",
			slog.String("operationId", id),
			slog.Uint64("stepIndex", uint64(stepIndex)),
			slog.String("market", step.MarketID),
			slog.String("denom", input.Denom),
		)
	}
	return nil
}

// Retire drops the pending call for the (operation, step) pair once its
// completion has been accepted. A mid-route completion replaces the entry
// with the next step's call before the handler retires the old one, so an
// entry recorded under a later step index must stay.
func (b *CallBook) Retire(opID [32]byte, stepIndex uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := hex.EncodeToString(opID[:])
	call, ok := b.pending[id]
	if !ok || call.StepIndex != stepIndex {
		return
	}
	delete(b.pending, id)
}

// Pending lists outstanding calls ordered by issue time.
func (b *CallBook) Pending() []PendingCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	calls := make([]PendingCall, 0, len(b.pending))
	for _, call := range b.pending {
		calls = append(calls, call)
	}
	for i := 1; i < len(calls); i++ {
		for j := i; j > 0 && calls[j].IssuedAt.Before(calls[j-1].IssuedAt); j-- {
			calls[j], calls[j-1] = calls[j-1], calls[j]
		}
	}
	return calls
}

// TransferRecord is one settlement transfer handed to the host boundary.
type TransferRecord struct {
	Recipient string    `json:"recipient"`
	Amount    string    `json:"amount"`
	Denom     string    `json:"denom"`
	At        time.Time `json:"at"`
}

// TransferLog implements router.TransferSink: transfers are best-effort at
// this boundary, so the log records them for reconciliation and exposes them
// over the API.
type TransferLog struct {
	mu      sync.Mutex
	entries []TransferRecord
	limit   int
	log     *slog.Logger
	nowFn   func() time.Time
}

// NewTransferLog constructs a bounded transfer log.
func NewTransferLog(log *slog.Logger, limit int) *TransferLog {
	if limit <= 0 {
		limit = 1024
	}
	return &TransferLog{limit: limit, log: log, nowFn: time.Now}
}

// Transfer implements router.TransferSink.
func (l *TransferLog) Transfer(recipient [20]byte, amount *big.Int, denom string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	record := TransferRecord{
		Recipient: hex.EncodeToString(recipient[:]),
		Amount:    amount.String(),
		Denom:     denom,
		At:        l.nowFn(),
	}
	l.entries = append(l.entries, record)
	if len(l.entries) > l.limit {
		l.entries = l.entries[len(l.entries)-l.limit:]
	}
	if l.log != nil {
		l.log.Info("transfer enqueued",
			slog.String("denom", denom),
			slog.String("amount", amount.String()),
		)
	}
	return nil
}

// Recent returns a copy of the retained transfer records.
func (l *TransferLog) Recent() []TransferRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]TransferRecord, len(l.entries))
	copy(out, l.entries)
	return out
}
