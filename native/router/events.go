package router

import (
	"encoding/hex"
	"strconv"
	"strings"

	"swaproute/core/types"
)

const (
	EventTypeSwapStarted         = "router.swap.started"
	EventTypeStepCompleted       = "router.swap.step_completed"
	EventTypeStepFailed          = "router.swap.step_failed"
	EventTypeSwapSettled         = "router.swap.settled"
	EventTypeSwapAborted         = "router.swap.aborted"
	EventTypeContinuationDropped = "router.swap.continuation_dropped"
)

type routerEvent struct {
	evt *types.Event
}

func (e routerEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e routerEvent) Event() *types.Event { return e.evt }

// NewSwapStartedEvent returns the canonical payload for a newly accepted swap
// request.
func NewSwapStartedEvent(op *SwapOperation) *types.Event {
	return newOperationEvent(EventTypeSwapStarted, op, nil)
}

// NewStepCompletedEvent returns the payload emitted when a step completion is
// accepted and the cursor advances.
func NewStepCompletedEvent(op *SwapOperation, result StepResult) *types.Event {
	extra := map[string]string{
		"market":   result.MarketID,
		"quantity": amountToString(result.Quantity),
	}
	if strings.TrimSpace(result.Price) != "" {
		extra["price"] = strings.TrimSpace(result.Price)
	}
	return newOperationEvent(EventTypeStepCompleted, op, extra)
}

// NewStepFailedEvent returns the payload emitted when a market reports a step
// failure.
func NewStepFailedEvent(op *SwapOperation, reason string) *types.Event {
	return newOperationEvent(EventTypeStepFailed, op, map[string]string{"reason": strings.TrimSpace(reason)})
}

// NewSwapSettledEvent returns the payload emitted once settlement transfers
// have been handed to the sink.
func NewSwapSettledEvent(op *SwapOperation, settlement *Settlement) *types.Event {
	extra := map[string]string{}
	if settlement != nil {
		extra["output"] = amountToString(settlement.Output.Amount)
		extra["outputDenom"] = settlement.Output.Denom
		extra["refund"] = amountToString(settlement.Refund.Amount)
		extra["fee"] = amountToString(settlement.Fee.Amount)
	}
	return newOperationEvent(EventTypeSwapSettled, op, extra)
}

// NewSwapAbortedEvent returns the payload emitted when an operation is torn
// down after a step failure.
func NewSwapAbortedEvent(op *SwapOperation, reason string, refund Coin) *types.Event {
	extra := map[string]string{
		"reason":      strings.TrimSpace(reason),
		"refund":      amountToString(refund.Amount),
		"refundDenom": refund.Denom,
	}
	return newOperationEvent(EventTypeSwapAborted, op, extra)
}

// NewContinuationDroppedEvent returns the payload emitted when a completion
// notification is rejected as stale or unknown. No state is mutated.
func NewContinuationDroppedEvent(id [32]byte, stepIndex uint32, reason string) *types.Event {
	return &types.Event{
		Type: EventTypeContinuationDropped,
		Attributes: map[string]string{
			"operationId": hex.EncodeToString(id[:]),
			"stepIndex":   strconv.FormatUint(uint64(stepIndex), 10),
			"reason":      strings.TrimSpace(reason),
		},
	}
}

func newOperationEvent(eventType string, op *SwapOperation, extra map[string]string) *types.Event {
	attrs := make(map[string]string)
	if op != nil {
		attrs["operationId"] = hex.EncodeToString(op.ID[:])
		attrs["initiator"] = hex.EncodeToString(op.Initiator[:])
		attrs["deposit"] = amountToString(op.Deposit.Amount)
		attrs["depositDenom"] = op.Deposit.Denom
		attrs["stepIndex"] = strconv.FormatUint(uint64(op.StepIndex), 10)
		attrs["steps"] = strconv.Itoa(len(op.Steps))
		attrs["status"] = strconv.FormatUint(uint64(op.Status), 10)
		attrs["createdAt"] = strconv.FormatInt(op.CreatedAt, 10)
	}
	for key, value := range extra {
		attrs[key] = value
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}
