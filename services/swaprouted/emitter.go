package swaprouted

import (
	"log/slog"
	"strconv"
	"time"

	"swaproute/core/events"
	"swaproute/core/types"
	"swaproute/native/router"
	"swaproute/observability"
	"swaproute/observability/logging"
)

// eventSink bridges engine events into structured logs and Prometheus
// counters. Initiator identities are masked in log output.
type eventSink struct {
	log *slog.Logger
}

func newEventSink(log *slog.Logger) *eventSink {
	return &eventSink{log: log}
}

// Emit implements events.Emitter.
func (s *eventSink) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	metrics := observability.Router()
	switch evt.EventType() {
	case router.EventTypeSwapStarted:
		metrics.RecordStarted()
	case router.EventTypeSwapSettled:
		metrics.RecordSettled(settleElapsed(evt))
	case router.EventTypeSwapAborted:
		// Failure reasons arrive from external executors; the raw text goes
		// to the log, never into a metric label.
		reason := "step_failure"
		if attrOf(evt, "reason") == "" {
			reason = "unspecified"
		}
		metrics.RecordAborted(reason)
	case router.EventTypeContinuationDropped:
		metrics.RecordStaleContinuation()
	}
	if s.log == nil {
		return
	}
	attrs := []any{}
	if payload := eventPayload(evt); payload != nil {
		for key, value := range payload.Attributes {
			attrs = append(attrs, logging.MaskField(key, value))
		}
	}
	s.log.Info(evt.EventType(), attrs...)
}

func eventPayload(evt events.Event) *types.Event {
	carrier, ok := evt.(interface{ Event() *types.Event })
	if !ok {
		return nil
	}
	return carrier.Event()
}

func settleElapsed(evt events.Event) time.Duration {
	raw := attrOf(evt, "createdAt")
	createdAt, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || createdAt <= 0 {
		return 0
	}
	elapsed := time.Since(time.Unix(createdAt, 0))
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

func attrOf(evt events.Event, key string) string {
	payload := eventPayload(evt)
	if payload == nil {
		return ""
	}
	return payload.Attributes[key]
}
