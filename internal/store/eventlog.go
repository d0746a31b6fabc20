package store

import (
	"context"
	"fmt"

	"github.com/kinetiq/flowline/pkg/schema"
)

// EventLog provides append and replay operations over the per-execution
// event stream.
type EventLog struct {
	store Store
}

// NewEventLog wraps a Store to provide event-sourcing operations.
func NewEventLog(s Store) *EventLog {
	return &EventLog{store: s}
}

// Append records an event; the store assigns a monotonically increasing
// per-execution sequence.
func (el *EventLog) Append(ctx context.Context, event *Event) error {
	return el.store.AppendEvent(ctx, event)
}

// Events returns all events for an execution with sequence > since,
// ordered by sequence.
func (el *EventLog) Events(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, executionID, since)
}

// Replay reconstructs per-step state from the event stream. Returns an
// error if sequence gaps are detected, since a gap means the log cannot
// be trusted as a full history.
func (el *EventLog) Replay(ctx context.Context, executionID string) (map[string]*StepRecord, error) {
	events, err := el.store.GetEvents(ctx, executionID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	records := make(map[string]*StepRecord)
	for i, e := range events {
		if expected := int64(i + 1); e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in execution %s: expected %d, got %d",
				executionID, expected, e.Sequence)
		}
		if e.StepID == "" {
			continue
		}

		rec, ok := records[e.StepID]
		if !ok {
			rec = &StepRecord{
				ExecutionID: executionID,
				StepID:      e.StepID,
				Status:      schema.StepStatusPending,
			}
			records[e.StepID] = rec
		}

		switch e.Type {
		case schema.EventStepStarted:
			rec.Status = schema.StepStatusRunning
			ts := e.Timestamp
			rec.StartedAt = &ts
			rec.Attempts++

		case schema.EventStepRetryAttempt:
			rec.Status = schema.StepStatusRunning
			rec.Attempts++

		case schema.EventStepCompleted:
			rec.Status = schema.StepStatusCompleted
			ts := e.Timestamp
			rec.CompletedAt = &ts
			rec.Output = e.Payload
			if rec.StartedAt != nil {
				rec.DurationMs = ts.Sub(*rec.StartedAt).Milliseconds()
			}

		case schema.EventStepFailed:
			rec.Status = schema.StepStatusFailed
			ts := e.Timestamp
			rec.CompletedAt = &ts
			rec.Error = e.Payload

		case schema.EventStepSkipped:
			rec.Status = schema.StepStatusSkipped
		}
	}

	return records, nil
}
