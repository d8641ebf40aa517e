package store

import (
	"context"
	"errors"
	"time"

	"qms/dispatch-service/internal/models"
)

const (
	EventTicketIssued      = "ticket.issued"
	EventTicketAssigned    = "ticket.assigned"
	EventTicketCompleted   = "ticket.completed"
	EventTicketRequeued    = "ticket.requeued"
	EventTicketSkipped     = "ticket.skipped"
	EventTicketReleased    = "ticket.released"
	EventCounterStatus     = "counter.status_changed"
	EventCounterRegistered = "counter.registered"
)

// Event describes one committed dispatch mutation. Seq is the engine-wide
// delivery order; sinks see events in ascending Seq.
type Event struct {
	Seq            uint64          `json:"seq"`
	Type           string          `json:"type"`
	ServiceGroupID string          `json:"service_group_id,omitempty"`
	CounterID      string          `json:"counter_id,omitempty"`
	Ticket         *models.Ticket  `json:"ticket,omitempty"`
	Counter        *models.Counter `json:"counter,omitempty"`
	Version        uint64          `json:"version"`
	OccurredAt     time.Time       `json:"occurred_at"`
}

// EventSink receives events after the engine has released its locks.
// Publish is never called concurrently by a single engine.
type EventSink interface {
	Publish(ctx context.Context, event Event) error
}

type SinkFunc func(ctx context.Context, event Event) error

func (f SinkFunc) Publish(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// MultiSink fans an event out to every sink and joins their errors.
type MultiSink []EventSink

func (m MultiSink) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
