package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"qms/dispatch-service/internal/logging"
	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/store"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

// DefaultSkipRetryLimit is how many times a ticket may be skipped back into
// the queue before the next skip removes it for good.
const DefaultSkipRetryLimit = 2

// maxHeldAttempts bounds how often an operation on a held ticket re-reads the
// counter when the ticket changed between lookup and locking.
const maxHeldAttempts = 4

type SkipPolicy string

const (
	SkipBack  SkipPolicy = "back"
	SkipFront SkipPolicy = "front"
	SkipDrop  SkipPolicy = "drop"
)

func ParseSkipPolicy(value string) (SkipPolicy, error) {
	switch SkipPolicy(strings.ToLower(strings.TrimSpace(value))) {
	case "", SkipBack:
		return SkipBack, nil
	case SkipFront:
		return SkipFront, nil
	case SkipDrop:
		return SkipDrop, nil
	default:
		return "", fmt.Errorf("unknown skip policy %q", value)
	}
}

// DurationRecorder receives the assigned to completed duration of every
// completed ticket.
type DurationRecorder interface {
	Record(serviceGroupID string, duration time.Duration, completedAt time.Time)
}

type Options struct {
	// SkipRetryLimit of zero or less uses DefaultSkipRetryLimit.
	SkipRetryLimit int
	Recorder       DurationRecorder
	Sink           store.EventSink
	Logger         *log.Logger
	NewTicketID    func() string
}

// Engine is the only component that mutates tickets and counters together.
// Every mutation holds the snapshot barrier shared so monitoring reads can
// take it exclusively and never observe a half-applied operation.
type Engine struct {
	tickets        *store.TicketStore
	counters       *store.CounterRegistry
	recorder       DurationRecorder
	events         *orderedSink
	logger         *log.Logger
	skipRetryLimit int
	newTicketID    func() string
	barrier        sync.RWMutex
}

func New(tickets *store.TicketStore, counters *store.CounterRegistry, opts Options) *Engine {
	if opts.SkipRetryLimit <= 0 {
		opts.SkipRetryLimit = DefaultSkipRetryLimit
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.NewTicketID == nil {
		opts.NewTicketID = uuid.NewString
	}
	logger := logging.Component(opts.Logger, "dispatch")
	return &Engine{
		tickets:        tickets,
		counters:       counters,
		recorder:       opts.Recorder,
		events:         newOrderedSink(opts.Sink, logger),
		logger:         logger,
		skipRetryLimit: opts.SkipRetryLimit,
		newTicketID:    opts.NewTicketID,
	}
}

// SnapshotLock excludes every dispatch mutation while held.
func (e *Engine) SnapshotLock() sync.Locker {
	return &e.barrier
}

// Version is the combined mutation counter of tickets and counters.
func (e *Engine) Version() uint64 {
	return e.tickets.Version() + e.counters.Version()
}

func (e *Engine) Tickets() *store.TicketStore {
	return e.tickets
}

func (e *Engine) Counters() *store.CounterRegistry {
	return e.counters
}

func (e *Engine) SkipRetryLimit() int {
	return e.skipRetryLimit
}

func (e *Engine) mutate(fn func() error) error {
	e.barrier.RLock()
	defer e.barrier.RUnlock()
	return fn()
}

// event must be built inside the critical section that produced it; that is
// where its delivery sequence is fixed.
func (e *Engine) event(eventType string, ticket *models.Ticket, counter *models.Counter) store.Event {
	evt := store.Event{
		Seq:        e.events.next(),
		Type:       eventType,
		Version:    e.Version(),
		OccurredAt: time.Now().UTC(),
	}
	if ticket != nil {
		copied := *ticket
		evt.Ticket = &copied
		evt.ServiceGroupID = ticket.ServiceGroupID
		if ticket.CounterID != nil {
			evt.CounterID = *ticket.CounterID
		}
	}
	if counter != nil {
		copied := *counter
		evt.Counter = &copied
		evt.CounterID = counter.CounterID
	}
	return evt
}

// publish releases the events of one operation to the sinks. Events of a
// failed operation are dropped but still consume their sequence numbers.
func (e *Engine) publish(ctx context.Context, events []store.Event, err error) {
	e.events.submit(ctx, events, err != nil)
}

func (e *Engine) RegisterGroup(ctx context.Context, group models.ServiceGroup) error {
	return e.mutate(func() error {
		return e.tickets.RegisterGroup(group)
	})
}

// RegisterCounter adds a counter whose service groups must already exist.
func (e *Engine) RegisterCounter(ctx context.Context, counter models.Counter) error {
	var events []store.Event
	err := e.mutate(func() error {
		for _, groupID := range counter.ServiceGroupIDs {
			if err := e.tickets.WithGroup(groupID, func(*store.GroupQueue) error { return nil }); err != nil {
				return fmt.Errorf("register counter %s: %w", counter.CounterID, err)
			}
		}
		if err := e.counters.Register(counter); err != nil {
			return err
		}
		registered, err := e.counters.Get(strings.TrimSpace(counter.CounterID))
		if err != nil {
			return err
		}
		events = append(events, e.event(store.EventCounterRegistered, nil, &registered))
		return nil
	})
	e.publish(ctx, events, err)
	return err
}

type IssueRequest struct {
	ServiceGroupID string
	Priority       models.Priority
}

type IssueResult struct {
	Ticket   models.Ticket `json:"ticket"`
	Position int           `json:"position"`
}

// Issue enqueues a new ticket on behalf of the intake boundary and reports
// its position in the group's queue.
func (e *Engine) Issue(ctx context.Context, req IssueRequest) (IssueResult, error) {
	var (
		result IssueResult
		events []store.Event
	)
	err := e.mutate(func() error {
		return e.tickets.WithGroup(strings.TrimSpace(req.ServiceGroupID), func(q *store.GroupQueue) error {
			ticket, err := q.Enqueue(models.Ticket{
				TicketID: e.newTicketID(),
				Priority: req.Priority,
			})
			if err != nil {
				return err
			}
			position, err := q.Position(ticket.TicketID)
			if err != nil {
				return err
			}
			result = IssueResult{Ticket: ticket, Position: position}
			events = append(events, e.event(store.EventTicketIssued, &ticket, nil))
			return nil
		})
	})
	e.publish(ctx, events, err)
	if err != nil {
		return IssueResult{}, err
	}
	e.logger.Info("ticket issued", "ticket", result.Ticket.TicketNumber, "group", result.Ticket.ServiceGroupID, "priority", result.Ticket.Priority, "position", result.Position)
	return result, nil
}

// ClaimNext assigns the head waiting ticket of the first of the counter's
// service groups that has one. found is false when every group is empty; that
// is not an error and nothing is mutated.
func (e *Engine) ClaimNext(ctx context.Context, counterID string) (models.Ticket, bool, error) {
	var (
		ticket models.Ticket
		found  bool
		events []store.Event
	)
	err := e.mutate(func() error {
		var groupIDs []string
		err := e.counters.WithCounter(counterID, func(c *store.CounterSlot) error {
			if err := c.CheckClaimable(); err != nil {
				return err
			}
			groupIDs = c.Counter().ServiceGroupIDs
			return nil
		})
		if err != nil {
			return err
		}

		for _, groupID := range groupIDs {
			err := e.tickets.WithGroup(groupID, func(q *store.GroupQueue) error {
				return e.counters.WithCounter(counterID, func(c *store.CounterSlot) error {
					if err := c.CheckClaimable(); err != nil {
						return err
					}
					next, err := q.PeekNext()
					if errors.Is(err, store.ErrNotFound) {
						return nil
					}
					if err != nil {
						return err
					}
					if err := c.BindTicket(next.TicketID); err != nil {
						return err
					}
					assigned, err := q.MarkAssigned(next.TicketID, counterID)
					if err != nil {
						_, _ = c.UnbindTicket()
						return err
					}
					ticket, found = assigned, true
					counter := c.Counter()
					events = append(events, e.event(store.EventTicketAssigned, &assigned, &counter))
					return nil
				})
			})
			if errors.Is(err, store.ErrServiceGroupNotFound) {
				e.logger.Warn("counter bound to unknown service group", "counter", counterID, "group", groupID)
				continue
			}
			if err != nil {
				return err
			}
			if found {
				return nil
			}
		}
		return nil
	})
	e.publish(ctx, events, err)
	if err != nil {
		return models.Ticket{}, false, err
	}
	if found {
		e.logger.Info("ticket claimed", "counter", counterID, "ticket", ticket.TicketNumber, "group", ticket.ServiceGroupID)
	} else {
		e.logger.Debug("queue empty", "counter", counterID)
	}
	return ticket, found, nil
}

var errHeldTicketChanged = errors.New("held ticket changed")

// withHeldTicket locks the group of the counter's current ticket and then the
// counter, re-validating that the counter still holds the same ticket.
func (e *Engine) withHeldTicket(counterID string, fn func(q *store.GroupQueue, c *store.CounterSlot, ticketID string) error) error {
	for attempt := 0; attempt < maxHeldAttempts; attempt++ {
		var ticketID string
		err := e.counters.WithCounter(counterID, func(c *store.CounterSlot) error {
			current, holding := c.CurrentTicketID()
			if !holding {
				return fmt.Errorf("%w: %s", store.ErrNoActiveTicket, counterID)
			}
			ticketID = current
			return nil
		})
		if err != nil {
			return err
		}

		err = e.tickets.WithTicketGroup(ticketID, func(q *store.GroupQueue) error {
			return e.counters.WithCounter(counterID, func(c *store.CounterSlot) error {
				current, holding := c.CurrentTicketID()
				if !holding {
					return fmt.Errorf("%w: %s", store.ErrNoActiveTicket, counterID)
				}
				if current != ticketID {
					return errHeldTicketChanged
				}
				return fn(q, c, ticketID)
			})
		})
		if errors.Is(err, errHeldTicketChanged) {
			continue
		}
		if errors.Is(err, store.ErrTicketNotFound) {
			return fmt.Errorf("%w: counter %s holds unknown ticket %s", store.ErrInconsistentState, counterID, ticketID)
		}
		return err
	}
	return fmt.Errorf("%w: counter %s changed its ticket concurrently", store.ErrInvalidTransition, counterID)
}

// Complete finishes the counter's current ticket and frees the counter.
func (e *Engine) Complete(ctx context.Context, counterID string) (models.Ticket, error) {
	var (
		ticket models.Ticket
		events []store.Event
	)
	err := e.mutate(func() error {
		return e.withHeldTicket(counterID, func(q *store.GroupQueue, c *store.CounterSlot, ticketID string) error {
			completed, err := q.MarkCompleted(ticketID)
			if err != nil {
				return err
			}
			if _, err := c.UnbindTicket(); err != nil {
				return err
			}
			if e.recorder != nil && completed.AssignedAt != nil && completed.CompletedAt != nil {
				e.recorder.Record(completed.ServiceGroupID, completed.CompletedAt.Sub(*completed.AssignedAt), *completed.CompletedAt)
			}
			ticket = completed
			counter := c.Counter()
			events = append(events, e.event(store.EventTicketCompleted, &completed, &counter))
			return nil
		})
	})
	e.publish(ctx, events, err)
	if err != nil {
		return models.Ticket{}, err
	}
	e.logger.Info("ticket completed", "counter", counterID, "ticket", ticket.TicketNumber, "group", ticket.ServiceGroupID)
	return ticket, nil
}

// Skip releases the counter's current ticket. Back and front requeue it
// within its priority band while its skip count is below the retry limit;
// drop, or a skip past the limit, ends it as skipped.
func (e *Engine) Skip(ctx context.Context, counterID string, policy SkipPolicy) (models.Ticket, error) {
	if policy == "" {
		policy = SkipBack
	}
	if _, err := ParseSkipPolicy(string(policy)); err != nil {
		return models.Ticket{}, err
	}

	var (
		ticket models.Ticket
		events []store.Event
	)
	err := e.mutate(func() error {
		return e.withHeldTicket(counterID, func(q *store.GroupQueue, c *store.CounterSlot, ticketID string) error {
			held, err := q.Get(ticketID)
			if err != nil {
				return err
			}

			var (
				updated   models.Ticket
				eventType string
			)
			switch {
			case policy == SkipDrop || held.SkipCount >= e.skipRetryLimit:
				updated, err = q.MarkSkipped(ticketID)
				eventType = store.EventTicketSkipped
			case policy == SkipFront:
				updated, err = q.Requeue(ticketID, store.RequeueFront)
				eventType = store.EventTicketRequeued
			default:
				updated, err = q.Requeue(ticketID, store.RequeueBack)
				eventType = store.EventTicketRequeued
			}
			if err != nil {
				return err
			}
			if _, err := c.UnbindTicket(); err != nil {
				return err
			}
			ticket = updated
			counter := c.Counter()
			events = append(events, e.event(eventType, &updated, &counter))
			return nil
		})
	})
	e.publish(ctx, events, err)
	if err != nil {
		return models.Ticket{}, err
	}
	e.logger.Info("ticket skipped", "counter", counterID, "ticket", ticket.TicketNumber, "policy", policy, "status", ticket.Status, "skips", ticket.SkipCount)
	return ticket, nil
}

var errCounterHolding = errors.New("counter holds a ticket")

// SetCounterStatus moves a counter between available and offline. Going
// offline while busy releases the held ticket to the front of its priority
// band in the same critical section.
func (e *Engine) SetCounterStatus(ctx context.Context, counterID, status string) (models.Counter, error) {
	status = strings.ToLower(strings.TrimSpace(status))
	if status != models.CounterAvailable && status != models.CounterOffline {
		return models.Counter{}, fmt.Errorf("%w: counter status %q cannot be set directly", store.ErrInvalidTransition, status)
	}

	var (
		counter models.Counter
		events  []store.Event
	)
	err := e.mutate(func() error {
		for attempt := 0; attempt < maxHeldAttempts; attempt++ {
			err := e.counters.WithCounter(counterID, func(c *store.CounterSlot) error {
				if _, holding := c.CurrentTicketID(); holding && status == models.CounterOffline {
					return errCounterHolding
				}
				from := c.Counter().Status
				if err := c.SetStatus(status); err != nil {
					return err
				}
				counter = c.Counter()
				if from != counter.Status {
					events = append(events, e.event(store.EventCounterStatus, nil, &counter))
				}
				return nil
			})
			if !errors.Is(err, errCounterHolding) {
				return err
			}

			err = e.withHeldTicket(counterID, func(q *store.GroupQueue, c *store.CounterSlot, ticketID string) error {
				released, err := q.Release(ticketID)
				if err != nil {
					return err
				}
				if _, err := c.UnbindTicket(); err != nil {
					return err
				}
				if err := c.SetStatus(models.CounterOffline); err != nil {
					return err
				}
				counter = c.Counter()
				events = append(events,
					e.event(store.EventTicketReleased, &released, &counter),
					e.event(store.EventCounterStatus, nil, &counter),
				)
				return nil
			})
			if errors.Is(err, store.ErrNoActiveTicket) {
				continue
			}
			return err
		}
		return fmt.Errorf("%w: counter %s changed its ticket concurrently", store.ErrInvalidTransition, counterID)
	})
	e.publish(ctx, events, err)
	if err != nil {
		return models.Counter{}, err
	}
	e.logger.Info("counter status changed", "counter", counterID, "status", counter.Status)
	return counter, nil
}

// Current returns the ticket the counter holds, if any.
func (e *Engine) Current(ctx context.Context, counterID string) (models.Ticket, bool, error) {
	var ticket models.Ticket
	err := e.withHeldTicket(counterID, func(q *store.GroupQueue, _ *store.CounterSlot, ticketID string) error {
		var err error
		ticket, err = q.Get(ticketID)
		return err
	})
	if errors.Is(err, store.ErrNoActiveTicket) {
		return models.Ticket{}, false, nil
	}
	if err != nil {
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}
