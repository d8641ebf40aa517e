package store

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"qms/dispatch-service/internal/models"
)

// CounterRegistry owns counter identity and status. Each counter has its own
// mutex; callers touching a ticket as well must lock the ticket's service
// group first.
type CounterRegistry struct {
	mu       sync.RWMutex
	counters map[string]*counterSlot
	order    []string
	version  atomic.Uint64
}

type counterSlot struct {
	mu      sync.Mutex
	counter models.Counter
}

func NewCounterRegistry() *CounterRegistry {
	return &CounterRegistry{counters: make(map[string]*counterSlot)}
}

// Register adds a counter. New counters default to offline until staff log in.
// Re-registering an idle counter refreshes its code and service groups.
func (r *CounterRegistry) Register(counter models.Counter) error {
	counter.CounterID = strings.TrimSpace(counter.CounterID)
	if counter.CounterID == "" {
		return fmt.Errorf("register counter: empty id")
	}
	if counter.Status == "" {
		counter.Status = models.CounterOffline
	}
	if counter.Status != models.CounterAvailable && counter.Status != models.CounterOffline {
		return fmt.Errorf("%w: counter %s cannot be registered %s", ErrInvalidTransition, counter.CounterID, counter.Status)
	}
	counter.CurrentTicketID = nil
	counter.ServiceGroupIDs = append([]string(nil), counter.ServiceGroupIDs...)

	r.mu.Lock()
	slot, ok := r.counters[counter.CounterID]
	if !ok {
		r.counters[counter.CounterID] = &counterSlot{counter: counter}
		r.order = append(r.order, counter.CounterID)
	}
	r.mu.Unlock()

	if ok {
		slot.mu.Lock()
		defer slot.mu.Unlock()
		if slot.counter.CurrentTicketID != nil {
			return fmt.Errorf("%w: counter %s", ErrCounterBusy, counter.CounterID)
		}
		slot.counter.CounterCode = counter.CounterCode
		slot.counter.ServiceGroupIDs = counter.ServiceGroupIDs
	}
	r.version.Add(1)
	return nil
}

func (r *CounterRegistry) Version() uint64 {
	return r.version.Load()
}

func (r *CounterRegistry) lookup(counterID string) (*counterSlot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	slot, ok := r.counters[counterID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCounterNotFound, counterID)
	}
	return slot, nil
}

// WithCounter runs fn while holding the counter's lock.
func (r *CounterRegistry) WithCounter(counterID string, fn func(c *CounterSlot) error) error {
	slot, err := r.lookup(counterID)
	if err != nil {
		return err
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	return fn(&CounterSlot{registry: r, slot: slot})
}

func (r *CounterRegistry) Get(counterID string) (models.Counter, error) {
	var counter models.Counter
	err := r.WithCounter(counterID, func(c *CounterSlot) error {
		counter = c.Counter()
		return nil
	})
	return counter, err
}

// List returns every counter in registration order.
func (r *CounterRegistry) List() []models.Counter {
	r.mu.RLock()
	slots := make([]*counterSlot, 0, len(r.order))
	for _, id := range r.order {
		slots = append(slots, r.counters[id])
	}
	r.mu.RUnlock()

	counters := make([]models.Counter, 0, len(slots))
	for _, slot := range slots {
		slot.mu.Lock()
		counters = append(counters, cloneCounter(slot.counter))
		slot.mu.Unlock()
	}
	return counters
}

// SetStatus toggles a counter between available and offline. A busy counter
// must have its ticket released by the dispatch engine before going offline.
func (r *CounterRegistry) SetStatus(counterID, status string) (models.Counter, error) {
	var counter models.Counter
	err := r.WithCounter(counterID, func(c *CounterSlot) error {
		if err := c.SetStatus(status); err != nil {
			return err
		}
		counter = c.Counter()
		return nil
	})
	return counter, err
}

func (r *CounterRegistry) BindTicket(counterID, ticketID string) error {
	return r.WithCounter(counterID, func(c *CounterSlot) error {
		return c.BindTicket(ticketID)
	})
}

func (r *CounterRegistry) UnbindTicket(counterID string) (string, error) {
	var ticketID string
	err := r.WithCounter(counterID, func(c *CounterSlot) error {
		var err error
		ticketID, err = c.UnbindTicket()
		return err
	})
	return ticketID, err
}

// CounterSlot is a locked view of a single counter.
type CounterSlot struct {
	registry *CounterRegistry
	slot     *counterSlot
}

func (c *CounterSlot) Counter() models.Counter {
	return cloneCounter(c.slot.counter)
}

func (c *CounterSlot) CurrentTicketID() (string, bool) {
	if c.slot.counter.CurrentTicketID == nil {
		return "", false
	}
	return *c.slot.counter.CurrentTicketID, true
}

// CheckClaimable reports why the counter cannot take a ticket, if it cannot.
func (c *CounterSlot) CheckClaimable() error {
	counter := c.slot.counter
	switch {
	case counter.Status == models.CounterOffline:
		return fmt.Errorf("%w: %s", ErrCounterOffline, counter.CounterID)
	case counter.CurrentTicketID != nil || counter.Status == models.CounterBusy:
		return fmt.Errorf("%w: %s", ErrCounterBusy, counter.CounterID)
	}
	return nil
}

func (c *CounterSlot) BindTicket(ticketID string) error {
	if err := c.CheckClaimable(); err != nil {
		return err
	}
	owned := ticketID
	c.slot.counter.CurrentTicketID = &owned
	c.slot.counter.Status = models.CounterBusy
	c.registry.version.Add(1)
	return nil
}

func (c *CounterSlot) UnbindTicket() (string, error) {
	current := c.slot.counter.CurrentTicketID
	if current == nil {
		return "", fmt.Errorf("%w: %s", ErrNoActiveTicket, c.slot.counter.CounterID)
	}
	c.slot.counter.CurrentTicketID = nil
	c.slot.counter.Status = models.CounterAvailable
	c.registry.version.Add(1)
	return *current, nil
}

func (c *CounterSlot) SetStatus(status string) error {
	from := c.slot.counter.Status
	if from == status {
		return nil
	}
	if status == models.CounterBusy {
		return fmt.Errorf("%w: counter %s becomes busy only by claiming a ticket", ErrInvalidTransition, c.slot.counter.CounterID)
	}
	if from == models.CounterBusy {
		return fmt.Errorf("%w: counter %s holds a ticket", ErrInvalidTransition, c.slot.counter.CounterID)
	}
	if !ValidCounterTransition(from, status) {
		return fmt.Errorf("%w: counter %s from %s to %s", ErrInvalidTransition, c.slot.counter.CounterID, from, status)
	}
	c.slot.counter.Status = status
	c.registry.version.Add(1)
	return nil
}

func cloneCounter(counter models.Counter) models.Counter {
	counter.ServiceGroupIDs = append([]string(nil), counter.ServiceGroupIDs...)
	if counter.CurrentTicketID != nil {
		id := *counter.CurrentTicketID
		counter.CurrentTicketID = &id
	}
	return counter
}
