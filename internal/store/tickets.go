package store

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"qms/dispatch-service/internal/models"
)

const ticketNumberPad = 3

// RequeuePosition selects where a requeued ticket re-enters its priority band.
type RequeuePosition int

const (
	RequeueBack RequeuePosition = iota
	RequeueFront
)

// TicketStore owns every issued ticket. Tickets are partitioned by service
// group and each group is guarded by its own mutex.
type TicketStore struct {
	mu      sync.RWMutex
	groups  map[string]*groupQueue
	order   []string
	owner   map[string]string // ticketID -> serviceGroupID
	version atomic.Uint64
	now     func() time.Time
}

type groupQueue struct {
	mu      sync.Mutex
	group   models.ServiceGroup
	tickets map[string]*models.Ticket
	waiting *waitingIndex
	seq     int64
}

func NewTicketStore() *TicketStore {
	return &TicketStore{
		groups: make(map[string]*groupQueue),
		owner:  make(map[string]string),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source; used by tests.
func (s *TicketStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *TicketStore) clock() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.now()
}

// RegisterGroup adds a service group. Registering an existing id updates its
// configuration and keeps its queue.
func (s *TicketStore) RegisterGroup(group models.ServiceGroup) error {
	group.ServiceGroupID = strings.TrimSpace(group.ServiceGroupID)
	if group.ServiceGroupID == "" {
		return fmt.Errorf("register service group: empty id")
	}
	s.mu.Lock()
	existing, ok := s.groups[group.ServiceGroupID]
	if !ok {
		s.groups[group.ServiceGroupID] = &groupQueue{
			group:   group,
			tickets: make(map[string]*models.Ticket),
			waiting: newWaitingIndex(),
		}
		s.order = append(s.order, group.ServiceGroupID)
	}
	s.mu.Unlock()

	// group locks are never taken while holding s.mu
	if ok {
		existing.mu.Lock()
		existing.group = group
		existing.mu.Unlock()
	}
	s.version.Add(1)
	return nil
}

// Groups returns the registered service groups in registration order.
func (s *TicketStore) Groups() []models.ServiceGroup {
	s.mu.RLock()
	queues := make([]*groupQueue, 0, len(s.order))
	for _, id := range s.order {
		queues = append(queues, s.groups[id])
	}
	s.mu.RUnlock()

	groups := make([]models.ServiceGroup, 0, len(queues))
	for _, q := range queues {
		q.mu.Lock()
		groups = append(groups, q.group)
		q.mu.Unlock()
	}
	return groups
}

func (s *TicketStore) Version() uint64 {
	return s.version.Load()
}

func (s *TicketStore) lookupGroup(serviceGroupID string) (*groupQueue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.groups[serviceGroupID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrServiceGroupNotFound, serviceGroupID)
	}
	return q, nil
}

func (s *TicketStore) groupOf(ticketID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	groupID, ok := s.owner[ticketID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrTicketNotFound, ticketID)
	}
	return groupID, nil
}

// WithGroup runs fn while holding the lock of the given service group. All
// GroupQueue methods must only be used inside fn.
func (s *TicketStore) WithGroup(serviceGroupID string, fn func(q *GroupQueue) error) error {
	q, err := s.lookupGroup(serviceGroupID)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return fn(&GroupQueue{store: s, q: q})
}

// WithTicketGroup locks the service group that owns ticketID.
func (s *TicketStore) WithTicketGroup(ticketID string, fn func(q *GroupQueue) error) error {
	groupID, err := s.groupOf(ticketID)
	if err != nil {
		return err
	}
	return s.WithGroup(groupID, fn)
}

// Enqueue stores a new waiting ticket. IssuedAt and TicketNumber are filled in
// when empty.
func (s *TicketStore) Enqueue(ticket models.Ticket) (models.Ticket, error) {
	var stored models.Ticket
	err := s.WithGroup(ticket.ServiceGroupID, func(q *GroupQueue) error {
		var err error
		stored, err = q.Enqueue(ticket)
		return err
	})
	return stored, err
}

func (s *TicketStore) PeekNext(serviceGroupID string) (models.Ticket, error) {
	var next models.Ticket
	err := s.WithGroup(serviceGroupID, func(q *GroupQueue) error {
		var err error
		next, err = q.PeekNext()
		return err
	})
	return next, err
}

func (s *TicketStore) MarkAssigned(ticketID, counterID string) (models.Ticket, error) {
	var ticket models.Ticket
	err := s.WithTicketGroup(ticketID, func(q *GroupQueue) error {
		var err error
		ticket, err = q.MarkAssigned(ticketID, counterID)
		return err
	})
	return ticket, err
}

func (s *TicketStore) MarkCompleted(ticketID string) (models.Ticket, error) {
	var ticket models.Ticket
	err := s.WithTicketGroup(ticketID, func(q *GroupQueue) error {
		var err error
		ticket, err = q.MarkCompleted(ticketID)
		return err
	})
	return ticket, err
}

func (s *TicketStore) Requeue(ticketID string, position RequeuePosition) (models.Ticket, error) {
	var ticket models.Ticket
	err := s.WithTicketGroup(ticketID, func(q *GroupQueue) error {
		var err error
		ticket, err = q.Requeue(ticketID, position)
		return err
	})
	return ticket, err
}

func (s *TicketStore) Release(ticketID string) (models.Ticket, error) {
	var ticket models.Ticket
	err := s.WithTicketGroup(ticketID, func(q *GroupQueue) error {
		var err error
		ticket, err = q.Release(ticketID)
		return err
	})
	return ticket, err
}

func (s *TicketStore) MarkSkipped(ticketID string) (models.Ticket, error) {
	var ticket models.Ticket
	err := s.WithTicketGroup(ticketID, func(q *GroupQueue) error {
		var err error
		ticket, err = q.MarkSkipped(ticketID)
		return err
	})
	return ticket, err
}

func (s *TicketStore) Get(ticketID string) (models.Ticket, error) {
	var ticket models.Ticket
	err := s.WithTicketGroup(ticketID, func(q *GroupQueue) error {
		var err error
		ticket, err = q.Get(ticketID)
		return err
	})
	return ticket, err
}

// Waiting lists the waiting tickets of a group in dispatch order.
func (s *TicketStore) Waiting(serviceGroupID string) ([]models.Ticket, error) {
	var tickets []models.Ticket
	err := s.WithGroup(serviceGroupID, func(q *GroupQueue) error {
		tickets = q.Waiting()
		return nil
	})
	return tickets, err
}

// Position returns the 1-based queue position of a waiting ticket.
func (s *TicketStore) Position(ticketID string) (int, error) {
	var position int
	err := s.WithTicketGroup(ticketID, func(q *GroupQueue) error {
		var err error
		position, err = q.Position(ticketID)
		return err
	})
	return position, err
}

// StatusCounts tallies tickets per status across every group.
func (s *TicketStore) StatusCounts() map[string]int {
	counts := map[string]int{
		models.StatusWaiting:   0,
		models.StatusAssigned:  0,
		models.StatusCompleted: 0,
		models.StatusSkipped:   0,
	}
	for _, group := range s.Groups() {
		_ = s.WithGroup(group.ServiceGroupID, func(q *GroupQueue) error {
			for _, ticket := range q.q.tickets {
				counts[ticket.Status]++
			}
			return nil
		})
	}
	return counts
}

// GroupQueue is a locked view of one service group's tickets.
type GroupQueue struct {
	store *TicketStore
	q     *groupQueue
}

func (g *GroupQueue) Group() models.ServiceGroup {
	return g.q.group
}

func (g *GroupQueue) WaitingCount() int {
	return g.q.waiting.len()
}

func (g *GroupQueue) Enqueue(ticket models.Ticket) (models.Ticket, error) {
	ticket.TicketID = strings.TrimSpace(ticket.TicketID)
	if ticket.TicketID == "" {
		return models.Ticket{}, fmt.Errorf("enqueue: empty ticket id")
	}
	if !ticket.Priority.Valid() {
		return models.Ticket{}, fmt.Errorf("enqueue: invalid priority %d", int(ticket.Priority))
	}

	g.store.mu.Lock()
	if _, exists := g.store.owner[ticket.TicketID]; exists {
		g.store.mu.Unlock()
		return models.Ticket{}, fmt.Errorf("%w: %s", ErrDuplicateTicket, ticket.TicketID)
	}
	g.store.owner[ticket.TicketID] = g.q.group.ServiceGroupID
	now := g.store.now()
	g.store.mu.Unlock()

	g.q.seq++
	if ticket.TicketNumber == "" {
		ticket.TicketNumber = fmt.Sprintf("%s-%0*d", groupCode(g.q.group), ticketNumberPad, g.q.seq)
	}
	if ticket.IssuedAt.IsZero() {
		ticket.IssuedAt = now
	}
	ticket.ServiceGroupID = g.q.group.ServiceGroupID
	ticket.Status = models.StatusWaiting
	ticket.CounterID = nil
	ticket.AssignedAt = nil
	ticket.CompletedAt = nil

	stored := ticket
	g.q.tickets[ticket.TicketID] = &stored
	g.q.waiting.push(&queueEntry{
		ticketID: ticket.TicketID,
		priority: ticket.Priority,
		rank:     rankRegular,
		orderAt:  ticket.IssuedAt,
	})
	g.store.version.Add(1)
	return stored, nil
}

func (g *GroupQueue) PeekNext() (models.Ticket, error) {
	entry, ok := g.q.waiting.head()
	if !ok {
		return models.Ticket{}, fmt.Errorf("%w: no waiting ticket in %s", ErrNotFound, g.q.group.ServiceGroupID)
	}
	return *g.q.tickets[entry.ticketID], nil
}

func (g *GroupQueue) Get(ticketID string) (models.Ticket, error) {
	ticket, ok := g.q.tickets[ticketID]
	if !ok {
		return models.Ticket{}, fmt.Errorf("%w: %s", ErrTicketNotFound, ticketID)
	}
	return *ticket, nil
}

func (g *GroupQueue) Waiting() []models.Ticket {
	ids := g.q.waiting.ordered()
	tickets := make([]models.Ticket, 0, len(ids))
	for _, id := range ids {
		tickets = append(tickets, *g.q.tickets[id])
	}
	return tickets
}

// Assigned returns the tickets currently held by counters.
func (g *GroupQueue) Assigned() []models.Ticket {
	var tickets []models.Ticket
	for _, ticket := range g.q.tickets {
		if ticket.Status == models.StatusAssigned {
			tickets = append(tickets, *ticket)
		}
	}
	return tickets
}

func (g *GroupQueue) transition(ticketID, action string) (*models.Ticket, error) {
	ticket, ok := g.q.tickets[ticketID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTicketNotFound, ticketID)
	}
	if !ValidTransition(action, ticket.Status) {
		return nil, fmt.Errorf("%w: cannot %s ticket %s in status %s", ErrInvalidTransition, action, ticketID, ticket.Status)
	}
	return ticket, nil
}

func (g *GroupQueue) MarkAssigned(ticketID, counterID string) (models.Ticket, error) {
	ticket, err := g.transition(ticketID, "assign")
	if err != nil {
		return models.Ticket{}, err
	}
	g.q.waiting.remove(ticketID)
	now := g.store.clock()
	owner := counterID
	ticket.Status = models.StatusAssigned
	ticket.CounterID = &owner
	ticket.AssignedAt = &now
	g.store.version.Add(1)
	return *ticket, nil
}

func (g *GroupQueue) MarkCompleted(ticketID string) (models.Ticket, error) {
	ticket, err := g.transition(ticketID, "complete")
	if err != nil {
		return models.Ticket{}, err
	}
	now := g.store.clock()
	ticket.Status = models.StatusCompleted
	ticket.CompletedAt = &now
	g.store.version.Add(1)
	return *ticket, nil
}

// Requeue sends a skipped-over ticket back to waiting and counts the skip.
// RequeueBack places it behind every ticket of its priority band,
// RequeueFront ahead of them.
func (g *GroupQueue) Requeue(ticketID string, position RequeuePosition) (models.Ticket, error) {
	ticket, err := g.transition(ticketID, "requeue")
	if err != nil {
		return models.Ticket{}, err
	}
	g.toWaiting(ticket)
	ticket.SkipCount++
	if position == RequeueFront {
		g.pushFront(ticket)
	} else {
		g.q.waiting.pushBack(ticketID, ticket.Priority, g.store.clock())
	}
	g.store.version.Add(1)
	return *ticket, nil
}

// Release returns a ticket whose counter went offline to the front of its
// priority band without counting a skip.
func (g *GroupQueue) Release(ticketID string) (models.Ticket, error) {
	ticket, err := g.transition(ticketID, "release")
	if err != nil {
		return models.Ticket{}, err
	}
	g.toWaiting(ticket)
	g.pushFront(ticket)
	g.store.version.Add(1)
	return *ticket, nil
}

func (g *GroupQueue) toWaiting(ticket *models.Ticket) {
	ticket.Status = models.StatusWaiting
	ticket.CounterID = nil
	ticket.AssignedAt = nil
}

func (g *GroupQueue) pushFront(ticket *models.Ticket) {
	g.q.waiting.push(&queueEntry{
		ticketID: ticket.TicketID,
		priority: ticket.Priority,
		rank:     rankReleased,
		orderAt:  ticket.IssuedAt,
	})
}

// Position returns the 1-based dispatch position of a waiting ticket.
func (g *GroupQueue) Position(ticketID string) (int, error) {
	position := g.q.waiting.position(ticketID)
	if position == 0 {
		return 0, fmt.Errorf("%w: ticket %s is not waiting", ErrInvalidTransition, ticketID)
	}
	return position, nil
}

// MarkSkipped terminally skips an assigned ticket.
func (g *GroupQueue) MarkSkipped(ticketID string) (models.Ticket, error) {
	ticket, err := g.transition(ticketID, "skip")
	if err != nil {
		return models.Ticket{}, err
	}
	ticket.Status = models.StatusSkipped
	ticket.SkipCount++
	g.store.version.Add(1)
	return *ticket, nil
}

func groupCode(group models.ServiceGroup) string {
	if code := strings.TrimSpace(group.Code); code != "" {
		return strings.ToUpper(code)
	}
	id := strings.ToUpper(group.ServiceGroupID)
	if len(id) > 2 {
		return id[:2]
	}
	return id
}
