package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"qms/dispatch-service/internal/logging"
	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/store"

	"github.com/charmbracelet/log"
)

const defaultMaxSnapshotAge = 5 * time.Second

type AggregatorOptions struct {
	// MaxAge bounds how long an unchanged snapshot is served from cache; it
	// keeps estimates and LastUpdated moving while nothing is mutated.
	MaxAge time.Duration
	Logger *log.Logger
}

// Aggregator projects tickets, counters and wait estimates into
// QueueMonitoringData.
type Aggregator struct {
	tickets   *store.TicketStore
	counters  *store.CounterRegistry
	estimator *Estimator
	barrier   sync.Locker
	logger    *log.Logger
	maxAge    time.Duration
	now       func() time.Time

	mu       sync.Mutex
	cached   *models.QueueMonitoringData
	cachedAt time.Time
}

// NewAggregator builds an aggregator. barrier must exclude every dispatch
// mutation while locked; a nil barrier is only safe without concurrent writers.
func NewAggregator(tickets *store.TicketStore, counters *store.CounterRegistry, estimator *Estimator, barrier sync.Locker, opts AggregatorOptions) *Aggregator {
	if opts.MaxAge <= 0 {
		opts.MaxAge = defaultMaxSnapshotAge
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if barrier == nil {
		barrier = &sync.Mutex{}
	}
	return &Aggregator{
		tickets:   tickets,
		counters:  counters,
		estimator: estimator,
		barrier:   barrier,
		logger:    logging.Component(opts.Logger, "monitor"),
		maxAge:    opts.MaxAge,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (a *Aggregator) SetClock(now func() time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.now = now
}

func (a *Aggregator) version() uint64 {
	return a.tickets.Version() + a.counters.Version()
}

// Snapshot returns the current monitoring view. A cached view is reused only
// while no ticket or counter has changed since it was built.
func (a *Aggregator) Snapshot(ctx context.Context) (models.QueueMonitoringData, error) {
	if err := ctx.Err(); err != nil {
		return models.QueueMonitoringData{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	if a.cached != nil && a.cached.Version == a.version() && now.Sub(a.cachedAt) < a.maxAge {
		return cloneSnapshot(*a.cached), nil
	}

	a.barrier.Lock()
	data, err := a.compose(now)
	a.barrier.Unlock()
	if err != nil {
		a.cached = nil
		a.logger.Error("inconsistent dispatch state", "err", err)
		return models.QueueMonitoringData{}, err
	}

	a.cached = &data
	a.cachedAt = now
	return cloneSnapshot(data), nil
}

// ServiceGroup returns the monitoring view of a single service group.
func (a *Aggregator) ServiceGroup(ctx context.Context, serviceGroupID string) (models.ServiceGroupQueue, error) {
	data, err := a.Snapshot(ctx)
	if err != nil {
		return models.ServiceGroupQueue{}, err
	}
	for _, queue := range data.ServiceGroupQueues {
		if queue.ServiceGroupID == serviceGroupID {
			return queue, nil
		}
	}
	return models.ServiceGroupQueue{}, fmt.Errorf("%w: %s", store.ErrServiceGroupNotFound, serviceGroupID)
}

// compose must run with the barrier held.
func (a *Aggregator) compose(now time.Time) (models.QueueMonitoringData, error) {
	counters := a.counters.List()
	groups := a.tickets.Groups()

	data := models.QueueMonitoringData{
		ServiceGroupQueues: make([]models.ServiceGroupQueue, 0, len(groups)),
		LastUpdated:        now,
		Version:            a.version(),
	}

	for _, counter := range counters {
		if counter.Active() {
			data.TotalActiveCounters++
		}
		if err := a.checkCounter(counter); err != nil {
			return models.QueueMonitoringData{}, err
		}
	}

	for _, group := range groups {
		queueLength := 0
		err := a.tickets.WithGroup(group.ServiceGroupID, func(q *store.GroupQueue) error {
			queueLength = q.WaitingCount()
			return nil
		})
		if err != nil {
			return models.QueueMonitoringData{}, err
		}

		activeCounters := 0
		for _, counter := range counters {
			if counter.Active() && counter.Serves(group.ServiceGroupID) {
				activeCounters++
			}
		}

		estimate := a.estimator.Estimate(group.ServiceGroupID, queueLength, activeCounters, group.DefaultServiceDuration)
		queue := models.ServiceGroupQueue{
			ServiceGroupID:    group.ServiceGroupID,
			Code:              group.Code,
			Name:              group.Name,
			QueueLength:       queueLength,
			ActiveCounters:    activeCounters,
			EstimatedWaitTime: estimate,
			EstimatedWaitSecs: int64(estimate / time.Second),
			Status:            a.estimator.Classify(queueLength, activeCounters, estimate),
		}
		if queue.Status != models.QueueEmpty {
			data.TotalActiveQueues++
		}
		data.TotalWaitingCustomers += queueLength
		data.ServiceGroupQueues = append(data.ServiceGroupQueues, queue)
	}
	return data, nil
}

// checkCounter verifies that a busy counter owns an assigned ticket and an
// idle one owns nothing.
func (a *Aggregator) checkCounter(counter models.Counter) error {
	if counter.CurrentTicketID == nil {
		if counter.Status == models.CounterBusy {
			return fmt.Errorf("%w: counter %s is busy without a ticket", store.ErrInconsistentState, counter.CounterID)
		}
		return nil
	}
	if counter.Status != models.CounterBusy {
		return fmt.Errorf("%w: counter %s holds a ticket while %s", store.ErrInconsistentState, counter.CounterID, counter.Status)
	}
	ticket, err := a.tickets.Get(*counter.CurrentTicketID)
	if err != nil {
		return fmt.Errorf("%w: counter %s references ticket %s: %v", store.ErrInconsistentState, counter.CounterID, *counter.CurrentTicketID, err)
	}
	if ticket.Status != models.StatusAssigned || ticket.CounterID == nil || *ticket.CounterID != counter.CounterID {
		return fmt.Errorf("%w: counter %s references ticket %s in status %s", store.ErrInconsistentState, counter.CounterID, ticket.TicketID, ticket.Status)
	}
	return nil
}

func cloneSnapshot(data models.QueueMonitoringData) models.QueueMonitoringData {
	queues := make([]models.ServiceGroupQueue, len(data.ServiceGroupQueues))
	copy(queues, data.ServiceGroupQueues)
	data.ServiceGroupQueues = queues
	return data
}
