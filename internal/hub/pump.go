package hub

import (
	"context"
	"encoding/json"
	"time"

	"qms/dispatch-service/internal/logging"
	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/store"

	"github.com/charmbracelet/log"
)

const (
	TypeSnapshot         = "queue.snapshot"
	defaultPushInterval  = 5 * time.Second
	snapshotBuildTimeout = 2 * time.Second
)

type Snapshotter interface {
	Snapshot(ctx context.Context) (models.QueueMonitoringData, error)
}

type SnapshotFunc func(ctx context.Context) (models.QueueMonitoringData, error)

func (f SnapshotFunc) Snapshot(ctx context.Context) (models.QueueMonitoringData, error) {
	return f(ctx)
}

// Envelope is the frame pushed to realtime clients.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Pump forwards dispatch events to subscribers and pushes a monitoring
// snapshot after changes and on a fixed interval.
type Pump struct {
	hub      *Hub
	monitor  Snapshotter
	interval time.Duration
	logger   *log.Logger
	changed  chan struct{}
	now      func() time.Time
}

func NewPump(h *Hub, monitor Snapshotter, interval time.Duration, logger *log.Logger) *Pump {
	if interval <= 0 {
		interval = defaultPushInterval
	}
	return &Pump{
		hub:      h,
		monitor:  monitor,
		interval: interval,
		logger:   logging.Component(logger, "pump"),
		changed:  make(chan struct{}, 1),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Publish implements store.EventSink. It never blocks on slow clients.
func (p *Pump) Publish(ctx context.Context, event store.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(Envelope{Type: event.Type, Payload: payload, CreatedAt: event.OccurredAt})
	if err != nil {
		return err
	}
	p.hub.Broadcast(frame, Subscription{ServiceGroupID: event.ServiceGroupID, CounterID: event.CounterID})

	select {
	case p.changed <- struct{}{}:
	default:
	}
	return nil
}

// Run pushes snapshots until ctx is cancelled. Bursts of events collapse
// into one snapshot.
func (p *Pump) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-p.changed:
		}
		if p.hub.ClientCount() == 0 {
			continue
		}
		frame, err := p.SnapshotFrame(ctx)
		if err != nil {
			p.logger.Error("build snapshot", "err", err)
			continue
		}
		p.hub.Broadcast(frame, Subscription{})
	}
}

// SnapshotFrame renders the current monitoring view as a pushable frame.
func (p *Pump) SnapshotFrame(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, snapshotBuildTimeout)
	defer cancel()
	data, err := p.monitor.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: TypeSnapshot, Payload: payload, CreatedAt: p.now()})
}
