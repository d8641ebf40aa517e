package dispatch

import (
	"context"
	"sync"
	"sync/atomic"

	"qms/dispatch-service/internal/store"

	"github.com/charmbracelet/log"
)

// orderedSink hands events to the sink in the order their sequence numbers
// were assigned. Numbers are taken inside the dispatch critical sections, so
// two events touching the same ticket or counter always arrive in the order
// they happened, whichever caller releases its locks first.
type orderedSink struct {
	sink   store.EventSink
	logger *log.Logger
	last   atomic.Uint64

	mu        sync.Mutex
	delivered uint64
	pending   map[uint64]queuedEvent
	draining  bool
}

type queuedEvent struct {
	ctx     context.Context
	event   store.Event
	discard bool
}

func newOrderedSink(sink store.EventSink, logger *log.Logger) *orderedSink {
	return &orderedSink{
		sink:    sink,
		logger:  logger,
		pending: make(map[uint64]queuedEvent),
	}
}

// next must be called while holding the locks that order the event.
func (o *orderedSink) next() uint64 {
	return o.last.Add(1)
}

// submit queues events and delivers every contiguous one. Discarded events
// only advance the sequence. When another caller is already delivering, it
// picks these up before it returns.
func (o *orderedSink) submit(ctx context.Context, events []store.Event, discard bool) {
	if len(events) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)

	o.mu.Lock()
	for _, evt := range events {
		o.pending[evt.Seq] = queuedEvent{ctx: ctx, event: evt, discard: discard}
	}
	if o.draining {
		o.mu.Unlock()
		return
	}
	o.draining = true
	for {
		item, ok := o.pending[o.delivered+1]
		if !ok {
			o.draining = false
			o.mu.Unlock()
			return
		}
		delete(o.pending, o.delivered+1)
		o.delivered++
		o.mu.Unlock()

		if !item.discard && o.sink != nil {
			if err := o.sink.Publish(item.ctx, item.event); err != nil {
				o.logger.Error("publish event failed", "type", item.event.Type, "seq", item.event.Seq, "counter", item.event.CounterID, "err", err)
			}
		}

		o.mu.Lock()
	}
}
