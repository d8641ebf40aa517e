package dispatch

import (
	"context"
	"errors"
	"testing"

	"qms/dispatch-service/internal/logging"
	"qms/dispatch-service/internal/store"

	"github.com/stretchr/testify/assert"
)

func TestOrderedSinkHoldsBackGaps(t *testing.T) {
	log := &eventLog{}
	sink := newOrderedSink(log, logging.Discard())
	ctx := context.Background()

	first, second, third := sink.next(), sink.next(), sink.next()
	sink.submit(ctx, []store.Event{{Seq: third, Type: "c"}}, false)
	sink.submit(ctx, []store.Event{{Seq: second, Type: "b"}}, false)
	assert.Empty(t, log.types())

	sink.submit(ctx, []store.Event{{Seq: first, Type: "a"}}, false)
	assert.Equal(t, []string{"a", "b", "c"}, log.types())
}

func TestOrderedSinkDiscardsFailedOperations(t *testing.T) {
	log := &eventLog{}
	sink := newOrderedSink(log, logging.Discard())
	ctx := context.Background()

	first, second := sink.next(), sink.next()
	sink.submit(ctx, []store.Event{{Seq: second, Type: "kept"}}, false)
	sink.submit(ctx, []store.Event{{Seq: first, Type: "dropped"}}, true)
	assert.Equal(t, []string{"kept"}, log.types())
}

func TestOrderedSinkContinuesAfterPublishError(t *testing.T) {
	var delivered []uint64
	failing := store.SinkFunc(func(_ context.Context, event store.Event) error {
		delivered = append(delivered, event.Seq)
		if event.Seq == 1 {
			return errors.New("broker down")
		}
		return nil
	})
	sink := newOrderedSink(failing, logging.Discard())

	events := []store.Event{{Seq: sink.next()}, {Seq: sink.next()}}
	sink.submit(context.Background(), events, false)
	assert.Equal(t, []uint64{1, 2}, delivered)
}
