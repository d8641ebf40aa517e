package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"qms/dispatch-service/internal/logging"
	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSnapshotter struct {
	calls      atomic.Int32
	snapshotFn func(ctx context.Context) (models.QueueMonitoringData, error)
}

func (f *fakeSnapshotter) Snapshot(ctx context.Context) (models.QueueMonitoringData, error) {
	f.calls.Add(1)
	if f.snapshotFn == nil {
		return models.QueueMonitoringData{ServiceGroupQueues: []models.ServiceGroupQueue{}}, nil
	}
	return f.snapshotFn(ctx)
}

func newClient(id string, sub Subscription) *Client {
	return &Client{ID: id, Send: make(chan []byte, 4), Subscription: sub}
}

func receive(t *testing.T, client *Client) Envelope {
	t.Helper()
	select {
	case msg := <-client.Send:
		var env Envelope
		require.NoError(t, json.Unmarshal(msg, &env))
		return env
	case <-time.After(2 * time.Second):
		t.Fatalf("client %s received nothing", client.ID)
		return Envelope{}
	}
}

func TestBroadcastFiltersBySubscription(t *testing.T) {
	h := New(logging.Discard())
	all := newClient("all", Subscription{})
	g1 := newClient("g1", Subscription{ServiceGroupID: "g1"})
	g2 := newClient("g2", Subscription{ServiceGroupID: "g2"})
	h.Register(all)
	h.Register(g1)
	h.Register(g2)

	h.Broadcast([]byte("group"), Subscription{ServiceGroupID: "g1"})
	assert.Len(t, all.Send, 1)
	assert.Len(t, g1.Send, 1)
	assert.Len(t, g2.Send, 0)

	h.Broadcast([]byte("everyone"), Subscription{})
	assert.Len(t, all.Send, 2)
	assert.Len(t, g1.Send, 2)
	assert.Len(t, g2.Send, 1)
}

func TestBroadcastDropsForSlowClient(t *testing.T) {
	h := New(logging.Discard())
	slow := &Client{ID: "slow", Send: make(chan []byte, 1)}
	h.Register(slow)

	h.Broadcast([]byte("one"), Subscription{})
	h.Broadcast([]byte("two"), Subscription{})

	require.Len(t, slow.Send, 1)
	assert.Equal(t, "one", string(<-slow.Send))
}

func TestUnregisterClosesOnce(t *testing.T) {
	h := New(logging.Discard())
	client := newClient("c", Subscription{})
	h.Register(client)
	h.Unregister(client)
	h.Unregister(client)

	_, open := <-client.Send
	assert.False(t, open)
	assert.Equal(t, 0, h.ClientCount())
	assert.False(t, h.Send(client, []byte("late")))
}

func TestParseSubscribe(t *testing.T) {
	msg, ok := ParseSubscribe([]byte(`{"action":"subscribe","service_group_id":" g1 "}`))
	require.True(t, ok)
	assert.Equal(t, "g1", msg.ServiceGroupID)

	_, ok = ParseSubscribe([]byte(`{"action":"shout"}`))
	assert.False(t, ok)
	_, ok = ParseSubscribe([]byte(`not json`))
	assert.False(t, ok)
}

func TestPublishForwardsEventAndSchedulesSnapshot(t *testing.T) {
	h := New(logging.Discard())
	monitor := &fakeSnapshotter{}
	pump := NewPump(h, monitor, time.Hour, logging.Discard())
	client := newClient("c", Subscription{ServiceGroupID: "g1"})
	h.Register(client)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pump.Run(ctx) }()

	ticket := models.Ticket{TicketID: "t1", ServiceGroupID: "g1", Status: models.StatusWaiting}
	require.NoError(t, pump.Publish(ctx, store.Event{
		Type:           store.EventTicketIssued,
		ServiceGroupID: "g1",
		Ticket:         &ticket,
		OccurredAt:     time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
	}))

	env := receive(t, client)
	assert.Equal(t, store.EventTicketIssued, env.Type)
	var event store.Event
	require.NoError(t, json.Unmarshal(env.Payload, &event))
	assert.Equal(t, "t1", event.Ticket.TicketID)

	env = receive(t, client)
	assert.Equal(t, TypeSnapshot, env.Type)
	assert.EqualValues(t, 1, monitor.calls.Load())

	cancel()
	require.NoError(t, <-done)
}

func TestPublishSkipsOtherGroups(t *testing.T) {
	h := New(logging.Discard())
	pump := NewPump(h, &fakeSnapshotter{}, time.Hour, logging.Discard())
	client := newClient("c", Subscription{ServiceGroupID: "g2"})
	h.Register(client)

	require.NoError(t, pump.Publish(context.Background(), store.Event{Type: store.EventTicketIssued, ServiceGroupID: "g1"}))
	assert.Len(t, client.Send, 0)
}

func TestRunPushesOnInterval(t *testing.T) {
	h := New(logging.Discard())
	monitor := &fakeSnapshotter{}
	pump := NewPump(h, monitor, 10*time.Millisecond, logging.Discard())
	client := newClient("c", Subscription{})
	h.Register(client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = pump.Run(ctx) }()

	assert.Equal(t, TypeSnapshot, receive(t, client).Type)
	assert.Equal(t, TypeSnapshot, receive(t, client).Type)
}

func TestSnapshotFrameError(t *testing.T) {
	h := New(logging.Discard())
	pump := NewPump(h, &fakeSnapshotter{snapshotFn: func(ctx context.Context) (models.QueueMonitoringData, error) {
		return models.QueueMonitoringData{}, store.ErrInconsistentState
	}}, time.Hour, logging.Discard())

	_, err := pump.SnapshotFrame(context.Background())
	assert.True(t, errors.Is(err, store.ErrInconsistentState))
}
