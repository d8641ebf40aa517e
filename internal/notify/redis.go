// Package notify relays committed dispatch events to Redis so other
// services can follow the floor without polling the API.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"qms/dispatch-service/internal/store"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultChannel   = "qms:dispatch"
	DefaultStream    = "qms:dispatch:events"
	defaultStreamCap = 10000
	connectTimeout   = 10 * time.Second
)

type Options struct {
	Channel string
	Stream  string
	// MaxLen caps the stream approximately; zero keeps the default.
	MaxLen int64
}

// Publisher implements store.EventSink on top of Redis pub/sub and a stream.
type Publisher struct {
	client  redis.Cmdable
	channel string
	stream  string
	maxLen  int64
}

func NewPublisher(client redis.Cmdable, opts Options) *Publisher {
	if opts.Channel == "" {
		opts.Channel = DefaultChannel
	}
	if opts.Stream == "" {
		opts.Stream = DefaultStream
	}
	if opts.MaxLen <= 0 {
		opts.MaxLen = defaultStreamCap
	}
	return &Publisher{
		client:  client,
		channel: opts.Channel,
		stream:  opts.Stream,
		maxLen:  opts.MaxLen,
	}
}

// Connect parses a redis:// or rediss:// URL and checks the server answers.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// Publish announces the event on the channel and appends it to the stream.
func (p *Publisher) Publish(ctx context.Context, event store.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", event.Type, err)
	}
	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: streamValues(event, payload),
	}).Err()
	if err != nil {
		return fmt.Errorf("redis xadd %s: %w", event.Type, err)
	}
	return nil
}

func streamValues(event store.Event, payload []byte) []interface{} {
	ticketID := ""
	if event.Ticket != nil {
		ticketID = event.Ticket.TicketID
	}
	return []interface{}{
		"seq", event.Seq,
		"type", event.Type,
		"service_group_id", event.ServiceGroupID,
		"counter_id", event.CounterID,
		"ticket_id", ticketID,
		"version", event.Version,
		"payload", string(payload),
	}
}
