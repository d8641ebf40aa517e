package hub

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
)

const sendBuffer = 16

// Handler serves SockJS sessions under prefix. A new client immediately
// receives the current snapshot and may then narrow its feed with subscribe
// messages.
func (p *Pump) Handler(prefix string) http.Handler {
	return sockjs.NewHandler(prefix, sockjs.DefaultOptions, p.serveSession)
}

func (p *Pump) serveSession(session sockjs.Session) {
	client := &Client{
		ID:           uuid.NewString(),
		Send:         make(chan []byte, sendBuffer),
		Subscription: subscriptionFromRequest(session.Request()),
	}
	p.hub.Register(client)
	defer p.hub.Unregister(client)

	go func() {
		for msg := range client.Send {
			_ = session.Send(string(msg))
		}
	}()

	if frame, err := p.SnapshotFrame(context.Background()); err != nil {
		p.logger.Error("initial snapshot", "client", client.ID, "err", err)
	} else {
		p.hub.Send(client, frame)
	}

	for {
		msg, err := session.Recv()
		if err != nil {
			return
		}
		parsed, ok := ParseSubscribe([]byte(msg))
		if !ok {
			continue
		}
		if parsed.Action == "unsubscribe" {
			p.hub.UpdateSubscription(client, Subscription{})
			continue
		}
		p.hub.UpdateSubscription(client, Subscription{
			ServiceGroupID: parsed.ServiceGroupID,
			CounterID:      parsed.CounterID,
		})
	}
}

func subscriptionFromRequest(r *http.Request) Subscription {
	if r == nil {
		return Subscription{}
	}
	query := r.URL.Query()
	return Subscription{
		ServiceGroupID: strings.TrimSpace(query.Get("service_group_id")),
		CounterID:      strings.TrimSpace(query.Get("counter_id")),
	}
}
