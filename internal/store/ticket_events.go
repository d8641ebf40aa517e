package store

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"qms/dispatch-service/internal/models"
)

// TicketEvent is one link of a ticket's persisted, hash-chained history.
type TicketEvent struct {
	TicketID  string          `json:"ticket_id"`
	TicketSeq int             `json:"ticket_seq"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

func ComputeTicketEventHash(prevHash, ticketID, eventType string, payload json.RawMessage, createdAt time.Time, seq int) string {
	raw := fmt.Sprintf("%s|%s|%s|%s|%d|%s", prevHash, ticketID, eventType, createdAt.UTC().Format(time.RFC3339Nano), seq, payload)
	sum := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%x", sum)
}

// VerifyChain checks that every event links to its predecessor and that the
// stored hashes match the recomputed ones.
func VerifyChain(events []TicketEvent) error {
	prev := ""
	for i, event := range events {
		if event.TicketSeq != i+1 {
			return fmt.Errorf("%w: ticket %s event %d has seq %d", ErrInconsistentState, event.TicketID, i+1, event.TicketSeq)
		}
		if event.PrevHash != prev {
			return fmt.Errorf("%w: ticket %s event %d breaks the chain", ErrInconsistentState, event.TicketID, event.TicketSeq)
		}
		want := ComputeTicketEventHash(prev, event.TicketID, event.Type, event.Payload, event.CreatedAt, event.TicketSeq)
		if event.Hash != want {
			return fmt.Errorf("%w: ticket %s event %d hash mismatch", ErrInconsistentState, event.TicketID, event.TicketSeq)
		}
		prev = event.Hash
	}
	return nil
}

// RehydrateTicket replays persisted events; the latest ticket snapshot wins
// field by field.
func RehydrateTicket(events []TicketEvent) (models.Ticket, error) {
	var ticket models.Ticket
	for _, event := range events {
		if len(event.Payload) == 0 {
			continue
		}
		var payload models.Ticket
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return models.Ticket{}, err
		}
		if payload.TicketID != "" {
			ticket.TicketID = payload.TicketID
		}
		if payload.TicketNumber != "" {
			ticket.TicketNumber = payload.TicketNumber
		}
		if payload.ServiceGroupID != "" {
			ticket.ServiceGroupID = payload.ServiceGroupID
		}
		if payload.Status != "" {
			ticket.Status = payload.Status
		}
		if !payload.IssuedAt.IsZero() {
			ticket.IssuedAt = payload.IssuedAt
		}
		ticket.Priority = payload.Priority
		ticket.CounterID = payload.CounterID
		ticket.AssignedAt = payload.AssignedAt
		if payload.CompletedAt != nil {
			ticket.CompletedAt = payload.CompletedAt
		}
		ticket.SkipCount = payload.SkipCount
	}
	return ticket, nil
}
