package models

import (
	"fmt"
	"strings"
	"time"
)

type Ticket struct {
	TicketID       string     `json:"ticket_id"`
	TicketNumber   string     `json:"ticket_number"`
	ServiceGroupID string     `json:"service_group_id"`
	Priority       Priority   `json:"priority"`
	Status         string     `json:"status"`
	IssuedAt       time.Time  `json:"issued_at"`
	CounterID      *string    `json:"counter_id,omitempty"`
	AssignedAt     *time.Time `json:"assigned_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	SkipCount      int        `json:"skip_count"`
}

const (
	StatusWaiting   = "waiting"
	StatusAssigned  = "assigned"
	StatusCompleted = "completed"
	StatusSkipped   = "skipped"
)

// Terminal reports whether the ticket can no longer change state.
func (t Ticket) Terminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusSkipped
}

// Priority orders tickets inside a service group; higher values are served first.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityPriority
	PriorityUrgent
)

func (p Priority) String() string {
	switch p {
	case PriorityNormal:
		return "normal"
	case PriorityPriority:
		return "priority"
	case PriorityUrgent:
		return "urgent"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

func (p Priority) Valid() bool {
	return p >= PriorityNormal && p <= PriorityUrgent
}

func ParsePriority(value string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "normal", "regular":
		return PriorityNormal, nil
	case "priority":
		return PriorityPriority, nil
	case "urgent":
		return PriorityUrgent, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", value)
	}
}

func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid priority %d", int(p))
	}
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
