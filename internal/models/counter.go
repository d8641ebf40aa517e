package models

type Counter struct {
	CounterID       string   `json:"counter_id"`
	CounterCode     string   `json:"counter_code"`
	ServiceGroupIDs []string `json:"service_group_ids"`
	Status          string   `json:"status"`
	CurrentTicketID *string  `json:"current_ticket_id,omitempty"`
}

const (
	CounterAvailable = "available"
	CounterBusy      = "busy"
	CounterOffline   = "offline"
)

// Active counters take part in dispatch and in availability counts.
func (c Counter) Active() bool {
	return c.Status == CounterAvailable || c.Status == CounterBusy
}

func (c Counter) Serves(serviceGroupID string) bool {
	for _, id := range c.ServiceGroupIDs {
		if id == serviceGroupID {
			return true
		}
	}
	return false
}
