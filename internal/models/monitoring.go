package models

import "time"

const (
	QueueEmpty    = "empty"
	QueueNormal   = "normal"
	QueueBusy     = "busy"
	QueueCritical = "critical"
)

type ServiceGroupQueue struct {
	ServiceGroupID    string        `json:"service_group_id"`
	Code              string        `json:"code,omitempty"`
	Name              string        `json:"name,omitempty"`
	QueueLength       int           `json:"queue_length"`
	ActiveCounters    int           `json:"active_counters"`
	EstimatedWaitTime time.Duration `json:"-"`
	EstimatedWaitSecs int64         `json:"estimated_wait_seconds"`
	Status            string        `json:"status"`
}

type QueueMonitoringData struct {
	ServiceGroupQueues    []ServiceGroupQueue `json:"service_group_queues"`
	TotalActiveQueues     int                 `json:"total_active_queues"`
	TotalWaitingCustomers int                 `json:"total_waiting_customers"`
	TotalActiveCounters   int                 `json:"total_active_counters"`
	LastUpdated           time.Time           `json:"last_updated"`
	Version               uint64              `json:"version"`
}
