package models

import "time"

type ServiceGroup struct {
	ServiceGroupID         string        `json:"service_group_id"`
	Code                   string        `json:"code"`
	Name                   string        `json:"name"`
	DefaultServiceDuration time.Duration `json:"-"`
}
