package store

import "qms/dispatch-service/internal/models"

var transitionMap = map[string][]string{
	"assign":   {models.StatusWaiting},
	"complete": {models.StatusAssigned},
	"requeue":  {models.StatusAssigned},
	"release":  {models.StatusAssigned},
	"skip":     {models.StatusAssigned},
}

var counterTransitionMap = map[string][]string{
	models.CounterAvailable: {models.CounterOffline, models.CounterBusy},
	models.CounterBusy:      {models.CounterAvailable},
	models.CounterOffline:   {models.CounterAvailable, models.CounterBusy},
}

func ValidTransition(action, fromStatus string) bool {
	allowed, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == fromStatus {
			return true
		}
	}
	return false
}

// ValidCounterTransition reports whether a counter may move into status "to"
// from "from". Offline is reachable from every state; the engine performs the
// ticket release that a busy counter needs first.
func ValidCounterTransition(from, to string) bool {
	allowed, ok := counterTransitionMap[to]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == from {
			return true
		}
	}
	return false
}
