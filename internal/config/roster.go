package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"qms/dispatch-service/internal/models"

	toml "github.com/pelletier/go-toml/v2"
)

// Roster is the static service-group and counter layout of a branch.
type Roster struct {
	ServiceGroups []ServiceGroupEntry `toml:"service_groups"`
	Counters      []CounterEntry      `toml:"counters"`
}

type ServiceGroupEntry struct {
	ID                    string `toml:"id"`
	Code                  string `toml:"code"`
	Name                  string `toml:"name"`
	DefaultServiceMinutes int    `toml:"default_service_minutes"`
}

type CounterEntry struct {
	ID            string   `toml:"id"`
	Code          string   `toml:"code"`
	ServiceGroups []string `toml:"service_groups"` // dispatch order
	Status        string   `toml:"status"`         // available | offline
}

// LoadRoster reads a TOML roster. An empty path or a missing file yields an
// empty roster.
func LoadRoster(path string) (Roster, error) {
	var roster Roster
	if strings.TrimSpace(path) == "" {
		return roster, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return roster, nil
		}
		return Roster{}, fmt.Errorf("read roster: %w", err)
	}
	if len(content) == 0 {
		return roster, nil
	}

	if err := toml.Unmarshal(content, &roster); err != nil {
		return Roster{}, fmt.Errorf("decode roster: %w", err)
	}
	if err := roster.Validate(); err != nil {
		return Roster{}, err
	}
	return roster, nil
}

func (r *Roster) Validate() error {
	groups := map[string]struct{}{}
	for idx := range r.ServiceGroups {
		group := &r.ServiceGroups[idx]
		group.ID = strings.TrimSpace(group.ID)
		group.Code = strings.TrimSpace(group.Code)
		if group.ID == "" {
			return fmt.Errorf("service_groups[%d].id is required", idx)
		}
		if group.DefaultServiceMinutes < 0 {
			return fmt.Errorf("service_groups[%d].default_service_minutes must be >= 0", idx)
		}
		if _, ok := groups[group.ID]; ok {
			return fmt.Errorf("service_groups[%d].id is duplicated: %s", idx, group.ID)
		}
		groups[group.ID] = struct{}{}
	}

	counters := map[string]struct{}{}
	for idx := range r.Counters {
		counter := &r.Counters[idx]
		counter.ID = strings.TrimSpace(counter.ID)
		counter.Status = strings.TrimSpace(strings.ToLower(counter.Status))
		if counter.ID == "" {
			return fmt.Errorf("counters[%d].id is required", idx)
		}
		if _, ok := counters[counter.ID]; ok {
			return fmt.Errorf("counters[%d].id is duplicated: %s", idx, counter.ID)
		}
		counters[counter.ID] = struct{}{}
		switch counter.Status {
		case "", models.CounterAvailable, models.CounterOffline:
		default:
			return fmt.Errorf("invalid counters[%d].status: %q", idx, counter.Status)
		}
		if len(counter.ServiceGroups) == 0 {
			return fmt.Errorf("counters[%d].service_groups must include at least one group", idx)
		}
		for i, groupID := range counter.ServiceGroups {
			groupID = strings.TrimSpace(groupID)
			if _, ok := groups[groupID]; !ok {
				return fmt.Errorf("counters[%d].service_groups[%d] references unknown group %q", idx, i, groupID)
			}
			counter.ServiceGroups[i] = groupID
		}
	}
	return nil
}

func (r Roster) Groups() []models.ServiceGroup {
	groups := make([]models.ServiceGroup, 0, len(r.ServiceGroups))
	for _, entry := range r.ServiceGroups {
		groups = append(groups, models.ServiceGroup{
			ServiceGroupID:         entry.ID,
			Code:                   entry.Code,
			Name:                   entry.Name,
			DefaultServiceDuration: time.Duration(entry.DefaultServiceMinutes) * time.Minute,
		})
	}
	return groups
}

func (r Roster) CounterList() []models.Counter {
	counters := make([]models.Counter, 0, len(r.Counters))
	for _, entry := range r.Counters {
		counters = append(counters, models.Counter{
			CounterID:       entry.ID,
			CounterCode:     entry.Code,
			ServiceGroupIDs: append([]string(nil), entry.ServiceGroups...),
			Status:          entry.Status,
		})
	}
	return counters
}
