package postgres

import (
	"context"
	"time"

	"qms/dispatch-service/internal/models"

	"github.com/jackc/pgx/v5"
)

// SaveRoster upserts service groups and counters, keeping their order.
func (j *Journal) SaveRoster(ctx context.Context, groups []models.ServiceGroup, counters []models.Counter) (err error) {
	tx, err := j.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	for i, group := range groups {
		_, err = tx.Exec(ctx, `
			INSERT INTO service_groups (service_group_id, code, name, default_service_seconds, position)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (service_group_id) DO UPDATE
			SET code = EXCLUDED.code, name = EXCLUDED.name,
				default_service_seconds = EXCLUDED.default_service_seconds, position = EXCLUDED.position
		`, group.ServiceGroupID, group.Code, group.Name, int(group.DefaultServiceDuration/time.Second), i)
		if err != nil {
			return err
		}
	}

	for i, counter := range counters {
		status := counter.Status
		if status == "" {
			status = models.CounterOffline
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO counters (counter_id, counter_code, initial_status, position)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (counter_id) DO UPDATE
			SET counter_code = EXCLUDED.counter_code, initial_status = EXCLUDED.initial_status, position = EXCLUDED.position
		`, counter.CounterID, counter.CounterCode, status, i)
		if err != nil {
			return err
		}
		if _, err = tx.Exec(ctx, `DELETE FROM counter_service_groups WHERE counter_id = $1`, counter.CounterID); err != nil {
			return err
		}
		for pos, groupID := range counter.ServiceGroupIDs {
			_, err = tx.Exec(ctx, `
				INSERT INTO counter_service_groups (counter_id, service_group_id, position)
				VALUES ($1, $2, $3)
			`, counter.CounterID, groupID, pos)
			if err != nil {
				return err
			}
		}
	}

	return tx.Commit(ctx)
}

// LoadRoster returns the persisted roster in saved order.
func (j *Journal) LoadRoster(ctx context.Context) ([]models.ServiceGroup, []models.Counter, error) {
	groups, err := j.loadServiceGroups(ctx)
	if err != nil {
		return nil, nil, err
	}

	rows, err := j.pool.Query(ctx, `
		SELECT c.counter_id, c.counter_code, c.initial_status,
			COALESCE(array_agg(m.service_group_id ORDER BY m.position) FILTER (WHERE m.service_group_id IS NOT NULL), '{}')
		FROM counters c
		LEFT JOIN counter_service_groups m ON m.counter_id = c.counter_id
		GROUP BY c.counter_id, c.counter_code, c.initial_status, c.position
		ORDER BY c.position ASC, c.counter_id ASC
	`)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var counters []models.Counter
	for rows.Next() {
		var counter models.Counter
		if err := rows.Scan(&counter.CounterID, &counter.CounterCode, &counter.Status, &counter.ServiceGroupIDs); err != nil {
			return nil, nil, err
		}
		counters = append(counters, counter)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	return groups, counters, nil
}

func (j *Journal) loadServiceGroups(ctx context.Context) ([]models.ServiceGroup, error) {
	rows, err := j.pool.Query(ctx, `
		SELECT service_group_id, code, name, default_service_seconds
		FROM service_groups
		ORDER BY position ASC, service_group_id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []models.ServiceGroup
	for rows.Next() {
		var group models.ServiceGroup
		var seconds int
		if err := rows.Scan(&group.ServiceGroupID, &group.Code, &group.Name, &seconds); err != nil {
			return nil, err
		}
		group.DefaultServiceDuration = time.Duration(seconds) * time.Second
		groups = append(groups, group)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return groups, nil
}
