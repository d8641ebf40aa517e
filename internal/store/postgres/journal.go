package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/monitor"
	"qms/dispatch-service/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres keeps microseconds; hashes are computed on the stored precision.
const timestampPrecision = time.Microsecond

// Journal persists committed dispatch events. It implements store.EventSink.
type Journal struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewJournal(pool *pgxpool.Pool) *Journal {
	return &Journal{
		pool: pool,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Publish writes the outbox row, extends the ticket's hash chain and records
// the service duration of completed tickets, all in one transaction.
func (j *Journal) Publish(ctx context.Context, event store.Event) (err error) {
	payloadJSON, err := json.Marshal(event)
	if err != nil {
		return err
	}
	createdAt := event.OccurredAt
	if createdAt.IsZero() {
		createdAt = j.now()
	}
	createdAt = createdAt.UTC().Truncate(timestampPrecision)

	tx, err := j.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	_, err = tx.Exec(ctx, `
		INSERT INTO outbox_events (event_id, seq, type, service_group_id, counter_id, version, payload_json, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, uuid.NewString(), int64(event.Seq), event.Type, nullIfEmpty(event.ServiceGroupID), nullIfEmpty(event.CounterID), int64(event.Version), payloadJSON, createdAt)
	if err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}

	if event.Ticket != nil {
		ticketJSON, marshalErr := json.Marshal(event.Ticket)
		if marshalErr != nil {
			err = marshalErr
			return err
		}
		if err = insertTicketEvent(ctx, tx, event.Ticket.TicketID, event.Type, ticketJSON, createdAt); err != nil {
			return fmt.Errorf("insert ticket event: %w", err)
		}
		if event.Type == store.EventTicketCompleted {
			if err = insertCompletedService(ctx, tx, *event.Ticket); err != nil {
				return fmt.Errorf("insert completed service: %w", err)
			}
		}
	}

	return tx.Commit(ctx)
}

func (j *Journal) ListTicketEvents(ctx context.Context, ticketID string) ([]store.TicketEvent, error) {
	rows, err := j.pool.Query(ctx, `
		SELECT ticket_id, ticket_seq, type, payload, created_at, prev_hash, hash
		FROM ticket_events
		WHERE ticket_id = $1
		ORDER BY ticket_seq ASC
	`, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.TicketEvent
	for rows.Next() {
		var event store.TicketEvent
		var payload []byte
		if err := rows.Scan(&event.TicketID, &event.TicketSeq, &event.Type, &payload, &event.CreatedAt, &event.PrevHash, &event.Hash); err != nil {
			return nil, err
		}
		event.Payload = payload
		event.CreatedAt = event.CreatedAt.UTC()
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: %s", store.ErrTicketNotFound, ticketID)
	}
	return events, nil
}

// RecentDurations returns up to limit completions for a group since the
// cutoff, oldest first, ready for Estimator.Seed.
func (j *Journal) RecentDurations(ctx context.Context, serviceGroupID string, since time.Time, limit int) ([]monitor.Sample, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.pool.Query(ctx, `
		SELECT duration_ms, completed_at FROM (
			SELECT duration_ms, completed_at
			FROM completed_services
			WHERE service_group_id = $1 AND completed_at >= $2
			ORDER BY completed_at DESC
			LIMIT $3
		) recent
		ORDER BY completed_at ASC
	`, serviceGroupID, since.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []monitor.Sample
	for rows.Next() {
		var durationMS int64
		var completedAt time.Time
		if err := rows.Scan(&durationMS, &completedAt); err != nil {
			return nil, err
		}
		samples = append(samples, monitor.Sample{
			Duration:    time.Duration(durationMS) * time.Millisecond,
			CompletedAt: completedAt.UTC(),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return samples, nil
}

// SeedEstimator warms the estimator with each group's recent history.
func (j *Journal) SeedEstimator(ctx context.Context, estimator *monitor.Estimator, groups []models.ServiceGroup) error {
	opts := estimator.Options()
	since := j.now().Add(-opts.MaxAge)
	for _, group := range groups {
		samples, err := j.RecentDurations(ctx, group.ServiceGroupID, since, opts.Window)
		if err != nil {
			return fmt.Errorf("seed %s: %w", group.ServiceGroupID, err)
		}
		estimator.Seed(group.ServiceGroupID, samples)
	}
	return nil
}

func insertTicketEvent(ctx context.Context, tx pgx.Tx, ticketID, eventType string, payload []byte, createdAt time.Time) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, ticketID); err != nil {
		return err
	}

	var lastSeq int
	var prevHash sql.NullString
	row := tx.QueryRow(ctx, `
		SELECT ticket_seq, hash
		FROM ticket_events
		WHERE ticket_id = $1
		ORDER BY ticket_seq DESC
		LIMIT 1
	`, ticketID)
	if err := row.Scan(&lastSeq, &prevHash); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	nextSeq := lastSeq + 1
	prev := ""
	if prevHash.Valid {
		prev = prevHash.String
	}
	hash := store.ComputeTicketEventHash(prev, ticketID, eventType, payload, createdAt, nextSeq)

	_, err := tx.Exec(ctx, `
		INSERT INTO ticket_events (ticket_id, ticket_seq, type, payload, created_at, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, ticketID, nextSeq, eventType, payload, createdAt, prev, hash)
	return err
}

func insertCompletedService(ctx context.Context, tx pgx.Tx, ticket models.Ticket) error {
	if ticket.AssignedAt == nil || ticket.CompletedAt == nil || ticket.CounterID == nil {
		return fmt.Errorf("%w: completed ticket %s lacks assignment data", store.ErrInconsistentState, ticket.TicketID)
	}
	duration := ticket.CompletedAt.Sub(*ticket.AssignedAt)
	if duration < 0 {
		duration = 0
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO completed_services (ticket_id, service_group_id, counter_id, assigned_at, completed_at, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (ticket_id) DO NOTHING
	`, ticket.TicketID, ticket.ServiceGroupID, *ticket.CounterID, ticket.AssignedAt.UTC(), ticket.CompletedAt.UTC(), duration.Milliseconds())
	return err
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}
