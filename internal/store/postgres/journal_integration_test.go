package postgres

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/monitor"
	"qms/dispatch-service/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

func TestJournalTicketChain(t *testing.T) {
	ctx := context.Background()
	journal, _, cleanup := setupTestJournal(t, ctx)
	t.Cleanup(cleanup)

	counterID := "c1"
	issuedAt := time.Date(2026, 3, 2, 10, 0, 0, 123456789, time.UTC)
	assignedAt := issuedAt.Add(time.Minute)
	completedAt := assignedAt.Add(4 * time.Minute)
	ticket := models.Ticket{
		TicketID:       uuid.NewString(),
		TicketNumber:   "A-001",
		ServiceGroupID: "g1",
		Status:         models.StatusWaiting,
		IssuedAt:       issuedAt,
	}
	publish(t, ctx, journal, store.EventTicketIssued, ticket, issuedAt)

	ticket.Status = models.StatusAssigned
	ticket.CounterID = &counterID
	ticket.AssignedAt = &assignedAt
	publish(t, ctx, journal, store.EventTicketAssigned, ticket, assignedAt)

	ticket.Status = models.StatusCompleted
	ticket.CompletedAt = &completedAt
	publish(t, ctx, journal, store.EventTicketCompleted, ticket, completedAt)

	events, err := journal.ListTicketEvents(ctx, ticket.TicketID)
	if err != nil {
		t.Fatalf("list ticket events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if err := store.VerifyChain(events); err != nil {
		t.Fatalf("verify chain: %v", err)
	}
	rehydrated, err := store.RehydrateTicket(events)
	if err != nil {
		t.Fatalf("rehydrate: %v", err)
	}
	if rehydrated.Status != models.StatusCompleted || rehydrated.CounterID == nil || *rehydrated.CounterID != counterID {
		t.Fatalf("unexpected rehydrated ticket %+v", rehydrated)
	}

	samples, err := journal.RecentDurations(ctx, "g1", issuedAt.Add(-time.Hour), 10)
	if err != nil {
		t.Fatalf("recent durations: %v", err)
	}
	if len(samples) != 1 || samples[0].Duration != 4*time.Minute {
		t.Fatalf("unexpected samples %+v", samples)
	}
}

func TestJournalSeedEstimator(t *testing.T) {
	ctx := context.Background()
	journal, _, cleanup := setupTestJournal(t, ctx)
	t.Cleanup(cleanup)

	now := time.Now().UTC().Truncate(time.Second)
	journal.now = func() time.Time { return now }
	counterID := "c1"
	for i, minutes := range []int{2, 4} {
		assignedAt := now.Add(-time.Duration(10-i) * time.Minute)
		completedAt := assignedAt.Add(time.Duration(minutes) * time.Minute)
		publish(t, ctx, journal, store.EventTicketCompleted, models.Ticket{
			TicketID:       uuid.NewString(),
			ServiceGroupID: "g1",
			Status:         models.StatusCompleted,
			CounterID:      &counterID,
			AssignedAt:     &assignedAt,
			CompletedAt:    &completedAt,
		}, completedAt)
	}

	estimator := monitor.NewEstimator(monitor.EstimatorOptions{})
	estimator.SetClock(func() time.Time { return now })
	if err := journal.SeedEstimator(ctx, estimator, []models.ServiceGroup{{ServiceGroupID: "g1"}}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	average, observed := estimator.AverageDuration("g1", 0)
	if !observed || average != 3*time.Minute {
		t.Fatalf("expected observed 3m average, got %v (%v)", average, observed)
	}
}

func TestJournalUnknownTicket(t *testing.T) {
	ctx := context.Background()
	journal, _, cleanup := setupTestJournal(t, ctx)
	t.Cleanup(cleanup)

	_, err := journal.ListTicketEvents(ctx, "missing")
	if !errors.Is(err, store.ErrTicketNotFound) {
		t.Fatalf("expected ErrTicketNotFound, got %v", err)
	}
}

func TestJournalOutboxForCounterEvents(t *testing.T) {
	ctx := context.Background()
	journal, pool, cleanup := setupTestJournal(t, ctx)
	t.Cleanup(cleanup)

	counter := models.Counter{CounterID: "c1", Status: models.CounterAvailable}
	if err := journal.Publish(ctx, store.Event{Seq: 12, Type: store.EventCounterStatus, CounterID: "c1", Counter: &counter, Version: 7}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	var count int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox_events WHERE type = $1`, store.EventCounterStatus).Scan(&count); err != nil {
		t.Fatalf("count outbox events: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 outbox event, got %d", count)
	}
	var seq int64
	if err := pool.QueryRow(ctx, `SELECT seq FROM outbox_events WHERE type = $1`, store.EventCounterStatus).Scan(&seq); err != nil {
		t.Fatalf("read outbox seq: %v", err)
	}
	if seq != 12 {
		t.Fatalf("expected seq 12, got %d", seq)
	}
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM ticket_events`).Scan(&count); err != nil {
		t.Fatalf("count ticket events: %v", err)
	}
	if count != 0 {
		t.Fatalf("counter events must not touch ticket chains, got %d", count)
	}
}

func TestRosterRoundTrip(t *testing.T) {
	ctx := context.Background()
	journal, _, cleanup := setupTestJournal(t, ctx)
	t.Cleanup(cleanup)

	groups := []models.ServiceGroup{
		{ServiceGroupID: "g2", Code: "B", Name: "Payments", DefaultServiceDuration: 3 * time.Minute},
		{ServiceGroupID: "g1", Code: "A", Name: "Registration"},
	}
	counters := []models.Counter{
		{CounterID: "c1", CounterCode: "01", ServiceGroupIDs: []string{"g2", "g1"}, Status: models.CounterAvailable},
		{CounterID: "c2", CounterCode: "02", ServiceGroupIDs: []string{"g1"}},
	}
	if err := journal.SaveRoster(ctx, groups, counters); err != nil {
		t.Fatalf("save roster: %v", err)
	}

	loadedGroups, loadedCounters, err := journal.LoadRoster(ctx)
	if err != nil {
		t.Fatalf("load roster: %v", err)
	}
	if len(loadedGroups) != 2 || loadedGroups[0].ServiceGroupID != "g2" || loadedGroups[0].DefaultServiceDuration != 3*time.Minute {
		t.Fatalf("unexpected groups %+v", loadedGroups)
	}
	if len(loadedCounters) != 2 {
		t.Fatalf("unexpected counters %+v", loadedCounters)
	}
	if got := loadedCounters[0].ServiceGroupIDs; len(got) != 2 || got[0] != "g2" || got[1] != "g1" {
		t.Fatalf("unexpected service groups %v", got)
	}
	if loadedCounters[1].Status != models.CounterOffline {
		t.Fatalf("expected offline default, got %s", loadedCounters[1].Status)
	}
}

func publish(t *testing.T, ctx context.Context, journal *Journal, eventType string, ticket models.Ticket, at time.Time) {
	t.Helper()
	owned := ticket
	event := store.Event{
		Type:           eventType,
		ServiceGroupID: ticket.ServiceGroupID,
		Ticket:         &owned,
		OccurredAt:     at,
	}
	if ticket.CounterID != nil {
		event.CounterID = *ticket.CounterID
	}
	if err := journal.Publish(ctx, event); err != nil {
		t.Fatalf("publish %s: %v", eventType, err)
	}
}

func setupTestJournal(t *testing.T, ctx context.Context) (*Journal, *pgxpool.Pool, func()) {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN is required for integration tests")
	}

	schema := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := createSchema(ctx, dsn, schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	pool, err := newPoolWithSchema(ctx, dsn, schema)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}

	if err := applyMigrations(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("apply migrations: %v", err)
	}

	cleanup := func() {
		pool.Close()
		_ = dropSchema(context.Background(), dsn, schema)
	}
	return NewJournal(pool), pool, cleanup
}

func createSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "CREATE SCHEMA "+schema)
	return err
}

func dropSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "DROP SCHEMA "+schema+" CASCADE")
	return err
}

func newPoolWithSchema(ctx context.Context, dsn, schema string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	return pgxpool.NewWithConfig(ctx, cfg)
}

func applyMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	dir := filepath.Join("..", "..", "..", "migrations")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)
	for _, name := range files {
		content, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		if strings.TrimSpace(string(content)) == "" {
			continue
		}
		if _, err := pool.Exec(ctx, string(content)); err != nil {
			return err
		}
	}
	return nil
}
