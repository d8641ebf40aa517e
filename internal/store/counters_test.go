package store

import (
	"errors"
	"testing"

	"qms/dispatch-service/internal/models"
)

func newTestRegistry(t *testing.T) *CounterRegistry {
	t.Helper()
	r := NewCounterRegistry()
	if err := r.Register(models.Counter{CounterID: "c1", CounterCode: "01", ServiceGroupIDs: []string{"g1"}}); err != nil {
		t.Fatalf("register: %v", err)
	}
	return r
}

func TestRegisterDefaultsToOffline(t *testing.T) {
	r := newTestRegistry(t)
	counter, err := r.Get("c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if counter.Status != models.CounterOffline {
		t.Fatalf("expected offline, got %s", counter.Status)
	}
	if err := r.Register(models.Counter{CounterID: "c2", Status: models.CounterBusy}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for busy registration, got %v", err)
	}
	if _, err := r.Get("missing"); !errors.Is(err, ErrCounterNotFound) {
		t.Fatalf("expected ErrCounterNotFound, got %v", err)
	}
}

func TestBindAndUnbindKeepStatusInLockstep(t *testing.T) {
	r := newTestRegistry(t)

	if err := r.BindTicket("c1", "t1"); !errors.Is(err, ErrCounterOffline) {
		t.Fatalf("expected ErrCounterOffline, got %v", err)
	}
	if _, err := r.SetStatus("c1", models.CounterAvailable); err != nil {
		t.Fatalf("set available: %v", err)
	}
	if err := r.BindTicket("c1", "t1"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	counter, _ := r.Get("c1")
	if counter.Status != models.CounterBusy || counter.CurrentTicketID == nil || *counter.CurrentTicketID != "t1" {
		t.Fatalf("unexpected counter after bind %+v", counter)
	}
	if err := r.BindTicket("c1", "t2"); !errors.Is(err, ErrCounterBusy) {
		t.Fatalf("expected ErrCounterBusy, got %v", err)
	}

	ticketID, err := r.UnbindTicket("c1")
	if err != nil {
		t.Fatalf("unbind: %v", err)
	}
	if ticketID != "t1" {
		t.Fatalf("unbound %q, want t1", ticketID)
	}
	counter, _ = r.Get("c1")
	if counter.Status != models.CounterAvailable || counter.CurrentTicketID != nil {
		t.Fatalf("unexpected counter after unbind %+v", counter)
	}
	if _, err := r.UnbindTicket("c1"); !errors.Is(err, ErrNoActiveTicket) {
		t.Fatalf("expected ErrNoActiveTicket, got %v", err)
	}
}

func TestSetStatusRejectsBusyTransitions(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.SetStatus("c1", models.CounterBusy); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition setting busy, got %v", err)
	}
	if _, err := r.SetStatus("c1", models.CounterAvailable); err != nil {
		t.Fatalf("set available: %v", err)
	}
	if err := r.BindTicket("c1", "t1"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if _, err := r.SetStatus("c1", models.CounterOffline); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition leaving busy directly, got %v", err)
	}
}

func TestReRegisterBusyCounterFails(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.SetStatus("c1", models.CounterAvailable); err != nil {
		t.Fatalf("set available: %v", err)
	}
	if err := r.BindTicket("c1", "t1"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	err := r.Register(models.Counter{CounterID: "c1", ServiceGroupIDs: []string{"g2"}})
	if !errors.Is(err, ErrCounterBusy) {
		t.Fatalf("expected ErrCounterBusy, got %v", err)
	}
}

func TestListReturnsCopiesInRegistrationOrder(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Register(models.Counter{CounterID: "c2", ServiceGroupIDs: []string{"g1", "g2"}}); err != nil {
		t.Fatalf("register: %v", err)
	}
	counters := r.List()
	if len(counters) != 2 || counters[0].CounterID != "c1" || counters[1].CounterID != "c2" {
		t.Fatalf("unexpected list %+v", counters)
	}
	counters[1].ServiceGroupIDs[0] = "mutated"
	again, _ := r.Get("c2")
	if again.ServiceGroupIDs[0] != "g1" {
		t.Fatal("List must return copies")
	}
}
