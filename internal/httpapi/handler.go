package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"qms/dispatch-service/internal/dispatch"
	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/store"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type Dispatcher interface {
	Issue(ctx context.Context, req dispatch.IssueRequest) (dispatch.IssueResult, error)
	ClaimNext(ctx context.Context, counterID string) (models.Ticket, bool, error)
	Complete(ctx context.Context, counterID string) (models.Ticket, error)
	Skip(ctx context.Context, counterID string, policy dispatch.SkipPolicy) (models.Ticket, error)
	SetCounterStatus(ctx context.Context, counterID, status string) (models.Counter, error)
	Current(ctx context.Context, counterID string) (models.Ticket, bool, error)
}

type Monitor interface {
	Snapshot(ctx context.Context) (models.QueueMonitoringData, error)
	ServiceGroup(ctx context.Context, serviceGroupID string) (models.ServiceGroupQueue, error)
}

type TicketReader interface {
	Get(ticketID string) (models.Ticket, error)
	Waiting(serviceGroupID string) ([]models.Ticket, error)
}

type Journal interface {
	ListTicketEvents(ctx context.Context, ticketID string) ([]store.TicketEvent, error)
}

type Handler struct {
	dispatcher Dispatcher
	monitor    Monitor
	tickets    TicketReader
	journal    Journal
}

type Options struct {
	Tickets TicketReader
	// Journal is nil when no database is configured.
	Journal Journal
}

type issueTicketRequest struct {
	ServiceGroupID string `json:"service_group_id"`
	Priority       string `json:"priority"`
}

type skipRequest struct {
	Policy string `json:"policy"`
}

type statusRequest struct {
	Status string `json:"status"`
}

type queueEmptyResponse struct {
	QueueEmpty bool `json:"queue_empty"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewHandler(dispatcher Dispatcher, monitor Monitor, options Options) *Handler {
	return &Handler{
		dispatcher: dispatcher,
		monitor:    monitor,
		tickets:    options.Tickets,
		journal:    options.Journal,
	}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	h.Register(mux)
	return mux
}

// Register mounts the API on an existing mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/counter/current", h.handleCurrent)
	mux.HandleFunc("/api/counter/next", h.handleNext)
	mux.HandleFunc("/api/counter/complete", h.handleComplete)
	mux.HandleFunc("/api/counter/skip", h.handleSkip)
	mux.HandleFunc("/api/counter/status", h.handleCounterStatus)
	mux.HandleFunc("/api/overview", h.handleOverview)
	mux.HandleFunc("/api/overview/groups/", h.handleOverviewGroup)
	mux.HandleFunc("/api/tickets", h.handleTickets)
	mux.HandleFunc("/api/tickets/", h.handleTicket)
	mux.HandleFunc("/api/queues/", h.handleQueue)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleCurrent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	counterID, ok := requireCounter(w, r, "current")
	if !ok {
		return
	}

	ticket, found, err := h.dispatcher.Current(r.Context(), counterID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}
	if !found {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleNext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	counterID, ok := requireCounter(w, r, "next")
	if !ok {
		return
	}

	ticket, found, err := h.dispatcher.ClaimNext(r.Context(), counterID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}
	if !found {
		writeJSON(w, http.StatusOK, queueEmptyResponse{QueueEmpty: true})
		return
	}
	annotate(r.Context(), attribute.String("qms.ticket_id", ticket.TicketID))
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	counterID, ok := requireCounter(w, r, "complete")
	if !ok {
		return
	}

	ticket, err := h.dispatcher.Complete(r.Context(), counterID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleSkip(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	counterID, ok := requireCounter(w, r, "skip")
	if !ok {
		return
	}

	var req skipRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	policy, err := dispatch.ParseSkipPolicy(req.Policy)
	if err != nil {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "policy must be back, front or drop")
		return
	}
	annotate(r.Context(), attribute.String("qms.skip_policy", string(policy)))

	ticket, err := h.dispatcher.Skip(r.Context(), counterID, policy)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleCounterStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	counterID, ok := requireCounter(w, r, "status")
	if !ok {
		return
	}

	var req statusRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	req.Status = strings.ToLower(strings.TrimSpace(req.Status))
	if req.Status != models.CounterAvailable && req.Status != models.CounterOffline {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "status must be available or offline")
		return
	}

	counter, err := h.dispatcher.SetCounterStatus(r.Context(), counterID, req.Status)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, counter)
}

func (h *Handler) handleOverview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	data, err := h.monitor.Snapshot(r.Context())
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, data)
}

func (h *Handler) handleOverviewGroup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	groupID := pathID(r.URL.Path, "/api/overview/groups/")
	if groupID == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	queue, err := h.monitor.ServiceGroup(r.Context(), groupID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, queue)
}

func (h *Handler) handleTickets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req issueTicketRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	req.ServiceGroupID = strings.TrimSpace(req.ServiceGroupID)
	if req.ServiceGroupID == "" {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "service_group_id is required")
		return
	}
	priority, err := models.ParsePriority(req.Priority)
	if err != nil {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "priority must be normal, priority or urgent")
		return
	}

	result, err := h.dispatcher.Issue(r.Context(), dispatch.IssueRequest{
		ServiceGroupID: req.ServiceGroupID,
		Priority:       priority,
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleTicket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/tickets/"), "/")
	parts := strings.Split(path, "/")
	switch {
	case len(parts) == 1 && parts[0] != "":
		h.handleGetTicket(w, r, parts[0])
	case len(parts) == 2 && parts[0] != "" && parts[1] == "events":
		h.handleTicketEvents(w, r, parts[0])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleGetTicket(w http.ResponseWriter, r *http.Request, ticketID string) {
	if h.tickets == nil {
		writeError(w, requestIDFromRequest(r), http.StatusServiceUnavailable, "unavailable", "ticket lookup is not configured")
		return
	}
	ticket, err := h.tickets.Get(ticketID)
	if errors.Is(err, store.ErrTicketNotFound) && h.journal != nil {
		ticket, err = h.ticketFromJournal(r.Context(), ticketID)
	}
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleTicketEvents(w http.ResponseWriter, r *http.Request, ticketID string) {
	if h.journal == nil {
		writeError(w, requestIDFromRequest(r), http.StatusServiceUnavailable, "journal_unavailable", "ticket journal is not configured")
		return
	}
	events, err := h.journal.ListTicketEvents(r.Context(), ticketID)
	if err == nil {
		err = store.VerifyChain(events)
	}
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// ticketFromJournal rebuilds a ticket the in-memory store no longer holds,
// such as one issued before a restart.
func (h *Handler) ticketFromJournal(ctx context.Context, ticketID string) (models.Ticket, error) {
	events, err := h.journal.ListTicketEvents(ctx, ticketID)
	if err != nil {
		return models.Ticket{}, err
	}
	if err := store.VerifyChain(events); err != nil {
		return models.Ticket{}, err
	}
	return store.RehydrateTicket(events)
}

func (h *Handler) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	groupID := pathID(r.URL.Path, "/api/queues/")
	if groupID == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if h.tickets == nil {
		writeError(w, requestIDFromRequest(r), http.StatusServiceUnavailable, "unavailable", "ticket lookup is not configured")
		return
	}
	tickets, err := h.tickets.Waiting(groupID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}
	if tickets == nil {
		tickets = []models.Ticket{}
	}
	writeJSON(w, http.StatusOK, tickets)
}

func pathID(path, prefix string) string {
	id := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if strings.Contains(id, "/") {
		return ""
	}
	return id
}

// requireCounter resolves the verified counter identity and tags the request
// span with it.
func requireCounter(w http.ResponseWriter, r *http.Request, action string) (string, bool) {
	counterID, ok := counterFromContext(r.Context())
	if !ok {
		writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing counter identity")
		return "", false
	}
	annotate(r.Context(),
		attribute.String("qms.counter_id", counterID),
		attribute.String("qms.action", action),
	)
	return counterID, true
}

func annotate(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}

func decodeRequest(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

// decodeOptional accepts an empty body, chunked or not, and leaves target
// untouched.
func decodeOptional(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return true
		}
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrCounterNotFound):
		return http.StatusNotFound, "counter_not_found", "counter not found"
	case errors.Is(err, store.ErrTicketNotFound):
		return http.StatusNotFound, "ticket_not_found", "ticket not found"
	case errors.Is(err, store.ErrServiceGroupNotFound):
		return http.StatusNotFound, "service_group_not_found", "service group not found"
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not_found", "not found"
	case errors.Is(err, store.ErrCounterOffline):
		return http.StatusConflict, "counter_offline", "counter is offline"
	case errors.Is(err, store.ErrCounterBusy):
		return http.StatusConflict, "counter_busy", "counter already holds a ticket"
	case errors.Is(err, store.ErrNoActiveTicket):
		return http.StatusConflict, "no_active_ticket", "counter has no active ticket"
	case errors.Is(err, store.ErrDuplicateTicket):
		return http.StatusConflict, "duplicate_ticket", "ticket already exists"
	case errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition", "state does not allow this action"
	case errors.Is(err, store.ErrInconsistentState):
		return http.StatusInternalServerError, "inconsistent_state", "dispatch state is inconsistent"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
