package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"tokenflow/dispatch-service/internal/broadcast"
	"tokenflow/dispatch-service/internal/dispatch"
	"tokenflow/dispatch-service/internal/models"
	"tokenflow/dispatch-service/internal/registry"
	"tokenflow/dispatch-service/internal/store"

	"github.com/google/uuid"
)

// Dispatcher is the scheduler surface the API needs. Split out as an
// interface so handler tests run against a fake.
type Dispatcher interface {
	CreateToken(ctx context.Context, input store.CreateTokenInput) (models.Token, error)
	GetToken(ctx context.Context, tokenID string) (models.Token, error)
	CallNext(ctx context.Context, counterID string) (models.Token, error)
	CallSpecific(ctx context.Context, tokenID, counterID string) (models.Token, error)
	StartServing(ctx context.Context, tokenID, counterID string) (models.Token, error)
	Complete(ctx context.Context, tokenID, notes string) (models.Token, error)
	NoShow(ctx context.Context, tokenID string) (models.Token, error)
	Recall(ctx context.Context, tokenID, counterID string) (models.Token, error)
	RepeatAnnouncement(ctx context.Context, tokenID string) (models.Token, error)
	Cancel(ctx context.Context, tokenID string) (models.Token, error)
}

// Snapshots serves the resync path.
type Snapshots interface {
	Snapshot(ctx context.Context) (broadcast.Envelope, error)
}

type Handler struct {
	dispatcher Dispatcher
	counters   registry.CounterRegistry
	types      registry.ServiceTypeDirectory
	snapshots  Snapshots
	notifier   dispatch.Notifier
}

// NewHandler wires the API surface. The notifier may be nil; when set it is
// signalled after counter-admin mutations so connected displays see staff and
// activation changes without waiting for the next token movement.
func NewHandler(dispatcher Dispatcher, counters registry.CounterRegistry, types registry.ServiceTypeDirectory, snapshots Snapshots, notifier dispatch.Notifier) *Handler {
	return &Handler{
		dispatcher: dispatcher,
		counters:   counters,
		types:      types,
		snapshots:  snapshots,
		notifier:   notifier,
	}
}

func (h *Handler) notifyCounters(ctx context.Context, counterIDs ...string) {
	if h.notifier == nil {
		return
	}
	h.notifier.QueueChanged(ctx, counterIDs...)
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/tokens", h.handleTokens)
	mux.HandleFunc("/api/tokens/actions/call-next", h.handleCallNext)
	mux.HandleFunc("/api/tokens/", h.handleTokenSubtree)
	mux.HandleFunc("/api/snapshot", h.handleSnapshot)
	mux.HandleFunc("/api/counters", h.handleCounters)
	mux.HandleFunc("/api/counters/", h.handleCounterSubtree)
	mux.HandleFunc("/api/service-types", h.handleServiceTypes)
	return mux
}

type createTokenRequest struct {
	ServiceTypeID string `json:"service_type_id"`
	Priority      int    `json:"priority"`
	Notes         string `json:"notes"`
}

type counterRequest struct {
	CounterID string `json:"counter_id"`
}

type completeRequest struct {
	CounterID string `json:"counter_id"`
	Notes     string `json:"notes"`
}

type staffRequest struct {
	StaffID string `json:"staff_id"`
}

type filterRequest struct {
	ServiceTypeIDs []string `json:"service_type_ids"`
}

type statusRequest struct {
	IsActive bool `json:"is_active"`
}

type errorResponse struct {
	Error responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleTokens(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req createTokenRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	req.ServiceTypeID = strings.TrimSpace(req.ServiceTypeID)
	if req.ServiceTypeID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "service_type_id is required")
		return
	}
	if req.Priority < 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "priority must not be negative")
		return
	}

	token, err := h.dispatcher.CreateToken(r.Context(), store.CreateTokenInput{
		ServiceTypeID: req.ServiceTypeID,
		Priority:      req.Priority,
		Notes:         strings.TrimSpace(req.Notes),
		CreatedAt:     time.Now().UTC(),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusCreated, token)
}

func (h *Handler) handleCallNext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req counterRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	req.CounterID = strings.TrimSpace(req.CounterID)
	if req.CounterID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "counter_id is required")
		return
	}

	token, err := h.dispatcher.CallNext(r.Context(), req.CounterID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

func (h *Handler) handleTokenSubtree(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/tokens/"), "/")
	parts := strings.Split(path, "/")

	switch {
	case len(parts) == 1:
		h.handleGetToken(w, r, parts[0])
	case len(parts) == 3 && parts[1] == "actions":
		h.handleTokenAction(w, r, parts[0], parts[2])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleGetToken(w http.ResponseWriter, r *http.Request, tokenID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !isValidUUID(tokenID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "token_id must be a UUID")
		return
	}

	token, err := h.dispatcher.GetToken(r.Context(), tokenID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

func (h *Handler) handleTokenAction(w http.ResponseWriter, r *http.Request, tokenID, action string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !isValidUUID(tokenID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "token_id must be a UUID")
		return
	}

	switch action {
	case "call":
		h.withCounter(w, r, tokenID, h.dispatcher.CallSpecific)
	case "start":
		h.withCounter(w, r, tokenID, h.dispatcher.StartServing)
	case "recall":
		h.withCounter(w, r, tokenID, h.dispatcher.Recall)
	case "complete":
		h.handleComplete(w, r, tokenID)
	case "no-show":
		h.withToken(w, r, tokenID, h.dispatcher.NoShow)
	case "repeat":
		h.withToken(w, r, tokenID, h.dispatcher.RepeatAnnouncement)
	case "cancel":
		h.withToken(w, r, tokenID, h.dispatcher.Cancel)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) withCounter(w http.ResponseWriter, r *http.Request, tokenID string, op func(context.Context, string, string) (models.Token, error)) {
	var req counterRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	req.CounterID = strings.TrimSpace(req.CounterID)
	if req.CounterID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "counter_id is required")
		return
	}

	token, err := op(r.Context(), tokenID, req.CounterID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

func (h *Handler) withToken(w http.ResponseWriter, r *http.Request, tokenID string, op func(context.Context, string) (models.Token, error)) {
	token, err := op(r.Context(), tokenID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request, tokenID string) {
	var req completeRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	token, err := h.dispatcher.Complete(r.Context(), tokenID, strings.TrimSpace(req.Notes))
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

func (h *Handler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	envelope, err := h.snapshots.Snapshot(r.Context())
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}

	if counterID := strings.TrimSpace(r.URL.Query().Get("counter_id")); counterID != "" {
		view, ok := envelope.Snapshot.CounterView(counterID)
		if !ok {
			writeError(w, http.StatusNotFound, "counter_not_found", "counter not found")
			return
		}
		writeJSON(w, http.StatusOK, struct {
			Sequence uint64             `json:"sequence"`
			Counter  models.CounterView `json:"counter"`
		}{Sequence: envelope.Sequence, Counter: view})
		return
	}

	writeJSON(w, http.StatusOK, envelope)
}

func (h *Handler) handleCounters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	counters, err := h.counters.ListCounters(r.Context())
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, counters)
}

func (h *Handler) handleCounterSubtree(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/counters/"), "/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	counterID := parts[0]
	switch parts[1] {
	case "staff":
		h.handleCounterStaff(w, r, counterID)
	case "filter":
		h.handleCounterFilter(w, r, counterID)
	case "status":
		h.handleCounterStatus(w, r, counterID)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// handleCounterStaff assigns when staff_id is set and releases when empty.
func (h *Handler) handleCounterStaff(w http.ResponseWriter, r *http.Request, counterID string) {
	var req staffRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	req.StaffID = strings.TrimSpace(req.StaffID)

	var counter models.Counter
	var err error
	if req.StaffID == "" {
		counter, err = h.counters.ReleaseStaff(r.Context(), counterID)
	} else {
		counter, err = h.counters.AssignStaff(r.Context(), counterID, req.StaffID)
	}
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	h.notifyCounters(r.Context(), counterID)
	writeJSON(w, http.StatusOK, counter)
}

func (h *Handler) handleCounterFilter(w http.ResponseWriter, r *http.Request, counterID string) {
	var req filterRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	for i, serviceTypeID := range req.ServiceTypeIDs {
		req.ServiceTypeIDs[i] = strings.TrimSpace(serviceTypeID)
		if req.ServiceTypeIDs[i] == "" {
			writeError(w, http.StatusBadRequest, "invalid_request", "service_type_ids must not contain empty values")
			return
		}
	}

	counter, err := h.counters.SetPriorityFilter(r.Context(), counterID, req.ServiceTypeIDs)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	h.notifyCounters(r.Context(), counterID)
	writeJSON(w, http.StatusOK, counter)
}

func (h *Handler) handleCounterStatus(w http.ResponseWriter, r *http.Request, counterID string) {
	var req statusRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	counter, err := h.counters.SetActive(r.Context(), counterID, req.IsActive)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	h.notifyCounters(r.Context(), counterID)
	writeJSON(w, http.StatusOK, counter)
}

func (h *Handler) handleServiceTypes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	types, err := h.types.ListServiceTypes(r.Context())
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, types)
}

func decodeRequest(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrTokenNotFound):
		return http.StatusNotFound, "token_not_found", "token not found"
	case errors.Is(err, store.ErrServiceTypeNotFound):
		return http.StatusNotFound, "service_type_not_found", "service type not found"
	case errors.Is(err, registry.ErrCounterNotFound):
		return http.StatusNotFound, "counter_not_found", "counter not found"
	case errors.Is(err, dispatch.ErrNoTokensAvailable):
		return http.StatusConflict, "queue_empty", "no tokens available"
	case errors.Is(err, dispatch.ErrTokenNotWaiting):
		return http.StatusConflict, "token_not_waiting", "token is not waiting"
	case errors.Is(err, dispatch.ErrCounterBusy):
		return http.StatusConflict, "counter_busy", "counter already has an active token"
	case errors.Is(err, dispatch.ErrCounterMismatch):
		return http.StatusConflict, "counter_mismatch", "token assigned to a different counter"
	case errors.Is(err, dispatch.ErrCounterInactive):
		return http.StatusConflict, "counter_inactive", "counter is not active"
	case errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict, "invalid_state", "token state does not allow this action"
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, "conflict", "token changed concurrently"
	case errors.Is(err, registry.ErrStaffAlreadyAssigned):
		return http.StatusConflict, "staff_already_assigned", "staff already assigned to another counter"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{
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
