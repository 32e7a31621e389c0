// Package api is the operational HTTP surface of the dispatch core: the
// contact-change hook feeding the materializer, dead-record inspection
// and the operator replay action.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/happy-bday-app-sub003/internal/delivery"
	"github.com/fairyhunter13/happy-bday-app-sub003/internal/domain"
	"github.com/fairyhunter13/happy-bday-app-sub003/internal/ledger"
)

// Pagination defaults and limits.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// ErrReplayDenied is returned by Store.ReplayDeadRecord when the record
// exists but is not dead. Replay never disturbs a live record.
var ErrReplayDenied = errors.New("replay denied: record is not dead")

type Store interface {
	UpsertContact(ctx context.Context, c domain.Contact) error
	MarkContactDeleted(ctx context.Context, contactID uuid.UUID) error

	ListDeadRecords(ctx context.Context, limit, offset int) ([]domain.DispatchRecord, error)

	// ReplayDeadRecord moves a dead record back to pending. Explicit
	// operator action; dead records are never replayed automatically.
	ReplayDeadRecord(ctx context.Context, recordID uuid.UUID) error
}

// Materializer receives contact mutations and keeps projections in sync.
type Materializer interface {
	ContactUpdated(ctx context.Context, c domain.Contact) error
	ContactDeleted(ctx context.Context, contactID uuid.UUID) error
}

// HealthChecker provides database health status for the /health endpoint.
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

type Handler struct {
	store        Store
	materializer Materializer
	hookSecret   string // empty = unsigned hooks accepted
	db           HealthChecker
}

func NewHandler(store Store, materializer Materializer) *Handler {
	return &Handler{store: store, materializer: materializer}
}

// WithHookSecret requires contact hooks to carry a valid HMAC signature.
func (h *Handler) WithHookSecret(secret string) *Handler {
	h.hookSecret = secret
	return h
}

// WithHealthChecker sets the database health checker for verbose /health responses.
func (h *Handler) WithHealthChecker(db HealthChecker) *Handler {
	h.db = db
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	switch {
	case path == "/health" && r.Method == http.MethodGet:
		h.health(w, r)

	case path == "/hooks/contact" && r.Method == http.MethodPost:
		h.contactHook(w, r)

	case path == "/records/dead" && r.Method == http.MethodGet:
		h.listDeadRecords(w, r)

	case strings.HasSuffix(path, "/replay") && r.Method == http.MethodPost:
		h.replayRecord(w, r)

	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	verbose := r.URL.Query().Get("verbose") == "true"

	if !verbose || h.db == nil {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	resp := HealthResponse{
		Status:     "ok",
		Components: make(map[string]string),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := h.db.PingContext(ctx); err != nil {
		resp.Status = "degraded"
		resp.Components["database"] = "unhealthy: " + err.Error()
	} else {
		resp.Components["database"] = "healthy"
	}

	statusCode := http.StatusOK
	if resp.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, resp)
}

// maxRequestBodySize is the maximum allowed request body size (1MB).
const maxRequestBodySize = 1 << 20

// contactHook ingests one contact create/update/delete notification.
func (h *Handler) contactHook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		if err.Error() == "http: request body too large" {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	if h.hookSecret != "" {
		sig := r.Header.Get("X-Bday-Signature")
		if !delivery.VerifySignature(h.hookSecret, body, sig) {
			writeError(w, http.StatusUnauthorized, "invalid signature")
			return
		}
	}

	var req ContactHookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := validateContactHook(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	contactID := uuid.MustParse(req.ID) // validated above

	if req.Deleted {
		if err := h.store.MarkContactDeleted(r.Context(), contactID); err != nil {
			log.Printf("api: mark contact=%s deleted error: %v", contactID, err)
			writeError(w, http.StatusInternalServerError, "failed to delete contact")
			return
		}
		if err := h.materializer.ContactDeleted(r.Context(), contactID); err != nil {
			log.Printf("api: materialize contact=%s delete error: %v", contactID, err)
			writeError(w, http.StatusInternalServerError, "failed to delete contact")
			return
		}
		writeJSON(w, http.StatusOK, ContactHookResponse{ID: req.ID})
		return
	}

	contact := domain.Contact{
		ID:        contactID,
		FullName:  req.FullName,
		Email:     req.Email,
		Timezone:  req.Timezone,
		UpdatedAt: time.Now().UTC(),
	}
	for _, ev := range req.Events {
		contact.Events = append(contact.Events, domain.EventDate{
			ContactID: contactID,
			Type:      domain.EventType(ev.Type),
			Month:     time.Month(ev.Month),
			Day:       ev.Day,
		})
	}

	if err := h.store.UpsertContact(r.Context(), contact); err != nil {
		log.Printf("api: upsert contact=%s error: %v", contactID, err)
		writeError(w, http.StatusInternalServerError, "failed to store contact")
		return
	}
	if err := h.materializer.ContactUpdated(r.Context(), contact); err != nil {
		log.Printf("api: materialize contact=%s error: %v", contactID, err)
		writeError(w, http.StatusInternalServerError, "failed to project contact")
		return
	}

	writeJSON(w, http.StatusOK, ContactHookResponse{
		ID:          req.ID,
		Projections: len(contact.Events),
	})
}

func (h *Handler) listDeadRecords(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	records, err := h.store.ListDeadRecords(r.Context(), limit, offset)
	if err != nil {
		log.Printf("api: list dead records error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list dead records")
		return
	}

	resp := ListDeadRecordsResponse{Records: make([]DeadRecordResponse, len(records))}
	for i, rec := range records {
		resp.Records[i] = DeadRecordResponse{
			ID:             rec.ID.String(),
			ContactID:      rec.ContactID.String(),
			EventType:      string(rec.EventType),
			OccurrenceDate: formatDate(rec.OccurrenceDate),
			TargetAt:       formatTime(rec.TargetAt),
			RetryCount:     rec.RetryCount,
			LastError:      rec.LastError,
			DeadAt:         formatTime(rec.UpdatedAt),
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) replayRecord(w http.ResponseWriter, r *http.Request) {
	// Extract record ID from path: /records/{id}/replay
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 3 || parts[0] != "records" || parts[2] != "replay" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	recordID, err := uuid.Parse(parts[1])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid record id")
		return
	}

	if err := h.store.ReplayDeadRecord(r.Context(), recordID); err != nil {
		switch {
		case errors.Is(err, ledger.ErrRecordNotFound):
			writeError(w, http.StatusNotFound, "record not found")
		case errors.Is(err, ErrReplayDenied):
			writeError(w, http.StatusConflict, "record is not dead")
		default:
			log.Printf("api: replay record=%s error: %v", recordID, err)
			writeError(w, http.StatusInternalServerError, "failed to replay record")
		}
		return
	}

	log.Printf("api: record=%s replayed to pending", recordID)
	writeJSON(w, http.StatusOK, ReplayResponse{
		ID:     recordID.String(),
		Status: string(domain.StatusPending),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: json encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// parsePagination extracts and validates limit/offset query parameters.
// Returns DefaultLimit if limit is not specified, and 0 for offset if not specified.
// Returns an error if limit exceeds MaxLimit or if values are negative/invalid.
func parsePagination(r *http.Request) (limit, offset int, err error) {
	limit = DefaultLimit
	offset = 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			return 0, 0, err
		}
		if limit < 0 {
			return 0, 0, strconv.ErrRange
		}
		if limit > MaxLimit {
			return 0, 0, &limitExceededError{max: MaxLimit}
		}
		if limit == 0 {
			limit = DefaultLimit
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		offset, err = strconv.Atoi(offsetStr)
		if err != nil {
			return 0, 0, err
		}
		if offset < 0 {
			return 0, 0, strconv.ErrRange
		}
	}

	return limit, offset, nil
}

type limitExceededError struct {
	max int
}

func (e *limitExceededError) Error() string {
	return "limit exceeds maximum of " + strconv.Itoa(e.max)
}
