package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/emilyakhya/MMS/internal/dashboard"
	"github.com/emilyakhya/MMS/internal/syncer"
	"github.com/emilyakhya/MMS/internal/types"
	"github.com/emilyakhya/MMS/internal/validation"
)

// Syncer is the sync orchestrator as seen by the API.
type Syncer interface {
	Status(ctx context.Context) types.SyncStatus
	ManualSync(ctx context.Context) (types.SyncOutcome, error)
}

// Queue is the local queue as seen by the API.
type Queue interface {
	GetPendingRecords(ctx context.Context) ([]types.PendingRecord, error)
	GetStorageUsage(ctx context.Context) types.StorageUsage
	AddToSyncQueue(ctx context.Context, item types.SyncQueueItem) (int64, error)
	GetSyncQueue(ctx context.Context) ([]types.SyncQueueItem, error)
	RemoveFromSyncQueue(ctx context.Context, id int64) error
}

// Dashboard builds the read views.
type Dashboard interface {
	Overview(ctx context.Context) (*dashboard.Overview, error)
	Analytics(ctx context.Context) (*dashboard.Analytics, error)
	Records(ctx context.Context, f dashboard.RecordFilter) ([]types.Record, error)
	History(ctx context.Context, q dashboard.HistoryQuery) ([]dashboard.HistoryEntry, error)
}

// Handler implements the API handlers
type Handler struct {
	syncer    Syncer
	queue     Queue
	dashboard Dashboard
	apiKey    string
	version   string
}

// NewHandler creates a Handler. An empty apiKey disables authentication.
func NewHandler(s Syncer, q Queue, d Dashboard, apiKey, version string) *Handler {
	return &Handler{
		syncer:    s,
		queue:     q,
		dashboard: d,
		apiKey:    apiKey,
		version:   version,
	}
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	types.SyncStatus
}

// Health returns the health status
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:     "healthy",
		Version:    h.version,
		SyncStatus: h.syncer.Status(r.Context()),
	})
}

// SyncStatus handles GET /api/v1/sync/status
func (h *Handler) SyncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.syncer.Status(r.Context()))
}

// Sync handles POST /api/v1/sync
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	outcome, err := h.syncer.ManualSync(r.Context())
	if err != nil {
		MapError(w, r, err)
		return
	}

	slog.Info("manual sync finished",
		"component", "api",
		"succeeded", outcome.Succeeded,
		"failed", outcome.Failed,
	)
	writeJSON(w, http.StatusOK, outcome)
}

// PendingResponse is the body of GET /pending.
type PendingResponse struct {
	Records []types.PendingRecord `json:"records"`
	Usage   types.StorageUsage    `json:"usage"`
}

// Pending handles GET /api/v1/pending
func (h *Handler) Pending(w http.ResponseWriter, r *http.Request) {
	records, err := h.queue.GetPendingRecords(r.Context())
	if err != nil {
		MapError(w, r, err)
		return
	}
	if records == nil {
		records = []types.PendingRecord{}
	}
	writeJSON(w, http.StatusOK, PendingResponse{
		Records: records,
		Usage:   h.queue.GetStorageUsage(r.Context()),
	})
}

// ListQueue handles GET /api/v1/queue
func (h *Handler) ListQueue(w http.ResponseWriter, r *http.Request) {
	items, err := h.queue.GetSyncQueue(r.Context())
	if err != nil {
		MapError(w, r, err)
		return
	}
	if items == nil {
		items = []types.SyncQueueItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

// EnqueueRequest handles POST /api/v1/queue. The body is a deferred
// request replayed against the backend on the next sync.
func (h *Handler) EnqueueRequest(w http.ResponseWriter, r *http.Request) {
	var req syncer.DeferredRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}
	if err := req.Validate(); err != nil {
		MapError(w, r, err)
		return
	}

	payload, err := json.Marshal(req)
	if err != nil {
		MapError(w, r, err)
		return
	}

	id, err := h.queue.AddToSyncQueue(r.Context(), types.SyncQueueItem{
		Type:    syncer.TypeDeferredRequest,
		Payload: payload,
	})
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

// DequeueRequest handles DELETE /api/v1/queue/{id}
func (h *Handler) DequeueRequest(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "id must be an integer")
		return
	}
	if err := h.queue.RemoveFromSyncQueue(r.Context(), id); err != nil {
		MapError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Overview handles GET /api/v1/dashboard/overview
func (h *Handler) Overview(w http.ResponseWriter, r *http.Request) {
	ov, err := h.dashboard.Overview(r.Context())
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ov)
}

// Analytics handles GET /api/v1/dashboard/analytics
func (h *Handler) Analytics(w http.ResponseWriter, r *http.Request) {
	a, err := h.dashboard.Analytics(r.Context())
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// Records handles GET /api/v1/records
//
// Query: patient_id, supplement_id, source, start_date, end_date, sort and
// order (asc or desc).
func (h *Handler) Records(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	order := q.Get("order")
	if order != "" {
		if verr := validation.ValidateEnum("order", order, []string{"asc", "desc"}); verr != nil {
			WriteProblemWithErrors(w, r, "Request contains invalid fields", []validation.ValidationError{*verr})
			return
		}
	}

	records, err := h.dashboard.Records(r.Context(), dashboard.RecordFilter{
		PatientID:    q.Get("patient_id"),
		SupplementID: q.Get("supplement_id"),
		Source:       types.Source(q.Get("source")),
		StartDate:    q.Get("start_date"),
		EndDate:      q.Get("end_date"),
		SortBy:       q.Get("sort"),
		Ascending:    order == "asc",
	})
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// HistoryResponse is the body of GET /history.
type HistoryResponse struct {
	Entries []dashboard.HistoryEntry `json:"entries"`
	Summary dashboard.HistorySummary `json:"summary"`
	// Partial is set when the backend could not be reached and only
	// local pending records are listed.
	Partial bool `json:"partial"`
}

// History handles GET /api/v1/history?q=&date=
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	query := dashboard.HistoryQuery{
		Search: r.URL.Query().Get("q"),
		Date:   r.URL.Query().Get("date"),
	}

	entries, err := h.dashboard.History(r.Context(), query)
	partial := err != nil
	if partial {
		slog.Warn("history served from local queue only",
			"component", "api",
			"error", err,
		)
	}

	writeJSON(w, http.StatusOK, HistoryResponse{
		Entries: entries,
		Summary: dashboard.Summarize(entries),
		Partial: partial,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response", "component", "api", "error", err)
	}
}

// requestTimeout bounds handlers that call the backend.
const requestTimeout = 30 * time.Second
