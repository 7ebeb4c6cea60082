package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/emilyakhya/MMS/internal/dashboard"
	"github.com/emilyakhya/MMS/internal/store"
	"github.com/emilyakhya/MMS/internal/syncer"
	"github.com/emilyakhya/MMS/internal/types"
)

// --- Test doubles ---

type mockSyncer struct {
	status    types.SyncStatus
	outcome   types.SyncOutcome
	syncErr   error
	syncCalls int
}

func (m *mockSyncer) Status(ctx context.Context) types.SyncStatus { return m.status }

func (m *mockSyncer) ManualSync(ctx context.Context) (types.SyncOutcome, error) {
	m.syncCalls++
	return m.outcome, m.syncErr
}

type mockDashboard struct {
	overview   *dashboard.Overview
	analytics  *dashboard.Analytics
	records    []types.Record
	history    []dashboard.HistoryEntry
	err        error
	historyErr error
	lastFilter dashboard.RecordFilter
	lastQuery  dashboard.HistoryQuery
}

func (m *mockDashboard) Overview(ctx context.Context) (*dashboard.Overview, error) {
	return m.overview, m.err
}

func (m *mockDashboard) Analytics(ctx context.Context) (*dashboard.Analytics, error) {
	return m.analytics, m.err
}

func (m *mockDashboard) Records(ctx context.Context, f dashboard.RecordFilter) ([]types.Record, error) {
	m.lastFilter = f
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return m.records, m.err
}

func (m *mockDashboard) History(ctx context.Context, q dashboard.HistoryQuery) ([]dashboard.HistoryEntry, error) {
	m.lastQuery = q
	return m.history, m.historyErr
}

type testServer struct {
	router    http.Handler
	syncer    *mockSyncer
	dashboard *mockDashboard
	store     *store.SQLiteStore
}

func newTestServer(t *testing.T, apiKey string) *testServer {
	t.Helper()
	s := store.NewSQLiteStore(filepath.Join(t.TempDir(), "mms.db"))
	t.Cleanup(func() { s.Close() })

	ts := &testServer{
		syncer:    &mockSyncer{},
		dashboard: &mockDashboard{},
		store:     s,
	}
	ts.router = NewRouter(NewHandler(ts.syncer, s, ts.dashboard, apiKey, "1.2.3"))
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to decode %q: %v", w.Body.String(), err)
	}
	return v
}

// --- Health & sync ---

func TestHealth(t *testing.T) {
	ts := newTestServer(t, testAPIKey)
	ts.syncer.status = types.SyncStatus{Online: true, PendingRecords: 2}

	w := ts.do(t, http.MethodGet, "/api/v1/health", "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	resp := decode[HealthResponse](t, w)
	if resp.Status != "healthy" || resp.Version != "1.2.3" || !resp.Online || resp.PendingRecords != 2 {
		t.Errorf("unexpected health %+v", resp)
	}
}

func TestSyncStatus(t *testing.T) {
	ts := newTestServer(t, "")
	ts.syncer.status = types.SyncStatus{SyncInProgress: true, SyncQueueItems: 4}

	w := ts.do(t, http.MethodGet, "/api/v1/sync/status", "")

	got := decode[types.SyncStatus](t, w)
	if got != ts.syncer.status {
		t.Errorf("got %+v, want %+v", got, ts.syncer.status)
	}
}

func TestSync(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"success", nil, http.StatusOK},
		{"offline", syncer.ErrOffline, http.StatusServiceUnavailable},
		{"already draining", syncer.ErrDrainInProgress, http.StatusConflict},
		{"store failure", errors.New("disk"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, "")
			ts.syncer.outcome = types.SyncOutcome{Succeeded: 3, Failed: 1}
			ts.syncer.syncErr = tt.err

			w := ts.do(t, http.MethodPost, "/api/v1/sync", "")

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.err == nil {
				got := decode[types.SyncOutcome](t, w)
				if got.Succeeded != 3 || got.Failed != 1 {
					t.Errorf("outcome %+v", got)
				}
			}
		})
	}
}

// --- Local queue ---

func TestPending(t *testing.T) {
	ts := newTestServer(t, "")

	w := ts.do(t, http.MethodGet, "/api/v1/pending", "")
	empty := decode[PendingResponse](t, w)
	if empty.Records == nil || len(empty.Records) != 0 {
		t.Errorf("expected empty records array, got %s", w.Body.String())
	}

	ts.store.StorePendingRecord(context.Background(), types.PendingRecord{
		PillCount: 12,
		Source:    types.SourceManual,
		Image:     []byte("jpeg-bytes"),
	})

	w = ts.do(t, http.MethodGet, "/api/v1/pending", "")
	resp := decode[PendingResponse](t, w)
	if len(resp.Records) != 1 || resp.Records[0].PillCount != 12 {
		t.Errorf("unexpected records %+v", resp.Records)
	}
	if resp.Usage.PendingRecords != 1 {
		t.Errorf("usage %+v", resp.Usage)
	}
	if strings.Contains(w.Body.String(), "jpeg-bytes") {
		t.Error("photo bytes should not be returned")
	}
}

func TestQueueLifecycle(t *testing.T) {
	ts := newTestServer(t, "")

	w := ts.do(t, http.MethodPost, "/api/v1/queue", `{"method":"POST","path":"/submit","body":{"pill_count":3}}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("enqueue status = %d, body %s", w.Code, w.Body.String())
	}
	id := decode[map[string]int64](t, w)["id"]

	w = ts.do(t, http.MethodGet, "/api/v1/queue", "")
	items := decode[[]types.SyncQueueItem](t, w)
	if len(items) != 1 || items[0].ID != id || items[0].Type != syncer.TypeDeferredRequest {
		t.Fatalf("unexpected queue %+v", items)
	}

	w = ts.do(t, http.MethodDelete, "/api/v1/queue/"+strconv.FormatInt(id, 10), "")
	if w.Code != http.StatusNoContent {
		t.Errorf("dequeue status = %d", w.Code)
	}

	w = ts.do(t, http.MethodGet, "/api/v1/queue", "")
	if got := decode[[]types.SyncQueueItem](t, w); len(got) != 0 {
		t.Errorf("queue should be empty, got %+v", got)
	}
}

func TestEnqueueRequest_Invalid(t *testing.T) {
	ts := newTestServer(t, "")

	w := ts.do(t, http.MethodPost, "/api/v1/queue", `{"method":"GET","path":"/records"}`)
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", w.Code)
	}

	w = ts.do(t, http.MethodPost, "/api/v1/queue", `not json`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}

	w = ts.do(t, http.MethodDelete, "/api/v1/queue/abc", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

// --- Dashboard ---

func TestOverview(t *testing.T) {
	ts := newTestServer(t, "")
	ts.dashboard.overview = &dashboard.Overview{TotalRecords: 9}

	w := ts.do(t, http.MethodGet, "/api/v1/dashboard/overview", "")
	if got := decode[dashboard.Overview](t, w); got.TotalRecords != 9 {
		t.Errorf("got %+v", got)
	}
}

func TestAnalytics_BackendError(t *testing.T) {
	ts := newTestServer(t, "")
	ts.dashboard.err = errors.New("connection refused")

	w := ts.do(t, http.MethodGet, "/api/v1/dashboard/analytics", "")
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestRecords_QueryMapping(t *testing.T) {
	ts := newTestServer(t, "")
	ts.dashboard.records = []types.Record{{ID: 1}}

	w := ts.do(t, http.MethodGet, "/api/v1/records?patient_id=12&source=manual&start_date=2024-05-01&sort=pill_count&order=asc", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	f := ts.dashboard.lastFilter
	if f.PatientID != "12" || f.Source != types.SourceManual || f.StartDate != "2024-05-01" || f.SortBy != "pill_count" || !f.Ascending {
		t.Errorf("unexpected filter %+v", f)
	}
}

func TestRecords_InvalidQuery(t *testing.T) {
	ts := newTestServer(t, "")

	if w := ts.do(t, http.MethodGet, "/api/v1/records?order=sideways", ""); w.Code != http.StatusUnprocessableEntity {
		t.Errorf("order: status = %d, want 422", w.Code)
	}
	if w := ts.do(t, http.MethodGet, "/api/v1/records?sort=name", ""); w.Code != http.StatusUnprocessableEntity {
		t.Errorf("sort: status = %d, want 422", w.Code)
	}
}

func TestHistory_Partial(t *testing.T) {
	ts := newTestServer(t, "")
	ts.dashboard.history = []dashboard.HistoryEntry{{Origin: dashboard.OriginOffline, PillCount: 4}}
	ts.dashboard.historyErr = errors.New("offline")

	w := ts.do(t, http.MethodGet, "/api/v1/history?q=amani&date=2024-05", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	resp := decode[HistoryResponse](t, w)
	if !resp.Partial || len(resp.Entries) != 1 || resp.Summary.TotalPills != 4 {
		t.Errorf("unexpected response %+v", resp)
	}
	if ts.dashboard.lastQuery.Search != "amani" || ts.dashboard.lastQuery.Date != "2024-05" {
		t.Errorf("unexpected query %+v", ts.dashboard.lastQuery)
	}
}

// --- Auth wiring ---

func TestNewRouter_AuthRequired(t *testing.T) {
	ts := newTestServer(t, testAPIKey)

	if w := ts.do(t, http.MethodGet, "/api/v1/pending", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/pending", nil)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("status with key = %d, want 200", w.Code)
	}
}

func TestNewRouter_NoKeyDisablesAuth(t *testing.T) {
	ts := newTestServer(t, "")

	if w := ts.do(t, http.MethodGet, "/api/v1/pending", ""); w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}
