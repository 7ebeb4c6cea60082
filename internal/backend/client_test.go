package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emilyakhya/MMS/internal/types"
)

// fakeTokens is an in-memory TokenSource.
type fakeTokens struct {
	mu      sync.Mutex
	token   string
	cleared int
}

func (f *fakeTokens) Token(context.Context) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token
}

func (f *fakeTokens) Clear(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.token = ""
	f.cleared++
	return nil
}

func newTestClient(t *testing.T, h http.HandlerFunc) (*Client, *fakeTokens) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	tokens := &fakeTokens{token: "tok"}
	return New(srv.URL, tokens, WithHTTPClient(srv.Client())), tokens
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestClient_Login(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/login" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var creds types.Credentials
		json.NewDecoder(r.Body).Decode(&creds)
		if creds.Email != "chp@clinic.test" || creds.Password != "secret" {
			t.Errorf("unexpected credentials %+v", creds)
		}
		writeJSON(w, http.StatusOK, types.User{ID: 1, Email: creds.Email, Name: "CHP", Token: "jwt"})
	})

	user, err := client.Login(context.Background(), types.Credentials{Email: "chp@clinic.test", Password: "secret"})
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if user.Token != "jwt" || user.ID != 1 {
		t.Errorf("unexpected user %+v", user)
	}
}

func TestClient_SendsBearerToken(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization: got %q", got)
		}
		writeJSON(w, http.StatusOK, []types.Patient{{ID: 1, Name: "Amani"}})
	})

	patients, err := client.Patients(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(patients) != 1 || patients[0].Name != "Amani" {
		t.Errorf("unexpected patients %+v", patients)
	}
}

func TestClient_NoTokenNoHeader(t *testing.T) {
	client, tokens := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "" {
			t.Errorf("expected no Authorization header, got %q", got)
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})
	tokens.token = ""

	if err := client.Health(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestClient_Scan(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/scan" {
			t.Errorf("path: got %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse form: %v", err)
			return
		}
		if got := r.FormValue("barcode_id"); got != "SUP-001" {
			t.Errorf("barcode_id: got %q", got)
		}
		writeJSON(w, http.StatusOK, types.ScanResult{SupplementID: 2, BarcodeID: "SUP-001", PatientID: 5, PatientName: "Amani"})
	})

	result, err := client.Scan(context.Background(), "SUP-001")
	if err != nil {
		t.Fatal(err)
	}
	if result.PatientID != 5 || result.PatientName != "Amani" {
		t.Errorf("unexpected result %+v", result)
	}
}

func TestClient_Upload(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse form: %v", err)
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("form file: %v", err)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)

		if header.Filename != "bottle.jpg" {
			t.Errorf("filename: got %q", header.Filename)
		}
		if ct := header.Header.Get("Content-Type"); ct != "image/jpeg" {
			t.Errorf("part content type: got %q", ct)
		}
		if string(data) != "jpegdata" {
			t.Errorf("data: got %q", data)
		}
		writeJSON(w, http.StatusOK, types.PillCountResult{PillCount: 27, Confidence: 0.9})
	})

	result, err := client.Upload(context.Background(), "bottle.jpg", "image/jpeg", []byte("jpegdata"))
	if err != nil {
		t.Fatal(err)
	}
	if result.PillCount != 27 || result.Confidence != 0.9 {
		t.Errorf("unexpected result %+v", result)
	}
}

func TestClient_SubmitSendsIdempotencyKey(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Idempotency-Key"); got != "ref-1" {
			t.Errorf("Idempotency-Key: got %q", got)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type: got %q", ct)
		}
		var body types.RecordCreate
		json.NewDecoder(r.Body).Decode(&body)
		if body.PillCount != 30 || body.ClientRef != "ref-1" {
			t.Errorf("unexpected body %+v", body)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"id": 9, "patient_id": 1, "supplement_id": 2, "pill_count": 30,
			"source": "manual", "confidence": nil, "timestamp": "2024-03-01T10:00:00",
		})
	})

	rec, err := client.Submit(context.Background(), types.RecordCreate{PillCount: 30, Source: types.SourceManual, ClientRef: "ref-1"}, "ref-1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.ID != 9 {
		t.Errorf("ID: got %d", rec.ID)
	}
}

func TestClient_RecordsFilterQuery(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("patient_id") != "3" || q.Get("start_date") != "2024-01-01" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		if q.Has("supplement_id") || q.Has("end_date") {
			t.Errorf("zero filters should be omitted: %s", r.URL.RawQuery)
		}
		writeJSON(w, http.StatusOK, []map[string]any{})
	})

	records, err := client.Records(context.Background(), RecordFilter{PatientID: 3, StartDate: "2024-01-01"})
	if err != nil {
		t.Fatal(err)
	}
	if records == nil || len(records) != 0 {
		t.Errorf("expected empty non-nil slice, got %v", records)
	}
}

func TestClient_ExportCSV(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, types.CSVExport{CSVContent: "ID,Patient ID\n1,2\n"})
	})

	csv, err := client.ExportCSV(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(csv, "ID,Patient ID") {
		t.Errorf("unexpected csv %q", csv)
	}
}

func TestClient_UnauthorizedClearsSession(t *testing.T) {
	client, tokens := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Invalid token"})
	})

	_, err := client.Records(context.Background(), RecordFilter{})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if !IsStatus(err, http.StatusUnauthorized) {
		t.Error("expected StatusError with 401")
	}
	if tokens.cleared != 1 || tokens.token != "" {
		t.Errorf("expected session cleared, got cleared=%d token=%q", tokens.cleared, tokens.token)
	}
}

func TestClient_StatusErrorDetail(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"string detail", http.StatusNotFound, `{"detail":"Supplement not found"}`, "Supplement not found"},
		{"validation detail", http.StatusUnprocessableEntity, `{"detail":[{"msg":"field required"}]}`, "field required"},
		{"no detail", http.StatusInternalServerError, `oops`, "backend returned 500 Internal Server Error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, tokens := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			})

			_, err := client.Scan(context.Background(), "X")
			var se *StatusError
			if !errors.As(err, &se) {
				t.Fatalf("expected StatusError, got %v", err)
			}
			if se.StatusCode != tt.status {
				t.Errorf("StatusCode: got %d", se.StatusCode)
			}
			if se.Error() != tt.want {
				t.Errorf("Error(): got %q, want %q", se.Error(), tt.want)
			}
			if errors.Is(err, ErrUnauthorized) {
				t.Error("non-401 must not match ErrUnauthorized")
			}
			if tokens.cleared != 0 {
				t.Error("non-401 must not clear the session")
			}
		})
	}
}

func TestClient_Replay(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/submit" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		data, _ := io.ReadAll(r.Body)
		if string(data) != `{"pill_count":4}` {
			t.Errorf("body: got %s", data)
		}
		w.WriteHeader(http.StatusCreated)
	})

	if err := client.Replay(context.Background(), "post", "submit", json.RawMessage(`{"pill_count":4}`)); err != nil {
		t.Fatal(err)
	}
}

func TestClient_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	client := New(srv.URL, nil, WithTimeout(20*time.Millisecond))
	if err := client.Health(context.Background()); err == nil {
		t.Error("expected timeout error")
	}
}
