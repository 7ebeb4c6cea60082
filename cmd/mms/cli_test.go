package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// fakeBackend is a minimal stand-in for the MMS REST backend.
type fakeBackend struct {
	mu       sync.Mutex
	replayed []string
	submits  int
	auth     []string
}

func (f *fakeBackend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		var creds struct{ Email, Password string }
		json.NewDecoder(r.Body).Decode(&creds)
		if creds.Password != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"detail":"Invalid credentials"}`))
			return
		}
		w.Write([]byte(`{"id":4,"email":"` + creds.Email + `","name":"Field Nurse","token":"tok-123"}`))
	})
	mux.HandleFunc("/records", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		w.Write([]byte(`[
			{"id":1,"patient_id":1,"supplement_id":2,"pill_count":30,"source":"ai","confidence":0.92,"timestamp":"2024-05-01T08:00:00"},
			{"id":2,"patient_id":2,"supplement_id":3,"pill_count":12,"source":"manual","confidence":null,"timestamp":"2024-05-02T09:30:00"}
		]`))
	})
	mux.HandleFunc("/patients", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id":1,"name":"Ana"},{"id":2,"name":"Budi"}]`))
	})
	mux.HandleFunc("/export/csv", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"csv_content":"id,pill_count\n1,30\n2,12\n"}`))
	})
	mux.HandleFunc("/submit", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.submits++
		f.mu.Unlock()
		w.Write([]byte(`{"id":99,"patient_id":1,"supplement_id":2,"pill_count":12,"source":"manual","timestamp":"2024-05-03T10:00:00"}`))
	})
	mux.HandleFunc("/notify", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.replayed = append(f.replayed, r.Method+" "+r.URL.Path)
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func (f *fakeBackend) record(r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auth = append(f.auth, r.Header.Get("Authorization"))
}

// setupEnv points the CLI at an isolated database and the given backend URL.
func setupEnv(t *testing.T, backendURL string) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("MMS_CONFIG_PATH", filepath.Join(dir, "absent.yaml"))
	t.Setenv("MMS_DB_PATH", filepath.Join(dir, "mms.db"))
	t.Setenv("MMS_BACKEND_URL", backendURL)
	t.Setenv("MMS_CHECK", "health")
	t.Setenv("MMS_AI_PROVIDER", "backend")
	t.Setenv("MMS_LOG_LEVEL", "error")
}

func onlineEnv(t *testing.T) *fakeBackend {
	t.Helper()
	fb := &fakeBackend{}
	srv := httptest.NewServer(fb.handler())
	t.Cleanup(srv.Close)
	setupEnv(t, srv.URL)
	return fb
}

// offlineEnv uses the address of a closed server so every check fails.
func offlineEnv(t *testing.T) {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	setupEnv(t, url)
}

// executeCmd runs the CLI with captured output.
func executeCmd(t *testing.T, stdin string, args ...string) (stdout, stderr string, err error) {
	t.Helper()

	// Cobra parses into package-level variables, so stale values from
	// previous tests would leak if not reset.
	jsonOutput = false
	dbOverride = ""
	loginEmail, loginPassword = "", ""
	captureBarcode, capturePhoto, captureCount, captureNotes, captureEstimate = "", "", 0, "", false
	queueMethod, queuePath, queueBody = "POST", "", ""
	recordsPatient, recordsSupplement, recordsSource = "", "", ""
	recordsStart, recordsEnd, recordsSort, recordsAsc, recordsLimit = "", "", "timestamp", false, 0
	historySearch, historyDate = "", ""
	exportOutput = ""
	resetChanged(rootCmd)

	outBuf := new(bytes.Buffer)
	errBuf := new(bytes.Buffer)

	rootCmd.SetOut(outBuf)
	rootCmd.SetErr(errBuf)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)

	err = rootCmd.Execute()

	rootCmd.SetOut(nil)
	rootCmd.SetErr(nil)
	rootCmd.SetIn(nil)
	rootCmd.SetArgs(nil)

	return outBuf.String(), errBuf.String(), err
}

func resetChanged(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) { f.Changed = false }
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetChanged(c)
	}
}

func writePhoto(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bottle.jpg")
	if err := os.WriteFile(path, []byte{0xff, 0xd8, 0xff, 0xe0, 'J', 'F', 'I', 'F'}, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLogin_StoresSession(t *testing.T) {
	fb := onlineEnv(t)

	out, _, err := executeCmd(t, "secret\n", "login", "--email", "nurse@clinic.test")
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if !strings.Contains(out, "Field Nurse <nurse@clinic.test>") {
		t.Errorf("unexpected output: %q", out)
	}

	out, _, err = executeCmd(t, "", "status")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !strings.Contains(out, "Field Nurse") {
		t.Errorf("status should show signed-in user: %q", out)
	}

	if _, _, err := executeCmd(t, "", "records"); err != nil {
		t.Fatalf("records failed: %v", err)
	}
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if len(fb.auth) == 0 || fb.auth[len(fb.auth)-1] != "Bearer tok-123" {
		t.Errorf("stored token not sent: %v", fb.auth)
	}
}

func TestLogin_BadPassword(t *testing.T) {
	onlineEnv(t)

	_, _, err := executeCmd(t, "", "login", "--email", "nurse@clinic.test", "--password", "wrong")
	if err == nil {
		t.Fatal("expected error for bad credentials")
	}
}

func TestLogout(t *testing.T) {
	onlineEnv(t)

	if _, _, err := executeCmd(t, "", "login", "--email", "a@b.test", "--password", "secret"); err != nil {
		t.Fatal(err)
	}
	out, _, err := executeCmd(t, "", "logout")
	if err != nil {
		t.Fatalf("logout failed: %v", err)
	}
	if !strings.Contains(out, "Signed out") {
		t.Errorf("unexpected output: %q", out)
	}

	out, _, _ = executeCmd(t, "", "status")
	if !strings.Contains(out, "signed out") {
		t.Errorf("status after logout: %q", out)
	}
}

func TestStatus_OfflineJSON(t *testing.T) {
	offlineEnv(t)

	out, _, err := executeCmd(t, "", "status", "--json")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}

	var status struct {
		Online         bool `json:"online"`
		PendingRecords int  `json:"pending_records"`
	}
	if err := json.Unmarshal([]byte(out), &status); err != nil {
		t.Fatalf("invalid JSON %q: %v", out, err)
	}
	if status.Online {
		t.Error("expected offline status")
	}
}

func TestSync_OfflineFails(t *testing.T) {
	offlineEnv(t)

	_, _, err := executeCmd(t, "", "sync")
	if err == nil || !strings.Contains(err.Error(), "offline") {
		t.Errorf("expected offline error, got %v", err)
	}
}

func TestCapture_OfflineQueues(t *testing.T) {
	offlineEnv(t)
	photo := writePhoto(t)

	out, _, err := executeCmd(t, "", "capture", "--photo", photo, "--barcode", "SUP-001", "--count", "12", "--notes", "half full")
	if err != nil {
		t.Fatalf("capture failed: %v", err)
	}
	if !strings.Contains(out, "Saved offline") {
		t.Errorf("expected offline save, got %q", out)
	}

	out, _, err = executeCmd(t, "", "pending", "list")
	if err != nil {
		t.Fatalf("pending list failed: %v", err)
	}
	if !strings.Contains(out, "SUP-001") || !strings.Contains(out, "manual") {
		t.Errorf("pending list missing capture: %q", out)
	}

	out, _, err = executeCmd(t, "", "pending", "show", "1")
	if err != nil {
		t.Fatalf("pending show failed: %v", err)
	}
	if !strings.Contains(out, "half full") || !strings.Contains(out, "bottle.jpg") {
		t.Errorf("pending show: %q", out)
	}

	out, _, err = executeCmd(t, "", "pending", "usage", "--json")
	if err != nil {
		t.Fatalf("pending usage failed: %v", err)
	}
	if !strings.Contains(out, `"pendingRecords": 1`) {
		t.Errorf("usage: %q", out)
	}
}

func TestCapture_RequiresCount(t *testing.T) {
	offlineEnv(t)
	photo := writePhoto(t)

	_, _, err := executeCmd(t, "", "capture", "--photo", photo)
	if err == nil || !strings.Contains(err.Error(), "--count") {
		t.Errorf("expected missing count error, got %v", err)
	}
}

func TestCapture_OnlineSubmits(t *testing.T) {
	fb := onlineEnv(t)
	photo := writePhoto(t)

	out, _, err := executeCmd(t, "", "capture", "--photo", photo, "--count", "12")
	if err != nil {
		t.Fatalf("capture failed: %v", err)
	}
	if !strings.Contains(out, "Record 99 submitted") {
		t.Errorf("unexpected output: %q", out)
	}

	fb.mu.Lock()
	defer fb.mu.Unlock()
	if fb.submits != 1 {
		t.Errorf("submits: got %d, want 1", fb.submits)
	}
}

func TestQueue_AddListSyncRemove(t *testing.T) {
	fb := onlineEnv(t)

	out, _, err := executeCmd(t, "", "queue", "add", "--method", "PUT", "--path", "/notify", "--body", `{"seen":true}`)
	if err != nil {
		t.Fatalf("queue add failed: %v", err)
	}
	if !strings.Contains(out, "Queued PUT /notify") {
		t.Errorf("queue add: %q", out)
	}

	out, _, err = executeCmd(t, "", "queue", "list")
	if err != nil {
		t.Fatalf("queue list failed: %v", err)
	}
	if !strings.Contains(out, "deferred_request") {
		t.Errorf("queue list: %q", out)
	}

	out, _, err = executeCmd(t, "", "sync")
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if !strings.Contains(out, "Replayed 1 queued requests, 0 failed") {
		t.Errorf("sync output: %q", out)
	}

	fb.mu.Lock()
	replayed := append([]string(nil), fb.replayed...)
	fb.mu.Unlock()
	if len(replayed) != 1 || replayed[0] != "PUT /notify" {
		t.Errorf("replayed: %v", replayed)
	}

	out, _, _ = executeCmd(t, "", "queue", "list")
	if !strings.Contains(out, "No queued requests") {
		t.Errorf("queue should be empty after sync: %q", out)
	}
}

func TestQueue_AddRejectsInvalid(t *testing.T) {
	offlineEnv(t)

	_, _, err := executeCmd(t, "", "queue", "add", "--method", "GET", "--path", "/x")
	if err == nil {
		t.Fatal("expected validation error for GET")
	}
}

func TestQueue_Remove(t *testing.T) {
	offlineEnv(t)

	if _, _, err := executeCmd(t, "", "queue", "add", "--path", "/notify"); err != nil {
		t.Fatal(err)
	}
	out, _, err := executeCmd(t, "", "queue", "remove", "1")
	if err != nil {
		t.Fatalf("queue remove failed: %v", err)
	}
	if !strings.Contains(out, "Removed queued request 1") {
		t.Errorf("queue remove: %q", out)
	}

	if _, _, err := executeCmd(t, "", "queue", "remove", "abc"); err == nil {
		t.Error("expected error for non-numeric id")
	}
}

func TestRecords_TableAndFilter(t *testing.T) {
	onlineEnv(t)

	out, _, err := executeCmd(t, "", "records", "--source", "manual")
	if err != nil {
		t.Fatalf("records failed: %v", err)
	}
	if !strings.Contains(out, "CONFIDENCE") {
		t.Errorf("missing header: %q", out)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Errorf("expected header and one row, got %q", out)
	}

	if _, _, err := executeCmd(t, "", "records", "--sort", "colour"); err == nil {
		t.Error("expected validation error for unknown sort key")
	}
}

func TestHistory_MergesPending(t *testing.T) {
	onlineEnv(t)

	out, _, err := executeCmd(t, "", "history", "--json", "--search", "ana")
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}

	var resp struct {
		Entries []struct {
			PatientName string `json:"patient_name"`
		} `json:"entries"`
		Partial bool `json:"partial"`
	}
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("invalid JSON %q: %v", out, err)
	}
	if resp.Partial {
		t.Error("history should not be partial when online")
	}
	if len(resp.Entries) != 1 || resp.Entries[0].PatientName != "Ana" {
		t.Errorf("entries: %+v", resp.Entries)
	}
}

func TestDashboard_OverviewJSON(t *testing.T) {
	onlineEnv(t)

	out, _, err := executeCmd(t, "", "dashboard", "overview", "--json")
	if err != nil {
		t.Fatalf("overview failed: %v", err)
	}

	var ov struct {
		TotalRecords  int `json:"total_records"`
		TotalPatients int `json:"total_patients"`
	}
	if err := json.Unmarshal([]byte(out), &ov); err != nil {
		t.Fatalf("invalid JSON %q: %v", out, err)
	}
	if ov.TotalRecords != 2 || ov.TotalPatients != 2 {
		t.Errorf("overview: %+v", ov)
	}
}

func TestDashboard_Analytics(t *testing.T) {
	onlineEnv(t)

	out, _, err := executeCmd(t, "", "dashboard", "analytics")
	if err != nil {
		t.Fatalf("analytics failed: %v", err)
	}
	for _, want := range []string{"Records: 2", "90-100%", "WEEK"} {
		if !strings.Contains(out, want) {
			t.Errorf("analytics output missing %q: %q", want, out)
		}
	}
}

func TestExport_ToFile(t *testing.T) {
	onlineEnv(t)
	path := filepath.Join(t.TempDir(), "records.csv")

	_, stderr, err := executeCmd(t, "", "export", "-o", path)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if !strings.Contains(stderr, "Exported to") {
		t.Errorf("stderr: %q", stderr)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	data, _ := io.ReadAll(f)
	if string(data) != "id,pill_count\n1,30\n2,12\n" {
		t.Errorf("csv content: %q", data)
	}
}
