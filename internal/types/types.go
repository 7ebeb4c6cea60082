package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Source marks where a pill count came from.
type Source string

const (
	SourceAI                   Source = "ai"
	SourceManual               Source = "manual"
	SourceAIWithManualOverride Source = "ai_with_manual_override"
)

// ValidSources lists every accepted source tag.
var ValidSources = []Source{SourceAI, SourceManual, SourceAIWithManualOverride}

// IsValid reports whether s is one of the known source tags.
func (s Source) IsValid() bool {
	for _, v := range ValidSources {
		if s == v {
			return true
		}
	}
	return false
}

// InvolvesAI reports whether the count passed through an AI estimate.
func (s Source) InvolvesAI() bool {
	return s == SourceAI || s == SourceAIWithManualOverride
}

// PendingRecord is a locally queued pill-count submission that the
// backend has not confirmed yet.
type PendingRecord struct {
	ID           int64    `json:"id"`
	ClientRef    string   `json:"client_ref"`
	PatientID    *int64   `json:"patient_id"`
	SupplementID *int64   `json:"supplement_id"`
	Barcode      string   `json:"barcode_id,omitempty"`
	PillCount    int      `json:"pill_count"`
	Source       Source   `json:"source"`
	Confidence   *float64 `json:"confidence"`
	Notes        string   `json:"notes,omitempty"`
	ImageRef     string   `json:"image_ref,omitempty"`
	Image        []byte   `json:"-"`
	Timestamp    int64    `json:"timestamp"`
	Synced       bool     `json:"synced"`
}

// CapturedAt returns the enqueue timestamp as a time.Time.
func (r PendingRecord) CapturedAt() time.Time {
	return time.UnixMilli(r.Timestamp).UTC()
}

// RecordCreate converts the pending record into the submission body.
// The raw image never leaves the device through this path.
func (r PendingRecord) RecordCreate() RecordCreate {
	return RecordCreate{
		PatientID:    r.PatientID,
		SupplementID: r.SupplementID,
		PillCount:    r.PillCount,
		Source:       r.Source,
		Confidence:   r.Confidence,
		Notes:        r.Notes,
		ClientRef:    r.ClientRef,
		ImageRef:     r.ImageRef,
		Timestamp:    r.CapturedAt().Format(time.RFC3339Nano),
	}
}

// SyncQueueItem is a generic deferred remote action.
type SyncQueueItem struct {
	ID        int64           `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

// StorageUsage reports row counts of the local collections.
type StorageUsage struct {
	PendingRecords int `json:"pendingRecords"`
	SyncQueueItems int `json:"syncQueueItems"`
}

// SyncOutcome is the aggregate result of one drain pass.
type SyncOutcome struct {
	Succeeded      int `json:"succeeded"`
	Failed         int `json:"failed"`
	QueueSucceeded int `json:"queue_succeeded"`
	QueueFailed    int `json:"queue_failed"`
}

// SyncStatus is a point-in-time view of the sync subsystem.
type SyncStatus struct {
	Online         bool `json:"online"`
	PendingRecords int  `json:"pending_records"`
	SyncQueueItems int  `json:"sync_queue_items"`
	SyncInProgress bool `json:"sync_in_progress"`
}

// --- Backend REST shapes ---

// Credentials is the POST /login body.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// User is the POST /login response.
type User struct {
	ID    int64  `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Token string `json:"token"`
}

// ScanResult is the POST /scan response.
type ScanResult struct {
	SupplementID int64  `json:"supplement_id"`
	BarcodeID    string `json:"barcode_id"`
	PatientID    int64  `json:"patient_id"`
	PatientName  string `json:"patient_name"`
}

// BoundingBox is a single detection returned by the AI estimate.
type BoundingBox struct {
	BBox       []float64 `json:"bbox"`
	Confidence float64   `json:"confidence"`
	ClassID    int       `json:"class_id"`
}

// PillCountResult is the AI estimate for a photographed bottle.
type PillCountResult struct {
	PillCount     int           `json:"pill_count"`
	Confidence    float64       `json:"confidence"`
	BoundingBoxes []BoundingBox `json:"bounding_boxes"`
	ImagePath     string        `json:"image_path,omitempty"`
}

// RecordCreate is the POST /submit body.
type RecordCreate struct {
	PatientID    *int64   `json:"patient_id"`
	SupplementID *int64   `json:"supplement_id"`
	PillCount    int      `json:"pill_count"`
	Source       Source   `json:"source"`
	Confidence   *float64 `json:"confidence"`
	Notes        string   `json:"notes,omitempty"`
	ClientRef    string   `json:"client_ref,omitempty"`
	ImageRef     string   `json:"image_ref,omitempty"`
	Timestamp    string   `json:"timestamp,omitempty"`
}

// Record is a server-side pill count record.
type Record struct {
	ID           int64    `json:"id"`
	PatientID    int64    `json:"patient_id"`
	SupplementID int64    `json:"supplement_id"`
	PillCount    int      `json:"pill_count"`
	Source       Source   `json:"source"`
	Confidence   *float64 `json:"confidence"`
	Timestamp    Time     `json:"timestamp"`
	Notes        *string  `json:"notes"`
}

// Patient is an entry of GET /patients.
type Patient struct {
	ID              int64   `json:"id"`
	Name            string  `json:"name"`
	PatientMetadata *string `json:"patient_metadata"`
}

// CSVExport is the GET /export/csv response.
type CSVExport struct {
	CSVContent string `json:"csv_content"`
}

// Time accepts RFC 3339 and the zone-less ISO 8601 form the backend
// emits for naive datetimes. Zone-less values are read as UTC.
type Time struct {
	time.Time
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// ParseTime parses s using the layouts accepted by Time.
func ParseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Time) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := ParseTime(s)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

// MarshalJSON implements json.Marshaler.
func (t Time) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Time.Format(time.RFC3339Nano))
}
