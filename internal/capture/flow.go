// Package capture implements the scan, photograph, count and submit
// workflow for a single pill bottle.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/emilyakhya/MMS/internal/types"
	"github.com/emilyakhya/MMS/internal/validation"
)

var (
	// ErrNoPhoto is returned when an estimate or submission has no photo.
	ErrNoPhoto = errors.New("please provide an image")

	// ErrNoCount is returned when a submission has no pill count.
	ErrNoCount = errors.New("please provide a pill count")

	// ErrOffline is returned when an AI estimate is requested offline.
	ErrOffline = errors.New("AI estimate needs a connection")
)

// Backend is the remote API used by the flow. Implemented by
// backend.Client.
type Backend interface {
	Scan(ctx context.Context, barcode string) (*types.ScanResult, error)
	Submit(ctx context.Context, rec types.RecordCreate, idempotencyKey string) (*types.Record, error)
}

// Queue persists offline submissions. Implemented by store.SQLiteStore.
type Queue interface {
	StorePendingRecord(ctx context.Context, rec types.PendingRecord) (int64, error)
}

// Connectivity reports the current online state.
type Connectivity interface {
	Online() bool
}

// Flow holds the collaborators shared by capture sessions.
type Flow struct {
	backend   Backend
	queue     Queue
	monitor   Connectivity
	estimator Estimator
	now       func() time.Time
}

// NewFlow creates a Flow. estimator may be nil when AI estimates are not
// available; sessions then only accept manual counts.
func NewFlow(backend Backend, queue Queue, monitor Connectivity, estimator Estimator) *Flow {
	return &Flow{
		backend:   backend,
		queue:     queue,
		monitor:   monitor,
		estimator: estimator,
		now:       time.Now,
	}
}

// NewSession starts an empty capture.
func (f *Flow) NewSession() *Session {
	return &Session{flow: f}
}

// Submission reports where a record went.
type Submission struct {
	Record  types.RecordCreate `json:"record"`
	Queued  bool               `json:"queued"`
	QueueID int64              `json:"queue_id,omitempty"`
	Server  *types.Record      `json:"server,omitempty"`
}

// Session is one bottle capture. It is not safe for concurrent use.
type Session struct {
	flow *Flow

	barcode  string
	scan     *types.ScanResult
	photo    *Photo
	estimate *types.PillCountResult
	count    *int
	notes    string
}

// Scan records the barcode. Online, the backend resolves it to a patient;
// offline, the barcode is kept without patient info.
func (s *Session) Scan(ctx context.Context, barcode string) (*types.ScanResult, error) {
	if err := validation.ValidateBarcode(barcode); err != nil {
		return nil, err
	}

	if !s.flow.monitor.Online() {
		s.barcode = barcode
		s.scan = nil
		return &types.ScanResult{BarcodeID: barcode}, nil
	}

	result, err := s.flow.backend.Scan(ctx, barcode)
	if err != nil {
		return nil, err
	}
	s.barcode = barcode
	s.scan = result
	return result, nil
}

// Patient returns the resolved scan, or nil when the barcode was scanned
// offline or not at all.
func (s *Session) Patient() *types.ScanResult {
	return s.scan
}

// AttachPhoto sets the bottle photo. A new photo discards any previous
// estimate and count.
func (s *Session) AttachPhoto(name, contentType string, data []byte) error {
	if verr := validation.ValidateImageContentType("file", contentType); verr != nil {
		return validation.Errors{*verr}
	}
	if len(data) == 0 {
		return ErrNoPhoto
	}

	s.photo = &Photo{Name: name, ContentType: contentType, Data: data}
	s.estimate = nil
	s.count = nil
	return nil
}

// Retake clears the photo, estimate and count.
func (s *Session) Retake() {
	s.photo = nil
	s.estimate = nil
	s.count = nil
}

// Estimate asks the estimator for a count and pre-fills the manual count.
func (s *Session) Estimate(ctx context.Context) (*types.PillCountResult, error) {
	if s.photo == nil {
		return nil, ErrNoPhoto
	}
	if s.flow.estimator == nil {
		return nil, errors.New("no AI estimator configured")
	}
	if !s.flow.monitor.Online() {
		return nil, ErrOffline
	}

	result, err := s.flow.estimator.Estimate(ctx, *s.photo)
	if err != nil {
		return nil, err
	}

	s.estimate = result
	count := result.PillCount
	s.count = &count

	slog.Info("pill count estimated",
		"component", "capture",
		"estimator", s.flow.estimator.Name(),
		"pill_count", result.PillCount,
		"confidence", result.Confidence,
	)
	return result, nil
}

// SetManualCount sets or corrects the count.
func (s *Session) SetManualCount(n int) error {
	if verr := validation.ValidateNonNegative("pill_count", n); verr != nil {
		return validation.Errors{*verr}
	}
	s.count = &n
	return nil
}

// SetNotes attaches free-text notes.
func (s *Session) SetNotes(notes string) {
	s.notes = notes
}

// Record builds the submission body from the session state.
//
// The source is ai_with_manual_override whenever an estimate exists, even
// if the count was left unchanged; plain ai is never produced here.
func (s *Session) Record() (types.RecordCreate, error) {
	if s.photo == nil {
		return types.RecordCreate{}, ErrNoPhoto
	}
	if s.count == nil {
		return types.RecordCreate{}, ErrNoCount
	}

	rec := types.RecordCreate{
		PillCount: *s.count,
		Source:    types.SourceManual,
		Notes:     s.notes,
		ImageRef:  s.photo.Name,
		Timestamp: s.flow.now().UTC().Format(time.RFC3339),
	}
	if s.scan != nil {
		patientID, supplementID := s.scan.PatientID, s.scan.SupplementID
		rec.PatientID = &patientID
		rec.SupplementID = &supplementID
	}
	if s.estimate != nil {
		rec.Source = types.SourceAIWithManualOverride
		conf := s.estimate.Confidence
		rec.Confidence = &conf
	}

	if err := validation.ValidateSubmission(rec); err != nil {
		return types.RecordCreate{}, err
	}
	return rec, nil
}

// Submit sends the record when online, or stores it in the offline queue.
// An online failure is returned as is; it is not queued.
func (s *Session) Submit(ctx context.Context) (*Submission, error) {
	rec, err := s.Record()
	if err != nil {
		return nil, err
	}
	rec.ClientRef = uuid.NewString()

	if s.flow.monitor.Online() {
		server, err := s.flow.backend.Submit(ctx, rec, rec.ClientRef)
		if err != nil {
			return nil, err
		}
		slog.Info("record submitted",
			"component", "capture",
			"record_id", server.ID,
			"source", rec.Source,
		)
		return &Submission{Record: rec, Server: server}, nil
	}

	id, err := s.flow.queue.StorePendingRecord(ctx, types.PendingRecord{
		ClientRef:    rec.ClientRef,
		PatientID:    rec.PatientID,
		SupplementID: rec.SupplementID,
		Barcode:      s.barcode,
		PillCount:    rec.PillCount,
		Source:       rec.Source,
		Confidence:   rec.Confidence,
		Notes:        rec.Notes,
		ImageRef:     rec.ImageRef,
		Image:        s.photo.Data,
	})
	if err != nil {
		return nil, fmt.Errorf("save record offline: %w", err)
	}

	slog.Info("record saved offline",
		"component", "capture",
		"queue_id", id,
		"source", rec.Source,
	)
	return &Submission{Record: rec, Queued: true, QueueID: id}, nil
}
