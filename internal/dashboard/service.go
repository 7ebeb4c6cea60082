package dashboard

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/emilyakhya/MMS/internal/backend"
	"github.com/emilyakhya/MMS/internal/types"
)

// Backend is the read side of the remote API. Implemented by
// backend.Client.
type Backend interface {
	Records(ctx context.Context, filter backend.RecordFilter) ([]types.Record, error)
	Patients(ctx context.Context) ([]types.Patient, error)
	ExportCSV(ctx context.Context) (string, error)
}

// PendingSource lists records still in the local queue. Implemented by
// store.SQLiteStore.
type PendingSource interface {
	GetPendingRecords(ctx context.Context) ([]types.PendingRecord, error)
}

// Service fetches backend data and builds the dashboard views.
type Service struct {
	backend Backend
	pending PendingSource
	now     func() time.Time
}

// NewService creates a Service. pending may be nil, in which case history
// shows server records only.
func NewService(b Backend, pending PendingSource) *Service {
	return &Service{backend: b, pending: pending, now: time.Now}
}

// Overview fetches records and patients and builds the overview.
func (s *Service) Overview(ctx context.Context) (*Overview, error) {
	records, patients, err := s.fetch(ctx, backend.RecordFilter{})
	if err != nil {
		return nil, err
	}
	return BuildOverview(records, patients, s.now()), nil
}

// Analytics fetches records and builds the analytics view.
func (s *Service) Analytics(ctx context.Context) (*Analytics, error) {
	records, err := s.backend.Records(ctx, backend.RecordFilter{})
	if err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}
	return BuildAnalytics(records, s.now()), nil
}

// Records fetches every record and applies f locally. Dates are not sent
// to the backend: it compares end_date against midnight, which would drop
// records captured on the end day.
func (s *Service) Records(ctx context.Context, f RecordFilter) ([]types.Record, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	records, err := s.backend.Records(ctx, backend.RecordFilter{})
	if err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}
	return FilterRecords(records, f), nil
}

// History merges server and pending records. If the backend cannot be
// reached the pending records are still returned along with the error.
func (s *Service) History(ctx context.Context, q HistoryQuery) ([]HistoryEntry, error) {
	var pending []types.PendingRecord
	if s.pending != nil {
		var err error
		pending, err = s.pending.GetPendingRecords(ctx)
		if err != nil {
			slog.Warn("pending records unavailable for history",
				"component", "dashboard",
				"error", err,
			)
		}
	}

	records, patients, err := s.fetch(ctx, backend.RecordFilter{})
	if err != nil {
		return History(nil, pending, nil, q), err
	}
	return History(records, pending, patients, q), nil
}

// ExportCSV writes the backend's CSV export to w.
func (s *Service) ExportCSV(ctx context.Context, w io.Writer) error {
	content, err := s.backend.ExportCSV(ctx)
	if err != nil {
		return fmt.Errorf("export csv: %w", err)
	}
	if _, err := io.WriteString(w, content); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}
	return nil
}

func (s *Service) fetch(ctx context.Context, filter backend.RecordFilter) ([]types.Record, []types.Patient, error) {
	var (
		records  []types.Record
		patients []types.Patient
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		records, err = s.backend.Records(gctx, filter)
		if err != nil {
			return fmt.Errorf("load records: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		patients, err = s.backend.Patients(gctx)
		if err != nil {
			return fmt.Errorf("load patients: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return records, patients, nil
}
