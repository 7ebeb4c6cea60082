package dashboard

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/emilyakhya/MMS/internal/types"
	"github.com/emilyakhya/MMS/internal/validation"
)

// Sort keys accepted by FilterRecords.
const (
	SortTimestamp  = "timestamp"
	SortPillCount  = "pill_count"
	SortPatientID  = "patient_id"
	SortConfidence = "confidence"
)

// SortKeys lists the accepted sort keys.
var SortKeys = []string{SortTimestamp, SortPillCount, SortPatientID, SortConfidence}

// RecordFilter narrows an already fetched record list. Empty fields match
// everything.
type RecordFilter struct {
	PatientID    string       // substring of the decimal patient id
	SupplementID string       // substring of the decimal supplement id
	Source       types.Source // exact match
	StartDate    string       // YYYY-MM-DD, inclusive
	EndDate      string       // YYYY-MM-DD, inclusive
	SortBy       string       // one of SortKeys, default timestamp
	Ascending    bool         // default newest or largest first
}

// Validate checks the enum and date fields.
func (f RecordFilter) Validate() error {
	var c validation.Collector
	if f.Source != "" {
		c.Add(validation.ValidateEnum("source", string(f.Source), sourceStrings()))
	}
	if f.SortBy != "" {
		c.Add(validation.ValidateEnum("sort", f.SortBy, SortKeys))
	}
	if f.StartDate != "" {
		c.Add(validation.ValidateDate("start_date", f.StartDate))
	}
	if f.EndDate != "" {
		c.Add(validation.ValidateDate("end_date", f.EndDate))
	}
	return c.Err()
}

// FilterRecords applies f and returns a new sorted slice. The input is not
// modified. Invalid dates are ignored; call Validate first to reject them.
func FilterRecords(records []types.Record, f RecordFilter) []types.Record {
	start, hasStart := parseDay(f.StartDate)
	end, hasEnd := parseDay(f.EndDate)
	if hasEnd {
		end = end.AddDate(0, 0, 1)
	}

	out := make([]types.Record, 0, len(records))
	for _, r := range records {
		if f.PatientID != "" && !strings.Contains(strconv.FormatInt(r.PatientID, 10), f.PatientID) {
			continue
		}
		if f.SupplementID != "" && !strings.Contains(strconv.FormatInt(r.SupplementID, 10), f.SupplementID) {
			continue
		}
		if f.Source != "" && r.Source != f.Source {
			continue
		}
		ts := r.Timestamp.UTC()
		if hasStart && ts.Before(start) {
			continue
		}
		if hasEnd && !ts.Before(end) {
			continue
		}
		out = append(out, r)
	}

	less := recordLess(f.SortBy)
	sort.SliceStable(out, func(i, j int) bool {
		if f.Ascending {
			return less(out[i], out[j])
		}
		return less(out[j], out[i])
	})
	return out
}

func recordLess(key string) func(a, b types.Record) bool {
	switch key {
	case SortPillCount:
		return func(a, b types.Record) bool { return a.PillCount < b.PillCount }
	case SortPatientID:
		return func(a, b types.Record) bool { return a.PatientID < b.PatientID }
	case SortConfidence:
		// Records without a confidence sort below any value.
		return func(a, b types.Record) bool {
			switch {
			case a.Confidence == nil:
				return b.Confidence != nil
			case b.Confidence == nil:
				return false
			default:
				return *a.Confidence < *b.Confidence
			}
		}
	default:
		return func(a, b types.Record) bool { return a.Timestamp.Before(b.Timestamp.Time) }
	}
}

// Origin tells where a history entry came from.
type Origin string

const (
	OriginOnline  Origin = "online"
	OriginOffline Origin = "offline"
)

// HistoryEntry is one row of the merged capture history.
type HistoryEntry struct {
	Origin       Origin       `json:"origin"`
	ID           int64        `json:"id"`
	PatientID    *int64       `json:"patient_id"`
	PatientName  string       `json:"patient_name,omitempty"`
	SupplementID *int64       `json:"supplement_id"`
	Barcode      string       `json:"barcode_id,omitempty"`
	PillCount    int          `json:"pill_count"`
	Source       types.Source `json:"source"`
	Confidence   *float64     `json:"confidence"`
	Timestamp    time.Time    `json:"timestamp"`
	Notes        string       `json:"notes,omitempty"`
}

// HistoryQuery filters the merged history.
type HistoryQuery struct {
	// Search matches patient name or barcode, case-insensitively.
	Search string
	// Date is a prefix of the YYYY-MM-DD capture date, so "2024-05"
	// selects a month.
	Date string
}

// HistorySummary totals the returned history rows.
type HistorySummary struct {
	Records    int `json:"records"`
	Patients   int `json:"patients"`
	TotalPills int `json:"total_pills"`
}

// History merges server records with records still waiting in the local
// queue, newest first, and applies q.
func History(online []types.Record, pending []types.PendingRecord, patients []types.Patient, q HistoryQuery) []HistoryEntry {
	names := make(map[int64]string, len(patients))
	for _, p := range patients {
		names[p.ID] = p.Name
	}

	entries := make([]HistoryEntry, 0, len(online)+len(pending))
	for _, r := range online {
		patientID, supplementID := r.PatientID, r.SupplementID
		e := HistoryEntry{
			Origin:       OriginOnline,
			ID:           r.ID,
			PatientID:    &patientID,
			PatientName:  names[r.PatientID],
			SupplementID: &supplementID,
			PillCount:    r.PillCount,
			Source:       r.Source,
			Confidence:   r.Confidence,
			Timestamp:    r.Timestamp.UTC(),
		}
		if r.Notes != nil {
			e.Notes = *r.Notes
		}
		entries = append(entries, e)
	}
	for _, r := range pending {
		e := HistoryEntry{
			Origin:       OriginOffline,
			ID:           r.ID,
			PatientID:    r.PatientID,
			SupplementID: r.SupplementID,
			Barcode:      r.Barcode,
			PillCount:    r.PillCount,
			Source:       r.Source,
			Confidence:   r.Confidence,
			Timestamp:    r.CapturedAt(),
			Notes:        r.Notes,
		}
		if r.PatientID != nil {
			e.PatientName = names[*r.PatientID]
		}
		entries = append(entries, e)
	}

	search := strings.ToLower(strings.TrimSpace(q.Search))
	out := entries[:0]
	for _, e := range entries {
		if search != "" &&
			!strings.Contains(strings.ToLower(e.PatientName), search) &&
			!strings.Contains(strings.ToLower(e.Barcode), search) {
			continue
		}
		if q.Date != "" && !strings.HasPrefix(e.Timestamp.Format(dateLayout), q.Date) {
			continue
		}
		out = append(out, e)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

// Summarize totals the given history rows. Entries without a patient id
// are not counted as patients.
func Summarize(entries []HistoryEntry) HistorySummary {
	s := HistorySummary{Records: len(entries)}
	seen := make(map[int64]struct{})
	for _, e := range entries {
		s.TotalPills += e.PillCount
		if e.PatientID != nil {
			seen[*e.PatientID] = struct{}{}
		}
	}
	s.Patients = len(seen)
	return s
}

func parseDay(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func sourceStrings() []string {
	out := make([]string, len(types.ValidSources))
	for i, s := range types.ValidSources {
		out[i] = string(s)
	}
	return out
}
