// Package dashboard builds the read-only analytics and record views over
// data fetched from the backend. Nothing here mutates the offline queue.
package dashboard

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/emilyakhya/MMS/internal/types"
)

const (
	dateLayout   = "2006-01-02"
	topPatients  = 10
	overviewDays = 7
	trendWeeks   = 8
)

// SourceCounts tallies records per source tag.
type SourceCounts struct {
	AI       int `json:"ai"`
	Manual   int `json:"manual"`
	Override int `json:"ai_with_manual_override"`
}

func (c *SourceCounts) add(s types.Source) {
	switch s {
	case types.SourceAI:
		c.AI++
	case types.SourceManual:
		c.Manual++
	case types.SourceAIWithManualOverride:
		c.Override++
	}
}

// Total returns the sum over all sources.
func (c SourceCounts) Total() int {
	return c.AI + c.Manual + c.Override
}

// DayCount is one day of the overview series.
type DayCount struct {
	Date string `json:"date"`
	SourceCounts
	Total int `json:"total"`
}

// Overview is the summary shown on the dashboard landing view.
type Overview struct {
	TotalRecords  int          `json:"total_records"`
	TotalPatients int          `json:"total_patients"`
	Sources       SourceCounts `json:"sources"`
	Last7Days     []DayCount   `json:"last_7_days"`
}

// BuildOverview computes totals and a per-day series for the seven days
// ending on now's UTC date, oldest first.
func BuildOverview(records []types.Record, patients []types.Patient, now time.Time) *Overview {
	ov := &Overview{
		TotalRecords:  len(records),
		TotalPatients: len(patients),
		Last7Days:     make([]DayCount, overviewDays),
	}

	today := truncateDay(now)
	index := make(map[string]int, overviewDays)
	for i := 0; i < overviewDays; i++ {
		day := today.AddDate(0, 0, i-overviewDays+1).Format(dateLayout)
		ov.Last7Days[i].Date = day
		index[day] = i
	}

	for _, r := range records {
		ov.Sources.add(r.Source)
		if i, ok := index[r.Timestamp.UTC().Format(dateLayout)]; ok {
			ov.Last7Days[i].add(r.Source)
			ov.Last7Days[i].Total++
		}
	}
	return ov
}

// PatientActivity is the record count for one patient.
type PatientActivity struct {
	PatientID int64 `json:"patient_id"`
	Count     int   `json:"count"`
}

// ConfidenceBucket is one bar of the confidence histogram.
type ConfidenceBucket struct {
	Range string `json:"range"`
	Count int    `json:"count"`
}

// WeekCount is one week of the trend series. Weeks start on Sunday.
type WeekCount struct {
	Week  string `json:"week"`
	Start string `json:"start"`
	SourceCounts
	Total int `json:"total"`
}

// Metrics are the headline numbers of the analytics view. Percentages are
// rounded to whole numbers.
type Metrics struct {
	TotalRecords  int `json:"total_records"`
	AIRecords     int `json:"ai_records"`
	ManualRecords int `json:"manual_records"`
	AvgConfidence int `json:"avg_confidence_pct"`
	AvgPillCount  int `json:"avg_pill_count"`
	AIShare       int `json:"ai_share_pct"`
}

// Analytics is the detailed analytics view.
type Analytics struct {
	TopPatients []PatientActivity  `json:"top_patients"`
	Sources     SourceCounts       `json:"sources"`
	Confidence  []ConfidenceBucket `json:"confidence"`
	Trend       []WeekCount        `json:"trend"`
	Metrics     Metrics            `json:"metrics"`
}

// confidenceRanges are ordered from highest to lowest; a value falls in the
// first range whose floor it reaches.
var confidenceRanges = []struct {
	label string
	floor float64
}{
	{"90-100%", 0.9},
	{"80-89%", 0.8},
	{"70-79%", 0.7},
	{"60-69%", 0.6},
	{"<60%", math.Inf(-1)},
}

// BuildAnalytics computes the analytics view. Records tagged ai or
// ai_with_manual_override count as AI records for the confidence
// histogram and metrics.
func BuildAnalytics(records []types.Record, now time.Time) *Analytics {
	a := &Analytics{
		TopPatients: patientActivity(records),
		Confidence:  make([]ConfidenceBucket, len(confidenceRanges)),
		Trend:       weeklyTrend(records, now),
	}
	for i, r := range confidenceRanges {
		a.Confidence[i].Range = r.label
	}

	var (
		pillSum   int
		confSum   float64
		confCount int
	)
	for _, r := range records {
		a.Sources.add(r.Source)
		pillSum += r.PillCount

		if !r.Source.InvolvesAI() {
			continue
		}
		a.Metrics.AIRecords++
		if r.Confidence == nil {
			continue
		}
		confSum += *r.Confidence
		confCount++
		for i, cr := range confidenceRanges {
			if *r.Confidence >= cr.floor {
				a.Confidence[i].Count++
				break
			}
		}
	}

	a.Metrics.TotalRecords = len(records)
	a.Metrics.ManualRecords = a.Sources.Manual
	if confCount > 0 {
		a.Metrics.AvgConfidence = roundInt(confSum / float64(confCount) * 100)
	}
	if len(records) > 0 {
		a.Metrics.AvgPillCount = roundInt(float64(pillSum) / float64(len(records)))
		a.Metrics.AIShare = roundInt(float64(a.Metrics.AIRecords) / float64(len(records)) * 100)
	}
	return a
}

func patientActivity(records []types.Record) []PatientActivity {
	counts := make(map[int64]int)
	for _, r := range records {
		counts[r.PatientID]++
	}

	out := make([]PatientActivity, 0, len(counts))
	for id, n := range counts {
		out = append(out, PatientActivity{PatientID: id, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].PatientID < out[j].PatientID
	})

	if len(out) > topPatients {
		out = out[:topPatients]
	}
	return out
}

func weeklyTrend(records []types.Record, now time.Time) []WeekCount {
	today := truncateDay(now)
	current := today.AddDate(0, 0, -int(today.Weekday()))

	weeks := make([]WeekCount, trendWeeks)
	starts := make([]time.Time, trendWeeks)
	for i := range weeks {
		starts[i] = current.AddDate(0, 0, -7*(trendWeeks-1-i))
		weeks[i].Week = fmt.Sprintf("Week %d", i+1)
		weeks[i].Start = starts[i].Format(dateLayout)
	}

	for _, r := range records {
		ts := r.Timestamp.UTC()
		for i, start := range starts {
			if !ts.Before(start) && ts.Before(start.AddDate(0, 0, 7)) {
				weeks[i].add(r.Source)
				weeks[i].Total++
				break
			}
		}
	}
	return weeks
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func roundInt(f float64) int {
	return int(math.Round(f))
}
