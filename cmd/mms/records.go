package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/emilyakhya/MMS/internal/dashboard"
	"github.com/emilyakhya/MMS/internal/types"
)

var (
	recordsPatient    string
	recordsSupplement string
	recordsSource     string
	recordsStart      string
	recordsEnd        string
	recordsSort       string
	recordsAsc        bool
	recordsLimit      int

	historySearch string
	historyDate   string

	exportOutput string
)

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "List server records",
	Args:  cobra.NoArgs,
	RunE:  runRecords,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show server and pending records together",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Show dashboard views",
}

var dashboardOverviewCmd = &cobra.Command{
	Use:   "overview",
	Short: "Totals and the last seven days",
	Args:  cobra.NoArgs,
	RunE:  runOverview,
}

var dashboardAnalyticsCmd = &cobra.Command{
	Use:   "analytics",
	Short: "Top patients, confidence and weekly trend",
	Args:  cobra.NoArgs,
	RunE:  runAnalytics,
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export all server records as CSV",
	Args:  cobra.NoArgs,
	RunE:  runExport,
}

func init() {
	recordsCmd.Flags().StringVar(&recordsPatient, "patient", "", "Filter by patient id (substring)")
	recordsCmd.Flags().StringVar(&recordsSupplement, "supplement", "", "Filter by supplement id (substring)")
	recordsCmd.Flags().StringVar(&recordsSource, "source", "", "Filter by source (ai, manual, ai_with_manual_override)")
	recordsCmd.Flags().StringVar(&recordsStart, "from", "", "First day, YYYY-MM-DD")
	recordsCmd.Flags().StringVar(&recordsEnd, "to", "", "Last day, YYYY-MM-DD")
	recordsCmd.Flags().StringVar(&recordsSort, "sort", dashboard.SortTimestamp,
		"Sort key: "+strings.Join(dashboard.SortKeys, ", "))
	recordsCmd.Flags().BoolVar(&recordsAsc, "asc", false, "Sort ascending")
	recordsCmd.Flags().IntVar(&recordsLimit, "limit", 0, "Maximum rows to show (0 for all)")

	historyCmd.Flags().StringVar(&historySearch, "search", "", "Match patient name or barcode")
	historyCmd.Flags().StringVar(&historyDate, "date", "", "Date prefix, e.g. 2024-05 or 2024-05-01")

	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Write to file instead of stdout")

	dashboardCmd.AddCommand(dashboardOverviewCmd)
	dashboardCmd.AddCommand(dashboardAnalyticsCmd)
}

func runRecords(cmd *cobra.Command, args []string) error {
	filter := dashboard.RecordFilter{
		PatientID:    recordsPatient,
		SupplementID: recordsSupplement,
		Source:       types.Source(recordsSource),
		StartDate:    recordsStart,
		EndDate:      recordsEnd,
		SortBy:       recordsSort,
		Ascending:    recordsAsc,
	}
	if err := filter.Validate(); err != nil {
		return err
	}

	return withApp(cmd, func(ctx context.Context, a *app) error {
		records, err := a.dashboard.Records(ctx, filter)
		if err != nil {
			return explain(err)
		}
		total := len(records)
		if recordsLimit > 0 && len(records) > recordsLimit {
			records = records[:recordsLimit]
		}

		if jsonOutput {
			if records == nil {
				records = []types.Record{}
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"records": records,
				"total":   total,
			})
		}

		if len(records) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No records found.")
			return nil
		}

		w := newTabWriter(cmd.OutOrStdout())
		fmt.Fprintln(w, "ID\tDATE\tPATIENT\tSUPPLEMENT\tCOUNT\tSOURCE\tCONFIDENCE")
		for _, r := range records {
			fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%d\t%s\t%s\n",
				r.ID,
				r.Timestamp.Format("2006-01-02 15:04"),
				r.PatientID,
				r.SupplementID,
				r.PillCount,
				r.Source,
				optionalPercent(r.Confidence),
			)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		if len(records) < total {
			fmt.Fprintf(cmd.OutOrStdout(), "\nShowing %d of %d records\n", len(records), total)
		}
		return nil
	})
}

func runHistory(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		entries, err := a.dashboard.History(ctx, dashboard.HistoryQuery{Search: historySearch, Date: historyDate})
		partial := err != nil
		if partial {
			if entries == nil {
				return explain(err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Server history unavailable, showing pending records only: %v\n", explain(err))
		}
		summary := dashboard.Summarize(entries)

		if jsonOutput {
			if entries == nil {
				entries = []dashboard.HistoryEntry{}
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"entries": entries,
				"summary": summary,
				"partial": partial,
			})
		}

		out := cmd.OutOrStdout()
		if len(entries) == 0 {
			fmt.Fprintln(out, "No history found.")
			return nil
		}

		w := newTabWriter(out)
		fmt.Fprintln(w, "DATE\tPATIENT\tBARCODE\tCOUNT\tSOURCE\tSTATUS")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
				e.Timestamp.Local().Format("2006-01-02 15:04"),
				patientLabel(e),
				orDash(e.Barcode),
				e.PillCount,
				e.Source,
				historyStatus(e.Origin),
			)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(out, "\n%d records, %d patients, %d pills\n", summary.Records, summary.Patients, summary.TotalPills)
		return nil
	})
}

func runOverview(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		ov, err := a.dashboard.Overview(ctx)
		if err != nil {
			return explain(err)
		}

		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), ov)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Records:  %d\n", ov.TotalRecords)
		fmt.Fprintf(out, "Patients: %d\n", ov.TotalPatients)
		fmt.Fprintf(out, "Sources:  ai %d, manual %d, override %d\n\n", ov.Sources.AI, ov.Sources.Manual, ov.Sources.Override)

		w := newTabWriter(out)
		fmt.Fprintln(w, "DATE\tAI\tMANUAL\tOVERRIDE\tTOTAL")
		for _, d := range ov.Last7Days {
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\n", d.Date, d.AI, d.Manual, d.Override, d.Total)
		}
		return w.Flush()
	})
}

func runAnalytics(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		an, err := a.dashboard.Analytics(ctx)
		if err != nil {
			return explain(err)
		}

		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), an)
		}

		out := cmd.OutOrStdout()
		m := an.Metrics
		fmt.Fprintf(out, "Records: %d (ai %d, manual %d)\n", m.TotalRecords, m.AIRecords, m.ManualRecords)
		fmt.Fprintf(out, "AI share: %d%%  Avg confidence: %d%%  Avg pills: %d\n\n", m.AIShare, m.AvgConfidence, m.AvgPillCount)

		w := newTabWriter(out)
		fmt.Fprintln(w, "CONFIDENCE\tRECORDS")
		for _, b := range an.Confidence {
			fmt.Fprintf(w, "%s\t%d\n", b.Range, b.Count)
		}
		fmt.Fprintln(w, "\t")
		fmt.Fprintln(w, "PATIENT\tRECORDS")
		for _, p := range an.TopPatients {
			fmt.Fprintf(w, "%d\t%d\n", p.PatientID, p.Count)
		}
		fmt.Fprintln(w, "\t")
		fmt.Fprintln(w, "WEEK\tSTART\tAI\tMANUAL\tOVERRIDE\tTOTAL")
		for _, wk := range an.Trend {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\n", wk.Week, wk.Start, wk.AI, wk.Manual, wk.Override, wk.Total)
		}
		return w.Flush()
	})
}

func runExport(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		var w io.Writer = cmd.OutOrStdout()
		if exportOutput != "" {
			f, err := os.Create(exportOutput)
			if err != nil {
				return fmt.Errorf("create %s: %w", exportOutput, err)
			}
			defer f.Close()
			w = f
		}

		if err := a.dashboard.ExportCSV(ctx, w); err != nil {
			return explain(err)
		}
		if exportOutput != "" {
			fmt.Fprintf(cmd.ErrOrStderr(), "Exported to %s\n", exportOutput)
		}
		return nil
	})
}

func patientLabel(e dashboard.HistoryEntry) string {
	if e.PatientName != "" {
		return e.PatientName
	}
	return optionalID(e.PatientID)
}

func historyStatus(o dashboard.Origin) string {
	if o == dashboard.OriginOffline {
		return "pending"
	}
	return "synced"
}

func optionalID(id *int64) string {
	if id == nil {
		return "-"
	}
	return strconv.FormatInt(*id, 10)
}

func optionalPercent(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.0f%%", *v*100)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatMillis(ms int64) string {
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04")
}
