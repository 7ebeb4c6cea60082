package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/emilyakhya/MMS/internal/syncer"
	"github.com/emilyakhya/MMS/internal/types"
)

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "Inspect records waiting to sync",
}

var pendingListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending records",
	Args:  cobra.NoArgs,
	RunE:  runPendingList,
}

var pendingUsageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show local queue counts",
	Args:  cobra.NoArgs,
	RunE:  runPendingUsage,
}

var pendingShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one pending record",
	Args:  cobra.ExactArgs(1),
	RunE:  runPendingShow,
}

var (
	queueMethod string
	queuePath   string
	queueBody   string
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Manage deferred backend requests",
	Long:  "Deferred requests are replayed against the backend, oldest first, on the next sync.",
}

var queueAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Queue a backend request",
	Args:  cobra.NoArgs,
	RunE:  runQueueAdd,
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued requests, oldest first",
	Args:  cobra.NoArgs,
	RunE:  runQueueList,
}

var queueRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove a queued request",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueRemove,
}

func init() {
	pendingCmd.AddCommand(pendingListCmd)
	pendingCmd.AddCommand(pendingUsageCmd)
	pendingCmd.AddCommand(pendingShowCmd)

	queueAddCmd.Flags().StringVar(&queueMethod, "method", "POST", "HTTP method")
	queueAddCmd.Flags().StringVar(&queuePath, "path", "", "Backend path, e.g. /submit (required)")
	queueAddCmd.Flags().StringVar(&queueBody, "body", "", "JSON request body")
	queueAddCmd.MarkFlagRequired("path")

	queueCmd.AddCommand(queueAddCmd)
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueRemoveCmd)
}

func runPendingList(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		records, err := a.store.GetPendingRecords(ctx)
		if err != nil {
			return err
		}

		if jsonOutput {
			if records == nil {
				records = []types.PendingRecord{}
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"records": records,
				"total":   len(records),
			})
		}

		if len(records) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No pending records.")
			return nil
		}

		w := newTabWriter(cmd.OutOrStdout())
		fmt.Fprintln(w, "ID\tCAPTURED\tPATIENT\tBARCODE\tCOUNT\tSOURCE")
		for _, r := range records {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\n",
				r.ID,
				r.CapturedAt().Local().Format("2006-01-02 15:04"),
				optionalID(r.PatientID),
				orDash(r.Barcode),
				r.PillCount,
				r.Source,
			)
		}
		return w.Flush()
	})
}

func runPendingUsage(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		usage := a.store.GetStorageUsage(ctx)
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), usage)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Pending records: %d\nQueued requests: %d\n",
			usage.PendingRecords, usage.SyncQueueItems)
		return nil
	})
}

func runPendingShow(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}

	return withApp(cmd, func(ctx context.Context, a *app) error {
		rec, err := a.store.GetRecord(ctx, id)
		if err != nil {
			return fmt.Errorf("pending record %d: %w", id, err)
		}

		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), rec)
		}

		w := newTabWriter(cmd.OutOrStdout())
		fmt.Fprintf(w, "ID:\t%d\n", rec.ID)
		fmt.Fprintf(w, "Client ref:\t%s\n", rec.ClientRef)
		fmt.Fprintf(w, "Captured:\t%s\n", rec.CapturedAt().Local().Format("2006-01-02 15:04:05"))
		fmt.Fprintf(w, "Patient:\t%s\n", optionalID(rec.PatientID))
		fmt.Fprintf(w, "Supplement:\t%s\n", optionalID(rec.SupplementID))
		fmt.Fprintf(w, "Barcode:\t%s\n", orDash(rec.Barcode))
		fmt.Fprintf(w, "Pill count:\t%d\n", rec.PillCount)
		fmt.Fprintf(w, "Source:\t%s\n", rec.Source)
		fmt.Fprintf(w, "Confidence:\t%s\n", optionalPercent(rec.Confidence))
		fmt.Fprintf(w, "Photo:\t%s (%d bytes)\n", orDash(rec.ImageRef), len(rec.Image))
		fmt.Fprintf(w, "Notes:\t%s\n", orDash(rec.Notes))
		return w.Flush()
	})
}

func runQueueAdd(cmd *cobra.Command, args []string) error {
	req := syncer.DeferredRequest{Method: queueMethod, Path: queuePath}
	if queueBody != "" {
		req.Body = json.RawMessage(queueBody)
	}
	if err := req.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}

	return withApp(cmd, func(ctx context.Context, a *app) error {
		id, err := a.store.AddToSyncQueue(ctx, types.SyncQueueItem{
			Type:    syncer.TypeDeferredRequest,
			Payload: payload,
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), map[string]int64{"id": id})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Queued %s %s (id %d)\n", req.Method, req.Path, id)
		return nil
	})
}

func runQueueList(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		items, err := a.store.GetSyncQueue(ctx)
		if err != nil {
			return err
		}

		if jsonOutput {
			if items == nil {
				items = []types.SyncQueueItem{}
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"items": items,
				"total": len(items),
			})
		}

		if len(items) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No queued requests.")
			return nil
		}

		w := newTabWriter(cmd.OutOrStdout())
		fmt.Fprintln(w, "ID\tQUEUED\tTYPE\tREQUEST")
		for _, item := range items {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\n",
				item.ID,
				formatMillis(item.Timestamp),
				item.Type,
				describeItem(item),
			)
		}
		return w.Flush()
	})
}

func runQueueRemove(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	return withApp(cmd, func(ctx context.Context, a *app) error {
		if err := a.store.RemoveFromSyncQueue(ctx, id); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed queued request %d\n", id)
		return nil
	})
}

func describeItem(item types.SyncQueueItem) string {
	if item.Type != syncer.TypeDeferredRequest {
		return "-"
	}
	var req syncer.DeferredRequest
	if err := json.Unmarshal(item.Payload, &req); err != nil {
		return "invalid payload"
	}
	return req.Method + " " + req.Path
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}
