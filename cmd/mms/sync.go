package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/emilyakhya/MMS/internal/syncer"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Submit queued records now",
	Args:  cobra.NoArgs,
	RunE:  runSync,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connectivity and queue status",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func runSync(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		outcome, err := a.syncer.ManualSync(ctx)
		if errors.Is(err, syncer.ErrOffline) {
			return fmt.Errorf("%w: %s is not reachable", err, a.cfg.Backend.URL)
		}
		if err != nil {
			return err
		}

		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), outcome)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Synced %d records, %d failed\n", outcome.Succeeded, outcome.Failed)
		if outcome.QueueSucceeded+outcome.QueueFailed > 0 {
			fmt.Fprintf(out, "Replayed %d queued requests, %d failed\n", outcome.QueueSucceeded, outcome.QueueFailed)
		}
		return nil
	})
}

func runStatus(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		status := a.syncer.Status(ctx)

		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), status)
		}

		state := "offline"
		if status.Online {
			state = "online"
		}
		user := "signed out"
		if u, err := a.tokens.User(ctx); err == nil {
			user = displayName(u)
		}

		w := newTabWriter(cmd.OutOrStdout())
		fmt.Fprintf(w, "Backend:\t%s (%s)\n", a.cfg.Backend.URL, state)
		fmt.Fprintf(w, "User:\t%s\n", user)
		fmt.Fprintf(w, "Pending records:\t%d\n", status.PendingRecords)
		fmt.Fprintf(w, "Queued requests:\t%d\n", status.SyncQueueItems)
		return w.Flush()
	})
}
