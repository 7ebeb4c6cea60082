package main

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/emilyakhya/MMS/internal/capture"
)

var (
	captureBarcode  string
	capturePhoto    string
	captureCount    int
	captureNotes    string
	captureEstimate bool
)

var scanCmd = &cobra.Command{
	Use:   "scan <barcode>",
	Short: "Look up the patient for a supplement barcode",
	Args:  cobra.ExactArgs(1),
	RunE:  runScan,
}

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Record a pill count for a bottle photo",
	Long: `Record a pill count for a bottle photo.

With --estimate the photo is sent for an AI count, which pre-fills the
count; --count overrides it. The record is submitted immediately when
online and saved to the local queue otherwise.`,
	Args: cobra.NoArgs,
	RunE: runCapture,
}

func init() {
	captureCmd.Flags().StringVar(&captureBarcode, "barcode", "", "Supplement barcode")
	captureCmd.Flags().StringVar(&capturePhoto, "photo", "", "Path to the bottle photo (required)")
	captureCmd.Flags().IntVar(&captureCount, "count", 0, "Manual pill count")
	captureCmd.Flags().StringVar(&captureNotes, "notes", "", "Free-text notes")
	captureCmd.Flags().BoolVar(&captureEstimate, "estimate", false, "Request an AI estimate")
	captureCmd.MarkFlagRequired("photo")
}

func runScan(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		session := a.flow.NewSession()
		result, err := session.Scan(ctx, args[0])
		if err != nil {
			return explain(err)
		}

		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), result)
		}
		out := cmd.OutOrStdout()
		if session.Patient() == nil {
			fmt.Fprintf(out, "Offline: barcode %s kept without patient details\n", result.BarcodeID)
			return nil
		}
		fmt.Fprintf(out, "Patient:    %s (id %d)\n", result.PatientName, result.PatientID)
		fmt.Fprintf(out, "Supplement: %d\n", result.SupplementID)
		return nil
	})
}

func runCapture(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(capturePhoto)
	if err != nil {
		return fmt.Errorf("read photo: %w", err)
	}
	countSet := cmd.Flags().Changed("count")

	return withApp(cmd, func(ctx context.Context, a *app) error {
		out := cmd.OutOrStdout()
		session := a.flow.NewSession()

		if captureBarcode != "" {
			if _, err := session.Scan(ctx, captureBarcode); err != nil {
				return explain(err)
			}
		}

		if err := session.AttachPhoto(filepath.Base(capturePhoto), photoContentType(capturePhoto, data), data); err != nil {
			return err
		}

		if captureEstimate {
			result, err := session.Estimate(ctx)
			switch {
			case err == nil:
				if !jsonOutput {
					fmt.Fprintf(out, "AI estimate: %d pills (confidence %.0f%%)\n", result.PillCount, result.Confidence*100)
				}
			case countSet:
				fmt.Fprintf(cmd.ErrOrStderr(), "AI estimate unavailable: %v\n", err)
			default:
				return explain(err)
			}
		}

		if countSet {
			if err := session.SetManualCount(captureCount); err != nil {
				return err
			}
		}
		session.SetNotes(captureNotes)

		sub, err := session.Submit(ctx)
		if err != nil {
			if errors.Is(err, capture.ErrNoCount) {
				return fmt.Errorf("%w: pass --count or --estimate", err)
			}
			return explain(err)
		}

		if jsonOutput {
			return printJSON(out, sub)
		}
		if sub.Queued {
			fmt.Fprintf(out, "Saved offline (queue id %d); it will sync when back online.\n", sub.QueueID)
			return nil
		}
		if sub.Server != nil {
			fmt.Fprintf(out, "Record %d submitted: ", sub.Server.ID)
		} else {
			fmt.Fprint(out, "Record submitted: ")
		}
		fmt.Fprintf(out, "%d pills, source %s\n", sub.Record.PillCount, sub.Record.Source)
		return nil
	})
}

// photoContentType prefers the file extension and falls back to sniffing.
func photoContentType(path string, data []byte) string {
	if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
		return ct
	}
	return http.DetectContentType(data)
}
