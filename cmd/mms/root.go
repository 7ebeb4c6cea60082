package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/emilyakhya/MMS/internal/config"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var (
	jsonOutput bool
	dbOverride string
)

var rootCmd = &cobra.Command{
	Use:          "mms",
	Short:        "MMS - offline pill count field client",
	Long:         "Scan and count supplement bottles, queue records while offline and sync them when the backend is reachable.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Output in JSON format")
	rootCmd.PersistentFlags().StringVar(&dbOverride, "db", "",
		"Local database path (overrides config and MMS_DB_PATH)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(captureCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(pendingCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(recordsCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(dashboardCmd)
	rootCmd.AddCommand(exportCmd)
}

// loadConfig loads configuration and applies the --db override.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if dbOverride != "" {
		cfg.Database.Path = dbOverride
	}
	return cfg, nil
}

// setupLogger installs the default slog logger writing to w.
func setupLogger(w io.Writer, cfg config.LogConfig) {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// withApp loads config, logs to stderr and builds the application for a
// one-shot command.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	setupLogger(cmd.ErrOrStderr(), cfg.Log)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(ctx, a)
}

// printJSON marshals v to JSON and writes to the given writer.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newTabWriter returns a configured tabwriter for aligned columns.
func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}
