package main

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/emilyakhya/MMS/internal/archive"
	"github.com/emilyakhya/MMS/internal/backend"
	"github.com/emilyakhya/MMS/internal/capture"
	"github.com/emilyakhya/MMS/internal/config"
	"github.com/emilyakhya/MMS/internal/connectivity"
	"github.com/emilyakhya/MMS/internal/dashboard"
	"github.com/emilyakhya/MMS/internal/store"
	"github.com/emilyakhya/MMS/internal/syncer"
)

// app holds the constructed services. Everything is built once here and
// passed explicitly; there are no package-level singletons.
type app struct {
	cfg       *config.Config
	store     *store.SQLiteStore
	tokens    *store.TokenStore
	client    *backend.Client
	checker    connectivity.Checker
	monitor   *connectivity.Monitor
	syncer    *syncer.Orchestrator
	flow      *capture.Flow
	dashboard *dashboard.Service
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	s := store.NewSQLiteStore(cfg.Database.Path)
	tokens := store.NewTokenStore(s)

	var opts []backend.Option
	if d := time.Duration(cfg.Backend.RequestTimeout); d > 0 {
		opts = append(opts, backend.WithTimeout(d))
	}
	client := backend.New(cfg.Backend.URL, tokens, opts...)

	archiver, err := archive.New(cfg.Archive)
	if err != nil {
		s.Close()
		return nil, err
	}

	checker := newChecker(cfg)
	monitor := connectivity.NewMonitor(checker(ctx))

	orch := syncer.New(s, client, monitor,
		syncer.WithArchiver(archiver),
		syncer.WithHandler(syncer.TypeDeferredRequest, syncer.DeferredRequestHandler(client)),
	)

	return &app{
		cfg:       cfg,
		store:     s,
		tokens:    tokens,
		client:    client,
		checker:    checker,
		monitor:   monitor,
		syncer:    orch,
		flow:      capture.NewFlow(client, s, monitor, newEstimator(cfg, client)),
		dashboard: dashboard.NewService(client, s),
	}, nil
}

// Close releases the local database.
func (a *app) Close() error {
	return a.store.Close()
}

func newChecker(cfg *config.Config) connectivity.Checker {
	if cfg.Connectivity.Check == config.CheckHealth {
		url := strings.TrimRight(cfg.Backend.URL, "/") + "/health"
		return connectivity.HealthChecker(http.DefaultClient, url, time.Duration(cfg.Connectivity.CheckTimeout))
	}
	return connectivity.InterfaceChecker()
}

func newEstimator(cfg *config.Config, client *backend.Client) capture.Estimator {
	if cfg.AI.Provider == config.ProviderOpenAI {
		if cfg.AI.APIKey != "" {
			return capture.NewOpenAIEstimator(cfg.AI.APIKey, cfg.AI.Model)
		}
		slog.Warn("OPENAI_API_KEY not set, using backend estimator", "component", "capture")
	}
	return capture.NewBackendEstimator(client)
}
