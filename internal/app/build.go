package app

import (
	"context"
	"fmt"
	"log"

	"github.com/ent0n29/invoicedl/internal/ack"
	"github.com/ent0n29/invoicedl/internal/config"
	"github.com/ent0n29/invoicedl/internal/downloads"
	"github.com/ent0n29/invoicedl/internal/execution"
	"github.com/ent0n29/invoicedl/internal/httpapi"
	"github.com/ent0n29/invoicedl/internal/observability"
	"github.com/ent0n29/invoicedl/internal/runner"
	"github.com/ent0n29/invoicedl/internal/session"
	"github.com/ent0n29/invoicedl/internal/state"
)

type BuildResult struct {
	Config    config.Config
	API       *httpapi.Server
	Hub       *session.Hub
	Runner    *runner.Runner
	State     *state.Accessor
	Metrics   *observability.Metrics
	StoreMode string

	// Cleanup stops the runner and releases the state backend.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, storeMode, err := state.NewStore(ctx, cfg.DatabaseURL, cfg.StateSQLitePath)
	if err != nil {
		return nil, fmt.Errorf("state store init failed: %w", err)
	}
	accessor := state.NewAccessor(store, cfg.StateKey)

	var (
		records downloads.RecordStore
		history *downloads.History
	)
	switch cfg.DownloadStore {
	case config.DownloadStoreDir:
		dir, err := downloads.NewDirStore(cfg.DownloadDir)
		if err != nil {
			_ = accessor.Close()
			return nil, fmt.Errorf("download store init failed: %w", err)
		}
		records = dir
	default:
		history = downloads.NewHistory(0)
		records = history
	}

	layout := downloads.Layout{
		Root:     cfg.DownloadRoot,
		PDFDir:   cfg.DownloadPDFDir,
		ISDOCDir: cfg.DownloadISDOCDir,
	}
	detector := downloads.NewDetector(records, accessor, downloads.DetectorConfig{
		Layout:        layout,
		RecentLimit:   cfg.DownloadRecentLimit,
		FallbackLimit: cfg.DownloadFallbackLimit,
	})
	prediction := &downloads.PredictionCache{}

	hub := session.NewHub(cfg.ClientIdleTimeout)
	hub.SetExpireHook(func(c session.Client) {
		log.Printf("hub: client %s (tab %s) expired", c.ID, c.Ref.TabID)
		metrics.SetAttachedClients(hub.ActiveCount())
	})

	run := runner.New(runner.Config{
		MaxRetries:      cfg.RunnerMaxRetries,
		AckTimeout:      cfg.RunnerAckTimeout,
		PollTimeout:     cfg.RunnerPollTimeout,
		PollInterval:    cfg.RunnerPollInterval,
		SettleDelay:     cfg.RunnerSettleDelay,
		RetryBackoff:    cfg.RunnerRetryBackoff,
		RetryBackoffMax: cfg.RunnerRetryBackoffMax,
	}, runner.Deps{
		State:      accessor,
		Detector:   detector,
		Acks:       ack.NewRegistry(),
		Prediction: prediction,
		Executor:   execution.NewDispatcher(hub),
		Pusher:     hub,
		Metrics:    metrics,
	})

	api := httpapi.New(cfg, httpapi.Deps{
		Hub:       hub,
		Runner:    run,
		Namer:     downloads.NewNamer(layout, prediction),
		History:   history,
		StoreMode: storeMode,
		Metrics:   metrics,
	})

	cleanup := func() error {
		run.Close()
		if err := accessor.Close(); err != nil {
			return fmt.Errorf("state store close: %w", err)
		}
		return nil
	}

	return &BuildResult{
		Config:    cfg,
		API:       api,
		Hub:       hub,
		Runner:    run,
		State:     accessor,
		Metrics:   metrics,
		StoreMode: storeMode,
		Cleanup:   cleanup,
	}, nil
}
