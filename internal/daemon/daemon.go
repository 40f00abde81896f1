// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package daemon composes the maestrod process: storage, event log,
// sandbox, orchestrator, runner, and the HTTP API, with graceful drain
// on shutdown.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tombee/maestro/internal/api"
	"github.com/tombee/maestro/internal/blob"
	"github.com/tombee/maestro/internal/config"
	"github.com/tombee/maestro/internal/eventlog"
	"github.com/tombee/maestro/internal/gateway"
	"github.com/tombee/maestro/internal/log"
	"github.com/tombee/maestro/internal/orchestrator"
	"github.com/tombee/maestro/internal/sandbox"
	"github.com/tombee/maestro/internal/steps"
	"github.com/tombee/maestro/internal/store"
	"github.com/tombee/maestro/internal/stream"
	"github.com/tombee/maestro/internal/tracing"
)

// Options contains daemon options set at build time.
type Options struct {
	Version   string
	Commit    string
	BuildDate string
}

// Daemon is the maestrod process.
type Daemon struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	store  *store.Store
	runner *Runner
	server *http.Server

	shutdownTracing func(context.Context) error

	mu      sync.Mutex
	started bool
}

// New wires the daemon from configuration.
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	logger := log.WithComponent(log.New(log.FromEnv()), "daemon")

	st, err := store.New(store.Config{Path: cfg.Storage.DBPath})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	blobs, err := blob.NewFSStore(cfg.Storage.BlobDir)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to open blob store: %w", err)
	}

	shutdownTracing, err := tracing.Init(tracing.Config{
		Enabled:        cfg.Observability.TracingEnabled,
		ServiceName:    "maestrod",
		ServiceVersion: opts.Version,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	events := eventlog.NewRegistry(st)
	svc := steps.New(st)

	sb := sandbox.NewManager(st, blobs, sandbox.NewLocalVM(cfg.Sandbox.WorkDir), logger)
	if cfg.Sandbox.TranscriptCap > 0 {
		sb.TranscriptCap = cfg.Sandbox.TranscriptCap
	}
	sb.CommandTimeout = cfg.Sandbox.CommandTimeout

	var gw orchestrator.Gateway
	if cfg.Gateway.BaseURL != "" {
		gw, err = gateway.NewHTTP(gateway.Config{
			BaseURL:   cfg.Gateway.BaseURL,
			Model:     cfg.Gateway.Model,
			APIKey:    cfg.Gateway.APIKey,
			MaxTokens: cfg.Gateway.MaxTokens,
		})
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to create gateway: %w", err)
		}
	} else {
		logger.Warn("no gateway base URL configured, using static completions")
		gw = gateway.Static{}
	}

	orch := orchestrator.New(st, svc, events, sb, gw, orchestrator.LocalExecutor{}, logger)
	runner := NewRunner(st, orch, events, cfg.MaxConcurrentRuns, logger)

	streams := stream.NewServer(st, events, logger)
	handler := api.NewHandler(st, streams, events, runner, logger)

	server := &http.Server{
		Addr:              cfg.Listen.Addr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Daemon{
		cfg:             cfg,
		opts:            opts,
		logger:          logger,
		store:           st,
		runner:          runner,
		server:          server,
		shutdownTracing: shutdownTracing,
	}, nil
}

// Start serves until ctx is canceled, then drains and shuts down.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("daemon already started")
	}
	d.started = true
	d.mu.Unlock()

	d.logger.Info("maestrod starting",
		slog.String("version", d.opts.Version),
		slog.String("addr", d.cfg.Listen.Addr),
		slog.Int("max_concurrent_runs", d.cfg.MaxConcurrentRuns))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := d.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		return d.shutdown()
	})

	return g.Wait()
}

// shutdown drains active runs, then stops the HTTP server and closes
// resources. New submissions are rejected as soon as drain begins.
func (d *Daemon) shutdown() error {
	d.logger.Info("maestrod shutting down",
		slog.Int("active_runs", d.runner.ActiveRuns()),
		slog.Duration("drain_timeout", d.cfg.DrainTimeout))

	d.runner.Drain(d.cfg.DrainTimeout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.server.Shutdown(shutdownCtx); err != nil {
		d.logger.Warn("http server shutdown failed", log.Error(err))
	}

	if err := d.shutdownTracing(shutdownCtx); err != nil {
		d.logger.Warn("tracing shutdown failed", log.Error(err))
	}
	if err := d.store.Close(); err != nil {
		d.logger.Warn("store close failed", log.Error(err))
	}

	d.logger.Info("maestrod stopped")
	return nil
}
