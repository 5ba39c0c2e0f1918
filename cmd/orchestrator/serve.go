// Copyright 2025 Kadir Pekel
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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quickform/orchestrator/pkg/activitylog"
	"github.com/quickform/orchestrator/pkg/config"
	"github.com/quickform/orchestrator/pkg/logger"
	"github.com/quickform/orchestrator/pkg/worker"
)

// ServeCmd starts the agent-facing HTTP API and one worker Pool per
// configured background queue (spec.md §4.4/§4.7), running until an
// interrupt/terminate signal, then draining in-flight work before
// exiting.
type ServeCmd struct{}

func (c *ServeCmd) Run(cli *CLI) error {
	d, err := buildDeps(cli.Config, cli.LogLevel, cli.LogFile, cli.LogFormat)
	if err != nil {
		return err
	}
	defer d.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		d.logger.Info("orchestrator: shutting down")
		cancel()
	}()

	mux := http.NewServeMux()
	mux.Handle("/agents/", http.StripPrefix("/agents", d.agents.Routes()))
	mux.Handle("/activity-log/", http.StripPrefix("/activity-log", d.logs.Routes()))
	mux.Handle("/metrics", d.metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: d.cfg.Server.Address(), Handler: mux}

	c.startWorkerPools(ctx, d)
	go d.logProc.Run(ctx, d.cfg.Queue.WorkerConcurrency)
	go c.runPeriodicSweeps(ctx, d)
	go c.runBudgetFlush(ctx, d)
	if cli.Config != "" {
		go watchConfig(ctx, cli.Config, d.logger)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	d.logger.Info("orchestrator: listening", "address", d.cfg.Server.Address())
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// startWorkerPools builds one worker.Pool per entry in
// config.QueueConfig.WorkerQueues and starts its consumers, grounded on
// spec.md §4.4's "workers compete to consume from shared queues" — one
// pool per queue rather than one pool polling all of them keeps a slow
// queue (e.g. "forms", DOM-heavy) from starving a fast one ("runner").
func (c *ServeCmd) startWorkerPools(ctx context.Context, d *deps) []*worker.Pool {
	pools := make([]*worker.Pool, 0, len(d.cfg.Queue.WorkerQueues))
	for _, queueName := range d.cfg.Queue.WorkerQueues {
		if queueName == activitylog.QueueName {
			continue // served by its own Processor, not the session-coupled worker.Pool
		}
		pool := worker.NewPool(
			[]string{queueName},
			d.fabric,
			d.disp,
			d.orc,
			d.relStore,
			d.objects,
			d.caller,
			d.evaluator,
			d.recorder,
			d.metrics,
			5,
			d.logger.With("queue", queueName),
		)
		pools = append(pools, pool)
		go pool.Run(ctx, d.cfg.Queue.WorkerConcurrency)
	}
	return pools
}

// watchConfig live-reloads the subset of Config that is safe to change
// without rebuilding every wired dependency: today, just the log level
// (spec.md §9's "debug mode" flag is exactly this shape — an operator
// flips verbosity without a deploy). Every other field change is logged
// but otherwise ignored; picking it up requires a restart, same as
// changing DATABASE_URL.
func watchConfig(ctx context.Context, path string, log *slog.Logger) {
	w, err := config.NewWatcher(path, log)
	if err != nil {
		log.Warn("orchestrator: config file watch disabled", "path", path, "error", err)
		return
	}
	stop := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(stop)
	}()
	w.Run(stop, func(cfg *config.Config) {
		if level, err := logger.ParseLevel(cfg.Logger.Level); err == nil {
			logger.SetLevel(level)
		}
	})
}

// runBudgetFlush drains the Budget Gate's dirty spend counters into the
// relational ledger on the configured interval (spec.md §4.2: the fast
// store carries the per-tenant counter for throughput, the relational
// row for durability).
func (c *ServeCmd) runBudgetFlush(ctx context.Context, d *deps) {
	interval, err := time.ParseDuration(d.cfg.Budget.UsageFlushInterval)
	if err != nil || interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.gate.FlushPending(ctx); err != nil {
				d.logger.Error("orchestrator: flush budget spend", "error", err)
			}
		}
	}
}

// runPeriodicSweeps runs the spec.md §5 sweepers on a fixed interval for
// the lifetime of the serving process, a lighter-weight companion to the
// standalone `sweep` command for deployments that would rather not run a
// separate cron job.
func (c *ServeCmd) runPeriodicSweeps(ctx context.Context, d *deps) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runSweeps(ctx, d)
		}
	}
}
