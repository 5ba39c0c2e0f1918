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
	"time"
)

// SweepCmd runs the spec.md §5 sweepers once and exits: sessions whose
// fast-store key expired without a terminal transition are marked
// failed/timeout, and agents that have gone quiet past their heartbeat
// timeout are marked offline. Intended for a cron job in deployments that
// do not want the `serve` process's built-in periodic sweep.
type SweepCmd struct{}

func (c *SweepCmd) Run(cli *CLI) error {
	d, err := buildDeps(cli.Config, cli.LogLevel, cli.LogFile, cli.LogFormat)
	if err != nil {
		return err
	}
	defer d.close()

	runSweeps(context.Background(), d)
	return nil
}

// runSweeps is shared between the standalone `sweep` command and
// `serve`'s periodic background sweep.
func runSweeps(ctx context.Context, d *deps) {
	sessionTTL, err := time.ParseDuration(d.cfg.Server.SessionTTL)
	if err != nil {
		sessionTTL = 2 * time.Hour
	}
	if ids, err := d.relStore.SweepStaleSessions(ctx, sessionTTL); err != nil {
		d.logger.Error("sweep: stale sessions", "error", err)
	} else if len(ids) > 0 {
		d.logger.Info("sweep: marked stale sessions failed", "count", len(ids), "session_ids", ids)
	}

	heartbeatTimeout, err := time.ParseDuration(d.cfg.Server.HeartbeatTimeout)
	if err != nil {
		heartbeatTimeout = 2 * time.Minute
	}
	if count, err := d.relStore.SweepOfflineAgents(ctx, heartbeatTimeout); err != nil {
		d.logger.Error("sweep: offline agents", "error", err)
	} else if count > 0 {
		d.logger.Info("sweep: marked agents offline", "count", count)
	}
}
