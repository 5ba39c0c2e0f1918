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

// Command orchestrator runs the form-mapping orchestration service:
// either the long-running agent-facing HTTP API plus background worker
// pools (`serve`), or a one-shot sweep of stale sessions and offline
// agents suitable for a cron job (`sweep`). Grounded on cmd/hector's
// kong-based CLI shape, trimmed to this domain's two entry points
// (spec.md §5's sweeper and §4.5's agent-facing API have no zero-config
// or studio-mode analogue here).
//
// Usage:
//
//	orchestrator serve --config config.yaml
//	orchestrator sweep --config config.yaml
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
)

// exit codes per spec.md §5: 0 success, 1 user error (bad config,
// validation failure), 2 infrastructure error (could not reach
// Redis/the database/AWS).
const (
	exitSuccess  = 0
	exitUserErr  = 1
	exitInfraErr = 2
)

// CLI defines the command-line interface.
type CLI struct {
	Serve ServeCmd `cmd:"" name:"serve" help:"Start the agent-facing API and background worker pools."`
	Sweep SweepCmd `cmd:"" name:"sweep" help:"Run stale-session and offline-agent sweepers once and exit."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (json or dev)." default:"json"`
}

func main() {
	cli := CLI{}
	parser, err := kong.New(&cli,
		kong.Name("orchestrator"),
		kong.Description("Form-mapping orchestration service"),
		kong.UsageOnError(),
	)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitInfraErr)
	}

	ctx, err := parser.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUserErr)
	}

	if err := ctx.Run(&cli); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor classifies a run error into spec.md §5's three exit
// codes. *configError and *userError mark problems in input (bad flags,
// invalid config); everything else is treated as an infrastructure
// failure (could not dial Redis, open the database, reach AWS).
func exitCodeFor(err error) int {
	if _, ok := err.(*userError); ok {
		return exitUserErr
	}
	return exitInfraErr
}

// userError marks an exit-1 condition: the operator's input was wrong,
// not the environment.
type userError struct{ msg string }

func (e *userError) Error() string { return e.msg }
