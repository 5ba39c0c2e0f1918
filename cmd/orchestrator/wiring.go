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
	"os"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"

	"github.com/quickform/orchestrator/pkg/activitylog"
	"github.com/quickform/orchestrator/pkg/agentsession"
	"github.com/quickform/orchestrator/pkg/budget"
	"github.com/quickform/orchestrator/pkg/config"
	"github.com/quickform/orchestrator/pkg/dispatch"
	"github.com/quickform/orchestrator/pkg/logger"
	"github.com/quickform/orchestrator/pkg/metrics"
	"github.com/quickform/orchestrator/pkg/objectstore"
	"github.com/quickform/orchestrator/pkg/orchestrator"
	"github.com/quickform/orchestrator/pkg/pathevaluator"
	"github.com/quickform/orchestrator/pkg/queue"
	"github.com/quickform/orchestrator/pkg/resultrecorder"
	"github.com/quickform/orchestrator/pkg/secretstore"
	"github.com/quickform/orchestrator/pkg/store"
	"github.com/quickform/orchestrator/pkg/tracing"
	"github.com/quickform/orchestrator/pkg/worker"

	"go.opentelemetry.io/otel/trace"
)

// deps is every component both `serve` and `sweep` build from the
// loaded config, assembled once here so neither command repeats the
// other's wiring (spec.md §2's component list, each constructed through
// the package New() the corresponding DESIGN.md entry documents).
type deps struct {
	cfg    *config.Config
	logger *slog.Logger

	redisClient *redis.Client
	relStore    *store.Store

	secrets   *secretstore.Store
	objects   *objectstore.Gateway
	gate      *budget.Gate
	evaluator *pathevaluator.Evaluator
	recorder  *resultrecorder.Recorder

	orc     *orchestrator.Orchestrator
	fabric  *queue.Fabric
	disp    *dispatch.Service
	caller  *worker.Caller
	metrics *metrics.Metrics

	agents  *agentsession.Service
	logs    *activitylog.Service
	logProc *activitylog.Processor

	tracerProvider trace.TracerProvider
}

// buildDeps loads configuration and constructs every component. It does
// not start any goroutine or listener — serve.go and sweep.go decide
// what to run.
func buildDeps(configPath, logLevel, logFile, logFormat string) (*deps, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, &userError{msg: fmt.Sprintf("load config: %v", err)}
	}

	level, err := logger.ParseLevel(firstNonEmpty(logLevel, cfg.Logger.Level))
	if err != nil {
		level = 0
	}
	out := os.Stderr
	format := firstNonEmpty(logFormat, cfg.Logger.Format)
	if f := firstNonEmpty(logFile, cfg.Logger.File); f != "" {
		file, _, err := logger.OpenLogFile(f)
		if err == nil {
			out = file
		}
	}
	logger.Init(level, out, format)
	log := logger.GetLogger()

	tp, err := tracing.Init(context.Background(), cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.MaxConns,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("dial redis at %s: %w", cfg.Redis.Addr(), err)
	}

	relStore, err := store.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open relational store: %w", err)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(cfg.ObjectStore.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	kmsClient := kms.NewFromConfig(awsCfg)
	secrets, err := secretstore.New(cfg.SecretStore, kmsClient, redisClient)
	if err != nil {
		return nil, fmt.Errorf("build secret store: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg)
	presignClient := s3.NewPresignClient(s3Client)
	objects := objectstore.New(cfg.ObjectStore, s3Client, presignClient, "")

	gate := budget.New(cfg.Budget, relStore, secrets, redisClient)
	evaluator := pathevaluator.New(cfg.PathEvaluator)
	recorder := resultrecorder.New(relStore)

	m := metrics.New()

	orc := orchestrator.New(redisClient, relStore, evaluator, log)
	fabric := queue.New(redisClient)
	disp := dispatch.New(orc, relStore, fabric, recorder, m, log)

	caller := worker.NewCaller(gate, cfg.AI, m)

	agents := agentsession.New(relStore, fabric, disp, log, cfg.JWT.Secret)
	logs := activitylog.New(relStore, objects, fabric, cfg.ObjectStore, log)
	logProc := activitylog.NewProcessor(relStore, objects, fabric, log)

	return &deps{
		cfg: cfg, logger: log,
		redisClient: redisClient, relStore: relStore,
		secrets: secrets, objects: objects, gate: gate, evaluator: evaluator, recorder: recorder,
		orc: orc, fabric: fabric, disp: disp, caller: caller, metrics: m,
		agents: agents, logs: logs, logProc: logProc,
		tracerProvider: tp,
	}, nil
}

func (d *deps) close() {
	_ = d.relStore.Close()
	_ = d.redisClient.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = tracing.Shutdown(shutdownCtx, d.tracerProvider)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
