package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/xiy/context-engine/internal/admin"
	"github.com/xiy/context-engine/internal/config"
	"github.com/xiy/context-engine/internal/embeddings"
	"github.com/xiy/context-engine/internal/llm"
	"github.com/xiy/context-engine/internal/mcp"
	"github.com/xiy/context-engine/internal/memory"
	"github.com/xiy/context-engine/internal/orchestrator"
	"github.com/xiy/context-engine/internal/pressure"
	"github.com/xiy/context-engine/internal/store"
	"github.com/xiy/context-engine/internal/triage"
	"github.com/xiy/context-engine/internal/ttl"
	"github.com/xiy/context-engine/internal/vectorstore"
)

const version = "v0.1.0"

const defaultConfigPath = "config/context-engine.yaml"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(os.Args[2:])
	case "admin":
		err = runAdmin(os.Args[2:])
	case "version", "--version", "-v":
		fmt.Println("context-engine " + version)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig(name string, args []string) (config.Config, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to config file")
	if err := fs.Parse(args); err != nil {
		return config.Config{}, err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return cfg, err
	}
	if err := cfg.EnsurePaths(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func runServe(args []string) error {
	cfg, err := loadConfig("serve", args)
	if err != nil {
		return err
	}

	// stdout carries the protocol, so logs go to stderr.
	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true, Prefix: cfg.ServerName})
	setLogLevel(logger, cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := store.OpenSQLite(ctx, cfg.DBPath, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	vectors, err := vectorstore.Open(cfg.VectorDBPath, logger)
	if err != nil {
		return err
	}
	embedder, err := embeddings.New(cfg, logger)
	if err != nil {
		return err
	}
	svc := memory.NewService(st, vectors, embedder, cfg, logger)

	var (
		planner   orchestrator.Planner
		completer orchestrator.Completer
		extractor triage.Extractor
	)
	if cfg.AnthropicAPIKey != "" {
		client := llm.NewClient(cfg.AnthropicAPIKey, cfg.AnthropicModel, cfg.AnthropicMaxTokens, logger)
		planner = llm.NewPlanner(client)
		completer = client
		extractor = llm.NewFactExtractor(client)
	} else {
		logger.Warn("no Anthropic API key; planning and synthesis disabled, triage uses heuristics")
	}

	// The queue exists before the orchestrator it notifies.
	var orch *orchestrator.Orchestrator
	queue, err := triage.New(svc, triage.Options{
		Workers:       cfg.TriageWorkers,
		QueueSize:     cfg.TriageQueueSize,
		DedupeWindow:  cfg.TriageDedupeWindow(),
		RatePerSecond: cfg.TriageRatePerSecond,
		Extractor:     extractor,
		OnPersist: func(owner string) {
			if orch != nil {
				orch.InvalidateOwner(owner)
			}
		},
	}, logger.WithPrefix(cfg.ServerName+"/triage"))
	if err != nil {
		return err
	}
	defer queue.Close()

	monitor := pressure.NewMonitor(
		pressure.RuntimeSampler{Limit: cfg.MemoryLimitBytes},
		pressure.Budgets{
			PlanCacheBytes:      cfg.PlanCacheBytes,
			NarrativeCacheBytes: cfg.NarrativeCacheBytes,
			SessionIndexBytes:   cfg.SessionIndexBytes,
		},
		pressure.Thresholds{
			Elevated:     cfg.PressureElevated,
			Critical:     cfg.PressureCritical,
			BudgetFactor: cfg.PressureBudgetFactor,
		},
		logger,
	)

	orch = orchestrator.New(orchestrator.SettingsFromConfig(cfg), orchestrator.Deps{
		Planner:    planner,
		Vectors:    svc,
		Graph:      svc,
		Embedder:   svc,
		Completer:  completer,
		Documents:  svc,
		Recent:     svc,
		Narratives: svc,
		Triage:     queue,
		Pressure:   monitor,
	}, logger)
	defer orch.Close()

	queue.Start(ctx)
	go ttl.Start(ctx, logger, cfg.SweepInterval(),
		ttl.Job{Name: "pressure", Sweeper: monitor, Quiet: true},
		ttl.Job{Name: "engine", Sweeper: orch},
		ttl.Job{Name: "request-logs", Sweeper: ttl.SweepFunc(func(ctx context.Context) (int64, error) {
			return st.Prune(ctx, time.Now().Add(-cfg.RequestLogKeep()))
		})},
		ttl.Job{Name: "snapshot", Quiet: true, Sweeper: ttl.SweepFunc(func(ctx context.Context) (int64, error) {
			payload, err := json.Marshal(orch.Stats())
			if err != nil {
				return 0, err
			}
			return 1, st.SaveSnapshot(ctx, payload, time.Now())
		})},
	)

	server := mcp.NewServer(orch, svc, mcp.Info{Name: cfg.ServerName, Version: version}, logger, st)
	logger.Info("starting MCP stdio server", "db", cfg.DBPath, "vectors", cfg.VectorDBPath, "embeddings", cfg.EmbeddingProvider)
	if err := server.Serve(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func runAdmin(args []string) error {
	cfg, err := loadConfig("admin", args)
	if err != nil {
		return err
	}

	logger := log.New(os.Stderr)
	st, err := store.OpenSQLite(context.Background(), cfg.DBPath, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return admin.Run(ctx, st, cfg.ServerName)
}

func setLogLevel(logger *log.Logger, level string) {
	switch level {
	case "debug":
		logger.SetLevel(log.DebugLevel)
	case "warn":
		logger.SetLevel(log.WarnLevel)
	case "error":
		logger.SetLevel(log.ErrorLevel)
	default:
		logger.SetLevel(log.InfoLevel)
	}
}

func usage() {
	fmt.Print(`context-engine

Usage:
  context-engine serve [--config path]
  context-engine admin [--config path]
  context-engine version
`)
}
