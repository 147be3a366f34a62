// Copyright 2025 James Ross
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/jross/workitem-queue/internal/adapter"
	_ "github.com/jross/workitem-queue/internal/adapter/docdbstore"
	_ "github.com/jross/workitem-queue/internal/adapter/redisstore"
	_ "github.com/jross/workitem-queue/internal/adapter/sqlitestore"
	"github.com/jross/workitem-queue/internal/config"
	"github.com/jross/workitem-queue/internal/obs"
	"github.com/jross/workitem-queue/internal/reaper"
	"github.com/jross/workitem-queue/internal/retry"
	"github.com/jross/workitem-queue/internal/workitem"
)

var version = "dev"

func main() {
	var configPath string
	var cmd string
	var payloadFile string
	var parentID string
	var callID string
	var itemID string
	var releaseState string
	var excType, excCode, excMessage string
	var orphanMinutes int
	var showVersion bool

	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/config.yaml", "path to YAML config")
	fs.StringVar(&cmd, "cmd", "", "command: seed|reserve|release|recover|sweep")
	fs.StringVar(&payloadFile, "payload", "", "path to a JSON file to seed as the payload")
	fs.StringVar(&parentID, "parent", "", "parent work item id")
	fs.StringVar(&callID, "callid", "", "dedup call id for seed")
	fs.StringVar(&itemID, "id", "", "work item id for release")
	fs.StringVar(&releaseState, "state", "", "release state: COMPLETED|FAILED")
	fs.StringVar(&excType, "exc-type", "", "exception type when releasing as FAILED")
	fs.StringVar(&excCode, "exc-code", "", "exception code when releasing as FAILED")
	fs.StringVar(&excMessage, "exc-message", "", "exception message when releasing as FAILED")
	fs.IntVar(&orphanMinutes, "timeout-minutes", 0, "orphan recovery timeout override (0 = use config)")
	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	a, err := adapter.Build(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to build adapter", obs.Err(err))
	}
	defer a.Close()

	// The embedded backend has no network hop to guard; redis and docdb do.
	if cfg.Adapter == config.AdapterRedis || cfg.Adapter == config.AdapterDocDB {
		a = retry.Guard(a, cfg)
	}

	switch cmd {
	case "seed":
		runSeed(ctx, a, logger, payloadFile, parentID, callID)
	case "reserve":
		runReserve(ctx, a, logger)
	case "release":
		runRelease(ctx, a, logger, itemID, releaseState, excType, excCode, excMessage)
	case "recover":
		runRecover(ctx, a, logger, cfg, orphanMinutes)
	case "sweep":
		runSweep(ctx, a, logger, cfg)
	default:
		fmt.Fprintf(os.Stderr, "unknown -cmd %q: want seed|reserve|release|recover|sweep\n", cmd)
		os.Exit(1)
	}
}

func runSeed(ctx context.Context, a adapter.Adapter, logger *zap.Logger, payloadFile, parentID, callID string) {
	var payload interface{}
	if payloadFile != "" {
		raw, err := os.ReadFile(payloadFile)
		if err != nil {
			logger.Fatal("read payload file", obs.Err(err))
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			logger.Fatal("parse payload json", obs.Err(err))
		}
	}
	id, err := a.SeedInput(ctx, payload, parentID, nil, callID)
	if err != nil {
		logger.Fatal("seed_input failed", obs.Err(err))
	}
	fmt.Println(id)
}

func runReserve(ctx context.Context, a adapter.Adapter, logger *zap.Logger) {
	id, err := a.ReserveInput(ctx)
	if err != nil {
		logger.Fatal("reserve_input failed", obs.Err(err))
	}
	fmt.Println(id)
}

func runRelease(ctx context.Context, a adapter.Adapter, logger *zap.Logger, id, state, excType, excCode, excMessage string) {
	if id == "" || state == "" {
		logger.Fatal("release requires -id and -state")
	}
	var exc *workitem.Exception
	if workitem.State(state) == workitem.Failed {
		exc = &workitem.Exception{Type: excType, Code: excCode, Message: excMessage}
	}
	if err := a.ReleaseInput(ctx, id, workitem.State(state), exc); err != nil {
		logger.Fatal("release_input failed", obs.Err(err))
	}
}

func runRecover(ctx context.Context, a adapter.Adapter, logger *zap.Logger, cfg *config.Config, minutesOverride int) {
	timeout := cfg.OrphanTimeout
	if minutesOverride > 0 {
		timeout = time.Duration(minutesOverride) * time.Minute
	}
	ids, err := a.RecoverOrphanedWorkItems(ctx, timeout)
	if err != nil {
		logger.Fatal("recover_orphaned_work_items failed", obs.Err(err))
	}
	b, _ := json.MarshalIndent(ids, "", "  ")
	fmt.Println(string(b))
}

func runSweep(ctx context.Context, a adapter.Adapter, logger *zap.Logger, cfg *config.Config) {
	srv := obs.StartMetricsServer(cfg)
	defer srv.Shutdown(context.Background())

	sweeper := reaper.New(a, cfg.OrphanTimeout, logger, cfg.Adapter, cfg.QueueName)
	logger.Info("starting orphan sweeper", obs.String("queue", cfg.QueueName))
	sweeper.Run(ctx)
}
