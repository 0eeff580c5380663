// Command earshotd runs the transcript pipeline daemon: scheduler, worker
// pools, research coordinator, and the HTTP admin API.
//
// Exit codes: 0 clean shutdown, 1 fatal configuration error, 2 store
// migration failure.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"earshot/internal/analysis"
	"earshot/internal/config"
	"earshot/internal/contentstore"
	"earshot/internal/daemon"
	"earshot/internal/email"
	"earshot/internal/fetcher"
	"earshot/internal/llm"
	"earshot/internal/logging"
	"earshot/internal/oracle"
	"earshot/internal/queue"
	"earshot/internal/research"
	"earshot/internal/scheduler"
	"earshot/internal/store"
	"earshot/internal/workflow"
)

const (
	exitOK             = 0
	exitConfigError    = 1
	exitMigrationError = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := ""
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, _, _, err := config.Load(configPath)
	if err != nil {
		log.Printf("load config: %v", err)
		return exitConfigError
	}
	if err := cfg.EnsureDirectories(); err != nil {
		log.Printf("ensure directories: %v", err)
		return exitConfigError
	}

	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		log.Printf("init logger: %v", err)
		return exitConfigError
	}

	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		logger.Error("open state store", logging.Error(err))
		return exitMigrationError
	}
	defer st.Close()

	content, err := contentstore.New(cfg.Paths.ContentDir)
	if err != nil {
		logger.Error("open content store", logging.Error(err))
		return exitConfigError
	}

	provider, err := llm.New(cfg)
	if err != nil {
		logger.Error("configure llm provider", logging.Error(err))
		return exitConfigError
	}

	broker := queue.NewBroker(st,
		queue.WithMaxAttempts(queue.AnalysisRequest, analysis.MaxAttempts),
	)
	limiter := oracle.NewLimiter(cfg.Oracle.QPS, cfg.Oracle.Burst)
	oracleClient := oracle.NewClient(oracle.Config{
		BaseURL:        cfg.Oracle.BaseURL,
		APIKey:         cfg.Oracle.APIKey,
		TimeoutSeconds: cfg.Oracle.TimeoutSeconds,
	}, limiter)

	manager := workflow.NewManager(cfg, st, broker, logger, workflow.Deps{
		Scheduler:   scheduler.New(cfg, st, broker, logger),
		Fetcher:     fetcher.New(st, broker, oracleClient, logger),
		Analyzer:    analysis.New(cfg, st, broker, content, oracleClient, provider, logger),
		EmailWorker: email.NewWorker(cfg, st, email.NewSMTPSender(cfg.Email), logger),
		Coordinator: research.New(cfg, st, broker, provider, logger),
	})

	d, err := daemon.New(cfg, st, broker, logger, manager)
	if err != nil {
		logger.Error("create daemon", logging.Error(err))
		return exitConfigError
	}
	defer d.Close()

	if err := d.Start(ctx); err != nil {
		logger.Error("start daemon", logging.Error(err))
		fmt.Fprintln(os.Stderr, err)
		return exitConfigError
	}

	<-ctx.Done()
	logger.Info("earshotd shutting down")
	d.Stop()
	return exitOK
}
