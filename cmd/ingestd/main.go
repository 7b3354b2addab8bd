package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"news_ingest/internal/config"
	"news_ingest/internal/coordinator"
	"news_ingest/internal/dedup"
	"news_ingest/internal/delivery"
	"news_ingest/internal/normalize"
	"news_ingest/internal/publisher"
	"news_ingest/internal/scheduler"
	"news_ingest/internal/source"
	"news_ingest/internal/source/feed"
	"news_ingest/internal/source/newsapi"
	"news_ingest/internal/storage/postgres"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	runJob := flag.String("run-job", "", "trigger one job immediately and exit")
	flag.Parse()

	logger := setupLogger("info")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = setupLogger(cfg.LogLevel)

	db, err := sqlx.Connect("postgres", cfg.Database.DSN())
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	var pub coordinator.Publisher
	if cfg.RabbitMQ.Enabled {
		rabbitMQ, err := publisher.NewRabbitMQ(publisher.Config{
			URL:        cfg.RabbitMQ.URL,
			Exchange:   cfg.RabbitMQ.Exchange,
			RoutingKey: cfg.RabbitMQ.RoutingKey,
			QueueName:  cfg.RabbitMQ.QueueName,
		}, logger)
		if err != nil {
			logger.Error("failed to connect to rabbitmq", "error", err)
			os.Exit(1)
		}
		defer rabbitMQ.Close()
		pub = rabbitMQ
	}

	dedupIndex := postgres.NewDedupIndexStore(db)
	runStore := postgres.NewRunStore(db)
	txManager := postgres.NewTransactionManager(db)

	deliverer := delivery.NewClient(delivery.Config{
		EndpointURL: cfg.Delivery.EndpointURL,
		APIKey:      os.Getenv(cfg.Delivery.APIKeyEnv),
		Timeout:     cfg.Delivery.Timeout,
		MaxAttempts: cfg.Delivery.MaxAttempts,
		BaseBackoff: cfg.Delivery.BaseBackoff,
		MaxBackoff:  cfg.Delivery.MaxBackoff,
	}, logger)

	newDeduper := func() coordinator.Deduper {
		return dedup.New(dedupIndex, txManager, cfg.Dedup.TTL, logger)
	}

	coord, err := coordinator.New(
		normalize.New(),
		newDeduper,
		deliverer,
		runStore,
		pub,
		logger,
		coordinator.Config{
			MaxBatchSize:       cfg.Pipeline.MaxBatchSize,
			ConcurrencyCeiling: cfg.Pipeline.ConcurrencyCeiling,
		},
	)
	if err != nil {
		logger.Error("failed to create coordinator", "error", err)
		os.Exit(1)
	}
	defer coord.Close()

	sources, err := buildSources(cfg, logger)
	if err != nil {
		logger.Error("failed to build sources", "error", err)
		os.Exit(1)
	}

	jobs, err := buildJobs(cfg, sources)
	if err != nil {
		logger.Error("failed to build jobs", "error", err)
		os.Exit(1)
	}

	sched, err := scheduler.New(coord, jobs, cfg.Scheduler.TickInterval, cfg.Scheduler.RunTimeout, logger)
	if err != nil {
		logger.Error("failed to create scheduler", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	if *runJob != "" {
		run, err := sched.TriggerNow(ctx, *runJob)
		if err != nil {
			logger.Error("manual run failed", "job", *runJob, "error", err)
			os.Exit(1)
		}
		logger.Info("manual run finished", "job", *runJob, "run_id", run.RunID, "status", run.Status)
		return
	}

	logger.Info("starting news ingestion pipeline",
		"sources", len(sources),
		"jobs", len(jobs),
	)

	if err := sched.Start(ctx); err != nil && err != context.Canceled {
		logger.Error("scheduler error", "error", err)
		os.Exit(1)
	}
}

// buildSources instantiates one adapter per enabled source row. Sources
// sharing an API credential share one daily request budget.
func buildSources(cfg *config.Config, logger *slog.Logger) (map[string]coordinator.Source, error) {
	httpCfg := source.Config{
		Timeout:        cfg.Fetch.Timeout,
		MaxAttempts:    cfg.Fetch.MaxAttempts,
		InitialBackoff: cfg.Fetch.InitialBackoff,
		MaxBackoff:     cfg.Fetch.MaxBackoff,
		UserAgent:      cfg.Fetch.UserAgent,
	}

	sources := make(map[string]coordinator.Source)
	budgets := make(map[string]*newsapi.Budget)

	for _, sc := range cfg.Sources {
		if !sc.Enabled {
			continue
		}

		switch sc.Type {
		case "feed":
			sources[sc.Name] = feed.New(sc.Name, sc.URL, httpCfg, logger)
		case "newsapi":
			apiKey := os.Getenv(sc.APIKeyEnv)
			if apiKey == "" {
				return nil, fmt.Errorf("source %q: credential env %s is empty", sc.Name, sc.APIKeyEnv)
			}
			budget, ok := budgets[sc.APIKeyEnv]
			if !ok {
				budget = newsapi.NewBudget(sc.DailyRequests)
				budgets[sc.APIKeyEnv] = budget
			}
			sources[sc.Name] = newsapi.New(sc.Name, newsapi.Config{
				BaseURL:  sc.URL,
				APIKey:   apiKey,
				PageSize: sc.PageSize,
				MaxPages: sc.MaxPages,
			}, httpCfg, budget, logger)
		}
	}

	return sources, nil
}

func buildJobs(cfg *config.Config, sources map[string]coordinator.Source) ([]scheduler.Job, error) {
	jobs := make([]scheduler.Job, 0, len(cfg.Jobs))
	for _, jc := range cfg.Jobs {
		job := scheduler.Job{
			Name:    jc.Name,
			Cadence: jc.Cadence,
			Enabled: jc.Enabled,
		}
		for _, name := range jc.Sources {
			if src, ok := sources[name]; ok {
				job.Sources = append(job.Sources, src)
			}
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	handler := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(handler)
}
