// Package main runs the transfer indexer: one realtime sync loop per enabled
// chain, the job queue workers, and the admin API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/transfer-indexer/internal/adapter"
	"github.com/transfer-indexer/internal/api"
	"github.com/transfer-indexer/internal/config"
	"github.com/transfer-indexer/internal/events"
	"github.com/transfer-indexer/internal/eventsync"
	"github.com/transfer-indexer/internal/job"
	"github.com/transfer-indexer/internal/ledger"
	"github.com/transfer-indexer/internal/logging"
	"github.com/transfer-indexer/internal/notify"
	"github.com/transfer-indexer/internal/ratelimit"
	"github.com/transfer-indexer/internal/reorg"
	"github.com/transfer-indexer/internal/service"
	"github.com/transfer-indexer/internal/storage"
	"github.com/transfer-indexer/internal/worker"
)

const cacheTTL = 10 * time.Minute

func main() {
	fmt.Println("Transfer Indexer Worker")
	log.Println("Worker starting...")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log.Println("Connecting to databases...")

	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		log.Fatalf("Failed to connect to Postgres: %v", err)
	}
	defer postgres.Close()

	redis, err := storage.NewRedisCache(&cfg.Database.Redis)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redis.Close()

	health := map[string]api.Pinger{"postgres": postgres, "redis": redis}

	// The ClickHouse copy of the ledger is optional
	var mirror ledger.Mirror
	if cfg.Database.ClickHouse.Enabled {
		clickhouse, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
		if err != nil {
			log.Fatalf("Failed to connect to ClickHouse: %v", err)
		}
		defer clickhouse.Close()

		if err := storage.RunClickHouseMigrations(ctx, clickhouse, "migrations/clickhouse"); err != nil {
			log.Fatalf("ClickHouse migrations failed: %v", err)
		}
		mirror = storage.NewActivityMirror(clickhouse)
		health["clickhouse"] = clickhouse
		log.Println("ClickHouse mirror enabled")
	}

	log.Println("Database connections established")

	cacheSvc := storage.NewCacheService(redis, cacheTTL)

	blockRepo := storage.NewBlockRepository(postgres, cfg.Ledger.CascadeTransactions)
	txRepo := storage.NewTransactionRepository(postgres)
	progressRepo := storage.NewSyncProgressRepository(postgres)
	currencyRepo := storage.NewCurrencyRepository(postgres)
	walletRepo := storage.NewWalletRepository(postgres)
	activityRepo := storage.NewUserActivityRepository(postgres)
	balanceRepo := storage.NewBalanceRepository(postgres)
	jobRepo := storage.NewJobRepository(postgres)

	validAssets := storage.NewValidAssetRepository(postgres)
	if err := validAssets.LoadCache(ctx); err != nil {
		log.Fatalf("Failed to load valid assets: %v", err)
	}
	go validAssets.RefreshEvery(ctx, cfg.Ledger.AssetRefresh)

	log.Println("Initializing chain clients...")
	clients := make(map[int64]adapter.ChainClient, len(cfg.Chains.Enabled))
	for _, chainID := range cfg.Chains.Enabled {
		chainCfg := cfg.Chains.Chains[chainID]

		limiter, err := ratelimit.NewLimiter(ratelimit.Config{
			ChainID:           chainID,
			RequestsPerSecond: chainCfg.RequestsPerSecond,
			BackfillPct:       chainCfg.BackfillRequestsPct,
		})
		if err != nil {
			log.Fatalf("Invalid rate limit for chain %d: %v", chainID, err)
		}

		provider, err := adapter.NewRPCProvider(chainID, chainCfg.RPCPrimary, chainCfg.RPCSecondary, nil)
		if err != nil {
			log.Fatalf("Failed to create provider for chain %d: %v", chainID, err)
		}
		defer provider.Close()

		clients[chainID] = adapter.NewEthereumClient(chainID, provider, limiter)
		log.Printf("Chain client initialized: %d", chainID)
	}

	chainData := service.NewChainData(clients, blockRepo, txRepo)
	tracker := service.NewWalletTracker(walletRepo, cacheSvc, service.DefaultWalletTrackerConfig())
	currencies := service.NewCurrencyService(clients, currencyRepo, cacheSvc)

	writer := ledger.NewWriter(postgres, validAssets, mirror, ledger.Config{
		RetryAttempts:       cfg.Ledger.RetryAttempts,
		RetryDelay:          cfg.Ledger.RetryDelay,
		BufferMaxRows:       cfg.Ledger.BufferMaxRows,
		BufferFlushInterval: cfg.Ledger.BufferFlushInterval,
	})
	writer.Start(ctx)

	queue := job.NewQueue(jobRepo, queueSettings(cfg.Queue), cfg.Queue.PollInterval)
	queue.KeepCompleted(cfg.Queue.CompletedRetention, cfg.Queue.PruneInterval)
	checker := reorg.NewChecker(clients, blockRepo, writer, activityRepo, queue)

	syncers := make([]*eventsync.Syncer, 0, len(clients))
	for _, chainID := range cfg.Chains.Enabled {
		chainCfg := cfg.Chains.Chains[chainID]
		syncers = append(syncers, eventsync.NewSyncer(eventsync.Config{
			ChainID:             chainID,
			MaxBlockLag:         chainCfg.MaxBlockLag,
			SafetyMargin:        chainCfg.SafetyMargin,
			EnableReorgCheck:    chainCfg.EnableReorgCheck,
			ReorgCheckDelays:    reorg.MinutesToDelays(chainCfg.ReorgCheckMinutes),
			DuplicateDelays:     reorg.DuplicateBlockDelays,
			PrefetchThreshold:   cfg.Sync.PrefetchThreshold,
			PrefetchConcurrency: cfg.Sync.PrefetchConcurrency,
			BackfillChunkSize:   cfg.Sync.BackfillChunkSize,
		}, eventsync.Deps{
			Client:   clients[chainID],
			Registry: events.NewRegistry(chainCfg.WETHAddress),
			Fetcher:  chainData,
			Blocks:   blockRepo,
			Ledger:   writer,
			Assets:   validAssets,
			Progress: progressRepo,
			Queue:    queue,
			Reorg:    checker,
		}))
	}
	scheduler := eventsync.NewScheduler(syncers...)

	webhooks := notify.NewWebhookClient(cfg.Webhook.Timeout, cfg.Webhook.PerHostRPS)
	dispatcher := notify.NewDispatcher(walletRepo, webhooks)
	processor := notify.NewActivityProcessor(activityRepo, tracker, chainData, walletRepo, currencies, queue)
	replayer := notify.NewHistoryReplayer(activityRepo, queue, dispatcher, cfg.Webhook.HistoryPageSize)
	onboarding := service.NewWalletOnboarding(walletRepo, replayer, tracker)

	queue.Register(job.KindBackfillSync, scheduler.HandleJob)
	queue.Register(job.KindBlockCheck, checker.HandleJob)
	queue.Register(job.KindTransferActivity, processor.HandleJob)
	queue.Register(job.KindWebhookDelivery, dispatcher.HandleJob)
	queue.Register(job.KindWalletHistoryBatch, replayer.HandleJob)

	if err := queue.Start(ctx); err != nil {
		log.Fatalf("Failed to start job queue: %v", err)
	}
	log.Println("Job queue started")

	log.Println("Starting sync workers...")
	workers := make([]*worker.SyncWorker, 0, len(syncers))
	for _, s := range syncers {
		syncWorker, err := worker.NewSyncWorker(&worker.SyncWorkerConfig{
			Syncer:       s,
			PollInterval: cfg.Chains.Chains[s.ChainID()].PollInterval,
		})
		if err != nil {
			log.Fatalf("Failed to create sync worker for chain %d: %v", s.ChainID(), err)
		}
		if err := syncWorker.Start(ctx); err != nil {
			log.Fatalf("Failed to start sync worker for chain %d: %v", s.ChainID(), err)
		}
		workers = append(workers, syncWorker)
		log.Printf("Sync worker started for chain %d", s.ChainID())
	}
	log.Printf("All sync workers started successfully (%d chains)", len(workers))

	server := api.NewServer(&api.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    15 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		RateRPS:         cfg.Server.RateRPS,
		RateBurst:       cfg.Server.RateBurst,
	}, api.Deps{
		Wallets:  onboarding,
		Backfill: scheduler,
		Balances: balanceRepo,
		Jobs:     jobRepo,
		Assets:   validAssets,
		Health:   health,
	})
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Admin server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	<-sigCh
	log.Println("Shutdown signal received, stopping workers...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error stopping admin server: %v", err)
	}

	for _, w := range workers {
		status := w.GetStatus()
		log.Printf("Stopping sync worker for chain %d...", status.ChainID)
		if err := w.Stop(shutdownCtx); err != nil {
			log.Printf("Error stopping worker for chain %d: %v", status.ChainID, err)
		} else {
			log.Printf("Sync worker for chain %d stopped (%d rounds, %d failures)", status.ChainID, status.Rounds, status.Failures)
		}
	}

	queue.Stop()
	writer.Stop()
	cancel()

	log.Println("All workers stopped. Goodbye!")
}

// queueSettings applies the configured concurrency to the default queue settings
func queueSettings(qc config.QueueConfig) map[string]job.Settings {
	settings := job.DefaultSettings()
	overrides := map[string]int{
		job.QueueBackfill:        qc.BackfillConcurrency,
		job.QueueBlockCheck:      qc.BlockCheckConcurrency,
		job.QueueActivities:      qc.ActivityConcurrency,
		job.QueueWebhookDelivery: qc.WebhookConcurrency,
		job.QueueWalletHistory:   qc.HistoryConcurrency,
	}
	for name, n := range overrides {
		if n <= 0 {
			continue
		}
		s := settings[name]
		s.Concurrency = n
		settings[name] = s
	}
	return settings
}
