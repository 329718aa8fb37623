package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"log"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/rewired-gh/tradesync/internal/broker"
	"github.com/rewired-gh/tradesync/internal/config"
	"github.com/rewired-gh/tradesync/internal/extractor"
	"github.com/rewired-gh/tradesync/internal/ingest"
	"github.com/rewired-gh/tradesync/internal/insights"
	"github.com/rewired-gh/tradesync/internal/kafka"
	"github.com/rewired-gh/tradesync/internal/ledger"
	"github.com/rewired-gh/tradesync/internal/logger"
	"github.com/rewired-gh/tradesync/internal/market"
	"github.com/rewired-gh/tradesync/internal/realtime"
	"github.com/rewired-gh/tradesync/internal/server"
	"github.com/rewired-gh/tradesync/internal/storage"
	"github.com/rewired-gh/tradesync/internal/telegram"
)

var (
	configPath = flag.String("config", "configs/config.yaml", "Path to configuration file")
	envPath    = flag.String("env", ".env", "Path to an optional dotenv file")
)

func main() {
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("Failed to load %s: %v", *envPath, err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("Configuration loaded from %s", *configPath)

	posts, err := storage.Open(cfg.Storage.Backend, cfg.Storage.PostsDir, cfg.Storage.DBPath)
	if err != nil {
		logger.Fatal("Failed to initialize post store: %v", err)
	}
	defer func() {
		if err := posts.Close(); err != nil {
			logger.Error("Failed to close post store: %v", err)
		}
	}()

	tradeLog, err := storage.OpenTradeLog(cfg.Storage.LedgerPath)
	if err != nil {
		logger.Fatal("Failed to open trade ledger: %v", err)
	}
	defer func() {
		if err := tradeLog.Close(); err != nil {
			logger.Error("Failed to close trade ledger: %v", err)
		}
	}()

	hub := realtime.NewHub(cfg.Realtime.QueueSize)
	defer hub.Close()
	var publisher realtime.Publisher = hub
	if cfg.Kafka.Enabled {
		mirror, err := kafka.NewMirror(cfg.Kafka.Brokers, cfg.Kafka.TopicPrefix, "tradesync")
		if err != nil {
			logger.Fatal("Failed to initialize Kafka mirror: %v", err)
		}
		defer func() {
			if err := mirror.Close(); err != nil {
				logger.Error("Failed to close Kafka mirror: %v", err)
			}
		}()
		publisher = realtime.Tee{hub, mirror}
		logger.Info("Mirroring events to Kafka (%v, prefix %s)", cfg.Kafka.Brokers, cfg.Kafka.TopicPrefix)
	}

	var telegramClient *telegram.Client
	if cfg.Telegram.Enabled {
		telegramClient, err = telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelayBase)
		if err != nil {
			logger.Fatal("Failed to initialize Telegram client: %v", err)
		}
		logger.Info("Telegram client initialized successfully")
	} else {
		logger.Debug("Telegram notifications disabled")
	}

	sim := market.New(market.SeedsFromMap(cfg.Market.Universe), publisher, market.Options{
		Interval: cfg.Market.Interval,
	})

	var upstream broker.Broker
	if cfg.Broker.APIKey != "" && cfg.Broker.SecretKey != "" {
		upstream = broker.NewAlpacaClient(broker.ClientConfig{
			TradingURL: cfg.Broker.TradingURL,
			DataURL:    cfg.Broker.DataURL,
			APIKey:     cfg.Broker.APIKey,
			SecretKey:  cfg.Broker.SecretKey,
			Timeout:    cfg.Broker.Timeout,
			MaxRetries: cfg.Broker.MaxRetries,
		})
	} else {
		logger.Warn("No brokerage credentials; serving demo account data and rejecting stock orders")
	}
	brokerage := broker.NewFallback(upstream, sim)

	ledgerOpts := ledger.Options{OrderTimeout: cfg.Broker.OrderTimeout}
	if telegramClient != nil {
		ledgerOpts.Notifier = telegramClient
	}
	trades := ledger.New(tradeLog, sim, brokerage, publisher, ledgerOpts)
	if err := trades.Load(); err != nil {
		logger.Fatal("Failed to load trade ledger: %v", err)
	}

	if cfg.Extractor.APIKey == "" {
		logger.Warn("No language model API key; posts will be stored without insights")
	}
	ex := extractor.New(
		extractor.NewOpenAICompleter(cfg.Extractor.APIKey, cfg.Extractor.BaseURL, cfg.Extractor.Model, cfg.Extractor.Temperature),
		extractor.Options{
			Timeout:     cfg.Extractor.Timeout,
			MaxRetries:  cfg.Extractor.MaxRetries,
			Concurrency: cfg.Extractor.Concurrency,
		},
	)

	ingestOpts := ingest.Options{
		QueueSize:        cfg.Ingest.QueueSize,
		Workers:          cfg.Ingest.Workers,
		RecoverySchedule: cfg.Ingest.RecoverySchedule,
	}
	if telegramClient != nil {
		ingestOpts.Alerter = telegramClient
	}
	gateway := ingest.New(posts, ex, publisher, ingestOpts)
	feed := insights.New(posts)

	ws := realtime.NewHandler(hub, server.Snapshots(sim, trades, feed), trades, realtime.HandlerOptions{
		WriteTimeout:   cfg.Realtime.WriteTimeout,
		PingInterval:   cfg.Realtime.PingInterval,
		OriginPatterns: cfg.Server.AllowedOrigins,
	})
	srv := server.New(server.Config{
		Addr:            cfg.Server.Addr,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		MaxBodyBytes:    cfg.Server.MaxBodyBytes,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
	}, server.Deps{
		Ingest:   gateway,
		Insights: feed,
		Ledger:   trades,
		Market:   sim,
		Broker:   brokerage,
		Realtime: ws,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if telegramClient != nil {
		telegramClient.SetTradeLister(trades)
		telegramClient.ListenForCommands(ctx)
	}

	logger.Info("Starting tradesync (addr: %s, symbols: %d, storage: %s, workers: %d)",
		cfg.Server.Addr, len(cfg.Market.Universe), cfg.Storage.Backend, cfg.Ingest.Workers)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return sim.Run(gctx) })
	g.Go(func() error { return gateway.Run(gctx) })

	if err := g.Wait(); err != nil {
		logger.Error("Service stopped with error: %v", err)
		return
	}
	logger.Info("Service stopped")
}
