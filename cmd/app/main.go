package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"trade_core/internal/api"
	"trade_core/internal/app"
	"trade_core/internal/execution"
	"trade_core/internal/feed"
	"trade_core/internal/hub"
	"trade_core/internal/infra"
	"trade_core/internal/risk"
	"trade_core/internal/service"
	"trade_core/internal/settlement"

	_ "net/http/pprof" // For pprof profiling
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML config file")
	pprofAddr := flag.String("pprof", "localhost:6060", "pprof listen address, empty to disable")
	flag.Parse()

	// 1. Pprof Server (for performance profiling)
	if *pprofAddr != "" {
		go func() {
			// Localhost only for security
			slog.Info("🕵️ Pprof server started", slog.String("addr", *pprofAddr))
			if err := http.ListenAndServe(*pprofAddr, nil); err != nil {
				slog.Error("Pprof server failed", slog.Any("error", err))
			}
		}()
	}

	// 2. System Bootstrapping
	bootstrap := app.NewBootstrap()
	if err := bootstrap.Initialize(*configPath); err != nil {
		slog.Error("❌ Bootstrapping failed", slog.Any("error", err))
		os.Exit(1)
	}

	if err := run(bootstrap); err != nil {
		slog.Error("❌ Trade Core stopped with error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(bootstrap *app.Bootstrap) error {
	cfg := bootstrap.Config
	logger := bootstrap.Logger
	store := bootstrap.Storage
	metrics := bootstrap.Metrics
	defer func() {
		if err := bootstrap.Close(); err != nil {
			logger.Error("Storage close failed", slog.Any("error", err))
		}
	}()

	// 3. Graceful Shutdown Context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 4. Catalog & Accounts
	if err := bootstrap.SyncCatalog(ctx); err != nil {
		return err
	}
	if err := bootstrap.SeedAccounts(ctx); err != nil {
		return err
	}

	// 5. Subscription Hub
	h := hub.New(hub.Config{
		QueueSize:    cfg.Hub.QueueSize,
		WriteTimeout: cfg.HubWriteTimeout(),
		PingInterval: cfg.HubPingInterval(),
		PongWait:     cfg.HubPongWait(),
	}, logger, metrics)
	defer h.Close()

	// 6. Price Service
	prices := service.NewPriceService(cfg.BarInterval(), store, logger)
	prices.StartTickerProcessor(ctx)

	// 7. Settlement Pipeline
	venue := execution.NewPaperExecution(0, prices)
	defer venue.Close()

	pipeline := settlement.New(settlement.Config{
		Delay:         cfg.SettlementDelay(),
		MaxConcurrent: cfg.Settlement.MaxConcurrent,
		StoreRetries:  cfg.Settlement.StoreRetries,
	}, store, venue, h, logger)
	pipeline.OnResult(func(r settlement.Result) {
		metrics.RecordSettlement(string(r.Outcome), r.Duration)
	})
	pipeline.Start(ctx)
	defer pipeline.Close()
	resumed, err := pipeline.Resume(ctx, store)
	if err != nil {
		return err
	}
	slog.InfoContext(ctx, "✅ Settlement pipeline started", slog.Int("resumed", resumed))

	// 8. Order Service
	mode, err := risk.ParseFallbackMode(cfg.Risk.PriceFallback)
	if err != nil {
		return err
	}
	orders := service.NewOrderService(service.Dependencies{
		Orders:   store,
		Accounts: store,
		Gate: risk.NewGate(risk.Limits{
			MaxOrderValue:     cfg.Risk.MaxOrderValue,
			MaxDailyOrders:    cfg.Risk.MaxDailyOrders,
			MaxPositionSize:   cfg.Risk.MaxPositionSize,
			MinAccountBalance: cfg.Risk.MinAccountBalance,
			MaxLeverage:       cfg.Risk.MaxLeverage,
		}),
		Prices:    risk.NewPriceResolver(prices, mode, cfg.Risk.DefaultPrice, logger),
		Scheduler: pipeline,
		Catalog:   store,
		Venue:     venue,
		Notifier:  h,
		Market:    prices,
		Recorder:  metrics,
	}, logger)

	// 9. Market Feed
	source, err := app.NewPriceSource(cfg, logger)
	if err != nil {
		return err
	}
	if err := source.Start(ctx); err != nil {
		slog.Error("Failed to connect price stream", slog.Any("error", err))
	}
	defer source.Stop()

	marketFeed := feed.New(feed.Config{
		Interval:      cfg.FeedInterval(),
		MaxConcurrent: cfg.Feed.MaxConcurrent,
		Symbols:       cfg.InstrumentSymbols(),
		MaxBackoff:    cfg.FeedMaxBackoff(),
	}, source, h, logger, metrics)
	marketFeed.OnTick(prices.Publish)
	slog.InfoContext(ctx, "✅ Market feed ready", slog.String("source", cfg.Feed.Source))

	var quoteWebhook http.Handler
	if cfg.Feed.WebhookSecret != "" {
		wh := feed.NewWebhookHandler(feed.NewSigner(cfg.Feed.WebhookSecret), h, logger, metrics)
		wh.OnTick(prices.Publish)
		quoteWebhook = wh
		slog.InfoContext(ctx, "✅ Quote webhook enabled")
	}

	// 10. HTTP / WebSocket API
	identity, err := app.NewIdentityResolver(cfg)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		infra.NewCollector(metrics),
	)

	server := api.NewServer(api.Options{
		Orders:         orders,
		Identity:       identity,
		Hub:            h,
		Markets:        store,
		Snapshots:      prices,
		Health:         store,
		Metrics:        promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		QuoteWebhook:   quoteWebhook,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx, cfg.Server.Addr, cfg.ShutdownTimeout())
	})
	g.Go(func() error {
		return marketFeed.Run(gctx)
	})
	g.Go(func() error {
		return prices.RunBarFlusher(gctx)
	})

	slog.InfoContext(ctx, "✨ Trade Core fully operational. Press Ctrl+C to exit.", slog.String("addr", cfg.Server.Addr))

	err = g.Wait()
	slog.Info("👋 Shutting down gracefully...")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
