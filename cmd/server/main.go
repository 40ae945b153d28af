package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/exchangecore/spotex/internal/config"
	"github.com/exchangecore/spotex/internal/events"
	"github.com/exchangecore/spotex/internal/ids"
	"github.com/exchangecore/spotex/internal/ledger"
	"github.com/exchangecore/spotex/internal/matching"
	"github.com/exchangecore/spotex/internal/metrics"
	"github.com/exchangecore/spotex/internal/orders"
	"github.com/exchangecore/spotex/internal/queue"
	"github.com/exchangecore/spotex/internal/recovery"
	"github.com/exchangecore/spotex/internal/store"
	"github.com/exchangecore/spotex/internal/storesync"
	"github.com/exchangecore/spotex/internal/trades"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	appName    = "spotex"
	appVersion = "v1.0.0"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to configuration directory")
		version    = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *version {
		fmt.Printf("%s %s\n", appName, appVersion)
		os.Exit(0)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := config.InitLogger(cfg)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	db, err := store.Connect(cfg, logger)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	st := store.New(db)
	if err := st.AutoMigrate(); err != nil {
		logger.Fatal("failed to run database migrations", zap.Error(err))
	}

	collector := metrics.New()

	q := queue.New(cfg.EventQueueDepth, logger)
	q.SetMetrics(collector)
	lg := ledger.New(q, logger)
	om := orders.New(q, logger)
	alloc := ids.New()

	hub := events.NewHub(events.Config{
		EventQueueDepth:  cfg.EventQueueDepth,
		PublishRateLimit: rate.Limit(1000),
		PublishBurst:     200,
	}, logger)
	hub.SetMetrics(collector)
	if b := events.NewBroker(cfg, logger); b != nil {
		if err := b.Connect(); err != nil {
			logger.Fatal("failed to connect event broker", zap.Error(err))
		}
		defer b.Disconnect()
		if err := hub.AttachBroker(b); err != nil {
			logger.Fatal("failed to attach event broker", zap.Error(err))
		}
	}
	facade := events.NewEngineFacade(hub)

	engineCfg := matching.Config{
		DefaultFeeRate:            cfg.DefaultFeeRate,
		MarketBuyCollateralMargin: cfg.MarketBuyCollateralMargin,
		MarketMakerUserID:         cfg.MarketMakerUserID,
		HasMarketMaker:            cfg.HasMarketMaker,
	}
	tradeIdx := trades.New()
	engine := matching.New(engineCfg, lg, om, alloc, q, tradeIdx, facade, logger)
	engine.SetMetrics(collector)
	facade.SetBookProvider(engine)

	pool, err := ants.NewPool(4)
	if err != nil {
		logger.Fatal("failed to create store-sync worker pool", zap.Error(err))
	}
	defer pool.Release()

	syncer := storesync.New(storesync.Config{
		FlushInterval: time.Duration(cfg.FlushIntervalMs) * time.Millisecond,
		BatchSize:     cfg.BatchSize,
	}, q, om, lg, st, pool, logger)
	syncer.SetMetrics(collector)

	loader := recovery.New(st, engine, lg, om, alloc, logger)
	if err := loader.Run(); err != nil {
		logger.Fatal("failed to recover state from durable store", zap.Error(err))
	}
	<-loader.Ready()
	logger.Info("recovery complete, accepting submissions")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	syncDone := make(chan struct{})
	go func() {
		syncer.Run(ctx)
		close(syncDone)
	}()

	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Monitoring.PrometheusPort),
		Handler: collector.Handler(),
	}
	go func() {
		logger.Info("starting metrics server", zap.String("addr", metricsServer.Addr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server forced to shutdown", zap.Error(err))
	}

	// Stop accepting new work, let the in-flight store-sync loop perform
	// one final flush against current state, then exit.
	cancel()
	<-syncDone

	logger.Info("shutdown complete")
}
