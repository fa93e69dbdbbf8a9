package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"moexbot/internal/alert"
	"moexbot/internal/broker"
	"moexbot/internal/config"
	"moexbot/internal/core"
	"moexbot/internal/engine"
	"moexbot/internal/feed"
	"moexbot/internal/gateway"
	"moexbot/internal/history"
	"moexbot/internal/journal"
	"moexbot/internal/logging"
	"moexbot/internal/risk"
	"moexbot/internal/strategy"
)

var configFile = flag.String("config", "configs/config.yaml", "Path to configuration file")

func main() {
	flag.Parse()
	if env := os.Getenv("CONFIG_FILE"); env != "" {
		*configFile = env
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		logging.New("info").Fatalw("invalid configuration", "error", err)
	}
	log := logging.New(cfg.System.LogLevel)
	defer log.Sync()

	log.Infow("starting moexbot",
		"symbols", cfg.Trading.Symbols, "dry_run", cfg.Trading.DryRun)

	// Metrics endpoint.
	if cfg.System.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: cfg.System.MetricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Errorw("metrics server failed", "error", err)
			}
		}()
		defer srv.Close()
	}

	// Execution journal.
	jrnl, err := journal.NewFileJournal(cfg.Journal.Path,
		journal.WithFlushThreshold(cfg.Journal.FlushThreshold))
	if err != nil {
		log.Fatalw("journal init failed", "error", err)
	}

	// Alerts.
	alerts := alert.NewDispatcher(log)
	if cfg.Alert.TelegramToken != "" {
		alerts.AddChannel(alert.NewTelegramChannel(cfg.Alert.TelegramToken, cfg.Alert.TelegramChatID))
	}
	defer alerts.Close()

	// Price feed: history store, optional stream and REST sources.
	store := history.NewCSVStore(cfg.Feed.HistoryDir, log)
	var (
		stream   *feed.StreamListener
		feedOpts = []feed.Option{
			feed.WithCacheTTL(time.Duration(cfg.Feed.CacheTTLSeconds * float64(time.Second))),
			feed.WithHistoryCacheTTL(time.Duration(cfg.Feed.HistoryTTLMinutes * float64(time.Minute))),
			feed.WithHistoryWindow(cfg.Trading.Interval, cfg.Trading.HistoryDays),
		}
	)
	if cfg.Feed.StreamURL != "" {
		stream = feed.NewStreamListener(cfg.Feed.StreamURL, cfg.Trading.Symbols, cfg.Feed.BufferSize, log,
			feed.WithStaleAfter(cfg.StreamStaleAfter()))
		feedOpts = append(feedOpts, feed.WithStream(stream))
	}
	if cfg.Feed.RestURL != "" {
		rest := feed.NewRestQuoteClient(cfg.Feed.RestURL,
			time.Duration(cfg.Feed.RestTimeoutSec)*time.Second, log)
		feedOpts = append(feedOpts, feed.WithRest(rest))
	}
	prices := feed.NewPriceCache(store, log, feedOpts...)

	// Risk controller and monitor.
	ctrl, err := risk.NewController(log, cfg.RiskLimits(),
		decimal.NewFromFloat(cfg.Trading.InitialEquity),
		risk.WithJournal(jrnl), risk.WithNotifier(alerts))
	if err != nil {
		log.Fatalw("risk controller init failed", "error", err)
	}

	// Broker and gateway. Dry-run swaps in the virtual client.
	var client core.BrokerClient = broker.NewVirtualClient(log)
	if !cfg.Trading.DryRun {
		log.Fatal("live broker client is not configured, set trading.dry_run: true")
	}
	gw := gateway.New(log, client,
		gateway.WithJournal(jrnl),
		gateway.WithMaxRetries(cfg.Gateway.MaxRetries),
		gateway.WithSlippageBps(decimal.NewFromFloat(cfg.Gateway.SlippageBps)),
		gateway.WithRateLimit(cfg.Gateway.RatePerSecond, cfg.Gateway.RateBurst),
		gateway.WithAttemptTimeout(time.Duration(cfg.Gateway.AttemptTimeoutSec)*time.Second))

	eng := engine.New(engine.Params{
		Log:           log,
		Prices:        prices,
		Stream:        stream,
		Controller:    ctrl,
		Gateway:       gw,
		Journal:       jrnl,
		Notifier:      alerts,
		Strategies:    strategy.Defaults(),
		Symbols:       cfg.Trading.Symbols,
		Interval:      cfg.Trading.Interval,
		HistoryDays:   cfg.Trading.HistoryDays,
		CycleInterval: cfg.CycleInterval(),
		PriceWait:     cfg.PriceWait(),
		InitialCash:   decimal.NewFromFloat(cfg.Trading.InitialEquity),
		ReportDir:     cfg.System.ReportDir,
		CancelOnExit:  cfg.Trading.CancelOnExit,
	})
	monitor := risk.NewMonitor(log, ctrl, eng.ForceExit,
		risk.WithInterval(cfg.MonitorInterval()))
	eng.SetMonitor(monitor)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Start(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Infow("shutting down", "signal", sig)

	cancel()
	eng.Stop()
	log.Info("moexbot stopped")
}
