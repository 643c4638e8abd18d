package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/stratforge/crypto-strategy-engine/internal/api"
	"github.com/stratforge/crypto-strategy-engine/internal/config"
	"github.com/stratforge/crypto-strategy-engine/internal/engine"
	"github.com/stratforge/crypto-strategy-engine/internal/exchange"
	"github.com/stratforge/crypto-strategy-engine/internal/logger"
	"github.com/stratforge/crypto-strategy-engine/internal/monitoring"
	"github.com/stratforge/crypto-strategy-engine/internal/notifications"
	"github.com/stratforge/crypto-strategy-engine/internal/risk"
	"github.com/stratforge/crypto-strategy-engine/internal/safety"
	"github.com/stratforge/crypto-strategy-engine/internal/state"
	"github.com/stratforge/crypto-strategy-engine/pkg/reporting"
)

func main() {
	var (
		configFile = flag.String("config", "engine", "Configuration file (bare names resolve under configs/)")
		envFile    = flag.String("env", ".env", "Environment file path")
		reportDir  = flag.String("report-dir", "", "Write XLSX and CSV reports here on shutdown")
	)
	flag.Parse()

	if err := loadEnvFile(*envFile); err != nil {
		log.Printf("Warning: could not load env file (%v), relying on process environment", err)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logg := logger.New(cfg.Log)

	fmt.Println("🚀 Strategy Engine Starting...")
	console := reporting.NewConsoleReporter(os.Stdout)
	console.PrintStartup(cfg)

	exch, err := buildExchange(cfg)
	if err != nil {
		logg.WithError(err).Fatal("exchange setup failed")
	}
	guarded := exchange.NewGuarded(exch,
		safety.NewGuard("trading", cfg.Safety.Trading.PerSecond, cfg.Safety.Trading.Burst, cfg.Safety.Trading.Breaker()),
		safety.NewGuard("market_data", cfg.Safety.MarketData.PerSecond, cfg.Safety.MarketData.Burst, cfg.Safety.MarketData.Breaker()),
	)

	store, err := buildStore(cfg, logg)
	if err != nil {
		logg.WithError(err).Fatal("state store setup failed")
	}

	notifier := buildNotifier(cfg, logg)
	health := monitoring.NewHealthChecker(cfg.Server.HealthStaleAfter)

	eng, err := engine.New(engine.Options{
		Exchange:    guarded,
		Gate:        risk.NewLimitGate(cfg.Risk),
		Store:       store,
		Notifier:    notifier,
		Log:         logg,
		Recovery:    cfg.Recovery,
		Health:      health,
		WindowSize:  cfg.Engine.WindowSize,
		TickTimeout: cfg.Engine.TickTimeout,
	})
	if err != nil {
		logg.WithError(err).Fatal("engine setup failed")
	}

	if err := registerInstances(eng, cfg, logg); err != nil {
		logg.WithError(err).Fatal("instance registration failed")
	}
	console.PrintInstances(eng.List())

	probeConnectivity(guarded, cfg, health, logg)

	stream := startStream(cfg, eng, health, logg)

	go serveMetrics(cfg.Server.MetricsAddr, health, logg)

	var ctl *api.Server
	if cfg.Server.API.Addr != "" {
		ctl = api.NewServer(eng, logg, health, api.Config{
			Addr:              cfg.Server.API.Addr,
			AuthToken:         cfg.Server.API.AuthToken,
			RequestsPerMinute: cfg.Server.API.RequestsPerMinute,
		})
		go func() {
			logg.WithField("addr", cfg.Server.API.Addr).Info("control api listening")
			if err := ctl.Start(); err != nil {
				logg.WithError(err).Error("control api stopped")
			}
		}()
	}

	if err := notifier.Notify(notifications.SeverityInfo, fmt.Sprintf("engine started with %d instances", len(cfg.Instances))); err != nil {
		logg.WithError(err).Warn("startup notification failed")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	fmt.Println("\n🛑 Shutdown signal received...")

	if ctl != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := ctl.Shutdown(shutdownCtx); err != nil {
			logg.WithError(err).Warn("control api shutdown failed")
		}
		cancel()
	}
	if stream != nil {
		stream.Close()
	}

	eng.StopAll()

	reports := reporting.Collect(eng)
	console.PrintReport(reports)
	writeReports(*reportDir, reports, logg)

	if store != nil {
		if err := store.Close(); err != nil {
			logg.WithError(err).Warn("state store close failed")
		}
	}

	if err := notifier.Notify(notifications.SeverityInfo, "engine stopped"); err != nil {
		logg.WithError(err).Warn("shutdown notification failed")
	}
	fmt.Println("✅ Engine stopped")
}

func loadEnvFile(envFile string) error {
	if _, err := os.Stat(envFile); err != nil {
		return fmt.Errorf("env file %s not found", envFile)
	}
	return godotenv.Load(envFile)
}

func buildExchange(cfg *config.Config) (exchange.Exchange, error) {
	switch cfg.Exchange.Name {
	case "paper":
		paper := exchange.NewPaper(cfg.Exchange.Paper.Balances)
		for symbol, price := range cfg.Exchange.Paper.Prices {
			paper.SetPrice(symbol, price)
		}
		return paper, nil
	case "bybit":
		return exchange.NewBybit(cfg.Exchange.Bybit.Adapter()), nil
	default:
		return nil, fmt.Errorf("unsupported exchange %q", cfg.Exchange.Name)
	}
}

func buildStore(cfg *config.Config, logg *logrus.Logger) (state.Store, error) {
	opts := state.Options{MaxAge: cfg.State.MaxAge}
	switch cfg.State.Backend {
	case "file":
		return state.NewFileStore(cfg.State.Dir, logg, opts)
	case "sqlite":
		return state.NewSQLiteStore(cfg.State.Path, logg, opts)
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported state backend %q", cfg.State.Backend)
	}
}

func buildNotifier(cfg *config.Config, logg *logrus.Logger) notifications.Notifier {
	channels := []notifications.Notifier{notifications.NewLogNotifier(logg)}
	if tg := cfg.Notifications.Telegram; tg != nil {
		channels = append(channels, notifications.NewTelegramNotifier(tg.Token, tg.ChatID))
		logg.Info("telegram notifications enabled")
	}
	if len(channels) == 1 {
		return channels[0]
	}
	return notifications.NewMultiNotifier(channels...)
}

func registerInstances(eng *engine.Engine, cfg *config.Config, logg *logrus.Logger) error {
	for _, ic := range cfg.Instances {
		ctrl, err := config.BuildController(ic)
		if err != nil {
			return err
		}
		raw, err := json.Marshal(ic.Params)
		if err != nil {
			return fmt.Errorf("instance %q params: %w", ic.ID, err)
		}
		meta, err := eng.Add(engine.InstanceDef{
			ID:         ic.ID,
			Name:       ic.Name,
			Timeframe:  ic.Timeframe,
			Controller: ctrl,
			Config:     raw,
		})
		if err != nil {
			return err
		}
		if ic.AutoStart {
			if _, err := eng.Start(meta.ID); err != nil {
				return err
			}
			logg.WithFields(logrus.Fields{"instance": meta.ID, "kind": meta.Kind, "symbol": meta.Symbol}).Info("instance started")
		}
	}
	return nil
}

// startStream subscribes the public ticker stream for every traded symbol
// and feeds updates into the instance market windows between polls. Paper
// mode has no stream endpoint; polling alone serves it.
func startStream(cfg *config.Config, eng *engine.Engine, health *monitoring.HealthChecker, logg *logrus.Logger) *exchange.TickerStream {
	if cfg.Exchange.Name != "bybit" || len(cfg.Instances) == 0 {
		return nil
	}
	url := exchange.StreamMainnet
	if cfg.Exchange.Bybit.Testnet {
		url = exchange.StreamTestnet
	}
	seen := make(map[string]bool)
	var symbols []string
	for _, ic := range cfg.Instances {
		if !seen[ic.Symbol] {
			seen[ic.Symbol] = true
			symbols = append(symbols, ic.Symbol)
		}
	}

	stream := exchange.NewTickerStream(url, symbols, logg)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := stream.Start(ctx); err != nil {
		logg.WithError(err).Warn("ticker stream unavailable, falling back to polling only")
		return nil
	}

	go func() {
		for t := range stream.Tickers() {
			eng.Ingest(t)
			health.SetConnected(true)
		}
	}()
	return stream
}

// probeConnectivity marks the feed healthy after one successful price
// fetch. A failed probe leaves the health endpoint degraded until the
// first instance tick succeeds.
func probeConnectivity(exch exchange.Exchange, cfg *config.Config, health *monitoring.HealthChecker, logg *logrus.Logger) {
	if len(cfg.Instances) == 0 {
		health.SetConnected(true)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	symbol := cfg.Instances[0].Symbol
	price, err := exch.GetCurrentPrice(ctx, symbol)
	if err != nil {
		logg.WithError(err).WithField("symbol", symbol).Warn("connectivity probe failed")
		return
	}
	health.SetConnected(true)
	logg.WithFields(logrus.Fields{"symbol": symbol, "price": price}).Info("exchange reachable")
}

func serveMetrics(addr string, health *monitoring.HealthChecker, logg *logrus.Logger) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", monitoring.NewMetricsHandler())
	mux.Handle("/health", health)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	logg.WithField("addr", addr).Info("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logg.WithError(err).Error("metrics server stopped")
	}
}

func writeReports(dir string, reports []reporting.InstanceReport, logg *logrus.Logger) {
	if dir == "" {
		return
	}
	stamp := time.Now().Format("20060102_150405")
	xlsxPath := filepath.Join(dir, fmt.Sprintf("report_%s.xlsx", stamp))
	if err := reporting.WriteReportXLSX(xlsxPath, reports); err != nil {
		logg.WithError(err).Error("xlsx report failed")
	} else {
		fmt.Printf("📊 Report written: %s\n", xlsxPath)
	}
	csvPath := filepath.Join(dir, fmt.Sprintf("trades_%s.csv", stamp))
	if err := reporting.WriteTradesCSV(csvPath, reports); err != nil {
		logg.WithError(err).Error("csv report failed")
	} else {
		fmt.Printf("📄 Trades written: %s\n", csvPath)
	}
}
