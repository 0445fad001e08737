package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/rvgupta/volsentry/internal/advisory"
	"github.com/rvgupta/volsentry/internal/broker"
	"github.com/rvgupta/volsentry/internal/config"
	"github.com/rvgupta/volsentry/internal/engine"
	"github.com/rvgupta/volsentry/internal/exec"
	"github.com/rvgupta/volsentry/internal/feed"
	"github.com/rvgupta/volsentry/internal/ledger"
	"github.com/rvgupta/volsentry/internal/lifecycle"
	"github.com/rvgupta/volsentry/internal/margin"
	"github.com/rvgupta/volsentry/internal/mock"
	"github.com/rvgupta/volsentry/internal/models"
	"github.com/rvgupta/volsentry/internal/oracle"
	"github.com/rvgupta/volsentry/internal/ops"
	"github.com/rvgupta/volsentry/internal/retry"
	"github.com/rvgupta/volsentry/internal/safety"
	"github.com/rvgupta/volsentry/internal/store"
	"github.com/rvgupta/volsentry/internal/strategy"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := log.New(os.Stdout, "[ENGINE] ", log.LstdFlags)
	logger.Printf("starting engine in %s mode", cfg.Environment.Mode)
	if !cfg.IsPaperTrading() {
		logger.Println("LIVE TRADING MODE, real money at risk")
	}

	st, err := store.Open(cfg.Storage.DBPath)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	if err := store.WritePIDFile(cfg.Storage.PIDFile); err != nil {
		log.Fatalf("Failed to write pid file: %v", err)
	}
	defer store.RemovePIDFile(cfg.Storage.PIDFile)

	var b broker.Broker
	if cfg.IsPaperTrading() {
		b = mock.NewPaperBroker(cfg.Capital.AccountSize)
	} else {
		kite := broker.NewKiteClient(
			cfg.Broker.APIKey,
			cfg.Broker.AccessToken,
			cfg.Broker.APIEndpoint,
			cfg.Broker.RateLimitPerSec,
		)
		b = broker.NewCircuitBreakerBroker(kite)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	var prices engine.PriceSource
	var fd *feed.Feed
	if cfg.Feed.URL != "" {
		instruments := append([]string{cfg.Feed.SpotInstrument, cfg.Feed.VIXInstrument},
			cfg.Feed.Instruments...)
		fd = feed.New(feed.Config{
			URL:              cfg.Feed.URL,
			Instruments:      instruments,
			ReconnectBackoff: dur(cfg.Feed.ReconnectBackoff, time.Second),
		}, logger)
		prices = fd
		g.Go(func() error { return fd.Run(ctx) })
	}

	led := ledger.New(st, ledger.Limits{
		models.BucketWeekly:   cfg.BucketLimit(models.BucketWeekly),
		models.BucketMonthly:  cfg.BucketLimit(models.BucketMonthly),
		models.BucketIntraday: cfg.BucketLimit(models.BucketIntraday),
	}, logger)

	rules := lifecycle.NewRules(cfg, logger)

	var advisor advisory.Advisor = advisory.None{}
	if cfg.Advisory.Enabled {
		advisor = advisory.NewHTTPAdvisor(cfg.Advisory.URL, dur(cfg.Advisory.Timeout, 2*time.Second), logger)
	}

	var orc oracle.Oracle = &oracle.Static{Confidence: 1.0}
	if cfg.Oracle.URL != "" {
		orc = oracle.NewHTTPOracle(cfg.Oracle.URL, dur(cfg.Oracle.Timeout, 5*time.Second))
	}

	pipe := safety.New(safety.Config{
		MaxTradesPerDay:      cfg.Safety.MaxTradesPerDay,
		TradeCooldown:        dur(cfg.Safety.TradeCooldown, 30*time.Minute),
		MaxDrawdownPct:       cfg.Safety.MaxDrawdownPct,
		GreekConfidenceFloor: cfg.Safety.GreekConfidenceFloor,
		AccountSize:          cfg.Capital.AccountSize,
	}, safety.Deps{
		Kill:    st,
		Advisor: advisor,
		Window:  rules,
		Oracle:  orc,
		Margin:  margin.NewChecker(b, cfg.Safety.MarginUtilizationCap),
	}, logger)

	placer := retry.NewClient(b, logger)
	executor := exec.NewExecutor(placer, b, prices, exec.Config{
		FreezeQuantity:      cfg.Execution.FreezeQuantity,
		SmartLimitBufferPct: cfg.Execution.SmartLimitBufferPct,
		MaxSlippagePct:      cfg.Execution.MaxSlippagePct,
		HedgeSettleDelay:    dur(cfg.Execution.HedgeSettleDelay, 2*time.Second),
		FillTimeout:         dur(cfg.Execution.FillTimeout, 30*time.Second),
	}, logger)

	eng := engine.New(cfg, engine.Deps{
		Store:    st,
		Ledger:   led,
		Safety:   pipe,
		Rules:    rules,
		Executor: executor,
		Selector: strategy.NewSelector(cfg, logger),
		Broker:   b,
		Placer:   placer,
		Prices:   prices,
	}, logger)

	if err := eng.Restore(ctx); err != nil {
		log.Fatalf("Failed to restore state: %v", err)
	}

	opsLog := logrus.New()
	if lvl, err := logrus.ParseLevel(cfg.Environment.LogLevel); err == nil {
		opsLog.SetLevel(lvl)
	}
	opsSrv := ops.NewServer(ops.Config{
		ListenAddr: cfg.Ops.ListenAddr,
		AuthToken:  cfg.Ops.AuthToken,
	}, eng, st, opsLog)

	g.Go(func() error {
		if err := opsSrv.Start(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return opsSrv.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return eng.Run(ctx) })

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Printf("engine stopped: %v", err)
		os.Exit(1)
	}
	logger.Println("engine stopped cleanly")
}

// dur parses an optional duration string, falling back on empty or
// malformed input.
func dur(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}
