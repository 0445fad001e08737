package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rvgupta/volsentry/internal/alerts"
	"github.com/rvgupta/volsentry/internal/broker"
	"github.com/rvgupta/volsentry/internal/config"
	"github.com/rvgupta/volsentry/internal/mock"
	"github.com/rvgupta/volsentry/internal/store"
	"github.com/rvgupta/volsentry/internal/watchdog"
)

// The watchdog runs as its own process so an engine crash, hang, or bug
// cannot take the drawdown guard down with it. It shares nothing with
// the engine except the state database and the broker account.
func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := log.New(os.Stdout, "[WATCHDOG] ", log.LstdFlags)

	st, err := store.Open(cfg.Storage.DBPath)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

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

	notifier := newNotifier(cfg, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	wd := watchdog.New(cfg, st, b, notifier, logger)
	if err := wd.Run(ctx); err != nil && err != context.Canceled {
		logger.Fatalf("watchdog stopped: %v", err)
	}
	logger.Println("watchdog stopped cleanly")
}

func newNotifier(cfg *config.Config, logger *log.Logger) alerts.Notifier {
	if cfg.Alerts.WebhookURL == "" {
		return alerts.Noop{}
	}
	cooldown := 5 * time.Minute
	if d, err := time.ParseDuration(cfg.Alerts.Cooldown); err == nil {
		cooldown = d
	}
	return alerts.NewWebhook(cfg.Alerts.WebhookURL, cooldown, logger)
}
