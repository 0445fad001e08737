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
	"github.com/rvgupta/volsentry/internal/config"
	"github.com/rvgupta/volsentry/internal/store"
	"github.com/rvgupta/volsentry/internal/watchdog"
)

// The sentinel watches the watcher: it reads the watchdog's heartbeat
// from the shared store and pages when the heartbeat goes stale. It
// deliberately does nothing else.
func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := log.New(os.Stdout, "[SENTINEL] ", log.LstdFlags)

	st, err := store.Open(cfg.Storage.DBPath)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	var notifier alerts.Notifier = alerts.Noop{}
	if cfg.Alerts.WebhookURL != "" {
		cooldown := 5 * time.Minute
		if d, err := time.ParseDuration(cfg.Alerts.Cooldown); err == nil {
			cooldown = d
		}
		notifier = alerts.NewWebhook(cfg.Alerts.WebhookURL, cooldown, logger)
	}

	staleAfter := parseDur(cfg.Watchdog.HeartbeatStaleAfter, 2*time.Minute)
	interval := parseDur(cfg.Watchdog.SentinelCheckInterval, time.Minute)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sentinel := watchdog.NewSentinel(st, notifier, staleAfter, interval, logger)
	if err := sentinel.Run(ctx); err != nil && err != context.Canceled {
		logger.Fatalf("sentinel stopped: %v", err)
	}
	logger.Println("sentinel stopped cleanly")
}

func parseDur(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}
