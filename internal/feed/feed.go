// Package feed maintains a live last-traded-price cache from the broker's
// websocket tick stream. The engine reads prices from the cache; a stale
// or missing quote makes pricing fall back to the broker REST LTP.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Tick is one price update from the stream.
type Tick struct {
	InstrumentID string  `json:"instrument_id"`
	LTP          float64 `json:"ltp"`
	TS           int64   `json:"ts"` // unix millis
}

// Quote is a cached price with its arrival time.
type Quote struct {
	Price float64
	At    time.Time
}

type subscribeMsg struct {
	Action      string   `json:"action"`
	Instruments []string `json:"instruments"`
}

// Config controls the feed worker.
type Config struct {
	URL              string
	Instruments      []string
	ReconnectBackoff time.Duration
	MaxBackoff       time.Duration
}

// Feed is the websocket worker plus its quote cache.
type Feed struct {
	cfg    Config
	logger *log.Logger

	mu     sync.RWMutex
	quotes map[string]Quote
	subs   map[string]struct{}
}

// New creates a feed worker. Run must be started for quotes to flow.
func New(cfg Config, logger *log.Logger) *Feed {
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[FEED] ", log.LstdFlags)
	}
	f := &Feed{
		cfg:    cfg,
		logger: logger,
		quotes: make(map[string]Quote),
		subs:   make(map[string]struct{}),
	}
	for _, inst := range cfg.Instruments {
		f.subs[inst] = struct{}{}
	}
	return f
}

// Subscribe adds instruments to the subscription set. Takes effect on the
// next (re)connect; live connections pick it up on reconnect.
func (f *Feed) Subscribe(instruments ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, inst := range instruments {
		f.subs[inst] = struct{}{}
	}
}

// Price returns the cached quote for an instrument. ok is false when no
// tick has arrived yet.
func (f *Feed) Price(instrumentID string) (Quote, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	q, ok := f.quotes[instrumentID]
	return q, ok
}

// FreshPrice returns the cached price only when younger than maxAge.
func (f *Feed) FreshPrice(instrumentID string, maxAge time.Duration) (float64, bool) {
	q, ok := f.Price(instrumentID)
	if !ok || time.Since(q.At) > maxAge {
		return 0, false
	}
	return q.Price, true
}

// Run connects and consumes ticks until the context ends, reconnecting
// with backoff on any stream failure. Always returns ctx.Err().
func (f *Feed) Run(ctx context.Context) error {
	backoff := f.cfg.ReconnectBackoff
	for {
		if err := f.consume(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.logger.Printf("stream error: %v, reconnecting in %v", err, backoff)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > f.cfg.MaxBackoff {
			backoff = f.cfg.MaxBackoff
		}
	}
}

func (f *Feed) consume(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, f.cfg.URL, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dialing %s: %w", f.cfg.URL, err)
	}
	defer conn.Close()

	if err := f.sendSubscribe(conn); err != nil {
		return err
	}
	f.logger.Printf("connected to %s", f.cfg.URL)

	// Close the socket when the context ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("reading tick: %w", err)
		}
		f.handleMessage(raw)
	}
}

func (f *Feed) sendSubscribe(conn *websocket.Conn) error {
	f.mu.RLock()
	instruments := make([]string, 0, len(f.subs))
	for inst := range f.subs {
		instruments = append(instruments, inst)
	}
	f.mu.RUnlock()

	if len(instruments) == 0 {
		return nil
	}
	msg := subscribeMsg{Action: "subscribe", Instruments: instruments}
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("subscribing: %w", err)
	}
	return nil
}

func (f *Feed) handleMessage(raw []byte) {
	var tick Tick
	if err := json.Unmarshal(raw, &tick); err != nil {
		f.logger.Printf("dropping malformed tick: %v", err)
		return
	}
	if tick.InstrumentID == "" || tick.LTP <= 0 {
		return
	}
	at := time.Now()
	if tick.TS > 0 {
		at = time.UnixMilli(tick.TS)
	}

	f.mu.Lock()
	f.quotes[tick.InstrumentID] = Quote{Price: tick.LTP, At: at}
	f.mu.Unlock()
}
