// Package retry wraps broker order placement with bounded retries and
// jittered backoff for transient failures.
package retry

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"

	"github.com/rvgupta/volsentry/internal/broker"
)

type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	Timeout:        2 * time.Minute,
}

type Client struct {
	broker broker.Broker
	logger *log.Logger
	config Config
}

func NewClient(b broker.Broker, logger *log.Logger, config ...Config) *Client {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}

	return &Client{
		broker: b,
		logger: logger,
		config: cfg,
	}
}

// PlaceOrderWithRetry places one order slice, retrying transient failures.
// The request's deterministic client order id makes replays safe: a retry
// after an ambiguous failure cannot create a duplicate order. Permanent
// API errors surface immediately.
func (c *Client) PlaceOrderWithRetry(ctx context.Context, req broker.OrderRequest) (*broker.Order, error) {
	placeCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var lastErr error
	backoff := c.config.InitialBackoff

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		select {
		case <-placeCtx.Done():
			return nil, fmt.Errorf("place operation timed out after %v: %w", c.config.Timeout, placeCtx.Err())
		default:
		}

		if ctx.Err() != nil {
			return nil, fmt.Errorf("operation canceled: %w", ctx.Err())
		}

		c.logger.Printf("Place attempt %d/%d for order %s", attempt+1, c.config.MaxRetries+1, req.ClientOrderID)

		order, err := c.broker.PlaceOrder(placeCtx, req)
		if err == nil {
			c.logger.Printf("Order %s placed successfully on attempt %d: %s", req.ClientOrderID, attempt+1, order.BrokerOrderID)
			return order, nil
		}

		lastErr = err
		c.logger.Printf("Place attempt %d failed: %v", attempt+1, err)

		if broker.IsPermanentAPIError(err) {
			break
		}

		if c.isTransientError(err) && attempt < c.config.MaxRetries {
			c.logger.Printf("Transient error detected, retrying in %v", backoff)
			select {
			case <-time.After(backoff):
				backoff = c.calculateNextBackoff(backoff)
			case <-placeCtx.Done():
				return nil, fmt.Errorf("place operation timed out during backoff: %w", placeCtx.Err())
			case <-ctx.Done():
				return nil, fmt.Errorf("operation canceled during backoff: %w", ctx.Err())
			}
		} else {
			break
		}
	}

	return nil, fmt.Errorf("failed to place order %s after retries: %w", req.ClientOrderID, lastErr)
}

// CancelOrderWithRetry cancels a broker order, retrying transient failures.
// A permanent error usually means the order already went terminal.
func (c *Client) CancelOrderWithRetry(ctx context.Context, brokerOrderID string) error {
	cancelCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var lastErr error
	backoff := c.config.InitialBackoff

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if cancelCtx.Err() != nil {
			return fmt.Errorf("cancel operation timed out: %w", cancelCtx.Err())
		}

		err := c.broker.CancelOrder(cancelCtx, brokerOrderID)
		if err == nil {
			return nil
		}
		lastErr = err

		if broker.IsPermanentAPIError(err) || !c.isTransientError(err) || attempt == c.config.MaxRetries {
			break
		}
		select {
		case <-time.After(backoff):
			backoff = c.calculateNextBackoff(backoff)
		case <-cancelCtx.Done():
			return fmt.Errorf("cancel operation timed out during backoff: %w", cancelCtx.Err())
		}
	}

	return fmt.Errorf("failed to cancel order %s after retries: %w", brokerOrderID, lastErr)
}

func (c *Client) calculateNextBackoff(currentBackoff time.Duration) time.Duration {
	backoff := time.Duration(float64(currentBackoff) * 1.5)
	if backoff > c.config.MaxBackoff {
		backoff = c.config.MaxBackoff
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err != nil {
			log.Printf("Failed to generate jitter: %v", err)
		} else {
			jitter := time.Duration(jitterVal.Int64())
			backoff += jitter
		}
	}

	return backoff
}

func (c *Client) isTransientError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())

	transientPatterns := []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"server error",
		"rate limit",
		"429", // HTTP 429 Too Many Requests
		"502", // HTTP 502 Bad Gateway
		"503", // HTTP 503 Service Unavailable
		"504", // HTTP 504 Gateway Timeout
		"network",
		"dns",
		"tcp",
	}

	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}
