package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const defaultKiteEndpoint = "https://api.kite.trade"

// KiteClient talks to the Zerodha Kite Connect REST API. All calls pass
// through a token-bucket rate limiter so the engine and its retry layer
// cannot exceed the broker's per-second quota.
type KiteClient struct {
	apiKey      string
	accessToken string
	baseURL     string
	client      *http.Client
	limiter     *rate.Limiter
}

// Ensure KiteClient implements Broker at compile time.
var _ Broker = (*KiteClient)(nil)

// NewKiteClient creates a live broker client. ratePerSec caps outbound
// API calls; endpoint may be empty to use the production API.
func NewKiteClient(apiKey, accessToken, endpoint string, ratePerSec float64) *KiteClient {
	if endpoint == "" {
		endpoint = defaultKiteEndpoint
	}
	if ratePerSec <= 0 {
		ratePerSec = 3
	}
	return &KiteClient{
		apiKey:      apiKey,
		accessToken: accessToken,
		baseURL:     strings.TrimRight(endpoint, "/"),
		client:      &http.Client{Timeout: 10 * time.Second},
		limiter:     rate.NewLimiter(rate.Limit(ratePerSec), 1),
	}
}

// WithHTTPClient swaps the HTTP client, mainly for tests.
func (k *KiteClient) WithHTTPClient(c *http.Client) *KiteClient {
	k.client = c
	return k
}

type kiteEnvelope struct {
	Status  string          `json:"status"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

func (k *KiteClient) makeRequest(ctx context.Context, method, path string, params url.Values, out interface{}) error {
	if err := k.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	endpoint := k.baseURL + path
	var body io.Reader
	if method == http.MethodPost && params != nil {
		body = strings.NewReader(params.Encode())
	} else if params != nil {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Add("X-Kite-Version", "3")
	req.Header.Add("Authorization", "token "+k.apiKey+":"+k.accessToken)
	if method == http.MethodPost {
		req.Header.Add("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := k.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("Failed to close response body: %v", err)
		}
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> %s", method, path, string(raw))}
	}

	var env kiteEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if env.Status == "error" {
		return &APIError{Status: resp.StatusCode, Body: env.Message}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decoding response data: %w", err)
		}
	}
	return nil
}

type kiteMargins struct {
	Equity struct {
		Net       float64 `json:"net"`
		Available struct {
			LiveBalance float64 `json:"live_balance"`
		} `json:"available"`
		Utilised struct {
			Debits float64 `json:"debits"`
		} `json:"utilised"`
	} `json:"equity"`
}

// GetFunds returns the account equity and margin snapshot.
func (k *KiteClient) GetFunds(ctx context.Context) (*Funds, error) {
	var margins kiteMargins
	if err := k.makeRequest(ctx, http.MethodGet, "/user/margins", nil, &margins); err != nil {
		return nil, fmt.Errorf("fetching margins: %w", err)
	}
	return &Funds{
		Equity:          margins.Equity.Net,
		AvailableMargin: margins.Equity.Available.LiveBalance,
		UsedMargin:      margins.Equity.Utilised.Debits,
	}, nil
}

type kitePosition struct {
	TradingSymbol string  `json:"tradingsymbol"`
	Quantity      int     `json:"quantity"`
	AveragePrice  float64 `json:"average_price"`
	LastPrice     float64 `json:"last_price"`
	PnL           float64 `json:"pnl"`
}

// GetPositions returns all net positions, open or squared off.
func (k *KiteClient) GetPositions(ctx context.Context) ([]Position, error) {
	var data struct {
		Net []kitePosition `json:"net"`
	}
	if err := k.makeRequest(ctx, http.MethodGet, "/portfolio/positions", nil, &data); err != nil {
		return nil, fmt.Errorf("fetching positions: %w", err)
	}
	positions := make([]Position, 0, len(data.Net))
	for _, p := range data.Net {
		positions = append(positions, Position{
			InstrumentID: p.TradingSymbol,
			Quantity:     p.Quantity,
			AveragePrice: p.AveragePrice,
			LastPrice:    p.LastPrice,
			PnL:          p.PnL,
		})
	}
	return positions, nil
}

// LastTradePrice returns the LTP for one instrument.
func (k *KiteClient) LastTradePrice(ctx context.Context, instrumentID string) (float64, error) {
	key := "NFO:" + instrumentID
	params := url.Values{}
	params.Add("i", key)

	var data map[string]struct {
		LastPrice float64 `json:"last_price"`
	}
	if err := k.makeRequest(ctx, http.MethodGet, "/quote/ltp", params, &data); err != nil {
		return 0, fmt.Errorf("fetching ltp for %s: %w", instrumentID, err)
	}
	quote, ok := data[key]
	if !ok {
		return 0, fmt.Errorf("no quote returned for %s", instrumentID)
	}
	if quote.LastPrice <= 0 {
		return 0, fmt.Errorf("invalid ltp %.2f for %s", quote.LastPrice, instrumentID)
	}
	return quote.LastPrice, nil
}

// PlaceOrder submits one order slice. The client order id travels as the
// order tag so crash recovery can match broker orders back to trades.
func (k *KiteClient) PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Add("exchange", "NFO")
	params.Add("tradingsymbol", req.InstrumentID)
	params.Add("transaction_type", string(req.Side))
	params.Add("quantity", fmt.Sprintf("%d", req.Quantity))
	params.Add("product", "NRML")
	params.Add("validity", "DAY")
	params.Add("tag", req.ClientOrderID)
	switch req.Type {
	case TypeLimit:
		params.Add("order_type", "LIMIT")
		params.Add("price", fmt.Sprintf("%.2f", req.LimitPrice))
	case TypeMarket:
		params.Add("order_type", "MARKET")
	default:
		return nil, fmt.Errorf("order %s has invalid type %q", req.ClientOrderID, req.Type)
	}

	var data struct {
		OrderID string `json:"order_id"`
	}
	if err := k.makeRequest(ctx, http.MethodPost, "/orders/regular", params, &data); err != nil {
		return nil, fmt.Errorf("placing order %s: %w", req.ClientOrderID, err)
	}

	return &Order{
		BrokerOrderID: data.OrderID,
		ClientOrderID: req.ClientOrderID,
		InstrumentID:  req.InstrumentID,
		Side:          req.Side,
		Status:        StatusOpenOrder,
		Quantity:      req.Quantity,
		PlacedAt:      time.Now(),
	}, nil
}

type kiteOrderRow struct {
	OrderID        string  `json:"order_id"`
	Status         string  `json:"status"`
	StatusMessage  string  `json:"status_message"`
	TradingSymbol  string  `json:"tradingsymbol"`
	Transaction    string  `json:"transaction_type"`
	Quantity       int     `json:"quantity"`
	FilledQuantity int     `json:"filled_quantity"`
	AveragePrice   float64 `json:"average_price"`
	Tag            string  `json:"tag"`
}

// GetOrder returns the current state of a broker order. The API returns
// the order's full history; the last row is its present state.
func (k *KiteClient) GetOrder(ctx context.Context, brokerOrderID string) (*Order, error) {
	var rows []kiteOrderRow
	if err := k.makeRequest(ctx, http.MethodGet, "/orders/"+url.PathEscape(brokerOrderID), nil, &rows); err != nil {
		return nil, fmt.Errorf("fetching order %s: %w", brokerOrderID, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("order %s not found", brokerOrderID)
	}
	row := rows[len(rows)-1]
	return &Order{
		BrokerOrderID:  row.OrderID,
		ClientOrderID:  row.Tag,
		InstrumentID:   row.TradingSymbol,
		Side:           OrderSide(row.Transaction),
		Status:         normalizeOrderStatus(row.Status),
		Quantity:       row.Quantity,
		FilledQuantity: row.FilledQuantity,
		AveragePrice:   row.AveragePrice,
		StatusMessage:  row.StatusMessage,
	}, nil
}

// CancelOrder cancels an open order. Cancelling an already-terminal order
// returns a permanent API error the caller can ignore.
func (k *KiteClient) CancelOrder(ctx context.Context, brokerOrderID string) error {
	err := k.makeRequest(ctx, http.MethodDelete, "/orders/regular/"+url.PathEscape(brokerOrderID), nil, nil)
	if err != nil {
		return fmt.Errorf("cancelling order %s: %w", brokerOrderID, err)
	}
	return nil
}

func normalizeOrderStatus(raw string) string {
	switch strings.ToUpper(raw) {
	case "COMPLETE":
		return StatusComplete
	case "REJECTED":
		return StatusRejected
	case "CANCELLED", "CANCELLED AMO":
		return StatusCancelled
	default:
		// OPEN, TRIGGER PENDING, PUT ORDER REQ RECEIVED and friends are
		// all still working.
		return StatusOpenOrder
	}
}
