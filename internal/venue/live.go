package venue

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/hl-copytrader/internal/types"
)

// LiveClient is the ExecutionVenue implementation for the centralized
// futures execution venue, grounded on exec/client.go's
// timestamp+method+path HMAC-SHA256 request signing (addHeaders/hmacSign),
// swapped from Polymarket's base64 POLY_SIGNATURE scheme to a hex
// HMAC-SHA256 header, a common shape among centralized futures APIs.
type LiveClient struct {
	baseURL    string
	apiKey     string
	apiSecret  string
	httpClient *http.Client
}

// NewLiveClient builds a signed REST client against baseURL.
func NewLiveClient(baseURL, apiKey, apiSecret string) *LiveClient {
	return &LiveClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// SubmitOrder implements ExecutionVenue.
func (c *LiveClient) SubmitOrder(ctx context.Context, clientID, symbol string, side types.Side, orderType types.OrderType, qty decimal.Decimal, price *decimal.Decimal, tif types.TimeInForce, reduceOnly bool) (SubmitResult, error) {
	body := map[string]any{
		"clientOrderId": clientID,
		"symbol":        symbol,
		"side":          string(side),
		"type":          string(orderType),
		"quantity":      qty.String(),
		"timeInForce":   string(tif),
		"reduceOnly":    reduceOnly,
	}
	if price != nil {
		body["price"] = price.String()
	}

	var resp struct {
		OrderID    string `json:"orderId"`
		Status     string `json:"status"`
		RejectCode string `json:"rejectReason"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/order", body, &resp); err != nil {
		return SubmitResult{}, err
	}
	if resp.Status == "REJECTED" {
		return SubmitResult{Outcome: SubmitRejected, RejectCode: resp.RejectCode}, nil
	}
	return SubmitResult{Outcome: SubmitSubmitted, ExchangeOrderID: resp.OrderID}, nil
}

// QueryOrder implements ExecutionVenue.
func (c *LiveClient) QueryOrder(ctx context.Context, clientID string) (Order, error) {
	var resp struct {
		OrderID   string `json:"orderId"`
		Status    string `json:"status"`
		FilledQty string `json:"executedQty"`
		AvgPrice  string `json:"avgPrice"`
		ErrorCode string `json:"rejectReason"`
	}
	path := fmt.Sprintf("/v1/order?clientOrderId=%s", clientID)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return Order{}, err
	}

	filled, err := decimal.NewFromString(resp.FilledQty)
	if err != nil {
		filled = decimal.Zero
	}
	var avgPrice *decimal.Decimal
	if v, err := decimal.NewFromString(resp.AvgPrice); err == nil && !v.IsZero() {
		avgPrice = &v
	}

	return Order{
		ClientID:        clientID,
		ExchangeOrderID: resp.OrderID,
		Status:          types.OrderStatus(resp.Status),
		FilledQty:       filled,
		AvgPrice:        avgPrice,
		ErrorCode:       resp.ErrorCode,
	}, nil
}

// CancelOrder implements ExecutionVenue.
func (c *LiveClient) CancelOrder(ctx context.Context, clientID string) error {
	path := fmt.Sprintf("/v1/order?clientOrderId=%s", clientID)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// FetchPositions implements ExecutionVenue.
func (c *LiveClient) FetchPositions(ctx context.Context, symbols []string) (PositionsSnapshot, error) {
	var resp []struct {
		Symbol   string `json:"symbol"`
		PosAmt   string `json:"positionAmt"`
		UpdateMs int64  `json:"updateTime"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/positions", nil, &resp); err != nil {
		return PositionsSnapshot{}, err
	}

	wanted := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		wanted[s] = true
	}
	out := make(map[string]decimal.Decimal, len(symbols))
	for _, s := range symbols {
		out[s] = decimal.Zero
	}
	latest := int64(0)
	for _, p := range resp {
		if !wanted[p.Symbol] {
			continue
		}
		qty, err := decimal.NewFromString(p.PosAmt)
		if err != nil {
			continue
		}
		out[p.Symbol] = qty
		if p.UpdateMs > latest {
			latest = p.UpdateMs
		}
	}
	if latest == 0 {
		latest = time.Now().UnixMilli()
	}
	return PositionsSnapshot{Positions: out, TimestampMs: latest}, nil
}

// FetchMarkPrice implements ExecutionVenue.
func (c *LiveClient) FetchMarkPrice(ctx context.Context, symbol string) (MarkPrice, error) {
	var resp struct {
		Price string `json:"markPrice"`
		Time  int64  `json:"time"`
	}
	path := fmt.Sprintf("/v1/premiumIndex?symbol=%s", symbol)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return MarkPrice{}, err
	}
	price, err := decimal.NewFromString(resp.Price)
	if err != nil {
		return MarkPrice{}, fmt.Errorf("unparseable mark price %q: %w", resp.Price, err)
	}
	return MarkPrice{Price: price, TimestampMs: resp.Time}, nil
}

// FetchFilters implements ExecutionVenue.
func (c *LiveClient) FetchFilters(ctx context.Context, symbol string) (Filters, error) {
	var resp struct {
		MinQty      string `json:"minQty"`
		StepSize    string `json:"stepSize"`
		MinNotional string `json:"minNotional"`
		TickSize    string `json:"tickSize"`
	}
	path := fmt.Sprintf("/v1/exchangeInfo?symbol=%s", symbol)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return Filters{}, err
	}
	minQty, _ := decimal.NewFromString(resp.MinQty)
	step, _ := decimal.NewFromString(resp.StepSize)
	minNotional, _ := decimal.NewFromString(resp.MinNotional)
	tick, _ := decimal.NewFromString(resp.TickSize)
	return Filters{MinQty: minQty, StepSize: step, MinNotional: minNotional, TickSize: tick}, nil
}

// ServerTimeMs implements ExecutionVenue.
func (c *LiveClient) ServerTimeMs(ctx context.Context) (int64, error) {
	var resp struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/time", nil, &resp); err != nil {
		return 0, err
	}
	return resp.ServerTime, nil
}

func (c *LiveClient) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	var rawBody []byte
	if body != nil {
		var err error
		rawBody, err = json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(rawBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.addHeaders(req, rawBody)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("venue request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("venue http %d: %s", resp.StatusCode, string(respBody))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(respBody, out)
}

// addHeaders signs the request the same way exec.Client.addHeaders does:
// timestamp + method + path (+ body) run through HMAC-SHA256 with the API
// secret as key.
func (c *LiveClient) addHeaders(req *http.Request, body []byte) {
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	req.Header.Set("X-VENUE-KEY", c.apiKey)
	req.Header.Set("X-VENUE-TIMESTAMP", timestamp)

	if c.apiSecret == "" {
		return
	}
	message := timestamp + req.Method + req.URL.Path
	if len(body) > 0 {
		message += string(body)
	}
	req.Header.Set("X-VENUE-SIGNATURE", c.hmacSign(message))
}

func (c *LiveClient) hmacSign(message string) string {
	h := hmac.New(sha256.New, []byte(c.apiSecret))
	h.Write([]byte(message))
	return hex.EncodeToString(h.Sum(nil))
}
