// Package mt5bridge implements venue.Adapter against the MT5 bridge
// service, a small HTTP sidecar wrapping one terminal per session.
package mt5bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cipherflows/regulator/market"
	"github.com/cipherflows/regulator/venue"
)

// Credentials authenticate one broker account at the bridge.
type Credentials struct {
	LoginID  string
	Password string
	Server   string
}

// Config points the client at the bridge service.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client is one authenticated bridge session. It implements
// venue.Adapter; a new Client is connected per account per cycle.
type Client struct {
	baseURL    string
	token      string
	session    string
	httpClient *http.Client
}

type connectRequest struct {
	LoginID  string `json:"login_id"`
	Password string `json:"password"`
	Server   string `json:"server"`
}

type connectResponse struct {
	Session string `json:"session"`
}

// Connect authenticates the account's terminal and returns a session
// scoped client.
func Connect(ctx context.Context, cfg Config, creds Credentials) (*Client, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &Client{
		baseURL:    cfg.BaseURL,
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: timeout},
	}

	var resp connectResponse
	err := c.do(ctx, http.MethodPost, "/v1/connect", connectRequest{
		LoginID:  creds.LoginID,
		Password: creds.Password,
		Server:   creds.Server,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("bridge connect: %w", err)
	}
	c.session = resp.Session
	return c, nil
}

type wirePosition struct {
	Ticket     int64   `json:"ticket"`
	Symbol     string  `json:"symbol"`
	OrderType  string  `json:"order_type"`
	Entry      float64 `json:"entry"`
	StopLoss   float64 `json:"stop_loss"`
	TakeProfit float64 `json:"take_profit"`
	OpenTime   string  `json:"open_time"`
}

func (c *Client) Positions(ctx context.Context) ([]venue.Position, error) {
	var wires []wirePosition
	if err := c.do(ctx, http.MethodGet, "/v1/positions", nil, &wires); err != nil {
		return nil, err
	}

	out := make([]venue.Position, 0, len(wires))
	for _, w := range wires {
		dir, err := market.ParseOrderType(w.OrderType)
		if err != nil {
			return nil, fmt.Errorf("position %d: %w", w.Ticket, err)
		}
		opened, err := time.Parse(time.RFC3339Nano, w.OpenTime)
		if err != nil {
			return nil, fmt.Errorf("position %d: bad open_time: %w", w.Ticket, err)
		}
		out = append(out, venue.Position{
			Ticket:     w.Ticket,
			Instrument: w.Symbol,
			Direction:  dir,
			Entry:      w.Entry,
			StopLoss:   w.StopLoss,
			TakeProfit: w.TakeProfit,
			OpenTime:   opened,
		})
	}
	return out, nil
}

type wireOrder struct {
	Ticket    int64   `json:"ticket"`
	Symbol    string  `json:"symbol"`
	OrderType string  `json:"order_type"`
	Entry     float64 `json:"entry"`
	SetupTime string  `json:"setup_time"`
}

func (c *Client) PendingOrders(ctx context.Context) ([]venue.PendingOrder, error) {
	var wires []wireOrder
	if err := c.do(ctx, http.MethodGet, "/v1/orders", nil, &wires); err != nil {
		return nil, err
	}

	out := make([]venue.PendingOrder, 0, len(wires))
	for _, w := range wires {
		dir, err := market.ParseOrderType(w.OrderType)
		if err != nil {
			return nil, fmt.Errorf("order %d: %w", w.Ticket, err)
		}
		setup, err := time.Parse(time.RFC3339Nano, w.SetupTime)
		if err != nil {
			return nil, fmt.Errorf("order %d: bad setup_time: %w", w.Ticket, err)
		}
		out = append(out, venue.PendingOrder{
			Ticket:     w.Ticket,
			Instrument: w.Symbol,
			Direction:  dir,
			Entry:      w.Entry,
			SetupTime:  setup,
		})
	}
	return out, nil
}

type wireTick struct {
	Bid  float64 `json:"bid"`
	Ask  float64 `json:"ask"`
	Time string  `json:"time"`
}

func (c *Client) Tick(ctx context.Context, symbol string) (market.Tick, error) {
	var w wireTick
	if err := c.do(ctx, http.MethodGet, "/v1/tick/"+url.PathEscape(symbol), nil, &w); err != nil {
		return market.Tick{}, err
	}
	at, err := time.Parse(time.RFC3339Nano, w.Time)
	if err != nil {
		return market.Tick{}, fmt.Errorf("tick %s: bad time: %w", symbol, err)
	}
	return market.Tick{Bid: w.Bid, Ask: w.Ask, Time: at}, nil
}

type wireCandle struct {
	Close float64 `json:"close"`
	Time  string  `json:"time"`
}

func (c *Client) LastClosedCandle(ctx context.Context, symbol string, tf market.Timeframe) (market.Candle, error) {
	path := fmt.Sprintf("/v1/candle/%s?timeframe=%s", url.PathEscape(symbol), tf)
	var w wireCandle
	if err := c.do(ctx, http.MethodGet, path, nil, &w); err != nil {
		return market.Candle{}, err
	}
	at, err := time.Parse(time.RFC3339Nano, w.Time)
	if err != nil {
		return market.Candle{}, fmt.Errorf("candle %s: bad time: %w", symbol, err)
	}
	return market.Candle{Close: w.Close, Time: at}, nil
}

type wireSymbolInfo struct {
	Name            string  `json:"name"`
	MinStopDistance float64 `json:"min_stop_distance"`
	TickSize        float64 `json:"tick_size"`
	Tradeable       bool    `json:"tradeable"`
}

func (c *Client) SymbolInfo(ctx context.Context, symbol string) (venue.SymbolInfo, error) {
	var w wireSymbolInfo
	if err := c.do(ctx, http.MethodGet, "/v1/symbols/"+url.PathEscape(symbol), nil, &w); err != nil {
		return venue.SymbolInfo{}, err
	}
	return venue.SymbolInfo(w), nil
}

func (c *Client) Symbols(ctx context.Context) ([]string, error) {
	var names []string
	if err := c.do(ctx, http.MethodGet, "/v1/symbols", nil, &names); err != nil {
		return nil, err
	}
	return names, nil
}

type modifyRequest struct {
	StopLoss float64 `json:"stop_loss"`
}

func (c *Client) ModifyStopLoss(ctx context.Context, ticket int64, newSL float64) error {
	path := fmt.Sprintf("/v1/positions/%d/stoploss", ticket)
	if err := c.do(ctx, http.MethodPost, path, modifyRequest{StopLoss: newSL}, nil); err != nil {
		return commandError("modify_stop_loss", ticket, err)
	}
	return nil
}

func (c *Client) CancelOrder(ctx context.Context, ticket int64) error {
	path := fmt.Sprintf("/v1/orders/%d", ticket)
	if err := c.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return commandError("cancel_order", ticket, err)
	}
	return nil
}

type wireDeal struct {
	Ticket int64   `json:"ticket"`
	Exit   bool    `json:"exit"`
	Price  float64 `json:"price"`
	Time   string  `json:"time"`
}

func (c *Client) History(ctx context.Context, ticket int64, since time.Time) ([]venue.DealEvent, error) {
	path := fmt.Sprintf("/v1/history/%d?since=%s", ticket, url.QueryEscape(since.Format(time.RFC3339)))
	var wires []wireDeal
	if err := c.do(ctx, http.MethodGet, path, nil, &wires); err != nil {
		return nil, err
	}

	out := make([]venue.DealEvent, 0, len(wires))
	for _, w := range wires {
		at, err := time.Parse(time.RFC3339Nano, w.Time)
		if err != nil {
			return nil, fmt.Errorf("deal for ticket %d: bad time: %w", ticket, err)
		}
		out = append(out, venue.DealEvent{Ticket: w.Ticket, Exit: w.Exit, Price: w.Price, Time: at})
	}
	return out, nil
}

// apiError is the bridge's error body: a machine code plus a message.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.session != "" {
		req.Header.Set("X-Session", c.session)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(resp.Body)
		var ae apiError
		if jsonErr := json.Unmarshal(raw, &ae); jsonErr == nil && ae.Code != "" {
			return &ae
		}
		return fmt.Errorf("bridge error (status %d): %s", resp.StatusCode, string(raw))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// commandError maps a bridge rejection onto the venue error taxonomy.
// Transport errors pass through untyped and stay retryable.
func commandError(op string, ticket int64, err error) error {
	ae, ok := err.(*apiError)
	if !ok {
		return err
	}
	code := venue.CodeRejected
	switch ae.Code {
	case "too_close", "invalid_stops":
		code = venue.CodeTooClose
	case "market_closed":
		code = venue.CodeMarketClosed
	case "not_found":
		code = venue.CodeNotFound
	}
	return &venue.CommandError{Op: op, Ticket: ticket, Code: code, Reason: ae.Message}
}
