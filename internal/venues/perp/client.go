package perp

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"dn-keeper-bot/internal/bundle"
	"dn-keeper-bot/internal/config"
)

type Client struct {
	baseURL string
	http    *http.Client
	stream  *Stream
	log     *zap.Logger
}

func NewClient(cfg config.PerpConfig, log *zap.Logger) *Client {
	c := &Client{
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: cfg.Timeout},
		log:     log,
	}
	if cfg.WSURL != "" {
		c.stream = NewStream(cfg.WSURL, cfg.ReconnectDelay, cfg.PingInterval, log)
	}
	return c
}

// StartStream begins the mark-price websocket feed, when configured.
func (c *Client) StartStream(ctx context.Context, tickers []string) error {
	if c.stream == nil {
		return nil
	}
	return c.stream.Start(ctx, tickers)
}

type legResponse struct {
	To    string  `json:"to"`
	Value float64 `json:"value"`
	Body  string  `json:"body"`
	Mode  int     `json:"mode"`
}

type markResponse struct {
	Price float64 `json:"price"`
}

type fundingResponse struct {
	Rate float64 `json:"rate"`
}

type positionResponse struct {
	Amount     float64 `json:"amount"`
	EntryPrice float64 `json:"entryPrice"`
}

func (c *Client) BuildOpenShort(ctx context.Context, vault string, amount, leverage float64) (bundle.Leg, error) {
	req := map[string]any{"vault": vault, "amount": amount, "leverage": leverage, "side": "short"}
	return c.buildLeg(ctx, "/v1/order/open", req)
}

func (c *Client) BuildCloseShort(ctx context.Context, vault string, amount float64) (bundle.Leg, error) {
	req := map[string]any{"vault": vault, "side": "short"}
	if amount > 0 {
		req["amount"] = amount
	}
	return c.buildLeg(ctx, "/v1/order/close", req)
}

func (c *Client) buildLeg(ctx context.Context, path string, req map[string]any) (bundle.Leg, error) {
	var resp legResponse
	if err := c.postJSON(ctx, path, req, &resp); err != nil {
		return bundle.Leg{}, err
	}
	body, err := base64.StdEncoding.DecodeString(resp.Body)
	if err != nil {
		return bundle.Leg{}, fmt.Errorf("perp leg body: %w", err)
	}
	return bundle.Leg{
		To:    resp.To,
		Value: resp.Value,
		Body:  body,
		Mode:  bundle.SendMode(resp.Mode),
	}, nil
}

func (c *Client) GetMarkPrice(ctx context.Context, ticker string) (float64, error) {
	if c.stream != nil {
		if price, ok := c.stream.MarkPrice(ticker); ok {
			return price, nil
		}
	}
	var resp markResponse
	if err := c.getJSON(ctx, "/v1/mark/"+ticker, &resp); err != nil {
		return 0, err
	}
	return resp.Price, nil
}

func (c *Client) GetFundingRate(ctx context.Context, ticker string) (float64, error) {
	var resp fundingResponse
	if err := c.getJSON(ctx, "/v1/funding/"+ticker, &resp); err != nil {
		return 0, err
	}
	return resp.Rate, nil
}

func (c *Client) GetPosition(ctx context.Context, ticker, vault string) (Position, error) {
	var resp positionResponse
	if err := c.getJSON(ctx, fmt.Sprintf("/v1/position/%s/%s", ticker, vault), &resp); err != nil {
		return Position{}, err
	}
	return Position{Amount: resp.Amount, EntryPrice: resp.EntryPrice}, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	return c.do(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	}, out)
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return c.do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, out)
}

func (c *Client) do(ctx context.Context, build func() (*http.Request, error), out any) error {
	backoff := 200 * time.Millisecond
	for attempt := 0; ; attempt++ {
		req, err := build()
		if err != nil {
			return err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			resp.Body.Close()
			if attempt >= 4 {
				return errors.New("perp venue rate limited")
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			resp.Body.Close()
			return fmt.Errorf("perp http %d: %s", resp.StatusCode, string(body))
		}
		err = json.NewDecoder(resp.Body).Decode(out)
		resp.Body.Close()
		return err
	}
}
