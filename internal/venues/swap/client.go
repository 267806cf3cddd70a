package swap

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

var ErrSymbolNotFound = errors.New("swap symbol not found")

type Client struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger
}

func NewClient(cfg config.SwapConfig, log *zap.Logger) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: cfg.Timeout},
		log:     log,
	}
}

type resolveResponse struct {
	Address string `json:"address"`
}

type quoteResponse struct {
	ExpectedOutput float64 `json:"expectedOutput"`
	PriceImpact    float64 `json:"priceImpact"`
}

type swapResponse struct {
	To    string  `json:"to"`
	Value float64 `json:"value"`
	Body  string  `json:"body"`
	Mode  int     `json:"mode"`
}

func (c *Client) ResolveSymbol(ctx context.Context, ticker string) (string, error) {
	var resp resolveResponse
	if err := c.getJSON(ctx, "/v1/assets/"+ticker, &resp); err != nil {
		return "", err
	}
	if resp.Address == "" {
		return "", fmt.Errorf("%w: %s", ErrSymbolNotFound, ticker)
	}
	return resp.Address, nil
}

func (c *Client) Quote(ctx context.Context, from, to string, amount float64) (Quote, error) {
	req := map[string]any{"from": from, "to": to, "amount": amount}
	var resp quoteResponse
	if err := c.postJSON(ctx, "/v1/quote", req, &resp); err != nil {
		return Quote{}, err
	}
	return Quote{ExpectedOutput: resp.ExpectedOutput, PriceImpact: resp.PriceImpact}, nil
}

func (c *Client) BuildSwap(ctx context.Context, from, to string, amount, minOutput float64) (bundle.Leg, error) {
	req := map[string]any{"from": from, "to": to, "amount": amount, "minOutput": minOutput}
	var resp swapResponse
	if err := c.postJSON(ctx, "/v1/swap", req, &resp); err != nil {
		return bundle.Leg{}, err
	}
	body, err := base64.StdEncoding.DecodeString(resp.Body)
	if err != nil {
		return bundle.Leg{}, fmt.Errorf("swap body: %w", err)
	}
	return bundle.Leg{
		To:    resp.To,
		Value: resp.Value,
		Body:  body,
		Mode:  bundle.SendMode(resp.Mode),
	}, nil
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

// do retries rate-limited responses with doubling backoff; the request is
// rebuilt each attempt so POST bodies survive the retry.
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
				return errors.New("swap venue rate limited")
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
			return fmt.Errorf("swap http %d: %s", resp.StatusCode, string(body))
		}
		err = json.NewDecoder(resp.Body).Decode(out)
		resp.Body.Close()
		return err
	}
}
