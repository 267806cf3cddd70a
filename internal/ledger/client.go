package ledger

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"dn-keeper-bot/internal/bundle"
	"dn-keeper-bot/internal/config"
)

// HTTPClient implements Client against the ledger's JSON API. Rate-limit
// responses are retried in place with capped exponential backoff; every
// other failure surfaces to the caller, whose job-level retry policy owns
// recovery.
type HTTPClient struct {
	baseURL    string
	http       *http.Client
	maxRetries int
	retryBase  time.Duration
	retryCap   time.Duration
	log        *zap.Logger
}

func NewHTTP(cfg config.LedgerConfig, log *zap.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL:    cfg.BaseURL,
		http:       &http.Client{Timeout: cfg.Timeout},
		maxRetries: cfg.MaxRetries,
		retryBase:  cfg.RetryBase,
		retryCap:   cfg.RetryCap,
		log:        log,
	}
}

type accountResponse struct {
	Balance  float64 `json:"balance"`
	Seqno    uint64  `json:"seqno"`
	Deployed bool    `json:"deployed"`
}

type transactionResponse struct {
	Value        float64 `json:"value"`
	Sender       string  `json:"sender"`
	Body         string  `json:"body"`
	LogicalOrder uint64  `json:"lt"`
}

type broadcastResponse struct {
	Seqno uint64 `json:"seqno"`
}

func (c *HTTPClient) GetAccount(ctx context.Context, account string) (AccountState, error) {
	var resp accountResponse
	err := c.getJSON(ctx, "/v1/account/"+account, &resp)
	if err != nil {
		return AccountState{}, err
	}
	return AccountState{Balance: resp.Balance, Seqno: resp.Seqno, Deployed: resp.Deployed}, nil
}

func (c *HTTPClient) GetBalance(ctx context.Context, account string) (float64, error) {
	state, err := c.GetAccount(ctx, account)
	if err != nil {
		return 0, err
	}
	return state.Balance, nil
}

func (c *HTTPClient) GetTokenBalance(ctx context.Context, account, token string) (float64, error) {
	var resp struct {
		Balance float64 `json:"balance"`
	}
	path := fmt.Sprintf("/v1/account/%s/token/%s", account, token)
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return 0, err
	}
	return resp.Balance, nil
}

func (c *HTTPClient) GetTransactions(ctx context.Context, account string, limit int) ([]Transaction, error) {
	var resp []transactionResponse
	path := fmt.Sprintf("/v1/account/%s/transactions?limit=%d", account, limit)
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return nil, err
	}
	txs := make([]Transaction, 0, len(resp))
	for _, tx := range resp {
		body, err := base64.StdEncoding.DecodeString(tx.Body)
		if err != nil {
			// Tolerate malformed bodies; the monitor skips undecodable
			// comments anyway.
			body = nil
		}
		txs = append(txs, Transaction{
			Value:        tx.Value,
			Sender:       tx.Sender,
			Body:         body,
			LogicalOrder: tx.LogicalOrder,
		})
	}
	return txs, nil
}

func (c *HTTPClient) Broadcast(ctx context.Context, signed bundle.Signed) (BroadcastResult, error) {
	req := map[string]string{
		"payload":   base64.StdEncoding.EncodeToString(signed.Payload),
		"signature": hex.EncodeToString(signed.Signature),
		"hash":      hex.EncodeToString(signed.Hash),
	}
	var resp broadcastResponse
	if err := c.postJSON(ctx, "/v1/broadcast", req, &resp); err != nil {
		return BroadcastResult{}, err
	}
	return BroadcastResult{Seqno: resp.Seqno}, nil
}

func (c *HTTPClient) getJSON(ctx context.Context, path string, out any) error {
	return c.withRetry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return err
		}
		return c.do(req, out)
	})
}

func (c *HTTPClient) postJSON(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return c.withRetry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		return c.do(req, out)
	})
}

func (c *HTTPClient) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		return ErrRateLimited
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ledger http %d: %s", resp.StatusCode, string(body))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// withRetry retries rate-limited calls only. Other errors return immediately.
func (c *HTTPClient) withRetry(ctx context.Context, fn func() error) error {
	backoff := c.retryBase
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || err != ErrRateLimited {
			return err
		}
		if attempt >= c.maxRetries {
			return fmt.Errorf("retries exhausted: %w", err)
		}
		if c.log != nil {
			c.log.Debug("ledger rate limited, backing off", zap.Duration("backoff", backoff))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.retryCap {
			backoff = c.retryCap
		}
	}
}
