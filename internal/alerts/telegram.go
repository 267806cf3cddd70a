package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"dn-keeper-bot/internal/config"

	"go.uber.org/zap"
)

const (
	telegramBaseURL = "https://api.telegram.org"

	// messagePrefix tags every alert with the sending service; several
	// bots can share one operator channel.
	messagePrefix = "[dn-keeper] "

	// repeatWindow suppresses identical alerts fired by consecutive
	// monitor cycles. A stuck panic unwind re-alerts every risk pass
	// otherwise.
	repeatWindow = 10 * time.Minute
)

type Telegram struct {
	enabled bool
	token   string
	chatID  string
	baseURL string
	client  *http.Client
	log     *zap.Logger

	now      func() time.Time
	mu       sync.Mutex
	lastSent map[string]time.Time
}

func NewTelegram(cfg config.TelegramConfig, log *zap.Logger) *Telegram {
	return newTelegram(cfg, log, telegramBaseURL, &http.Client{Timeout: 10 * time.Second})
}

func newTelegram(cfg config.TelegramConfig, log *zap.Logger, baseURL string, client *http.Client) *Telegram {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Telegram{
		enabled:  cfg.Enabled,
		token:    strings.TrimSpace(cfg.Token),
		chatID:   strings.TrimSpace(cfg.ChatID),
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   client,
		log:      log,
		now:      time.Now,
		lastSent: make(map[string]time.Time),
	}
}

func (t *Telegram) Send(ctx context.Context, message string) error {
	if !t.enabled {
		return nil
	}
	if t.token == "" || t.chatID == "" {
		return errors.New("telegram token and chat_id are required")
	}
	message = strings.TrimSpace(message)
	if message == "" {
		return errors.New("telegram message is empty")
	}
	if t.suppressed(message) {
		t.log.Debug("repeat alert suppressed", zap.String("message", message))
		return nil
	}
	payload := map[string]string{
		"chat_id": t.chatID,
		"text":    messagePrefix + message,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("telegram send failed: http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			desc := strings.TrimSpace(result.Description)
			if desc == "" {
				desc = "unknown telegram error"
			}
			return fmt.Errorf("telegram send failed: %s", desc)
		}
	}
	t.markSent(message)
	return nil
}

// suppressed reports whether the identical message went out within the
// repeat window.
func (t *Telegram) suppressed(message string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	last, ok := t.lastSent[message]
	return ok && t.now().Sub(last) < repeatWindow
}

func (t *Telegram) markSent(message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	for msg, at := range t.lastSent {
		if now.Sub(at) >= repeatWindow {
			delete(t.lastSent, msg)
		}
	}
	t.lastSent[message] = now
}
