package perp

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Stream maintains a websocket subscription to venue mark prices and caches
// the latest tick per ticker. The REST mark-price endpoint remains the
// fallback; losing the stream degrades latency, not correctness.
type Stream struct {
	url            string
	reconnectDelay time.Duration
	pingInterval   time.Duration
	log            *zap.Logger

	mu      sync.RWMutex
	conn    *websocket.Conn
	tickers []string
	prices  map[string]float64
}

func NewStream(url string, reconnectDelay, pingInterval time.Duration, log *zap.Logger) *Stream {
	return &Stream{
		url:            url,
		reconnectDelay: reconnectDelay,
		pingInterval:   pingInterval,
		log:            log,
		prices:         make(map[string]float64),
	}
}

// Start connects and runs the read loop in the background until ctx ends.
func (s *Stream) Start(ctx context.Context, tickers []string) error {
	s.mu.Lock()
	s.tickers = append([]string(nil), tickers...)
	s.mu.Unlock()
	if err := s.connect(ctx); err != nil {
		return err
	}
	go s.run(ctx)
	return nil
}

func (s *Stream) MarkPrice(ticker string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	price, ok := s.prices[ticker]
	return price, ok && price > 0
}

func (s *Stream) run(ctx context.Context) {
	for {
		if err := s.ensureConnected(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.sleep(ctx)
			continue
		}
		pingCtx, cancel := context.WithCancel(ctx)
		pingDone := make(chan struct{})
		go func() {
			defer close(pingDone)
			s.pingLoop(pingCtx)
		}()
		err := s.readLoop(ctx)
		cancel()
		<-pingDone
		if ctx.Err() != nil {
			return
		}
		if err != nil && s.log != nil {
			s.log.Warn("mark price stream ended", zap.Error(err))
		}
		s.resetConn()
		s.sleep(ctx)
	}
}

func (s *Stream) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(s.reconnectDelay):
	}
}

func (s *Stream) connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return nil
	}
	conn, _, err := websocket.Dial(ctx, s.url, nil)
	if err != nil {
		return err
	}
	s.conn = conn
	return nil
}

func (s *Stream) ensureConnected(ctx context.Context) error {
	if err := s.connect(ctx); err != nil {
		return err
	}
	s.mu.RLock()
	conn := s.conn
	tickers := append([]string(nil), s.tickers...)
	s.mu.RUnlock()
	sub := map[string]any{"method": "subscribe", "channel": "markPrices", "tickers": tickers}
	return writeJSON(ctx, conn, sub)
}

type markTick struct {
	Channel string  `json:"channel"`
	Ticker  string  `json:"ticker"`
	Price   float64 `json:"price"`
}

func (s *Stream) readLoop(ctx context.Context) error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return errors.New("stream not connected")
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var tick markTick
		if err := json.Unmarshal(data, &tick); err != nil {
			continue
		}
		if tick.Channel != "markPrices" || tick.Ticker == "" || tick.Price <= 0 {
			continue
		}
		s.mu.Lock()
		s.prices[tick.Ticker] = tick.Price
		s.mu.Unlock()
	}
}

func (s *Stream) pingLoop(ctx context.Context) {
	s.mu.RLock()
	conn := s.conn
	interval := s.pingInterval
	s.mu.RUnlock()
	if conn == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writeJSON(ctx, conn, map[string]any{"method": "ping"}); err != nil {
				return
			}
		}
	}
}

func (s *Stream) resetConn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.Close(websocket.StatusNormalClosure, "reset")
		s.conn = nil
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
