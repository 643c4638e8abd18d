package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/stratforge/crypto-strategy-engine/pkg/types"
)

// Public v5 stream endpoints.
const (
	StreamMainnet = "wss://stream.bybit.com/v5/public/spot"
	StreamTestnet = "wss://stream-testnet.bybit.com/v5/public/spot"
)

const (
	reconnectMin = 1 * time.Second
	reconnectMax = 30 * time.Second
	pingInterval = 20 * time.Second
	readLimit    = 2 << 20
)

// streamMessage is the envelope for both topic pushes and op acks.
type streamMessage struct {
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	TS      int64           `json:"ts"`
	Data    json.RawMessage `json:"data"`
	Op      string          `json:"op"`
	Success bool            `json:"success"`
	RetMsg  string          `json:"ret_msg"`
}

type subscribeMessage struct {
	Op   string   `json:"op"`
	Args []string `json:"args"`
}

// TickerStream maintains a public websocket subscription to ticker topics
// and republishes parsed updates. It reconnects with doubling backoff and
// resubscribes after every reconnect.
type TickerStream struct {
	url     string
	topics  []string
	log     *logrus.Logger
	tickers chan types.Ticker

	mu   sync.Mutex // guards conn writes
	conn *websocket.Conn

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewTickerStream builds a stream for the given symbols. Start must be
// called before Tickers yields anything.
func NewTickerStream(url string, symbols []string, log *logrus.Logger) *TickerStream {
	topics := make([]string, 0, len(symbols))
	for _, s := range symbols {
		topics = append(topics, "tickers."+s)
	}
	return &TickerStream{
		url:     url,
		topics:  topics,
		log:     log,
		tickers: make(chan types.Ticker, 256),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Tickers returns the channel of parsed ticker updates. The channel is
// closed when the stream shuts down.
func (s *TickerStream) Tickers() <-chan types.Ticker { return s.tickers }

// Start dials the endpoint, subscribes and launches the read loop.
func (s *TickerStream) Start(ctx context.Context) error {
	if err := s.dial(ctx); err != nil {
		return err
	}
	go s.readLoop()
	go s.pingLoop()
	return nil
}

// Close tears the stream down. Safe to call more than once.
func (s *TickerStream) Close() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.mu.Lock()
		if s.conn != nil {
			s.conn.Close()
		}
		s.mu.Unlock()
		<-s.done
	})
}

func (s *TickerStream) dial(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.url, err)
	}
	conn.SetReadLimit(readLimit)

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	if err := s.subscribe(); err != nil {
		conn.Close()
		return err
	}
	s.log.WithFields(logrus.Fields{"url": s.url, "topics": len(s.topics)}).Info("ticker stream connected")
	return nil
}

func (s *TickerStream) subscribe() error {
	if len(s.topics) == 0 {
		return nil
	}
	return s.writeJSON(subscribeMessage{Op: "subscribe", Args: s.topics})
}

func (s *TickerStream) writeJSON(v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("stream not connected")
	}
	return s.conn.WriteJSON(v)
}

func (s *TickerStream) readLoop() {
	defer close(s.done)
	defer close(s.tickers)

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			if !s.reconnect() {
				return
			}
			continue
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
			}
			s.log.WithError(err).Warn("ticker stream read failed, reconnecting")
			if !s.reconnect() {
				return
			}
			continue
		}
		s.handle(raw)
	}
}

// reconnect redials with doubling backoff until it succeeds or the stream
// is closed. Returns false when closed.
func (s *TickerStream) reconnect() bool {
	backoff := reconnectMin
	for {
		select {
		case <-s.stopCh:
			return false
		case <-time.After(backoff):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := s.dial(ctx)
		cancel()
		if err == nil {
			return true
		}
		s.log.WithError(err).WithField("backoff", backoff.String()).Warn("ticker stream reconnect failed")

		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

func (s *TickerStream) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.writeJSON(map[string]string{"op": "ping"}); err != nil {
				s.log.WithError(err).Debug("ticker stream ping failed")
			}
		}
	}
}

func (s *TickerStream) handle(raw []byte) {
	var msg streamMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.log.WithError(err).Debug("ticker stream: bad frame")
		return
	}
	if msg.Op != "" {
		if msg.Op == "subscribe" && !msg.Success {
			s.log.WithField("ret_msg", msg.RetMsg).Warn("ticker stream subscribe rejected")
		}
		return
	}
	if len(msg.Topic) < len("tickers.") || msg.Topic[:len("tickers.")] != "tickers." {
		return
	}

	var data struct {
		Symbol    string `json:"symbol"`
		LastPrice string `json:"lastPrice"`
		Volume24h string `json:"volume24h"`
	}
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		s.log.WithError(err).Debug("ticker stream: bad ticker payload")
		return
	}
	price, err := strconv.ParseFloat(data.LastPrice, 64)
	if err != nil || price <= 0 {
		return
	}

	t := types.Ticker{
		Symbol:    data.Symbol,
		Price:     price,
		Timestamp: time.UnixMilli(msg.TS),
	}
	if v, err := strconv.ParseFloat(data.Volume24h, 64); err == nil {
		t.Volume = v
	}

	select {
	case s.tickers <- t:
	case <-s.stopCh:
	}
}
