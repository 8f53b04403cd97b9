package binance

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"perp-signal-engine/internal/market"
)

// KlineHandler receives every kline event. Closed bars arrive exactly once
// in ascending timestamp order per (symbol, timeframe); in-progress updates
// carry IsClosed=false.
type KlineHandler func(market.Kline)

// klineEvent mirrors the exchange's combined-stream kline payload.
type klineEvent struct {
	Data struct {
		EventType string `json:"e"`
		Symbol    string `json:"s"`
		Kline     struct {
			OpenTime int64  `json:"t"`
			Interval string `json:"i"`
			Open     string `json:"o"`
			High     string `json:"h"`
			Low      string `json:"l"`
			Close    string `json:"c"`
			Volume   string `json:"v"`
			IsClosed bool   `json:"x"`
		} `json:"k"`
	} `json:"data"`
}

// KlineStream subscribes to kline streams over one combined WebSocket
// connection and reconnects with resubscription on failure. Closed klines
// are a lossless channel: the read loop blocks on the handler rather than
// dropping bars.
type KlineStream struct {
	wsBaseURL string
	streams   []string
	handler   KlineHandler
	log       zerolog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	running  bool
	lastSeen map[string]time.Time // symbol:interval -> last closed open time
}

// NewKlineStream builds a stream for the given symbols and intervals.
func NewKlineStream(wsBaseURL string, symbols, intervals []string, handler KlineHandler, log zerolog.Logger) *KlineStream {
	var streams []string
	for _, symbol := range symbols {
		for _, interval := range intervals {
			streams = append(streams, fmt.Sprintf("%s@kline_%s", strings.ToLower(symbol), interval))
		}
	}
	return &KlineStream{
		wsBaseURL: wsBaseURL,
		streams:   streams,
		handler:   handler,
		log:       log.With().Str("component", "kline_stream").Logger(),
		lastSeen:  make(map[string]time.Time),
	}
}

// Start connects and spawns the read loop. Returns immediately.
func (s *KlineStream) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	go s.connectLoop()
}

// Stop closes the connection and halts reconnection.
func (s *KlineStream) Stop() {
	s.mu.Lock()
	s.running = false
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()
}

func (s *KlineStream) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *KlineStream) connectLoop() {
	wsURL := s.wsBaseURL + "/stream?streams=" + strings.Join(s.streams, "/")

	for s.isRunning() {
		s.log.Info().Int("streams", len(s.streams)).Msg("connecting kline stream")

		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			s.log.Error().Err(err).Msg("kline stream connection failed, retrying in 5s")
			time.Sleep(5 * time.Second)
			continue
		}

		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		s.log.Info().Msg("kline stream connected")

		s.readLoop(conn)

		if !s.isRunning() {
			return
		}
		s.log.Warn().Msg("kline stream lost, reconnecting in 3s")
		time.Sleep(3 * time.Second)
	}
}

func (s *KlineStream) readLoop(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Info().Msg("kline stream closed normally")
			} else {
				s.log.Error().Err(err).Msg("kline stream read error")
			}
			return
		}
		s.handleMessage(message)
	}
}

func (s *KlineStream) handleMessage(message []byte) {
	var event klineEvent
	if err := json.Unmarshal(message, &event); err != nil {
		s.log.Warn().Err(err).Msg("unparseable kline event")
		return
	}
	if event.Data.EventType != "kline" {
		return
	}

	k, err := eventToKline(event)
	if err != nil {
		s.log.Warn().Err(err).Str("symbol", event.Data.Symbol).Msg("dropping invalid kline event")
		return
	}

	// Duplicate closed bars can arrive after a reconnect; deliver each
	// closed bar once and in order.
	if k.IsClosed {
		key := k.Symbol + ":" + k.Timeframe
		s.mu.Lock()
		if last, ok := s.lastSeen[key]; ok && !k.Timestamp.After(last) {
			s.mu.Unlock()
			return
		}
		s.lastSeen[key] = k.Timestamp
		s.mu.Unlock()
	}

	s.handler(k)
}

func eventToKline(event klineEvent) (market.Kline, error) {
	raw := event.Data.Kline
	open, err := decimal.NewFromString(raw.Open)
	if err != nil {
		return market.Kline{}, fmt.Errorf("kline open: %w", err)
	}
	high, err := decimal.NewFromString(raw.High)
	if err != nil {
		return market.Kline{}, fmt.Errorf("kline high: %w", err)
	}
	low, err := decimal.NewFromString(raw.Low)
	if err != nil {
		return market.Kline{}, fmt.Errorf("kline low: %w", err)
	}
	closePx, err := decimal.NewFromString(raw.Close)
	if err != nil {
		return market.Kline{}, fmt.Errorf("kline close: %w", err)
	}
	volume, err := decimal.NewFromString(raw.Volume)
	if err != nil {
		return market.Kline{}, fmt.Errorf("kline volume: %w", err)
	}

	k := market.Kline{
		Symbol:    event.Data.Symbol,
		Timeframe: raw.Interval,
		Timestamp: time.UnixMilli(raw.OpenTime).UTC(),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closePx,
		Volume:    volume,
		IsClosed:  raw.IsClosed,
	}
	if err := k.Validate(); err != nil {
		return market.Kline{}, err
	}
	return k, nil
}
