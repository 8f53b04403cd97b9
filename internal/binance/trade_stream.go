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

// TradeHandler receives aggregated trades with monotonic ids per symbol.
type TradeHandler func(market.Trade)

type aggTradeEvent struct {
	Data struct {
		EventType    string `json:"e"`
		Symbol       string `json:"s"`
		AggTradeID   int64  `json:"a"`
		Price        string `json:"p"`
		Quantity     string `json:"q"`
		TradeTime    int64  `json:"T"`
		IsBuyerMaker bool   `json:"m"`
	} `json:"data"`
}

// TradeStream subscribes to aggTrade streams. Trades are best-effort: under
// overload the handler should be fast or drop internally; the stream itself
// does not buffer.
type TradeStream struct {
	wsBaseURL string
	streams   []string
	handler   TradeHandler
	log       zerolog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	running bool
	lastID  map[string]int64
}

// NewTradeStream builds an aggTrade stream for the symbols.
func NewTradeStream(wsBaseURL string, symbols []string, handler TradeHandler, log zerolog.Logger) *TradeStream {
	streams := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		streams = append(streams, strings.ToLower(symbol)+"@aggTrade")
	}
	return &TradeStream{
		wsBaseURL: wsBaseURL,
		streams:   streams,
		handler:   handler,
		log:       log.With().Str("component", "trade_stream").Logger(),
		lastID:    make(map[string]int64),
	}
}

// Start connects and spawns the read loop. Returns immediately.
func (s *TradeStream) Start() {
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
func (s *TradeStream) Stop() {
	s.mu.Lock()
	s.running = false
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()
}

func (s *TradeStream) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *TradeStream) connectLoop() {
	wsURL := s.wsBaseURL + "/stream?streams=" + strings.Join(s.streams, "/")

	for s.isRunning() {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			s.log.Error().Err(err).Msg("trade stream connection failed, retrying in 5s")
			time.Sleep(5 * time.Second)
			continue
		}

		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		s.log.Info().Int("streams", len(s.streams)).Msg("trade stream connected")

		s.readLoop(conn)

		if !s.isRunning() {
			return
		}
		s.log.Warn().Msg("trade stream lost, reconnecting in 3s")
		time.Sleep(3 * time.Second)
	}
}

func (s *TradeStream) readLoop(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Error().Err(err).Msg("trade stream read error")
			}
			return
		}
		s.handleMessage(message)
	}
}

func (s *TradeStream) handleMessage(message []byte) {
	var event aggTradeEvent
	if err := json.Unmarshal(message, &event); err != nil {
		s.log.Warn().Err(err).Msg("unparseable trade event")
		return
	}
	if event.Data.EventType != "aggTrade" {
		return
	}

	trade, err := eventToTrade(event)
	if err != nil {
		s.log.Warn().Err(err).Str("symbol", event.Data.Symbol).Msg("dropping invalid trade event")
		return
	}

	// Enforce monotonic agg trade ids across reconnects.
	s.mu.Lock()
	if last, ok := s.lastID[trade.Symbol]; ok && trade.AggTradeID <= last {
		s.mu.Unlock()
		return
	}
	s.lastID[trade.Symbol] = trade.AggTradeID
	s.mu.Unlock()

	s.handler(trade)
}

func eventToTrade(event aggTradeEvent) (market.Trade, error) {
	price, err := decimal.NewFromString(event.Data.Price)
	if err != nil {
		return market.Trade{}, fmt.Errorf("trade price: %w", err)
	}
	quantity, err := decimal.NewFromString(event.Data.Quantity)
	if err != nil {
		return market.Trade{}, fmt.Errorf("trade quantity: %w", err)
	}
	return market.Trade{
		Symbol:       event.Data.Symbol,
		AggTradeID:   event.Data.AggTradeID,
		Price:        price,
		Quantity:     quantity,
		Timestamp:    time.UnixMilli(event.Data.TradeTime).UTC(),
		IsBuyerMaker: event.Data.IsBuyerMaker,
	}, nil
}
