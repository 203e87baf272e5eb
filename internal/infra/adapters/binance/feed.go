// Package binance streams public spot trades and tickers from Binance.
package binance

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coachpo/quantflow/internal/app/datasource"
	"github.com/coachpo/quantflow/internal/domain/schema"
)

// DefaultURL is the public spot market stream endpoint.
const DefaultURL = "wss://stream.binance.com:9443"

const (
	binanceReadLimit           = 2 * 1024 * 1024
	binanceDialTimeout         = 10 * time.Second
	binanceControlWriteTimeout = 5 * time.Second
)

// Feed dials one connection per instrument and subscribes to its trade and
// ticker streams.
type Feed struct {
	baseURL  string
	msgIDGen atomic.Uint64
}

// New constructs a Binance feed. An empty baseURL uses DefaultURL.
func New(baseURL string) *Feed {
	baseURL = strings.TrimSuffix(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultURL
	}
	return &Feed{baseURL: baseURL}
}

// Name implements datasource.Feed.
func (f *Feed) Name() string { return "binance" }

type subscribeRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     uint64   `json:"id"`
}

type wsError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// envelope carries the keys shared by control responses and stream payloads.
type envelope struct {
	ID        *uint64          `json:"id"`
	Error     *wsError         `json:"error,omitempty"`
	EventType string           `json:"e"`
	EventTime binanceTimestamp `json:"E"`
}

type tradeMessage struct {
	EventType string           `json:"e"`
	EventTime binanceTimestamp `json:"E"`
	Symbol    string           `json:"s"`
	TradeID   int64            `json:"t"`
	Price     string           `json:"p"`
	Quantity  string           `json:"q"`
	TradeTime binanceTimestamp `json:"T"`
	Maker     bool             `json:"m"`
}

// tickerMessage declares the upper-case keys too so case-insensitive matching
// cannot route them into the price fields.
type tickerMessage struct {
	EventType      string           `json:"e"`
	EventTime      binanceTimestamp `json:"E"`
	Symbol         string           `json:"s"`
	PriceChange    string           `json:"p"`
	PriceChangePct string           `json:"P"`
	LastPrice      string           `json:"c"`
	LastQuantity   string           `json:"Q"`
	BidPrice       string           `json:"b"`
	BidQuantity    string           `json:"B"`
	AskPrice       string           `json:"a"`
	AskQuantity    string           `json:"A"`
	OpenTime       binanceTimestamp `json:"O"`
	CloseTime      binanceTimestamp `json:"C"`
}

// Symbol maps an instrument such as BTC-USDT to the lower-case stream symbol.
func Symbol(instrument string) string {
	normalized := schema.NormalizeInstrument(instrument)
	return strings.ToLower(strings.NewReplacer("-", "", "/", "", "_", "").Replace(normalized))
}

// Connect implements datasource.Feed.
func (f *Feed) Connect(ctx context.Context, instrument string) (datasource.Stream, error) {
	symbol := Symbol(instrument)
	if symbol == "" {
		return nil, fmt.Errorf("binance: instrument required")
	}
	dialCtx, cancel := context.WithTimeout(ctx, binanceDialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, f.baseURL+"/ws", nil)
	if err != nil {
		return nil, fmt.Errorf("binance: dial: %w", err)
	}
	conn.SetReadLimit(binanceReadLimit)

	req := subscribeRequest{
		Method: "SUBSCRIBE",
		Params: []string{symbol + "@trade", symbol + "@ticker"},
		ID:     f.msgIDGen.Add(1),
	}
	payload, err := json.Marshal(req)
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "marshal")
		return nil, fmt.Errorf("binance: marshal subscribe: %w", err)
	}
	writeCtx, cancelWrite := context.WithTimeout(ctx, binanceControlWriteTimeout)
	err = conn.Write(writeCtx, websocket.MessageText, payload)
	cancelWrite()
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "subscribe")
		return nil, fmt.Errorf("binance: write subscribe: %w", err)
	}
	return &stream{
		conn:       conn,
		instrument: schema.NormalizeInstrument(instrument),
		session:    uuid.NewString(),
	}, nil
}

// stream numbers events locally; Binance trade ids and ticker update ids are
// separate sequences.
type stream struct {
	conn       *websocket.Conn
	instrument string
	session    string
	seq        uint64
}

func (s *stream) Recv(ctx context.Context) (schema.MarketEvent, error) {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return schema.MarketEvent{}, fmt.Errorf("binance: read: %w", err)
		}
		var msg envelope
		if err := json.Unmarshal(data, &msg); err != nil {
			return schema.MarketEvent{}, fmt.Errorf("binance: decode: %w", err)
		}
		if msg.Error != nil {
			return schema.MarketEvent{}, fmt.Errorf("binance: subscribe rejected: %d %s", msg.Error.Code, msg.Error.Msg)
		}
		if msg.ID != nil {
			continue
		}
		ev, ok, err := s.toEvent(msg.EventType, data)
		if err != nil {
			return schema.MarketEvent{}, err
		}
		if !ok {
			continue
		}
		return ev, nil
	}
}

func (s *stream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}

func (s *stream) toEvent(eventType string, data []byte) (schema.MarketEvent, bool, error) {
	ev := schema.MarketEvent{Instrument: s.instrument, Session: s.session}
	switch eventType {
	case "trade":
		var msg tradeMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return ev, false, fmt.Errorf("binance: decode trade: %w", err)
		}
		price, err := parseDecimal(msg.Price)
		if err != nil {
			return ev, false, err
		}
		qty, err := parseDecimal(msg.Quantity)
		if err != nil {
			return ev, false, err
		}
		ev.Kind = schema.EventKindTrade
		ev.Price = price
		ev.Quantity = qty
		ev.Time = msg.TradeTime.Time()
		if ev.Time.IsZero() {
			ev.Time = msg.EventTime.Time()
		}
	case "24hrTicker":
		var msg tickerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return ev, false, fmt.Errorf("binance: decode ticker: %w", err)
		}
		bid, err := parseDecimal(msg.BidPrice)
		if err != nil {
			return ev, false, err
		}
		ask, err := parseDecimal(msg.AskPrice)
		if err != nil {
			return ev, false, err
		}
		ev.Kind = schema.EventKindQuote
		ev.Bid = bid
		ev.Ask = ask
		ev.Time = msg.EventTime.Time()
	default:
		return ev, false, nil
	}
	s.seq++
	ev.Seq = s.seq
	return ev, true, nil
}

func parseDecimal(raw string) (decimal.Decimal, error) {
	if strings.TrimSpace(raw) == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("binance: invalid decimal %q: %w", raw, err)
	}
	return d, nil
}

type binanceTimestamp int64

func (ts *binanceTimestamp) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*ts = 0
		return nil
	}
	if trimmed[0] == '"' && trimmed[len(trimmed)-1] == '"' {
		trimmed = bytes.TrimSpace(trimmed[1 : len(trimmed)-1])
		if len(trimmed) == 0 {
			*ts = 0
			return nil
		}
	}
	if parsed, err := strconv.ParseInt(string(trimmed), 10, 64); err == nil {
		*ts = binanceTimestamp(parsed)
		return nil
	}
	if parsed, err := strconv.ParseFloat(string(trimmed), 64); err == nil {
		*ts = binanceTimestamp(int64(parsed))
		return nil
	}
	return fmt.Errorf("binance: invalid timestamp %q", string(data))
}

// Time converts the millisecond timestamp; zero stays zero.
func (ts binanceTimestamp) Time() time.Time {
	if ts <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(ts)).UTC()
}
