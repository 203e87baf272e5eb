// Package wsfeed streams market data from a JSON-over-websocket upstream.
package wsfeed

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/quantflow/internal/app/datasource"
	"github.com/coachpo/quantflow/internal/domain/schema"
)

const (
	readLimit    = 1 << 20
	writeTimeout = 5 * time.Second
	dialTimeout  = 10 * time.Second
)

// Feed dials one websocket connection per subscribed instrument.
type Feed struct {
	url string
}

// New constructs a websocket feed for url.
func New(url string) *Feed {
	return &Feed{url: strings.TrimSpace(url)}
}

// Name implements datasource.Feed.
func (f *Feed) Name() string { return "websocket" }

type subscribeRequest struct {
	Op         string `json:"op"`
	Instrument string `json:"instrument"`
}

// frame is the upstream wire format. Timestamps are unix milliseconds.
type frame struct {
	Type       string          `json:"type"`
	Instrument string          `json:"instrument"`
	Kind       string          `json:"kind"`
	Seq        uint64          `json:"seq"`
	Timestamp  int64           `json:"ts"`
	Price      decimal.Decimal `json:"price"`
	Quantity   decimal.Decimal `json:"qty"`
	Bid        decimal.Decimal `json:"bid"`
	Ask        decimal.Decimal `json:"ask"`
	Session    string          `json:"session"`
	Error      string          `json:"error,omitempty"`
}

// Connect implements datasource.Feed.
func (f *Feed) Connect(ctx context.Context, instrument string) (datasource.Stream, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, f.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", f.url, err)
	}
	conn.SetReadLimit(readLimit)

	payload, err := json.Marshal(subscribeRequest{Op: "subscribe", Instrument: instrument})
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "marshal")
		return nil, fmt.Errorf("marshal subscribe: %w", err)
	}
	writeCtx, cancelWrite := context.WithTimeout(ctx, writeTimeout)
	err = conn.Write(writeCtx, websocket.MessageText, payload)
	cancelWrite()
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "subscribe")
		return nil, fmt.Errorf("write subscribe: %w", err)
	}
	return &stream{conn: conn, instrument: instrument}, nil
}

type stream struct {
	conn       *websocket.Conn
	instrument string
}

func (s *stream) Recv(ctx context.Context) (schema.MarketEvent, error) {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return schema.MarketEvent{}, fmt.Errorf("read frame: %w", err)
		}
		var msg frame
		if err := json.Unmarshal(data, &msg); err != nil {
			return schema.MarketEvent{}, fmt.Errorf("decode frame: %w", err)
		}
		switch strings.ToLower(msg.Type) {
		case "error":
			return schema.MarketEvent{}, fmt.Errorf("upstream error: %s", msg.Error)
		case "ack", "heartbeat":
			continue
		}
		ev, ok := toEvent(msg, s.instrument)
		if !ok {
			continue
		}
		return ev, nil
	}
}

func (s *stream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}

func toEvent(msg frame, fallback string) (schema.MarketEvent, bool) {
	instrument := schema.NormalizeInstrument(msg.Instrument)
	if instrument == "" {
		instrument = fallback
	}
	kind := schema.EventKindTrade
	switch strings.ToLower(msg.Kind) {
	case "", "trade":
	case "quote", "ticker", "book":
		kind = schema.EventKindQuote
	default:
		return schema.MarketEvent{}, false
	}
	ev := schema.MarketEvent{
		Instrument: instrument,
		Kind:       kind,
		Seq:        msg.Seq,
		Price:      msg.Price,
		Quantity:   msg.Quantity,
		Bid:        msg.Bid,
		Ask:        msg.Ask,
		Session:    msg.Session,
	}
	if msg.Timestamp > 0 {
		ev.Time = time.UnixMilli(msg.Timestamp).UTC()
	}
	return ev, true
}
