package feed

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/minutex/exchange-engine/internal/model"
)

// Source identifiers. The kraken transport carries two logical
// sub-sources, one per quote currency.
const (
	SourceBinance     = "binance"
	SourceCoinbase    = "coinbase"
	SourceKrakenUSD   = "kraken-usd"
	SourceKrakenUSDT  = "kraken-usdt"
	SourceBitstamp    = "bitstamp"
)

// NewBinanceAdapter streams the combined best bid/ask for BTCUSDT.
func NewBinanceAdapter(out chan<- model.PriceSample, backoff Backoff, maxAttempts int) *WSAdapter {
	return NewWSAdapter(WSConfig{
		Name:  SourceBinance,
		URL:   "wss://stream.binance.com:9443/ws/btcusdt@bookTicker",
		Parse: parseBinanceBookTicker,
	}, out, backoff, maxAttempts)
}

func parseBinanceBookTicker(msg []byte) ([]model.PriceSample, error) {
	// The quantity keys B/A are declared so that encoding/json's
	// case-insensitive key matching cannot fold them into b/a.
	var raw struct {
		Bid    string `json:"b"`
		Ask    string `json:"a"`
		BidQty string `json:"B"`
		AskQty string `json:"A"`
	}
	if err := json.Unmarshal(msg, &raw); err != nil {
		return nil, err
	}
	if raw.Bid == "" || raw.Ask == "" {
		return nil, nil // control frame
	}
	bid, err := strconv.ParseFloat(raw.Bid, 64)
	if err != nil {
		return nil, fmt.Errorf("bad bid %q: %w", raw.Bid, err)
	}
	ask, err := strconv.ParseFloat(raw.Ask, 64)
	if err != nil {
		return nil, fmt.Errorf("bad ask %q: %w", raw.Ask, err)
	}
	return []model.PriceSample{{
		SourceID:  SourceBinance,
		Mid:       (bid + ask) / 2,
		BestBid:   bid,
		BestAsk:   ask,
		Timestamp: time.Now().UnixMilli(),
	}}, nil
}

// NewCoinbaseAdapter streams the BTC-USD ticker channel.
func NewCoinbaseAdapter(out chan<- model.PriceSample, backoff Backoff, maxAttempts int) *WSAdapter {
	return NewWSAdapter(WSConfig{
		Name: SourceCoinbase,
		URL:  "wss://ws-feed.exchange.coinbase.com",
		Subscribe: func(conn *websocket.Conn) error {
			return writeJSON(conn, map[string]any{
				"type":        "subscribe",
				"product_ids": []string{"BTC-USD"},
				"channels":    []string{"ticker"},
			})
		},
		Parse: parseCoinbaseTicker,
	}, out, backoff, maxAttempts)
}

func parseCoinbaseTicker(msg []byte) ([]model.PriceSample, error) {
	var raw struct {
		Type    string `json:"type"`
		Price   string `json:"price"`
		BestBid string `json:"best_bid"`
		BestAsk string `json:"best_ask"`
	}
	if err := json.Unmarshal(msg, &raw); err != nil {
		return nil, err
	}
	if raw.Type != "ticker" {
		return nil, nil
	}
	price, err := strconv.ParseFloat(raw.Price, 64)
	if err != nil {
		return nil, fmt.Errorf("bad price %q: %w", raw.Price, err)
	}
	bid, _ := strconv.ParseFloat(raw.BestBid, 64)
	ask, _ := strconv.ParseFloat(raw.BestAsk, 64)
	return []model.PriceSample{{
		SourceID:  SourceCoinbase,
		Mid:       price,
		BestBid:   bid,
		BestAsk:   ask,
		Timestamp: time.Now().UnixMilli(),
	}}, nil
}

// NewKrakenAdapter streams XBT/USD and XBT/USDT tickers over one
// socket, emitting a distinct source ID per pair.
func NewKrakenAdapter(out chan<- model.PriceSample, backoff Backoff, maxAttempts int) *WSAdapter {
	return NewWSAdapter(WSConfig{
		Name: "kraken",
		URL:  "wss://ws.kraken.com",
		Subscribe: func(conn *websocket.Conn) error {
			return writeJSON(conn, map[string]any{
				"event":        "subscribe",
				"pair":         []string{"XBT/USD", "XBT/USDT"},
				"subscription": map[string]string{"name": "ticker"},
			})
		},
		Parse: parseKrakenTicker,
	}, out, backoff, maxAttempts)
}

var krakenPairSources = map[string]string{
	"XBT/USD":  SourceKrakenUSD,
	"XBT/USDT": SourceKrakenUSDT,
}

func parseKrakenTicker(msg []byte) ([]model.PriceSample, error) {
	// Ticker frames are arrays: [channelID, payload, "ticker", pair].
	// Everything else (heartbeats, subscription acks) is an object.
	var arr []json.RawMessage
	if err := json.Unmarshal(msg, &arr); err != nil {
		return nil, nil // non-ticker frame
	}
	if len(arr) < 4 {
		return nil, nil
	}
	var pair string
	if err := json.Unmarshal(arr[len(arr)-1], &pair); err != nil {
		return nil, nil
	}
	sourceID, ok := krakenPairSources[pair]
	if !ok {
		return nil, nil
	}

	var payload struct {
		A []any    `json:"a"` // [price, wholeLot, lot]
		B []any    `json:"b"`
		C []string `json:"c"` // [last, lot]
	}
	if err := json.Unmarshal(arr[1], &payload); err != nil {
		return nil, err
	}
	if len(payload.A) == 0 || len(payload.B) == 0 {
		return nil, fmt.Errorf("ticker payload missing quotes")
	}
	askStr, _ := payload.A[0].(string)
	bidStr, _ := payload.B[0].(string)
	ask, err := strconv.ParseFloat(askStr, 64)
	if err != nil {
		return nil, fmt.Errorf("bad ask %q: %w", askStr, err)
	}
	bid, err := strconv.ParseFloat(bidStr, 64)
	if err != nil {
		return nil, fmt.Errorf("bad bid %q: %w", bidStr, err)
	}
	return []model.PriceSample{{
		SourceID:  sourceID,
		Mid:       (bid + ask) / 2,
		BestBid:   bid,
		BestAsk:   ask,
		Timestamp: time.Now().UnixMilli(),
	}}, nil
}

// NewBitstampAdapter polls the Bitstamp REST ticker. The interval is
// the upstream rate limit.
func NewBitstampAdapter(out chan<- model.PriceSample, backoff Backoff, maxAttempts int, interval time.Duration) *PollAdapter {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return NewPollAdapter(PollConfig{
		Name:     SourceBitstamp,
		URL:      "https://www.bitstamp.net/api/v2/ticker/btcusd/",
		Interval: interval,
		Parse:    parseBitstampTicker,
	}, out, backoff, maxAttempts)
}

func parseBitstampTicker(body []byte) ([]model.PriceSample, error) {
	var raw struct {
		Last string `json:"last"`
		Bid  string `json:"bid"`
		Ask  string `json:"ask"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	last, err := strconv.ParseFloat(raw.Last, 64)
	if err != nil {
		return nil, fmt.Errorf("bad last %q: %w", raw.Last, err)
	}
	bid, _ := strconv.ParseFloat(raw.Bid, 64)
	ask, _ := strconv.ParseFloat(raw.Ask, 64)
	return []model.PriceSample{{
		SourceID:  SourceBitstamp,
		Mid:       last,
		BestBid:   bid,
		BestAsk:   ask,
		Timestamp: time.Now().UnixMilli(),
	}}, nil
}

// BuildAdapters constructs the adapters named in sources. Unknown names
// are skipped with a warning so a config typo cannot take the feed down.
func BuildAdapters(sources []string, out chan<- model.PriceSample, backoff Backoff, maxAttempts int, pollInterval time.Duration) []Adapter {
	var adapters []Adapter
	for _, name := range sources {
		switch name {
		case SourceBinance:
			adapters = append(adapters, NewBinanceAdapter(out, backoff, maxAttempts))
		case SourceCoinbase:
			adapters = append(adapters, NewCoinbaseAdapter(out, backoff, maxAttempts))
		case "kraken":
			adapters = append(adapters, NewKrakenAdapter(out, backoff, maxAttempts))
		case SourceBitstamp:
			adapters = append(adapters, NewBitstampAdapter(out, backoff, maxAttempts, pollInterval))
		default:
			// Misconfigured source; nothing to construct.
			slog.Warn("unknown feed source skipped", "source", name)
		}
	}
	return adapters
}
