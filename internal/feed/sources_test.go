package feed

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minutex/exchange-engine/internal/model"
)

func TestParseBinanceBookTicker(t *testing.T) {
	msg := []byte(`{"u":400900217,"s":"BTCUSDT","b":"99999.50","B":"31.21","a":"100000.50","A":"40.66"}`)
	samples, err := parseBinanceBookTicker(msg)
	require.NoError(t, err)
	require.Len(t, samples, 1)

	s := samples[0]
	assert.Equal(t, SourceBinance, s.SourceID)
	assert.Equal(t, 100_000.0, s.Mid)
	assert.Equal(t, 99_999.5, s.BestBid)
	assert.Equal(t, 100_000.5, s.BestAsk)
}

func TestParseBinanceGarbage(t *testing.T) {
	_, err := parseBinanceBookTicker([]byte(`not json`))
	assert.Error(t, err, "garbage frame should error")

	_, err = parseBinanceBookTicker([]byte(`{"b":"oops","a":"1"}`))
	assert.Error(t, err, "non-numeric bid should error")

	// Control frames carry no quotes and are skipped silently.
	samples, err := parseBinanceBookTicker([]byte(`{"result":null,"id":1}`))
	assert.NoError(t, err)
	assert.Nil(t, samples)
}

func TestParseCoinbaseTicker(t *testing.T) {
	msg := []byte(`{"type":"ticker","sequence":123,"product_id":"BTC-USD","price":"100250.00","best_bid":"100249.50","best_ask":"100250.50"}`)
	samples, err := parseCoinbaseTicker(msg)
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, SourceCoinbase, samples[0].SourceID)
	assert.Equal(t, 100_250.0, samples[0].Mid)

	// Subscription acks are skipped.
	samples, err = parseCoinbaseTicker([]byte(`{"type":"subscriptions","channels":[]}`))
	assert.NoError(t, err)
	assert.Nil(t, samples)
}

func TestParseKrakenTickerEmitsPerPairSources(t *testing.T) {
	usd := []byte(`[340,{"a":["100001.0",1,"1.0"],"b":["99999.0",1,"1.0"],"c":["100000.0","0.1"]},"ticker","XBT/USD"]`)
	samples, err := parseKrakenTicker(usd)
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, SourceKrakenUSD, samples[0].SourceID)
	assert.Equal(t, 100_000.0, samples[0].Mid)

	usdt := []byte(`[341,{"a":["100101.0",1,"1.0"],"b":["100099.0",1,"1.0"],"c":["100100.0","0.1"]},"ticker","XBT/USDT"]`)
	samples, err = parseKrakenTicker(usdt)
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, SourceKrakenUSDT, samples[0].SourceID)

	// Heartbeats and acks are objects, skipped without error.
	samples, err = parseKrakenTicker([]byte(`{"event":"heartbeat"}`))
	assert.NoError(t, err)
	assert.Nil(t, samples)

	// Unknown pairs are ignored.
	eth := []byte(`[342,{"a":["3000.0",1,"1.0"],"b":["2999.0",1,"1.0"]},"ticker","ETH/USD"]`)
	samples, err = parseKrakenTicker(eth)
	assert.NoError(t, err)
	assert.Nil(t, samples)
}

func TestParseBitstampTicker(t *testing.T) {
	body := []byte(`{"last":"100123.00","bid":"100122.00","ask":"100124.00","volume":"1234.5"}`)
	samples, err := parseBitstampTicker(body)
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, SourceBitstamp, samples[0].SourceID)
	assert.Equal(t, 100_123.0, samples[0].Mid)

	_, err = parseBitstampTicker([]byte(`{"last":"n/a"}`))
	assert.Error(t, err, "non-numeric last should error")
}

func TestBuildAdapters(t *testing.T) {
	out := make(chan model.PriceSample, 1)
	b := Backoff{Base: time.Second, Max: time.Minute}

	adapters := BuildAdapters([]string{"binance", "coinbase", "kraken", "bitstamp", "nope"}, out, b, 10, 2*time.Second)
	require.Len(t, adapters, 4, "unknown source names are skipped")

	names := make(map[string]bool)
	for _, a := range adapters {
		names[a.Name()] = true
	}
	for _, want := range []string{"binance", "coinbase", "kraken", "bitstamp"} {
		assert.True(t, names[want], "missing adapter %s", want)
	}
}
